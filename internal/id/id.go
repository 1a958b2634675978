// Package id provides ULID-based identifier generation for traces and spans.
//
// ULIDs are 16-byte, lexicographically sortable identifiers. Sorting trace
// IDs sorts traces by creation time, which keeps backend listings cheap and
// maps cleanly onto OTLP's 16-byte trace identifiers.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// TraceID identifies a trace.
type TraceID string

// SpanID identifies a span within a trace.
type SpanID string

const (
	tracePrefix = "tr"
	spanPrefix  = "sp"
)

// Generator generates ULIDs with type-specific prefixes.
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex // Protects entropy reader
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator backed by crypto/rand entropy.
func NewGenerator() *Generator {
	return &Generator{entropy: rand.Reader}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source.
// Useful for deterministic tests.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID.
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string.
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewTraceID generates a new trace ID.
func NewTraceID() TraceID {
	return TraceID(Default().GenerateWithPrefix(tracePrefix))
}

// NewSpanID generates a new span ID.
func NewSpanID() SpanID {
	return SpanID(Default().GenerateWithPrefix(spanPrefix))
}

func (id TraceID) String() string { return string(id) }
func (id SpanID) String() string  { return string(id) }

// Bytes returns the raw 16-byte ULID behind a prefixed ID, or an error if
// the ID does not carry a valid ULID.
func Bytes(id string) ([]byte, error) {
	parsed, err := parse(id)
	if err != nil {
		return nil, err
	}
	return parsed[:], nil
}

// Timestamp extracts the creation time encoded in a prefixed ID.
func Timestamp(id string) (time.Time, error) {
	parsed, err := parse(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}

// IsValid reports whether the string is a prefixed ULID identifier.
func IsValid(id string) bool {
	_, err := parse(id)
	return err == nil
}

func parse(id string) (ulid.ULID, error) {
	if i := lastUnderscore(id); i >= 0 {
		id = id[i+1:]
	}
	return ulid.Parse(id)
}

func lastUnderscore(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '_' {
			return i
		}
	}
	return -1
}
