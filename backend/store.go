package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/flowtrace/flowtrace-go/internal/resilience"
)

// Span and trace statuses on the wire.
const (
	StatusUnset = "UNSET"
	StatusOK    = "OK"
	StatusError = "ERROR"
)

// Attribute is a single ordered span attribute.
type Attribute struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// SpanSnapshot is the immutable wire form of one finished span.
type SpanSnapshot struct {
	SpanID     string      `json:"span_id"`
	ParentID   string      `json:"parent_id,omitempty"`
	TraceID    string      `json:"trace_id"`
	Name       string      `json:"name"`
	StartTime  time.Time   `json:"start_time"`
	EndTime    time.Time   `json:"end_time"`
	Status     string      `json:"status"`
	Attributes []Attribute `json:"attributes,omitempty"`
	Inputs     any         `json:"inputs,omitempty"`
	Outputs    any         `json:"outputs,omitempty"`
}

// TraceSnapshot is the immutable wire form of one finished trace and its
// full span tree. Once built it is never mutated; later tag edits go
// through SetTraceTag, never through re-export.
type TraceSnapshot struct {
	TraceID   string            `json:"trace_id"`
	RunID     string            `json:"run_id,omitempty"`
	State     string            `json:"state"` // OK or ERROR
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time"`
	Tags      map[string]string `json:"tags,omitempty"`
	Spans     []SpanSnapshot    `json:"spans"`
}

// RootSpan returns the root span snapshot, or nil if absent.
func (t *TraceSnapshot) RootSpan() *SpanSnapshot {
	for i := range t.Spans {
		if t.Spans[i].ParentID == "" {
			return &t.Spans[i]
		}
	}
	return nil
}

// AssessmentSourceType identifies who produced an assessment.
type AssessmentSourceType string

const (
	SourceHuman    AssessmentSourceType = "HUMAN"
	SourceLLMJudge AssessmentSourceType = "LLM_JUDGE"
	SourceCode     AssessmentSourceType = "CODE"
)

// AssessmentSource identifies the origin of an assessment.
type AssessmentSource struct {
	SourceType AssessmentSourceType `json:"source_type"`
	SourceID   string               `json:"source_id"`
}

// Assessment is a post-hoc annotation on an exported trace: either an
// expectation (ground truth) or a feedback value.
type Assessment struct {
	TraceID        string            `json:"trace_id"`
	SpanID         string            `json:"span_id,omitempty"`
	Name           string            `json:"name"`
	Source         AssessmentSource  `json:"source"`
	Expectation    any               `json:"expectation,omitempty"`
	Feedback       any               `json:"feedback,omitempty"`
	FeedbackError  string            `json:"feedback_error,omitempty"`
	Rationale      string            `json:"rationale,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreateTime     time.Time         `json:"create_time"`
	LastUpdateTime time.Time         `json:"last_update_time"`
}

// Store is the persistence collaborator for finished traces. PersistTrace
// is called exclusively by export workers; the remaining operations are
// synchronous pass-throughs from the tracer facade.
type Store interface {
	PersistTrace(ctx context.Context, trace *TraceSnapshot) error
	SetTraceTag(ctx context.Context, traceID, key, value string) error
	DeleteTraceTag(ctx context.Context, traceID, key string) error
	CreateAssessment(ctx context.Context, assessment *Assessment) error
}

// ErrUnsupported marks a store operation the transport cannot serve.
var ErrUnsupported = errors.New("operation not supported by this store")

// Error is a classified store failure.
type Error struct {
	Op         string
	StatusCode int // zero for transport-level failures
	Message    string
	Permanent  bool
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: backend returned %d: %s", e.Op, e.StatusCode, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// NewTransportError wraps a connection-level failure (always retryable).
func NewTransportError(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

// NewHTTPError classifies an HTTP response status. Timeouts, throttling,
// and server errors are transient; everything else a server said on
// purpose (validation, auth, not-found) is permanent.
func NewHTTPError(op string, statusCode int, message string) *Error {
	permanent := true
	switch {
	case statusCode == 408, statusCode == 429:
		permanent = false
	case statusCode >= 500:
		permanent = false
	}
	return &Error{Op: op, StatusCode: statusCode, Message: message, Permanent: permanent}
}

// Retryable reports whether the export retry controller should keep trying
// after err. Unknown error types default to retryable so a flaky backend
// gets the benefit of the doubt.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnsupported) {
		return false
	}
	// An open breaker means the store is known-bad right now; keep the
	// task alive so it can land once the store recovers.
	if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, resilience.ErrTooManyRequests) {
		return true
	}
	var se *Error
	if errors.As(err, &se) {
		return !se.Permanent
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return true
}
