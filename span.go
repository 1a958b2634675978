package flowtrace

import (
	"sync"
	"time"

	"github.com/flowtrace/flowtrace-go/backend"
	"github.com/flowtrace/flowtrace-go/internal/id"
)

// SpanStatus is the terminal status of a span.
type SpanStatus string

const (
	SpanStatusUnset SpanStatus = backend.StatusUnset
	SpanStatusOK    SpanStatus = backend.StatusOK
	SpanStatusError SpanStatus = backend.StatusError
)

// Attribute is a single ordered span attribute. Attribute order is
// preserved through export.
type Attribute = backend.Attribute

// Span is one timed operation inside a trace. A Span is safe for
// concurrent use; once ended it is immutable and late mutations are
// silently dropped.
type Span struct {
	noop bool

	spanID   id.SpanID
	parentID id.SpanID
	traceID  id.TraceID
	name     string
	start    time.Time

	mu         sync.Mutex
	end        time.Time
	status     SpanStatus
	attributes []Attribute
	inputs     any
	outputs    any
	ended      bool
}

// noopSpan is returned when tracing is disabled or the surrounding trace
// has already been force-closed. It records nothing and its empty ID makes
// EndSpan a no-op.
func noopSpan() *Span {
	return &Span{noop: true, status: SpanStatusUnset}
}

func newSpan(traceID id.TraceID, parentID id.SpanID, name string, start time.Time) *Span {
	return &Span{
		spanID:   id.NewSpanID(),
		parentID: parentID,
		traceID:  traceID,
		name:     name,
		start:    start,
		status:   SpanStatusUnset,
	}
}

// ID returns the span identifier, empty for no-op spans.
func (s *Span) ID() string {
	if s.noop {
		return ""
	}
	return s.spanID.String()
}

// TraceID returns the identifier of the owning trace.
func (s *Span) TraceID() string { return s.traceID.String() }

// ParentID returns the parent span identifier, empty for root spans.
func (s *Span) ParentID() string { return s.parentID.String() }

// Name returns the span name.
func (s *Span) Name() string { return s.name }

// StartTime returns when the span started.
func (s *Span) StartTime() time.Time { return s.start }

// IsRoot reports whether this span is the root of its trace.
func (s *Span) IsRoot() bool { return !s.noop && s.parentID == "" }

// Status returns the span status.
func (s *Span) Status() SpanStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// EndTime returns when the span ended, zero while still open.
func (s *Span) EndTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.end
}

// Ended reports whether the span has been closed.
func (s *Span) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// SetAttribute sets an attribute, replacing an existing key in place so
// first-write order is preserved. Ignored once the span has ended.
func (s *Span) SetAttribute(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || s.noop {
		return
	}
	for i := range s.attributes {
		if s.attributes[i].Key == key {
			s.attributes[i].Value = value
			return
		}
	}
	s.attributes = append(s.attributes, Attribute{Key: key, Value: value})
}

// Attributes returns a copy of the attributes in write order.
func (s *Span) Attributes() []Attribute {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Attribute, len(s.attributes))
	copy(out, s.attributes)
	return out
}

func (s *Span) setInputs(v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.inputs = v
	}
}

// closeSpan ends the span exactly once. The first closer wins; later calls
// report false and change nothing. An empty status keeps whatever status
// the span already carries.
func (s *Span) closeSpan(at time.Time, status SpanStatus, outputs any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended || s.noop {
		return false
	}
	s.ended = true
	if at.Before(s.start) {
		at = s.start
	}
	s.end = at
	if status != "" {
		s.status = status
	}
	if outputs != nil {
		s.outputs = outputs
	}
	return true
}

// snapshot freezes the span into its wire form.
func (s *Span) snapshot() backend.SpanSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	attrs := make([]Attribute, len(s.attributes))
	copy(attrs, s.attributes)

	return backend.SpanSnapshot{
		SpanID:     s.spanID.String(),
		ParentID:   s.parentID.String(),
		TraceID:    s.traceID.String(),
		Name:       s.name,
		StartTime:  s.start,
		EndTime:    s.end,
		Status:     string(s.status),
		Attributes: attrs,
		Inputs:     s.inputs,
		Outputs:    s.outputs,
	}
}
