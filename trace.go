package flowtrace

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowtrace/flowtrace-go/backend"
	"github.com/flowtrace/flowtrace-go/internal/id"
)

// TraceState is the lifecycle state of a trace.
type TraceState int32

const (
	TraceStateInProgress TraceState = iota
	TraceStateOK
	TraceStateError
)

func (s TraceState) String() string {
	switch s {
	case TraceStateOK:
		return backend.StatusOK
	case TraceStateError:
		return backend.StatusError
	default:
		return "IN_PROGRESS"
	}
}

// Trace is a tree of spans under a single root. Its terminal state is
// resolved exactly once: the natural root closure and the timeout
// supervisor race on a compare-and-swap, and only the winner snapshots and
// submits the trace for export.
type Trace struct {
	traceID id.TraceID
	runID   string
	created time.Time

	state atomic.Int32

	mu    sync.Mutex
	spans []*Span
	index map[id.SpanID]*Span
	tags  map[string]string
	ended time.Time
}

func newTrace(runID string, created time.Time) *Trace {
	return &Trace{
		traceID: id.NewTraceID(),
		runID:   runID,
		created: created,
		index:   make(map[id.SpanID]*Span),
		tags:    make(map[string]string),
	}
}

// ID returns the trace identifier.
func (t *Trace) ID() string { return t.traceID.String() }

// RunID returns the experiment run this trace is linked to, if any.
func (t *Trace) RunID() string { return t.runID }

// StartTime returns when the trace was created.
func (t *Trace) StartTime() time.Time { return t.created }

// State returns the current lifecycle state.
func (t *Trace) State() TraceState {
	return TraceState(t.state.Load())
}

// Tags returns a copy of the current tag set.
func (t *Trace) Tags() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]string, len(t.tags))
	for k, v := range t.tags {
		out[k] = v
	}
	return out
}

// Root returns the root span, or nil before one is attached.
func (t *Trace) Root() *Span {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.spans {
		if s.parentID == "" {
			return s
		}
	}
	return nil
}

// addSpan registers a span with the trace in creation order. It reports
// false when the trace went terminal concurrently, so the snapshot can
// never pick up a half-open span.
func (t *Trace) addSpan(s *Span) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.State() != TraceStateInProgress {
		return false
	}
	t.spans = append(t.spans, s)
	t.index[s.spanID] = s
	return true
}

// setTag writes a tag on the live trace. It reports false once the trace
// is terminal; at that point the snapshot is sealed and tag edits must go
// through the backend store instead.
func (t *Trace) setTag(key, value string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.State() != TraceStateInProgress {
		return false
	}
	t.tags[key] = value
	return true
}

// deleteTag removes a tag on the live trace, false once terminal.
func (t *Trace) deleteTag(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.State() != TraceStateInProgress {
		return false
	}
	delete(t.tags, key)
	return true
}

// tryFinish attempts the single IN_PROGRESS to terminal transition. Only
// one caller ever wins; the winner owns snapshotting and submission.
func (t *Trace) tryFinish(terminal TraceState) bool {
	return t.state.CompareAndSwap(int32(TraceStateInProgress), int32(terminal))
}

// openSpans returns the spans still open right now.
func (t *Trace) openSpans() []*Span {
	t.mu.Lock()
	defer t.mu.Unlock()
	var open []*Span
	for _, s := range t.spans {
		if !s.Ended() {
			open = append(open, s)
		}
	}
	return open
}

// hasErrorSpan reports whether any span closed with ERROR status.
func (t *Trace) hasErrorSpan() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.spans {
		if s.Status() == SpanStatusError {
			return true
		}
	}
	return false
}

func (t *Trace) setEndTime(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ended = at
}

// snapshot freezes the trace and its span tree into the immutable wire
// form. Callers must hold the terminal CAS; spans are expected to be
// closed by then.
func (t *Trace) snapshot() *backend.TraceSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	spans := make([]backend.SpanSnapshot, 0, len(t.spans))
	for _, s := range t.spans {
		spans = append(spans, s.snapshot())
	}
	tags := make(map[string]string, len(t.tags))
	for k, v := range t.tags {
		tags[k] = v
	}

	return &backend.TraceSnapshot{
		TraceID:   t.traceID.String(),
		RunID:     t.runID,
		State:     t.State().String(),
		StartTime: t.created,
		EndTime:   t.ended,
		Tags:      tags,
		Spans:     spans,
	}
}
