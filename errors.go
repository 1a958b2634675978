package flowtrace

import (
	"errors"
	"fmt"
)

// ErrNoActiveTrace is returned by operations that need an in-progress trace
// on the current context when there is none.
var ErrNoActiveTrace = errors.New("no active trace in context")

// ErrTraceCompleted is returned when a mutation targets a trace that has
// already reached a terminal state.
var ErrTraceCompleted = errors.New("trace already completed")

// SpanStateError reports a span lifecycle misuse, such as ending a span
// that is not on the context's active stack.
type SpanStateError struct {
	SpanID string
	Reason string
}

func (e *SpanStateError) Error() string {
	return fmt.Sprintf("span %s: %s", e.SpanID, e.Reason)
}
