package flowtrace

import (
	"context"
	"sync"
)

type handleKey struct{}

// handle is the mutable per-context tracing state: the active trace and
// its span stack. It travels by pointer inside a context.Context, so every
// caller holding a derived context shares the same stack. Passing the
// context is the propagation call; a fresh context starts a fresh trace.
type handle struct {
	mu    sync.Mutex
	trace *Trace
	stack []*Span
}

func handleFrom(ctx context.Context) *handle {
	h, _ := ctx.Value(handleKey{}).(*handle)
	return h
}

func contextWithHandle(ctx context.Context, h *handle) context.Context {
	return context.WithValue(ctx, handleKey{}, h)
}

// current returns the top of the span stack. Callers hold mu.
func (h *handle) current() *Span {
	if len(h.stack) == 0 {
		return nil
	}
	return h.stack[len(h.stack)-1]
}

// pop removes the span with the given ID from the stack, searching from
// the top so the common close-in-LIFO-order case is O(1). When the root
// leaves the stack the handle resets for a future trace. Callers hold mu.
func (h *handle) pop(spanID string) (span *Span, trace *Trace, isRoot bool, ok bool) {
	for i := len(h.stack) - 1; i >= 0; i-- {
		if h.stack[i].ID() != spanID {
			continue
		}
		span = h.stack[i]
		trace = h.trace
		h.stack = append(h.stack[:i], h.stack[i+1:]...)

		if span.IsRoot() {
			isRoot = true
			h.stack = nil
			h.trace = nil
		}
		return span, trace, isRoot, true
	}
	return nil, nil, false, false
}

// TraceFromContext returns the trace active on ctx, or nil.
func TraceFromContext(ctx context.Context) *Trace {
	h := handleFrom(ctx)
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.trace
}

// SpanFromContext returns the innermost open span on ctx, or nil.
func SpanFromContext(ctx context.Context) *Span {
	h := handleFrom(ctx)
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current()
}
