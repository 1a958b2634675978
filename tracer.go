package flowtrace

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/flowtrace/flowtrace-go/backend"
	"github.com/flowtrace/flowtrace-go/internal/config"
	"github.com/flowtrace/flowtrace-go/internal/export"
	"github.com/flowtrace/flowtrace-go/internal/id"
	"github.com/flowtrace/flowtrace-go/internal/logging"
	"github.com/flowtrace/flowtrace-go/internal/monitoring"
	"github.com/flowtrace/flowtrace-go/internal/supervisor"
)

// Tracer is the tracing facade: it creates spans, resolves traces, and
// feeds the asynchronous export pipeline. One Tracer owns one pipeline;
// construct it once at startup and Close it on shutdown.
type Tracer struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *monitoring.Metrics

	store     backend.Store
	ownsStore bool

	queue      *export.Queue[*backend.TraceSnapshot]
	pool       *export.Pool[*backend.TraceSnapshot]
	supervisor *supervisor.Supervisor
	registry   *traceRegistry

	enabled atomic.Bool
	closed  atomic.Bool
}

// New builds a Tracer from environment and file configuration, then
// applies the given options on top. The export worker pool starts
// immediately; the timeout supervisor starts lazily with the first trace.
func New(opts ...Option) (*Tracer, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	s := &settings{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := s.logger
	if logger == nil {
		logger, err = logging.New(logging.Config{
			Level:       cfg.Logging.Level,
			Development: cfg.Logging.Development,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build logger: %w", err)
		}
	}

	metrics := monitoring.New(s.registerer)

	store := s.store
	ownsStore := false
	if store == nil {
		switch cfg.Backend.Transport {
		case config.TransportOTLP:
			store, err = backend.NewOTLPStore(cfg.Backend.URL, logger)
			if err != nil {
				return nil, err
			}
		default:
			store = backend.NewHTTPStore(backend.HTTPConfig{
				BaseURL:        cfg.Backend.URL,
				Token:          cfg.Backend.Token,
				Compression:    cfg.Backend.Compression,
				RequestTimeout: cfg.Backend.RequestTimeout,
			}, logger)
		}
		ownsStore = true
	}

	queue := export.NewQueue[*backend.TraceSnapshot](cfg.Export.MaxQueueSize, logger, metrics)

	policy := export.DefaultPolicy(cfg.Export.RetryTimeout)
	policy.Retryable = backend.Retryable

	pool := export.NewPool(cfg.Export.MaxWorkers, queue,
		func(ctx context.Context, snap *backend.TraceSnapshot) error {
			return store.PersistTrace(ctx, snap)
		},
		policy, logger, metrics)

	t := &Tracer{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		store:     store,
		ownsStore: ownsStore,
		queue:     queue,
		pool:      pool,
		registry:  newTraceRegistry(),
	}
	if cfg.Timeout.TraceTimeout > 0 {
		t.supervisor = supervisor.New(cfg.Timeout.CheckInterval, cfg.Timeout.IdleGrace, t.sweep, logger)
	}

	pool.Start()
	t.enabled.Store(true)

	logger.Debug("tracer ready",
		zap.String("backend", cfg.Backend.URL),
		zap.String("transport", cfg.Backend.Transport),
		zap.Int("export_workers", cfg.Export.MaxWorkers),
		zap.Duration("trace_timeout", cfg.Timeout.TraceTimeout),
	)
	return t, nil
}

// StartSpan opens a span on ctx and returns the context carrying it. With
// no active trace on ctx a new trace is started and the span becomes its
// root; otherwise the span attaches as a child of the innermost open span.
//
// When tracing is disabled, or the surrounding trace was force-closed by
// the timeout supervisor, the returned span is a no-op with an empty ID
// and nothing is recorded.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, *Span) {
	if !t.enabled.Load() || t.closed.Load() {
		return ctx, noopSpan()
	}

	so := spanSettings{}
	for _, opt := range opts {
		opt(&so)
	}

	h := handleFrom(ctx)
	if h == nil {
		h = &handle{}
		ctx = contextWithHandle(ctx, h)
	}

	now := time.Now()

	h.mu.Lock()
	defer h.mu.Unlock()

	switch {
	case h.trace == nil:
		return ctx, t.startTrace(h, name, now, &so)

	case h.trace.State() != TraceStateInProgress:
		// The supervisor force-closed this trace while spans were still
		// open. Work continues, but outside the trace.
		return ctx, noopSpan()

	default:
		parent := h.current()
		if parent == nil {
			return ctx, t.startTrace(h, name, now, &so)
		}
		span := newSpan(h.trace.traceID, parent.spanID, name, now)
		applySpanSettings(span, &so)
		if !h.trace.addSpan(span) {
			// Lost a race with the supervisor's forced closure.
			return ctx, noopSpan()
		}
		h.stack = append(h.stack, span)
		return ctx, span
	}
}

// startTrace creates a trace with a root span. Callers hold h.mu.
func (t *Tracer) startTrace(h *handle, name string, now time.Time, so *spanSettings) *Span {
	trace := newTrace(so.runID, now)
	span := newSpan(trace.traceID, "", name, now)
	applySpanSettings(span, so)
	trace.addSpan(span)

	h.trace = trace
	h.stack = []*Span{span}

	t.registry.add(trace)
	t.metrics.TracesStarted.Inc()
	t.metrics.TracesActive.Inc()
	if t.supervisor != nil {
		t.supervisor.EnsureRunning()
	}
	return span
}

func applySpanSettings(span *Span, so *spanSettings) {
	if so.inputs != nil {
		span.setInputs(so.inputs)
	}
	for _, attr := range so.attributes {
		span.SetAttribute(attr.Key, attr.Value)
	}
}

// EndSpan closes the span with the given ID on ctx's stack, default status
// OK. Closing the root span resolves the trace's terminal state and
// enqueues it for export; the call returns before anything touches the
// network.
//
// Ending a span that is not on the stack returns a *SpanStateError.
// Ending a span whose trace was already force-closed is not an error: the
// supervisor won the race and the close becomes a no-op.
func (t *Tracer) EndSpan(ctx context.Context, spanID string, opts ...EndOption) error {
	if spanID == "" {
		// No-op span from a disabled or force-closed window.
		return nil
	}

	eo := endSettings{status: SpanStatusOK}
	for _, opt := range opts {
		opt(&eo)
	}

	h := handleFrom(ctx)
	if h == nil {
		return &SpanStateError{SpanID: spanID, Reason: "no active trace in context"}
	}

	now := time.Now()

	h.mu.Lock()
	span, trace, isRoot, ok := h.pop(spanID)
	h.mu.Unlock()
	if !ok {
		return &SpanStateError{SpanID: spanID, Reason: "span is not open on this context"}
	}

	if eo.errMsg != "" {
		span.SetAttribute("error.message", eo.errMsg)
	}
	span.closeSpan(now, eo.status, eo.outputs)

	if isRoot && trace != nil {
		t.finishTrace(trace, now)
	}
	return nil
}

// finishTrace resolves the terminal state after the root span closed.
// Only the CAS winner may touch the remaining open spans; a loser racing
// the supervisor here would contend with its ERROR stamps. Open spans
// carry no status until closed, so the terminal state is decidable before
// the CAS. The winner closes leftover children at the root's end time
// with their status untouched.
func (t *Tracer) finishTrace(trace *Trace, endTime time.Time) {
	terminal := TraceStateOK
	if trace.hasErrorSpan() {
		terminal = TraceStateError
	}

	if !trace.tryFinish(terminal) {
		return
	}
	for _, open := range trace.openSpans() {
		open.closeSpan(endTime, "", nil)
	}
	trace.setEndTime(endTime)
	t.registry.remove(trace.traceID)
	t.metrics.TracesActive.Dec()
	t.submit(trace)
}

// sweep force-closes overdue traces. It runs on the supervisor goroutine
// and returns how many traces remain in progress.
func (t *Tracer) sweep(now time.Time) int {
	for _, trace := range t.registry.expired(now, t.cfg.Timeout.TraceTimeout) {
		if !trace.tryFinish(TraceStateError) {
			// Natural closure got there first.
			continue
		}
		for _, open := range trace.openSpans() {
			open.closeSpan(now, SpanStatusError, nil)
		}
		trace.setEndTime(now)
		t.registry.remove(trace.traceID)
		t.metrics.TracesActive.Dec()
		t.metrics.TracesTimedOut.Inc()
		t.logger.Warn("trace exceeded timeout, force-closed with ERROR",
			zap.String("trace_id", trace.ID()),
			zap.Duration("age", now.Sub(trace.StartTime())),
		)
		t.submit(trace)
	}
	return t.registry.size()
}

// submit snapshots the trace and offers it to the export queue. Drops are
// counted inside the queue; the caller never blocks or fails.
func (t *Tracer) submit(trace *Trace) {
	t.queue.Enqueue(trace.snapshot())
}

// CurrentTrace returns the trace active on ctx, or nil.
func (t *Tracer) CurrentTrace(ctx context.Context) *Trace {
	return TraceFromContext(ctx)
}

// UpdateCurrentTrace merges tags into the trace active on ctx.
func (t *Tracer) UpdateCurrentTrace(ctx context.Context, tags map[string]string) error {
	trace := TraceFromContext(ctx)
	if trace == nil {
		return ErrNoActiveTrace
	}
	for k, v := range tags {
		if !trace.setTag(k, v) {
			return ErrTraceCompleted
		}
	}
	return nil
}

// SetTraceTag sets a tag on a trace. While the trace is in progress the
// tag is written locally and rides along in the export snapshot; once the
// trace has been exported the write goes to the backend instead.
func (t *Tracer) SetTraceTag(ctx context.Context, traceID, key, value string) error {
	if trace, ok := t.registry.get(id.TraceID(traceID)); ok {
		if trace.setTag(key, value) {
			return nil
		}
		// Terminal between lookup and write; fall through to the backend.
	}
	return t.store.SetTraceTag(ctx, traceID, key, value)
}

// DeleteTraceTag removes a tag from a trace, locally while in progress,
// via the backend once exported.
func (t *Tracer) DeleteTraceTag(ctx context.Context, traceID, key string) error {
	if trace, ok := t.registry.get(id.TraceID(traceID)); ok {
		if trace.deleteTag(key) {
			return nil
		}
	}
	return t.store.DeleteTraceTag(ctx, traceID, key)
}

// Enable turns span recording back on after Disable.
func (t *Tracer) Enable() { t.enabled.Store(true) }

// Disable stops recording new spans. Traces already in progress still
// resolve and export; only new root spans become no-ops.
func (t *Tracer) Disable() { t.enabled.Store(false) }

// Enabled reports whether span recording is on.
func (t *Tracer) Enabled() bool { return t.enabled.Load() }

// Flush blocks until every queued export task reached a terminal outcome
// or ctx is done. It reports whether the drain completed.
func (t *Tracer) Flush(ctx context.Context) bool {
	return t.queue.Flush(ctx)
}

// Close shuts the pipeline down: it stops the supervisor, drains the
// export queue within the configured shutdown timeout, and stops the
// worker pool. Safe to call more than once. A non-nil error means queued
// traces were abandoned.
func (t *Tracer) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.enabled.Store(false)

	if t.supervisor != nil {
		t.supervisor.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.ShutdownTimeout)
	defer cancel()
	drained := t.queue.Flush(ctx)

	t.pool.Stop()

	if t.ownsStore {
		if closer, ok := t.store.(io.Closer); ok {
			closer.Close()
		}
	}

	if !drained {
		return fmt.Errorf("shutdown flush incomplete: %d export tasks abandoned", t.queue.Pending())
	}
	return nil
}
