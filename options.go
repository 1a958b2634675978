package flowtrace

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/flowtrace/flowtrace-go/backend"
	"github.com/flowtrace/flowtrace-go/internal/config"
)

// settings collects everything New needs to assemble a Tracer. Code
// options are applied last, over file and environment configuration.
type settings struct {
	cfg        *config.Config
	logger     *zap.Logger
	store      backend.Store
	registerer prometheus.Registerer
}

// Option configures a Tracer at construction.
type Option func(*settings)

// WithLogger replaces the built-in zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithStore replaces the backend store. Use this to export traces to a
// custom destination; WithBackendURL and WithTransport are then ignored.
func WithStore(store backend.Store) Option {
	return func(s *settings) { s.store = store }
}

// WithRegisterer registers the tracer's prometheus metrics against reg.
// Without this option metrics land in a private, unexported registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *settings) { s.registerer = reg }
}

// WithBackendURL sets the tracking backend base URL.
func WithBackendURL(url string) Option {
	return func(s *settings) { s.cfg.Backend.URL = url }
}

// WithBackendToken sets the bearer token sent to the backend.
func WithBackendToken(token string) Option {
	return func(s *settings) { s.cfg.Backend.Token = token }
}

// WithTransport selects the backend transport, "http" or "otlp".
func WithTransport(transport string) Option {
	return func(s *settings) { s.cfg.Backend.Transport = transport }
}

// WithCompression toggles gzip compression of large HTTP payloads.
func WithCompression(enabled bool) Option {
	return func(s *settings) { s.cfg.Backend.Compression = enabled }
}

// WithTraceTimeout bounds the lifetime of a trace before the supervisor
// force-closes it with status ERROR. Zero disables supervision.
func WithTraceTimeout(d time.Duration) Option {
	return func(s *settings) { s.cfg.Timeout.TraceTimeout = d }
}

// WithCheckInterval sets how often the supervisor scans for overdue
// traces.
func WithCheckInterval(d time.Duration) Option {
	return func(s *settings) { s.cfg.Timeout.CheckInterval = d }
}

// WithMaxExportWorkers sets the export worker pool size.
func WithMaxExportWorkers(n int) Option {
	return func(s *settings) { s.cfg.Export.MaxWorkers = n }
}

// WithMaxQueueSize bounds the export queue; tasks offered beyond the bound
// are dropped.
func WithMaxQueueSize(n int) Option {
	return func(s *settings) { s.cfg.Export.MaxQueueSize = n }
}

// WithRetryTimeout caps the total retry budget per export task.
func WithRetryTimeout(d time.Duration) Option {
	return func(s *settings) { s.cfg.Export.RetryTimeout = d }
}

// WithShutdownTimeout bounds the final flush performed by Close.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *settings) { s.cfg.ShutdownTimeout = d }
}

// spanSettings collects StartSpan options.
type spanSettings struct {
	inputs     any
	attributes []Attribute
	runID      string
}

// SpanOption configures a span at creation.
type SpanOption func(*spanSettings)

// WithInputs attaches the operation's inputs to the span.
func WithInputs(v any) SpanOption {
	return func(s *spanSettings) { s.inputs = v }
}

// WithAttribute appends an attribute at span creation.
func WithAttribute(key string, value any) SpanOption {
	return func(s *spanSettings) {
		s.attributes = append(s.attributes, Attribute{Key: key, Value: value})
	}
}

// WithRunID links the trace to an experiment run. Only honored on the
// span that starts a trace.
func WithRunID(runID string) SpanOption {
	return func(s *spanSettings) { s.runID = runID }
}

// endSettings collects EndSpan options.
type endSettings struct {
	status  SpanStatus
	outputs any
	errMsg  string
}

// EndOption configures how a span is closed.
type EndOption func(*endSettings)

// WithStatus sets the span's terminal status. The default is OK.
func WithStatus(status SpanStatus) EndOption {
	return func(s *endSettings) { s.status = status }
}

// WithOutputs attaches the operation's outputs to the span.
func WithOutputs(v any) EndOption {
	return func(s *endSettings) { s.outputs = v }
}

// WithError marks the span as failed and records the error message as an
// attribute. The trace's terminal state becomes ERROR when any of its
// spans closed with an error.
func WithError(err error) EndOption {
	return func(s *endSettings) {
		s.status = SpanStatusError
		if err != nil {
			s.errMsg = err.Error()
		}
	}
}
