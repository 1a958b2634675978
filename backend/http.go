package backend

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/flowtrace/flowtrace-go/internal/resilience"
)

// compressThreshold is the payload size above which trace bodies are
// gzipped. Small payloads are not worth the CPU.
const compressThreshold = 4 << 10

// HTTPConfig configures the HTTP trace store.
type HTTPConfig struct {
	BaseURL        string
	Token          string
	Compression    bool
	RequestTimeout time.Duration
}

// HTTPStore persists traces as JSON against a tracking server.
type HTTPStore struct {
	client   *resty.Client
	breaker  *resilience.Breaker
	compress bool
	logger   *zap.Logger
}

var _ Store = (*HTTPStore)(nil)

// NewHTTPStore creates a production-ready HTTP store with connection
// pooling and a circuit breaker.
func NewHTTPStore(cfg HTTPConfig, logger *zap.Logger) *HTTPStore {
	// retryablehttp provides the pooled transport. Its own retry loop is
	// disabled: retry scheduling belongs to the export workers, which own
	// the backoff budget per task.
	transportClient := retryablehttp.NewClient()
	transportClient.RetryMax = 0
	transportClient.Logger = nil

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("User-Agent", "flowtrace-go/1.0").
		SetHeader("Content-Type", "application/json").
		SetTransport(transportClient.HTTPClient.Transport)
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}

	breaker := resilience.New("trace-store", resilience.Settings{
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to resilience.State) {
			logger.Warn("trace store circuit state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &HTTPStore{
		client:   client,
		breaker:  breaker,
		compress: cfg.Compression,
		logger:   logger,
	}
}

// PersistTrace uploads one finished trace snapshot.
func (s *HTTPStore) PersistTrace(ctx context.Context, trace *TraceSnapshot) error {
	body, err := sonic.Marshal(trace)
	if err != nil {
		// Unserializable payload can never succeed.
		return &Error{Op: "persist trace", Message: fmt.Sprintf("marshal snapshot: %v", err), Permanent: true}
	}
	return s.post(ctx, "persist trace", "/api/v1/traces", body)
}

// SetTraceTag sets a tag on an already-exported trace.
func (s *HTTPStore) SetTraceTag(ctx context.Context, traceID, key, value string) error {
	body, err := sonic.Marshal(map[string]string{"key": key, "value": value})
	if err != nil {
		return &Error{Op: "set trace tag", Message: err.Error(), Permanent: true}
	}
	path := fmt.Sprintf("/api/v1/traces/%s/tags", url.PathEscape(traceID))
	return s.execute(ctx, "set trace tag", func(req *resty.Request) (*resty.Response, error) {
		return req.SetBody(body).Patch(path)
	})
}

// DeleteTraceTag removes a tag from an already-exported trace.
func (s *HTTPStore) DeleteTraceTag(ctx context.Context, traceID, key string) error {
	path := fmt.Sprintf("/api/v1/traces/%s/tags/%s", url.PathEscape(traceID), url.PathEscape(key))
	return s.execute(ctx, "delete trace tag", func(req *resty.Request) (*resty.Response, error) {
		return req.Delete(path)
	})
}

// CreateAssessment attaches an assessment to an exported trace.
func (s *HTTPStore) CreateAssessment(ctx context.Context, assessment *Assessment) error {
	body, err := sonic.Marshal(assessment)
	if err != nil {
		return &Error{Op: "create assessment", Message: err.Error(), Permanent: true}
	}
	path := fmt.Sprintf("/api/v1/traces/%s/assessments", url.PathEscape(assessment.TraceID))
	return s.post(ctx, "create assessment", path, body)
}

// post sends a JSON body, gzipping it above the compression threshold.
func (s *HTTPStore) post(ctx context.Context, op, path string, body []byte) error {
	encoding := ""
	if s.compress && len(body) > compressThreshold {
		compressed, err := gzipBytes(body)
		if err == nil {
			body = compressed
			encoding = "gzip"
		}
	}

	return s.execute(ctx, op, func(req *resty.Request) (*resty.Response, error) {
		if encoding != "" {
			req.SetHeader("Content-Encoding", encoding)
		}
		return req.SetBody(body).Post(path)
	})
}

// execute runs one request through the circuit breaker and classifies the
// outcome.
func (s *HTTPStore) execute(ctx context.Context, op string, send func(*resty.Request) (*resty.Response, error)) error {
	return s.breaker.Execute(func() error {
		req := s.client.R().
			SetContext(ctx).
			SetHeader("X-Request-ID", uuid.NewString())

		resp, err := send(req)
		if err != nil {
			return NewTransportError(op, err)
		}
		if resp.IsError() {
			return NewHTTPError(op, resp.StatusCode(), truncate(resp.String(), 256))
		}
		return nil
	})
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
