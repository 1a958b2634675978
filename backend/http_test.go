package backend

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testSnapshot() *TraceSnapshot {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &TraceSnapshot{
		TraceID:   "tr_01JC0000000000000000000000",
		State:     StatusOK,
		StartTime: now.Add(-time.Second),
		EndTime:   now,
		Tags:      map[string]string{"env": "test"},
		Spans: []SpanSnapshot{
			{
				SpanID:    "sp_01JC0000000000000000000001",
				TraceID:   "tr_01JC0000000000000000000000",
				Name:      "root",
				StartTime: now.Add(-time.Second),
				EndTime:   now,
				Status:    StatusOK,
			},
		},
	}
}

func newStore(t *testing.T, url string, compress bool) *HTTPStore {
	t.Helper()
	return NewHTTPStore(HTTPConfig{
		BaseURL:        url,
		Token:          "secret-token",
		Compression:    compress,
		RequestTimeout: 5 * time.Second,
	}, zap.NewNop())
}

func TestPersistTrace(t *testing.T) {
	var got TraceSnapshot
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/traces", r.URL.Path)
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, sonic.Unmarshal(body, &got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newStore(t, srv.URL, false)
	err := store.PersistTrace(context.Background(), testSnapshot())

	require.NoError(t, err)
	assert.Equal(t, "tr_01JC0000000000000000000000", got.TraceID)
	assert.Equal(t, StatusOK, got.State)
	require.Len(t, got.Spans, 1)
	assert.Equal(t, "root", got.Spans[0].Name)
}

func TestPersistTraceCompressesLargePayloads(t *testing.T) {
	var got TraceSnapshot
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "gzip", r.Header.Get("Content-Encoding"))

		gz, err := gzip.NewReader(r.Body)
		require.NoError(t, err)
		body, err := io.ReadAll(gz)
		require.NoError(t, err)
		require.NoError(t, sonic.Unmarshal(body, &got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	snap := testSnapshot()
	snap.Spans[0].Outputs = strings.Repeat("large output ", 1024) // well past the threshold

	store := newStore(t, srv.URL, true)
	require.NoError(t, store.PersistTrace(context.Background(), snap))
	assert.Equal(t, snap.TraceID, got.TraceID)
}

func TestPersistTraceServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "database is down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	store := newStore(t, srv.URL, false)
	err := store.PersistTrace(context.Background(), testSnapshot())

	require.Error(t, err)
	assert.True(t, Retryable(err))

	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
}

func TestPersistTraceValidationErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "malformed payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	store := newStore(t, srv.URL, false)
	err := store.PersistTrace(context.Background(), testSnapshot())

	require.Error(t, err)
	assert.False(t, Retryable(err))
}

func TestPersistTraceTransportErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	store := newStore(t, srv.URL, false)
	err := store.PersistTrace(context.Background(), testSnapshot())

	require.Error(t, err)
	assert.True(t, Retryable(err))
}

func TestSetTraceTag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/api/v1/traces/tr_abc/tags", r.URL.Path)

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var tag map[string]string
		require.NoError(t, sonic.Unmarshal(body, &tag))
		assert.Equal(t, map[string]string{"key": "owner", "value": "ml-team"}, tag)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newStore(t, srv.URL, false)
	require.NoError(t, store.SetTraceTag(context.Background(), "tr_abc", "owner", "ml-team"))
}

func TestDeleteTraceTag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/api/v1/traces/tr_abc/tags/owner", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := newStore(t, srv.URL, false)
	require.NoError(t, store.DeleteTraceTag(context.Background(), "tr_abc", "owner"))
}

func TestCreateAssessment(t *testing.T) {
	var got Assessment
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/traces/tr_abc/assessments", r.URL.Path)

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, sonic.Unmarshal(body, &got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	store := newStore(t, srv.URL, false)
	err := store.CreateAssessment(context.Background(), &Assessment{
		TraceID:     "tr_abc",
		Name:        "expected_answer",
		Source:      AssessmentSource{SourceType: SourceHuman, SourceID: "bob@example.com"},
		Expectation: "42",
	})

	require.NoError(t, err)
	assert.Equal(t, "expected_answer", got.Name)
	assert.Equal(t, SourceHuman, got.Source.SourceType)
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := newStore(t, srv.URL, false)
	for i := 0; i < 5; i++ {
		require.Error(t, store.PersistTrace(context.Background(), testSnapshot()))
	}

	before := hits.Load()
	err := store.PersistTrace(context.Background(), testSnapshot())

	require.Error(t, err)
	assert.True(t, Retryable(err), "an open circuit is a transient condition")
	assert.Equal(t, before, hits.Load(), "open breaker must not reach the server")
}
