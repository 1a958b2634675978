package flowtrace

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowtrace/flowtrace-go/backend"
)

// memStore is an in-memory Store capturing everything the tracer sends.
type memStore struct {
	mu          sync.Mutex
	traces      []*backend.TraceSnapshot
	tagWrites   []string
	tagDeletes  []string
	assessments []*backend.Assessment

	persistErr error
	inFlight   atomic.Int64
	block      chan struct{} // when non-nil, PersistTrace waits on it
}

func (m *memStore) PersistTrace(ctx context.Context, tr *backend.TraceSnapshot) error {
	m.inFlight.Add(1)
	defer m.inFlight.Add(-1)

	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.persistErr != nil {
		return m.persistErr
	}
	m.traces = append(m.traces, tr)
	return nil
}

func (m *memStore) SetTraceTag(ctx context.Context, traceID, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tagWrites = append(m.tagWrites, fmt.Sprintf("%s:%s=%s", traceID, key, value))
	return nil
}

func (m *memStore) DeleteTraceTag(ctx context.Context, traceID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tagDeletes = append(m.tagDeletes, fmt.Sprintf("%s:%s", traceID, key))
	return nil
}

func (m *memStore) CreateAssessment(ctx context.Context, a *backend.Assessment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assessments = append(m.assessments, a)
	return nil
}

func (m *memStore) snapshots() []*backend.TraceSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*backend.TraceSnapshot, len(m.traces))
	copy(out, m.traces)
	return out
}

func newTestTracer(t *testing.T, store backend.Store, opts ...Option) *Tracer {
	t.Helper()
	opts = append([]Option{
		WithStore(store),
		WithLogger(zap.NewNop()),
		WithShutdownTimeout(2 * time.Second),
	}, opts...)

	tracer, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { tracer.Close() })
	return tracer
}

func flush(t *testing.T, tracer *Tracer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.True(t, tracer.Flush(ctx))
}

func TestRootSpanLifecycle(t *testing.T) {
	store := &memStore{}
	tracer := newTestTracer(t, store)

	ctx, root := tracer.StartSpan(context.Background(), "handle-request",
		WithInputs(map[string]any{"query": "hello"}),
		WithRunID("run-7"),
	)
	require.True(t, root.IsRoot())
	require.NotEmpty(t, root.ID())

	ctx, child := tracer.StartSpan(ctx, "lookup", WithAttribute("rows", 3))
	assert.Equal(t, root.ID(), child.ParentID())
	assert.Equal(t, root.TraceID(), child.TraceID())

	require.NoError(t, tracer.EndSpan(ctx, child.ID(), WithOutputs("rows")))
	require.NoError(t, tracer.EndSpan(ctx, root.ID(), WithOutputs("response")))

	flush(t, tracer)

	snaps := store.snapshots()
	require.Len(t, snaps, 1)
	snap := snaps[0]

	assert.Equal(t, backend.StatusOK, snap.State)
	assert.Equal(t, "run-7", snap.RunID)
	require.Len(t, snap.Spans, 2)

	rootSnap := snap.RootSpan()
	require.NotNil(t, rootSnap)
	assert.Equal(t, "handle-request", rootSnap.Name)
	assert.Equal(t, backend.StatusOK, rootSnap.Status)
	assert.Equal(t, map[string]any{"query": "hello"}, rootSnap.Inputs)
	assert.Equal(t, "response", rootSnap.Outputs)
	assert.False(t, rootSnap.EndTime.Before(rootSnap.StartTime))
}

func TestErrorSpanMarksTraceError(t *testing.T) {
	store := &memStore{}
	tracer := newTestTracer(t, store)

	ctx, root := tracer.StartSpan(context.Background(), "pipeline")
	ctx, child := tracer.StartSpan(ctx, "model-call")

	require.NoError(t, tracer.EndSpan(ctx, child.ID(), WithError(errors.New("rate limited"))))
	require.NoError(t, tracer.EndSpan(ctx, root.ID()))

	flush(t, tracer)

	snaps := store.snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, backend.StatusError, snaps[0].State)

	// Root closed OK; only the failing child carries ERROR.
	assert.Equal(t, backend.StatusOK, snaps[0].RootSpan().Status)
	for _, s := range snaps[0].Spans {
		if s.SpanID == child.ID() {
			assert.Equal(t, backend.StatusError, s.Status)
			require.Len(t, s.Attributes, 1)
			assert.Equal(t, "error.message", s.Attributes[0].Key)
		}
	}
}

func TestRootCloseForceEndsOpenChildren(t *testing.T) {
	store := &memStore{}
	tracer := newTestTracer(t, store)

	ctx, root := tracer.StartSpan(context.Background(), "root")
	_, child := tracer.StartSpan(ctx, "dangling")

	require.NoError(t, tracer.EndSpan(ctx, root.ID()))
	flush(t, tracer)

	snaps := store.snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, backend.StatusOK, snaps[0].State)

	for _, s := range snaps[0].Spans {
		if s.SpanID == child.ID() {
			// Closed at the root's end time, status untouched.
			assert.Equal(t, backend.StatusUnset, s.Status)
			assert.False(t, s.EndTime.IsZero())
		}
	}
}

func TestEndSpanNotOnStack(t *testing.T) {
	tracer := newTestTracer(t, &memStore{})

	ctx, root := tracer.StartSpan(context.Background(), "root")

	var stateErr *SpanStateError
	err := tracer.EndSpan(ctx, "sp_nonexistent")
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, "sp_nonexistent", stateErr.SpanID)

	require.NoError(t, tracer.EndSpan(ctx, root.ID()))

	// Second close of the same span is a state error too.
	require.ErrorAs(t, tracer.EndSpan(ctx, root.ID()), &stateErr)
}

func TestEndSpanWithoutTrace(t *testing.T) {
	tracer := newTestTracer(t, &memStore{})

	var stateErr *SpanStateError
	err := tracer.EndSpan(context.Background(), "sp_orphan")
	require.ErrorAs(t, err, &stateErr)
}

func TestFreshContextsProduceDisjointTraces(t *testing.T) {
	store := &memStore{}
	tracer := newTestTracer(t, store)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ctx, span := tracer.StartSpan(context.Background(), fmt.Sprintf("worker-%d", n))
			_ = tracer.EndSpan(ctx, span.ID())
		}(i)
	}
	wg.Wait()

	flush(t, tracer)

	snaps := store.snapshots()
	require.Len(t, snaps, 2)
	assert.NotEqual(t, snaps[0].TraceID, snaps[1].TraceID)
	for _, snap := range snaps {
		assert.Len(t, snap.Spans, 1)
	}
}

func TestSharedContextJoinsOneTrace(t *testing.T) {
	store := &memStore{}
	tracer := newTestTracer(t, store)

	ctx, root := tracer.StartSpan(context.Background(), "root")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, span := tracer.StartSpan(ctx, fmt.Sprintf("child-%d", n))
			_ = tracer.EndSpan(ctx, span.ID())
		}(i)
	}
	wg.Wait()

	require.NoError(t, tracer.EndSpan(ctx, root.ID()))
	flush(t, tracer)

	snaps := store.snapshots()
	require.Len(t, snaps, 1)
	assert.Len(t, snaps[0].Spans, 5)
	for _, s := range snaps[0].Spans {
		assert.Equal(t, root.TraceID(), s.TraceID)
	}
}

func TestTimeoutForceClosesTrace(t *testing.T) {
	store := &memStore{}
	tracer := newTestTracer(t, store,
		WithTraceTimeout(30*time.Millisecond),
		WithCheckInterval(5*time.Millisecond),
	)

	ctx, root := tracer.StartSpan(context.Background(), "stuck")
	_, child := tracer.StartSpan(ctx, "stuck-child")

	require.Eventually(t, func() bool {
		return len(store.snapshots()) == 1
	}, 2*time.Second, 5*time.Millisecond, "supervisor should export the timed-out trace")

	snap := store.snapshots()[0]
	assert.Equal(t, backend.StatusError, snap.State)
	for _, s := range snap.Spans {
		assert.Equal(t, backend.StatusError, s.Status)
		assert.False(t, s.EndTime.IsZero())
	}

	// The application closing its spans afterwards is not an error and
	// must not re-export the trace.
	require.NoError(t, tracer.EndSpan(ctx, child.ID()))
	require.NoError(t, tracer.EndSpan(ctx, root.ID()))

	// New spans under the force-closed trace are no-ops until the root
	// leaves the stack.
	flush(t, tracer)
	assert.Len(t, store.snapshots(), 1)
}

func TestLosingRootCloseLeavesOpenSpansToWinner(t *testing.T) {
	store := &memStore{}
	tracer := newTestTracer(t, store)

	ctx, root := tracer.StartSpan(context.Background(), "root")
	_, child := tracer.StartSpan(ctx, "dangling")

	// The timeout path claims the trace first, exactly as the supervisor
	// does before stamping and snapshotting spans.
	trace := tracer.CurrentTrace(ctx)
	require.NotNil(t, trace)
	require.True(t, trace.tryFinish(TraceStateError))

	// The natural close loses the race. It must not close the still-open
	// child: that span now belongs to the winner, which will stamp it
	// ERROR before snapshotting.
	require.NoError(t, tracer.EndSpan(ctx, root.ID()))
	assert.False(t, child.Ended())

	flush(t, tracer)
	assert.Empty(t, store.snapshots(), "the losing closer must not submit")
}

func TestSpansAfterForcedCloseAreNoops(t *testing.T) {
	store := &memStore{}
	tracer := newTestTracer(t, store,
		WithTraceTimeout(20*time.Millisecond),
		WithCheckInterval(5*time.Millisecond),
	)

	ctx, root := tracer.StartSpan(context.Background(), "loop")

	require.Eventually(t, func() bool {
		return len(store.snapshots()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Root still on the stack, trace already terminal: work continues
	// outside the trace.
	_, noop := tracer.StartSpan(ctx, "iteration")
	assert.Empty(t, noop.ID())
	require.NoError(t, tracer.EndSpan(ctx, noop.ID()))

	require.NoError(t, tracer.EndSpan(ctx, root.ID()))
	flush(t, tracer)
	assert.Len(t, store.snapshots(), 1)
}

func TestTagsRideAlongInSnapshot(t *testing.T) {
	store := &memStore{}
	tracer := newTestTracer(t, store)

	ctx, root := tracer.StartSpan(context.Background(), "root")
	trace := tracer.CurrentTrace(ctx)
	require.NotNil(t, trace)

	require.NoError(t, tracer.UpdateCurrentTrace(ctx, map[string]string{"env": "prod"}))
	require.NoError(t, tracer.SetTraceTag(ctx, trace.ID(), "owner", "ml-team"))
	require.NoError(t, tracer.SetTraceTag(ctx, trace.ID(), "owner", "platform")) // last write wins
	require.NoError(t, tracer.DeleteTraceTag(ctx, trace.ID(), "env"))

	require.NoError(t, tracer.EndSpan(ctx, root.ID()))
	flush(t, tracer)

	snaps := store.snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, map[string]string{"owner": "platform"}, snaps[0].Tags)
	assert.Empty(t, store.tagWrites, "in-progress tag writes stay local")
}

func TestTagAfterExportGoesToBackend(t *testing.T) {
	store := &memStore{}
	tracer := newTestTracer(t, store)

	ctx, root := tracer.StartSpan(context.Background(), "root")
	traceID := root.TraceID()
	require.NoError(t, tracer.EndSpan(ctx, root.ID()))
	flush(t, tracer)

	require.NoError(t, tracer.SetTraceTag(context.Background(), traceID, "owner", "ml-team"))
	require.NoError(t, tracer.DeleteTraceTag(context.Background(), traceID, "env"))

	assert.Equal(t, []string{traceID + ":owner=ml-team"}, store.tagWrites)
	assert.Equal(t, []string{traceID + ":env"}, store.tagDeletes)
}

func TestUpdateCurrentTraceWithoutTrace(t *testing.T) {
	tracer := newTestTracer(t, &memStore{})

	err := tracer.UpdateCurrentTrace(context.Background(), map[string]string{"k": "v"})
	assert.ErrorIs(t, err, ErrNoActiveTrace)
	assert.Nil(t, tracer.CurrentTrace(context.Background()))
	assert.Nil(t, SpanFromContext(context.Background()))
}

func TestDisabledTracerRecordsNothing(t *testing.T) {
	store := &memStore{}
	tracer := newTestTracer(t, store)

	tracer.Disable()
	assert.False(t, tracer.Enabled())

	ctx, span := tracer.StartSpan(context.Background(), "invisible")
	assert.Empty(t, span.ID())
	require.NoError(t, tracer.EndSpan(ctx, span.ID()))

	tracer.Enable()
	ctx, span = tracer.StartSpan(context.Background(), "visible")
	require.NotEmpty(t, span.ID())
	require.NoError(t, tracer.EndSpan(ctx, span.ID()))

	flush(t, tracer)
	require.Len(t, store.snapshots(), 1)
	assert.Equal(t, "visible", store.snapshots()[0].RootSpan().Name)
}

func TestQueueOverflowDropsNewest(t *testing.T) {
	store := &memStore{block: make(chan struct{})}
	tracer := newTestTracer(t, store,
		WithMaxExportWorkers(1),
		WithMaxQueueSize(1),
	)

	endTrace := func(name string) {
		ctx, span := tracer.StartSpan(context.Background(), name)
		require.NoError(t, tracer.EndSpan(ctx, span.ID()))
	}

	endTrace("first")
	// Wait for the single worker to pick the first trace up, leaving the
	// queue slot empty.
	require.Eventually(t, func() bool {
		return store.inFlight.Load() == 1
	}, 2*time.Second, time.Millisecond)

	endTrace("second") // fills the only queue slot
	endTrace("third")  // dropped, newest loses

	assert.Equal(t, int64(1), tracer.queue.Dropped())

	close(store.block)
	flush(t, tracer)

	snaps := store.snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "first", snaps[0].RootSpan().Name)
	assert.Equal(t, "second", snaps[1].RootSpan().Name)
}

func TestExportFailureNeverReachesCaller(t *testing.T) {
	store := &memStore{persistErr: backend.NewHTTPError("persist trace", 400, "malformed")}
	tracer := newTestTracer(t, store)

	ctx, span := tracer.StartSpan(context.Background(), "doomed")
	require.NoError(t, tracer.EndSpan(ctx, span.ID()))

	flush(t, tracer)
	assert.Empty(t, store.snapshots())
}

func TestCloseDrainsAndRejectsFurtherWork(t *testing.T) {
	store := &memStore{}
	tracer := newTestTracer(t, store)

	ctx, span := tracer.StartSpan(context.Background(), "final")
	require.NoError(t, tracer.EndSpan(ctx, span.ID()))

	require.NoError(t, tracer.Close())
	require.Len(t, store.snapshots(), 1)

	_, after := tracer.StartSpan(context.Background(), "too-late")
	assert.Empty(t, after.ID())

	require.NoError(t, tracer.Close(), "Close is idempotent")
}

func TestCloseReportsAbandonedTasks(t *testing.T) {
	store := &memStore{block: make(chan struct{})}
	defer close(store.block)

	tracer, err := New(
		WithStore(store),
		WithLogger(zap.NewNop()),
		WithShutdownTimeout(50*time.Millisecond),
	)
	require.NoError(t, err)

	ctx, span := tracer.StartSpan(context.Background(), "stuck-export")
	require.NoError(t, tracer.EndSpan(ctx, span.ID()))

	require.Error(t, tracer.Close())
}
