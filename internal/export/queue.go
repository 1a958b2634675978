package export

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/flowtrace/flowtrace-go/internal/monitoring"
)

// queueFullWarnEvery throttles the queue-full warning so a sustained
// overload produces one log line, not one per dropped task.
const queueFullWarnEvery = 30 * time.Second

// Queue is a bounded multi-producer/multi-consumer task queue. Enqueue
// never blocks: when the queue is at capacity the offered task is dropped
// and counted.
type Queue[T any] struct {
	ch       chan T
	capacity int

	// pending counts queued plus in-flight tasks; Flush waits on it.
	pending atomic.Int64
	dropped atomic.Int64
	closed  atomic.Bool

	mu   sync.RWMutex // serializes Enqueue against Close
	warn *rate.Limiter

	logger  *zap.Logger
	metrics *monitoring.Metrics
}

// NewQueue creates a bounded queue with the given capacity.
func NewQueue[T any](capacity int, logger *zap.Logger, metrics *monitoring.Metrics) *Queue[T] {
	return &Queue[T]{
		ch:       make(chan T, capacity),
		capacity: capacity,
		warn:     rate.NewLimiter(rate.Every(queueFullWarnEvery), 1),
		logger:   logger,
		metrics:  metrics,
	}
}

// Enqueue offers a task without blocking. It returns false when the task
// was dropped, either because the queue is full or already closed.
func (q *Queue[T]) Enqueue(item T) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed.Load() {
		return false
	}

	// Count the task before it becomes visible to consumers; otherwise a
	// worker finishing it in between would drive pending negative and let
	// Flush report drained mid-task.
	q.pending.Add(1)

	select {
	case q.ch <- item:
		q.metrics.QueueDepth.Set(float64(len(q.ch)))
		return true
	default:
		q.pending.Add(-1)
		total := q.dropped.Add(1)
		q.metrics.QueueDropped.Inc()
		if q.warn.Allow() {
			q.logger.Warn("export queue full, dropping newest task",
				zap.Int("capacity", q.capacity),
				zap.Int64("dropped_total", total),
			)
		}
		return false
	}
}

// Tasks returns the consumer side of the queue.
func (q *Queue[T]) Tasks() <-chan T {
	return q.ch
}

// done marks one dequeued task as fully processed.
func (q *Queue[T]) done() {
	q.pending.Add(-1)
	q.metrics.QueueDepth.Set(float64(len(q.ch)))
}

// Pending returns the number of queued plus in-flight tasks.
func (q *Queue[T]) Pending() int64 {
	return q.pending.Load()
}

// Dropped returns the total number of tasks dropped at enqueue.
func (q *Queue[T]) Dropped() int64 {
	return q.dropped.Load()
}

// Flush blocks until the queue is empty and no worker is mid-task, or the
// context is done. It reports whether the drain completed.
func (q *Queue[T]) Flush(ctx context.Context) bool {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		if q.pending.Load() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return q.pending.Load() == 0
		case <-ticker.C:
		}
	}
}

// Close rejects further enqueues and lets consumers drain out. Safe to call
// more than once.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed.CompareAndSwap(false, true) {
		close(q.ch)
	}
}
