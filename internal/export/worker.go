package export

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flowtrace/flowtrace-go/internal/monitoring"
)

// Handler delivers one task to the backend store.
type Handler[T any] func(ctx context.Context, item T) error

// Pool is a fixed-size worker pool draining a Queue. Each worker fully
// processes one task, retries included, before dequeuing the next.
type Pool[T any] struct {
	size    int
	queue   *Queue[T]
	handler Handler[T]
	policy  Policy

	logger  *zap.Logger
	metrics *monitoring.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a worker pool of the given size over queue.
func NewPool[T any](size int, queue *Queue[T], handler Handler[T], policy Policy, logger *zap.Logger, metrics *monitoring.Metrics) *Pool[T] {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool[T]{
		size:    size,
		queue:   queue,
		handler: handler,
		policy:  policy,
		logger:  logger,
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the workers.
func (p *Pool[T]) Start() {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
}

// Stop closes the queue, cancels any backoff sleeps, and waits for workers
// to exit. Tasks still queued after a failed flush are abandoned: their
// handler calls fail fast on the canceled context and they are discarded.
func (p *Pool[T]) Stop() {
	p.queue.Close()
	p.cancel()
	p.wg.Wait()
}

func (p *Pool[T]) run(worker int) {
	defer p.wg.Done()

	for item := range p.queue.Tasks() {
		p.process(worker, item)
		p.queue.done()
	}
}

func (p *Pool[T]) process(worker int, item T) {
	start := time.Now()
	attempts := 1

	policy := p.policy
	userNotify := policy.OnRetry
	policy.OnRetry = func(err error, next time.Duration) {
		attempts++
		p.metrics.ExportRetries.Inc()
		p.logger.Debug("export attempt failed, backing off",
			zap.Int("worker", worker),
			zap.Duration("next_attempt_in", next),
			zap.Error(err),
		)
		if userNotify != nil {
			userNotify(err, next)
		}
	}

	err := policy.Execute(p.ctx, func(ctx context.Context) error {
		return p.handler(ctx, item)
	})

	elapsed := time.Since(start)
	if err != nil {
		p.metrics.RecordExport(monitoring.OutcomeDiscarded, elapsed)
		p.logger.Error("export task discarded",
			zap.Int("worker", worker),
			zap.Int("attempts", attempts),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return
	}
	p.metrics.RecordExport(monitoring.OutcomeOK, elapsed)
}
