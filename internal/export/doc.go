/*
Package export implements the asynchronous delivery pipeline for finished
traces: a bounded multi-producer queue and a fixed pool of workers that
drain it, retrying failed deliveries under a bounded backoff budget.

# Overview

Producers (application goroutines closing a root span, and the timeout
supervisor) hand finished snapshots to the queue and continue immediately.
If the queue is at capacity the newest task is dropped, a counter is
incremented, and a rate-limited warning is logged — producers are never
blocked and never see an error.

Each worker processes one task completely, retries included, before taking
the next. Nothing in this package ever propagates a failure back to the
instrumented application.

# Usage

	queue := export.NewQueue[*backend.TraceSnapshot](1000, logger, metrics)
	pool := export.NewPool(10, queue, persist, policy, logger, metrics)
	pool.Start()

	queue.Enqueue(snapshot) // never blocks

	drained := queue.Flush(ctx) // synchronous drain with deadline
	pool.Stop()

# Ordering

Dequeue order is FIFO, but with multiple workers draining concurrently no
cross-task completion order is guaranteed.
*/
package export
