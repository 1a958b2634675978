/*
Package flowtrace instruments applications with tree-structured execution
traces and exports finished traces to a tracking backend without ever
blocking the instrumented code.

# Overview

A Tracer tracks spans per execution context, supervises traces whose root
operation never completes, and ships finished traces through a bounded
queue drained by a fixed worker pool with retry and backoff. Export
failures are absorbed: they surface only in logs, metrics, and trace
status, never in application control flow.

# Usage

	tracer, err := flowtrace.New(
		flowtrace.WithBackendURL("http://tracking:5000"),
		flowtrace.WithTraceTimeout(60*time.Second),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer tracer.Close()

	ctx, span := tracer.StartSpan(ctx, "handle-request",
		flowtrace.WithInputs(req))
	defer tracer.EndSpan(ctx, span.ID())

	// Child spans attach to the context's active span.
	ctx, child := tracer.StartSpan(ctx, "lookup")
	tracer.EndSpan(ctx, child.ID(), flowtrace.WithOutputs(rows))

# Context Propagation

The active span stack lives in the context.Context returned by StartSpan.
Passing that context into a goroutine is the explicit propagation call:
goroutines started with a fresh context produce disjoint traces.

# Lifecycle

Ending a root span finalizes its trace and enqueues it for export. Traces
that outlive the configured timeout are force-closed with status ERROR by
a background supervisor; the application is unaffected. Flush drains the
queue synchronously with a deadline, and Close shuts the pipeline down
deterministically.
*/
package flowtrace
