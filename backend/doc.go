/*
Package backend defines the trace store consumed by the export workers, and
the two bundled implementations.

# Overview

A Store persists finished trace snapshots and serves the post-hoc
operations that bypass the export pipeline: tag updates on already-exported
traces and assessment creation. The export pipeline only ever calls
PersistTrace; everything else is invoked synchronously by the tracer facade.

# Implementations

  - HTTPStore: JSON over HTTP against a tracking server, built on resty
    with a retryablehttp transport, bearer-token auth, optional gzip
    compression of large payloads, and a circuit breaker.
  - OTLPStore: gRPC export of OTLP ResourceSpans to an OpenTelemetry
    collector. Tag and assessment operations are unsupported there.

# Error Classification

Store errors are classified for the retry controller via Retryable:
transport failures, 408/429, 5xx, and open-circuit rejections are
retryable; validation and auth failures are permanent and discard the task
immediately. Unknown error types default to retryable.

Custom stores implement the Store interface and hand errors to the
classifier either as *backend.Error or as plain errors (treated transient).
*/
package backend
