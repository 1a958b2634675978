/*
Package resilience provides the circuit breaker guarding the trace store.

# Overview

Export workers call the backend store for every finished trace. When the
store is down, a breaker lets workers fail fast instead of burning their
whole retry budget on a dead endpoint, and probes the store periodically to
detect recovery.

# Usage

	breaker := resilience.New("trace-store", resilience.Settings{
		MaxRequests: 3,
		Timeout:     30 * time.Second,
	})

	err := breaker.Execute(func() error {
		return store.PersistTrace(ctx, snapshot)
	})

A rejected call returns ErrCircuitOpen without invoking the operation.
Callers treat ErrCircuitOpen as a retryable store failure.

# States

	Closed --[failures]-> Open --[timeout]-> Half-Open --[successes]-> Closed
	                                           |
	                                      [failure]
	                                           |
	                                           v
	                                         Open
*/
package resilience
