package flowtrace

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/flowtrace/flowtrace-go/internal/id"
)

const registryShards = 16

// traceRegistry tracks every in-progress trace so the timeout supervisor
// can find overdue ones. Sharded by trace ID hash to keep hot-path
// registration off a single lock.
type traceRegistry struct {
	shards [registryShards]registryShard
}

type registryShard struct {
	mu     sync.RWMutex
	traces map[id.TraceID]*Trace
}

func newTraceRegistry() *traceRegistry {
	r := &traceRegistry{}
	for i := range r.shards {
		r.shards[i].traces = make(map[id.TraceID]*Trace)
	}
	return r
}

func (r *traceRegistry) shardFor(traceID id.TraceID) *registryShard {
	h := fnv.New32a()
	h.Write([]byte(traceID))
	return &r.shards[h.Sum32()%registryShards]
}

func (r *traceRegistry) add(t *Trace) {
	shard := r.shardFor(t.traceID)
	shard.mu.Lock()
	shard.traces[t.traceID] = t
	shard.mu.Unlock()
}

func (r *traceRegistry) remove(traceID id.TraceID) {
	shard := r.shardFor(traceID)
	shard.mu.Lock()
	delete(shard.traces, traceID)
	shard.mu.Unlock()
}

func (r *traceRegistry) get(traceID id.TraceID) (*Trace, bool) {
	shard := r.shardFor(traceID)
	shard.mu.RLock()
	t, ok := shard.traces[traceID]
	shard.mu.RUnlock()
	return t, ok
}

// size returns the number of registered traces.
func (r *traceRegistry) size() int {
	n := 0
	for i := range r.shards {
		r.shards[i].mu.RLock()
		n += len(r.shards[i].traces)
		r.shards[i].mu.RUnlock()
	}
	return n
}

// expired returns the traces older than timeout as of now.
func (r *traceRegistry) expired(now time.Time, timeout time.Duration) []*Trace {
	var out []*Trace
	for i := range r.shards {
		r.shards[i].mu.RLock()
		for _, t := range r.shards[i].traces {
			if now.Sub(t.created) >= timeout {
				out = append(out, t)
			}
		}
		r.shards[i].mu.RUnlock()
	}
	return out
}
