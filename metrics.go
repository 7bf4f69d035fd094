package bnc

import (
	"sync"
	"sync/atomic"

	"github.com/hupe1980/bnc/internal/manager"
	"github.com/hupe1980/bnc/message"
)

// MetricsCollector defines an interface for collecting run metrics.
// Implement this interface to integrate with monitoring systems like Prometheus;
// see observability/prometheus for a ready-made collector.
//
// Methods are called from the manager loop and must not block.
type MetricsCollector interface {
	// RecordNode is called when a node reaches an outcome, e.g.
	// "processed", "pruned/over-bound" or "deferred".
	RecordNode(outcome string)

	// RecordDispatch is called for every ActiveNode sent. dive is true when
	// the worker continues with a child of its previous node.
	RecordDispatch(bytes int, dive bool)

	// RecordOffload is called after a storage worker acknowledged a batch.
	RecordOffload(nodes, objects int, bytes int64)

	// RecordWorkerDeath is called when the manager gives up on a worker.
	RecordWorkerDeath(role message.Role)

	// RecordQueueDepth is called once per manager loop iteration.
	RecordQueueDepth(n int)

	// RecordOffloadStall is called when memory runs short while nothing is
	// left to move to storage workers.
	RecordOffloadStall()
}

var _ manager.Metrics = MetricsCollector(nil)

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordNode(string)              {}
func (NoopMetricsCollector) RecordDispatch(int, bool)       {}
func (NoopMetricsCollector) RecordOffload(int, int, int64)  {}
func (NoopMetricsCollector) RecordWorkerDeath(message.Role) {}
func (NoopMetricsCollector) RecordQueueDepth(int)           {}
func (NoopMetricsCollector) RecordOffloadStall()            {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	NodeCount      atomic.Int64
	DispatchCount  atomic.Int64
	DispatchBytes  atomic.Int64
	DiveCount      atomic.Int64
	OffloadBatches atomic.Int64
	OffloadNodes   atomic.Int64
	OffloadObjects atomic.Int64
	OffloadBytes   atomic.Int64
	WorkerDeaths   atomic.Int64
	QueueDepth     atomic.Int64
	MaxQueueDepth  atomic.Int64
	OffloadStalls  atomic.Int64

	mu       sync.Mutex
	outcomes map[string]int64
}

// RecordNode implements MetricsCollector.
func (b *BasicMetricsCollector) RecordNode(outcome string) {
	b.NodeCount.Add(1)
	b.mu.Lock()
	if b.outcomes == nil {
		b.outcomes = make(map[string]int64)
	}
	b.outcomes[outcome]++
	b.mu.Unlock()
}

// RecordDispatch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDispatch(bytes int, dive bool) {
	b.DispatchCount.Add(1)
	b.DispatchBytes.Add(int64(bytes))
	if dive {
		b.DiveCount.Add(1)
	}
}

// RecordOffload implements MetricsCollector.
func (b *BasicMetricsCollector) RecordOffload(nodes, objects int, bytes int64) {
	b.OffloadBatches.Add(1)
	b.OffloadNodes.Add(int64(nodes))
	b.OffloadObjects.Add(int64(objects))
	b.OffloadBytes.Add(bytes)
}

// RecordWorkerDeath implements MetricsCollector.
func (b *BasicMetricsCollector) RecordWorkerDeath(message.Role) {
	b.WorkerDeaths.Add(1)
}

// RecordQueueDepth implements MetricsCollector.
func (b *BasicMetricsCollector) RecordQueueDepth(n int) {
	b.QueueDepth.Store(int64(n))
	for {
		cur := b.MaxQueueDepth.Load()
		if int64(n) <= cur || b.MaxQueueDepth.CompareAndSwap(cur, int64(n)) {
			return
		}
	}
}

// RecordOffloadStall implements MetricsCollector.
func (b *BasicMetricsCollector) RecordOffloadStall() {
	b.OffloadStalls.Add(1)
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	s := BasicMetricsStats{
		NodeCount:      b.NodeCount.Load(),
		DispatchCount:  b.DispatchCount.Load(),
		DispatchBytes:  b.DispatchBytes.Load(),
		DiveCount:      b.DiveCount.Load(),
		OffloadBatches: b.OffloadBatches.Load(),
		OffloadNodes:   b.OffloadNodes.Load(),
		OffloadObjects: b.OffloadObjects.Load(),
		OffloadBytes:   b.OffloadBytes.Load(),
		WorkerDeaths:   b.WorkerDeaths.Load(),
		MaxQueueDepth:  b.MaxQueueDepth.Load(),
		OffloadStalls:  b.OffloadStalls.Load(),
		Outcomes:       map[string]int64{},
	}
	b.mu.Lock()
	for k, v := range b.outcomes {
		s.Outcomes[k] = v
	}
	b.mu.Unlock()
	return s
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	NodeCount      int64
	DispatchCount  int64
	DispatchBytes  int64
	DiveCount      int64
	OffloadBatches int64
	OffloadNodes   int64
	OffloadObjects int64
	OffloadBytes   int64
	WorkerDeaths   int64
	MaxQueueDepth  int64
	OffloadStalls  int64
	Outcomes       map[string]int64
}
