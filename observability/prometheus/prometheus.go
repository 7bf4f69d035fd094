// Package prometheus exports run metrics through the Prometheus client.
package prometheus

import (
	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/hupe1980/bnc"
	"github.com/hupe1980/bnc/message"
)

var _ bnc.MetricsCollector = (*Collector)(nil)

// Collector implements bnc.MetricsCollector.
type Collector struct {
	nodes         *prom.CounterVec
	dispatches    *prom.CounterVec
	dispatchBytes prom.Histogram
	offloadNodes  prom.Counter
	offloadObjs   prom.Counter
	offloadBytes  prom.Counter
	deaths        *prom.CounterVec
	queueDepth    prom.Gauge
	stalls        prom.Counter
}

// New creates a collector and registers it with reg. A nil reg uses the
// default registerer.
func New(reg prom.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	c := &Collector{
		nodes: prom.NewCounterVec(prom.CounterOpts{
			Name: "bnc_nodes_total",
			Help: "Nodes that reached an outcome",
		}, []string{"outcome"}),
		dispatches: prom.NewCounterVec(prom.CounterOpts{
			Name: "bnc_dispatches_total",
			Help: "ActiveNode messages sent to relaxation workers",
		}, []string{"kind"}),
		dispatchBytes: prom.NewHistogram(prom.HistogramOpts{
			Name:    "bnc_dispatch_size_bytes",
			Help:    "Size of dispatched node descriptions",
			Buckets: prom.ExponentialBuckets(64, 4, 8),
		}),
		offloadNodes: prom.NewCounter(prom.CounterOpts{
			Name: "bnc_offload_nodes_total",
			Help: "Nodes moved to storage workers",
		}),
		offloadObjs: prom.NewCounter(prom.CounterOpts{
			Name: "bnc_offload_objects_total",
			Help: "Objects moved to storage workers",
		}),
		offloadBytes: prom.NewCounter(prom.CounterOpts{
			Name: "bnc_offload_bytes_total",
			Help: "Bytes moved to storage workers",
		}),
		deaths: prom.NewCounterVec(prom.CounterOpts{
			Name: "bnc_worker_deaths_total",
			Help: "Workers the manager gave up on",
		}, []string{"role"}),
		queueDepth: prom.NewGauge(prom.GaugeOpts{
			Name: "bnc_candidate_queue_depth",
			Help: "Candidate nodes waiting for a relaxation worker",
		}),
		stalls: prom.NewCounter(prom.CounterOpts{
			Name: "bnc_offload_stalls_total",
			Help: "Memory shortages with nothing left to offload",
		}),
	}
	for _, m := range []prom.Collector{
		c.nodes, c.dispatches, c.dispatchBytes, c.offloadNodes,
		c.offloadObjs, c.offloadBytes, c.deaths, c.queueDepth, c.stalls,
	} {
		if err := reg.Register(m); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on registration errors.
func MustNew(reg prom.Registerer) *Collector {
	c, err := New(reg)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Collector) RecordNode(outcome string) {
	c.nodes.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordDispatch(bytes int, dive bool) {
	kind := "queue"
	if dive {
		kind = "dive"
	}
	c.dispatches.WithLabelValues(kind).Inc()
	c.dispatchBytes.Observe(float64(bytes))
}

func (c *Collector) RecordOffload(nodes, objects int, bytes int64) {
	c.offloadNodes.Add(float64(nodes))
	c.offloadObjs.Add(float64(objects))
	c.offloadBytes.Add(float64(bytes))
}

func (c *Collector) RecordWorkerDeath(role message.Role) {
	c.deaths.WithLabelValues(role.String()).Inc()
}

func (c *Collector) RecordQueueDepth(n int) {
	c.queueDepth.Set(float64(n))
}

func (c *Collector) RecordOffloadStall() {
	c.stalls.Inc()
}
