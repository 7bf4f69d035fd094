package prometheus

import (
	"context"
	"testing"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/bnc"
	"github.com/hupe1980/bnc/examples/knapsack"
	"github.com/hupe1980/bnc/message"
)

func TestCollector_Record(t *testing.T) {
	reg := prom.NewRegistry()
	c, err := New(reg)
	require.NoError(t, err)

	c.RecordNode("processed")
	c.RecordNode("processed")
	c.RecordNode("deferred")
	c.RecordDispatch(100, false)
	c.RecordDispatch(200, true)
	c.RecordOffload(3, 5, 1024)
	c.RecordWorkerDeath(message.RoleRelaxation)
	c.RecordQueueDepth(7)
	c.RecordOffloadStall()

	assert.InDelta(t, 2, testutil.ToFloat64(c.nodes.WithLabelValues("processed")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(c.dispatches.WithLabelValues("dive")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(c.offloadNodes), 0)
	assert.InDelta(t, 1024, testutil.ToFloat64(c.offloadBytes), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(c.deaths.WithLabelValues(message.RoleRelaxation.String())), 0)
	assert.InDelta(t, 7, testutil.ToFloat64(c.queueDepth), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(c.stalls), 0)

	_, err = New(reg)
	require.Error(t, err)
}

func TestCollector_Solve(t *testing.T) {
	prob, err := knapsack.New(knapsack.Instance{
		Values:   []float64{10, 13, 7, 8},
		Weights:  []float64{3, 4, 2, 3},
		Capacity: 7,
	})
	require.NoError(t, err)

	reg := prom.NewRegistry()
	c := MustNew(reg)
	_, err = bnc.Solve(context.Background(), prob, prob.SolverFactory(), bnc.WithMetricsCollector(c))
	require.NoError(t, err)

	n, err := testutil.GatherAndCount(reg, "bnc_dispatches_total")
	require.NoError(t, err)
	assert.Positive(t, n)
	assert.Positive(t, testutil.ToFloat64(c.nodes.WithLabelValues("processed")))
}
