package manager

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/bnc/examples/knapsack"
	"github.com/hupe1980/bnc/internal/desc"
	"github.com/hupe1980/bnc/internal/proto"
	"github.com/hupe1980/bnc/internal/scheduler"
	"github.com/hupe1980/bnc/internal/worker"
	"github.com/hupe1980/bnc/message"
	"github.com/hupe1980/bnc/param"
	"github.com/hupe1980/bnc/testutil"
	"github.com/hupe1980/bnc/transport/local"
)

// roomy never reports memory pressure.
type roomy struct{}

func (roomy) Memory() (int64, int64) { return 1 << 30, 1 << 30 }

// flaky fails on the n-th ActiveNode it receives.
type flaky struct {
	*worker.Worker
	left int
}

func (f *flaky) Handle(ctx context.Context, msg message.Message) error {
	if msg.Tag == message.TagActiveNode && f.Worker.Role() == message.RoleRelaxation {
		if f.left--; f.left == 0 {
			return errors.New("simulated crash")
		}
	}
	return f.Worker.Handle(ctx, msg)
}

type counter struct {
	nodes, dispatches, offloads, deaths, stalls int
}

func (c *counter) RecordNode(string)              { c.nodes++ }
func (c *counter) RecordDispatch(int, bool)       { c.dispatches++ }
func (c *counter) RecordOffload(int, int, int64)  { c.offloads++ }
func (c *counter) RecordWorkerDeath(message.Role) { c.deaths++ }
func (c *counter) RecordQueueDepth(int)           {}
func (c *counter) RecordOffloadStall()            { c.stalls++ }

type harness struct {
	inst    knapsack.Instance
	net     *local.Network
	mgr     *Manager
	workers []*worker.Worker
	metrics *counter
	// crash makes the listed spawn ordinal fail on its n-th ActiveNode.
	crash map[int]int
}

func newHarness(t *testing.T, inst knapsack.Instance, tune func(*param.Params, *Config), crash map[int]int) *harness {
	t.Helper()
	prob, err := knapsack.New(inst)
	require.NoError(t, err)
	core, err := prob.InitializeCore()
	require.NoError(t, err)
	root, err := prob.CreateRoot(core)
	require.NoError(t, err)

	h := &harness{inst: inst, metrics: &counter{}, crash: crash}
	h.net = local.New(func(ch message.Channel) local.Handler {
		w := worker.New(ch, worker.Config{Problem: prob, NewSolver: prob.SolverFactory()})
		h.workers = append(h.workers, w)
		if n, ok := h.crash[len(h.workers)]; ok {
			return &flaky{Worker: w, left: n}
		}
		return w
	})

	params := param.Default()
	params.RelaxationWorkers = 2
	params.CutWorkers = 1
	params.PricingPhases = 0
	cfg := Config{
		Core:    core,
		Root:    root,
		RunID:   "test",
		Probe:   roomy{},
		Metrics: h.metrics,
	}
	if tune != nil {
		tune(&params, &cfg)
	}
	cfg.Params = params
	h.mgr, err = New(h.net, cfg)
	require.NoError(t, err)
	return h
}

func (h *harness) checkSolution(t *testing.T, rep Report) {
	t.Helper()
	best := testutil.KnapsackOptimum(h.inst)
	assert.Equal(t, ReasonOptimal, rep.Reason)
	assert.InDelta(t, -best, rep.UpperBound, 1e-6)
	assert.InDelta(t, rep.UpperBound, rep.LowerBound, 1e-3)

	require.GreaterOrEqual(t, len(rep.Solution), len(h.inst.Values))
	value, weight := 0.0, 0.0
	for i, x := range rep.Solution[:len(h.inst.Values)] {
		value += x * h.inst.Values[i]
		weight += x * h.inst.Weights[i]
	}
	assert.InDelta(t, best, value, 1e-6)
	assert.LessOrEqual(t, weight, h.inst.Capacity+1e-9)
}

func TestManager_SolvesKnapsack(t *testing.T) {
	tests := []struct {
		name     string
		seed     int64
		strategy string
		phases   int
	}{
		{"best", 4711, "best", 0},
		{"depth", 42, "depth", 0},
		{"breadth", 7, "breadth", 0},
		{"two phases", 99, "best", 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			inst := testutil.NewRNG(tc.seed).Knapsack(12)
			h := newHarness(t, inst, func(p *param.Params, _ *Config) {
				p.SearchStrategy = tc.strategy
				p.PricingPhases = tc.phases
			}, nil)

			rep, err := h.mgr.Run(context.Background())
			require.NoError(t, err)
			h.checkSolution(t, rep)

			if tc.phases == 0 {
				assert.Equal(t, 1, rep.Stats.Phases)
			} else {
				assert.LessOrEqual(t, rep.Stats.Phases, tc.phases+1)
			}
			assert.Positive(t, rep.Stats.Tree.Processed)
			assert.Equal(t, rep.Stats.Dispatched, h.metrics.dispatches)
			assert.Zero(t, rep.Stats.WorkerDeaths)
			for _, w := range h.workers {
				assert.True(t, w.Done(), "%s worker not shut down", w.Role())
			}
			require.NoError(t, h.mgr.tree.CheckInvariants())
		})
	}
}

func TestManager_OnlyOversizedItems(t *testing.T) {
	// Fixing cuts remove every item; the empty knapsack is optimal.
	inst := knapsack.Instance{Values: []float64{5, 6}, Weights: []float64{10, 12}, Capacity: 3}
	h := newHarness(t, inst, nil, nil)

	rep, err := h.mgr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReasonOptimal, rep.Reason)
	assert.InDelta(t, 0, rep.UpperBound, 1e-9)
}

func TestManager_TimeLimit(t *testing.T) {
	inst := testutil.NewRNG(5).Knapsack(14)
	clock := time.Unix(0, 0)
	h := newHarness(t, inst, func(p *param.Params, c *Config) {
		p.TimeLimit = 10 * time.Second
		c.Now = func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		}
	}, nil)

	rep, err := h.mgr.Run(context.Background())
	require.ErrorIs(t, err, ErrTimeLimit)
	assert.Equal(t, ReasonTimeLimit, rep.Reason)
	assert.False(t, rep.Reason.Completed())
	assert.LessOrEqual(t, rep.LowerBound, rep.UpperBound)
	assert.Positive(t, rep.Stats.Elapsed)
	assert.Contains(t, rep.String(), "time limit")
	for _, w := range h.workers {
		assert.True(t, w.Done())
	}
}

func TestManager_Canceled(t *testing.T) {
	inst := testutil.NewRNG(5).Knapsack(10)
	h := newHarness(t, inst, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := h.mgr.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, ReasonCanceled, rep.Reason)
}

func TestManager_WorkerDeathRequeues(t *testing.T) {
	inst := testutil.NewRNG(11).Knapsack(12)
	// Spawn order: cut generator, then relaxation workers 2 to 4.
	h := newHarness(t, inst, func(p *param.Params, _ *Config) {
		p.RelaxationWorkers = 3
	}, map[int]int{3: 2})

	rep, err := h.mgr.Run(context.Background())
	require.NoError(t, err)
	h.checkSolution(t, rep)
	assert.Equal(t, 1, rep.Stats.WorkerDeaths)
	assert.Equal(t, 1, h.metrics.deaths)
	assert.Positive(t, rep.Stats.Tree.Requeued)
}

func TestManager_PoolExhausted(t *testing.T) {
	inst := testutil.NewRNG(11).Knapsack(8)
	h := newHarness(t, inst, func(p *param.Params, _ *Config) {
		p.RelaxationWorkers = 1
		p.CutWorkers = 0
	}, map[int]int{1: 1})

	rep, err := h.mgr.Run(context.Background())
	require.ErrorIs(t, err, scheduler.ErrPoolExhausted)
	assert.Equal(t, ReasonWorkerPoolExhausted, rep.Reason)
	assert.True(t, math.IsInf(rep.UpperBound, 1))
}

func TestManager_OffloadsUnderMemoryPressure(t *testing.T) {
	inst := testutil.NewRNG(23).Knapsack(12)
	h := newHarness(t, inst, func(p *param.Params, c *Config) {
		core := desc.CoreState(c.Core.Bounds)
		state := desc.EmptyState()
		state.Core = core.Clone()
		state.Payload = c.Root.Payload
		rootBytes := desc.Compose(nil, core, state).EncodedSize()

		p.RelaxationWorkers = 3
		p.MaxHeapBytes = int64(rootBytes) + 64
		c.Probe = nil
	}, nil)

	rep, err := h.mgr.Run(context.Background())
	require.NoError(t, err)
	h.checkSolution(t, rep)

	off := rep.Stats.Offload
	assert.GreaterOrEqual(t, off.Demotions, 1)
	assert.Positive(t, off.Nodes)
	assert.Positive(t, h.metrics.offloads)
	assert.Positive(t, rep.Stats.Fetched)
	storage := 0
	for _, w := range h.workers {
		if w.Role() == message.RoleStorage {
			storage++
		}
	}
	assert.Equal(t, off.Demotions, storage)
}

func TestManager_OverdraftOffloadsAtOnce(t *testing.T) {
	ctx := context.Background()
	inst := testutil.NewRNG(3).Knapsack(8)
	h := newHarness(t, inst, func(p *param.Params, c *Config) {
		p.RelaxationWorkers = 3
		p.MaxHeapBytes = 1
		c.Probe = nil
	}, nil)
	defer h.mgr.shutdown(ctx)

	require.NoError(t, h.mgr.boot(ctx))
	require.NoError(t, h.mgr.seed(ctx))

	// The root description went past the limit: a batch left before the
	// loop ran.
	assert.GreaterOrEqual(t, h.mgr.Stats().Overdrafts, 1)
	assert.True(t, h.mgr.bal.Pending())
	assert.Equal(t, 1, h.mgr.Stats().Offload.Demotions)
}

func TestManager_BoundBroadcastSkipsDeadWorker(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testutil.NewRNG(3).Knapsack(6), func(p *param.Params, _ *Config) {
		p.RelaxationWorkers = 3
	}, nil)
	defer h.mgr.shutdown(ctx)
	require.NoError(t, h.mgr.boot(ctx))
	relax := h.mgr.sched.Workers(message.RoleRelaxation)
	require.Len(t, relax, 3)
	h.net.Kill(relax[1])

	require.NoError(t, h.mgr.onSolution(ctx, relax[0], &proto.FeasibleSolution{Objective: -1}))
	assert.InDelta(t, -1, h.mgr.tree.UpperBound(), 0)
	assert.True(t, h.mgr.sched.IsDead(relax[1]))
	assert.Equal(t, 1, h.metrics.deaths)
	assert.Equal(t, []message.ProcessID{relax[0], relax[2]}, h.mgr.sched.Workers(message.RoleRelaxation))
}

func TestNew_Validates(t *testing.T) {
	_, err := New(local.New(nil), Config{Params: param.Default()})
	require.Error(t, err)

	inst := testutil.NewRNG(1).Knapsack(4)
	prob, err := knapsack.New(inst)
	require.NoError(t, err)
	core, err := prob.InitializeCore()
	require.NoError(t, err)
	p := param.Default()
	p.RelaxationWorkers = 0
	_, err = New(local.New(nil), Config{Params: p, Core: core})
	require.Error(t, err)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ReasonProtocolViolation, classify(message.Violation("bad")))
	assert.Equal(t, ReasonWorkerPoolExhausted, classify(scheduler.ErrPoolExhausted))
	assert.Equal(t, ReasonFailed, classify(errors.New("boom")))
	assert.Equal(t, "resources exhausted", ReasonResourceExhausted.String())
}
