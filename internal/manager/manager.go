// Package manager runs the manager process: it owns the search tree,
// dispatches nodes to relaxation workers, merges their results, balances
// memory against storage workers and decides when the run ends.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/hupe1980/bnc/internal/balance"
	"github.com/hupe1980/bnc/internal/compress"
	"github.com/hupe1980/bnc/internal/desc"
	"github.com/hupe1980/bnc/internal/proto"
	"github.com/hupe1980/bnc/internal/queue"
	"github.com/hupe1980/bnc/internal/registry"
	"github.com/hupe1980/bnc/internal/resource"
	"github.com/hupe1980/bnc/internal/scheduler"
	"github.com/hupe1980/bnc/internal/transfer"
	"github.com/hupe1980/bnc/internal/tree"
	"github.com/hupe1980/bnc/message"
	"github.com/hupe1980/bnc/param"
	"github.com/hupe1980/bnc/problem"
)

// Metrics receives run events. Implementations must be cheap; they are
// called from the manager loop.
type Metrics interface {
	RecordNode(outcome string)
	RecordDispatch(bytes int, dive bool)
	RecordOffload(nodes, objects int, bytes int64)
	RecordWorkerDeath(role message.Role)
	RecordQueueDepth(n int)
	RecordOffloadStall()
}

type noopMetrics struct{}

func (noopMetrics) RecordNode(string)              {}
func (noopMetrics) RecordDispatch(int, bool)       {}
func (noopMetrics) RecordOffload(int, int, int64)  {}
func (noopMetrics) RecordWorkerDeath(message.Role) {}
func (noopMetrics) RecordQueueDepth(int)           {}
func (noopMetrics) RecordOffloadStall()            {}

// Config holds the inputs of a run.
type Config struct {
	Params param.Params
	Core   *problem.Core
	// Root holds the extra objects and payload of the root node. Optional.
	Root  *problem.Root
	RunID string
	// Probe reports free memory to the balancer. Defaults to the heap
	// controller when MaxHeapBytes is set and to host memory otherwise.
	Probe   balance.Probe
	Logger  *slog.Logger
	Metrics Metrics
	// Now is the clock of the time limit. Defaults to time.Now.
	Now func() time.Time
}

// Manager is the single-threaded control loop of a run.
type Manager struct {
	host    message.Host
	cfg     Config
	params  param.Params
	logger  *slog.Logger
	metrics Metrics
	now     func() time.Time
	rng     *rand.Rand

	tree  *tree.Tree
	reg   *registry.Registry
	sched *scheduler.Scheduler
	res   *resource.Controller
	xfer  *transfer.Protocol
	bal   *balance.Balancer

	coreState desc.ChangeSet
	coreMsg   []byte
	phase     tree.Phase
	solution  []float64
	stats     Stats
	start     time.Time
	lastCheck time.Time
}

// New creates a manager for a run over host.
func New(host message.Host, cfg Config) (*Manager, error) {
	if cfg.Core == nil {
		return nil, errors.New("manager: core is required")
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	strategy, err := queue.ParseStrategy(cfg.Params.SearchStrategy)
	if err != nil {
		return nil, err
	}
	codec, err := compress.ParseCodec(cfg.Params.Compression)
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	p := cfg.Params
	m := &Manager{
		host:    host,
		cfg:     cfg,
		params:  p,
		logger:  cfg.Logger.With("run", cfg.RunID),
		metrics: cfg.Metrics,
		now:     cfg.Now,
		rng:     rand.New(rand.NewPCG(uint64(p.Seed), uint64(p.Seed)>>1|1)),
		reg:     registry.New(),
		res: resource.NewController(resource.Config{
			HeapLimitBytes:     p.MaxHeapBytes,
			OffloadBytesPerSec: p.OffloadBytesPerSec,
		}),
	}
	m.tree = tree.New(tree.Config{
		Strategy:              strategy,
		AbsoluteGap:           p.AbsoluteGap,
		RelativeGap:           p.RelativeGap,
		Granularity:           p.Granularity,
		UnconditionalDiveProb: p.UnconditionalDiveProb,
		DiveThreshold:         p.DiveThreshold,
	})
	m.sched = scheduler.New(scheduler.Config{InFlightHorizon: p.InFlightHorizon, InitialRTT: p.ReceiveTimeout})
	m.coreState = desc.CoreState(cfg.Core.Bounds)
	m.coreMsg = proto.Marshal(&proto.CoreDescription{Core: *cfg.Core})
	m.xfer = transfer.New(m.tree, m.reg, m.coreState, host, m.logger)
	m.bal = balance.New(balance.Config{
		Threshold:       p.OffloadThreshold,
		BatchFraction:   p.OffloadBatchFraction,
		StorageCapacity: p.StorageCapacityBytes,
		Codec:           codec,
		RunID:           cfg.RunID,
		Metrics:         cfg.Metrics,
	}, m.tree, m.reg, m.sched, m.res, cfg.Probe, host, m.coreMsg, m.logger)
	return m, nil
}

// Run drives the search to completion or failure. The report is valid in
// both cases; err is nil only when the search completed.
func (m *Manager) Run(ctx context.Context) (Report, error) {
	m.start = m.now()
	m.lastCheck = m.start
	err := m.run(ctx)
	m.shutdown(ctx)
	return m.report(err), err
}

func (m *Manager) run(ctx context.Context) error {
	if err := m.boot(ctx); err != nil {
		return err
	}
	if err := m.seed(ctx); err != nil {
		return err
	}
	for idx := 0; ; idx++ {
		m.phase = tree.Phase{Index: idx, Certified: idx >= m.params.PricingPhases}
		if idx > 0 {
			moved := m.tree.PromoteNextPhase()
			// Parked bounds were not priced; certify them by processing.
			m.phase.PriceOverBound = m.phase.Certified && moved > 0
			m.logger.Info("phase started", "phase", idx, "certified", m.phase.Certified, "nodes", moved)
		}
		m.stats.Phases++
		if err := m.runPhase(ctx); err != nil {
			return err
		}
		if err := m.trim(ctx); err != nil {
			return err
		}
		if m.phase.Certified || m.tree.NextPhaseLen() == 0 {
			return nil
		}
	}
}

// boot spawns the workers and sends each its bootstrap sequence.
func (m *Manager) boot(ctx context.Context) error {
	params := proto.Marshal(&m.params)
	spawn := func(role message.Role, n int) ([]message.ProcessID, error) {
		ids := make([]message.ProcessID, 0, n)
		for range n {
			id, err := m.host.Spawn(ctx)
			if err != nil {
				return nil, fmt.Errorf("spawn %s worker: %w", role, err)
			}
			ids = append(ids, id)
		}
		return ids, nil
	}
	cuts, err := spawn(message.RoleCutGenerator, m.params.CutWorkers)
	if err != nil {
		return err
	}
	cols, err := spawn(message.RoleColumnGenerator, m.params.ColumnWorkers)
	if err != nil {
		return err
	}
	relax, err := spawn(message.RoleRelaxation, m.params.RelaxationWorkers)
	if err != nil {
		return err
	}

	start := func(role message.Role, id message.ProcessID, initial *proto.InitialPayload) error {
		steps := []struct {
			tag     message.Tag
			payload []byte
		}{
			{message.TagAssignRole, proto.Marshal(&proto.AssignRole{Role: role, RunID: m.cfg.RunID})},
			{message.TagParameters, params},
			{message.TagCoreDescription, m.coreMsg},
			{message.TagInitialPayload, proto.Marshal(initial)},
		}
		for _, s := range steps {
			if err := m.host.Send(ctx, id, s.tag, s.payload); err != nil {
				return fmt.Errorf("bootstrap %s worker %d: %w", role, id, err)
			}
		}
		return m.sched.Register(role, id)
	}
	initial := proto.InitialPayload{UpperBound: math.Inf(1), CutWorkers: cuts, ColumnWorkers: cols}
	// Generators first, so relaxation workers never reach an unbooted one.
	for _, id := range cuts {
		if err := start(message.RoleCutGenerator, id, &initial); err != nil {
			return err
		}
	}
	for _, id := range cols {
		if err := start(message.RoleColumnGenerator, id, &initial); err != nil {
			return err
		}
	}
	for _, id := range relax {
		p := initial
		p.IndexCount = int32(m.params.IndexBlock)
		p.IndexFirst = m.reg.Grant(m.params.IndexBlock)
		m.stats.Grants++
		if err := start(message.RoleRelaxation, id, &p); err != nil {
			return err
		}
	}
	m.logger.Info("workers started", "relaxation", len(relax), "cut", len(cuts), "column", len(cols))
	return nil
}

// seed inserts the root node built from the core bounds and the root
// objects.
func (m *Manager) seed(ctx context.Context) error {
	state := desc.EmptyState()
	state.Core = m.coreState.Clone()
	if r := m.cfg.Root; r != nil {
		var err error
		if state.Columns, err = m.defineRoot(ctx, r.Columns); err != nil {
			return err
		}
		if state.Constraints, err = m.defineRoot(ctx, r.Constraints); err != nil {
			return err
		}
		state.Payload = r.Payload
	}
	d := desc.Compose(nil, m.coreState, state)
	n, err := m.tree.Seed(math.Inf(-1), d, d.EncodedSize())
	if err != nil {
		return err
	}
	return m.hold(ctx, n.Desc, n.DescBytes)
}

func (m *Manager) defineRoot(ctx context.Context, objs []problem.NewObject) (desc.ChangeSet, error) {
	if len(objs) == 0 {
		return desc.NewExplicit(nil), nil
	}
	first := m.reg.Grant(len(objs))
	entries := make([]desc.Entry, len(objs))
	for i, o := range objs {
		idx := first + int32(i)
		if err := m.define(ctx, idx, o.Object); err != nil {
			return desc.ChangeSet{}, err
		}
		entries[i] = desc.Entry{Index: idx, Bound: o.Bound}
	}
	return desc.NewExplicit(entries), nil
}

func (m *Manager) define(ctx context.Context, idx int32, obj problem.Object) error {
	if err := m.reg.Define(idx, obj); err != nil {
		return message.Violation("define object %d: %v", idx, err)
	}
	return m.reserve(ctx, len(obj.Data))
}

// hold accounts a description that became local.
func (m *Manager) hold(ctx context.Context, d *desc.Description, bytes int) error {
	if d == nil {
		return nil
	}
	m.reg.Retain(descIndices(d))
	return m.reserve(ctx, bytes)
}

// reserve accounts heap bytes. Results cannot be refused, so bytes past the
// limit are taken anyway and the balancer runs at once.
func (m *Manager) reserve(ctx context.Context, bytes int) error {
	err := m.res.Reserve(int64(bytes))
	if !errors.Is(err, resource.ErrHeapLimitExceeded) {
		return err
	}
	m.res.ForceReserve(int64(bytes))
	m.stats.Overdrafts++
	return m.bal.Step(ctx)
}

// drop releases the accounting of a local description.
func (m *Manager) drop(d *desc.Description, bytes int) {
	if d == nil {
		return
	}
	m.res.Release(int64(bytes))
	indices := descIndices(d)
	m.reg.Release(indices)
	m.bal.Orphaned(indices)
}

func descIndices(d *desc.Description) []int32 {
	return append(d.Columns.Indices(), d.Constraints.Indices()...)
}

// runPhase dispatches and merges until no node of the phase is left.
func (m *Manager) runPhase(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.checkTime(); err != nil {
			return err
		}
		// Before dispatch: demotion needs a free worker.
		if err := m.bal.Step(ctx); err != nil {
			return err
		}
		if err := m.dispatch(ctx); err != nil {
			return err
		}
		m.metrics.RecordQueueDepth(m.tree.QueueLen())

		outstanding := m.sched.Busy(message.RoleRelaxation) > 0 || m.xfer.Pending() > 0 || m.bal.Pending()
		if !outstanding && m.tree.QueueLen() == 0 {
			return nil
		}
		timeout := m.params.ReceiveTimeout
		if !outstanding {
			timeout = 0
		}
		msg, err := m.host.Receive(ctx, timeout)
		if errors.Is(err, message.ErrTimeout) {
			if err := m.checkLiveness(ctx, true); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		if err := m.handle(ctx, msg); err != nil {
			return err
		}
		if err := m.checkLiveness(ctx, false); err != nil {
			return err
		}
	}
}

func (m *Manager) checkTime() error {
	if m.params.TimeLimit <= 0 {
		return nil
	}
	if elapsed := m.now().Sub(m.start); elapsed >= m.params.TimeLimit {
		return fmt.Errorf("%w after %s", ErrTimeLimit, elapsed.Round(time.Millisecond))
	}
	return nil
}

// dispatch hands queued nodes to free relaxation workers while the
// scheduler admits more work.
func (m *Manager) dispatch(ctx context.Context) error {
	for {
		if _, ok := m.sched.FreeWorker(message.RoleRelaxation); !ok {
			return nil
		}
		n, skipped := m.tree.PopEligible(m.phase)
		for _, s := range skipped {
			m.metrics.RecordNode(s.Status.String())
		}
		if n == nil {
			return nil
		}
		if !m.sched.Admit(n.DescBytes) {
			return nil
		}
		worker, err := m.sched.Assign(uint32(n.ID))
		if err != nil {
			return err
		}
		if err := m.tree.MarkActive(n.ID, worker); err != nil {
			return err
		}
		t, ready, err := m.xfer.Begin(ctx, n.ID, worker)
		if err != nil {
			if errors.Is(err, message.ErrProcessDead) {
				return fmt.Errorf("%w: node %d: %v", transfer.ErrDataLost, n.ID, err)
			}
			return err
		}
		if ready {
			if err := m.activate(ctx, t); err != nil {
				return err
			}
		}
	}
}

// activate sends the ActiveNode of a ready transfer.
func (m *Manager) activate(ctx context.Context, t *transfer.Transfer) error {
	an, err := m.xfer.ActiveNode(t)
	if err != nil {
		return err
	}
	an.Phase = int32(m.phase.Index)
	an.Price = m.phase.Certified
	an.UpperBound = m.tree.UpperBound()
	return m.sendActive(ctx, t.Worker, an, false)
}

func (m *Manager) sendActive(ctx context.Context, worker message.ProcessID, an *proto.ActiveNode, dive bool) error {
	payload := proto.Marshal(an)
	// Dispatch time is taken before Send; local workers reply synchronously.
	m.sched.Dispatched(worker, len(payload), m.now())
	m.stats.Dispatched++
	m.stats.DispatchedB += int64(len(payload))
	m.metrics.RecordDispatch(len(payload), dive)
	if err := m.host.Send(ctx, worker, message.TagActiveNode, payload); err != nil {
		if errors.Is(err, message.ErrProcessDead) {
			return m.workerDied(ctx, worker)
		}
		return err
	}
	return nil
}

// checkLiveness probes every live worker. Unless forced, it runs at most
// once per receive timeout.
func (m *Manager) checkLiveness(ctx context.Context, force bool) error {
	now := m.now()
	if !force && now.Sub(m.lastCheck) < m.params.ReceiveTimeout {
		return nil
	}
	m.lastCheck = now
	for _, id := range m.sched.Live() {
		if m.host.Alive(id) {
			continue
		}
		if err := m.workerDied(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// workerDied requeues the work of a dead worker.
func (m *Manager) workerDied(_ context.Context, id message.ProcessID) error {
	if m.sched.IsDead(id) {
		return nil
	}
	sl, _ := m.sched.Slot(id)
	role := sl.Role
	node, busy, err := m.sched.MarkDead(id)
	m.stats.WorkerDeaths++
	m.metrics.RecordWorkerDeath(role)
	m.logger.Warn("worker died", "worker", id, "role", role, "busy", busy)

	requeue := func(nid tree.NodeID) error {
		m.xfer.Done(nid)
		if n := m.tree.Get(nid); n != nil && n.Status == tree.Active {
			return m.tree.Requeue(nid)
		}
		return nil
	}
	for _, nid := range m.xfer.Abort(id) {
		if rerr := requeue(nid); rerr != nil {
			return rerr
		}
	}
	if busy {
		if rerr := requeue(tree.NodeID(node)); rerr != nil {
			return rerr
		}
	}
	if role == message.RoleStorage {
		m.bal.Abandon(id)
		if m.xfer.PendingFor(id) {
			return fmt.Errorf("%w: storage %d died with fetches outstanding", transfer.ErrDataLost, id)
		}
		var lost *tree.Node
		m.tree.Each(func(n *tree.Node) {
			if lost == nil && n.Storage == id && n.Status.Open() {
				lost = n
			}
		})
		if lost != nil {
			return fmt.Errorf("%w: storage %d held open node %d", transfer.ErrDataLost, id, lost.ID)
		}
	}
	return err
}

// trim removes subtrees that can no longer improve the incumbent and
// deletes their stored copies.
func (m *Manager) trim(ctx context.Context) error {
	res := m.tree.Trim()
	if len(res.Nodes) == 0 {
		return nil
	}
	for _, n := range res.Nodes {
		if n.Storage == 0 {
			m.drop(n.Desc, n.DescBytes)
			continue
		}
		m.bal.Released(n.Storage, int64(n.DescBytes))
	}
	for storage, ids := range res.Remote {
		keys := proto.Keys{Nodes: make([]uint32, len(ids))}
		for i, id := range ids {
			keys.Nodes[i] = uint32(id)
		}
		if err := m.deleteStored(ctx, storage, keys); err != nil {
			return err
		}
	}
	m.logger.Debug("tree trimmed", "nodes", len(res.Nodes), "remaining", m.tree.Len())
	return nil
}

func (m *Manager) deleteStored(ctx context.Context, storage message.ProcessID, keys proto.Keys) error {
	if keys.Len() == 0 || m.sched.IsDead(storage) {
		return nil
	}
	err := m.host.Send(ctx, storage, message.TagDeleteRequest, proto.Marshal(&proto.DeleteRequest{Keys: keys}))
	if errors.Is(err, message.ErrProcessDead) {
		return m.workerDied(ctx, storage)
	}
	return err
}

func (m *Manager) shutdown(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for _, id := range m.sched.Live() {
		if err := m.host.Send(ctx, id, message.TagShutdown, nil); err != nil {
			m.logger.Debug("shutdown not delivered", "worker", id, "error", err)
		}
	}
}

func (m *Manager) report(err error) Report {
	rep := Report{
		RunID:      m.cfg.RunID,
		UpperBound: m.tree.UpperBound(),
		LowerBound: m.tree.LowerBound(),
		Solution:   m.solution,
	}
	switch {
	case err != nil:
		rep.Reason = classify(err)
	case math.IsInf(rep.UpperBound, 1):
		rep.Reason = ReasonInfeasible
	default:
		rep.Reason = ReasonOptimal
	}
	if err == nil && !math.IsInf(rep.UpperBound, 1) {
		// Remaining open nodes are within the gap.
		rep.LowerBound = min(rep.LowerBound, rep.UpperBound)
	}
	rep.Stats = m.Stats()
	return rep
}

// Stats returns the counters of the run so far.
func (m *Manager) Stats() Stats {
	s := m.stats
	s.Tree = m.tree.Stats()
	s.Offload = m.bal.Stats()
	s.Fetched = m.xfer.Fetched()
	if !m.start.IsZero() {
		s.Elapsed = m.now().Sub(m.start)
	}
	return s
}
