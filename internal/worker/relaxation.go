package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/hupe1980/bnc/internal/desc"
	"github.com/hupe1980/bnc/internal/proto"
	"github.com/hupe1980/bnc/message"
	"github.com/hupe1980/bnc/problem"
	"github.com/hupe1980/bnc/wire"
)

type indexBlock struct {
	next, left int32
}

// relaxation is the node-processing state of a relaxation worker.
type relaxation struct {
	solver  problem.Solver
	blocks  []indexBlock
	pending bool // RegistryRequest outstanding

	objects map[int32]problem.Object
	loaded  *desc.State // state currently loaded into the solver

	// children of the last branched node, kept for a dive
	lastNode uint32
	children []desc.State

	seq     uint32
	nextCut int
	nextCol int
}

func newRelaxation(s problem.Solver) *relaxation {
	return &relaxation{solver: s, objects: map[int32]problem.Object{}}
}

func (r *relaxation) grant(first, count int32) {
	if count > 0 {
		r.blocks = append(r.blocks, indexBlock{next: first, left: count})
	}
}

func (r *relaxation) available() int {
	n := 0
	for _, b := range r.blocks {
		n += int(b.left)
	}
	return n
}

// take hands out k registry indices, or none when fewer are left.
func (r *relaxation) take(k int) ([]int32, bool) {
	if r.available() < k {
		return nil, false
	}
	out := make([]int32, 0, k)
	for len(out) < k {
		b := &r.blocks[0]
		out = append(out, b.next)
		b.next++
		b.left--
		if b.left == 0 {
			r.blocks = r.blocks[1:]
		}
	}
	return out, true
}

func (r *relaxation) lookup(idx int32) (problem.Object, bool) {
	obj, ok := r.objects[idx]
	return obj, ok
}

// activeNode decodes an ActiveNode whose core may be relative to the core.
type activeNode struct {
	proto.ActiveNode
	core desc.ChangeSet
}

func (a *activeNode) Decode(buf *wire.Buffer) error {
	return a.ActiveNode.DecodeWithCore(buf, a.core)
}

func (w *Worker) handleRelaxation(ctx context.Context, msg message.Message) error {
	switch msg.Tag {
	case message.TagRegistryGrant:
		var p proto.RegistryGrant
		if err := proto.Unmarshal(msg.Tag, msg.Payload, &p); err != nil {
			return err
		}
		w.relax.grant(p.First, p.Count)
		w.relax.pending = false
		return nil
	case message.TagActiveNode:
		an := &activeNode{core: w.coreState}
		if err := proto.Unmarshal(msg.Tag, msg.Payload, an); err != nil {
			return err
		}
		return w.processActive(ctx, msg.Sender, &an.ActiveNode)
	case message.TagCutReply, message.TagPriceReply:
		return message.Violation("unsolicited %s from %d", msg.Tag, msg.Sender)
	}
	return message.Violation("relaxation worker got %s", msg.Tag)
}

func (w *Worker) processActive(ctx context.Context, manager message.ProcessID, an *proto.ActiveNode) error {
	r := w.relax
	w.upperBound = min(w.upperBound, an.UpperBound)
	if err := w.absorbBounds(ctx); err != nil {
		return err
	}

	var state desc.State
	if an.Dive {
		if r.children == nil || int(an.ChildIndex) >= len(r.children) || an.ChildIndex < 0 {
			return message.Violation("dive into child %d of node %d", an.ChildIndex, r.lastNode)
		}
		state = r.children[an.ChildIndex]
	} else {
		state = an.State
		for _, d := range an.Objects {
			r.objects[d.Index] = d.Object
		}
	}
	r.children = nil

	err := w.process(ctx, manager, an.Node, an.Price, state)
	w.trimObjects()
	return err
}

// trimObjects keeps only the objects a dive may still need.
func (w *Worker) trimObjects() {
	r := w.relax
	keep := map[int32]problem.Object{}
	for _, s := range r.children {
		for _, cs := range []desc.ChangeSet{s.Columns, s.Constraints} {
			for _, e := range cs.Entries {
				if obj, ok := r.objects[e.Index]; ok {
					keep[e.Index] = obj
				}
			}
		}
	}
	r.objects = keep
}

func (w *Worker) overBound(obj float64) bool {
	return !math.IsInf(w.upperBound, 1) && obj >= w.upperBound-w.params.Granularity
}

func (w *Worker) process(ctx context.Context, manager message.ProcessID, node uint32, price bool, s desc.State) error {
	r := w.relax
	received := s.Clone()
	s = s.Clone()
	var defs []proto.Definition

	f, err := w.formulation(s, r.lookup)
	if err != nil {
		return err
	}
	if err := w.load(f, s); err != nil {
		return err
	}

	var relax problem.Relaxation
	for iter := 0; ; iter++ {
		relax, err = r.solver.SolveRelaxation()
		if err != nil {
			return fmt.Errorf("node %d: %w", node, err)
		}
		switch {
		case relax.Status == problem.RelaxationInfeasible:
			return w.outcome(ctx, manager, node, price, proto.ReasonInfeasible, math.Inf(1), defs)
		case relax.Status == problem.RelaxationUnbounded:
			return fmt.Errorf("node %d: %w", node, ErrUnbounded)
		case w.overBound(relax.Objective):
			return w.outcome(ctx, manager, node, price, proto.ReasonOverBound, relax.Objective, defs)
		}

		if sol, ok := w.cfg.Problem.TestFeasibility(f, relax); ok {
			if err := w.send(ctx, manager, message.TagFeasibleSolution, &proto.FeasibleSolution{
				Node: node, Objective: sol.Objective, Values: sol.Values,
			}); err != nil {
				return err
			}
			w.upperBound = min(w.upperBound, sol.Objective)
			return w.outcome(ctx, manager, node, price, proto.ReasonDiscarded, relax.Objective, defs)
		}

		if iter+1 >= w.params.MaxNodeIterations {
			break
		}
		fresh, err := w.generate(ctx, f, s, relax, price)
		if err != nil {
			return err
		}
		if len(fresh) == 0 {
			break
		}
		idx, ok := r.take(len(fresh))
		if !ok {
			w.logger.Debug("registry indices exhausted", "node", node, "need", len(fresh))
			if err := w.prefetch(ctx, manager, len(fresh)); err != nil {
				return err
			}
			return w.send(ctx, manager, message.TagNodeDeferred, &proto.NodeOutcome{
				Node: node, Reason: proto.ReasonDiscarded, LowerBound: relax.Objective, Objects: defs,
			})
		}
		for i, o := range fresh {
			entry := desc.Entry{Index: idx[i], Bound: o.Bound}
			if o.Kind == problem.KindColumn {
				s.Columns.Entries = append(s.Columns.Entries, entry)
			} else {
				s.Constraints.Entries = append(s.Constraints.Entries, entry)
			}
			r.objects[idx[i]] = o.Object
			defs = append(defs, proto.Definition{Index: idx[i], Object: o.Object})
		}
		if err := w.prefetch(ctx, manager, 0); err != nil {
			return err
		}
		if f, err = w.formulation(s, r.lookup); err != nil {
			return err
		}
		if err := w.load(f, s); err != nil {
			return err
		}
	}

	s.WarmStart = relax.WarmStart
	dec, err := w.cfg.Problem.SelectBranchingCandidates(f, relax)
	if err != nil {
		return fmt.Errorf("node %d: branching: %w", node, err)
	}
	if dec.Kind != problem.DecisionBranch || len(dec.Children) == 0 {
		return w.outcome(ctx, manager, node, price, proto.ReasonDiscarded, relax.Objective, defs)
	}

	res := &proto.BranchingResult{
		Node:       node,
		LowerBound: relax.Objective,
		Final:      desc.Compose(&received, w.coreState, s),
		Children:   make([]proto.ChildResult, len(dec.Children)),
		Objects:    defs,
	}
	children := make([]desc.State, len(dec.Children))
	for i, c := range dec.Children {
		cs := s.Clone()
		if err := applyChanges(&cs, c.Changes); err != nil {
			return fmt.Errorf("node %d child %d: %w", node, i, err)
		}
		children[i] = cs
		res.Children[i] = proto.ChildResult{
			Quality:    c.Quality,
			LowerBound: relax.Objective,
			Dive:       c.Dive,
			Desc:       desc.Compose(&s, w.coreState, cs),
		}
	}
	r.lastNode, r.children = node, children
	return w.send(ctx, manager, message.TagBranchingResult, res)
}

func applyChanges(s *desc.State, changes []problem.BoundChange) error {
	for _, ch := range changes {
		var entries []desc.Entry
		switch ch.Target {
		case problem.TargetCore:
			if ch.Position < 0 || int(ch.Position) >= len(s.Core.Entries) {
				return fmt.Errorf("core position %d out of range", ch.Position)
			}
			s.Core.Entries[ch.Position].Bound = ch.Bound
			continue
		case problem.TargetColumn:
			entries = s.Columns.Entries
		case problem.TargetConstraint:
			entries = s.Constraints.Entries
		}
		i := slices.IndexFunc(entries, func(e desc.Entry) bool { return e.Index == ch.Position })
		if i < 0 {
			return fmt.Errorf("object %d not in node", ch.Position)
		}
		entries[i].Bound = ch.Bound
	}
	return nil
}

// load installs f in the solver. When only bounds differ from the loaded
// state they are updated in place.
func (w *Worker) load(f *problem.Formulation, s desc.State) error {
	r := w.relax
	if r.loaded != nil && sameObjects(*r.loaded, s) {
		var pos []int32
		var bounds []problem.Bound
		add := func(base int, old, cur []desc.Entry) {
			for i := range cur {
				if cur[i].Bound != old[i].Bound {
					pos = append(pos, int32(base+i))
					bounds = append(bounds, cur[i].Bound)
				}
			}
		}
		add(0, r.loaded.Core.Entries, s.Core.Entries)
		nc := w.core.Size()
		add(nc, r.loaded.Columns.Entries, s.Columns.Entries)
		add(nc+len(s.Columns.Entries), r.loaded.Constraints.Entries, s.Constraints.Entries)
		if err := r.solver.SetBounds(pos, bounds); err != nil {
			return err
		}
	} else if err := r.solver.LoadFormulation(f); err != nil {
		return err
	}
	loaded := s.Clone()
	r.loaded = &loaded
	return nil
}

func sameObjects(a, b desc.State) bool {
	same := func(x, y []desc.Entry) bool {
		return slices.EqualFunc(x, y, func(p, q desc.Entry) bool { return p.Index == q.Index })
	}
	return len(a.Core.Entries) == len(b.Core.Entries) &&
		same(a.Columns.Entries, b.Columns.Entries) &&
		same(a.Constraints.Entries, b.Constraints.Entries)
}

// prefetch requests a new index block once fewer than half a block (or
// need) indices remain.
func (w *Worker) prefetch(ctx context.Context, manager message.ProcessID, need int) error {
	r := w.relax
	block := w.params.IndexBlock
	if r.pending || (r.available() >= block/2 && r.available() >= need) {
		return nil
	}
	r.pending = true
	return w.send(ctx, manager, message.TagRegistryRequest, &proto.RegistryRequest{Count: int32(max(block, need))})
}

func (w *Worker) outcome(ctx context.Context, manager message.ProcessID, node uint32, price bool, reason proto.Reason, lb float64, defs []proto.Definition) error {
	tag := message.TagNodePruned
	if !price && reason != proto.ReasonDiscarded {
		tag = message.TagNodeNextPhase
	}
	return w.send(ctx, manager, tag, &proto.NodeOutcome{Node: node, Reason: reason, LowerBound: lb, Objects: defs})
}

// generate collects cuts and, in priced phases, columns. Dedicated
// generator processes are asked first; on failure generation runs locally.
func (w *Worker) generate(ctx context.Context, f *problem.Formulation, s desc.State, relax problem.Relaxation, price bool) ([]problem.NewObject, error) {
	cuts, err := w.generateWith(ctx, message.TagCutRequest, w.cutWorkers, &w.relax.nextCut, s, relax.Primal,
		func() ([]problem.NewObject, error) { return w.cfg.Problem.GenerateCuts(f, relax.Primal) })
	if err != nil {
		return nil, err
	}
	if !price {
		return cuts, nil
	}
	cols, err := w.generateWith(ctx, message.TagPriceRequest, w.priceWorker, &w.relax.nextCol, s, relax.Dual,
		func() ([]problem.NewObject, error) { return w.cfg.Problem.GenerateColumns(f, relax.Dual) })
	if err != nil {
		return nil, err
	}
	return append(cols, cuts...), nil
}

func (w *Worker) generateWith(ctx context.Context, tag message.Tag, workers []message.ProcessID, next *int, s desc.State, values []float64, local func() ([]problem.NewObject, error)) ([]problem.NewObject, error) {
	for range workers {
		id := workers[*next%len(workers)]
		*next++
		if !w.ch.Alive(id) {
			continue
		}
		objs, err := w.remoteGenerate(ctx, tag, id, s, values)
		if err == nil {
			return objs, nil
		}
		if errors.Is(err, message.ErrProtocolViolation) || ctx.Err() != nil {
			return nil, err
		}
		w.logger.Warn("generator failed, generating locally", "generator", id, "error", err)
		break
	}
	objs, err := local()
	if errors.Is(err, problem.ErrNotSupported) {
		return nil, nil
	}
	return objs, err
}

func (w *Worker) remoteGenerate(ctx context.Context, tag message.Tag, id message.ProcessID, s desc.State, values []float64) ([]problem.NewObject, error) {
	r := w.relax
	r.seq++
	req := &proto.GeneratorRequest{Seq: r.seq, State: s, Values: values}
	for _, cs := range []desc.ChangeSet{s.Columns, s.Constraints} {
		for _, e := range cs.Entries {
			req.Objects = append(req.Objects, proto.Definition{Index: e.Index, Object: r.objects[e.Index]})
		}
	}
	if err := w.send(ctx, id, tag, req); err != nil {
		return nil, err
	}

	replyTag := message.TagCutReply
	if tag == message.TagPriceRequest {
		replyTag = message.TagPriceReply
	}
	timeout := max(w.params.InFlightHorizon, time.Second)
	for {
		msg, err := w.ch.Receive(ctx, timeout)
		if err != nil {
			return nil, err
		}
		if msg.Tag != replyTag || msg.Sender != id {
			w.backlog = append(w.backlog, msg)
			continue
		}
		var rep proto.GeneratorReply
		if err := proto.Unmarshal(msg.Tag, msg.Payload, &rep); err != nil {
			return nil, err
		}
		if rep.Seq != r.seq {
			// Late reply to an abandoned request.
			continue
		}
		if rep.Failed != "" {
			return nil, fmt.Errorf("generator %d: %s", id, rep.Failed)
		}
		return rep.Objects, nil
	}
}

// absorbBounds applies incumbents already waiting in the mailbox. Other
// messages are kept in order for later.
func (w *Worker) absorbBounds(ctx context.Context) error {
	for w.ch.Probe() {
		msg, err := w.ch.Receive(ctx, 0)
		if errors.Is(err, message.ErrTimeout) {
			return nil
		}
		if err != nil {
			return err
		}
		if msg.Tag != message.TagUpperBound {
			w.backlog = append(w.backlog, msg)
			continue
		}
		var p proto.UpperBound
		if err := proto.Unmarshal(msg.Tag, msg.Payload, &p); err != nil {
			return err
		}
		w.upperBound = min(w.upperBound, p.Value)
	}
	return nil
}
