package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/bnc/internal/proto"
	"github.com/hupe1980/bnc/internal/tree"
	"github.com/hupe1980/bnc/message"
)

func (m *Manager) handle(ctx context.Context, msg message.Message) error {
	if !message.RoleManager.Accepts(msg.Tag) {
		return message.Violation("manager got %s from %d", msg.Tag, msg.Sender)
	}
	if m.sched.IsDead(msg.Sender) {
		m.logger.Debug("dropped message from dead worker", "worker", msg.Sender, "tag", msg.Tag)
		return nil
	}
	switch msg.Tag {
	case message.TagBranchingResult:
		var p proto.BranchingResult
		if err := proto.Unmarshal(msg.Tag, msg.Payload, &p); err != nil {
			return err
		}
		return m.onBranching(ctx, msg.Sender, &p)
	case message.TagNodePruned, message.TagNodeNextPhase, message.TagNodeDeferred:
		var p proto.NodeOutcome
		if err := proto.Unmarshal(msg.Tag, msg.Payload, &p); err != nil {
			return err
		}
		return m.onOutcome(ctx, msg.Sender, msg.Tag, &p)
	case message.TagFeasibleSolution:
		var p proto.FeasibleSolution
		if err := proto.Unmarshal(msg.Tag, msg.Payload, &p); err != nil {
			return err
		}
		return m.onSolution(ctx, msg.Sender, &p)
	case message.TagRegistryRequest:
		var p proto.RegistryRequest
		if err := proto.Unmarshal(msg.Tag, msg.Payload, &p); err != nil {
			return err
		}
		if p.Count <= 0 {
			return message.Violation("registry request for %d indices from %d", p.Count, msg.Sender)
		}
		first := m.reg.Grant(int(p.Count))
		m.stats.Grants++
		return m.send(ctx, msg.Sender, message.TagRegistryGrant, &proto.RegistryGrant{First: first, Count: p.Count})
	case message.TagFetchReply:
		var p proto.FetchReply
		if err := proto.Unmarshal(msg.Tag, msg.Payload, &p); err != nil {
			return err
		}
		t, ready, err := m.xfer.HandleReply(ctx, msg.Sender, &p)
		if err != nil {
			return err
		}
		if ready {
			return m.activate(ctx, t)
		}
		return nil
	case message.TagOffloadAck:
		var p proto.OffloadAck
		if err := proto.Unmarshal(msg.Tag, msg.Payload, &p); err != nil {
			return err
		}
		res, err := m.bal.HandleAck(msg.Sender, &p)
		if err != nil {
			return err
		}
		m.metrics.RecordOffload(res.Nodes, res.Objects, res.Bytes)
		return m.deleteStored(ctx, res.Storage, proto.Keys{Nodes: res.Stale})
	case message.TagDeleteReply:
		var p proto.DeleteReply
		if err := proto.Unmarshal(msg.Tag, msg.Payload, &p); err != nil {
			return err
		}
		m.logger.Debug("stored items deleted", "storage", msg.Sender, "count", p.Deleted)
		return nil
	}
	return message.Violation("manager cannot handle %s", msg.Tag)
}

func (m *Manager) send(ctx context.Context, to message.ProcessID, tag message.Tag, p proto.Payload) error {
	err := m.host.Send(ctx, to, tag, proto.Marshal(p))
	if errors.Is(err, message.ErrProcessDead) {
		return m.workerDied(ctx, to)
	}
	return err
}

// owned returns the active node a worker reports on.
func (m *Manager) owned(from message.ProcessID, node uint32) (*tree.Node, error) {
	if owner, ok := m.sched.Owner(node); !ok || owner != from {
		return nil, message.Violation("worker %d reports on node %d it does not own", from, node)
	}
	n := m.tree.Get(tree.NodeID(node))
	if n == nil || n.Status != tree.Active {
		return nil, message.Violation("worker %d reports on node %d that is not active", from, node)
	}
	return n, nil
}

func (m *Manager) onBranching(ctx context.Context, from message.ProcessID, res *proto.BranchingResult) error {
	n, err := m.owned(from, res.Node)
	if err != nil {
		return err
	}
	for _, def := range res.Objects {
		if err := m.define(ctx, def.Index, def.Object); err != nil {
			return err
		}
	}
	final, childDescs, err := m.xfer.Complete(res)
	if err != nil {
		return err
	}

	// The node's description is replaced by the final one.
	if n.Storage != 0 {
		storage := n.Storage
		m.bal.Released(storage, int64(n.DescBytes))
		if err := m.deleteStored(ctx, storage, proto.Keys{Nodes: []uint32{res.Node}}); err != nil {
			return err
		}
	} else {
		m.drop(n.Desc, n.DescBytes)
	}
	children := make([]tree.Child, len(res.Children))
	for i, c := range res.Children {
		children[i] = tree.Child{
			Quality:    c.Quality,
			LowerBound: max(c.LowerBound, res.LowerBound),
			Desc:       childDescs[i],
			DescBytes:  childDescs[i].EncodedSize(),
		}
	}
	nodes, err := m.tree.Branch(n.ID, final, final.EncodedSize(), res.LowerBound, children)
	if err != nil {
		return err
	}
	if err := m.hold(ctx, n.Desc, n.DescBytes); err != nil {
		return err
	}
	for _, c := range nodes {
		if err := m.hold(ctx, c.Desc, c.DescBytes); err != nil {
			return err
		}
	}
	m.metrics.RecordNode(tree.Processed.String())

	dive := -1
	for i, c := range res.Children {
		if c.Dive && m.tree.ShouldDive(nodes[i], m.rng) {
			dive = i
			break
		}
	}
	if dive < 0 || m.checkTime() != nil {
		m.xfer.Done(n.ID)
		_, err := m.sched.Release(from, m.now())
		return err
	}

	child := nodes[dive]
	if err := m.tree.MarkActive(child.ID, from); err != nil {
		return err
	}
	if err := m.sched.Continue(from, uint32(child.ID)); err != nil {
		return err
	}
	if err := m.xfer.Dive(n.ID, child.ID, child.Desc); err != nil {
		return err
	}
	m.tree.RecordDive()
	return m.sendActive(ctx, from, &proto.ActiveNode{
		Node:       uint32(child.ID),
		Phase:      int32(m.phase.Index),
		Price:      m.phase.Certified,
		UpperBound: m.tree.UpperBound(),
		Dive:       true,
		ChildIndex: int32(dive),
	}, true)
}

func (m *Manager) onOutcome(ctx context.Context, from message.ProcessID, tag message.Tag, out *proto.NodeOutcome) error {
	n, err := m.owned(from, out.Node)
	if err != nil {
		return err
	}
	indices := make([]int32, 0, len(out.Objects))
	for _, def := range out.Objects {
		if err := m.define(ctx, def.Index, def.Object); err != nil {
			return err
		}
		indices = append(indices, def.Index)
	}
	// No description refers to objects of an unbranched node.
	m.bal.Orphaned(indices)

	var status tree.Status
	label := "deferred"
	switch tag {
	case message.TagNodeDeferred:
		err = m.tree.Requeue(n.ID)
	case message.TagNodePruned:
		status, err = outcomeStatus(out.Reason, tree.PrunedOverBound, tree.PrunedInfeasible, tree.PrunedDiscarded)
	case message.TagNodeNextPhase:
		status, err = outcomeStatus(out.Reason, tree.NextPhaseOverBound, tree.NextPhaseInfeasible, 0)
	}
	if err == nil && tag != message.TagNodeDeferred {
		label = status.String()
		err = m.tree.Resolve(n.ID, status, out.LowerBound)
	}
	if err != nil {
		return err
	}
	m.metrics.RecordNode(label)
	m.xfer.Done(n.ID)
	_, err = m.sched.Release(from, m.now())
	return err
}

func outcomeStatus(r proto.Reason, overBound, infeasible, discarded tree.Status) (tree.Status, error) {
	switch r {
	case proto.ReasonOverBound:
		return overBound, nil
	case proto.ReasonInfeasible:
		return infeasible, nil
	case proto.ReasonDiscarded:
		if discarded != 0 {
			return discarded, nil
		}
	}
	return 0, message.Violation("unexpected outcome reason %d", r)
}

func (m *Manager) onSolution(ctx context.Context, from message.ProcessID, s *proto.FeasibleSolution) error {
	m.stats.Solutions++
	if !m.tree.SetUpperBound(s.Objective) {
		return nil
	}
	m.solution = s.Values
	m.logger.Info("new incumbent", "objective", s.Objective, "node", s.Node, "worker", from)

	var targets []message.ProcessID
	for _, id := range m.sched.Workers(message.RoleRelaxation) {
		if id != from {
			targets = append(targets, id)
		}
	}
	err := m.host.Multicast(ctx, targets, message.TagUpperBound, proto.Marshal(&proto.UpperBound{Value: s.Objective}))
	failed := message.DeliveryErrors(err)
	if err != nil && len(failed) == 0 {
		return fmt.Errorf("broadcast upper bound: %w", err)
	}
	for _, de := range failed {
		if !errors.Is(de, message.ErrProcessDead) {
			return fmt.Errorf("broadcast upper bound: %w", de)
		}
		if err := m.workerDied(ctx, de.To); err != nil {
			return err
		}
	}
	if !m.phase.Certified {
		// Unpriced bounds are not valid for trimming.
		return nil
	}
	return m.trim(ctx)
}
