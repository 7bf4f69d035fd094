// Package transfer materializes tree nodes for dispatch. Descriptions of
// offloaded ancestors and remote registry objects are fetched from storage
// workers before the ActiveNode payload is built, and branching results are
// re-encoded relative to the parent state the node was dispatched with.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/bnc/internal/desc"
	"github.com/hupe1980/bnc/internal/proto"
	"github.com/hupe1980/bnc/internal/registry"
	"github.com/hupe1980/bnc/internal/tree"
	"github.com/hupe1980/bnc/message"
	"github.com/hupe1980/bnc/problem"
)

// ErrDataLost is returned when a storage worker no longer holds an item the
// manager offloaded to it.
var ErrDataLost = errors.New("transfer: stored item lost")

// Sender is the part of message.Channel the protocol needs.
type Sender interface {
	Send(ctx context.Context, to message.ProcessID, tag message.Tag, payload []byte) error
}

type stage uint8

const (
	stageAncestors stage = iota
	stageObjects
	stageDone
)

// Transfer is one node materialization in progress.
type Transfer struct {
	ID     uint32
	Node   tree.NodeID
	Worker message.ProcessID

	stage   stage
	chain   []*tree.Node
	descs   []*desc.Description
	objects map[int32]problem.Object
	waiting map[message.ProcessID]int
	aborted bool

	state  desc.State
	parent *desc.State
}

// Aborted reports whether the transfer was abandoned.
func (t *Transfer) Aborted() bool { return t.aborted }

func (t *Transfer) outstanding() int {
	k := 0
	for _, n := range t.waiting {
		k += n
	}
	return k
}

// flight is the state a dispatched node was sent with. final is set once
// its branching result has been applied.
type flight struct {
	state  desc.State
	parent *desc.State
	final  *desc.State
}

// Protocol tracks pending transfers and in-flight node states.
type Protocol struct {
	tree   *tree.Tree
	reg    *registry.Registry
	core   desc.ChangeSet
	ch     Sender
	logger *slog.Logger

	next     uint32
	pending  map[uint32]*Transfer
	retired  *roaring.Bitmap
	inflight map[tree.NodeID]*flight
	fetched  int
}

// New creates a protocol. core is the explicit core state.
func New(t *tree.Tree, reg *registry.Registry, core desc.ChangeSet, ch Sender, logger *slog.Logger) *Protocol {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Protocol{
		tree:     t,
		reg:      reg,
		core:     core,
		ch:       ch,
		logger:   logger,
		pending:  make(map[uint32]*Transfer),
		retired:  roaring.New(),
		inflight: make(map[tree.NodeID]*flight),
	}
}

// Pending returns the number of transfers waiting for storage replies.
func (p *Protocol) Pending() int { return len(p.pending) }

// Fetched returns the number of items fetched from storage so far.
func (p *Protocol) Fetched() int { return p.fetched }

// Begin starts materializing node for worker. When every description and
// object is local the transfer completes immediately and is returned ready;
// otherwise fetch requests are sent and ready is false.
func (p *Protocol) Begin(ctx context.Context, node tree.NodeID, worker message.ProcessID) (t *Transfer, ready bool, err error) {
	chain, err := p.tree.Chain(node)
	if err != nil {
		return nil, false, err
	}
	p.next++
	t = &Transfer{
		ID:      p.next,
		Node:    node,
		Worker:  worker,
		chain:   chain,
		descs:   make([]*desc.Description, len(chain)),
		objects: map[int32]problem.Object{},
		waiting: map[message.ProcessID]int{},
	}
	for i, n := range chain {
		t.descs[i] = n.Desc
	}
	p.pending[t.ID] = t
	if err := p.advance(ctx, t); err != nil {
		delete(p.pending, t.ID)
		return nil, false, err
	}
	return t, t.stage == stageDone, nil
}

// HandleReply merges a FetchReply. It returns the transfer it belongs to and
// whether it is now ready. Replies for aborted transfers complete them
// silently with ready false.
func (p *Protocol) HandleReply(ctx context.Context, from message.ProcessID, reply *proto.FetchReply) (*Transfer, bool, error) {
	t, ok := p.pending[reply.Transfer]
	if !ok {
		if p.retired.Contains(reply.Transfer) {
			return nil, false, message.Violation("fetch reply from %d for retired transfer %d", from, reply.Transfer)
		}
		return nil, false, message.Violation("fetch reply from %d for unknown transfer %d", from, reply.Transfer)
	}
	if t.waiting[from] == 0 {
		return nil, false, message.Violation("unexpected fetch reply from %d for transfer %d", from, t.ID)
	}
	t.waiting[from]--

	if reply.Missing.Len() > 0 {
		return nil, false, fmt.Errorf("%w: storage %d misses nodes %v objects %v", ErrDataLost, from, reply.Missing.Nodes, reply.Missing.Objects)
	}

	items, err := proto.DecodeItems(reply.Frame)
	if err != nil {
		return nil, false, message.Violation("fetch reply %d: %v", t.ID, err)
	}
	for _, it := range items {
		switch it.Kind {
		case proto.ItemNode:
			pos := slices.IndexFunc(t.chain, func(n *tree.Node) bool { return uint32(n.ID) == it.Key })
			if pos < 0 {
				return nil, false, message.Violation("fetch reply %d: node %d not in chain", t.ID, it.Key)
			}
			d, err := desc.Unmarshal(it.Data)
			if err != nil {
				return nil, false, message.Violation("fetch reply %d: node %d: %v", t.ID, it.Key, err)
			}
			t.descs[pos] = d
		case proto.ItemObject:
			obj, err := it.Object()
			if err != nil {
				return nil, false, message.Violation("fetch reply %d: object %d: %v", t.ID, it.Key, err)
			}
			t.objects[int32(it.Key)] = obj
		}
		p.fetched++
	}

	if t.outstanding() > 0 {
		return t, false, nil
	}
	if t.aborted {
		p.retire(t)
		return t, false, nil
	}
	if err := p.advance(ctx, t); err != nil {
		return nil, false, err
	}
	return t, t.stage == stageDone, nil
}

// Abort abandons the transfers headed for worker, e.g. after it died.
// Outstanding replies are still consumed. It returns the affected nodes.
func (p *Protocol) Abort(worker message.ProcessID) []tree.NodeID {
	var nodes []tree.NodeID
	for _, t := range p.pending {
		if t.Worker != worker || t.aborted {
			continue
		}
		t.aborted = true
		nodes = append(nodes, t.Node)
		if t.outstanding() == 0 {
			p.retire(t)
		}
	}
	return nodes
}

// PendingFor reports whether storage worker id has outstanding fetches.
func (p *Protocol) PendingFor(id message.ProcessID) bool {
	for _, t := range p.pending {
		if t.waiting[id] > 0 {
			return true
		}
	}
	return false
}

func (p *Protocol) retire(t *Transfer) {
	delete(p.pending, t.ID)
	p.retired.Add(t.ID)
}

func (p *Protocol) advance(ctx context.Context, t *Transfer) error {
	if t.stage == stageAncestors {
		missing, err := desc.Missing(t.descs)
		if len(missing) > 0 {
			return p.fetchAncestors(ctx, t, missing)
		}
		if err != nil {
			return fmt.Errorf("transfer node %d: %w", t.Node, err)
		}
		t.state, t.parent, err = desc.ResolvePair(t.descs, p.core)
		if err != nil {
			return fmt.Errorf("transfer node %d: %w", t.Node, err)
		}
		t.stage = stageObjects
		if sent, err := p.fetchObjects(ctx, t); err != nil || sent {
			return err
		}
	}
	if t.stage == stageObjects {
		t.stage = stageDone
		p.retire(t)
		p.inflight[t.Node] = &flight{state: t.state, parent: t.parent}
	}
	return nil
}

func (p *Protocol) fetchAncestors(ctx context.Context, t *Transfer, positions []int) error {
	byStorage := map[message.ProcessID][]uint32{}
	for _, pos := range positions {
		n := t.chain[pos]
		if n.Storage == 0 {
			return fmt.Errorf("transfer node %d: ancestor %d has neither local nor remote description", t.Node, n.ID)
		}
		byStorage[n.Storage] = append(byStorage[n.Storage], uint32(n.ID))
	}
	for storage, ids := range byStorage {
		req := &proto.FetchRequest{Transfer: t.ID, Keys: proto.Keys{Nodes: ids}}
		if err := p.ch.Send(ctx, storage, message.TagFetchRequest, proto.Marshal(req)); err != nil {
			return fmt.Errorf("fetch from storage %d: %w", storage, err)
		}
		t.waiting[storage]++
		p.logger.Debug("fetching descriptions", "transfer", t.ID, "storage", storage, "nodes", len(ids))
	}
	return nil
}

func (t *Transfer) indices() []int32 {
	return append(t.state.Columns.Indices(), t.state.Constraints.Indices()...)
}

func (p *Protocol) fetchObjects(ctx context.Context, t *Transfer) (bool, error) {
	remote := p.reg.Remote(t.indices())
	for storage, idx := range remote {
		req := &proto.FetchRequest{Transfer: t.ID, Keys: proto.Keys{Objects: idx}}
		if err := p.ch.Send(ctx, storage, message.TagFetchRequest, proto.Marshal(req)); err != nil {
			return false, fmt.Errorf("fetch from storage %d: %w", storage, err)
		}
		t.waiting[storage]++
		p.logger.Debug("fetching objects", "transfer", t.ID, "storage", storage, "objects", len(idx))
	}
	return len(remote) > 0, nil
}

// ActiveNode builds the dispatch payload of a ready transfer.
func (p *Protocol) ActiveNode(t *Transfer) (*proto.ActiveNode, error) {
	if t.stage != stageDone {
		return nil, fmt.Errorf("transfer %d not ready", t.ID)
	}
	state := t.state.Clone()
	state.Core = desc.MakeWrtCoreIfShorter(state.Core, p.core)

	indices := t.indices()
	defs := make([]proto.Definition, 0, len(indices))
	for _, idx := range indices {
		obj, ok := t.objects[idx]
		if !ok {
			if obj, ok = p.reg.Get(idx); !ok {
				return nil, fmt.Errorf("transfer node %d: object %d undefined", t.Node, idx)
			}
		}
		defs = append(defs, proto.Definition{Index: idx, Object: obj})
	}
	return &proto.ActiveNode{
		Node:    uint32(t.Node),
		State:   state,
		Objects: defs,
	}, nil
}

// Complete re-encodes a processed node. It returns the node's final
// description relative to its parent state and the children descriptions
// relative to the final state, core-compacted where shorter.
func (p *Protocol) Complete(res *proto.BranchingResult) (*desc.Description, []*desc.Description, error) {
	id := tree.NodeID(res.Node)
	f, ok := p.inflight[id]
	if !ok {
		return nil, nil, message.Violation("branching result for node %d not in flight", res.Node)
	}
	final, err := desc.Step(f.state, res.Final, p.core)
	if err != nil {
		return nil, nil, message.Violation("branching result %d: %v", res.Node, err)
	}
	stored := desc.Compose(f.parent, p.core, final)

	children := make([]*desc.Description, len(res.Children))
	for i, c := range res.Children {
		if c.Desc == nil {
			return nil, nil, message.Violation("branching result %d: child %d without description", res.Node, i)
		}
		d := *c.Desc
		d.Core = desc.MakeWrtCoreIfShorter(d.Core, p.core)
		children[i] = &d
	}
	f.final = &final
	return stored, children, nil
}

// Dive moves the in-flight record of a completed node to the child the
// worker continues with. childDesc is relative to the node's final state.
func (p *Protocol) Dive(node, child tree.NodeID, childDesc *desc.Description) error {
	f, ok := p.inflight[node]
	if !ok || f.final == nil {
		return fmt.Errorf("dive from node %d: not completed", node)
	}
	delete(p.inflight, node)
	s, err := desc.Step(*f.final, childDesc, p.core)
	if err != nil {
		return err
	}
	p.inflight[child] = &flight{state: s, parent: f.final}
	return nil
}

// Done forgets the in-flight state of node.
func (p *Protocol) Done(node tree.NodeID) {
	delete(p.inflight, node)
}

// InFlight reports whether node's dispatch state is tracked.
func (p *Protocol) InFlight(node tree.NodeID) bool {
	_, ok := p.inflight[node]
	return ok
}
