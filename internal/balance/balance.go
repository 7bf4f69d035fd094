// Package balance keeps the manager's memory in check by moving cold node
// descriptions, and registry objects no local description references, to
// storage workers. Storage workers are demoted relaxation
// workers; the last relaxation worker is never demoted.
package balance

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/bnc/internal/compress"
	"github.com/hupe1980/bnc/internal/desc"
	"github.com/hupe1980/bnc/internal/proto"
	"github.com/hupe1980/bnc/internal/registry"
	"github.com/hupe1980/bnc/internal/resource"
	"github.com/hupe1980/bnc/internal/scheduler"
	"github.com/hupe1980/bnc/internal/tree"
	"github.com/hupe1980/bnc/message"
)

var (
	// ErrOffloadRejected is returned when a storage worker accepts nothing
	// from a batch.
	ErrOffloadRejected = errors.New("balance: offload rejected")
	// ErrResourceExhausted is returned when memory is short, no storage
	// worker has room and no relaxation worker can be demoted.
	ErrResourceExhausted = errors.New("balance: resources exhausted")
)

// Sender is the part of message.Channel the balancer needs.
type Sender interface {
	Send(ctx context.Context, to message.ProcessID, tag message.Tag, payload []byte) error
}

// Metrics receives balancing events.
type Metrics interface {
	// RecordOffloadStall is called when memory is short but no description
	// or object can be moved.
	RecordOffloadStall()
}

type noopMetrics struct{}

func (noopMetrics) RecordOffloadStall() {}

// Config holds the balancing parameters.
type Config struct {
	// Threshold is the free memory fraction below which offloading starts.
	Threshold float64
	// BatchFraction sizes a batch relative to free memory.
	BatchFraction float64
	// StorageCapacity is the byte budget of each storage worker.
	StorageCapacity int64
	Codec           compress.Codec
	RunID           string
	// Metrics is optional.
	Metrics Metrics
}

// Stats counts balancing events.
type Stats struct {
	Batches   int
	Nodes     int
	Objects   int
	Bytes     int64
	Demotions int
	// Stalls counts the times memory ran short with nothing to move.
	Stalls int
}

type batch struct {
	id      uint32
	storage message.ProcessID
	nodes   map[uint32]*desc.Description
	objects map[int32]int
	bytes   int64
}

// Balancer is driven by the manager loop and is not safe for concurrent use.
type Balancer struct {
	cfg     Config
	tree    *tree.Tree
	reg     *registry.Registry
	sched   *scheduler.Scheduler
	res     *resource.Controller
	probe   Probe
	ch      Sender
	coreMsg []byte
	logger  *slog.Logger

	used map[message.ProcessID]int64
	// orphans holds unreferenced object indices; dirty marks additions not
	// yet filtered against the registry.
	orphans *roaring.Bitmap
	dirty   bool
	stalled bool
	next    uint32
	pending *batch
	stats   Stats
}

// New creates a balancer. coreMsg is the marshaled CoreDescription sent to
// demoted workers.
func New(cfg Config, t *tree.Tree, reg *registry.Registry, sched *scheduler.Scheduler, res *resource.Controller, probe Probe, ch Sender, coreMsg []byte, logger *slog.Logger) *Balancer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if probe == nil {
		probe = NewProbe(res)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	return &Balancer{
		cfg:     cfg,
		tree:    t,
		reg:     reg,
		sched:   sched,
		res:     res,
		probe:   probe,
		ch:      ch,
		coreMsg: coreMsg,
		logger:  logger,
		used:    make(map[message.ProcessID]int64),
		orphans: roaring.New(),
	}
}

// Stats returns the balancing counters.
func (b *Balancer) Stats() Stats { return b.stats }

// Pending reports whether a batch awaits its acknowledgement.
func (b *Balancer) Pending() bool { return b.pending != nil }

// NeedsOffload reports whether free memory fell below the threshold.
func (b *Balancer) NeedsOffload() bool {
	return FreeFraction(b.probe) < b.cfg.Threshold
}

// Used returns the bytes stored on a storage worker.
func (b *Balancer) Used(storage message.ProcessID) int64 { return b.used[storage] }

// Released records that a storage worker dropped bytes, e.g. after a delete.
func (b *Balancer) Released(storage message.ProcessID, bytes int64) {
	if u, ok := b.used[storage]; ok {
		b.used[storage] = max(u-bytes, 0)
	}
}

// Orphaned records objects that may have lost their last local reference,
// e.g. cuts of a pruned node. They are offloaded with the next batch.
func (b *Balancer) Orphaned(indices []int32) {
	for _, idx := range indices {
		b.orphans.Add(uint32(idx))
	}
	b.dirty = b.dirty || len(indices) > 0
}

// Step offloads one batch if memory is short and no batch is in flight.
func (b *Balancer) Step(ctx context.Context) error {
	b.drainOrphans()
	if b.pending != nil {
		return nil
	}
	if !b.NeedsOffload() {
		b.stalled = false
		return nil
	}
	nodes, objects, bytes := b.selectBatch()
	if len(nodes) == 0 && len(objects) == 0 {
		b.stall()
		return nil
	}
	storage, ok, err := b.storageFor(ctx, bytes)
	if err != nil || !ok {
		return err
	}
	return b.send(ctx, storage, nodes, objects)
}

// drainOrphans drops the orphans that became referenced or remote.
func (b *Balancer) drainOrphans() {
	if !b.dirty {
		return
	}
	b.dirty = false
	keep := b.reg.Offloadable(b.orphanIndices())
	b.orphans.Clear()
	for _, idx := range keep {
		b.orphans.Add(uint32(idx))
	}
}

func (b *Balancer) orphanIndices() []int32 {
	out := make([]int32, 0, b.orphans.GetCardinality())
	it := b.orphans.Iterator()
	for it.HasNext() {
		out = append(out, int32(it.Next()))
	}
	return out
}

// stall reports once per shortage that nothing is left to move.
func (b *Balancer) stall() {
	if b.stalled {
		return
	}
	b.stalled = true
	b.stats.Stalls++
	b.cfg.Metrics.RecordOffloadStall()
	free, total := b.probe.Memory()
	b.logger.Warn("memory short but nothing left to offload",
		"free", free, "total", total, "nodes", b.tree.Len(), "storage", len(b.used))
}

func (b *Balancer) target() int64 {
	free, total := b.probe.Memory()
	target := int64(b.cfg.BatchFraction * float64(free))
	// Free enough to climb back above the threshold.
	if deficit := int64(b.cfg.Threshold*float64(total)) - free; deficit > target {
		target = deficit
	}
	return max(target, 1)
}

// rank orders nodes coldest first: parked nodes wait for the next phase,
// finished nodes are only read as ancestors, candidates are dispatched.
func rank(n *tree.Node) int {
	switch {
	case n.Status.NextPhase():
		return 0
	case n.Status.Pruned():
		return 1
	case n.Status == tree.Processed:
		return 2
	default:
		return 3
	}
}

// offloadOrder lists every non-active node whose description is local,
// coldest first. Within a rank the siblings of the deepest queued candidate
// come first, then the children of each ancestor followed by the ancestor,
// then the rest of the tree.
func (b *Balancer) offloadOrder() []*tree.Node {
	var deepest *tree.Node
	for _, id := range b.tree.Queued() {
		n := b.tree.Get(id)
		if n != nil && (deepest == nil || n.Depth > deepest.Depth) {
			deepest = n
		}
	}

	var order []*tree.Node
	seen := map[tree.NodeID]bool{}
	add := func(n *tree.Node) {
		if n == nil || seen[n.ID] || n.Status == tree.Active || n.Desc == nil {
			return
		}
		seen[n.ID] = true
		order = append(order, n)
	}
	if deepest != nil {
		add(deepest)
		for p := b.tree.Get(deepest.Parent); p != nil; p = b.tree.Get(p.Parent) {
			for _, c := range p.Children {
				add(b.tree.Get(c))
			}
			add(p)
		}
	}
	b.tree.Each(add)
	slices.SortStableFunc(order, func(x, y *tree.Node) int {
		return cmp.Compare(rank(x), rank(y))
	})
	return order
}

// selectBatch collects descriptions in offload order until the batch reaches
// its target size, then adds the objects only the batch references and the
// orphans.
func (b *Balancer) selectBatch() ([]*tree.Node, []int32, int64) {
	target := b.target()
	if c := b.cfg.StorageCapacity; c > 0 && target > c {
		target = c
	}

	var (
		nodes []*tree.Node
		bytes int64
		refs  = map[int32]int{}
	)
	for _, n := range b.offloadOrder() {
		if bytes >= target {
			break
		}
		nodes = append(nodes, n)
		bytes += int64(n.DescBytes)
		for _, idx := range descIndices(n.Desc) {
			refs[idx]++
		}
	}

	var objects []int32
	for _, idx := range b.reg.Offloadable(b.orphanIndices()) {
		if obj, ok := b.reg.Get(idx); ok {
			objects = append(objects, idx)
			bytes += int64(len(obj.Data))
		}
	}
	for idx, k := range refs {
		// Only objects no other local description references.
		if b.reg.Refs(idx) == k && b.reg.Location(idx) == 0 {
			if obj, ok := b.reg.Get(idx); ok {
				objects = append(objects, idx)
				bytes += int64(len(obj.Data))
			}
		}
	}
	return nodes, objects, bytes
}

func descIndices(d *desc.Description) []int32 {
	return append(d.Columns.Indices(), d.Constraints.Indices()...)
}

// storageFor picks a storage worker with room for bytes, demoting a free
// relaxation worker when none has room. ok is false when the caller should
// retry later.
func (b *Balancer) storageFor(ctx context.Context, bytes int64) (message.ProcessID, bool, error) {
	var best message.ProcessID
	var room int64
	for _, id := range b.sched.Workers(message.RoleStorage) {
		if r := b.cfg.StorageCapacity - b.used[id]; r > room {
			best, room = id, r
		}
	}
	if best != 0 && (room >= bytes || b.sched.Alive(message.RoleRelaxation) <= 1) {
		return best, true, nil
	}

	if b.sched.Alive(message.RoleRelaxation) <= 1 {
		return 0, false, fmt.Errorf("%w: no storage room for %d bytes", ErrResourceExhausted, bytes)
	}
	id, ok := b.sched.FreeWorker(message.RoleRelaxation)
	if !ok {
		if best != 0 {
			return best, true, nil
		}
		// Every relaxation worker is busy; one frees up eventually.
		return 0, false, nil
	}
	if err := b.demote(ctx, id); err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (b *Balancer) demote(ctx context.Context, id message.ProcessID) error {
	if err := b.sched.Reassign(id, message.RoleStorage); err != nil {
		return err
	}
	role := proto.Marshal(&proto.AssignRole{Role: message.RoleStorage, RunID: b.cfg.RunID})
	if err := b.ch.Send(ctx, id, message.TagAssignRole, role); err != nil {
		return fmt.Errorf("demote worker %d: %w", id, err)
	}
	if err := b.ch.Send(ctx, id, message.TagCoreDescription, b.coreMsg); err != nil {
		return fmt.Errorf("demote worker %d: %w", id, err)
	}
	b.used[id] = 0
	b.stats.Demotions++
	b.logger.Info("demoted worker to storage", "worker", id)
	return nil
}

func (b *Balancer) send(ctx context.Context, storage message.ProcessID, nodes []*tree.Node, objects []int32) error {
	b.next++
	bt := &batch{
		id:      b.next,
		storage: storage,
		nodes:   make(map[uint32]*desc.Description, len(nodes)),
		objects: make(map[int32]int, len(objects)),
	}
	items := make([]proto.Item, 0, len(nodes)+len(objects))
	for _, n := range nodes {
		items = append(items, proto.Item{Kind: proto.ItemNode, Key: uint32(n.ID), Data: n.Desc.Marshal()})
		bt.nodes[uint32(n.ID)] = n.Desc
		bt.bytes += int64(n.DescBytes)
	}
	for _, idx := range objects {
		obj, _ := b.reg.Get(idx)
		items = append(items, proto.ObjectItem(idx, obj))
		bt.objects[idx] = len(obj.Data)
		bt.bytes += int64(len(obj.Data))
	}
	frame, err := proto.EncodeItems(items, b.cfg.Codec)
	if err != nil {
		return err
	}
	if err := b.res.WaitIO(ctx, len(frame)); err != nil {
		return err
	}
	msg := &proto.OffloadBatch{Batch: bt.id, Frame: frame}
	if err := b.ch.Send(ctx, storage, message.TagOffloadBatch, proto.Marshal(msg)); err != nil {
		return fmt.Errorf("offload to %d: %w", storage, err)
	}
	b.pending = bt
	b.stalled = false
	b.logger.Debug("offload batch sent", "batch", bt.id, "storage", storage,
		"nodes", len(nodes), "objects", len(objects), "frame", len(frame))
	return nil
}

// Result summarizes an acknowledged batch.
type Result struct {
	Storage message.ProcessID
	Nodes   int
	Objects int
	Bytes   int64
	// Stale lists accepted nodes whose description changed or that were
	// trimmed meanwhile; their stored copy should be deleted.
	Stale []uint32
}

// HandleAck applies an OffloadAck: accepted nodes and objects become remote
// and their heap accounting is released.
func (b *Balancer) HandleAck(from message.ProcessID, ack *proto.OffloadAck) (Result, error) {
	bt := b.pending
	if bt == nil || bt.id != ack.Batch || bt.storage != from {
		return Result{}, message.Violation("offload ack %d from %d not pending", ack.Batch, from)
	}
	b.pending = nil
	if ack.Accepted() == 0 {
		return Result{}, fmt.Errorf("%w: storage %d accepted none of batch %d", ErrOffloadRejected, from, bt.id)
	}

	res := Result{Storage: from}
	for _, key := range ack.Nodes {
		sent, ok := bt.nodes[key]
		if !ok {
			return res, message.Violation("offload ack %d: node %d not in batch", bt.id, key)
		}
		n := b.tree.Get(tree.NodeID(key))
		if n == nil || n.Desc != sent {
			res.Stale = append(res.Stale, key)
			continue
		}
		b.reg.Release(descIndices(n.Desc))
		b.res.Release(int64(n.DescBytes))
		if err := b.tree.SetRemote(n.ID, from); err != nil {
			return res, err
		}
		res.Nodes++
		res.Bytes += int64(n.DescBytes)
	}
	for _, idx := range ack.Objects {
		size, ok := bt.objects[idx]
		if !ok {
			return res, message.Violation("offload ack %d: object %d not in batch", bt.id, idx)
		}
		if err := b.reg.SetRemote(idx, from); err != nil {
			return res, err
		}
		b.orphans.Remove(uint32(idx))
		b.res.Release(int64(size))
		res.Objects++
		res.Bytes += int64(size)
	}

	b.used[from] += res.Bytes
	if ack.Accepted() < len(bt.nodes)+len(bt.objects) {
		// A partial accept means the worker is full.
		b.used[from] = max(b.used[from], b.cfg.StorageCapacity)
	}
	b.stats.Batches++
	b.stats.Nodes += res.Nodes
	b.stats.Objects += res.Objects
	b.stats.Bytes += res.Bytes
	b.logger.Debug("offload acknowledged", "batch", bt.id, "storage", from, "nodes", res.Nodes, "objects", res.Objects)
	return res, nil
}

// Abandon drops the pending batch if it went to storage, e.g. after the
// worker died.
func (b *Balancer) Abandon(storage message.ProcessID) {
	if b.pending != nil && b.pending.storage == storage {
		b.pending = nil
	}
	delete(b.used, storage)
}
