package balance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/bnc/internal/compress"
	"github.com/hupe1980/bnc/internal/desc"
	"github.com/hupe1980/bnc/internal/proto"
	"github.com/hupe1980/bnc/internal/registry"
	"github.com/hupe1980/bnc/internal/resource"
	"github.com/hupe1980/bnc/internal/scheduler"
	"github.com/hupe1980/bnc/internal/transfer"
	"github.com/hupe1980/bnc/internal/tree"
	"github.com/hupe1980/bnc/message"
	"github.com/hupe1980/bnc/problem"
)

type sent struct {
	to      message.ProcessID
	tag     message.Tag
	payload []byte
}

type recorder struct{ msgs []sent }

func (r *recorder) Send(_ context.Context, to message.ProcessID, tag message.Tag, payload []byte) error {
	r.msgs = append(r.msgs, sent{to, tag, payload})
	return nil
}

type env struct {
	tree     *tree.Tree
	reg      *registry.Registry
	sched    *scheduler.Scheduler
	res      *resource.Controller
	out      *recorder
	bal      *Balancer
	children []*tree.Node
}

func newEnv(t *testing.T, workers ...message.ProcessID) *env {
	t.Helper()
	e := &env{
		tree:  tree.New(tree.Config{Granularity: 1e-6}),
		reg:   registry.New(),
		sched: scheduler.New(scheduler.Config{}),
		res:   resource.NewController(resource.Config{HeapLimitBytes: 1000}),
		out:   &recorder{},
	}
	for _, id := range workers {
		require.NoError(t, e.sched.Register(message.RoleRelaxation, id))
	}

	root := desc.EmptyState().Explicit()
	_, err := e.tree.Seed(0, root, 10)
	require.NoError(t, err)
	require.NoError(t, e.tree.MarkActive(tree.Root, 99))

	var kids []tree.Child
	for i := 0; i < 3; i++ {
		s := desc.EmptyState()
		s.Payload = []byte{byte(i)}
		kids = append(kids, tree.Child{Quality: float64(i), LowerBound: 1, Desc: s.Explicit(), DescBytes: 20})
	}
	e.children, err = e.tree.Branch(tree.Root, nil, 0, 1, kids)
	require.NoError(t, err)

	e.res.ForceReserve(950)
	coreMsg := proto.Marshal(&proto.CoreDescription{})
	e.bal = New(Config{
		Threshold:       0.1,
		BatchFraction:   0.25,
		StorageCapacity: 1 << 20,
		Codec:           compress.LZ4,
		RunID:           "run",
	}, e.tree, e.reg, e.sched, e.res, nil, e.out, coreMsg, nil)
	return e
}

func (e *env) batch(t *testing.T) (message.ProcessID, *proto.OffloadBatch, []proto.Item) {
	t.Helper()
	last := e.out.msgs[len(e.out.msgs)-1]
	require.Equal(t, message.TagOffloadBatch, last.tag)
	var b proto.OffloadBatch
	require.NoError(t, proto.Unmarshal(last.tag, last.payload, &b))
	items, err := proto.DecodeItems(b.Frame)
	require.NoError(t, err)
	return last.to, &b, items
}

func TestBalancer_NoOffloadWithRoom(t *testing.T) {
	e := newEnv(t, 1, 2)
	e.res.Release(500)
	assert.False(t, e.bal.NeedsOffload())
	require.NoError(t, e.bal.Step(context.Background()))
	assert.Empty(t, e.out.msgs)
}

func TestBalancer_DemotesAndOffloads(t *testing.T) {
	e := newEnv(t, 1, 2)
	require.True(t, e.bal.NeedsOffload())

	require.NoError(t, e.bal.Step(context.Background()))
	require.Len(t, e.out.msgs, 3)
	assert.Equal(t, message.TagAssignRole, e.out.msgs[0].tag)
	assert.Equal(t, message.TagCoreDescription, e.out.msgs[1].tag)

	var role proto.AssignRole
	require.NoError(t, proto.Unmarshal(message.TagAssignRole, e.out.msgs[0].payload, &role))
	assert.Equal(t, message.RoleStorage, role.Role)
	assert.Equal(t, []message.ProcessID{1}, e.sched.Workers(message.RoleStorage))
	assert.Equal(t, 1, e.bal.Stats().Demotions)

	// The deficit is 50 bytes: the processed root goes first, then two
	// 20-byte siblings.
	to, b, items := e.batch(t)
	assert.Equal(t, message.ProcessID(1), to)
	require.Len(t, items, 3)
	assert.Equal(t, uint32(tree.Root), items[0].Key)
	assert.True(t, e.bal.Pending())

	// No second batch while one is pending.
	require.NoError(t, e.bal.Step(context.Background()))
	assert.Len(t, e.out.msgs, 3)

	ack := &proto.OffloadAck{Batch: b.Batch}
	for _, it := range items {
		assert.Equal(t, proto.ItemNode, it.Kind)
		ack.Nodes = append(ack.Nodes, it.Key)
	}
	res, err := e.bal.HandleAck(1, ack)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Nodes)
	assert.Equal(t, int64(50), res.Bytes)
	assert.Empty(t, res.Stale)
	assert.Equal(t, int64(900), e.res.Used())
	assert.Equal(t, int64(50), e.bal.Used(1))

	assert.True(t, e.tree.Get(tree.Root).Remote())
	remote := 0
	for _, c := range e.children {
		if c.Remote() {
			assert.Nil(t, c.Desc)
			remote++
		}
	}
	assert.Equal(t, 2, remote)
	assert.False(t, e.bal.Pending())
}

func TestBalancer_ObjectsFollowNodes(t *testing.T) {
	e := newEnv(t, 1, 2)
	idx := e.reg.Grant(2)
	obj := problem.Object{Kind: problem.KindConstraint, Data: []byte("cut")}
	require.NoError(t, e.reg.Define(idx, obj))
	require.NoError(t, e.reg.Define(idx+1, obj))

	// Give one child a reference to idx, and orphan idx+1.
	c := e.children[2]
	s := desc.EmptyState()
	s.Constraints = desc.NewExplicit([]desc.Entry{{Index: idx}})
	c.Desc = s.Explicit()
	e.reg.Retain([]int32{idx})
	e.bal.Orphaned([]int32{idx + 1})
	// A 70-byte deficit takes the whole tree.
	e.res.ForceReserve(20)

	require.NoError(t, e.bal.Step(context.Background()))
	_, b, items := e.batch(t)

	ack := &proto.OffloadAck{Batch: b.Batch}
	var objects []int32
	for _, it := range items {
		if it.Kind == proto.ItemObject {
			objects = append(objects, int32(it.Key))
			ack.Objects = append(ack.Objects, int32(it.Key))
		} else {
			ack.Nodes = append(ack.Nodes, it.Key)
		}
	}
	assert.ElementsMatch(t, []int32{idx, idx + 1}, objects)

	_, err := e.bal.HandleAck(1, ack)
	require.NoError(t, err)
	assert.Equal(t, message.ProcessID(1), e.reg.Location(idx))
	assert.Equal(t, message.ProcessID(1), e.reg.Location(idx+1))
	assert.Equal(t, 0, e.reg.Refs(idx))
}

func TestBalancer_Rejected(t *testing.T) {
	e := newEnv(t, 1, 2)
	require.NoError(t, e.bal.Step(context.Background()))
	_, b, _ := e.batch(t)

	_, err := e.bal.HandleAck(1, &proto.OffloadAck{Batch: b.Batch})
	assert.ErrorIs(t, err, ErrOffloadRejected)
}

func TestBalancer_AckNotPending(t *testing.T) {
	e := newEnv(t, 1, 2)
	_, err := e.bal.HandleAck(1, &proto.OffloadAck{Batch: 4, Nodes: []uint32{2}})
	assert.ErrorIs(t, err, message.ErrProtocolViolation)
}

func TestBalancer_StaleNode(t *testing.T) {
	e := newEnv(t, 1, 2)
	require.NoError(t, e.bal.Step(context.Background()))
	_, b, items := e.batch(t)

	// The first node changed while the batch was in flight.
	changed := e.tree.Get(tree.NodeID(items[0].Key))
	changed.Desc = desc.EmptyState().Explicit()

	ack := &proto.OffloadAck{Batch: b.Batch}
	for _, it := range items {
		ack.Nodes = append(ack.Nodes, it.Key)
	}
	res, err := e.bal.HandleAck(1, ack)
	require.NoError(t, err)
	assert.Equal(t, []uint32{items[0].Key}, res.Stale)
	assert.Equal(t, 2, res.Nodes)
	assert.False(t, changed.Remote())
}

func TestBalancer_ResourceExhausted(t *testing.T) {
	e := newEnv(t, 1)
	err := e.bal.Step(context.Background())
	assert.ErrorIs(t, err, ErrResourceExhausted)
	assert.Empty(t, e.out.msgs)
}

func TestBalancer_WaitsForFreeWorker(t *testing.T) {
	e := newEnv(t, 1, 2)
	_, err := e.sched.Assign(50)
	require.NoError(t, err)
	_, err = e.sched.Assign(51)
	require.NoError(t, err)

	require.NoError(t, e.bal.Step(context.Background()))
	assert.Empty(t, e.out.msgs)
}

func TestBalancer_ColdestFirst(t *testing.T) {
	e := newEnv(t, 1, 2)
	parked := e.children[0]
	require.NoError(t, e.tree.MarkActive(parked.ID, 2))
	require.NoError(t, e.tree.Resolve(parked.ID, tree.NextPhaseOverBound, 1))

	require.NoError(t, e.bal.Step(context.Background()))
	_, _, items := e.batch(t)
	require.Len(t, items, 3)
	assert.Equal(t, uint32(parked.ID), items[0].Key)
	assert.Equal(t, uint32(tree.Root), items[1].Key)
	assert.Equal(t, tree.Candidate, e.tree.Get(tree.NodeID(items[2].Key)).Status)
}

func TestBalancer_InteriorNode(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 1, 2)
	core := desc.CoreState(nil)

	// The children only record their warm start; the payload lives in the
	// root. All of them already went to storage worker 7.
	rootState := desc.EmptyState()
	rootState.Core = core.Clone()
	rootState.Payload = []byte("root")
	e.tree.Get(tree.Root).Desc = rootState.Explicit()
	stored := map[uint32][]byte{}
	for i, c := range e.children {
		s := rootState.Clone()
		s.WarmStart = []byte{byte(i)}
		stored[uint32(c.ID)] = desc.Compose(&rootState, core, s).Marshal()
		require.NoError(t, e.tree.SetRemote(c.ID, 7))
	}
	require.True(t, e.bal.NeedsOffload())

	require.NoError(t, e.bal.Step(ctx))
	storage, b, items := e.batch(t)
	require.Len(t, items, 1)
	assert.Equal(t, uint32(tree.Root), items[0].Key)
	_, err := e.bal.HandleAck(storage, &proto.OffloadAck{Batch: b.Batch, Nodes: []uint32{items[0].Key}})
	require.NoError(t, err)
	require.True(t, e.tree.Get(tree.Root).Remote())
	holders := map[message.ProcessID]map[uint32][]byte{
		7:       stored,
		storage: {uint32(tree.Root): items[0].Data},
	}

	// Materializing a child fetches it and its stored ancestor.
	fetches := &recorder{}
	xfer := transfer.New(e.tree, e.reg, core, fetches, nil)
	target := e.children[1]
	tr, ready, err := xfer.Begin(ctx, target.ID, 2)
	require.NoError(t, err)
	require.False(t, ready)
	require.Len(t, fetches.msgs, 2)
	for _, m := range fetches.msgs {
		var req proto.FetchRequest
		require.NoError(t, proto.Unmarshal(m.tag, m.payload, &req))
		require.Len(t, req.Nodes, 1)
		data, ok := holders[m.to][req.Nodes[0]]
		require.True(t, ok, "node %d asked from %d", req.Nodes[0], m.to)
		frame, err := proto.EncodeItems([]proto.Item{{Kind: proto.ItemNode, Key: req.Nodes[0], Data: data}}, compress.LZ4)
		require.NoError(t, err)
		_, ready, err = xfer.HandleReply(ctx, m.to, &proto.FetchReply{Transfer: tr.ID, Frame: frame})
		require.NoError(t, err)
	}
	require.True(t, ready)

	an, err := xfer.ActiveNode(tr)
	require.NoError(t, err)
	assert.Equal(t, []byte("root"), an.State.Payload)
	assert.Equal(t, []byte{1}, an.State.WarmStart)
}

type stallCounter struct{ n int }

func (c *stallCounter) RecordOffloadStall() { c.n++ }

func TestBalancer_Stall(t *testing.T) {
	e := newEnv(t, 1, 2)
	stalls := &stallCounter{}
	e.bal.cfg.Metrics = stalls
	require.NoError(t, e.tree.SetRemote(tree.Root, 7))
	for _, c := range e.children {
		require.NoError(t, e.tree.SetRemote(c.ID, 7))
	}

	for range 3 {
		require.NoError(t, e.bal.Step(context.Background()))
	}
	assert.Empty(t, e.out.msgs)
	assert.Equal(t, 1, stalls.n)
	assert.Equal(t, 1, e.bal.Stats().Stalls)

	// Relief ends the episode; the next shortage counts again.
	e.res.Release(500)
	require.NoError(t, e.bal.Step(context.Background()))
	e.res.ForceReserve(500)
	require.NoError(t, e.bal.Step(context.Background()))
	assert.Equal(t, 2, stalls.n)
}

func TestBalancer_OrphansStayBounded(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 1, 2)
	e.res.Release(500)
	first := e.reg.Grant(3)
	for i := range int32(3) {
		require.NoError(t, e.reg.Define(first+i, problem.Object{Kind: problem.KindConstraint, Data: []byte("cut")}))
	}
	batch := []int32{first, first + 1, first + 2}

	for range 10000 {
		e.bal.Orphaned(batch)
		require.NoError(t, e.bal.Step(ctx))
	}
	assert.EqualValues(t, 3, e.bal.orphans.GetCardinality())

	// Referenced again: no longer an orphan.
	e.reg.Retain([]int32{first})
	e.bal.Orphaned([]int32{first + 1})
	require.NoError(t, e.bal.Step(ctx))
	assert.False(t, e.bal.orphans.Contains(uint32(first)))
	assert.EqualValues(t, 2, e.bal.orphans.GetCardinality())
	assert.Empty(t, e.out.msgs)
}

type fixedProbe struct{ free, total int64 }

func (p fixedProbe) Memory() (int64, int64) { return p.free, p.total }

func TestFreeFraction(t *testing.T) {
	assert.InDelta(t, 0.25, FreeFraction(fixedProbe{25, 100}), 1e-12)
	assert.Equal(t, 1.0, FreeFraction(fixedProbe{0, 0}))

	res := resource.NewController(resource.Config{HeapLimitBytes: 100})
	res.ForceReserve(40)
	free, total := NewProbe(res).Memory()
	assert.Equal(t, int64(60), free)
	assert.Equal(t, int64(100), total)
}
