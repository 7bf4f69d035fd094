package transfer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/bnc/internal/compress"
	"github.com/hupe1980/bnc/internal/desc"
	"github.com/hupe1980/bnc/internal/proto"
	"github.com/hupe1980/bnc/internal/registry"
	"github.com/hupe1980/bnc/internal/tree"
	"github.com/hupe1980/bnc/message"
	"github.com/hupe1980/bnc/problem"
)

type sent struct {
	to      message.ProcessID
	tag     message.Tag
	payload []byte
}

type recorder struct {
	msgs []sent
}

func (r *recorder) Send(_ context.Context, to message.ProcessID, tag message.Tag, payload []byte) error {
	r.msgs = append(r.msgs, sent{to: to, tag: tag, payload: payload})
	return nil
}

func (r *recorder) fetch(t *testing.T, i int) *proto.FetchRequest {
	t.Helper()
	require.Greater(t, len(r.msgs), i)
	require.Equal(t, message.TagFetchRequest, r.msgs[i].tag)
	var req proto.FetchRequest
	require.NoError(t, proto.Unmarshal(r.msgs[i].tag, r.msgs[i].payload, &req))
	return &req
}

type fixture struct {
	tree       *tree.Tree
	reg        *registry.Registry
	core       desc.ChangeSet
	rootDesc   *desc.Description
	rootState  desc.State
	childState desc.State
	child      tree.NodeID
	object     int32
	obj        problem.Object
	out        *recorder
	proto      *Protocol
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{out: &recorder{}}
	f.core = desc.CoreState([]problem.Bound{{Lower: 0, Upper: 1}, {Lower: 0, Upper: 1}, {Lower: 0, Upper: 4}})
	f.rootState = desc.EmptyState()
	f.rootState.Core = f.core.Clone()
	f.rootState.Payload = []byte("root")

	f.reg = registry.New()
	f.object = f.reg.Grant(4)
	f.obj = problem.Object{Kind: problem.KindColumn, Data: []byte("column")}
	require.NoError(t, f.reg.Define(f.object, f.obj))

	f.childState = f.rootState.Clone()
	f.childState.Core.Entries[0].Bound = problem.Bound{Lower: 0, Upper: 0}
	f.childState.Columns = desc.NewExplicit([]desc.Entry{{Index: f.object, Bound: problem.Bound{Upper: 5}}})

	f.tree = tree.New(tree.Config{Granularity: 1e-6})
	f.rootDesc = f.rootState.Explicit()
	_, err := f.tree.Seed(0, f.rootDesc, f.rootDesc.EncodedSize())
	require.NoError(t, err)
	cd := desc.Compose(&f.rootState, f.core, f.childState)
	c, err := f.tree.AddChild(tree.Root, tree.Child{Quality: 1, LowerBound: 1, Desc: cd, DescBytes: cd.EncodedSize()})
	require.NoError(t, err)
	f.child = c.ID

	f.proto = New(f.tree, f.reg, f.core, f.out, nil)
	return f
}

func (f *fixture) checkActive(t *testing.T, tr *Transfer) {
	t.Helper()
	an, err := f.proto.ActiveNode(tr)
	require.NoError(t, err)
	assert.Equal(t, uint32(f.child), an.Node)

	coreState, err := desc.Update(f.core, an.State.Core)
	require.NoError(t, err)
	assert.True(t, coreState.Equal(f.childState.Core))
	assert.True(t, an.State.Columns.Equal(f.childState.Columns))
	assert.Equal(t, []byte("root"), an.State.Payload)
	require.Len(t, an.Objects, 1)
	assert.Equal(t, f.object, an.Objects[0].Index)
	assert.Equal(t, f.obj, an.Objects[0].Object)
}

func itemsFrame(t *testing.T, items ...proto.Item) []byte {
	t.Helper()
	frame, err := proto.EncodeItems(items, compress.ZSTD)
	require.NoError(t, err)
	return frame
}

func TestBegin_Local(t *testing.T) {
	f := newFixture(t)
	tr, ready, err := f.proto.Begin(context.Background(), f.child, 3)
	require.NoError(t, err)
	require.True(t, ready)
	assert.Empty(t, f.out.msgs)
	assert.Equal(t, 0, f.proto.Pending())
	assert.True(t, f.proto.InFlight(f.child))
	f.checkActive(t, tr)
}

func TestBegin_RemoteAncestor(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.tree.SetRemote(tree.Root, 9))

	tr, ready, err := f.proto.Begin(context.Background(), f.child, 3)
	require.NoError(t, err)
	require.False(t, ready)
	assert.True(t, f.proto.PendingFor(9))

	req := f.out.fetch(t, 0)
	assert.Equal(t, message.ProcessID(9), f.out.msgs[0].to)
	assert.Equal(t, tr.ID, req.Transfer)
	assert.Equal(t, []uint32{uint32(tree.Root)}, req.Nodes)

	reply := &proto.FetchReply{
		Transfer: tr.ID,
		Frame:    itemsFrame(t, proto.Item{Kind: proto.ItemNode, Key: uint32(tree.Root), Data: f.rootDesc.Marshal()}),
	}
	got, ready, err := f.proto.HandleReply(context.Background(), 9, reply)
	require.NoError(t, err)
	require.True(t, ready)
	assert.Same(t, tr, got)
	assert.Equal(t, 1, f.proto.Fetched())
	f.checkActive(t, tr)

	// A second reply for the same transfer is fatal.
	_, _, err = f.proto.HandleReply(context.Background(), 9, reply)
	assert.ErrorIs(t, err, message.ErrProtocolViolation)
	assert.Contains(t, err.Error(), "retired")

	_, _, err = f.proto.HandleReply(context.Background(), 9, &proto.FetchReply{Transfer: 99})
	assert.ErrorIs(t, err, message.ErrProtocolViolation)
	assert.Contains(t, err.Error(), "unknown")
}

func TestBegin_RemoteObject(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.SetRemote(f.object, 7))

	tr, ready, err := f.proto.Begin(context.Background(), f.child, 3)
	require.NoError(t, err)
	require.False(t, ready)

	req := f.out.fetch(t, 0)
	assert.Equal(t, message.ProcessID(7), f.out.msgs[0].to)
	assert.Equal(t, []int32{f.object}, req.Objects)

	// Replies from a process that was not asked are rejected.
	_, _, err = f.proto.HandleReply(context.Background(), 9, &proto.FetchReply{Transfer: tr.ID})
	assert.ErrorIs(t, err, message.ErrProtocolViolation)

	_, ready, err = f.proto.HandleReply(context.Background(), 7, &proto.FetchReply{
		Transfer: tr.ID,
		Frame:    itemsFrame(t, proto.ObjectItem(f.object, f.obj)),
	})
	require.NoError(t, err)
	require.True(t, ready)
	f.checkActive(t, tr)
}

func TestHandleReply_Missing(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.tree.SetRemote(tree.Root, 9))
	tr, _, err := f.proto.Begin(context.Background(), f.child, 3)
	require.NoError(t, err)

	_, _, err = f.proto.HandleReply(context.Background(), 9, &proto.FetchReply{
		Transfer: tr.ID,
		Frame:    itemsFrame(t),
		Missing:  proto.Keys{Nodes: []uint32{uint32(tree.Root)}},
	})
	assert.ErrorIs(t, err, ErrDataLost)
}

func TestAbort(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.tree.SetRemote(tree.Root, 9))
	tr, _, err := f.proto.Begin(context.Background(), f.child, 3)
	require.NoError(t, err)

	assert.Empty(t, f.proto.Abort(4))
	assert.Equal(t, []tree.NodeID{f.child}, f.proto.Abort(3))

	got, ready, err := f.proto.HandleReply(context.Background(), 9, &proto.FetchReply{
		Transfer: tr.ID,
		Frame:    itemsFrame(t, proto.Item{Kind: proto.ItemNode, Key: uint32(tree.Root), Data: f.rootDesc.Marshal()}),
	})
	require.NoError(t, err)
	assert.False(t, ready)
	assert.True(t, got.Aborted())
	assert.Equal(t, 0, f.proto.Pending())
	assert.False(t, f.proto.InFlight(f.child))
}

func TestComplete_AndDive(t *testing.T) {
	f := newFixture(t)
	_, ready, err := f.proto.Begin(context.Background(), f.child, 3)
	require.NoError(t, err)
	require.True(t, ready)

	final := f.childState.Clone()
	final.Core.Entries[2].Bound = problem.Bound{Lower: 1, Upper: 4}
	final.WarmStart = []byte("basis")
	grand := final.Clone()
	grand.Core.Entries[1].Bound = problem.Bound{Lower: 1, Upper: 1}

	res := &proto.BranchingResult{
		Node:       uint32(f.child),
		LowerBound: 2,
		Final:      desc.Compose(&f.childState, f.core, final),
		Children:   []proto.ChildResult{{Quality: 2, Desc: desc.Compose(&final, f.core, grand)}},
	}
	stored, children, err := f.proto.Complete(res)
	require.NoError(t, err)
	require.Len(t, children, 1)

	// The stored description is relative to the parent state.
	got, err := desc.Resolve([]*desc.Description{stored, f.rootDesc}, f.core)
	require.NoError(t, err)
	assert.True(t, got.Equal(final))

	got, err = desc.Resolve([]*desc.Description{children[0], stored, f.rootDesc}, f.core)
	require.NoError(t, err)
	assert.True(t, got.Equal(grand))

	require.NoError(t, f.proto.Dive(f.child, 42, children[0]))
	assert.False(t, f.proto.InFlight(f.child))
	assert.True(t, f.proto.InFlight(42))

	_, _, err = f.proto.Complete(&proto.BranchingResult{Node: 77, Final: &desc.Description{}})
	assert.ErrorIs(t, err, message.ErrProtocolViolation)

	f.proto.Done(42)
	assert.False(t, f.proto.InFlight(42))
}
