package local

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/bnc/message"
)

// echo replies to the manager with the same tag and payload. On TagShutdown
// it stops; on TagActiveNode it first sends itself a message, which must be
// queued until the current one is handled.
type echo struct {
	ch      message.Channel
	handled []message.Tag
	done    bool
	fail    error
}

func (e *echo) Handle(ctx context.Context, msg message.Message) error {
	e.handled = append(e.handled, msg.Tag)
	switch msg.Tag {
	case message.TagShutdown:
		e.done = true
		return nil
	case message.TagActiveNode:
		if err := e.ch.Send(ctx, e.ch.Self(), message.TagUpperBound, nil); err != nil {
			return err
		}
		if len(e.handled) != 1 {
			return errors.New("re-entered")
		}
	}
	if e.fail != nil {
		return e.fail
	}
	return e.ch.Send(ctx, message.ManagerID, msg.Tag, msg.Payload)
}

func (e *echo) Done() bool { return e.done }

func newNet(t *testing.T) (*Network, map[message.ProcessID]*echo) {
	t.Helper()
	procs := map[message.ProcessID]*echo{}
	n := New(func(ch message.Channel) Handler {
		e := &echo{ch: ch}
		procs[ch.Self()] = e
		return e
	})
	return n, procs
}

func TestNetwork_SynchronousDelivery(t *testing.T) {
	n, _ := newNet(t)
	ctx := context.Background()
	id, err := n.Spawn(ctx)
	require.NoError(t, err)
	assert.Equal(t, message.ProcessID(1), id)

	_, err = n.Receive(ctx, message.Forever)
	assert.ErrorIs(t, err, message.ErrTimeout)

	require.NoError(t, n.Send(ctx, id, message.TagParameters, []byte{1, 2}))
	assert.True(t, n.Probe())
	msg, err := n.Receive(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, message.TagParameters, msg.Tag)
	assert.Equal(t, id, msg.Sender)
	assert.Equal(t, []byte{1, 2}, msg.Payload)
}

func TestNetwork_QueuesWhileBusy(t *testing.T) {
	n, procs := newNet(t)
	ctx := context.Background()
	id, err := n.Spawn(ctx)
	require.NoError(t, err)

	require.NoError(t, n.Send(ctx, id, message.TagActiveNode, nil))
	assert.Equal(t, []message.Tag{message.TagActiveNode, message.TagUpperBound}, procs[id].handled)

	var tags []message.Tag
	for n.Probe() {
		msg, err := n.Receive(ctx, 0)
		require.NoError(t, err)
		tags = append(tags, msg.Tag)
	}
	assert.Equal(t, []message.Tag{message.TagActiveNode, message.TagUpperBound}, tags)
}

func TestNetwork_KillAndFailure(t *testing.T) {
	n, procs := newNet(t)
	ctx := context.Background()
	a, _ := n.Spawn(ctx)
	b, _ := n.Spawn(ctx)

	n.Kill(a)
	assert.False(t, n.Alive(a))
	assert.ErrorIs(t, n.Send(ctx, a, message.TagParameters, nil), message.ErrProcessDead)

	procs[b].fail = errors.New("boom")
	require.NoError(t, n.Send(ctx, b, message.TagParameters, nil))
	assert.False(t, n.Alive(b))
	assert.EqualError(t, n.Err(b), "boom")

	assert.ErrorIs(t, n.Multicast(ctx, []message.ProcessID{a, b}, message.TagUpperBound, nil), message.ErrProcessDead)
}

func TestNetwork_ShutdownExits(t *testing.T) {
	n, _ := newNet(t)
	ctx := context.Background()
	id, _ := n.Spawn(ctx)
	require.NoError(t, n.Send(ctx, id, message.TagShutdown, nil))
	assert.False(t, n.Alive(id))
	assert.NoError(t, n.Err(id))

	require.NoError(t, n.Close())
	_, err := n.Spawn(ctx)
	assert.ErrorIs(t, err, message.ErrClosed)
}
