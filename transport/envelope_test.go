package transport

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/bnc/message"
)

func TestEnvelope_Frame(t *testing.T) {
	env := Envelope{To: 3, Message: message.Message{Tag: message.TagActiveNode, Sender: 1, Payload: []byte("node")}}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, env.Marshal()))
	require.NoError(t, WriteFrame(&buf, nil))

	data, err := ReadFrame(&buf)
	require.NoError(t, err)
	got, err := UnmarshalEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, env, got)

	empty, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = UnmarshalEnvelope(empty)
	assert.ErrorIs(t, err, message.ErrProtocolViolation)
}

func TestEnvelope_BadTag(t *testing.T) {
	env := Envelope{Message: message.Message{Tag: message.Tag(999)}}
	_, err := UnmarshalEnvelope(env.Marshal())
	assert.ErrorIs(t, err, message.ErrProtocolViolation)
}

func TestReceive(t *testing.T) {
	ctx := context.Background()
	inbox := make(chan message.Message, 1)

	_, err := Receive(ctx, inbox, 0)
	assert.ErrorIs(t, err, message.ErrTimeout)
	_, err = Receive(ctx, inbox, time.Millisecond)
	assert.ErrorIs(t, err, message.ErrTimeout)

	inbox <- message.Message{Tag: message.TagShutdown}
	msg, err := Receive(ctx, inbox, message.Forever)
	require.NoError(t, err)
	assert.Equal(t, message.TagShutdown, msg.Tag)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = Receive(cctx, inbox, message.Forever)
	assert.ErrorIs(t, err, context.Canceled)

	close(inbox)
	_, err = Receive(ctx, inbox, message.Forever)
	assert.ErrorIs(t, err, message.ErrClosed)
}
