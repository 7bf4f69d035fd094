package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hupe1980/bnc/message"
	"github.com/hupe1980/bnc/wire"
)

// MaxFrameSize bounds a single frame. Offload batches are the largest
// messages; they are limited by storage capacity, not by this.
const MaxFrameSize = 1 << 30

// ErrFrameTooLarge is returned for frames above MaxFrameSize.
var ErrFrameTooLarge = errors.New("transport: frame too large")

// Envelope is a message together with its destination.
type Envelope struct {
	To message.ProcessID
	message.Message
}

// Marshal encodes the envelope.
func (e Envelope) Marshal() []byte {
	buf := wire.NewBuffer(14 + len(e.Payload))
	buf.PackUint32(uint32(e.Tag))
	buf.PackInt32(int32(e.Sender))
	buf.PackInt32(int32(e.To))
	buf.PackBytes(e.Payload)
	return buf.Bytes()
}

// UnmarshalEnvelope decodes an envelope and checks its tag.
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	buf := wire.FromBytes(data)
	var e Envelope
	e.Tag = message.Tag(buf.UnpackUint32())
	e.Sender = message.ProcessID(buf.UnpackInt32())
	e.To = message.ProcessID(buf.UnpackInt32())
	e.Payload = buf.UnpackBytes()
	if err := buf.Err(); err != nil {
		return Envelope{}, message.Violation("envelope: %v", err)
	}
	if !e.Tag.Valid() {
		return Envelope{}, message.Violation("envelope: %s", e.Tag)
	}
	return e, nil
}

// WriteFrame writes a 4-byte big-endian length followed by data.
func WriteFrame(w io.Writer, data []byte) error {
	if len(data) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// ReadFrame reads one frame written by WriteFrame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Receive takes the next message from inbox. A zero timeout polls and
// message.Forever waits until ctx is done. A closed inbox reports
// message.ErrClosed.
func Receive(ctx context.Context, inbox <-chan message.Message, timeout time.Duration) (message.Message, error) {
	recv := func(msg message.Message, ok bool) (message.Message, error) {
		if !ok {
			return message.Message{}, message.ErrClosed
		}
		return msg, nil
	}
	if timeout == 0 {
		select {
		case msg, ok := <-inbox:
			return recv(msg, ok)
		default:
			return message.Message{}, message.ErrTimeout
		}
	}
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case msg, ok := <-inbox:
		return recv(msg, ok)
	case <-expired:
		return message.Message{}, message.ErrTimeout
	case <-ctx.Done():
		return message.Message{}, ctx.Err()
	}
}
