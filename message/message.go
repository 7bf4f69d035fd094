package message

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout is returned by Receive when no message arrived within the timeout.
	ErrTimeout = errors.New("message: receive timeout")

	// ErrProcessDead is returned when sending to a process that is no longer alive.
	ErrProcessDead = errors.New("message: process dead")

	// ErrClosed is returned when using a closed channel.
	ErrClosed = errors.New("message: channel closed")

	// ErrProtocolViolation marks a malformed or out-of-order message. It always
	// indicates a logic bug and aborts the run.
	ErrProtocolViolation = errors.New("protocol violation")
)

// Forever makes Receive block until a message arrives or the context ends.
const Forever time.Duration = -1

// ProcessID identifies a process. The manager is always ManagerID.
type ProcessID int32

// ManagerID is the process id of the tree manager.
const ManagerID ProcessID = 0

// NoProcess is the zero value used when no worker is attached.
const NoProcess ProcessID = -1

// Message is a (tag, sender, payload) triple.
type Message struct {
	Tag     Tag
	Sender  ProcessID
	Payload []byte
}

func (m Message) String() string {
	return fmt.Sprintf("%s from %d (%d bytes)", m.Tag, m.Sender, len(m.Payload))
}

// Channel is one process's endpoint.
//
// Messages between a given pair of processes are delivered in send order; there
// is no ordering across senders. Implementations must copy Payload before
// Send returns so callers may reuse their buffers.
type Channel interface {
	// Self returns this endpoint's process id.
	Self() ProcessID

	// Send delivers a message to one process.
	Send(ctx context.Context, to ProcessID, tag Tag, payload []byte) error

	// Multicast delivers the same message to several processes.
	Multicast(ctx context.Context, to []ProcessID, tag Tag, payload []byte) error

	// Receive returns the next message from any sender. A zero timeout polls,
	// Forever blocks until the context is done. ErrTimeout reports an empty wait.
	Receive(ctx context.Context, timeout time.Duration) (Message, error)

	// Probe reports whether a message is ready without consuming it.
	Probe() bool

	// Alive reports whether a process is believed to be running.
	Alive(id ProcessID) bool

	// Close releases the endpoint.
	Close() error
}

// Host is the manager-side endpoint, which can also start worker processes.
type Host interface {
	Channel

	// Spawn starts (or, for external transports, admits) a new worker process and
	// returns its id. The process blocks in its bootstrap sequence until it
	// receives AssignRole.
	Spawn(ctx context.Context) (ProcessID, error)
}

// Violation wraps ErrProtocolViolation with context.
func Violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))
}

// DeliveryError reports that one target of a multicast was not reached.
type DeliveryError struct {
	To  ProcessID
	Err error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %d: %v", e.To, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// MulticastEach implements Multicast on top of Send. Every target is tried;
// the failures are joined as *DeliveryError values.
func MulticastEach(ctx context.Context, ch Channel, to []ProcessID, tag Tag, payload []byte) error {
	var errs []error
	for _, id := range to {
		if err := ch.Send(ctx, id, tag, payload); err != nil {
			errs = append(errs, &DeliveryError{To: id, Err: err})
		}
	}
	return errors.Join(errs...)
}

// DeliveryErrors returns the per-target failures held by a Multicast error.
func DeliveryErrors(err error) []*DeliveryError {
	var errs []error
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		errs = j.Unwrap()
	} else if err != nil {
		errs = []error{err}
	}
	var out []*DeliveryError
	for _, e := range errs {
		var de *DeliveryError
		if errors.As(e, &de) {
			out = append(out, de)
		}
	}
	return out
}
