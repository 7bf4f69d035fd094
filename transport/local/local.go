// Package local is the single-process simulation backend of message.Host.
//
// Every worker is a Handler driven on the sender's stack: Send to an idle
// worker runs its handler before returning, Send to a worker that is
// already handling a message queues it. The manager endpoint is poll-based.
// A Network is not safe for concurrent use.
package local

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hupe1980/bnc/message"
)

// Handler is the state machine of one simulated process.
type Handler interface {
	Handle(ctx context.Context, msg message.Message) error
	Done() bool
}

// Factory builds the handler of a spawned process.
type Factory func(ch message.Channel) Handler

type process struct {
	id      message.ProcessID
	handler Handler
	queue   []message.Message
	busy    bool
	dead    bool
	err     error
}

// Network is the manager endpoint and owner of all simulated processes.
type Network struct {
	factory Factory
	logger  *slog.Logger
	procs   map[message.ProcessID]*process
	next    message.ProcessID
	inbox   []message.Message
	closed  bool
}

var _ message.Host = (*Network)(nil)

// Option configures a Network.
type Option func(*Network)

// WithLogger sets the logger for process failures.
func WithLogger(l *slog.Logger) Option {
	return func(n *Network) { n.logger = l }
}

// New creates a network whose spawned processes are built by factory.
func New(factory Factory, opts ...Option) *Network {
	n := &Network{
		factory: factory,
		logger:  slog.New(slog.DiscardHandler),
		procs:   make(map[message.ProcessID]*process),
		next:    message.ManagerID + 1,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Self returns the manager id.
func (n *Network) Self() message.ProcessID { return message.ManagerID }

// Spawn starts a new simulated process.
func (n *Network) Spawn(context.Context) (message.ProcessID, error) {
	if n.closed {
		return 0, message.ErrClosed
	}
	id := n.next
	n.next++
	p := &process{id: id}
	n.procs[id] = p
	p.handler = n.factory(&endpoint{net: n, proc: p})
	return id, nil
}

// Kill makes a process disappear, as if its host crashed. Queued messages
// are dropped.
func (n *Network) Kill(id message.ProcessID) {
	if p, ok := n.procs[id]; ok && !p.dead {
		p.dead = true
		p.queue = nil
	}
}

// Err returns the error that ended a process, if any.
func (n *Network) Err(id message.ProcessID) error {
	if p, ok := n.procs[id]; ok {
		return p.err
	}
	return nil
}

// Send delivers from the manager.
func (n *Network) Send(ctx context.Context, to message.ProcessID, tag message.Tag, payload []byte) error {
	return n.deliver(ctx, message.ManagerID, to, tag, payload)
}

// Multicast delivers from the manager to several processes.
func (n *Network) Multicast(ctx context.Context, to []message.ProcessID, tag message.Tag, payload []byte) error {
	return message.MulticastEach(ctx, n, to, tag, payload)
}

// Receive pops the manager inbox. Nothing can arrive while the manager
// waits, so an empty inbox reports ErrTimeout at once.
func (n *Network) Receive(ctx context.Context, _ time.Duration) (message.Message, error) {
	if n.closed {
		return message.Message{}, message.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return message.Message{}, err
	}
	if len(n.inbox) == 0 {
		return message.Message{}, message.ErrTimeout
	}
	msg := n.inbox[0]
	n.inbox = n.inbox[1:]
	return msg, nil
}

// Probe reports whether the manager inbox is non-empty.
func (n *Network) Probe() bool { return len(n.inbox) > 0 }

// Alive reports whether a process exists and has not died or exited.
func (n *Network) Alive(id message.ProcessID) bool {
	if id == message.ManagerID {
		return !n.closed
	}
	p, ok := n.procs[id]
	return ok && !p.dead
}

// Close shuts the network down.
func (n *Network) Close() error {
	n.closed = true
	return nil
}

func (n *Network) deliver(ctx context.Context, from, to message.ProcessID, tag message.Tag, payload []byte) error {
	if n.closed {
		return message.ErrClosed
	}
	msg := message.Message{Tag: tag, Sender: from, Payload: append([]byte(nil), payload...)}
	if to == message.ManagerID {
		n.inbox = append(n.inbox, msg)
		return nil
	}
	p, ok := n.procs[to]
	if !ok || p.dead {
		return fmt.Errorf("%w: %d", message.ErrProcessDead, to)
	}
	p.queue = append(p.queue, msg)
	if !p.busy {
		n.run(ctx, p)
	}
	return nil
}

// run drains a process queue on the caller's stack.
func (n *Network) run(ctx context.Context, p *process) {
	p.busy = true
	defer func() { p.busy = false }()
	for len(p.queue) > 0 && !p.dead {
		msg := p.queue[0]
		p.queue = p.queue[1:]
		if err := p.handler.Handle(ctx, msg); err != nil {
			n.logger.Error("process failed", "process", p.id, "message", msg.String(), "error", err)
			p.err = err
			p.dead = true
			p.queue = nil
			return
		}
		if p.handler.Done() {
			p.dead = true
			p.queue = nil
		}
	}
}

// endpoint is a worker's view of the network.
type endpoint struct {
	net  *Network
	proc *process
}

func (e *endpoint) Self() message.ProcessID { return e.proc.id }

func (e *endpoint) Send(ctx context.Context, to message.ProcessID, tag message.Tag, payload []byte) error {
	if e.proc.dead {
		return message.ErrClosed
	}
	return e.net.deliver(ctx, e.proc.id, to, tag, payload)
}

func (e *endpoint) Multicast(ctx context.Context, to []message.ProcessID, tag message.Tag, payload []byte) error {
	return message.MulticastEach(ctx, e, to, tag, payload)
}

// Receive takes the next queued message. It is used by handlers that wait
// for a reply while handling another message.
func (e *endpoint) Receive(ctx context.Context, _ time.Duration) (message.Message, error) {
	if e.proc.dead {
		return message.Message{}, message.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return message.Message{}, err
	}
	if len(e.proc.queue) == 0 {
		return message.Message{}, message.ErrTimeout
	}
	msg := e.proc.queue[0]
	e.proc.queue = e.proc.queue[1:]
	return msg, nil
}

func (e *endpoint) Probe() bool { return len(e.proc.queue) > 0 }

func (e *endpoint) Alive(id message.ProcessID) bool { return e.net.Alive(id) }

func (e *endpoint) Close() error {
	e.proc.dead = true
	return nil
}
