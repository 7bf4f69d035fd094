// Package tcp is a message.Channel over TCP in a star topology. Workers dial
// the manager's Host; worker-to-worker messages (generator requests) are
// relayed by the manager, which keeps per-pair ordering because every
// connection has a single reader and serialized writers.
package tcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/bnc/message"
	"github.com/hupe1980/bnc/transport"
	"github.com/hupe1980/bnc/wire"
)

const inboxSize = 1024

type options struct {
	logger *slog.Logger
}

// Option configures a Host or Conn.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// peer is one framed connection with serialized writes.
type peer struct {
	id    message.ProcessID
	conn  net.Conn
	wmu   sync.Mutex
	w     *bufio.Writer
	alive atomic.Bool
}

func newPeer(id message.ProcessID, c net.Conn) *peer {
	p := &peer{id: id, conn: c, w: bufio.NewWriter(c)}
	p.alive.Store(true)
	return p
}

func (p *peer) write(env transport.Envelope) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if !p.alive.Load() {
		return fmt.Errorf("%w: %d", message.ErrProcessDead, p.id)
	}
	if err := transport.WriteFrame(p.w, env.Marshal()); err != nil {
		return err
	}
	return p.w.Flush()
}

func (p *peer) close() {
	if p.alive.CompareAndSwap(true, false) {
		_ = p.conn.Close()
	}
}

// Host is the manager endpoint. Every accepted connection is a worker
// process; Spawn hands them out in arrival order.
type Host struct {
	ln     net.Listener
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	g      *errgroup.Group

	mu    sync.Mutex
	peers map[message.ProcessID]*peer
	next  message.ProcessID

	joins  chan message.ProcessID
	inbox  chan message.Message
	closed atomic.Bool
}

var _ message.Host = (*Host)(nil)

// Listen starts accepting workers on addr.
func Listen(ctx context.Context, addr string, opts ...Option) (*Host, error) {
	o := buildOptions(opts)
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp: listen %s: %w", addr, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	h := &Host{
		ln:     ln,
		logger: o.logger,
		ctx:    gctx,
		cancel: cancel,
		g:      g,
		peers:  make(map[message.ProcessID]*peer),
		next:   message.ManagerID + 1,
		joins:  make(chan message.ProcessID, inboxSize),
		inbox:  make(chan message.Message, inboxSize),
	}
	g.Go(h.accept)
	return h, nil
}

// Addr returns the listening address.
func (h *Host) Addr() net.Addr { return h.ln.Addr() }

func (h *Host) accept() error {
	for {
		c, err := h.ln.Accept()
		if err != nil {
			if h.closed.Load() {
				return nil
			}
			return fmt.Errorf("tcp: accept: %w", err)
		}
		h.mu.Lock()
		id := h.next
		h.next++
		p := newPeer(id, c)
		h.peers[id] = p
		h.mu.Unlock()

		hello := wire.NewBuffer(4)
		hello.PackInt32(int32(id))
		if err := transport.WriteFrame(c, hello.Bytes()); err != nil {
			h.logger.Warn("handshake failed", "remote", c.RemoteAddr(), "error", err)
			p.close()
			continue
		}
		h.logger.Info("worker connected", "worker", id, "remote", c.RemoteAddr())
		h.g.Go(func() error { return h.read(p) })
		select {
		case h.joins <- id:
		case <-h.ctx.Done():
			return nil
		}
	}
}

// read pumps one worker connection until it fails; the worker is dead
// afterwards.
func (h *Host) read(p *peer) error {
	defer p.close()
	r := bufio.NewReader(p.conn)
	for {
		data, err := transport.ReadFrame(r)
		if err != nil {
			if !h.closed.Load() {
				h.logger.Warn("worker disconnected", "worker", p.id, "error", err)
			}
			return nil
		}
		env, err := transport.UnmarshalEnvelope(data)
		if err != nil {
			h.logger.Error("bad frame", "worker", p.id, "error", err)
			return nil
		}
		env.Sender = p.id
		if env.To != message.ManagerID {
			if err := h.forward(env); err != nil {
				h.logger.Warn("relay failed", "from", p.id, "to", env.To, "tag", env.Tag, "error", err)
			}
			continue
		}
		select {
		case h.inbox <- env.Message:
		case <-h.ctx.Done():
			return nil
		}
	}
}

func (h *Host) peer(id message.ProcessID) (*peer, error) {
	h.mu.Lock()
	p, ok := h.peers[id]
	h.mu.Unlock()
	if !ok || !p.alive.Load() {
		return nil, fmt.Errorf("%w: %d", message.ErrProcessDead, id)
	}
	return p, nil
}

func (h *Host) forward(env transport.Envelope) error {
	p, err := h.peer(env.To)
	if err != nil {
		return err
	}
	return p.write(env)
}

// Self returns the manager id.
func (h *Host) Self() message.ProcessID { return message.ManagerID }

// Spawn waits for the next worker to connect.
func (h *Host) Spawn(ctx context.Context) (message.ProcessID, error) {
	select {
	case id := <-h.joins:
		return id, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-h.ctx.Done():
		return 0, message.ErrClosed
	}
}

// Send writes to one worker.
func (h *Host) Send(_ context.Context, to message.ProcessID, tag message.Tag, payload []byte) error {
	if h.closed.Load() {
		return message.ErrClosed
	}
	return h.forward(transport.Envelope{To: to, Message: message.Message{Tag: tag, Sender: message.ManagerID, Payload: payload}})
}

// Multicast writes to several workers.
func (h *Host) Multicast(ctx context.Context, to []message.ProcessID, tag message.Tag, payload []byte) error {
	return message.MulticastEach(ctx, h, to, tag, payload)
}

// Receive returns the next message addressed to the manager.
func (h *Host) Receive(ctx context.Context, timeout time.Duration) (message.Message, error) {
	if h.closed.Load() {
		return message.Message{}, message.ErrClosed
	}
	return transport.Receive(ctx, h.inbox, timeout)
}

// Probe reports whether a message is waiting.
func (h *Host) Probe() bool { return len(h.inbox) > 0 }

// Alive reports whether a worker's connection is open.
func (h *Host) Alive(id message.ProcessID) bool {
	if id == message.ManagerID {
		return !h.closed.Load()
	}
	_, err := h.peer(id)
	return err == nil
}

// Close stops accepting, drops every connection and waits for the readers.
func (h *Host) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.cancel()
	err := h.ln.Close()
	h.mu.Lock()
	for _, p := range h.peers {
		p.close()
	}
	h.mu.Unlock()
	if werr := h.g.Wait(); werr != nil {
		err = errors.Join(err, werr)
	}
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

// Conn is a worker endpoint connected to a Host.
type Conn struct {
	p      *peer
	logger *slog.Logger
	inbox  chan message.Message
	// stop is closed by Close and unblocks a reader stuck on a full inbox.
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

var _ message.Channel = (*Conn)(nil)

// Dial connects to the manager at addr and completes the handshake that
// assigns the process id.
func Dial(ctx context.Context, addr string, opts ...Option) (*Conn, error) {
	o := buildOptions(opts)
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp: dial %s: %w", addr, err)
	}
	r := bufio.NewReader(c)
	hello, err := transport.ReadFrame(r)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("tcp: handshake: %w", err)
	}
	buf := wire.FromBytes(hello)
	id := message.ProcessID(buf.UnpackInt32())
	if err := buf.Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("tcp: handshake: %w", err)
	}

	conn := &Conn{
		p:      newPeer(id, c),
		logger: o.logger.With("worker", id),
		inbox:  make(chan message.Message, inboxSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go conn.read(r)
	return conn, nil
}

func (c *Conn) read(r *bufio.Reader) {
	defer close(c.done)
	defer close(c.inbox)
	defer c.p.close()
	for {
		data, err := transport.ReadFrame(r)
		if err != nil {
			if c.p.alive.Load() {
				c.logger.Warn("connection to manager lost", "error", err)
			}
			return
		}
		env, err := transport.UnmarshalEnvelope(data)
		if err != nil {
			c.logger.Error("bad frame", "error", err)
			return
		}
		select {
		case c.inbox <- env.Message:
		case <-c.stop:
			return
		}
	}
}

// Self returns the id assigned by the manager.
func (c *Conn) Self() message.ProcessID { return c.p.id }

// Send writes through the manager, which relays messages for other workers.
func (c *Conn) Send(_ context.Context, to message.ProcessID, tag message.Tag, payload []byte) error {
	err := c.p.write(transport.Envelope{To: to, Message: message.Message{Tag: tag, Sender: c.p.id, Payload: payload}})
	if errors.Is(err, message.ErrProcessDead) {
		return message.ErrClosed
	}
	return err
}

// Multicast sends to several processes.
func (c *Conn) Multicast(ctx context.Context, to []message.ProcessID, tag message.Tag, payload []byte) error {
	return message.MulticastEach(ctx, c, to, tag, payload)
}

// Receive returns the next message.
func (c *Conn) Receive(ctx context.Context, timeout time.Duration) (message.Message, error) {
	return transport.Receive(ctx, c.inbox, timeout)
}

// Probe reports whether a message is waiting.
func (c *Conn) Probe() bool { return len(c.inbox) > 0 }

// Alive reports whether the manager connection is up. Other workers are
// only reachable through it.
func (c *Conn) Alive(message.ProcessID) bool { return c.p.alive.Load() }

// Close disconnects and waits for the reader to stop.
func (c *Conn) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	c.p.close()
	<-c.done
	return nil
}
