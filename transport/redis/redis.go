// Package redis is a message.Channel over Redis. Each process owns a list
// used as its mailbox; senders RPUSH encoded envelopes and the owner pops
// them. Liveness is an expiring key the owner refreshes, so a crashed
// process disappears after one TTL. Process ids come from a counter and
// new workers announce themselves on a join list the manager pops in Spawn.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/hupe1980/bnc/message"
	"github.com/hupe1980/bnc/transport"
)

// DefaultTTL is the liveness key lifetime.
const DefaultTTL = 5 * time.Second

type options struct {
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// Option configures an Endpoint.
type Option func(*options)

// WithPrefix sets the key namespace. Default "bnc".
func WithPrefix(p string) Option {
	return func(o *options) { o.prefix = p }
}

// WithTTL sets the liveness key lifetime. It is refreshed every third of it.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) { o.ttl = ttl }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

type keys struct {
	base string
}

func (k keys) mailbox(id message.ProcessID) string { return fmt.Sprintf("%s:mbox:%d", k.base, id) }
func (k keys) alive(id message.ProcessID) string   { return fmt.Sprintf("%s:alive:%d", k.base, id) }
func (k keys) ids() string                         { return k.base + ":ids" }
func (k keys) joins() string                       { return k.base + ":join" }

// Endpoint is one process's mailbox.
type Endpoint struct {
	rdb    goredis.UniversalClient
	runID  string
	id     message.ProcessID
	keys   keys
	ttl    time.Duration
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

var _ message.Channel = (*Endpoint)(nil)

// Host is the manager endpoint.
type Host struct {
	*Endpoint
}

var _ message.Host = (*Host)(nil)

func buildOptions(opts []Option) options {
	o := options{prefix: "bnc", ttl: DefaultTTL, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func open(ctx context.Context, rdb goredis.UniversalClient, runID string, id message.ProcessID, o options) (*Endpoint, error) {
	e := &Endpoint{
		rdb:    rdb,
		runID:  runID,
		id:     id,
		keys:   keys{base: o.prefix + ":" + runID},
		ttl:    o.ttl,
		logger: o.logger.With("process", id, "run", runID),
	}
	if err := e.beat(ctx); err != nil {
		return nil, fmt.Errorf("redis: register %d: %w", id, err)
	}
	hctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.wg.Add(1)
	go e.heartbeat(hctx)
	return e, nil
}

// NewHost opens the manager endpoint of a new run. An empty runID draws a
// random one.
func NewHost(ctx context.Context, rdb goredis.UniversalClient, runID string, opts ...Option) (*Host, error) {
	if runID == "" {
		runID = uuid.NewString()
	}
	e, err := open(ctx, rdb, runID, message.ManagerID, buildOptions(opts))
	if err != nil {
		return nil, err
	}
	return &Host{Endpoint: e}, nil
}

// Join registers a worker process with the run and announces it to the
// manager.
func Join(ctx context.Context, rdb goredis.UniversalClient, runID string, opts ...Option) (*Endpoint, error) {
	if runID == "" {
		return nil, errors.New("redis: join needs a run id")
	}
	o := buildOptions(opts)
	k := keys{base: o.prefix + ":" + runID}
	n, err := rdb.Incr(ctx, k.ids()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: allocate id: %w", err)
	}
	e, err := open(ctx, rdb, runID, message.ProcessID(n), o)
	if err != nil {
		return nil, err
	}
	if err := rdb.RPush(ctx, k.joins(), n).Err(); err != nil {
		_ = e.Close()
		return nil, fmt.Errorf("redis: announce %d: %w", n, err)
	}
	return e, nil
}

// RunID returns the run namespace.
func (e *Endpoint) RunID() string { return e.runID }

func (e *Endpoint) beat(ctx context.Context) error {
	return e.rdb.Set(ctx, e.keys.alive(e.id), 1, e.ttl).Err()
}

func (e *Endpoint) heartbeat(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.beat(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

// Self returns the process id.
func (e *Endpoint) Self() message.ProcessID { return e.id }

// Send pushes to the destination mailbox.
func (e *Endpoint) Send(ctx context.Context, to message.ProcessID, tag message.Tag, payload []byte) error {
	if e.closed.Load() {
		return message.ErrClosed
	}
	if !e.Alive(to) {
		return fmt.Errorf("%w: %d", message.ErrProcessDead, to)
	}
	env := transport.Envelope{To: to, Message: message.Message{Tag: tag, Sender: e.id, Payload: payload}}
	if err := e.rdb.RPush(ctx, e.keys.mailbox(to), env.Marshal()).Err(); err != nil {
		return fmt.Errorf("redis: send %s to %d: %w", tag, to, err)
	}
	return nil
}

// Multicast pushes to several mailboxes.
func (e *Endpoint) Multicast(ctx context.Context, to []message.ProcessID, tag message.Tag, payload []byte) error {
	return message.MulticastEach(ctx, e, to, tag, payload)
}

// Receive pops the own mailbox. Waits shorter than a second are rounded up
// by Redis.
func (e *Endpoint) Receive(ctx context.Context, timeout time.Duration) (message.Message, error) {
	if e.closed.Load() {
		return message.Message{}, message.ErrClosed
	}
	key := e.keys.mailbox(e.id)
	var data string
	var err error
	switch {
	case timeout == 0:
		data, err = e.rdb.LPop(ctx, key).Result()
	default:
		wait := timeout
		if timeout == message.Forever {
			wait = 0
		}
		var res []string
		res, err = e.rdb.BLPop(ctx, wait, key).Result()
		if err == nil {
			data = res[1]
		}
	}
	if errors.Is(err, goredis.Nil) {
		return message.Message{}, message.ErrTimeout
	}
	if err != nil {
		if ctx.Err() != nil {
			return message.Message{}, ctx.Err()
		}
		return message.Message{}, fmt.Errorf("redis: receive: %w", err)
	}
	env, err := transport.UnmarshalEnvelope([]byte(data))
	if err != nil {
		return message.Message{}, err
	}
	return env.Message, nil
}

// Probe reports whether the mailbox is non-empty.
func (e *Endpoint) Probe() bool {
	n, err := e.rdb.LLen(context.Background(), e.keys.mailbox(e.id)).Result()
	return err == nil && n > 0
}

// Alive reports whether the process refreshed its liveness key within one TTL.
func (e *Endpoint) Alive(id message.ProcessID) bool {
	n, err := e.rdb.Exists(context.Background(), e.keys.alive(id)).Result()
	return err == nil && n == 1
}

// Close stops the heartbeat and removes the liveness key and mailbox.
func (e *Endpoint) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.cancel()
	e.wg.Wait()
	return e.rdb.Del(context.Background(), e.keys.alive(e.id), e.keys.mailbox(e.id)).Err()
}

// Spawn waits for the next worker to join the run.
func (h *Host) Spawn(ctx context.Context) (message.ProcessID, error) {
	res, err := h.rdb.BLPop(ctx, 0, h.keys.joins()).Result()
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("redis: spawn: %w", err)
	}
	id, err := strconv.ParseInt(res[1], 10, 32)
	if err != nil {
		return 0, message.Violation("join announcement %q", res[1])
	}
	return message.ProcessID(id), nil
}

// Close removes the run's shared keys as well.
func (h *Host) Close() error {
	err := h.Endpoint.Close()
	if derr := h.rdb.Del(context.Background(), h.keys.ids(), h.keys.joins()).Err(); derr != nil {
		err = errors.Join(err, derr)
	}
	return err
}
