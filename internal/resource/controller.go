package resource

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrHeapLimitExceeded is returned when a reservation would exceed the heap limit.
var ErrHeapLimitExceeded = errors.New("resource: heap limit exceeded")

// Config holds resource limits.
type Config struct {
	// HeapLimitBytes is the budget for node descriptions and registry objects
	// held by the manager. If 0, usage is only tracked.
	HeapLimitBytes int64

	// MaxParallelWrites bounds concurrent blob writes of a storage worker.
	// If 0, defaults to 1.
	MaxParallelWrites int64

	// OffloadBytesPerSec paces offload traffic. If 0, unlimited.
	OffloadBytesPerSec int64
}

// Controller accounts heap usage and paces offload IO.
// All methods are safe for concurrent use and no-ops on a nil Controller.
type Controller struct {
	cfg Config

	heapSem  *semaphore.Weighted // nil if unlimited
	heapUsed atomic.Int64

	writeSem *semaphore.Weighted

	ioLimiter *rate.Limiter
}

// NewController creates a controller.
func NewController(cfg Config) *Controller {
	if cfg.MaxParallelWrites <= 0 {
		cfg.MaxParallelWrites = 1
	}

	c := &Controller{
		cfg:      cfg,
		writeSem: semaphore.NewWeighted(cfg.MaxParallelWrites),
	}
	if cfg.HeapLimitBytes > 0 {
		c.heapSem = semaphore.NewWeighted(cfg.HeapLimitBytes)
	}
	if cfg.OffloadBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.OffloadBytesPerSec), int(cfg.OffloadBytesPerSec))
	}
	return c
}

// Reserve accounts bytes of heap. It never blocks; when a limit is set and
// would be exceeded, ErrHeapLimitExceeded is returned and nothing is reserved.
func (c *Controller) Reserve(bytes int64) error {
	if c == nil || bytes <= 0 {
		return nil
	}
	if c.heapSem != nil && !c.heapSem.TryAcquire(bytes) {
		return ErrHeapLimitExceeded
	}
	c.heapUsed.Add(bytes)
	return nil
}

// ForceReserve accounts bytes even beyond the limit. The manager cannot
// refuse a worker's result; the balancer brings usage back down.
func (c *Controller) ForceReserve(bytes int64) {
	if c == nil || bytes <= 0 {
		return
	}
	if c.heapSem != nil {
		// The semaphore holds min(used, limit); the overdraft is only counted.
		limit := c.cfg.HeapLimitBytes
		if take := min(bytes, limit-min(c.heapUsed.Load(), limit)); take > 0 {
			c.heapSem.TryAcquire(take)
		}
	}
	c.heapUsed.Add(bytes)
}

// Release gives back accounted heap.
func (c *Controller) Release(bytes int64) {
	if c == nil || bytes <= 0 {
		return
	}
	used := c.heapUsed.Add(-bytes)
	if c.heapSem != nil {
		// Only the part below the limit holds semaphore weight.
		limit := c.cfg.HeapLimitBytes
		before := used + bytes
		held := min(before, limit) - min(max(used, 0), limit)
		if held > 0 {
			c.heapSem.Release(held)
		}
	}
}

// Used returns the accounted heap in bytes.
func (c *Controller) Used() int64 {
	if c == nil {
		return 0
	}
	return c.heapUsed.Load()
}

// Limit returns the heap limit in bytes (0 if unlimited).
func (c *Controller) Limit() int64 {
	if c == nil {
		return 0
	}
	return c.cfg.HeapLimitBytes
}

// AcquireWrite reserves a blob write slot, blocking while all are busy.
func (c *Controller) AcquireWrite(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.writeSem.Acquire(ctx, 1)
}

// ReleaseWrite returns a write slot.
func (c *Controller) ReleaseWrite() {
	if c == nil {
		return
	}
	c.writeSem.Release(1)
}

// WaitIO blocks until the offload rate allows bytes more.
func (c *Controller) WaitIO(ctx context.Context, bytes int) error {
	if c == nil || c.ioLimiter == nil {
		return nil
	}
	if burst := c.ioLimiter.Burst(); bytes > burst {
		bytes = burst
	}
	return c.ioLimiter.WaitN(ctx, bytes)
}
