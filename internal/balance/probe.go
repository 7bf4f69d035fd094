package balance

import (
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/hupe1980/bnc/internal/resource"
)

// Probe reports how much memory is left for node descriptions.
type Probe interface {
	// Memory returns the free and total bytes.
	Memory() (free, total int64)
}

// NewProbe returns a probe over the heap controller when it has a limit and
// over host memory otherwise.
func NewProbe(c *resource.Controller) Probe {
	if c.Limit() > 0 {
		return heapProbe{c: c}
	}
	return hostProbe{}
}

type heapProbe struct {
	c *resource.Controller
}

func (p heapProbe) Memory() (int64, int64) {
	limit := p.c.Limit()
	return max(limit-p.c.Used(), 0), limit
}

type hostProbe struct{}

func (hostProbe) Memory() (int64, int64) {
	vm, err := mem.VirtualMemory()
	if err != nil || vm == nil || vm.Total == 0 {
		// Without host figures we never trigger an offload.
		return 1, 1
	}
	return int64(vm.Available), int64(vm.Total)
}

// FreeFraction returns free/total of p.
func FreeFraction(p Probe) float64 {
	free, total := p.Memory()
	if total <= 0 {
		return 1
	}
	return float64(free) / float64(total)
}
