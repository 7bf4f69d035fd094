package manager

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/hupe1980/bnc/internal/balance"
	"github.com/hupe1980/bnc/internal/scheduler"
	"github.com/hupe1980/bnc/internal/tree"
	"github.com/hupe1980/bnc/message"
)

// ErrTimeLimit is returned when the run exceeded its time limit.
var ErrTimeLimit = errors.New("manager: time limit reached")

// Reason says why a run ended.
type Reason uint8

const (
	// ReasonOptimal means the search space was exhausted with an incumbent.
	ReasonOptimal Reason = iota
	// ReasonInfeasible means the search space was exhausted without one.
	ReasonInfeasible
	ReasonTimeLimit
	ReasonResourceExhausted
	ReasonWorkerPoolExhausted
	ReasonProtocolViolation
	ReasonCanceled
	ReasonFailed
)

func (r Reason) String() string {
	switch r {
	case ReasonOptimal:
		return "optimal"
	case ReasonInfeasible:
		return "infeasible"
	case ReasonTimeLimit:
		return "time limit"
	case ReasonResourceExhausted:
		return "resources exhausted"
	case ReasonWorkerPoolExhausted:
		return "worker pool exhausted"
	case ReasonProtocolViolation:
		return "protocol violation"
	case ReasonCanceled:
		return "canceled"
	default:
		return "failed"
	}
}

// Completed reports whether the search finished on its own.
func (r Reason) Completed() bool { return r == ReasonOptimal || r == ReasonInfeasible }

func classify(err error) Reason {
	switch {
	case errors.Is(err, ErrTimeLimit):
		return ReasonTimeLimit
	case errors.Is(err, balance.ErrResourceExhausted), errors.Is(err, balance.ErrOffloadRejected):
		return ReasonResourceExhausted
	case errors.Is(err, scheduler.ErrPoolExhausted):
		return ReasonWorkerPoolExhausted
	case errors.Is(err, message.ErrProtocolViolation):
		return ReasonProtocolViolation
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ReasonCanceled
	}
	return ReasonFailed
}

// Stats summarizes a run.
type Stats struct {
	Tree         tree.Stats
	Offload      balance.Stats
	Dispatched   int
	DispatchedB  int64
	Fetched      int
	Grants       int
	Solutions    int
	WorkerDeaths int
	Phases       int
	// Overdrafts counts reservations that went past the heap limit.
	Overdrafts int
	Elapsed    time.Duration
}

// Report is produced by every run, including failed ones.
type Report struct {
	RunID  string
	Reason Reason
	// UpperBound is the best objective found, +Inf without a solution.
	UpperBound float64
	// LowerBound is the smallest lower bound over open nodes when the run
	// ended, equal to UpperBound after a completed search.
	LowerBound float64
	Solution   []float64
	Stats      Stats
}

// Gap returns UpperBound-LowerBound, +Inf without an incumbent.
func (r Report) Gap() float64 {
	if math.IsInf(r.UpperBound, 1) {
		return math.Inf(1)
	}
	return max(r.UpperBound-r.LowerBound, 0)
}

func (r Report) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "run %s: %s", r.RunID, r.Reason)
	if math.IsInf(r.UpperBound, 1) {
		sb.WriteString(", no solution")
	} else {
		fmt.Fprintf(&sb, ", objective %g", r.UpperBound)
	}
	fmt.Fprintf(&sb, ", lower bound %g", r.LowerBound)
	fmt.Fprintf(&sb, ", %d nodes processed, %d dives, %d offloaded, %d worker deaths, %s",
		r.Stats.Tree.Processed, r.Stats.Tree.Dives, r.Stats.Offload.Nodes, r.Stats.WorkerDeaths,
		r.Stats.Elapsed.Round(time.Millisecond))
	return sb.String()
}
