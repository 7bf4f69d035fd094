package bnc

import (
	"errors"
	"fmt"

	"github.com/hupe1980/bnc/internal/balance"
	"github.com/hupe1980/bnc/internal/manager"
	"github.com/hupe1980/bnc/internal/scheduler"
	"github.com/hupe1980/bnc/internal/transfer"
	"github.com/hupe1980/bnc/message"
)

var (
	// ErrTimeLimit is returned when a run exceeded its time limit.
	ErrTimeLimit = manager.ErrTimeLimit
	// ErrResourceExhausted is returned when memory ran out and no storage
	// worker could take more data.
	ErrResourceExhausted = balance.ErrResourceExhausted
	// ErrWorkerPoolExhausted is returned when every relaxation worker died.
	ErrWorkerPoolExhausted = scheduler.ErrPoolExhausted
	// ErrProtocolViolation is returned when a process sent an unexpected
	// message.
	ErrProtocolViolation = message.ErrProtocolViolation
	// ErrDataLost is returned when a storage worker lost offloaded data.
	ErrDataLost = transfer.ErrDataLost
	// ErrNoProblem is returned when a run is started without a problem.
	ErrNoProblem = errors.New("bnc: no problem given")
)

// TerminationError reports a run that ended before the search completed.
// The Report is still valid and holds the best bounds known.
//
// The original underlying error can be accessed via errors.Unwrap.
type TerminationError struct {
	Reason Reason
	Report Report
	cause  error
}

func (e *TerminationError) Error() string {
	return fmt.Sprintf("run terminated (%s): %v", e.Reason, e.cause)
}

func (e *TerminationError) Unwrap() error { return e.cause }

func translateError(rep Report, err error) error {
	if err == nil {
		return nil
	}
	var te *TerminationError
	if errors.As(err, &te) {
		return err
	}
	return &TerminationError{Reason: rep.Reason, Report: rep, cause: err}
}
