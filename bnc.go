package bnc

import (
	"context"

	"github.com/google/uuid"

	"github.com/hupe1980/bnc/internal/manager"
	"github.com/hupe1980/bnc/internal/resource"
	"github.com/hupe1980/bnc/internal/worker"
	"github.com/hupe1980/bnc/message"
	"github.com/hupe1980/bnc/problem"
	"github.com/hupe1980/bnc/transport/local"
)

// Report is produced by every run, including failed ones.
type Report = manager.Report

// Stats summarizes a run.
type Stats = manager.Stats

// Reason says why a run ended.
type Reason = manager.Reason

// Termination reasons.
const (
	ReasonOptimal             = manager.ReasonOptimal
	ReasonInfeasible          = manager.ReasonInfeasible
	ReasonTimeLimit           = manager.ReasonTimeLimit
	ReasonResourceExhausted   = manager.ReasonResourceExhausted
	ReasonWorkerPoolExhausted = manager.ReasonWorkerPoolExhausted
	ReasonProtocolViolation   = manager.ReasonProtocolViolation
	ReasonCanceled            = manager.ReasonCanceled
	ReasonFailed              = manager.ReasonFailed
)

// maxParallelWrites bounds concurrent blob writes of one storage worker.
const maxParallelWrites = 4

// Solve runs a complete search in this process. Workers are simulated on
// the caller's goroutine, so the run is deterministic for a fixed seed.
//
// A non-nil error is a *TerminationError; the report is valid either way.
func Solve(ctx context.Context, prob problem.Problem, newSolver problem.SolverFactory, optFns ...Option) (Report, error) {
	if prob == nil || newSolver == nil {
		return Report{}, ErrNoProblem
	}
	o, err := newOptions(optFns)
	if err != nil {
		return Report{}, err
	}
	net := local.New(func(ch message.Channel) local.Handler {
		return worker.New(ch, o.workerConfig(prob, newSolver))
	}, local.WithLogger(o.logger.Logger))
	defer net.Close()
	return runManager(ctx, net, prob, o)
}

// RunManager runs the manager of a distributed search on host. Every
// process host spawns must serve RunWorker with the same problem.
func RunManager(ctx context.Context, host message.Host, prob problem.Problem, optFns ...Option) (Report, error) {
	if prob == nil {
		return Report{}, ErrNoProblem
	}
	o, err := newOptions(optFns)
	if err != nil {
		return Report{}, err
	}
	return runManager(ctx, host, prob, o)
}

// RunWorker serves ch as a worker process until the manager sends Shutdown
// or the channel closes. The role is assigned by the manager.
func RunWorker(ctx context.Context, ch message.Channel, prob problem.Problem, newSolver problem.SolverFactory, optFns ...Option) error {
	if prob == nil || newSolver == nil {
		return ErrNoProblem
	}
	o, err := newOptions(optFns)
	if err != nil {
		return err
	}
	return worker.Run(ctx, ch, o.workerConfig(prob, newSolver))
}

func (o *options) workerConfig(prob problem.Problem, newSolver problem.SolverFactory) worker.Config {
	return worker.Config{
		Problem:   prob,
		NewSolver: newSolver,
		Store:     o.store,
		Resource:  resource.NewController(resource.Config{MaxParallelWrites: maxParallelWrites}),
		Logger:    o.logger.Logger,
	}
}

func runManager(ctx context.Context, host message.Host, prob problem.Problem, o *options) (Report, error) {
	core, err := prob.InitializeCore()
	if err != nil {
		return Report{}, err
	}
	root, err := prob.CreateRoot(core)
	if err != nil {
		return Report{}, err
	}
	runID := o.runID
	if runID == "" {
		runID = uuid.NewString()
	}
	logger := o.logger.WithRun(runID)

	m, err := manager.New(host, manager.Config{
		Params:  o.params,
		Core:    core,
		Root:    root,
		RunID:   runID,
		Logger:  o.logger.Logger,
		Metrics: o.metricsCollector,
	})
	if err != nil {
		return Report{RunID: runID}, err
	}
	logger.InfoContext(ctx, "run started",
		"relaxation_workers", o.params.RelaxationWorkers,
		"cut_workers", o.params.CutWorkers,
		"column_workers", o.params.ColumnWorkers,
		"strategy", o.params.SearchStrategy,
	)
	rep, err := m.Run(ctx)
	logger.LogTermination(ctx, rep, err)
	return rep, translateError(rep, err)
}
