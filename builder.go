package bnc

import (
	"context"
	"slices"
	"time"

	"github.com/hupe1980/bnc/blobstore"
	"github.com/hupe1980/bnc/param"
	"github.com/hupe1980/bnc/problem"
)

// For creates a run builder for prob.
//
// The builder is immutable - each method returns a new builder with the updated configuration.
// This ensures thread-safety and prevents accidental state sharing.
//
// Example:
//
//	rep, err := bnc.For(prob, prob.SolverFactory()).
//	    Workers(4, 1, 0).
//	    Strategy("best").
//	    TimeLimit(time.Minute).
//	    Solve(ctx)
func For(prob problem.Problem, newSolver problem.SolverFactory) Builder {
	return Builder{prob: prob, newSolver: newSolver}
}

// Builder is an immutable fluent builder for in-process runs.
type Builder struct {
	prob      problem.Problem
	newSolver problem.SolverFactory
	opts      []Option
}

func (b Builder) with(opt Option) Builder {
	b.opts = append(slices.Clip(b.opts), opt)
	return b
}

func (b Builder) tune(fn func(*param.Params)) Builder {
	return b.with(func(o *options) { fn(&o.params) })
}

// Workers sets the number of relaxation, cut generator and column
// generator processes.
func (b Builder) Workers(relaxation, cut, column int) Builder {
	return b.tune(func(p *param.Params) {
		p.RelaxationWorkers = relaxation
		p.CutWorkers = cut
		p.ColumnWorkers = column
	})
}

// Strategy sets the candidate order: "best", "breadth" or "depth".
func (b Builder) Strategy(s string) Builder {
	return b.tune(func(p *param.Params) { p.SearchStrategy = s })
}

// Gap sets the absolute and relative optimality gaps.
func (b Builder) Gap(absolute, relative float64) Builder {
	return b.tune(func(p *param.Params) {
		p.AbsoluteGap = absolute
		p.RelativeGap = relative
	})
}

// TimeLimit bounds the run. Zero means no limit.
func (b Builder) TimeLimit(d time.Duration) Builder {
	return b.tune(func(p *param.Params) { p.TimeLimit = d })
}

// MaxHeap sets the manager's memory budget for node descriptions; beyond
// it nodes are offloaded to storage workers.
func (b Builder) MaxHeap(bytes int64) Builder {
	return b.tune(func(p *param.Params) { p.MaxHeapBytes = bytes })
}

// PricingPhases sets the number of phases without pricing.
func (b Builder) PricingPhases(n int) Builder {
	return b.tune(func(p *param.Params) { p.PricingPhases = n })
}

// Seed sets the dive random seed.
func (b Builder) Seed(seed int64) Builder {
	return b.tune(func(p *param.Params) { p.Seed = seed })
}

// Param sets a parameter by key.
func (b Builder) Param(key, value string) Builder {
	return b.with(WithParam(key, value))
}

// RunID names the run.
func (b Builder) RunID(id string) Builder {
	return b.with(WithRunID(id))
}

// Logger sets the logger.
func (b Builder) Logger(l *Logger) Builder {
	return b.with(WithLogger(l))
}

// Metrics sets the metrics collector.
func (b Builder) Metrics(mc MetricsCollector) Builder {
	return b.with(WithMetricsCollector(mc))
}

// Store sets the blob store of storage workers.
func (b Builder) Store(s blobstore.Store) Builder {
	return b.with(WithStore(s))
}

// Options returns the options collected so far, e.g. to pass to RunManager.
func (b Builder) Options() []Option {
	return slices.Clone(b.opts)
}

// Solve runs the search in-process.
func (b Builder) Solve(ctx context.Context) (Report, error) {
	return Solve(ctx, b.prob, b.newSolver, b.opts...)
}
