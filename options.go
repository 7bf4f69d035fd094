package bnc

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/hupe1980/bnc/blobstore"
	"github.com/hupe1980/bnc/param"
)

type options struct {
	params           param.Params
	err              error
	metricsCollector MetricsCollector
	logger           *Logger
	runID            string
	store            blobstore.Store
}

func newOptions(optFns []Option) (*options, error) {
	o := &options{
		params:           param.Default(),
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
	}
	for _, fn := range optFns {
		fn(o)
	}
	if o.err != nil {
		return nil, o.err
	}
	if err := o.params.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

// Option configures a run.
type Option func(*options)

// WithParams replaces the whole parameter set. Later WithParam options
// still apply on top of it.
func WithParams(p param.Params) Option {
	return func(o *options) {
		o.params = p
	}
}

// WithParam sets a single parameter by its key, e.g.
//
//	bnc.WithParam("search_strategy", "depth")
//	bnc.WithParam("time_limit", "30s")
//
// See param.Keys for the accepted keys.
func WithParam(key, value string) Option {
	return func(o *options) {
		if err := o.params.Set(key, value); err != nil && o.err == nil {
			o.err = err
		}
	}
}

// WithParamFile loads parameters from a flat YAML file on top of the
// current ones.
func WithParamFile(path string) Option {
	return func(o *options) {
		f, err := os.Open(path)
		if err != nil {
			if o.err == nil {
				o.err = fmt.Errorf("open parameter file: %w", err)
			}
			return
		}
		defer f.Close()
		if err := o.params.Load(f); err != nil && o.err == nil {
			o.err = fmt.Errorf("load %s: %w", path, err)
		}
	}
}

// WithRunID names the run. The id scopes storage blobs and transport keys.
// If empty, a random UUID is used.
func WithRunID(id string) Option {
	return func(o *options) {
		o.runID = id
	}
}

// WithStore sets the blob store behind storage workers started in-process.
// Defaults to an in-memory store.
//
// Example with S3:
//
//	store, _ := s3.New(ctx, "my-bucket", s3.WithPrefix("bnc/"))
//	rep, err := bnc.Solve(ctx, prob, newSolver, bnc.WithStore(store))
func WithStore(s blobstore.Store) Option {
	return func(o *options) {
		o.store = s
	}
}

// WithMetricsCollector configures a metrics collector for monitoring runs.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &bnc.BasicMetricsCollector{}
//	rep, _ := bnc.Solve(ctx, prob, newSolver, bnc.WithMetricsCollector(metrics))
//	stats := metrics.GetStats()
//	fmt.Printf("Dispatched: %d, dives: %d\n", stats.DispatchCount, stats.DiveCount)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for a run.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := bnc.NewJSONLogger(slog.LevelInfo)
//	rep, _ := bnc.Solve(ctx, prob, newSolver, bnc.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}
