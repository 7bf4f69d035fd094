package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/bnc"
	"github.com/hupe1980/bnc/examples/knapsack"
	bncprom "github.com/hupe1980/bnc/observability/prometheus"
)

type globalFlags struct {
	instance    string
	paramsFile  string
	params      []string
	runID       string
	logLevel    string
	logJSON     bool
	metricsAddr string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	cmd := &cobra.Command{
		Use:           "bnc",
		Short:         "Distributed branch-and-cut for knapsack instances",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	f := cmd.PersistentFlags()
	f.StringVarP(&g.instance, "instance", "i", "", "knapsack instance (YAML with values, weights, capacity)")
	f.StringVar(&g.paramsFile, "params", "", "parameter file (flat YAML)")
	f.StringArrayVarP(&g.params, "param", "p", nil, "parameter override key=value, repeatable")
	f.StringVar(&g.runID, "run-id", "", "run id; scopes storage blobs and redis keys")
	f.StringVar(&g.logLevel, "log-level", "info", "debug, info, warn or error")
	f.BoolVar(&g.logJSON, "log-json", false, "log as JSON")
	f.StringVar(&g.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	cmd.AddCommand(newSolveCmd(g), newManagerCmd(g), newWorkerCmd(g))
	return cmd
}

func (g *globalFlags) logger() (*bnc.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(g.logLevel)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	if g.logJSON {
		return bnc.NewJSONLogger(level), nil
	}
	return bnc.NewTextLogger(level), nil
}

// options turns the global flags into run options. The parameter file is
// applied before the individual overrides.
func (g *globalFlags) options() ([]bnc.Option, *bnc.Logger, error) {
	logger, err := g.logger()
	if err != nil {
		return nil, nil, err
	}
	opts := []bnc.Option{bnc.WithLogger(logger)}
	if g.runID != "" {
		opts = append(opts, bnc.WithRunID(g.runID))
	}
	if g.paramsFile != "" {
		opts = append(opts, bnc.WithParamFile(g.paramsFile))
	}
	for _, kv := range g.params {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, nil, fmt.Errorf("param %q: want key=value", kv)
		}
		opts = append(opts, bnc.WithParam(strings.TrimSpace(key), strings.TrimSpace(value)))
	}
	return opts, logger, nil
}

func (g *globalFlags) problem() (*knapsack.Problem, error) {
	if g.instance == "" {
		return nil, errors.New("--instance is required")
	}
	inst, err := loadInstance(g.instance)
	if err != nil {
		return nil, err
	}
	return knapsack.New(inst)
}

func loadInstance(path string) (knapsack.Instance, error) {
	var inst knapsack.Instance
	data, err := os.ReadFile(path)
	if err != nil {
		return inst, err
	}
	if err := yaml.Unmarshal(data, &inst); err != nil {
		return inst, fmt.Errorf("parse %s: %w", path, err)
	}
	return inst, inst.Validate()
}

// serveMetrics registers a collector and serves it until ctx ends. It
// returns nil options when no address is configured.
func (g *globalFlags) serveMetrics(ctx context.Context, logger *bnc.Logger) ([]bnc.Option, error) {
	if g.metricsAddr == "" {
		return nil, nil
	}
	reg := prometheus.NewRegistry()
	c, err := bncprom.New(reg)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: g.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()
	context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	return []bnc.Option{bnc.WithMetricsCollector(c)}, nil
}

func printReport(cmd *cobra.Command, rep bnc.Report, err error) error {
	fmt.Fprintln(cmd.OutOrStdout(), rep)
	var te *bnc.TerminationError
	if errors.As(err, &te) && te.Reason == bnc.ReasonTimeLimit {
		return nil
	}
	return err
}
