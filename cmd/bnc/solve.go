package main

import (
	"github.com/spf13/cobra"

	"github.com/hupe1980/bnc"
)

func newSolveCmd(g *globalFlags) *cobra.Command {
	var storeURL string
	cmd := &cobra.Command{
		Use:   "solve",
		Short: "Solve an instance with simulated workers in this process",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			prob, err := g.problem()
			if err != nil {
				return err
			}
			opts, logger, err := g.options()
			if err != nil {
				return err
			}
			metrics, err := g.serveMetrics(ctx, logger)
			if err != nil {
				return err
			}
			store, err := openStore(ctx, storeURL)
			if err != nil {
				return err
			}
			opts = append(opts, metrics...)
			opts = append(opts, bnc.WithStore(store))

			rep, err := bnc.Solve(ctx, prob, prob.SolverFactory(), opts...)
			return printReport(cmd, rep, err)
		},
	}
	cmd.Flags().StringVar(&storeURL, "store", "", "storage worker blob store (file:///dir, s3://bucket/prefix, minio://host/bucket/prefix)")
	return cmd
}
