package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/hupe1980/bnc"
	"github.com/hupe1980/bnc/message"
	"github.com/hupe1980/bnc/transport/redis"
	"github.com/hupe1980/bnc/transport/tcp"
)

func newManagerCmd(g *globalFlags) *cobra.Command {
	var (
		listen    string
		redisAddr string
	)
	cmd := &cobra.Command{
		Use:   "manager",
		Short: "Run the manager of a distributed search",
		Long: `Run the manager of a distributed search. Workers started with
"bnc worker" join over TCP (--listen) or Redis (--redis). The manager waits
for as many workers as relaxation_workers + cut_workers + column_workers.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if (listen == "") == (redisAddr == "") {
				return errors.New("exactly one of --listen and --redis is required")
			}
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
			opts = append(opts, metrics...)

			var host message.Host
			if listen != "" {
				h, err := tcp.Listen(ctx, listen, tcp.WithLogger(logger.Logger))
				if err != nil {
					return err
				}
				logger.Info("listening", "addr", h.Addr().String())
				host = h
			} else {
				if g.runID == "" {
					return errors.New("--redis needs --run-id")
				}
				rdb := newRedisClient(redisAddr)
				defer rdb.Close()
				h, err := redis.NewHost(ctx, rdb, g.runID, redis.WithLogger(logger.Logger))
				if err != nil {
					return err
				}
				host = h
			}
			defer host.Close()

			rep, err := bnc.RunManager(ctx, host, prob, opts...)
			return printReport(cmd, rep, err)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "TCP listen address, e.g. :7070")
	cmd.Flags().StringVar(&redisAddr, "redis", "", "Redis address, e.g. localhost:6379")
	return cmd
}
