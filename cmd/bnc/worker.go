package main

import (
	"errors"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/hupe1980/bnc"
	"github.com/hupe1980/bnc/message"
	"github.com/hupe1980/bnc/transport/redis"
	"github.com/hupe1980/bnc/transport/tcp"
)

func newRedisClient(addr string) *goredis.Client {
	return goredis.NewClient(&goredis.Options{Addr: addr})
}

func newWorkerCmd(g *globalFlags) *cobra.Command {
	var (
		connect   string
		redisAddr string
		storeURL  string
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Serve as a worker process; the manager assigns the role",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if (connect == "") == (redisAddr == "") {
				return errors.New("exactly one of --connect and --redis is required")
			}
			prob, err := g.problem()
			if err != nil {
				return err
			}
			opts, logger, err := g.options()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, storeURL)
			if err != nil {
				return err
			}
			opts = append(opts, bnc.WithStore(store))

			var ch message.Channel
			if connect != "" {
				c, err := tcp.Dial(ctx, connect, tcp.WithLogger(logger.Logger))
				if err != nil {
					return err
				}
				ch = c
			} else {
				if g.runID == "" {
					return errors.New("--redis needs --run-id")
				}
				rdb := newRedisClient(redisAddr)
				defer rdb.Close()
				e, err := redis.Join(ctx, rdb, g.runID, redis.WithLogger(logger.Logger))
				if err != nil {
					return err
				}
				ch = e
			}
			defer ch.Close()
			logger.WithProcess(ch.Self()).Info("worker joined")

			return bnc.RunWorker(ctx, ch, prob, prob.SolverFactory(), opts...)
		},
	}
	cmd.Flags().StringVar(&connect, "connect", "", "manager TCP address, e.g. manager:7070")
	cmd.Flags().StringVar(&redisAddr, "redis", "", "Redis address, e.g. localhost:6379")
	cmd.Flags().StringVar(&storeURL, "store", "", "blob store for the storage role (file:///dir, s3://bucket/prefix, minio://host/bucket/prefix)")
	return cmd
}
