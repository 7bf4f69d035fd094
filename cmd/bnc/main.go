// Command bnc solves 0/1 knapsack instances with the branch-and-cut engine,
// either in one process or distributed over TCP or Redis.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "bnc:", err)
		os.Exit(1)
	}
}
