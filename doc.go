// Package bnc provides a distributed branch-and-cut-and-price engine for Go.
//
// bnc owns the search tree of a mixed-integer program and farms node
// relaxations out to worker processes. The problem itself (formulation,
// cut separation, pricing, branching) is supplied by the caller through
// problem.Problem and problem.Solver; bnc never looks inside objects.
//
// # Quick Start
//
// In-process, with workers simulated on the caller's goroutine:
//
//	prob, _ := knapsack.New(inst)
//	rep, err := bnc.Solve(ctx, prob, prob.SolverFactory(),
//	    bnc.WithParam("relaxation_workers", "4"),
//	    bnc.WithParam("time_limit", "30s"),
//	)
//	fmt.Println(rep)
//
// Distributed over TCP:
//
//	// manager
//	host, _ := tcp.Listen(ctx, ":7070")
//	rep, err := bnc.RunManager(ctx, host, prob)
//
//	// each worker process
//	conn, _ := tcp.Dial(ctx, "manager:7070")
//	err := bnc.RunWorker(ctx, conn, prob, prob.SolverFactory())
//
// transport/redis provides the same over Redis lists.
//
// # Roles
//
// A single manager process keeps the tree and all node descriptions.
// Relaxation workers solve node relaxations, generate cuts and columns and
// propose branchings. Optional cut and column generator processes take
// separation and pricing off the relaxation workers. When the manager runs
// short of memory it demotes idle relaxation workers to storage workers and
// offloads subtrees to them; storage is backed by any blobstore.Store
// (memory, local directory, S3, MinIO).
//
// # Termination
//
// Every run produces a Report, also on failure:
//
//	rep, err := bnc.Solve(ctx, prob, newSolver)
//	var te *bnc.TerminationError
//	if errors.As(err, &te) {
//	    fmt.Println("stopped early:", te.Reason, "gap", rep.Gap())
//	}
//
// # Key Features
//
//   - Best-first, breadth-first and depth-first search with diving
//   - Delta-encoded node descriptions
//   - Memory balancing through storage workers
//   - Worker failure detection and requeueing
//   - Multi-phase column generation
//   - Prometheus metrics (observability/prometheus)
package bnc
