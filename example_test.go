package bnc_test

import (
	"context"
	"fmt"
	"log"

	"github.com/hupe1980/bnc"
	"github.com/hupe1980/bnc/examples/knapsack"
)

// Example solves a four-item knapsack in-process.
func Example() {
	prob, err := knapsack.New(knapsack.Instance{
		Values:   []float64{10, 13, 7, 8},
		Weights:  []float64{3, 4, 2, 3},
		Capacity: 7,
	})
	if err != nil {
		log.Fatal(err)
	}

	rep, err := bnc.Solve(context.Background(), prob, prob.SolverFactory(), bnc.WithRunID("example"))
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(rep.Reason)
	fmt.Printf("objective: %g\n", rep.UpperBound)
	// Output:
	// optimal
	// objective: -23
}

// Example_builder configures a run with the fluent builder.
func Example_builder() {
	prob, err := knapsack.New(knapsack.Instance{
		Values:   []float64{4, 5, 3},
		Weights:  []float64{2, 3, 1},
		Capacity: 3,
	})
	if err != nil {
		log.Fatal(err)
	}

	rep, err := bnc.For(prob, prob.SolverFactory()).
		Workers(2, 1, 0).
		Strategy("depth").
		Solve(context.Background())
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("objective: %g, gap: %.4f\n", rep.UpperBound, rep.Gap())
	// Output: objective: -7, gap: 0.0000
}
