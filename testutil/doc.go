// Package testutil provides testing utilities for bnc.
//
// This package is intended for use in tests only. It provides a seeded,
// thread-safe RNG (usable as the dive random source), random knapsack
// instances and their exact optimum for verifying end-to-end runs.
//
//	rng := testutil.NewRNG(4711)
//	inst := rng.Knapsack(12)
//	best := testutil.KnapsackOptimum(inst)
package testutil
