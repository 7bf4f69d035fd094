package testutil

import (
	"math"
	"math/rand"
	"sync"

	"github.com/hupe1980/bnc/examples/knapsack"
)

// RNG struct encapsulates the random number generator and seed.
// It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Float64 returns a pseudo-random number in [0.0,1.0).
func (r *RNG) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Float64()
}

// Knapsack returns a random instance with n items. Capacity is about a
// third of the total weight and roughly one item in eight is heavier than
// the capacity, so fixing cuts are generated.
func (r *RNG) Knapsack(n int) knapsack.Instance {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst := knapsack.Instance{
		Values:  make([]float64, n),
		Weights: make([]float64, n),
	}
	total := 0.0
	for i := range n {
		inst.Weights[i] = float64(1 + r.rand.Intn(20))
		inst.Values[i] = float64(1 + r.rand.Intn(30))
		total += inst.Weights[i]
	}
	inst.Capacity = math.Floor(total / 3)
	for i := 0; i < n; i += 8 {
		inst.Weights[i] = inst.Capacity + float64(1+r.rand.Intn(5))
		inst.Values[i] = 10 * inst.Weights[i]
	}
	return inst
}

// KnapsackOptimum returns the best total value by exhaustive search. The
// search is exponential; keep instances below ~20 items.
func KnapsackOptimum(inst knapsack.Instance) float64 {
	n := len(inst.Values)
	best := 0.0
	for mask := 0; mask < 1<<n; mask++ {
		w, v := 0.0, 0.0
		for i := range n {
			if mask&(1<<i) != 0 {
				w += inst.Weights[i]
				v += inst.Values[i]
			}
		}
		if w <= inst.Capacity && v > best {
			best = v
		}
	}
	return best
}
