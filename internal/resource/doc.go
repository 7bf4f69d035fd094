// Package resource accounts the memory the manager spends on node
// descriptions and registry objects and paces offload traffic.
//
//   - Heap: Reserve/Release bytes against an optional limit (non-blocking, fail-fast)
//   - Writes: bound the parallel blob writes of a storage worker
//   - IO: token bucket pacing offload batches
//
// A nil *Controller is valid; every method becomes a no-op.
package resource
