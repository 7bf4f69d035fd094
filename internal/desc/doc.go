// Package desc encodes the mutable part of a search-tree node.
//
// A Description holds three change-sets (core bounds, extra columns, extra
// constraints) plus an optional warm-start blob and user payload. Each
// change-set is stored in one of four modes:
//
//   - Explicit: the full entry list
//   - WrtParent: deletions, bound rewrites and additions against the parent's state
//   - WrtCore: bound rewrites against the unconditional core
//   - NoData: identical to the parent
//
// Update is the single decoding primitive. Resolve walks an ancestor chain
// iteratively to rebuild a node's explicit State, and Choose picks the
// cheapest representation when a node's state is stored.
package desc
