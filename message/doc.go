// Package message defines the process-to-process communication contract used by
// the tree manager and its workers.
//
// Every message is a (Tag, Sender, Payload) triple. Tags form a closed set
// covering control traffic (role assignment, parameters, core description),
// tree-node transfer (dispatch, branching results, terminal outcomes) and
// storage balancing (offload, fetch, delete). Payload bytes are produced with
// package wire; the Channel never inspects them.
//
// Three Channel implementations exist:
//
//   - transport/local: single-process simulation, sends dispatch synchronously
//   - transport/tcp: length-prefixed frames over TCP, manager as the hub
//   - transport/redis: list-based mailboxes in Redis with TTL liveness keys
//
// The orchestration code only depends on this package, so the same manager and
// worker state machines run unchanged on each backend.
package message
