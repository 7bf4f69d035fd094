// Package worker implements the worker side of a run: one process serves a
// single role at a time (relaxation, cut generator, column generator or
// storage) and is driven entirely by messages from the manager.
//
// A Worker is a message handler. Run pumps a Channel into Handle for
// transports with real processes; the simulation transport calls Handle
// directly on the sender's stack. Every worker first completes the
// bootstrap sequence
//
//	AssignRole, Parameters, CoreDescription, InitialPayload
//
// and any other order is a protocol violation. A relaxation worker may later
// be demoted: AssignRole(Storage) followed by CoreDescription switches its role.
package worker
