// Package transport holds what the distributed message.Channel backends
// share: the envelope codec, length-prefixed framing and the receive loop
// over a buffered inbox.
//
// Backends:
//
//	local  single-process simulation, handlers run on the sender's stack
//	tcp    star topology around the manager, which relays worker-to-worker traffic
//	redis  one list per mailbox, liveness through expiring keys
package transport
