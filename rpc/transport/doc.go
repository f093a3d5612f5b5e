// Package transport defines the datagram layer underneath the homa engine.
//
// A transport moves single datagrams between endpoints identified by
// netip.AddrPort. It gives no delivery or ordering guarantee. Two
// implementations exist:
//
//   - udp: a UDP socket with batched receives and DSCP marking
//   - memory: an in-process network for tests and benchmarks, with bounded
//     inboxes and hooks to drop or reorder packets
//
// Send reports local backpressure with ErrQueueFull, which the engine's pacer
// uses to stop draining until the queue has room again.
package transport
