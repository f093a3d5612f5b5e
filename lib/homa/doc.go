// Package homa implements a receiver-driven RPC transport engine on top of a
// datagram transport.
//
// A Socket carries request/response exchanges (RPCs) between hosts. Messages are
// split into DATA packets; the first UnschedBytes of a message are sent right
// away, the rest only once the receiver authorizes it with GRANT packets. The
// receiver grants to a bounded set of messages at a time, preferring the ones
// with the fewest bytes left (an approximation of shortest remaining processing
// time), and never more than one message per sending peer.
//
// The engine recovers from loss on its own. A timer ticks every TickInterval,
// counts ticks without progress per RPC and asks the sender for missing byte
// ranges with RESEND packets, eventually timing the RPC out. Servers ask clients
// to acknowledge responses (NEED_ACK/ACK) so they can discard their state.
//
// Lock order: an RPC's own lock is taken before the grant engine lock or the
// pacer lock, never the other way around. Packets are sent after the grant lock
// is released. The registry indexes and the peer table are lock-free maps and
// lookups never wait for a busy RPC.
//
// Goroutines started by Socket.Start:
//
//   - the receive loop, which hands every datagram to OnPacket
//   - the timer, which calls tick once per TickInterval
//   - the pacer, which releases large messages at link rate
package homa
