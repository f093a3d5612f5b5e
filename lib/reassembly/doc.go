// Package reassembly tracks which byte ranges of a message have arrived (receiver
// side) and which must still be transmitted (sender side).
//
// GapSet keeps the unreceived ranges of an incoming message as an ordered list of
// non-overlapping gaps. Segments may arrive in any order and any number of times;
// the resulting gap set only depends on the union of the arrived ranges.
//
// Cursor is the sender's view of an outgoing message: the next offset that has not
// been transmitted yet and the granted watermark the receiver has authorized.
//
// Neither type is safe for concurrent use; the engine guards both with the lock of
// the RPC that owns them.
package reassembly
