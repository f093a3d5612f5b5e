// Package peer keeps per-destination state shared by all RPCs addressed to the
// same remote endpoint.
//
// Peers are reference counted. Lookups never block on writers: the index is an
// xsync.MapOf and a reader takes a reference with a compare-and-swap that fails
// once the peer has been retired. Idle peers are unlinked eagerly by Prune and
// parked on a dead list; Reap frees them only after a grace period, so a reader
// that loaded the pointer before the unlink can still inspect it safely.
package peer
