package transport

import (
	"context"
	"net/netip"

	"github.com/cockroachdb/errors"
)

var (
	// ErrQueueFull is returned by Send when the outgoing queue cannot take another
	// packet. The packet was not sent and may be retried later.
	ErrQueueFull = errors.New("transport queue full")

	// ErrClosed is returned once the transport has been closed
	ErrClosed = errors.New("transport closed")
)

// PacketHandleFunc is called by a transport for every received datagram. pkt is
// only valid for the duration of the call.
type PacketHandleFunc func(src netip.AddrPort, pkt []byte)

// IPacketTransport is the datagram layer the homa engine runs on. Delivery is
// unreliable and unordered; the engine recovers from loss itself.
type IPacketTransport interface {
	// Send transmits one datagram made of hdr followed by payload to dst
	Send(dst netip.AddrPort, hdr, payload []byte) error
	// Serve delivers received datagrams to handler until ctx is done or the
	// transport is closed. It is called at most once.
	Serve(ctx context.Context, handler PacketHandleFunc) error
	// LocalAddr returns the address peers use to reach this transport
	LocalAddr() netip.AddrPort
	// Resolve returns a route handle for dst, or an error if dst cannot be reached
	Resolve(dst netip.AddrPort) (any, error)
	// Close releases the transport. Pending Serve calls return.
	Close() error
}
