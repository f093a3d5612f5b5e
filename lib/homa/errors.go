package homa

import (
	"github.com/ValentinKolb/homa/lib/peer"
	"github.com/cockroachdb/errors"
)

var (
	// ErrResourceExhausted is returned when the socket has no RPC slots left
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrPeerUnreachable is returned when no route to the destination exists
	ErrPeerUnreachable = peer.ErrUnreachable
	// ErrTimeout is the error of an RPC whose peer stopped responding
	ErrTimeout = errors.New("rpc timed out")
	// ErrProtocolViolation marks packets that were dropped as malformed
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrRPCUnknown is the error of an RPC the peer has no record of
	ErrRPCUnknown = errors.New("rpc unknown to peer")
	// ErrSocketClosed is returned by every operation on a closed socket
	ErrSocketClosed = errors.New("socket closed")
	// ErrCanceled is the error of an RPC aborted by the application
	ErrCanceled = errors.New("rpc canceled")
	// ErrEmptyMessage is returned when sending a message without bytes
	ErrEmptyMessage = errors.New("empty message")
	// ErrMessageTooLong is returned when a message exceeds the receive buffer capacity
	ErrMessageTooLong = errors.New("message too long")
)

// protocolError marks a wire decoding error as a protocol violation
func protocolError(err error) error {
	return errors.Mark(err, ErrProtocolViolation)
}
