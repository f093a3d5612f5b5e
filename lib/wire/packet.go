package wire

import (
	"fmt"
)

// --------------------------------------------------------------------------
// Packet Type Definition
// --------------------------------------------------------------------------

// Type identifies the kind of packet.
type Type uint8

const (
	TypeData       Type = 0x10 // message payload segment
	TypeGrant      Type = 0x11 // receiver authorizes more bytes
	TypeResend     Type = 0x12 // receiver requests retransmission of a range
	TypeRPCUnknown Type = 0x13 // receiver has no record of the RPC
	TypeBusy       Type = 0x14 // keep-alive, sender is alive but has nothing to send
	TypeCutoffs    Type = 0x15 // priority cutoff advertisement
	TypeFreeze     Type = 0x16 // debug trace freeze
	TypeNeedAck    Type = 0x17 // server asks the client to acknowledge a response
	TypeAck        Type = 0x18 // client acknowledges completed RPCs
)

// String returns the string representation of a Type.
func (t Type) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeGrant:
		return "GRANT"
	case TypeResend:
		return "RESEND"
	case TypeRPCUnknown:
		return "RPC_UNKNOWN"
	case TypeBusy:
		return "BUSY"
	case TypeCutoffs:
		return "CUTOFFS"
	case TypeFreeze:
		return "FREEZE"
	case TypeNeedAck:
		return "NEED_ACK"
	case TypeAck:
		return "ACK"
	default:
		return fmt.Sprintf("UNKNOWN(%#x)", uint8(t))
	}
}

// Types lists every packet type, in wire order.
var Types = []Type{TypeData, TypeGrant, TypeResend, TypeRPCUnknown, TypeBusy,
	TypeCutoffs, TypeFreeze, TypeNeedAck, TypeAck}

// NumCutoffs is the number of priority levels advertised in a CUTOFFS packet.
const NumCutoffs = 8

// MaxAcks bounds the number of ids carried by one ACK packet.
const MaxAcks = 64

// --------------------------------------------------------------------------
// Packet Structure
// --------------------------------------------------------------------------

// Packet is a decoded packet. Which fields are used depends on the type.
type Packet struct {
	Type     Type
	SenderID uint64 // RPC id on the sending host

	// DATA fields
	MsgLen     uint32 // total length of the message
	Incoming   uint32 // bytes the sender believes it may send (unscheduled or granted)
	Retransmit bool   // segment is a retransmission
	AckID      uint64 // piggybacked ACK for a completed client RPC (0 = none)
	Payload    []byte // segment data, aliases the decoded buffer

	// DATA, GRANT and RESEND
	Offset uint32 // DATA: segment offset, GRANT: new granted watermark, RESEND: range start

	// RESEND
	Length uint32 // length of the requested range

	// GRANT and RESEND
	Priority  uint8
	ResendAll bool // GRANT: sender should retransmit everything granted so far

	// ACK
	Acks []uint64 // completed client RPC ids

	// CUTOFFS
	Cutoffs       [NumCutoffs]uint32
	CutoffVersion uint16
}

// String returns a short human readable description, used in log lines.
func (p *Packet) String() string {
	switch p.Type {
	case TypeData:
		return fmt.Sprintf("%s id %d offset %d len %d/%d", p.Type, p.SenderID, p.Offset, len(p.Payload), p.MsgLen)
	case TypeGrant:
		return fmt.Sprintf("%s id %d offset %d prio %d", p.Type, p.SenderID, p.Offset, p.Priority)
	case TypeResend:
		return fmt.Sprintf("%s id %d range [%d,%d) prio %d", p.Type, p.SenderID, p.Offset, p.Offset+p.Length, p.Priority)
	case TypeAck:
		return fmt.Sprintf("%s id %d acks %v", p.Type, p.SenderID, p.Acks)
	default:
		return fmt.Sprintf("%s id %d", p.Type, p.SenderID)
	}
}

// --------------------------------------------------------------------------
// RPC id helpers
// --------------------------------------------------------------------------

// IsClientID reports whether id belongs to the client side of an RPC.
func IsClientID(id uint64) bool {
	return id&1 == 0
}

// LocalID converts the id carried in a packet into the id used by its receiver.
func LocalID(senderID uint64) uint64 {
	return senderID ^ 1
}

// --------------------------------------------------------------------------
// Packet Factory Functions
// --------------------------------------------------------------------------

// NewData creates a DATA packet for a segment of a message
func NewData(id uint64, msgLen, incoming, offset uint32, payload []byte, retransmit bool) *Packet {
	return &Packet{
		Type:       TypeData,
		SenderID:   id,
		MsgLen:     msgLen,
		Incoming:   incoming,
		Offset:     offset,
		Payload:    payload,
		Retransmit: retransmit,
	}
}

// NewGrant creates a GRANT packet
func NewGrant(id uint64, offset uint32, priority uint8, resendAll bool) *Packet {
	return &Packet{
		Type:      TypeGrant,
		SenderID:  id,
		Offset:    offset,
		Priority:  priority,
		ResendAll: resendAll,
	}
}

// NewResend creates a RESEND packet for the range [offset, offset+length)
func NewResend(id uint64, offset, length uint32, priority uint8) *Packet {
	return &Packet{
		Type:     TypeResend,
		SenderID: id,
		Offset:   offset,
		Length:   length,
		Priority: priority,
	}
}

// NewControl creates a packet that consists of the common header only
// (RPC_UNKNOWN, BUSY, NEED_ACK, FREEZE)
func NewControl(t Type, id uint64) *Packet {
	return &Packet{
		Type:     t,
		SenderID: id,
	}
}

// NewAck creates an ACK packet for the given completed client RPC ids
func NewAck(id uint64, acks []uint64) *Packet {
	return &Packet{
		Type:     TypeAck,
		SenderID: id,
		Acks:     acks,
	}
}

// NewCutoffs creates a CUTOFFS packet
func NewCutoffs(id uint64, cutoffs [NumCutoffs]uint32, version uint16) *Packet {
	return &Packet{
		Type:          TypeCutoffs,
		SenderID:      id,
		Cutoffs:       cutoffs,
		CutoffVersion: version,
	}
}
