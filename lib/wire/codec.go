package wire

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// Header sizes of each packet type (including the common header)
const (
	CommonHeaderLen  = 12
	DataHeaderLen    = CommonHeaderLen + 20
	GrantHeaderLen   = CommonHeaderLen + 5
	ResendHeaderLen  = CommonHeaderLen + 9
	AckHeaderLen     = CommonHeaderLen + 2
	CutoffsHeaderLen = CommonHeaderLen + NumCutoffs*4 + 2

	// MaxHeaderLen is the largest header Encode can produce
	MaxHeaderLen = AckHeaderLen + MaxAcks*8
)

// Flag bits of the common header
const (
	flagRetransmit byte = 1 << 0
	flagHasAck     byte = 1 << 1
	flagResendAll  byte = 1 << 2
)

var (
	// ErrShortPacket is returned for packets shorter than their header
	ErrShortPacket = errors.New("wire: packet shorter than its header")
	// ErrUnknownType is returned for packets with an unknown type byte
	ErrUnknownType = errors.New("wire: unknown packet type")
	// ErrMalformed is returned for packets whose fields are inconsistent
	ErrMalformed = errors.New("wire: malformed packet")
)

// --------------------------------------------------------------------------
// Encoding
// --------------------------------------------------------------------------

// AppendHeader appends the encoded header of p to dst and returns the extended
// slice. For DATA packets the payload is NOT appended; the transport sends it as a
// second buffer so the message bytes are never copied into the header buffer.
func AppendHeader(dst []byte, p *Packet) []byte {
	var flags byte
	if p.Retransmit {
		flags |= flagRetransmit
	}
	if p.AckID != 0 {
		flags |= flagHasAck
	}
	if p.ResendAll {
		flags |= flagResendAll
	}

	dst = append(dst, byte(p.Type), flags, 0, 0)
	dst = binary.BigEndian.AppendUint64(dst, p.SenderID)

	switch p.Type {
	case TypeData:
		dst = binary.BigEndian.AppendUint32(dst, p.MsgLen)
		dst = binary.BigEndian.AppendUint32(dst, p.Incoming)
		dst = binary.BigEndian.AppendUint32(dst, p.Offset)
		dst = binary.BigEndian.AppendUint64(dst, p.AckID)
	case TypeGrant:
		dst = binary.BigEndian.AppendUint32(dst, p.Offset)
		dst = append(dst, p.Priority)
	case TypeResend:
		dst = binary.BigEndian.AppendUint32(dst, p.Offset)
		dst = binary.BigEndian.AppendUint32(dst, p.Length)
		dst = append(dst, p.Priority)
	case TypeAck:
		acks := p.Acks
		if len(acks) > MaxAcks {
			acks = acks[:MaxAcks]
		}
		dst = binary.BigEndian.AppendUint16(dst, uint16(len(acks)))
		for _, id := range acks {
			dst = binary.BigEndian.AppendUint64(dst, id)
		}
	case TypeCutoffs:
		for _, c := range p.Cutoffs {
			dst = binary.BigEndian.AppendUint32(dst, c)
		}
		dst = binary.BigEndian.AppendUint16(dst, p.CutoffVersion)
	}
	return dst
}

// Encode returns the complete encoding of p, payload included.
func Encode(p *Packet) []byte {
	buf := AppendHeader(make([]byte, 0, DataHeaderLen+len(p.Payload)), p)
	return append(buf, p.Payload...)
}

// --------------------------------------------------------------------------
// Decoding
// --------------------------------------------------------------------------

// Decode parses a packet. The returned packet's Payload aliases buf.
func Decode(buf []byte) (*Packet, error) {
	if len(buf) < CommonHeaderLen {
		return nil, ErrShortPacket
	}

	p := &Packet{
		Type:     Type(buf[0]),
		SenderID: binary.BigEndian.Uint64(buf[4:12]),
	}
	flags := buf[1]

	need := headerLen(p.Type)
	if need < 0 {
		return nil, errors.Wrapf(ErrUnknownType, "type %#x", buf[0])
	}
	if len(buf) < need {
		return nil, errors.Wrapf(ErrShortPacket, "%s: %d < %d bytes", p.Type, len(buf), need)
	}

	b := buf[CommonHeaderLen:]
	switch p.Type {
	case TypeData:
		p.MsgLen = binary.BigEndian.Uint32(b[0:4])
		p.Incoming = binary.BigEndian.Uint32(b[4:8])
		p.Offset = binary.BigEndian.Uint32(b[8:12])
		p.Retransmit = flags&flagRetransmit != 0
		if flags&flagHasAck != 0 {
			p.AckID = binary.BigEndian.Uint64(b[12:20])
		}
		p.Payload = buf[DataHeaderLen:]

		if p.MsgLen == 0 {
			return nil, errors.Wrap(ErrMalformed, "DATA for an empty message")
		}
		if uint64(p.Offset)+uint64(len(p.Payload)) > uint64(p.MsgLen) {
			return nil, errors.Wrapf(ErrMalformed, "DATA segment [%d,%d) beyond message length %d",
				p.Offset, uint64(p.Offset)+uint64(len(p.Payload)), p.MsgLen)
		}
	case TypeGrant:
		p.Offset = binary.BigEndian.Uint32(b[0:4])
		p.Priority = b[4]
		p.ResendAll = flags&flagResendAll != 0
	case TypeResend:
		p.Offset = binary.BigEndian.Uint32(b[0:4])
		p.Length = binary.BigEndian.Uint32(b[4:8])
		p.Priority = b[8]
		if uint64(p.Offset)+uint64(p.Length) > 1<<32-1 {
			return nil, errors.Wrapf(ErrMalformed, "RESEND range [%d,+%d) overflows", p.Offset, p.Length)
		}
	case TypeAck:
		n := int(binary.BigEndian.Uint16(b[0:2]))
		if n > MaxAcks {
			return nil, errors.Wrapf(ErrMalformed, "ACK with %d ids", n)
		}
		if len(buf) < AckHeaderLen+n*8 {
			return nil, errors.Wrapf(ErrShortPacket, "ACK with %d ids in %d bytes", n, len(buf))
		}
		p.Acks = make([]uint64, n)
		for i := range p.Acks {
			off := AckHeaderLen + i*8
			p.Acks[i] = binary.BigEndian.Uint64(buf[off : off+8])
		}
	case TypeCutoffs:
		for i := range p.Cutoffs {
			p.Cutoffs[i] = binary.BigEndian.Uint32(b[i*4 : i*4+4])
		}
		p.CutoffVersion = binary.BigEndian.Uint16(b[NumCutoffs*4 : NumCutoffs*4+2])
	}

	return p, nil
}

// headerLen returns the minimum encoded length of a packet type, or -1 for unknown types
func headerLen(t Type) int {
	switch t {
	case TypeData:
		return DataHeaderLen
	case TypeGrant:
		return GrantHeaderLen
	case TypeResend:
		return ResendHeaderLen
	case TypeAck:
		return AckHeaderLen
	case TypeCutoffs:
		return CutoffsHeaderLen
	case TypeRPCUnknown, TypeBusy, TypeFreeze, TypeNeedAck:
		return CommonHeaderLen
	default:
		return -1
	}
}
