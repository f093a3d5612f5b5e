package wire

import (
	"bytes"
	"testing"

	"github.com/cockroachdb/errors"
)

func TestDataRoundTrip(t *testing.T) {
	payload := []byte("hello, world")
	p := NewData(42, 1000, 600, 100, payload, true)
	p.AckID = 8

	got, err := Decode(Encode(p))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if got.Type != TypeData || got.SenderID != 42 || got.MsgLen != 1000 || got.Incoming != 600 ||
		got.Offset != 100 || !got.Retransmit || got.AckID != 8 {
		t.Errorf("Decoded DATA header mismatch: %+v", got)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Errorf("Payload mismatch: got %q, want %q", got.Payload, payload)
	}
}

func TestAppendHeaderLeavesPayloadOut(t *testing.T) {
	p := NewData(2, 100, 100, 0, make([]byte, 50), false)
	hdr := AppendHeader(nil, p)
	if len(hdr) != DataHeaderLen {
		t.Errorf("DATA header should be %d bytes, got %d", DataHeaderLen, len(hdr))
	}
}

func TestAckAndCutoffs(t *testing.T) {
	got, err := Decode(Encode(NewAck(3, []uint64{2, 4, 6})))
	if err != nil {
		t.Fatalf("Decode ACK failed: %v", err)
	}
	if len(got.Acks) != 3 || got.Acks[0] != 2 || got.Acks[2] != 6 {
		t.Errorf("ACK ids mismatch: %v", got.Acks)
	}

	cutoffs := [NumCutoffs]uint32{1, 2, 3, 4, 5, 6, 7, 8}
	got, err = Decode(Encode(NewCutoffs(5, cutoffs, 9)))
	if err != nil {
		t.Fatalf("Decode CUTOFFS failed: %v", err)
	}
	if got.Cutoffs != cutoffs || got.CutoffVersion != 9 {
		t.Errorf("CUTOFFS mismatch: %v v%d", got.Cutoffs, got.CutoffVersion)
	}
}

func TestDecodeRejectsBadPackets(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
		want error
	}{
		{"empty", nil, ErrShortPacket},
		{"unknown type", append([]byte{0x7f}, make([]byte, 11)...), ErrUnknownType},
		{"short grant", Encode(NewGrant(1, 10, 0, false))[:GrantHeaderLen-1], ErrShortPacket},
		{"segment beyond length", Encode(NewData(1, 10, 10, 5, make([]byte, 6), false)), ErrMalformed},
		{"empty message", Encode(NewData(1, 0, 0, 0, nil, false)), ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.buf)
			if !errors.Is(err, tt.want) {
				t.Errorf("Decode() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestIDHelpers(t *testing.T) {
	if !IsClientID(10) || IsClientID(11) {
		t.Error("even ids belong to clients, odd ids to servers")
	}
	if LocalID(10) != 11 || LocalID(11) != 10 {
		t.Error("LocalID should flip the low bit")
	}
}
