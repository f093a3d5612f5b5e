package reassembly

import (
	"bytes"
	"math/rand"
	"testing"
)

// nextSegment takes the next segment the way the transmit path does
func nextSegment(c *Cursor, maxPayload int) (Segment, bool) {
	seg, ok := c.PeekSegment(maxPayload)
	if ok {
		c.Advance(seg)
	}
	return seg, ok
}

func TestCursorHonorsGrant(t *testing.T) {
	c := NewCursor(5000, 2000)

	var segs []Segment
	for {
		seg, ok := nextSegment(c, 1400)
		if !ok {
			break
		}
		segs = append(segs, seg)
	}
	if len(segs) != 2 || segs[1] != (Segment{Offset: 1400, Length: 600}) {
		t.Fatalf("unexpected segments within the unscheduled grant: %v", segs)
	}
	if c.Next() != 2000 || c.Sendable() != 0 {
		t.Errorf("cursor at %d with %d sendable, want 2000 and 0", c.Next(), c.Sendable())
	}

	if c.Grant(1000) {
		t.Error("a lower grant must not move the watermark")
	}
	if !c.Grant(9000) || c.Granted() != 5000 {
		t.Errorf("grant should be clamped to the message length, got %d", c.Granted())
	}
}

func TestRetransmitDoesNotMoveCursor(t *testing.T) {
	c := NewCursor(5000, 5000)
	for i := 0; i < 3; i++ {
		nextSegment(c, 1000)
	}

	segs := c.Retransmit(500, 4000, 1000)
	if len(segs) != 3 || segs[0].Offset != 500 || segs[2].End() != 3000 {
		t.Errorf("retransmit should cover only sent bytes [500,3000), got %v", segs)
	}
	if c.Next() != 3000 {
		t.Errorf("Retransmit moved the cursor to %d", c.Next())
	}

	c.Restart(1000)
	if c.Next() != 0 || c.Granted() != 1000 {
		t.Errorf("Restart should rewind to 0 with the unscheduled grant, got %d/%d", c.Next(), c.Granted())
	}
}

func TestPeekThenAdvance(t *testing.T) {
	c := NewCursor(3000, 3000)
	seg, ok := c.PeekSegment(1400)
	if !ok || seg != (Segment{Offset: 0, Length: 1400}) {
		t.Fatalf("unexpected peeked segment %v", seg)
	}
	if c.Next() != 0 {
		t.Errorf("PeekSegment moved the cursor to %d", c.Next())
	}
	c.Advance(seg)
	if c.Next() != 1400 {
		t.Errorf("cursor at %d after Advance, want 1400", c.Next())
	}

	defer func() {
		if recover() == nil {
			t.Error("advancing by a stale segment should panic")
		}
	}()
	c.Advance(seg)
}

// TestSegmentReassembleRoundTrip segments a message, delivers the segments in a
// random permutation and checks the reassembled bytes
func TestSegmentReassembleRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	msg := make([]byte, 23_456)
	rng.Read(msg)

	c := NewCursor(len(msg), 3000)
	var segs []Segment
	for !c.Done() {
		seg, ok := nextSegment(c, 1400)
		if !ok {
			c.Grant(c.Granted() + 5000)
			continue
		}
		segs = append(segs, seg)
	}
	rng.Shuffle(len(segs), func(i, j int) { segs[i], segs[j] = segs[j], segs[i] })

	out := make([]byte, len(msg))
	s := NewGapSet(len(msg))
	for _, seg := range segs {
		copy(out[seg.Offset:seg.End()], msg[seg.Offset:seg.End()])
		s.Record(seg.Offset, seg.Length)
	}

	if !s.Complete() {
		t.Fatalf("message incomplete, gaps %v", s.Gaps())
	}
	if !bytes.Equal(out, msg) {
		t.Error("reassembled message differs from the original")
	}
}
