package reassembly

import (
	"github.com/cockroachdb/errors"
)

// Segment is a range of an outgoing message handed to the network layer
type Segment struct {
	Offset int
	Length int
}

// End returns the first offset after the segment
func (s Segment) End() int { return s.Offset + s.Length }

// Cursor tracks transmission progress of an outgoing message: bytes below Next
// have been handed to the network, bytes below Granted may be.
type Cursor struct {
	length  int
	next    int
	granted int
}

// NewCursor creates a cursor for a message of the given length with an initial
// (unscheduled) grant.
func NewCursor(length, unscheduled int) *Cursor {
	if length <= 0 {
		panic(errors.AssertionFailedf("cursor for message of length %d", length))
	}
	return &Cursor{
		length:  length,
		granted: min(max(unscheduled, 0), length),
	}
}

// Length returns the message length
func (c *Cursor) Length() int { return c.length }

// Next returns the first offset not yet transmitted
func (c *Cursor) Next() int { return c.next }

// Granted returns the granted watermark
func (c *Cursor) Granted() int { return c.granted }

// Sendable returns the number of granted bytes that have not been transmitted
func (c *Cursor) Sendable() int { return c.granted - c.next }

// Unsent returns the number of bytes that have not been transmitted, granted or not
func (c *Cursor) Unsent() int { return c.length - c.next }

// Done reports whether the whole message has been transmitted
func (c *Cursor) Done() bool { return c.next == c.length }

// Grant raises the granted watermark to offset (clamped to the message length).
// Grants never regress: a lower offset is ignored. It reports whether the
// watermark moved.
func (c *Cursor) Grant(offset int) bool {
	offset = min(offset, c.length)
	if offset <= c.granted {
		return false
	}
	c.granted = offset
	return true
}

// PeekSegment returns the next segment to transmit, at most maxPayload bytes and
// never beyond the granted watermark, without moving the cursor. ok is false when
// nothing granted is left to send.
func (c *Cursor) PeekSegment(maxPayload int) (seg Segment, ok bool) {
	if maxPayload <= 0 {
		panic(errors.AssertionFailedf("segment payload limit %d", maxPayload))
	}
	if c.next >= c.granted {
		return Segment{}, false
	}
	return Segment{Offset: c.next, Length: min(maxPayload, c.granted-c.next)}, true
}

// Advance moves the cursor past seg, a segment obtained from PeekSegment
func (c *Cursor) Advance(seg Segment) {
	if seg.Offset != c.next || seg.End() > c.granted {
		panic(errors.AssertionFailedf("advance by %v from %d with grant %d", seg, c.next, c.granted))
	}
	c.next = seg.End()
}

// Retransmit splits the already transmitted part of [start, end) into segments of
// at most maxPayload bytes. The cursor does not move; bytes at or above Next are
// left to the regular transmit path.
func (c *Cursor) Retransmit(start, end, maxPayload int) []Segment {
	start = max(start, 0)
	end = min(end, c.next)
	var segs []Segment
	for off := start; off < end; off += maxPayload {
		segs = append(segs, Segment{Offset: off, Length: min(maxPayload, end-off)})
	}
	return segs
}

// Restart rewinds the cursor so the message is transmitted again from the start,
// keeping only the unscheduled grant. Used when the receiver lost all state for
// the message.
func (c *Cursor) Restart(unscheduled int) {
	c.next = 0
	c.granted = min(max(unscheduled, 0), c.length)
}
