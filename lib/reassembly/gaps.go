package reassembly

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Gap is a range [Start, End) of a message that has not been received.
// LastRetry is the tick at which a retransmission of the gap was last requested
// (0 = never).
type Gap struct {
	Start     int
	End       int
	LastRetry uint64
}

// Len returns the number of bytes in the gap
func (g Gap) Len() int { return g.End - g.Start }

func (g Gap) String() string {
	return fmt.Sprintf("[%d,%d)", g.Start, g.End)
}

// GapSet tracks the unreceived ranges of a message of fixed length.
type GapSet struct {
	length   int
	received int
	gaps     []Gap
	complete bool
}

// NewGapSet creates a gap set for a message of the given length; initially the
// whole message is one gap.
func NewGapSet(length int) *GapSet {
	if length <= 0 {
		panic(errors.AssertionFailedf("gap set for message of length %d", length))
	}
	return &GapSet{
		length: length,
		gaps:   []Gap{{Start: 0, End: length}},
	}
}

// Length returns the message length
func (s *GapSet) Length() int { return s.length }

// Received returns the number of distinct bytes received so far
func (s *GapSet) Received() int { return s.received }

// Complete reports whether every byte of the message has arrived
func (s *GapSet) Complete() bool { return s.complete }

// Gaps returns a copy of the current gaps in ascending order
func (s *GapSet) Gaps() []Gap {
	out := make([]Gap, len(s.gaps))
	copy(out, s.gaps)
	return out
}

// Record notes the arrival of [offset, offset+n). It returns the number of bytes
// that were not received before, and done = true exactly once: on the call that
// fills the last gap. Duplicate and overlapping segments only count their new bytes.
//
// Callers validate the segment against the message length before recording it;
// a segment outside [0, length) is an assertion failure.
func (s *GapSet) Record(offset, n int) (added int, done bool) {
	end := offset + n
	if offset < 0 || n < 0 || end > s.length {
		panic(errors.AssertionFailedf("segment [%d,%d) outside message of length %d", offset, end, s.length))
	}
	if n == 0 || s.complete {
		return 0, false
	}

	// gaps are sorted and disjoint, so rebuild the list in one pass
	out := s.gaps[:0:0]
	for _, g := range s.gaps {
		if end <= g.Start || offset >= g.End {
			out = append(out, g)
			continue
		}

		// the segment overlaps g: keep the parts of g on either side
		lo, hi := max(offset, g.Start), min(end, g.End)
		added += hi - lo
		if g.Start < lo {
			out = append(out, Gap{Start: g.Start, End: lo, LastRetry: g.LastRetry})
		}
		if hi < g.End {
			out = append(out, Gap{Start: hi, End: g.End, LastRetry: g.LastRetry})
		}
	}
	s.gaps = out
	s.received += added

	if s.received > s.length {
		panic(errors.AssertionFailedf("received %d bytes of a %d byte message", s.received, s.length))
	}
	if len(s.gaps) == 0 {
		s.complete = true
		return added, true
	}
	return added, false
}

// PendingResends returns the unreceived ranges below the granted watermark that
// should be requested again: ranges never requested before or last requested at
// least retryInterval ticks before now. Gaps are clipped at granted since bytes
// above the watermark have not been authorized and are not expected yet.
// The selected gaps are stamped with now.
func (s *GapSet) PendingResends(now, retryInterval uint64, granted int) []Gap {
	var out []Gap
	for i := range s.gaps {
		g := &s.gaps[i]
		if g.Start >= granted {
			break
		}
		if g.LastRetry != 0 && now-g.LastRetry < retryInterval {
			continue
		}

		// stamp the whole gap, the unauthorized tail is requested once it is granted
		// and split off by then
		if g.End > granted {
			tail := Gap{Start: granted, End: g.End, LastRetry: g.LastRetry}
			g.End = granted
			g.LastRetry = now
			out = append(out, *g)
			s.insertAfter(i, tail)
			break
		}
		g.LastRetry = now
		out = append(out, *g)
	}
	return out
}

// insertAfter inserts g right after position i
func (s *GapSet) insertAfter(i int, g Gap) {
	s.gaps = append(s.gaps, Gap{})
	copy(s.gaps[i+2:], s.gaps[i+1:])
	s.gaps[i+1] = g
}
