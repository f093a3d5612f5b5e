package reassembly

import (
	"math/rand"
	"testing"
)

func TestRecordSplitsAndShrinks(t *testing.T) {
	s := NewGapSet(1000)

	// split the initial gap
	if added, done := s.Record(400, 100); added != 100 || done {
		t.Fatalf("Record(400,100) = %d,%v; want 100,false", added, done)
	}
	gaps := s.Gaps()
	if len(gaps) != 2 || gaps[0] != (Gap{Start: 0, End: 400}) || gaps[1] != (Gap{Start: 500, End: 1000}) {
		t.Fatalf("unexpected gaps after split: %v", gaps)
	}

	// shrink the first gap from below
	s.Record(0, 100)
	// overlap both the received range and the second gap
	if added, _ := s.Record(450, 100); added != 50 {
		t.Errorf("overlapping segment should add 50 new bytes, got %d", added)
	}
	gaps = s.Gaps()
	if len(gaps) != 2 || gaps[0] != (Gap{Start: 100, End: 400}) || gaps[1] != (Gap{Start: 550, End: 1000}) {
		t.Fatalf("unexpected gaps: %v", gaps)
	}

	// close the first gap exactly
	s.Record(100, 300)
	if gaps = s.Gaps(); len(gaps) != 1 || gaps[0].Start != 550 {
		t.Fatalf("first gap should be closed, got %v", gaps)
	}
	if s.Received() != 550 {
		t.Errorf("Received() = %d, want 550", s.Received())
	}
}

func TestDuplicateSegmentsAreNoOps(t *testing.T) {
	s := NewGapSet(300)
	s.Record(0, 100)
	before := s.Gaps()

	if added, done := s.Record(0, 100); added != 0 || done {
		t.Errorf("duplicate Record = %d,%v; want 0,false", added, done)
	}
	if after := s.Gaps(); len(after) != len(before) || after[0] != before[0] {
		t.Errorf("duplicate changed gaps: %v -> %v", before, after)
	}

	s.Record(100, 200)
	if !s.Complete() {
		t.Fatal("message should be complete")
	}
	if added, done := s.Record(0, 300); added != 0 || done {
		t.Errorf("Record on a complete message = %d,%v; want 0,false", added, done)
	}
}

// TestAnyArrivalOrderCompletesOnce feeds the segments of a message in random
// orders, with duplicates, and checks the message completes exactly once
func TestAnyArrivalOrderCompletesOnce(t *testing.T) {
	const length = 10_000
	const seg = 1400
	rng := rand.New(rand.NewSource(1))

	for round := 0; round < 50; round++ {
		var offsets []int
		for off := 0; off < length; off += seg {
			offsets = append(offsets, off)
		}
		// add some duplicates
		for i := 0; i < 3; i++ {
			offsets = append(offsets, offsets[rng.Intn(len(offsets))])
		}
		rng.Shuffle(len(offsets), func(i, j int) { offsets[i], offsets[j] = offsets[j], offsets[i] })

		s := NewGapSet(length)
		completions, total := 0, 0
		for _, off := range offsets {
			added, done := s.Record(off, min(seg, length-off))
			total += added
			if done {
				completions++
			}
		}

		if completions != 1 {
			t.Fatalf("round %d: message completed %d times", round, completions)
		}
		if total != length || len(s.Gaps()) != 0 {
			t.Fatalf("round %d: total %d, gaps %v", round, total, s.Gaps())
		}
	}
}

func TestPendingResendsRespectsInterval(t *testing.T) {
	s := NewGapSet(5000)
	s.Record(1000, 1000)

	// tick 10: both gaps below the grant are requested
	got := s.PendingResends(10, 3, 5000)
	if len(got) != 2 || got[0].Start != 0 || got[1].Start != 2000 {
		t.Fatalf("unexpected resend ranges at tick 10: %v", got)
	}

	// tick 11: too early for both
	if got = s.PendingResends(11, 3, 5000); len(got) != 0 {
		t.Errorf("no resend expected within the interval, got %v", got)
	}

	// a split keeps the timestamp of the parent gap
	s.Record(3000, 100)
	if got = s.PendingResends(12, 3, 5000); len(got) != 0 {
		t.Errorf("split gaps should inherit the retry time, got %v", got)
	}

	if got = s.PendingResends(13, 3, 5000); len(got) != 3 {
		t.Errorf("all gaps are due at tick 13, got %v", got)
	}
}

func TestPendingResendsClipsAtGrant(t *testing.T) {
	s := NewGapSet(5000)
	s.Record(0, 200)

	// only [200,1000) is granted but missing
	got := s.PendingResends(1, 2, 1000)
	if len(got) != 1 || got[0].Start != 200 || got[0].End != 1000 {
		t.Fatalf("expected [200,1000), got %v", got)
	}

	// nothing granted beyond what arrived: nothing to request
	s2 := NewGapSet(5000)
	s2.Record(0, 200)
	if got := s2.PendingResends(1, 2, 200); len(got) != 0 {
		t.Errorf("ungranted bytes must not be requested, got %v", got)
	}

	// the clipped tail becomes requestable once granted
	if got := s.PendingResends(2, 2, 3000); len(got) != 1 || got[0].Start != 1000 || got[0].End != 3000 {
		t.Errorf("expected newly granted [1000,3000), got %v", got)
	}
}
