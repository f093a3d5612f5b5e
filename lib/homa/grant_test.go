package homa

import (
	"net/netip"
	"slices"
	"testing"

	"github.com/ValentinKolb/homa/lib/wire"
	"github.com/ValentinKolb/homa/rpc/common"
)

func grantConfig(overcommit int) func(cfg *common.Config) {
	return func(cfg *common.Config) {
		cfg.MaxOvercommit = overcommit
		cfg.UnschedBytes = 1000
		cfg.GrantWindow = 2000
		cfg.MaxIncoming = 1000000
	}
}

// firstPacket delivers the first 1000 bytes of a request with only the
// unscheduled bytes granted
func firstPacket(s *Socket, addr netip.AddrPort, clientID uint64, length int) {
	s.OnPacket(addr, dataPacket(clientID, length, 1000, 0, 1000))
}

func endRPC(s *Socket, r *RPC) {
	r.mu.Lock()
	s.registry.end(r)
	r.mu.Unlock()
	s.flushGrants()
}

func TestOneActiveMessagePerPeer(t *testing.T) {
	s, _ := newTestSocket(t, grantConfig(4))

	firstPacket(s, peerA, 100, 50000)
	if ids := s.grants.activeIDs(); !slices.Equal(ids, []uint64{101}) {
		t.Fatalf("Expected active set [101], got %v", ids)
	}

	// a shorter message of the same peer takes its place
	firstPacket(s, peerA, 102, 40000)
	if ids := s.grants.activeIDs(); !slices.Equal(ids, []uint64{103}) {
		t.Fatalf("Expected active set [103], got %v", ids)
	}

	firstPacket(s, peerB, 200, 10000)
	if ids := s.grants.activeIDs(); !slices.Equal(ids, []uint64{201, 103}) {
		t.Fatalf("Expected active set [201 103], got %v", ids)
	}

	s.grants.mu.Lock()
	seen := make(map[uint64]bool)
	for _, r := range s.grants.active {
		if seen[r.peer.ID()] {
			t.Errorf("Peer of %s has two active messages", r)
		}
		seen[r.peer.ID()] = true
	}
	s.grants.mu.Unlock()

	// once the active message of peer A ends its other message is promoted
	endRPC(s, serverRPC(t, s, peerA, 102))
	if ids := s.grants.activeIDs(); !slices.Equal(ids, []uint64{201, 101}) {
		t.Errorf("Expected active set [201 101], got %v", ids)
	}
	if active, waiting, _ := s.grants.counts(); active != 2 || waiting != 0 {
		t.Errorf("Expected 2 active and 0 waiting messages, got %d and %d", active, waiting)
	}
}

func TestDisplacementAndTies(t *testing.T) {
	s, _ := newTestSocket(t, grantConfig(1))

	firstPacket(s, peerA, 100, 20000)
	if ids := s.grants.activeIDs(); !slices.Equal(ids, []uint64{101}) {
		t.Fatalf("Expected active set [101], got %v", ids)
	}

	// 9000 ungranted bytes beat the 17000 of the active message
	firstPacket(s, peerB, 200, 10000)
	if ids := s.grants.activeIDs(); !slices.Equal(ids, []uint64{201}) {
		t.Fatalf("Expected the shorter message to displace the active one, got %v", ids)
	}

	// 7000 ungranted bytes against 7000: the incumbent stays
	firstPacket(s, peerC, 300, 8000)
	if ids := s.grants.activeIDs(); !slices.Equal(ids, []uint64{201}) {
		t.Fatalf("Expected a tie to keep the active message, got %v", ids)
	}
	if _, waiting, _ := s.grants.counts(); waiting != 2 {
		t.Errorf("Expected 2 waiting messages, got %d", waiting)
	}

	// the best waiting message is promoted
	endRPC(s, serverRPC(t, s, peerB, 200))
	if ids := s.grants.activeIDs(); !slices.Equal(ids, []uint64{301}) {
		t.Errorf("Expected 301 to be promoted, got %v", ids)
	}
}

func TestGrantsNeverRegress(t *testing.T) {
	s, tr := newTestSocket(t, grantConfig(4))

	const length = 20000
	for off := 0; off < length; off += 1000 {
		s.OnPacket(peerA, dataPacket(100, length, 1000, off, 1000))
	}

	grants := filterPackets(tr.take(), wire.TypeGrant, peerA)
	if len(grants) == 0 {
		t.Fatalf("Expected GRANT packets")
	}
	last := uint32(1000)
	for i, g := range grants {
		if g.SenderID != 101 {
			t.Errorf("Grant %d: expected rpc 101, got %d", i, g.SenderID)
		}
		if g.Offset <= last {
			t.Errorf("Grant %d: offset %d does not exceed the previous %d", i, g.Offset, last)
		}
		if g.Offset > length {
			t.Errorf("Grant %d: offset %d beyond the message", i, g.Offset)
		}
		last = g.Offset
	}
	if last != length {
		t.Errorf("Expected the final grant to cover the message, got %d", last)
	}

	msg := receive(t, s)
	if len(msg.Body) != length {
		t.Errorf("Expected a %d byte message, got %d", length, len(msg.Body))
	}
	if active, _, incoming := s.grants.counts(); active != 0 || incoming != 0 {
		t.Errorf("Expected no grant state left, got %d active and %d incoming bytes", active, incoming)
	}
}

func TestGrantWindowLimitsGrants(t *testing.T) {
	s, tr := newTestSocket(t, grantConfig(4))

	firstPacket(s, peerA, 100, 50000)
	grants := filterPackets(tr.take(), wire.TypeGrant, peerA)
	if len(grants) != 1 {
		t.Fatalf("Expected 1 GRANT, got %d", len(grants))
	}
	// 1000 bytes received plus a 2000 byte window
	if grants[0].Offset != 3000 {
		t.Errorf("Expected a grant up to 3000, got %d", grants[0].Offset)
	}
	if grants[0].Priority != uint8(s.cfg.NumPriorities-2) {
		t.Errorf("Expected priority %d for rank 0, got %d", s.cfg.NumPriorities-2, grants[0].Priority)
	}
}

func TestMaxIncomingLimitsGrants(t *testing.T) {
	s, _ := newTestSocket(t, func(cfg *common.Config) {
		cfg.MaxOvercommit = 2
		cfg.UnschedBytes = 200
		cfg.GrantWindow = 10000
		cfg.MaxIncoming = 10000
	})

	s.OnPacket(peerA, dataPacket(100, 100000, 200, 0, 200))
	s.OnPacket(peerB, dataPacket(200, 5000, 200, 0, 200))

	a := serverRPC(t, s, peerA, 100)
	b := serverRPC(t, s, peerB, 200)
	if g := a.msgin.granted.Load(); g != 10200 {
		t.Errorf("Expected the first message granted up to 10200, got %d", g)
	}
	if g := b.msgin.granted.Load(); g != 200 {
		t.Errorf("Expected the second message to get no grant, got %d", g)
	}
	if _, _, incoming := s.grants.counts(); incoming != 10000 {
		t.Errorf("Expected 10000 incoming bytes, got %d", incoming)
	}
}
