package homa

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/btree"
	"github.com/lni/dragonboat/v4/logger"
)

var grantLog = logger.GetLogger("homa/grant")

// grantState is the per-RPC view of the grant engine, guarded by grantEngine.mu
type grantState struct {
	managed  bool
	length   int
	capacity int // bytes covered by the allocated buffer pages
	received int
	granted  int
	incoming int    // granted but not yet received, part of totalIncoming
	seq      uint64 // arrival order, breaks ties
	rank     int    // position in the active set, -1 if not active
	listed   bool   // waiting on its peer's candidate list
}

// ungranted is the ranking key: fewer bytes left to grant is served first
func (gs *grantState) ungranted() int { return gs.length - gs.granted }

// grantLess orders RPCs by remaining ungranted bytes, then by arrival
func grantLess(a, b *RPC) bool {
	ka, kb := a.g.ungranted(), b.g.ungranted()
	if ka != kb {
		return ka < kb
	}
	return a.g.seq < b.g.seq
}

// grantPeer holds the incoming messages of one peer that wait for grants
type grantPeer struct {
	id     uint64
	rpcs   []*RPC // candidates, sorted by grantLess
	active *RPC   // the peer's member of the active set, if any
}

// peerItem orders peers in the btree by their best candidate
type peerItem struct{ gp *grantPeer }

func (a peerItem) Less(than btree.Item) bool {
	b := than.(peerItem)
	if a.gp.rpcs[0] != b.gp.rpcs[0] {
		return grantLess(a.gp.rpcs[0], b.gp.rpcs[0])
	}
	return a.gp.id < b.gp.id
}

// grantMsg is a GRANT waiting to be sent; r is held
type grantMsg struct {
	r        *RPC
	offset   int
	priority uint8
}

// grantEngine decides how many bytes of each incoming message the senders may
// transmit. At most MaxOvercommit messages receive grants at a time, one per
// peer, ranked by the bytes they still need granted.
type grantEngine struct {
	sock *Socket

	mu            sync.Mutex
	active        []*RPC
	peers         map[uint64]*grantPeer
	grantable     *btree.BTree // peers with candidates, by best candidate
	totalIncoming int
	nextSeq       uint64
	pending       []grantMsg
}

func newGrantEngine(s *Socket) *grantEngine {
	return &grantEngine{
		sock:      s,
		peers:     make(map[uint64]*grantPeer),
		grantable: btree.New(8),
	}
}

// --------------------------------------------------------------------------
// Entry points (RPC lock held)
// --------------------------------------------------------------------------

// manage starts tracking an incoming message once its buffers are allocated.
// Messages that fit in the unscheduled bytes only count towards totalIncoming.
func (g *grantEngine) manage(r *RPC) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r.g.managed {
		return
	}
	m := r.msgin
	r.g = grantState{
		managed:  true,
		length:   m.length,
		capacity: len(m.pages) * g.sock.pool.PageSize(),
		received: m.received(),
		granted:  int(m.granted.Load()),
		seq:      g.nextSeq,
		rank:     -1,
	}
	g.nextSeq++
	g.account(r)
	if r.g.granted < r.g.length {
		g.admit(r)
	}
	g.grantActive()
}

// onData updates the received byte count of r and issues the grants it allows
func (g *grantEngine) onData(r *RPC) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !r.g.managed {
		return
	}
	r.g.received = r.msgin.received()
	g.account(r)
	g.grantActive()
}

// remove stops tracking r (completed, ended or timed out) and promotes the next
// candidate if r was active
func (g *grantEngine) remove(r *RPC) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !r.g.managed {
		return
	}
	gp := g.peers[r.peer.ID()]
	switch {
	case r.g.rank >= 0:
		g.deactivate(r)
		g.promote()
	case r.g.listed:
		g.removeCandidate(gp, r)
	}
	g.totalIncoming -= r.g.incoming
	r.g.incoming = 0
	r.g.managed = false
	g.dropIdlePeer(gp)
	g.grantActive()
}

// refresh recomputes grants for the active set, used by the timer
func (g *grantEngine) refresh() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.grantActive()
}

// takePending returns the GRANTs to send, at most one per RPC
func (g *grantEngine) takePending() []grantMsg {
	g.mu.Lock()
	pending := g.pending
	g.pending = nil
	g.mu.Unlock()

	if len(pending) < 2 {
		return pending
	}
	// later grants for the same RPC supersede earlier ones
	last := make(map[*RPC]int, len(pending))
	for i, gm := range pending {
		last[gm.r] = i
	}
	out := pending[:0]
	for i, gm := range pending {
		if last[gm.r] != i {
			gm.r.put()
			continue
		}
		out = append(out, gm)
	}
	return out
}

// --------------------------------------------------------------------------
// Active set (grant lock held)
// --------------------------------------------------------------------------

func (g *grantEngine) peer(id uint64) *grantPeer {
	gp, ok := g.peers[id]
	if !ok {
		gp = &grantPeer{id: id}
		g.peers[id] = gp
	}
	return gp
}

func (g *grantEngine) dropIdlePeer(gp *grantPeer) {
	if gp != nil && gp.active == nil && len(gp.rpcs) == 0 {
		delete(g.peers, gp.id)
	}
}

// admit places a new message in the active set or on its peer's candidate list.
// A full active set gives up its worst member only for a strictly better newcomer.
func (g *grantEngine) admit(r *RPC) {
	gp := g.peer(r.peer.ID())
	if cur := gp.active; cur != nil {
		if grantLess(r, cur) {
			g.deactivate(cur)
			g.insertActive(r)
			g.addCandidate(gp, cur)
			grantLog.Debugf("%s replaces %s of the same peer", r, cur)
		} else {
			g.addCandidate(gp, r)
		}
		return
	}
	if len(g.active) < g.sock.cfg.MaxOvercommit {
		g.insertActive(r)
		return
	}
	worst := g.active[len(g.active)-1]
	if !grantLess(r, worst) {
		g.addCandidate(gp, r)
		return
	}
	g.deactivate(worst)
	g.addCandidate(g.peers[worst.peer.ID()], worst)
	g.insertActive(r)
	grantLog.Debugf("%s displaces %s from the active set", r, worst)
}

func (g *grantEngine) insertActive(r *RPC) {
	gp := g.peer(r.peer.ID())
	if gp.active != nil {
		panic(errors.AssertionFailedf("peer %d already has %s active", gp.id, gp.active))
	}
	gp.active = r
	i := sort.Search(len(g.active), func(i int) bool { return grantLess(r, g.active[i]) })
	g.active = append(g.active, nil)
	copy(g.active[i+1:], g.active[i:])
	g.active[i] = r
	g.rerank()
}

func (g *grantEngine) deactivate(r *RPC) {
	i := r.g.rank
	if i < 0 || i >= len(g.active) || g.active[i] != r {
		panic(errors.AssertionFailedf("%s has rank %d outside the active set", r, i))
	}
	g.active = append(g.active[:i], g.active[i+1:]...)
	r.g.rank = -1
	if gp := g.peers[r.peer.ID()]; gp != nil && gp.active == r {
		gp.active = nil
	}
	g.rerank()
}

func (g *grantEngine) rerank() {
	for i, r := range g.active {
		r.g.rank = i
	}
}

// promote fills free active slots with the best candidates of peers that have
// no active message. It reports whether anything was promoted.
func (g *grantEngine) promote() bool {
	promoted := false
	for len(g.active) < g.sock.cfg.MaxOvercommit {
		var next *grantPeer
		g.grantable.Ascend(func(i btree.Item) bool {
			gp := i.(peerItem).gp
			if gp.active == nil {
				next = gp
				return false
			}
			return true
		})
		if next == nil {
			break
		}
		r := next.rpcs[0]
		g.removeCandidate(next, r)
		g.insertActive(r)
		promoted = true
	}
	return promoted
}

// grantActive raises the grant of every active message as far as the limits
// allow. Fully granted messages leave the active set, making room for the next
// candidates, which are granted in the same pass.
func (g *grantEngine) grantActive() {
	for {
		for _, r := range g.active {
			if offset, ok := g.computeGrant(r); ok {
				g.raise(r, offset)
			}
		}
		sort.SliceStable(g.active, func(i, j int) bool { return grantLess(g.active[i], g.active[j]) })
		g.rerank()

		var done []*RPC
		for _, r := range g.active {
			if r.g.granted >= r.g.length {
				done = append(done, r)
			}
		}
		promoted := false
		for _, r := range done {
			g.deactivate(r)
			g.dropIdlePeer(g.peers[r.peer.ID()])
			promoted = g.promote() || promoted
		}
		if !promoted {
			return
		}
	}
}

// computeGrant returns the new grant watermark for an active message. The grant
// covers at most GrantWindow bytes beyond what has been received, never exceeds
// the message or its buffers, and keeps the total of granted but unreceived
// bytes below MaxIncoming. ok is false if the grant would not move.
func (g *grantEngine) computeGrant(r *RPC) (offset int, ok bool) {
	if r.g.rank < 0 {
		return 0, false
	}
	cfg := &g.sock.cfg
	target := min(r.g.length, r.g.received+cfg.GrantWindow, r.g.capacity)
	target = min(target, r.g.granted+cfg.MaxIncoming-g.totalIncoming)
	if target <= r.g.granted {
		return 0, false
	}
	return target, true
}

// raise moves the grant watermark of r and queues the GRANT packet
func (g *grantEngine) raise(r *RPC, offset int) {
	if offset <= r.g.granted {
		panic(errors.AssertionFailedf("grant for %s regresses from %d to %d", r, r.g.granted, offset))
	}
	r.g.granted = offset
	r.msgin.granted.Store(int64(offset))
	g.account(r)
	if !r.tryHold() {
		panic(errors.AssertionFailedf("granting to reclaimed %s", r))
	}
	g.pending = append(g.pending, grantMsg{r: r, offset: offset, priority: g.priority(r.g.rank)})
	grantLog.Debugf("grant %s up to %d (rank %d)", r, offset, r.g.rank)
}

// priority maps a rank to a packet priority. The highest level is left to
// unscheduled data.
func (g *grantEngine) priority(rank int) uint8 {
	return uint8(max(g.sock.cfg.NumPriorities-2-rank, 0))
}

func (g *grantEngine) account(r *RPC) {
	inc := max(r.g.granted-r.g.received, 0)
	g.totalIncoming += inc - r.g.incoming
	r.g.incoming = inc
}

// --------------------------------------------------------------------------
// Candidate lists (grant lock held)
// --------------------------------------------------------------------------

func (g *grantEngine) addCandidate(gp *grantPeer, r *RPC) {
	if len(gp.rpcs) > 0 {
		g.grantable.Delete(peerItem{gp})
	}
	i := sort.Search(len(gp.rpcs), func(i int) bool { return grantLess(r, gp.rpcs[i]) })
	gp.rpcs = append(gp.rpcs, nil)
	copy(gp.rpcs[i+1:], gp.rpcs[i:])
	gp.rpcs[i] = r
	r.g.listed = true
	g.grantable.ReplaceOrInsert(peerItem{gp})
}

func (g *grantEngine) removeCandidate(gp *grantPeer, r *RPC) {
	g.grantable.Delete(peerItem{gp})
	for i, c := range gp.rpcs {
		if c == r {
			gp.rpcs = append(gp.rpcs[:i], gp.rpcs[i+1:]...)
			break
		}
	}
	r.g.listed = false
	if len(gp.rpcs) > 0 {
		g.grantable.ReplaceOrInsert(peerItem{gp})
	}
}

// --------------------------------------------------------------------------
// Introspection
// --------------------------------------------------------------------------

// activeIDs returns the ids of the active set in rank order
func (g *grantEngine) activeIDs() []uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]uint64, len(g.active))
	for i, r := range g.active {
		ids[i] = r.id
	}
	return ids
}

// counts returns the size of the active set, the number of waiting candidates
// and the total granted but unreceived bytes
func (g *grantEngine) counts() (active, candidates, incoming int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, gp := range g.peers {
		candidates += len(gp.rpcs)
	}
	return len(g.active), candidates, g.totalIncoming
}
