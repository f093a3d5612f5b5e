package peer

import (
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("homa/peer")

// ErrUnreachable is returned by Find when the route to an address cannot be resolved
var ErrUnreachable = errors.New("peer unreachable")

// Resolver looks up the route handle used to reach an address
type Resolver func(addr netip.AddrPort) (any, error)

// Table maps remote addresses to their Peer
type Table struct {
	resolver Resolver
	now      func() uint64
	peers    *xsync.MapOf[netip.AddrPort, *Peer]
	nextID   atomic.Uint64

	deadMu sync.Mutex
	dead   []*Peer
	freed  atomic.Uint64
}

// NewTable creates an empty peer table. now returns the current timer tick and
// is used to stamp peer activity.
func NewTable(resolver Resolver, now func() uint64) *Table {
	return &Table{
		resolver: resolver,
		now:      now,
		peers:    xsync.NewMapOf[netip.AddrPort, *Peer](),
	}
}

// Find returns the peer for addr with a reference held, creating it on first
// use. The caller must release the reference with Put.
func (t *Table) Find(addr netip.AddrPort) (*Peer, error) {
	for {
		p, ok := t.peers.Load(addr)
		if !ok {
			route, err := t.resolver(addr)
			if err != nil {
				return nil, errors.Mark(errors.Wrapf(err, "resolve %s", addr), ErrUnreachable)
			}
			created := &Peer{
				addr:  addr,
				id:    t.nextID.Add(1),
				route: route,
				now:   t.now,
			}
			created.lastUse.Store(t.now())
			p, ok = t.peers.LoadOrStore(addr, created)
			if !ok {
				Logger.Debugf("new peer %s", addr)
			}
		}
		if p.tryHold() {
			p.lastUse.Store(t.now())
			return p, nil
		}
		// retired between Load and hold, a fresh entry will be created
	}
}

// Len returns the number of live peers
func (t *Table) Len() int { return t.peers.Size() }

// Prune retires every unreferenced peer that has not been used for idleTicks
// and moves it to the dead list. It returns the number of peers retired.
func (t *Table) Prune(now, idleTicks uint64) int {
	retired := 0
	t.peers.Range(func(addr netip.AddrPort, p *Peer) bool {
		if now-p.lastUse.Load() < idleTicks {
			return true
		}
		if !p.refs.CompareAndSwap(0, -1) {
			return true
		}
		t.peers.Compute(addr, func(cur *Peer, loaded bool) (*Peer, bool) {
			// only remove the entry if it still refers to p
			return cur, loaded && cur == p
		})
		p.deadAt = now
		t.deadMu.Lock()
		t.dead = append(t.dead, p)
		t.deadMu.Unlock()
		retired++
		return true
	})
	if retired > 0 {
		Logger.Debugf("retired %d idle peers", retired)
	}
	return retired
}

// Reap frees dead peers that were retired at least graceTicks ago. It returns
// the number of peers freed.
func (t *Table) Reap(now, graceTicks uint64) int {
	t.deadMu.Lock()
	defer t.deadMu.Unlock()

	kept := t.dead[:0]
	n := 0
	for _, p := range t.dead {
		if now-p.deadAt < graceTicks {
			kept = append(kept, p)
			continue
		}
		p.mu.Lock()
		p.route = nil
		p.acks = nil
		p.mu.Unlock()
		n++
	}
	for i := len(kept); i < len(t.dead); i++ {
		t.dead[i] = nil
	}
	t.dead = kept
	t.freed.Add(uint64(n))
	return n
}

// Dead returns the number of retired peers awaiting reclamation
func (t *Table) Dead() int {
	t.deadMu.Lock()
	defer t.deadMu.Unlock()
	return len(t.dead)
}

// Freed returns the total number of peers reclaimed so far
func (t *Table) Freed() uint64 { return t.freed.Load() }
