package homa

import (
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/homa/lib/peer"
	"github.com/ValentinKolb/homa/lib/util"
	"github.com/cockroachdb/errors"
	"github.com/puzpuzpuz/xsync/v3"
)

// serverKey identifies a server RPC: ids are chosen by the clients, so they are
// only unique per client address
type serverKey struct {
	addr netip.AddrPort
	id   uint64
}

// registry owns the RPCs of a socket. Lookups go through lock-free maps and never
// wait for an RPC lock.
type registry struct {
	sock *Socket

	clients *xsync.MapOf[uint64, *RPC]
	servers *xsync.MapOf[serverKey, *RPC]
	nextID  atomic.Uint64
	live    atomic.Int64

	deadMu   sync.Mutex
	dead     []*RPC
	deadCost int
}

func newRegistry(s *Socket) *registry {
	reg := &registry{
		sock:    s,
		clients: xsync.NewMapOf[uint64, *RPC](),
		servers: xsync.NewMapOf[serverKey, *RPC](),
	}
	// client ids are even, start at a random one
	reg.nextID.Store(util.GenerateSeed() &^ 1)
	return reg
}

// reserve takes one of the MaxRPCs slots
func (reg *registry) reserve() bool {
	if reg.live.Add(1) > int64(reg.sock.cfg.MaxRPCs) {
		reg.live.Add(-1)
		return false
	}
	return true
}

// allocateClient creates a client RPC in StateOutgoing. The RPC is returned held.
func (reg *registry) allocateClient(addr netip.AddrPort) (*RPC, error) {
	pr, err := reg.sock.peers.Find(addr)
	if err != nil {
		return nil, errors.Wrapf(err, "allocate rpc to %s", addr)
	}
	if !reg.reserve() {
		pr.Put()
		return nil, errors.Wrapf(ErrResourceExhausted, "%d live rpcs", reg.sock.cfg.MaxRPCs)
	}
	var r *RPC
	for {
		id := reg.nextID.Add(2)
		if id == 0 {
			continue
		}
		r = newRPC(reg.sock, id, addr, pr, StateOutgoing)
		if _, loaded := reg.clients.LoadOrStore(id, r); !loaded {
			break
		}
	}
	return r, nil
}

// allocateServer returns the server RPC for the request id from addr, creating it
// in StateIncoming if needed. created reports whether this call created it, so a
// retransmitted first packet does not start a second RPC. The RPC is returned held.
func (reg *registry) allocateServer(addr netip.AddrPort, id uint64, pr *peer.Peer) (r *RPC, created bool, err error) {
	exhausted := false
	reg.servers.Compute(serverKey{addr, id}, func(old *RPC, loaded bool) (*RPC, bool) {
		if loaded && old.tryHold() {
			r = old
			return old, false
		}
		// absent, or being reclaimed and about to be unlinked
		if !reg.reserve() {
			exhausted = true
			return old, !loaded
		}
		pr.Hold()
		r = newRPC(reg.sock, id, addr, pr, StateIncoming)
		created = true
		return r, false
	})
	if exhausted {
		return nil, false, errors.Wrapf(ErrResourceExhausted, "%d live rpcs", reg.sock.cfg.MaxRPCs)
	}
	return r, created, nil
}

// lookup returns the held RPC with the given local id that belongs to addr, or nil
func (reg *registry) lookup(addr netip.AddrPort, id uint64) *RPC {
	var (
		r  *RPC
		ok bool
	)
	if id&1 == 0 {
		r, ok = reg.clients.Load(id)
		if ok && r.addr != addr {
			return nil
		}
	} else {
		r, ok = reg.servers.Load(serverKey{addr, id})
	}
	if !ok || !r.tryHold() {
		return nil
	}
	return r
}

// lookupClient returns the held client RPC with the given id, or nil
func (reg *registry) lookupClient(id uint64) *RPC {
	if id&1 != 0 {
		return nil
	}
	r, ok := reg.clients.Load(id)
	if !ok || !r.tryHold() {
		return nil
	}
	return r
}

// forPeer returns held references to all live RPCs with addr
func (reg *registry) forPeer(addr netip.AddrPort) []*RPC {
	var out []*RPC
	reg.rangeAll(func(r *RPC) {
		if r.addr == addr && r.tryHold() {
			out = append(out, r)
		}
	})
	return out
}

// snapshot returns held references to all RPCs not yet reclaimed
func (reg *registry) snapshot() []*RPC {
	var out []*RPC
	reg.rangeAll(func(r *RPC) {
		if r.tryHold() {
			out = append(out, r)
		}
	})
	return out
}

func (reg *registry) rangeAll(fn func(r *RPC)) {
	reg.clients.Range(func(_ uint64, r *RPC) bool {
		fn(r)
		return true
	})
	reg.servers.Range(func(_ serverKey, r *RPC) bool {
		fn(r)
		return true
	})
}

// len returns the number of RPCs not yet reclaimed
func (reg *registry) len() int { return int(reg.live.Load()) }

// --------------------------------------------------------------------------
// Termination and reclamation
// --------------------------------------------------------------------------

// end terminates r: it leaves the grant engine, the pacer and the buffer
// waiting list and joins the dead list. Its buffers are reclaimed later by
// reap. Must be called with r.mu held; ending a dead RPC is a no-op.
func (reg *registry) end(r *RPC) {
	if r.state == StateDead {
		return
	}
	r.state = StateDead
	reg.sock.grants.remove(r)
	reg.sock.pacer.remove(r)
	if r.msgin != nil && r.msgin.waiting {
		r.msgin.waiting = false
		reg.sock.removeWaiting(r)
	}
	r.deadCost = r.cost()

	reg.deadMu.Lock()
	reg.dead = append(reg.dead, r)
	reg.deadCost += r.deadCost
	reg.deadMu.Unlock()
	Logger.Debugf("ended %s", r)
}

// deadStats returns the number of dead RPCs and their total cost
func (reg *registry) deadStats() (n, cost int) {
	reg.deadMu.Lock()
	defer reg.deadMu.Unlock()
	return len(reg.dead), reg.deadCost
}

// reap reclaims dead RPCs that nobody holds, in batches of ReapBatch, while the
// dead-resource cost is at least limit. It stops early when the remaining dead
// RPCs are all held. It returns the number of RPCs reclaimed.
func (reg *registry) reap(limit int) int {
	freed := 0
	for {
		batch := reg.takeBatch(limit)
		if len(batch) == 0 {
			return freed
		}
		for _, r := range batch {
			reg.free(r)
		}
		freed += len(batch)
		metricRPCsReaped.Add(len(batch))
	}
}

// takeBatch removes up to ReapBatch unreferenced RPCs from the dead list if the
// dead cost is at least limit
func (reg *registry) takeBatch(limit int) []*RPC {
	reg.deadMu.Lock()
	defer reg.deadMu.Unlock()
	if reg.deadCost < limit {
		return nil
	}
	var batch []*RPC
	kept := reg.dead[:0]
	for _, r := range reg.dead {
		if len(batch) < reg.sock.cfg.ReapBatch && r.refs.CompareAndSwap(0, -1) {
			batch = append(batch, r)
			reg.deadCost -= r.deadCost
			continue
		}
		kept = append(kept, r)
	}
	for i := len(kept); i < len(reg.dead); i++ {
		reg.dead[i] = nil
	}
	reg.dead = kept
	return batch
}

// free unlinks a reclaimed RPC and releases what it still owns
func (reg *registry) free(r *RPC) {
	if r.IsClient() {
		reg.clients.Compute(r.id, func(cur *RPC, loaded bool) (*RPC, bool) {
			return cur, loaded && cur == r
		})
	} else {
		reg.servers.Compute(serverKey{r.addr, r.id}, func(cur *RPC, loaded bool) (*RPC, bool) {
			return cur, loaded && cur == r
		})
	}
	r.mu.Lock()
	r.releasePages()
	r.msgin = nil
	r.msgout = nil
	r.mu.Unlock()
	r.peer.Put()
	reg.live.Add(-1)
}
