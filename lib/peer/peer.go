package peer

import (
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// Peer is the state kept for one remote endpoint
type Peer struct {
	addr  netip.AddrPort
	id    uint64
	route any
	now   func() uint64

	// refs counts holders; -1 marks a retired peer that can no longer be held
	refs    atomic.Int32
	lastUse atomic.Uint64
	deadAt  uint64

	// outstandingResends counts RESENDs sent to this peer without hearing anything back
	outstandingResends atomic.Int32
	lastResend         atomic.Uint64

	cutoffVersion atomic.Uint32

	mu   sync.Mutex
	acks []uint64 // completed client RPC ids not yet acknowledged to this peer
}

// Addr returns the address of the peer
func (p *Peer) Addr() netip.AddrPort { return p.addr }

// ID returns a table-unique identifier of the peer
func (p *Peer) ID() uint64 { return p.id }

// Route returns the route handle resolved when the peer was created
func (p *Peer) Route() any { return p.route }

// Refs returns the current reference count (-1 once retired)
func (p *Peer) Refs() int32 { return p.refs.Load() }

// tryHold takes a reference unless the peer has been retired
func (p *Peer) tryHold() bool {
	for {
		r := p.refs.Load()
		if r < 0 {
			return false
		}
		if p.refs.CompareAndSwap(r, r+1) {
			return true
		}
	}
}

// Hold takes an additional reference. The caller must already hold one.
func (p *Peer) Hold() {
	if p.refs.Add(1) <= 1 {
		panic(errors.AssertionFailedf("hold on unreferenced peer %s", p.addr))
	}
}

// Put drops a reference
func (p *Peer) Put() {
	p.lastUse.Store(p.now())
	if p.refs.Add(-1) < 0 {
		panic(errors.AssertionFailedf("reference count underflow on peer %s", p.addr))
	}
}

// --------------------------------------------------------------------------
// Retransmission accounting
// --------------------------------------------------------------------------

// OutstandingResends returns the number of RESENDs sent since the peer was last heard from
func (p *Peer) OutstandingResends() int {
	return int(p.outstandingResends.Load())
}

// LastResend returns the tick of the most recent RESEND to this peer (0 = never)
func (p *Peer) LastResend() uint64 {
	return p.lastResend.Load()
}

// ResendSent records a RESEND sent at tick now. Several RESENDs to the peer in
// the same tick count once.
func (p *Peer) ResendSent(now uint64) {
	if p.lastResend.Swap(now) != now {
		p.outstandingResends.Add(1)
	}
}

// MayResend reports whether a RESEND may go to the peer at tick now: either
// none was sent within the last interval ticks, or one was already sent in this
// very tick.
func (p *Peer) MayResend(now, interval uint64) bool {
	last := p.lastResend.Load()
	return last == 0 || last == now || now-last >= interval
}

// Heard records that a packet arrived from the peer
func (p *Peer) Heard() {
	if p.outstandingResends.Load() != 0 {
		p.outstandingResends.Store(0)
	}
}

// --------------------------------------------------------------------------
// Pending acknowledgements
// --------------------------------------------------------------------------

// AddAck queues the id of a completed client RPC for acknowledgement. It returns
// true once max ids are pending, in which case the caller should flush them with
// an explicit ACK packet.
func (p *Peer) AddAck(id uint64, max int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acks = append(p.acks, id)
	return len(p.acks) >= max
}

// TakeAck removes one pending ack for piggybacking on a DATA packet (0 = none)
func (p *Peer) TakeAck() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.acks)
	if n == 0 {
		return 0
	}
	id := p.acks[n-1]
	p.acks = p.acks[:n-1]
	return id
}

// TakeAcks removes and returns all pending acks
func (p *Peer) TakeAcks() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	acks := p.acks
	p.acks = nil
	return acks
}

// --------------------------------------------------------------------------
// Priority cutoffs
// --------------------------------------------------------------------------

// CutoffVersion returns the version of the priority cutoffs last advertised by the peer
func (p *Peer) CutoffVersion() uint16 {
	return uint16(p.cutoffVersion.Load())
}

// SetCutoffVersion records a cutoff advertisement
func (p *Peer) SetCutoffVersion(v uint16) {
	p.cutoffVersion.Store(uint32(v))
}
