package homa

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ValentinKolb/homa/lib/util"
	"github.com/ValentinKolb/homa/rpc/transport"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
	"golang.org/x/time/rate"
)

var pacerLog = logger.GetLogger("homa/pacer")

// pacerState is the per-RPC view of the pacer, guarded by pacer.mu
type pacerState struct {
	queued bool
	unsent int // bytes left to send when queued
	seq    uint64
}

func pacerLess(a, b *RPC) bool {
	if a.p.unsent != b.p.unsent {
		return a.p.unsent < b.p.unsent
	}
	return a.p.seq < b.p.seq
}

// pacerPeer holds the queued messages to one peer
type pacerPeer struct {
	id   uint64
	rpcs []*RPC // sorted by pacerLess
}

// pacer releases the packets of large messages no faster than the link drains
// them. Peers take turns: the heap holds one entry per peer, keyed by the bytes
// its best message has left, and every turn sends a single packet.
type pacer struct {
	sock *Socket

	mu      sync.Mutex
	heap    *util.MapHeap
	peers   map[uint64]*pacerPeer
	queued  int
	nextSeq uint64

	limiter *rate.Limiter
	kick    chan struct{}
}

func newPacer(s *Socket) *pacer {
	bytesPerSec := float64(s.cfg.LinkMbps) * 1e6 / 8
	return &pacer{
		sock:    s,
		heap:    util.NewMapHeap(),
		peers:   make(map[uint64]*pacerPeer),
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), s.cfg.MaxNicQueueBytes),
		kick:    make(chan struct{}, 1),
	}
}

// offer queues r if it has granted bytes left to send. Called with r.mu held.
func (p *pacer) offer(r *RPC) {
	if r.state != StateOutgoing || r.msgout == nil || r.msgout.cursor.Sendable() == 0 {
		return
	}
	p.mu.Lock()
	if r.p.queued {
		p.mu.Unlock()
		return
	}
	r.hold()
	r.p = pacerState{queued: true, unsent: r.msgout.cursor.Unsent(), seq: p.nextSeq}
	p.nextSeq++

	pp, ok := p.peers[r.peer.ID()]
	if !ok {
		pp = &pacerPeer{id: r.peer.ID()}
		p.peers[pp.id] = pp
	}
	i := sort.Search(len(pp.rpcs), func(i int) bool { return pacerLess(r, pp.rpcs[i]) })
	pp.rpcs = append(pp.rpcs, nil)
	copy(pp.rpcs[i+1:], pp.rpcs[i:])
	pp.rpcs[i] = r
	p.heap.Set(pp.id, uint64(pp.rpcs[0].p.unsent))
	p.queued++
	p.mu.Unlock()

	p.wake()
}

// remove takes r out of the queue. Called with r.mu held.
func (p *pacer) remove(r *RPC) {
	p.mu.Lock()
	if !r.p.queued {
		p.mu.Unlock()
		return
	}
	p.unlink(r)
	p.mu.Unlock()
	r.put()
}

// unlink removes r from its peer list and fixes the heap (pacer lock held)
func (p *pacer) unlink(r *RPC) {
	pp := p.peers[r.peer.ID()]
	for i, c := range pp.rpcs {
		if c == r {
			pp.rpcs = append(pp.rpcs[:i], pp.rpcs[i+1:]...)
			break
		}
	}
	if len(pp.rpcs) == 0 {
		p.heap.Remove(pp.id)
		delete(p.peers, pp.id)
	} else {
		p.heap.Set(pp.id, uint64(pp.rpcs[0].p.unsent))
	}
	r.p.queued = false
	p.queued--
}

// pop removes the best message of the best peer; the queue's reference passes
// to the caller
func (p *pacer) pop() *RPC {
	p.mu.Lock()
	defer p.mu.Unlock()
	key, _, ok := p.heap.Min()
	if !ok {
		return nil
	}
	r := p.peers[key].rpcs[0]
	p.unlink(r)
	return r
}

// len returns the number of queued messages
func (p *pacer) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queued
}

// drain sends packets from the head of the queue until budget bytes went out,
// the queue is empty or the transport reports a full queue. A message with bytes
// left goes back into the queue at its new position after every packet. It
// returns the number of payload bytes sent.
func (p *pacer) drain(budget int) int {
	sent := 0
	for sent < budget {
		r := p.pop()
		if r == nil {
			break
		}
		n, err := p.sock.xmitPaced(r)
		r.put()
		sent += n
		if errors.Is(err, transport.ErrQueueFull) {
			pacerLog.Debugf("transport queue full after %d bytes", sent)
			break
		}
	}
	return sent
}

func (p *pacer) wake() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// run drains the queue whenever it is kicked, spacing bursts of MaxNicQueueBytes
// by the time the link needs to transmit them
func (p *pacer) run(ctx context.Context) error {
	burst := p.limiter.Burst()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.kick:
		}
		for p.len() > 0 {
			n := p.drain(burst)
			if n == 0 {
				// queue full or nothing sendable, the timer kicks again
				break
			}
			p.sock.stats.pacerBytes.Mark(int64(n))
			res := p.limiter.ReserveN(time.Now(), min(n, burst))
			if d := res.Delay(); d > 0 {
				t := time.NewTimer(d)
				select {
				case <-ctx.Done():
					t.Stop()
					return nil
				case <-t.C:
				}
			}
		}
	}
}
