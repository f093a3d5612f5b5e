// Package memory implements an in-process packet network. Every endpoint has a
// bounded inbox; a full inbox makes Send fail with transport.ErrQueueFull.
// Hooks on the Network can drop or hold back packets to exercise loss recovery.
package memory

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/homa/rpc/transport"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("transport/memory")

// Verdict tells the network what to do with a packet
type Verdict int

const (
	Deliver Verdict = iota
	Drop
	// Hold keeps the packet back and delivers it after the next packet for the
	// same destination, which reorders the two
	Hold
)

// FilterFunc decides the fate of every packet sent on a Network
type FilterFunc func(src, dst netip.AddrPort, pkt []byte) Verdict

// Network connects in-memory endpoints
type Network struct {
	endpoints *xsync.MapOf[netip.AddrPort, *Endpoint]
	filter    atomic.Pointer[FilterFunc]
	nextPort  atomic.Uint32

	sent      atomic.Uint64
	dropped   atomic.Uint64
	delivered atomic.Uint64
}

// NewNetwork creates an empty network
func NewNetwork() *Network {
	n := &Network{endpoints: xsync.NewMapOf[netip.AddrPort, *Endpoint]()}
	n.nextPort.Store(40000)
	return n
}

// SetFilter installs fn as packet filter (nil removes it)
func (n *Network) SetFilter(fn FilterFunc) {
	if fn == nil {
		n.filter.Store(nil)
		return
	}
	n.filter.Store(&fn)
}

// Stats returns the number of packets sent, dropped and delivered
func (n *Network) Stats() (sent, dropped, delivered uint64) {
	return n.sent.Load(), n.dropped.Load(), n.delivered.Load()
}

// Listen attaches a new endpoint at addr. An invalid addr picks a free port on
// 127.0.0.1.
func (n *Network) Listen(addr netip.AddrPort, inboxSize int) (*Endpoint, error) {
	if !addr.IsValid() {
		addr = netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), uint16(n.nextPort.Add(1)))
	}
	if inboxSize <= 0 {
		inboxSize = 1024
	}
	ep := &Endpoint{
		net:   n,
		addr:  addr,
		inbox: make(chan datagram, inboxSize),
		done:  make(chan struct{}),
	}
	if _, loaded := n.endpoints.LoadOrStore(addr, ep); loaded {
		return nil, errors.Newf("address %s already in use", addr)
	}
	Logger.Debugf("endpoint %s attached", addr)
	return ep, nil
}

// --------------------------------------------------------------------------
// Endpoint (implements transport.IPacketTransport)
// --------------------------------------------------------------------------

// Endpoint is one attachment to a Network
type Endpoint struct {
	net  *Network
	addr netip.AddrPort

	mu    sync.Mutex
	inbox chan datagram
	held  *datagram

	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}
}

type datagram struct {
	src netip.AddrPort
	pkt []byte
}

func (e *Endpoint) Send(dst netip.AddrPort, hdr, payload []byte) error {
	if e.closed.Load() {
		return transport.ErrClosed
	}
	pkt := make([]byte, 0, len(hdr)+len(payload))
	pkt = append(pkt, hdr...)
	pkt = append(pkt, payload...)
	e.net.sent.Add(1)

	target, ok := e.net.endpoints.Load(dst)
	if !ok {
		// datagrams to nowhere vanish
		e.net.dropped.Add(1)
		return nil
	}

	verdict := Deliver
	if f := e.net.filter.Load(); f != nil {
		verdict = (*f)(e.addr, dst, pkt)
	}
	switch verdict {
	case Drop:
		e.net.dropped.Add(1)
		return nil
	case Hold:
		return target.hold(e.addr, pkt)
	default:
		return target.deliver(e.addr, pkt)
	}
}

// deliver enqueues pkt followed by any held packet
func (e *Endpoint) deliver(src netip.AddrPort, pkt []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		e.net.dropped.Add(1)
		return nil
	}
	if len(e.inbox) == cap(e.inbox) {
		return transport.ErrQueueFull
	}
	e.inbox <- datagram{src: src, pkt: pkt}
	e.net.delivered.Add(1)

	if h := e.held; h != nil && len(e.inbox) < cap(e.inbox) {
		e.held = nil
		e.inbox <- *h
		e.net.delivered.Add(1)
	}
	return nil
}

// hold parks pkt until the next delivery. A packet already parked is released first.
func (e *Endpoint) hold(src netip.AddrPort, pkt []byte) error {
	e.mu.Lock()
	prev := e.held
	e.held = &datagram{src: src, pkt: pkt}
	e.mu.Unlock()
	if prev != nil {
		if err := e.deliver(prev.src, prev.pkt); err != nil {
			e.net.dropped.Add(1)
		}
	}
	return nil
}

func (e *Endpoint) Serve(ctx context.Context, handler transport.PacketHandleFunc) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.done:
			return nil
		case d := <-e.inbox:
			handler(d.src, d.pkt)
		}
	}
}

func (e *Endpoint) LocalAddr() netip.AddrPort { return e.addr }

func (e *Endpoint) Resolve(dst netip.AddrPort) (any, error) {
	target, ok := e.net.endpoints.Load(dst)
	if !ok {
		return nil, errors.Newf("no endpoint at %s", dst)
	}
	return target, nil
}

func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed.Store(true)
		e.mu.Unlock()
		e.net.endpoints.Compute(e.addr, func(cur *Endpoint, loaded bool) (*Endpoint, bool) {
			return cur, loaded && cur == e
		})
		close(e.done)
		Logger.Debugf("endpoint %s detached", e.addr)
	})
	return nil
}
