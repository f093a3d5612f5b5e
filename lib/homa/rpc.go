package homa

import (
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/homa/lib/bpool"
	"github.com/ValentinKolb/homa/lib/peer"
	"github.com/ValentinKolb/homa/lib/reassembly"
	"github.com/ValentinKolb/homa/lib/wire"
	"github.com/cockroachdb/errors"
)

// --------------------------------------------------------------------------
// RPC state
// --------------------------------------------------------------------------

// State is the lifecycle state of an RPC
type State int32

const (
	// StateOutgoing: a message (request or response) is being transmitted
	StateOutgoing State = iota
	// StateIncoming: a message is being received
	StateIncoming
	// StateInService: a server is processing a fully received request
	StateInService
	// StateCompleted: a client received its whole response
	StateCompleted
	// StateDead: the RPC is over and waits for its resources to be reclaimed
	StateDead
)

func (s State) String() string {
	switch s {
	case StateOutgoing:
		return "outgoing"
	case StateIncoming:
		return "incoming"
	case StateInService:
		return "in service"
	case StateCompleted:
		return "completed"
	case StateDead:
		return "dead"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// --------------------------------------------------------------------------
// Messages
// --------------------------------------------------------------------------

// msgIn is the receive side of an RPC
type msgIn struct {
	length  int
	gaps    *reassembly.GapSet
	pages   []bpool.BpageID
	packets int // data packets that carried new bytes

	// waiting is set while no buffer pages could be allocated; data is dropped
	// and no grants are issued until it clears
	waiting bool

	// granted is written under the grant engine lock and read anywhere
	granted atomic.Int64
}

func (m *msgIn) received() int { return m.gaps.Received() }

// msgOut is the transmit side of an RPC
type msgOut struct {
	data        []byte
	cursor      *reassembly.Cursor
	unscheduled int
	priority    uint8
	packets     int // data packets handed to the transport, retransmissions included
}

func newMsgOut(data []byte, unscheduled int) *msgOut {
	return &msgOut{
		data:        data,
		cursor:      reassembly.NewCursor(len(data), unscheduled),
		unscheduled: unscheduled,
	}
}

// Message is a complete message handed to the application
type Message struct {
	// ID is the local id of the RPC the message belongs to
	ID uint64
	// Peer is the remote address
	Peer netip.AddrPort
	// Body holds the message bytes. It is owned by the receiver.
	Body []byte
	// Request is true for requests (to be answered with Reply) and false for responses
	Request bool
	// Err is set for a response that will never arrive
	Err error
}

// --------------------------------------------------------------------------
// RPC
// --------------------------------------------------------------------------

// RPC is one request/response exchange. Client RPCs have even ids, server RPCs odd
// ones; the id of the same exchange on the other host differs in the lowest bit.
type RPC struct {
	sock *Socket
	id   uint64
	addr netip.AddrPort
	peer *peer.Peer

	// refs counts transient holders; -1 marks an RPC being reclaimed
	refs atomic.Int32

	mu     sync.Mutex
	state  State
	err    error
	msgin  *msgIn
	msgout *msgOut

	// liveness, guarded by mu
	active      bool   // packets arrived since the last tick
	silentTicks uint64 // ticks without activity
	doneTick    uint64 // tick at which the response was fully transmitted
	lastNeedAck uint64
	lastResend  uint64 // tick of the last RESEND this RPC sent

	// set for RPCs started by Call: the result is handed over through done
	// instead of the ready queue
	call   bool
	done   chan struct{}
	result *Message

	started  time.Time
	deadCost int

	// grant engine fields, guarded by the grant engine lock
	g grantState
	// pacer fields, guarded by the pacer lock
	p pacerState
}

func newRPC(s *Socket, id uint64, addr netip.AddrPort, pr *peer.Peer, state State) *RPC {
	r := &RPC{
		sock:    s,
		id:      id,
		addr:    addr,
		peer:    pr,
		state:   state,
		started: time.Now(),
	}
	r.g.rank = -1
	r.refs.Store(1)
	return r
}

// ID returns the local id of the RPC
func (r *RPC) ID() uint64 { return r.id }

// Addr returns the address of the remote end
func (r *RPC) Addr() netip.AddrPort { return r.addr }

// IsClient reports whether this host initiated the RPC
func (r *RPC) IsClient() bool { return wire.IsClientID(r.id) }

// State returns the current state
func (r *RPC) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *RPC) String() string {
	role := "server"
	if r.IsClient() {
		role = "client"
	}
	return fmt.Sprintf("%s rpc %d (%s)", role, r.id, r.addr)
}

// tryHold takes a reference unless the RPC is being reclaimed
func (r *RPC) tryHold() bool {
	for {
		n := r.refs.Load()
		if n < 0 {
			return false
		}
		if r.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// hold takes an additional reference; the caller already holds one
func (r *RPC) hold() {
	if r.refs.Add(1) <= 1 {
		panic(errors.AssertionFailedf("hold on unreferenced %s", r))
	}
}

// put releases a reference
func (r *RPC) put() {
	if r.refs.Add(-1) < 0 {
		panic(errors.AssertionFailedf("reference count underflow on %s", r))
	}
}

// --------------------------------------------------------------------------
// Receive buffers (RPC lock held)
// --------------------------------------------------------------------------

// initMsgIn creates the receive side for a message of the given length and
// tries to allocate its buffer pages
func (r *RPC) initMsgIn(length, incoming int) {
	m := &msgIn{
		length: length,
		gaps:   reassembly.NewGapSet(length),
	}
	granted := min(max(r.sock.cfg.UnschedBytes, incoming), length)
	m.granted.Store(int64(granted))
	r.msgin = m
	r.allocatePages()
}

// allocatePages allocates the buffer for the whole message at once. On failure
// the message joins the socket's waiting list.
func (r *RPC) allocatePages() bool {
	pool := r.sock.pool
	pages, ok := pool.AllocateN(pool.PagesFor(r.msgin.length))
	if !ok {
		if !r.msgin.waiting {
			r.msgin.waiting = true
			r.sock.addWaiting(r)
		}
		return false
	}
	r.msgin.pages = pages
	r.msgin.waiting = false
	return true
}

// copyIn stores a segment in the message buffer
func (r *RPC) copyIn(offset int, data []byte) {
	pool := r.sock.pool
	size := pool.PageSize()
	for len(data) > 0 {
		page := pool.Page(r.msgin.pages[offset/size])
		n := copy(page[offset%size:], data)
		data = data[n:]
		offset += n
	}
}

// copyOut assembles the received message and returns the buffer pages
func (r *RPC) copyOut() []byte {
	pool := r.sock.pool
	out := make([]byte, 0, r.msgin.length)
	remaining := r.msgin.length
	for _, id := range r.msgin.pages {
		page := pool.Page(id)
		n := min(remaining, len(page))
		out = append(out, page[:n]...)
		remaining -= n
	}
	r.releasePages()
	return out
}

func (r *RPC) releasePages() {
	if r.msgin == nil || len(r.msgin.pages) == 0 {
		return
	}
	pages := r.msgin.pages
	r.msgin.pages = nil
	r.sock.pool.Release(pages...)
}

// cost returns the dead-resource cost of the RPC: the data packets it received
// plus those it sent
func (r *RPC) cost() int {
	c := 0
	if r.msgin != nil {
		c += r.msgin.packets
	}
	if r.msgout != nil {
		c += r.msgout.packets
	}
	return max(c, 1)
}
