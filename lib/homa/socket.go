package homa

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/homa/lib/bpool"
	"github.com/ValentinKolb/homa/lib/peer"
	"github.com/ValentinKolb/homa/lib/util"
	"github.com/ValentinKolb/homa/rpc/common"
	"github.com/ValentinKolb/homa/rpc/transport"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

var Logger = logger.GetLogger("homa")

// Socket is one endpoint of the transport. It owns the RPCs, peers and receive
// buffers of a local address.
type Socket struct {
	cfg       common.Config
	transport transport.IPacketTransport
	clock     *Clock

	peers    *peer.Table
	pool     *bpool.Pool
	registry *registry
	grants   *grantEngine
	pacer    *pacer
	ready    *util.LockFreeMPSC[Message]
	stats    *socketStats

	// incoming messages that could not get buffer pages
	waitMu       sync.Mutex
	waiting      []*RPC
	buffersFreed atomic.Bool

	started   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	group     *errgroup.Group
}

// NewSocket creates a socket on top of tr. The socket does not process packets
// until Start is called.
func NewSocket(cfg common.Config, tr transport.IPacketTransport) (*Socket, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Socket{
		cfg:       cfg,
		transport: tr,
		clock:     NewClock(),
		pool:      bpool.New(cfg.BpageSize, cfg.PoolPages),
		ready:     util.NewLockFreeMPSC[Message](),
		stats:     newSocketStats(),
	}
	s.peers = peer.NewTable(tr.Resolve, s.clock.Now)
	s.registry = newRegistry(s)
	s.grants = newGrantEngine(s)
	s.pacer = newPacer(s)
	s.pool.SetReleaseHook(func() { s.buffersFreed.Store(true) })
	return s, nil
}

// Start runs the receive loop, the timer and the pacer until Close is called or
// ctx ends
func (s *Socket) Start(ctx context.Context) error {
	if s.closed.Load() {
		return ErrSocketClosed
	}
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("socket already started")
	}

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	ctx, s.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	s.group = g

	g.Go(func() error {
		err := s.transport.Serve(gctx, s.OnPacket)
		if errors.Is(err, transport.ErrClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error { return s.runTimer(gctx) })
	g.Go(func() error { return s.pacer.run(gctx) })

	Logger.Infof("socket listening on %s", s.transport.LocalAddr())
	return nil
}

// Close stops the socket. Pending client RPCs fail with ErrSocketClosed and all
// RPC state is released. Closing twice returns the result of the first call.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)

		s.lifecycle.Lock()
		cancel, group := s.cancel, s.group
		s.lifecycle.Unlock()

		if cancel != nil {
			cancel()
		}
		err := s.transport.Close()
		if errors.Is(err, transport.ErrClosed) {
			err = nil
		}
		if group != nil {
			err = multierr.Append(err, group.Wait())
		}

		n := s.abortAll(ErrSocketClosed)
		s.registry.reap(0)
		s.ready.Shutdown()
		s.stats.close()
		if n > 0 {
			Logger.Infof("socket closed, %d rpcs aborted", n)
		}
		s.closeErr = err
	})
	return s.closeErr
}

// abortAll fails every live RPC with err
func (s *Socket) abortAll(err error) int {
	n := 0
	for _, r := range s.registry.snapshot() {
		r.mu.Lock()
		if r.state != StateDead {
			n++
			s.failLocked(r, err)
			s.registry.end(r)
		}
		r.mu.Unlock()
		r.put()
	}
	// grants computed while aborting are never sent
	for _, gm := range s.grants.takePending() {
		gm.r.put()
	}
	return n
}

// Receive returns the next complete message: a request from a client or the
// response to an RPC started with Send
func (s *Socket) Receive(ctx context.Context) (*Message, error) {
	select {
	case msg, ok := <-s.ready.Recv():
		if !ok {
			return nil, ErrSocketClosed
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// deliver queues a message for Receive
func (s *Socket) deliver(msg *Message) {
	if !s.ready.Push(msg) {
		Logger.Debugf("socket closed, dropping message %d from %s", msg.ID, msg.Peer)
	}
}

// LocalAddr returns the address the socket receives on
func (s *Socket) LocalAddr() netip.AddrPort { return s.transport.LocalAddr() }

// Config returns the configuration of the socket
func (s *Socket) Config() common.Config { return s.cfg }

// --------------------------------------------------------------------------
// Messages waiting for buffer pages
// --------------------------------------------------------------------------

// addWaiting takes a reference on r and remembers it until buffers are freed.
// Called with r.mu held.
func (s *Socket) addWaiting(r *RPC) {
	r.hold()
	s.waitMu.Lock()
	s.waiting = append(s.waiting, r)
	s.waitMu.Unlock()
	Logger.Debugf("%s waits for %d buffer pages", r, s.pool.PagesFor(r.msgin.length))
}

// removeWaiting forgets r. Called with r.mu held.
func (s *Socket) removeWaiting(r *RPC) {
	s.waitMu.Lock()
	found := false
	for i, w := range s.waiting {
		if w == r {
			s.waiting = append(s.waiting[:i], s.waiting[i+1:]...)
			found = true
			break
		}
	}
	s.waitMu.Unlock()
	if found {
		r.put()
	}
}

func (s *Socket) waitingLen() int {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	return len(s.waiting)
}

// retryWaiting tries again to allocate buffers for the waiting messages, oldest
// first. Messages that still do not fit stay on the list.
func (s *Socket) retryWaiting() {
	s.waitMu.Lock()
	list := s.waiting
	s.waiting = nil
	s.waitMu.Unlock()

	for _, r := range list {
		r.mu.Lock()
		if r.state == StateIncoming && r.msgin != nil && r.msgin.waiting {
			// allocatePages puts r back on the list if it fails
			r.msgin.waiting = false
			if r.allocatePages() {
				Logger.Debugf("%s got its buffer pages", r)
				s.grants.manage(r)
			}
		}
		r.mu.Unlock()
		r.put()
	}
	s.flushGrants()
}
