package homa

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/homa/lib/wire"
	"github.com/lni/dragonboat/v4/logger"
)

var timerLog = logger.GetLogger("homa/timer")

// Clock is the timer tick counter. It starts at 1 so that 0 can mean "never".
type Clock struct {
	ticks atomic.Uint64
}

// NewClock returns a clock at tick 1
func NewClock() *Clock {
	c := &Clock{}
	c.ticks.Store(1)
	return c
}

// Now returns the current tick
func (c *Clock) Now() uint64 { return c.ticks.Load() }

// Advance moves the clock one tick forward and returns the new tick
func (c *Clock) Advance() uint64 { return c.ticks.Add(1) }

// runTimer calls tick once per TickInterval until ctx ends
func (s *Socket) runTimer(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick advances the clock and runs one pass over all RPCs: silence accounting,
// NEED_ACK and RESEND requests, timeouts. Afterwards dead RPCs and idle peers
// are reclaimed.
func (s *Socket) tick() {
	now := s.clock.Advance()

	if s.buffersFreed.Swap(false) || s.waitingLen() > 0 {
		s.retryWaiting()
	}
	for _, r := range s.registry.snapshot() {
		s.checkRPC(r, now)
		r.put()
	}
	s.grants.refresh()
	s.flushGrants()

	if n := s.registry.reap(s.cfg.DeadBuffsLimit); n > 0 {
		timerLog.Debugf("reaped %d rpcs", n)
	}
	s.peers.Prune(now, s.cfg.PeerIdleTicks)
	s.peers.Reap(now, s.cfg.PeerGraceTicks)

	if s.pacer.len() > 0 {
		s.pacer.wake()
	}
}

// checkRPC runs the per-tick liveness checks for one RPC
func (s *Socket) checkRPC(r *RPC, now uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg := &s.cfg

	if r.active {
		r.active = false
		r.silentTicks = 0
	} else {
		r.silentTicks++
	}

	switch r.state {
	case StateInService, StateCompleted, StateDead:
		// the application owes the next step
		r.silentTicks = 0
		return
	case StateOutgoing:
		m := r.msgout
		if m == nil || m.cursor.Next() < m.cursor.Granted() {
			// not started or still sending, nothing expected from the peer yet
			r.silentTicks = 0
			return
		}
		if !r.IsClient() {
			s.checkResponseAck(r, now)
			return
		}
	case StateIncoming:
		if r.msgin == nil || r.msgin.waiting || r.msgin.received() >= int(r.msgin.granted.Load()) {
			// no data yet, waiting for buffers or for our own grants
			r.silentTicks = 0
			return
		}
	}

	if r.silentTicks >= cfg.TimeoutTicks ||
		(r.silentTicks >= cfg.ResendTicks && r.peer.OutstandingResends() >= cfg.TimeoutResends) {
		s.timeoutLocked(r)
		return
	}
	if r.silentTicks < cfg.ResendTicks {
		return
	}
	// spaced from this RPC's own last RESEND, the peer gate decides the tick
	if r.lastResend != 0 && now-r.lastResend < cfg.ResendInterval {
		return
	}
	if !r.peer.MayResend(now, cfg.ResendInterval) {
		return
	}
	if s.requestResendLocked(r, now) {
		r.lastResend = now
		r.peer.ResendSent(now)
	}
}

// checkResponseAck asks the client to acknowledge a fully transmitted response,
// RequestAckTicks after it went out and then once per ResendInterval. A client
// that stays silent for TimeoutTicks is given up on.
func (s *Socket) checkResponseAck(r *RPC, now uint64) {
	cfg := &s.cfg
	if r.silentTicks >= cfg.TimeoutTicks {
		timerLog.Infof("%s: response never acknowledged, discarding", r)
		metricTimeouts.Inc()
		s.registry.end(r)
		return
	}
	if r.doneTick == 0 || now < r.doneTick+cfg.RequestAckTicks {
		return
	}
	if r.lastNeedAck != 0 && now-r.lastNeedAck < cfg.ResendInterval {
		return
	}
	r.lastNeedAck = now
	s.sendControl(r.addr, wire.NewControl(wire.TypeNeedAck, r.id))
}

// requestResendLocked asks the peer for the missing granted bytes of r. A client
// that has sent its request but received nothing asks for the start of the
// response. It reports whether a RESEND was sent.
func (s *Socket) requestResendLocked(r *RPC, now uint64) bool {
	prio := uint8(max(s.cfg.NumPriorities-1, 0))
	if r.state == StateOutgoing {
		s.sendControl(r.addr, wire.NewResend(r.id, 0, uint32(s.cfg.UnschedBytes), prio))
		metricResends.Inc()
		return true
	}
	m := r.msgin
	gaps := m.gaps.PendingResends(now, s.cfg.ResendInterval, int(m.granted.Load()))
	for _, gap := range gaps {
		s.sendControl(r.addr, wire.NewResend(r.id, uint32(gap.Start), uint32(gap.Len()), prio))
		metricResends.Inc()
	}
	if len(gaps) > 0 {
		timerLog.Debugf("%s silent for %d ticks, requested %v", r, r.silentTicks, gaps)
	}
	return len(gaps) > 0
}

// timeoutLocked gives up on r. Clients see ErrTimeout, servers drop the RPC.
func (s *Socket) timeoutLocked(r *RPC) {
	metricTimeouts.Inc()
	s.stats.timeouts.Inc(1)
	timerLog.Infof("%s timed out after %d silent ticks (%d unanswered resends)",
		r, r.silentTicks, r.peer.OutstandingResends())
	s.failLocked(r, ErrTimeout)
}
