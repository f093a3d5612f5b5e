package homa

import (
	"net/netip"
	"time"

	"github.com/ValentinKolb/homa/lib/peer"
	"github.com/ValentinKolb/homa/lib/wire"
)

// OnPacket processes one received datagram. It is the receive entry point used
// by the transport and may be called from several goroutines at once. buf is not
// retained.
func (s *Socket) OnPacket(src netip.AddrPort, buf []byte) {
	if s.closed.Load() {
		return
	}
	pkt, err := wire.Decode(buf)
	if err != nil {
		metricViolations.Inc()
		Logger.Warningf("dropping packet from %s: %v", src, protocolError(err))
		return
	}
	countReceived(pkt.Type)

	pr, err := s.peers.Find(src)
	if err != nil {
		Logger.Warningf("dropping %s: %v", pkt, err)
		return
	}
	pr.Heard()

	switch pkt.Type {
	case wire.TypeData:
		s.handleData(src, pr, pkt)
	case wire.TypeGrant:
		s.handleGrant(src, pkt)
	case wire.TypeResend:
		s.handleResend(src, pkt)
	case wire.TypeRPCUnknown:
		s.handleRPCUnknown(src, pkt)
	case wire.TypeBusy:
		s.handleBusy(src, pkt)
	case wire.TypeNeedAck:
		s.handleNeedAck(src, pr, pkt)
	case wire.TypeAck:
		s.handleAcks(src, pkt.Acks)
	case wire.TypeCutoffs:
		pr.SetCutoffVersion(pkt.CutoffVersion)
	case wire.TypeFreeze:
		Logger.Warningf("freeze requested by %s", src)
	}
	pr.Put()
	s.flushGrants()
}

// --------------------------------------------------------------------------
// DATA
// --------------------------------------------------------------------------

func (s *Socket) handleData(src netip.AddrPort, pr *peer.Peer, pkt *wire.Packet) {
	if pkt.AckID != 0 {
		s.handleAcks(src, []uint64{pkt.AckID})
	}

	id := wire.LocalID(pkt.SenderID)
	var r *RPC
	if wire.IsClientID(id) {
		if r = s.registry.lookup(src, id); r == nil {
			Logger.Debugf("dropping %s from %s for unknown client rpc", pkt, src)
			return
		}
	} else {
		var (
			created bool
			err     error
		)
		if r, created, err = s.registry.allocateServer(src, id, pr); err != nil {
			Logger.Warningf("dropping request data from %s: %v", src, err)
			return
		}
		if created {
			Logger.Debugf("new %s, %d bytes", r, pkt.MsgLen)
		}
	}
	defer r.put()

	r.mu.Lock()
	defer r.mu.Unlock()
	s.dataLocked(r, pkt)
}

// dataLocked applies a DATA packet to r
func (s *Socket) dataLocked(r *RPC, pkt *wire.Packet) {
	switch r.state {
	case StateDead, StateCompleted, StateInService:
		return
	case StateOutgoing:
		if !r.IsClient() {
			// late request data while the response is being sent
			return
		}
		// the response started, so the server has the whole request
		r.state = StateIncoming
		s.pacer.remove(r)
	}
	r.active = true

	length := int(pkt.MsgLen)
	if r.msgin == nil {
		if length > s.maxMessage() {
			metricViolations.Inc()
			Logger.Warningf("%s announces %d bytes, more than the buffer pool holds", r, length)
			s.failLocked(r, ErrResourceExhausted)
			return
		}
		r.initMsgIn(length, int(pkt.Incoming))
		if !r.msgin.waiting {
			s.grants.manage(r)
		}
	} else if length != r.msgin.length {
		metricViolations.Inc()
		Logger.Warningf("%s: message length changed from %d to %d", r, r.msgin.length, length)
		return
	}
	if r.msgin.waiting {
		metricDataDropped.Inc()
		return
	}

	off, n := int(pkt.Offset), len(pkt.Payload)
	if n == 0 {
		return
	}
	r.copyIn(off, pkt.Payload)
	added, done := r.msgin.gaps.Record(off, n)
	if added == 0 {
		return
	}
	r.msgin.packets++
	metricBytesReceived.Add(added)
	if done {
		s.grants.remove(r)
		s.completeLocked(r)
		return
	}
	s.grants.onData(r)
}

// completeLocked hands a fully received message to the application
func (s *Socket) completeLocked(r *RPC) {
	msg := &Message{
		ID:      r.id,
		Peer:    r.addr,
		Body:    r.copyOut(),
		Request: !r.IsClient(),
	}
	s.stats.messageSize.Update(int64(len(msg.Body)))
	if r.IsClient() {
		r.state = StateCompleted
		s.stats.latency.Update(time.Since(r.started).Microseconds())
		s.finishClientLocked(r, msg)
		return
	}
	r.state = StateInService
	s.deliver(msg)
}

// --------------------------------------------------------------------------
// Control packets
// --------------------------------------------------------------------------

func (s *Socket) handleGrant(src netip.AddrPort, pkt *wire.Packet) {
	r := s.registry.lookup(src, wire.LocalID(pkt.SenderID))
	if r == nil {
		return
	}
	defer r.put()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateOutgoing || r.msgout == nil {
		return
	}
	r.active = true
	if r.msgout.cursor.Grant(int(pkt.Offset)) {
		r.msgout.priority = pkt.Priority
	}
	if pkt.ResendAll {
		s.retransmitLocked(r, 0, r.msgout.cursor.Next())
	}
	s.scheduleLocked(r)
}

// handleResend retransmits a requested range. A RESEND also grants the range.
// Servers that have not started their response answer with BUSY, and RESENDs
// for unknown RPCs are answered with RPC_UNKNOWN.
func (s *Socket) handleResend(src netip.AddrPort, pkt *wire.Packet) {
	id := wire.LocalID(pkt.SenderID)
	r := s.registry.lookup(src, id)
	if r == nil {
		s.sendControl(src, wire.NewControl(wire.TypeRPCUnknown, id))
		return
	}
	defer r.put()
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StateDead:
		s.sendControl(src, wire.NewControl(wire.TypeRPCUnknown, id))
	case StateOutgoing:
		r.active = true
		m := r.msgout
		start, end := int(pkt.Offset), int(pkt.Offset+pkt.Length)
		m.cursor.Grant(end)
		sent := s.retransmitLocked(r, start, end)
		if sent == 0 && m.cursor.Sendable() == 0 {
			s.sendControl(src, wire.NewControl(wire.TypeBusy, r.id))
		}
		s.scheduleLocked(r)
	default:
		r.active = true
		if !r.IsClient() {
			s.sendControl(src, wire.NewControl(wire.TypeBusy, r.id))
		}
	}
}

// handleRPCUnknown reacts to a peer that has no record of an RPC: a client still
// sending its request starts over, any other RPC is given up
func (s *Socket) handleRPCUnknown(src netip.AddrPort, pkt *wire.Packet) {
	r := s.registry.lookup(src, wire.LocalID(pkt.SenderID))
	if r == nil {
		return
	}
	defer r.put()
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.state == StateDead:
	case r.IsClient() && r.state == StateOutgoing:
		Logger.Infof("%s unknown to the server, restarting", r)
		r.active = true
		s.pacer.remove(r)
		r.msgout.cursor.Restart(r.msgout.unscheduled)
		s.scheduleLocked(r)
	case r.IsClient():
		s.failLocked(r, ErrRPCUnknown)
	default:
		s.registry.end(r)
	}
}

func (s *Socket) handleBusy(src netip.AddrPort, pkt *wire.Packet) {
	r := s.registry.lookup(src, wire.LocalID(pkt.SenderID))
	if r == nil {
		return
	}
	r.mu.Lock()
	r.active = true
	r.mu.Unlock()
	r.put()
}

// handleNeedAck acknowledges a response unless the RPC is still receiving it
func (s *Socket) handleNeedAck(src netip.AddrPort, pr *peer.Peer, pkt *wire.Packet) {
	id := wire.LocalID(pkt.SenderID)
	if r := s.registry.lookup(src, id); r != nil {
		r.mu.Lock()
		state := r.state
		r.mu.Unlock()
		r.put()
		if state != StateCompleted && state != StateDead {
			return
		}
	}
	s.sendAcks(src, append([]uint64{id}, pr.TakeAcks()...))
}

// handleAcks ends the server RPCs whose responses the client acknowledged
func (s *Socket) handleAcks(src netip.AddrPort, ids []uint64) {
	for _, clientID := range ids {
		r := s.registry.lookup(src, wire.LocalID(clientID))
		if r == nil {
			continue
		}
		r.mu.Lock()
		if !r.IsClient() {
			s.registry.end(r)
		}
		r.mu.Unlock()
		r.put()
	}
}
