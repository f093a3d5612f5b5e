package homa

import (
	"context"
	"net/netip"

	"github.com/ValentinKolb/homa/lib/wire"
	"github.com/ValentinKolb/homa/rpc/transport"
	"github.com/cockroachdb/errors"
)

// --------------------------------------------------------------------------
// Application API
// --------------------------------------------------------------------------

// Send starts an RPC with body as request and returns its id. The response is
// delivered through Receive.
func (s *Socket) Send(addr netip.AddrPort, body []byte) (uint64, error) {
	r, err := s.startClient(addr, body, false)
	if err != nil {
		return 0, err
	}
	id := r.id
	r.put()
	return id, nil
}

// Call sends body as request to addr and waits for the response. If ctx ends
// first the RPC is aborted and the error matches both ErrCanceled and ctx.Err().
func (s *Socket) Call(ctx context.Context, addr netip.AddrPort, body []byte) ([]byte, error) {
	r, err := s.startClient(addr, body, true)
	if err != nil {
		return nil, err
	}
	defer r.put()

	select {
	case <-r.done:
		r.mu.Lock()
		res := r.result
		r.mu.Unlock()
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Body, nil
	case <-ctx.Done():
		r.mu.Lock()
		s.failLocked(r, ErrCanceled)
		r.mu.Unlock()
		return nil, errors.Mark(errors.Wrapf(ctx.Err(), "rpc %d", r.id), ErrCanceled)
	}
}

// Reply sends body as the response to a request obtained from Receive
func (s *Socket) Reply(req *Message, body []byte) error {
	if s.closed.Load() {
		return ErrSocketClosed
	}
	if !req.Request {
		return errors.Newf("message %d is not a request", req.ID)
	}
	if err := s.checkMessage(body); err != nil {
		return err
	}
	r := s.registry.lookup(req.Peer, req.ID)
	if r == nil {
		return errors.Wrapf(ErrRPCUnknown, "rpc %d from %s", req.ID, req.Peer)
	}
	defer r.put()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateInService {
		return errors.Wrapf(ErrRPCUnknown, "%s is %s", r, r.state)
	}
	r.state = StateOutgoing
	r.msgout = newMsgOut(append([]byte(nil), body...), s.cfg.UnschedBytes)
	s.scheduleLocked(r)
	return nil
}

// Abort cancels the client RPC with the given id. A pending Call returns
// ErrCanceled; nothing is delivered for RPCs started with Send.
func (s *Socket) Abort(id uint64) error {
	r := s.registry.lookupClient(id)
	if r == nil {
		return errors.Wrapf(ErrRPCUnknown, "rpc %d", id)
	}
	defer r.put()
	r.mu.Lock()
	defer r.mu.Unlock()
	s.failLocked(r, ErrCanceled)
	return nil
}

// AbortPeer fails every RPC with addr: client RPCs complete with err, server RPCs
// are discarded. It returns the number of RPCs affected.
func (s *Socket) AbortPeer(addr netip.AddrPort, err error) int {
	n := 0
	for _, r := range s.registry.forPeer(addr) {
		r.mu.Lock()
		if r.state != StateDead {
			n++
			if r.IsClient() {
				s.failLocked(r, err)
			} else {
				s.registry.end(r)
			}
		}
		r.mu.Unlock()
		r.put()
	}
	s.flushGrants()
	return n
}

func (s *Socket) checkMessage(body []byte) error {
	if len(body) == 0 {
		return ErrEmptyMessage
	}
	if len(body) > s.maxMessage() {
		return errors.Wrapf(ErrMessageTooLong, "%d bytes, at most %d", len(body), s.maxMessage())
	}
	return nil
}

// maxMessage is the longest message the receive buffer pool can hold
func (s *Socket) maxMessage() int {
	return min(s.cfg.BpageSize*s.cfg.PoolPages, 1<<31-1)
}

// startClient allocates a client RPC and starts transmitting its request. The
// RPC is returned held.
func (s *Socket) startClient(addr netip.AddrPort, body []byte, call bool) (*RPC, error) {
	if s.closed.Load() {
		return nil, ErrSocketClosed
	}
	if err := s.checkMessage(body); err != nil {
		return nil, err
	}
	r, err := s.registry.allocateClient(addr)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if call {
		r.call = true
		r.done = make(chan struct{})
	}
	r.msgout = newMsgOut(append([]byte(nil), body...), s.cfg.UnschedBytes)
	s.scheduleLocked(r)
	return r, nil
}

// --------------------------------------------------------------------------
// Completion (RPC lock held)
// --------------------------------------------------------------------------

// finishClientLocked hands the result of a client RPC to the application and
// ends the RPC. Successful responses are queued for acknowledgement.
func (s *Socket) finishClientLocked(r *RPC, msg *Message) {
	if r.call {
		r.result = msg
		close(r.done)
	} else {
		s.deliver(msg)
	}
	if msg.Err == nil && r.peer.AddAck(r.id, s.cfg.MaxPendingAcks) {
		s.sendAcks(r.addr, r.peer.TakeAcks())
	}
	s.registry.end(r)
}

// failLocked terminates r with err. Client RPCs report err to a waiting Call, and
// to Receive unless the application itself canceled the RPC.
func (s *Socket) failLocked(r *RPC, err error) {
	if r.state == StateDead {
		return
	}
	r.err = err
	if !r.IsClient() {
		s.registry.end(r)
		return
	}
	r.releasePages()
	msg := &Message{ID: r.id, Peer: r.addr, Err: err}
	if !r.call && errors.Is(err, ErrCanceled) {
		s.registry.end(r)
		return
	}
	s.finishClientLocked(r, msg)
}

// --------------------------------------------------------------------------
// Transmission (RPC lock held)
// --------------------------------------------------------------------------

// scheduleLocked transmits the granted bytes of r: short messages go out
// directly, longer ones through the pacer
func (s *Socket) scheduleLocked(r *RPC) {
	if r.state != StateOutgoing || r.msgout == nil {
		return
	}
	if len(r.msgout.data) <= s.cfg.ThrottleMinBytes {
		s.xmitLocked(r)
		return
	}
	s.pacer.offer(r)
}

// xmitLocked sends every granted byte of r right away. If the transport queue
// fills up the rest is left to the pacer.
func (s *Socket) xmitLocked(r *RPC) {
	for {
		n, err := s.xmitOneLocked(r)
		if errors.Is(err, transport.ErrQueueFull) {
			s.pacer.offer(r)
			return
		}
		if err != nil {
			s.sendFailedLocked(r, err)
			return
		}
		if n == 0 {
			return
		}
	}
}

// xmitPaced sends the next packet of a message taken from the pacer queue and
// requeues it if more granted bytes remain
func (s *Socket) xmitPaced(r *RPC) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateOutgoing || r.msgout == nil {
		return 0, nil
	}
	n, err := s.xmitOneLocked(r)
	if err != nil && !errors.Is(err, transport.ErrQueueFull) {
		s.sendFailedLocked(r, err)
		return 0, err
	}
	s.pacer.offer(r)
	return n, err
}

// sendFailedLocked ends r after the transport refused one of its packets for a
// reason other than a full queue. Clients see ErrPeerUnreachable.
func (s *Socket) sendFailedLocked(r *RPC, err error) {
	Logger.Warningf("send to %s failed, giving up on %s: %v", r.addr, r, err)
	if errors.Is(err, transport.ErrClosed) {
		s.failLocked(r, ErrSocketClosed)
		return
	}
	s.failLocked(r, errors.Mark(errors.Wrapf(err, "send to %s", r.addr), ErrPeerUnreachable))
}

// xmitOneLocked sends the next granted segment of r and returns its length
// (0 if nothing granted is left). The cursor only moves once the transport
// accepted the packet.
func (s *Socket) xmitOneLocked(r *RPC) (int, error) {
	m := r.msgout
	seg, ok := m.cursor.PeekSegment(s.cfg.MaxPayload)
	if !ok {
		return 0, nil
	}
	pkt := wire.NewData(r.id, uint32(len(m.data)), uint32(m.cursor.Granted()), uint32(seg.Offset),
		m.data[seg.Offset:seg.End()], false)
	pkt.AckID = r.peer.TakeAck()
	if err := s.sendPacket(r.addr, pkt); err != nil {
		if pkt.AckID != 0 {
			r.peer.AddAck(pkt.AckID, s.cfg.MaxPendingAcks)
		}
		return 0, err
	}
	m.cursor.Advance(seg)
	m.packets++
	metricBytesSent.Add(seg.Length)
	if m.cursor.Done() && !r.IsClient() && r.doneTick == 0 {
		r.doneTick = s.clock.Now()
	}
	return seg.Length, nil
}

// retransmitLocked sends again the already transmitted bytes of [start, end) and
// returns the number of packets sent
func (s *Socket) retransmitLocked(r *RPC, start, end int) int {
	m := r.msgout
	sent := 0
	for _, seg := range m.cursor.Retransmit(start, end, s.cfg.MaxPayload) {
		pkt := wire.NewData(r.id, uint32(len(m.data)), uint32(m.cursor.Granted()), uint32(seg.Offset),
			m.data[seg.Offset:seg.End()], true)
		if err := s.sendPacket(r.addr, pkt); err != nil {
			if !errors.Is(err, transport.ErrQueueFull) {
				s.sendFailedLocked(r, err)
			}
			Logger.Debugf("retransmission to %s stopped: %v", r.addr, err)
			break
		}
		m.packets++
		sent++
	}
	return sent
}

// --------------------------------------------------------------------------
// Packets
// --------------------------------------------------------------------------

// sendPacket encodes p and hands it to the transport
func (s *Socket) sendPacket(dst netip.AddrPort, p *wire.Packet) error {
	var buf [wire.MaxHeaderLen]byte
	hdr := wire.AppendHeader(buf[:0], p)
	var payload []byte
	if p.Type == wire.TypeData {
		payload = p.Payload
	}
	if err := s.transport.Send(dst, hdr, payload); err != nil {
		return err
	}
	countSent(p.Type)
	return nil
}

// sendControl sends a packet without payload, loss is tolerated
func (s *Socket) sendControl(dst netip.AddrPort, p *wire.Packet) {
	if err := s.sendPacket(dst, p); err != nil {
		Logger.Debugf("dropping %s to %s: %v", p, dst, err)
	}
}

// sendAcks acknowledges completed client RPCs to addr
func (s *Socket) sendAcks(addr netip.AddrPort, ids []uint64) {
	for len(ids) > 0 {
		n := min(len(ids), wire.MaxAcks)
		s.sendControl(addr, wire.NewAck(0, ids[:n]))
		ids = ids[n:]
	}
}

// flushGrants sends the GRANTs computed by the grant engine. Called without
// any RPC lock held.
func (s *Socket) flushGrants() {
	for _, gm := range s.grants.takePending() {
		s.sendControl(gm.r.addr, wire.NewGrant(gm.r.id, uint32(gm.offset), gm.priority, false))
		metricGrants.Inc()
		gm.r.put()
	}
}
