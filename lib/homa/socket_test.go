package homa

import (
	"bytes"
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/homa/lib/wire"
	"github.com/ValentinKolb/homa/rpc/common"
	"github.com/ValentinKolb/homa/rpc/transport"
	"github.com/ValentinKolb/homa/rpc/transport/memory"
	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
)

// --------------------------------------------------------------------------
// Test helpers
// --------------------------------------------------------------------------

var (
	localAddr = netip.MustParseAddrPort("10.0.0.100:7000")
	peerA     = netip.MustParseAddrPort("10.0.0.1:4000")
	peerB     = netip.MustParseAddrPort("10.0.0.2:4000")
	peerC     = netip.MustParseAddrPort("10.0.0.3:4000")
)

type sentPacket struct {
	dst netip.AddrPort
	pkt *wire.Packet
}

// fakeTransport records every packet instead of sending it
type fakeTransport struct {
	mu   sync.Mutex
	sent []sentPacket
	full bool
	err  error // returned by every Send while set
}

func (f *fakeTransport) Send(dst netip.AddrPort, hdr, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return transport.ErrQueueFull
	}
	if f.err != nil {
		return f.err
	}
	buf := append(append([]byte(nil), hdr...), payload...)
	pkt, err := wire.Decode(buf)
	if err != nil {
		return err
	}
	f.sent = append(f.sent, sentPacket{dst: dst, pkt: pkt})
	return nil
}

func (f *fakeTransport) Serve(ctx context.Context, _ transport.PacketHandleFunc) error {
	<-ctx.Done()
	return nil
}

func (f *fakeTransport) LocalAddr() netip.AddrPort { return localAddr }

func (f *fakeTransport) Resolve(dst netip.AddrPort) (any, error) { return dst.String(), nil }

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) setFull(full bool) {
	f.mu.Lock()
	f.full = full
	f.mu.Unlock()
}

func (f *fakeTransport) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// take returns the recorded packets and clears the record
func (f *fakeTransport) take() []sentPacket {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.sent
	f.sent = nil
	return out
}

func filterPackets(pkts []sentPacket, t wire.Type, dst netip.AddrPort) []*wire.Packet {
	var out []*wire.Packet
	for _, sp := range pkts {
		if sp.pkt.Type == t && sp.dst == dst {
			out = append(out, sp.pkt)
		}
	}
	return out
}

func testConfig() common.Config {
	cfg := common.DefaultConfig()
	cfg.PoolPages = 64
	cfg.LogLevel = "error"
	return cfg
}

func newTestSocket(t *testing.T, adjust func(cfg *common.Config)) (*Socket, *fakeTransport) {
	t.Helper()
	cfg := testConfig()
	if adjust != nil {
		adjust(&cfg)
	}
	tr := &fakeTransport{}
	s, err := NewSocket(cfg, tr)
	if err != nil {
		t.Fatalf("NewSocket failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, tr
}

// dataPacket encodes a DATA packet of a request sent by clientID. Byte i of the
// message has the value byte(i).
func dataPacket(clientID uint64, msgLen, incoming, offset, n int) []byte {
	payload := make([]byte, n)
	for i := range payload {
		payload[i] = byte(offset + i)
	}
	return wire.Encode(wire.NewData(clientID, uint32(msgLen), uint32(incoming), uint32(offset), payload, false))
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

// serverRPC returns the server RPC for a request sent by clientID from addr
func serverRPC(t *testing.T, s *Socket, addr netip.AddrPort, clientID uint64) *RPC {
	t.Helper()
	r := s.registry.lookup(addr, wire.LocalID(clientID))
	if r == nil {
		t.Fatalf("Expected a server rpc for client id %d from %s", clientID, addr)
	}
	r.put()
	return r
}

func receive(t *testing.T, s *Socket) *Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := s.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	return msg
}

// --------------------------------------------------------------------------
// Socket API
// --------------------------------------------------------------------------

func TestNewSocketRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.MaxOvercommit = 0
	_, err := NewSocket(cfg, &fakeTransport{})
	if !errors.Is(err, common.ErrInvalidConfig) {
		t.Fatalf("Expected ErrInvalidConfig, got %v", err)
	}
}

func TestSendRejectsBadMessages(t *testing.T) {
	s, _ := newTestSocket(t, nil)

	if _, err := s.Send(peerA, nil); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("Expected ErrEmptyMessage, got %v", err)
	}
	tooLong := make([]byte, s.maxMessage()+1)
	if _, err := s.Send(peerA, tooLong); !errors.Is(err, ErrMessageTooLong) {
		t.Errorf("Expected ErrMessageTooLong, got %v", err)
	}
	if s.registry.len() != 0 {
		t.Errorf("Expected no rpcs, got %d", s.registry.len())
	}
}

func TestSendShortMessageGoesOutDirectly(t *testing.T) {
	s, tr := newTestSocket(t, func(cfg *common.Config) {
		cfg.MaxPayload = 1400
		cfg.ThrottleMinBytes = 100000
	})

	id, err := s.Send(peerA, pattern(3000))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !wire.IsClientID(id) {
		t.Errorf("Expected an even client id, got %d", id)
	}

	data := filterPackets(tr.take(), wire.TypeData, peerA)
	if len(data) != 3 {
		t.Fatalf("Expected 3 DATA packets, got %d", len(data))
	}
	for i, p := range data {
		if p.SenderID != id {
			t.Errorf("Packet %d: expected sender id %d, got %d", i, id, p.SenderID)
		}
		if int(p.Offset) != i*1400 {
			t.Errorf("Packet %d: expected offset %d, got %d", i, i*1400, p.Offset)
		}
		if p.MsgLen != 3000 {
			t.Errorf("Packet %d: expected message length 3000, got %d", i, p.MsgLen)
		}
	}
	if s.pacer.len() != 0 {
		t.Errorf("Expected an empty pacer queue, got %d", s.pacer.len())
	}
}

func TestOperationsOnClosedSocket(t *testing.T) {
	s, _ := newTestSocket(t, nil)
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := s.Send(peerA, []byte("x")); !errors.Is(err, ErrSocketClosed) {
		t.Errorf("Expected ErrSocketClosed from Send, got %v", err)
	}
	if _, err := s.Receive(context.Background()); !errors.Is(err, ErrSocketClosed) {
		t.Errorf("Expected ErrSocketClosed from Receive, got %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrSocketClosed) {
		t.Errorf("Expected ErrSocketClosed from Start, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Second Close failed: %v", err)
	}
}

func TestCallCanceledByContext(t *testing.T) {
	s, _ := newTestSocket(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Call(ctx, peerA, []byte("hello"))
	if !errors.Is(err, ErrCanceled) {
		t.Errorf("Expected ErrCanceled, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected context.DeadlineExceeded, got %v", err)
	}
	if n, _ := s.registry.deadStats(); n != 1 {
		t.Errorf("Expected 1 dead rpc, got %d", n)
	}
}

func TestAbortDeliversNothing(t *testing.T) {
	s, _ := newTestSocket(t, nil)

	id, err := s.Send(peerA, []byte("hello"))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := s.Abort(id); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	if err := s.Abort(id + 2); !errors.Is(err, ErrRPCUnknown) {
		t.Errorf("Expected ErrRPCUnknown for an unknown id, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if msg, err := s.Receive(ctx); err == nil {
		t.Errorf("Expected nothing to be delivered, got message %d", msg.ID)
	}
}

func TestAbortPeerFailsClientRPCs(t *testing.T) {
	s, _ := newTestSocket(t, nil)

	id, err := s.Send(peerA, []byte("hello"))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, err := s.Send(peerB, []byte("other peer")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if n := s.AbortPeer(peerA, ErrPeerUnreachable); n != 1 {
		t.Fatalf("Expected 1 aborted rpc, got %d", n)
	}
	msg := receive(t, s)
	if msg.ID != id || !errors.Is(msg.Err, ErrPeerUnreachable) {
		t.Errorf("Expected rpc %d to fail with ErrPeerUnreachable, got %d: %v", id, msg.ID, msg.Err)
	}
	if s.registry.len() != 2 {
		t.Errorf("Expected both rpcs to exist until reaped, got %d", s.registry.len())
	}
	if n, _ := s.registry.deadStats(); n != 1 {
		t.Errorf("Expected 1 dead rpc, got %d", n)
	}
}

// --------------------------------------------------------------------------
// Receive path
// --------------------------------------------------------------------------

func TestDuplicateFirstPacketCreatesOneServerRPC(t *testing.T) {
	s, _ := newTestSocket(t, nil)

	s.OnPacket(peerA, dataPacket(100, 3000, 3000, 0, 1400))
	s.OnPacket(peerA, dataPacket(100, 3000, 3000, 0, 1400))
	if s.registry.len() != 1 {
		t.Fatalf("Expected 1 rpc, got %d", s.registry.len())
	}
	r := serverRPC(t, s, peerA, 100)
	if r.ID() != 101 || r.IsClient() {
		t.Errorf("Expected server rpc 101, got %s", r)
	}

	s.OnPacket(peerA, dataPacket(100, 3000, 3000, 2800, 200))
	s.OnPacket(peerA, dataPacket(100, 3000, 3000, 1400, 1400))
	msg := receive(t, s)
	if !msg.Request || msg.ID != 101 || msg.Peer != peerA {
		t.Errorf("Unexpected message header: %+v", msg)
	}
	if !bytes.Equal(msg.Body, pattern(3000)) {
		t.Errorf("Message body differs from what was sent")
	}
	if r.State() != StateInService {
		t.Errorf("Expected state %s, got %s", StateInService, r.State())
	}
}

func TestMalformedPacketIsDropped(t *testing.T) {
	s, tr := newTestSocket(t, nil)

	s.OnPacket(peerA, []byte{0x10, 0, 0})
	s.OnPacket(peerA, []byte{0xff, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	if s.registry.len() != 0 || s.peers.Len() != 0 {
		t.Errorf("Expected malformed packets to leave no state behind")
	}
	if len(tr.take()) != 0 {
		t.Errorf("Expected no reply to malformed packets")
	}
}

func TestResendForUnknownRPC(t *testing.T) {
	s, tr := newTestSocket(t, nil)

	s.OnPacket(peerA, wire.Encode(wire.NewResend(101, 0, 1000, 0)))
	replies := filterPackets(tr.take(), wire.TypeRPCUnknown, peerA)
	if len(replies) != 1 {
		t.Fatalf("Expected 1 RPC_UNKNOWN, got %d", len(replies))
	}
	if replies[0].SenderID != 100 {
		t.Errorf("Expected RPC_UNKNOWN for local id 100, got %d", replies[0].SenderID)
	}
}

func TestRPCUnknownRestartsRequest(t *testing.T) {
	s, tr := newTestSocket(t, func(cfg *common.Config) {
		cfg.MaxPayload = 1400
		cfg.ThrottleMinBytes = 100000
	})

	id, err := s.Send(peerA, pattern(3000))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	tr.take()

	s.OnPacket(peerA, wire.Encode(wire.NewControl(wire.TypeRPCUnknown, wire.LocalID(id))))
	data := filterPackets(tr.take(), wire.TypeData, peerA)
	if len(data) != 3 {
		t.Fatalf("Expected the request to be sent again in 3 packets, got %d", len(data))
	}
	if data[0].Offset != 0 {
		t.Errorf("Expected the retransmission to start at 0, got %d", data[0].Offset)
	}
}

func TestNeedAckForUnknownRPCIsAcknowledged(t *testing.T) {
	s, tr := newTestSocket(t, nil)

	s.OnPacket(peerA, wire.Encode(wire.NewControl(wire.TypeNeedAck, 101)))
	acks := filterPackets(tr.take(), wire.TypeAck, peerA)
	if len(acks) != 1 {
		t.Fatalf("Expected 1 ACK, got %d", len(acks))
	}
	if len(acks[0].Acks) != 1 || acks[0].Acks[0] != 100 {
		t.Errorf("Expected ACK for rpc 100, got %v", acks[0].Acks)
	}
}

func TestResponseIsAcknowledged(t *testing.T) {
	s, tr := newTestSocket(t, nil)

	s.OnPacket(peerA, dataPacket(100, 100, 100, 0, 100))
	req := receive(t, s)
	if err := s.Reply(req, []byte("response")); err != nil {
		t.Fatalf("Reply failed: %v", err)
	}
	if err := s.Reply(req, []byte("again")); !errors.Is(err, ErrRPCUnknown) {
		t.Errorf("Expected a second reply to fail with ErrRPCUnknown, got %v", err)
	}
	data := filterPackets(tr.take(), wire.TypeData, peerA)
	if len(data) != 1 || data[0].SenderID != 101 {
		t.Fatalf("Expected the response in one DATA packet from rpc 101, got %d packets", len(data))
	}

	// the response went out at tick 1, NEED_ACK follows RequestAckTicks later
	s.tick()
	if n := len(filterPackets(tr.take(), wire.TypeNeedAck, peerA)); n != 0 {
		t.Errorf("Expected no NEED_ACK after 1 tick, got %d", n)
	}
	s.tick()
	needAcks := filterPackets(tr.take(), wire.TypeNeedAck, peerA)
	if len(needAcks) != 1 || needAcks[0].SenderID != 101 {
		t.Fatalf("Expected 1 NEED_ACK for rpc 101, got %d", len(needAcks))
	}
	s.tick()
	if n := len(filterPackets(tr.take(), wire.TypeNeedAck, peerA)); n != 0 {
		t.Errorf("Expected NEED_ACK to be repeated only after the resend interval, got %d", n)
	}

	r := serverRPC(t, s, peerA, 100)
	s.OnPacket(peerA, wire.Encode(wire.NewAck(0, []uint64{100})))
	if r.State() != StateDead {
		t.Errorf("Expected the acknowledged rpc to be dead, got %s", r.State())
	}
}

func TestSendErrorsFailRPCs(t *testing.T) {
	s, tr := newTestSocket(t, pacerConfig)

	s.OnPacket(peerC, dataPacket(100, 100, 100, 0, 100))
	req := receive(t, s)
	tr.setErr(errors.New("sendto: network is unreachable"))

	// sent directly
	id, err := s.Send(peerA, []byte("hello"))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if msg := receive(t, s); msg.ID != id || !errors.Is(msg.Err, ErrPeerUnreachable) {
		t.Errorf("Expected rpc %d to fail with ErrPeerUnreachable, got %d: %v", id, msg.ID, msg.Err)
	}

	// sent by the pacer
	id, err = s.Send(peerB, pattern(5000))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if s.pacer.len() != 1 {
		t.Fatalf("Expected the message to be queued, got %d", s.pacer.len())
	}
	s.pacer.drain(1 << 20)
	if msg := receive(t, s); msg.ID != id || !errors.Is(msg.Err, ErrPeerUnreachable) {
		t.Errorf("Expected rpc %d to fail with ErrPeerUnreachable, got %d: %v", id, msg.ID, msg.Err)
	}
	if s.pacer.len() != 0 {
		t.Errorf("Expected an empty queue, got %d", s.pacer.len())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := s.Call(ctx, peerA, []byte("hello")); !errors.Is(err, ErrPeerUnreachable) {
		t.Errorf("Expected Call to fail with ErrPeerUnreachable, got %v", err)
	}

	// a server drops the rpc whose response cannot be sent
	if err := s.Reply(req, []byte("response")); err != nil {
		t.Fatalf("Reply failed: %v", err)
	}
	if r := serverRPC(t, s, peerC, 100); r.State() != StateDead {
		t.Errorf("Expected the server rpc to be dead, got %s", r.State())
	}
	if n := s.registry.len() - s.Stats().DeadRPCs; n != 0 {
		t.Errorf("Expected no live rpcs, got %d", n)
	}
}

// --------------------------------------------------------------------------
// End to end
// --------------------------------------------------------------------------

func startSocket(t *testing.T, network *memory.Network, adjust func(cfg *common.Config)) *Socket {
	t.Helper()
	ep, err := network.Listen(netip.AddrPort{}, 4096)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	cfg := testConfig()
	cfg.TimeoutTicks = 2000
	if adjust != nil {
		adjust(&cfg)
	}
	s, err := NewSocket(cfg, ep)
	if err != nil {
		t.Fatalf("NewSocket failed: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func serveEcho(s *Socket) {
	for {
		msg, err := s.Receive(context.Background())
		if err != nil {
			return
		}
		_ = s.Reply(msg, msg.Body)
	}
}

func TestEchoOverLossyNetwork(t *testing.T) {
	network := memory.NewNetwork()

	// drop every 7th original DATA packet, retransmissions get through
	var count atomic.Uint64
	network.SetFilter(func(_, _ netip.AddrPort, pkt []byte) memory.Verdict {
		p, err := wire.Decode(pkt)
		if err != nil || p.Type != wire.TypeData || p.Retransmit {
			return memory.Deliver
		}
		if count.Add(1)%7 == 0 {
			return memory.Drop
		}
		return memory.Deliver
	})

	server := startSocket(t, network, nil)
	client := startSocket(t, network, nil)
	go serveEcho(server)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := echoAll(ctx, client, server.LocalAddr(), []int{1, 100, 5000, 70000, 250000}); err != nil {
		t.Fatalf("Echo failed: %v", err)
	}

	if _, dropped, _ := network.Stats(); dropped == 0 {
		t.Errorf("Expected the filter to drop packets")
	}
	st := client.Stats()
	if st.MessagesReceived != 5 {
		t.Errorf("Expected 5 responses in the client statistics, got %d", st.MessagesReceived)
	}
}

// echoAll calls the echo server once per size in parallel and checks the responses
func echoAll(ctx context.Context, client *Socket, server netip.AddrPort, sizes []int) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, size := range sizes {
		size := size
		g.Go(func() error {
			body := pattern(size)
			resp, err := client.Call(gctx, server, body)
			if err != nil {
				return errors.Wrapf(err, "call with %d bytes", size)
			}
			if !bytes.Equal(resp, body) {
				return errors.Newf("echo of %d bytes came back as %d different bytes", size, len(resp))
			}
			return nil
		})
	}
	return g.Wait()
}

func TestEchoSurvivesControlPacketLoss(t *testing.T) {
	network := memory.NewNetwork()

	// every 4th GRANT, every 3rd RESEND, every 3rd retransmission and every
	// 11th original DATA packet is lost
	var grants, resends, retransmits, data atomic.Uint64
	var lostGrants, lostResends, lostRetransmits atomic.Uint64
	network.SetFilter(func(_, _ netip.AddrPort, pkt []byte) memory.Verdict {
		p, err := wire.Decode(pkt)
		if err != nil {
			return memory.Deliver
		}
		switch {
		case p.Type == wire.TypeGrant && grants.Add(1)%4 == 0:
			lostGrants.Add(1)
			return memory.Drop
		case p.Type == wire.TypeResend && resends.Add(1)%3 == 0:
			lostResends.Add(1)
			return memory.Drop
		case p.Type == wire.TypeData && p.Retransmit && retransmits.Add(1)%3 == 0:
			lostRetransmits.Add(1)
			return memory.Drop
		case p.Type == wire.TypeData && !p.Retransmit && data.Add(1)%11 == 0:
			return memory.Drop
		}
		return memory.Deliver
	})

	more := func(cfg *common.Config) { cfg.TimeoutResends = 20 }
	server := startSocket(t, network, more)
	client := startSocket(t, network, more)
	go serveEcho(server)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := echoAll(ctx, client, server.LocalAddr(), []int{5000, 70000, 250000, 400000}); err != nil {
		t.Fatalf("Echo failed: %v", err)
	}

	if lostGrants.Load() == 0 || lostResends.Load() == 0 || lostRetransmits.Load() == 0 {
		t.Errorf("Expected lost GRANTs, RESENDs and retransmissions, got %d, %d and %d",
			lostGrants.Load(), lostResends.Load(), lostRetransmits.Load())
	}
}

func TestSendToUnreachablePeer(t *testing.T) {
	network := memory.NewNetwork()
	client := startSocket(t, network, nil)

	_, err := client.Send(netip.MustParseAddrPort("127.0.0.1:1"), []byte("hello"))
	if !errors.Is(err, ErrPeerUnreachable) {
		t.Errorf("Expected ErrPeerUnreachable, got %v", err)
	}
}
