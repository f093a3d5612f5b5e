// Package udp implements transport.IPacketTransport over a UDP socket. IPv4
// sockets receive in batches through golang.org/x/net/ipv4 and can carry a
// DSCP/TOS marking on every datagram.
package udp

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ValentinKolb/homa/rpc/transport"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
	"golang.org/x/net/ipv4"
)

var Logger = logger.GetLogger("transport/udp")

const (
	maxDatagram      = 65535
	defaultBatchSize = 32
)

// Options tune the socket. Zero values keep the system defaults.
type Options struct {
	TOS             int
	BatchSize       int
	ReadBufferSize  int
	WriteBufferSize int
}

type udpTransport struct {
	conn  *net.UDPConn
	pc    *ipv4.PacketConn // nil for IPv6 sockets
	local netip.AddrPort
	batch int

	bufferPool *sync.Pool
	closed     atomic.Bool
}

// NewUDPTransport binds a UDP socket to endpoint ("host:port")
func NewUDPTransport(endpoint string, opts Options) (transport.IPacketTransport, error) {
	laddr, err := net.ResolveUDPAddr("udp", endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", endpoint)
	}
	network := "udp6"
	if laddr.IP == nil || laddr.IP.To4() != nil {
		network = "udp4"
	}
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", endpoint)
	}

	if opts.ReadBufferSize > 0 {
		if err := conn.SetReadBuffer(opts.ReadBufferSize); err != nil {
			Logger.Warningf("failed to set read buffer: %v", err)
		}
	}
	if opts.WriteBufferSize > 0 {
		if err := conn.SetWriteBuffer(opts.WriteBufferSize); err != nil {
			Logger.Warningf("failed to set write buffer: %v", err)
		}
	}

	t := &udpTransport{
		conn:  conn,
		local: unmap(conn.LocalAddr().(*net.UDPAddr).AddrPort()),
		batch: opts.BatchSize,
		bufferPool: &sync.Pool{
			New: func() interface{} {
				b := make([]byte, 0, maxDatagram)
				return &b
			},
		},
	}
	if t.batch <= 0 {
		t.batch = defaultBatchSize
	}
	if network == "udp4" {
		t.pc = ipv4.NewPacketConn(conn)
		if opts.TOS > 0 {
			if err := t.pc.SetTOS(opts.TOS); err != nil {
				Logger.Warningf("failed to set TOS %d: %v", opts.TOS, err)
			}
		}
	}

	Logger.Infof("Listening on udp %s", t.local)
	return t, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IPacketTransport)
// --------------------------------------------------------------------------

func (t *udpTransport) Send(dst netip.AddrPort, hdr, payload []byte) error {
	if t.closed.Load() {
		return transport.ErrClosed
	}
	bp := t.bufferPool.Get().(*[]byte)
	buf := append((*bp)[:0], hdr...)
	buf = append(buf, payload...)

	_, err := t.conn.WriteToUDPAddrPort(buf, unmap(dst))

	*bp = buf
	t.bufferPool.Put(bp)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, syscall.ENOBUFS), errors.Is(err, syscall.EAGAIN):
		return transport.ErrQueueFull
	case errors.Is(err, net.ErrClosed):
		return transport.ErrClosed
	default:
		return errors.Wrapf(err, "send to %s", dst)
	}
}

func (t *udpTransport) Serve(ctx context.Context, handler transport.PacketHandleFunc) error {
	stop := context.AfterFunc(ctx, func() {
		// unblock the pending read
		_ = t.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	var err error
	if t.pc != nil {
		err = t.serveBatch(handler)
	} else {
		err = t.serveSingle(handler)
	}
	if ctx.Err() != nil || t.closed.Load() {
		return nil
	}
	return err
}

func (t *udpTransport) serveBatch(handler transport.PacketHandleFunc) error {
	msgs := make([]ipv4.Message, t.batch)
	for i := range msgs {
		msgs[i].Buffers = [][]byte{make([]byte, maxDatagram)}
	}
	for {
		n, err := t.pc.ReadBatch(msgs, 0)
		if err != nil {
			return errors.Wrap(err, "read batch")
		}
		for i := 0; i < n; i++ {
			addr, ok := msgs[i].Addr.(*net.UDPAddr)
			if !ok {
				continue
			}
			handler(unmap(addr.AddrPort()), msgs[i].Buffers[0][:msgs[i].N])
		}
	}
}

func (t *udpTransport) serveSingle(handler transport.PacketHandleFunc) error {
	buf := make([]byte, maxDatagram)
	for {
		n, src, err := t.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			return errors.Wrap(err, "read")
		}
		handler(unmap(src), buf[:n])
	}
}

func (t *udpTransport) LocalAddr() netip.AddrPort { return t.local }

func (t *udpTransport) Resolve(dst netip.AddrPort) (any, error) {
	if !dst.IsValid() || dst.Port() == 0 {
		return nil, errors.Newf("invalid address %s", dst)
	}
	dst = unmap(dst)
	if t.pc != nil && !dst.Addr().Is4() {
		return nil, errors.Newf("%s is not reachable from an IPv4 socket", dst)
	}
	return net.UDPAddrFromAddrPort(dst), nil
}

func (t *udpTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	Logger.Infof("Closing udp %s", t.local)
	return t.conn.Close()
}

// unmap strips the IPv4-in-IPv6 prefix so peers are keyed consistently
func unmap(a netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(a.Addr().Unmap(), a.Port())
}
