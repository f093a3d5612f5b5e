package memory

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/homa/rpc/transport"
	"github.com/cockroachdb/errors"
)

type received struct {
	src netip.AddrPort
	pkt string
}

func collect(t *testing.T, ep *Endpoint, want int) []received {
	t.Helper()
	var (
		mu  sync.Mutex
		got []received
	)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() {
		_ = ep.Serve(ctx, func(src netip.AddrPort, pkt []byte) {
			mu.Lock()
			got = append(got, received{src, string(pkt)})
			n := len(got)
			mu.Unlock()
			if n == want {
				cancel()
			}
		})
	}()
	<-ctx.Done()
	mu.Lock()
	defer mu.Unlock()
	return append([]received(nil), got...)
}

func TestSendAndServe(t *testing.T) {
	n := NewNetwork()
	a, _ := n.Listen(netip.AddrPort{}, 8)
	b, _ := n.Listen(netip.AddrPort{}, 8)

	if err := a.Send(b.LocalAddr(), []byte("he"), []byte("llo")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	got := collect(t, b, 1)
	if len(got) != 1 || got[0].pkt != "hello" || got[0].src != a.LocalAddr() {
		t.Errorf("Expected hello from %s, got %v", a.LocalAddr(), got)
	}
}

func TestInboxFull(t *testing.T) {
	n := NewNetwork()
	a, _ := n.Listen(netip.AddrPort{}, 8)
	b, _ := n.Listen(netip.AddrPort{}, 2)

	for i := 0; i < 2; i++ {
		if err := a.Send(b.LocalAddr(), []byte{byte(i)}, nil); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}
	if err := a.Send(b.LocalAddr(), []byte{2}, nil); !errors.Is(err, transport.ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}
}

func TestDropAndHold(t *testing.T) {
	n := NewNetwork()
	a, _ := n.Listen(netip.AddrPort{}, 8)
	b, _ := n.Listen(netip.AddrPort{}, 8)

	n.SetFilter(func(src, dst netip.AddrPort, pkt []byte) Verdict {
		switch string(pkt) {
		case "drop":
			return Drop
		case "first":
			return Hold
		}
		return Deliver
	})
	for _, p := range []string{"first", "drop", "second"} {
		if err := a.Send(b.LocalAddr(), []byte(p), nil); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}
	got := collect(t, b, 2)
	if len(got) != 2 || got[0].pkt != "second" || got[1].pkt != "first" {
		t.Errorf("Expected second then first, got %v", got)
	}
	if _, dropped, _ := n.Stats(); dropped != 1 {
		t.Errorf("Expected 1 dropped packet, got %d", dropped)
	}
}

func TestResolveAndClose(t *testing.T) {
	n := NewNetwork()
	a, _ := n.Listen(netip.AddrPort{}, 8)
	b, _ := n.Listen(netip.AddrPort{}, 8)

	if _, err := a.Resolve(b.LocalAddr()); err != nil {
		t.Errorf("Expected %s to resolve, got %v", b.LocalAddr(), err)
	}
	_ = b.Close()
	if _, err := a.Resolve(b.LocalAddr()); err == nil {
		t.Errorf("Expected closed endpoint not to resolve")
	}
	// packets to a detached address are lost silently
	if err := a.Send(b.LocalAddr(), []byte("x"), nil); err != nil {
		t.Errorf("Expected silent loss, got %v", err)
	}
	_ = a.Close()
	if err := a.Send(b.LocalAddr(), []byte("x"), nil); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if err := a.Serve(context.Background(), func(netip.AddrPort, []byte) {}); err != nil {
		t.Errorf("Expected Serve on a closed endpoint to return nil, got %v", err)
	}
}

func TestDuplicateListen(t *testing.T) {
	n := NewNetwork()
	addr := netip.MustParseAddrPort("10.1.1.1:5000")
	if _, err := n.Listen(addr, 1); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	if _, err := n.Listen(addr, 1); err == nil {
		t.Errorf("Expected second Listen on %s to fail", addr)
	}
}
