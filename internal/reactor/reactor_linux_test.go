//go:build linux

package reactor_test

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/txthinking/socks5"
	"golang.org/x/sync/errgroup"

	"github.com/arlied/evsocks/internal/reactor"
	"github.com/arlied/evsocks/internal/resolver"
	"github.com/arlied/evsocks/internal/server"
	"github.com/arlied/evsocks/internal/testutil"
)

// startProxy runs a proxy on a random loopback port with a dedicated
// dispatch goroutine, returning its address and a stop function.
func startProxy(t *testing.T, cfg server.Config) (string, func()) {
	t.Helper()

	r, err := reactor.New()
	if err != nil {
		t.Fatal(err)
	}
	ln, err := reactor.Listen("127.0.0.1:0", reactor.KeepAlive{})
	if err != nil {
		t.Fatal(err)
	}

	srv := server.New(cfg, r, &reactor.Dialer{},
		resolver.New(resolver.Config{Timeout: time.Second}), ln, zerolog.Nop())
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}

	stop := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		for {
			select {
			case <-stop:
				srv.Shutdown()
				return nil
			default:
			}
			evs, err := r.Wait(50 * time.Millisecond)
			if err != nil {
				return err
			}
			for _, ev := range evs {
				srv.HandleEvent(ev)
			}
			srv.CloseExpired(time.Now())
		}
	})

	return ln.Addr().String(), func() {
		close(stop)
		r.Wake()
		if err := g.Wait(); err != nil {
			t.Error(err)
		}
		_ = r.Close()
	}
}

func TestProxyEchoEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	defer echoLn.Close()

	addr, stop := startProxy(t, server.Config{})
	defer stop()

	client, err := socks5.NewClient(addr, "", "", 5, 0)
	if err != nil {
		t.Fatal(err)
	}

	c, err := client.Dial("tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	testutil.AssertEcho(t, c, c, []byte("hello through epoll"))
}

func TestProxyLargeTransfer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	defer echoLn.Close()

	// A small relay buffer forces many backpressure cycles.
	addr, stop := startProxy(t, server.Config{RelayBufferBytes: 512})
	defer stop()

	client, err := socks5.NewClient(addr, "", "", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	c, err := client.Dial("tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	payload := bytes.Repeat([]byte("0123456789abcdef"), 64*1024) // 1 MiB
	go func() {
		_, _ = c.Write(payload)
	}()

	got := make([]byte, len(payload))
	if _, err := io.ReadFull(c, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("echoed payload does not match")
	}
}

func TestProxyBindRefused(t *testing.T) {
	addr, stop := startProxy(t, server.Config{})
	defer stop()

	c, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(2 * time.Second))

	if _, err := c.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatal(err)
	}
	sel := make([]byte, 2)
	if _, err := io.ReadFull(c, sel); err != nil {
		t.Fatal(err)
	}
	if sel[0] != 0x05 || sel[1] != 0x00 {
		t.Fatalf("method selection = %v", sel)
	}

	// BIND request.
	if _, err := c.Write([]byte{0x05, 0x02, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x50}); err != nil {
		t.Fatal(err)
	}
	reply := make([]byte, 10)
	if _, err := io.ReadFull(c, reply); err != nil {
		t.Fatal(err)
	}
	if reply[1] != 0x07 {
		t.Fatalf("reply code = %#x, want command not supported", reply[1])
	}

	// The server closes after flushing the refusal.
	if _, err := c.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("expected EOF after refusal, got %v", err)
	}
}

func TestProxyConnectRefused(t *testing.T) {
	addr, stop := startProxy(t, server.Config{})
	defer stop()

	// Grab a loopback port with nothing listening on it.
	tmp, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadAddr := tmp.Addr().(*net.TCPAddr)
	tmp.Close()

	c, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(2 * time.Second))

	if _, err := c.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatal(err)
	}
	sel := make([]byte, 2)
	if _, err := io.ReadFull(c, sel); err != nil {
		t.Fatal(err)
	}

	req := []byte{0x05, 0x01, 0x00, 0x01}
	req = append(req, deadAddr.IP.To4()...)
	req = append(req, byte(deadAddr.Port>>8), byte(deadAddr.Port))
	if _, err := c.Write(req); err != nil {
		t.Fatal(err)
	}

	reply := make([]byte, 10)
	if _, err := io.ReadFull(c, reply); err != nil {
		t.Fatal(err)
	}
	if reply[1] != 0x05 {
		t.Fatalf("reply code = %#x, want connection refused", reply[1])
	}
}
