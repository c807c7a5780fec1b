package server

import (
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"

	"github.com/rs/zerolog"
)

// fakeSocket is an in-memory non-blocking socket. Tests feed bytes into in
// and observe what the server wrote in out.
type fakeSocket struct {
	in    []byte
	inEOF bool

	out    []byte
	outCap int // bytes out will hold before EAGAIN; 0 = unlimited

	readErr error // returned instead of reading when set

	wrShut  bool
	closed  bool
	connErr error
	local   net.Addr
	remote  net.Addr
}

func (f *fakeSocket) Read(p []byte) (int, error) {
	if f.readErr != nil {
		return 0, f.readErr
	}
	if len(f.in) == 0 {
		if f.inEOF {
			return 0, io.EOF
		}
		return 0, syscall.EAGAIN
	}
	n := copy(p, f.in)
	f.in = f.in[n:]
	return n, nil
}

func (f *fakeSocket) Write(p []byte) (int, error) {
	room := len(p)
	if f.outCap > 0 {
		room = f.outCap - len(f.out)
		if room <= 0 {
			return 0, syscall.EAGAIN
		}
		if room > len(p) {
			room = len(p)
		}
	}
	f.out = append(f.out, p[:room]...)
	if room < len(p) {
		return room, syscall.EAGAIN
	}
	return room, nil
}

func (f *fakeSocket) CloseWrite() error {
	f.wrShut = true
	return nil
}

func (f *fakeSocket) Close() error {
	f.closed = true
	return nil
}

func (f *fakeSocket) LocalAddr() net.Addr  { return f.local }
func (f *fakeSocket) RemoteAddr() net.Addr { return f.remote }
func (f *fakeSocket) ConnectErr() error    { return f.connErr }

// takeOut returns and clears the bytes the server has written, modeling the
// peer reading them off the wire.
func (f *fakeSocket) takeOut() []byte {
	b := f.out
	f.out = nil
	return b
}

// fakePoller records each socket's registered token and current interest.
type fakePoller struct {
	interest      map[Socket]Interest
	tokens        map[Socket]Token
	listenerArmed int
}

func newFakePoller() *fakePoller {
	return &fakePoller{
		interest: make(map[Socket]Interest),
		tokens:   make(map[Socket]Token),
	}
}

func (p *fakePoller) Register(s Socket, tok Token, i Interest) error {
	p.tokens[s] = tok
	p.interest[s] = i
	return nil
}

func (p *fakePoller) Rearm(s Socket, tok Token, i Interest) error {
	if _, ok := p.tokens[s]; !ok {
		return fmt.Errorf("rearm of unregistered socket")
	}
	p.interest[s] = i
	return nil
}

func (p *fakePoller) Deregister(s Socket) error {
	delete(p.tokens, s)
	delete(p.interest, s)
	return nil
}

func (p *fakePoller) RegisterListener(_ ListenSocket, _ Token) error {
	p.listenerArmed++
	return nil
}

func (p *fakePoller) RearmListener(_ ListenSocket, _ Token) error {
	p.listenerArmed++
	return nil
}

// fakeListener hands out queued sockets and then reports EAGAIN.
type fakeListener struct {
	pending []Socket
	closed  bool
}

func (l *fakeListener) Accept() (Socket, error) {
	if len(l.pending) == 0 {
		return nil, syscall.EAGAIN
	}
	s := l.pending[0]
	l.pending = l.pending[1:]
	return s, nil
}

func (l *fakeListener) Close() error {
	l.closed = true
	return nil
}

func (l *fakeListener) Addr() net.Addr { return nil }

// fakeDialer returns a prepared socket and records what was dialed.
type fakeDialer struct {
	sock   *fakeSocket
	err    error
	dialed []string
}

func (d *fakeDialer) Dial(ip net.IP, port uint16) (Socket, error) {
	d.dialed = append(d.dialed, fmt.Sprintf("%s:%d", ip, port))
	if d.err != nil {
		return nil, d.err
	}
	return d.sock, nil
}

// fakeResolver resolves from a fixed map.
type fakeResolver struct {
	ips map[string]net.IP
}

func (r *fakeResolver) Resolve(host string) (net.IP, error) {
	ip, ok := r.ips[host]
	if !ok {
		return nil, fmt.Errorf("resolve %s: no such host", host)
	}
	return ip, nil
}

type harness struct {
	t      *testing.T
	srv    *Server
	poller *fakePoller
	dialer *fakeDialer
	ln     *fakeListener
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	p := newFakePoller()
	d := &fakeDialer{}
	ln := &fakeListener{}
	r := &fakeResolver{ips: map[string]net.IP{
		"echo.test": net.IP{10, 0, 0, 5},
	}}

	srv := New(cfg, p, d, r, ln, zerolog.Nop())
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	return &harness{t: t, srv: srv, poller: p, dialer: d, ln: ln}
}

// accept queues a client socket on the listener and fires the accept event.
func (h *harness) accept(client *fakeSocket) {
	h.t.Helper()
	h.ln.pending = append(h.ln.pending, client)
	h.srv.HandleEvent(Event{Token: ListenerToken, Ready: Readable})
}

// event fires a readiness event for a registered socket.
func (h *harness) event(s Socket, ready Interest) {
	h.t.Helper()
	tok, ok := h.poller.tokens[s]
	if !ok {
		h.t.Fatal("socket is not registered")
	}
	h.srv.HandleEvent(Event{Token: tok, Ready: ready})
}

var (
	greetingNoAuth = []byte{0x05, 0x01, 0x00}
	requestIPv4    = []byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, 0x1f, 0x90} // 127.0.0.1:8080
)

// connect drives a client through the handshake into the relaying state and
// returns with both reply bytes consumed.
func (h *harness) connect(client, upstream *fakeSocket) {
	h.t.Helper()

	if upstream.local == nil {
		upstream.local = &net.TCPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 4242}
	}
	h.dialer.sock = upstream

	h.accept(client)
	client.in = append(client.in, greetingNoAuth...)
	h.event(client, Readable)
	if got := client.takeOut(); len(got) != 2 || got[0] != 0x05 || got[1] != 0x00 {
		h.t.Fatalf("method selection = %v", got)
	}

	client.in = append(client.in, requestIPv4...)
	h.event(client, Readable)
	if len(h.dialer.dialed) == 0 {
		h.t.Fatal("no upstream dial")
	}

	h.event(upstream, Writable) // connect completion
	reply := client.takeOut()
	if len(reply) < 2 || reply[1] != 0x00 {
		h.t.Fatalf("reply = %v", reply)
	}
}
