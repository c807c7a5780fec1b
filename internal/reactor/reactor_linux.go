//go:build linux

package reactor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/arlied/evsocks/internal/server"
)

const IsSupported = true

const maxEvents = 128

// wakeToken marks events from the internal eventfd used to interrupt Wait.
// It sits just below server.ListenerToken, outside any table-assigned token.
const wakeToken = uint64(^server.Token(0)) - 1

// Reactor is an epoll-based poller. Sockets are registered with
// EPOLLONESHOT, so each delivered event disarms the socket until the server
// re-arms it for its current state.
type Reactor struct {
	epfd   int
	wakefd int
	events []unix.EpollEvent
}

func New() (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	r := &Reactor{
		epfd:   epfd,
		wakefd: wakefd,
		events: make([]unix.EpollEvent, maxEvents),
	}

	// The wake fd is level-triggered and never re-armed; Wait drains it.
	if err := r.ctl(unix.EPOLL_CTL_ADD, wakefd, unix.EPOLLIN, wakeToken); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

// Wake interrupts a concurrent Wait. It is the only method safe to call from
// another goroutine.
func (r *Reactor) Wake() {
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)
	_, _ = unix.Write(r.wakefd, b[:])
}

// Wait blocks until at least one registered socket is ready, the timeout
// elapses, or Wake is called. A negative timeout blocks indefinitely.
func (r *Reactor) Wait(timeout time.Duration) ([]server.Event, error) {
	msec := -1
	if timeout >= 0 {
		msec = int(timeout / time.Millisecond)
	}

	n, err := unix.EpollWait(r.epfd, r.events, msec)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, fmt.Errorf("epoll_wait: %w", err)
	}

	out := make([]server.Event, 0, n)
	for _, ev := range r.events[:n] {
		tok := uint64(uint32(ev.Fd)) | uint64(uint32(ev.Pad))<<32
		if tok == wakeToken {
			var b [8]byte
			_, _ = unix.Read(r.wakefd, b[:])
			continue
		}

		var ready server.Interest
		if ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			ready |= server.Readable
		}
		if ev.Events&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			ready |= server.Writable
		}
		out = append(out, server.Event{Token: server.Token(tok), Ready: ready})
	}
	return out, nil
}

func (r *Reactor) Close() error {
	err := unix.Close(r.epfd)
	if cerr := unix.Close(r.wakefd); err == nil {
		err = cerr
	}
	return err
}

// Register arms a socket for one-shot notification under the given token.
func (r *Reactor) Register(s server.Socket, tok server.Token, interest server.Interest) error {
	c, err := rawConn(s)
	if err != nil {
		return err
	}
	return r.ctl(unix.EPOLL_CTL_ADD, c.fd, eventMask(interest), uint64(tok))
}

// Rearm updates a previously registered socket's interest and re-arms it.
func (r *Reactor) Rearm(s server.Socket, tok server.Token, interest server.Interest) error {
	c, err := rawConn(s)
	if err != nil {
		return err
	}
	return r.ctl(unix.EPOLL_CTL_MOD, c.fd, eventMask(interest), uint64(tok))
}

// Deregister removes a socket. Must be called while its fd is still open.
func (r *Reactor) Deregister(s server.Socket) error {
	c, err := rawConn(s)
	if err != nil {
		return err
	}
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, c.fd, nil)
}

func (r *Reactor) RegisterListener(l server.ListenSocket, tok server.Token) error {
	ln, err := rawListener(l)
	if err != nil {
		return err
	}
	return r.ctl(unix.EPOLL_CTL_ADD, ln.fd, unix.EPOLLIN|unix.EPOLLONESHOT, uint64(tok))
}

func (r *Reactor) RearmListener(l server.ListenSocket, tok server.Token) error {
	ln, err := rawListener(l)
	if err != nil {
		return err
	}
	return r.ctl(unix.EPOLL_CTL_MOD, ln.fd, unix.EPOLLIN|unix.EPOLLONESHOT, uint64(tok))
}

func (r *Reactor) ctl(op, fd int, mask uint32, tok uint64) error {
	ev := unix.EpollEvent{
		Events: mask,
		Fd:     int32(uint32(tok)),
		Pad:    int32(uint32(tok >> 32)),
	}
	if err := unix.EpollCtl(r.epfd, op, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl: %w", err)
	}
	return nil
}

func eventMask(i server.Interest) uint32 {
	m := uint32(unix.EPOLLONESHOT)
	if i&server.Readable != 0 {
		m |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if i&server.Writable != 0 {
		m |= unix.EPOLLOUT
	}
	return m
}

func rawConn(s server.Socket) (*Conn, error) {
	c, ok := s.(*Conn)
	if !ok {
		return nil, fmt.Errorf("reactor: socket type %T not registrable", s)
	}
	return c, nil
}

func rawListener(l server.ListenSocket) (*Listener, error) {
	ln, ok := l.(*Listener)
	if !ok {
		return nil, fmt.Errorf("reactor: listener type %T not registrable", l)
	}
	return ln, nil
}
