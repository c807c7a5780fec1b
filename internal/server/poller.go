package server

import (
	"errors"
	"net"
	"syscall"
)

// Token identifies a registered socket in readiness events. The server packs
// a table slot and its generation into the token, so a token from a dead
// connection never resolves to a live one even after the slot is reused.
type Token uint64

// ListenerToken is the reserved token under which the listening socket is
// registered.
const ListenerToken = ^Token(0)

// Interest is the set of readiness conditions a socket is armed for.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
)

// Event is a single readiness notification delivered by the poller.
type Event struct {
	Token Token
	Ready Interest
}

// Socket is a non-blocking stream socket. Read and Write follow io
// conventions (io.EOF at end of stream) and additionally return an error
// matching syscall.EAGAIN when the operation would block; the caller is
// expected to re-arm interest and wait for the next readiness event.
type Socket interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)

	// CloseWrite shuts down the write direction, signaling EOF to the
	// peer while leaving the read direction open.
	CloseWrite() error
	Close() error

	LocalAddr() net.Addr
	RemoteAddr() net.Addr

	// ConnectErr reports the outcome of a pending non-blocking connect.
	// It is meaningful once the socket has been reported writable.
	ConnectErr() error
}

// ListenSocket is a non-blocking listening socket. Accept returns an error
// matching syscall.EAGAIN once the pending queue is drained.
type ListenSocket interface {
	Accept() (Socket, error)
	Close() error
	Addr() net.Addr
}

// Dialer starts non-blocking connections to destinations. The returned
// socket's connect may still be in progress; completion is signaled by
// writability and inspected with ConnectErr.
type Dialer interface {
	Dial(ip net.IP, port uint16) (Socket, error)
}

// Poller registers sockets for one-shot readiness notification. After an
// event fires for a socket, no further events are delivered for it until it
// is re-armed. Re-arming with a zero Interest parks the socket.
type Poller interface {
	Register(s Socket, tok Token, interest Interest) error
	Rearm(s Socket, tok Token, interest Interest) error
	Deregister(s Socket) error

	RegisterListener(l ListenSocket, tok Token) error
	RearmListener(l ListenSocket, tok Token) error
}

func isWouldBlock(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK)
}
