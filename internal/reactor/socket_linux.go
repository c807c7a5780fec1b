//go:build linux

package reactor

import (
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/arlied/evsocks/internal/server"
)

// Conn is a non-blocking TCP socket identified by its file descriptor. It
// implements server.Socket.
type Conn struct {
	fd     int
	closed bool
	local  net.Addr
	remote net.Addr
}

func (c *Conn) Read(p []byte) (int, error) {
	n, err := unix.Read(c.fd, p)
	if n < 0 {
		n = 0
	}
	if err != nil {
		return n, err
	}
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (c *Conn) Write(p []byte) (int, error) {
	n, err := unix.Write(c.fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}

func (c *Conn) CloseWrite() error {
	return unix.Shutdown(c.fd, unix.SHUT_WR)
}

func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return unix.Close(c.fd)
}

func (c *Conn) LocalAddr() net.Addr {
	if c.local == nil {
		if sa, err := unix.Getsockname(c.fd); err == nil {
			c.local = sockaddrTCP(sa)
		}
	}
	return c.local
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.remote
}

// ConnectErr reports the result of a pending non-blocking connect via
// SO_ERROR. Valid once the socket has been reported writable.
func (c *Conn) ConnectErr() error {
	v, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("getsockopt SO_ERROR: %w", err)
	}
	if v != 0 {
		return syscall.Errno(v)
	}
	return nil
}

// Listener is a non-blocking listening TCP socket implementing
// server.ListenSocket. Accepted sockets inherit the keepalive settings.
type Listener struct {
	fd   int
	addr net.Addr
	ka   KeepAlive
}

// Listen binds and listens on addr ("host:port"; empty host binds all
// interfaces).
func Listen(addr string, ka KeepAlive) (*Listener, error) {
	ta, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	family := unix.AF_INET
	var sa unix.Sockaddr
	if ip4 := ta.IP.To4(); ta.IP == nil || ip4 != nil {
		sa4 := &unix.SockaddrInet4{Port: ta.Port}
		if ip4 != nil {
			copy(sa4.Addr[:], ip4)
		}
		sa = sa4
	} else {
		family = unix.AF_INET6
		sa6 := &unix.SockaddrInet6{Port: ta.Port}
		copy(sa6.Addr[:], ta.IP.To16())
		sa = sa6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)

	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("getsockname: %w", err)
	}

	return &Listener{fd: fd, addr: sockaddrTCP(bound), ka: ka}, nil
}

func (l *Listener) Accept() (server.Socket, error) {
	nfd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return nil, err
	}
	applyKeepAlive(nfd, l.ka)
	return &Conn{fd: nfd, remote: sockaddrTCP(sa)}, nil
}

func (l *Listener) Close() error {
	return unix.Close(l.fd)
}

func (l *Listener) Addr() net.Addr {
	return l.addr
}

// Dialer starts non-blocking TCP connections. It implements server.Dialer.
type Dialer struct {
	KeepAlive KeepAlive
}

// Dial creates a socket and starts connecting. EINPROGRESS is the normal
// outcome; the connect completes (or fails) when the poller reports the
// socket writable. Immediate failures are returned directly.
func (d *Dialer) Dial(ip net.IP, port uint16) (server.Socket, error) {
	family := unix.AF_INET
	var sa unix.Sockaddr
	if ip4 := ip.To4(); ip4 != nil {
		sa4 := &unix.SockaddrInet4{Port: int(port)}
		copy(sa4.Addr[:], ip4)
		sa = sa4
	} else if ip16 := ip.To16(); ip16 != nil {
		family = unix.AF_INET6
		sa6 := &unix.SockaddrInet6{Port: int(port)}
		copy(sa6.Addr[:], ip16)
		sa = sa6
	} else {
		return nil, &net.AddrError{Err: "invalid IP", Addr: ip.String()}
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	applyKeepAlive(fd, d.KeepAlive)

	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		_ = unix.Close(fd)
		return nil, err
	}

	return &Conn{fd: fd, remote: &net.TCPAddr{IP: ip, Port: int(port)}}, nil
}

func applyKeepAlive(fd int, ka KeepAlive) {
	if !ka.Enable {
		return
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
	if ka.Idle > 0 {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, seconds(ka.Idle))
	}
	if ka.Interval > 0 {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, seconds(ka.Interval))
	}
	if ka.Count > 0 {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, ka.Count)
	}
}

func seconds(d time.Duration) int {
	s := int(d.Seconds())
	if s < 1 {
		s = 1
	}
	return s
}

func sockaddrTCP(sa unix.Sockaddr) net.Addr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: append(net.IP(nil), sa.Addr[:]...), Port: sa.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: append(net.IP(nil), sa.Addr[:]...), Port: sa.Port}
	default:
		return nil
	}
}
