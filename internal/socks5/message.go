package socks5

import (
	"encoding/binary"
	"errors"
	"net"
	"strconv"
)

// ErrIncomplete reports that the buffer holds a valid prefix of a message but
// not yet the whole message. It is not a protocol violation; the caller
// should retry once more bytes have arrived.
var ErrIncomplete = errors.New("socks5: incomplete message")

// Malformed-message sentinels. Once one of these is returned for a buffer, no
// amount of further input can make the message valid.
var (
	ErrUnsupportedVersion = errors.New("socks5: unsupported protocol version")
	ErrZeroMethods        = errors.New("socks5: nmethods cannot be zero")
	ErrUnknownAuthMethod  = errors.New("socks5: unknown authentication method")
	ErrUnknownCommand     = errors.New("socks5: unknown command")
	ErrUnknownAddressType = errors.New("socks5: unknown address type")
	ErrEmptyDomain        = errors.New("socks5: empty domain name")
)

// Greeting is the client's version identifier / method selection message.
type Greeting struct {
	// Methods holds the offered methods with duplicates dropped,
	// first-seen order preserved.
	Methods []AuthMethod
}

// Offers reports whether the client offered the given method.
func (g Greeting) Offers(m AuthMethod) bool {
	for _, o := range g.Methods {
		if o == m {
			return true
		}
	}
	return false
}

// ParseGreeting parses a client greeting from the front of buf, returning the
// number of bytes consumed. Each byte is validated as soon as it is
// available, so a bad version is reported even from a one-byte buffer.
func ParseGreeting(buf []byte) (Greeting, int, error) {
	if len(buf) < 1 {
		return Greeting{}, 0, ErrIncomplete
	}
	if buf[0] != Version {
		return Greeting{}, 0, ErrUnsupportedVersion
	}
	if len(buf) < 2 {
		return Greeting{}, 0, ErrIncomplete
	}
	nmethods := int(buf[1])
	if nmethods == 0 {
		return Greeting{}, 0, ErrZeroMethods
	}

	g := Greeting{Methods: make([]AuthMethod, 0, 3)}
	avail := min(len(buf)-2, nmethods)
	for _, b := range buf[2 : 2+avail] {
		m := AuthMethod(b)
		switch m {
		case MethodNoAuth, MethodGSSAPI, MethodUserPass:
		default:
			return Greeting{}, 0, ErrUnknownAuthMethod
		}
		if !g.Offers(m) {
			g.Methods = append(g.Methods, m)
		}
	}
	if avail < nmethods {
		return Greeting{}, 0, ErrIncomplete
	}
	return g, 2 + nmethods, nil
}

// SelectMethod intersects the client's offered methods with the methods this
// server supports, in server preference order. The second return is false
// when no offered method is acceptable.
func SelectMethod(g Greeting) (AuthMethod, bool) {
	if g.Offers(MethodNoAuth) {
		return MethodNoAuth, true
	}
	return MethodNoAcceptable, false
}

// Addr is a destination or bound address together with its port.
type Addr struct {
	Type   AddrType
	IP     net.IP // AddrIPv4 and AddrIPv6
	Domain string // AddrDomain
	Port   uint16
}

// Host returns the address without the port: the literal IP for IPv4/IPv6,
// the domain name otherwise.
func (a Addr) Host() string {
	if a.Type == AddrDomain {
		return a.Domain
	}
	return a.IP.String()
}

func (a Addr) String() string {
	return net.JoinHostPort(a.Host(), strconv.Itoa(int(a.Port)))
}

// BoundAddr converts a socket's local address into a reply Addr. A nil or
// non-TCP address yields the IPv4 zero address, which RFC 1928 permits when
// the bound address is unavailable.
func BoundAddr(na net.Addr) Addr {
	ta, ok := na.(*net.TCPAddr)
	if !ok || ta == nil || ta.IP == nil {
		return Addr{Type: AddrIPv4, IP: net.IPv4zero}
	}
	if ip4 := ta.IP.To4(); ip4 != nil {
		return Addr{Type: AddrIPv4, IP: ip4, Port: uint16(ta.Port)}
	}
	return Addr{Type: AddrIPv6, IP: ta.IP.To16(), Port: uint16(ta.Port)}
}

// Request is the client's relay request.
type Request struct {
	Cmd  Command
	Dest Addr
}

// ParseRequest parses a client request from the front of buf, returning the
// number of bytes consumed. Commands and address types outside the RFC 1928
// tag sets are malformed; known-but-unsupported commands (BIND, UDP
// ASSOCIATE) parse successfully so the caller can refuse them with a reply.
func ParseRequest(buf []byte) (Request, int, error) {
	if len(buf) < 1 {
		return Request{}, 0, ErrIncomplete
	}
	if buf[0] != Version {
		return Request{}, 0, ErrUnsupportedVersion
	}
	if len(buf) < 2 {
		return Request{}, 0, ErrIncomplete
	}
	cmd := Command(buf[1])
	switch cmd {
	case CmdConnect, CmdBind, CmdUDPAssociate:
	default:
		return Request{}, 0, ErrUnknownCommand
	}
	// buf[2] is RSV; ignored.
	if len(buf) < 4 {
		return Request{}, 0, ErrIncomplete
	}

	var (
		dest Addr
		n    int // consumed through the address bytes
	)
	switch AddrType(buf[3]) {
	case AddrIPv4:
		if len(buf) < 4+net.IPv4len {
			return Request{}, 0, ErrIncomplete
		}
		dest = Addr{Type: AddrIPv4, IP: net.IP(append([]byte(nil), buf[4:4+net.IPv4len]...))}
		n = 4 + net.IPv4len
	case AddrIPv6:
		if len(buf) < 4+net.IPv6len {
			return Request{}, 0, ErrIncomplete
		}
		dest = Addr{Type: AddrIPv6, IP: net.IP(append([]byte(nil), buf[4:4+net.IPv6len]...))}
		n = 4 + net.IPv6len
	case AddrDomain:
		if len(buf) < 5 {
			return Request{}, 0, ErrIncomplete
		}
		dlen := int(buf[4])
		if dlen == 0 {
			return Request{}, 0, ErrEmptyDomain
		}
		if len(buf) < 5+dlen {
			return Request{}, 0, ErrIncomplete
		}
		dest = Addr{Type: AddrDomain, Domain: string(buf[5 : 5+dlen])}
		n = 5 + dlen
	default:
		return Request{}, 0, ErrUnknownAddressType
	}

	if len(buf) < n+2 {
		return Request{}, 0, ErrIncomplete
	}
	dest.Port = binary.BigEndian.Uint16(buf[n:])
	return Request{Cmd: cmd, Dest: dest}, n + 2, nil
}

// AppendMethodSelection appends the two-byte method selection message to dst.
func AppendMethodSelection(dst []byte, m AuthMethod) []byte {
	return append(dst, Version, byte(m))
}

// AppendReply appends a reply message carrying the given code and bound
// address to dst. A zero-value bnd serializes as the IPv4 zero address, the
// conventional filler for failure replies.
func AppendReply(dst []byte, code ReplyCode, bnd Addr) []byte {
	dst = append(dst, Version, byte(code), 0x00)
	switch bnd.Type {
	case AddrIPv6:
		dst = append(dst, byte(AddrIPv6))
		dst = append(dst, bnd.IP.To16()...)
	case AddrDomain:
		dst = append(dst, byte(AddrDomain), byte(len(bnd.Domain)))
		dst = append(dst, bnd.Domain...)
	default:
		dst = append(dst, byte(AddrIPv4))
		if ip4 := bnd.IP.To4(); ip4 != nil {
			dst = append(dst, ip4...)
		} else {
			dst = append(dst, 0, 0, 0, 0)
		}
	}
	return binary.BigEndian.AppendUint16(dst, bnd.Port)
}
