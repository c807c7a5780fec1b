package socks5

// Version is the only SOCKS version this package speaks. SOCKS4 clients send
// 0x04 as their first byte and are rejected like any other version mismatch.
const Version = 0x05

// AuthMethod is an RFC 1928 authentication method identifier.
type AuthMethod byte

const (
	MethodNoAuth       AuthMethod = 0x00
	MethodGSSAPI       AuthMethod = 0x01
	MethodUserPass     AuthMethod = 0x02
	MethodNoAcceptable AuthMethod = 0xff
)

func (m AuthMethod) String() string {
	switch m {
	case MethodNoAuth:
		return "no authentication required"
	case MethodGSSAPI:
		return "GSSAPI"
	case MethodUserPass:
		return "username/password"
	case MethodNoAcceptable:
		return "no acceptable methods"
	default:
		return "unknown method"
	}
}

// Command is an RFC 1928 request command.
type Command byte

const (
	CmdConnect      Command = 0x01
	CmdBind         Command = 0x02
	CmdUDPAssociate Command = 0x03
)

func (c Command) String() string {
	switch c {
	case CmdConnect:
		return "connect"
	case CmdBind:
		return "bind"
	case CmdUDPAssociate:
		return "udp associate"
	default:
		return "unknown command"
	}
}

// AddrType is an RFC 1928 address type (ATYP).
type AddrType byte

const (
	AddrIPv4   AddrType = 0x01
	AddrDomain AddrType = 0x03
	AddrIPv6   AddrType = 0x04
)

// ReplyCode is an RFC 1928 reply field (REP).
type ReplyCode byte

const (
	RepSucceeded ReplyCode = iota
	RepGeneralFailure
	RepNotAllowed
	RepNetworkUnreachable
	RepHostUnreachable
	RepConnectionRefused
	RepTTLExpired
	RepCommandNotSupported
	RepAddrTypeNotSupported
)

func (r ReplyCode) String() string {
	switch r {
	case RepSucceeded:
		return "succeeded"
	case RepGeneralFailure:
		return "general SOCKS server failure"
	case RepNotAllowed:
		return "connection not allowed by ruleset"
	case RepNetworkUnreachable:
		return "network unreachable"
	case RepHostUnreachable:
		return "host unreachable"
	case RepConnectionRefused:
		return "connection refused"
	case RepTTLExpired:
		return "TTL expired"
	case RepCommandNotSupported:
		return "command not supported"
	case RepAddrTypeNotSupported:
		return "address type not supported"
	default:
		return "unknown reply"
	}
}

const (
	// MaxDomainLen is the longest domain name a request can carry; the
	// length prefix is a single byte.
	MaxDomainLen = 255

	// MaxGreetingLen bounds the read buffer while assembling a greeting:
	// version, nmethods, and up to 255 method bytes.
	MaxGreetingLen = 2 + 255

	// MaxRequestLen bounds the read buffer while assembling a request:
	// fixed header, length-prefixed domain, and port.
	MaxRequestLen = 4 + 1 + MaxDomainLen + 2
)
