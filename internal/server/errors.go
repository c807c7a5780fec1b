package server

import (
	"errors"
	"syscall"

	"github.com/arlied/evsocks/internal/socks5"
)

var errIdleTimeout = errors.New("idle timeout")

// replyCodeForConnectError maps an upstream connect failure to the RFC 1928
// reply the client receives before the connection is closed.
func replyCodeForConnectError(err error) socks5.ReplyCode {
	switch {
	case errors.Is(err, syscall.ENETUNREACH):
		return socks5.RepNetworkUnreachable
	case errors.Is(err, syscall.EHOSTUNREACH):
		return socks5.RepHostUnreachable
	case errors.Is(err, syscall.ECONNREFUSED):
		return socks5.RepConnectionRefused
	case errors.Is(err, syscall.ETIMEDOUT):
		return socks5.RepTTLExpired
	default:
		return socks5.RepGeneralFailure
	}
}
