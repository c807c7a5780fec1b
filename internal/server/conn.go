package server

import (
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/arlied/evsocks/internal/socks5"
)

type state uint8

const (
	stateAwaitingGreeting state = iota
	stateSendingMethodSelection
	stateAwaitingRequest
	stateConnecting
	stateSendingReply
	stateRelaying
	stateClosed
)

func (st state) String() string {
	switch st {
	case stateAwaitingGreeting:
		return "awaiting-greeting"
	case stateSendingMethodSelection:
		return "sending-method-selection"
	case stateAwaitingRequest:
		return "awaiting-request"
	case stateConnecting:
		return "connecting"
	case stateSendingReply:
		return "sending-reply"
	case stateRelaying:
		return "relaying"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// initialReadBufSize fits a complete IPv6 request; the buffer grows past it
// only for long domain names.
const initialReadBufSize = 22

// Conn is one client connection working its way through the SOCKS5
// handshake and, after a successful CONNECT, the relay phase.
type Conn struct {
	id    Token // client socket's table token
	upTok Token // upstream socket's table token, valid from Connecting on

	state state

	client   Socket
	upstream Socket // nil until Connecting

	rbuf []byte // bytes read from the client, not yet consumed
	wbuf []byte // bytes queued toward the client, not yet written

	method socks5.AuthMethod

	// closeAfterFlush marks the queued write as terminal: once wbuf
	// drains, the connection closes instead of advancing.
	closeAfterFlush bool

	// replyOK records that the queued reply is Succeeded, so draining it
	// enters the relay phase.
	replyOK bool

	relay *relay // non-nil only in stateRelaying

	// deadline is the idle (or, while Connecting, connect) deadline.
	// Zero means none.
	deadline time.Time

	log zerolog.Logger
}

// consume discards n parsed bytes from the front of the read buffer, keeping
// any pipelined remainder.
func (c *Conn) consume(n int) {
	c.rbuf = c.rbuf[:copy(c.rbuf, c.rbuf[n:])]
}

// connReady advances the state machine for one readiness event.
func (s *Server) connReady(c *Conn, sd side, ready Interest) {
	if c.state == stateClosed {
		return
	}
	if c.state == stateRelaying {
		s.relayReady(c, sd, ready)
		return
	}

	if sd == sideUpstream {
		if c.state == stateConnecting && ready&Writable != 0 {
			s.connectReady(c)
		}
		return
	}

	switch c.state {
	case stateAwaitingGreeting:
		if ready&Readable != 0 {
			s.greetingReady(c)
		}
	case stateAwaitingRequest:
		if ready&Readable != 0 {
			s.requestReady(c)
		}
	case stateSendingMethodSelection, stateSendingReply:
		if ready&Writable != 0 {
			s.flushReady(c)
		}
	}
}

func (s *Server) greetingReady(c *Conn) {
	if err := s.readClient(c, socks5.MaxGreetingLen); err != nil {
		s.closeConn(c, err)
		return
	}

	g, n, err := socks5.ParseGreeting(c.rbuf)
	if errors.Is(err, socks5.ErrIncomplete) {
		s.rearmClient(c, Readable)
		return
	}
	if err != nil {
		s.closeConn(c, err)
		return
	}
	c.consume(n)

	m, ok := socks5.SelectMethod(g)
	c.method = m
	if !ok {
		// Flush the 0xFF selection, then close.
		c.closeAfterFlush = true
	}
	c.wbuf = socks5.AppendMethodSelection(c.wbuf, m)
	c.state = stateSendingMethodSelection
	c.log.Debug().Stringer("method", m).Msg("method selected")
	s.flushReady(c)
}

func (s *Server) requestReady(c *Conn) {
	if err := s.readClient(c, socks5.MaxRequestLen); err != nil {
		s.closeConn(c, err)
		return
	}
	s.tryRequest(c)
}

// tryRequest attempts to parse and act on a request from the bytes already
// buffered. It is also called on entry to AwaitingRequest, since the client
// may have pipelined the request behind the greeting.
func (s *Server) tryRequest(c *Conn) {
	req, n, err := socks5.ParseRequest(c.rbuf)
	if errors.Is(err, socks5.ErrIncomplete) {
		s.rearmClient(c, Readable)
		return
	}
	if err != nil {
		s.closeConn(c, err)
		return
	}
	c.consume(n)

	if req.Cmd != socks5.CmdConnect {
		c.log.Debug().Stringer("cmd", req.Cmd).Msg("refusing command")
		s.refuse(c, socks5.RepCommandNotSupported)
		return
	}

	dst := req.Dest
	ip := dst.IP
	if dst.Type == socks5.AddrDomain {
		if s.resolver == nil {
			s.refuse(c, socks5.RepAddrTypeNotSupported)
			return
		}
		ip, err = s.resolver.Resolve(dst.Domain)
		if err != nil {
			c.log.Debug().Err(err).Str("host", dst.Domain).Msg("resolve failed")
			s.refuse(c, socks5.RepHostUnreachable)
			return
		}
	}

	up, err := s.dialer.Dial(ip, dst.Port)
	if err != nil {
		c.log.Debug().Err(err).Stringer("dst", dst).Msg("dial failed")
		s.refuse(c, replyCodeForConnectError(err))
		return
	}

	c.upstream = up
	c.upTok = s.table.insert(c, sideUpstream)
	c.state = stateConnecting
	if s.cfg.ConnectTimeout > 0 {
		c.deadline = time.Now().Add(s.cfg.ConnectTimeout)
	}
	c.log.Debug().Stringer("dst", dst).Msg("connecting")

	if err := s.poller.Register(up, c.upTok, Writable); err != nil {
		s.closeConn(c, err)
	}
}

// connectReady handles writability of the upstream socket while its connect
// is outstanding.
func (s *Server) connectReady(c *Conn) {
	if err := c.upstream.ConnectErr(); err != nil {
		code := replyCodeForConnectError(err)
		c.log.Debug().Err(err).Stringer("reply", code).Msg("connect failed")
		s.dropUpstream(c)
		s.refuse(c, code)
		return
	}

	bnd := socks5.BoundAddr(c.upstream.LocalAddr())
	c.wbuf = socks5.AppendReply(c.wbuf, socks5.RepSucceeded, bnd)
	c.replyOK = true
	c.state = stateSendingReply
	s.touch(c)
	s.flushReady(c)
}

// refuse queues a failure reply with a zero bound address and closes the
// connection once it has been flushed.
func (s *Server) refuse(c *Conn, code socks5.ReplyCode) {
	c.wbuf = socks5.AppendReply(c.wbuf, code, socks5.Addr{})
	c.closeAfterFlush = true
	c.state = stateSendingReply
	s.flushReady(c)
}

// flushReady pushes the write buffer out and advances past the sending
// states once it drains.
func (s *Server) flushReady(c *Conn) {
	done, err := s.flushClient(c)
	if err != nil {
		s.closeConn(c, err)
		return
	}
	if !done {
		s.rearmClient(c, Writable)
		return
	}
	if c.closeAfterFlush {
		s.closeConn(c, nil)
		return
	}

	switch c.state {
	case stateSendingMethodSelection:
		c.state = stateAwaitingRequest
		s.tryRequest(c)
	case stateSendingReply:
		s.startRelay(c)
	}
}

// readClient reads whatever is available from the client into the read
// buffer, up to limit bytes buffered. The buffer starts small and grows
// lazily, never past the largest message currently being assembled.
func (s *Server) readClient(c *Conn, limit int) error {
	for len(c.rbuf) < limit {
		if cap(c.rbuf) == len(c.rbuf) {
			want := 2 * cap(c.rbuf)
			if want < initialReadBufSize {
				want = initialReadBufSize
			}
			if want > limit {
				want = limit
			}
			nb := make([]byte, len(c.rbuf), want)
			copy(nb, c.rbuf)
			c.rbuf = nb
		}

		n, err := c.client.Read(c.rbuf[len(c.rbuf):cap(c.rbuf)])
		if n > 0 {
			c.rbuf = c.rbuf[:len(c.rbuf)+n]
			s.touch(c)
		}
		if err != nil {
			if isWouldBlock(err) {
				return nil
			}
			// EOF mid-handshake is an unexpected peer close.
			return err
		}
	}
	return nil
}

// flushClient writes as much of the write buffer as the socket accepts.
func (s *Server) flushClient(c *Conn) (bool, error) {
	for len(c.wbuf) > 0 {
		n, err := c.client.Write(c.wbuf)
		if n > 0 {
			c.wbuf = c.wbuf[:copy(c.wbuf, c.wbuf[n:])]
			s.touch(c)
		}
		if err != nil {
			if isWouldBlock(err) {
				return false, nil
			}
			return false, err
		}
	}
	return true, nil
}

func (s *Server) rearmClient(c *Conn, i Interest) {
	if err := s.poller.Rearm(c.client, c.id, i); err != nil {
		s.closeConn(c, err)
	}
}

// touch refreshes the idle deadline after successful I/O.
func (s *Server) touch(c *Conn) {
	if s.cfg.IdleTimeout > 0 {
		c.deadline = time.Now().Add(s.cfg.IdleTimeout)
	} else {
		c.deadline = time.Time{}
	}
}

// dropUpstream releases the upstream socket without touching the client.
func (s *Server) dropUpstream(c *Conn) {
	if c.upstream == nil {
		return
	}
	_ = s.poller.Deregister(c.upstream)
	_ = c.upstream.Close()
	s.table.remove(c.upTok)
	c.upstream = nil
}

// closeConn tears the connection down: both sockets are deregistered and
// closed before the table entries are removed, so no later event can reach a
// stale identifier. Idempotent.
func (s *Server) closeConn(c *Conn, err error) {
	if c.state == stateClosed {
		return
	}
	from := c.state
	c.state = stateClosed

	s.dropUpstream(c)
	_ = s.poller.Deregister(c.client)
	_ = c.client.Close()
	s.table.remove(c.id)

	switch {
	case err == nil || errors.Is(err, io.EOF):
		c.log.Debug().Stringer("from", from).Msg("closed")
	default:
		c.log.Warn().Err(err).Stringer("from", from).Msg("closed")
	}
}
