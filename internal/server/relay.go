package server

import (
	"io"
)

// relay pumps bytes between the client and upstream sockets through two
// bounded queues, one per direction. Reads stop when a queue is full
// (backpressure) and resume as it drains; EOF on one side is propagated as a
// half-close on the other once its queue is empty.
type relay struct {
	max int // per-direction queue capacity

	c2u []byte // client -> upstream
	u2c []byte // upstream -> client

	clientEOF   bool // client reached end of stream
	upstreamEOF bool

	clientShut   bool // CloseWrite issued toward the client
	upstreamShut bool
}

func newRelay(max int) *relay {
	return &relay{
		max: max,
		c2u: make([]byte, 0, max),
		u2c: make([]byte, 0, max),
	}
}

// done reports that both directions reached end of stream and every queued
// byte was delivered.
func (r *relay) done() bool {
	return r.clientShut && r.upstreamShut
}

// pump performs the I/O a readiness event on one socket allows: drain the
// queue headed toward it, fill the queue fed by it, then propagate any
// completed half-close. It returns the number of bytes moved.
func (r *relay) pump(client, upstream Socket, sd side, ready Interest) (int, error) {
	var moved int

	src, dst := client, upstream
	inQ, outQ := &r.c2u, &r.u2c
	eof := &r.clientEOF
	if sd == sideUpstream {
		src, dst = upstream, client
		inQ, outQ = &r.u2c, &r.c2u
		eof = &r.upstreamEOF
	}

	if ready&Writable != 0 {
		n, err := r.drain(src, outQ)
		moved += n
		if err != nil {
			return moved, err
		}
	}
	if ready&Readable != 0 && !*eof {
		n, err := r.fill(src, inQ, eof)
		moved += n
		if err != nil {
			return moved, err
		}
	}

	// A fill above may have topped up the paired queue; give the write a
	// chance in the same tick rather than waiting for the next event.
	if len(*inQ) > 0 {
		n, err := r.drain(dst, inQ)
		moved += n
		if err != nil {
			return moved, err
		}
	}

	if r.clientEOF && len(r.c2u) == 0 && !r.upstreamShut {
		r.upstreamShut = true
		if err := upstream.CloseWrite(); err != nil && !isWouldBlock(err) {
			return moved, err
		}
	}
	if r.upstreamEOF && len(r.u2c) == 0 && !r.clientShut {
		r.clientShut = true
		if err := client.CloseWrite(); err != nil && !isWouldBlock(err) {
			return moved, err
		}
	}

	return moved, nil
}

// fill reads from src into q until the socket would block or the queue is
// full.
func (r *relay) fill(src Socket, q *[]byte, eof *bool) (int, error) {
	var moved int
	for {
		room := r.max - len(*q)
		if room <= 0 {
			return moved, nil // backpressure: stop reading
		}
		start := len(*q)
		n, err := src.Read((*q)[start : start+room])
		if n > 0 {
			*q = (*q)[:start+n]
			moved += n
		}
		if err != nil {
			if isWouldBlock(err) {
				return moved, nil
			}
			if err == io.EOF {
				*eof = true
				return moved, nil
			}
			return moved, err
		}
	}
}

// drain writes from q to dst until the socket would block or the queue is
// empty.
func (r *relay) drain(dst Socket, q *[]byte) (int, error) {
	var moved int
	for len(*q) > 0 {
		n, err := dst.Write(*q)
		if n > 0 {
			*q = (*q)[:copy(*q, (*q)[n:])]
			moved += n
		}
		if err != nil {
			if isWouldBlock(err) {
				return moved, nil
			}
			return moved, err
		}
	}
	return moved, nil
}

// startRelay switches a connection whose success reply has been flushed into
// the relay phase. Bytes the client pipelined behind the request seed the
// client->upstream queue.
func (s *Server) startRelay(c *Conn) {
	c.state = stateRelaying
	c.relay = newRelay(s.cfg.RelayBufferBytes)
	if len(c.rbuf) > 0 {
		c.relay.c2u = append(c.relay.c2u, c.rbuf...)
		c.rbuf = nil
	}
	c.log.Debug().Msg("relaying")

	// Kick the upstream side once to move any seeded bytes, then arm both
	// sockets.
	s.relayReady(c, sideUpstream, Writable)
}

func (s *Server) relayReady(c *Conn, sd side, ready Interest) {
	moved, err := c.relay.pump(c.client, c.upstream, sd, ready)
	if moved > 0 {
		s.touch(c)
	}
	if err != nil {
		s.closeConn(c, err)
		return
	}
	if c.relay.done() {
		s.closeConn(c, nil)
		return
	}
	s.relayRearm(c)
}

// relayRearm re-arms both sockets with the interest the queues currently
// justify: read only while there is room, write only while there is data.
func (s *Server) relayRearm(c *Conn) {
	r := c.relay

	var ci Interest
	if !r.clientEOF && len(r.c2u) < r.max {
		ci |= Readable
	}
	if len(r.u2c) > 0 {
		ci |= Writable
	}

	var ui Interest
	if !r.upstreamEOF && len(r.u2c) < r.max {
		ui |= Readable
	}
	if len(r.c2u) > 0 {
		ui |= Writable
	}

	if err := s.poller.Rearm(c.client, c.id, ci); err != nil {
		s.closeConn(c, err)
		return
	}
	if err := s.poller.Rearm(c.upstream, c.upTok, ui); err != nil {
		s.closeConn(c, err)
	}
}
