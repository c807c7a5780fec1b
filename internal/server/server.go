package server

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/arlied/evsocks/internal/resolver"
	"github.com/arlied/evsocks/internal/socks5"
)

// Server is the dispatch façade between the poller and the per-connection
// state machines. All methods must be called from a single goroutine.
type Server struct {
	cfg      Config
	poller   Poller
	dialer   Dialer
	resolver resolver.Resolver
	ln       ListenSocket
	log      zerolog.Logger

	table table
}

func New(cfg Config, p Poller, d Dialer, r resolver.Resolver, ln ListenSocket, log zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg.withDefaults(),
		poller:   p,
		dialer:   d,
		resolver: r,
		ln:       ln,
		log:      log,
	}
}

// Start registers the listening socket with the poller.
func (s *Server) Start() error {
	return s.poller.RegisterListener(s.ln, ListenerToken)
}

// HandleEvent processes one readiness notification to completion. Events
// whose token no longer resolves (the connection closed earlier in the same
// tick) are ignored.
func (s *Server) HandleEvent(ev Event) {
	if ev.Token == ListenerToken {
		s.acceptReady()
		return
	}
	c, sd, ok := s.table.lookup(ev.Token)
	if !ok {
		return
	}
	s.connReady(c, sd, ev.Ready)
}

func (s *Server) acceptReady() {
	for {
		sock, err := s.ln.Accept()
		if err != nil {
			if !isWouldBlock(err) {
				s.log.Warn().Err(err).Msg("accept failed")
			}
			break
		}

		c := &Conn{state: stateAwaitingGreeting, client: sock}
		c.id = s.table.insert(c, sideClient)
		c.log = s.log.With().Uint64("conn", uint64(c.id)).Logger()
		if s.cfg.IdleTimeout > 0 {
			c.deadline = time.Now().Add(s.cfg.IdleTimeout)
		}

		if err := s.poller.Register(sock, c.id, Readable); err != nil {
			c.log.Warn().Err(err).Msg("register failed")
			s.table.remove(c.id)
			_ = sock.Close()
			continue
		}
		if ra := sock.RemoteAddr(); ra != nil {
			c.log.Debug().Str("client", ra.String()).Msg("accepted")
		}
	}

	if err := s.poller.RearmListener(s.ln, ListenerToken); err != nil {
		s.log.Warn().Err(err).Msg("rearm listener failed")
	}
}

// CloseExpired closes connections whose deadline has passed. A timed-out
// connect still gets a TTL-expired reply; an idle connection is dropped.
func (s *Server) CloseExpired(now time.Time) {
	if s.cfg.IdleTimeout <= 0 && s.cfg.ConnectTimeout <= 0 {
		return
	}
	for _, c := range s.table.conns() {
		if c.deadline.IsZero() || now.Before(c.deadline) {
			continue
		}
		if c.state == stateConnecting {
			c.log.Debug().Msg("connect timed out")
			s.dropUpstream(c)
			s.refuse(c, socks5.RepTTLExpired)
			continue
		}
		s.closeConn(c, errIdleTimeout)
	}
}

// Shutdown closes every live connection and the listener.
func (s *Server) Shutdown() {
	for _, c := range s.table.conns() {
		s.closeConn(c, nil)
	}
	_ = s.ln.Close()
}

// NumConns reports live connections, for tests and shutdown logging.
func (s *Server) NumConns() int {
	return len(s.table.conns())
}
