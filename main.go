package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/arlied/evsocks/internal/reactor"
	"github.com/arlied/evsocks/internal/resolver"
	"github.com/arlied/evsocks/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		listen         = pflag.String("listen", ":1080", "SOCKS5 listen address")
		relayBuffer    = pflag.Int("relay-buffer", server.DefaultRelayBufferBytes, "Relay queue capacity per direction, in bytes")
		idleTimeout    = pflag.Duration("idle-timeout", 0, "Close connections with no I/O for this long (0 disables)")
		connectTimeout = pflag.Duration("connect-timeout", 10*time.Second, "Timeout for upstream TCP connect (0 disables)")
		resolveTimeout = pflag.Duration("resolve-timeout", 10*time.Second, "Timeout for destination DNS lookups")
		tcpKeepAlive   = pflag.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
		debugListen    = pflag.String("debug-listen", "", "Debug HTTP listen address exposing /debug/pprof (e.g. 127.0.0.1:6060). Empty disables.")
		logLevel       = pflag.String("log-level", "info", "Log level: debug|info|warn|error")
		verbose        = pflag.Bool("verbose", false, "Shorthand for --log-level=debug")
	)

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	if *verbose {
		level = zerolog.DebugLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	ka, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	if !reactor.IsSupported {
		return errors.New("no epoll on this platform (linux only)")
	}

	r, err := reactor.New()
	if err != nil {
		return fmt.Errorf("reactor: %w", err)
	}
	defer r.Close()

	ln, err := reactor.Listen(*listen, ka)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	cfg := server.Config{
		RelayBufferBytes: *relayBuffer,
		IdleTimeout:      *idleTimeout,
		ConnectTimeout:   *connectTimeout,
	}
	srv := server.New(cfg, r,
		&reactor.Dialer{KeepAlive: ka},
		resolver.New(resolver.Config{Timeout: *resolveTimeout}),
		ln, log)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("register listener: %w", err)
	}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *debugListen != "" {
		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{}
		debugLn, err := lc.Listen(ctx, "tcp", *debugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		log.Info().Str("addr", *debugListen).Msg("debug listening")
	}

	// Wake the epoll wait when a signal arrives so the dispatch loop can
	// notice the canceled context.
	context.AfterFunc(ctx, r.Wake)

	g.Go(func() error {
		// Block indefinitely unless deadlines need sweeping.
		wait := time.Duration(-1)
		if *idleTimeout > 0 || *connectTimeout > 0 {
			wait = 500 * time.Millisecond
		}

		for {
			if ctx.Err() != nil {
				srv.Shutdown()
				return nil
			}
			evs, err := r.Wait(wait)
			if err != nil {
				return err
			}
			for _, ev := range evs {
				srv.HandleEvent(ev)
			}
			srv.CloseExpired(time.Now())
		}
	})

	log.Info().Str("addr", ln.Addr().String()).Msg("socks5 proxy listening")

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	log.Info().Msg("shutting down")
	return err
}

func parseTCPKeepAlive(s string) (reactor.KeepAlive, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return reactor.KeepAlive{}, errors.New("empty")
	}
	if s == "on" {
		return reactor.KeepAlive{Enable: true}, nil
	}
	if s == "off" {
		return reactor.KeepAlive{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return reactor.KeepAlive{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return reactor.KeepAlive{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return reactor.KeepAlive{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return reactor.KeepAlive{}, fmt.Errorf("keepcnt: %w", err)
	}

	return reactor.KeepAlive{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}
