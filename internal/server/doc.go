// Package server implements the connection-level core of the SOCKS5 proxy:
// the per-connection handshake state machine, the token table mapping
// readiness events to live connections, the bidirectional relay engine, and
// the dispatch entry point driven by an external poller.
//
// The package performs no readiness multiplexing of its own. A Poller
// implementation (internal/reactor in production, fakes in tests) delivers
// one Event at a time to HandleEvent on a single goroutine; every socket and
// buffer is owned by exactly one connection and nothing here needs a lock.
package server
