package server

import (
	"time"
)

// DefaultRelayBufferBytes is the per-direction relay queue capacity used
// when Config leaves it zero.
const DefaultRelayBufferBytes = 16 * 1024

type Config struct {
	// RelayBufferBytes caps each relay direction's queue. Reads from a
	// side stop while its queue is full.
	RelayBufferBytes int

	// IdleTimeout closes a connection with no successful I/O for this
	// long. Zero disables.
	IdleTimeout time.Duration

	// ConnectTimeout bounds upstream connection establishment. Zero
	// disables.
	ConnectTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RelayBufferBytes <= 0 {
		c.RelayBufferBytes = DefaultRelayBufferBytes
	}
	return c
}
