package reactor

import (
	"time"
)

// KeepAlive configures TCP keepalive for accepted and dialed sockets.
type KeepAlive struct {
	Enable   bool
	Idle     time.Duration
	Interval time.Duration
	Count    int
}
