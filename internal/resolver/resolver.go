// Package resolver maps domain-name destinations to IP addresses for the
// SOCKS5 server. It exists so the server core can treat name resolution as a
// pluggable collaborator.
package resolver

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Resolver resolves a domain name to a single IP address.
type Resolver interface {
	Resolve(host string) (net.IP, error)
}

type Config struct {
	// Timeout bounds a single lookup. Zero leaves only the system
	// resolver's own limits.
	Timeout time.Duration
}

// New returns a Resolver backed by the system resolver.
func New(cfg Config) Resolver {
	return &netResolver{cfg: cfg}
}

type netResolver struct {
	cfg Config
}

func (r *netResolver) Resolve(host string) (net.IP, error) {
	ctx := context.Background()
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("resolve %s: no addresses", host)
	}

	// Prefer IPv4 when the name has both families.
	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			return ip4, nil
		}
	}
	return ips[0], nil
}
