//go:build !linux

package reactor

import (
	"errors"
	"net"
	"time"

	"github.com/arlied/evsocks/internal/server"
)

const IsSupported = false

var errUnsupported = errors.New("reactor: only supported on linux")

type Reactor struct{}

func New() (*Reactor, error) {
	return nil, errUnsupported
}

func (r *Reactor) Wake() {}

func (r *Reactor) Wait(_ time.Duration) ([]server.Event, error) {
	return nil, errUnsupported
}

func (r *Reactor) Close() error {
	return nil
}

func (r *Reactor) Register(_ server.Socket, _ server.Token, _ server.Interest) error {
	return errUnsupported
}

func (r *Reactor) Rearm(_ server.Socket, _ server.Token, _ server.Interest) error {
	return errUnsupported
}

func (r *Reactor) Deregister(_ server.Socket) error {
	return errUnsupported
}

func (r *Reactor) RegisterListener(_ server.ListenSocket, _ server.Token) error {
	return errUnsupported
}

func (r *Reactor) RearmListener(_ server.ListenSocket, _ server.Token) error {
	return errUnsupported
}

type Listener struct{}

func Listen(_ string, _ KeepAlive) (*Listener, error) {
	return nil, errUnsupported
}

func (l *Listener) Accept() (server.Socket, error) {
	return nil, errUnsupported
}

func (l *Listener) Close() error {
	return nil
}

func (l *Listener) Addr() net.Addr {
	return nil
}

type Dialer struct {
	KeepAlive KeepAlive
}

func (d *Dialer) Dial(_ net.IP, _ uint16) (server.Socket, error) {
	return nil, errUnsupported
}
