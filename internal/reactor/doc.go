// Package reactor implements the readiness-notification side of the proxy on
// Linux: an epoll instance delivering one-shot events for non-blocking
// sockets, plus the socket primitives themselves (listen/accept4,
// non-blocking connect, shutdown, TCP keepalive).
//
// It implements the server package's Poller, Socket, ListenSocket and Dialer
// contracts. On platforms without epoll the constructors are stubbed out and
// return errors; IsSupported reports which build is in effect.
package reactor
