// Package socks5 implements the RFC 1928 wire protocol: incremental parsing
// of the client greeting and request, and serialization of the method
// selection and reply messages.
//
// Parse functions operate on a prefix of whatever bytes have arrived so far
// and distinguish three outcomes: ErrIncomplete (more bytes are needed, retry
// with a longer buffer), a malformed-message sentinel (the bytes can never
// become a valid message, abort the connection), or success with the number
// of bytes consumed.
//
// The package does no I/O and holds no connection state.
package socks5
