package proxy

import (
	"bufio"
	"net"
)

// bufConn wraps a net.Conn and a *bufio.Reader already reading from
// it, presenting the pair as a single net.Conn. Reads are served from
// the buffered reader first, so any bytes the header reader pulled
// into its buffer but didn't consume — the start of a TLS
// ClientHello, a request body, pipelined bytes — are replayed before
// the underlying socket is read from directly again.
//
// This is what lets a single accepted connection flow through the
// header scan and then straight into tls.Server without a second,
// incompatible buffering layer (net/http's Hijacker drains its own
// bufio.Reader the same way; this does the equivalent for a raw
// net.Listener).
type bufConn struct {
	net.Conn
	r *bufio.Reader
}

func newBufConn(c net.Conn, r *bufio.Reader) *bufConn {
	return &bufConn{Conn: c, r: r}
}

func (b *bufConn) Read(p []byte) (int, error) {
	return b.r.Read(p)
}
