package proxy

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// copyBufSize is the buffer size used for each direction of a tunnel
// copy loop, matching original_source/src/server.rs's `link`.
const copyBufSize = 10 * 1024

// connectToOrigin dials target ("host:port") and writes the CONNECT
// response line back to client before any TLS has happened on either
// side, mirroring original_source/src/server.rs's connect_to_remote:
// the client learns whether the tunnel can even be attempted before
// committing to a TLS handshake. The response echoes proto (the
// CONNECT request's own HTTP version, e.g. "HTTP/1.0" or "HTTP/1.1")
// rather than hardcoding HTTP/1.1, and uses the standard "200 OK" /
// "500 Internal Server Error" reason phrases.
func connectToOrigin(client net.Conn, target, proto string, dialTimeout time.Duration) (net.Conn, error) {
	if proto == "" {
		proto = "HTTP/1.1"
	}

	dialer := net.Dialer{Timeout: dialTimeout}
	origin, err := dialer.Dial("tcp", target)
	if err != nil {
		fmt.Fprintf(client, "%s %d %s\r\nContent-Length: 0\r\n\r\n",
			proto, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		return nil, fmt.Errorf("proxy: dial origin %s: %w", target, err)
	}

	if _, err := fmt.Fprintf(client, "%s %d %s\r\n\r\n",
		proto, http.StatusOK, http.StatusText(http.StatusOK)); err != nil {
		origin.Close()
		return nil, fmt.Errorf("proxy: write CONNECT response: %w", err)
	}

	return origin, nil
}

// runTunnel performs the dual TLS handshake — accepting a client
// handshake using serverCfg (the acceptor-map entry for host) and
// initiating a client handshake to origin using clientCfg — then
// copies bytes in both directions until either side closes.
func runTunnel(client net.Conn, origin net.Conn, serverCfg, clientCfg *tls.Config) (inbound, outbound int64, err error) {
	originTLS := tls.Client(origin, clientCfg)
	if err := originTLS.Handshake(); err != nil {
		return 0, 0, fmt.Errorf("proxy: origin tls handshake: %w", err)
	}

	clientTLS := tls.Server(client, serverCfg)
	if err := clientTLS.Handshake(); err != nil {
		return 0, 0, fmt.Errorf("proxy: client tls handshake: %w", err)
	}

	type result struct {
		n   int64
		err error
	}
	toOrigin := make(chan result, 1)
	go func() {
		n, err := link(originTLS, clientTLS)
		toOrigin <- result{n, err}
	}()

	outbound, _ = link(clientTLS, originTLS)

	clientTLS.Close()
	originTLS.Close()

	r := <-toOrigin
	return r.n, outbound, nil
}

// link copies from src to dst in copyBufSize chunks until src returns
// EOF or an error. It returns the number of bytes copied. A read or
// write failure on either leg just ends that leg's copy loop — tunnel
// I/O failures are not distinguished from an ordinary EOF once the
// tunnel is up.
func link(dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, copyBufSize)
	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if rerr != nil {
			if rerr == io.EOF {
				return total, nil
			}
			return total, rerr
		}
	}
}
