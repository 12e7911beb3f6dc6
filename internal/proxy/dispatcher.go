package proxy

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelproxy/mitmd/internal/header"
)

// handleConn reads exactly one request header off conn, then branches
// into the CONNECT tunnel path or the plain forward-proxy path.
// Mirrors original_source/src/server.rs's handle_stream: one header
// read per connection, no keep-alive — a CONNECT tunnel takes over
// the whole connection, and a plain request/response pair closes it.
func (s *Server) handleConn(conn net.Conn) {
	id := uuid.NewString()
	log := s.log.With("conn", id, "remote", conn.RemoteAddr().String())

	s.stats.ConnectionOpened()
	defer s.stats.ConnectionClosed()
	defer conn.Close()

	if s.readHeaderTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(s.readHeaderTimeout))
	}

	reader := bufio.NewReader(conn)
	var raw []byte
	if _, err := header.ReadUntilHeaderEnd(reader, &raw); err != nil {
		log.Warn("read request header", "err", err)
		return
	}
	conn.SetReadDeadline(time.Time{})

	req, err := parseHeader(raw)
	if err != nil {
		log.Warn("parse request", "err", err)
		return
	}
	req = req.WithContext(context.Background())

	log.Debug("request", "method", req.Method, "target", req.Host, "proto", req.Proto)

	bc := newBufConn(conn, reader)

	if req.Method == http.MethodConnect {
		s.handleConnect(log, bc, req)
		return
	}
	s.handleForward(log, bc, req)
}

// handleConnect dials the target named by a CONNECT request, mints an
// acceptor-map entry for it, and runs the tunnel once both legs have
// completed their TLS handshakes.
func (s *Server) handleConnect(log *slog.Logger, client net.Conn, req *http.Request) {
	target := req.Host
	host, _, err := net.SplitHostPort(target)
	if err != nil {
		host = target
		target = net.JoinHostPort(target, "443")
	}

	origin, err := connectToOrigin(client, target, req.Proto, s.connectTimeout)
	if err != nil {
		log.Warn("connect to origin", "target", target, "err", err)
		return
	}
	defer origin.Close()

	serverCfg, err := s.acceptors.Get(host)
	if err != nil {
		log.Error("mint leaf certificate", "host", host, "err", err)
		return
	}

	clientCfg := s.connector.ClientConfig(host)

	inbound, outbound, err := runTunnel(client, origin, serverCfg, clientCfg)
	if err != nil {
		log.Warn("tunnel", "host", host, "err", err)
		return
	}
	s.stats.BytesTunneled(inbound, outbound)
	log.Debug("tunnel closed", "host", host, "inbound", inbound, "outbound", outbound)
}

// handleForward issues req to its origin over plain HTTP (or HTTPS
// when the target URL is absolute with an https scheme) and streams
// the response back onto client.
func (s *Server) handleForward(log *slog.Logger, client net.Conn, req *http.Request) {
	if s.statusHandler != nil && s.statusPath != "" && req.URL.Path == s.statusPath {
		s.serveStatus(log, client, req)
		return
	}

	// The parsed request's own Body only sees the captured header block;
	// the body bytes follow it on the client connection.
	req.Body = client
	body, err := readBody(req)
	if err != nil {
		log.Warn("read request body", "err", err)
		s.stats.ForwardRequestFailed()
		return
	}

	outReq, err := buildOutboundRequest(req, body)
	if err != nil {
		log.Warn("build outbound request", "err", err)
		s.stats.ForwardRequestFailed()
		return
	}

	resp, err := s.httpClient.Do(outReq)
	if err != nil {
		log.Warn("forward request", "target", req.Host, "err", err)
		s.stats.ForwardRequestFailed()
		return
	}
	defer resp.Body.Close()

	if err := writeResponse(client, resp); err != nil {
		log.Warn("write response", "target", req.Host, "err", err)
		s.stats.ForwardRequestFailed()
		return
	}
	s.stats.ForwardRequestSucceeded()
}

// serveStatus answers a status-endpoint request locally instead of
// forwarding it, by running the configured http.HandlerFunc against an
// in-memory recorder and replaying its result onto client.
func (s *Server) serveStatus(log *slog.Logger, client net.Conn, req *http.Request) {
	rec := httptest.NewRecorder()
	s.statusHandler(rec, req)
	resp := rec.Result()
	defer resp.Body.Close()

	if err := writeResponse(client, resp); err != nil {
		log.Warn("write status response", "err", err)
	}
}
