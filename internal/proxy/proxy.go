/*
Package proxy implements the MITM forward proxy's per-connection
state machine: reading one request header per connection off a raw
net.Listener, then either tunneling a CONNECT request through dual TLS
handshakes or reissuing a plain HTTP request to its origin.
*/
package proxy

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/kestrelproxy/mitmd/internal/mitm"
)

// StatsRecorder receives lifecycle events from a Server. Implemented
// by internal/stats.Collector; a Server accepts any implementation so
// the two packages stay decoupled.
type StatsRecorder interface {
	ConnectionOpened()
	ConnectionClosed()
	CertMinted()
	AcceptorCacheHit()
	AcceptorCacheMiss()
	BytesTunneled(inbound, outbound int64)
	ForwardRequestSucceeded()
	ForwardRequestFailed()
}

type noopStats struct{}

func (noopStats) ConnectionOpened()        {}
func (noopStats) ConnectionClosed()        {}
func (noopStats) CertMinted()              {}
func (noopStats) AcceptorCacheHit()        {}
func (noopStats) AcceptorCacheMiss()       {}
func (noopStats) BytesTunneled(_, _ int64) {}
func (noopStats) ForwardRequestSucceeded() {}
func (noopStats) ForwardRequestFailed()    {}

// Config holds everything a Server needs to accept and dispatch
// connections.
type Config struct {
	Acceptors         *mitm.AcceptorMap
	Connector         *mitm.Connector
	Logger            *slog.Logger
	Stats             StatsRecorder
	ConnectTimeout    time.Duration
	ReadHeaderTimeout time.Duration
	HTTPClientTimeout time.Duration

	// StatusPath, when non-empty and StatusHandler is set, is served
	// directly by the plain-HTTP path instead of being forwarded to an
	// origin — e.g. "/_mitm/status".
	StatusPath    string
	StatusHandler http.HandlerFunc
}

// Server accepts raw TCP connections and dispatches each one to the
// CONNECT tunnel path or the plain forward-proxy path.
type Server struct {
	acceptors *mitm.AcceptorMap
	connector *mitm.Connector
	log       *slog.Logger
	stats     StatsRecorder

	connectTimeout    time.Duration
	readHeaderTimeout time.Duration
	httpClient        *http.Client

	statusPath    string
	statusHandler http.HandlerFunc

	startTime time.Time

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
	closing  bool
}

// NewServer builds a Server from cfg, filling in defaults for any
// zero-valued timeout or missing logger/stats.
func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	stats := cfg.Stats
	if stats == nil {
		stats = noopStats{}
	}
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	readHeaderTimeout := cfg.ReadHeaderTimeout
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = 10 * time.Second
	}
	clientTimeout := cfg.HTTPClientTimeout
	if clientTimeout <= 0 {
		clientTimeout = 30 * time.Second
	}

	return &Server{
		acceptors:         cfg.Acceptors,
		connector:         cfg.Connector,
		log:               log,
		stats:             stats,
		connectTimeout:    connectTimeout,
		readHeaderTimeout: readHeaderTimeout,
		httpClient:        &http.Client{Timeout: clientTimeout},
		statusPath:        cfg.StatusPath,
		statusHandler:     cfg.StatusHandler,
		startTime:         time.Now(),
	}
}

// SetStatusHandlerFunc installs (or replaces) the handler served at
// StatusPath. Split from Config because the handler commonly needs a
// reference to the Server itself (e.g. to read AcceptorCacheSize).
func (s *Server) SetStatusHandlerFunc(h http.HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusHandler = h
}

// Uptime returns how long the Server has been running.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// AcceptorCacheSize returns the number of leaf certificates currently
// cached in the acceptor map, or 0 if no acceptor map is configured.
func (s *Server) AcceptorCacheSize() int {
	if s.acceptors == nil {
		return 0
	}
	return s.acceptors.Len()
}

// Serve binds addr and runs the accept loop until Shutdown is called
// or the listener fails. It blocks until the accept loop returns.
func (s *Server) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.log.Error("bind listener", "addr", addr, "err", err)
		return err
	}
	return s.ServeListener(ln)
}

// ServeListener runs the accept loop on an already-bound listener
// until Shutdown is called or the listener fails. Serve is a thin
// wrapper around this for the common case; tests that need the
// ephemeral port a "host:0" bind picked use this directly.
func (s *Server) ServeListener(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Info("listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				s.wg.Wait()
				return nil
			}
			s.log.Error("accept connection", "err", err)
			return err
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Shutdown stops the accept loop and waits (up to ctx's deadline) for
// in-flight connections to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
