/*
Package stats provides in-memory counters and optional SQLite
persistence for proxy activity.

Collector accumulates process-wide counters using atomic operations
for lock-free increments. An optional background flush loop
periodically writes snapshots to a SQLite database for inspection
across restarts; the proxy's own behavior never depends on that
persistence being enabled.
*/
package stats

import (
	"sync/atomic"

	"github.com/dustin/go-humanize"
)

// Collector accumulates in-memory proxy counters. All fields are
// accessed through atomic operations so a Collector is safe to share
// across every connection goroutine the proxy spawns.
type Collector struct {
	connectionsTotal  atomic.Int64
	connectionsActive atomic.Int64

	bytesInbound  atomic.Int64
	bytesOutbound atomic.Int64

	certsMinted atomic.Int64

	acceptorCacheHits   atomic.Int64
	acceptorCacheMisses atomic.Int64

	forwardRequestsTotal  atomic.Int64
	forwardRequestsFailed atomic.Int64
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{}
}

// ConnectionOpened records a newly accepted connection. Implements
// internal/proxy.StatsRecorder.
func (c *Collector) ConnectionOpened() {
	c.connectionsTotal.Add(1)
	c.connectionsActive.Add(1)
}

// ConnectionClosed records that a previously opened connection ended.
func (c *Collector) ConnectionClosed() {
	c.connectionsActive.Add(-1)
}

// CertMinted records that the acceptor map minted a fresh leaf
// certificate (as opposed to reusing a cached one).
func (c *Collector) CertMinted() {
	c.certsMinted.Add(1)
}

// AcceptorCacheHit records that the acceptor map served a cached leaf
// certificate for a host it had already minted one for.
func (c *Collector) AcceptorCacheHit() {
	c.acceptorCacheHits.Add(1)
}

// AcceptorCacheMiss records that the acceptor map had to mint a fresh
// leaf certificate because no cached entry covered the host. Fires
// once per mint, alongside CertMinted.
func (c *Collector) AcceptorCacheMiss() {
	c.acceptorCacheMisses.Add(1)
}

// BytesTunneled adds to the running byte counters for a CONNECT
// tunnel that has just closed.
func (c *Collector) BytesTunneled(inbound, outbound int64) {
	c.bytesInbound.Add(inbound)
	c.bytesOutbound.Add(outbound)
}

// ForwardRequestSucceeded records a plain-HTTP forward-proxy request
// that was issued and whose response was written back successfully.
func (c *Collector) ForwardRequestSucceeded() {
	c.forwardRequestsTotal.Add(1)
}

// ForwardRequestFailed records a plain-HTTP forward-proxy request
// that failed at any stage (bad body, dial failure, write failure).
func (c *Collector) ForwardRequestFailed() {
	c.forwardRequestsTotal.Add(1)
	c.forwardRequestsFailed.Add(1)
}

// Snapshot is a point-in-time, non-atomic copy of every counter.
type Snapshot struct {
	ConnectionsTotal      int64
	ConnectionsActive     int64
	BytesInbound          int64
	BytesOutbound         int64
	CertsMinted           int64
	AcceptorCacheHits     int64
	AcceptorCacheMisses   int64
	ForwardRequestsTotal  int64
	ForwardRequestsFailed int64
}

// Snapshot captures the current value of every counter.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		ConnectionsTotal:      c.connectionsTotal.Load(),
		ConnectionsActive:     c.connectionsActive.Load(),
		BytesInbound:          c.bytesInbound.Load(),
		BytesOutbound:         c.bytesOutbound.Load(),
		CertsMinted:           c.certsMinted.Load(),
		AcceptorCacheHits:     c.acceptorCacheHits.Load(),
		AcceptorCacheMisses:   c.acceptorCacheMisses.Load(),
		ForwardRequestsTotal:  c.forwardRequestsTotal.Load(),
		ForwardRequestsFailed: c.forwardRequestsFailed.Load(),
	}
}

// String renders the snapshot on one line with human-readable byte
// counts.
func (s Snapshot) String() string {
	return "connections=" + humanize.Comma(s.ConnectionsTotal) +
		" active=" + humanize.Comma(s.ConnectionsActive) +
		" in=" + humanize.Bytes(uint64(max64(s.BytesInbound, 0))) +
		" out=" + humanize.Bytes(uint64(max64(s.BytesOutbound, 0))) +
		" certs=" + humanize.Comma(s.CertsMinted) +
		" cache_hits=" + humanize.Comma(s.AcceptorCacheHits) +
		" cache_misses=" + humanize.Comma(s.AcceptorCacheMisses) +
		" forward=" + humanize.Comma(s.ForwardRequestsTotal) +
		" forward_failed=" + humanize.Comma(s.ForwardRequestsFailed)
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
