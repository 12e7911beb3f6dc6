/*
Package probe implements the JSON status endpoint for the proxy
(served at /_mitm/status by cmd/mitmd).

The endpoint returns JSON with server status, version, uptime, connection
counters, acceptor cache occupancy, and bytes tunneled. It exists so an
operator or a remote test client can confirm the proxy is reachable and
inspect its basic health without parsing logs.
*/
package probe

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/kestrelproxy/mitmd/internal/version"
)

// Stats provides an interface for the probe to read server metrics.
type Stats interface {
	ConnectionsTotal() int64
	ConnectionsActive() int64
	BytesInbound() int64
	BytesOutbound() int64
	CertsMinted() int64
	AcceptorCacheSize() int
	Uptime() time.Duration
}

// Response is the JSON structure returned by the status endpoint.
type Response struct {
	Status            string `json:"status"`
	Service           string `json:"service"`
	Version           string `json:"version"`
	UptimeSeconds     int64  `json:"uptime_seconds"`
	ConnectionsTotal  int64  `json:"connections_total"`
	ConnectionsActive int64  `json:"connections_active"`
	BytesInbound      int64  `json:"bytes_inbound"`
	BytesOutbound     int64  `json:"bytes_outbound"`
	CertsMinted       int64  `json:"certs_minted"`
	AcceptorCacheSize int    `json:"acceptor_cache_size"`
	Resources         ResourcesBlock `json:"resources"`
}

// Handler returns an http.HandlerFunc that serves the status response.
func Handler(stats Stats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := Response{
			Status:            "ok",
			Service:           "mitmd",
			Version:           version.Short(),
			UptimeSeconds:     int64(stats.Uptime().Seconds()),
			ConnectionsTotal:  stats.ConnectionsTotal(),
			ConnectionsActive: stats.ConnectionsActive(),
			BytesInbound:      stats.BytesInbound(),
			BytesOutbound:     stats.BytesOutbound(),
			CertsMinted:       stats.CertsMinted(),
			AcceptorCacheSize: stats.AcceptorCacheSize(),
			Resources:         collectResources(),
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp) //nolint:gosec // best-effort response
	}
}
