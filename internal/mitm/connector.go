package mitm

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// Connector builds the client-side *tls.Config used to dial upstream
// origins once a CONNECT tunnel or forward-proxy request has resolved
// a target host. Its trust pool starts from the platform's root store
// and can be augmented with an extra PEM bundle, the Go equivalent of
// original_source/src/main.rs seeding its RootCertStore from
// webpki_roots and leaving room to add more.
type Connector struct {
	cfg *tls.Config
}

// NewConnector builds a Connector. If trustBundlePath is empty, only
// the system root pool is trusted.
func NewConnector(trustBundlePath string) (*Connector, error) {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}

	if trustBundlePath != "" {
		pem, err := os.ReadFile(trustBundlePath)
		if err != nil {
			return nil, fmt.Errorf("mitm: read trust bundle %s: %w", trustBundlePath, err)
		}
		if ok := pool.AppendCertsFromPEM(pem); !ok {
			return nil, fmt.Errorf("mitm: trust bundle %s: no certificates parsed", trustBundlePath)
		}
	}

	return &Connector{
		cfg: &tls.Config{
			RootCAs:    pool,
			MinVersion: tls.VersionTLS12,
		},
	}, nil
}

// ClientConfig returns a *tls.Config for dialing host, with
// ServerName set so certificate verification checks the right name.
func (c *Connector) ClientConfig(host string) *tls.Config {
	cfg := c.cfg.Clone()
	cfg.ServerName = host
	return cfg
}
