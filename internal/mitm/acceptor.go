package mitm

import (
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// defaultTTI is how long an acceptor-map entry survives without being
// looked up again before it is evicted. Matches the 3600s idle window
// original_source/src/acceptor.rs configures on its endorphin TTIPolicy
// map.
const defaultTTI = 3600 * time.Second

// defaultLeafValidity is the lifetime stamped onto every minted leaf
// certificate.
const defaultLeafValidity = 3650 * 24 * time.Hour

// ErrMintFailed wraps a failure to mint a leaf certificate for a host.
// Get returns this instead of panicking so a single bad host cannot
// take the whole listener down.
var ErrMintFailed = errors.New("mitm: mint failed")

type entry struct {
	cfg        *tls.Config
	lastAccess time.Time
}

// AcceptorMap is a hostname → *tls.Config cache. Each entry holds a
// leaf certificate signed by the root CA for that (possibly
// wildcarded) hostname, reusing one shared RSA key across every leaf.
// Entries are evicted on idle timeout, refreshed on every successful
// lookup — time-to-idle, not a fixed absolute expiry.
type AcceptorMap struct {
	mu      sync.Mutex
	entries map[string]*entry

	ca       *CA
	tti      time.Duration
	validity time.Duration

	onMint func(host string)
	onHit  func(host string)
}

// NewAcceptorMap builds an acceptor map signing under ca. It loads the
// shared embedded leaf key once at construction — not per mint — so a
// corrupt/missing embedded asset fails fast at startup instead of on
// the first CONNECT.
func NewAcceptorMap(ca *CA, tti, validity time.Duration) (*AcceptorMap, error) {
	if _, err := sharedLeafKey(); err != nil {
		return nil, err
	}
	if tti <= 0 {
		tti = defaultTTI
	}
	if validity <= 0 {
		validity = defaultLeafValidity
	}
	return &AcceptorMap{
		entries:  make(map[string]*entry),
		ca:       ca,
		tti:      tti,
		validity: validity,
	}, nil
}

// OnMint installs a callback invoked every time Get mints a fresh
// leaf certificate (used by internal/stats to count mints without the
// acceptor map importing the stats package).
func (m *AcceptorMap) OnMint(fn func(host string)) {
	m.onMint = fn
}

// OnHit installs a callback invoked every time Get serves an existing
// cache entry instead of minting a fresh one.
func (m *AcceptorMap) OnHit(fn func(host string)) {
	m.onHit = fn
}

// Get returns a *tls.Config presenting a leaf certificate valid for
// host, minting and caching one if this is the first time host (after
// normalization) has been seen, or reusing and refreshing an existing
// entry otherwise. The lock is held across the full read-or-mint
// sequence — not just the cache check — so two concurrent first-hits
// to the same normalized host cannot both pass the miss check and
// mint independently: the second caller blocks on the first's mint
// and then observes a cache hit. The lock is released before
// returning, ahead of the caller's TLS handshake.
func (m *AcceptorMap) Get(host string) (*tls.Config, error) {
	key := normalizeHost(host)

	m.mu.Lock()

	if e, ok := m.entries[key]; ok {
		e.lastAccess = time.Now()
		cfg := e.cfg
		m.mu.Unlock()
		if m.onHit != nil {
			m.onHit(key)
		}
		return cfg, nil
	}

	cfg, err := m.mint(key)
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s: %v", ErrMintFailed, key, err)
	}
	m.entries[key] = &entry{cfg: cfg, lastAccess: time.Now()}
	m.mu.Unlock()

	if m.onMint != nil {
		m.onMint(key)
	}
	return cfg, nil
}

// normalizeHost collapses any hostname with two or more dots to a
// single-wildcard form covering its parent domain, so
// "a.example.com" and "b.example.com" share one acceptor-map entry
// ("*.example.com"). Hosts with at most one dot (bare second-level
// domains, single-label hosts) are left as-is.
func normalizeHost(host string) string {
	if strings.Count(host, ".") > 1 {
		i := strings.IndexByte(host, '.')
		return "*" + host[i:]
	}
	return host
}

// mint generates a fresh RSA leaf certificate for key (already
// normalized), signs it under the root CA, and assembles a
// server-side *tls.Config presenting it.
func (m *AcceptorMap) mint(key string) (*tls.Config, error) {
	leafKey, err := sharedLeafKey()
	if err != nil {
		return nil, err
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, fmt.Errorf("serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Country:            []string{"Yaler"},
			Province:           []string{"Yaler"},
			Locality:           []string{"Yaler"},
			Organization:       []string{"Yaler"},
			OrganizationalUnit: []string{"Yaler"},
			CommonName:         key,
		},
		DNSNames:    []string{key},
		NotBefore:   now,
		NotAfter:    now.Add(m.validity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, m.ca.Cert, &leafKey.PublicKey, m.ca.Key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse minted certificate: %w", err)
	}

	cert := tls.Certificate{
		Certificate: [][]byte{der, m.ca.Cert.Raw},
		PrivateKey:  leafKey,
		Leaf:        leaf,
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Len reports the number of live (non-evicted) entries, for the
// status endpoint.
func (m *AcceptorMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Evict removes every entry whose idle time exceeds the map's TTI,
// as of now. Callers run this periodically (e.g. on a ticker) since
// nothing else prunes the map: spec.md's idle eviction is lazy from
// the cache's point of view, but a long-running process still needs a
// sweep to reclaim memory for hosts nobody is asking for any more.
func (m *AcceptorMap) Evict(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for host, e := range m.entries {
		if now.Sub(e.lastAccess) >= m.tti {
			delete(m.entries, host)
			evicted++
		}
	}
	return evicted
}
