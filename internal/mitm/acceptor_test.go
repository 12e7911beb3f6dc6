package mitm

import (
	"crypto/tls"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCA(t *testing.T) *CA {
	t.Helper()
	dir := t.TempDir()
	certPath := filepath.Join(dir, "ca.crt")
	keyPath := filepath.Join(dir, "ca.key")
	require.NoError(t, GenerateCA(certPath, keyPath, false))
	ca, err := LoadCA(certPath, keyPath)
	require.NoError(t, err)
	return ca
}

func TestNormalizeHost(t *testing.T) {
	cases := map[string]string{
		"a.b.example.com": "*.b.example.com",
		"foo.bar.baz":      "*.bar.baz",
		"example.com":      "example.com",
		"localhost":        "localhost",
	}
	for in, want := range cases {
		assert.Equal(t, want, normalizeHost(in), "normalizeHost(%q)", in)
	}
}

func TestAcceptorMapMintsAndCaches(t *testing.T) {
	ca := testCA(t)
	m, err := NewAcceptorMap(ca, time.Hour, 0)
	require.NoError(t, err)

	cfg1, err := m.Get("a.example.com")
	require.NoError(t, err)
	cfg2, err := m.Get("b.example.com")
	require.NoError(t, err)

	// Both hostnames share the same wildcard acceptor-map entry, so
	// the same *tls.Config (and thus the same minted leaf) is reused.
	assert.Same(t, cfg1, cfg2)
	assert.Equal(t, 1, m.Len())
}

func TestAcceptorMapLeafVerifiesAgainstCA(t *testing.T) {
	ca := testCA(t)
	m, err := NewAcceptorMap(ca, time.Hour, 0)
	require.NoError(t, err)

	cfg, err := m.Get("example.com")
	require.NoError(t, err)
	require.Len(t, cfg.Certificates, 1)

	leaf := cfg.Certificates[0]
	require.Len(t, leaf.Certificate, 2)
	assert.Equal(t, ca.Cert.Raw, leaf.Certificate[1])
	assert.NoError(t, leaf.Leaf.CheckSignatureFrom(ca.Cert))

	// Leaf DNSNames / CN both carry the normalized host.
	assert.Equal(t, []string{"example.com"}, leaf.Leaf.DNSNames)
	assert.Equal(t, "example.com", leaf.Leaf.Subject.CommonName)
}

func TestAcceptorMapEvictsIdleEntries(t *testing.T) {
	ca := testCA(t)
	m, err := NewAcceptorMap(ca, time.Millisecond, 0)
	require.NoError(t, err)

	_, err = m.Get("example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, m.Len())

	evicted := m.Evict(time.Now().Add(time.Second))
	assert.Equal(t, 1, evicted)
	assert.Equal(t, 0, m.Len())
}

func TestAcceptorMapRefreshesOnAccess(t *testing.T) {
	ca := testCA(t)
	m, err := NewAcceptorMap(ca, 50*time.Millisecond, 0)
	require.NoError(t, err)

	_, err = m.Get("example.com")
	require.NoError(t, err)

	// Access again just before the TTI would expire; this should
	// refresh lastAccess so the entry survives a sweep scheduled at
	// the original TTI boundary.
	time.Sleep(30 * time.Millisecond)
	_, err = m.Get("example.com")
	require.NoError(t, err)

	evicted := m.Evict(time.Now().Add(20 * time.Millisecond))
	assert.Equal(t, 0, evicted)
	assert.Equal(t, 1, m.Len())
}

func TestAcceptorMapConcurrentFirstHitsMintOnce(t *testing.T) {
	ca := testCA(t)
	m, err := NewAcceptorMap(ca, time.Hour, 0)
	require.NoError(t, err)

	var mints atomic.Int64
	m.OnMint(func(host string) { mints.Add(1) })

	hosts := []string{"a.example.com", "b.example.com", "c.example.com", "d.example.com"}
	cfgs := make([]*tls.Config, len(hosts))

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i, h := range hosts {
		wg.Add(1)
		go func(i int, h string) {
			defer wg.Done()
			<-start
			cfg, err := m.Get(h)
			require.NoError(t, err)
			cfgs[i] = cfg
		}(i, h)
	}
	close(start)
	wg.Wait()

	for i := 1; i < len(cfgs); i++ {
		assert.Same(t, cfgs[0], cfgs[i], "all normalized hosts share one wildcard entry")
	}
	assert.Equal(t, int64(1), mints.Load(), "concurrent first-hits to the same wildcard key must mint exactly once")
	assert.Equal(t, 1, m.Len())
}

func TestAcceptorMapOnMintCallback(t *testing.T) {
	ca := testCA(t)
	m, err := NewAcceptorMap(ca, time.Hour, 0)
	require.NoError(t, err)

	var minted []string
	m.OnMint(func(host string) { minted = append(minted, host) })

	_, err = m.Get("one.example.com")
	require.NoError(t, err)
	_, err = m.Get("one.example.com")
	require.NoError(t, err)
	_, err = m.Get("two.other.org")
	require.NoError(t, err)

	assert.Equal(t, []string{"*.example.com", "*.other.org"}, minted)
}

func TestAcceptorMapOnHitCallback(t *testing.T) {
	ca := testCA(t)
	m, err := NewAcceptorMap(ca, time.Hour, 0)
	require.NoError(t, err)

	var mints, hits int
	m.OnMint(func(host string) { mints++ })
	m.OnHit(func(host string) { hits++ })

	_, err = m.Get("one.example.com")
	require.NoError(t, err)
	_, err = m.Get("two.example.com")
	require.NoError(t, err)
	_, err = m.Get("one.example.com")
	require.NoError(t, err)

	assert.Equal(t, 1, mints, "only the first lookup for the wildcard key should mint")
	assert.Equal(t, 2, hits, "the second and third lookups both hit the cached entry")
}
