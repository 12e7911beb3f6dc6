package stats

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDBFlushAndLatestPersisted(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "stats.db")
	c := NewCollector()
	c.ConnectionOpened()
	c.BytesTunneled(10, 20)
	c.CertMinted()

	db, err := Open(dbPath, c, slog.Default(), time.Hour)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Flush())

	latest := db.LatestPersisted()
	assert.Equal(t, int64(1), latest.ConnectionsTotal)
	assert.Equal(t, int64(10), latest.BytesInbound)
	assert.Equal(t, int64(20), latest.BytesOutbound)
	assert.Equal(t, int64(1), latest.CertsMinted)
}

func TestDBFlushPersistsAcceptorCacheCounters(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "stats.db")
	c := NewCollector()
	c.AcceptorCacheMiss()
	c.CertMinted()
	c.AcceptorCacheHit()
	c.AcceptorCacheHit()

	db, err := Open(dbPath, c, slog.Default(), time.Hour)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Flush())

	latest := db.LatestPersisted()
	assert.Equal(t, int64(1), latest.AcceptorCacheMisses)
	assert.Equal(t, int64(2), latest.AcceptorCacheHits)
}

func TestDBFlushUpdatesSameHourRow(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "stats.db")
	c := NewCollector()

	db, err := Open(dbPath, c, slog.Default(), time.Hour)
	require.NoError(t, err)
	defer db.Close()

	c.ConnectionOpened()
	require.NoError(t, db.Flush())
	c.ConnectionOpened()
	require.NoError(t, db.Flush())

	assert.Equal(t, int64(2), db.LatestPersisted().ConnectionsTotal)
}
