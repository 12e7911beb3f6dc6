package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// DB persists periodic Collector snapshots to SQLite for inspection
// across restarts. Nothing about the proxy's own behavior depends on
// a DB existing — it is a pure consumer of Collector.
type DB struct {
	mu        sync.Mutex
	conn      *sqlite.Conn
	collector *Collector
	logger    *slog.Logger
	interval  time.Duration
	cancel    context.CancelFunc
	done      chan struct{}
}

// Open opens or creates a stats database at dbPath.
func Open(dbPath string, collector *Collector, logger *slog.Logger, flushInterval time.Duration) (*DB, error) {
	conn, err := sqlite.OpenConn(dbPath, sqlite.OpenReadWrite|sqlite.OpenCreate)
	if err != nil {
		return nil, fmt.Errorf("open stats db: %w", err)
	}

	db := &DB{
		conn:      conn,
		collector: collector,
		logger:    logger,
		interval:  flushInterval,
		done:      make(chan struct{}),
	}

	if err := db.ensureSchema(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return db, nil
}

// Start begins the background flush loop.
func (db *DB) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	db.cancel = cancel
	go db.flushLoop(ctx)
}

// Close stops the flush loop, performs a final flush, and closes the
// database.
func (db *DB) Close() error {
	if db.cancel != nil {
		db.cancel()
		<-db.done
	}
	if err := db.Flush(); err != nil {
		db.logger.Error("final stats flush failed", "error", err)
	}
	return db.conn.Close()
}

func (db *DB) flushLoop(ctx context.Context) {
	defer close(db.done)

	ticker := time.NewTicker(db.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := db.Flush(); err != nil {
				db.logger.Error("stats flush failed", "error", err)
			}
		}
	}
}

// Flush writes the current Collector snapshot into the row for the
// current hour bucket: the first flush of an hour inserts that row and
// later flushes in the same hour update it, so the table does not grow
// unbounded.
func (db *DB) Flush() (err error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	hour := time.Now().UTC().Truncate(time.Hour).Format("2006-01-02T15")
	s := db.collector.Snapshot()

	defer sqlitex.Save(db.conn)(&err)

	err = sqlitex.Execute(db.conn, `
		INSERT INTO proxy_stats_hourly
			(hour, connections_total, connections_active, bytes_inbound, bytes_outbound,
			 certs_minted, acceptor_cache_hits, acceptor_cache_misses,
			 forward_requests_total, forward_requests_failed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (hour) DO UPDATE SET
			connections_total       = excluded.connections_total,
			connections_active      = excluded.connections_active,
			bytes_inbound           = excluded.bytes_inbound,
			bytes_outbound          = excluded.bytes_outbound,
			certs_minted            = excluded.certs_minted,
			acceptor_cache_hits     = excluded.acceptor_cache_hits,
			acceptor_cache_misses   = excluded.acceptor_cache_misses,
			forward_requests_total  = excluded.forward_requests_total,
			forward_requests_failed = excluded.forward_requests_failed
	`, &sqlitex.ExecOptions{
		Args: []any{
			hour, s.ConnectionsTotal, s.ConnectionsActive, s.BytesInbound, s.BytesOutbound,
			s.CertsMinted, s.AcceptorCacheHits, s.AcceptorCacheMisses,
			s.ForwardRequestsTotal, s.ForwardRequestsFailed,
		},
	})
	if err != nil {
		return fmt.Errorf("upsert proxy_stats_hourly: %w", err)
	}
	return nil
}

// LatestPersisted returns the most recently flushed snapshot, or the
// zero Snapshot if nothing has been flushed yet.
func (db *DB) LatestPersisted() Snapshot {
	db.mu.Lock()
	defer db.mu.Unlock()

	var s Snapshot
	_ = sqlitex.Execute(db.conn, `
		SELECT connections_total, connections_active, bytes_inbound, bytes_outbound,
		       certs_minted, acceptor_cache_hits, acceptor_cache_misses,
		       forward_requests_total, forward_requests_failed
		FROM proxy_stats_hourly
		ORDER BY hour DESC LIMIT 1
	`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			s = Snapshot{
				ConnectionsTotal:      stmt.ColumnInt64(0),
				ConnectionsActive:     stmt.ColumnInt64(1),
				BytesInbound:          stmt.ColumnInt64(2),
				BytesOutbound:         stmt.ColumnInt64(3),
				CertsMinted:           stmt.ColumnInt64(4),
				AcceptorCacheHits:     stmt.ColumnInt64(5),
				AcceptorCacheMisses:   stmt.ColumnInt64(6),
				ForwardRequestsTotal:  stmt.ColumnInt64(7),
				ForwardRequestsFailed: stmt.ColumnInt64(8),
			}
			return nil
		},
	})
	return s
}

func (db *DB) ensureSchema() error {
	return sqlitex.ExecuteScript(db.conn, `
		CREATE TABLE IF NOT EXISTS proxy_stats_hourly (
			hour                    TEXT NOT NULL PRIMARY KEY,
			connections_total       INTEGER NOT NULL DEFAULT 0,
			connections_active      INTEGER NOT NULL DEFAULT 0,
			bytes_inbound           INTEGER NOT NULL DEFAULT 0,
			bytes_outbound          INTEGER NOT NULL DEFAULT 0,
			certs_minted            INTEGER NOT NULL DEFAULT 0,
			acceptor_cache_hits     INTEGER NOT NULL DEFAULT 0,
			acceptor_cache_misses   INTEGER NOT NULL DEFAULT 0,
			forward_requests_total  INTEGER NOT NULL DEFAULT 0,
			forward_requests_failed INTEGER NOT NULL DEFAULT 0
		) WITHOUT ROWID;
	`, nil)
}
