package delivery

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/migadu/sievevm/logger"
	"github.com/migadu/sievevm/pkg/metrics"
)

// SQLiteDuplicateTracker persists vacation and duplicate keys in a local
// SQLite database. Keys are opaque hashes; an entry counts until its expiry.
type SQLiteDuplicateTracker struct {
	db *sql.DB

	// Now replaces time.Now in tests.
	Now func() time.Time
}

// NewSQLiteDuplicateTracker opens (or creates) the database at path. An
// empty path keeps the entries in memory.
func NewSQLiteDuplicateTracker(path string) (*SQLiteDuplicateTracker, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create duplicate database directory: %w", err)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open duplicate database: %w", err)
	}
	if path == "" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS duplicates (
		key BLOB PRIMARY KEY,
		expires INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_duplicates_expires ON duplicates(expires);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create duplicate schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping duplicate database: %w", err)
	}

	return &SQLiteDuplicateTracker{db: db}, nil
}

func (t *SQLiteDuplicateTracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// Check reports whether key was marked and has not expired yet.
func (t *SQLiteDuplicateTracker) Check(ctx context.Context, key []byte) (bool, error) {
	var n int
	err := t.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM duplicates WHERE key = ? AND expires > ?`,
		key, t.now().Unix()).Scan(&n)
	if err != nil {
		metrics.DuplicateChecks.WithLabelValues("error").Inc()
		return false, fmt.Errorf("duplicate check failed: %w", err)
	}
	if n > 0 {
		metrics.DuplicateChecks.WithLabelValues("hit").Inc()
		return true, nil
	}
	metrics.DuplicateChecks.WithLabelValues("miss").Inc()
	return false, nil
}

// Mark records key until expires, replacing an earlier expiry.
func (t *SQLiteDuplicateTracker) Mark(ctx context.Context, key []byte, expires time.Time) error {
	_, err := t.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO duplicates (key, expires) VALUES (?, ?)`,
		key, expires.Unix())
	if err != nil {
		return fmt.Errorf("duplicate mark failed: %w", err)
	}
	return nil
}

// Purge deletes expired entries and returns how many were removed.
func (t *SQLiteDuplicateTracker) Purge(ctx context.Context) (int64, error) {
	res, err := t.db.ExecContext(ctx, `DELETE FROM duplicates WHERE expires <= ?`, t.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("duplicate purge failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logger.Debug("Duplicates: purged expired entries", "count", n)
	}
	return n, nil
}

// Count returns the number of stored entries, expired ones included.
func (t *SQLiteDuplicateTracker) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := t.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM duplicates`).Scan(&n); err != nil {
		return 0, fmt.Errorf("duplicate count failed: %w", err)
	}
	return n, nil
}

func (t *SQLiteDuplicateTracker) Close() error {
	return t.db.Close()
}
