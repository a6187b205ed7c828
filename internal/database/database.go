// Package database provides SQLite database operations for the application
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 25 * time.Millisecond
	busyRetryMaxBackoff     = 400 * time.Millisecond
)

// DB wraps the SQLite database connection holding the download history
type DB struct {
	conn   *sql.DB
	logger *slog.Logger
}

// New creates a new database connection and initializes the schema
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't handle concurrent writes well
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 30000",
	}
	if dbPath != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL")
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	db := &DB{conn: conn, logger: slog.Default()}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := db.migrateSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping verifies the connection is usable
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// initSchema creates the necessary tables
func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS download_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL,
		book_id TEXT NOT NULL,
		book_title TEXT NOT NULL DEFAULT '',
		book_author TEXT NOT NULL DEFAULT '',
		book_publisher TEXT NOT NULL DEFAULT '',
		book_year TEXT NOT NULL DEFAULT '',
		book_language TEXT NOT NULL DEFAULT '',
		book_format TEXT NOT NULL DEFAULT '',
		cover_url TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'queued',
		queued_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		download_duration INTEGER,
		file_size INTEGER,
		file_path TEXT,
		expected_size INTEGER,
		anna_search_url TEXT,
		final_download_url TEXT,
		url_discovered_at DATETIME,
		url_expires_at DATETIME,
		progress_percent INTEGER NOT NULL DEFAULT 0,
		download_speed TEXT,
		eta_seconds INTEGER,
		wait_time INTEGER,
		wait_start DATETIME,
		error_message TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		can_retry_direct BOOLEAN NOT NULL DEFAULT 0,
		content_hash TEXT,
		book_info_json TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_download_history_username ON download_history(username);
	CREATE INDEX IF NOT EXISTS idx_download_history_username_status ON download_history(username, status);
	CREATE INDEX IF NOT EXISTS idx_download_history_username_created ON download_history(username, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_download_history_book_id ON download_history(book_id);
	CREATE INDEX IF NOT EXISTS idx_download_history_redownload ON download_history(username, can_retry_direct, final_download_url);

	CREATE TABLE IF NOT EXISTS user_preferences (
		username TEXT PRIMARY KEY,
		preferred_format TEXT NOT NULL DEFAULT 'epub',
		download_location TEXT NOT NULL DEFAULT '',
		max_concurrent INTEGER NOT NULL DEFAULT 3,
		auto_retry BOOLEAN NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS user_stats (
		username TEXT PRIMARY KEY,
		total_downloads INTEGER NOT NULL DEFAULT 0,
		successful_downloads INTEGER NOT NULL DEFAULT 0,
		failed_downloads INTEGER NOT NULL DEFAULT 0,
		cancelled_downloads INTEGER NOT NULL DEFAULT 0,
		total_size_bytes INTEGER NOT NULL DEFAULT 0,
		total_download_time INTEGER NOT NULL DEFAULT 0,
		last_download_at DATETIME,
		updated_at DATETIME NOT NULL
	);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// columnMigrations are columns added after the first release. Older databases
// get them via ALTER TABLE on open.
var columnMigrations = []struct {
	name       string
	definition string
}{
	{"expected_size", "INTEGER"},
	{"url_expires_at", "DATETIME"},
	{"wait_start", "DATETIME"},
	{"content_hash", "TEXT"},
}

func (db *DB) migrateSchema() error {
	rows, err := db.conn.Query("PRAGMA table_info(download_history)")
	if err != nil {
		return fmt.Errorf("failed to read table info: %w", err)
	}

	existing := make(map[string]bool)
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan table info: %w", err)
		}
		existing[name] = true
	}
	if err := rows.Close(); err != nil {
		return err
	}

	for _, col := range columnMigrations {
		if existing[col.name] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE download_history ADD COLUMN %s %s", col.name, col.definition)
		if _, err := db.conn.Exec(stmt); err != nil {
			return fmt.Errorf("failed to add column %s: %w", col.name, err)
		}
		db.logger.Info("Added download_history column", "column", col.name)
	}

	return nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// retryOnBusy reruns op with exponential backoff while SQLite reports the database as locked
func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (db *DB) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = db.conn.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}

// withTx runs fn inside a transaction, retrying the whole transaction while the database is busy
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, func() error {
		tx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// now returns the timestamp written to every DATETIME column
func now() time.Time {
	return time.Now().UTC()
}
