// Package db persists host quotas and origin access history for the quota
// manager. It knows nothing about storage clients; storage types are plain
// integers here.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrIncompatibleVersion is returned by Open when the on-disk schema is
// newer than this build understands. Callers are expected to fall back to a
// memory-only database rather than touch the file.
var ErrIncompatibleVersion = errors.New("quota database schema is newer than this version")

// ErrClosed is returned for operations on a closed database.
var ErrClosed = errors.New("quota database is closed")

// DefaultCommitDelay is how long access-time writes coalesce before they
// are committed in a single transaction.
const DefaultCommitDelay = 100 * time.Millisecond

// QuotaEntry is one row of the host-quota table.
type QuotaEntry struct {
	Host  string
	Type  int
	Quota int64
}

// AccessEntry is one row of the origin-access table.
type AccessEntry struct {
	Origin     string
	Type       int
	UsedCount  int
	LastAccess time.Time
}

// Database is a versioned sqlite store for quota bookkeeping. Writes
// coalesce into a pending batch committed after a short delay; reads flush
// the batch first so they always observe prior writes.
type Database struct {
	sqlDB       *sql.DB
	memory      bool
	commitDelay time.Duration

	mu       sync.Mutex
	pending  []func(tx *sql.Tx) error
	timer    *time.Timer
	flushErr error
	closed   bool
}

// Options configures Open.
type Options struct {
	// Path of the database file. Empty opens a memory-only database.
	Path string

	// CommitDelay overrides DefaultCommitDelay when positive.
	CommitDelay time.Duration
}

// Open opens or creates the quota database and brings its schema up to
// date. A schema newer than this build yields ErrIncompatibleVersion with
// the file left untouched.
func Open(opts Options) (*Database, error) {
	path := opts.Path
	memory := path == ""
	if memory {
		path = ":memory:"
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open quota database: %w", err)
	}
	// sqlite allows a single writer; a single pooled connection also keeps
	// the in-memory database from vanishing between calls.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping quota database: %w", err)
	}
	if !memory {
		if _, err := sqlDB.Exec("PRAGMA journal_mode = WAL"); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	}

	if err := migrate(sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}

	delay := opts.CommitDelay
	if delay <= 0 {
		delay = DefaultCommitDelay
	}
	return &Database{sqlDB: sqlDB, memory: memory, commitDelay: delay}, nil
}

// InMemory reports whether the database has no backing file.
func (d *Database) InMemory() bool { return d.memory }

// Close flushes pending writes and closes the connection.
func (d *Database) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()

	flushErr := d.commit(pending)
	if err := d.sqlDB.Close(); err != nil {
		return fmt.Errorf("close quota database: %w", err)
	}
	return flushErr
}

// enqueue adds a write to the pending batch and arms the coalescing timer.
// A flush failure recorded earlier is surfaced to the next writer.
func (d *Database) enqueue(op func(tx *sql.Tx) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if err := d.flushErr; err != nil {
		d.flushErr = nil
		return err
	}
	d.pending = append(d.pending, op)
	if d.timer == nil {
		d.timer = time.AfterFunc(d.commitDelay, func() {
			if err := d.Flush(); err != nil {
				slog.Error("quota database deferred commit failed", "error", err)
			}
		})
	}
	return nil
}

// Flush commits the pending batch in one transaction.
func (d *Database) Flush() error {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()

	err := d.commit(pending)
	if err != nil {
		d.mu.Lock()
		d.flushErr = err
		d.mu.Unlock()
	}
	return err
}

func (d *Database) commit(pending []func(tx *sql.Tx) error) error {
	if len(pending) == 0 {
		return nil
	}
	tx, err := d.sqlDB.Begin()
	if err != nil {
		return fmt.Errorf("begin commit batch: %w", err)
	}
	defer tx.Rollback()

	for _, op := range pending {
		if err := op(tx); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// GetHostQuota returns the stored quota for (host, type). found is false
// when no row exists.
func (d *Database) GetHostQuota(ctx context.Context, host string, st int) (quota int64, found bool, err error) {
	if err := d.Flush(); err != nil {
		return 0, false, err
	}
	err = d.sqlDB.QueryRowContext(ctx,
		"SELECT quota FROM HostQuotaTable WHERE host = ? AND type = ?",
		host, st).Scan(&quota)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get host quota for %s: %w", host, err)
	}
	return quota, true, nil
}

// SetHostQuota upserts the quota for (host, type).
func (d *Database) SetHostQuota(ctx context.Context, host string, st int, quota int64) error {
	return d.enqueue(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			"INSERT OR REPLACE INTO HostQuotaTable (host, type, quota) VALUES (?, ?, ?)",
			host, st, quota)
		if err != nil {
			return fmt.Errorf("set host quota for %s: %w", host, err)
		}
		return nil
	})
}

// DeleteHostQuota removes the quota row for (host, type).
func (d *Database) DeleteHostQuota(ctx context.Context, host string, st int) error {
	return d.enqueue(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			"DELETE FROM HostQuotaTable WHERE host = ? AND type = ?", host, st)
		if err != nil {
			return fmt.Errorf("delete host quota for %s: %w", host, err)
		}
		return nil
	})
}

// GetGlobalQuota returns the single stored quota scalar for the type.
func (d *Database) GetGlobalQuota(ctx context.Context, st int) (quota int64, found bool, err error) {
	if err := d.Flush(); err != nil {
		return 0, false, err
	}
	err = d.sqlDB.QueryRowContext(ctx,
		"SELECT quota FROM GlobalQuotaTable WHERE type = ?", st).Scan(&quota)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get global quota: %w", err)
	}
	return quota, true, nil
}

// SetGlobalQuota upserts the quota scalar for the type.
func (d *Database) SetGlobalQuota(ctx context.Context, st int, quota int64) error {
	return d.enqueue(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			"INSERT OR REPLACE INTO GlobalQuotaTable (type, quota) VALUES (?, ?)",
			st, quota)
		if err != nil {
			return fmt.Errorf("set global quota: %w", err)
		}
		return nil
	})
}

// SetOriginAccessTime records an access to (origin, type): the row is
// created if missing and used_count increments on every call.
func (d *Database) SetOriginAccessTime(ctx context.Context, origin string, st int, at time.Time) error {
	return d.enqueue(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO OriginAccessTable (origin, type, used_count, last_access_time)
			VALUES (?, ?, 1, ?)
			ON CONFLICT(origin, type) DO UPDATE SET
				used_count = used_count + 1,
				last_access_time = excluded.last_access_time`,
			origin, st, at.UnixMicro())
		if err != nil {
			return fmt.Errorf("record access for %s: %w", origin, err)
		}
		return nil
	})
}

// RegisterOrigins bulk-inserts access rows with used_count 0 for origins
// discovered on disk before the database existed. Existing rows are kept.
func (d *Database) RegisterOrigins(ctx context.Context, origins []string, st int, at time.Time) error {
	return d.enqueue(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT OR IGNORE INTO OriginAccessTable (origin, type, used_count, last_access_time)
			VALUES (?, ?, 0, ?)`)
		if err != nil {
			return fmt.Errorf("prepare origin registration: %w", err)
		}
		defer stmt.Close()
		for _, origin := range origins {
			if _, err := stmt.Exec(origin, st, at.UnixMicro()); err != nil {
				return fmt.Errorf("register origin %s: %w", origin, err)
			}
		}
		return nil
	})
}

// DeleteOriginAccessTime removes the access row for (origin, type).
func (d *Database) DeleteOriginAccessTime(ctx context.Context, origin string, st int) error {
	return d.enqueue(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			"DELETE FROM OriginAccessTable WHERE origin = ? AND type = ?", origin, st)
		if err != nil {
			return fmt.Errorf("delete access row for %s: %w", origin, err)
		}
		return nil
	})
}

// LRUOrigin scans access rows for the type in ascending last-access order
// and returns the first origin the exempt predicate admits, or "" when
// every candidate is exempt.
func (d *Database) LRUOrigin(ctx context.Context, st int, exempt func(origin string) bool) (string, error) {
	if err := d.Flush(); err != nil {
		return "", err
	}
	rows, err := d.sqlDB.QueryContext(ctx, `
		SELECT origin FROM OriginAccessTable
		WHERE type = ? ORDER BY last_access_time ASC`, st)
	if err != nil {
		return "", fmt.Errorf("scan LRU origins: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var origin string
		if err := rows.Scan(&origin); err != nil {
			return "", fmt.Errorf("scan LRU row: %w", err)
		}
		if exempt != nil && exempt(origin) {
			continue
		}
		return origin, nil
	}
	return "", rows.Err()
}

// IsBootstrapped reports whether the one-time origin registration ran.
func (d *Database) IsBootstrapped(ctx context.Context) (bool, error) {
	if err := d.Flush(); err != nil {
		return false, err
	}
	var value string
	err := d.sqlDB.QueryRowContext(ctx,
		"SELECT value FROM MetaTable WHERE key = 'origins_bootstrapped'").Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read bootstrap flag: %w", err)
	}
	return value == "1", nil
}

// SetBootstrapped records that the one-time origin registration ran.
func (d *Database) SetBootstrapped(ctx context.Context) error {
	return d.enqueue(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			"INSERT OR REPLACE INTO MetaTable (key, value) VALUES ('origins_bootstrapped', '1')")
		if err != nil {
			return fmt.Errorf("set bootstrap flag: %w", err)
		}
		return nil
	})
}

// DumpQuotaTable returns every host-quota row.
func (d *Database) DumpQuotaTable(ctx context.Context) ([]QuotaEntry, error) {
	if err := d.Flush(); err != nil {
		return nil, err
	}
	rows, err := d.sqlDB.QueryContext(ctx,
		"SELECT host, type, quota FROM HostQuotaTable ORDER BY host, type")
	if err != nil {
		return nil, fmt.Errorf("dump quota table: %w", err)
	}
	defer rows.Close()

	var entries []QuotaEntry
	for rows.Next() {
		var e QuotaEntry
		if err := rows.Scan(&e.Host, &e.Type, &e.Quota); err != nil {
			return nil, fmt.Errorf("scan quota row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DumpAccessTable returns every origin-access row.
func (d *Database) DumpAccessTable(ctx context.Context) ([]AccessEntry, error) {
	if err := d.Flush(); err != nil {
		return nil, err
	}
	rows, err := d.sqlDB.QueryContext(ctx, `
		SELECT origin, type, used_count, last_access_time
		FROM OriginAccessTable ORDER BY last_access_time, origin`)
	if err != nil {
		return nil, fmt.Errorf("dump access table: %w", err)
	}
	defer rows.Close()

	var entries []AccessEntry
	for rows.Next() {
		var e AccessEntry
		var at int64
		if err := rows.Scan(&e.Origin, &e.Type, &e.UsedCount, &at); err != nil {
			return nil, fmt.Errorf("scan access row: %w", err)
		}
		e.LastAccess = time.UnixMicro(at)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
