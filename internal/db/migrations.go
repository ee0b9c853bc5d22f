package db

import (
	"database/sql"
	"fmt"
)

// migration is a single schema step.
type migration struct {
	Version int
	Name    string
	Apply   func(tx *sql.Tx) error
}

var migrations = []migration{
	{Version: 1, Name: "initial_schema", Apply: migrateV001},
}

// migrate brings the schema up to date. A recorded version newer than the
// ones known here means the file was written by a newer build; refusing to
// touch it lets the caller fall back to a memory-only session.
func migrate(sqlDB *sql.DB) error {
	if _, err := sqlDB.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	var current sql.NullInt64
	if err := sqlDB.QueryRow(
		"SELECT MAX(version) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	latest := migrations[len(migrations)-1].Version
	if current.Valid && int(current.Int64) > latest {
		return fmt.Errorf("%w: on-disk %d, supported %d",
			ErrIncompatibleVersion, current.Int64, latest)
	}

	for _, m := range migrations {
		if current.Valid && m.Version <= int(current.Int64) {
			continue
		}
		if err := apply(sqlDB, m); err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Name, err)
		}
	}
	return nil
}

func apply(sqlDB *sql.DB, m migration) error {
	tx, err := sqlDB.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := m.Apply(tx); err != nil {
		return err
	}
	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (version, name) VALUES (?, ?)",
		m.Version, m.Name); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit()
}

func migrateV001(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS HostQuotaTable (
			host  TEXT NOT NULL,
			type  INTEGER NOT NULL,
			quota INTEGER NOT NULL,
			PRIMARY KEY (host, type)
		)`,

		`CREATE TABLE IF NOT EXISTS OriginAccessTable (
			origin           TEXT NOT NULL,
			type             INTEGER NOT NULL,
			used_count       INTEGER NOT NULL DEFAULT 0,
			last_access_time INTEGER NOT NULL,
			PRIMARY KEY (origin, type)
		)`,

		`CREATE TABLE IF NOT EXISTS GlobalQuotaTable (
			type  INTEGER PRIMARY KEY,
			quota INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS MetaTable (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_access_type_time
			ON OriginAccessTable (type, last_access_time)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
