package storage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// currentSchemaVersion is the current database schema version.
// Increment this when making schema changes and add migration logic.
const currentSchemaVersion = 2

// tables lists every table in drop order for Reset.
var tables = []string{"online_stats", "tokens", "devices", "metadata", "userdata", "schema_version"}

// initSchema applies any migrations newer than the recorded version.
func (s *Store) initSchema(ctx context.Context) error {
	const schemaVersionTable = `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`

	if _, err := s.exec(ctx, schemaVersionTable); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.queryRow(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}

	if version < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	if version < 2 {
		if err := s.migrateToV2(ctx); err != nil {
			return fmt.Errorf("migrate to v2: %w", err)
		}
	}

	return nil
}

// migrateToV1 creates the credential, token, status and device tables.
// Column types are shared by SQLite and PostgreSQL; timestamps are float
// Unix seconds and booleans are stored as 0/1 integers.
func (s *Store) migrateToV1(ctx context.Context) error {
	s.logger.Info("applying migration", zap.Int("version", 1))

	statements := []string{
		`CREATE TABLE IF NOT EXISTS userdata (
			username TEXT PRIMARY KEY,
			password TEXT NOT NULL,
			salt TEXT NOT NULL
		)`,
		// type is "<role>:<login-kind>:<owner-fingerprint>"; expire 0 means never.
		`CREATE TABLE IF NOT EXISTS tokens (
			token TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			created DOUBLE PRECISION NOT NULL,
			last_active DOUBLE PRECISION NOT NULL,
			expire DOUBLE PRECISION NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_type ON tokens(type)`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_expire ON tokens(expire)`,
		`CREATE TABLE IF NOT EXISTS metadata (
			id INTEGER PRIMARY KEY,
			status INTEGER NOT NULL DEFAULT 0,
			last_updated DOUBLE PRECISION NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT '',
			in_use INTEGER NOT NULL DEFAULT 0,
			fields TEXT NOT NULL DEFAULT '{}',
			created DOUBLE PRECISION NOT NULL,
			last_updated DOUBLE PRECISION NOT NULL
		)`,
	}

	return s.applyMigration(ctx, 1, statements)
}

// migrateToV2 adds the online_stats singleton for connection peaks.
func (s *Store) migrateToV2(ctx context.Context) error {
	s.logger.Info("applying migration", zap.Int("version", 2))

	statements := []string{
		`CREATE TABLE IF NOT EXISTS online_stats (
			id INTEGER PRIMARY KEY,
			current_day TEXT NOT NULL DEFAULT '',
			peak_today INTEGER NOT NULL DEFAULT 0,
			peak_all_time INTEGER NOT NULL DEFAULT 0
		)`,
	}

	return s.applyMigration(ctx, 2, statements)
}

// applyMigration runs statements and records the version in one transaction.
func (s *Store) applyMigration(ctx context.Context, version int, statements []string) error {
	return s.WithTx(ctx, func(q *Queries) error {
		for _, stmt := range statements {
			if _, err := q.exec(ctx, stmt); err != nil {
				return err
			}
		}
		_, err := q.exec(ctx,
			"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
			version,
			time.Now().Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("record migration: %w", err)
		}
		return nil
	})
}

// Reset drops every table and re-applies all migrations.
// Used by --fresh-start; all credentials, tokens and devices are lost.
func (s *Store) Reset(ctx context.Context) error {
	s.logger.Warn("fresh start requested, dropping all tables")

	for _, table := range tables {
		if _, err := s.exec(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return fmt.Errorf("drop %s: %w", table, err)
		}
	}
	return s.initSchema(ctx)
}
