// Package persistence stores the audit trail, policy versions and cron fire
// history in SQLite. Job records stay in memory.
package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// DBFile is the database file name inside the hostbridge home.
const DBFile = "hostbridge.db"

// ErrSchemaTooNew means the file was written by a newer hostbridge.
var ErrSchemaTooNew = errors.New("schema newer than this build supports")

// migration is one append-only schema step. Applied steps are pinned by
// checksum, so editing one after release makes Open fail.
type migration struct {
	version int
	name    string
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "audit trail",
		stmts: []string{
			`CREATE TABLE audit_log (
				audit_id       INTEGER PRIMARY KEY AUTOINCREMENT,
				trace_id       TEXT,
				subject        TEXT,
				action         TEXT NOT NULL,
				decision       TEXT NOT NULL,
				reason         TEXT,
				policy_version TEXT,
				created_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE INDEX idx_audit_log_created ON audit_log(created_at)`,
			`CREATE INDEX idx_audit_log_action ON audit_log(action, decision)`,
			`CREATE TABLE policy_versions (
				policy_version TEXT PRIMARY KEY,
				checksum       TEXT NOT NULL,
				loaded_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				source         TEXT
			)`,
		},
	},
	{
		version: 2,
		name:    "cron fire history",
		stmts: []string{
			`CREATE TABLE schedule_runs (
				run_id        INTEGER PRIMARY KEY AUTOINCREMENT,
				schedule_name TEXT NOT NULL,
				suite         TEXT NOT NULL,
				job_id        TEXT,
				error         TEXT,
				fired_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE INDEX idx_schedule_runs_name ON schedule_runs(schedule_name, fired_at)`,
		},
	},
}

func (m migration) checksum() string {
	h := sha256.New()
	fmt.Fprintf(h, "%d:%s\n", m.version, m.name)
	for _, s := range m.stmts {
		h.Write([]byte(strings.Join(strings.Fields(s), " ")))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// LatestSchemaVersion is the version a freshly opened store ends up at.
func LatestSchemaVersion() int { return migrations[len(migrations)-1].version }

type Store struct {
	db *sql.DB
}

// DefaultDBPath resolves DBFile under $HOSTBRIDGE_HOME, falling back to
// ~/.hostbridge.
func DefaultDBPath() string {
	if home := os.Getenv("HOSTBRIDGE_HOME"); home != "" {
		return filepath.Join(home, DBFile)
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".hostbridge", DBFile)
}

// Open opens (creating if needed) the database at path and brings its schema
// up to date. An empty path means DefaultDBPath.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL&_synchronous=FULL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	// One writer keeps WAL checkpoints and busy handling predictable.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// SchemaVersion returns the highest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v)
	return v, err
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		checksum   TEXT NOT NULL,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied, err := s.appliedMigrations(ctx)
	if err != nil {
		return err
	}
	latest := LatestSchemaVersion()
	for v := range applied {
		if v > latest {
			return fmt.Errorf("db schema version %d: %w (max %d)", v, ErrSchemaTooNew, latest)
		}
	}

	for _, m := range migrations {
		sum, ok := applied[m.version]
		if ok {
			if sum != m.checksum() {
				return fmt.Errorf("schema checksum mismatch for version %d (%s): got %q want %q", m.version, m.name, sum, m.checksum())
			}
			continue
		}
		if err := s.apply(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) appliedMigrations(ctx context.Context) (map[int]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	defer rows.Close()
	out := make(map[int]string)
	for rows.Next() {
		var v int
		var sum string
		if err := rows.Scan(&v, &sum); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		out[v] = sum
	}
	return out, rows.Err()
}

func (s *Store) apply(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.version, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range m.stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?)`, m.version, m.checksum()); err != nil {
		return fmt.Errorf("record migration %d: %w", m.version, err)
	}
	return tx.Commit()
}

// RecordPolicyVersion upserts a loaded policy; reloading the same version
// refreshes loaded_at and source.
func (s *Store) RecordPolicyVersion(ctx context.Context, policyVersion, checksum, source string) error {
	return defaultBusyRetry.do(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO policy_versions (policy_version, checksum, source) VALUES (?, ?, ?)
			ON CONFLICT(policy_version) DO UPDATE SET loaded_at = CURRENT_TIMESTAMP, source = excluded.source`,
			policyVersion, checksum, source)
		if err != nil {
			return fmt.Errorf("record policy version: %w", err)
		}
		return nil
	})
}

// Backup writes a consistent copy of the live database to destPath, which
// must not exist yet.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if destPath == "" {
		return errors.New("backup destination path required")
	}
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("backup destination already exists: %s", destPath)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, destPath); err != nil {
		return fmt.Errorf("vacuum into %s: %w", destPath, err)
	}
	return nil
}
