package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mtzanidakis/sitescope/internal/config"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// WAL lets the API read while the write-behind queue persists runs.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Checkpoint flushes the WAL into the main database file so it can be
// copied consistently.
func (s *Store) Checkpoint() error {
	_, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id           TEXT PRIMARY KEY,
			tenant       TEXT NOT NULL,
			target       TEXT NOT NULL,
			locale       TEXT,
			kinds        TEXT NOT NULL,
			status       TEXT NOT NULL,
			progress     REAL DEFAULT 0,
			error        TEXT,
			failed_kinds TEXT,
			schedule_id  TEXT,
			created_at   DATETIME NOT NULL,
			started_at   DATETIME,
			finished_at  DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_tenant ON runs(tenant, created_at)`,
		`CREATE TABLE IF NOT EXISTS worker_tasks (
			run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			kind        TEXT NOT NULL,
			status      TEXT NOT NULL,
			attempt     INTEGER DEFAULT 0,
			last_error  TEXT,
			started_at  DATETIME,
			finished_at DATETIME,
			PRIMARY KEY (run_id, kind)
		)`,
		`CREATE TABLE IF NOT EXISTS insights (
			run_id          TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			kind            TEXT NOT NULL,
			summary         TEXT,
			recommendations TEXT NOT NULL,
			produced_at     DATETIME NOT NULL,
			PRIMARY KEY (run_id, kind)
		)`,
		`CREATE TABLE IF NOT EXISTS action_plans (
			run_id     TEXT PRIMARY KEY REFERENCES runs(id) ON DELETE CASCADE,
			items      TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id          TEXT PRIMARY KEY,
			tenant      TEXT NOT NULL,
			name        TEXT NOT NULL,
			target      TEXT NOT NULL,
			kinds       TEXT NOT NULL,
			locale      TEXT,
			schedule    TEXT NOT NULL,
			status      TEXT DEFAULT 'active',
			next_run_at DATETIME,
			last_run_at DATETIME,
			last_run_id TEXT,
			last_status TEXT,
			last_error  TEXT,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(status, next_run_at)`,
		`CREATE TABLE IF NOT EXISTS provider_credentials (
			tenant     TEXT NOT NULL,
			provider   TEXT NOT NULL,
			value      BLOB NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (tenant, provider)
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// unmarshalNullable decodes raw into v when raw is set.
func unmarshalNullable(raw sql.NullString, v any) error {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw.String), v)
}
