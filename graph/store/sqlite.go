package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists blobs and transition history in a single SQLite file.
//
// Suited to local runs and tests (":memory:" works). WAL mode is enabled so
// history can be read while a run is writing it.
//
// Schema:
//   - checkpoint_blobs: one row per checkpoint path
//   - stage_transitions: append-only transition history
type SQLiteStore struct {
	sqlDB
	path string
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{
		sqlDB: sqlDB{
			db: db,
			stmts: statements{
				upsertBlob: `INSERT INTO checkpoint_blobs (path, content, updated_at) VALUES (?, ?, ?)
					ON CONFLICT(path) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
				selectBlob: `SELECT content FROM checkpoint_blobs WHERE path = ?`,
				insertTransition: `INSERT INTO stage_transitions
					(run_id, generation, from_stage, to_stage, from_type, to_type, resolved, status, error, duration_ms, created_at)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				selectHistory: `SELECT run_id, generation, from_stage, to_stage, from_type, to_type, resolved, status, error, duration_ms, created_at
					FROM stage_transitions WHERE run_id = ? ORDER BY id`,
			},
		},
		path: path,
	}

	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS checkpoint_blobs (
			path TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS stage_transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			generation INTEGER NOT NULL,
			from_stage TEXT NOT NULL,
			to_stage TEXT NOT NULL,
			from_type TEXT NOT NULL,
			to_type TEXT NOT NULL,
			resolved TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stage_transitions_run ON stage_transitions(run_id, id)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}
