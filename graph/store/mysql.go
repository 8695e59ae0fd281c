package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore persists blobs and transition history in MySQL or MariaDB, for
// runs whose checkpoints must be shared between machines.
//
// The DSN follows the go-sql-driver format:
//
//	user:password@tcp(localhost:3306)/stagegraph
//
// Keep credentials out of source code; read the DSN from the environment.
type MySQLStore struct {
	sqlDB
}

// NewMySQLStore connects to dsn and creates the schema if needed.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	m := &MySQLStore{
		sqlDB: sqlDB{
			db: db,
			stmts: statements{
				upsertBlob: `INSERT INTO checkpoint_blobs (path, content, updated_at) VALUES (?, ?, ?)
					ON DUPLICATE KEY UPDATE content = VALUES(content), updated_at = VALUES(updated_at)`,
				selectBlob: `SELECT content FROM checkpoint_blobs WHERE path = ?`,
				insertTransition: `INSERT INTO stage_transitions
					(run_id, generation, from_stage, to_stage, from_type, to_type, resolved, status, error, duration_ms, created_at)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				selectHistory: `SELECT run_id, generation, from_stage, to_stage, from_type, to_type, resolved, status, error, duration_ms, created_at
					FROM stage_transitions WHERE run_id = ? ORDER BY id`,
			},
		},
	}

	if err := m.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return m, nil
}

func (m *MySQLStore) createTables(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS checkpoint_blobs (
			path VARCHAR(512) NOT NULL PRIMARY KEY,
			content LONGTEXT NOT NULL,
			updated_at BIGINT NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS stage_transitions (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			run_id VARCHAR(255) NOT NULL,
			generation INT NOT NULL,
			from_stage VARCHAR(255) NOT NULL,
			to_stage VARCHAR(255) NOT NULL,
			from_type VARCHAR(32) NOT NULL,
			to_type VARCHAR(32) NOT NULL,
			resolved VARCHAR(32) NOT NULL,
			status VARCHAR(16) NOT NULL,
			error TEXT NOT NULL,
			duration_ms BIGINT NOT NULL,
			created_at BIGINT NOT NULL,
			INDEX idx_stage_transitions_run (run_id, id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	}
	for _, stmt := range schema {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns connection pool statistics.
func (m *MySQLStore) Stats() sql.DBStats {
	return m.db.Stats()
}
