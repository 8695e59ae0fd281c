package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// statements holds the dialect specific SQL of a database-backed store.
type statements struct {
	upsertBlob       string
	selectBlob       string
	insertTransition string
	selectHistory    string
}

// sqlDB implements Store on top of database/sql. SQLiteStore and MySQLStore
// embed it and differ only in schema and statements.
type sqlDB struct {
	mu     sync.RWMutex
	db     *sql.DB
	stmts  statements
	closed bool
}

func (s *sqlDB) SaveBlob(ctx context.Context, path string, blob string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := s.db.ExecContext(ctx, s.stmts.upsertBlob, path, blob, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("failed to save blob %s: %w", path, err)
	}
	return nil
}

func (s *sqlDB) LoadBlob(ctx context.Context, path string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", ErrClosed
	}
	var blob string
	err := s.db.QueryRowContext(ctx, s.stmts.selectBlob, path).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load blob %s: %w", path, err)
	}
	return blob, nil
}

func (s *sqlDB) SaveTransition(ctx context.Context, rec TransitionRecord) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.stmts.insertTransition,
		rec.RunID, rec.Generation, rec.From, rec.To, rec.FromType, rec.ToType,
		rec.Resolved, rec.Status, rec.Error, rec.Duration.Milliseconds(), at.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save transition %s -> %s: %w", rec.From, rec.To, err)
	}
	return nil
}

func (s *sqlDB) Transitions(ctx context.Context, runID string) ([]TransitionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, s.stmts.selectHistory, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var out []TransitionRecord
	for rows.Next() {
		var (
			rec        TransitionRecord
			durationMs int64
			atNanos    int64
		)
		if err := rows.Scan(&rec.RunID, &rec.Generation, &rec.From, &rec.To, &rec.FromType, &rec.ToType,
			&rec.Resolved, &rec.Status, &rec.Error, &durationMs, &atNanos); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		rec.At = time.Unix(0, atNanos)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transitions: %w", err)
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// Close closes the database. Calling Close twice is safe.
func (s *sqlDB) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *sqlDB) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}
