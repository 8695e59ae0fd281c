package store

import (
	"context"
	"sync"
)

// MemStore keeps blobs and history in memory. It is safe for concurrent use
// and intended for tests and single-process runs.
type MemStore struct {
	mu          sync.RWMutex
	blobs       map[string]string
	transitions map[string][]TransitionRecord
	closed      bool
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		blobs:       make(map[string]string),
		transitions: make(map[string][]TransitionRecord),
	}
}

// SaveBlob stores blob under path.
func (m *MemStore) SaveBlob(_ context.Context, path string, blob string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.blobs[path] = blob
	return nil
}

// LoadBlob returns the blob stored under path.
func (m *MemStore) LoadBlob(_ context.Context, path string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return "", ErrClosed
	}
	blob, ok := m.blobs[path]
	if !ok {
		return "", ErrNotFound
	}
	return blob, nil
}

// SaveTransition appends rec to its run.
func (m *MemStore) SaveTransition(_ context.Context, rec TransitionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.transitions[rec.RunID] = append(m.transitions[rec.RunID], rec)
	return nil
}

// Transitions returns a copy of the history of runID.
func (m *MemStore) Transitions(_ context.Context, runID string) ([]TransitionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	recs, ok := m.transitions[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]TransitionRecord(nil), recs...), nil
}

// Close marks the store closed. Subsequent calls fail with ErrClosed.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
