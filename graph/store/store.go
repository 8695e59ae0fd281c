// Package store provides persistence for checkpoint blobs and stage
// transition history.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested blob or run does not exist.
var ErrNotFound = errors.New("not found")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// BlobStore persists opaque text blobs addressed by path. Checkpoint Save and
// Restore hooks go through a BlobStore; no format is imposed on the blob.
type BlobStore interface {
	// SaveBlob stores blob under path, replacing any previous value.
	SaveBlob(ctx context.Context, path string, blob string) error

	// LoadBlob returns the blob stored under path, or ErrNotFound.
	LoadBlob(ctx context.Context, path string) (string, error)
}

// TransitionRecord is one executed transition of a run.
type TransitionRecord struct {
	RunID      string
	Generation int
	From       string
	To         string
	FromType   string
	ToType     string
	Resolved   string
	// Status is "success", "skipped", "error" or "timeout".
	Status   string
	Error    string
	Duration time.Duration
	At       time.Time
}

// HistoryStore keeps the transition history of runs.
type HistoryStore interface {
	// SaveTransition appends rec to its run's history.
	SaveTransition(ctx context.Context, rec TransitionRecord) error

	// Transitions returns the history of runID in insertion order, or
	// ErrNotFound when the run has no recorded transitions.
	Transitions(ctx context.Context, runID string) ([]TransitionRecord, error)
}

// Store combines blob and history persistence.
type Store interface {
	BlobStore
	HistoryStore
	Close() error
}
