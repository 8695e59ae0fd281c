package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// exercise runs the shared contract against any Store implementation.
func exercise(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("blobs", func(t *testing.T) {
		if _, err := s.LoadBlob(ctx, "missing.json"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("LoadBlob(missing) error = %v, want ErrNotFound", err)
		}
		if err := s.SaveBlob(ctx, "checkpoints/session.json", `{"v":1}`); err != nil {
			t.Fatalf("SaveBlob: %v", err)
		}
		if err := s.SaveBlob(ctx, "checkpoints/session.json", `{"v":2}`); err != nil {
			t.Fatalf("SaveBlob overwrite: %v", err)
		}
		got, err := s.LoadBlob(ctx, "checkpoints/session.json")
		if err != nil {
			t.Fatalf("LoadBlob: %v", err)
		}
		if got != `{"v":2}` {
			t.Errorf("LoadBlob = %q, want overwritten value", got)
		}
	})

	t.Run("history", func(t *testing.T) {
		if _, err := s.Transitions(ctx, "run-none"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Transitions(unknown) error = %v, want ErrNotFound", err)
		}
		recs := []TransitionRecord{
			{RunID: "run-1", Generation: 0, From: "idle", To: "setup", FromType: "idle", ToType: "setup", Resolved: "setup", Status: "success", Duration: 3 * time.Millisecond},
			{RunID: "run-1", Generation: 1, From: "setup", To: "execute", FromType: "setup", ToType: "execute", Resolved: "error", Status: "error", Error: "boom"},
			{RunID: "run-2", Generation: 0, From: "idle", To: "analyze", FromType: "idle", ToType: "analyze", Resolved: "analyze", Status: "success"},
		}
		for _, rec := range recs {
			if err := s.SaveTransition(ctx, rec); err != nil {
				t.Fatalf("SaveTransition: %v", err)
			}
		}

		got, err := s.Transitions(ctx, "run-1")
		if err != nil {
			t.Fatalf("Transitions: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("got %d records, want 2", len(got))
		}
		if got[0].To != "setup" || got[1].Error != "boom" {
			t.Errorf("records out of order or incomplete: %+v", got)
		}
		if got[0].Duration != 3*time.Millisecond {
			t.Errorf("duration = %v, want 3ms", got[0].Duration)
		}
	})
}

func TestMemStore(t *testing.T) {
	s := NewMemStore()
	exercise(t, s)

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.SaveBlob(context.Background(), "x", "y"); !errors.Is(err, ErrClosed) {
		t.Errorf("SaveBlob after Close error = %v, want ErrClosed", err)
	}
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "stagegraph.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()

	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	exercise(t, s)

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := s.LoadBlob(context.Background(), "checkpoints/session.json"); !errors.Is(err, ErrClosed) {
		t.Errorf("LoadBlob after Close error = %v, want ErrClosed", err)
	}
}

func TestMySQLStore(t *testing.T) {
	dsn := os.Getenv("TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("Skipping MySQL test: set TEST_MYSQL_DSN to run")
	}

	s, err := NewMySQLStore(dsn)
	if err != nil {
		t.Fatalf("NewMySQLStore: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	_, _ = s.db.ExecContext(ctx, "DELETE FROM checkpoint_blobs")
	_, _ = s.db.ExecContext(ctx, "DELETE FROM stage_transitions")
	exercise(t, s)
}

func TestFileStore(t *testing.T) {
	root := t.TempDir()
	fs := NewFileStore(root)
	ctx := context.Background()

	if err := fs.SaveBlob(ctx, "nested/dir/state.txt", "payload"); err != nil {
		t.Fatalf("SaveBlob: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(root, "nested", "dir", "state.txt"))
	if err != nil {
		t.Fatalf("blob not written under root: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("file content = %q", data)
	}

	abs := filepath.Join(t.TempDir(), "abs.txt")
	if err := fs.SaveBlob(ctx, abs, "absolute"); err != nil {
		t.Fatalf("SaveBlob(abs): %v", err)
	}
	got, err := fs.LoadBlob(ctx, abs)
	if err != nil || got != "absolute" {
		t.Errorf("LoadBlob(abs) = %q, %v", got, err)
	}

	if _, err := fs.LoadBlob(ctx, "nope.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("LoadBlob(missing) error = %v, want ErrNotFound", err)
	}

	matches, _ := filepath.Glob(filepath.Join(root, "nested", "dir", "*.tmp"))
	if len(matches) != 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
}
