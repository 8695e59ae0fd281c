package graph

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dshills/stagegraph/graph/emit"
	"github.com/dshills/stagegraph/graph/store"
)

// TestFunctionalOptionsPattern verifies that functional options configure
// the environment bound to every stage.
func TestFunctionalOptionsPattern(t *testing.T) {
	hist := store.NewMemStore()
	blobs := store.NewMemStore()
	emitter := emit.NewBufferedEmitter()
	metrics := NewPrometheusMetrics(prometheus.NewRegistry())

	tests := []struct {
		name     string
		options  []Option
		validate func(*testing.T, *Env)
	}{
		{
			name:    "WithRunID sets RunID",
			options: []Option{WithRunID("nightly-42")},
			validate: func(t *testing.T, env *Env) {
				if env.RunID != "nightly-42" {
					t.Errorf("RunID = %q, want nightly-42", env.RunID)
				}
			},
		},
		{
			name:    "default RunID is generated",
			options: nil,
			validate: func(t *testing.T, env *Env) {
				if len(env.RunID) != 36 {
					t.Errorf("RunID = %q, want a UUID", env.RunID)
				}
			},
		},
		{
			name:    "WithGraphName sets Graph",
			options: []Option{WithGraphName("checkout")},
			validate: func(t *testing.T, env *Env) {
				if env.Graph != "checkout" {
					t.Errorf("Graph = %q, want checkout", env.Graph)
				}
			},
		},
		{
			name:    "WithEmitter sets Emitter",
			options: []Option{WithEmitter(emitter)},
			validate: func(t *testing.T, env *Env) {
				if env.Emitter != emitter {
					t.Error("Emitter not set")
				}
			},
		},
		{
			name:    "default Emitter is null",
			options: nil,
			validate: func(t *testing.T, env *Env) {
				if _, ok := env.Emitter.(*emit.NullEmitter); !ok {
					t.Errorf("Emitter = %T, want *emit.NullEmitter", env.Emitter)
				}
			},
		},
		{
			name:    "WithStore also stores blobs",
			options: []Option{WithStore(hist)},
			validate: func(t *testing.T, env *Env) {
				if env.Store != hist || env.Blobs != hist {
					t.Error("store not used for history and blobs")
				}
			},
		},
		{
			name:    "WithBlobStore overrides blobs",
			options: []Option{WithStore(hist), WithBlobStore(blobs)},
			validate: func(t *testing.T, env *Env) {
				if env.Store != hist || env.Blobs != blobs {
					t.Error("blob store not kept separate")
				}
			},
		},
		{
			name:    "default blobs use the filesystem",
			options: nil,
			validate: func(t *testing.T, env *Env) {
				if _, ok := env.Blobs.(*store.FileStore); !ok {
					t.Errorf("Blobs = %T, want *store.FileStore", env.Blobs)
				}
			},
		},
		{
			name:    "WithMetrics sets Metrics",
			options: []Option{WithMetrics(metrics)},
			validate: func(t *testing.T, env *Env) {
				if env.Metrics != metrics {
					t.Error("Metrics not set")
				}
			},
		},
		{
			name:    "WithDefaultStageTimeout sets DefaultTimeout",
			options: []Option{WithDefaultStageTimeout(90 * time.Second)},
			validate: func(t *testing.T, env *Env) {
				if env.DefaultTimeout != 90*time.Second {
					t.Errorf("DefaultTimeout = %v, want 90s", env.DefaultTimeout)
				}
			},
		},
		{
			name:    "WithWorkers sets Workers",
			options: []Option{WithWorkers(8)},
			validate: func(t *testing.T, env *Env) {
				if env.Workers != 8 {
					t.Errorf("Workers = %d, want 8", env.Workers)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := New(nil, tt.options...)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			tt.validate(t, e.Env())
		})
	}
}

func TestOptionValidation(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
	}{
		{"empty run id", WithRunID("")},
		{"negative timeout", WithDefaultStageTimeout(-time.Second)},
		{"negative workers", WithWorkers(-1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(nil, tt.opt); !hasCode(err, "INVALID_OPTION") {
				t.Errorf("New() error = %v, want INVALID_OPTION", err)
			}
		})
	}
}

func TestStageWorkers(t *testing.T) {
	s := NewFuncStage("exec", StageExecute, nil, nil, WithConfig(Config{Workers: 3}))
	if s.Workers() != 3 {
		t.Errorf("Workers() = %d, want 3", s.Workers())
	}
	d := NewFuncStage("exec", StageExecute, nil, nil)
	if d.Workers() != 0 {
		t.Errorf("unbound Workers() = %d, want 0", d.Workers())
	}
	d.Bind(&Env{Workers: 6})
	if d.Workers() != 6 {
		t.Errorf("Workers() = %d, want 6 from env", d.Workers())
	}
}
