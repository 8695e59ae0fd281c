package graph

import (
	"fmt"
	"time"

	"github.com/dshills/stagegraph/graph/emit"
	"github.com/dshills/stagegraph/graph/store"
)

// Option is a functional option for configuring an Engine.
//
// Example:
//
//	engine, err := graph.New(stages.Factories(),
//	    graph.WithGraphName("checkout"),
//	    graph.WithEmitter(emit.NewLogEmitter(logger)),
//	    graph.WithDefaultStageTimeout(2*time.Minute),
//	)
type Option func(*engineConfig) error

// engineConfig collects options before they are applied to an Engine.
type engineConfig struct {
	runID          string
	graphName      string
	emitter        emit.Emitter
	store          store.Store
	blobs          store.BlobStore
	metrics        *PrometheusMetrics
	defaultTimeout time.Duration
	workers        int
}

// WithRunID sets the run identifier. Default: a random UUID.
func WithRunID(id string) Option {
	return func(cfg *engineConfig) error {
		if id == "" {
			return &EngineError{Message: "run id cannot be empty", Code: "INVALID_OPTION"}
		}
		cfg.runID = id
		return nil
	}
}

// WithGraphName names the workload. It is attached to analyze batches and
// events.
func WithGraphName(name string) Option {
	return func(cfg *engineConfig) error {
		cfg.graphName = name
		return nil
	}
}

// WithEmitter sets the event sink. Default: emit.NullEmitter.
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *engineConfig) error {
		cfg.emitter = e
		return nil
	}
}

// WithStore persists the transition history of the run. When no blob store
// is set separately, checkpoints are written to the same store.
func WithStore(s store.Store) Option {
	return func(cfg *engineConfig) error {
		cfg.store = s
		return nil
	}
}

// WithBlobStore sets where Save and Restore hooks keep checkpoint blobs.
// Default: the filesystem, with paths taken as given.
func WithBlobStore(b store.BlobStore) Option {
	return func(cfg *engineConfig) error {
		cfg.blobs = b
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection.
//
// Example:
//
//	registry := prometheus.NewRegistry()
//	metrics := graph.NewPrometheusMetrics(registry)
//	engine, _ := graph.New(stages.Factories(), graph.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
func WithMetrics(metrics *PrometheusMetrics) Option {
	return func(cfg *engineConfig) error {
		cfg.metrics = metrics
		return nil
	}
}

// WithDefaultStageTimeout bounds the run of every stage that does not set
// its own Config.Timeout. Default: 0 (no timeout).
//
// When exceeded, the stage's run is abandoned and the edge fails with
// *StageTimeoutError.
func WithDefaultStageTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		if d < 0 {
			return &EngineError{Message: fmt.Sprintf("negative stage timeout %v", d), Code: "INVALID_OPTION"}
		}
		cfg.defaultTimeout = d
		return nil
	}
}

// WithWorkers sets the default worker count for stages that run worker
// pools. Default: 0, meaning one worker per CPU.
func WithWorkers(n int) Option {
	return func(cfg *engineConfig) error {
		if n < 0 {
			return &EngineError{Message: fmt.Sprintf("negative worker count %d", n), Code: "INVALID_OPTION"}
		}
		cfg.workers = n
		return nil
	}
}
