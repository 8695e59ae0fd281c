// Package config loads a run file describing engine defaults, persistence
// and per-stage overrides, and converts it into engine options and stage
// configurations.
//
// A run file looks like:
//
//	graph: checkout
//	workers: 8
//	stage_timeout: 10m
//	store:
//	  driver: sqlite
//	  dsn: ./runs.db
//	blobs: ./checkpoints
//	stages:
//	  browse:
//	    batch_size: 50
//	    duration: 2m
//	    rate: 20
//	    tags:
//	      tier: web
//	  report:
//	    timeout: 30s
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dshills/stagegraph/graph"
	"github.com/dshills/stagegraph/graph/stages"
	"github.com/dshills/stagegraph/graph/store"
)

// Store drivers accepted in a run file.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Duration is a time.Duration read from "1m30s" style strings, or from a
// plain number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	v, err := parseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = v
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	v, err := parseDuration(strings.Trim(string(data), `"`))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func parseDuration(s string) (Duration, error) {
	if s == "" {
		return 0, nil
	}
	if dur, err := time.ParseDuration(s); err == nil {
		return Duration(dur), nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return Duration(secs * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("invalid duration %q", s)
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// StoreConfig selects the transition history store.
type StoreConfig struct {
	// Driver is "memory", "sqlite" or "mysql". Empty disables history.
	Driver string `yaml:"driver" json:"driver"`

	// DSN is the SQLite path or the MySQL data source name.
	DSN string `yaml:"dsn" json:"dsn"`
}

// Stage holds the overrides of one stage.
type Stage struct {
	Timeout Duration          `yaml:"timeout" json:"timeout"`
	Workers int               `yaml:"workers" json:"workers"`
	Tags    map[string]string `yaml:"tags" json:"tags"`

	// Execute stages only.
	BatchSize int      `yaml:"batch_size" json:"batch_size"`
	Batches   int      `yaml:"batches" json:"batches"`
	Duration  Duration `yaml:"duration" json:"duration"`
	Rate      float64  `yaml:"rate" json:"rate"`
}

// File is a parsed run file.
type File struct {
	Graph        string           `yaml:"graph" json:"graph"`
	RunID        string           `yaml:"run_id" json:"run_id"`
	Workers      int              `yaml:"workers" json:"workers"`
	StageTimeout Duration         `yaml:"stage_timeout" json:"stage_timeout"`
	Store        StoreConfig      `yaml:"store" json:"store"`
	Blobs        string           `yaml:"blobs" json:"blobs"`
	Stages       map[string]Stage `yaml:"stages" json:"stages"`
}

// Load reads a run file. The format follows the extension: .yaml, .yml or
// .json.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var f File
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (use .yaml, .yml, or .json)", ext)
	}

	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Parse decodes a YAML run file held in memory.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks value ranges and the store driver.
func (f *File) Validate() error {
	if f.Workers < 0 {
		return fmt.Errorf("%w: workers must not be negative", ErrInvalidConfig)
	}
	if f.StageTimeout < 0 {
		return fmt.Errorf("%w: stage_timeout must not be negative", ErrInvalidConfig)
	}
	switch f.Store.Driver {
	case "", DriverMemory:
	case DriverSQLite, DriverMySQL:
		if f.Store.DSN == "" {
			return fmt.Errorf("%w: store driver %s requires a dsn", ErrInvalidConfig, f.Store.Driver)
		}
	default:
		return fmt.Errorf("%w: unknown store driver %q", ErrInvalidConfig, f.Store.Driver)
	}
	for name, s := range f.Stages {
		if s.Timeout < 0 || s.Duration < 0 {
			return fmt.Errorf("%w: stage %s: durations must not be negative", ErrInvalidConfig, name)
		}
		if s.Workers < 0 || s.BatchSize < 0 || s.Batches < 0 || s.Rate < 0 {
			return fmt.Errorf("%w: stage %s: counts must not be negative", ErrInvalidConfig, name)
		}
	}
	return nil
}

// OpenStore opens the configured history store, or returns nil when none is
// configured. The caller closes it.
func (f *File) OpenStore() (store.Store, error) {
	switch f.Store.Driver {
	case "":
		return nil, nil
	case DriverMemory:
		return store.NewMemStore(), nil
	case DriverSQLite:
		st, err := store.NewSQLiteStore(f.Store.DSN)
		if err != nil {
			return nil, err
		}
		return st, nil
	case DriverMySQL:
		st, err := store.NewMySQLStore(f.Store.DSN)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	return nil, fmt.Errorf("%w: unknown store driver %q", ErrInvalidConfig, f.Store.Driver)
}

// Options converts the engine-wide settings into engine options. st is the
// store returned by OpenStore and may be nil.
func (f *File) Options(st store.Store) []graph.Option {
	var opts []graph.Option
	if f.RunID != "" {
		opts = append(opts, graph.WithRunID(f.RunID))
	}
	if f.Graph != "" {
		opts = append(opts, graph.WithGraphName(f.Graph))
	}
	if f.Workers > 0 {
		opts = append(opts, graph.WithWorkers(f.Workers))
	}
	if f.StageTimeout > 0 {
		opts = append(opts, graph.WithDefaultStageTimeout(f.StageTimeout.Std()))
	}
	if st != nil {
		opts = append(opts, graph.WithStore(st))
	}
	if f.Blobs != "" {
		opts = append(opts, graph.WithBlobStore(store.NewFileStore(f.Blobs)))
	}
	return opts
}

// StageConfig returns the stage configuration for name. Stages without an
// entry get the zero Config.
func (f *File) StageConfig(name string) graph.Config {
	s := f.Stages[name]
	return graph.Config{Timeout: s.Timeout.Std(), Workers: s.Workers, Tags: s.Tags}
}

// ExecuteConfig returns the execution settings for the execute stage name.
func (f *File) ExecuteConfig(name string) stages.ExecuteConfig {
	s := f.Stages[name]
	return stages.ExecuteConfig{
		BatchSize: s.BatchSize,
		Batches:   s.Batches,
		Duration:  s.Duration.Std(),
		Rate:      s.Rate,
	}
}
