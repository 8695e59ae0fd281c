package graph

import (
	"context"
	"sync"
	"time"

	"github.com/dshills/stagegraph/graph/hook"
)

// Factory constructs a framework stage of one type under the given name.
type Factory func(name string) Stage

// Factories maps stage types to constructors. The plan builder uses it for
// the stages it injects (Idle, Analyze, Checkpoint, Complete) and the engine
// for the Error stage.
type Factories map[StageType]Factory

// DefaultFactories returns constructors producing no-op framework stages and
// a recording Error stage.
func DefaultFactories() Factories {
	noop := func(t StageType, accepted ...hook.Type) Factory {
		return func(name string) Stage {
			return NewFuncStage(name, t, nil, accepted)
		}
	}
	return Factories{
		StageIdle:       noop(StageIdle),
		StageAnalyze:    noop(StageAnalyze, hook.Event, hook.Context, hook.Metric),
		StageCheckpoint: noop(StageCheckpoint, hook.Event, hook.Context, hook.Save, hook.Restore),
		StageComplete:   noop(StageComplete),
		StageError:      func(name string) Stage { return NewErrorStage(name) },
	}
}

// With returns a copy of f with t mapped to fn.
func (f Factories) With(t StageType, fn Factory) Factories {
	out := make(Factories, len(f)+1)
	for k, v := range f {
		out[k] = v
	}
	out[t] = fn
	return out
}

func (f Factories) create(t StageType, name string) (Stage, error) {
	fn, ok := f[t]
	if !ok || fn == nil {
		if def, has := DefaultFactories()[t]; has {
			fn = def
		} else {
			return nil, &EngineError{Message: "no factory for " + t.String() + " stages", Code: "MISSING_FACTORY"}
		}
	}
	s := fn(name)
	if s == nil || s.Type() != t {
		return nil, &EngineError{Message: "factory for " + t.String() + " returned a stage of the wrong type", Code: "BAD_FACTORY"}
	}
	return s, nil
}

// ErrorStage is the framework stage that accumulates failed edges. It is not
// part of the graph; the runner routes failures into it.
type ErrorStage struct {
	*Base

	mu      sync.Mutex
	records []ErrorRecord
}

// NewErrorStage creates an empty ErrorStage.
func NewErrorStage(name string) *ErrorStage {
	return &ErrorStage{Base: NewBase(name, StageError, nil)}
}

// Record appends rec.
func (e *ErrorStage) Record(rec ErrorRecord) {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	e.mu.Lock()
	e.records = append(e.records, rec)
	e.mu.Unlock()
}

// Records returns a copy of the accumulated failures.
func (e *ErrorStage) Records() []ErrorRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ErrorRecord(nil), e.records...)
}

// Run is a no-op; the Error stage only records.
func (e *ErrorStage) Run(context.Context) error {
	return nil
}
