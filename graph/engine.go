package graph

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/stagegraph/graph/analyze"
	"github.com/dshills/stagegraph/graph/emit"
	"github.com/dshills/stagegraph/graph/state"
	"github.com/dshills/stagegraph/graph/store"
)

// Engine builds a stage plan and runs it once.
//
// The Engine:
//   - augments the declared stages with the framework stages (Idle root,
//     Analyze and Checkpoint when absent, Complete terminal)
//   - binds a transition to every edge from the static transition matrix
//   - runs transition generations in order, concurrently within a generation
//   - routes failed edges to the Error stage without cancelling siblings
//   - emits phase events and records metrics and transition history
//
// Example:
//
//	engine, err := graph.New(stages.Factories(), graph.WithEmitter(emitter))
//	if err != nil {
//	    return err
//	}
//	if err := engine.Assemble(setup, execute, teardown); err != nil {
//	    return err
//	}
//	result, err := engine.Run(ctx)
type Engine struct {
	mu sync.Mutex

	factories Factories
	cfg       engineConfig
	env       *Env

	plan   *Plan
	runner *Runner
	ran    bool
}

// Result is the outcome of a run.
type Result struct {
	RunID    string
	Outcomes []Outcome

	// Failures are the failed edges accumulated by the Error stage.
	Failures []ErrorRecord

	Duration time.Duration

	// Context is the Complete stage's context: everything carried to the end
	// of the graph.
	Context *state.Context
}

// Summaries returns the analyze summaries that reached the end of the graph.
func (r *Result) Summaries() analyze.Summaries {
	if r == nil || r.Context == nil {
		return nil
	}
	s, _ := r.Context.Value(KeySummaries).(analyze.Summaries)
	return s
}

// Failed reports whether any edge failed.
func (r *Result) Failed() bool {
	return len(r.Failures) > 0
}

// New creates an Engine. A nil factories map uses DefaultFactories.
func New(factories Factories, opts ...Option) (*Engine, error) {
	if factories == nil {
		factories = DefaultFactories()
	}
	cfg := engineConfig{}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if cfg.runID == "" {
		cfg.runID = uuid.NewString()
	}
	if cfg.emitter == nil {
		cfg.emitter = emit.NewNullEmitter()
	}
	blobs := cfg.blobs
	if blobs == nil && cfg.store != nil {
		blobs = cfg.store
	}
	if blobs == nil {
		blobs = store.NewFileStore("")
	}

	return &Engine{
		factories: factories,
		cfg:       cfg,
		env: &Env{
			RunID:          cfg.runID,
			Graph:          cfg.graphName,
			Emitter:        cfg.emitter,
			Store:          cfg.store,
			Blobs:          blobs,
			Metrics:        cfg.metrics,
			Workers:        cfg.workers,
			DefaultTimeout: cfg.defaultTimeout,
		},
	}, nil
}

// RunID returns the identifier of the run.
func (e *Engine) RunID() string {
	return e.env.RunID
}

// Env returns the environment bound to every stage.
func (e *Engine) Env() *Env {
	return e.env
}

// Assemble builds the plan for stages and binds its transitions. Structural
// errors (cycles, isolated stages, missing transitions) are returned here and
// nothing runs. Hook registries are sealed once the plan is built.
func (e *Engine) Assemble(stages ...Stage) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.plan != nil {
		return &EngineError{Message: "plan already assembled", Code: "ALREADY_ASSEMBLED"}
	}
	if err := ValidateMatrix(); err != nil {
		return err
	}

	plan, err := Build(stages, e.factories)
	if err != nil {
		return err
	}
	runner, err := NewRunner(plan, e.env)
	if err != nil {
		return err
	}

	for _, s := range plan.Stages() {
		s.Bind(e.env)
		s.Hooks().Seal()
	}
	plan.ErrorStage().Bind(e.env)

	e.plan = plan
	e.runner = runner

	e.env.Emit(-1, "", emit.MsgPlanBuilt, map[string]interface{}{
		"stages":      plan.Len(),
		"generations": len(plan.Generations()),
		"transitions": runner.Groups(),
		"injected":    plan.Injected(),
	})
	return nil
}

// Plan returns the assembled plan, or nil before Assemble.
func (e *Engine) Plan() *Plan {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.plan
}

// Run executes the assembled plan. It can be called once; stage states are
// not reset between runs.
//
// Stage failures do not make Run fail: they are listed in Result.Failures.
// Run returns an error when the plan is not assembled, when it was already
// run, or when ctx is cancelled.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	if e.runner == nil {
		e.mu.Unlock()
		return nil, &EngineError{Message: "no plan assembled (call Assemble before Run)", Code: "NOT_ASSEMBLED"}
	}
	if e.ran {
		e.mu.Unlock()
		return nil, ErrAlreadyRun
	}
	e.ran = true
	plan, runner := e.plan, e.runner
	e.mu.Unlock()

	start := time.Now()
	outcomes, err := runner.Run(ctx)

	res := &Result{
		RunID:    e.env.RunID,
		Outcomes: outcomes,
		Duration: time.Since(start),
		Context:  plan.Complete().Context(),
	}
	if rec, ok := plan.ErrorStage().(ErrorRecorder); ok {
		res.Failures = rec.Records()
	}

	meta := map[string]interface{}{
		"duration_ms": res.Duration.Milliseconds(),
		"transitions": len(outcomes),
		"failures":    len(res.Failures),
	}
	if err != nil {
		meta["error"] = err.Error()
	}
	e.env.Emit(-1, "", emit.MsgRunComplete, meta)
	return res, err
}
