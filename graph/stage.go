// Package graph provides the stage graph engine: stage types and states, the
// plan builder, the transition matrix and the generation runner.
package graph

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/stagegraph/graph/emit"
	"github.com/dshills/stagegraph/graph/hook"
	"github.com/dshills/stagegraph/graph/state"
	"github.com/dshills/stagegraph/graph/store"
)

// StageType is the closed set of stage kinds.
type StageType int

const (
	StageIdle StageType = iota
	StageSetup
	StageExecute
	StageAnalyze
	StageCheckpoint
	StageSubmit
	StageWait
	StageTeardown
	StageComplete
	StageError

	numStageTypes
)

var stageTypeNames = [numStageTypes]string{
	StageIdle:       "idle",
	StageSetup:      "setup",
	StageExecute:    "execute",
	StageAnalyze:    "analyze",
	StageCheckpoint: "checkpoint",
	StageSubmit:     "submit",
	StageWait:       "wait",
	StageTeardown:   "teardown",
	StageComplete:   "complete",
	StageError:      "error",
}

func (t StageType) String() string {
	if t < 0 || t >= numStageTypes {
		return fmt.Sprintf("stage_type(%d)", int(t))
	}
	return stageTypeNames[t]
}

// ParseStageType maps a lowercase stage type name to its StageType.
func ParseStageType(name string) (StageType, error) {
	for i, n := range stageTypeNames {
		if n == name {
			return StageType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown stage type %q", name)
}

// StageState is the lifecycle state of a stage.
type StageState int32

const (
	StateInitialized StageState = iota
	StateIdle
	StateSettingUp
	StateSetup
	StateExecuting
	StateExecuted
	StateAnalyzing
	StateAnalyzed
	StateCheckpointing
	StateCheckpointed
	StateSubmitting
	StateSubmitted
	StateWaiting
	StateWaited
	StateTeardownInitialized
	StateTeardownComplete
	StateComplete
	StateError
)

var stateNames = map[StageState]string{
	StateInitialized:         "initialized",
	StateIdle:                "idle",
	StateSettingUp:           "setting_up",
	StateSetup:               "setup",
	StateExecuting:           "executing",
	StateExecuted:            "executed",
	StateAnalyzing:           "analyzing",
	StateAnalyzed:            "analyzed",
	StateCheckpointing:       "checkpointing",
	StateCheckpointed:        "checkpointed",
	StateSubmitting:          "submitting",
	StateSubmitted:           "submitted",
	StateWaiting:             "waiting",
	StateWaited:              "waited",
	StateTeardownInitialized: "teardown_initialized",
	StateTeardownComplete:    "teardown_complete",
	StateComplete:            "complete",
	StateError:               "error",
}

func (s StageState) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("stage_state(%d)", int32(s))
}

// Config is the immutable per-stage configuration. Each stage instance owns
// its own copy.
type Config struct {
	// Timeout bounds the stage's run, including its hook dispatch.
	// Zero falls back to the engine default.
	Timeout time.Duration

	// Workers sizes worker pools inside the stage. Zero means one worker per
	// available CPU.
	Workers int

	Tags map[string]string
}

// Env is the run-wide environment bound to every stage when a plan is
// assembled.
type Env struct {
	RunID   string
	Graph   string
	Emitter emit.Emitter
	Store   store.Store
	Blobs   store.BlobStore
	Metrics *PrometheusMetrics

	// Workers is the default worker count for stages that do not set one.
	Workers int

	// DefaultTimeout applies to stages whose Config.Timeout is zero.
	DefaultTimeout time.Duration
}

// Emit sends a stage-scoped event. It is safe to call on a nil Env.
func (e *Env) Emit(generation int, stage, msg string, meta map[string]interface{}) {
	if e == nil || e.Emitter == nil {
		return
	}
	e.Emitter.Emit(emit.Event{RunID: e.RunID, Generation: generation, Stage: stage, Msg: msg, Meta: meta})
}

// Stage is a typed unit of work in the graph.
//
// State is advisory to the scheduler: transitions compare-and-swap it to
// decide whether a stage still has to run. Run holds every side effect.
// Done, Finish and Err form a completion latch so that several transitions
// leaving the same stage share its single run.
type Stage interface {
	Name() string
	Type() StageType
	State() StageState
	SetState(StageState)
	CompareAndSwapState(old, next StageState) bool
	Dependencies() []string
	Hooks() *hook.Registry
	Context() *state.Context
	Config() Config
	Bind(env *Env)
	Env() *Env
	Done() <-chan struct{}
	Finish(err error)
	Err() error

	// Run performs the stage's work. It must honour ctx cancellation.
	Run(ctx context.Context) error
}

// Base implements every Stage method except Run. Concrete stages embed it.
type Base struct {
	name   string
	typ    StageType
	deps   []string
	hooks  *hook.Registry
	cfg    Config
	status atomic.Int32

	mu  sync.Mutex
	ctx *state.Context
	env *Env

	done     chan struct{}
	doneOnce sync.Once
	err      error
}

// BaseOption configures a Base.
type BaseOption func(*Base)

// WithDependencies declares the stages that must precede this one.
func WithDependencies(names ...string) BaseOption {
	return func(b *Base) { b.deps = append(b.deps, names...) }
}

// WithConfig sets the stage configuration.
func WithConfig(cfg Config) BaseOption {
	return func(b *Base) {
		tags := make(map[string]string, len(cfg.Tags))
		for k, v := range cfg.Tags {
			tags[k] = v
		}
		cfg.Tags = tags
		b.cfg = cfg
	}
}

// NewBase creates a Base accepting the given hook types.
func NewBase(name string, typ StageType, accepted []hook.Type, opts ...BaseOption) *Base {
	b := &Base{
		name:  name,
		typ:   typ,
		hooks: hook.NewRegistry(name, accepted...),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Base) Name() string           { return b.name }
func (b *Base) Type() StageType        { return b.typ }
func (b *Base) Dependencies() []string { return append([]string(nil), b.deps...) }
func (b *Base) Hooks() *hook.Registry  { return b.hooks }
func (b *Base) Config() Config         { return b.cfg }

func (b *Base) State() StageState {
	return StageState(b.status.Load())
}

func (b *Base) SetState(s StageState) {
	b.status.Store(int32(s))
}

func (b *Base) CompareAndSwapState(old, next StageState) bool {
	return b.status.CompareAndSwap(int32(old), int32(next))
}

// Context returns the stage's context, creating it on first use.
func (b *Base) Context() *state.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx == nil {
		b.ctx = state.New()
	}
	return b.ctx
}

func (b *Base) Bind(env *Env) {
	b.mu.Lock()
	b.env = env
	b.mu.Unlock()
}

func (b *Base) Env() *Env {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.env
}

func (b *Base) Done() <-chan struct{} {
	return b.done
}

// Finish records the run outcome and releases waiters. Only the first call
// has an effect.
func (b *Base) Finish(err error) {
	b.doneOnce.Do(func() {
		b.mu.Lock()
		b.err = err
		b.mu.Unlock()
		close(b.done)
	})
}

func (b *Base) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Emit sends an event scoped to this stage through the bound environment.
func (b *Base) Emit(msg string, meta map[string]interface{}) {
	b.Env().Emit(-1, b.name, msg, meta)
}

// Workers resolves the worker count from the stage config and environment.
func (b *Base) Workers() int {
	if b.cfg.Workers > 0 {
		return b.cfg.Workers
	}
	if env := b.Env(); env != nil && env.Workers > 0 {
		return env.Workers
	}
	return 0
}

// RunFunc is the body of a FuncStage.
type RunFunc func(ctx context.Context, b *Base) error

// FuncStage adapts a function into a Stage.
//
// Example:
//
//	warmup := graph.NewFuncStage("warmup", graph.StageWait, func(ctx context.Context, b *graph.Base) error {
//	    b.Context().Set("warm", true)
//	    return nil
//	}, nil, graph.WithDependencies("setup"))
type FuncStage struct {
	*Base
	run RunFunc
}

// NewFuncStage creates a stage whose Run calls run. A nil run is a no-op.
func NewFuncStage(name string, typ StageType, run RunFunc, accepted []hook.Type, opts ...BaseOption) *FuncStage {
	return &FuncStage{Base: NewBase(name, typ, accepted, opts...), run: run}
}

// Run calls the wrapped function.
func (s *FuncStage) Run(ctx context.Context) error {
	if s.run == nil {
		return nil
	}
	return s.run(ctx, s.Base)
}
