// Package hook defines hook descriptors, the per-stage hook registry and the
// wave dispatcher that runs a chain of hooks as a dependency graph.
package hook

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Type identifies the contract a hook fulfils.
type Type int

const (
	Action Type = iota
	Event
	Context
	Check
	Before
	After
	Metric
	Task
	Setup
	Teardown
	Save
	Restore
	Condition
	Transform
)

var typeNames = [...]string{
	Action:    "action",
	Event:     "event",
	Context:   "context",
	Check:     "check",
	Before:    "before",
	After:     "after",
	Metric:    "metric",
	Task:      "task",
	Setup:     "setup",
	Teardown:  "teardown",
	Save:      "save",
	Restore:   "restore",
	Condition: "condition",
	Transform: "transform",
}

func (t Type) String() string {
	if t < 0 || int(t) >= len(typeNames) {
		return fmt.Sprintf("hook_type(%d)", int(t))
	}
	return typeNames[t]
}

// ParseType maps a lowercase hook type name back to its Type.
func ParseType(name string) (Type, error) {
	for i, n := range typeNames {
		if n == name {
			return Type(i), nil
		}
	}
	return 0, fmt.Errorf("unknown hook type %q", name)
}

// Metric types accepted by Metric hooks.
const (
	MetricCount        = "count"
	MetricRate         = "rate"
	MetricDistribution = "distribution"
	MetricSample       = "sample"
)

var (
	// ErrHookTypeNotAccepted is returned when a hook is registered on a stage
	// that does not accept its type.
	ErrHookTypeNotAccepted = errors.New("hook type not accepted by stage")

	// ErrInvalidHook is returned by Validate for malformed descriptors.
	ErrInvalidHook = errors.New("invalid hook")
)

// Args are the named inputs and merged outputs flowing through a hook chain.
type Args map[string]any

// Clone returns a shallow copy of a.
func (a Args) Clone() Args {
	out := make(Args, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Filter returns the subset of a named by params. A nil params slice
// accepts everything.
func (a Args) Filter(params []string) Args {
	if params == nil {
		return a.Clone()
	}
	out := make(Args, len(params))
	for _, p := range params {
		if v, ok := a[p]; ok {
			out[p] = v
		}
	}
	return out
}

// Func is the callable body of a hook.
//
// A Func returning Args (or map[string]any) has its mapping merged into the
// running kwargs. Any other non-nil value is stored under the hook's Key, or
// under its short name when no key is declared.
type Func func(ctx context.Context, args Args) (any, error)

// Metadata carries scheduling and reporting hints.
type Metadata struct {
	Weight int
	Order  int
	Tags   []string
	// Pre marks an Event hook that runs before the main body of a Checkpoint
	// or Teardown stage rather than after it.
	Pre bool
}

// Hook describes one named unit of behaviour attached to a stage.
type Hook struct {
	ID        string
	Name      string
	ShortName string
	Type      Type
	Stage     string
	Group     string

	// DependsOn lists the short names of hooks whose output this hook consumes.
	DependsOn []string

	// Names lists the action short names a Check, Before or After hook wraps.
	Names []string

	// Params restricts the kwargs passed to Call. Nil accepts all.
	Params []string

	Key        string
	Path       string
	MetricType string
	Metadata   Metadata

	Call Func
}

// Option configures a Hook built by New.
type Option func(*Hook)

// New builds a hook descriptor owned by stage.
func New(stage, shortName string, t Type, call Func, opts ...Option) *Hook {
	h := &Hook{
		ID:        uuid.NewString(),
		Name:      stage + "." + shortName,
		ShortName: shortName,
		Type:      t,
		Stage:     stage,
		Call:      call,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// WithDependsOn declares predecessor hooks by short name.
func WithDependsOn(names ...string) Option {
	return func(h *Hook) { h.DependsOn = append(h.DependsOn, names...) }
}

// WithNames binds a Check, Before or After hook to actions by short name.
func WithNames(names ...string) Option {
	return func(h *Hook) { h.Names = append(h.Names, names...) }
}

// WithParams limits the inputs the hook receives.
func WithParams(params ...string) Option {
	return func(h *Hook) { h.Params = append([]string{}, params...) }
}

// WithKey sets the output or context key.
func WithKey(key string) Option {
	return func(h *Hook) { h.Key = key }
}

// WithPath sets the file path used by Save and Restore hooks.
func WithPath(path string) Option {
	return func(h *Hook) { h.Path = path }
}

// WithGroup sets the grouping tag.
func WithGroup(group string) Option {
	return func(h *Hook) { h.Group = group }
}

// WithMetricType sets the metric type of a Metric hook.
func WithMetricType(metricType string) Option {
	return func(h *Hook) { h.MetricType = metricType }
}

// WithMetadata sets weight, order, tags and the pre flag.
func WithMetadata(m Metadata) Option {
	return func(h *Hook) { h.Metadata = m }
}

// Validate checks the descriptor against the contract of its type.
func (h *Hook) Validate() error {
	if h.ShortName == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidHook)
	}
	if h.Call == nil {
		return fmt.Errorf("%w: %s has no callable", ErrInvalidHook, h.Name)
	}

	switch h.Type {
	case Metric:
		switch h.MetricType {
		case MetricCount, MetricRate, MetricDistribution, MetricSample:
		default:
			return fmt.Errorf("%w: metric hook %s has invalid metric type %q", ErrInvalidHook, h.Name, h.MetricType)
		}
		if h.Group == "" {
			return fmt.Errorf("%w: metric hook %s requires a group", ErrInvalidHook, h.Name)
		}
	case Save, Restore:
		if h.Key == "" || h.Path == "" {
			return fmt.Errorf("%w: %s hook %s requires a key and a path", ErrInvalidHook, h.Type, h.Name)
		}
	case Context:
		if h.Key == "" {
			return fmt.Errorf("%w: context hook %s requires a key", ErrInvalidHook, h.Name)
		}
	case Check, Before, After:
		if len(h.Names) == 0 {
			return fmt.Errorf("%w: %s hook %s is not bound to any action", ErrInvalidHook, h.Type, h.Name)
		}
	}
	return nil
}

// HookError wraps a failure raised by a hook body.
type HookError struct {
	Hook string
	Type Type
	Err  error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("%s hook %s: %v", e.Type, e.Hook, e.Err)
}

func (e *HookError) Unwrap() error {
	return e.Err
}
