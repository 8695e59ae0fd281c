// Package stages provides the built-in stage implementations: Idle, Setup,
// Execute, Analyze, Checkpoint, Submit, Wait, Teardown and Complete, and the
// factory set the engine uses to inject framework stages.
package stages

import (
	"context"
	"fmt"

	"github.com/dshills/stagegraph/graph"
	"github.com/dshills/stagegraph/graph/emit"
	"github.com/dshills/stagegraph/graph/hook"
)

// Factories returns the engine factories producing the built-in stages for
// the framework stage types.
func Factories() graph.Factories {
	return graph.DefaultFactories().
		With(graph.StageIdle, func(name string) graph.Stage { return NewIdle(name) }).
		With(graph.StageAnalyze, func(name string) graph.Stage { return NewAnalyze(name) }).
		With(graph.StageCheckpoint, func(name string) graph.Stage { return NewCheckpoint(name) }).
		With(graph.StageComplete, func(name string) graph.Stage { return NewComplete(name) })
}

// dispatch runs hooks through a wave dispatcher seeded with the stage's
// context, reporting each wave as an event and a metric.
func dispatch(ctx context.Context, b *graph.Base, hooks []*hook.Hook, seed hook.Args) (hook.Args, error) {
	initial := hook.Args(b.Context().Snapshot(false))
	for k, v := range seed {
		initial[k] = v
	}
	if len(hooks) == 0 {
		return initial, nil
	}

	env := b.Env()
	d := hook.NewDispatcher(hooks,
		hook.WithConcurrency(b.Workers()),
		hook.WithObserver(func(wave int, names []string) {
			b.Emit(emit.MsgHookWave, map[string]interface{}{"wave": wave, "hooks": names, "count": len(names)})
			if env != nil {
				env.Metrics.IncrementHookWaves(b.Name())
			}
		}),
	)
	return d.Dispatch(ctx, initial)
}

// storeContext writes the output of every Context hook in hooks into the
// stage context under the hook's key.
func storeContext(b *graph.Base, hooks []*hook.Hook, out hook.Args) {
	c := b.Context()
	for _, h := range hooks {
		if h.Type != hook.Context {
			continue
		}
		if v, ok := out[h.Key]; ok {
			c.Set(h.Key, v)
		}
	}
}

// runEvents dispatches the Event, Context, Condition and Transform hooks of
// b selected by keep and stores Context outputs.
func runEvents(ctx context.Context, b *graph.Base, keep func(*hook.Hook) bool) error {
	var hooks []*hook.Hook
	for _, h := range b.Hooks().ByType(hook.Event, hook.Context, hook.Condition, hook.Transform) {
		if keep == nil || keep(h) {
			hooks = append(hooks, h)
		}
	}
	if len(hooks) == 0 {
		return nil
	}
	out, err := dispatch(ctx, b, hooks, nil)
	if err != nil {
		return err
	}
	storeContext(b, hooks, out)
	return nil
}

func pre(h *hook.Hook) bool  { return h.Type == hook.Event && h.Metadata.Pre }
func post(h *hook.Hook) bool { return !pre(h) }

// HookSetupError is returned when a hook fails while Setup primes an action
// or runs a setup hook. It is fatal to the Setup stage.
type HookSetupError struct {
	Stage string
	Hook  string
	Err   error
}

func (e *HookSetupError) Error() string {
	return fmt.Sprintf("setup of hook %s on stage %s: %v", e.Hook, e.Stage, e.Err)
}

func (e *HookSetupError) Unwrap() error {
	return e.Err
}
