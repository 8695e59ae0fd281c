package hook

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/stagegraph/graph/dag"
)

// WaveObserver is notified before each wave runs.
type WaveObserver func(wave int, hooks []string)

// Dispatcher runs a chain of hooks as a dependency graph. Hooks are layered
// into waves exactly like stages are layered into generations; the members of
// a wave run concurrently and the wave boundary is a full barrier.
type Dispatcher struct {
	hooks    []*Hook
	limit    int
	observer WaveObserver
}

// DispatchOption configures a Dispatcher.
type DispatchOption func(*Dispatcher)

// WithConcurrency bounds how many hooks of one wave run at the same time.
// Zero or less means unbounded.
func WithConcurrency(n int) DispatchOption {
	return func(d *Dispatcher) { d.limit = n }
}

// WithObserver registers a callback invoked before each wave.
func WithObserver(fn WaveObserver) DispatchOption {
	return func(d *Dispatcher) { d.observer = fn }
}

// NewDispatcher creates a dispatcher for hooks. The slice order is the
// registration order used to break merge conflicts.
func NewDispatcher(hooks []*Hook, opts ...DispatchOption) *Dispatcher {
	d := &Dispatcher{hooks: append([]*Hook(nil), hooks...)}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Waves layers the hooks by their declared predecessors. Predecessors that
// are not part of the chain are ignored.
func (d *Dispatcher) Waves() ([][]*Hook, error) {
	g := dag.New()
	byName := make(map[string]*Hook, len(d.hooks))
	for _, h := range d.hooks {
		if _, dup := byName[h.ShortName]; dup {
			return nil, fmt.Errorf("%w: duplicate hook %s in chain", ErrInvalidHook, h.ShortName)
		}
		byName[h.ShortName] = h
		g.AddNode(h.ShortName)
	}
	for _, h := range d.hooks {
		for _, dep := range h.DependsOn {
			if _, ok := byName[dep]; !ok {
				continue
			}
			if err := g.AddEdge(dep, h.ShortName); err != nil {
				return nil, fmt.Errorf("hook %s: %w", h.ShortName, err)
			}
		}
	}

	gens, err := g.Generations()
	if err != nil {
		return nil, fmt.Errorf("hook chain: %w", err)
	}

	waves := make([][]*Hook, len(gens))
	for i, gen := range gens {
		waves[i] = make([]*Hook, len(gen))
		for j, name := range gen {
			waves[i][j] = byName[name]
		}
	}
	return waves, nil
}

// Dispatch runs every wave starting from initial and returns the merged
// kwargs. Outputs of one wave are merged in registration order once all of
// its members have returned, so the result does not depend on which member
// finished first. The first failing hook aborts the chain with a *HookError.
func (d *Dispatcher) Dispatch(ctx context.Context, initial Args) (Args, error) {
	waves, err := d.Waves()
	if err != nil {
		return nil, err
	}

	order := make(map[string]int, len(d.hooks))
	for i, h := range d.hooks {
		order[h.ShortName] = i
	}

	kwargs := initial.Clone()
	if kwargs == nil {
		kwargs = Args{}
	}
	gated := make(map[string]bool)

	for i, wave := range waves {
		if err := ctx.Err(); err != nil {
			return kwargs, err
		}

		var runnable []*Hook
		for _, h := range wave {
			if !blocked(h, gated) {
				runnable = append(runnable, h)
			}
		}
		if len(runnable) == 0 {
			continue
		}
		sortByOrder(runnable, order)

		if d.observer != nil {
			names := make([]string, len(runnable))
			for j, h := range runnable {
				names[j] = h.ShortName
			}
			d.observer(i, names)
		}

		outputs := make([]any, len(runnable))
		g, gctx := errgroup.WithContext(ctx)
		if d.limit > 0 {
			g.SetLimit(d.limit)
		}
		for j, h := range runnable {
			in := kwargs.Filter(h.Params)
			g.Go(func() error {
				out, err := h.Call(gctx, in)
				if err != nil {
					return &HookError{Hook: h.Name, Type: h.Type, Err: err}
				}
				outputs[j] = out
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return kwargs, err
		}

		for j, h := range runnable {
			if h.Type == Condition {
				if ok, isBool := outputs[j].(bool); isBool && !ok {
					gated[h.ShortName] = true
				}
			}
			merge(kwargs, h, outputs[j])
		}
	}
	return kwargs, nil
}

// blocked reports whether a predecessor of h is a Condition hook that
// returned false. Predecessors that were themselves skipped count as
// satisfied.
func blocked(h *Hook, gated map[string]bool) bool {
	for _, dep := range h.DependsOn {
		if gated[dep] {
			return true
		}
	}
	return false
}

func sortByOrder(hooks []*Hook, order map[string]int) {
	for i := 1; i < len(hooks); i++ {
		for j := i; j > 0 && order[hooks[j].ShortName] < order[hooks[j-1].ShortName]; j-- {
			hooks[j], hooks[j-1] = hooks[j-1], hooks[j]
		}
	}
}

func merge(kwargs Args, h *Hook, out any) {
	switch v := out.(type) {
	case nil:
	case Args:
		for k, val := range v {
			kwargs[k] = val
		}
	case map[string]any:
		for k, val := range v {
			kwargs[k] = val
		}
	default:
		key := h.Key
		if key == "" {
			key = h.ShortName
		}
		kwargs[key] = v
	}
}
