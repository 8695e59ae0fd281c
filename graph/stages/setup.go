package stages

import (
	"context"

	"github.com/dshills/stagegraph/graph"
	"github.com/dshills/stagegraph/graph/hook"
)

// Setup runs its setup hooks once, then binds a client to every Execute
// stage downstream of it that has not run yet and primes its actions.
type Setup struct {
	*graph.Base
	factory ClientFactory
}

// NewSetup creates a Setup stage. factory creates clients for execute stages
// that have none bound; it may be nil when every target has a client.
func NewSetup(name string, factory ClientFactory, opts ...graph.BaseOption) *Setup {
	accepted := []hook.Type{hook.Setup, hook.Event, hook.Context}
	return &Setup{Base: graph.NewBase(name, graph.StageSetup, accepted, opts...), factory: factory}
}

// Run fails with *HookSetupError as soon as a setup hook or an action
// cannot be primed.
func (s *Setup) Run(ctx context.Context) error {
	for _, h := range s.Hooks().ByType(hook.Setup) {
		if _, err := h.Call(ctx, hook.Args{"stage": s.Name()}); err != nil {
			return &HookSetupError{Stage: s.Name(), Hook: h.Name, Err: err}
		}
	}

	targets, _ := s.Context().Value(graph.KeyTargetStages).([]graph.Stage)
	for _, t := range targets {
		exec, ok := t.(*Execute)
		if !ok {
			continue
		}
		if exec.Client() == nil {
			if s.factory == nil {
				return &HookSetupError{Stage: exec.Name(), Hook: "client", Err: ErrNoClient}
			}
			c, err := s.factory(exec.Name())
			if err != nil {
				return &HookSetupError{Stage: exec.Name(), Hook: "client", Err: err}
			}
			exec.SetClient(c)
		}
		if err := exec.Prime(ctx); err != nil {
			return err
		}
	}

	return runEvents(ctx, s.Base, nil)
}
