package stages

import (
	"context"

	"github.com/dshills/stagegraph/graph"
	"github.com/dshills/stagegraph/graph/hook"
)

// Teardown runs pre Event hooks, then its Teardown hooks, then the remaining
// Event and Context hooks. Teardown hooks receive the stage context under
// "context"; mapping outputs are written back into it.
type Teardown struct {
	*graph.Base
}

// NewTeardown creates a Teardown stage.
func NewTeardown(name string, opts ...graph.BaseOption) *Teardown {
	accepted := []hook.Type{hook.Teardown, hook.Event, hook.Context}
	return &Teardown{Base: graph.NewBase(name, graph.StageTeardown, accepted, opts...)}
}

func (s *Teardown) Run(ctx context.Context) error {
	if err := runEvents(ctx, s.Base, pre); err != nil {
		return err
	}

	if hooks := s.Hooks().ByType(hook.Teardown); len(hooks) > 0 {
		out, err := dispatch(ctx, s.Base, hooks, hook.Args{"context": s.Context()})
		if err != nil {
			return err
		}
		delete(out, "context")
		s.Context().Update(out)
	}

	return runEvents(ctx, s.Base, post)
}
