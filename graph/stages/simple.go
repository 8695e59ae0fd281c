package stages

import (
	"context"
	"time"

	"github.com/dshills/stagegraph/graph"
	"github.com/dshills/stagegraph/graph/hook"
)

// Idle is the root stage. It only runs its event hooks.
type Idle struct {
	*graph.Base
}

// NewIdle creates an Idle stage.
func NewIdle(name string, opts ...graph.BaseOption) *Idle {
	return &Idle{Base: graph.NewBase(name, graph.StageIdle, []hook.Type{hook.Event, hook.Context}, opts...)}
}

func (s *Idle) Run(ctx context.Context) error {
	return runEvents(ctx, s.Base, nil)
}

// Complete is the terminal stage.
type Complete struct {
	*graph.Base
}

// NewComplete creates a Complete stage.
func NewComplete(name string, opts ...graph.BaseOption) *Complete {
	return &Complete{Base: graph.NewBase(name, graph.StageComplete, []hook.Type{hook.Event}, opts...)}
}

func (s *Complete) Run(ctx context.Context) error {
	return runEvents(ctx, s.Base, nil)
}

// Wait pauses the run for a fixed duration, then runs its event hooks.
type Wait struct {
	*graph.Base
	duration time.Duration
}

// NewWait creates a Wait stage pausing for d.
func NewWait(name string, d time.Duration, opts ...graph.BaseOption) *Wait {
	return &Wait{
		Base:     graph.NewBase(name, graph.StageWait, []hook.Type{hook.Event, hook.Context, hook.Condition}, opts...),
		duration: d,
	}
}

func (s *Wait) Run(ctx context.Context) error {
	if s.duration > 0 {
		timer := time.NewTimer(s.duration)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return runEvents(ctx, s.Base, nil)
}
