package stages

import (
	"context"
	"errors"
	"fmt"

	"github.com/dshills/stagegraph/graph"
	"github.com/dshills/stagegraph/graph/analyze"
	"github.com/dshills/stagegraph/graph/emit"
	"github.com/dshills/stagegraph/graph/hook"
)

// Reporter delivers analyze summaries to a reporting backend.
type Reporter interface {
	Connect(ctx context.Context) error
	Submit(ctx context.Context, summaries analyze.Summaries) error
	Close(ctx context.Context) error
}

// Submit runs its event hooks, then hands the summaries that reached it to
// every reporter.
type Submit struct {
	*graph.Base
	reporters []Reporter
	retry     *graph.RetryPolicy
}

// NewSubmit creates a Submit stage delivering to reporters.
func NewSubmit(name string, reporters []Reporter, opts ...graph.BaseOption) *Submit {
	accepted := []hook.Type{hook.Event, hook.Context}
	return &Submit{
		Base:      graph.NewBase(name, graph.StageSubmit, accepted, opts...),
		reporters: append([]Reporter(nil), reporters...),
	}
}

// WithRetry retries each reporter's Connect and Submit under p.
func (s *Submit) WithRetry(p *graph.RetryPolicy) *Submit {
	s.retry = p
	return s
}

func (s *Submit) Run(ctx context.Context) error {
	if err := runEvents(ctx, s.Base, nil); err != nil {
		return err
	}

	summaries, _ := s.Context().Value(graph.KeySummaries).(analyze.Summaries)
	for i, r := range s.reporters {
		if err := s.deliver(ctx, r, summaries); err != nil {
			return fmt.Errorf("reporter %d: %w", i, err)
		}
	}
	s.Emit(emit.MsgSubmitted, map[string]interface{}{
		"reporters": len(s.reporters),
		"count":     summaries.Total(),
	})
	return nil
}

func (s *Submit) deliver(ctx context.Context, r Reporter, summaries analyze.Summaries) (err error) {
	if err := s.retry.Do(ctx, r.Connect); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		if cerr := r.Close(context.WithoutCancel(ctx)); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close: %w", cerr))
		}
	}()
	err = s.retry.Do(ctx, func(ctx context.Context) error {
		return r.Submit(ctx, summaries)
	})
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	return nil
}
