package stages

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dshills/stagegraph/graph"
	"github.com/dshills/stagegraph/graph/analyze"
	"github.com/dshills/stagegraph/graph/emit"
	"github.com/dshills/stagegraph/graph/hook"
)

// ErrNoClient is returned when actions must be primed but no client is bound
// and no factory can create one.
var ErrNoClient = errors.New("no client bound")

// ExecuteConfig controls how long and how fast an Execute stage issues its
// actions. A batch issues every primed action BatchSize times concurrently.
type ExecuteConfig struct {
	// BatchSize is the number of concurrent iterations per batch. Default 1.
	BatchSize int

	// Batches stops the stage after that many batches.
	Batches int

	// Duration stops the stage once it has run that long. With neither
	// Batches nor Duration set, a single batch runs.
	Duration time.Duration

	// Rate caps batches per second. Zero is unlimited.
	Rate float64
}

type primed struct {
	name   string
	action Action
	before []*hook.Hook
	after  []*hook.Hook
	checks []*hook.Hook
}

// Execute issues primed actions and records one result per call.
type Execute struct {
	*graph.Base
	cfg ExecuteConfig

	mu      sync.Mutex
	client  Client
	actions []*primed
}

// NewExecute creates an Execute stage.
func NewExecute(name string, cfg ExecuteConfig, opts ...graph.BaseOption) *Execute {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	accepted := []hook.Type{hook.Action, hook.Task, hook.Check, hook.Before, hook.After, hook.Event, hook.Context}
	return &Execute{Base: graph.NewBase(name, graph.StageExecute, accepted, opts...), cfg: cfg}
}

// ExecuteConfig returns the stage's execution settings.
func (e *Execute) ExecuteConfig() ExecuteConfig {
	return e.cfg
}

// Client returns the bound client, or nil.
func (e *Execute) Client() Client {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.client
}

// SetClient binds the protocol client.
func (e *Execute) SetClient(c Client) {
	e.mu.Lock()
	e.client = c
	e.mu.Unlock()
}

// Primed returns the names of the primed actions.
func (e *Execute) Primed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, len(e.actions))
	for i, p := range e.actions {
		names[i] = p.name
	}
	return names
}

// Prime calls every Action and Task hook, hands the request each returns to
// the client and attaches the Before, After and Check hooks bound to it by
// short name. Failures are *HookSetupError.
func (e *Execute) Prime(ctx context.Context) error {
	client := e.Client()
	if client == nil {
		return &HookSetupError{Stage: e.Name(), Hook: "client", Err: ErrNoClient}
	}

	reg := e.Hooks()
	var actions []*primed
	for _, h := range reg.ByType(hook.Action, hook.Task) {
		req, err := h.Call(ctx, hook.Args{"stage": e.Name(), "action": h.ShortName})
		if err != nil {
			return &HookSetupError{Stage: e.Name(), Hook: h.Name, Err: err}
		}
		a, err := client.Prepare(ctx, h.ShortName, req)
		if err != nil {
			return &HookSetupError{Stage: e.Name(), Hook: h.Name, Err: err}
		}
		actions = append(actions, &primed{
			name:   h.ShortName,
			action: a,
			before: reg.BoundTo(hook.Before, h.ShortName),
			after:  reg.BoundTo(hook.After, h.ShortName),
			checks: reg.BoundTo(hook.Check, h.ShortName),
		})
	}

	e.mu.Lock()
	e.actions = actions
	e.mu.Unlock()
	e.Emit(emit.MsgActionsPrimed, map[string]interface{}{"count": len(actions)})
	return nil
}

func (e *Execute) primedActions() []*primed {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.actions
}

// Run issues batches until the configured batch count or duration is
// reached, then stores its results set under graph.KeyResults. An Execute
// stage that was not primed by a Setup stage primes itself when it has a
// client.
func (e *Execute) Run(ctx context.Context) error {
	actions := e.primedActions()
	if actions == nil {
		if err := e.Prime(ctx); err != nil {
			return err
		}
		actions = e.primedActions()
	}
	if len(actions) == 0 {
		return fmt.Errorf("execute stage %s has no actions", e.Name())
	}

	limit := rate.Inf
	if e.cfg.Rate > 0 {
		limit = rate.Limit(e.cfg.Rate)
	}
	limiter := rate.NewLimiter(limit, 1)

	batches := e.cfg.Batches
	if batches <= 0 && e.cfg.Duration <= 0 {
		batches = 1
	}

	start := time.Now()
	var deadline time.Time
	if e.cfg.Duration > 0 {
		deadline = start.Add(e.cfg.Duration)
	}

	var results []analyze.Result
	for i := 0; ; i++ {
		if batches > 0 && i >= batches {
			break
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			break
		}
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		batch, err := e.runBatch(ctx, actions)
		if err != nil {
			return err
		}
		results = append(results, batch...)
		e.Emit(emit.MsgBatchExecuted, map[string]interface{}{"batch": i, "count": len(batch)})
	}
	elapsed := time.Since(start)

	e.Context().MergeValue(graph.KeyResults, analyze.RawResults{
		e.Name(): {Stage: e.Name(), Results: results, Elapsed: elapsed},
	})
	return runEvents(ctx, e.Base, nil)
}

func (e *Execute) runBatch(ctx context.Context, actions []*primed) ([]analyze.Result, error) {
	out := make([]analyze.Result, 0, len(actions)*e.cfg.BatchSize)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	if w := e.Workers(); w > 0 {
		g.SetLimit(w)
	}
	for n := 0; n < e.cfg.BatchSize; n++ {
		for _, p := range actions {
			g.Go(func() error {
				res := e.issue(gctx, p)
				mu.Lock()
				out = append(out, res)
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, ctx.Err()
}

// issue runs one action wrapped by its Before, After and Check hooks.
func (e *Execute) issue(ctx context.Context, p *primed) analyze.Result {
	res := analyze.Result{Name: p.name, Stage: e.Name()}
	if c := e.Client(); c != nil {
		res.Source = c.Source()
	}

	args := hook.Args{"action": p.name, "stage": e.Name()}
	for _, h := range p.before {
		if _, err := h.Call(ctx, args); err != nil {
			res.Error = (&hook.HookError{Hook: h.Name, Type: h.Type, Err: err}).Error()
			return res
		}
	}

	start := time.Now()
	resp, err := p.action.Do(ctx)
	total := time.Since(start)

	res.Timings = make(map[string]time.Duration, len(resp.Timings)+1)
	for k, v := range resp.Timings {
		res.Timings[k] = v
	}
	res.Timings["total"] = total
	res.Tags = resp.Tags
	if err != nil {
		res.Error = err.Error()
	}

	outcome := hook.Args{"action": p.name, "stage": e.Name(), "response": resp, "error": err}
	for _, h := range p.after {
		if _, herr := h.Call(ctx, outcome); herr != nil && res.Error == "" {
			res.Error = (&hook.HookError{Hook: h.Name, Type: h.Type, Err: herr}).Error()
		}
	}
	if err == nil {
		for _, h := range p.checks {
			if _, cerr := h.Call(ctx, outcome); cerr != nil {
				res.Error = (&hook.HookError{Hook: h.Name, Type: h.Type, Err: cerr}).Error()
				break
			}
		}
	}
	return res
}
