package graph

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dshills/stagegraph/graph/emit"
	"github.com/dshills/stagegraph/graph/store"
)

// Transition statuses used in events, metrics and history records.
const (
	StatusSuccess = "success"
	StatusSkipped = "skipped"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

// Outcome is the result of one transition.
type Outcome struct {
	Generation int
	From       string
	To         string
	FromType   StageType
	ToType     StageType
	Resolved   StageType
	Skipped    bool
	Err        error
	Duration   time.Duration
}

// Status classifies the outcome.
func (o Outcome) Status() string {
	var timeout *StageTimeoutError
	switch {
	case errors.As(o.Err, &timeout):
		return StatusTimeout
	case o.Err != nil:
		return StatusError
	case o.Skipped:
		return StatusSkipped
	}
	return StatusSuccess
}

// Runner executes assembled transition generations.
//
// Generations run strictly in order and each is a full barrier. A generation
// of one transition is run directly; larger generations run every transition
// on its own goroutine. A failing transition never cancels its siblings:
// after the barrier each failure is routed through the (type, Error)
// transition into the plan's Error stage.
type Runner struct {
	plan   *Plan
	groups [][]*Transition
	env    *Env
}

// NewRunner assembles plan and returns a runner for it.
func NewRunner(plan *Plan, env *Env) (*Runner, error) {
	groups, err := Assemble(plan)
	if err != nil {
		return nil, err
	}
	if env == nil {
		env = &Env{}
	}
	return &Runner{plan: plan, groups: groups, env: env}, nil
}

// Groups returns the number of transition generations.
func (r *Runner) Groups() int {
	return len(r.groups)
}

// Run executes every generation and finally runs the Complete stage. The
// returned error is non-nil only when ctx is cancelled; stage failures are
// reported through the outcomes and the Error stage.
func (r *Runner) Run(ctx context.Context) ([]Outcome, error) {
	var all []Outcome
	for i, group := range r.groups {
		if err := ctx.Err(); err != nil {
			return all, err
		}
		r.env.Metrics.SetGeneration(i)
		r.env.Emit(i, "", emit.MsgGenerationStart, map[string]interface{}{"count": len(group)})

		outcomes := make([]Outcome, len(group))
		if len(group) == 1 {
			outcomes[0] = r.runOne(ctx, group[0])
		} else {
			var wg sync.WaitGroup
			for j, tr := range group {
				wg.Add(1)
				go func(j int, tr *Transition) {
					defer wg.Done()
					outcomes[j] = r.runOne(ctx, tr)
				}(j, tr)
			}
			wg.Wait()
		}

		for j, o := range outcomes {
			if o.Err != nil {
				r.routeError(ctx, group[j], o.Err)
			}
		}
		all = append(all, outcomes...)
	}

	if err := ctx.Err(); err != nil {
		return all, err
	}
	r.complete(ctx)
	return all, ctx.Err()
}

// complete runs the terminal stage after the last generation. It has no
// outgoing edge, so a failure is recorded on the Error stage directly.
func (r *Runner) complete(ctx context.Context) {
	c := r.plan.Complete()
	if c == nil || !c.CompareAndSwapState(StateInitialized, StateComplete) {
		return
	}
	gen := len(r.groups)
	start := time.Now()
	err := runWithTimeout(ctx, c, "")
	c.Finish(err)
	if err == nil {
		r.env.Emit(gen, c.Name(), emit.MsgTransitionEnd, map[string]interface{}{
			"next":        "",
			"duration_ms": time.Since(start).Milliseconds(),
		})
		return
	}

	c.SetState(StateError)
	status := Outcome{Err: err}.Status()
	r.env.Metrics.IncrementErrors(errorKind(status))
	r.env.Emit(gen, c.Name(), emit.MsgTransitionError, map[string]interface{}{
		"error":       err.Error(),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	if rec, ok := r.plan.ErrorStage().(ErrorRecorder); ok {
		rec.Record(ErrorRecord{Generation: gen, From: c.Name(), Err: err})
		r.plan.ErrorStage().SetState(StateError)
		r.env.Emit(gen, c.Name(), emit.MsgErrorRecorded, map[string]interface{}{"error": err.Error()})
	}
}

func (r *Runner) runOne(ctx context.Context, tr *Transition) Outcome {
	meta := map[string]interface{}{"next": tr.To.Name()}
	r.env.Emit(tr.Generation, tr.From.Name(), emit.MsgTransitionStart, meta)
	r.env.Metrics.TransitionStarted()

	start := time.Now()
	resolved, err := tr.Run(ctx)
	o := Outcome{
		Generation: tr.Generation,
		From:       tr.From.Name(),
		To:         tr.To.Name(),
		FromType:   tr.From.Type(),
		ToType:     tr.To.Type(),
		Resolved:   resolved,
		Skipped:    tr.Skipped,
		Err:        err,
		Duration:   time.Since(start),
	}
	status := o.Status()
	r.env.Metrics.TransitionFinished(o.FromType, o.ToType, o.Duration, status)

	end := map[string]interface{}{
		"next":        o.To,
		"resolved":    o.Resolved.String(),
		"duration_ms": o.Duration.Milliseconds(),
	}
	switch status {
	case StatusError, StatusTimeout:
		end["error"] = err.Error()
		r.env.Emit(tr.Generation, o.From, emit.MsgTransitionError, end)
		r.env.Metrics.IncrementErrors(errorKind(status))
	case StatusSkipped:
		r.env.Emit(tr.Generation, o.From, emit.MsgTransitionSkipped, end)
	default:
		r.env.Emit(tr.Generation, o.From, emit.MsgTransitionEnd, end)
	}

	r.record(ctx, o, status)
	return o
}

func errorKind(status string) string {
	if status == StatusTimeout {
		return "timeout"
	}
	return "execution"
}

func (r *Runner) routeError(ctx context.Context, failed *Transition, cause error) {
	errStage := r.plan.ErrorStage()
	fn := Lookup(failed.From.Type(), StageError)
	if errStage == nil || fn == nil {
		return
	}
	route := &Transition{
		From:       failed.From,
		To:         errStage,
		Generation: failed.Generation,
		Origin:     failed.To,
		Cause:      cause,
		plan:       r.plan,
		fn:         fn,
	}
	if _, err := route.Run(ctx); err != nil {
		r.env.Emit(failed.Generation, failed.From.Name(), emit.MsgTransitionError, map[string]interface{}{
			"next":  errStage.Name(),
			"error": err.Error(),
		})
		return
	}
	r.env.Emit(failed.Generation, failed.From.Name(), emit.MsgErrorRecorded, map[string]interface{}{
		"next":  failed.To.Name(),
		"error": cause.Error(),
	})
}

// record appends the outcome to the run history when a store is configured.
// Persistence failures are reported as events and never fail the run.
func (r *Runner) record(ctx context.Context, o Outcome, status string) {
	if r.env.Store == nil {
		return
	}
	rec := store.TransitionRecord{
		RunID:      r.env.RunID,
		Generation: o.Generation,
		From:       o.From,
		To:         o.To,
		FromType:   o.FromType.String(),
		ToType:     o.ToType.String(),
		Resolved:   o.Resolved.String(),
		Status:     status,
		Duration:   o.Duration,
		At:         time.Now(),
	}
	if o.Err != nil {
		rec.Error = o.Err.Error()
	}
	if err := r.env.Store.SaveTransition(context.WithoutCancel(ctx), rec); err != nil {
		r.env.Emit(o.Generation, o.From, emit.MsgTransitionError, map[string]interface{}{
			"error": "history: " + err.Error(),
		})
	}
}
