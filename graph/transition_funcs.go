package graph

import (
	"context"
	"errors"

	"github.com/dshills/stagegraph/graph/analyze"
)

// phase is the state triple a transition drives its source stage through.
type phase struct {
	pre, active, done StageState
}

var phases = [numStageTypes]phase{
	StageIdle:       {StateInitialized, StateIdle, StateIdle},
	StageSetup:      {StateInitialized, StateSettingUp, StateSetup},
	StageExecute:    {StateInitialized, StateExecuting, StateExecuted},
	StageAnalyze:    {StateInitialized, StateAnalyzing, StateAnalyzed},
	StageCheckpoint: {StateInitialized, StateCheckpointing, StateCheckpointed},
	StageSubmit:     {StateInitialized, StateSubmitting, StateSubmitted},
	StageWait:       {StateInitialized, StateWaiting, StateWaited},
	StageTeardown:   {StateInitialized, StateTeardownInitialized, StateTeardownComplete},
}

// validResultStates are the states an execute stage may be in for its
// results to be analyzed.
var validResultStates = map[StageState]bool{
	StateExecuted:         true,
	StateCheckpointed:     true,
	StateTeardownComplete: true,
}

// transitionFrom builds the transition function shared by every edge leaving
// a stage of type t.
//
// The first transition to claim the source (compare-and-swap from the
// pre-state) runs it. Any other transition leaving the same source waits for
// that run if it is still in progress and then only hands the context over.
func transitionFrom(t StageType) TransitionFunc {
	ph := phases[t]
	return func(ctx context.Context, tr *Transition) (StageType, error) {
		cur, next := tr.From, tr.To

		if !cur.CompareAndSwapState(ph.pre, ph.active) {
			tr.Skipped = true
			if cur.State() == ph.active {
				select {
				case <-cur.Done():
				case <-ctx.Done():
					return StageError, &StageExecutionError{
						From: cur.Name(), To: next.Name(),
						Message: "cancelled while waiting for the stage to finish",
						Cause:   ctx.Err(),
					}
				}
			}
			if err := cur.Err(); err != nil || cur.State() == StateError {
				var timeout *StageTimeoutError
				if errors.As(err, &timeout) {
					return StageError, &StageTimeoutError{Stage: timeout.Stage, Next: next.Name(), Timeout: timeout.Timeout}
				}
				return StageError, &StageExecutionError{
					From: cur.Name(), To: next.Name(),
					Message: "stage failed on another edge",
					Cause:   err,
				}
			}
			return tr.handoff(), nil
		}

		cleanup := prepare(tr)
		err := runWithTimeout(ctx, cur, next.Name())
		cleanup()

		if err != nil {
			cur.Finish(err)
			cur.SetState(StateError)
			var timeout *StageTimeoutError
			if errors.As(err, &timeout) {
				return StageError, timeout
			}
			return StageError, &StageExecutionError{
				From: cur.Name(), To: next.Name(),
				Message: err.Error(),
				Cause:   err,
			}
		}

		publish(tr)
		cur.Finish(nil)
		cur.SetState(ph.done)
		return tr.handoff(), nil
	}
}

// handoff carries the source context into the next stage, extends the
// visited set and resolves the next stage type.
func (t *Transition) handoff() StageType {
	cur, next := t.From, t.To
	dst := next.Context()
	cur.Context().CarryTo(dst)
	dst.MergeValue(KeyVisited, Visited{cur.Name()})
	return t.resolve()
}

// resolve returns the type of the stage the run continues with. For an
// Analyze source it is picked among the source's dependents with the
// precedence Checkpoint, Submit, Wait; otherwise it is the To stage's type.
func (t *Transition) resolve() StageType {
	if t.From.Type() != StageAnalyze || t.plan == nil {
		return t.To.Type()
	}
	present := make(map[StageType]bool)
	for _, d := range t.plan.Dependents(t.From.Name()) {
		present[d.Type()] = true
	}
	for _, candidate := range []StageType{StageCheckpoint, StageSubmit, StageWait} {
		if present[candidate] {
			return candidate
		}
	}
	return t.To.Type()
}

// prepare readies the source stage's context before its run and returns the
// function undoing temporary keys afterwards.
func prepare(t *Transition) func() {
	cur := t.From
	switch cur.Type() {
	case StageSetup:
		var targets []Stage
		if t.plan != nil {
			for _, d := range t.plan.Descendants(cur.Name()) {
				if d.Type() == StageExecute && d.State() == StateInitialized {
					targets = append(targets, d)
				}
			}
		}
		c := cur.Context()
		c.IgnoreSerialization(KeyTargetStages)
		c.Set(KeyTargetStages, targets)
		return func() { c.Delete(KeyTargetStages) }

	case StageAnalyze:
		c := cur.Context()
		raw, ok := c.Value(KeyResults).(analyze.RawResults)
		if !ok || t.plan == nil {
			return func() {}
		}
		c.Set(KeyResults, raw.Filter(func(stage string) bool {
			s, found := t.plan.Stage(stage)
			if !found || s.Type() != StageExecute {
				return false
			}
			return validResultStates[s.State()] && t.plan.IsAncestor(stage, cur.Name())
		}))
	}
	return func() {}
}

// publish pushes type-specific outputs of a finished run beyond the direct
// successor. Analyze summaries reach every Submit stage downstream.
func publish(t *Transition) {
	cur := t.From
	if cur.Type() != StageAnalyze || t.plan == nil {
		return
	}
	summaries, ok := cur.Context().Value(KeySummaries).(analyze.Summaries)
	if !ok {
		return
	}
	for _, d := range t.plan.Descendants(cur.Name()) {
		if d.Type() == StageSubmit && d.State() == StateInitialized {
			d.Context().MergeValue(KeySummaries, summaries)
		}
	}
}
