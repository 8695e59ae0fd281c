package graph

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Context keys written by the transitions and the built-in stages.
const (
	// KeyResults holds an analyze.RawResults map of execute stage name to
	// results set. Execute stages write it; transitions merge it forward.
	KeyResults = "results"

	// KeySummaries holds an analyze.Summaries map of analyze stage name to
	// session summary.
	KeySummaries = "summaries"

	// KeyVisited holds the Visited set of stages the context passed through.
	KeyVisited = "visited"

	// KeyTargetStages holds the Initialized execute stages downstream of a
	// Setup stage while that stage runs. It is never carried forward.
	KeyTargetStages = "target_stages"
)

// Visited is the sorted set of stage names a context has passed through.
// Concurrent branches reach a fan-in stage in any order, so the set is kept
// sorted to make the merged value independent of that order.
type Visited []string

// Merge implements state.Merger.
func (v Visited) Merge(existing any) any {
	prev, _ := existing.(Visited)
	seen := make(map[string]bool, len(prev)+len(v))
	out := make(Visited, 0, len(prev)+len(v))
	for _, list := range []Visited{prev, v} {
		for _, name := range list {
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	sort.Strings(out)
	return out
}

// TransitionFunc moves a run across one edge. It returns the resolved type of
// the next stage, or StageError together with the failure.
type TransitionFunc func(ctx context.Context, t *Transition) (StageType, error)

// Transition is one edge of the plan bound to the function that drives it.
type Transition struct {
	From       Stage
	To         Stage
	Generation int

	// Origin and Cause are set on transitions routed to the Error stage: Origin
	// is the downstream stage of the failed edge and Cause its error.
	Origin Stage
	Cause  error

	// Skipped is set when the source stage had already been run by another
	// transition and this one only carried its context forward.
	Skipped bool

	plan *Plan
	fn   TransitionFunc
}

// Run invokes the bound transition function.
func (t *Transition) Run(ctx context.Context) (StageType, error) {
	return t.fn(ctx, t)
}

func (t *Transition) String() string {
	return fmt.Sprintf("%s(%s) -> %s(%s)", t.From.Name(), t.From.Type(), t.To.Name(), t.To.Type())
}

// matrix maps (from type, to type) to a transition function. Pairs left nil
// are invalid edges.
var matrix [numStageTypes][numStageTypes]TransitionFunc

// successors lists, per source type, the stage types it may be followed by.
var successors = map[StageType][]StageType{
	StageIdle:       {StageSetup, StageExecute, StageAnalyze, StageCheckpoint, StageSubmit, StageWait, StageTeardown},
	StageSetup:      {StageSetup, StageExecute, StageWait, StageCheckpoint, StageTeardown, StageComplete},
	StageExecute:    {StageExecute, StageSetup, StageAnalyze, StageCheckpoint, StageSubmit, StageWait, StageTeardown, StageComplete},
	StageAnalyze:    {StageCheckpoint, StageSubmit, StageWait, StageSetup, StageExecute, StageTeardown, StageComplete},
	StageCheckpoint: {StageSetup, StageExecute, StageAnalyze, StageSubmit, StageWait, StageTeardown, StageComplete, StageCheckpoint},
	StageSubmit:     {StageSetup, StageExecute, StageCheckpoint, StageWait, StageTeardown, StageComplete, StageSubmit},
	StageWait:       {StageSetup, StageExecute, StageAnalyze, StageCheckpoint, StageSubmit, StageTeardown, StageComplete, StageWait},
	StageTeardown:   {StageAnalyze, StageCheckpoint, StageSubmit, StageWait, StageComplete, StageSetup},
}

func init() {
	for from, tos := range successors {
		fn := transitionFrom(from)
		for _, to := range tos {
			matrix[from][to] = fn
		}
		matrix[from][StageError] = errorTransition
	}
}

// Lookup returns the transition function for the pair, or nil.
func Lookup(from, to StageType) TransitionFunc {
	if from < 0 || from >= numStageTypes || to < 0 || to >= numStageTypes {
		return nil
	}
	return matrix[from][to]
}

// ValidateMatrix checks that every declared successor pair and every error
// route has a function. The engine calls it before assembling a plan.
func ValidateMatrix() error {
	for from, tos := range successors {
		for _, to := range tos {
			if matrix[from][to] == nil {
				return &EngineError{Message: fmt.Sprintf("no transition function for %s -> %s", from, to), Code: "INVALID_MATRIX"}
			}
		}
		if matrix[from][StageError] == nil {
			return &EngineError{Message: fmt.Sprintf("no error route from %s", from), Code: "INVALID_MATRIX"}
		}
	}
	return nil
}

// Assemble binds a transition to every edge of plan and groups them by the
// generation of their source stage. Within a group transitions follow
// generation order of the source, then dependent order.
//
// An edge whose type pair has no transition fails the assembly with
// *MissingTransitionError; nothing runs in that case.
func Assemble(plan *Plan) ([][]*Transition, error) {
	gens := plan.Generations()
	groups := make([][]*Transition, 0, len(gens))
	for i, gen := range gens {
		var group []*Transition
		for _, name := range gen {
			from := plan.stages[name]
			for _, to := range plan.Dependents(name) {
				fn := Lookup(from.Type(), to.Type())
				if fn == nil {
					return nil, &MissingTransitionError{From: from.Name(), To: to.Name(), FromType: from.Type(), ToType: to.Type()}
				}
				group = append(group, &Transition{From: from, To: to, Generation: i, plan: plan, fn: fn})
			}
		}
		if len(group) > 0 {
			groups = append(groups, group)
		}
	}
	return groups, nil
}

// errorTransition records a failed edge on the Error stage.
func errorTransition(_ context.Context, t *Transition) (StageType, error) {
	rec, ok := t.To.(ErrorRecorder)
	if !ok {
		return StageError, &EngineError{Message: "stage " + t.To.Name() + " cannot record errors", Code: "INVALID_ERROR_STAGE"}
	}
	to := ""
	if t.Origin != nil {
		to = t.Origin.Name()
	}
	rec.Record(ErrorRecord{
		Generation: t.Generation,
		From:       t.From.Name(),
		To:         to,
		Err:        t.Cause,
		At:         time.Now(),
	})
	t.To.SetState(StateError)
	return StageError, nil
}
