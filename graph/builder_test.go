package graph

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/dshills/stagegraph/graph/dag"
)

func noop(name string, typ StageType, deps ...string) *FuncStage {
	return NewFuncStage(name, typ, nil, nil, WithDependencies(deps...))
}

func TestBuild_Augmentation(t *testing.T) {
	plan, err := Build([]Stage{noop("exec", StageExecute)}, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	want := [][]string{{"idle"}, {"exec"}, {"analyze"}, {"checkpoint"}, {"complete"}}
	if got := plan.Generations(); !reflect.DeepEqual(got, want) {
		t.Errorf("Generations() = %v, want %v", got, want)
	}
	if got := plan.Injected(); !reflect.DeepEqual(got, []string{"idle", "analyze", "checkpoint", "complete"}) {
		t.Errorf("Injected() = %v", got)
	}
	if plan.Len() != 5 {
		t.Errorf("Len() = %d, want 5", plan.Len())
	}
	if c := plan.Complete(); c.Type() != StageComplete {
		t.Errorf("Complete() type = %v, want complete", c.Type())
	}
	es := plan.ErrorStage()
	if es == nil || es.Type() != StageError {
		t.Fatalf("ErrorStage() = %v, want an error stage", es)
	}
	if _, inGraph := plan.Stage(es.Name()); inGraph {
		t.Errorf("error stage %s must not be a graph node", es.Name())
	}
}

func TestBuild_KeepsDeclaredFrameworkStages(t *testing.T) {
	plan, err := Build([]Stage{
		noop("exec", StageExecute),
		noop("report", StageAnalyze, "exec"),
		noop("snapshot", StageCheckpoint, "report"),
	}, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if got := plan.Injected(); !reflect.DeepEqual(got, []string{"idle", "complete"}) {
		t.Errorf("Injected() = %v, want [idle complete]", got)
	}
	if n := len(plan.StagesOfType(StageAnalyze)); n != 1 {
		t.Errorf("analyze stages = %d, want 1", n)
	}
}

func TestBuild_UniqueFrameworkNames(t *testing.T) {
	plan, err := Build([]Stage{noop("idle", StageSetup), noop("complete", StageExecute, "idle")}, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	gens := plan.Generations()
	if gens[0][0] != "idle_1" {
		t.Errorf("root = %q, want idle_1", gens[0][0])
	}
	if got := plan.Complete().Name(); got != "complete_1" {
		t.Errorf("Complete().Name() = %q, want complete_1", got)
	}
}

// Every stage lies in a later generation than each of its dependencies.
func TestBuild_GenerationOrder(t *testing.T) {
	stages := []Stage{
		noop("setup", StageSetup),
		noop("warm", StageExecute, "setup"),
		noop("load", StageExecute, "setup"),
		noop("spike", StageExecute, "warm", "load"),
		noop("pause", StageWait, "warm"),
		noop("teardown", StageTeardown, "spike", "pause"),
	}
	plan, err := Build(stages, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	for _, s := range plan.Stages() {
		for _, dep := range plan.Dependencies(s.Name()) {
			if plan.Generation(dep.Name()) >= plan.Generation(s.Name()) {
				t.Errorf("%s (gen %d) does not precede %s (gen %d)",
					dep.Name(), plan.Generation(dep.Name()), s.Name(), plan.Generation(s.Name()))
			}
		}
	}
	if !plan.IsAncestor("setup", "teardown") {
		t.Error("IsAncestor(setup, teardown) = false, want true")
	}
	if plan.IsAncestor("pause", "spike") {
		t.Error("IsAncestor(pause, spike) = true, want false")
	}
}

func TestBuild_AttachesEveryBranchEnd(t *testing.T) {
	// "short" ends a branch one generation before "long" does.
	plan, err := Build([]Stage{
		noop("setup", StageSetup),
		noop("short", StageExecute, "setup"),
		noop("mid", StageExecute, "setup"),
		noop("long", StageExecute, "mid"),
	}, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	analyze := plan.StagesOfType(StageAnalyze)[0]
	var deps []string
	for _, d := range plan.Dependencies(analyze.Name()) {
		deps = append(deps, d.Name())
	}
	if !reflect.DeepEqual(deps, []string{"short", "long"}) {
		t.Errorf("analyze dependencies = %v, want [short long]", deps)
	}
}

// Execute stages ending a branch shorter than the declared framework stages
// lead straight into the terminal.
func TestBuild_ExecuteEndsShortBranch(t *testing.T) {
	plan, err := Build([]Stage{
		noop("setup", StageSetup),
		noop("a", StageExecute, "setup"),
		noop("b", StageExecute, "setup"),
		noop("an", StageAnalyze, "a"),
		noop("cp", StageCheckpoint, "an"),
	}, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	var deps []string
	for _, d := range plan.Dependencies(plan.Complete().Name()) {
		deps = append(deps, d.Name())
	}
	if !reflect.DeepEqual(deps, []string{"b", "cp"}) {
		t.Errorf("complete dependencies = %v, want [b cp]", deps)
	}
	if _, err := Assemble(plan); err != nil {
		t.Errorf("Assemble() error = %v", err)
	}
}

func TestBuild_DeclaredComplete(t *testing.T) {
	done := noop("done", StageComplete, "exec")
	plan, err := Build([]Stage{noop("exec", StageExecute), done}, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	want := [][]string{{"idle"}, {"exec"}, {"analyze"}, {"checkpoint"}, {"done"}}
	if got := plan.Generations(); !reflect.DeepEqual(got, want) {
		t.Errorf("Generations() = %v, want %v", got, want)
	}
	if plan.Complete() != Stage(done) {
		t.Errorf("Complete() = %s, want done", plan.Complete().Name())
	}
	if got := plan.Injected(); !reflect.DeepEqual(got, []string{"idle", "analyze", "checkpoint"}) {
		t.Errorf("Injected() = %v", got)
	}
	if _, err := Assemble(plan); err != nil {
		t.Errorf("Assemble() error = %v", err)
	}
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name   string
		stages []Stage
		check  func(error) bool
	}{
		{
			name:   "no stages",
			stages: nil,
			check:  func(err error) bool { return errors.Is(err, ErrNoStages) },
		},
		{
			name:   "duplicate name",
			stages: []Stage{noop("a", StageExecute), noop("a", StageSetup)},
			check:  func(err error) bool { return hasCode(err, "DUPLICATE_STAGE") },
		},
		{
			name:   "reserved error type",
			stages: []Stage{noop("oops", StageError)},
			check:  func(err error) bool { return hasCode(err, "RESERVED_STAGE_TYPE") },
		},
		{
			name:   "nil stage",
			stages: []Stage{nil},
			check:  func(err error) bool { return hasCode(err, "NIL_STAGE") },
		},
		{
			name:   "two complete stages",
			stages: []Stage{noop("exec", StageExecute), noop("done", StageComplete), noop("end", StageComplete)},
			check:  func(err error) bool { return hasCode(err, "MULTIPLE_COMPLETE") },
		},
		{
			name:   "stage after complete",
			stages: []Stage{noop("done", StageComplete), noop("exec", StageExecute, "done")},
			check:  func(err error) bool { return hasCode(err, "COMPLETE_NOT_TERMINAL") },
		},
		{
			name:   "only complete",
			stages: []Stage{noop("done", StageComplete)},
			check:  func(err error) bool { return errors.Is(err, ErrNoStages) },
		},
		{
			name: "cycle",
			stages: []Stage{
				noop("a", StageExecute, "c"),
				noop("b", StageExecute, "a"),
				noop("c", StageExecute, "b"),
			},
			check: func(err error) bool { return errors.Is(err, ErrCycle) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.stages, nil)
			if err == nil {
				t.Fatal("Build() error = nil, want error")
			}
			if !tt.check(err) {
				t.Errorf("Build() error = %v, unexpected kind", err)
			}
		})
	}
}

func TestBuild_UnknownDependencyIgnored(t *testing.T) {
	plan, err := Build([]Stage{noop("exec", StageExecute, "ghost")}, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if _, ok := plan.Stage("ghost"); ok {
		t.Error("unknown dependency must not become a stage")
	}
}

func TestPlan_ValidateIsolated(t *testing.T) {
	g := dag.New()
	g.AddNode("a")
	g.AddNode("b")
	g.AddNode("c")
	if err := g.AddEdge("a", "b"); err != nil {
		t.Fatal(err)
	}
	p := &Plan{graph: g}

	err := p.validate()
	var isolated *IsolatedStageError
	if !errors.As(err, &isolated) {
		t.Fatalf("validate() error = %v, want *IsolatedStageError", err)
	}
	if !reflect.DeepEqual(isolated.Stages, []string{"c"}) {
		t.Errorf("isolated = %v, want [c]", isolated.Stages)
	}
}

func TestFactories(t *testing.T) {
	custom := DefaultFactories().With(StageIdle, func(name string) Stage {
		return NewFuncStage(name, StageIdle, func(context.Context, *Base) error { return nil }, nil,
			WithConfig(Config{Tags: map[string]string{"origin": "custom"}}))
	})
	plan, err := Build([]Stage{noop("exec", StageExecute)}, custom)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	root, _ := plan.Stage("idle")
	if root.Config().Tags["origin"] != "custom" {
		t.Error("idle stage not created by the custom factory")
	}

	mistyped := DefaultFactories().With(StageComplete, func(name string) Stage {
		return noop(name, StageWait)
	})
	if _, err := Build([]Stage{noop("exec", StageExecute)}, mistyped); !hasCode(err, "BAD_FACTORY") {
		t.Errorf("Build() error = %v, want BAD_FACTORY", err)
	}

	missing := Factories{StageIdle: nil}
	if _, err := missing.create(StageSubmit, "submit"); !hasCode(err, "MISSING_FACTORY") {
		t.Errorf("create(submit) error = %v, want MISSING_FACTORY", err)
	}
}

func hasCode(err error, code string) bool {
	var engineErr *EngineError
	return errors.As(err, &engineErr) && engineErr.Code == code
}
