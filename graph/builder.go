package graph

import (
	"errors"
	"fmt"

	"github.com/dshills/stagegraph/graph/dag"
)

// ErrNoStages is returned when a plan is built from an empty stage list.
var ErrNoStages = errors.New("no stages declared")

// Plan is the augmented stage graph together with its generations.
//
// A plan is immutable once Build returns. Stages are still mutable (state,
// context) but the set of stages, their edges and their layering are fixed.
type Plan struct {
	graph       *dag.Graph
	stages      map[string]Stage
	generations [][]string
	injected    []string
	errStage    Stage
}

// Build constructs the plan for stages.
//
// It adds an edge dependency -> stage for every declared dependency present
// among stages, layers the graph into generations, then augments it:
//
//  1. an Idle root preceding every generation-0 stage
//  2. an Analyze stage after the current sinks when no Analyze stage exists
//  3. a Checkpoint stage after the current sinks when no Checkpoint stage exists
//  4. a Complete stage after the current sinks
//
// A declared Complete stage takes the place of the injected one: its own
// dependencies are ignored and it is attached in step 4. At most one may be
// declared and no stage may depend on it.
//
// Generations are recomputed after each step. A stage left with neither
// inbound nor outbound edges fails the build with *IsolatedStageError.
// Framework stages are created by factories; missing entries fall back to
// DefaultFactories.
func Build(stages []Stage, factories Factories) (*Plan, error) {
	if len(stages) == 0 {
		return nil, ErrNoStages
	}
	if factories == nil {
		factories = DefaultFactories()
	}

	p := &Plan{
		graph:  dag.New(),
		stages: make(map[string]Stage, len(stages)+4),
	}

	var terminal Stage

	for _, s := range stages {
		if s == nil {
			return nil, &EngineError{Message: "nil stage", Code: "NIL_STAGE"}
		}
		if s.Type() == StageError {
			return nil, &EngineError{Message: "stage " + s.Name() + ": error stages are provided by the engine", Code: "RESERVED_STAGE_TYPE"}
		}
		if s.Type() < 0 || s.Type() >= numStageTypes {
			return nil, &EngineError{Message: fmt.Sprintf("stage %s has unknown type %d", s.Name(), int(s.Type())), Code: "INVALID_STAGE_TYPE"}
		}
		if _, dup := p.stages[s.Name()]; dup {
			return nil, &EngineError{Message: "duplicate stage name " + s.Name(), Code: "DUPLICATE_STAGE"}
		}
		p.stages[s.Name()] = s
		if s.Type() == StageComplete {
			if terminal != nil {
				return nil, &EngineError{Message: "complete stages " + terminal.Name() + " and " + s.Name() + " declared", Code: "MULTIPLE_COMPLETE"}
			}
			terminal = s
			continue
		}
		p.graph.AddNode(s.Name())
	}
	if p.graph.Len() == 0 {
		return nil, ErrNoStages
	}

	for _, s := range stages {
		if s == terminal {
			continue
		}
		for _, dep := range s.Dependencies() {
			if terminal != nil && dep == terminal.Name() {
				return nil, &EngineError{Message: "stage " + s.Name() + " depends on complete stage " + dep, Code: "COMPLETE_NOT_TERMINAL"}
			}
			if !p.graph.HasNode(dep) {
				continue
			}
			if err := p.graph.AddEdge(dep, s.Name()); err != nil {
				return nil, fmt.Errorf("stage %s: %w", s.Name(), err)
			}
		}
	}

	if err := p.layer(); err != nil {
		return nil, err
	}

	if err := p.prepend(factories, StageIdle); err != nil {
		return nil, err
	}
	if len(p.StagesOfType(StageAnalyze)) == 0 {
		if err := p.append(factories, StageAnalyze); err != nil {
			return nil, err
		}
	}
	if len(p.StagesOfType(StageCheckpoint)) == 0 {
		if err := p.append(factories, StageCheckpoint); err != nil {
			return nil, err
		}
	}
	if terminal == nil {
		if err := p.append(factories, StageComplete); err != nil {
			return nil, err
		}
	} else if err := p.attach(terminal); err != nil {
		return nil, err
	}

	if err := p.validate(); err != nil {
		return nil, err
	}

	errStage, err := factories.create(StageError, p.uniqueName(StageError.String()))
	if err != nil {
		return nil, err
	}
	p.errStage = errStage

	return p, nil
}

func (p *Plan) validate() error {
	if isolated := p.graph.Isolates(); len(isolated) > 0 {
		return &IsolatedStageError{Stages: isolated}
	}
	return nil
}

func (p *Plan) layer() error {
	gens, err := p.graph.Generations()
	if err != nil {
		return err
	}
	p.generations = gens
	return nil
}

func (p *Plan) uniqueName(base string) string {
	name := base
	for i := 1; ; i++ {
		if _, taken := p.stages[name]; !taken {
			return name
		}
		name = fmt.Sprintf("%s_%d", base, i)
	}
}

func (p *Plan) inject(factories Factories, t StageType) (Stage, error) {
	s, err := factories.create(t, p.uniqueName(t.String()))
	if err != nil {
		return nil, err
	}
	p.injected = append(p.injected, s.Name())
	return s, nil
}

func (p *Plan) add(s Stage) {
	p.stages[s.Name()] = s
	p.graph.AddNode(s.Name())
}

func (p *Plan) prepend(factories Factories, t StageType) error {
	first := p.generations[0]
	s, err := p.inject(factories, t)
	if err != nil {
		return err
	}
	p.add(s)
	for _, name := range first {
		if err := p.graph.AddEdge(s.Name(), name); err != nil {
			return err
		}
	}
	return p.layer()
}

// append attaches a new stage of type t after every current sink.
func (p *Plan) append(factories Factories, t StageType) error {
	s, err := p.inject(factories, t)
	if err != nil {
		return err
	}
	return p.attach(s)
}

// attach adds s after every current sink. The sinks always include the whole
// last generation; stages that end a shorter branch are attached as well so
// that every stage has a path to the terminal.
func (p *Plan) attach(s Stage) error {
	sinks := p.sinks()
	p.add(s)
	for _, name := range sinks {
		if err := p.graph.AddEdge(name, s.Name()); err != nil {
			return err
		}
	}
	return p.layer()
}

func (p *Plan) sinks() []string {
	var out []string
	for _, name := range p.graph.Nodes() {
		deps, _ := p.graph.Dependents(name)
		if len(deps) == 0 {
			out = append(out, name)
		}
	}
	return out
}

// Generations returns the stage names layer by layer.
func (p *Plan) Generations() [][]string {
	out := make([][]string, len(p.generations))
	for i, g := range p.generations {
		out[i] = append([]string(nil), g...)
	}
	return out
}

// Generation returns the index of the generation holding name, or -1.
func (p *Plan) Generation(name string) int {
	for i, g := range p.generations {
		for _, n := range g {
			if n == name {
				return i
			}
		}
	}
	return -1
}

// Stage returns the stage called name.
func (p *Plan) Stage(name string) (Stage, bool) {
	s, ok := p.stages[name]
	return s, ok
}

// Stages returns every stage of the graph in generation order.
func (p *Plan) Stages() []Stage {
	var out []Stage
	for _, g := range p.generations {
		for _, n := range g {
			out = append(out, p.stages[n])
		}
	}
	return out
}

// StagesOfType returns the stages of type t in generation order.
func (p *Plan) StagesOfType(t StageType) []Stage {
	var out []Stage
	for _, g := range p.generations {
		for _, n := range g {
			if s := p.stages[n]; s.Type() == t {
				out = append(out, s)
			}
		}
	}
	return out
}

// Dependents returns the stages that directly follow name.
func (p *Plan) Dependents(name string) []Stage {
	names, err := p.graph.Dependents(name)
	if err != nil {
		return nil
	}
	out := make([]Stage, len(names))
	for i, n := range names {
		out[i] = p.stages[n]
	}
	return out
}

// Dependencies returns the stages that directly precede name.
func (p *Plan) Dependencies(name string) []Stage {
	names, err := p.graph.Dependencies(name)
	if err != nil {
		return nil
	}
	out := make([]Stage, len(names))
	for i, n := range names {
		out[i] = p.stages[n]
	}
	return out
}

// Descendants returns every stage reachable from name.
func (p *Plan) Descendants(name string) []Stage {
	names, err := p.graph.Descendants(name)
	if err != nil {
		return nil
	}
	out := make([]Stage, len(names))
	for i, n := range names {
		out[i] = p.stages[n]
	}
	return out
}

// IsAncestor reports whether a path leads from ancestor to name.
func (p *Plan) IsAncestor(ancestor, name string) bool {
	names, err := p.graph.Descendants(ancestor)
	if err != nil {
		return false
	}
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// Injected returns the names of the framework stages added by Build, in
// injection order.
func (p *Plan) Injected() []string {
	return append([]string(nil), p.injected...)
}

// ErrorStage returns the framework stage failures are routed to. It is not a
// node of the graph.
func (p *Plan) ErrorStage() Stage {
	return p.errStage
}

// Complete returns the terminal stage.
func (p *Plan) Complete() Stage {
	last := p.generations[len(p.generations)-1]
	return p.stages[last[len(last)-1]]
}

// Len returns the number of stages in the graph.
func (p *Plan) Len() int {
	return p.graph.Len()
}
