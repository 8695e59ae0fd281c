package stages

import (
	"context"
	"fmt"

	"github.com/dshills/stagegraph/graph"
	"github.com/dshills/stagegraph/graph/analyze"
	"github.com/dshills/stagegraph/graph/hook"
)

// Analyze reduces the results of the execute stages upstream of it into a
// session summary. It runs the reduction chain together with its own Event,
// Context, Condition and Transform hooks on one dispatcher, so user hooks can
// depend on any reduction step by name.
type Analyze struct {
	*graph.Base
}

// NewAnalyze creates an Analyze stage.
func NewAnalyze(name string, opts ...graph.BaseOption) *Analyze {
	accepted := []hook.Type{hook.Condition, hook.Context, hook.Event, hook.Metric, hook.Transform}
	return &Analyze{Base: graph.NewBase(name, graph.StageAnalyze, accepted, opts...)}
}

func (a *Analyze) Run(ctx context.Context) error {
	c := a.Context()
	c.IgnoreSerialization(graph.KeyResults, graph.KeySummaries, graph.KeyTargetStages)
	raw, _ := c.Value(graph.KeyResults).(analyze.RawResults)
	if raw == nil {
		raw = analyze.RawResults{}
	}

	var graphName string
	env := a.Env()
	if env != nil {
		graphName = env.Graph
	}
	pipeline := &analyze.Pipeline{
		Graph:       graphName,
		Stage:       a.Name(),
		Pool:        analyze.NewPool(a.Workers()),
		Context:     c.Snapshot(true),
		MetricHooks: a.Hooks().ByType(hook.Metric),
		Observe: func(msg string, meta map[string]any) {
			a.Emit(msg, meta)
		},
	}

	user := a.Hooks().ByType(hook.Event, hook.Context, hook.Condition, hook.Transform)
	hooks := append(pipeline.Hooks(), user...)

	out, err := dispatch(ctx, a.Base, hooks, hook.Args{analyze.ArgRawResults: raw})
	if err != nil {
		return err
	}
	summary, ok := out[analyze.KeySummary].(analyze.Summary)
	if !ok {
		return fmt.Errorf("analyze stage %s produced no summary", a.Name())
	}

	c.MergeValue(graph.KeySummaries, analyze.Summaries{a.Name(): summary})
	storeContext(a.Base, user, out)
	if env != nil {
		env.Metrics.AddAnalyzedResults(a.Name(), raw.Total())
	}
	return nil
}
