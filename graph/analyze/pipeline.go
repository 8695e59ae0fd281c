package analyze

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dshills/stagegraph/graph/hook"
)

// Names of the hooks making up the reduction chain, and of the kwargs they
// exchange. User hooks on an analyze stage may depend on any of them.
const (
	HookInitialize    = "initialize_raw_results"
	HookPartition     = "partition_results_batches"
	HookMetricHooks   = "get_custom_metric_hooks"
	HookCreateBatches = "create_stage_batches"
	HookAnalyze       = "analyze_stage_batches"
	HookReduceContext = "reduce_stage_contexts"
	HookMergeGroups   = "merge_events_groups"
	HookCustomMetrics = "calculate_custom_metrics"
	HookMetricSets    = "generate_metrics_sets"
	HookSummary       = "generate_summary"

	ArgRawResults    = "raw_results"
	ArgStartedAt     = "analysis_started_at"
	ArgSlices        = "stage_slices"
	ArgTotal         = "total_group_results"
	ArgElapsed       = "stage_elapsed"
	ArgMetricNames   = "metric_hook_names"
	ArgPayloads      = "stage_payloads"
	ArgBatchResults  = "stage_batch_results"
	ArgStageContexts = "stage_contexts"
	ArgStageEvents   = "stage_events"
	ArgCustomMetrics = "custom_metrics"
	ArgStageMetrics  = "stage_metrics"

	// KeySummary is the output key of the summary hook.
	KeySummary = "summary"
)

// Pipeline configures one reduction.
type Pipeline struct {
	// Graph and Stage identify the analyze stage in batch payloads.
	Graph string
	Stage string

	Pool *Pool

	// Context is the serializable context snapshot shipped with each batch.
	Context map[string]any

	// MetricHooks are the custom Metric hooks; they run on each stage's
	// unsliced results.
	MetricHooks []*hook.Hook

	// Observe, when set, receives phase notifications (partitioned, reduced).
	Observe func(msg string, meta map[string]any)

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Pipeline) observe(msg string, meta map[string]any) {
	if p.Observe != nil {
		p.Observe(msg, meta)
	}
}

func (p *Pipeline) pool() *Pool {
	if p.Pool == nil {
		p.Pool = NewPool(0)
	}
	return p.Pool
}

// Hooks returns the reduction chain as hook descriptors owned by the
// pipeline's stage. Run it with hook.NewDispatcher, seeding ArgRawResults;
// the Summary ends up under KeySummary.
func (p *Pipeline) Hooks() []*hook.Hook {
	s := p.Stage
	return []*hook.Hook{
		hook.New(s, HookInitialize, hook.Event, p.initialize, hook.WithParams(ArgRawResults)),
		hook.New(s, HookPartition, hook.Event, p.partition,
			hook.WithDependsOn(HookInitialize), hook.WithParams(ArgRawResults)),
		hook.New(s, HookMetricHooks, hook.Event, p.metricHookNames,
			hook.WithDependsOn(HookPartition), hook.WithParams()),
		hook.New(s, HookCreateBatches, hook.Event, p.createBatches,
			hook.WithDependsOn(HookMetricHooks), hook.WithParams(ArgSlices, ArgMetricNames)),
		hook.New(s, HookAnalyze, hook.Event, p.analyzeBatches,
			hook.WithDependsOn(HookCreateBatches), hook.WithParams(ArgPayloads, ArgTotal)),
		hook.New(s, HookReduceContext, hook.Event, p.reduceContexts,
			hook.WithDependsOn(HookAnalyze), hook.WithParams(ArgBatchResults)),
		hook.New(s, HookMergeGroups, hook.Event, p.mergeGroups,
			hook.WithDependsOn(HookAnalyze), hook.WithParams(ArgBatchResults)),
		hook.New(s, HookCustomMetrics, hook.Event, p.customMetrics,
			hook.WithDependsOn(HookMergeGroups), hook.WithParams(ArgRawResults)),
		hook.New(s, HookMetricSets, hook.Event, p.metricSets,
			hook.WithDependsOn(HookCustomMetrics), hook.WithParams(ArgStageEvents, ArgCustomMetrics, ArgElapsed)),
		hook.New(s, HookSummary, hook.Context, p.summary,
			hook.WithDependsOn(HookMetricSets, HookReduceContext), hook.WithKey(KeySummary),
			hook.WithParams(ArgStageMetrics, ArgStageContexts, ArgStartedAt)),
	}
}

func (p *Pipeline) initialize(_ context.Context, in hook.Args) (any, error) {
	raw, _ := in[ArgRawResults].(RawResults)
	if raw == nil {
		raw = RawResults{}
	}
	return hook.Args{ArgRawResults: raw, ArgStartedAt: p.now()}, nil
}

func (p *Pipeline) partition(_ context.Context, in hook.Args) (any, error) {
	raw := in[ArgRawResults].(RawResults)
	workers := p.pool().Workers()

	slices := make(map[string][][]Result, len(raw))
	elapsed := make(map[string]time.Duration, len(raw))
	for _, name := range raw.Stages() {
		set := raw[name]
		slices[name] = Partition(set.Results, workers)
		elapsed[name] = set.Elapsed
	}

	p.observe("analyze_partitioned", map[string]any{"count": raw.Total(), "stages": len(raw), "workers": workers})
	return hook.Args{ArgSlices: slices, ArgTotal: raw.Total(), ArgElapsed: elapsed}, nil
}

func (p *Pipeline) metricHookNames(context.Context, hook.Args) (any, error) {
	names := make([]string, len(p.MetricHooks))
	for i, h := range p.MetricHooks {
		names[i] = h.ShortName
	}
	return hook.Args{ArgMetricNames: names}, nil
}

func (p *Pipeline) createBatches(_ context.Context, in hook.Args) (any, error) {
	slices := in[ArgSlices].(map[string][][]Result)
	names, _ := in[ArgMetricNames].([]string)

	payloads := make(map[string][][]byte, len(slices))
	for _, stage := range sortedKeys(slices) {
		for i, slice := range slices[stage] {
			if len(slice) == 0 {
				continue
			}
			data, err := EncodeBatch(&Batch{
				Graph:       p.Graph,
				Source:      p.Stage,
				Stage:       stage,
				Index:       i,
				Context:     p.Context,
				MetricHooks: names,
				Results:     slice,
			})
			if err != nil {
				return nil, fmt.Errorf("encode %s batch %d: %w", stage, i, err)
			}
			payloads[stage] = append(payloads[stage], data)
		}
	}
	return hook.Args{ArgPayloads: payloads}, nil
}

func (p *Pipeline) analyzeBatches(ctx context.Context, in hook.Args) (any, error) {
	payloads := in[ArgPayloads].(map[string][][]byte)

	var flat [][]byte
	var owners []string
	for _, stage := range sortedKeys(payloads) {
		for _, data := range payloads[stage] {
			flat = append(flat, data)
			owners = append(owners, stage)
		}
	}

	results, err := p.pool().Process(ctx, flat, ProcessBatch)
	if err != nil {
		return nil, err
	}
	byStage := make(map[string][]*BatchResult, len(payloads))
	for i, res := range results {
		byStage[owners[i]] = append(byStage[owners[i]], res)
	}
	// Stages without any result still get an entry.
	for stage := range payloads {
		if _, ok := byStage[stage]; !ok {
			byStage[stage] = nil
		}
	}
	return hook.Args{ArgBatchResults: byStage}, nil
}

// reduceContexts collects the partial context values of every batch per key.
// Values are appended, never overwritten.
func (p *Pipeline) reduceContexts(_ context.Context, in hook.Args) (any, error) {
	byStage := in[ArgBatchResults].(map[string][]*BatchResult)
	contexts := make(map[string][]any)
	for _, stage := range sortedKeys(byStage) {
		for _, res := range byStage[stage] {
			for _, k := range sortedKeys(res.Context) {
				contexts[k] = append(contexts[k], res.Context[k])
			}
		}
	}
	return hook.Args{ArgStageContexts: contexts}, nil
}

func (p *Pipeline) mergeGroups(_ context.Context, in hook.Args) (any, error) {
	byStage := in[ArgBatchResults].(map[string][]*BatchResult)
	events := make(map[string]map[string]*EventsGroup, len(byStage))
	for stage, results := range byStage {
		parts := make([]map[string]*EventsGroup, 0, len(results))
		for _, res := range results {
			groups, err := res.Groups()
			if err != nil {
				return nil, err
			}
			parts = append(parts, groups)
		}
		events[stage] = MergeGroups(parts...)
	}
	return hook.Args{ArgStageEvents: events}, nil
}

// customMetrics calls every Metric hook once per stage with the stage's
// unsliced results under the "results" argument.
func (p *Pipeline) customMetrics(ctx context.Context, in hook.Args) (any, error) {
	raw := in[ArgRawResults].(RawResults)
	custom := make(map[string]map[string]map[string]any, len(raw))
	for _, stage := range raw.Stages() {
		perGroup := make(map[string]map[string]any)
		for _, h := range p.MetricHooks {
			v, err := h.Call(ctx, hook.Args{"results": raw[stage].Results, "stage": stage})
			if err != nil {
				return nil, &hook.HookError{Hook: h.Name, Type: h.Type, Err: err}
			}
			if perGroup[h.Group] == nil {
				perGroup[h.Group] = make(map[string]any)
			}
			perGroup[h.Group][h.ShortName] = v
		}
		custom[stage] = perGroup
	}
	return hook.Args{ArgCustomMetrics: custom}, nil
}

func (p *Pipeline) metricSets(_ context.Context, in hook.Args) (any, error) {
	events := in[ArgStageEvents].(map[string]map[string]*EventsGroup)
	custom, _ := in[ArgCustomMetrics].(map[string]map[string]map[string]any)
	elapsed, _ := in[ArgElapsed].(map[string]time.Duration)

	stages := make(map[string]StageSummary, len(events))
	for _, stage := range sortedKeys(events) {
		took := elapsed[stage]
		sum := StageSummary{Elapsed: took, Actions: make(map[string]MetricsSet, len(events[stage]))}
		for _, name := range sortedKeys(events[stage]) {
			g := events[stage][name]
			aps, err := ActionsPerSecond(g.Total, took)
			if err != nil {
				return nil, fmt.Errorf("stage %s action %s: %w", stage, name, err)
			}
			sum.Actions[name] = MetricsSet{
				Name:             name,
				Source:           g.Source,
				Stage:            stage,
				Tags:             g.Tags,
				Total:            g.Total,
				Succeeded:        g.Succeeded,
				Failed:           g.Failed,
				ActionsPerSecond: aps,
				Errors:           g.ErrorCounts(),
				Timings:          g.Stats(),
				Custom:           custom[stage],
			}
			sum.Total += g.Total
		}
		if len(sum.Actions) > 0 {
			aps, err := ActionsPerSecond(sum.Total, took)
			if err != nil {
				return nil, fmt.Errorf("stage %s: %w", stage, err)
			}
			sum.ActionsPerSecond = aps
		}
		stages[stage] = sum
	}
	return hook.Args{ArgStageMetrics: stages}, nil
}

func (p *Pipeline) summary(_ context.Context, in hook.Args) (any, error) {
	stages, _ := in[ArgStageMetrics].(map[string]StageSummary)
	contexts, _ := in[ArgStageContexts].(map[string][]any)
	started, ok := in[ArgStartedAt].(time.Time)
	if !ok {
		started = p.now()
	}

	s := Summary{Stages: stages, Contexts: contexts}
	for _, st := range stages {
		s.SessionTotal += st.Total
	}
	s.Duration = p.now().Sub(started)

	p.observe("analyze_reduced", map[string]any{
		"count":       s.SessionTotal,
		"stages":      len(stages),
		"duration_ms": s.Duration.Milliseconds(),
	})
	return s, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
