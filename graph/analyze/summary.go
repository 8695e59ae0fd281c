package analyze

import "time"

// MetricsSet is the computed metrics of one action of one stage.
type MetricsSet struct {
	Name   string
	Source string
	Stage  string
	Tags   map[string]string

	Total            int
	Succeeded        int
	Failed           int
	ActionsPerSecond float64
	Errors           []ErrorCount
	Timings          map[string]Stats

	// Custom maps a metric hook group to hook short name to value.
	Custom map[string]map[string]any
}

// StageSummary aggregates the metrics sets of one execute stage.
type StageSummary struct {
	Total            int
	ActionsPerSecond float64
	Elapsed          time.Duration
	Actions          map[string]MetricsSet
}

// Summary is the session-level result of one analyze stage.
type Summary struct {
	SessionTotal int
	Stages       map[string]StageSummary

	// Contexts collects, per context key, the values reported by every batch.
	Contexts map[string][]any

	// Duration is the wall time of the reduction itself.
	Duration time.Duration
}

// Summaries maps analyze stage names to their summaries. It merges on carry
// so that stages downstream of several analyze stages see every summary.
type Summaries map[string]Summary

// Merge implements state.Merger. Entries of s win over existing ones.
func (s Summaries) Merge(existing any) any {
	prev, _ := existing.(Summaries)
	out := make(Summaries, len(prev)+len(s))
	for k, v := range prev {
		out[k] = v
	}
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Total returns the sum of the session totals.
func (s Summaries) Total() int {
	n := 0
	for _, sum := range s {
		n += sum.SessionTotal
	}
	return n
}
