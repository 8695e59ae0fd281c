// Package analyze implements the analyze reduction pipeline: raw execute
// results are partitioned into worker batches, reduced to per-action event
// groups on a worker pool, merged, turned into metric sets and folded into a
// session summary.
package analyze

import (
	"sort"
	"time"
)

// Result is the outcome of one action issued by an execute stage.
type Result struct {
	// Name is the action short name. Results are grouped by it.
	Name   string `msgpack:"name"`
	Source string `msgpack:"source"`
	Stage  string `msgpack:"stage"`

	// Error is empty for a successful action.
	Error string `msgpack:"error,omitempty"`

	// Timings holds named phase durations. "total" is always set by the
	// execute stage.
	Timings map[string]time.Duration `msgpack:"timings"`

	Tags map[string]string `msgpack:"tags,omitempty"`
}

// Failed reports whether the action returned an error.
func (r Result) Failed() bool {
	return r.Error != ""
}

// ResultsSet is everything one execute stage produced.
type ResultsSet struct {
	Stage   string
	Results []Result

	// Elapsed is the stage's own wall time, which rates are computed against.
	Elapsed time.Duration
}

// RawResults maps execute stage names to their results. It merges on carry so
// that an analyze stage fed by several execute stages sees all of them.
type RawResults map[string]ResultsSet

// Merge implements state.Merger. Entries of r win over existing ones.
func (r RawResults) Merge(existing any) any {
	prev, _ := existing.(RawResults)
	out := make(RawResults, len(prev)+len(r))
	for k, v := range prev {
		out[k] = v
	}
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Filter returns the entries whose stage name satisfies keep.
func (r RawResults) Filter(keep func(stage string) bool) RawResults {
	out := make(RawResults, len(r))
	for k, v := range r {
		if keep(k) {
			out[k] = v
		}
	}
	return out
}

// Stages returns the stage names in sorted order.
func (r RawResults) Stages() []string {
	names := make([]string, 0, len(r))
	for k := range r {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Total returns the number of results over all stages.
func (r RawResults) Total() int {
	n := 0
	for _, set := range r {
		n += len(set.Results)
	}
	return n
}
