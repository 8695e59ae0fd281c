package analyze

import "sort"

// EventsGroup accumulates the results of one action.
//
// Merge sums counts and concatenates timing samples, so merging partial
// groups in any order yields the same statistics.
type EventsGroup struct {
	Name   string            `msgpack:"name"`
	Source string            `msgpack:"source"`
	Tags   map[string]string `msgpack:"tags,omitempty"`

	Total     int `msgpack:"total"`
	Succeeded int `msgpack:"succeeded"`
	Failed    int `msgpack:"failed"`

	// Timings holds samples in seconds per timing name.
	Timings map[string][]float64 `msgpack:"timings"`

	// Errors counts failures by message.
	Errors map[string]int `msgpack:"errors,omitempty"`
}

// NewEventsGroup creates an empty group for the named action.
func NewEventsGroup(name string) *EventsGroup {
	return &EventsGroup{
		Name:    name,
		Timings: make(map[string][]float64),
		Errors:  make(map[string]int),
	}
}

// Add accounts for one result.
func (g *EventsGroup) Add(r Result) {
	if g.Source == "" {
		g.Source = r.Source
	}
	if len(r.Tags) > 0 && g.Tags == nil {
		g.Tags = make(map[string]string, len(r.Tags))
	}
	for k, v := range r.Tags {
		g.Tags[k] = v
	}

	g.Total++
	if r.Failed() {
		g.Failed++
		g.Errors[r.Error]++
	} else {
		g.Succeeded++
	}
	for name, d := range r.Timings {
		g.Timings[name] = append(g.Timings[name], d.Seconds())
	}
}

// Merge folds other into g.
func (g *EventsGroup) Merge(other *EventsGroup) {
	if other == nil {
		return
	}
	if g.Name == "" {
		g.Name = other.Name
	}
	if g.Source == "" {
		g.Source = other.Source
	}
	if len(other.Tags) > 0 && g.Tags == nil {
		g.Tags = make(map[string]string, len(other.Tags))
	}
	for k, v := range other.Tags {
		g.Tags[k] = v
	}
	if g.Timings == nil {
		g.Timings = make(map[string][]float64, len(other.Timings))
	}
	if g.Errors == nil {
		g.Errors = make(map[string]int, len(other.Errors))
	}

	g.Total += other.Total
	g.Succeeded += other.Succeeded
	g.Failed += other.Failed
	for name, samples := range other.Timings {
		g.Timings[name] = append(g.Timings[name], samples...)
	}
	for msg, n := range other.Errors {
		g.Errors[msg] += n
	}
}

// Stats computes Stats per timing name.
func (g *EventsGroup) Stats() map[string]Stats {
	out := make(map[string]Stats, len(g.Timings))
	for name, samples := range g.Timings {
		out[name] = ComputeStats(samples)
	}
	return out
}

// ErrorCount is one distinct error message and how often it occurred.
type ErrorCount struct {
	Message string
	Count   int
}

// ErrorCounts returns the errors sorted by descending count, then message.
func (g *EventsGroup) ErrorCounts() []ErrorCount {
	out := make([]ErrorCount, 0, len(g.Errors))
	for msg, n := range g.Errors {
		out = append(out, ErrorCount{Message: msg, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Message < out[j].Message
	})
	return out
}

// Group builds one EventsGroup per action name.
func Group(results []Result) map[string]*EventsGroup {
	groups := make(map[string]*EventsGroup)
	for _, r := range results {
		g, ok := groups[r.Name]
		if !ok {
			g = NewEventsGroup(r.Name)
			groups[r.Name] = g
		}
		g.Add(r)
	}
	return groups
}

// MergeGroups merges several partial group maps into one. The inputs are not
// modified.
func MergeGroups(parts ...map[string]*EventsGroup) map[string]*EventsGroup {
	out := make(map[string]*EventsGroup)
	for _, part := range parts {
		for name, g := range part {
			acc, ok := out[name]
			if !ok {
				acc = NewEventsGroup(name)
				out[name] = acc
			}
			acc.Merge(g)
		}
	}
	return out
}
