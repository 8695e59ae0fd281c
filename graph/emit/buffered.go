package emit

import "sync"

// BufferedEmitter stores events in memory, keyed by run, and answers history
// queries. It is meant for tests, debugging and post-run inspection; nothing
// is evicted.
//
// Example usage:
//
//	emitter := emit.NewBufferedEmitter()
//	engine, _ := graph.New(factories, graph.WithEmitter(emitter))
//	...
//	failures := emitter.GetHistoryWithFilter(runID, emit.HistoryFilter{Msg: emit.MsgTransitionError})
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event
}

// HistoryFilter selects events. Zero-valued fields match everything; all
// set fields must match.
type HistoryFilter struct {
	Stage         string
	Msg           string
	MinGeneration *int
	MaxGeneration *int
}

// NewBufferedEmitter creates an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit stores event under its run.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.RunID] = append(b.events[event.RunID], event)
}

// GetHistory returns a copy of every event of runID in emission order.
func (b *BufferedEmitter) GetHistory(runID string) []Event {
	return b.GetHistoryWithFilter(runID, HistoryFilter{})
}

// GetHistoryWithFilter returns the events of runID matching filter, in
// emission order. The result is never nil.
func (b *BufferedEmitter) GetHistoryWithFilter(runID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []Event{}
	for _, event := range b.events[runID] {
		if filter.matches(event) {
			result = append(result, event)
		}
	}
	return result
}

func (f HistoryFilter) matches(event Event) bool {
	if f.Stage != "" && event.Stage != f.Stage {
		return false
	}
	if f.Msg != "" && event.Msg != f.Msg {
		return false
	}
	if f.MinGeneration != nil && event.Generation < *f.MinGeneration {
		return false
	}
	if f.MaxGeneration != nil && event.Generation > *f.MaxGeneration {
		return false
	}
	return true
}

// Clear drops the events of runID, or of every run when runID is empty.
func (b *BufferedEmitter) Clear(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if runID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, runID)
}
