// Package emit provides event emission and observability for stage graph runs.
package emit

// Emitter receives observability events from a run.
//
// Emitters are fire-and-forget: implementations must not block the scheduler
// and must never panic. A slow or failing backend drops or buffers events
// rather than surfacing an error to the run.
type Emitter interface {
	// Emit sends one event to the configured backend.
	Emit(event Event)
}

// MultiEmitter fans every event out to several emitters in order.
type MultiEmitter []Emitter

// NewMultiEmitter combines emitters, skipping nil entries.
func NewMultiEmitter(emitters ...Emitter) MultiEmitter {
	out := make(MultiEmitter, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

// Emit forwards event to every emitter.
func (m MultiEmitter) Emit(event Event) {
	for _, e := range m {
		e.Emit(event)
	}
}
