package hook

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrRegistrySealed is returned when registering on a sealed registry.
var ErrRegistrySealed = errors.New("hook registry is sealed")

// Registry holds the hooks of one stage in registration order. The set of
// accepted hook types is fixed at construction and enforced by Register.
// Once sealed the registry is read-only.
type Registry struct {
	mu       sync.RWMutex
	stage    string
	accepted map[Type]bool
	hooks    []*Hook
	byName   map[string]*Hook
	sealed   bool
}

// NewRegistry creates a registry for stage accepting the given hook types.
func NewRegistry(stage string, accepted ...Type) *Registry {
	r := &Registry{
		stage:    stage,
		accepted: make(map[Type]bool, len(accepted)),
		byName:   make(map[string]*Hook),
	}
	for _, t := range accepted {
		r.accepted[t] = true
	}
	return r
}

// Stage returns the owning stage name.
func (r *Registry) Stage() string {
	return r.stage
}

// Accepts reports whether hooks of type t may be registered.
func (r *Registry) Accepts(t Type) bool {
	return r.accepted[t]
}

// AcceptedTypes returns the accepted types in enum order.
func (r *Registry) AcceptedTypes() []Type {
	out := make([]Type, 0, len(r.accepted))
	for t := range r.accepted {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Register validates h and appends it. The hook's Stage and Name are
// rewritten to this registry's stage.
func (r *Registry) Register(hooks ...*Hook) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, h := range hooks {
		if r.sealed {
			return fmt.Errorf("%w: cannot register %s on %s", ErrRegistrySealed, h.ShortName, r.stage)
		}
		if !r.accepted[h.Type] {
			return fmt.Errorf("%w: %s hook %s on stage %s", ErrHookTypeNotAccepted, h.Type, h.ShortName, r.stage)
		}
		if err := h.Validate(); err != nil {
			return err
		}
		if _, dup := r.byName[h.ShortName]; dup {
			return fmt.Errorf("%w: duplicate hook %s on stage %s", ErrInvalidHook, h.ShortName, r.stage)
		}
		h.Stage = r.stage
		h.Name = r.stage + "." + h.ShortName
		r.hooks = append(r.hooks, h)
		r.byName[h.ShortName] = h
	}
	return nil
}

// Seal makes the registry read-only.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Sealed reports whether Seal was called.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Get returns the hook registered under shortName.
func (r *Registry) Get(shortName string) (*Hook, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byName[shortName]
	return h, ok
}

// All returns every hook in registration order.
func (r *Registry) All() []*Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Hook(nil), r.hooks...)
}

// ByType returns the hooks of the given types in registration order.
func (r *Registry) ByType(types ...Type) []*Hook {
	want := make(map[Type]bool, len(types))
	for _, t := range types {
		want[t] = true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Hook
	for _, h := range r.hooks {
		if want[h.Type] {
			out = append(out, h)
		}
	}
	return out
}

// BoundTo returns the hooks of type t whose Names include action.
func (r *Registry) BoundTo(t Type, action string) []*Hook {
	var out []*Hook
	for _, h := range r.ByType(t) {
		for _, n := range h.Names {
			if n == action {
				out = append(out, h)
				break
			}
		}
	}
	return out
}

// Len returns the number of registered hooks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hooks)
}
