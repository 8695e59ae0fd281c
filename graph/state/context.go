// Package state provides the key-value Context carried between stages and
// along hook chains.
package state

import (
	"sort"
	"sync"
)

// Merger is implemented by context values that combine with an existing value
// of the same key instead of replacing it when a context is carried forward.
//
// Merge must not mutate either operand; it returns the combined value.
type Merger interface {
	Merge(existing any) any
}

// Context is a concurrency-safe mapping from string keys to arbitrary values.
//
// Besides the values themselves, a Context records its known keys in the order
// they were first set. Known keys decide what is carried into the next stage's
// context at a stage boundary. Keys marked with IgnoreSerialization are kept
// locally but left out of serializable snapshots, which is what crosses the
// analyze worker-pool boundary.
type Context struct {
	mu      sync.RWMutex
	values  map[string]any
	known   []string
	seen    map[string]struct{}
	ignored map[string]struct{}
}

// New creates an empty Context.
func New() *Context {
	return &Context{
		values:  make(map[string]any),
		seen:    make(map[string]struct{}),
		ignored: make(map[string]struct{}),
	}
}

// FromMap creates a Context seeded with values. Keys are recorded in sorted
// order so the known-key sequence is deterministic.
func FromMap(values map[string]any) *Context {
	c := New()
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		c.setLocked(k, values[k])
	}
	return c
}

// Get returns the value stored under key and whether it was present.
func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// Value returns the value stored under key, or nil.
func (c *Context) Value(key string) any {
	v, _ := c.Get(key)
	return v
}

// Set stores value under key and records key as known.
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value)
}

func (c *Context) setLocked(key string, value any) {
	if _, ok := c.seen[key]; !ok {
		c.seen[key] = struct{}{}
		c.known = append(c.known, key)
	}
	c.values[key] = value
}

// MergeValue stores v under key. When v is a Merger and key already holds a
// value, the merged result is stored instead.
func (c *Context) MergeValue(key string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := v.(Merger); ok {
		if existing, has := c.values[key]; has {
			v = m.Merge(existing)
		}
	}
	c.setLocked(key, v)
}

// Update stores every entry of values. Keys are applied in sorted order.
func (c *Context) Update(values map[string]any) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		c.setLocked(k, values[k])
	}
}

// Delete clears the value stored under key. The key stays known.
func (c *Context) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
}

// Keys returns the known keys in first-set order.
func (c *Context) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.known))
	copy(out, c.known)
	return out
}

// Len returns the number of keys that currently hold a value.
func (c *Context) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.values)
}

// IgnoreSerialization excludes keys from serializable snapshots.
func (c *Context) IgnoreSerialization(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		c.ignored[k] = struct{}{}
	}
}

// Snapshot returns a shallow copy of the stored values. With serializable set,
// keys marked by IgnoreSerialization are omitted.
func (c *Context) Snapshot(serializable bool) map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		if _, skip := c.ignored[k]; serializable && skip {
			continue
		}
		out[k] = v
	}
	return out
}

// CarryTo copies every known key that holds a value into dst. A value that
// implements Merger is combined with the value dst already holds for the key.
// Serialization filters are carried as well.
func (c *Context) CarryTo(dst *Context) {
	if dst == nil || dst == c {
		return
	}

	c.mu.RLock()
	keys := make([]string, len(c.known))
	copy(keys, c.known)
	values := make(map[string]any, len(c.values))
	for k, v := range c.values {
		values[k] = v
	}
	ignored := make([]string, 0, len(c.ignored))
	for k := range c.ignored {
		ignored = append(ignored, k)
	}
	c.mu.RUnlock()

	dst.mu.Lock()
	defer dst.mu.Unlock()
	for _, k := range keys {
		v, ok := values[k]
		if !ok {
			continue
		}
		if m, isMerger := v.(Merger); isMerger {
			if existing, has := dst.values[k]; has {
				v = m.Merge(existing)
			}
		}
		dst.setLocked(k, v)
	}
	for _, k := range ignored {
		dst.ignored[k] = struct{}{}
	}
}
