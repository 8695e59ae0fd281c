// Package dag implements the dependency graph shared by the stage scheduler and
// the hook dispatcher: nodes keyed by name, dependency edges, and topological
// generations computed by Kahn layering.
package dag

import (
	"errors"
	"fmt"
	"sync"
)

// ErrCycle is returned when topological generations cannot be computed
// because the graph contains a cycle.
var ErrCycle = errors.New("dependency graph contains a cycle")

type node struct {
	id         string
	index      int
	deps       []string
	dependents []string
}

// Graph is a directed graph whose edges point from a dependency to the node
// that depends on it. Node and edge order follow insertion order, so every
// traversal is deterministic.
type Graph struct {
	mu    sync.RWMutex
	nodes map[string]*node
	order []string
}

// New creates an empty Graph.
func New() *Graph {
	return &Graph{nodes: make(map[string]*node)}
}

// AddNode adds a node. Adding an existing node is a no-op.
func (g *Graph) AddNode(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[id]; ok {
		return
	}
	g.nodes[id] = &node{id: id, index: len(g.order)}
	g.order = append(g.order, id)
}

// AddEdge records that toID depends on fromID. Duplicate edges are ignored.
func (g *Graph) AddEdge(fromID, toID string) error {
	if fromID == toID {
		return fmt.Errorf("self-referential edge not allowed: %s -> %s", fromID, toID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	from, ok := g.nodes[fromID]
	if !ok {
		return fmt.Errorf("source node not found: %s", fromID)
	}
	to, ok := g.nodes[toID]
	if !ok {
		return fmt.Errorf("destination node not found: %s", toID)
	}

	for _, d := range to.deps {
		if d == fromID {
			return nil
		}
	}
	to.deps = append(to.deps, fromID)
	from.dependents = append(from.dependents, toID)
	return nil
}

// HasNode reports whether id is part of the graph.
func (g *Graph) HasNode(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[id]
	return ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.order)
}

// Nodes returns every node id in insertion order.
func (g *Graph) Nodes() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.order...)
}

// Dependencies returns the ids id depends on, in edge insertion order.
func (g *Graph) Dependencies(id string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node not found: %s", id)
	}
	return append([]string(nil), n.deps...), nil
}

// Dependents returns the ids that depend on id, in edge insertion order.
func (g *Graph) Dependents(id string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node not found: %s", id)
	}
	return append([]string(nil), n.dependents...), nil
}

// Isolates returns the nodes with neither inbound nor outbound edges.
// A single-node graph has no isolates.
func (g *Graph) Isolates() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(g.order) < 2 {
		return nil
	}
	var out []string
	for _, id := range g.order {
		n := g.nodes[id]
		if len(n.deps) == 0 && len(n.dependents) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// Descendants returns every node reachable from id, in discovery order.
func (g *Graph) Descendants(id string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	start, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node not found: %s", id)
	}

	seen := map[string]bool{id: true}
	queue := append([]string(nil), start.dependents...)
	var out []string
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		out = append(out, next)
		queue = append(queue, g.nodes[next].dependents...)
	}
	return out, nil
}

// Generations layers the graph with Kahn's algorithm. A node lands in
// generation k when the longest path from any root to it has length k, so
// every dependency of a node lies in a strictly earlier generation. Within a
// generation nodes keep insertion order.
func (g *Graph) Generations() ([][]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	indegree := make(map[string]int, len(g.nodes))
	var current []string
	for _, id := range g.order {
		indegree[id] = len(g.nodes[id].deps)
		if indegree[id] == 0 {
			current = append(current, id)
		}
	}

	var generations [][]string
	placed := 0
	for len(current) > 0 {
		generations = append(generations, current)
		placed += len(current)

		var next []string
		for _, id := range current {
			for _, dep := range g.nodes[id].dependents {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		g.sortByIndex(next)
		current = next
	}

	if placed != len(g.nodes) {
		return nil, fmt.Errorf("%w: %d of %d nodes could not be ordered", ErrCycle, len(g.nodes)-placed, len(g.nodes))
	}
	return generations, nil
}

func (g *Graph) sortByIndex(ids []string) {
	// insertion sort, generations are small
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && g.nodes[ids[j]].index < g.nodes[ids[j-1]].index; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

// DetectCycles reports the first node found on a cycle, or nil.
func (g *Graph) DetectCycles() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	permanent := make(map[string]bool)
	temporary := make(map[string]bool)

	var visit func(id string) error
	visit = func(id string) error {
		if permanent[id] {
			return nil
		}
		if temporary[id] {
			return fmt.Errorf("%w: involving node '%s'", ErrCycle, id)
		}
		temporary[id] = true
		for _, dep := range g.nodes[id].dependents {
			if err := visit(dep); err != nil {
				return err
			}
		}
		delete(temporary, id)
		permanent[id] = true
		return nil
	}

	for _, id := range g.order {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}
