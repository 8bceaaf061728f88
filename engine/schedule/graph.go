// Package schedule implements the scheduler (§4.8): a DependencyGraph
// over schedule entries, a hand-written CronParser, a PipelineScheduler
// that ticks enabled entries and enforces dependsOn preconditions with
// retry, and DelayedExecutor/RecurringExecutor one-shot/fixed-interval
// helpers. Grounded on coreengine/config/pipeline.go's Kahn's-algorithm
// topological sort (generalized from agent-stage dependencies to
// schedule-entry dependencies) and coreengine/kernel/cleanup.go's
// ticker-plus-done-channel idiom.
package schedule

import "fmt"

// color is a DFS-coloring state used by AddEdge's per-edge cycle check.
type color int

const (
	white color = iota
	gray
	black
)

// DependencyGraph is an adjacency set with a reverse index (§4.8).
// Acyclicity is enforced on every edge addition via DFS colouring,
// rather than only at a later bulk-validation pass — adding an edge
// that would introduce a cycle is rejected immediately, grounded in
// spirit on coreengine/config/pipeline.go's validateDAG but checked
// incrementally instead of once over the whole batch.
type DependencyGraph struct {
	nodes   map[string]bool
	forward map[string]map[string]bool // node -> set of nodes it depends on
	reverse map[string]map[string]bool // node -> set of nodes that depend on it
}

// NewDependencyGraph returns an empty graph.
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		nodes:   make(map[string]bool),
		forward: make(map[string]map[string]bool),
		reverse: make(map[string]map[string]bool),
	}
}

// AddNode registers a node with no dependencies, a no-op if it already
// exists.
func (g *DependencyGraph) AddNode(name string) {
	if g.nodes[name] {
		return
	}
	g.nodes[name] = true
	g.forward[name] = make(map[string]bool)
	g.reverse[name] = make(map[string]bool)
}

// AddEdge records that `from` depends on `to` (from runs after to).
// Both nodes are implicitly registered, even when the edge is
// rejected. Returns an error, leaving the edge unrecorded, if it is a
// self-dependency or would introduce a cycle.
func (g *DependencyGraph) AddEdge(from, to string) error {
	g.AddNode(from)
	g.AddNode(to)
	if from == to {
		return fmt.Errorf("schedule: %q cannot depend on itself", from)
	}
	if g.forward[from][to] {
		return nil // already present
	}

	g.forward[from][to] = true
	g.reverse[to][from] = true

	if g.hasCycle() {
		delete(g.forward[from], to)
		delete(g.reverse[to], from)
		return fmt.Errorf("schedule: edge %q -> %q would introduce a dependency cycle", from, to)
	}
	return nil
}

// RemoveEdge deletes a single dependency edge, leaving both nodes and
// any other edges touching them intact.
func (g *DependencyGraph) RemoveEdge(from, to string) {
	delete(g.forward[from], to)
	delete(g.reverse[to], from)
}

// RemoveNode deletes a node and every edge touching it.
func (g *DependencyGraph) RemoveNode(name string) {
	for to := range g.forward[name] {
		delete(g.reverse[to], name)
	}
	for from := range g.reverse[name] {
		delete(g.forward[from], name)
	}
	delete(g.forward, name)
	delete(g.reverse, name)
	delete(g.nodes, name)
}

// DependsOn returns the direct dependencies of name.
func (g *DependencyGraph) DependsOn(name string) []string {
	out := make([]string, 0, len(g.forward[name]))
	for dep := range g.forward[name] {
		out = append(out, dep)
	}
	return out
}

// Dependents returns the nodes that directly depend on name.
func (g *DependencyGraph) Dependents(name string) []string {
	out := make([]string, 0, len(g.reverse[name]))
	for dep := range g.reverse[name] {
		out = append(out, dep)
	}
	return out
}

// hasCycle runs DFS colouring over the whole graph; used after each
// edge addition to verify the graph is still acyclic.
func (g *DependencyGraph) hasCycle() bool {
	colors := make(map[string]color, len(g.nodes))
	for n := range g.nodes {
		colors[n] = white
	}
	for n := range g.nodes {
		if colors[n] == white {
			if g.visit(n, colors) {
				return true
			}
		}
	}
	return false
}

func (g *DependencyGraph) visit(n string, colors map[string]color) bool {
	colors[n] = gray
	for dep := range g.forward[n] {
		switch colors[dep] {
		case gray:
			return true
		case white:
			if g.visit(dep, colors) {
				return true
			}
		}
	}
	colors[n] = black
	return false
}

// TopologicalOrder returns a valid dependency-respecting order
// (dependencies before dependents) restricted to subset, via Kahn's
// algorithm — adapted near-verbatim from coreengine/config/pipeline.go's
// validateDAG.
func (g *DependencyGraph) TopologicalOrder(subset []string) ([]string, error) {
	in := make(map[string]bool, len(subset))
	for _, n := range subset {
		in[n] = true
	}

	inDegree := make(map[string]int, len(subset))
	adjacency := make(map[string][]string, len(subset))
	for _, n := range subset {
		inDegree[n] = 0
		adjacency[n] = nil
	}
	for _, n := range subset {
		for dep := range g.forward[n] {
			if !in[dep] {
				continue
			}
			adjacency[dep] = append(adjacency[dep], n)
			inDegree[n]++
		}
	}

	queue := make([]string, 0)
	for _, n := range subset {
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}

	order := make([]string, 0, len(subset))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		order = append(order, current)
		for _, dependent := range adjacency[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(order) != len(subset) {
		return nil, fmt.Errorf("schedule: requested subset contains a dependency cycle")
	}
	return order, nil
}
