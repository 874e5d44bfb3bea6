// Package pipeline validates the bundling task graph and runs it level by
// level, skipping guarded tasks under a restricted profile and tasks whose
// fingerprint is unchanged.
package pipeline

import (
	"context"
	"sort"

	"github.com/opencontainers/go-digest"
)

// Task is one node of the pipeline
type Task struct {
	Name    string
	Deps    []string
	Guarded bool // Skipped entirely under a restricted profile

	// Fingerprint identifies the task's inputs. Nil means the task always runs.
	Fingerprint func(ctx context.Context) (digest.Digest, error)
	// Outputs lists the files a cached run must still find on disk
	Outputs func() []string
	Run     func(ctx context.Context) error
}

// Edge is a dependency, From must finish before To starts
type Edge struct {
	From string
	To   string
}

// Graph is a validated, immutable task DAG
type Graph struct {
	tasks map[string]*Task
	order []string // topological, ties broken by name
	depth map[string]int
}

// NewGraph validates tasks and builds the graph. It rejects empty or
// duplicate names, unknown or repeated dependencies, self-loops and cycles.
func NewGraph(tasks ...*Task) (*Graph, error) {
	if len(tasks) == 0 {
		return nil, invalidf("no tasks")
	}

	byName := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		if t == nil || t.Name == "" {
			return nil, invalidf("task name is required")
		}
		if _, ok := byName[t.Name]; ok {
			return nil, invalidf("duplicate task name: %q", t.Name)
		}
		if t.Run == nil {
			return nil, invalidf("task %q has no run function", t.Name)
		}
		byName[t.Name] = t
	}

	for _, t := range tasks {
		seen := make(map[string]bool, len(t.Deps))
		for _, d := range t.Deps {
			if _, ok := byName[d]; !ok {
				return nil, invalidf("task %q depends on unknown task %q", t.Name, d)
			}
			if d == t.Name {
				return nil, invalidf("self-loop: %q -> %q", d, t.Name)
			}
			if seen[d] {
				return nil, invalidf("duplicate edge: %q -> %q", d, t.Name)
			}
			seen[d] = true
		}
	}

	g := &Graph{tasks: byName}
	if err := g.validateAcyclic(); err != nil {
		return nil, err
	}
	g.order = g.topoOrder()
	g.depth = g.computeDepth()
	return g, nil
}

func (g *Graph) names() []string {
	names := make([]string, 0, len(g.tasks))
	for name := range g.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (g *Graph) validateAcyclic() error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(g.tasks))
	var stack []string

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visiting:
			start := 0
			for i, n := range stack {
				if n == name {
					start = i
				}
			}
			return cycleError(append(append([]string(nil), stack[start:]...), name))
		case done:
			return nil
		}
		state[name] = visiting
		stack = append(stack, name)

		deps := append([]string(nil), g.tasks[name].Deps...)
		sort.Strings(deps)
		for _, d := range deps {
			if err := visit(d); err != nil {
				return err
			}
		}

		stack = stack[:len(stack)-1]
		state[name] = done
		return nil
	}

	for _, name := range g.names() {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

// topoOrder is Kahn's algorithm with a sorted ready set
func (g *Graph) topoOrder() []string {
	indeg := make(map[string]int, len(g.tasks))
	dependents := make(map[string][]string, len(g.tasks))
	for _, name := range g.names() {
		t := g.tasks[name]
		for _, d := range t.Deps {
			indeg[name]++
			dependents[d] = append(dependents[d], name)
		}
	}

	var ready []string
	for _, name := range g.names() {
		if indeg[name] == 0 {
			ready = append(ready, name)
		}
	}

	order := make([]string, 0, len(g.tasks))
	for len(ready) > 0 {
		sort.Strings(ready)
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)
		for _, m := range dependents[n] {
			indeg[m]--
			if indeg[m] == 0 {
				ready = append(ready, m)
			}
		}
	}
	return order
}

func (g *Graph) computeDepth() map[string]int {
	depth := make(map[string]int, len(g.tasks))
	for _, name := range g.order {
		d := 0
		for _, p := range g.tasks[name].Deps {
			if depth[p]+1 > d {
				d = depth[p] + 1
			}
		}
		depth[name] = d
	}
	return depth
}

// Task returns a task by name
func (g *Graph) Task(name string) (*Task, bool) {
	t, ok := g.tasks[name]
	return t, ok
}

// Order returns a deterministic topological order of task names
func (g *Graph) Order() []string {
	return append([]string(nil), g.order...)
}

// Depth returns the length of the longest dependency chain leading to name
func (g *Graph) Depth(name string) (int, bool) {
	d, ok := g.depth[name]
	return d, ok
}

// Levels groups tasks by depth. Tasks within a level are independent.
func (g *Graph) Levels() [][]string {
	var levels [][]string
	for _, name := range g.order {
		d := g.depth[name]
		for len(levels) <= d {
			levels = append(levels, nil)
		}
		levels[d] = append(levels[d], name)
	}
	for _, l := range levels {
		sort.Strings(l)
	}
	return levels
}

// Edges returns every dependency in topological order of the target
func (g *Graph) Edges() []Edge {
	var edges []Edge
	for _, name := range g.order {
		deps := append([]string(nil), g.tasks[name].Deps...)
		sort.Strings(deps)
		for _, d := range deps {
			edges = append(edges, Edge{From: d, To: name})
		}
	}
	return edges
}

// Subgraph returns the graph restricted to targets and everything they
// depend on
func (g *Graph) Subgraph(targets ...string) (*Graph, error) {
	if len(targets) == 0 {
		return g, nil
	}

	keep := make(map[string]bool)
	var walk func(name string)
	walk = func(name string) {
		if keep[name] {
			return
		}
		keep[name] = true
		for _, d := range g.tasks[name].Deps {
			walk(d)
		}
	}
	for _, t := range targets {
		if _, ok := g.tasks[t]; !ok {
			return nil, invalidf("unknown task %q", t)
		}
		walk(t)
	}

	tasks := make([]*Task, 0, len(keep))
	for _, name := range g.order {
		if keep[name] {
			tasks = append(tasks, g.tasks[name])
		}
	}
	return NewGraph(tasks...)
}
