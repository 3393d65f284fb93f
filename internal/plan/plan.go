// Package plan models governed work plans as task dependency graphs.
// Pure computation — no imports from other internal packages.
package plan

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrCycle rejects a task whose dependencies would make the graph cyclic.
	ErrCycle = errors.New("plan: dependency cycle")
	// ErrDuplicate rejects a task id that is already present.
	ErrDuplicate = errors.New("plan: duplicate task")
	// ErrNotFound is the typed miss for an unknown task id.
	ErrNotFound = errors.New("plan: task not found")
)

// Task is one unit of governed work.
type Task struct {
	ID        string   `json:"id"`
	DependsOn []string `json:"depends_on,omitempty"`
}

// Plan is an append-only task dependency graph. Dependencies may name
// tasks added later; the graph stays acyclic at every step.
type Plan struct {
	deps map[string][]string
}

// New returns an empty plan.
func New() *Plan {
	return &Plan{deps: make(map[string][]string)}
}

// AddTask appends a task with its dependency set. A task whose
// dependencies would introduce a cycle is rejected before any mutation,
// leaving the plan exactly as it was.
func (p *Plan) AddTask(id string, dependsOn ...string) error {
	if id == "" {
		return fmt.Errorf("plan: task id must not be empty")
	}
	if _, exists := p.deps[id]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicate, id)
	}
	for _, d := range dependsOn {
		if d == id {
			return fmt.Errorf("%w: %q depends on itself", ErrCycle, id)
		}
	}

	// Trial the edge set before committing: if any dependency can reach
	// id through existing edges, the addition closes a cycle.
	for _, d := range dependsOn {
		if p.reaches(d, id) {
			return fmt.Errorf("%w: %q -> %q closes a loop", ErrCycle, id, d)
		}
	}

	p.deps[id] = append([]string(nil), dependsOn...)
	return nil
}

// reaches reports whether target is reachable from start through
// dependency edges.
func (p *Plan) reaches(start, target string) bool {
	if start == target {
		return true
	}
	seen := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range p.deps[cur] {
			if next == target {
				return true
			}
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

// Dependencies returns a task's direct dependency set.
func (p *Plan) Dependencies(id string) ([]string, error) {
	deps, ok := p.deps[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return append([]string(nil), deps...), nil
}

// Tasks returns every task, sorted by id.
func (p *Plan) Tasks() []Task {
	out := make([]Task, 0, len(p.deps))
	for id, deps := range p.deps {
		out = append(out, Task{ID: id, DependsOn: append([]string(nil), deps...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Order returns the tasks in a valid execution order: every task after
// all of its dependencies. Dependencies on tasks never added are
// treated as already satisfied. Ties break lexicographically so the
// order is deterministic.
func (p *Plan) Order() []string {
	indegree := make(map[string]int, len(p.deps))
	dependents := make(map[string][]string)
	for id, deps := range p.deps {
		if _, ok := indegree[id]; !ok {
			indegree[id] = 0
		}
		for _, d := range deps {
			if _, known := p.deps[d]; !known {
				continue
			}
			indegree[id]++
			dependents[d] = append(dependents[d], id)
		}
	}

	ready := make([]string, 0, len(indegree))
	for id, n := range indegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(indegree))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		added := false
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
				added = true
			}
		}
		if added {
			sort.Strings(ready)
		}
	}
	return order
}
