// Package graph provides a dependency graph for task scheduling.
//
// A Graph is built wholesale from the full task and edge set and is never
// edited afterwards; callers that change dependencies rebuild it.
package graph

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ShayCichocki/taskweave/pkg/models"
)

var (
	// ErrCycleDetected indicates a circular dependency was found in the task graph.
	ErrCycleDetected = errors.New("circular dependency detected")
	// ErrUnknownTask indicates an edge references a task that is not in the graph.
	ErrUnknownTask = errors.New("unknown task")
	// ErrDuplicateTask indicates two tasks share an ID.
	ErrDuplicateTask = errors.New("duplicate task")
)

// CycleError reports the tasks Kahn's algorithm could not order.
type CycleError struct {
	// Remaining lists, sorted, every task left with a non-zero indegree.
	Remaining []string
	// Path is one concrete cycle, first element repeated at the end.
	Path []string
}

func (e *CycleError) Error() string {
	if len(e.Path) > 0 {
		return fmt.Sprintf("%s: %s", ErrCycleDetected, strings.Join(e.Path, " -> "))
	}
	return fmt.Sprintf("%s among %v", ErrCycleDetected, e.Remaining)
}

// Is lets errors.Is match ErrCycleDetected.
func (e *CycleError) Is(target error) bool {
	return target == ErrCycleDetected
}

// Graph is an immutable directed acyclic graph of task dependencies.
// Edges point from prerequisite to dependent.
type Graph struct {
	// nodes maps task ID to the task itself.
	nodes map[string]*models.Task
	// edges is the deduplicated edge list, in insertion order.
	edges []models.DependencyEdge
	// deps maps task ID to the IDs it depends on.
	deps map[string][]string
	// dependents maps task ID to the IDs that depend on it.
	dependents map[string][]string
	// order is the total execution order.
	order []string
	// critical is the longest path by estimated hours.
	critical      []string
	criticalHours float64
}

// Build constructs the dependency graph from tasks and explicit edges. The
// dependencies listed on each task are merged into the edge set. It returns
// a *CycleError if the edges contain a cycle.
func Build(tasks []*models.Task, edges []models.DependencyEdge) (*Graph, error) {
	g := &Graph{
		nodes:      make(map[string]*models.Task, len(tasks)),
		deps:       make(map[string][]string, len(tasks)),
		dependents: make(map[string][]string, len(tasks)),
	}

	// First pass: register all tasks as nodes.
	for _, task := range tasks {
		if _, dup := g.nodes[task.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
		}
		g.nodes[task.ID] = task
	}

	// Second pass: collect edges from the edge list and from task fields.
	seen := make(map[[2]string]bool)
	add := func(e models.DependencyEdge) error {
		if _, ok := g.nodes[e.From]; !ok {
			return fmt.Errorf("%w: %s (edge %s -> %s)", ErrUnknownTask, e.From, e.From, e.To)
		}
		if _, ok := g.nodes[e.To]; !ok {
			return fmt.Errorf("%w: %s (edge %s -> %s)", ErrUnknownTask, e.To, e.From, e.To)
		}
		key := [2]string{e.From, e.To}
		if seen[key] {
			return nil
		}
		seen[key] = true
		if e.Kind == "" {
			e.Kind = models.DependencyBlocks
		}
		g.edges = append(g.edges, e)
		g.deps[e.To] = append(g.deps[e.To], e.From)
		g.dependents[e.From] = append(g.dependents[e.From], e.To)
		return nil
	}

	for _, e := range edges {
		if err := add(e); err != nil {
			return nil, err
		}
	}
	for _, task := range tasks {
		for _, depID := range task.Dependencies {
			if err := add(models.DependencyEdge{ProjectID: task.ProjectID, From: depID, To: task.ID}); err != nil {
				return nil, fmt.Errorf("task %s: %w", task.ID, err)
			}
		}
	}

	if err := g.sort(); err != nil {
		return nil, err
	}
	g.computeCriticalPath()
	return g, nil
}

// Less reports whether task a should run before task b when both are ready:
// higher priority first, then earlier creation time, then smaller ID.
func Less(a, b *models.Task) bool {
	if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
		return ra > rb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// readyHeap orders ready tasks by Less.
type readyHeap []*models.Task

func (h readyHeap) Len() int           { return len(h) }
func (h readyHeap) Less(i, j int) bool { return Less(h[i], h[j]) }
func (h readyHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x any)        { *h = append(*h, x.(*models.Task)) }
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	*h = old[:n-1]
	return t
}

// ReadyQueue is a priority queue of runnable tasks ordered by Less.
// The zero value is empty and ready to use.
type ReadyQueue struct {
	h readyHeap
}

// Push adds a task.
func (q *ReadyQueue) Push(t *models.Task) { heap.Push(&q.h, t) }

// Pop removes and returns the task that should run next.
func (q *ReadyQueue) Pop() *models.Task { return heap.Pop(&q.h).(*models.Task) }

// Len returns the number of queued tasks.
func (q *ReadyQueue) Len() int { return q.h.Len() }

// sort runs Kahn's algorithm, failing with a CycleError if any node is left.
func (g *Graph) sort() error {
	indegree := make(map[string]int, len(g.nodes))
	ready := &readyHeap{}
	for id := range g.nodes {
		indegree[id] = len(g.deps[id])
		if indegree[id] == 0 {
			*ready = append(*ready, g.nodes[id])
		}
	}
	heap.Init(ready)

	order := make([]string, 0, len(g.nodes))
	for ready.Len() > 0 {
		task := heap.Pop(ready).(*models.Task)
		order = append(order, task.ID)
		for _, next := range g.dependents[task.ID] {
			indegree[next]--
			if indegree[next] == 0 {
				heap.Push(ready, g.nodes[next])
			}
		}
	}

	if len(order) == len(g.nodes) {
		g.order = order
		return nil
	}

	var remaining []string
	for id, d := range indegree {
		if d > 0 {
			remaining = append(remaining, id)
		}
	}
	sort.Strings(remaining)
	return &CycleError{Remaining: remaining, Path: g.findCycle(remaining)}
}

// findCycle walks dependency edges from the remaining nodes until a node
// repeats, returning the cycle in dependency-to-dependent order.
func (g *Graph) findCycle(remaining []string) []string {
	const (
		white = iota
		gray
		black
	)
	left := make(map[string]bool, len(remaining))
	for _, id := range remaining {
		left[id] = true
	}
	color := make(map[string]int, len(remaining))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		next := append([]string(nil), g.dependents[id]...)
		sort.Strings(next)
		for _, n := range next {
			if !left[n] {
				continue
			}
			switch color[n] {
			case gray:
				for i, s := range stack {
					if s == n {
						cycle = append(append([]string(nil), stack[i:]...), n)
						return true
					}
				}
			case white:
				if visit(n) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range remaining {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

// computeCriticalPath relaxes longest paths over the topological order.
// Equal-length predecessors and endpoints are resolved toward the smaller ID.
func (g *Graph) computeCriticalPath() {
	if len(g.order) == 0 {
		return
	}
	dist := make(map[string]float64, len(g.order))
	prev := make(map[string]string, len(g.order))

	for _, id := range g.order {
		best := 0.0
		bestPrev := ""
		for _, dep := range g.deps[id] {
			d := dist[dep]
			if bestPrev == "" || d > best || (d == best && dep < bestPrev) {
				best, bestPrev = d, dep
			}
		}
		dist[id] = best + g.nodes[id].EstimatedHours
		prev[id] = bestPrev
	}

	end := ""
	for _, id := range g.order {
		if end == "" || dist[id] > dist[end] || (dist[id] == dist[end] && id < end) {
			end = id
		}
	}

	var path []string
	for id := end; id != ""; id = prev[id] {
		path = append(path, id)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	g.critical = path
	g.criticalHours = dist[end]
}

// Order returns task IDs in execution order: every dependency comes before
// the tasks that depend on it.
func (g *Graph) Order() []string {
	return append([]string(nil), g.order...)
}

// CriticalPath returns the longest dependency chain by estimated hours.
func (g *Graph) CriticalPath() []string {
	return append([]string(nil), g.critical...)
}

// CriticalHours returns the total estimated hours along the critical path.
func (g *Graph) CriticalHours() float64 {
	return g.criticalHours
}

// OnCriticalPath reports whether taskID lies on the critical path.
func (g *Graph) OnCriticalPath(taskID string) bool {
	for _, id := range g.critical {
		if id == taskID {
			return true
		}
	}
	return false
}

// Task returns the task for a given ID, or nil if not found.
func (g *Graph) Task(taskID string) *models.Task {
	return g.nodes[taskID]
}

// Tasks returns the tasks in execution order.
func (g *Graph) Tasks() []*models.Task {
	tasks := make([]*models.Task, 0, len(g.order))
	for _, id := range g.order {
		tasks = append(tasks, g.nodes[id])
	}
	return tasks
}

// Edges returns the deduplicated edge list.
func (g *Graph) Edges() []models.DependencyEdge {
	return append([]models.DependencyEdge(nil), g.edges...)
}

// Size returns the number of tasks in the graph.
func (g *Graph) Size() int {
	return len(g.nodes)
}

// Dependencies returns the IDs of tasks that the given task depends on.
func (g *Graph) Dependencies(taskID string) []string {
	return append([]string(nil), g.deps[taskID]...)
}

// Dependents returns the IDs of tasks that depend on the given task.
func (g *Graph) Dependents(taskID string) []string {
	return append([]string(nil), g.dependents[taskID]...)
}

// InDegree returns the number of dependencies of taskID.
func (g *Graph) InDegree(taskID string) int {
	return len(g.deps[taskID])
}

// Roots returns tasks with no dependencies, in execution order.
func (g *Graph) Roots() []string {
	var roots []string
	for _, id := range g.order {
		if len(g.deps[id]) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

// Descendants returns every task that transitively depends on taskID,
// in execution order.
func (g *Graph) Descendants(taskID string) []string {
	reach := make(map[string]bool)
	stack := append([]string(nil), g.dependents[taskID]...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reach[id] {
			continue
		}
		reach[id] = true
		stack = append(stack, g.dependents[id]...)
	}
	var out []string
	for _, id := range g.order {
		if reach[id] {
			out = append(out, id)
		}
	}
	return out
}

// IsOrderValid reports whether order contains every task exactly once with
// each edge's prerequisite before its dependent.
func (g *Graph) IsOrderValid(order []string) bool {
	if len(order) != len(g.nodes) {
		return false
	}
	pos := make(map[string]int, len(order))
	for i, id := range order {
		if _, ok := g.nodes[id]; !ok {
			return false
		}
		if _, dup := pos[id]; dup {
			return false
		}
		pos[id] = i
	}
	for _, e := range g.edges {
		if pos[e.From] >= pos[e.To] {
			return false
		}
	}
	return true
}
