// Package graph implements the task dependency graph of a run: cycle
// detection, execution ordering, the dynamic ready-set, per-node state
// transitions, and serializable snapshots for pause/resume.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/crewline/foreman/pkg/models"
)

// ErrUnknownTask is returned when an id does not resolve to a graph node.
var ErrUnknownTask = errors.New("unknown task")

// CycleError reports a dependency cycle found during validation. Cycles are
// fatal: the plan cannot be executed.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Path, " -> "))
}

// TransitionError reports an illegal status transition.
type TransitionError struct {
	TaskID string
	From   models.TaskStatus
	To     models.TaskStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: cannot transition %s -> %s", e.TaskID, e.From, e.To)
}

// Graph is the directed acyclic graph of tasks within one run.
//
// Nodes are index-keyed (id -> task) with forward and reverse adjacency maps
// instead of pointer links, which keeps serialization trivial. All mutating
// and reading methods take the internal lock; per-task goroutines may call
// them concurrently.
type Graph struct {
	mu sync.Mutex

	planID   string
	failFast bool

	nodes   map[string]*models.Task
	forward map[string][]string // prerequisite id -> dependent ids
	reverse map[string][]string // dependent id -> prerequisite ids
	order   []string            // insertion order, used as creation-order tie-break

	artifacts map[string][]string // task id -> artifact ids recorded this run
}

// New builds and validates a graph from tasks. Validation order: every
// depends_on id must resolve, then the graph must be acyclic. Tasks keep the
// statuses they arrive with (fresh plans arrive pending, resumed runs arrive
// with persisted statuses); after validation the ready-set is evaluated, so a
// task with no prerequisites is ready immediately on construction.
func New(planID string, tasks []*models.Task, failFast bool) (*Graph, error) {
	g := &Graph{
		planID:    planID,
		failFast:  failFast,
		nodes:     make(map[string]*models.Task, len(tasks)),
		forward:   make(map[string][]string, len(tasks)),
		reverse:   make(map[string][]string, len(tasks)),
		order:     make([]string, 0, len(tasks)),
		artifacts: make(map[string][]string),
	}

	for _, t := range tasks {
		if _, dup := g.nodes[t.ID]; dup {
			return nil, fmt.Errorf("duplicate task id %q", t.ID)
		}
		g.nodes[t.ID] = t
		g.order = append(g.order, t.ID)
	}

	// 1. Every depends_on entry must resolve to a known task.
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, ok := g.nodes[dep]; !ok {
				return nil, fmt.Errorf("task %s depends on %q: %w", t.ID, dep, ErrUnknownTask)
			}
			g.reverse[t.ID] = append(g.reverse[t.ID], dep)
			g.forward[dep] = append(g.forward[dep], t.ID)
		}
	}

	// 2. Cycle check before anything executes.
	if err := g.detectCycle(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.reconcileLocked()
	g.mu.Unlock()
	return g, nil
}

// detectCycle runs a three-colour depth-first search. White nodes are
// unvisited, gray nodes are on the current stack, black nodes are done.
// An edge into a gray node closes a cycle.
func (g *Graph) detectCycle() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	colour := make(map[string]int, len(g.nodes))

	var visit func(id string, stack []string) error
	visit = func(id string, stack []string) error {
		colour[id] = gray
		stack = append(stack, id)
		for _, next := range g.forward[id] {
			switch colour[next] {
			case gray:
				// Trim the stack to the start of the loop for a readable path.
				start := 0
				for i, s := range stack {
					if s == next {
						start = i
						break
					}
				}
				return &CycleError{Path: append(append([]string{}, stack[start:]...), next)}
			case white:
				if err := visit(next, stack); err != nil {
					return err
				}
			}
		}
		colour[id] = black
		return nil
	}

	for _, id := range g.order {
		if colour[id] == white {
			if err := visit(id, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// PlanID returns the plan this graph was built from.
func (g *Graph) PlanID() string { return g.planID }

// Get returns the task for id.
func (g *Graph) Get(id string) (*models.Task, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.nodes[id]
	return t, ok
}

// Tasks returns every task in insertion order.
func (g *Graph) Tasks() []*models.Task {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*models.Task, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// ReadyTasks returns tasks in status ready, ordered by priority descending
// and insertion order ascending within equal priority.
func (g *Graph) ReadyTasks() []*models.Task {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*models.Task
	for _, id := range g.order {
		if g.nodes[id].Status == models.TaskStatusReady {
			out = append(out, g.nodes[id])
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}

// AllTerminal reports whether every task reached a terminal status.
func (g *Graph) AllTerminal() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, t := range g.nodes {
		if !t.Status.Terminal() {
			return false
		}
	}
	return true
}

// Counts returns the number of tasks per status.
func (g *Graph) Counts() map[models.TaskStatus]int {
	g.mu.Lock()
	defer g.mu.Unlock()
	counts := make(map[models.TaskStatus]int)
	for _, t := range g.nodes {
		counts[t.Status]++
	}
	return counts
}

// MarkRunning transitions a task from ready to running, stamps the start
// time and increments the attempt counter.
func (g *Graph) MarkRunning(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("mark running %s: %w", id, ErrUnknownTask)
	}
	if t.Status != models.TaskStatusReady {
		return &TransitionError{TaskID: id, From: t.Status, To: models.TaskStatusRunning}
	}
	now := time.Now()
	t.Status = models.TaskStatusRunning
	t.StartedAt = &now
	t.Attempt++
	return nil
}

// MarkVerifying transitions a task from running to verifying (quality gates
// in progress).
func (g *Graph) MarkVerifying(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("mark verifying %s: %w", id, ErrUnknownTask)
	}
	if t.Status != models.TaskStatusRunning {
		return &TransitionError{TaskID: id, From: t.Status, To: models.TaskStatusVerifying}
	}
	t.Status = models.TaskStatusVerifying
	return nil
}

// MarkCompleted records the result, stamps the end time and promotes
// dependents whose prerequisites are now all satisfied into ready.
func (g *Graph) MarkCompleted(id, result string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("mark completed %s: %w", id, ErrUnknownTask)
	}
	now := time.Now()
	t.Status = models.TaskStatusCompleted
	t.CompletedAt = &now
	t.Result = &result
	t.Error = nil
	g.promoteDependentsLocked(id)
	return nil
}

// MarkFailed records the error. A skippable task on a run without fail-fast
// becomes skipped and still satisfies its dependents; otherwise the task
// fails and every direct or transitive dependent is blocked with the
// upstream id.
func (g *Graph) MarkFailed(id, errMsg string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("mark failed %s: %w", id, ErrUnknownTask)
	}
	now := time.Now()
	t.CompletedAt = &now
	t.Error = &errMsg

	if t.Skippable && !g.failFast {
		t.Status = models.TaskStatusSkipped
		g.promoteDependentsLocked(id)
		return nil
	}

	t.Status = models.TaskStatusFailed
	g.blockDescendantsLocked(id)
	return nil
}

// CanRetry reports whether a failed task has attempts left.
func (g *Graph) CanRetry(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.nodes[id]
	if !ok {
		return false
	}
	return t.Status == models.TaskStatusFailed && t.Attempt < t.MaxAttempts
}

// Retry resets a failed task to ready. The attempt counter is preserved so
// backoff can derive its delay from it. Descendants blocked by this task are
// returned to pending and re-evaluated.
func (g *Graph) Retry(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("retry %s: %w", id, ErrUnknownTask)
	}
	if t.Status != models.TaskStatusFailed {
		return &TransitionError{TaskID: id, From: t.Status, To: models.TaskStatusReady}
	}
	t.Status = models.TaskStatusReady
	t.CompletedAt = nil
	for _, descID := range g.descendantsLocked(id) {
		desc := g.nodes[descID]
		if desc.Status == models.TaskStatusBlocked && desc.BlockedBy != nil && *desc.BlockedBy == id {
			desc.Status = models.TaskStatusPending
			desc.BlockedBy = nil
		}
	}
	g.reconcileLocked()
	return nil
}

// NextAttempt cycles a task back to running for another attempt without
// leaving the feedback loop. Unlike MarkFailed/Retry it has no graph-wide
// side effects: dependents are untouched because the task never becomes
// terminal. Accepted from running (agent error, no gates ran) or verifying
// (gates failed).
func (g *Graph) NextAttempt(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("next attempt %s: %w", id, ErrUnknownTask)
	}
	if t.Status != models.TaskStatusRunning && t.Status != models.TaskStatusVerifying {
		return &TransitionError{TaskID: id, From: t.Status, To: models.TaskStatusRunning}
	}
	t.Status = models.TaskStatusRunning
	t.Attempt++
	return nil
}

// ReassignAgent hands an in-flight task to a different agent with a rewritten
// description and resets its attempt counter so the new agent gets the full
// budget. Only valid while the task is running or verifying.
func (g *Graph) ReassignAgent(id, agent, description string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("reassign %s: %w", id, ErrUnknownTask)
	}
	if t.Status != models.TaskStatusRunning && t.Status != models.TaskStatusVerifying {
		return &TransitionError{TaskID: id, From: t.Status, To: models.TaskStatusRunning}
	}
	t.Status = models.TaskStatusRunning
	t.Agent = agent
	t.Description = description
	t.Attempt = 0
	return nil
}

// AddTask appends a dynamically spawned task to the graph. Its prerequisites
// must already exist; since the new node has no dependents no cycle can form.
func (g *Graph) AddTask(t *models.Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, dup := g.nodes[t.ID]; dup {
		return fmt.Errorf("duplicate task id %q", t.ID)
	}
	for _, dep := range t.DependsOn {
		if _, ok := g.nodes[dep]; !ok {
			return fmt.Errorf("task %s depends on %q: %w", t.ID, dep, ErrUnknownTask)
		}
	}
	g.nodes[t.ID] = t
	g.order = append(g.order, t.ID)
	for _, dep := range t.DependsOn {
		g.reverse[t.ID] = append(g.reverse[t.ID], dep)
		g.forward[dep] = append(g.forward[dep], t.ID)
	}
	if t.Status == "" {
		t.Status = models.TaskStatusPending
	}
	g.reconcileLocked()
	return nil
}

// RecordArtifact links an artifact id to the producing task for snapshots.
func (g *Graph) RecordArtifact(taskID, artifactID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.artifacts[taskID] = append(g.artifacts[taskID], artifactID)
}

// TopologicalOrder returns every task id in dependency order (Kahn's
// algorithm over reverse-dependency in-degree). Ties break deterministically
// by priority descending, then id ascending.
func (g *Graph) TopologicalOrder() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	inDegree := make(map[string]int, len(g.nodes))
	for _, id := range g.order {
		inDegree[id] = len(g.reverse[id])
	}

	var available []string
	for _, id := range g.order {
		if inDegree[id] == 0 {
			available = append(available, id)
		}
	}

	out := make([]string, 0, len(g.nodes))
	for len(available) > 0 {
		sort.Slice(available, func(i, j int) bool {
			a, b := g.nodes[available[i]], g.nodes[available[j]]
			if a.Priority != b.Priority {
				return a.Priority > b.Priority
			}
			return a.ID < b.ID
		})
		next := available[0]
		available = available[1:]
		out = append(out, next)
		for _, dep := range g.forward[next] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				available = append(available, dep)
			}
		}
	}
	return out
}

// ExecutionLevels returns tasks grouped so that level k contains exactly the
// tasks whose prerequisites all sit in levels < k. Used for cost estimation
// and visualization only; execution uses the dynamic ready-set.
func (g *Graph) ExecutionLevels() [][]string {
	g.mu.Lock()
	defer g.mu.Unlock()

	assigned := make(map[string]int, len(g.nodes))
	remaining := len(g.nodes)
	var levels [][]string

	for level := 0; remaining > 0; level++ {
		var current []string
		for _, id := range g.order {
			if _, done := assigned[id]; done {
				continue
			}
			eligible := true
			for _, dep := range g.reverse[id] {
				if lvl, done := assigned[dep]; !done || lvl >= level {
					eligible = false
					break
				}
			}
			if eligible {
				current = append(current, id)
			}
		}
		if len(current) == 0 {
			// Unreachable on a validated acyclic graph.
			break
		}
		for _, id := range current {
			assigned[id] = level
		}
		remaining -= len(current)
		levels = append(levels, current)
	}
	return levels
}

// satisfiedLocked reports whether every prerequisite of id allows it to run:
// completed always counts, skipped counts when the run is not fail-fast.
func (g *Graph) satisfiedLocked(id string) bool {
	for _, dep := range g.reverse[id] {
		switch g.nodes[dep].Status {
		case models.TaskStatusCompleted:
		case models.TaskStatusSkipped:
			if g.failFast {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// promoteDependentsLocked re-evaluates the direct dependents of id and moves
// satisfied pending tasks into ready.
func (g *Graph) promoteDependentsLocked(id string) {
	for _, depID := range g.forward[id] {
		dep := g.nodes[depID]
		if dep.Status == models.TaskStatusPending && g.satisfiedLocked(depID) {
			dep.Status = models.TaskStatusReady
		}
	}
}

// blockDescendantsLocked marks every direct and transitive dependent of id
// as blocked, recording the upstream failure id.
func (g *Graph) blockDescendantsLocked(id string) {
	for _, descID := range g.descendantsLocked(id) {
		desc := g.nodes[descID]
		if desc.Status.Terminal() {
			continue
		}
		blockedBy := id
		desc.Status = models.TaskStatusBlocked
		desc.BlockedBy = &blockedBy
	}
}

// descendantsLocked returns every direct and transitive dependent of id in
// breadth-first order.
func (g *Graph) descendantsLocked(id string) []string {
	seen := map[string]bool{id: true}
	queue := append([]string{}, g.forward[id]...)
	var out []string
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		out = append(out, next)
		queue = append(queue, g.forward[next]...)
	}
	return out
}

// reconcileLocked re-evaluates the whole ready-set: interrupted running or
// verifying tasks roll back to ready (attempt counters preserved), and
// satisfied pending tasks are promoted.
func (g *Graph) reconcileLocked() {
	for _, id := range g.order {
		t := g.nodes[id]
		switch t.Status {
		case "", models.TaskStatusPending:
			t.Status = models.TaskStatusPending
			if g.satisfiedLocked(id) {
				t.Status = models.TaskStatusReady
			}
		case models.TaskStatusRunning, models.TaskStatusVerifying:
			t.Status = models.TaskStatusReady
		}
	}
}
