// Package planner turns the planner agent's free-form response into a
// normalized task list: plan JSON extraction, id assignment, dependency
// resolution, and gate/agent coercion.
package planner

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crewline/foreman/pkg/models"
)

// DefaultMaxAttempts applies when a task carries no explicit attempt budget.
const DefaultMaxAttempts = 3

// ErrNoTasks means no parseable task array was found in the response.
var ErrNoTasks = errors.New("no parseable task list in planner response")

// Options steer normalization of the raw plan.
type Options struct {
	DefaultAgent string   // unknown agent ids fall back here
	KnownAgents  []string // empty means any agent id is accepted
	MaxAttempts  int      // per-task attempt budget, DefaultMaxAttempts when 0
}

// Plan is the normalized planning output.
type Plan struct {
	Tasks   []*models.Task
	RawJSON string // normalized plan persisted on the run
}

var fencedJSON = regexp.MustCompile("(?s)```json\\s*\n(.*?)\n?```")

// Parse extracts the task array from the planner response and normalizes it.
// A fenced ```json block is preferred; otherwise the first balanced bracketed
// array that decodes into tasks is used.
func Parse(runID, response string, opts Options) (*Plan, error) {
	planned, err := extractTasks(response)
	if err != nil {
		return nil, err
	}
	return normalize(runID, planned, opts)
}

// ParseOrFallback parses the response and, when it yields no task list,
// degrades to a single task wrapping the original request.
func ParseOrFallback(runID, response, request string, opts Options) *Plan {
	plan, err := Parse(runID, response, opts)
	if err == nil {
		return plan
	}
	slog.Warn("Planner response had no task list, falling back to a single task",
		"run_id", runID, "error", err)
	return Fallback(runID, request, opts)
}

// Fallback builds the single-task plan used when planning produces nothing.
func Fallback(runID, request string, opts Options) *Plan {
	title := strings.TrimSpace(request)
	if idx := strings.IndexByte(title, '\n'); idx > 0 {
		title = title[:idx]
	}
	if len(title) > 80 {
		title = title[:80]
	}
	if title == "" {
		title = "Implement the requested change"
	}

	plan, err := normalize(runID, []models.PlannedTask{{
		Title:       title,
		Description: request,
		Agent:       opts.DefaultAgent,
		Gates:       []string{string(models.GateTestsPass)},
	}}, opts)
	if err != nil {
		// normalize only fails on marshal, which cannot happen for this shape.
		panic(err)
	}
	return plan
}

// extractTasks finds the task array in the response text.
func extractTasks(response string) ([]models.PlannedTask, error) {
	if m := fencedJSON.FindStringSubmatch(response); m != nil {
		if tasks, ok := decodeTasks(m[1]); ok {
			return tasks, nil
		}
	}

	// No usable fenced block; scan for the first balanced [...] that decodes.
	for start := 0; start < len(response); start++ {
		if response[start] != '[' {
			continue
		}
		candidate, ok := balancedArray(response[start:])
		if !ok {
			continue
		}
		if tasks, ok := decodeTasks(candidate); ok {
			return tasks, nil
		}
	}
	return nil, ErrNoTasks
}

func decodeTasks(text string) ([]models.PlannedTask, bool) {
	var tasks []models.PlannedTask
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &tasks); err != nil {
		return nil, false
	}
	if len(tasks) == 0 {
		return nil, false
	}
	for _, t := range tasks {
		if strings.TrimSpace(t.Title) == "" && strings.TrimSpace(t.Description) == "" {
			return nil, false
		}
	}
	return tasks, true
}

// balancedArray returns the prefix of s that forms one bracket-balanced
// array, honouring JSON string literals and escapes.
func balancedArray(s string) (string, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return s[:i+1], true
			}
		}
	}
	return "", false
}

// normalize assigns fresh ids, resolves dependencies, and coerces unknown
// gates and agents.
func normalize(runID string, planned []models.PlannedTask, opts Options) (*Plan, error) {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	now := time.Now().UTC()
	tasks := make([]*models.Task, len(planned))
	for i, p := range planned {
		title := strings.TrimSpace(p.Title)
		if title == "" {
			title = fmt.Sprintf("Task %d", i+1)
		}
		tasks[i] = &models.Task{
			ID:          uuid.New().String(),
			RunID:       runID,
			Title:       title,
			Description: p.Description,
			Agent:       resolveAgent(p.Agent, opts, title),
			Gates:       resolveGates(p.Gates, title),
			TargetFiles: p.TargetFiles,
			Priority:    p.Priority,
			MaxAttempts: maxAttempts,
			Skippable:   p.Skippable,
			Status:      models.TaskStatusPending,
			CreatedAt:   now,
		}
	}

	for i, p := range planned {
		tasks[i].DependsOn = resolveDependencies(p, planned, tasks, i)
	}

	raw, err := json.Marshal(tasks)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal normalized plan: %w", err)
	}
	return &Plan{Tasks: tasks, RawJSON: string(raw)}, nil
}

func resolveAgent(agent string, opts Options, title string) string {
	agent = strings.TrimSpace(agent)
	if agent == "" {
		return opts.DefaultAgent
	}
	if len(opts.KnownAgents) == 0 {
		return agent
	}
	for _, known := range opts.KnownAgents {
		if agent == known {
			return agent
		}
	}
	slog.Warn("Unknown agent in plan, using default",
		"agent", agent, "default", opts.DefaultAgent, "task", title)
	return opts.DefaultAgent
}

func resolveGates(names []string, title string) []models.QualityGate {
	var gates []models.QualityGate
	seen := make(map[models.QualityGate]bool)
	for _, name := range names {
		name = strings.TrimSpace(name)
		if !models.KnownGate(name) {
			slog.Warn("Unknown quality gate in plan, dropping", "gate", name, "task", title)
			continue
		}
		gate := models.QualityGate(name)
		if seen[gate] {
			continue
		}
		seen[gate] = true
		gates = append(gates, gate)
	}
	return gates
}

// resolveDependencies maps the planner's depends_on entries to task ids.
// Integers (and numeric strings) are positions in the plan array; other
// strings match task titles case-insensitively. Anything else is dropped.
func resolveDependencies(p models.PlannedTask, planned []models.PlannedTask, tasks []*models.Task, self int) []string {
	var deps []string
	seen := make(map[string]bool)

	add := func(idx int) {
		if idx < 0 || idx >= len(tasks) || idx == self {
			slog.Warn("Dependency position invalid, dropping",
				"task", tasks[self].Title, "position", idx)
			return
		}
		id := tasks[idx].ID
		if !seen[id] {
			seen[id] = true
			deps = append(deps, id)
		}
	}

	for _, entry := range p.DependsOn {
		switch v := entry.(type) {
		case float64:
			add(int(v))
		case int:
			add(v)
		case string:
			if idx, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				add(idx)
				continue
			}
			if idx := indexByTitle(planned, v); idx >= 0 {
				add(idx)
				continue
			}
			slog.Warn("Unresolvable dependency, dropping",
				"task", tasks[self].Title, "depends_on", v)
		default:
			slog.Warn("Unsupported dependency type, dropping",
				"task", tasks[self].Title, "depends_on", fmt.Sprintf("%v", entry))
		}
	}
	return deps
}

func indexByTitle(planned []models.PlannedTask, title string) int {
	title = strings.TrimSpace(title)
	for i, p := range planned {
		if strings.EqualFold(strings.TrimSpace(p.Title), title) {
			return i
		}
	}
	return -1
}
