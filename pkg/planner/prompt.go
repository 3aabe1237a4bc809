package planner

import (
	"fmt"
	"sort"
	"strings"
)

// BuildPrompt assembles the planning instruction for the planner agent.
// agents maps agent id to a one-line description; gates lists the quality
// gate names tasks may request.
func BuildPrompt(request, workspace string, agents map[string]string, gates []string) string {
	var sb strings.Builder

	sb.WriteString("## Request\n\n")
	sb.WriteString(strings.TrimSpace(request))
	sb.WriteString("\n\n")

	if workspace != "" {
		sb.WriteString("## Workspace\n\n")
		sb.WriteString(workspace)
		sb.WriteString("\n\n")
	}

	sb.WriteString("## Available Agents\n\n")
	for _, id := range sortedKeys(agents) {
		fmt.Fprintf(&sb, "- `%s`: %s\n", id, agents[id])
	}
	sb.WriteString("\n")

	sb.WriteString("## Quality Gates\n\n")
	for _, gate := range gates {
		fmt.Fprintf(&sb, "- `%s`\n", gate)
	}
	sb.WriteString("\n")

	sb.WriteString(`## Instructions

Break the request into the smallest set of independently verifiable tasks.
Respond with ONLY a fenced json code block containing a task array:

` + "```json" + `
[
  {
    "title": "Short imperative summary",
    "description": "Everything the implementer needs: files, constraints, acceptance criteria",
    "agent": "agent id from the list above",
    "depends_on": [0],
    "gates": ["tests-pass"],
    "target_files": ["path/relative/to/workspace.go"],
    "priority": 0,
    "skippable": false
  }
]
` + "```" + `

Rules:
- depends_on entries are zero-based positions of earlier tasks in this array.
- Only list a dependency when the task truly cannot start before it.
- Every task that changes code should carry at least the tests-pass gate.
- Lower priority numbers run first when tasks are otherwise unordered.
- Mark a task skippable only if the run can still succeed without it.
`)

	return sb.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
