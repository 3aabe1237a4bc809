package engine

import (
	"fmt"
	"strings"

	"github.com/crewline/foreman/pkg/models"
)

// taskPrompt assembles the instruction for one attempt. On retries the
// feedback from the first failing gate of the previous attempt is included
// verbatim.
func (rx *runExec) taskPrompt(t *models.Task, feedback string) string {
	var sb strings.Builder

	sb.WriteString("## Task\n\n")
	fmt.Fprintf(&sb, "**Title:** %s\n\n", t.Title)
	if t.Description != "" {
		sb.WriteString(t.Description)
		sb.WriteString("\n\n")
	}

	fmt.Fprintf(&sb, "## Workspace\n\n%s\n\n", rx.run.WorkspacePath)

	if len(t.TargetFiles) > 0 {
		sb.WriteString("## Target Files\n\n")
		for _, f := range t.TargetFiles {
			fmt.Fprintf(&sb, "- %s\n", f)
		}
		sb.WriteString("\n")
	}

	if feedback != "" {
		sb.WriteString("## Previous Attempt Feedback\n\n")
		sb.WriteString("The last attempt failed verification. Address this before anything else:\n\n")
		sb.WriteString(feedback)
		sb.WriteString("\n\n")
	}

	sb.WriteString("## Tools\n\n")
	sb.WriteString("Invoke tools with a block on its own lines:\n\n")
	sb.WriteString("<tool_call>{\"tool\": \"<id>\", \"args\": {...}}</tool_call>\n\n")
	sb.WriteString("Available tools:\n")
	for _, id := range rx.tools.IDs() {
		fmt.Fprintf(&sb, "- `%s`\n", id)
	}
	sb.WriteString(`
The filesystem tool takes {"action": "read"|"write"|"list"|"delete", "path": "...", "content": "..."} with paths relative to the workspace.
The shell tool takes {"command": "...", "timeout_seconds": n} and runs inside the workspace.
Tool results arrive in the next message. You may call several tools per message.

## Conventions

- Work only inside the workspace.
- Report progress with [GOAL:<n>] / [GOAL_DONE:<n>] / [CHECKPOINT:<name>] lines.
- Ask another agent with a [REQUEST:<agent>] question line; request a review with [REVIEW_REQUEST].
- Propose follow-up work with a [SPAWN:<agent>] task line.
- When the work is done, summarize what changed and stop calling tools.
`)
	return sb.String()
}
