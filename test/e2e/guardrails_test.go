package e2e

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewline/foreman/pkg/agents"
	"github.com/crewline/foreman/pkg/budget"
	"github.com/crewline/foreman/pkg/models"
	"github.com/crewline/foreman/pkg/policy"
)

const ungatedPlan = `One task, no gates.

[
  {"title": "Touch up the workspace", "description": "Apply the requested file changes.", "agent": "coder", "gates": []}
]`

// TestTraversalWriteIsBlocked sends a path-traversal write through the full
// stack and verifies the jail rejects it, the agent sees the failure in its
// tool results, and the violation lands in the audit trail.
func TestTraversalWriteIsBlocked(t *testing.T) {
	architect := newScriptedAgent("architect", ungatedPlan)
	coder := newScriptedAgent("coder",
		`<tool_call>{"tool": "filesystem", "args": {"action": "write", "path": "../../../../etc/foreman-e2e-marker", "content": "nope"}}</tool_call>`,
		"The write was rejected, stopping here.")

	app := startApp(t, []agents.Agent{architect, coder})

	runID, stream := startRun(t, app, startBody(app, "Write a marker file"))
	stream.awaitDone(t, 60*time.Second)

	detail := runDetail(t, app, runID)
	assert.Equal(t, models.RunStateDone, detail.Run.State,
		"a denied tool call is feedback to the agent, not a run failure")

	// The failed result went back to the agent verbatim.
	second := coder.prompt(1)
	assert.Contains(t, second, "<tool_results>")
	assert.Contains(t, second, "[1] filesystem: failed")
	assert.Contains(t, second, "sandbox violation (traversal)")

	assert.NoFileExists(t, filepath.Join(app.WorkspaceRoot, "foreman-e2e-marker"))

	// The audit sink writes asynchronously.
	var violations []*models.ToolCallAudit
	awaitCondition(t, 10*time.Second, 50*time.Millisecond, "sandbox violation never audited", func() bool {
		records, err := app.Audit.ListToolCallsBySession(context.Background(), runID, 50)
		if err != nil {
			return false
		}
		violations = violations[:0]
		for _, rec := range records {
			if rec.SandboxViolation {
				violations = append(violations, rec)
			}
		}
		return len(violations) > 0
	})
	require.Len(t, violations, 1)
	assert.Equal(t, "coder", violations[0].Agent)
	assert.Equal(t, "filesystem", violations[0].ToolID)
	assert.False(t, violations[0].Success)
}

// TestBudgetAbortsToolBatch caps the coder at two tool calls per message and
// sends four writes in one batch: the first two execute, the third is denied
// on the ceiling, and the fourth is skipped without executing.
func TestBudgetAbortsToolBatch(t *testing.T) {
	architect := newScriptedAgent("architect", ungatedPlan)
	coder := newScriptedAgent("coder",
		`<tool_call>{"tool": "filesystem", "args": {"action": "write", "path": "a.txt", "content": "a"}}</tool_call>
<tool_call>{"tool": "filesystem", "args": {"action": "write", "path": "b.txt", "content": "b"}}</tool_call>
<tool_call>{"tool": "filesystem", "args": {"action": "write", "path": "c.txt", "content": "c"}}</tool_call>
<tool_call>{"tool": "filesystem", "args": {"action": "write", "path": "d.txt", "content": "d"}}</tool_call>`,
		"All writes attempted.")

	policies := map[string]policy.Policy{
		"coder": {
			AgentID:      "coder",
			AllowedTools: []string{"filesystem"},
			Budget:       budget.Limits{ToolCallsPerMessage: 2},
		},
	}
	app := startApp(t, []agents.Agent{architect, coder}, withPolicies(policies))

	runID, stream := startRun(t, app, startBody(app, "Write four files"))
	stream.awaitDone(t, 60*time.Second)

	detail := runDetail(t, app, runID)
	assert.Equal(t, models.RunStateDone, detail.Run.State)

	assert.FileExists(t, filepath.Join(app.WorkspaceRoot, "a.txt"))
	assert.FileExists(t, filepath.Join(app.WorkspaceRoot, "b.txt"))
	assert.NoFileExists(t, filepath.Join(app.WorkspaceRoot, "c.txt"))
	assert.NoFileExists(t, filepath.Join(app.WorkspaceRoot, "d.txt"))

	results := coder.prompt(1)
	assert.Contains(t, results, "[1] filesystem: ok")
	assert.Contains(t, results, "[2] filesystem: ok")
	assert.Contains(t, results, "[3] filesystem: failed")
	assert.Contains(t, results, "budget exceeded (tool-calls-per-message)")
	assert.Contains(t, results, "[4] filesystem: skipped")
	assert.Contains(t, results, "not executed: tool budget exhausted earlier in this batch")
}

// TestWriteScopeConfinesAgent restricts the coder's write scope to docs/ and
// verifies an out-of-scope write inside the jail is still denied by policy.
func TestWriteScopeConfinesAgent(t *testing.T) {
	architect := newScriptedAgent("architect", ungatedPlan)
	coder := newScriptedAgent("coder",
		`<tool_call>{"tool": "filesystem", "args": {"action": "mkdir", "path": "docs"}}</tool_call>
<tool_call>{"tool": "filesystem", "args": {"action": "write", "path": "docs/notes.md", "content": "notes"}}</tool_call>
<tool_call>{"tool": "filesystem", "args": {"action": "write", "path": "main.go", "content": "package main"}}</tool_call>`,
		"Done with the writes.")

	policies := map[string]policy.Policy{
		"coder": {
			AgentID:      "coder",
			AllowedTools: []string{"filesystem"},
			WritePaths:   []string{"docs"},
		},
	}
	app := startApp(t, []agents.Agent{architect, coder}, withPolicies(policies))

	_, stream := startRun(t, app, startBody(app, "Write the docs"))
	stream.awaitDone(t, 60*time.Second)

	content, err := os.ReadFile(filepath.Join(app.WorkspaceRoot, "docs", "notes.md"))
	require.NoError(t, err)
	assert.Equal(t, "notes", string(content))
	assert.NoFileExists(t, filepath.Join(app.WorkspaceRoot, "main.go"))

	results := coder.prompt(1)
	assert.Contains(t, results, "[3] filesystem: failed")
	assert.Contains(t, results, "outside the write scope")
}
