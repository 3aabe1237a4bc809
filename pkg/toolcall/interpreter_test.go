package toolcall

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewline/foreman/pkg/agents"
	"github.com/crewline/foreman/pkg/budget"
	"github.com/crewline/foreman/pkg/guardrails"
	"github.com/crewline/foreman/pkg/policy"
	"github.com/crewline/foreman/pkg/sandbox"
	"github.com/crewline/foreman/pkg/tools"
)

func newInterpreter(t *testing.T, limits budget.Limits, opts Options) (*Interpreter, string) {
	t.Helper()

	ws := t.TempDir()
	validator, err := sandbox.NewValidator([]string{ws}, 0)
	require.NoError(t, err)

	g := guardrails.New(policy.NewResolver(map[string]policy.Policy{
		"coder": {AllowedTools: []string{"filesystem", "shell"}, Budget: limits},
	}), validator, nil, nil, nil)

	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(tools.NewFilesystemTool(ws)))
	require.NoError(t, registry.Register(tools.NewShellTool(ws, 0)))

	it := New(registry, g.ForAgent("coder", "sess-1", "task-1"), opts)
	return it, validator.AllowedDirs()[0]
}

// scriptedCall returns each response in turn and errors once the script is
// exhausted.
func scriptedCall(responses ...string) CallAgent {
	i := 0
	return func(_ context.Context, _ []agents.Message) (string, error) {
		if i >= len(responses) {
			return "", fmt.Errorf("script exhausted after %d turns", i)
		}
		r := responses[i]
		i++
		return r, nil
	}
}

func TestRun_ExecutesToolThenFinishes(t *testing.T) {
	it, ws := newInterpreter(t, budget.Limits{}, Options{})

	call := scriptedCall(
		`<tool_call>{"tool": "filesystem", "args": {"action": "write", "path": "hello.txt", "content": "hi\n"}}</tool_call>`,
		"File written. Done.",
	)

	out, err := it.Run(context.Background(), []agents.Message{{Role: "user", Content: "write hello"}}, call)
	require.NoError(t, err)

	assert.Equal(t, "File written. Done.", out.FinalText)
	assert.Equal(t, 1, out.Iterations)
	assert.Equal(t, 1, out.ToolCalls)

	data, err := os.ReadFile(filepath.Join(ws, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(data))

	// user prompt, assistant tool call, tool results, final assistant text
	require.Len(t, out.Messages, 4)
	assert.Equal(t, "user", out.Messages[2].Role)
	assert.Contains(t, out.Messages[2].Content, "<tool_results>")
	assert.Contains(t, out.Messages[2].Content, "[1] filesystem: ok")
}

func TestRun_RepairsTrailingCommaSilently(t *testing.T) {
	it, ws := newInterpreter(t, budget.Limits{}, Options{})

	call := scriptedCall(
		`<tool_call>{"tool": "filesystem", "args": {"action": "write", "path": "a.txt", "content": "x",},}</tool_call>`,
		"done",
	)

	out, err := it.Run(context.Background(), []agents.Message{{Role: "user", Content: "go"}}, call)
	require.NoError(t, err)
	assert.Equal(t, "done", out.FinalText)

	_, statErr := os.Stat(filepath.Join(ws, "a.txt"))
	assert.NoError(t, statErr, "repaired call should have executed")

	for _, m := range out.Messages {
		assert.NotContains(t, m.Content, "could not be parsed")
	}
}

func TestRun_RepairTurnOncePerMessage(t *testing.T) {
	it, _ := newInterpreter(t, budget.Limits{}, Options{})

	garbage := `<tool_call>[1, 2,</tool_call>`
	call := scriptedCall(
		garbage, // triggers the one repair turn
		garbage, // still broken: becomes a failed result
		"giving up",
	)

	out, err := it.Run(context.Background(), []agents.Message{{Role: "user", Content: "go"}}, call)
	require.NoError(t, err)
	assert.Equal(t, "giving up", out.FinalText)

	repairTurns := 0
	resultTurns := 0
	for _, m := range out.Messages {
		if strings.Contains(m.Content, "could not be parsed") {
			repairTurns++
			assert.Contains(t, m.Content, "[1, 2,")
			assert.Contains(t, m.Content, "Decoder error:")
		}
		if strings.Contains(m.Content, "<tool_results>") {
			resultTurns++
			assert.Contains(t, m.Content, "failed")
		}
	}
	assert.Equal(t, 1, repairTurns)
	assert.Equal(t, 1, resultTurns)
}

func TestRun_MaxIterations(t *testing.T) {
	it, _ := newInterpreter(t, budget.Limits{ToolLoopsPerMessage: 2}, Options{})

	loop := `<tool_call>{"tool": "filesystem", "args": {"action": "list", "path": "."}}</tool_call>`
	call := scriptedCall(loop, loop, loop)

	out, err := it.Run(context.Background(), []agents.Message{{Role: "user", Content: "go"}}, call)
	require.ErrorIs(t, err, ErrMaxIterations)
	assert.Equal(t, 2, out.Iterations)
}

func TestRun_BudgetExceededAbortsBatch(t *testing.T) {
	it, _ := newInterpreter(t, budget.Limits{ToolCallsPerMessage: 1}, Options{})

	batch := `<tool_call>{"tool": "filesystem", "args": {"action": "write", "path": "one.txt", "content": "1"}}</tool_call>
<tool_call>{"tool": "filesystem", "args": {"action": "write", "path": "two.txt", "content": "2"}}</tool_call>
<tool_call>{"tool": "filesystem", "args": {"action": "write", "path": "three.txt", "content": "3"}}</tool_call>`

	call := scriptedCall(batch, "stopping")

	out, err := it.Run(context.Background(), []agents.Message{{Role: "user", Content: "go"}}, call)
	require.NoError(t, err)
	assert.Equal(t, 1, out.ToolCalls)

	var resultsTurn string
	for _, m := range out.Messages {
		if strings.Contains(m.Content, "<tool_results>") {
			resultsTurn = m.Content
		}
	}
	require.NotEmpty(t, resultsTurn)
	assert.Contains(t, resultsTurn, "[1] filesystem: ok")
	assert.Contains(t, resultsTurn, "[2] filesystem: failed")
	assert.Contains(t, resultsTurn, "budget exceeded")
	assert.Contains(t, resultsTurn, "[3] filesystem: skipped")
}

func TestRun_UnknownToolFailsInvocation(t *testing.T) {
	it, _ := newInterpreter(t, budget.Limits{}, Options{})

	call := scriptedCall(
		`<tool_call>{"tool": "teleport", "args": {}}</tool_call>`,
		"ok then",
	)

	out, err := it.Run(context.Background(), []agents.Message{{Role: "user", Content: "go"}}, call)
	require.NoError(t, err)
	assert.Equal(t, 0, out.ToolCalls)

	var resultsTurn string
	for _, m := range out.Messages {
		if strings.Contains(m.Content, "<tool_results>") {
			resultsTurn = m.Content
		}
	}
	assert.Contains(t, resultsTurn, "[1] teleport: failed")
	assert.Contains(t, resultsTurn, "unknown tool")
}

func TestRun_SchemaViolationFailsInvocation(t *testing.T) {
	it, ws := newInterpreter(t, budget.Limits{}, Options{})

	call := scriptedCall(
		`<tool_call>{"tool": "filesystem", "args": {"action": "teleport", "path": "a.txt"}}</tool_call>`,
		"ok",
	)

	out, err := it.Run(context.Background(), []agents.Message{{Role: "user", Content: "go"}}, call)
	require.NoError(t, err)
	assert.Equal(t, 0, out.ToolCalls)

	entries, err := os.ReadDir(ws)
	require.NoError(t, err)
	assert.Empty(t, entries, "invalid call must not touch the workspace")
}

func TestRun_ObserverSeesExecutions(t *testing.T) {
	var seen []string
	opts := Options{Observer: func(inv Invocation, result *tools.Result, _ time.Duration) {
		seen = append(seen, fmt.Sprintf("%s:%v", inv.Tool, result.Success))
	}}
	it, _ := newInterpreter(t, budget.Limits{}, opts)

	call := scriptedCall(
		`<tool_call>{"tool": "filesystem", "args": {"action": "write", "path": "a.txt", "content": "x"}}</tool_call>`,
		"done",
	)

	_, err := it.Run(context.Background(), []agents.Message{{Role: "user", Content: "go"}}, call)
	require.NoError(t, err)
	assert.Equal(t, []string{"filesystem:true"}, seen)
}

func TestFormatResults_TruncatesLongOutput(t *testing.T) {
	long := strings.Repeat("x", 500)
	text := FormatResults([]InvocationResult{{
		Invocation: Invocation{Tool: "shell"},
		Result:     &tools.Result{Success: true, Output: long},
	}}, 100)

	assert.Contains(t, text, "[1] shell: ok")
	assert.Contains(t, text, "[truncated: original 500 bytes]")
	assert.Less(t, len(text), 300)
}
