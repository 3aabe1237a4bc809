package toolcall

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInvocations_PrimarySyntax(t *testing.T) {
	response := `I'll read the file first.

<tool_call>{"tool": "filesystem", "args": {"action": "read", "path": "main.go"}}</tool_call>

Then we can decide.`

	invs := ParseInvocations(response)
	require.Len(t, invs, 1)
	require.NoError(t, invs[0].ParseError)
	assert.Equal(t, "filesystem", invs[0].Tool)
	assert.Equal(t, "read", invs[0].Args["action"])
	assert.Equal(t, "main.go", invs[0].Args["path"])
}

func TestParseInvocations_FallbackSyntaxes(t *testing.T) {
	response := "```tool\n{\"name\": \"shell\", \"arguments\": {\"command\": \"go build ./...\"}}\n```\n" +
		`and also [[tool]]{"tool": "filesystem", "args": {"action": "list", "path": "."}}[[/tool]]`

	invs := ParseInvocations(response)
	require.Len(t, invs, 2)

	require.NoError(t, invs[0].ParseError)
	assert.Equal(t, "shell", invs[0].Tool)
	assert.Equal(t, "go build ./...", invs[0].Args["command"])

	require.NoError(t, invs[1].ParseError)
	assert.Equal(t, "filesystem", invs[1].Tool)
	assert.Equal(t, "list", invs[1].Args["action"])
}

func TestParseInvocations_SourceOrderAcrossSyntaxes(t *testing.T) {
	response := `[[tool]]{"tool": "first", "args": {}}[[/tool]]
<tool_call>{"tool": "second", "args": {}}</tool_call>
[[tool]]{"tool": "third", "args": {}}[[/tool]]`

	invs := ParseInvocations(response)
	require.Len(t, invs, 3)
	assert.Equal(t, "first", invs[0].Tool)
	assert.Equal(t, "second", invs[1].Tool)
	assert.Equal(t, "third", invs[2].Tool)
}

func TestParseInvocations_ParseErrorRecorded(t *testing.T) {
	response := `<tool_call>{"tool": "shell", "args": {</tool_call>`

	invs := ParseInvocations(response)
	require.Len(t, invs, 1)
	require.Error(t, invs[0].ParseError)
	assert.Contains(t, invs[0].ParseError.Error(), "invalid tool call JSON")
	assert.Equal(t, `{"tool": "shell", "args": {`, invs[0].Raw)
}

func TestParseInvocations_MissingArgsDefaultsEmpty(t *testing.T) {
	invs := ParseInvocations(`<tool_call>{"tool": "shell"}</tool_call>`)
	require.Len(t, invs, 1)
	require.NoError(t, invs[0].ParseError)
	assert.NotNil(t, invs[0].Args)
	assert.Empty(t, invs[0].Args)
}

func TestParseInvocations_NoBlocks(t *testing.T) {
	assert.Empty(t, ParseInvocations("The task is complete. All tests pass."))
}

func TestParseInvocations_MultipleBlocksInOrder(t *testing.T) {
	response := `<tool_call>{"tool": "filesystem", "args": {"action": "write", "path": "a.txt", "content": "a"}}</tool_call>
<tool_call>{"tool": "filesystem", "args": {"action": "write", "path": "b.txt", "content": "b"}}</tool_call>`

	invs := ParseInvocations(response)
	require.Len(t, invs, 2)
	assert.Equal(t, "a.txt", invs[0].Args["path"])
	assert.Equal(t, "b.txt", invs[1].Args["path"])
}
