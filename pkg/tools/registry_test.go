package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTool struct {
	id     string
	schema []byte
}

func (s *stubTool) ID() string     { return s.id }
func (s *stubTool) Schema() []byte { return s.schema }
func (s *stubTool) Execute(context.Context, map[string]any) *Result {
	return &Result{Success: true}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&stubTool{id: "noop"}))
	require.NoError(t, r.Register(NewShellTool(t.TempDir(), 0)))
	require.NoError(t, r.Register(NewFilesystemTool(t.TempDir())))

	tool, err := r.Get("shell")
	require.NoError(t, err)
	assert.Equal(t, "shell", tool.ID())

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, ErrUnknownTool)

	assert.Equal(t, []string{"filesystem", "noop", "shell"}, r.IDs())
}

func TestRegistry_RejectsInvalidSchema(t *testing.T) {
	r := NewRegistry()
	err := r.Register(&stubTool{id: "broken", schema: []byte(`{"type": "nope"`)})
	assert.Error(t, err)
}

func TestRegistry_ValidateArgs(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewShellTool(t.TempDir(), 0)))
	require.NoError(t, r.Register(NewFilesystemTool(t.TempDir())))
	require.NoError(t, r.Register(&stubTool{id: "free"}))

	tests := []struct {
		name    string
		tool    string
		args    map[string]any
		wantErr bool
	}{
		{
			name: "shell happy path",
			tool: "shell",
			args: map[string]any{"command": "go test ./..."},
		},
		{
			name: "shell with timeout",
			tool: "shell",
			args: map[string]any{"command": "sleep 1", "timeout_seconds": 5},
		},
		{
			name:    "shell missing command",
			tool:    "shell",
			args:    map[string]any{},
			wantErr: true,
		},
		{
			name:    "shell rejects extra keys",
			tool:    "shell",
			args:    map[string]any{"command": "ls", "sudo": true},
			wantErr: true,
		},
		{
			name:    "shell rejects wrong type",
			tool:    "shell",
			args:    map[string]any{"command": 42},
			wantErr: true,
		},
		{
			name: "filesystem write",
			tool: "filesystem",
			args: map[string]any{"action": "write", "path": "a.go", "content": "package a"},
		},
		{
			name:    "filesystem unknown action",
			tool:    "filesystem",
			args:    map[string]any{"action": "chmod", "path": "a.go"},
			wantErr: true,
		},
		{
			name: "schemaless tool accepts anything",
			tool: "free",
			args: map[string]any{"whatever": []any{1, 2, 3}},
		},
		{
			name:    "unknown tool",
			tool:    "ghost",
			args:    map[string]any{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.ValidateArgs(tt.tool, tt.args)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
