package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilesystemTool_WriteReadRoundTrip(t *testing.T) {
	ws := t.TempDir()
	tool := NewFilesystemTool(ws)
	ctx := context.Background()

	res := tool.Execute(ctx, map[string]any{
		"action":  "write",
		"path":    "pkg/parser/parser.go",
		"content": "package parser\n",
	})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "write", res.Data["operation"])
	assert.Empty(t, res.Data["before_hash"], "new file has no before state")
	assert.NotEmpty(t, res.Data["after_hash"])
	assert.Equal(t, 1, res.Data["lines_added"])

	res = tool.Execute(ctx, map[string]any{"action": "read", "path": "pkg/parser/parser.go"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "package parser\n", res.Output)
	assert.Equal(t, false, res.Data["truncated"])
}

func TestFilesystemTool_OverwriteTracksDiff(t *testing.T) {
	ws := t.TempDir()
	tool := NewFilesystemTool(ws)
	ctx := context.Background()

	first := tool.Execute(ctx, map[string]any{
		"action": "write", "path": "main.go", "content": "old\n",
	})
	require.True(t, first.Success)

	second := tool.Execute(ctx, map[string]any{
		"action": "write", "path": "main.go", "content": "old\nnew\n",
	})
	require.True(t, second.Success)
	assert.Equal(t, first.Data["after_hash"], second.Data["before_hash"],
		"before hash chains to the previous write")
	assert.NotEmpty(t, second.Data["diff"])
	assert.Equal(t, 1, second.Data["lines_added"])
}

func TestFilesystemTool_DeleteAndMissing(t *testing.T) {
	ws := t.TempDir()
	tool := NewFilesystemTool(ws)
	ctx := context.Background()

	require.True(t, tool.Execute(ctx, map[string]any{
		"action": "write", "path": "tmp.txt", "content": "x",
	}).Success)

	res := tool.Execute(ctx, map[string]any{"action": "delete", "path": "tmp.txt"})
	require.True(t, res.Success, res.Error)
	assert.NotEmpty(t, res.Data["before_hash"])
	_, err := os.Stat(filepath.Join(ws, "tmp.txt"))
	assert.True(t, os.IsNotExist(err))

	res = tool.Execute(ctx, map[string]any{"action": "delete", "path": "tmp.txt"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "no such file")
}

func TestFilesystemTool_CopyListMkdir(t *testing.T) {
	ws := t.TempDir()
	tool := NewFilesystemTool(ws)
	ctx := context.Background()

	require.True(t, tool.Execute(ctx, map[string]any{
		"action": "write", "path": "src.txt", "content": "payload",
	}).Success)

	res := tool.Execute(ctx, map[string]any{
		"action": "copy", "path": "src.txt", "destination": "nested/dst.txt",
	})
	require.True(t, res.Success, res.Error)
	copied, err := os.ReadFile(filepath.Join(ws, "nested", "dst.txt"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(copied))

	res = tool.Execute(ctx, map[string]any{"action": "mkdir", "path": "build/out"})
	require.True(t, res.Success, res.Error)
	info, err := os.Stat(filepath.Join(ws, "build", "out"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	res = tool.Execute(ctx, map[string]any{"action": "list", "path": "."})
	require.True(t, res.Success, res.Error)
	assert.Contains(t, res.Output, "src.txt")
	assert.Contains(t, res.Output, "nested/")
	assert.Contains(t, res.Output, "build/")
}

func TestFilesystemTool_ReadDirectoryFails(t *testing.T) {
	ws := t.TempDir()
	tool := NewFilesystemTool(ws)

	res := tool.Execute(context.Background(), map[string]any{"action": "read", "path": "."})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "is a directory")
}

func TestFilesystemTool_UnknownAction(t *testing.T) {
	tool := NewFilesystemTool(t.TempDir())
	res := tool.Execute(context.Background(), map[string]any{"action": "chmod", "path": "x"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "unknown action")
}
