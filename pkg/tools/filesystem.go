package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/crewline/foreman/pkg/audit"
)

// maxReadBytes caps how much of a file the read action returns.
const maxReadBytes = 1 << 20

// filesystemSchema validates the args object for the filesystem tool.
var filesystemSchema = []byte(`{
	"type": "object",
	"properties": {
		"action": {"type": "string", "enum": ["read", "write", "delete", "copy", "list", "mkdir"]},
		"path": {"type": "string", "minLength": 1},
		"content": {"type": "string"},
		"destination": {"type": "string"}
	},
	"required": ["action", "path"],
	"additionalProperties": false
}`)

// FilesystemTool performs file operations inside the run workspace. Path
// jailing happens upstream in the guardrails enforcer; the tool works on the
// validated paths it is handed and reports hashes and line deltas for the
// file-op audit trail.
type FilesystemTool struct {
	workspaceDir string
}

// NewFilesystemTool creates the tool rooted at workspaceDir; relative paths
// resolve against it.
func NewFilesystemTool(workspaceDir string) *FilesystemTool {
	return &FilesystemTool{workspaceDir: workspaceDir}
}

func (t *FilesystemTool) ID() string     { return "filesystem" }
func (t *FilesystemTool) Schema() []byte { return filesystemSchema }

// Execute dispatches on the action arg.
func (t *FilesystemTool) Execute(ctx context.Context, args map[string]any) *Result {
	if err := ctx.Err(); err != nil {
		return fail("filesystem: %v", err)
	}
	action, _ := args["action"].(string)
	rawPath, _ := args["path"].(string)
	if rawPath == "" {
		return fail("filesystem: missing 'path'")
	}
	path := t.resolve(rawPath)

	switch action {
	case "read":
		return t.read(path)
	case "write":
		content, _ := args["content"].(string)
		return t.write(path, rawPath, content)
	case "delete":
		return t.delete(path, rawPath)
	case "copy":
		dest, _ := args["destination"].(string)
		if dest == "" {
			return fail("filesystem: copy requires 'destination'")
		}
		return t.copy(path, t.resolve(dest), dest)
	case "list":
		return t.list(path)
	case "mkdir":
		return t.mkdir(path)
	default:
		return fail("filesystem: unknown action %q", action)
	}
}

func (t *FilesystemTool) resolve(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(t.workspaceDir, p)
}

func (t *FilesystemTool) read(path string) *Result {
	info, err := os.Stat(path)
	if err != nil {
		return fail("filesystem: %v", err)
	}
	if info.IsDir() {
		return fail("filesystem: %s is a directory", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fail("filesystem: %v", err)
	}
	truncated := false
	if len(data) > maxReadBytes {
		data = data[:maxReadBytes]
		truncated = true
	}
	return &Result{
		Success: true,
		Output:  string(data),
		Data: map[string]any{
			"path":      path,
			"size":      info.Size(),
			"hash":      audit.HashContent(data),
			"truncated": truncated,
		},
	}
}

func (t *FilesystemTool) write(path, displayPath, content string) *Result {
	var before string
	var beforeHash string
	if old, err := os.ReadFile(path); err == nil {
		before = string(old)
		beforeHash = audit.HashContent(old)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fail("filesystem: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fail("filesystem: %v", err)
	}

	diff, added, removed := audit.UnifiedDiff(before, content, displayPath)
	return &Result{
		Success: true,
		Output:  fmt.Sprintf("wrote %d bytes to %s", len(content), displayPath),
		Data: map[string]any{
			"path":          path,
			"operation":     "write",
			"before_hash":   beforeHash,
			"after_hash":    audit.HashString(content),
			"diff":          diff,
			"lines_added":   added,
			"lines_removed": removed,
			"bytes":         len(content),
		},
	}
}

func (t *FilesystemTool) delete(path, displayPath string) *Result {
	old, err := os.ReadFile(path)
	if err != nil {
		return fail("filesystem: %v", err)
	}
	if err := os.Remove(path); err != nil {
		return fail("filesystem: %v", err)
	}
	diff, added, removed := audit.UnifiedDiff(string(old), "", displayPath)
	return &Result{
		Success: true,
		Output:  fmt.Sprintf("deleted %s", displayPath),
		Data: map[string]any{
			"path":          path,
			"operation":     "delete",
			"before_hash":   audit.HashContent(old),
			"diff":          diff,
			"lines_added":   added,
			"lines_removed": removed,
		},
	}
}

func (t *FilesystemTool) copy(src, dst, displayDst string) *Result {
	data, err := os.ReadFile(src)
	if err != nil {
		return fail("filesystem: %v", err)
	}
	var beforeHash string
	if old, err := os.ReadFile(dst); err == nil {
		beforeHash = audit.HashContent(old)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fail("filesystem: %v", err)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return fail("filesystem: %v", err)
	}
	return &Result{
		Success: true,
		Output:  fmt.Sprintf("copied %d bytes to %s", len(data), displayDst),
		Data: map[string]any{
			"path":        dst,
			"operation":   "copy",
			"source":      src,
			"before_hash": beforeHash,
			"after_hash":  audit.HashContent(data),
			"bytes":       len(data),
		},
	}
}

func (t *FilesystemTool) list(path string) *Result {
	entries, err := os.ReadDir(path)
	if err != nil {
		return fail("filesystem: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return &Result{
		Success: true,
		Output:  strings.Join(names, "\n"),
		Data:    map[string]any{"path": path, "entries": len(names)},
	}
}

func (t *FilesystemTool) mkdir(path string) *Result {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fail("filesystem: %v", err)
	}
	return &Result{
		Success: true,
		Output:  fmt.Sprintf("created directory %s", path),
		Data:    map[string]any{"path": path, "operation": "mkdir"},
	}
}
