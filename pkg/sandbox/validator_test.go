package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestValidator(t *testing.T) (*Validator, string) {
	t.Helper()
	ws := t.TempDir()
	v, err := NewValidator([]string{ws}, 3)
	require.NoError(t, err)
	// TempDir may itself sit behind a symlink (macOS /var); compare against
	// the validator's canonical form.
	return v, v.AllowedDirs()[0]
}

func TestValidateWriteAccepts(t *testing.T) {
	v, ws := newTestValidator(t)

	tests := []struct {
		name string
		path string
		want string
	}{
		{"relative file", "main.go", filepath.Join(ws, "main.go")},
		{"nested relative", "pkg/server/handler.go", filepath.Join(ws, "pkg/server/handler.go")},
		{"absolute inside", filepath.Join(ws, "notes.txt"), filepath.Join(ws, "notes.txt")},
		{"workspace root itself", ws, ws},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.ValidateWrite(tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateWriteRejects(t *testing.T) {
	v, ws := newTestValidator(t)

	tests := []struct {
		name   string
		path   string
		reason string
	}{
		{"plain traversal", "../../etc/passwd", "traversal"},
		{"workspace dotdot", ws + "/..", "traversal"},
		{"embedded dotdot", "a/../../b", "traversal"},
		{"url escaped", "%2e%2e/etc/passwd", "traversal"},
		{"url escaped mixed", ".%2e/etc/passwd", "traversal"},
		{"double escaped", "%252e%252e/etc", "traversal"},
		{"backslash dotdot", `..\..\windows`, "traversal"},
		{"fullwidth dots", "．．/etc/passwd", "traversal"},
		{"null byte", "ok\x00.txt", "null-byte"},
		{"url escaped null", "ok%00.txt", "null-byte"},
		{"fullwidth solidus", "a／b", "blocked-character"},
		{"one dot leader", "․x", "blocked-character"},
		{"ellipsis", "…/etc", "blocked-character"},
		{"absolute outside", "/etc/passwd", "outside-allowed"},
		{"sibling prefix", ws + "-evil/x", "outside-allowed"},
		{"empty", "   ", "traversal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.ValidateWrite(tt.path)
			require.Error(t, err)
			var vErr *ViolationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.reason, vErr.Reason)
		})
	}
}

func TestValidateWriteSymlinkEscape(t *testing.T) {
	v, ws := newTestValidator(t)

	outside := t.TempDir()
	link := filepath.Join(ws, "escape")
	require.NoError(t, os.Symlink(outside, link))

	_, err := v.ValidateWrite("escape/file.txt")
	require.Error(t, err)
	var vErr *ViolationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "outside-allowed", vErr.Reason)
}

func TestValidateWriteSymlinkChainDepth(t *testing.T) {
	v, ws := newTestValidator(t) // depth ceiling 3

	target := filepath.Join(ws, "real")
	require.NoError(t, os.MkdirAll(target, 0o755))

	// Chain of length ceiling+1: l1 -> l2 -> l3 -> l4 -> real.
	prev := target
	for _, name := range []string{"l4", "l3", "l2", "l1"} {
		link := filepath.Join(ws, name)
		require.NoError(t, os.Symlink(prev, link))
		prev = link
	}

	_, err := v.ValidateWrite("l1/file.txt")
	require.Error(t, err)
	var vErr *ViolationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "symlink-depth", vErr.Reason)

	// A chain within the ceiling resolves fine.
	got, err := v.ValidateWrite("l2/file.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(target, "file.txt"), got)
}

func TestValidateWriteSymlinkLoop(t *testing.T) {
	ws := t.TempDir()
	v, err := NewValidator([]string{ws}, 64) // deep ceiling so the loop check fires first
	require.NoError(t, err)

	a := filepath.Join(ws, "a")
	b := filepath.Join(ws, "b")
	require.NoError(t, os.Symlink(b, a))
	require.NoError(t, os.Symlink(a, b))

	_, err = v.ValidateWrite("a/file.txt")
	require.Error(t, err)
	var vErr *ViolationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "symlink-loop", vErr.Reason)
}

func TestValidateReadNotJailed(t *testing.T) {
	v, _ := newTestValidator(t)

	got, err := v.ValidateRead("/etc/hosts")
	require.NoError(t, err)
	assert.Equal(t, "/etc/hosts", got)

	_, err = v.ValidateRead("x\x00y")
	require.Error(t, err)
}

func TestNewValidatorRequiresDir(t *testing.T) {
	_, err := NewValidator(nil, 0)
	require.Error(t, err)
}
