package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// DefaultShellTimeout bounds one shell invocation when the caller sets none.
const DefaultShellTimeout = 300 * time.Second

var shellSchema = []byte(`{
	"type": "object",
	"properties": {
		"command": {"type": "string", "minLength": 1},
		"timeout_seconds": {"type": "integer", "minimum": 1, "maximum": 600}
	},
	"required": ["command"],
	"additionalProperties": false
}`)

// ShellTool runs a command through bash inside the workspace. The command is
// written to a temp script so quoting survives intact. Stdout and stderr are
// captured; the exit code and wall-clock duration land in Data for budgeting.
type ShellTool struct {
	workDir        string
	defaultTimeout time.Duration
}

// NewShellTool creates the tool. defaultTimeout <= 0 selects
// DefaultShellTimeout.
func NewShellTool(workDir string, defaultTimeout time.Duration) *ShellTool {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultShellTimeout
	}
	return &ShellTool{workDir: workDir, defaultTimeout: defaultTimeout}
}

func (t *ShellTool) ID() string     { return "shell" }
func (t *ShellTool) Schema() []byte { return shellSchema }

// Execute runs the command and always returns a result; a non-zero exit is a
// failed result, not an error.
func (t *ShellTool) Execute(ctx context.Context, args map[string]any) *Result {
	command, _ := args["command"].(string)
	if command == "" {
		return fail("shell: missing 'command'")
	}

	timeout := t.defaultTimeout
	if secs, ok := numericArg(args["timeout_seconds"]); ok && secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	script, err := os.CreateTemp("", "foreman-shell-*.sh")
	if err != nil {
		return fail("shell: failed to create temp script: %v", err)
	}
	defer os.Remove(script.Name())
	if _, err := script.WriteString(command); err != nil {
		script.Close()
		return fail("shell: failed to write script: %v", err)
	}
	if err := script.Close(); err != nil {
		return fail("shell: failed to close script: %v", err)
	}

	cmd := exec.CommandContext(ctx, "bash", script.Name())
	if t.workDir != "" {
		cmd.Dir = t.workDir
	}
	// Orphaned grandchildren must not pin the output pipes past the timeout.
	cmd.WaitDelay = 5 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	runErr := cmd.Run()
	duration := time.Since(started)

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	output := strings.TrimSpace(stdout.String())
	errText := strings.TrimSpace(stderr.String())
	if output == "" {
		output = errText
	} else if errText != "" {
		output = output + "\n" + errText
	}

	result := &Result{
		Success: runErr == nil,
		Output:  output,
		Data: map[string]any{
			"command":     command,
			"exit_code":   exitCode,
			"duration_ms": duration.Milliseconds(),
			"stdout_len":  stdout.Len(),
			"stderr_len":  stderr.Len(),
		},
	}
	if runErr != nil {
		if ctx.Err() == context.DeadlineExceeded {
			result.Error = fmt.Sprintf("shell: command timed out after %s", timeout)
		} else {
			result.Error = fmt.Sprintf("shell: exit code %d", exitCode)
		}
	}
	return result
}

// numericArg reads an int-ish JSON value (decoders hand back float64,
// json.Number, or int depending on the path).
func numericArg(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}
