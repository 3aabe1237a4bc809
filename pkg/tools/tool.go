// Package tools defines the tool contract and the built-in filesystem and
// shell tools agents drive through the tool-call interpreter.
package tools

import (
	"context"
	"fmt"
)

// Result is the outcome of one tool execution. Output is what the agent
// sees; Data carries structured values for auditing and budgeting.
type Result struct {
	Success bool           `json:"success"`
	Output  string         `json:"output,omitempty"`
	Error   string         `json:"error,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Tool is one executable capability. Schema returns a JSON Schema document
// for the args object (nil means unvalidated); the interpreter validates
// parsed args against it before execution.
type Tool interface {
	ID() string
	Schema() []byte
	Execute(ctx context.Context, args map[string]any) *Result
}

// fail builds a failed result from an error message.
func fail(format string, args ...any) *Result {
	return &Result{Success: false, Error: fmt.Sprintf(format, args...)}
}
