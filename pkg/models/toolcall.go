package models

// ToolInvocation is one parsed tool-invocation block from an agent response.
// Transient: never persisted directly, only through audit records.
type ToolInvocation struct {
	Tool       string         `json:"tool"`
	Args       map[string]any `json:"args"`
	RawJSON    string         `json:"raw_json"`
	ParseError string         `json:"parse_error,omitempty"`
}

// ToolOutcome is the per-invocation result formatted into the agent's next turn.
type ToolOutcome struct {
	Tool      string `json:"tool"`
	Success   bool   `json:"success"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}
