// Package agents defines the agent contract and the HTTP backend client.
// An agent is anything that can hold a streamed conversation: the planner,
// the implementers, reviewers, and testers all satisfy the same interface.
package agents

import "context"

// Message is one conversation turn sent to an agent backend.
type Message struct {
	Role    string `json:"role"` // system, user, assistant, tool
	Content string `json:"content"`
}

// ChatOptions carries optional per-call overrides. Nil fields keep the
// agent's configured defaults.
type ChatOptions struct {
	Model       *string  `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
}

// Agent is the streaming conversation contract. The returned channel is
// closed when the stream completes; errors are delivered as ErrorChunk
// values in the channel.
type Agent interface {
	ID() string
	Chat(ctx context.Context, messages []Message, opts ChatOptions) (<-chan Chunk, error)
}
