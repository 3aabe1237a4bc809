package models

import "time"

// Artifact is a named output produced by a task (e.g. "dockerfile", "api_schema").
// Large values store a content hash only; Content stays empty.
type Artifact struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	TaskID      string    `json:"task_id"`
	Name        string    `json:"name"`
	Kind        string    `json:"kind"`
	Path        *string   `json:"path,omitempty"`
	Content     *string   `json:"content,omitempty"`
	ContentHash string    `json:"content_hash"`
	Agent       string    `json:"agent"`
	CreatedAt   time.Time `json:"created_at"`
}

// CreateArtifactRequest contains fields for recording an artifact.
type CreateArtifactRequest struct {
	RunID   string `json:"run_id"`
	TaskID  string `json:"task_id"`
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Path    string `json:"path,omitempty"`
	Content string `json:"content,omitempty"`
	Agent   string `json:"agent"`
}
