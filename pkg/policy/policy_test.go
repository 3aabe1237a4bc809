package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewline/foreman/pkg/budget"
	"github.com/crewline/foreman/pkg/models"
)

func TestResolveKnownAgent(t *testing.T) {
	r := NewResolver(map[string]Policy{
		"coder": {
			AllowedTools: []string{"filesystem", "shell"},
			Budget:       budget.Limits{ToolCallsPerMessage: 10},
		},
	})

	p := r.Resolve("coder")
	assert.Equal(t, "coder", p.AgentID)
	assert.True(t, p.ToolAllowed("shell"))
	assert.False(t, p.ToolAllowed("web_search"))
}

func TestResolveUnknownAgentIsDefaultDeny(t *testing.T) {
	r := NewResolver(nil)

	p := r.Resolve("stranger")
	assert.Equal(t, "stranger", p.AgentID)
	assert.True(t, p.FilesystemReadOnly)
	assert.True(t, p.ToolAllowed("filesystem"))
	assert.False(t, p.ToolAllowed("shell"))
	assert.False(t, p.ToolAllowed("web_search"))
	assert.Less(t, p.Budget.ToolCallsPerSession, budget.DefaultLimits().ToolCallsPerSession)
}

func TestApprovalRuleMatching(t *testing.T) {
	p := Policy{
		Approval: []ApprovalRule{
			{Actions: []models.ActionKind{models.ActionDelete}},
			{Actions: []models.ActionKind{models.ActionWrite}, PathPatterns: []string{"*.env", "deploy/*"}},
		},
	}

	tests := []struct {
		name   string
		action models.ActionKind
		target string
		want   bool
	}{
		{"delete always guarded", models.ActionDelete, "anything.txt", true},
		{"write to env file", models.ActionWrite, "config/prod.env", true},
		{"write to deploy dir", models.ActionWrite, "deploy/release.sh", true},
		{"write elsewhere", models.ActionWrite, "pkg/main.go", false},
		{"shell not guarded", models.ActionShell, "rm -rf /", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, got := p.ApprovalFor(tt.action, tt.target)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestApprovalTimeoutDefault(t *testing.T) {
	p := Policy{
		Approval: []ApprovalRule{{Actions: []models.ActionKind{models.ActionWrite}}},
	}

	rule, ok := p.ApprovalFor(models.ActionWrite, "x")
	require.True(t, ok)
	assert.Equal(t, DefaultApprovalTimeout, rule.Timeout)

	p.Approval[0].Timeout = 10 * time.Second
	rule, _ = p.ApprovalFor(models.ActionWrite, "x")
	assert.Equal(t, 10*time.Second, rule.Timeout)
}
