// Package policy maps agent ids to their guardrail policies: tool
// allowlists, filesystem write scope, budget ceilings, and diff-approval
// rules. Unknown agents always receive the default-deny policy.
package policy

import (
	"path/filepath"
	"time"

	"github.com/crewline/foreman/pkg/budget"
	"github.com/crewline/foreman/pkg/models"
)

// DefaultApprovalTimeout bounds how long a blocked tool call waits for a
// human decision before the approval expires.
const DefaultApprovalTimeout = 5 * time.Minute

// ApprovalRule marks an action class as diff-first. Empty PathPatterns match
// every target; patterns use filepath.Match syntax against the target string.
type ApprovalRule struct {
	Actions      []models.ActionKind `yaml:"actions"`
	PathPatterns []string            `yaml:"path_patterns,omitempty"`
	Timeout      time.Duration       `yaml:"timeout,omitempty"`
}

// Matches reports whether the rule applies to an action on a target.
func (r ApprovalRule) Matches(action models.ActionKind, target string) bool {
	applies := false
	for _, a := range r.Actions {
		if a == action {
			applies = true
			break
		}
	}
	if !applies {
		return false
	}
	if len(r.PathPatterns) == 0 {
		return true
	}
	for _, pattern := range r.PathPatterns {
		if ok, err := filepath.Match(pattern, target); err == nil && ok {
			return true
		}
		// Also try the basename so "*.env" matches nested paths.
		if ok, err := filepath.Match(pattern, filepath.Base(target)); err == nil && ok {
			return true
		}
	}
	return false
}

// Policy is the resolved guardrail configuration of one agent.
type Policy struct {
	AgentID            string         `yaml:"-"`
	AllowedTools       []string       `yaml:"allowed_tools"`
	FilesystemReadOnly bool           `yaml:"filesystem_read_only"`
	WritePaths         []string       `yaml:"write_paths,omitempty"`
	Budget             budget.Limits  `yaml:"budget"`
	Approval           []ApprovalRule `yaml:"approval,omitempty"`
}

// ToolAllowed consults the allowlist.
func (p Policy) ToolAllowed(toolID string) bool {
	for _, id := range p.AllowedTools {
		if id == toolID {
			return true
		}
	}
	return false
}

// ApprovalFor returns the first matching diff-first rule, if any. The rule's
// timeout falls back to DefaultApprovalTimeout when unset.
func (p Policy) ApprovalFor(action models.ActionKind, target string) (ApprovalRule, bool) {
	for _, rule := range p.Approval {
		if rule.Matches(action, target) {
			if rule.Timeout <= 0 {
				rule.Timeout = DefaultApprovalTimeout
			}
			return rule, true
		}
	}
	return ApprovalRule{}, false
}

// DefaultDeny is the policy handed to unknown agents: filesystem read-only,
// no shell, no network, minimal budget.
func DefaultDeny(agentID string) Policy {
	return Policy{
		AgentID:            agentID,
		AllowedTools:       []string{"filesystem"},
		FilesystemReadOnly: true,
		Budget: budget.Limits{
			ToolLoopsPerMessage:    2,
			ToolCallsPerMessage:    5,
			ToolCallsPerSession:    20,
			ShellSecondsPerSession: 1,
			OutputBytesPerSession:  256 * 1024,
		},
	}
}

// Resolver resolves agent ids to policies from the configured registry.
type Resolver struct {
	policies map[string]Policy
}

// NewResolver builds a resolver over the configured per-agent policies.
func NewResolver(policies map[string]Policy) *Resolver {
	r := &Resolver{policies: make(map[string]Policy, len(policies))}
	for id, p := range policies {
		p.AgentID = id
		r.policies[id] = p
	}
	return r
}

// Resolve never fails: known agents get their configured policy, unknown
// agents get default-deny.
func (r *Resolver) Resolve(agentID string) Policy {
	if p, ok := r.policies[agentID]; ok {
		return p
	}
	return DefaultDeny(agentID)
}
