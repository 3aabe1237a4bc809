// Package guardrails is the enforcement facade in front of every tool
// execution. It combines the agent policy allowlist, budget ceilings, the
// filesystem jail, diff-first approvals, and audit writes behind a single
// check/record pair that the tool-call interpreter brackets around each call.
package guardrails

import (
	"sync"

	"github.com/crewline/foreman/pkg/approval"
	"github.com/crewline/foreman/pkg/audit"
	"github.com/crewline/foreman/pkg/budget"
	"github.com/crewline/foreman/pkg/policy"
	"github.com/crewline/foreman/pkg/redact"
	"github.com/crewline/foreman/pkg/sandbox"
)

// Guardrails holds the shared enforcement services. One instance serves the
// whole process; per-agent enforcers are built with ForAgent.
type Guardrails struct {
	policies  *policy.Resolver
	sandbox   *sandbox.Validator
	approvals *approval.Manager
	sink      *audit.Sink
	redactor  *redact.Pipeline

	mu       sync.Mutex
	trackers map[string]*budget.Tracker
}

// New wires the enforcement services together. approvals may be nil; any
// policy rule that then demands an approval fails closed. A nil sink
// disables audit writes, which is only acceptable in tests.
func New(policies *policy.Resolver, sb *sandbox.Validator, approvals *approval.Manager, sink *audit.Sink, redactor *redact.Pipeline) *Guardrails {
	return &Guardrails{
		policies:  policies,
		sandbox:   sb,
		approvals: approvals,
		sink:      sink,
		redactor:  redactor,
		trackers:  make(map[string]*budget.Tracker),
	}
}

// ForAgent resolves the agent's policy and returns an enforcer bound to the
// agent, session, and task. Budget trackers are shared per (session, agent)
// pair so session-scoped counters survive across messages and task attempts.
func (g *Guardrails) ForAgent(agentID, sessionID, taskID string) *Enforcer {
	pol := g.policies.Resolve(agentID)

	key := sessionID + "/" + agentID
	g.mu.Lock()
	tracker, ok := g.trackers[key]
	if !ok {
		tracker = budget.NewTracker(sessionID, pol.Budget)
		g.trackers[key] = tracker
	}
	g.mu.Unlock()

	return &Enforcer{
		g:         g,
		agentID:   agentID,
		sessionID: sessionID,
		taskID:    taskID,
		policy:    pol,
		tracker:   tracker,
	}
}
