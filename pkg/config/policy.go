package config

import (
	"fmt"
	"sync"

	"github.com/crewline/foreman/pkg/policy"
)

// PolicyRegistry stores per-agent guardrail policies with thread-safe access.
// Agents without an entry fall back to default-deny at resolution time; the
// registry only holds what the operator (or the built-ins) configured.
type PolicyRegistry struct {
	policies map[string]policy.Policy
	mu       sync.RWMutex
}

// NewPolicyRegistry creates a new policy registry
func NewPolicyRegistry(policies map[string]policy.Policy) *PolicyRegistry {
	copied := make(map[string]policy.Policy, len(policies))
	for agentID, p := range policies {
		p.AgentID = agentID
		copied[agentID] = p
	}
	return &PolicyRegistry{
		policies: copied,
	}
}

// Get retrieves the policy configured for an agent (thread-safe)
func (r *PolicyRegistry) Get(agentID string) (policy.Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.policies[agentID]
	if !exists {
		return policy.Policy{}, fmt.Errorf("%w: %s", ErrPolicyNotFound, agentID)
	}
	return p, nil
}

// GetAll returns all configured policies (thread-safe, returns copy)
func (r *PolicyRegistry) GetAll() map[string]policy.Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]policy.Policy, len(r.policies))
	for k, v := range r.policies {
		result[k] = v
	}
	return result
}

// Has checks if a policy exists for the agent (thread-safe)
func (r *PolicyRegistry) Has(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.policies[agentID]
	return exists
}

// Len returns the number of configured policies (thread-safe)
func (r *PolicyRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.policies)
}

// Resolver builds the runtime policy resolver over the registry contents.
func (r *PolicyRegistry) Resolver() *policy.Resolver {
	return policy.NewResolver(r.GetAll())
}
