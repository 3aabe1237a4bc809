package config

// AgentRole names the engine role an agent fills. Roles drive default
// wiring: the planner decomposes requests, the coder implements tasks the
// plan assigns to nobody in particular, the reviewer and tester back the
// quality gates.
type AgentRole string

const (
	// AgentRolePlanner decomposes a request into the task plan
	AgentRolePlanner AgentRole = "planner"
	// AgentRoleCoder implements tasks
	AgentRoleCoder AgentRole = "coder"
	// AgentRoleReviewer reviews diffs and answers review consults
	AgentRoleReviewer AgentRole = "reviewer"
	// AgentRoleTester exercises the tests quality gate
	AgentRoleTester AgentRole = "tester"
	// AgentRoleDeployer handles release and deployment tasks
	AgentRoleDeployer AgentRole = "deployer"
	// AgentRoleDocumenter writes documentation tasks
	AgentRoleDocumenter AgentRole = "documenter"
)

// IsValid checks if the agent role is valid
func (r AgentRole) IsValid() bool {
	switch r {
	case AgentRolePlanner,
		AgentRoleCoder,
		AgentRoleReviewer,
		AgentRoleTester,
		AgentRoleDeployer,
		AgentRoleDocumenter:
		return true
	default:
		return false
	}
}
