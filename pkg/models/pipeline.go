package models

import "fmt"

type AgentRoleType string

const (
	RoleResearch AgentRoleType = "research"
	RoleExecute  AgentRoleType = "execute"
	RoleReview   AgentRoleType = "review"
	RoleCustom   AgentRoleType = "custom"
)

// AgentRole describes one agent's role in a pipeline. Instructions are only
// meaningful for RoleCustom.
type AgentRole struct {
	Type         AgentRoleType `yaml:"type" json:"type"`
	Instructions string        `yaml:"instructions,omitempty" json:"instructions,omitempty"`
}

// PipelineConfig is the agent-pipeline configuration embedded in a Job's
// metadata under the "agents" key.
type PipelineConfig struct {
	Enabled    bool                 `yaml:"enabled" json:"enabled"`
	Sequence   []string             `yaml:"sequence" json:"sequence"`
	Synthesize bool                 `yaml:"synthesize" json:"synthesize"`
	Roles      map[string]AgentRole `yaml:"roles" json:"roles"`
}

// Validate checks the pipeline configuration before any side effect: the
// sequence must be non-empty and every agent in it must have a role entry
// carrying a role type.
func (c *PipelineConfig) Validate() error {
	if len(c.Sequence) == 0 {
		return fmt.Errorf("%w: agent sequence is empty", ErrInvalidConfiguration)
	}
	for _, name := range c.Sequence {
		role, ok := c.Roles[name]
		if !ok {
			return fmt.Errorf("%w: no role defined for agent %q", ErrInvalidConfiguration, name)
		}
		if role.Type == "" {
			return fmt.Errorf("%w: agent %q has no role type", ErrInvalidConfiguration, name)
		}
	}
	return nil
}
