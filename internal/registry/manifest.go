package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest is the on-disk agent catalogue (.forgeflow/agents.yaml).
type Manifest struct {
	Version int     `yaml:"version"`
	Agents  []Agent `yaml:"agents"`
}

// LoadManifest parses an agents.yaml file into a registry snapshot.
func LoadManifest(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if len(m.Agents) == 0 {
		return nil, fmt.Errorf("manifest %s declares no agents", path)
	}

	return New(m.Version, m.Agents)
}

// DefaultAgents returns the built-in agent catalogue matching the default
// workflow definition. A manifest file replaces this wholesale.
func DefaultAgents() []Agent {
	return []Agent{
		{ID: "requirements-analyst", Role: "analysis", Tier: 1, Phases: []int{0}, RolePriority: 0,
			InputSchema: "project-config", OutputSchema: "requirements"},
		{ID: "solution-architect", Role: "design", Tier: 1, Phases: []int{1}, RolePriority: 0,
			Predecessors: []string{"requirements-analyst"}, InputSchema: "requirements", OutputSchema: "architecture-doc"},
		{ID: "cost-optimizer", Role: "analysis", Tier: 2, Phases: []int{2}, RolePriority: 0,
			Predecessors: []string{"solution-architect"}, InputSchema: "architecture-doc", OutputSchema: "cost-estimate"},
		{ID: "infra-designer", Role: "design", Tier: 2, Phases: []int{3}, RolePriority: 0,
			Predecessors: []string{"cost-optimizer"}, InputSchema: "cost-estimate", OutputSchema: "infra-design"},
		{ID: "infra-implementer", Role: "implementation", Tier: 2, Phases: []int{4}, RolePriority: 0,
			Predecessors: []string{"infra-designer"}, InputSchema: "infra-design", OutputSchema: "infra-templates"},
		{ID: "policy-checker", Role: "validation", Tier: 2, Phases: []int{4}, RolePriority: 1,
			InputSchema: "infra-templates", OutputSchema: "policy-report"},
		{ID: "deployer", Role: "deployment", Tier: 2, Phases: []int{5}, RolePriority: 0,
			Predecessors: []string{"infra-implementer"}, InputSchema: "infra-templates", OutputSchema: "deployment-record"},
		{ID: "deployment-validator", Role: "validation", Tier: 2, Phases: []int{6}, RolePriority: 0,
			Predecessors: []string{"deployer"}, InputSchema: "deployment-record", OutputSchema: "validation-report"},
		{ID: "app-scaffolder", Role: "implementation", Tier: 3, Phases: []int{7}, RolePriority: 0,
			InputSchema: "architecture-doc", OutputSchema: "app-skeleton"},
		{ID: "app-implementer", Role: "implementation", Tier: 3, Phases: []int{8}, RolePriority: 0,
			Predecessors: []string{"app-scaffolder"}, InputSchema: "app-skeleton", OutputSchema: "app-source"},
		{ID: "data-specialist", Role: "implementation", Tier: 3, Phases: []int{8}, RolePriority: 1,
			InputSchema: "app-skeleton", OutputSchema: "data-layer"},
		{ID: "test-engineer", Role: "validation", Tier: 3, Phases: []int{9}, RolePriority: 0,
			Predecessors: []string{"app-implementer"}, InputSchema: "app-source", OutputSchema: "test-report"},
		{ID: "ops-writer", Role: "documentation", Tier: 3, Phases: []int{10}, RolePriority: 0,
			InputSchema: "deployment-record", OutputSchema: "runbook"},
		{ID: "doc-writer", Role: "documentation", Tier: 3, Phases: []int{11}, RolePriority: 0,
			Predecessors: []string{"test-engineer", "ops-writer"}, InputSchema: "app-source", OutputSchema: "project-docs"},
	}
}

// DefaultRegistry builds the built-in registry snapshot at version 1.
func DefaultRegistry() *Registry {
	r, err := New(1, DefaultAgents())
	if err != nil {
		// The built-in catalogue is static; a failure here is a programming error.
		panic(fmt.Sprintf("default registry invalid: %v", err))
	}
	return r
}
