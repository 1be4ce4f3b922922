// Package workflow declares the fixed twelve-phase delivery workflow:
// discovery through documentation, with approval gates, auto-validation,
// and a parallel finalization group.
//
// The phase graph is intentionally static. Transitions are an adjacency map
// keyed by (phase, reason); the graph carries explicit back-edges (2->2,
// 2->1, 4->4) so it is not representable as a list.
package workflow

import (
	"fmt"
)

// PhaseCount is the number of phases in the workflow.
const PhaseCount = 12

// PhaseType categorizes how a phase is driven.
type PhaseType string

const (
	PhaseUserDriven   PhaseType = "/user_driven"
	PhaseAutomated    PhaseType = "/automated"
	PhaseCoordination PhaseType = "/coordination"
	PhaseFinalization PhaseType = "/finalization"
)

// Reason labels a transition edge. The set is closed.
type Reason string

const (
	ReasonApproved           Reason = "approved"
	ReasonRejected           Reason = "rejected"
	ReasonRevised            Reason = "revised"
	ReasonValidationPassed   Reason = "validation_passed"
	ReasonValidationFailed   Reason = "validation_failed"
	ReasonDeploySucceeded    Reason = "deployment_succeeded"
	ReasonDeployRejected     Reason = "deployment_rejected"
	ReasonDeployFailed       Reason = "deployment_failed"
	ReasonCostTooHigh        Reason = "cost_too_high"
	ReasonMajorChanges       Reason = "major_changes"
	ReasonComplete           Reason = "complete"
	ReasonEscalate           Reason = "escalate"
)

// Pseudo-phase targets for edges that leave the numeric phase range.
const (
	// PhaseEnd marks workflow completion.
	PhaseEnd = -1
	// PhaseEscalation halts the execution pending human action.
	PhaseEscalation = -2
	// PhaseRollback unwinds deployment resources and fails the execution.
	PhaseRollback = -3
)

// ParallelGroupFinalization is the shared group id for phases 9 and 10.
const ParallelGroupFinalization = "finalization-prep"

// Phase describes one workflow phase.
type Phase struct {
	Index             int       `json:"index"`
	Name              string    `json:"name"`
	Purpose           string    `json:"purpose"`
	Type              PhaseType `json:"type"`
	Agents            []string  `json:"agents"`
	ExpectedArtifacts []string  `json:"expected_artifacts"`
	ApprovalRequired  bool      `json:"approval_required"`
	ValidationGates   []string  `json:"validation_gates,omitempty"`
	ParallelGroup     string    `json:"parallel_group,omitempty"`
}

// edge is a transition key.
type edge struct {
	from   int
	reason Reason
}

// Definition is the immutable workflow definition.
type Definition struct {
	phases      [PhaseCount]Phase
	transitions map[edge]int
}

// ErrInvalidTransition is returned for an edge not in the graph.
type ErrInvalidTransition struct {
	From   int
	Reason Reason
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("no transition from phase %d on reason %q", e.From, e.Reason)
}

// Default returns the standard twelve-phase delivery workflow.
func Default() *Definition {
	d := &Definition{
		phases: [PhaseCount]Phase{
			{Index: 0, Name: "discovery", Purpose: "Capture project requirements and constraints", Type: PhaseUserDriven,
				Agents: []string{"requirements-analyst"}, ExpectedArtifacts: []string{"requirements"}, ApprovalRequired: true},
			{Index: 1, Name: "architecture", Purpose: "Design system architecture", Type: PhaseUserDriven,
				Agents: []string{"solution-architect"}, ExpectedArtifacts: []string{"architecture-doc"}, ApprovalRequired: true},
			{Index: 2, Name: "cost-optimization", Purpose: "Estimate and optimize infrastructure cost", Type: PhaseCoordination,
				Agents: []string{"cost-optimizer"}, ExpectedArtifacts: []string{"cost-estimate"}, ApprovalRequired: true},
			{Index: 3, Name: "infra-design", Purpose: "Design infrastructure templates", Type: PhaseUserDriven,
				Agents: []string{"infra-designer"}, ExpectedArtifacts: []string{"infra-design"}, ApprovalRequired: true},
			{Index: 4, Name: "infra-implementation", Purpose: "Generate infrastructure code", Type: PhaseAutomated,
				Agents:            []string{"infra-implementer", "policy-checker"},
				ExpectedArtifacts: []string{"infra-templates"},
				ApprovalRequired:  true,
				ValidationGates:   []string{"syntax", "lint", "policy", "security", "cost-delta"}},
			{Index: 5, Name: "deployment", Purpose: "Deploy infrastructure to target environment", Type: PhaseAutomated,
				Agents: []string{"deployer"}, ExpectedArtifacts: []string{"deployment-record"}, ApprovalRequired: true},
			{Index: 6, Name: "post-deploy-validation", Purpose: "Validate deployed resources", Type: PhaseAutomated,
				Agents: []string{"deployment-validator"}, ExpectedArtifacts: []string{"validation-report"}},
			{Index: 7, Name: "app-scaffolding", Purpose: "Scaffold application structure", Type: PhaseAutomated,
				Agents: []string{"app-scaffolder"}, ExpectedArtifacts: []string{"app-skeleton"}},
			{Index: 8, Name: "app-implementation", Purpose: "Implement application features", Type: PhaseCoordination,
				Agents: []string{"app-implementer", "data-specialist"}, ExpectedArtifacts: []string{"app-source"}},
			{Index: 9, Name: "integration-tests", Purpose: "Generate and run integration tests", Type: PhaseFinalization,
				Agents: []string{"test-engineer"}, ExpectedArtifacts: []string{"test-report"}, ParallelGroup: ParallelGroupFinalization},
			{Index: 10, Name: "ops-handbook", Purpose: "Produce operational runbooks", Type: PhaseFinalization,
				Agents: []string{"ops-writer"}, ExpectedArtifacts: []string{"runbook"}, ParallelGroup: ParallelGroupFinalization},
			{Index: 11, Name: "documentation", Purpose: "Produce final project documentation", Type: PhaseFinalization,
				Agents: []string{"doc-writer"}, ExpectedArtifacts: []string{"project-docs"}, ApprovalRequired: true},
		},
		transitions: map[edge]int{
			{0, ReasonApproved}: 1,
			{1, ReasonApproved}: 2,
			{2, ReasonApproved}: 3,
			{2, ReasonCostTooHigh}:  2, // re-run optimization
			{2, ReasonMajorChanges}: 1, // back to architecture
			{3, ReasonApproved}:         4,
			{4, ReasonValidationPassed}: 5,
			{4, ReasonValidationFailed}: 4, // regenerate
			{5, ReasonDeploySucceeded}:  6,
			{5, ReasonDeployRejected}:   PhaseRollback,
			{5, ReasonDeployFailed}:     PhaseEscalation,
			{6, ReasonValidationPassed}: 7,
			{7, ReasonComplete}:         8,
			{8, ReasonComplete}:         9, // fan-out entry; 10 is entered alongside
			{11, ReasonComplete}:        PhaseEnd,
		},
	}
	return d
}

// Phase returns the definition of the given phase index.
func (d *Definition) Phase(idx int) (Phase, error) {
	if idx < 0 || idx >= PhaseCount {
		return Phase{}, fmt.Errorf("phase index %d out of range", idx)
	}
	return d.phases[idx], nil
}

// Phases returns all phases in order.
func (d *Definition) Phases() []Phase {
	out := make([]Phase, PhaseCount)
	copy(out, d.phases[:])
	return out
}

// Next resolves the transition edge (from, reason). It returns the target
// phase index, which may be a pseudo-phase (PhaseEnd, PhaseEscalation,
// PhaseRollback).
func (d *Definition) Next(from int, reason Reason) (int, error) {
	if to, ok := d.transitions[edge{from, reason}]; ok {
		return to, nil
	}
	return 0, &ErrInvalidTransition{From: from, Reason: reason}
}

// IsFanOut reports whether completing the phase fans out into the parallel
// group (phase 8 fans out to 9 and 10).
func (d *Definition) IsFanOut(from int, reason Reason) bool {
	return from == 8 && reason == ReasonComplete
}

// ParallelSiblings returns the members of the parallel group entered by
// fan-out, in index order.
func (d *Definition) ParallelSiblings() []int {
	return []int{9, 10}
}

// JoinTarget is the phase entered when all parallel siblings complete.
func (d *Definition) JoinTarget() int {
	return 11
}

// RequiresApproval reports whether a phase needs a human decision to exit.
func (d *Definition) RequiresApproval(idx int) bool {
	if idx < 0 || idx >= PhaseCount {
		return false
	}
	return d.phases[idx].ApprovalRequired
}

// ValidationGates returns the named auto-validation gates for a phase.
func (d *Definition) ValidationGates(idx int) []string {
	if idx < 0 || idx >= PhaseCount {
		return nil
	}
	return d.phases[idx].ValidationGates
}
