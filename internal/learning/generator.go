package learning

import (
	"fmt"
	"sort"
	"time"

	"forgeflow/internal/logging"
	"forgeflow/internal/safety"

	"github.com/google/uuid"
)

// Strategy is the closed set of fix approaches.
type Strategy string

const (
	StrategyUpdateParameter      Strategy = "update_parameter"
	StrategyAddValidation        Strategy = "add_validation"
	StrategySetDefaultValue      Strategy = "set_default_value"
	StrategyFixLogic             Strategy = "fix_logic"
	StrategyAddCondition         Strategy = "add_condition"
	StrategyRefactorFlow         Strategy = "refactor_flow"
	StrategyUpdateDependency     Strategy = "update_dependency"
	StrategyAddDependency        Strategy = "add_dependency"
	StrategyChangeSkill          Strategy = "change_skill"
	StrategyStrengthenValidation Strategy = "strengthen_validation"
	StrategyAddErrorHandling     Strategy = "add_error_handling"
	StrategyImproveLogging       Strategy = "improve_logging"
	StrategyUpdateConfig         Strategy = "update_config"
	StrategyAddConfigOption      Strategy = "add_config_option"
)

// ChangeType is what the apply engine mutates.
type ChangeType string

const (
	ChangeValidationRule ChangeType = "validation_rule"
	ChangeTypeCheck      ChangeType = "type_check"
	ChangeDefaultValue   ChangeType = "default_value"
	ChangeConfigUpdate   ChangeType = "config_update"
	ChangeErrorHandling  ChangeType = "error_handling"
	ChangeConditionCheck ChangeType = "condition_check"
	ChangeGenericFix     ChangeType = "generic_fix"
)

// ProposalStatus tracks a proposal through the pipeline.
type ProposalStatus string

const (
	ProposalProposed   ProposalStatus = "/proposed"
	ProposalValidated  ProposalStatus = "/validated"
	ProposalApproved   ProposalStatus = "/approved"
	ProposalApplied    ProposalStatus = "/applied"
	ProposalRolledBack ProposalStatus = "/rolled_back"
	ProposalRejected   ProposalStatus = "/rejected"
)

// ProposedChange is the concrete mutation a proposal asks for.
type ProposedChange struct {
	Type        ChangeType `json:"type"`
	Target      string     `json:"target"`
	OldValue    any        `json:"old_value,omitempty"`
	NewValue    any        `json:"new_value,omitempty"`
	Rationale   string     `json:"rationale"`
	CodeExample string     `json:"code_example,omitempty"`
}

// ImpactAssessment estimates the blast radius of a change.
type ImpactAssessment struct {
	AffectedAgents     []string `json:"affected_agents,omitempty"`
	AffectedSkills     []string `json:"affected_skills,omitempty"`
	SideEffects        []string `json:"side_effects,omitempty"`
	PotentialBreakages []string `json:"potential_breakages,omitempty"`
}

// RollbackPlan describes how to undo an applied change.
type RollbackPlan struct {
	Reversible    bool          `json:"reversible"`
	EstimatedTime time.Duration `json:"estimated_time"`
	Dependencies  []string      `json:"dependencies,omitempty"`
}

// FixProposal is a candidate remedy for a captured error.
type FixProposal struct {
	ChangeID      string           `json:"change_id"`
	SourceErrorID string           `json:"source_error_id"`
	PatternHash   string           `json:"pattern_hash"`
	Change        ProposedChange   `json:"change"`
	Strategy      Strategy         `json:"strategy"`
	Alternatives  []Strategy       `json:"alternatives,omitempty"`
	Confidence    float64          `json:"confidence"`
	Risk          safety.RiskLevel `json:"risk"`
	Impact        ImpactAssessment `json:"impact"`
	Rollback      RollbackPlan     `json:"rollback"`
	Status        ProposalStatus   `json:"status"`
	CreatedAt     time.Time        `json:"created_at"`
}

// fixTemplate is one candidate produced by a category generator before
// confidence scoring.
type fixTemplate struct {
	strategy     Strategy
	alternatives []Strategy
	change       ProposedChange
	risk         safety.RiskLevel
	impact       ImpactAssessment
	reversible   bool
}

// categoryGenerator builds templates for one error category family.
type categoryGenerator func(e *ErrorEntry, analysis *Analysis) []fixTemplate

// Generator turns analyses into scored fix proposals.
type Generator struct {
	minConfidence float64
	generators    map[Category]categoryGenerator
}

// NewGenerator creates a generator; proposals under minConfidence are
// discarded.
func NewGenerator(minConfidence float64) *Generator {
	g := &Generator{minConfidence: minConfidence, generators: make(map[Category]categoryGenerator)}

	for _, cat := range []Category{CatMissingParameter, CatInvalidParameter, CatTypeMismatch, CatFormatInvalid} {
		g.generators[cat] = parameterFixes
	}
	for _, cat := range []Category{CatConfigMissing, CatConfigInvalid, CatConfigConflict} {
		g.generators[cat] = configFixes
	}
	for _, cat := range []Category{CatLogicFailure, CatConditionFailed, CatStateInvalid, CatSequenceError} {
		g.generators[cat] = logicFixes
	}
	for _, cat := range []Category{CatSkillNotFound, CatSkillTimeout, CatSkillFailure, CatSkillOutputInvalid} {
		g.generators[cat] = skillFixes
	}
	for _, cat := range []Category{CatDependencyNotFound, CatDependencyTimeout, CatDependencyError} {
		g.generators[cat] = dependencyFixes
	}
	for _, cat := range []Category{CatTimeout, CatMemoryError, CatResourceExhausted} {
		g.generators[cat] = systemFixes
	}
	return g
}

// Generate produces up to three proposals for an analysed error, highest
// confidence first.
func (g *Generator) Generate(e *ErrorEntry, analysis *Analysis) []*FixProposal {
	timer := logging.StartTimer(logging.CategoryLearning, "fix generation")
	defer timer.Stop()

	gen, ok := g.generators[e.Category]
	if !ok {
		gen = observabilityFixes
	}

	var out []*FixProposal
	for _, tpl := range gen(e, analysis) {
		confidence := g.score(analysis, tpl)
		if confidence < g.minConfidence {
			continue
		}
		out = append(out, &FixProposal{
			ChangeID:      uuid.NewString(),
			SourceErrorID: e.ID,
			PatternHash:   analysis.PatternHash,
			Change:        tpl.change,
			Strategy:      tpl.strategy,
			Alternatives:  tpl.alternatives,
			Confidence:    confidence,
			Risk:          tpl.risk,
			Impact:        tpl.impact,
			Rollback: RollbackPlan{
				Reversible:    tpl.reversible,
				EstimatedTime: 30 * time.Second,
			},
			Status:    ProposalProposed,
			CreatedAt: time.Now(),
		})
		if len(out) == 3 {
			break
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })

	logging.Learning("generated %d proposal(s) for %s", len(out), e.String())
	return out
}

// score combines root-cause confidence, evidence, and risk adjustments.
func (g *Generator) score(analysis *Analysis, tpl fixTemplate) float64 {
	confidence := analysis.Confidence * analysis.RootCause.Evidence
	if len(analysis.KnownFixes) > 0 {
		confidence += 0.15
	}
	switch tpl.risk {
	case safety.RiskLow:
		confidence += 0.1
	case safety.RiskHigh:
		confidence -= 0.2
	}
	if confidence > 1.0 {
		confidence = 1.0
	}
	if confidence < 0 {
		confidence = 0
	}
	return confidence
}

// =============================================================================
// CATEGORY GENERATORS
// =============================================================================

func parameterFixes(e *ErrorEntry, _ *Analysis) []fixTemplate {
	target := fmt.Sprintf("%s.parameters", e.Agent)
	return []fixTemplate{
		{
			strategy:     StrategySetDefaultValue,
			alternatives: []Strategy{StrategyUpdateParameter},
			change: ProposedChange{
				Type:      ChangeDefaultValue,
				Target:    target,
				NewValue:  "",
				Rationale: "supply a default so the call no longer fails when the parameter is absent",
			},
			risk:       safety.RiskLow,
			impact:     ImpactAssessment{AffectedAgents: []string{e.Agent}},
			reversible: true,
		},
		{
			strategy: StrategyAddValidation,
			change: ProposedChange{
				Type:      ChangeValidationRule,
				Target:    target,
				NewValue:  "required",
				Rationale: "reject the input earlier with a clear message instead of failing downstream",
				CodeExample: `if v, ok := input["param"]; !ok || v == nil {
	return fmt.Errorf("missing required parameter")
}`,
			},
			risk:       safety.RiskLow,
			impact:     ImpactAssessment{AffectedAgents: []string{e.Agent}},
			reversible: true,
		},
		{
			strategy: StrategyUpdateParameter,
			change: ProposedChange{
				Type:      ChangeTypeCheck,
				Target:    target,
				Rationale: "coerce or re-declare the parameter type to match what callers send",
			},
			risk:       safety.RiskMedium,
			impact:     ImpactAssessment{AffectedAgents: []string{e.Agent}, SideEffects: []string{"callers relying on the old type"}},
			reversible: true,
		},
	}
}

func configFixes(e *ErrorEntry, _ *Analysis) []fixTemplate {
	target := fmt.Sprintf("%s.config", e.Agent)
	return []fixTemplate{
		{
			strategy:     StrategyUpdateConfig,
			alternatives: []Strategy{StrategyAddConfigOption},
			change: ProposedChange{
				Type:      ChangeConfigUpdate,
				Target:    target,
				Rationale: "write the missing or corrected configuration value",
			},
			risk:       safety.RiskLow,
			impact:     ImpactAssessment{AffectedAgents: []string{e.Agent}},
			reversible: true,
		},
		{
			strategy: StrategyAddConfigOption,
			change: ProposedChange{
				Type:      ChangeConfigUpdate,
				Target:    target,
				Rationale: "introduce an explicit option with a safe default instead of an implicit fallback",
			},
			risk:       safety.RiskMedium,
			impact:     ImpactAssessment{AffectedAgents: []string{e.Agent}, SideEffects: []string{"new configuration surface"}},
			reversible: true,
		},
	}
}

func logicFixes(e *ErrorEntry, _ *Analysis) []fixTemplate {
	target := fmt.Sprintf("%s.logic", e.Agent)
	return []fixTemplate{
		{
			strategy:     StrategyAddCondition,
			alternatives: []Strategy{StrategyFixLogic},
			change: ProposedChange{
				Type:      ChangeConditionCheck,
				Target:    target,
				Rationale: "guard the failing path with an explicit precondition",
				CodeExample: `if state == nil {
	return fmt.Errorf("state not initialised")
}`,
			},
			risk:       safety.RiskMedium,
			impact:     ImpactAssessment{AffectedAgents: []string{e.Agent}},
			reversible: true,
		},
		{
			strategy: StrategyFixLogic,
			change: ProposedChange{
				Type:      ChangeGenericFix,
				Target:    target,
				Rationale: "correct the branch that produces the invalid state",
			},
			risk:       safety.RiskHigh,
			impact:     ImpactAssessment{AffectedAgents: []string{e.Agent}, PotentialBreakages: []string{"paths sharing the corrected branch"}},
			reversible: true,
		},
		{
			strategy: StrategyRefactorFlow,
			change: ProposedChange{
				Type:      ChangeGenericFix,
				Target:    target,
				Rationale: "reorder the steps so state is established before it is read",
			},
			risk:       safety.RiskHigh,
			impact:     ImpactAssessment{AffectedAgents: []string{e.Agent}, PotentialBreakages: []string{"dependent sequencing"}},
			reversible: false,
		},
	}
}

func skillFixes(e *ErrorEntry, _ *Analysis) []fixTemplate {
	target := fmt.Sprintf("%s.skills", e.Agent)
	if e.Skill != "" {
		target = fmt.Sprintf("%s.skills.%s", e.Agent, e.Skill)
	}
	return []fixTemplate{
		{
			strategy:     StrategyChangeSkill,
			alternatives: []Strategy{StrategyStrengthenValidation},
			change: ProposedChange{
				Type:      ChangeGenericFix,
				Target:    target,
				Rationale: "rebind the agent to a registered skill that provides the same capability",
			},
			risk:       safety.RiskMedium,
			impact:     ImpactAssessment{AffectedAgents: []string{e.Agent}, AffectedSkills: []string{e.Skill}},
			reversible: true,
		},
		{
			strategy: StrategyStrengthenValidation,
			change: ProposedChange{
				Type:      ChangeValidationRule,
				Target:    target,
				NewValue:  "output_schema",
				Rationale: "validate the skill output against its declared schema before it propagates",
			},
			risk:       safety.RiskLow,
			impact:     ImpactAssessment{AffectedSkills: []string{e.Skill}},
			reversible: true,
		},
	}
}

func dependencyFixes(e *ErrorEntry, _ *Analysis) []fixTemplate {
	target := fmt.Sprintf("%s.dependencies", e.Agent)
	return []fixTemplate{
		{
			strategy:     StrategyUpdateDependency,
			alternatives: []Strategy{StrategyAddDependency},
			change: ProposedChange{
				Type:      ChangeConfigUpdate,
				Target:    target,
				Rationale: "point the dependency reference at an available version",
			},
			risk:       safety.RiskMedium,
			impact:     ImpactAssessment{AffectedAgents: []string{e.Agent}, SideEffects: []string{"consumers of the dependency"}},
			reversible: true,
		},
		{
			strategy: StrategyAddErrorHandling,
			change: ProposedChange{
				Type:      ChangeErrorHandling,
				Target:    target,
				Rationale: "degrade gracefully when the dependency is unreachable",
			},
			risk:       safety.RiskLow,
			impact:     ImpactAssessment{AffectedAgents: []string{e.Agent}},
			reversible: true,
		},
	}
}

func systemFixes(e *ErrorEntry, _ *Analysis) []fixTemplate {
	target := fmt.Sprintf("%s.runtime", e.Agent)
	return []fixTemplate{
		{
			strategy:     StrategyUpdateConfig,
			alternatives: []Strategy{StrategyAddErrorHandling},
			change: ProposedChange{
				Type:      ChangeConfigUpdate,
				Target:    target,
				Rationale: "raise the timeout or resource limit the operation runs into",
			},
			risk:       safety.RiskLow,
			impact:     ImpactAssessment{AffectedAgents: []string{e.Agent}},
			reversible: true,
		},
		{
			strategy: StrategyAddErrorHandling,
			change: ProposedChange{
				Type:      ChangeErrorHandling,
				Target:    target,
				Rationale: "retry with backoff instead of surfacing the first deadline miss",
			},
			risk:       safety.RiskMedium,
			impact:     ImpactAssessment{AffectedAgents: []string{e.Agent}},
			reversible: true,
		},
	}
}

// observabilityFixes handles the unknown category: the only safe move is to
// capture more signal.
func observabilityFixes(e *ErrorEntry, _ *Analysis) []fixTemplate {
	return []fixTemplate{
		{
			strategy: StrategyImproveLogging,
			change: ProposedChange{
				Type:      ChangeGenericFix,
				Target:    fmt.Sprintf("%s.logging", e.Agent),
				Rationale: "add structured context around the failure site so the next occurrence is classifiable",
			},
			risk:       safety.RiskLow,
			impact:     ImpactAssessment{AffectedAgents: []string{e.Agent}},
			reversible: true,
		},
	}
}
