package learning

import (
	"context"
	"fmt"
	"go/parser"
	"go/token"
	"math"
	"reflect"
	"strings"
	"time"

	"forgeflow/internal/logging"
	"forgeflow/internal/safety"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// GateSeverity grades a gate failure.
type GateSeverity string

const (
	GateInfo    GateSeverity = "info"
	GateWarning GateSeverity = "warning"
	GateError   GateSeverity = "error"
)

// GateResult is the outcome of one validation gate.
type GateResult struct {
	Gate     string         `json:"gate"`
	Passed   bool           `json:"passed"`
	Severity GateSeverity   `json:"severity"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	Duration time.Duration  `json:"duration"`
}

// Gate validates one aspect of a fix proposal.
type Gate interface {
	Name() string
	Check(ctx context.Context, p *FixProposal) GateResult
}

// ValidationResult aggregates the five gates for one proposal.
type ValidationResult struct {
	ChangeID          string       `json:"change_id"`
	Gates             []GateResult `json:"gates"`
	AllPassed         bool         `json:"all_passed"`
	OverallConfidence float64      `json:"overall_confidence"`
	Approved          bool         `json:"approved"`
	Recommendations   []string     `json:"recommendations,omitempty"`
}

// Validator runs the gate sequence and computes the approval verdict.
type Validator struct {
	gates     []Gate
	threshold float64
	strict    bool
}

// NewValidator builds the standard five-gate validator. In strict mode
// approval additionally requires every gate to pass.
func NewValidator(threshold float64, strict bool, regression RegressionRunner) *Validator {
	return &Validator{
		gates: []Gate{
			&TypeGate{},
			&LogicGate{},
			NewSandboxGate(),
			&RegressionGate{Runner: regression},
			&ImpactGate{},
		},
		threshold: threshold,
		strict:    strict,
	}
}

// Validate runs every gate (a failure does not stop later gates; their
// findings feed the confidence calculation) and decides approval.
func (v *Validator) Validate(ctx context.Context, p *FixProposal) *ValidationResult {
	timer := logging.StartTimer(logging.CategoryLearning, "validation")
	defer timer.Stop()

	result := &ValidationResult{ChangeID: p.ChangeID, AllPassed: true}
	passed := 0
	errorFails, warnFails := 0, 0

	for _, gate := range v.gates {
		started := time.Now()
		gr := gate.Check(ctx, p)
		gr.Gate = gate.Name()
		gr.Duration = time.Since(started)
		result.Gates = append(result.Gates, gr)

		if gr.Passed {
			passed++
			continue
		}
		result.AllPassed = false
		switch gr.Severity {
		case GateError:
			errorFails++
		case GateWarning:
			warnFails++
		}
		result.Recommendations = append(result.Recommendations, fmt.Sprintf("%s: %s", gate.Name(), gr.Message))
	}

	confidence := p.Confidence * (0.5 + 0.5*float64(passed)/float64(len(v.gates)))
	confidence *= math.Pow(0.5, float64(errorFails))
	confidence *= math.Pow(0.8, float64(warnFails))
	result.OverallConfidence = confidence

	if v.strict {
		result.Approved = result.AllPassed && confidence >= v.threshold
	} else {
		result.Approved = errorFails == 0 && confidence >= v.threshold
	}

	logging.Learning("validated %s: passed=%d/%d confidence=%.3f approved=%v",
		p.ChangeID, passed, len(v.gates), confidence, result.Approved)
	return result
}

// =============================================================================
// GATE 1: TYPE VALIDATION
// =============================================================================

// TypeGate checks value-type compatibility, schema shape for the change
// type, and the absence of circular references in the proposed values.
type TypeGate struct{}

func (g *TypeGate) Name() string { return "type_validation" }

func (g *TypeGate) Check(_ context.Context, p *FixProposal) GateResult {
	if p.Change.Target == "" {
		return GateResult{Passed: false, Severity: GateError, Message: "change has no target"}
	}

	switch p.Change.Type {
	case ChangeValidationRule, ChangeTypeCheck:
		if p.Change.NewValue == nil && p.Change.CodeExample == "" {
			return GateResult{Passed: false, Severity: GateError, Message: "validation change carries neither a rule value nor code"}
		}
	case ChangeDefaultValue, ChangeConfigUpdate:
		// A nil new value would delete rather than set; that is a
		// different change type.
		if p.Change.NewValue == nil {
			return GateResult{Passed: false, Severity: GateWarning, Message: "value change proposes no new value"}
		}
	}

	// Replacing nothing is always allowed; otherwise the kinds must agree.
	if p.Change.OldValue != nil && p.Change.NewValue != nil {
		oldKind := valueKind(p.Change.OldValue)
		newKind := valueKind(p.Change.NewValue)
		if oldKind != newKind {
			return GateResult{
				Passed:   false,
				Severity: GateError,
				Message:  fmt.Sprintf("new value kind %s incompatible with old %s", newKind, oldKind),
			}
		}
	}

	if hasCycle(p.Change.NewValue, nil) {
		return GateResult{Passed: false, Severity: GateError, Message: "proposed value contains a circular reference"}
	}

	return GateResult{Passed: true, Severity: GateInfo, Message: "types compatible"}
}

// valueKind collapses reflect kinds into comparison classes.
func valueKind(v any) string {
	switch reflect.ValueOf(v).Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return "number"
	case reflect.String:
		return "string"
	case reflect.Bool:
		return "bool"
	case reflect.Map, reflect.Struct:
		return "object"
	case reflect.Slice, reflect.Array:
		return "list"
	}
	return "other"
}

func hasCycle(v any, seen []any) bool {
	switch val := v.(type) {
	case map[string]any:
		for _, s := range seen {
			if m, ok := s.(map[string]any); ok && reflect.ValueOf(m).Pointer() == reflect.ValueOf(val).Pointer() {
				return true
			}
		}
		seen = append(seen, val)
		for _, inner := range val {
			if hasCycle(inner, seen) {
				return true
			}
		}
	case []any:
		for _, inner := range val {
			if hasCycle(inner, seen) {
				return true
			}
		}
	}
	return false
}

// =============================================================================
// GATE 2: LOGIC VALIDATION
// =============================================================================

// LogicGate parses any code example, requires error handling for validation
// changes, and rejects self-referential rollback dependencies.
type LogicGate struct{}

func (g *LogicGate) Name() string { return "logic_validation" }

func (g *LogicGate) Check(_ context.Context, p *FixProposal) GateResult {
	if code := p.Change.CodeExample; code != "" {
		wrapped := fmt.Sprintf("package trial\nfunc trial() error {\n%s\nreturn nil\n}", code)
		if _, err := parser.ParseFile(token.NewFileSet(), "trial.go", wrapped, parser.SkipObjectResolution); err != nil {
			return GateResult{
				Passed:   false,
				Severity: GateError,
				Message:  "code example does not parse",
				Details:  map[string]any{"parse_error": err.Error()},
			}
		}
	}

	if p.Change.Type == ChangeValidationRule || p.Change.Type == ChangeTypeCheck {
		code := p.Change.CodeExample
		if code != "" && !strings.Contains(code, "err") && !strings.Contains(code, "return") {
			return GateResult{Passed: false, Severity: GateWarning, Message: "validation code has no error path"}
		}
	}

	for _, dep := range p.Rollback.Dependencies {
		if dep == p.ChangeID {
			return GateResult{Passed: false, Severity: GateError, Message: "rollback plan depends on the change itself"}
		}
	}

	return GateResult{Passed: true, Severity: GateInfo, Message: "logic checks passed"}
}

// =============================================================================
// GATE 3: SANDBOX TEST
// =============================================================================

// SandboxGate trials the change in an isolated interpreter. Code examples
// run inside a yaegi session with stub inputs; changes without code are
// applied to a scratch state copy.
type SandboxGate struct {
	timeout time.Duration
}

// NewSandboxGate creates the gate with a 10 second trial budget.
func NewSandboxGate() *SandboxGate {
	return &SandboxGate{timeout: 10 * time.Second}
}

func (g *SandboxGate) Name() string { return "sandbox_test" }

func (g *SandboxGate) Check(ctx context.Context, p *FixProposal) GateResult {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if p.Change.CodeExample != "" {
		if err := g.runInSandbox(ctx, p.Change.CodeExample); err != nil {
			return GateResult{
				Passed:   false,
				Severity: GateError,
				Message:  "sandboxed trial failed",
				Details:  map[string]any{"trial_error": err.Error()},
			}
		}
		return GateResult{Passed: true, Severity: GateInfo, Message: "sandboxed code trial passed"}
	}

	// No code to run; trial the state mutation on a scratch copy.
	scratch := newSystemState()
	if err := scratch.apply(p.ChangeID, p.Change); err != nil {
		return GateResult{
			Passed:   false,
			Severity: GateError,
			Message:  "change does not apply cleanly",
			Details:  map[string]any{"apply_error": err.Error()},
		}
	}
	return GateResult{Passed: true, Severity: GateInfo, Message: "scratch apply passed"}
}

// runInSandbox evaluates the snippet in a fresh interpreter with stub
// bindings for the identifiers fix snippets conventionally use.
func (g *SandboxGate) runInSandbox(ctx context.Context, code string) error {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return fmt.Errorf("failed to load sandbox symbols: %w", err)
	}

	prelude := []string{
		`import "fmt"`,
		`var input = map[string]any{"param": "value"}`,
		`var state = map[string]any{"ready": true}`,
		`var _ = fmt.Sprintf`,
	}
	for _, stmt := range prelude {
		if _, err := i.Eval(stmt); err != nil {
			return fmt.Errorf("sandbox prelude failed: %w", err)
		}
	}

	fn := fmt.Sprintf("func __trial() error {\n%s\nreturn nil\n}", code)
	if _, err := i.Eval(fn); err != nil {
		return fmt.Errorf("trial does not compile in sandbox: %w", err)
	}
	res, err := i.EvalWithContext(ctx, "__trial()")
	if err != nil {
		return fmt.Errorf("trial raised a runtime error: %w", err)
	}
	// The trial's returned error comes back as the eval result, not as err.
	if res.IsValid() && res.CanInterface() {
		if trialErr, ok := res.Interface().(error); ok && trialErr != nil {
			return fmt.Errorf("trial returned an error: %w", trialErr)
		}
	}
	return nil
}

// =============================================================================
// GATE 4: REGRESSION TEST
// =============================================================================

// RegressionRunner re-runs the previously passing tests for the agents and
// skills a change touches, returning the names of tests that now fail.
type RegressionRunner interface {
	Run(ctx context.Context, agents, skills []string) (failed []string, err error)
}

// RegressionRunnerFunc adapts a function to RegressionRunner.
type RegressionRunnerFunc func(ctx context.Context, agents, skills []string) ([]string, error)

func (f RegressionRunnerFunc) Run(ctx context.Context, agents, skills []string) ([]string, error) {
	return f(ctx, agents, skills)
}

// RegressionGate fails when any previously passing test fails. With no
// runner configured it passes with an informational note.
type RegressionGate struct {
	Runner RegressionRunner
}

func (g *RegressionGate) Name() string { return "regression_test" }

func (g *RegressionGate) Check(ctx context.Context, p *FixProposal) GateResult {
	if g.Runner == nil {
		return GateResult{Passed: true, Severity: GateInfo, Message: "no regression suite configured"}
	}

	failed, err := g.Runner.Run(ctx, p.Impact.AffectedAgents, p.Impact.AffectedSkills)
	if err != nil {
		return GateResult{
			Passed:   false,
			Severity: GateError,
			Message:  "regression suite did not complete",
			Details:  map[string]any{"error": err.Error()},
		}
	}
	if len(failed) > 0 {
		return GateResult{
			Passed:   false,
			Severity: GateError,
			Message:  fmt.Sprintf("%d previously passing test(s) fail", len(failed)),
			Details:  map[string]any{"failed": failed},
		}
	}
	return GateResult{Passed: true, Severity: GateInfo, Message: "no regressions"}
}

// =============================================================================
// GATE 5: IMPACT ANALYSIS
// =============================================================================

// ImpactGate scores the blast radius and rejects risky or breaking changes.
type ImpactGate struct{}

func (g *ImpactGate) Name() string { return "impact_analysis" }

func (g *ImpactGate) Check(_ context.Context, p *FixProposal) GateResult {
	risk := RiskScore(p)
	details := map[string]any{
		"risk_score":       risk,
		"breakages":        len(p.Impact.PotentialBreakages),
		"rollback_depends": len(p.Rollback.Dependencies),
	}

	switch {
	case len(p.Impact.PotentialBreakages) > 0:
		return GateResult{Passed: false, Severity: GateError, Message: "change predicts breaking consumers", Details: details}
	case len(p.Rollback.Dependencies) > 0 && !p.Rollback.Reversible:
		return GateResult{Passed: false, Severity: GateError, Message: "irreversible change with rollback dependencies", Details: details}
	case risk >= 0.7:
		return GateResult{Passed: false, Severity: GateError, Message: fmt.Sprintf("risk score %.2f at or above 0.7", risk), Details: details}
	}
	return GateResult{Passed: true, Severity: GateInfo, Message: fmt.Sprintf("risk score %.2f", risk), Details: details}
}

// RiskScore implements the weighted blast-radius formula, capped at 1.0.
func RiskScore(p *FixProposal) float64 {
	risk := 0.1*float64(len(p.Impact.AffectedAgents)) +
		0.05*float64(len(p.Impact.AffectedSkills)) +
		0.15*float64(len(p.Impact.SideEffects)) +
		0.25*float64(len(p.Impact.PotentialBreakages))
	switch p.Risk {
	case safety.RiskMedium:
		risk += 0.15
	case safety.RiskHigh:
		risk += 0.3
	}
	if risk > 1.0 {
		risk = 1.0
	}
	return risk
}
