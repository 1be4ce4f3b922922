// Package learning implements the self-improvement pipeline: agent errors
// are captured and categorised, analysed for root cause and recurrence,
// turned into fix proposals, validated through five gates, applied under a
// backup, audited, and rolled back when verification or live metrics regress.
package learning

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Category is the closed error taxonomy.
type Category string

const (
	// Parameter errors
	CatMissingParameter Category = "missing_parameter"
	CatInvalidParameter Category = "invalid_parameter"
	CatTypeMismatch     Category = "type_mismatch"
	CatFormatInvalid    Category = "format_invalid"

	// Logic errors
	CatLogicFailure    Category = "logic_failure"
	CatConditionFailed Category = "condition_failed"
	CatStateInvalid    Category = "state_invalid"
	CatSequenceError   Category = "sequence_error"

	// Skill errors
	CatSkillNotFound      Category = "skill_not_found"
	CatSkillTimeout       Category = "skill_timeout"
	CatSkillFailure       Category = "skill_failure"
	CatSkillOutputInvalid Category = "skill_output_invalid"

	// Dependency errors
	CatDependencyNotFound Category = "dependency_not_found"
	CatDependencyTimeout  Category = "dependency_timeout"
	CatDependencyError    Category = "dependency_error"

	// Configuration errors
	CatConfigMissing  Category = "config_missing"
	CatConfigInvalid  Category = "config_invalid"
	CatConfigConflict Category = "config_conflict"

	// System errors
	CatMemoryError       Category = "memory_error"
	CatTimeout           Category = "timeout"
	CatResourceExhausted Category = "resource_exhausted"

	CatUnknown Category = "unknown"
)

// Severity ranks an error entry.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ErrorContext carries the situation an error occurred in.
type ErrorContext struct {
	Input          map[string]any `json:"input,omitempty"`
	ExpectedOutput any            `json:"expected_output,omitempty"`
	ActualOutput   any            `json:"actual_output,omitempty"`
	State          map[string]any `json:"state,omitempty"`
	Config         map[string]any `json:"config,omitempty"`
	Environment    string         `json:"environment,omitempty"`
}

// ErrorEntry is one captured agent failure.
type ErrorEntry struct {
	ID        string    `json:"id"`
	BatchID   string    `json:"batch_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Phase     int       `json:"phase"`
	Agent     string    `json:"agent"`
	Skill     string    `json:"skill,omitempty"`

	ErrorType    string `json:"error_type"`
	Message      string `json:"message"`
	Code         string `json:"code,omitempty"`
	Stack        string `json:"stack,omitempty"`
	Line         int    `json:"line,omitempty"`

	Context ErrorContext `json:"context"`

	PatternKey  string   `json:"pattern_key"`
	Occurrences int      `json:"occurrences"`
	Category    Category `json:"category"`
	Severity    Severity `json:"severity"`
	Learnable   bool     `json:"learnable"`
	AutoFix     bool     `json:"auto_fix"`

	Resolved           bool   `json:"resolved"`
	ResolutionChangeID string `json:"resolution_change_id,omitempty"`
}

// NewErrorEntry builds a categorised, keyed entry from raw failure data.
func NewErrorEntry(phase int, agent, skill, errType, message string, ctx ErrorContext) *ErrorEntry {
	category := Categorize(errType, message)
	return &ErrorEntry{
		ID:         uuid.NewString(),
		Timestamp:  time.Now(),
		Phase:      phase,
		Agent:      agent,
		Skill:      skill,
		ErrorType:  errType,
		Message:    message,
		Context:    ctx,
		PatternKey: PatternKey(errType, message, category),
		Category:   category,
		Severity:   baseSeverity(category),
		Learnable:  category != CatUnknown,
		AutoFix:    autoFixable(category),
	}
}

// categoryRules map message/type fragments to categories. Order matters:
// the first match wins, so the most specific fragments come first.
var categoryRules = []struct {
	fragment string
	category Category
}{
	{"missing required parameter", CatMissingParameter},
	{"missing parameter", CatMissingParameter},
	{"parameter is required", CatMissingParameter},
	{"invalid parameter", CatInvalidParameter},
	{"invalid argument", CatInvalidParameter},
	{"type mismatch", CatTypeMismatch},
	{"expected type", CatTypeMismatch},
	{"cannot convert", CatTypeMismatch},
	{"invalid format", CatFormatInvalid},
	{"malformed", CatFormatInvalid},
	{"failed to parse", CatFormatInvalid},
	{"skill not found", CatSkillNotFound},
	{"unknown skill", CatSkillNotFound},
	{"skill timed out", CatSkillTimeout},
	{"skill timeout", CatSkillTimeout},
	{"skill output", CatSkillOutputInvalid},
	{"skill failed", CatSkillFailure},
	{"dependency not found", CatDependencyNotFound},
	{"module not found", CatDependencyNotFound},
	{"dependency timed out", CatDependencyTimeout},
	{"dependency", CatDependencyError},
	{"config missing", CatConfigMissing},
	{"configuration missing", CatConfigMissing},
	{"missing configuration", CatConfigMissing},
	{"invalid config", CatConfigInvalid},
	{"configuration invalid", CatConfigInvalid},
	{"config conflict", CatConfigConflict},
	{"conflicting configuration", CatConfigConflict},
	{"out of memory", CatMemoryError},
	{"memory limit", CatMemoryError},
	{"resource exhausted", CatResourceExhausted},
	{"too many open", CatResourceExhausted},
	{"quota exceeded", CatResourceExhausted},
	{"deadline exceeded", CatTimeout},
	{"timed out", CatTimeout},
	{"timeout", CatTimeout},
	{"condition failed", CatConditionFailed},
	{"precondition", CatConditionFailed},
	{"invalid state", CatStateInvalid},
	{"illegal state", CatStateInvalid},
	{"out of order", CatSequenceError},
	{"sequence", CatSequenceError},
	{"undefined", CatLogicFailure},
	{"nil pointer", CatLogicFailure},
	{"null reference", CatLogicFailure},
	{"assertion", CatLogicFailure},
}

// Categorize maps an error's type and message into the taxonomy. It is
// deterministic and side-effect free.
func Categorize(errType, message string) Category {
	haystack := strings.ToLower(errType + " " + message)
	for _, rule := range categoryRules {
		if strings.Contains(haystack, rule.fragment) {
			return rule.category
		}
	}
	return CatUnknown
}

func baseSeverity(category Category) Severity {
	switch category {
	case CatMemoryError, CatResourceExhausted:
		return SeverityHigh
	case CatStateInvalid, CatSequenceError, CatConfigConflict:
		return SeverityMedium
	case CatUnknown:
		return SeverityLow
	}
	return SeverityLow
}

func autoFixable(category Category) bool {
	switch category {
	case CatMissingParameter, CatInvalidParameter, CatTypeMismatch, CatFormatInvalid,
		CatConfigMissing, CatConfigInvalid, CatConditionFailed:
		return true
	}
	return false
}

// =============================================================================
// NORMALISATION & PATTERN KEYS
// =============================================================================

var (
	reDigits       = regexp.MustCompile(`\d+`)
	reSingleQuoted = regexp.MustCompile(`'[^']*'`)
	reDoubleQuoted = regexp.MustCompile(`"[^"]*"`)
	reHex          = regexp.MustCompile(`0x[0-9a-fA-F]+`)
)

// Normalize collapses volatile parts of an error message so recurrences of
// the same fault produce identical text: hex literals become 0xHEX, quoted
// strings become 'X'/"X", digit runs become N, and the result is capped at
// 150 characters.
func Normalize(message string) string {
	// The digit pass must not eat the zero in the final 0xHEX token, so
	// hex literals go through a digit-free placeholder first.
	out := reHex.ReplaceAllString(message, "\x00HEX\x00")
	out = reSingleQuoted.ReplaceAllString(out, "'X'")
	out = reDoubleQuoted.ReplaceAllString(out, `"X"`)
	out = reDigits.ReplaceAllString(out, "N")
	out = strings.ReplaceAll(out, "\x00HEX\x00", "0xHEX")
	if len(out) > 150 {
		out = out[:150]
	}
	return out
}

// PatternKey groups errors by MD5 over type, normalised message, and
// category.
func PatternKey(errType, message string, category Category) string {
	sum := md5.Sum([]byte(errType + "|" + Normalize(message) + "|" + string(category)))
	return hex.EncodeToString(sum[:])
}

// ElevateSeverity raises severity as a pattern recurs: more than 2
// occurrences is at least medium, more than 5 high, more than 10 critical.
func ElevateSeverity(current Severity, occurrences int) Severity {
	floor := SeverityLow
	switch {
	case occurrences > 10:
		floor = SeverityCritical
	case occurrences > 5:
		floor = SeverityHigh
	case occurrences > 2:
		floor = SeverityMedium
	}
	if severityRank(floor) > severityRank(current) {
		return floor
	}
	return current
}

func severityRank(s Severity) int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	}
	return -1
}

// String renders a short identification for logs.
func (e *ErrorEntry) String() string {
	return fmt.Sprintf("%s [%s/%s] phase=%d agent=%s", e.ID[:8], e.Category, e.Severity, e.Phase, e.Agent)
}
