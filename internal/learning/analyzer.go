package learning

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"forgeflow/internal/logging"
)

// RootCause is the outcome of the cause detector.
type RootCause struct {
	Cause       string  `json:"cause"`
	Description string  `json:"description"`
	Evidence    float64 `json:"evidence"`
	Target      string  `json:"target,omitempty"`
}

// causeMatcher inspects an entry and reports how strongly it points at a
// known root cause. Evidence scores sit in 0.8..0.95 for clear signals.
type causeMatcher struct {
	cause    string
	evidence float64
	matches  func(e *ErrorEntry) (bool, string)
}

// causeCatalogue is evaluated in order; among equal evidence scores the
// earlier entry wins.
var causeCatalogue = []causeMatcher{
	{
		cause:    "undefined_access",
		evidence: 0.95,
		matches: func(e *ErrorEntry) (bool, string) {
			m := strings.ToLower(e.Message)
			if strings.Contains(m, "undefined") || strings.Contains(m, "nil pointer") || strings.Contains(m, "null reference") {
				return true, "code reads a value that was never set"
			}
			return false, ""
		},
	},
	{
		cause:    "missing_parameter",
		evidence: 0.9,
		matches: func(e *ErrorEntry) (bool, string) {
			if e.Category == CatMissingParameter {
				return true, "a required parameter was not supplied"
			}
			return false, ""
		},
	},
	{
		cause:    "type_error",
		evidence: 0.9,
		matches: func(e *ErrorEntry) (bool, string) {
			if e.Category == CatTypeMismatch || e.Category == CatFormatInvalid {
				return true, "a value has the wrong type or shape"
			}
			return false, ""
		},
	},
	{
		cause:    "skill_not_found",
		evidence: 0.95,
		matches: func(e *ErrorEntry) (bool, string) {
			if e.Category == CatSkillNotFound {
				return true, "the referenced skill is not registered"
			}
			return false, ""
		},
	},
	{
		cause:    "timeout",
		evidence: 0.85,
		matches: func(e *ErrorEntry) (bool, string) {
			if e.Category == CatTimeout || e.Category == CatSkillTimeout || e.Category == CatDependencyTimeout {
				return true, "an operation exceeded its deadline"
			}
			return false, ""
		},
	},
	{
		cause:    "config_missing",
		evidence: 0.9,
		matches: func(e *ErrorEntry) (bool, string) {
			if e.Category == CatConfigMissing || e.Category == CatConfigInvalid {
				return true, "configuration is absent or unusable"
			}
			return false, ""
		},
	},
	{
		cause:    "validation_failed",
		evidence: 0.8,
		matches: func(e *ErrorEntry) (bool, string) {
			m := strings.ToLower(e.Message)
			if e.Category == CatConditionFailed || strings.Contains(m, "validation") {
				return true, "input or state failed a declared check"
			}
			return false, ""
		},
	},
	{
		cause:    "dependency_error",
		evidence: 0.8,
		matches: func(e *ErrorEntry) (bool, string) {
			switch e.Category {
			case CatDependencyNotFound, CatDependencyError:
				return true, "a dependency is missing or failing"
			}
			return false, ""
		},
	},
}

// fallbackConfidence is used when no matcher fires.
const fallbackConfidence = 0.3

// DetectRootCause runs the catalogue and returns the strongest match, or an
// unknown cause at fallback confidence.
func DetectRootCause(e *ErrorEntry) RootCause {
	best := RootCause{Cause: "unknown", Description: "no catalogue matcher fired", Evidence: fallbackConfidence}
	for _, m := range causeCatalogue {
		ok, desc := m.matches(e)
		if !ok || m.evidence <= best.Evidence {
			continue
		}
		best = RootCause{Cause: m.cause, Description: desc, Evidence: m.evidence}
	}
	return best
}

// =============================================================================
// PATTERN RECOGNISER
// =============================================================================

// recognisedPattern is the in-memory view the recogniser keeps per hash.
type recognisedPattern struct {
	Hash      string
	ErrorType string
	Message   string
	Category  Category
	Agent     string
	Skill     string
	Count     int
	LastSeen  time.Time
}

// Recognizer tracks error shapes across the process lifetime and finds
// related shapes by weighted similarity.
type Recognizer struct {
	mu       sync.Mutex
	patterns map[string]*recognisedPattern
}

// NewRecognizer creates an empty recogniser.
func NewRecognizer() *Recognizer {
	return &Recognizer{patterns: make(map[string]*recognisedPattern)}
}

// recognitionHash is a 16-char key over type, normalised message, and agent.
func recognitionHash(errType, message, agent string) string {
	sum := md5.Sum([]byte(errType + "|" + Normalize(message) + "|" + agent))
	return hex.EncodeToString(sum[:])[:16]
}

// Observe registers an occurrence and returns the pattern hash with its
// updated count.
func (r *Recognizer) Observe(e *ErrorEntry) (string, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hash := recognitionHash(e.ErrorType, e.Message, e.Agent)
	p, ok := r.patterns[hash]
	if !ok {
		p = &recognisedPattern{
			Hash:      hash,
			ErrorType: e.ErrorType,
			Message:   Normalize(e.Message),
			Category:  e.Category,
			Agent:     e.Agent,
			Skill:     e.Skill,
		}
		r.patterns[hash] = p
	}
	p.Count++
	p.LastSeen = e.Timestamp
	return hash, p.Count
}

// Similarity weights: error type and category dominate, agent and skill
// refine.
const (
	weightType     = 0.3
	weightCategory = 0.3
	weightAgent    = 0.2
	weightSkill    = 0.2
)

// RelatedPattern pairs a pattern hash with its similarity score.
type RelatedPattern struct {
	Hash       string  `json:"hash"`
	Similarity float64 `json:"similarity"`
}

// Related returns up to five other patterns ranked by weighted similarity.
func (r *Recognizer) Related(e *ErrorEntry) []RelatedPattern {
	r.mu.Lock()
	defer r.mu.Unlock()

	self := recognitionHash(e.ErrorType, e.Message, e.Agent)
	var out []RelatedPattern
	for hash, p := range r.patterns {
		if hash == self {
			continue
		}
		score := 0.0
		if p.ErrorType == e.ErrorType {
			score += weightType
		}
		if p.Category == e.Category {
			score += weightCategory
		}
		if p.Agent == e.Agent {
			score += weightAgent
		}
		if p.Skill != "" && p.Skill == e.Skill {
			score += weightSkill
		}
		if score == 0 {
			continue
		}
		out = append(out, RelatedPattern{Hash: hash, Similarity: score})
	}

	// Highest similarity first, hash as a stable tiebreaker.
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].Hash < out[j].Hash
	})
	if len(out) > 5 {
		out = out[:5]
	}
	return out
}

// =============================================================================
// ANALYZER
// =============================================================================

// Analysis is the combined outcome of cause detection and pattern
// recognition for one error entry.
type Analysis struct {
	ErrorID     string           `json:"error_id"`
	RootCause   RootCause        `json:"root_cause"`
	PatternHash string           `json:"pattern_hash"`
	Occurrences int              `json:"occurrences"`
	Related     []RelatedPattern `json:"related,omitempty"`
	KnownFixes  []KnownFix       `json:"known_fixes,omitempty"`
	Confidence  float64          `json:"confidence"`
}

// Analyzer binds the cause catalogue and recogniser to the pattern store.
type Analyzer struct {
	store      *Store
	recognizer *Recognizer
}

// NewAnalyzer creates an analyzer over the learning store.
func NewAnalyzer(store *Store) *Analyzer {
	return &Analyzer{store: store, recognizer: NewRecognizer()}
}

// Analyze produces the analysis for a captured error. Confidence starts at
// the root cause evidence and gains +0.1 when the stored pattern already has
// known-good fixes, capped at 1.0.
func (a *Analyzer) Analyze(e *ErrorEntry) (*Analysis, error) {
	timer := logging.StartTimer(logging.CategoryLearning, "analysis")
	defer timer.Stop()

	cause := DetectRootCause(e)
	hash, count := a.recognizer.Observe(e)

	analysis := &Analysis{
		ErrorID:     e.ID,
		RootCause:   cause,
		PatternHash: hash,
		Occurrences: count,
		Related:     a.recognizer.Related(e),
		Confidence:  cause.Evidence,
	}

	pattern, err := a.store.GetPattern(e.PatternKey)
	if err != nil && !errors.Is(err, ErrPatternNotFound) {
		return nil, err
	}
	if pattern != nil && len(pattern.KnownFixes) > 0 {
		analysis.KnownFixes = pattern.KnownFixes
		analysis.Confidence += 0.1
		if analysis.Confidence > 1.0 {
			analysis.Confidence = 1.0
		}
	}

	logging.LearningDebug("analysed %s: cause=%s evidence=%.2f pattern=%s occurrences=%d",
		e.ID[:8], cause.Cause, cause.Evidence, hash, count)
	return analysis, nil
}
