// Package safety gates every automated apply behind five ordered checks:
// manual blocks, human overrides, rate limits, recent-failure tracking, and
// a confidence threshold. The first gate that blocks short-circuits the rest.
package safety

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"forgeflow/internal/config"
	"forgeflow/internal/logging"
)

// Status is the outcome class of a safety check.
type Status string

const (
	StatusSafe             Status = "SAFE"
	StatusWarning          Status = "WARNING"
	StatusBlocked          Status = "BLOCKED"
	StatusOverrideRequired Status = "OVERRIDE_REQUIRED"
)

// Block reasons, stable strings surfaced to operators.
const (
	ReasonManualBlock         = "manual_block"
	ReasonRateLimitExceeded   = "rate_limit_exceeded"
	ReasonFailureCooldown     = "failure_cooldown"
	ReasonConsecutiveFailures = "consecutive_failures"
	ReasonLowConfidence       = "insufficient_confidence"
	ReasonOverrideRequired    = "confidence_below_override_floor"
)

// RiskLevel classifies a proposed change.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// IsolationLevel is the execution environment a change must run in.
type IsolationLevel string

const (
	IsolationNone    IsolationLevel = "none"
	IsolationSandbox IsolationLevel = "sandbox"
	IsolationFull    IsolationLevel = "full"
)

// ErrIsolationExhausted signals that no isolation slot is free.
var ErrIsolationExhausted = errors.New("isolation environment limit reached")

// CheckRequest describes the change a caller wants to apply.
type CheckRequest struct {
	ChangeID   string    `json:"change_id"`
	Confidence float64   `json:"confidence"`
	Risk       RiskLevel `json:"risk"`
	Production bool      `json:"production"`
}

// CheckResult is the verdict of a safety check.
type CheckResult struct {
	Allowed         bool           `json:"allowed"`
	Status          Status         `json:"status"`
	Reason          string         `json:"reason,omitempty"`
	Details         map[string]any `json:"details,omitempty"`
	Recommendations []string       `json:"recommendations,omitempty"`
	Isolation       IsolationLevel `json:"isolation"`
}

type override struct {
	grantedBy string
	expiresAt time.Time
}

// Controller evaluates the five safety gates in order.
type Controller struct {
	mu  sync.Mutex
	cfg config.SafetyConfig

	blocked   map[string]string   // change id -> reason recorded at block time
	overrides map[string]override // change id -> active override

	attempts    []time.Time // allowed checks, pruned to the day window
	lastFailure time.Time

	failures map[string][]time.Time // change id -> failure times in window

	isolated int // active isolation environments

	now func() time.Time // test hook
}

// New creates a safety controller.
func New(cfg config.SafetyConfig) *Controller {
	return &Controller{
		cfg:       cfg,
		blocked:   make(map[string]string),
		overrides: make(map[string]override),
		failures:  make(map[string][]time.Time),
		now:       time.Now,
	}
}

// =============================================================================
// GATE EVALUATION
// =============================================================================

// Check runs the gates in order. An allowed verdict counts against the rate
// limiter; blocked verdicts do not consume rate budget.
func (c *Controller) Check(req CheckRequest) CheckResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()

	// Gate 1: manual block set.
	if reason, ok := c.blocked[req.ChangeID]; ok {
		return c.verdict(req, CheckResult{
			Status: StatusBlocked,
			Reason: ReasonManualBlock,
			Details: map[string]any{
				"blocked_because": reason,
			},
			Recommendations: []string{"remove the manual block before retrying"},
		})
	}

	// Gate 2: a valid human override bypasses everything below.
	if ov, ok := c.overrides[req.ChangeID]; ok {
		if now.Before(ov.expiresAt) {
			c.attempts = append(c.attempts, now)
			return c.verdict(req, CheckResult{
				Allowed: true,
				Status:  StatusSafe,
				Details: map[string]any{
					"override_by":      ov.grantedBy,
					"override_expires": ov.expiresAt,
				},
			})
		}
		delete(c.overrides, req.ChangeID)
	}

	// Gate 3: rate limiter plus post-failure cooldown.
	if !c.lastFailure.IsZero() && now.Sub(c.lastFailure) < c.cfg.FailureCooldown {
		return c.verdict(req, CheckResult{
			Status: StatusBlocked,
			Reason: ReasonFailureCooldown,
			Details: map[string]any{
				"cooldown_remaining": c.cfg.FailureCooldown - now.Sub(c.lastFailure),
			},
			Recommendations: []string{"wait for the cooldown after the last failure"},
		})
	}
	if reason, details := c.rateLimitedLocked(now); reason != "" {
		return c.verdict(req, CheckResult{
			Status:          StatusBlocked,
			Reason:          reason,
			Details:         details,
			Recommendations: []string{"reduce apply frequency or raise the configured limits"},
		})
	}

	// Gate 4: repeated failures for this change id.
	if n := c.recentFailuresLocked(req.ChangeID, now); n >= c.cfg.MaxConsecutiveFails {
		return c.verdict(req, CheckResult{
			Status: StatusBlocked,
			Reason: ReasonConsecutiveFailures,
			Details: map[string]any{
				"failures_in_window": n,
				"window":             c.cfg.FailureWindow,
			},
			Recommendations: []string{"investigate the failing change before further attempts"},
		})
	}

	// Gate 5: confidence thresholds.
	required := c.cfg.MinConfidence
	if req.Risk == RiskHigh {
		required = c.cfg.HighRiskConfidence
	}
	switch {
	case req.Confidence < 0.5:
		return c.verdict(req, CheckResult{
			Status: StatusOverrideRequired,
			Reason: ReasonOverrideRequired,
			Details: map[string]any{
				"confidence": req.Confidence,
				"required":   required,
			},
			Recommendations: []string{"request a human override or improve fix confidence"},
		})
	case req.Confidence < required:
		return c.verdict(req, CheckResult{
			Status: StatusBlocked,
			Reason: ReasonLowConfidence,
			Details: map[string]any{
				"confidence": req.Confidence,
				"required":   required,
			},
			Recommendations: []string{"gather more validation evidence before applying"},
		})
	}

	c.attempts = append(c.attempts, now)

	result := CheckResult{Allowed: true, Status: StatusSafe}
	if req.Confidence < 0.85 {
		result.Status = StatusWarning
		result.Recommendations = []string{"confidence is acceptable but not strong; monitor closely after apply"}
	}
	return c.verdict(req, result)
}

// verdict stamps the isolation requirement and logs the outcome.
func (c *Controller) verdict(req CheckRequest, result CheckResult) CheckResult {
	result.Isolation = isolationFor(req)
	if result.Details == nil {
		result.Details = map[string]any{}
	}
	result.Details["change_id"] = req.ChangeID
	result.Details["risk"] = req.Risk

	if result.Allowed {
		logging.Safety("check %s: %s (isolation=%s)", req.ChangeID, result.Status, result.Isolation)
	} else {
		logging.Safety("check %s: %s reason=%s", req.ChangeID, result.Status, result.Reason)
	}
	return result
}

func isolationFor(req CheckRequest) IsolationLevel {
	if req.Production {
		return IsolationFull
	}
	switch req.Risk {
	case RiskHigh:
		return IsolationFull
	case RiskMedium:
		return IsolationSandbox
	}
	return IsolationNone
}

func (c *Controller) rateLimitedLocked(now time.Time) (string, map[string]any) {
	// Prune anything older than the day window; minute and hour counts
	// come from the same slice.
	cutoff := now.Add(-24 * time.Hour)
	kept := c.attempts[:0]
	for _, ts := range c.attempts {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	c.attempts = kept

	minute, hour := 0, 0
	for _, ts := range c.attempts {
		age := now.Sub(ts)
		if age < time.Minute {
			minute++
		}
		if age < time.Hour {
			hour++
		}
	}

	switch {
	case minute >= c.cfg.RateLimits.PerMinute:
		return ReasonRateLimitExceeded, map[string]any{"window": "minute", "count": minute, "limit": c.cfg.RateLimits.PerMinute}
	case hour >= c.cfg.RateLimits.PerHour:
		return ReasonRateLimitExceeded, map[string]any{"window": "hour", "count": hour, "limit": c.cfg.RateLimits.PerHour}
	case len(c.attempts) >= c.cfg.RateLimits.PerDay:
		return ReasonRateLimitExceeded, map[string]any{"window": "day", "count": len(c.attempts), "limit": c.cfg.RateLimits.PerDay}
	}
	return "", nil
}

func (c *Controller) recentFailuresLocked(changeID string, now time.Time) int {
	cutoff := now.Add(-c.cfg.FailureWindow)
	kept := c.failures[changeID][:0]
	for _, ts := range c.failures[changeID] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) == 0 {
		delete(c.failures, changeID)
		return 0
	}
	c.failures[changeID] = kept
	return len(kept)
}

// =============================================================================
// GATE STATE MUTATION
// =============================================================================

// BlockChange adds a change id to the manual deny list.
func (c *Controller) BlockChange(changeID, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocked[changeID] = reason
	logging.Safety("manually blocked %s: %s", changeID, reason)
}

// UnblockChange removes a manual block.
func (c *Controller) UnblockChange(changeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.blocked, changeID)
}

// GrantOverride records a human override for a change id.
func (c *Controller) GrantOverride(changeID, grantedBy string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overrides[changeID] = override{grantedBy: grantedBy, expiresAt: c.now().Add(ttl)}
	logging.Safety("override granted for %s by %s (ttl=%s)", changeID, grantedBy, ttl)
}

// RecordFailure registers a failed apply. It feeds both the failure tracker
// and the global post-failure cooldown.
func (c *Controller) RecordFailure(changeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.failures[changeID] = append(c.failures[changeID], now)
	c.lastFailure = now
}

// RecordSuccess clears the failure history for a change id.
func (c *Controller) RecordSuccess(changeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.failures, changeID)
}

// =============================================================================
// ISOLATION ENVIRONMENTS
// =============================================================================

// AcquireIsolation reserves an isolation slot for sandbox or full isolation.
// IsolationNone never consumes a slot.
func (c *Controller) AcquireIsolation(level IsolationLevel) error {
	if level == IsolationNone {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isolated >= c.cfg.MaxConcurrentIsolated {
		return fmt.Errorf("%w (%d active, limit %d)", ErrIsolationExhausted, c.isolated, c.cfg.MaxConcurrentIsolated)
	}
	c.isolated++
	return nil
}

// ReleaseIsolation frees a slot taken by AcquireIsolation.
func (c *Controller) ReleaseIsolation(level IsolationLevel) {
	if level == IsolationNone {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isolated > 0 {
		c.isolated--
	}
}
