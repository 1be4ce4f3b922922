package learning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"forgeflow/internal/config"
	"forgeflow/internal/logging"
)

// RollbackTrigger names why a rollback was requested.
type RollbackTrigger string

const (
	TriggerManualRequest          RollbackTrigger = "manual_request"
	TriggerVerificationFailure    RollbackTrigger = "verification_failure"
	TriggerErrorRateIncreased     RollbackTrigger = "error_rate_increased"
	TriggerNewErrorsDetected      RollbackTrigger = "new_errors_detected"
	TriggerPerformanceDegradation RollbackTrigger = "performance_degradation"
	TriggerResourceExhaustion     RollbackTrigger = "resource_exhaustion"
	TriggerTimeout                RollbackTrigger = "timeout"
)

// ErrAlreadyRolledBack guards against double rollbacks.
var ErrAlreadyRolledBack = errors.New("change already rolled back")

// HealthSnapshot is the live health signal the auto-rollback monitor
// compares against its baseline.
type HealthSnapshot struct {
	ErrorRate    float64       `json:"error_rate"`
	ErrorKinds   []string      `json:"error_kinds,omitempty"`
	ResponseTime time.Duration `json:"response_time"`
	MemoryBytes  int64         `json:"memory_bytes"`
}

// HealthSource provides health snapshots, typically backed by the monitor.
type HealthSource interface {
	Health() HealthSnapshot
}

// HealthSourceFunc adapts a function to HealthSource.
type HealthSourceFunc func() HealthSnapshot

func (f HealthSourceFunc) Health() HealthSnapshot { return f() }

// RollbackResult reports a completed rollback.
type RollbackResult struct {
	ChangeID string          `json:"change_id"`
	Trigger  RollbackTrigger `json:"trigger"`
	BackupID string          `json:"backup_id"`
	Verified bool            `json:"verified"`
	At       time.Time       `json:"at"`
}

// RollbackManager validates rollback requests, drives the restore through
// the apply engine, and arms post-apply monitors that watch live health
// against a baseline.
type RollbackManager struct {
	mu     sync.Mutex
	engine *ApplyEngine
	audit  *AuditTrail
	cfg    config.LearningConfig
	source HealthSource

	rolledBack map[string]bool
	monitors   map[string]context.CancelFunc
	wg         sync.WaitGroup

	// OnRollback, when set, observes every completed rollback.
	OnRollback func(RollbackResult)
}

// NewRollbackManager wires the manager to the engine and audit trail.
func NewRollbackManager(engine *ApplyEngine, audit *AuditTrail, cfg config.LearningConfig, source HealthSource) *RollbackManager {
	return &RollbackManager{
		engine:     engine,
		audit:      audit,
		cfg:        cfg,
		source:     source,
		rolledBack: make(map[string]bool),
		monitors:   make(map[string]context.CancelFunc),
	}
}

// RequestRollback validates and performs a rollback: the change must have
// been applied and not already rolled back, its backup must verify, and
// the outcome is audited.
func (m *RollbackManager) RequestRollback(changeID string, trigger RollbackTrigger, reason string) (*RollbackResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rolledBack[changeID] {
		return nil, fmt.Errorf("change %s: %w", changeID, ErrAlreadyRolledBack)
	}
	if _, err := m.engine.BackupFor(changeID); err != nil {
		return nil, err
	}

	backupID, err := m.engine.Revert(changeID)
	if err != nil {
		// A checksum mismatch leaves the change logically applied; the
		// situation escalates to human review.
		logging.Get(logging.CategoryLearning).Error("rollback of %s aborted: %v", changeID, err)
		return nil, err
	}

	verified := m.verifyRestoration(backupID)
	m.rolledBack[changeID] = true
	m.cancelMonitorLocked(changeID)

	result := &RollbackResult{
		ChangeID: changeID,
		Trigger:  trigger,
		BackupID: backupID,
		Verified: verified,
		At:       time.Now(),
	}

	if m.audit != nil {
		if _, err := m.audit.RecordRollback(changeID, RollbackInfo{
			Trigger:      string(trigger),
			Reason:       reason,
			RolledBackAt: result.At,
			BackupID:     backupID,
			Verified:     verified,
		}); err != nil {
			logging.Get(logging.CategoryAudit).Error("failed to audit rollback of %s: %v", changeID, err)
		}
	}

	logging.Learning("rollback complete for %s (trigger=%s verified=%v)", changeID, trigger, verified)
	if m.OnRollback != nil {
		m.OnRollback(*result)
	}
	return result, nil
}

// verifyRestoration compares the live state against the restored backup.
func (m *RollbackManager) verifyRestoration(backupID string) bool {
	rec, err := m.engine.backups.Load(backupID)
	if err != nil {
		return false
	}
	snap, err := m.engine.StateSnapshot()
	if err != nil {
		return false
	}
	current, err := canonicalState(snap)
	if err != nil {
		return false
	}
	expected, err := canonicalStateRaw(rec.State)
	if err != nil {
		return false
	}
	return current == expected
}

// canonicalState renders a snapshot in its canonical JSON form. Equal
// states produce byte-identical text because map keys marshal sorted.
func canonicalState(snap SystemSnapshot) (string, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalise state: %w", err)
	}
	return string(raw), nil
}

func canonicalStateRaw(raw json.RawMessage) (string, error) {
	var snap SystemSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return "", fmt.Errorf("failed to parse state: %w", err)
	}
	return canonicalState(snap)
}

// =============================================================================
// AUTO-ROLLBACK MONITOR
// =============================================================================

// ArmMonitor starts the post-apply watch for a change: for the configured
// window it samples health and requests a rollback when the live signal
// regresses past any threshold.
func (m *RollbackManager) ArmMonitor(ctx context.Context, changeID string) {
	if m.source == nil {
		return
	}

	m.mu.Lock()
	m.cancelMonitorLocked(changeID)
	ctx, cancel := context.WithCancel(ctx)
	m.monitors[changeID] = cancel
	m.mu.Unlock()

	baseline := m.source.Health()
	logging.Learning("auto-rollback monitor armed for %s (window=%s interval=%s)",
		changeID, m.cfg.MonitorDuration, m.cfg.CheckInterval)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()

		deadline := time.After(m.cfg.MonitorDuration)
		ticker := time.NewTicker(m.cfg.CheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-deadline:
				logging.LearningDebug("monitor for %s expired without regression", changeID)
				return
			case <-ticker.C:
				trigger, reason := m.compare(baseline, m.source.Health())
				if trigger == "" {
					continue
				}
				if _, err := m.RequestRollback(changeID, trigger, reason); err != nil &&
					!errors.Is(err, ErrAlreadyRolledBack) && !errors.Is(err, ErrChangeNotApplied) {
					logging.Get(logging.CategoryLearning).Error("auto-rollback of %s failed: %v", changeID, err)
				}
				return
			}
		}
	}()
}

// compare checks the live snapshot against the baseline and names the first
// breached threshold.
func (m *RollbackManager) compare(baseline, current HealthSnapshot) (RollbackTrigger, string) {
	errThreshold := m.cfg.ErrorRateThreshold
	if m.cfg.ScaleWithBaseline && baseline.ErrorRate > 0 {
		errThreshold = baseline.ErrorRate * m.cfg.ErrorRateThreshold
	}
	if current.ErrorRate-baseline.ErrorRate > errThreshold {
		return TriggerErrorRateIncreased,
			fmt.Sprintf("error rate rose from %.3f to %.3f", baseline.ErrorRate, current.ErrorRate)
	}

	if kind := firstNewKind(baseline.ErrorKinds, current.ErrorKinds); kind != "" {
		return TriggerNewErrorsDetected, fmt.Sprintf("new error kind observed: %s", kind)
	}

	if baseline.ResponseTime > 0 {
		degradation := float64(current.ResponseTime-baseline.ResponseTime) / float64(baseline.ResponseTime)
		if degradation > m.cfg.PerformanceThreshold {
			return TriggerPerformanceDegradation,
				fmt.Sprintf("response time degraded %.0f%% (%s -> %s)", degradation*100, baseline.ResponseTime, current.ResponseTime)
		}
	}

	if current.MemoryBytes-baseline.MemoryBytes > m.cfg.MemoryThresholdBytes {
		return TriggerResourceExhaustion,
			fmt.Sprintf("memory grew by %d bytes", current.MemoryBytes-baseline.MemoryBytes)
	}

	return "", ""
}

func firstNewKind(baseline, current []string) string {
	known := make(map[string]bool, len(baseline))
	for _, k := range baseline {
		known[k] = true
	}
	for _, k := range current {
		if !known[k] {
			return k
		}
	}
	return ""
}

func (m *RollbackManager) cancelMonitorLocked(changeID string) {
	if cancel, ok := m.monitors[changeID]; ok {
		cancel()
		delete(m.monitors, changeID)
	}
}

// Stop cancels every armed monitor and waits for them to exit.
func (m *RollbackManager) Stop() {
	m.mu.Lock()
	for id, cancel := range m.monitors {
		cancel()
		delete(m.monitors, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
}
