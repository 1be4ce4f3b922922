package learning

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"forgeflow/internal/logging"
)

// ErrChangeNotApplied signals a rollback or verify against a change that
// never went through the apply engine.
var ErrChangeNotApplied = errors.New("change was not applied")

// ValidationRuleEntry is one rule added to a target by an applied change.
type ValidationRuleEntry struct {
	ChangeID string    `json:"change_id"`
	Rule     any       `json:"rule"`
	Kind     string    `json:"kind"`
	AddedAt  time.Time `json:"added_at"`
}

// FixIntent records a change that cannot be expressed as a direct state
// mutation: the intent is kept for the humans and agents maintaining the
// affected component.
type FixIntent struct {
	ChangeID    string    `json:"change_id"`
	Target      string    `json:"target"`
	Rationale   string    `json:"rationale"`
	CodeExample string    `json:"code_example,omitempty"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// SystemSnapshot is the serialisable form of the mutable system state.
// json.Marshal emits map keys sorted, so two equal snapshots are
// byte-identical.
type SystemSnapshot struct {
	AgentDefinitions map[string]any                   `json:"agent_definitions"`
	SkillConfigs     map[string]any                   `json:"skill_configs"`
	ValidationRules  map[string][]ValidationRuleEntry `json:"validation_rules"`
	SystemConfig     map[string]any                   `json:"system_config"`
	FixIntents       map[string]FixIntent             `json:"fix_intents"`
}

// systemState is the only mutable state the learning pipeline may touch.
// It is mutated exclusively inside an apply transaction that has already
// produced a backup.
type systemState struct {
	mu   sync.RWMutex
	snap SystemSnapshot
}

func newSystemState() *systemState {
	return &systemState{snap: SystemSnapshot{
		AgentDefinitions: make(map[string]any),
		SkillConfigs:     make(map[string]any),
		ValidationRules:  make(map[string][]ValidationRuleEntry),
		SystemConfig:     make(map[string]any),
		FixIntents:       make(map[string]FixIntent),
	}}
}

// Snapshot returns a deep copy via the JSON round trip.
func (s *systemState) Snapshot() (SystemSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := json.Marshal(s.snap)
	if err != nil {
		return SystemSnapshot{}, fmt.Errorf("failed to snapshot system state: %w", err)
	}
	var out SystemSnapshot
	if err := json.Unmarshal(raw, &out); err != nil {
		return SystemSnapshot{}, fmt.Errorf("failed to copy system state: %w", err)
	}
	return out, nil
}

// restore replaces the state wholesale from verified backup bytes.
func (s *systemState) restore(raw json.RawMessage) error {
	var snap SystemSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return fmt.Errorf("failed to parse restored state: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
	return nil
}

// applyChange dispatches one proposed change onto the state. Caller holds
// the write lock.
func (s *systemState) applyChangeLocked(changeID string, change ProposedChange) error {
	switch change.Type {
	case ChangeValidationRule, ChangeTypeCheck:
		s.snap.ValidationRules[change.Target] = append(s.snap.ValidationRules[change.Target], ValidationRuleEntry{
			ChangeID: changeID,
			Rule:     change.NewValue,
			Kind:     string(change.Type),
			AddedAt:  time.Now(),
		})
	case ChangeDefaultValue, ChangeConfigUpdate:
		s.snap.SystemConfig[change.Target] = change.NewValue
	case ChangeErrorHandling, ChangeConditionCheck, ChangeGenericFix:
		s.snap.FixIntents[changeID] = FixIntent{
			ChangeID:    changeID,
			Target:      change.Target,
			Rationale:   change.Rationale,
			CodeExample: change.CodeExample,
			RecordedAt:  time.Now(),
		}
	default:
		return fmt.Errorf("unsupported change type %q", change.Type)
	}
	return nil
}

// apply is the unlocked variant used by sandbox trials on scratch state.
func (s *systemState) apply(changeID string, change ProposedChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyChangeLocked(changeID, change)
}

// contains reports whether the state carries the key the change was meant
// to establish. Used by post-apply verification.
func (s *systemState) contains(changeID string, change ProposedChange) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch change.Type {
	case ChangeValidationRule, ChangeTypeCheck:
		for _, rule := range s.snap.ValidationRules[change.Target] {
			if rule.ChangeID == changeID {
				return true
			}
		}
		return false
	case ChangeDefaultValue, ChangeConfigUpdate:
		_, ok := s.snap.SystemConfig[change.Target]
		return ok
	default:
		_, ok := s.snap.FixIntents[changeID]
		return ok
	}
}

// =============================================================================
// APPLY ENGINE
// =============================================================================

// OpLogEntry is one sub-operation of an apply transaction.
type OpLogEntry struct {
	Seq       int       `json:"seq"`
	Operation string    `json:"operation"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// ApplyOutcome is the result of one apply transaction.
type ApplyOutcome struct {
	ChangeID   string        `json:"change_id"`
	Status     ExecStatus    `json:"status"`
	BackupID   string        `json:"backup_id"`
	Operations []OpLogEntry  `json:"operations"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
	RolledBack bool          `json:"rolled_back"`
}

// ApplyEngine owns the mutable system state. Every apply is wrapped in a
// transaction: backup first, ordered operation log, optional post-apply
// verification with automatic restore on failure, and an audit record no
// earlier than the commit.
type ApplyEngine struct {
	mu      sync.Mutex
	state   *systemState
	backups *BackupStore
	audit   *AuditTrail

	verifyAfterApply bool
	autoRollback     bool

	applied map[string]string // change id -> backup id
}

// NewApplyEngine wires the engine to its backup store and audit trail.
func NewApplyEngine(backups *BackupStore, audit *AuditTrail, verifyAfterApply, autoRollback bool) *ApplyEngine {
	return &ApplyEngine{
		state:            newSystemState(),
		backups:          backups,
		audit:            audit,
		verifyAfterApply: verifyAfterApply,
		autoRollback:     autoRollback,
		applied:          make(map[string]string),
	}
}

// StateSnapshot exposes a copy of the current system state.
func (e *ApplyEngine) StateSnapshot() (SystemSnapshot, error) {
	return e.state.Snapshot()
}

// BackupFor returns the backup id recorded for an applied change.
func (e *ApplyEngine) BackupFor(changeID string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.applied[changeID]
	if !ok {
		return "", fmt.Errorf("change %s: %w", changeID, ErrChangeNotApplied)
	}
	return id, nil
}

// Apply runs the transaction for an approved proposal.
func (e *ApplyEngine) Apply(p *FixProposal) (*ApplyOutcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	started := time.Now()
	outcome := &ApplyOutcome{ChangeID: p.ChangeID}
	log := func(op, detail string) {
		outcome.Operations = append(outcome.Operations, OpLogEntry{
			Seq:       len(outcome.Operations) + 1,
			Operation: op,
			Detail:    detail,
			At:        time.Now(),
		})
	}

	// Step 1: backup before anything mutates.
	snap, err := e.state.Snapshot()
	if err != nil {
		return nil, err
	}
	backup, err := e.backups.Create(p.ChangeID, snap)
	if err != nil {
		return nil, fmt.Errorf("backup failed, apply aborted: %w", err)
	}
	outcome.BackupID = backup.ID
	log("backup", backup.ID)

	// Steps 2-4: mutate inside the transaction.
	e.state.mu.Lock()
	err = e.state.applyChangeLocked(p.ChangeID, p.Change)
	e.state.mu.Unlock()
	if err != nil {
		outcome.Status = ExecFailed
		outcome.Error = err.Error()
		outcome.Duration = time.Since(started)
		e.writeAuditRecord(p, outcome)
		return outcome, err
	}
	log("mutate", fmt.Sprintf("%s -> %s", p.Change.Type, p.Change.Target))

	e.applied[p.ChangeID] = backup.ID
	outcome.Status = ExecSuccess
	log("commit", "")

	// Step 5: verify, restoring the backup if the change did not land.
	if e.verifyAfterApply && !e.state.contains(p.ChangeID, p.Change) {
		outcome.Error = "post-apply verification failed: expected key absent"
		log("verify", "failed")
		if e.autoRollback {
			if restoreErr := e.restoreLocked(backup.ID); restoreErr != nil {
				outcome.Status = ExecFailed
				outcome.Error += "; rollback also failed: " + restoreErr.Error()
			} else {
				outcome.Status = ExecRolledBack
				outcome.RolledBack = true
				delete(e.applied, p.ChangeID)
				log("auto_rollback", backup.ID)
			}
		} else {
			outcome.Status = ExecFailed
		}
	} else if e.verifyAfterApply {
		log("verify", "ok")
	}

	outcome.Duration = time.Since(started)

	// Step 6: the audit record is written after the transaction settles.
	e.writeAuditRecord(p, outcome)

	logging.Learning("apply %s finished: status=%s ops=%d duration=%s",
		p.ChangeID, outcome.Status, len(outcome.Operations), outcome.Duration)
	return outcome, nil
}

// Revert restores the pre-apply backup for a change. Used by the rollback
// manager after its own validation.
func (e *ApplyEngine) Revert(changeID string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	backupID, ok := e.applied[changeID]
	if !ok {
		return "", fmt.Errorf("change %s: %w", changeID, ErrChangeNotApplied)
	}
	if err := e.restoreLocked(backupID); err != nil {
		return backupID, err
	}
	delete(e.applied, changeID)
	return backupID, nil
}

func (e *ApplyEngine) restoreLocked(backupID string) error {
	raw, err := e.backups.Restore(backupID)
	if err != nil {
		return err
	}
	return e.state.restore(raw)
}

func (e *ApplyEngine) writeAuditRecord(p *FixProposal, outcome *ApplyOutcome) {
	if e.audit == nil {
		return
	}
	exec := ExecutionBlock{
		AppliedAt: time.Now(),
		Status:    outcome.Status,
		Duration:  outcome.Duration,
		Error:     outcome.Error,
	}
	if _, err := e.audit.RecordExecution(p.ChangeID, exec, ImpactBlock{}); err != nil {
		// A missing decision record means the pipeline skipped the
		// decision stage; open the trail now rather than lose the event.
		if errors.Is(err, ErrAuditNotFound) {
			if _, derr := e.audit.RecordDecision(p.ChangeID, DecisionBlock{
				ProposedBy: "learning-pipeline",
				Confidence: p.Confidence,
				Reasoning:  p.Change.Rationale,
			}, AuditMetadata{System: "forgeflow", Version: "1"}); derr == nil {
				_, err = e.audit.RecordExecution(p.ChangeID, exec, ImpactBlock{})
			}
		}
		if err != nil {
			logging.Get(logging.CategoryAudit).Error("failed to audit apply of %s: %v", p.ChangeID, err)
		}
	}
}
