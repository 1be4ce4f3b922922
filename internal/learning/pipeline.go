package learning

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"forgeflow/internal/config"
	"forgeflow/internal/logging"
	"forgeflow/internal/monitor"
	"forgeflow/internal/safety"
)

// Pipeline errors.
var (
	ErrPipelineHalted = errors.New("automated apply halted by audit integrity violation")
	ErrUnknownChange  = errors.New("unknown change id")
	ErrNotApproved    = errors.New("proposal was not approved by validation")
	ErrSafetyBlocked  = errors.New("safety controller blocked the apply")
)

// pendingFix is a validated proposal awaiting apply.
type pendingFix struct {
	proposal   *FixProposal
	validation *ValidationResult
	entry      *ErrorEntry
}

// Outcome summarises one pass of the pipeline for a captured error.
type Outcome struct {
	Entry      *ErrorEntry       `json:"entry"`
	Analysis   *Analysis         `json:"analysis,omitempty"`
	Proposals  []*FixProposal    `json:"proposals,omitempty"`
	Validation *ValidationResult `json:"validation,omitempty"`
	Applied    *ApplyOutcome     `json:"applied,omitempty"`
	Stage      string            `json:"stage"`
}

// Pipeline is the linear learning flow: capture, analyse, generate,
// validate, safety-check, apply, audit, monitor for regression.
type Pipeline struct {
	mu  sync.Mutex
	cfg config.LearningConfig

	store     *Store
	analyzer  *Analyzer
	generator *Generator
	validator *Validator
	guard     *safety.Controller
	backups   *BackupStore
	audit     *AuditTrail
	engine    *ApplyEngine
	rollback  *RollbackManager
	metrics   *monitor.Monitor

	pending map[string]*pendingFix
	halted  bool
}

// NewPipeline builds the pipeline rooted at the state directory. The
// monitor and health source are optional; without them counters and
// auto-rollback monitoring are skipped.
func NewPipeline(root string, cfg config.LearningConfig, guard *safety.Controller, metrics *monitor.Monitor, health HealthSource, regression RegressionRunner) (*Pipeline, error) {
	dbPath := cfg.DatabasePath
	if dbPath == "" {
		dbPath = filepath.Join(root, "learning.db")
	}
	store, err := OpenStore(dbPath)
	if err != nil {
		return nil, err
	}

	backups, err := NewBackupStore(root, cfg.BackupRetention)
	if err != nil {
		store.Close()
		return nil, err
	}
	audit, err := NewAuditTrail(root)
	if err != nil {
		store.Close()
		return nil, err
	}

	engine := NewApplyEngine(backups, audit, cfg.VerifyAfterApply, cfg.AutoRollback)

	p := &Pipeline{
		cfg:       cfg,
		store:     store,
		analyzer:  NewAnalyzer(store),
		generator: NewGenerator(cfg.MinFixConfidence),
		validator: NewValidator(cfg.ConfidenceThreshold, cfg.RequireAllGates, regression),
		guard:     guard,
		backups:   backups,
		audit:     audit,
		engine:    engine,
		rollback:  NewRollbackManager(engine, audit, cfg, health),
		metrics:   metrics,
		pending:   make(map[string]*pendingFix),
	}
	return p, nil
}

// Close releases the store and stops armed monitors.
func (p *Pipeline) Close() error {
	p.rollback.Stop()
	return p.store.Close()
}

// Audit exposes the audit trail for reporting.
func (p *Pipeline) Audit() *AuditTrail { return p.audit }

// Store exposes the error store for reporting.
func (p *Pipeline) Store() *Store { return p.store }

// Engine exposes the apply engine, mainly so callers can inspect state.
func (p *Pipeline) Engine() *ApplyEngine { return p.engine }

// =============================================================================
// MAIN FLOW
// =============================================================================

// HandleError runs the full pipeline for one captured failure. Each stage
// short-circuits on failure; the outcome names the stage reached.
func (p *Pipeline) HandleError(ctx context.Context, phase int, agent, skill, errType, message string, errCtx ErrorContext) (*Outcome, error) {
	entry := NewErrorEntry(phase, agent, skill, errType, message, errCtx)
	if err := p.store.InsertError(entry); err != nil {
		return nil, fmt.Errorf("failed to capture error: %w", err)
	}
	p.count(monitor.CounterErrorsCaptured)
	out := &Outcome{Entry: entry, Stage: "captured"}

	if !entry.Learnable {
		logging.LearningDebug("error %s is not learnable, capture only", entry.ID[:8])
		return out, nil
	}

	started := time.Now()
	analysis, err := p.analyzer.Analyze(entry)
	if err != nil {
		return out, fmt.Errorf("analysis failed: %w", err)
	}
	p.observe(monitor.HistogramAnalysisDuration, time.Since(started))
	out.Analysis = analysis
	out.Stage = "analysed"

	started = time.Now()
	proposals := p.generator.Generate(entry, analysis)
	p.observe(monitor.HistogramFixDuration, time.Since(started))
	if len(proposals) == 0 {
		return out, nil
	}
	p.count(monitor.CounterFixesProposed)
	out.Proposals = proposals
	out.Stage = "proposed"

	// Validate the strongest proposal; the alternatives stay recorded on
	// the outcome for a human to pick from.
	best := proposals[0]
	validation := p.validator.Validate(ctx, best)
	out.Validation = validation
	if validation.Approved {
		best.Status = ProposalValidated
		p.count(monitor.CounterValidationPasses)
	} else {
		best.Status = ProposalRejected
		p.count(monitor.CounterValidationFailures)
		p.count(monitor.CounterFixesRejected)
		out.Stage = "rejected"
		return out, nil
	}
	out.Stage = "validated"

	if _, err := p.audit.RecordDecision(best.ChangeID, DecisionBlock{
		ProposedBy:        "learning-pipeline",
		Reasoning:         best.Change.Rationale,
		Confidence:        validation.OverallConfidence,
		RecommendedAction: string(best.Strategy),
	}, AuditMetadata{System: "forgeflow", Version: "1"}); err != nil {
		return out, fmt.Errorf("failed to open audit trail: %w", err)
	}

	p.mu.Lock()
	p.pending[best.ChangeID] = &pendingFix{proposal: best, validation: validation, entry: entry}
	p.mu.Unlock()

	if !p.cfg.AutoApply {
		return out, nil
	}

	applied, err := p.ApplyChange(ctx, best.ChangeID, false)
	if err != nil {
		logging.Get(logging.CategoryLearning).Warn("auto-apply of %s declined: %v", best.ChangeID, err)
		return out, nil
	}
	out.Applied = applied
	out.Stage = "applied"
	return out, nil
}

// =============================================================================
// COMMAND OPERATIONS
// =============================================================================

// ApplyChange applies a validated pending proposal. With dryRun set, it
// reports what would happen without touching state.
func (p *Pipeline) ApplyChange(ctx context.Context, changeID string, dryRun bool) (*ApplyOutcome, error) {
	p.mu.Lock()
	pf, ok := p.pending[changeID]
	halted := p.halted
	p.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("change %s: %w", changeID, ErrUnknownChange)
	}
	if !pf.validation.Approved {
		return nil, fmt.Errorf("change %s: %w", changeID, ErrNotApproved)
	}
	if halted {
		return nil, ErrPipelineHalted
	}

	// An audit trail that fails verification halts every automated apply.
	if _, err := p.audit.VerifyIntegrity(); err != nil {
		p.mu.Lock()
		p.halted = true
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrPipelineHalted, err)
	}

	verdict := safety.CheckResult{Allowed: true, Status: safety.StatusSafe}
	if p.guard != nil {
		verdict = p.guard.Check(safety.CheckRequest{
			ChangeID:   changeID,
			Confidence: pf.validation.OverallConfidence,
			Risk:       pf.proposal.Risk,
		})
		if !verdict.Allowed {
			p.count(monitor.CounterFixesRejected)
			return nil, fmt.Errorf("%w: %s (%s)", ErrSafetyBlocked, verdict.Reason, verdict.Status)
		}
	}

	if dryRun {
		return &ApplyOutcome{ChangeID: changeID, Status: ExecPending}, nil
	}

	if p.guard != nil {
		if err := p.guard.AcquireIsolation(verdict.Isolation); err != nil {
			return nil, err
		}
		defer p.guard.ReleaseIsolation(verdict.Isolation)
	}

	started := time.Now()
	outcome, err := p.engine.Apply(pf.proposal)
	p.observe(monitor.HistogramApplyDuration, time.Since(started))
	if err != nil {
		p.guardFailure(changeID)
		return outcome, err
	}

	switch outcome.Status {
	case ExecSuccess:
		pf.proposal.Status = ProposalApplied
		p.count(monitor.CounterFixesApplied)
		p.finishApply(ctx, pf)
	case ExecRolledBack:
		pf.proposal.Status = ProposalRolledBack
		p.count(monitor.CounterRollbacks)
		p.guardFailure(changeID)
	default:
		p.guardFailure(changeID)
	}

	p.mu.Lock()
	delete(p.pending, changeID)
	p.mu.Unlock()
	return outcome, nil
}

// finishApply records the resolution and arms the regression monitor.
func (p *Pipeline) finishApply(ctx context.Context, pf *pendingFix) {
	if p.guard != nil {
		p.guard.RecordSuccess(pf.proposal.ChangeID)
	}
	if err := p.store.MarkResolved(pf.entry.ID, pf.proposal.ChangeID); err == nil {
		p.count(monitor.CounterErrorsResolved)
	}
	if err := p.store.AddKnownFix(pf.entry.PatternKey, KnownFix{
		ChangeID:      pf.proposal.ChangeID,
		Strategy:      string(pf.proposal.Strategy),
		Effectiveness: pf.validation.OverallConfidence,
	}); err != nil {
		logging.Get(logging.CategoryLearning).Warn("failed to record known fix: %v", err)
	}
	if p.cfg.AutoRollback {
		p.rollback.ArmMonitor(ctx, pf.proposal.ChangeID)
	}
}

func (p *Pipeline) guardFailure(changeID string) {
	if p.guard != nil {
		p.guard.RecordFailure(changeID)
	}
}

// Revert rolls an applied change back on operator request.
func (p *Pipeline) Revert(changeID, reason string) (*RollbackResult, error) {
	result, err := p.rollback.RequestRollback(changeID, TriggerManualRequest, reason)
	if err != nil {
		return nil, err
	}
	p.count(monitor.CounterRollbacks)
	return result, nil
}

// Log returns recent error entries, optionally filtered by resolution
// state.
func (p *Pipeline) Log(limit int, status string) ([]*ErrorEntry, error) {
	filter := ErrorFilter{Limit: limit}
	switch status {
	case "resolved":
		resolved := true
		filter.Resolved = &resolved
	case "open":
		resolved := false
		filter.Resolved = &resolved
	}
	return p.store.ListErrors(filter)
}

// StatsReport bundles everything the stats command surfaces.
type StatsReport struct {
	Errors  *Stats            `json:"errors"`
	Audit   *Report           `json:"audit"`
	Metrics *monitor.Snapshot `json:"metrics,omitempty"`
}

// LearningStats aggregates error, audit, and metric statistics.
func (p *Pipeline) LearningStats() (*StatsReport, error) {
	errStats, err := p.store.Stats()
	if err != nil {
		return nil, err
	}
	report := &StatsReport{
		Errors: errStats,
		Audit:  p.audit.GenerateReport(time.Time{}, time.Now()),
	}
	if p.metrics != nil {
		snap := p.metrics.TakeSnapshot()
		report.Metrics = &snap
	}
	return report, nil
}

// StatusReport describes the pipeline's operating mode.
type StatusReport struct {
	AutoApply           bool    `json:"auto_apply"`
	AutoRollback        bool    `json:"auto_rollback"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	StrictGates         bool    `json:"strict_gates"`
	Halted              bool    `json:"halted"`
	PendingChanges      int     `json:"pending_changes"`
	AuditRecords        int     `json:"audit_records"`
}

// Status reports the pipeline's current mode and queue depth.
func (p *Pipeline) Status() *StatusReport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &StatusReport{
		AutoApply:           p.cfg.AutoApply,
		AutoRollback:        p.cfg.AutoRollback,
		ConfidenceThreshold: p.cfg.ConfidenceThreshold,
		StrictGates:         p.cfg.RequireAllGates,
		Halted:              p.halted,
		PendingChanges:      len(p.pending),
		AuditRecords:        len(p.audit.History(AuditFilter{})),
	}
}

// PendingChanges lists validated proposals awaiting apply.
func (p *Pipeline) PendingChanges() []*FixProposal {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*FixProposal, 0, len(p.pending))
	for _, pf := range p.pending {
		out = append(out, pf.proposal)
	}
	return out
}

func (p *Pipeline) count(name string) {
	if p.metrics != nil {
		p.metrics.IncCounter(name, 1)
	}
}

func (p *Pipeline) observe(name string, d time.Duration) {
	if p.metrics != nil {
		p.metrics.ObserveDuration(name, d)
	}
}
