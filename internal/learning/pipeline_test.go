package learning

import (
	"context"
	"errors"
	"testing"
	"time"

	"forgeflow/internal/config"
	"forgeflow/internal/safety"
)

func pipelineConfig(autoApply bool) config.LearningConfig {
	return config.LearningConfig{
		AutoApply:           autoApply,
		AutoRollback:        false,
		ConfidenceThreshold: 0.6,
		MinFixConfidence:    0.5,
		VerifyAfterApply:    true,
		BackupRetention:     time.Hour,
		MonitorDuration:     50 * time.Millisecond,
		CheckInterval:       5 * time.Millisecond,
		ErrorRateThreshold:  0.05,
	}
}

func newTestPipeline(t *testing.T, autoApply bool) *Pipeline {
	t.Helper()
	p, err := NewPipeline(t.TempDir(), pipelineConfig(autoApply), nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestHandleErrorEndToEndAutoApply(t *testing.T) {
	p := newTestPipeline(t, true)

	out, err := p.HandleError(context.Background(), 2, "builder", "", "ParamError",
		"missing required parameter 'target'", ErrorContext{})
	if err != nil {
		t.Fatalf("HandleError: %v", err)
	}

	if out.Stage != "applied" {
		t.Fatalf("stage = %s, want applied (validation: %+v)", out.Stage, out.Validation)
	}
	if out.Applied == nil || out.Applied.Status != ExecSuccess {
		t.Fatalf("apply outcome = %+v", out.Applied)
	}

	// The source error is resolved and the fix is remembered for the pattern.
	stored, err := p.Store().GetError(out.Entry.ID)
	if err != nil {
		t.Fatalf("GetError: %v", err)
	}
	if !stored.Resolved {
		t.Error("source error not marked resolved")
	}
	pattern, err := p.Store().GetPattern(out.Entry.PatternKey)
	if err != nil {
		t.Fatalf("GetPattern: %v", err)
	}
	if len(pattern.KnownFixes) != 1 {
		t.Errorf("known fixes = %d, want 1", len(pattern.KnownFixes))
	}

	latest, err := p.Audit().Latest(out.Proposals[0].ChangeID)
	if err != nil {
		t.Fatalf("no audit trail for applied change: %v", err)
	}
	if latest.Execution.Status != ExecSuccess {
		t.Errorf("audit status = %s, want %s", latest.Execution.Status, ExecSuccess)
	}
}

func TestHandleErrorNonLearnableStopsAtCapture(t *testing.T) {
	p := newTestPipeline(t, true)

	out, err := p.HandleError(context.Background(), 2, "builder", "", "Weird",
		"cosmic ray bit flip", ErrorContext{})
	if err != nil {
		t.Fatalf("HandleError: %v", err)
	}
	if out.Stage != "captured" {
		t.Errorf("stage = %s, want captured", out.Stage)
	}
	if out.Analysis != nil || out.Applied != nil {
		t.Error("non-learnable error must not be analysed or applied")
	}
}

func TestManualApplyWithDryRun(t *testing.T) {
	p := newTestPipeline(t, false)
	ctx := context.Background()

	out, err := p.HandleError(ctx, 2, "builder", "", "ParamError",
		"missing required parameter 'target'", ErrorContext{})
	if err != nil {
		t.Fatalf("HandleError: %v", err)
	}
	if out.Stage != "validated" {
		t.Fatalf("stage = %s, want validated", out.Stage)
	}
	changeID := out.Proposals[0].ChangeID
	if got := len(p.PendingChanges()); got != 1 {
		t.Fatalf("pending changes = %d, want 1", got)
	}

	dry, err := p.ApplyChange(ctx, changeID, true)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if dry.Status != ExecPending {
		t.Errorf("dry run status = %s, want %s", dry.Status, ExecPending)
	}
	if got := len(p.PendingChanges()); got != 1 {
		t.Error("dry run must leave the proposal pending")
	}

	applied, err := p.ApplyChange(ctx, changeID, false)
	if err != nil {
		t.Fatalf("ApplyChange: %v", err)
	}
	if applied.Status != ExecSuccess {
		t.Errorf("status = %s, want %s", applied.Status, ExecSuccess)
	}
	if got := len(p.PendingChanges()); got != 0 {
		t.Error("applied proposal still pending")
	}

	if _, err := p.ApplyChange(ctx, changeID, false); !errors.Is(err, ErrUnknownChange) {
		t.Errorf("re-apply = %v, want ErrUnknownChange", err)
	}
}

func TestRevertAppliedChange(t *testing.T) {
	p := newTestPipeline(t, true)
	ctx := context.Background()

	out, err := p.HandleError(ctx, 2, "builder", "", "ParamError",
		"missing required parameter 'target'", ErrorContext{})
	if err != nil {
		t.Fatalf("HandleError: %v", err)
	}
	changeID := out.Proposals[0].ChangeID

	result, err := p.Revert(changeID, "operator request")
	if err != nil {
		t.Fatalf("Revert: %v", err)
	}
	if !result.Verified {
		t.Error("revert did not verify")
	}

	latest, err := p.Audit().Latest(changeID)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest.Execution.Status != ExecRolledBack {
		t.Errorf("audit status = %s, want %s", latest.Execution.Status, ExecRolledBack)
	}
}

func TestSafetyControllerBlocksApply(t *testing.T) {
	guard := safety.New(config.SafetyConfig{
		MinConfidence:       0.7,
		HighRiskConfidence:  0.9,
		FailureCooldown:     time.Minute,
		FailureWindow:       10 * time.Minute,
		MaxConsecutiveFails: 3,
		RateLimits:          config.RateLimits{PerMinute: 10, PerHour: 100, PerDay: 500},
	})
	p, err := NewPipeline(t.TempDir(), pipelineConfig(false), guard, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	defer p.Close()
	ctx := context.Background()

	out, err := p.HandleError(ctx, 2, "builder", "", "ParamError",
		"missing required parameter 'target'", ErrorContext{})
	if err != nil {
		t.Fatalf("HandleError: %v", err)
	}
	changeID := out.Proposals[0].ChangeID

	guard.BlockChange(changeID, "frozen for release")
	if _, err := p.ApplyChange(ctx, changeID, false); !errors.Is(err, ErrSafetyBlocked) {
		t.Errorf("ApplyChange(blocked) = %v, want ErrSafetyBlocked", err)
	}

	guard.UnblockChange(changeID)
	applied, err := p.ApplyChange(ctx, changeID, false)
	if err != nil {
		t.Fatalf("ApplyChange after unblock: %v", err)
	}
	if applied.Status != ExecSuccess {
		t.Errorf("status = %s, want %s", applied.Status, ExecSuccess)
	}
}

func TestLogFiltersByResolution(t *testing.T) {
	p := newTestPipeline(t, true)
	ctx := context.Background()

	if _, err := p.HandleError(ctx, 2, "builder", "", "ParamError",
		"missing required parameter 'target'", ErrorContext{}); err != nil {
		t.Fatalf("HandleError: %v", err)
	}
	if _, err := p.HandleError(ctx, 3, "deployer", "", "Weird",
		"cosmic ray bit flip", ErrorContext{}); err != nil {
		t.Fatalf("HandleError: %v", err)
	}

	resolved, err := p.Log(10, "resolved")
	if err != nil {
		t.Fatalf("Log: %v", err)
	}
	if len(resolved) != 1 || resolved[0].Agent != "builder" {
		t.Errorf("resolved log = %d entries", len(resolved))
	}

	open, err := p.Log(10, "open")
	if err != nil {
		t.Fatalf("Log: %v", err)
	}
	if len(open) != 1 || open[0].Agent != "deployer" {
		t.Errorf("open log = %d entries", len(open))
	}
}

func TestStatusAndStats(t *testing.T) {
	p := newTestPipeline(t, false)
	ctx := context.Background()

	if _, err := p.HandleError(ctx, 2, "builder", "", "ParamError",
		"missing required parameter 'target'", ErrorContext{}); err != nil {
		t.Fatalf("HandleError: %v", err)
	}

	status := p.Status()
	if status.AutoApply {
		t.Error("auto apply reported on")
	}
	if status.PendingChanges != 1 {
		t.Errorf("pending changes = %d, want 1", status.PendingChanges)
	}
	if status.Halted {
		t.Error("fresh pipeline reported halted")
	}

	stats, err := p.LearningStats()
	if err != nil {
		t.Fatalf("LearningStats: %v", err)
	}
	if stats.Errors.TotalErrors != 1 {
		t.Errorf("total errors = %d, want 1", stats.Errors.TotalErrors)
	}
	if stats.Audit.TotalChanges != 1 {
		t.Errorf("audited changes = %d, want 1", stats.Audit.TotalChanges)
	}
}
