package learning

import (
	"errors"
	"testing"
	"time"

	"forgeflow/internal/safety"
)

func newTestEngine(t *testing.T) (*ApplyEngine, *BackupStore, *AuditTrail) {
	t.Helper()
	root := t.TempDir()
	backups, err := NewBackupStore(root, time.Hour)
	if err != nil {
		t.Fatalf("NewBackupStore: %v", err)
	}
	audit, err := NewAuditTrail(root)
	if err != nil {
		t.Fatalf("NewAuditTrail: %v", err)
	}
	return NewApplyEngine(backups, audit, true, true), backups, audit
}

func configProposal(changeID, target string, value any) *FixProposal {
	return &FixProposal{
		ChangeID:   changeID,
		Confidence: 0.9,
		Risk:       safety.RiskLow,
		Strategy:   StrategyUpdateConfig,
		Change: ProposedChange{
			Type:      ChangeConfigUpdate,
			Target:    target,
			NewValue:  value,
			Rationale: "test change",
		},
		Rollback: RollbackPlan{Reversible: true},
	}
}

func TestApplyCreatesBackupAndMutates(t *testing.T) {
	engine, backups, audit := newTestEngine(t)

	outcome, err := engine.Apply(configProposal("chg-1", "builder.config", "30s"))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if outcome.Status != ExecSuccess {
		t.Fatalf("status = %s, want %s (%s)", outcome.Status, ExecSuccess, outcome.Error)
	}
	if outcome.BackupID == "" {
		t.Fatal("no backup recorded")
	}

	snap, err := engine.StateSnapshot()
	if err != nil {
		t.Fatalf("StateSnapshot: %v", err)
	}
	if snap.SystemConfig["builder.config"] != "30s" {
		t.Errorf("config value = %v, want 30s", snap.SystemConfig["builder.config"])
	}

	rec, err := backups.Load(outcome.BackupID)
	if err != nil {
		t.Fatalf("backup not persisted: %v", err)
	}
	if err := rec.Verify(); err != nil {
		t.Errorf("backup fails verification: %v", err)
	}

	latest, err := audit.Latest("chg-1")
	if err != nil {
		t.Fatalf("no audit record: %v", err)
	}
	if latest.Execution.Status != ExecSuccess {
		t.Errorf("audit status = %s, want %s", latest.Execution.Status, ExecSuccess)
	}
}

func TestApplyThenRevertRestoresExactState(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	// Seed some prior state so the restore has something non-trivial.
	if _, err := engine.Apply(configProposal("chg-seed", "deployer.config", "eu-west-1")); err != nil {
		t.Fatalf("seed apply: %v", err)
	}

	before, err := engine.StateSnapshot()
	if err != nil {
		t.Fatalf("StateSnapshot: %v", err)
	}
	wantCanonical, err := canonicalState(before)
	if err != nil {
		t.Fatalf("canonicalState: %v", err)
	}

	if _, err := engine.Apply(configProposal("chg-2", "builder.config", "60s")); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, err := engine.Revert("chg-2"); err != nil {
		t.Fatalf("Revert: %v", err)
	}

	after, err := engine.StateSnapshot()
	if err != nil {
		t.Fatalf("StateSnapshot: %v", err)
	}
	gotCanonical, err := canonicalState(after)
	if err != nil {
		t.Fatalf("canonicalState: %v", err)
	}
	if gotCanonical != wantCanonical {
		t.Errorf("state after revert differs from state before apply:\n got %s\nwant %s", gotCanonical, wantCanonical)
	}
}

func TestRevertUnknownChange(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	if _, err := engine.Revert("chg-never"); !errors.Is(err, ErrChangeNotApplied) {
		t.Errorf("Revert(unknown) = %v, want ErrChangeNotApplied", err)
	}
}

func TestApplyUnsupportedChangeTypeFails(t *testing.T) {
	engine, _, audit := newTestEngine(t)

	p := configProposal("chg-3", "builder.config", "x")
	p.Change.Type = ChangeType("bogus")

	outcome, err := engine.Apply(p)
	if err == nil {
		t.Fatal("expected an error for an unsupported change type")
	}
	if outcome.Status != ExecFailed {
		t.Errorf("status = %s, want %s", outcome.Status, ExecFailed)
	}

	// The failure is still audited.
	latest, aerr := audit.Latest("chg-3")
	if aerr != nil {
		t.Fatalf("failed apply not audited: %v", aerr)
	}
	if latest.Execution.Status != ExecFailed {
		t.Errorf("audit status = %s, want %s", latest.Execution.Status, ExecFailed)
	}

	// The state must be untouched and the change not marked applied.
	if _, err := engine.BackupFor("chg-3"); !errors.Is(err, ErrChangeNotApplied) {
		t.Errorf("BackupFor after failed apply = %v, want ErrChangeNotApplied", err)
	}
}

func TestApplyRecordsValidationRules(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	p := configProposal("chg-4", "builder.parameters", "required")
	p.Change.Type = ChangeValidationRule

	if _, err := engine.Apply(p); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	snap, err := engine.StateSnapshot()
	if err != nil {
		t.Fatalf("StateSnapshot: %v", err)
	}
	rules := snap.ValidationRules["builder.parameters"]
	if len(rules) != 1 {
		t.Fatalf("rule count = %d, want 1", len(rules))
	}
	if rules[0].ChangeID != "chg-4" {
		t.Errorf("rule change id = %s, want chg-4", rules[0].ChangeID)
	}
}
