package learning

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"forgeflow/internal/config"
)

// mutableHealth is a health source tests can flip mid-monitor.
type mutableHealth struct {
	mu   sync.Mutex
	snap HealthSnapshot
}

func (h *mutableHealth) Health() HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snap
}

func (h *mutableHealth) set(snap HealthSnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snap = snap
}

func rollbackConfig() config.LearningConfig {
	return config.LearningConfig{
		MonitorDuration:      200 * time.Millisecond,
		CheckInterval:        5 * time.Millisecond,
		ErrorRateThreshold:   0.05,
		PerformanceThreshold: 0.5,
		MemoryThresholdBytes: 1 << 20,
	}
}

func TestRequestRollbackRestoresAndAudits(t *testing.T) {
	engine, _, audit := newTestEngine(t)
	m := NewRollbackManager(engine, audit, rollbackConfig(), nil)

	if _, err := engine.Apply(configProposal("chg-1", "builder.config", "30s")); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	result, err := m.RequestRollback("chg-1", TriggerManualRequest, "operator request")
	if err != nil {
		t.Fatalf("RequestRollback: %v", err)
	}
	if !result.Verified {
		t.Error("restoration did not verify against the backup")
	}

	snap, err := engine.StateSnapshot()
	if err != nil {
		t.Fatalf("StateSnapshot: %v", err)
	}
	if _, ok := snap.SystemConfig["builder.config"]; ok {
		t.Error("rolled back change still present in state")
	}

	latest, err := audit.Latest("chg-1")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest.Execution.Status != ExecRolledBack {
		t.Errorf("audit status = %s, want %s", latest.Execution.Status, ExecRolledBack)
	}

	if _, err := m.RequestRollback("chg-1", TriggerManualRequest, "again"); !errors.Is(err, ErrAlreadyRolledBack) {
		t.Errorf("second rollback = %v, want ErrAlreadyRolledBack", err)
	}
}

func TestRequestRollbackUnknownChange(t *testing.T) {
	engine, _, audit := newTestEngine(t)
	m := NewRollbackManager(engine, audit, rollbackConfig(), nil)

	if _, err := m.RequestRollback("chg-never", TriggerManualRequest, ""); !errors.Is(err, ErrChangeNotApplied) {
		t.Errorf("RequestRollback(unknown) = %v, want ErrChangeNotApplied", err)
	}
}

func TestCompareThresholds(t *testing.T) {
	m := NewRollbackManager(nil, nil, rollbackConfig(), nil)
	baseline := HealthSnapshot{
		ErrorRate:    0.01,
		ErrorKinds:   []string{"timeout"},
		ResponseTime: 100 * time.Millisecond,
		MemoryBytes:  10 << 20,
	}

	tests := []struct {
		name    string
		current HealthSnapshot
		want    RollbackTrigger
	}{
		{
			name:    "steady state",
			current: baseline,
			want:    "",
		},
		{
			name:    "error rate spike",
			current: HealthSnapshot{ErrorRate: 0.2, ErrorKinds: []string{"timeout"}, ResponseTime: 100 * time.Millisecond, MemoryBytes: 10 << 20},
			want:    TriggerErrorRateIncreased,
		},
		{
			name:    "new error kind",
			current: HealthSnapshot{ErrorRate: 0.01, ErrorKinds: []string{"timeout", "nil_pointer"}, ResponseTime: 100 * time.Millisecond, MemoryBytes: 10 << 20},
			want:    TriggerNewErrorsDetected,
		},
		{
			name:    "response time degradation",
			current: HealthSnapshot{ErrorRate: 0.01, ErrorKinds: []string{"timeout"}, ResponseTime: 300 * time.Millisecond, MemoryBytes: 10 << 20},
			want:    TriggerPerformanceDegradation,
		},
		{
			name:    "memory growth",
			current: HealthSnapshot{ErrorRate: 0.01, ErrorKinds: []string{"timeout"}, ResponseTime: 100 * time.Millisecond, MemoryBytes: 12 << 20},
			want:    TriggerResourceExhaustion,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := m.compare(baseline, tt.current)
			if got != tt.want {
				t.Errorf("compare = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCompareScalesWithBaseline(t *testing.T) {
	cfg := rollbackConfig()
	cfg.ScaleWithBaseline = true
	cfg.ErrorRateThreshold = 2.0 // allow up to a 2x-of-baseline increase
	m := NewRollbackManager(nil, nil, cfg, nil)

	baseline := HealthSnapshot{ErrorRate: 0.1}
	within := HealthSnapshot{ErrorRate: 0.25} // +0.15 < 0.1*2.0
	beyond := HealthSnapshot{ErrorRate: 0.35} // +0.25 > 0.1*2.0

	if got, _ := m.compare(baseline, within); got != "" {
		t.Errorf("increase within scaled budget triggered %q", got)
	}
	if got, _ := m.compare(baseline, beyond); got != TriggerErrorRateIncreased {
		t.Errorf("compare = %q, want %q", got, TriggerErrorRateIncreased)
	}
}

func TestArmMonitorRollsBackOnRegression(t *testing.T) {
	engine, _, audit := newTestEngine(t)
	health := &mutableHealth{snap: HealthSnapshot{ErrorRate: 0.01}}
	m := NewRollbackManager(engine, audit, rollbackConfig(), health)
	defer m.Stop()

	rolledBack := make(chan RollbackResult, 1)
	m.OnRollback = func(r RollbackResult) { rolledBack <- r }

	if _, err := engine.Apply(configProposal("chg-1", "builder.config", "30s")); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	m.ArmMonitor(context.Background(), "chg-1")

	health.set(HealthSnapshot{ErrorRate: 0.5})

	select {
	case r := <-rolledBack:
		if r.Trigger != TriggerErrorRateIncreased {
			t.Errorf("trigger = %s, want %s", r.Trigger, TriggerErrorRateIncreased)
		}
		if r.ChangeID != "chg-1" {
			t.Errorf("change id = %s, want chg-1", r.ChangeID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("monitor never rolled the change back")
	}
}

func TestArmMonitorExpiresQuietly(t *testing.T) {
	engine, _, audit := newTestEngine(t)
	health := &mutableHealth{snap: HealthSnapshot{ErrorRate: 0.01}}
	cfg := rollbackConfig()
	cfg.MonitorDuration = 30 * time.Millisecond
	m := NewRollbackManager(engine, audit, cfg, health)

	if _, err := engine.Apply(configProposal("chg-1", "builder.config", "30s")); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	m.ArmMonitor(context.Background(), "chg-1")
	m.Stop()

	// The change must still be applied after the monitor window.
	if _, err := engine.BackupFor("chg-1"); err != nil {
		t.Errorf("healthy change was rolled back: %v", err)
	}
}
