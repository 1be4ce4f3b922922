package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"forgeflow/internal/bus"
	"forgeflow/internal/config"
	"forgeflow/internal/registry"
	"forgeflow/internal/state"
	"forgeflow/internal/workflow"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testBusConfig() config.BusConfig {
	return config.BusConfig{
		MaxWorkers:        2,
		MaxRetries:        1,
		InitialBackoff:    2 * time.Millisecond,
		MaxBackoff:        10 * time.Millisecond,
		BackoffMultiplier: 2.0,
		InvocationTimeout: 5 * time.Second,
	}
}

// registryAgents derives one registered agent per workflow role.
func registryAgents() []registry.Agent {
	byID := make(map[string]*registry.Agent)
	var order []string
	for _, ph := range workflow.Default().Phases() {
		for i, id := range ph.Agents {
			a, ok := byID[id]
			if !ok {
				a = &registry.Agent{ID: id, Role: id, Tier: 1, RolePriority: i}
				byID[id] = a
				order = append(order, id)
			}
			a.Phases = append(a.Phases, ph.Index)
		}
	}
	out := make([]registry.Agent, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out
}

// recordingInvoker remembers every delivery, keyed for later inspection.
type recordingInvoker struct {
	mu   sync.Mutex
	msgs []*bus.Message
}

func (r *recordingInvoker) Invoke(ctx context.Context, agentID string, msg *bus.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingInvoker) byType(mt bus.MessageType) []*bus.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*bus.Message
	for _, m := range r.msgs {
		if m.Type == mt {
			out = append(out, m)
		}
	}
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached before timeout")
}

func newTestController(t *testing.T, cfg config.ControllerConfig) (*Controller, *recordingInvoker, *state.Store) {
	t.Helper()
	store, err := state.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	reg, err := registry.New(1, registryAgents())
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	rec := &recordingInvoker{}
	b := bus.New(testBusConfig(), rec)
	b.Start(context.Background())
	t.Cleanup(b.Stop)

	c := New(cfg, workflow.Default(), registry.NewHolder(reg), store, b)
	t.Cleanup(c.Close)
	return c, rec, store
}

func start(t *testing.T, c *Controller) string {
	t.Helper()
	id, err := c.Start(context.Background(), ProjectConfig{Name: "shop-backend"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return id
}

func approve(t *testing.T, c *Controller, execID string, phase int) int {
	t.Helper()
	next, err := c.SubmitApproval(execID, phase, DecisionApprove, "")
	if err != nil {
		t.Fatalf("approve phase %d: %v", phase, err)
	}
	return next
}

func passAllGates(t *testing.T, c *Controller, execID string) int {
	t.Helper()
	next := 4
	for _, g := range workflow.Default().ValidationGates(4) {
		n, err := c.ReportValidationGate(execID, g, true, "")
		if err != nil {
			t.Fatalf("gate %s: %v", g, err)
		}
		next = n
	}
	return next
}

// driveToPhase advances an execution along the happy path up to (and
// including entry of) the target phase. Supports targets 1..8.
func driveToPhase(t *testing.T, c *Controller, execID string, target int) {
	t.Helper()
	for {
		exec, err := c.Execution(execID)
		if err != nil {
			t.Fatalf("Execution: %v", err)
		}
		cur := exec.CurrentPhase
		if cur >= target {
			return
		}
		switch cur {
		case 0, 1, 2, 3:
			approve(t, c, execID, cur)
		case 4:
			approve(t, c, execID, 4)
			passAllGates(t, c, execID)
		case 5:
			approve(t, c, execID, 5)
		case 6:
			if _, err := c.EvaluateTransition(execID, workflow.ReasonValidationPassed); err != nil {
				t.Fatalf("transition from 6: %v", err)
			}
		case 7, 8:
			if _, err := c.EvaluateTransition(execID, workflow.ReasonComplete); err != nil {
				t.Fatalf("transition from %d: %v", cur, err)
			}
		default:
			t.Fatalf("driveToPhase cannot advance from phase %d", cur)
		}
	}
}

func TestStartEntersPhaseZero(t *testing.T) {
	c, rec, store := newTestController(t, config.ControllerConfig{})
	execID := start(t, c)

	exec, err := c.Execution(execID)
	if err != nil {
		t.Fatalf("Execution: %v", err)
	}
	if exec.Status != state.ExecutionRunning {
		t.Errorf("status = %s, want %s", exec.Status, state.ExecutionRunning)
	}
	if exec.CurrentPhase != 0 {
		t.Errorf("current phase = %d, want 0", exec.CurrentPhase)
	}
	ps, _ := exec.Phase(0)
	if ps.Status != state.PhaseInProgress {
		t.Errorf("phase 0 status = %s, want %s", ps.Status, state.PhaseInProgress)
	}

	if _, ok := c.PendingApproval(execID); !ok {
		t.Error("phase 0 requires approval but no token is pending")
	}

	cps, err := store.ListCheckpoints(execID)
	if err != nil {
		t.Fatalf("ListCheckpoints: %v", err)
	}
	if len(cps) != 1 || cps[0].Reason != state.CheckpointWorkflowStart {
		t.Errorf("checkpoints = %d, want one workflow_start snapshot", len(cps))
	}

	waitFor(t, time.Second, func() bool {
		return len(rec.byType(bus.TypePhaseEntry)) >= 1
	})
	entry := rec.byType(bus.TypePhaseEntry)[0]
	if entry.Phase != 0 || !entry.NeedsApproval {
		t.Errorf("phase_entry = phase %d approval=%v", entry.Phase, entry.NeedsApproval)
	}
}

func TestHappyPathRunsToCompletion(t *testing.T) {
	c, rec, _ := newTestController(t, config.ControllerConfig{})
	execID := start(t, c)

	driveToPhase(t, c, execID, 8)
	next, err := c.EvaluateTransition(execID, workflow.ReasonComplete)
	if err != nil {
		t.Fatalf("fan-out: %v", err)
	}
	if next != 9 {
		t.Fatalf("fan-out entered phase %d, want 9", next)
	}

	if n, err := c.EvaluatePhase(execID, 9, workflow.ReasonComplete); err != nil || n != 9 {
		t.Fatalf("sibling 9 = (%d, %v), want (9, nil)", n, err)
	}
	if n, err := c.EvaluatePhase(execID, 10, workflow.ReasonComplete); err != nil || n != 11 {
		t.Fatalf("join = (%d, %v), want (11, nil)", n, err)
	}

	// Per-execution delivery is serialised, so once the phase 11 entry has
	// landed, every earlier message has too.
	waitFor(t, time.Second, func() bool {
		for _, m := range rec.byType(bus.TypePhaseEntry) {
			if m.Phase == 11 {
				return true
			}
		}
		return false
	})

	if n := approve(t, c, execID, 11); n != workflow.PhaseEnd {
		t.Fatalf("final approval = %d, want %d", n, workflow.PhaseEnd)
	}

	exec, _ := c.Execution(execID)
	if exec.Status != state.ExecutionCompleted {
		t.Fatalf("status = %s, want %s", exec.Status, state.ExecutionCompleted)
	}
	if exec.CompletedAt.IsZero() || exec.Duration <= 0 {
		t.Error("completion timestamp or duration missing")
	}
	for _, ps := range exec.Phases {
		if ps.Status != state.PhaseCompleted {
			t.Errorf("phase %d status = %s, want %s", ps.Index, ps.Status, state.PhaseCompleted)
		}
	}

	// Both siblings were entered with the same join token.
	var tokens []string
	for _, m := range rec.byType(bus.TypePhaseEntry) {
		if m.Phase == 9 || m.Phase == 10 {
			tokens = append(tokens, m.Payload["join_token"].(string))
		}
	}
	if len(tokens) != 2 || tokens[0] != tokens[1] {
		t.Errorf("join tokens = %v, want two equal values", tokens)
	}
}

func TestValidationFailureLoopsPhaseFour(t *testing.T) {
	c, _, _ := newTestController(t, config.ControllerConfig{})
	execID := start(t, c)
	driveToPhase(t, c, execID, 4)

	approve(t, c, execID, 4)
	gates := workflow.Default().ValidationGates(4)
	var next int
	for _, g := range gates {
		n, err := c.ReportValidationGate(execID, g, g != "lint", "style violations")
		if err != nil {
			t.Fatalf("gate %s: %v", g, err)
		}
		next = n
	}
	if next != 4 {
		t.Fatalf("after failed gate set, phase = %d, want 4 (regenerate)", next)
	}

	exec, _ := c.Execution(execID)
	if exec.Status != state.ExecutionRunning {
		t.Fatalf("status = %s, want %s", exec.Status, state.ExecutionRunning)
	}
	if _, ok := c.PendingApproval(execID); !ok {
		t.Fatal("regenerated attempt has no fresh approval token")
	}

	// Second attempt passes every gate and advances exactly once.
	approve(t, c, execID, 4)
	if next = passAllGates(t, c, execID); next != 5 {
		t.Fatalf("second attempt advanced to %d, want 5", next)
	}
	exec, _ = c.Execution(execID)
	if exec.CurrentPhase != 5 {
		t.Errorf("current phase = %d, want 5", exec.CurrentPhase)
	}
}

func TestGateOrderIndependentOfApproval(t *testing.T) {
	c, _, _ := newTestController(t, config.ControllerConfig{})
	execID := start(t, c)
	driveToPhase(t, c, execID, 4)

	// All gates pass first; the phase must still hold for the human.
	if next := passAllGates(t, c, execID); next != 4 {
		t.Fatalf("gates alone advanced to %d, want hold at 4", next)
	}
	if next := approve(t, c, execID, 4); next != 5 {
		t.Fatalf("approval after gates advanced to %d, want 5", next)
	}
}

func TestDeploymentRejectionRollsBack(t *testing.T) {
	c, rec, store := newTestController(t, config.ControllerConfig{})
	execID := start(t, c)
	driveToPhase(t, c, execID, 5)

	err := c.RecordAgentOutput(execID, "deployer", map[string]any{"region": "westeurope"}, []ArtifactInput{
		{Name: "deployment-record.yaml", Content: []byte("resources:\n  - vm-1\n")},
	})
	if err != nil {
		t.Fatalf("RecordAgentOutput: %v", err)
	}

	next, err := c.SubmitApproval(execID, 5, DecisionReject, "wrong sizing")
	if err != nil {
		t.Fatalf("reject deployment: %v", err)
	}
	if next != workflow.PhaseRollback {
		t.Fatalf("next = %d, want %d", next, workflow.PhaseRollback)
	}

	exec, _ := c.Execution(execID)
	if exec.Status != state.ExecutionFailed {
		t.Errorf("status = %s, want %s", exec.Status, state.ExecutionFailed)
	}
	marked, _ := exec.Context["rollback_resources"].([]string)
	if len(marked) != 1 {
		t.Errorf("rollback_resources = %v, want the deployment artifact", exec.Context["rollback_resources"])
	}

	waitFor(t, time.Second, func() bool {
		return len(rec.byType(bus.TypeEscalation)) >= 1
	})
	esc := rec.byType(bus.TypeEscalation)[0]
	if esc.Priority != bus.PriorityCritical {
		t.Errorf("escalation priority = %s, want CRITICAL", esc.Priority)
	}

	cps, _ := store.ListCheckpoints(execID)
	if len(cps) == 0 || cps[0].Reason != state.CheckpointError {
		t.Error("final checkpoint with reason error missing")
	}
}

func TestDeploymentFailureEscalatesAndPauses(t *testing.T) {
	c, rec, _ := newTestController(t, config.ControllerConfig{})
	execID := start(t, c)
	driveToPhase(t, c, execID, 5)

	next, err := c.EvaluateTransition(execID, workflow.ReasonDeployFailed)
	if err != nil {
		t.Fatalf("EvaluateTransition: %v", err)
	}
	if next != workflow.PhaseEscalation {
		t.Fatalf("next = %d, want %d", next, workflow.PhaseEscalation)
	}

	exec, _ := c.Execution(execID)
	if exec.Status != state.ExecutionPaused {
		t.Errorf("status = %s, want %s (halted pending human action)", exec.Status, state.ExecutionPaused)
	}
	if _, ok := c.PendingApproval(execID); ok {
		t.Error("stale approval token survived the escalation")
	}
	waitFor(t, time.Second, func() bool {
		return len(rec.byType(bus.TypeEscalation)) >= 1
	})
}

func TestParallelJoinFiresExactlyOnce(t *testing.T) {
	c, rec, _ := newTestController(t, config.ControllerConfig{})
	execID := start(t, c)
	driveToPhase(t, c, execID, 8)
	if _, err := c.EvaluateTransition(execID, workflow.ReasonComplete); err != nil {
		t.Fatalf("fan-out: %v", err)
	}

	if _, err := c.EvaluatePhase(execID, 9, workflow.ReasonComplete); err != nil {
		t.Fatalf("sibling 9: %v", err)
	}
	// A duplicate completion for the same sibling is rejected, not fatal.
	if _, err := c.EvaluatePhase(execID, 9, workflow.ReasonComplete); err == nil {
		t.Error("duplicate sibling completion accepted")
	}
	exec, _ := c.Execution(execID)
	if exec.Status != state.ExecutionRunning {
		t.Fatalf("duplicate completion terminated the execution: %s", exec.Status)
	}

	if n, err := c.EvaluatePhase(execID, 10, workflow.ReasonComplete); err != nil || n != 11 {
		t.Fatalf("join = (%d, %v), want (11, nil)", n, err)
	}

	waitFor(t, time.Second, func() bool {
		n := 0
		for _, m := range rec.byType(bus.TypePhaseEntry) {
			if m.Phase == 11 {
				n++
			}
		}
		return n >= 1
	})
	n := 0
	for _, m := range rec.byType(bus.TypePhaseEntry) {
		if m.Phase == 11 {
			n++
		}
	}
	if n != 1 {
		t.Errorf("phase 11 entered %d times, want exactly once", n)
	}
}

func TestFailedSiblingFailsExecutionAfterBothTerminal(t *testing.T) {
	c, _, _ := newTestController(t, config.ControllerConfig{})
	execID := start(t, c)
	driveToPhase(t, c, execID, 8)
	if _, err := c.EvaluateTransition(execID, workflow.ReasonComplete); err != nil {
		t.Fatalf("fan-out: %v", err)
	}

	if _, err := c.EvaluatePhase(execID, 9, workflow.ReasonValidationFailed); err != nil {
		t.Fatalf("failing sibling 9: %v", err)
	}
	exec, _ := c.Execution(execID)
	if exec.Status != state.ExecutionRunning {
		t.Fatalf("execution terminated before the sibling finished: %s", exec.Status)
	}

	if _, err := c.EvaluatePhase(execID, 10, workflow.ReasonComplete); err == nil {
		t.Fatal("expected the join to surface the sibling failure")
	}

	exec, _ = c.Execution(execID)
	if exec.Status != state.ExecutionFailed {
		t.Errorf("status = %s, want %s", exec.Status, state.ExecutionFailed)
	}
	nine, _ := exec.Phase(9)
	ten, _ := exec.Phase(10)
	if nine.Status != state.PhaseFailed || ten.Status != state.PhaseCompleted {
		t.Errorf("sibling states = %s/%s, want failed/completed", nine.Status, ten.Status)
	}
}

func TestApprovalExpiryRejectsByDefault(t *testing.T) {
	c, _, _ := newTestController(t, config.ControllerConfig{ApprovalExpiry: 20 * time.Millisecond})
	execID := start(t, c)

	waitFor(t, time.Second, func() bool {
		exec, _ := c.Execution(execID)
		return exec.Status == state.ExecutionFailed
	})
}

func TestApprovalExpiryCanApprove(t *testing.T) {
	c, _, _ := newTestController(t, config.ControllerConfig{
		ApprovalExpiry:  20 * time.Millisecond,
		ApproveOnExpiry: true,
	})
	execID := start(t, c)

	waitFor(t, time.Second, func() bool {
		exec, _ := c.Execution(execID)
		return exec.CurrentPhase == 1
	})
}

func TestRevisionReentersSamePhase(t *testing.T) {
	c, _, _ := newTestController(t, config.ControllerConfig{})
	execID := start(t, c)

	first, _ := c.PendingApproval(execID)
	next, err := c.SubmitApproval(execID, 0, DecisionRevise, "tighten the requirements")
	if err != nil {
		t.Fatalf("revise: %v", err)
	}
	if next != 0 {
		t.Fatalf("next = %d, want 0", next)
	}

	second, ok := c.PendingApproval(execID)
	if !ok {
		t.Fatal("revision left no pending approval")
	}
	if second.ID == first.ID {
		t.Error("revision reused the resolved approval token")
	}
	exec, _ := c.Execution(execID)
	ps, _ := exec.Phase(0)
	if ps.Status != state.PhaseInProgress {
		t.Errorf("phase 0 status = %s, want %s", ps.Status, state.PhaseInProgress)
	}
}

func TestRejectionFailsExecution(t *testing.T) {
	c, _, _ := newTestController(t, config.ControllerConfig{})
	execID := start(t, c)

	if _, err := c.SubmitApproval(execID, 0, DecisionReject, "not viable"); err == nil {
		t.Fatal("expected rejection to surface as an error")
	}
	exec, _ := c.Execution(execID)
	if exec.Status != state.ExecutionFailed {
		t.Errorf("status = %s, want %s", exec.Status, state.ExecutionFailed)
	}
}

func TestApprovalPhaseMismatchRejected(t *testing.T) {
	c, _, _ := newTestController(t, config.ControllerConfig{})
	execID := start(t, c)

	if _, err := c.SubmitApproval(execID, 3, DecisionApprove, ""); !errors.Is(err, ErrApprovalMismatch) {
		t.Errorf("mismatched approval = %v, want ErrApprovalMismatch", err)
	}
}

func TestInvalidTransitionIsFatal(t *testing.T) {
	c, _, store := newTestController(t, config.ControllerConfig{})
	execID := start(t, c)

	_, err := c.EvaluateTransition(execID, workflow.ReasonComplete)
	var inv *workflow.ErrInvalidTransition
	if !errors.As(err, &inv) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}

	exec, _ := c.Execution(execID)
	if exec.Status != state.ExecutionFailed {
		t.Errorf("status = %s, want %s", exec.Status, state.ExecutionFailed)
	}
	cps, _ := store.ListCheckpoints(execID)
	if len(cps) == 0 || cps[0].Reason != state.CheckpointError {
		t.Error("final error checkpoint missing")
	}
	if _, ok := c.PendingApproval(execID); ok {
		t.Error("approval token outlived the failed execution")
	}
}

func TestRecordAgentOutputRegistersArtifacts(t *testing.T) {
	c, _, store := newTestController(t, config.ControllerConfig{})
	execID := start(t, c)

	err := c.RecordAgentOutput(execID, "requirements-analyst", map[string]any{"stories": 12}, []ArtifactInput{
		{Name: "requirements.md", Content: []byte("# Requirements\n")},
	})
	if err != nil {
		t.Fatalf("RecordAgentOutput: %v", err)
	}

	arts, err := store.ListArtifacts(execID)
	if err != nil {
		t.Fatalf("ListArtifacts: %v", err)
	}
	if len(arts) != 1 || arts[0].Phase != 0 || arts[0].Agent != "requirements-analyst" {
		t.Fatalf("artifacts = %+v", arts)
	}

	exec, _ := c.Execution(execID)
	ps, _ := exec.Phase(0)
	if _, ok := ps.Outputs["requirements-analyst"]; !ok {
		t.Error("phase outputs missing the agent's entry")
	}
}

func TestCancelDropsWorkAndDiscardsLateOutput(t *testing.T) {
	c, _, store := newTestController(t, config.ControllerConfig{})
	execID := start(t, c)

	if err := c.Cancel(execID, "operator abort"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	exec, _ := c.Execution(execID)
	if exec.Status != state.ExecutionCancelled {
		t.Fatalf("status = %s, want %s", exec.Status, state.ExecutionCancelled)
	}
	if _, ok := c.PendingApproval(execID); ok {
		t.Error("approval token outlived cancellation")
	}

	// A late agent output is discarded, not recorded.
	if err := c.RecordAgentOutput(execID, "requirements-analyst", map[string]any{"late": true}, nil); err != nil {
		t.Fatalf("late output: %v", err)
	}
	ps, _ := exec.Phase(0)
	if len(ps.Outputs) != 0 {
		t.Error("late output was recorded after cancellation")
	}

	if _, err := c.EvaluateTransition(execID, workflow.ReasonApproved); !errors.Is(err, ErrExecutionTerminal) {
		t.Errorf("transition after cancel = %v, want ErrExecutionTerminal", err)
	}
	if err := c.Cancel(execID, "again"); !errors.Is(err, ErrExecutionTerminal) {
		t.Errorf("second cancel = %v, want ErrExecutionTerminal", err)
	}

	cps, _ := store.ListCheckpoints(execID)
	if len(cps) == 0 || cps[0].Reason != state.CheckpointManual {
		t.Error("cancellation checkpoint missing")
	}
}

func TestResumeReentersCheckpointedPhase(t *testing.T) {
	c, _, store := newTestController(t, config.ControllerConfig{})
	execID := start(t, c)
	approve(t, c, execID, 0)

	// Simulate a crash: the first controller goes away, a fresh one picks
	// the execution up from its latest checkpoint.
	c.Close()
	reg, err := registry.New(2, registryAgents())
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	rec := &recordingInvoker{}
	b := bus.New(testBusConfig(), rec)
	b.Start(context.Background())
	t.Cleanup(b.Stop)
	c2 := New(config.ControllerConfig{}, workflow.Default(), registry.NewHolder(reg), store, b)
	t.Cleanup(c2.Close)

	phase, err := c2.Resume(context.Background(), execID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if phase != 1 {
		t.Fatalf("resumed at phase %d, want 1", phase)
	}

	exec, _ := c2.Execution(execID)
	if exec.Status != state.ExecutionRunning {
		t.Errorf("status = %s, want %s", exec.Status, state.ExecutionRunning)
	}
	zero, _ := exec.Phase(0)
	if zero.Status != state.PhaseCompleted {
		t.Errorf("phase 0 after resume = %s, want %s", zero.Status, state.PhaseCompleted)
	}
	if _, ok := c2.PendingApproval(execID); !ok {
		t.Error("resumed approval phase has no pending token")
	}

	// The resumed run keeps working: approve onwards to phase 2.
	if next := approve(t, c2, execID, 1); next != 2 {
		t.Errorf("post-resume approval advanced to %d, want 2", next)
	}
}

func TestResumeLatestPicksResumableExecution(t *testing.T) {
	c, _, store := newTestController(t, config.ControllerConfig{})
	execID := start(t, c)
	c.Close()

	rec := &recordingInvoker{}
	b := bus.New(testBusConfig(), rec)
	b.Start(context.Background())
	t.Cleanup(b.Stop)
	reg, _ := registry.New(2, registryAgents())
	c2 := New(config.ControllerConfig{}, workflow.Default(), registry.NewHolder(reg), store, b)
	t.Cleanup(c2.Close)

	id, phase, err := c2.ResumeLatest(context.Background())
	if err != nil {
		t.Fatalf("ResumeLatest: %v", err)
	}
	if id != execID || phase != 0 {
		t.Errorf("resumed (%s, %d), want (%s, 0)", id, phase, execID)
	}
}

func TestRegistrySwapWaitsForRunningExecution(t *testing.T) {
	store, err := state.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	reg, _ := registry.New(1, registryAgents())
	holder := registry.NewHolder(reg)
	rec := &recordingInvoker{}
	b := bus.New(testBusConfig(), rec)
	b.Start(context.Background())
	t.Cleanup(b.Stop)
	c := New(config.ControllerConfig{}, workflow.Default(), holder, store, b)
	t.Cleanup(c.Close)

	execID := start(t, c)

	next, _ := registry.New(2, registryAgents())
	holder.Stage(next)
	if holder.Current().Version() != 1 {
		t.Fatal("staged registry applied while an execution was running")
	}

	if err := c.Cancel(execID, "done with it"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if holder.Current().Version() != 2 {
		t.Error("staged registry not applied after the execution terminated")
	}
}

func TestEventsAreEmittedNonBlocking(t *testing.T) {
	c, _, _ := newTestController(t, config.ControllerConfig{})
	execID := start(t, c)
	approve(t, c, execID, 0)

	seen := make(map[EventType]bool)
	for {
		select {
		case e := <-c.Events():
			seen[e.Type] = true
			continue
		default:
		}
		break
	}
	for _, want := range []EventType{EventStarted, EventPhaseEntered, EventApprovalRequested, EventApproved, EventTransitioned} {
		if !seen[want] {
			t.Errorf("event %s never emitted", want)
		}
	}
}
