// Package controller drives executions through the twelve-phase workflow:
// it owns the Execution lifecycle, enforces the transition table, parks
// executions at approval gates, fans out the parallel finalization group,
// and checkpoints state at every boundary.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"forgeflow/internal/bus"
	"forgeflow/internal/config"
	"forgeflow/internal/logging"
	"forgeflow/internal/registry"
	"forgeflow/internal/state"
	"forgeflow/internal/workflow"
)

// Sentinel errors.
var (
	ErrUnknownExecution  = errors.New("unknown execution")
	ErrExecutionTerminal = errors.New("execution is terminal")
	ErrNoPendingApproval = errors.New("no pending approval")
	ErrApprovalMismatch  = errors.New("approval phase mismatch")
	ErrUnknownGate       = errors.New("unknown validation gate")
)

// ProjectConfig seeds a new execution.
type ProjectConfig struct {
	Name    string         `json:"name"`
	Context map[string]any `json:"context,omitempty"`
}

// ArtifactInput is one artifact handed back by an agent.
type ArtifactInput struct {
	Name    string
	Content []byte
}

// joinState tracks the parallel finalization group between fan-out and join.
type joinState struct {
	token  string
	done   map[int]state.PhaseStatus
	failed bool
}

// run is the in-memory side of one execution: the pinned registry snapshot,
// the cancel token, and the gate bookkeeping the persisted record doesn't
// carry.
type run struct {
	exec   *state.Execution
	reg    *registry.Registry
	ctx    context.Context
	cancel context.CancelFunc

	approval *ApprovalToken
	join     *joinState

	// Phase-4 auto-validation bookkeeping.
	gateResults   map[string]bool
	gatesPassed   bool
	gatesApproved bool

	released bool
}

// Controller owns execution lifecycles.
type Controller struct {
	mu     sync.Mutex
	cfg    config.ControllerConfig
	def    *workflow.Definition
	agents *registry.Holder
	store  *state.Store
	bus    *bus.Bus

	runs   map[string]*run
	events chan Event
}

// New builds a controller over the workflow definition, the versioned agent
// registry, the state store, and the message bus.
func New(cfg config.ControllerConfig, def *workflow.Definition, agents *registry.Holder, store *state.Store, b *bus.Bus) *Controller {
	if cfg.ApprovalExpiry <= 0 {
		cfg.ApprovalExpiry = config.Default().Controller.ApprovalExpiry
	}
	return &Controller{
		cfg:    cfg,
		def:    def,
		agents: agents,
		store:  store,
		bus:    b,
		runs:   make(map[string]*run),
		events: make(chan Event, 64),
	}
}

// Close stops approval timers and cancel tokens for every tracked run. The
// persisted executions are untouched and can be resumed later.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.runs {
		closeApprovalLocked(r)
		r.cancel()
	}
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Start creates an execution for the project, persists the initial
// checkpoint, and publishes the phase_entry message for phase 0.
func (c *Controller) Start(ctx context.Context, project ProjectConfig) (string, error) {
	if project.Name == "" {
		return "", fmt.Errorf("project name is required")
	}

	phases := c.def.Phases()
	names := make([]string, len(phases))
	for i, p := range phases {
		names[i] = p.Name
	}

	exec := state.NewExecution(project.Name, names)
	for k, v := range project.Context {
		exec.Context[k] = v
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	rctx, cancel := context.WithCancel(ctx)
	r := &run{exec: exec, reg: c.agents.Acquire(), ctx: rctx, cancel: cancel}
	c.runs[exec.ID] = r

	exec.AppendEvent("workflow_started", 0, project.Name, nil)
	if err := c.enterPhaseLocked(r, 0); err != nil {
		return "", c.failLocked(r, err)
	}
	if _, err := c.store.CreateCheckpoint(exec, state.CheckpointWorkflowStart, nil); err != nil {
		return "", c.failLocked(r, err)
	}
	if err := c.store.SaveExecution(exec); err != nil {
		return "", c.failLocked(r, err)
	}

	logging.Controller("started execution %s for project %q", exec.ID, project.Name)
	c.emit(EventStarted, exec.ID, 0, project.Name)
	return exec.ID, nil
}

// Resume rebuilds a run from the execution's latest checkpoint and re-enters
// the phase that was in flight when the snapshot landed.
func (c *Controller) Resume(ctx context.Context, execID string) (int, error) {
	exec, cp, err := c.store.ResumeFromCheckpoint(execID)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, dup := c.runs[execID]; dup {
		return 0, fmt.Errorf("execution %s is already running", execID)
	}

	rctx, cancel := context.WithCancel(ctx)
	r := &run{exec: exec, reg: c.agents.Acquire(), ctx: rctx, cancel: cancel}
	c.runs[execID] = r

	if err := c.enterPhaseLocked(r, exec.CurrentPhase); err != nil {
		return 0, c.failLocked(r, err)
	}
	if err := c.store.SaveExecution(exec); err != nil {
		return 0, c.failLocked(r, err)
	}

	logging.Controller("resumed execution %s from checkpoint %s at phase %d", execID, cp.ID, exec.CurrentPhase)
	c.emit(EventStarted, execID, exec.CurrentPhase, "resumed")
	return exec.CurrentPhase, nil
}

// ResumeLatest resumes the most recently updated resumable execution.
func (c *Controller) ResumeLatest(ctx context.Context) (string, int, error) {
	point, err := c.store.ResumeLatest()
	if err != nil {
		return "", 0, err
	}
	phase, err := c.Resume(ctx, point.ExecutionID)
	return point.ExecutionID, phase, err
}

// Cancel stops the execution: pending bus messages are dropped, the pending
// approval token is discarded, and late agent outputs will be ignored.
func (c *Controller) Cancel(execID, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.runs[execID]
	if !ok {
		return fmt.Errorf("execution %s: %w", execID, ErrUnknownExecution)
	}
	if r.exec.Status.Terminal() {
		return fmt.Errorf("execution %s: %w", execID, ErrExecutionTerminal)
	}

	closeApprovalLocked(r)
	c.bus.CancelExecution(execID)
	r.exec.Status = state.ExecutionCancelled
	r.exec.AppendEvent("cancelled", r.exec.CurrentPhase, reason, nil)
	if _, err := c.store.CreateCheckpoint(r.exec, state.CheckpointManual, map[string]any{"reason": reason}); err != nil {
		logging.Get(logging.CategoryController).Error("cancel checkpoint for %s failed: %v", execID, err)
	}
	if err := c.store.SaveExecution(r.exec); err != nil {
		return err
	}
	c.releaseLocked(r)

	logging.Controller("cancelled execution %s: %s", execID, reason)
	c.emit(EventCancelled, execID, r.exec.CurrentPhase, reason)
	return nil
}

// Execution returns the tracked execution record, falling back to the store
// for executions this controller instance never ran.
func (c *Controller) Execution(execID string) (*state.Execution, error) {
	c.mu.Lock()
	r, ok := c.runs[execID]
	c.mu.Unlock()
	if ok {
		return r.exec, nil
	}
	return c.store.LoadExecution(execID)
}

// =============================================================================
// AGENT OUTPUT
// =============================================================================

// RecordAgentOutput stores an agent's phase outputs and registers produced
// artifacts. Outputs arriving after cancellation are discarded.
func (c *Controller) RecordAgentOutput(execID, agentID string, output map[string]any, artifacts []ArtifactInput) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.runs[execID]
	if !ok {
		return fmt.Errorf("execution %s: %w", execID, ErrUnknownExecution)
	}
	if r.exec.Status == state.ExecutionCancelled || r.ctx.Err() != nil {
		logging.Controller("discarding output from %s for cancelled execution %s", agentID, execID)
		return nil
	}
	if r.exec.Status.Terminal() {
		return fmt.Errorf("execution %s: %w", execID, ErrExecutionTerminal)
	}

	phase := c.phaseForAgentLocked(r, agentID)
	ps, err := r.exec.Phase(phase)
	if err != nil {
		return err
	}
	if ps.Outputs == nil {
		ps.Outputs = make(map[string]any)
	}
	ps.Outputs[agentID] = output

	for _, a := range artifacts {
		if _, err := c.store.RegisterArtifact(execID, phase, agentID, a.Name, a.Content); err != nil {
			return fmt.Errorf("failed to register artifact %q from %s: %w", a.Name, agentID, err)
		}
	}

	r.exec.AppendEvent("agent_output", phase, agentID, map[string]any{"artifacts": len(artifacts)})
	return c.store.SaveExecution(r.exec)
}

// phaseForAgentLocked resolves which active phase an agent's output belongs
// to. During fan-out two phases are live at once, so the agent's declared
// phases disambiguate.
func (c *Controller) phaseForAgentLocked(r *run, agentID string) int {
	active := []int{r.exec.CurrentPhase}
	if r.join != nil {
		active = c.def.ParallelSiblings()
	}

	if a, err := r.reg.Agent(agentID); err == nil {
		for _, p := range active {
			for _, ap := range a.Phases {
				if ap == p {
					return p
				}
			}
		}
	}
	for _, p := range active {
		if ph, err := c.def.Phase(p); err == nil {
			for _, id := range ph.Agents {
				if id == agentID {
					return p
				}
			}
		}
	}
	return r.exec.CurrentPhase
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// EvaluateTransition resolves a transition from the execution's current
// phase. The returned value is the entered phase, or a pseudo-phase for
// END/ESCALATION/ROLLBACK outcomes.
func (c *Controller) EvaluateTransition(execID string, reason workflow.Reason) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, err := c.activeRunLocked(execID)
	if err != nil {
		return 0, err
	}
	return c.evaluateLocked(r, r.exec.CurrentPhase, reason)
}

// EvaluatePhase resolves a transition for an explicit phase. While the
// finalization group runs in parallel, the current phase alone is ambiguous
// and sibling completions must name their phase.
func (c *Controller) EvaluatePhase(execID string, phase int, reason workflow.Reason) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, err := c.activeRunLocked(execID)
	if err != nil {
		return 0, err
	}
	return c.evaluateLocked(r, phase, reason)
}

func (c *Controller) activeRunLocked(execID string) (*run, error) {
	r, ok := c.runs[execID]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", execID, ErrUnknownExecution)
	}
	if r.exec.Status.Terminal() {
		return nil, fmt.Errorf("execution %s: %w", execID, ErrExecutionTerminal)
	}
	return r, nil
}

func (c *Controller) evaluateLocked(r *run, from int, reason workflow.Reason) (int, error) {
	if r.ctx.Err() != nil {
		return 0, fmt.Errorf("execution %s: %w", r.exec.ID, ErrExecutionTerminal)
	}
	if reason == workflow.ReasonEscalate {
		return workflow.PhaseEscalation, c.escalateLocked(r, from, string(reason))
	}
	if r.join != nil {
		for _, sib := range c.def.ParallelSiblings() {
			if from == sib {
				return c.completeSiblingLocked(r, from, reason)
			}
		}
	}

	next, err := c.def.Next(from, reason)
	if err != nil {
		var inv *workflow.ErrInvalidTransition
		if errors.As(err, &inv) {
			// An undeclared edge means the orchestration itself went
			// wrong; that is fatal for the execution.
			return 0, c.failLocked(r, err)
		}
		return 0, err
	}

	switch next {
	case workflow.PhaseEnd:
		return workflow.PhaseEnd, c.completeLocked(r, from)
	case workflow.PhaseEscalation:
		return workflow.PhaseEscalation, c.escalateLocked(r, from, string(reason))
	case workflow.PhaseRollback:
		return workflow.PhaseRollback, c.rollbackLocked(r, from, string(reason))
	}

	ps, err := r.exec.Phase(from)
	if err != nil {
		return 0, c.failLocked(r, err)
	}

	cpReason := state.CheckpointPhaseComplete
	switch reason {
	case workflow.ReasonValidationFailed, workflow.ReasonCostTooHigh, workflow.ReasonMajorChanges:
		// Declared back-edge: the attempt failed and the target phase
		// reruns.
		ps.Error = string(reason)
		if terr := ps.Transition(state.PhaseFailed); terr != nil {
			return 0, c.failLocked(r, terr)
		}
		cpReason = state.CheckpointError
	default:
		if terr := ps.Transition(state.PhaseCompleted); terr != nil {
			return 0, c.failLocked(r, terr)
		}
	}

	closeApprovalLocked(r)
	c.publishTransitionLocked(r, from, next, reason)

	if c.def.IsFanOut(from, reason) {
		return c.fanOutLocked(r, cpReason)
	}

	if err := c.enterPhaseLocked(r, next); err != nil {
		return 0, c.failLocked(r, err)
	}
	if _, err := c.store.CreateCheckpoint(r.exec, cpReason, map[string]any{
		"from": from, "to": next, "reason": string(reason),
	}); err != nil {
		return 0, c.failLocked(r, err)
	}
	if err := c.store.SaveExecution(r.exec); err != nil {
		return 0, c.failLocked(r, err)
	}

	logging.Controller("execution %s transitioned %d -> %d on %s", r.exec.ID, from, next, reason)
	c.emit(EventTransitioned, r.exec.ID, next, string(reason))
	return next, nil
}

// enterPhaseLocked marks the phase in progress and publishes its phase_entry
// message. Re-entering a phase along a declared back-edge resets the prior
// attempt first.
func (c *Controller) enterPhaseLocked(r *run, phase int) error {
	ph, err := c.def.Phase(phase)
	if err != nil {
		return err
	}
	ps, err := r.exec.Phase(phase)
	if err != nil {
		return err
	}
	if ps.Status != state.PhasePending {
		resetPhase(ps)
	}
	if err := ps.Transition(state.PhaseInProgress); err != nil {
		return err
	}

	targets := c.targetsForLocked(r, phase, ph)
	ps.Agents = targets
	r.exec.CurrentPhase = phase

	payload := map[string]any{
		"phase_name": ph.Name,
		"purpose":    ph.Purpose,
	}
	if r.join != nil && ph.ParallelGroup != "" {
		payload["join_token"] = r.join.token
	}
	msg := bus.NewMessage(r.exec.ID, phase, bus.TypePhaseEntry, targets, payload)
	msg.NeedsApproval = ph.ApprovalRequired
	if _, err := c.bus.Publish(msg); err != nil {
		return fmt.Errorf("failed to publish phase_entry for phase %d: %w", phase, err)
	}

	if gates := c.def.ValidationGates(phase); len(gates) > 0 {
		r.gateResults = make(map[string]bool, len(gates))
		r.gatesPassed = false
		r.gatesApproved = false
		gm := bus.NewMessage(r.exec.ID, phase, bus.TypeValidationGate, targets, map[string]any{"gates": gates})
		if _, err := c.bus.Publish(gm); err != nil {
			return fmt.Errorf("failed to publish validation_gate for phase %d: %w", phase, err)
		}
	} else {
		r.gateResults = nil
	}

	if ph.ApprovalRequired {
		c.openApprovalLocked(r, phase)
	}

	r.exec.AppendEvent("phase_entered", phase, ph.Name, nil)
	c.emit(EventPhaseEntered, r.exec.ID, phase, ph.Name)
	return nil
}

func (c *Controller) targetsForLocked(r *run, phase int, ph workflow.Phase) []string {
	if ids, err := r.reg.AgentsForPhase(phase); err == nil && len(ids) > 0 {
		return ids
	}
	return ph.Agents
}

func (c *Controller) publishTransitionLocked(r *run, from, to int, reason workflow.Reason) {
	ph, err := c.def.Phase(from)
	if err != nil {
		return
	}
	msg := bus.NewMessage(r.exec.ID, from, bus.TypePhaseTransition, c.targetsForLocked(r, from, ph), map[string]any{
		"from":   from,
		"to":     to,
		"reason": string(reason),
	})
	if _, err := c.bus.Publish(msg); err != nil {
		logging.Get(logging.CategoryController).Warn("transition notification for %s dropped: %v", r.exec.ID, err)
	}
}

// resetPhase prepares a phase state for a rerun along a declared back-edge.
func resetPhase(ps *state.PhaseState) {
	*ps = state.PhaseState{Index: ps.Index, Name: ps.Name, Status: state.PhasePending}
}

// =============================================================================
// PHASE-4 AUTO-VALIDATION
// =============================================================================

// ReportValidationGate records one named gate's verdict for the execution's
// validation phase. Once every declared gate has reported, the controller
// either loops the phase back (any failure) or, together with the human
// approval, advances it.
func (c *Controller) ReportValidationGate(execID, gate string, passed bool, detail string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, err := c.activeRunLocked(execID)
	if err != nil {
		return 0, err
	}
	if r.gateResults == nil {
		return 0, fmt.Errorf("execution %s is not in a validation phase", execID)
	}

	phase := r.exec.CurrentPhase
	gates := c.def.ValidationGates(phase)
	if !containsGate(gates, gate) {
		return 0, fmt.Errorf("gate %q: %w", gate, ErrUnknownGate)
	}

	r.gateResults[gate] = passed
	r.exec.AppendEvent("validation_gate", phase, gate, map[string]any{"passed": passed, "detail": detail})
	logging.Controller("execution %s gate %s: passed=%v (%d/%d reported)", execID, gate, passed, len(r.gateResults), len(gates))

	if len(r.gateResults) < len(gates) {
		return phase, c.store.SaveExecution(r.exec)
	}

	for _, g := range gates {
		if !r.gateResults[g] {
			return c.evaluateLocked(r, phase, workflow.ReasonValidationFailed)
		}
	}
	r.gatesPassed = true
	return c.maybeAdvanceValidationLocked(r)
}

// maybeAdvanceValidationLocked advances out of the validation phase only when
// both conditions hold: all gates passed and the human approved.
func (c *Controller) maybeAdvanceValidationLocked(r *run) (int, error) {
	if !r.gatesPassed || !r.gatesApproved {
		return r.exec.CurrentPhase, c.store.SaveExecution(r.exec)
	}
	return c.evaluateLocked(r, r.exec.CurrentPhase, workflow.ReasonValidationPassed)
}

func containsGate(gates []string, gate string) bool {
	for _, g := range gates {
		if g == gate {
			return true
		}
	}
	return false
}

// =============================================================================
// PARALLEL FAN-OUT / JOIN
// =============================================================================

func (c *Controller) fanOutLocked(r *run, cpReason state.CheckpointReason) (int, error) {
	r.join = &joinState{
		token: uuid.NewString(),
		done:  make(map[int]state.PhaseStatus),
	}
	siblings := c.def.ParallelSiblings()
	for _, p := range siblings {
		if err := c.enterPhaseLocked(r, p); err != nil {
			return 0, c.failLocked(r, err)
		}
	}
	if _, err := c.store.CreateCheckpoint(r.exec, cpReason, map[string]any{"join_token": r.join.token}); err != nil {
		return 0, c.failLocked(r, err)
	}
	if err := c.store.SaveExecution(r.exec); err != nil {
		return 0, c.failLocked(r, err)
	}

	logging.Controller("execution %s fanned out to %v (join_token=%s)", r.exec.ID, siblings, r.join.token)
	c.emit(EventFanOut, r.exec.ID, siblings[0], r.join.token)
	return siblings[0], nil
}

// completeSiblingLocked records a parallel sibling's terminal state. The join
// fires exactly once, when the last sibling lands and none failed; a failed
// sibling fails the execution only after the other one is terminal.
func (c *Controller) completeSiblingLocked(r *run, phase int, reason workflow.Reason) (int, error) {
	ps, err := r.exec.Phase(phase)
	if err != nil {
		return 0, c.failLocked(r, err)
	}

	cpReason := state.CheckpointPhaseComplete
	if reason == workflow.ReasonComplete {
		if terr := ps.Transition(state.PhaseCompleted); terr != nil {
			return 0, fmt.Errorf("sibling phase %d: %w", phase, terr)
		}
	} else {
		ps.Error = string(reason)
		if terr := ps.Transition(state.PhaseFailed); terr != nil {
			return 0, fmt.Errorf("sibling phase %d: %w", phase, terr)
		}
		r.join.failed = true
		cpReason = state.CheckpointError
	}
	r.join.done[phase] = ps.Status

	if len(r.join.done) < len(c.def.ParallelSiblings()) {
		// Wait for the sibling to reach a terminal state.
		if _, err := c.store.CreateCheckpoint(r.exec, cpReason, map[string]any{"phase": phase}); err != nil {
			return 0, c.failLocked(r, err)
		}
		return phase, c.store.SaveExecution(r.exec)
	}

	if r.join.failed {
		r.join = nil
		return 0, c.failLocked(r, errors.New("parallel finalization group failed"))
	}

	target := c.def.JoinTarget()
	r.join = nil
	if err := c.enterPhaseLocked(r, target); err != nil {
		return 0, c.failLocked(r, err)
	}
	if _, err := c.store.CreateCheckpoint(r.exec, state.CheckpointPhaseComplete, map[string]any{"joined": target}); err != nil {
		return 0, c.failLocked(r, err)
	}
	if err := c.store.SaveExecution(r.exec); err != nil {
		return 0, c.failLocked(r, err)
	}

	logging.Controller("execution %s joined into phase %d", r.exec.ID, target)
	c.emit(EventJoined, r.exec.ID, target, "")
	return target, nil
}

// =============================================================================
// TERMINAL OUTCOMES
// =============================================================================

func (c *Controller) completeLocked(r *run, from int) error {
	ps, err := r.exec.Phase(from)
	if err != nil {
		return c.failLocked(r, err)
	}
	if err := ps.Transition(state.PhaseCompleted); err != nil {
		return c.failLocked(r, err)
	}

	r.exec.Status = state.ExecutionCompleted
	r.exec.AppendEvent("workflow_completed", from, "", nil)
	if _, err := c.store.CreateCheckpoint(r.exec, state.CheckpointPhaseComplete, nil); err != nil {
		return err
	}
	if err := c.store.SaveExecution(r.exec); err != nil {
		return err
	}
	closeApprovalLocked(r)
	c.releaseLocked(r)

	logging.Controller("execution %s completed", r.exec.ID)
	c.emit(EventCompleted, r.exec.ID, from, "")
	return nil
}

// escalateLocked publishes a CRITICAL escalation and pauses the execution
// pending human action. The execution is not terminal; it can be resumed or
// cancelled by an operator.
func (c *Controller) escalateLocked(r *run, phase int, cause string) error {
	msg := bus.NewMessage(r.exec.ID, phase, bus.TypeEscalation, []string{"escalation-handler"}, map[string]any{
		"phase":  phase,
		"reason": cause,
	})
	if _, err := c.bus.Publish(msg); err != nil {
		logging.Get(logging.CategoryController).Error("escalation publish for %s failed: %v", r.exec.ID, err)
	}

	closeApprovalLocked(r)
	r.exec.Status = state.ExecutionPaused
	r.exec.AppendEvent("escalated", phase, cause, nil)
	if _, err := c.store.CreateCheckpoint(r.exec, state.CheckpointError, map[string]any{"cause": cause}); err != nil {
		return err
	}
	if err := c.store.SaveExecution(r.exec); err != nil {
		return err
	}

	logging.Controller("execution %s escalated at phase %d: %s", r.exec.ID, phase, cause)
	c.emit(EventEscalated, r.exec.ID, phase, cause)
	return nil
}

// rollbackLocked unwinds a rejected deployment: every artifact the deployment
// phase produced is marked for removal, the execution fails, an escalation is
// emitted, and a final checkpoint is written.
func (c *Controller) rollbackLocked(r *run, phase int, cause string) error {
	var marked []string
	if arts, err := c.store.ListArtifacts(r.exec.ID); err == nil {
		for _, a := range arts {
			if a.Phase == phase {
				marked = append(marked, a.ID)
			}
		}
	}
	r.exec.Context["rollback_resources"] = marked
	r.exec.AppendEvent("rollback", phase, "deployment resources marked for removal", marked)

	msg := bus.NewMessage(r.exec.ID, phase, bus.TypeEscalation, []string{"escalation-handler"}, map[string]any{
		"phase":              phase,
		"reason":             cause,
		"rollback_resources": marked,
	})
	if _, err := c.bus.Publish(msg); err != nil {
		logging.Get(logging.CategoryController).Error("rollback escalation publish for %s failed: %v", r.exec.ID, err)
	}

	if ps, err := r.exec.Phase(phase); err == nil && ps.Status == state.PhaseInProgress {
		ps.Error = cause
		_ = ps.Transition(state.PhaseFailed)
	}

	closeApprovalLocked(r)
	r.exec.Status = state.ExecutionFailed
	if _, err := c.store.CreateCheckpoint(r.exec, state.CheckpointError, map[string]any{
		"cause":              cause,
		"rollback_resources": marked,
	}); err != nil {
		return err
	}
	if err := c.store.SaveExecution(r.exec); err != nil {
		return err
	}
	c.releaseLocked(r)

	logging.Controller("execution %s rolled back at phase %d (%d resources marked)", r.exec.ID, phase, len(marked))
	c.emit(EventRolledBack, r.exec.ID, phase, cause)
	return nil
}

// failLocked marks the execution failed, writes the final checkpoint, and
// returns the cause so callers can propagate it.
func (c *Controller) failLocked(r *run, cause error) error {
	if r.exec.Status.Terminal() {
		return cause
	}

	if ps, err := r.exec.Phase(r.exec.CurrentPhase); err == nil && ps.Status == state.PhaseInProgress {
		ps.Error = cause.Error()
		_ = ps.Transition(state.PhaseFailed)
	}

	closeApprovalLocked(r)
	r.exec.Status = state.ExecutionFailed
	r.exec.AppendEvent("failed", r.exec.CurrentPhase, cause.Error(), nil)
	if _, err := c.store.CreateCheckpoint(r.exec, state.CheckpointError, map[string]any{"cause": cause.Error()}); err != nil {
		logging.Get(logging.CategoryController).Error("final checkpoint for %s failed: %v", r.exec.ID, err)
	}
	if err := c.store.SaveExecution(r.exec); err != nil {
		logging.Get(logging.CategoryController).Error("final save for %s failed: %v", r.exec.ID, err)
	}
	c.releaseLocked(r)

	logging.Get(logging.CategoryController).Error("execution %s failed: %v", r.exec.ID, cause)
	c.emit(EventFailed, r.exec.ID, r.exec.CurrentPhase, cause.Error())
	return cause
}

// releaseLocked unpins the registry snapshot once, on the first terminal
// outcome, and cancels the run's token.
func (c *Controller) releaseLocked(r *run) {
	if r.released {
		return
	}
	r.released = true
	r.cancel()
	c.agents.Release()
}
