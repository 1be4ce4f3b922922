package controller

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"forgeflow/internal/logging"
	"forgeflow/internal/workflow"
)

// Decision is a human answer to a pending approval.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionRevise  Decision = "revise"
)

// ApprovalToken represents one outstanding approval gate. The execution's
// outbound dispatch stays suspended until the token is resolved or expires.
type ApprovalToken struct {
	ID          string    `json:"id"`
	ExecutionID string    `json:"execution_id"`
	Phase       int       `json:"phase"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`

	timer *time.Timer
}

// openApprovalLocked parks the execution behind a fresh token. Expiry resolves
// as a rejection unless configuration says otherwise.
func (c *Controller) openApprovalLocked(r *run, phase int) {
	now := time.Now()
	tok := &ApprovalToken{
		ID:          uuid.NewString(),
		ExecutionID: r.exec.ID,
		Phase:       phase,
		CreatedAt:   now,
		ExpiresAt:   now.Add(c.cfg.ApprovalExpiry),
	}
	tok.timer = time.AfterFunc(c.cfg.ApprovalExpiry, func() {
		c.expireApproval(r.exec.ID, tok.ID)
	})
	r.approval = tok

	r.exec.AppendEvent("approval_requested", phase, fmt.Sprintf("approval token %s expires at %s", tok.ID, tok.ExpiresAt.Format(time.RFC3339)), nil)
	logging.Controller("execution %s awaiting approval for phase %d (token=%s)", r.exec.ID, phase, tok.ID)
	c.emit(EventApprovalRequested, r.exec.ID, phase, tok.ID)
}

// closeApprovalLocked discards the pending token, if any, without resolving it.
func closeApprovalLocked(r *run) {
	if r.approval == nil {
		return
	}
	r.approval.timer.Stop()
	r.approval = nil
}

func (c *Controller) expireApproval(execID, tokenID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.runs[execID]
	if !ok || r.approval == nil || r.approval.ID != tokenID {
		return
	}
	decision := DecisionReject
	if c.cfg.ApproveOnExpiry {
		decision = DecisionApprove
	}
	logging.Controller("approval token %s for execution %s expired, resolving as %s", tokenID, execID, decision)
	if _, err := c.resolveApprovalLocked(r, decision, "approval token expired"); err != nil {
		logging.Get(logging.CategoryController).Error("expiry resolution for %s failed: %v", execID, err)
	}
}

// SubmitApproval resolves the pending approval token for the execution.
// The phase must match the token's phase; a decision against a stale phase is
// rejected rather than silently applied to the wrong gate.
func (c *Controller) SubmitApproval(execID string, phase int, decision Decision, feedback string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.runs[execID]
	if !ok {
		return 0, fmt.Errorf("execution %s: %w", execID, ErrUnknownExecution)
	}
	if r.exec.Status.Terminal() {
		return 0, fmt.Errorf("execution %s: %w", execID, ErrExecutionTerminal)
	}
	if r.approval == nil {
		return 0, fmt.Errorf("execution %s: %w", execID, ErrNoPendingApproval)
	}
	if r.approval.Phase != phase {
		return 0, fmt.Errorf("pending approval is for phase %d, not %d: %w", r.approval.Phase, phase, ErrApprovalMismatch)
	}
	switch decision {
	case DecisionApprove, DecisionReject, DecisionRevise:
	default:
		return 0, fmt.Errorf("unknown approval decision %q", decision)
	}
	return c.resolveApprovalLocked(r, decision, feedback)
}

// PendingApproval returns the outstanding token for an execution, if any.
func (c *Controller) PendingApproval(execID string) (ApprovalToken, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.runs[execID]
	if !ok || r.approval == nil {
		return ApprovalToken{}, false
	}
	return *r.approval, true
}

func (c *Controller) resolveApprovalLocked(r *run, decision Decision, feedback string) (int, error) {
	phase := r.approval.Phase
	closeApprovalLocked(r)
	r.exec.AppendEvent("approval_"+string(decision), phase, feedback, nil)

	switch decision {
	case DecisionRevise:
		// Rework the same phase under a fresh token.
		logging.Controller("execution %s phase %d sent back for revision", r.exec.ID, phase)
		if err := c.enterPhaseLocked(r, phase); err != nil {
			return 0, c.failLocked(r, err)
		}
		if err := c.store.SaveExecution(r.exec); err != nil {
			return 0, c.failLocked(r, err)
		}
		return phase, nil

	case DecisionReject:
		c.emit(EventRejected, r.exec.ID, phase, feedback)
		if phase == 5 {
			// Rejecting a live deployment unwinds it.
			return c.evaluateLocked(r, phase, workflow.ReasonDeployRejected)
		}
		return 0, c.failLocked(r, fmt.Errorf("phase %d rejected: %s", phase, feedback))

	default: // approve
		c.emit(EventApproved, r.exec.ID, phase, feedback)
		if phase == 4 {
			// Phase 4 additionally needs every validation gate to pass.
			r.gatesApproved = true
			return c.maybeAdvanceValidationLocked(r)
		}
		return c.evaluateLocked(r, phase, approveReason(phase))
	}
}

// approveReason maps an approval on a phase to the transition reason its exit
// edge is declared under. The graph is static, so the mapping is too.
func approveReason(phase int) workflow.Reason {
	switch phase {
	case 5:
		return workflow.ReasonDeploySucceeded
	case 11:
		return workflow.ReasonComplete
	default:
		return workflow.ReasonApproved
	}
}
