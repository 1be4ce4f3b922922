// Package bus routes phase messages to agents through four priority queues.
// The dispatcher drains strictly by priority class, serialises messages that
// belong to the same execution, and applies exponential-backoff retries with
// a dead-letter queue behind them.
package bus

import (
	"time"

	"github.com/google/uuid"
)

// MessageType classifies a routing unit.
type MessageType string

const (
	TypePhaseEntry         MessageType = "/phase_entry"
	TypeExecution          MessageType = "/execution"
	TypeValidationGate     MessageType = "/validation_gate"
	TypeDeploymentApproval MessageType = "/deployment_approval"
	TypeEscalation         MessageType = "/escalation"
	TypePhaseTransition    MessageType = "/phase_transition"
)

// Priority is the queue class a message lands in. Lower value drains first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow

	priorityCount = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	}
	return "UNKNOWN"
}

// MessageStatus is the lifecycle status of a message.
type MessageStatus string

const (
	StatusPending      MessageStatus = "/pending"
	StatusProcessing   MessageStatus = "/processing"
	StatusCompleted    MessageStatus = "/completed"
	StatusFailed       MessageStatus = "/failed"
	StatusRetrying     MessageStatus = "/retrying"
	StatusDeadLettered MessageStatus = "/dead_lettered"
)

// Message is a routing unit dispatched to one or more agents.
type Message struct {
	ID            string         `json:"id"`
	ExecutionID   string         `json:"execution_id"`
	Phase         int            `json:"phase"`
	Type          MessageType    `json:"type"`
	Payload       map[string]any `json:"payload,omitempty"`
	Targets       []string       `json:"targets"`
	Priority      Priority       `json:"priority"`
	NeedsApproval bool           `json:"needs_approval,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	RetryCount    int            `json:"retry_count"`
	Status        MessageStatus  `json:"status"`
	LastError     string         `json:"last_error,omitempty"`
}

// NewMessage builds a pending message with a fresh id and computed priority.
func NewMessage(execID string, phase int, msgType MessageType, targets []string, payload map[string]any) *Message {
	return &Message{
		ID:          uuid.NewString(),
		ExecutionID: execID,
		Phase:       phase,
		Type:        msgType,
		Payload:     payload,
		Targets:     targets,
		Priority:    ComputePriority(phase, msgType),
		CreatedAt:   time.Now(),
		Status:      StatusPending,
	}
}

// ComputePriority derives the queue class from the phase, then upgrades to
// CRITICAL for message types that must never queue behind routine work.
func ComputePriority(phase int, msgType MessageType) Priority {
	switch msgType {
	case TypeEscalation, TypeDeploymentApproval, TypeValidationGate:
		return PriorityCritical
	}

	switch {
	case phase >= 0 && phase <= 3:
		return PriorityHigh
	case phase == 4 || phase == 5:
		return PriorityCritical
	case phase >= 6 && phase <= 10:
		return PriorityNormal
	case phase == 11:
		return PriorityLow
	}
	return PriorityNormal
}
