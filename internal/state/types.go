// Package state persists executions, phase states, checkpoints, and
// artifacts across process restarts. All writes go through write-to-temp
// plus rename so a crash can never leave a half-written entity behind; the
// prior valid file always stands.
package state

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// ExecutionStatus represents the lifecycle status of an execution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "/running"
	ExecutionPaused    ExecutionStatus = "/paused"
	ExecutionCompleted ExecutionStatus = "/completed"
	ExecutionFailed    ExecutionStatus = "/failed"
	ExecutionCancelled ExecutionStatus = "/cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// PhaseStatus represents the status of a single phase within an execution.
type PhaseStatus string

const (
	PhasePending    PhaseStatus = "/pending"
	PhaseInProgress PhaseStatus = "/in_progress"
	PhaseCompleted  PhaseStatus = "/completed"
	PhaseFailed     PhaseStatus = "/failed"
	PhaseSkipped    PhaseStatus = "/skipped"
)

// phaseEdges is the only legal transition graph for phase states:
// pending -> in_progress -> {completed, failed, skipped}.
var phaseEdges = map[PhaseStatus][]PhaseStatus{
	PhasePending:    {PhaseInProgress},
	PhaseInProgress: {PhaseCompleted, PhaseFailed, PhaseSkipped},
}

// CanTransition reports whether from -> to is a declared edge.
func CanTransition(from, to PhaseStatus) bool {
	for _, next := range phaseEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PhaseState tracks one phase of one execution.
type PhaseState struct {
	Index     int                    `json:"index"`
	Name      string                 `json:"name"`
	Status    PhaseStatus            `json:"status"`
	Agents    []string               `json:"agents,omitempty"`
	StartedAt time.Time              `json:"started_at,omitzero"`
	EndedAt   time.Time              `json:"ended_at,omitzero"`
	Outputs   map[string]any         `json:"outputs,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// Transition moves the phase state along a declared edge.
func (p *PhaseState) Transition(to PhaseStatus) error {
	if !CanTransition(p.Status, to) {
		return fmt.Errorf("illegal phase status transition %s -> %s (phase %d)", p.Status, to, p.Index)
	}
	p.Status = to
	switch to {
	case PhaseInProgress:
		p.StartedAt = time.Now()
	case PhaseCompleted, PhaseFailed, PhaseSkipped:
		p.EndedAt = time.Now()
	}
	return nil
}

// Event is one entry of an execution's append-only event log.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Phase     int       `json:"phase"`
	Message   string    `json:"message,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// Execution is a single run of the workflow.
type Execution struct {
	ID           string          `json:"id"`
	Project      string          `json:"project"`
	Status       ExecutionStatus `json:"status"`
	CurrentPhase int             `json:"current_phase"`
	Phases       []PhaseState    `json:"phases"`
	Context      map[string]any  `json:"context,omitempty"`
	Events       []Event         `json:"events,omitempty"`

	StartedAt   time.Time     `json:"started_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	CompletedAt time.Time     `json:"completed_at,omitzero"`
	Duration    time.Duration `json:"duration_ns,omitempty"`
}

// AppendEvent records an event on the execution log.
func (e *Execution) AppendEvent(eventType string, phase int, message string, data any) {
	e.Events = append(e.Events, Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Phase:     phase,
		Message:   message,
		Data:      data,
	})
}

// Phase returns the phase state for the given index.
func (e *Execution) Phase(idx int) (*PhaseState, error) {
	for i := range e.Phases {
		if e.Phases[i].Index == idx {
			return &e.Phases[i], nil
		}
	}
	return nil, fmt.Errorf("execution %s has no phase %d", e.ID, idx)
}

// LastCompletedPhase returns the highest phase index in completed status,
// or -1 when none.
func (e *Execution) LastCompletedPhase() int {
	last := -1
	for _, p := range e.Phases {
		if p.Status == PhaseCompleted && p.Index > last {
			last = p.Index
		}
	}
	return last
}

// CheckpointReason labels why a checkpoint was captured.
type CheckpointReason string

const (
	CheckpointWorkflowStart CheckpointReason = "workflow_start"
	CheckpointPhaseComplete CheckpointReason = "phase_complete"
	CheckpointError         CheckpointReason = "error"
	CheckpointManual        CheckpointReason = "manual"
)

// Checkpoint is an immutable snapshot of an execution at a point in time.
type Checkpoint struct {
	ID              string           `json:"checkpoint_id"`
	ExecutionID     string           `json:"execution_id"`
	Phase           int              `json:"phase"`
	Reason          CheckpointReason `json:"reason"`
	CreatedAt       time.Time        `json:"created_at"`
	ExecutionState  *Execution       `json:"execution_state"`
	AdditionalState map[string]any   `json:"additional_state,omitempty"`
}

// ArtifactKind is the inferred classification of an artifact.
type ArtifactKind string

const (
	KindInfrastructure ArtifactKind = "infrastructure"
	KindSourceCode     ArtifactKind = "source-code"
	KindConfig         ArtifactKind = "config"
	KindDocumentation  ArtifactKind = "documentation"
	KindOther          ArtifactKind = "other"
)

// Artifact is a named, hashed output produced by an agent during a phase.
// Immutable once registered; new versions supersede rather than mutate.
type Artifact struct {
	ID          string       `json:"id"`
	ExecutionID string       `json:"execution_id"`
	Phase       int          `json:"phase"`
	Agent       string       `json:"agent"`
	Name        string       `json:"name"`
	Kind        ArtifactKind `json:"kind"`
	ContentHash string       `json:"content_hash"`
	Size        int64        `json:"size"`
	Version     int          `json:"version"`
	CreatedAt   time.Time    `json:"created_at"`

	// Content is carried in memory on registration; persisted separately
	// from the metadata sidecar.
	Content []byte `json:"-"`
}

// HashContent computes the canonical SHA-256 content hash.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// InferKind classifies an artifact from its logical name.
func InferKind(name string) ArtifactKind {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".bicep", ".tf", ".tfvars", ".arm":
		return KindInfrastructure
	case ".go", ".ts", ".tsx", ".js", ".py", ".cs", ".java", ".rs":
		return KindSourceCode
	case ".yaml", ".yml", ".toml", ".env", ".ini", ".conf":
		return KindConfig
	case ".md", ".rst", ".adoc", ".txt":
		return KindDocumentation
	}

	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "infra"), strings.Contains(lower, "template"):
		return KindInfrastructure
	case strings.Contains(lower, "config"):
		return KindConfig
	case strings.Contains(lower, "doc"), strings.Contains(lower, "runbook"), strings.Contains(lower, "readme"):
		return KindDocumentation
	}
	return KindOther
}
