package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"forgeflow/internal/logging"

	"github.com/google/uuid"
)

// Sentinel errors for store lookups.
var (
	ErrExecutionNotFound  = errors.New("execution not found")
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrArtifactNotFound   = errors.New("artifact not found")
	ErrChecksumMismatch   = errors.New("artifact content hash mismatch")
)

// Store is the file-backed persistence layer. Layout under the root:
//
//	state/executions/<exec-id>.json
//	state/checkpoints/<exec-id>/chk-<ts>-<rand>.json
//	artifacts/<artifact-id>.meta.json
//	artifacts/<artifact-id>.content
//	backups/
//	audit/
type Store struct {
	mu   sync.RWMutex
	root string
}

// NewStore opens (and creates if needed) a store rooted at dir.
func NewStore(root string) (*Store, error) {
	s := &Store{root: root}
	for _, sub := range []string{
		s.executionsDir(),
		filepath.Join(root, "state", "checkpoints"),
		s.artifactsDir(),
		filepath.Join(root, "backups"),
		filepath.Join(root, "audit"),
	} {
		if err := os.MkdirAll(sub, 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory %s: %w", sub, err)
		}
	}
	return s, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

func (s *Store) executionsDir() string {
	return filepath.Join(s.root, "state", "executions")
}

func (s *Store) checkpointsDir(execID string) string {
	return filepath.Join(s.root, "state", "checkpoints", execID)
}

func (s *Store) artifactsDir() string {
	return filepath.Join(s.root, "artifacts")
}

// writeAtomic marshals v with indentation and writes it through a temp file
// plus rename. Readers never observe a partially written entity.
func writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit %s: %w", filepath.Base(path), err)
	}
	return nil
}

// =============================================================================
// EXECUTIONS
// =============================================================================

// NewExecution creates a fresh execution record with every phase pending.
// The record is not persisted until SaveExecution.
func NewExecution(project string, phaseNames []string) *Execution {
	now := time.Now()
	exec := &Execution{
		ID:           uuid.NewString(),
		Project:      project,
		Status:       ExecutionRunning,
		CurrentPhase: 0,
		Phases:       make([]PhaseState, len(phaseNames)),
		Context:      make(map[string]any),
		StartedAt:    now,
		UpdatedAt:    now,
	}
	for i, name := range phaseNames {
		exec.Phases[i] = PhaseState{Index: i, Name: name, Status: PhasePending}
	}
	return exec
}

// SaveExecution persists the execution record.
func (s *Store) SaveExecution(exec *Execution) error {
	if exec.ID == "" {
		return fmt.Errorf("cannot save execution with empty id")
	}
	exec.UpdatedAt = time.Now()
	if exec.Status.Terminal() && exec.CompletedAt.IsZero() {
		exec.CompletedAt = exec.UpdatedAt
		exec.Duration = exec.CompletedAt.Sub(exec.StartedAt)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.executionsDir(), exec.ID+".json")
	if err := writeAtomic(path, exec); err != nil {
		return err
	}
	logging.StateDebug("saved execution %s (status=%s phase=%d)", exec.ID, exec.Status, exec.CurrentPhase)
	return nil
}

// LoadExecution reads one execution by id.
func (s *Store) LoadExecution(id string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadExecutionLocked(id)
}

func (s *Store) loadExecutionLocked(id string) (*Execution, error) {
	path := filepath.Join(s.executionsDir(), id+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("execution %s: %w", id, ErrExecutionNotFound)
		}
		return nil, fmt.Errorf("failed to read execution %s: %w", id, err)
	}

	var exec Execution
	if err := json.Unmarshal(data, &exec); err != nil {
		return nil, fmt.Errorf("failed to parse execution %s: %w", id, err)
	}
	return &exec, nil
}

// ListExecutions returns every persisted execution, newest first.
func (s *Store) ListExecutions() ([]*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.executionsDir())
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}

	var out []*Execution
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".tmp") {
			continue
		}
		exec, err := s.loadExecutionLocked(strings.TrimSuffix(name, ".json"))
		if err != nil {
			logging.Get(logging.CategoryState).Warn("skipping unreadable execution file %s: %v", name, err)
			continue
		}
		out = append(out, exec)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

// DeleteExecution removes an execution record and its checkpoints.
func (s *Store) DeleteExecution(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.executionsDir(), id+".json")
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("execution %s: %w", id, ErrExecutionNotFound)
		}
		return fmt.Errorf("failed to delete execution %s: %w", id, err)
	}
	os.RemoveAll(s.checkpointsDir(id))
	return nil
}

// =============================================================================
// CHECKPOINTS
// =============================================================================

// CreateCheckpoint snapshots the execution under a new checkpoint id.
// The snapshot is a deep copy made via the JSON round trip, so later
// mutation of exec cannot alter an already written checkpoint.
func (s *Store) CreateCheckpoint(exec *Execution, reason CheckpointReason, additional map[string]any) (*Checkpoint, error) {
	snapshot, err := cloneExecution(exec)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	chk := &Checkpoint{
		ID:              fmt.Sprintf("chk-%d-%s", now.UnixMilli(), uuid.NewString()[:8]),
		ExecutionID:     exec.ID,
		Phase:           exec.CurrentPhase,
		Reason:          reason,
		CreatedAt:       now,
		ExecutionState:  snapshot,
		AdditionalState: additional,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.checkpointsDir(exec.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	if err := writeAtomic(filepath.Join(dir, chk.ID+".json"), chk); err != nil {
		return nil, err
	}

	logging.State("checkpoint %s captured for %s (phase=%d reason=%s)", chk.ID, exec.ID, chk.Phase, reason)
	return chk, nil
}

// LoadCheckpoint reads one checkpoint by execution and checkpoint id.
func (s *Store) LoadCheckpoint(execID, checkpointID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	path := filepath.Join(s.checkpointsDir(execID), checkpointID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("checkpoint %s/%s: %w", execID, checkpointID, ErrCheckpointNotFound)
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var chk Checkpoint
	if err := json.Unmarshal(data, &chk); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint %s: %w", checkpointID, err)
	}
	return &chk, nil
}

// ListCheckpoints returns an execution's checkpoints, newest first.
func (s *Store) ListCheckpoints(execID string) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dir := s.checkpointsDir(execID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list checkpoints for %s: %w", execID, err)
	}

	var out []*Checkpoint
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		var chk Checkpoint
		if err := json.Unmarshal(data, &chk); err != nil {
			logging.Get(logging.CategoryState).Warn("skipping corrupt checkpoint %s: %v", name, err)
			continue
		}
		out = append(out, &chk)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// ResumePoint describes where a resumable execution should pick up.
type ResumePoint struct {
	ExecutionID string         `json:"execution_id"`
	ResumePhase int            `json:"resume_phase"`
	Context     map[string]any `json:"context,omitempty"`
}

// ResumeLatest selects the most recently updated execution whose status is
// running, paused, or failed. The resume phase is the one after the last
// completed phase, or 0 when nothing completed.
func (s *Store) ResumeLatest() (*ResumePoint, error) {
	execs, err := s.ListExecutions()
	if err != nil {
		return nil, err
	}

	var best *Execution
	for _, e := range execs {
		switch e.Status {
		case ExecutionRunning, ExecutionPaused, ExecutionFailed:
		default:
			continue
		}
		if best == nil || e.UpdatedAt.After(best.UpdatedAt) {
			best = e
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no resumable execution: %w", ErrExecutionNotFound)
	}

	return &ResumePoint{
		ExecutionID: best.ID,
		ResumePhase: best.LastCompletedPhase() + 1,
		Context:     best.Context,
	}, nil
}

// ResumeFromCheckpoint loads the most recent checkpoint for an execution and
// returns a fresh copy of the captured state, ready to re-enter the phase it
// was in.
func (s *Store) ResumeFromCheckpoint(execID string) (*Execution, *Checkpoint, error) {
	checkpoints, err := s.ListCheckpoints(execID)
	if err != nil {
		return nil, nil, err
	}
	if len(checkpoints) == 0 {
		return nil, nil, fmt.Errorf("execution %s has no checkpoints: %w", execID, ErrCheckpointNotFound)
	}

	latest := checkpoints[0]
	exec, err := cloneExecution(latest.ExecutionState)
	if err != nil {
		return nil, nil, err
	}

	// Whatever was mid-flight when the snapshot landed restarts cleanly.
	for i := range exec.Phases {
		if exec.Phases[i].Status == PhaseInProgress {
			exec.Phases[i].Status = PhasePending
			exec.Phases[i].StartedAt = time.Time{}
		}
	}
	exec.Status = ExecutionRunning
	exec.AppendEvent("resumed", exec.CurrentPhase, fmt.Sprintf("resumed from checkpoint %s", latest.ID), nil)

	logging.State("execution %s resumed from checkpoint %s (phase=%d)", execID, latest.ID, exec.CurrentPhase)
	return exec, latest, nil
}

func cloneExecution(exec *Execution) (*Execution, error) {
	data, err := json.Marshal(exec)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot execution %s: %w", exec.ID, err)
	}
	var out Execution
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to restore execution snapshot: %w", err)
	}
	return &out, nil
}
