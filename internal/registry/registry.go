// Package registry maps workflow phases to the role-specialised agents that
// can serve them. The registry is an immutable, versioned snapshot: lookups
// during an execution always see one consistent version, and manifest
// reloads are staged and swapped in only between executions.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Sentinel errors for lookups.
var (
	ErrUnknownPhase = errors.New("unknown phase")
	ErrUnknownAgent = errors.New("unknown agent")
)

// Agent describes a registered agent.
type Agent struct {
	ID           string   `json:"id" yaml:"id"`
	Role         string   `json:"role" yaml:"role"`
	Tier         int      `json:"tier" yaml:"tier"`
	Phases       []int    `json:"phases" yaml:"phases"`
	Predecessors []string `json:"predecessors,omitempty" yaml:"predecessors,omitempty"`
	Successors   []string `json:"successors,omitempty" yaml:"successors,omitempty"`
	InputSchema  string   `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
	OutputSchema string   `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`
	// RolePriority orders agents within a phase; lower runs first.
	RolePriority int `json:"role_priority" yaml:"role_priority"`
}

// Registry is an immutable snapshot of the agent catalogue.
type Registry struct {
	version int
	agents  map[string]Agent
	byPhase map[int][]string // ordered by role priority
}

// New builds a registry snapshot from agent descriptors.
func New(version int, agents []Agent) (*Registry, error) {
	r := &Registry{
		version: version,
		agents:  make(map[string]Agent, len(agents)),
		byPhase: make(map[int][]string),
	}

	for _, a := range agents {
		if a.ID == "" {
			return nil, fmt.Errorf("agent with empty id")
		}
		if _, dup := r.agents[a.ID]; dup {
			return nil, fmt.Errorf("duplicate agent id %q", a.ID)
		}
		r.agents[a.ID] = a
		for _, p := range a.Phases {
			r.byPhase[p] = append(r.byPhase[p], a.ID)
		}
	}

	// Order within each phase by role priority, id as tiebreaker.
	for p, ids := range r.byPhase {
		sort.SliceStable(ids, func(i, j int) bool {
			ai, aj := r.agents[ids[i]], r.agents[ids[j]]
			if ai.RolePriority != aj.RolePriority {
				return ai.RolePriority < aj.RolePriority
			}
			return ai.ID < aj.ID
		})
		r.byPhase[p] = ids
	}

	return r, nil
}

// Version returns the snapshot version.
func (r *Registry) Version() int {
	return r.version
}

// Agent returns the descriptor for an agent id.
func (r *Registry) Agent(id string) (Agent, error) {
	a, ok := r.agents[id]
	if !ok {
		return Agent{}, fmt.Errorf("agent %q: %w", id, ErrUnknownAgent)
	}
	return a, nil
}

// AgentsForPhase returns agent ids capable of serving the phase, ordered by
// declared role priority.
func (r *Registry) AgentsForPhase(phase int) ([]string, error) {
	ids, ok := r.byPhase[phase]
	if !ok {
		return nil, fmt.Errorf("phase %d: %w", phase, ErrUnknownPhase)
	}
	out := make([]string, len(ids))
	copy(out, ids)
	return out, nil
}

// AgentsByCapability filters a phase's agents by required role.
func (r *Registry) AgentsByCapability(phase int, role string) ([]string, error) {
	ids, err := r.AgentsForPhase(phase)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, id := range ids {
		if r.agents[id].Role == role {
			out = append(out, id)
		}
	}
	return out, nil
}

// AgentsByTier returns all agents of the given tier, ordered by id.
func (r *Registry) AgentsByTier(tier int) []string {
	var out []string
	for id, a := range r.agents {
		if a.Tier == tier {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// All returns every registered agent, ordered by id.
func (r *Registry) All() []Agent {
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// =============================================================================
// VERSIONED HOLDER - staged reloads applied between executions
// =============================================================================

// Holder owns the current registry snapshot and a staged replacement.
// Swap applies the staged snapshot only while no execution is running;
// the controller reports activity through Acquire/Release.
type Holder struct {
	mu      sync.RWMutex
	current *Registry
	staged  *Registry
	active  int // running executions pinning the current snapshot
}

// NewHolder creates a holder around an initial snapshot.
func NewHolder(initial *Registry) *Holder {
	return &Holder{current: initial}
}

// Current returns the active registry snapshot.
func (h *Holder) Current() *Registry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Stage records a replacement snapshot to be applied between executions.
// A later Stage overwrites an earlier one that never got applied.
func (h *Holder) Stage(next *Registry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.staged = next
	if h.active == 0 {
		h.applyLocked()
	}
}

// Acquire pins the current snapshot for a starting execution.
func (h *Holder) Acquire() *Registry {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active++
	return h.current
}

// Release unpins after an execution reaches a terminal state. If a staged
// snapshot is waiting and no executions remain, it becomes current.
func (h *Holder) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active > 0 {
		h.active--
	}
	if h.active == 0 {
		h.applyLocked()
	}
}

func (h *Holder) applyLocked() {
	if h.staged != nil {
		h.current = h.staged
		h.staged = nil
	}
}

// StagedVersion returns the staged snapshot version, or -1 when none.
func (h *Holder) StagedVersion() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.staged == nil {
		return -1
	}
	return h.staged.version
}
