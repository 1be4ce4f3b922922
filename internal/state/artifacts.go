package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"forgeflow/internal/logging"

	"github.com/google/uuid"
)

// RegisterArtifact stores an agent output as an immutable, hashed artifact.
// If an artifact with the same execution, name, and phase already exists,
// the new one gets the next version number; the old record is untouched.
func (s *Store) RegisterArtifact(execID string, phase int, agent, name string, content []byte) (*Artifact, error) {
	if name == "" {
		return nil, fmt.Errorf("artifact name cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	version := 1
	existing, err := s.listArtifactsLocked(execID)
	if err != nil {
		return nil, err
	}
	for _, a := range existing {
		if a.Name == name && a.Phase == phase && a.Version >= version {
			version = a.Version + 1
		}
	}

	art := &Artifact{
		ID:          uuid.NewString(),
		ExecutionID: execID,
		Phase:       phase,
		Agent:       agent,
		Name:        name,
		Kind:        InferKind(name),
		ContentHash: HashContent(content),
		Size:        int64(len(content)),
		Version:     version,
		CreatedAt:   time.Now(),
	}

	contentPath := filepath.Join(s.artifactsDir(), art.ID+".content")
	tmp := contentPath + ".tmp"
	if err := os.WriteFile(tmp, content, 0644); err != nil {
		return nil, fmt.Errorf("failed to write artifact content: %w", err)
	}
	if err := os.Rename(tmp, contentPath); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("failed to commit artifact content: %w", err)
	}

	if err := writeAtomic(filepath.Join(s.artifactsDir(), art.ID+".meta.json"), art); err != nil {
		os.Remove(contentPath)
		return nil, err
	}

	logging.State("registered artifact %s (%s v%d, %d bytes, kind=%s)", art.ID, name, version, art.Size, art.Kind)
	return art, nil
}

// LoadArtifact reads an artifact's metadata and content, verifying the
// stored hash against the bytes on disk.
func (s *Store) LoadArtifact(id string) (*Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	metaPath := filepath.Join(s.artifactsDir(), id+".meta.json")
	data, err := os.ReadFile(metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("artifact %s: %w", id, ErrArtifactNotFound)
		}
		return nil, fmt.Errorf("failed to read artifact metadata: %w", err)
	}

	var art Artifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, fmt.Errorf("failed to parse artifact metadata %s: %w", id, err)
	}

	content, err := os.ReadFile(filepath.Join(s.artifactsDir(), id+".content"))
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact content %s: %w", id, err)
	}
	if got := HashContent(content); got != art.ContentHash {
		return nil, fmt.Errorf("artifact %s: stored hash %s, computed %s: %w", id, art.ContentHash, got, ErrChecksumMismatch)
	}

	art.Content = content
	return &art, nil
}

// ListArtifacts returns an execution's artifact metadata (no content),
// ordered by phase then version.
func (s *Store) ListArtifacts(execID string) ([]*Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listArtifactsLocked(execID)
}

func (s *Store) listArtifactsLocked(execID string) ([]*Artifact, error) {
	entries, err := os.ReadDir(s.artifactsDir())
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}

	var out []*Artifact
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".meta.json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.artifactsDir(), name))
		if err != nil {
			continue
		}
		var art Artifact
		if err := json.Unmarshal(data, &art); err != nil {
			logging.Get(logging.CategoryState).Warn("skipping corrupt artifact metadata %s: %v", name, err)
			continue
		}
		if art.ExecutionID != execID {
			continue
		}
		out = append(out, &art)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Phase != out[j].Phase {
			return out[i].Phase < out[j].Phase
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

// LatestArtifact returns the highest version of a named artifact for an
// execution, or ErrArtifactNotFound.
func (s *Store) LatestArtifact(execID, name string) (*Artifact, error) {
	arts, err := s.ListArtifacts(execID)
	if err != nil {
		return nil, err
	}
	var best *Artifact
	for _, a := range arts {
		if a.Name != name {
			continue
		}
		if best == nil || a.Version > best.Version {
			best = a
		}
	}
	if best == nil {
		return nil, fmt.Errorf("artifact %q for execution %s: %w", name, execID, ErrArtifactNotFound)
	}
	return s.LoadArtifact(best.ID)
}
