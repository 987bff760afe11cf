package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Store manages run state on disk. Each run lives in its own directory
// under baseDir with a pipeline.json snapshot and per-worker subdirectories.
type Store struct {
	baseDir string
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// DefaultStore returns a Store at ~/.forgeline/runs, creating the directory
// if needed.
func DefaultStore() (*Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".forgeline", "runs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &Store{baseDir: dir}, nil
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// RunDir returns the directory for a run.
func (s *Store) RunDir(runID string) string {
	return filepath.Join(s.baseDir, runID)
}

// WorkerDir returns the isolated working directory for one worker of a run.
func (s *Store) WorkerDir(runID, worker string) string {
	return filepath.Join(s.RunDir(runID), "workers", worker)
}

func (s *Store) snapshotPath(runID string) string {
	return filepath.Join(s.RunDir(runID), "pipeline.json")
}

// Create initialises a new run on disk in the init phase.
func (s *Store) Create(name, firstPhase string) (*PipelineState, error) {
	runID := uuid.NewString()
	dir := s.RunDir(runID)
	if err := os.MkdirAll(filepath.Join(dir, "workers"), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir run dir: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	ps := &PipelineState{
		SchemaVersion:   SchemaVersion,
		RunID:           runID,
		Name:            name,
		CurrentPhase:    firstPhase,
		CompletedPhases: []string{},
		Status:          StatusPending,
		PhaseRetries:    map[string]int{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.Save(ps); err != nil {
		return nil, err
	}
	return ps, nil
}

// Save persists the snapshot atomically.
func (s *Store) Save(ps *PipelineState) error {
	ps.SchemaVersion = SchemaVersion
	ps.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	if err := WriteJSON(s.snapshotPath(ps.RunID), ps); err != nil {
		return fmt.Errorf("write pipeline.json: %w", err)
	}
	return nil
}

// Get reads the snapshot for a run. A missing file or a snapshot written
// with a different schema version both surface as ErrNotFound — a reader
// must never mis-parse a mismatched snapshot.
func (s *Store) Get(runID string) (*PipelineState, error) {
	var ps PipelineState
	if err := ReadJSON(s.snapshotPath(runID), &ps); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if ps.SchemaVersion != SchemaVersion {
		return nil, ErrNotFound
	}
	return &ps, nil
}

// Update performs a read-modify-write of the snapshot.
func (s *Store) Update(runID string, fn func(*PipelineState)) error {
	ps, err := s.Get(runID)
	if err != nil {
		return err
	}
	fn(ps)
	return s.Save(ps)
}

// List returns all runs, optionally filtered by status. Broken or
// incompatible snapshots are skipped rather than failing the listing.
func (s *Store) List(statusFilter string) ([]PipelineState, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", s.baseDir, err)
	}

	var runs []PipelineState
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		ps, err := s.Get(entry.Name())
		if err != nil {
			continue
		}
		if statusFilter == "" || ps.Status == statusFilter {
			runs = append(runs, *ps)
		}
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt < runs[j].CreatedAt
	})
	return runs, nil
}

// Delete removes all data for a run.
func (s *Store) Delete(runID string) error {
	dir := s.RunDir(runID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return ErrNotFound
	}
	return os.RemoveAll(dir)
}
