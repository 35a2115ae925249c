// Package memory implements the run store with in-process maps. It backs
// tests and ephemeral runs; nothing survives the process, so resume across
// invocations needs the sqlite store instead.
package memory

import (
	"context"
	"sync"

	"github.com/dwiprep/dwiprep/internal/domain"
)

type cacheKey struct {
	participant domain.ParticipantID
	stage       domain.StageID
	fingerprint string
}

// Store is an in-memory run store.
type Store struct {
	mu          sync.RWMutex
	runs        map[string]*domain.RunRecord
	stages      map[string]map[domain.InstanceKey]*domain.StageRecord
	completions map[cacheKey]*domain.CompletionRecord
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		runs:        make(map[string]*domain.RunRecord),
		stages:      make(map[string]map[domain.InstanceKey]*domain.StageRecord),
		completions: make(map[cacheKey]*domain.CompletionRecord),
	}
}

// CreateRun registers a new run record.
func (s *Store) CreateRun(ctx context.Context, rec *domain.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	s.runs[rec.RunID] = &cp
	s.stages[rec.RunID] = make(map[domain.InstanceKey]*domain.StageRecord, len(rec.Stages))
	for k, sr := range rec.Stages {
		c := *sr
		s.stages[rec.RunID][k] = &c
	}
	return nil
}

// SaveStage upserts one stage record.
func (s *Store) SaveStage(ctx context.Context, runID string, rec *domain.StageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.stages[runID]; !ok {
		return &domain.NotFoundError{What: "run", Key: runID}
	}
	cp := *rec
	s.stages[runID][domain.InstanceKey{Participant: rec.Participant, Stage: rec.Stage}] = &cp
	return nil
}

// FinishRun stores the terminal run record.
func (s *Store) FinishRun(ctx context.Context, rec *domain.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[rec.RunID]; !ok {
		return &domain.NotFoundError{What: "run", Key: rec.RunID}
	}
	cp := *rec
	s.runs[rec.RunID] = &cp
	return nil
}

// Lookup returns the completion for (participant, stage, fingerprint), or
// nil on a miss.
func (s *Store) Lookup(ctx context.Context, p domain.ParticipantID, st domain.StageID, fingerprint string) (*domain.CompletionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.completions[cacheKey{p, st, fingerprint}]
	if !ok {
		return nil, nil
	}
	return copyCompletion(rec), nil
}

// Record stores one completion.
func (s *Store) Record(ctx context.Context, rec *domain.CompletionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.completions[cacheKey{rec.Participant, rec.Stage, rec.Fingerprint}] = copyCompletion(rec)
	return nil
}

func copyCompletion(rec *domain.CompletionRecord) *domain.CompletionRecord {
	cp := *rec
	cp.Outputs = append([]domain.Artifact(nil), rec.Outputs...)
	return &cp
}

// GetRun returns a stored run record, for inspection in tests.
func (s *Store) GetRun(runID string) (*domain.RunRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.runs[runID]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// Close releases nothing; the store is plain memory.
func (s *Store) Close() error {
	return nil
}
