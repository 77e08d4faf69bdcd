// Package memory provides an in-process RecordStore for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/jobtrack/internal/pipeline"
	"github.com/JakeFAU/jobtrack/internal/store"
)

// Store keeps records in a map keyed by normalized source URL.
type Store struct {
	ids   pipeline.IDGenerator
	locks *store.KeyLock

	mu      sync.RWMutex
	records map[string]pipeline.JobRecord
}

// New constructs an empty Store.
func New(ids pipeline.IDGenerator) *Store {
	return &Store{
		ids:     ids,
		locks:   store.NewKeyLock(),
		records: make(map[string]pipeline.JobRecord),
	}
}

// Upsert implements pipeline.RecordStore.
func (s *Store) Upsert(ctx context.Context, record pipeline.JobRecord, force bool) (pipeline.UpsertResult, error) {
	if record.SourceURL == "" {
		return pipeline.UpsertResult{}, fmt.Errorf("source url is required")
	}
	unlock := s.locks.Lock(record.SourceURL)
	defer unlock()
	if err := ctx.Err(); err != nil {
		return pipeline.UpsertResult{}, err
	}

	s.mu.RLock()
	existing, ok := s.records[record.SourceURL]
	s.mu.RUnlock()

	if !ok {
		id, err := s.ids.NewID()
		if err != nil {
			return pipeline.UpsertResult{}, fmt.Errorf("generate record id: %w", err)
		}
		record.ID = id
		s.put(record)
		return pipeline.UpsertResult{Outcome: pipeline.OutcomeCreated, Record: clone(record)}, nil
	}

	merged, changed := store.Merge(existing, record, force)
	if changed {
		s.put(merged)
	}
	return pipeline.UpsertResult{Outcome: pipeline.OutcomeUpdated, Record: clone(merged)}, nil
}

// Get implements pipeline.RecordStore.
func (s *Store) Get(_ context.Context, sourceURL string) (pipeline.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[sourceURL]
	if !ok {
		return pipeline.JobRecord{}, pipeline.ErrNotFound
	}
	return clone(rec), nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close implements store.Backend.
func (s *Store) Close() error {
	return nil
}

func (s *Store) put(rec pipeline.JobRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.SourceURL] = clone(rec)
}

func clone(rec pipeline.JobRecord) pipeline.JobRecord {
	rec.Skills = append([]string(nil), rec.Skills...)
	rec.SoftSkills = append([]string(nil), rec.SoftSkills...)
	rec.Responsibilities = append([]string(nil), rec.Responsibilities...)
	rec.Benefits = append([]string(nil), rec.Benefits...)
	if rec.Salary != nil {
		salary := *rec.Salary
		rec.Salary = &salary
	}
	return rec
}
