// Package inmem provides an in-memory implementation of runlog.Store.
//
// The in-memory store is intended for tests and local development. It is not
// durable and should not be used in production.
package inmem

import (
	"context"
	"errors"
	"sync"
	"time"

	"goa.design/agentic/runtime/agent/runlog"
)

// Store implements runlog.Store in memory.
type Store struct {
	mu sync.Mutex
	// per-run ordered events; sequences continue from the last element.
	events map[string][]*runlog.Event
}

// New returns an empty in-memory run log store.
func New() *Store {
	return &Store{events: make(map[string][]*runlog.Event)}
}

// AppendBatch implements runlog.Store.
func (s *Store) AppendBatch(_ context.Context, runID string, events []*runlog.Event) error {
	if runID == "" {
		return errors.New("run id is required")
	}
	if len(events) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.events[runID]
	var next int64 = 1
	if len(existing) > 0 {
		next = existing[len(existing)-1].Sequence + 1
	}
	now := time.Now().UTC()
	for _, e := range events {
		e.RunID = runID
		e.Sequence = next
		e.CreatedAt = now
		next++
		stored := *e
		existing = append(existing, &stored)
	}
	s.events[runID] = existing
	return nil
}

// List implements runlog.Store.
func (s *Store) List(_ context.Context, runID string, afterSeq int64, limit int) ([]*runlog.Event, error) {
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var page []*runlog.Event
	for _, e := range s.events[runID] {
		if e.Sequence <= afterSeq {
			continue
		}
		copied := *e
		page = append(page, &copied)
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

// DeleteCreatedBefore implements runlog.Store.
func (s *Store) DeleteCreatedBefore(_ context.Context, cutoff time.Time, batchSize int) (int, error) {
	if batchSize < 1 {
		return 0, errors.New("batch size must be >= 1")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for runID, events := range s.events {
		kept := events[:0]
		for _, e := range events {
			if e.CreatedAt.Before(cutoff) {
				deleted++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(s.events, runID)
			continue
		}
		s.events[runID] = kept
	}
	return deleted, nil
}

// CountCreatedBefore implements runlog.Store.
func (s *Store) CountCreatedBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, events := range s.events {
		for _, e := range events {
			if e.CreatedAt.Before(cutoff) {
				count++
			}
		}
	}
	return count, nil
}
