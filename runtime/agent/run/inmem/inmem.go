// Package inmem provides an in-memory implementation of run.Store.
//
// The in-memory store is intended for tests and local development. The store
// mutex doubles as the admission lock: dispatch selection, slot reservation
// and recovery sweeps are serialized exactly as the durable store serializes
// them through its lock row.
package inmem

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"goa.design/agentic/runtime/agent/run"
)

// Store implements run.Store in memory.
type Store struct {
	mu   sync.Mutex
	runs map[string]*run.Run
}

// New returns an empty in-memory run store.
func New() *Store {
	return &Store{runs: make(map[string]*run.Run)}
}

// Create implements run.Store.
func (s *Store) Create(_ context.Context, r run.Run) error {
	if r.ID == "" {
		return errors.New("run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; ok {
		return errors.New("run already exists: " + r.ID)
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	if r.Status == "" {
		r.Status = run.StatusPending
	}
	s.runs[r.ID] = &r
	return nil
}

// Load implements run.Store.
func (s *Store) Load(_ context.Context, runID string) (run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return run.Run{}, run.ErrRunNotFound
	}
	return *r, nil
}

// ListBySession implements run.Store.
func (s *Store) ListBySession(_ context.Context, sessionID string) ([]run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var runs []run.Run
	for _, r := range s.runs {
		if r.SessionID == sessionID {
			runs = append(runs, *r)
		}
	}
	sortRuns(runs)
	return runs, nil
}

// SetCorrelationToken implements run.Store.
func (s *Store) SetCorrelationToken(_ context.Context, runID, token string) error {
	return s.update(runID, func(r *run.Run) {
		r.CorrelationToken = token
	})
}

// ClearCorrelationToken implements run.Store.
func (s *Store) ClearCorrelationToken(_ context.Context, runID string) error {
	return s.update(runID, func(r *run.Run) {
		r.CorrelationToken = ""
	})
}

// DispatchPending implements run.Store. The enqueue callback is invoked while
// the admission lock is held, mirroring the durable store's in-transaction
// hand-off.
func (s *Store) DispatchPending(ctx context.Context, limit int, enqueue run.EnqueueFunc) (int, error) {
	if enqueue == nil {
		return 0, errors.New("enqueue func is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	available := limit - s.countRunningLocked()
	if available <= 0 {
		return 0, nil
	}
	var candidates []*run.Run
	for _, r := range s.runs {
		if r.Status == run.StatusPending && r.CorrelationToken == "" {
			candidates = append(candidates, r)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return candidates[i].ID < candidates[j].ID
	})
	if len(candidates) > available {
		candidates = candidates[:available]
	}
	enqueued := 0
	for _, r := range candidates {
		token, err := enqueue(ctx, *r)
		if err != nil {
			return enqueued, err
		}
		if token != "" {
			r.CorrelationToken = token
			r.UpdatedAt = time.Now().UTC()
		}
		enqueued++
	}
	return enqueued, nil
}

// ReserveSlot implements run.Store.
func (s *Store) ReserveSlot(_ context.Context, runID string, limit int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return false, run.ErrRunNotFound
	}
	if s.countRunningLocked() >= limit {
		return false, nil
	}
	if r.Status != run.StatusPending {
		return false, nil
	}
	now := time.Now().UTC()
	r.Status = run.StatusRunning
	r.StartedAt = &now
	r.UpdatedAt = now
	return true, nil
}

// Complete implements run.Store.
func (s *Store) Complete(_ context.Context, runID string, c run.Completion) error {
	return s.update(runID, func(r *run.Run) {
		now := time.Now().UTC()
		r.Status = run.StatusCompleted
		r.FinalOutput = c.FinalOutput
		r.RawResponses = c.RawResponses
		r.LastResponseID = c.LastResponseID
		r.Error = ""
		r.CorrelationToken = ""
		r.FinishedAt = &now
	})
}

// Fail implements run.Store.
func (s *Store) Fail(_ context.Context, runID string, errText string) error {
	return s.update(runID, func(r *run.Run) {
		now := time.Now().UTC()
		r.Status = run.StatusFailed
		r.Error = errText
		r.CorrelationToken = ""
		r.FinishedAt = &now
	})
}

// Recover implements run.Store.
func (s *Store) Recover(_ context.Context, mode run.RecoveryMode) (int, error) {
	if mode != run.RecoverFail && mode != run.RecoverRequeue {
		return 0, errors.New("invalid recovery mode: " + string(mode))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	affected := 0
	for _, r := range s.runs {
		if r.Status != run.StatusRunning {
			continue
		}
		switch mode {
		case run.RecoverFail:
			r.Status = run.StatusFailed
			r.Error = run.RecoveryErrorText
			finished := now
			r.FinishedAt = &finished
		case run.RecoverRequeue:
			r.Status = run.StatusPending
			r.Error = ""
			r.StartedAt = nil
			r.FinishedAt = nil
		}
		r.CorrelationToken = ""
		r.UpdatedAt = now
		affected++
	}
	return affected, nil
}

// DeleteOlderThan implements run.Store.
func (s *Store) DeleteOlderThan(_ context.Context, cutoff time.Time, statuses []run.Status, batchSize int) (int, error) {
	if batchSize < 1 {
		return 0, errors.New("batch size must be >= 1")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, r := range s.runs {
		if prunable(r, cutoff, statuses) {
			delete(s.runs, id)
			deleted++
		}
	}
	return deleted, nil
}

// CountOlderThan implements run.Store.
func (s *Store) CountOlderThan(_ context.Context, cutoff time.Time, statuses []run.Status) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, r := range s.runs {
		if prunable(r, cutoff, statuses) {
			count++
		}
	}
	return count, nil
}

// HasRunsForSession reports whether any run references the session. The
// session store's pruning filter uses it as its run probe.
func (s *Store) HasRunsForSession(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if r.SessionID == sessionID {
			return true
		}
	}
	return false
}

func (s *Store) update(runID string, mutate func(*run.Run)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return run.ErrRunNotFound
	}
	mutate(r)
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) countRunningLocked() int {
	count := 0
	for _, r := range s.runs {
		if r.Status == run.StatusRunning {
			count++
		}
	}
	return count
}

func prunable(r *run.Run, cutoff time.Time, statuses []run.Status) bool {
	if !r.UpdatedAt.Before(cutoff) {
		return false
	}
	for _, st := range statuses {
		if r.Status == st {
			return true
		}
	}
	return false
}

func sortRuns(runs []run.Run) {
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].CreatedAt.Before(runs[j].CreatedAt)
		}
		return runs[i].ID < runs[j].ID
	})
}
