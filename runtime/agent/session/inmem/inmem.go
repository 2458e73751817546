// Package inmem provides an in-memory implementation of session.Store.
//
// The in-memory store is intended for tests and local development. It is not
// durable and should not be used in production. It honors the same contracts
// as the durable stores: per-session serialization of mutations and gap-free
// sequence assignment.
package inmem

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/agentic/runtime/agent/session"
)

type (
	// Store implements session.Store in memory.
	Store struct {
		mu sync.Mutex
		// sessions by ID.
		sessions map[string]*state
		// byKey indexes sessions by "owner\x00key".
		byKey map[string]string
		// hasRuns reports sessions referenced by runs; used by the
		// require-empty pruning filter.
		hasRuns func(sessionID string) bool
	}

	state struct {
		sess    session.Session
		items   []session.Item
		nextSeq int64
	}
)

// New returns an empty in-memory session store.
func New() *Store {
	return &Store{
		sessions: make(map[string]*state),
		byKey:    make(map[string]string),
	}
}

// SetRunProbe installs the predicate used by DeleteIdleBefore to decide
// whether a session has runs. Without a probe, sessions are assumed to have
// none.
func (s *Store) SetRunProbe(hasRuns func(sessionID string) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasRuns = hasRuns
}

// GetOrCreate implements session.Store.
func (s *Store) GetOrCreate(_ context.Context, owner, key string) (session.Session, bool, error) {
	if owner == "" || key == "" {
		return session.Session{}, false, errors.New("owner and key are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byKey[owner+"\x00"+key]; ok {
		return s.sessions[id].sess, false, nil
	}
	now := time.Now().UTC()
	sess := session.Session{
		ID:        uuid.NewString(),
		Owner:     owner,
		Key:       key,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sessions[sess.ID] = &state{sess: sess}
	s.byKey[owner+"\x00"+key] = sess.ID
	return sess, true, nil
}

// Load implements session.Store.
func (s *Store) Load(_ context.Context, sessionID string) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return session.Session{}, session.ErrSessionNotFound
	}
	return st.sess, nil
}

// Append implements session.Store.
func (s *Store) Append(_ context.Context, sessionID string, items []json.RawMessage) error {
	if len(items) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return session.ErrSessionNotFound
	}
	now := time.Now().UTC()
	for _, payload := range items {
		st.nextSeq++
		st.items = append(st.items, session.Item{
			SessionID: sessionID,
			Sequence:  st.nextSeq,
			Payload:   append(json.RawMessage(nil), payload...),
			CreatedAt: now,
		})
	}
	st.sess.UpdatedAt = now
	return nil
}

// Items implements session.Store.
func (s *Store) Items(_ context.Context, sessionID string, limit int) ([]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	items := st.items
	if limit > 0 && len(items) > limit {
		items = items[len(items)-limit:]
	}
	payloads := make([]json.RawMessage, len(items))
	for i, item := range items {
		payloads[i] = item.Payload
	}
	return payloads, nil
}

// PopItem implements session.Store.
func (s *Store) PopItem(_ context.Context, sessionID string) (json.RawMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return nil, false, session.ErrSessionNotFound
	}
	if len(st.items) == 0 {
		return nil, false, nil
	}
	last := st.items[len(st.items)-1]
	st.items = st.items[:len(st.items)-1]
	// Future appends continue from the new maximum, not the removed one.
	st.nextSeq = 0
	if len(st.items) > 0 {
		st.nextSeq = st.items[len(st.items)-1].Sequence
	}
	st.sess.UpdatedAt = time.Now().UTC()
	return last.Payload, true, nil
}

// Clear implements session.Store.
func (s *Store) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return session.ErrSessionNotFound
	}
	st.items = nil
	st.nextSeq = 0
	st.sess.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteIdleBefore implements session.Store.
func (s *Store) DeleteIdleBefore(_ context.Context, cutoff time.Time, requireEmpty bool, batchSize int) (int, error) {
	if batchSize < 1 {
		return 0, errors.New("batch size must be >= 1")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, st := range s.sessions {
		if !s.prunable(st, cutoff, requireEmpty) {
			continue
		}
		delete(s.sessions, id)
		delete(s.byKey, st.sess.Owner+"\x00"+st.sess.Key)
		deleted++
	}
	return deleted, nil
}

// CountIdleBefore implements session.Store.
func (s *Store) CountIdleBefore(_ context.Context, cutoff time.Time, requireEmpty bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, st := range s.sessions {
		if s.prunable(st, cutoff, requireEmpty) {
			count++
		}
	}
	return count, nil
}

func (s *Store) prunable(st *state, cutoff time.Time, requireEmpty bool) bool {
	if !st.sess.UpdatedAt.Before(cutoff) {
		return false
	}
	if !requireEmpty {
		return true
	}
	if len(st.items) > 0 {
		return false
	}
	return s.hasRuns == nil || !s.hasRuns(st.sess.ID)
}
