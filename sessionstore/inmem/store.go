// Package inmem provides an in-memory implementation of sessionstore.Store.
//
// It is intended for tests and single-process deployments. Durable
// persistence is an external concern handled by other implementations of
// the same interface against a filesystem or database layout.
package inmem

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/strangelove-ventures/mandrake/domain"
	"github.com/strangelove-ventures/mandrake/sessionstore"
)

// Store is an in-memory implementation of sessionstore.Store. It is safe
// for concurrent use; writes to a single session are serialized by mu, so
// the total order within a session is automatic here (the store has no
// per-session fan-out).
type Store struct {
	mu       sync.RWMutex
	sessions map[string]domain.Session
	rounds   map[string][]domain.Round        // sessionID -> rounds, append-only, index order
	turns    map[string]map[int]domain.Turn   // responseID -> index -> turn
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		sessions: make(map[string]domain.Session),
		rounds:   make(map[string][]domain.Round),
		turns:    make(map[string]map[int]domain.Turn),
	}
}

// CreateSession implements sessionstore.Store.
func (s *Store) CreateSession(_ context.Context, workspaceID, sessionID string, createdAt time.Time) (domain.Session, error) {
	if sessionID == "" {
		return domain.Session{}, errors.New("sessionstore: session id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sessions[sessionID]; ok {
		return existing, nil
	}
	now := createdAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	out := domain.Session{
		ID:          sessionID,
		WorkspaceID: workspaceID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.sessions[sessionID] = out
	return out, nil
}

// LoadSession implements sessionstore.Store.
func (s *Store) LoadSession(_ context.Context, sessionID string) (domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	existing, ok := s.sessions[sessionID]
	if !ok {
		return domain.Session{}, sessionstore.ErrSessionNotFound
	}
	return existing, nil
}

// ListSessions implements sessionstore.Store.
func (s *Store) ListSessions(_ context.Context, workspaceID string) ([]domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.WorkspaceID == workspaceID {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DeleteSession implements sessionstore.Store.
func (s *Store) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rounds := s.rounds[sessionID]
	for _, r := range rounds {
		delete(s.turns, r.ResponseID)
	}
	delete(s.rounds, sessionID)
	delete(s.sessions, sessionID)
	return nil
}

// AppendRound implements sessionstore.Store.
func (s *Store) AppendRound(_ context.Context, round domain.Round) (domain.Round, error) {
	if round.SessionID == "" || round.RequestID == "" || round.ResponseID == "" {
		return domain.Round{}, sessionstore.ErrRoundInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.rounds[round.SessionID]
	round.Index = len(existing)
	if round.CreatedAt.IsZero() {
		round.CreatedAt = time.Now().UTC()
	}
	s.rounds[round.SessionID] = append(existing, round)
	return round, nil
}

// ListRounds implements sessionstore.Store.
func (s *Store) ListRounds(_ context.Context, sessionID string) ([]domain.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.rounds[sessionID]
	out := make([]domain.Round, len(src))
	copy(out, src)
	return out, nil
}

// UpsertTurn implements sessionstore.Store.
func (s *Store) UpsertTurn(_ context.Context, turn domain.Turn) error {
	if turn.ResponseID == "" {
		return sessionstore.ErrTurnInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byIndex, ok := s.turns[turn.ResponseID]
	if !ok {
		byIndex = make(map[int]domain.Turn)
		s.turns[turn.ResponseID] = byIndex
	}
	byIndex[turn.Index] = turn
	return nil
}

// ListTurns implements sessionstore.Store.
func (s *Store) ListTurns(_ context.Context, responseID string) ([]domain.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byIndex := s.turns[responseID]
	out := make([]domain.Turn, 0, len(byIndex))
	for _, t := range byIndex {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// NextTurnIndex implements sessionstore.Store.
func (s *Store) NextTurnIndex(_ context.Context, responseID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns[responseID]), nil
}
