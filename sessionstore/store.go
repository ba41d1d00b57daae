// Package sessionstore defines the durable session/round/turn persistence
// contract a WorkspaceManager's sessions sub-manager satisfies and a
// SessionCoordinator drives. Sessions are first-class: rounds and turns
// always belong to one. Implementations must serialize writes within a
// single session so subscribers observe a total order; writes across
// sessions are independent.
package sessionstore

import (
	"context"
	"errors"
	"time"

	"github.com/strangelove-ventures/mandrake/domain"
)

type (
	// Store persists sessions and their round/turn history.
	//
	// Contract:
	//   - Session ids are caller-provided and stable.
	//   - CreateSession is idempotent for an existing session; it does not
	//     reset history.
	//   - AppendRound assigns the round a dense, zero-based, strictly
	//     increasing Index per session; the caller must not set Index.
	//   - UpsertTurn assigns nothing; the caller sets Index (dense,
	//     zero-based per response) and Store only persists the given value.
	Store interface {
		// CreateSession creates (or returns) a session scoped to workspaceID.
		CreateSession(ctx context.Context, workspaceID, sessionID string, createdAt time.Time) (domain.Session, error)
		// LoadSession loads an existing session.
		// Returns ErrSessionNotFound when the session does not exist.
		LoadSession(ctx context.Context, sessionID string) (domain.Session, error)
		// ListSessions lists every session belonging to workspaceID, ordered
		// by CreatedAt ascending.
		ListSessions(ctx context.Context, workspaceID string) ([]domain.Session, error)
		// DeleteSession removes a session and its full round/turn history.
		// Idempotent: deleting a missing session is not an error.
		DeleteSession(ctx context.Context, sessionID string) error

		// AppendRound persists a new Round, assigning Index = 1 +
		// (current max index for the session, or -1 if none).
		AppendRound(ctx context.Context, round domain.Round) (domain.Round, error)
		// ListRounds returns every Round for sessionID ordered by Index.
		ListRounds(ctx context.Context, sessionID string) ([]domain.Round, error)

		// UpsertTurn inserts or overwrites the Turn at (turn.ResponseID,
		// turn.Index). Callers must serialize their own writes to a single
		// Turn; the store does not merge partial updates.
		UpsertTurn(ctx context.Context, turn domain.Turn) error
		// ListTurns returns every Turn for responseID ordered by Index.
		ListTurns(ctx context.Context, responseID string) ([]domain.Turn, error)
		// NextTurnIndex returns the index the next Turn for responseID
		// should use (count of turns already persisted).
		NextTurnIndex(ctx context.Context, responseID string) (int, error)
	}
)

var (
	// ErrSessionNotFound indicates a session does not exist in the store.
	ErrSessionNotFound = errors.New("sessionstore: session not found")
	// ErrRoundInvalid indicates a Round failed validation before persistence.
	ErrRoundInvalid = errors.New("sessionstore: round is invalid")
	// ErrTurnInvalid indicates a Turn failed validation before persistence.
	ErrTurnInvalid = errors.New("sessionstore: turn is invalid")
)
