package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/strangelove-ventures/mandrake/domain"
	"github.com/strangelove-ventures/mandrake/sessionstore"
)

func TestCreateSessionIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New()

	created := time.Now().UTC()
	first, err := s.CreateSession(ctx, "ws1", "sess1", created)
	require.NoError(t, err)
	require.Equal(t, "ws1", first.WorkspaceID)

	second, err := s.CreateSession(ctx, "ws1", "sess1", time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestLoadSessionNotFound(t *testing.T) {
	s := New()
	_, err := s.LoadSession(context.Background(), "missing")
	require.ErrorIs(t, err, sessionstore.ErrSessionNotFound)
}

func TestAppendRoundAssignsDenseIndex(t *testing.T) {
	ctx := context.Background()
	s := New()

	r0, err := s.AppendRound(ctx, domain.Round{SessionID: "sess1", RequestID: "req0", ResponseID: "resp0"})
	require.NoError(t, err)
	require.Equal(t, 0, r0.Index)

	r1, err := s.AppendRound(ctx, domain.Round{SessionID: "sess1", RequestID: "req1", ResponseID: "resp1"})
	require.NoError(t, err)
	require.Equal(t, 1, r1.Index)

	rounds, err := s.ListRounds(ctx, "sess1")
	require.NoError(t, err)
	require.Len(t, rounds, 2)
	require.Equal(t, 0, rounds[0].Index)
	require.Equal(t, 1, rounds[1].Index)
}

func TestAppendRoundInvalid(t *testing.T) {
	s := New()
	_, err := s.AppendRound(context.Background(), domain.Round{})
	require.ErrorIs(t, err, sessionstore.ErrRoundInvalid)
}

func TestUpsertTurnAndNextIndex(t *testing.T) {
	ctx := context.Background()
	s := New()

	idx, err := s.NextTurnIndex(ctx, "resp0")
	require.NoError(t, err)
	require.Equal(t, 0, idx)

	require.NoError(t, s.UpsertTurn(ctx, domain.Turn{ResponseID: "resp0", Index: 0, Status: domain.TurnStreaming}))
	idx, err = s.NextTurnIndex(ctx, "resp0")
	require.NoError(t, err)
	require.Equal(t, 1, idx)

	require.NoError(t, s.UpsertTurn(ctx, domain.Turn{ResponseID: "resp0", Index: 0, Status: domain.TurnCompleted}))
	turns, err := s.ListTurns(ctx, "resp0")
	require.NoError(t, err)
	require.Len(t, turns, 1)
	require.Equal(t, domain.TurnCompleted, turns[0].Status)
}

func TestUpsertTurnInvalid(t *testing.T) {
	s := New()
	err := s.UpsertTurn(context.Background(), domain.Turn{})
	require.ErrorIs(t, err, sessionstore.ErrTurnInvalid)
}

func TestDeleteSessionRemovesRoundsAndTurns(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.CreateSession(ctx, "ws1", "sess1", time.Now().UTC())
	require.NoError(t, err)
	round, err := s.AppendRound(ctx, domain.Round{SessionID: "sess1", RequestID: "req0", ResponseID: "resp0"})
	require.NoError(t, err)
	require.NoError(t, s.UpsertTurn(ctx, domain.Turn{ResponseID: round.ResponseID, Index: 0}))

	require.NoError(t, s.DeleteSession(ctx, "sess1"))

	_, err = s.LoadSession(ctx, "sess1")
	require.ErrorIs(t, err, sessionstore.ErrSessionNotFound)
	rounds, err := s.ListRounds(ctx, "sess1")
	require.NoError(t, err)
	require.Empty(t, rounds)
	turns, err := s.ListTurns(ctx, round.ResponseID)
	require.NoError(t, err)
	require.Empty(t, turns)
}

func TestDeleteSessionMissingIsNoop(t *testing.T) {
	s := New()
	require.NoError(t, s.DeleteSession(context.Background(), "missing"))
}

var _ sessionstore.Store = (*Store)(nil)
