package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/strangelove-ventures/mandrake/domain"
)

func TestBusPublishFanOut(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	count := 0
	sub := SubscriberFunc(func(_ context.Context, _ Event) error {
		count++
		return nil
	})
	_, err := bus.Register(sub)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, NewRoundStartedEvent("sess1", "resp1", "req1")))
	require.NoError(t, bus.Publish(ctx, NewResponseCompletedEvent("sess1", "resp1")))
	require.Equal(t, 2, count)
}

func TestBusRegisterNil(t *testing.T) {
	bus := NewBus()
	_, err := bus.Register(nil)
	require.Error(t, err)
}

func TestSubscriptionCloseStopsDelivery(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()
	count := 0
	sub := SubscriberFunc(func(_ context.Context, _ Event) error {
		count++
		return nil
	})
	subscription, err := bus.Register(sub)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, NewRoundStartedEvent("sess1", "resp1", "req1")))
	require.NoError(t, subscription.Close())
	require.NoError(t, subscription.Close()) // idempotent
	require.NoError(t, bus.Publish(ctx, NewRoundStartedEvent("sess1", "resp1", "req1")))

	require.Equal(t, 1, count)
}

func TestPublishStopsAtFirstError(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	boom := errors.New("boom")
	var secondCalled bool
	_, err := bus.Register(SubscriberFunc(func(_ context.Context, _ Event) error { return boom }))
	require.NoError(t, err)
	_, err = bus.Register(SubscriberFunc(func(_ context.Context, _ Event) error {
		secondCalled = true
		return nil
	}))
	require.NoError(t, err)

	err = bus.Publish(ctx, NewRoundStartedEvent("sess1", "resp1", "req1"))
	require.ErrorIs(t, err, boom)
	require.False(t, secondCalled)
}

func TestEventAccessors(t *testing.T) {
	evt := NewTurnUpdatedEvent("sess1", "resp1", domain.Turn{ResponseID: "resp1", Index: 0})
	require.Equal(t, EventTurnUpdated, evt.Type())
	require.Equal(t, "sess1", evt.SessionID())
	require.Equal(t, "resp1", evt.ResponseID())
}
