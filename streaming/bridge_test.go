package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/strangelove-ventures/mandrake/runtime/agent/hooks"
	"github.com/strangelove-ventures/mandrake/runtime/agent/stream"
)

type recordingSink struct {
	mu     sync.Mutex
	events []stream.Event
	closed bool
}

func (s *recordingSink) Send(event stream.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) snapshot() []stream.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]stream.Event, len(s.events))
	copy(out, s.events)
	return out
}

type fakeCoordinator struct {
	bus hooks.Bus
}

func (f *fakeCoordinator) Bus() hooks.Bus { return f.bus }

func TestSubscribeDeliversEventsForResponseID(t *testing.T) {
	bus := hooks.NewBus()
	coord := &fakeCoordinator{bus: bus}
	sink := &recordingSink{}

	sub, err := Subscribe(coord, "resp1", sink, 16)
	require.NoError(t, err)
	defer sub.Cancel()

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, hooks.NewRoundStartedEvent("sess1", "resp1", "req1")))
	require.NoError(t, bus.Publish(ctx, hooks.NewResponseCompletedEvent("sess1", "resp1")))

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 2 }, time.Second, time.Millisecond)
	events := sink.snapshot()
	require.Equal(t, stream.EventStart, events[0].Type())
	require.Equal(t, stream.EventComplete, events[1].Type())
}

func TestSubscribeIgnoresOtherResponses(t *testing.T) {
	bus := hooks.NewBus()
	coord := &fakeCoordinator{bus: bus}
	sink := &recordingSink{}

	sub, err := Subscribe(coord, "resp1", sink, 16)
	require.NoError(t, err)
	defer sub.Cancel()

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, hooks.NewRoundStartedEvent("sess1", "resp-other", "req1")))
	require.NoError(t, bus.Publish(ctx, hooks.NewResponseCompletedEvent("sess1", "resp1")))

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, stream.EventComplete, sink.snapshot()[0].Type())
}

func TestCancelStopsFurtherDeliveryAndClosesSink(t *testing.T) {
	bus := hooks.NewBus()
	coord := &fakeCoordinator{bus: bus}
	sink := &recordingSink{}

	sub, err := Subscribe(coord, "resp1", sink, 16)
	require.NoError(t, err)
	require.NoError(t, sub.Cancel())

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.closed
	}, time.Second, time.Millisecond)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, hooks.NewResponseCompletedEvent("sess1", "resp1")))
	require.Empty(t, sink.snapshot())
}
