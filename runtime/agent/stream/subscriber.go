package stream

import (
	"context"
	"fmt"

	"github.com/strangelove-ventures/mandrake/runtime/agent/hooks"
)

// Subscriber bridges the coordinator's internal hooks.Bus to a per-consumer
// stream.Sink. It folds the richer internal event taxonomy down to the four
// public wire events and applies the coalescing/backpressure policy: a
// bounded outbound queue per consumer, dropping intermediate Turn updates
// and keeping only the latest observed state per Turn when the consumer
// stalls.
type Subscriber struct {
	sink       Sink
	responseID string

	queue chan Event
	done  chan struct{}
}

// NewSubscriber constructs a Subscriber delivering events for responseID to
// sink. The subscriber starts its own delivery goroutine; call Close to
// stop it (this does not affect the coordinator).
func NewSubscriber(sink Sink, responseID string, queueCapacity int) *Subscriber {
	if queueCapacity <= 0 {
		queueCapacity = 64
	}
	s := &Subscriber{
		sink:       sink,
		responseID: responseID,
		queue:      make(chan Event, queueCapacity),
		done:       make(chan struct{}),
	}
	go s.deliver()
	return s
}

// HandleEvent implements hooks.Subscriber. It translates internal events
// belonging to this subscriber's response into wire events and enqueues
// them for delivery, coalescing Turn updates when the queue is full.
func (s *Subscriber) HandleEvent(ctx context.Context, event hooks.Event) error {
	if event.ResponseID() != s.responseID {
		return nil
	}
	var wire Event
	switch e := event.(type) {
	case *hooks.RoundStartedEvent:
		wire = StartEvent{Response: e.ResponseID()}
	case *hooks.TurnUpdatedEvent:
		wire = UpdateEvent{Response: e.ResponseID(), Turn: e.Turn}
	case *hooks.ResponseCompletedEvent:
		wire = CompleteEvent{Response: e.ResponseID()}
	case *hooks.ResponseErrorEvent:
		wire = ErrorEvent{Response: e.ResponseID(), Message: e.Message}
	default:
		return fmt.Errorf("stream: unrecognized event type %T", event)
	}
	s.enqueue(wire)
	return nil
}

// enqueue delivers a wire event without ever blocking the publisher. When
// the queue is full and the new event is an Update, the oldest queued
// Update for the same Turn index is dropped in favor of the newest state;
// non-Update events (start/complete/error) always get a slot by making room
// for themselves.
func (s *Subscriber) enqueue(event Event) {
	select {
	case s.queue <- event:
		return
	default:
	}
	if upd, ok := event.(UpdateEvent); ok {
		s.coalesce(upd)
		return
	}
	// Terminal/start events must not be dropped: make room by draining one
	// queued item (oldest first) and retry once.
	select {
	case <-s.queue:
	default:
	}
	select {
	case s.queue <- event:
	default:
	}
}

// coalesce replaces the oldest queued UpdateEvent for the same Turn index
// with upd, preserving delivery order for everything else. If no matching
// slot is found the update is dropped, which is safe because the Turn's
// final state is always re-emitted on its next change or at completion.
func (s *Subscriber) coalesce(upd UpdateEvent) {
	n := len(s.queue)
	for i := 0; i < n; i++ {
		select {
		case e := <-s.queue:
			if existing, ok := e.(UpdateEvent); ok && existing.Turn.Index == upd.Turn.Index {
				e = upd
				upd.Turn.Index = -1 // mark consumed so later iterations don't re-match
			}
			select {
			case s.queue <- e:
			default:
			}
		default:
			return
		}
	}
}

func (s *Subscriber) deliver() {
	for {
		select {
		case event := <-s.queue:
			_ = s.sink.Send(event)
		case <-s.done:
			return
		}
	}
}

// Close stops delivery to the sink without affecting the coordinator or any
// other subscriber of the same session. Idempotent.
func (s *Subscriber) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	return s.sink.Close()
}
