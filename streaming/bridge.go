// Package streaming bridges a session's internal event bus to a single
// response's external stream. Given a coordinator and a response id, it
// subscribes to the coordinator's internal turn notifications and produces
// a finite, ordered, typed event sequence for one consumer. The
// internal/external event split is carried
// by runtime/agent/hooks and runtime/agent/stream; this package is the
// thin public entrypoint that wires the two together per request.
package streaming

import (
	"github.com/strangelove-ventures/mandrake/runtime/agent/hooks"
	"github.com/strangelove-ventures/mandrake/runtime/agent/stream"
)

// Coordinator is the subset of coordinator.Coordinator a bridge needs:
// access to the session's internal event bus.
type Coordinator interface {
	Bus() hooks.Bus
}

// Subscription is returned by Subscribe; Cancel immediately releases the
// subscription without affecting the coordinator's in-flight work.
type Subscription struct {
	closer interface{ Close() error }
}

// Cancel releases the subscription. The coordinator keeps running so the
// response is not lost; no further bytes are written to the consumer after
// Cancel returns.
func (s Subscription) Cancel() error {
	return s.closer.Close()
}

// Subscribe registers sink to receive the four public wire events
// (start/update/complete/error) for responseID's turns on coordinator's
// session. Events already published before Subscribe is called are not
// replayed; callers that need the full history should read persisted Turns
// directly before subscribing.
func Subscribe(coordinator Coordinator, responseID string, sink stream.Sink, queueCapacity int) (Subscription, error) {
	sub := stream.NewSubscriber(sink, responseID, queueCapacity)
	registration, err := coordinator.Bus().Register(sub)
	if err != nil {
		_ = sub.Close()
		return Subscription{}, err
	}
	return Subscription{closer: compositeCloser{sub: sub, registration: registration}}, nil
}

type compositeCloser struct {
	sub          *stream.Subscriber
	registration hooks.Subscription
}

func (c compositeCloser) Close() error {
	_ = c.registration.Close()
	return c.sub.Close()
}
