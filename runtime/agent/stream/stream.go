// Package stream defines the public, wire-level event schema emitted by the
// streaming bridge: a finite, ordered sequence of start/update/complete/error
// events, one per server-sent-event data frame.
package stream

import (
	"encoding/json"

	"github.com/strangelove-ventures/mandrake/domain"
)

func marshalEnvelope(v any) ([]byte, error) {
	return json.Marshal(v)
}

// EventType identifies the concrete shape of a wire Event.
type EventType string

const (
	// EventStart precedes all updates for a responseId.
	EventStart EventType = "start"
	// EventUpdate is emitted on every observed change to any Turn belonging
	// to a responseId; coalescing is allowed as long as the final state per
	// Turn is emitted.
	EventUpdate EventType = "update"
	// EventComplete is emitted exactly once, after every Turn for the
	// response is terminal and handleRequest has returned.
	EventComplete EventType = "complete"
	// EventError is emitted instead of EventComplete on failure.
	EventError EventType = "error"
)

// Event is the common interface implemented by every concrete wire event.
// Implementations marshal to the JSON envelope described in the package doc.
type Event interface {
	// Type returns the event's concrete kind.
	Type() EventType
	// ResponseID returns the response the event belongs to.
	ResponseID() string
}

// StartEvent is emitted once, before any Update for responseId.
type StartEvent struct {
	Response string `json:"-"`
}

// Type returns EventStart.
func (StartEvent) Type() EventType { return EventStart }

// ResponseID returns the response id.
func (e StartEvent) ResponseID() string { return e.Response }

// MarshalJSON encodes the event as the wire envelope {type, responseId}.
func (e StartEvent) MarshalJSON() ([]byte, error) {
	return marshalEnvelope(struct {
		Type       EventType `json:"type"`
		ResponseID string    `json:"responseId"`
	}{Type: EventStart, ResponseID: e.Response})
}

// UpdateEvent carries the full Turn record, including parsed tool calls.
type UpdateEvent struct {
	Response string
	Turn     domain.Turn
}

// Type returns EventUpdate.
func (UpdateEvent) Type() EventType { return EventUpdate }

// ResponseID returns the response id.
func (e UpdateEvent) ResponseID() string { return e.Response }

// MarshalJSON encodes the event as the wire envelope {type, turn}.
func (e UpdateEvent) MarshalJSON() ([]byte, error) {
	return marshalEnvelope(struct {
		Type EventType   `json:"type"`
		Turn domain.Turn `json:"turn"`
	}{Type: EventUpdate, Turn: e.Turn})
}

// CompleteEvent terminates the stream successfully.
type CompleteEvent struct {
	Response string `json:"-"`
}

// Type returns EventComplete.
func (CompleteEvent) Type() EventType { return EventComplete }

// ResponseID returns the response id.
func (e CompleteEvent) ResponseID() string { return e.Response }

// MarshalJSON encodes the event as the wire envelope {type, responseId}.
func (e CompleteEvent) MarshalJSON() ([]byte, error) {
	return marshalEnvelope(struct {
		Type       EventType `json:"type"`
		ResponseID string    `json:"responseId"`
	}{Type: EventComplete, ResponseID: e.Response})
}

// ErrorEvent terminates the stream with a human-readable message. It is
// also used (with Message "cancelled") to report consumer-visible
// cancellation, which is not an API-boundary error.
type ErrorEvent struct {
	Response string `json:"-"`
	Message  string
}

// Type returns EventError.
func (ErrorEvent) Type() EventType { return EventError }

// ResponseID returns the response id.
func (e ErrorEvent) ResponseID() string { return e.Response }

// MarshalJSON encodes the event as the wire envelope {type, error}.
func (e ErrorEvent) MarshalJSON() ([]byte, error) {
	return marshalEnvelope(struct {
		Type  EventType `json:"type"`
		Error string    `json:"error"`
	}{Type: EventError, Error: e.Message})
}

// Sink is the per-consumer destination for wire events, typically an SSE
// response writer. Implementations must be safe to Send from the
// subscriber's delivery goroutine while Close may be called concurrently
// from the consumer's disconnect handler.
type Sink interface {
	// Send delivers one event. Send must not block indefinitely; slow
	// consumers are the subscriber's responsibility to coalesce around.
	Send(event Event) error
	// Close releases sink resources. Idempotent.
	Close() error
}
