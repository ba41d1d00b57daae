package hooks

import "github.com/strangelove-ventures/mandrake/domain"

// EventType identifies the concrete shape of an Event published on the bus.
type EventType string

const (
	// EventRoundStarted is published once a Request/Response/Round has been
	// persisted and buildContext is about to run.
	EventRoundStarted EventType = "round_started"
	// EventTurnUpdated is published on every observed change to a Turn
	// belonging to a response (new deltas, tool-call recorded, terminal
	// transition).
	EventTurnUpdated EventType = "turn_updated"
	// EventResponseCompleted is published exactly once, after every Turn for
	// a response is terminal and handleRequest has returned normally.
	EventResponseCompleted EventType = "response_completed"
	// EventResponseError is published instead of EventResponseCompleted when
	// handleRequest terminates with an unrecoverable error.
	EventResponseError EventType = "response_error"
)

// Event is the common interface implemented by every concrete event type
// published on a Bus.
type Event interface {
	// Type returns the event's concrete kind.
	Type() EventType
	// SessionID returns the session the event belongs to.
	SessionID() string
	// ResponseID returns the response the event belongs to.
	ResponseID() string
}

// Base is embedded by every concrete event type and implements the common
// Event accessors.
type Base struct {
	t  EventType
	sid string
	rid string
}

// NewBase constructs a Base for the given event type, session, and response.
func NewBase(t EventType, sessionID, responseID string) Base {
	return Base{t: t, sid: sessionID, rid: responseID}
}

// Type returns the event's concrete kind.
func (b Base) Type() EventType { return b.t }

// SessionID returns the session the event belongs to.
func (b Base) SessionID() string { return b.sid }

// ResponseID returns the response the event belongs to.
func (b Base) ResponseID() string { return b.rid }

// RoundStartedEvent is published once a Round has been persisted.
type RoundStartedEvent struct {
	Base
	RequestID string
}

// NewRoundStartedEvent constructs a RoundStartedEvent.
func NewRoundStartedEvent(sessionID, responseID, requestID string) *RoundStartedEvent {
	return &RoundStartedEvent{
		Base:      NewBase(EventRoundStarted, sessionID, responseID),
		RequestID: requestID,
	}
}

// TurnUpdatedEvent carries a snapshot of a Turn after some observable change.
// Turn is a value, not a pointer, so subscribers observe an immutable
// snapshot even if the coordinator continues mutating its own copy.
type TurnUpdatedEvent struct {
	Base
	Turn domain.Turn
}

// NewTurnUpdatedEvent constructs a TurnUpdatedEvent.
func NewTurnUpdatedEvent(sessionID, responseID string, turn domain.Turn) *TurnUpdatedEvent {
	return &TurnUpdatedEvent{
		Base: NewBase(EventTurnUpdated, sessionID, responseID),
		Turn: turn,
	}
}

// ResponseCompletedEvent is published once all Turns for a response are
// terminal and handleRequest has returned.
type ResponseCompletedEvent struct {
	Base
}

// NewResponseCompletedEvent constructs a ResponseCompletedEvent.
func NewResponseCompletedEvent(sessionID, responseID string) *ResponseCompletedEvent {
	return &ResponseCompletedEvent{Base: NewBase(EventResponseCompleted, sessionID, responseID)}
}

// ResponseErrorEvent is published instead of ResponseCompletedEvent when
// handleRequest terminates with an unrecoverable error.
type ResponseErrorEvent struct {
	Base
	Message string
}

// NewResponseErrorEvent constructs a ResponseErrorEvent.
func NewResponseErrorEvent(sessionID, responseID, message string) *ResponseErrorEvent {
	return &ResponseErrorEvent{
		Base:    NewBase(EventResponseError, sessionID, responseID),
		Message: message,
	}
}
