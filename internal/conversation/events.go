// ABOUTME: Committed-event types emitted by the conversation service
// ABOUTME: Sinks receive events in commit order while the conversation is still serialized

package conversation

import (
	"time"

	"github.com/2389/support-broker/internal/store"
)

// EventKind names a committed state change.
type EventKind string

const (
	EventConversationCreated  EventKind = "conversation.created"
	EventConversationAssigned EventKind = "conversation.assigned"
	EventConversationClosed   EventKind = "conversation.closed"
	EventMessageAppended      EventKind = "message.appended"
)

// Event describes one committed change. Conversation is always set and
// reflects the state after the change; Message is set for EventMessageAppended.
// Sinks must treat both as read-only.
type Event struct {
	Kind           EventKind
	Conversation   *store.Conversation
	Message        *store.Message
	PreviousStatus store.Status
	Reason         string // close reason, if any
	Origin         string // opaque id of the connection that caused the change
	At             time.Time
}

// Sink receives committed events. Committed is called while the conversation's
// serialization point is held, so implementations must only enqueue work and
// return; they must never block on network I/O.
type Sink interface {
	Committed(ev *Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ev *Event)

// Committed calls f(ev).
func (f SinkFunc) Committed(ev *Event) { f(ev) }

// MultiSink fans one event out to several sinks in order.
type MultiSink []Sink

// Committed forwards ev to every non-nil sink.
func (m MultiSink) Committed(ev *Event) {
	for _, s := range m {
		if s != nil {
			s.Committed(ev)
		}
	}
}

type discardSink struct{}

func (discardSink) Committed(*Event) {}
