// ABOUTME: Presence fan-out of conversation lifecycle events to agents and rooms
// ABOUTME: Runs as the conversation Sink; per-recipient failures are logged and skipped

package broker

import (
	"github.com/2389/support-broker/internal/conversation"
	"github.com/2389/support-broker/internal/registry"
	"github.com/2389/support-broker/internal/store"
)

// Committed implements conversation.Sink. It runs while the conversation is
// serialized, so deliveries for one conversation are enqueued in commit order.
func (b *Broker) Committed(ev *conversation.Event) {
	if ev == nil || ev.Conversation == nil {
		return
	}
	switch ev.Kind {
	case conversation.EventConversationCreated:
		b.announceNewUnassigned(ev.Conversation)
	case conversation.EventConversationAssigned:
		b.joinClaimant(ev)
		b.announceTaken(ev.Conversation)
		b.announceAssigned(ev.Conversation)
	case conversation.EventMessageAppended:
		b.relayMessage(ev.Message)
	case conversation.EventConversationClosed:
		b.announceClosed(ev)
	}
}

// announceNewUnassigned tells every connected agent a conversation is waiting.
func (b *Broker) announceNewUnassigned(conv *store.Conversation) {
	b.deliver(b.registry.Agents(), EventNewUnassigned, NewConversationView(conv))
}

// announceTaken tells every agent except the winner that the conversation is gone.
func (b *Broker) announceTaken(conv *store.Conversation) {
	var others []registry.Member
	for _, m := range b.registry.Agents() {
		if m.Identity.UserID != conv.AgentID {
			others = append(others, m)
		}
	}
	b.deliver(others, EventConversationTaken, TakenNotice{ConversationID: conv.ID})
}

// announceAssigned tells the room (the candidate) and all of the winner's
// sockets who now holds the conversation.
func (b *Broker) announceAssigned(conv *store.Conversation) {
	recipients := union(b.registry.RoomMembers(conv.ID), b.registry.SocketsForUser(conv.AgentID))
	b.deliver(recipients, EventAdminAssigned, NewConversationView(conv))
}

// joinClaimant puts the claiming socket into the room before the join
// message is relayed, so the winner sees it.
func (b *Broker) joinClaimant(ev *conversation.Event) {
	if ev.Origin == "" {
		return
	}
	id, ok := b.registry.Identity(ev.Origin)
	if !ok || id.UserID != ev.Conversation.AgentID {
		return
	}
	b.registry.JoinRoom(ev.Origin, ev.Conversation.ID)
}

// announceClosed tells the room the conversation ended. A conversation closed
// before anyone claimed it also disappears from every agent's unassigned list.
func (b *Broker) announceClosed(ev *conversation.Event) {
	conv := ev.Conversation
	notice := ClosedNotice{
		ConversationID: conv.ID,
		Message:        "Conversation closed",
		Reason:         ev.Reason,
		ClosedBy:       conv.ClosedBy,
	}
	if ev.Message != nil {
		notice.Message = ev.Message.Content
	}

	recipients := b.registry.RoomMembers(conv.ID)
	if ev.PreviousStatus == store.StatusUnassigned {
		recipients = union(recipients, b.registry.Agents())
	}
	b.deliver(recipients, EventConversationClosed, notice)
}

func (b *Broker) deliver(members []registry.Member, event string, payload any) {
	for _, m := range members {
		if err := m.Peer.Deliver(event, payload); err != nil {
			b.logger.Debug("fan-out delivery failed",
				"event", event,
				"socket_id", m.SocketID,
				"user_id", m.Identity.UserID,
				"error", err)
		}
	}
}

// union merges member lists, keeping the first occurrence of each socket.
func union(lists ...[]registry.Member) []registry.Member {
	seen := make(map[string]struct{})
	var out []registry.Member
	for _, list := range lists {
		for _, m := range list {
			if _, ok := seen[m.SocketID]; ok {
				continue
			}
			seen[m.SocketID] = struct{}{}
			out = append(out, m)
		}
	}
	return out
}
