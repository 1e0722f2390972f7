// ABOUTME: Message relay: resolves the sender and target conversation, then appends
// ABOUTME: Delivery to the room happens when the append is committed, via the Sink

package broker

import (
	"context"
	"fmt"

	"github.com/2389/support-broker/internal/conversation"
	"github.com/2389/support-broker/internal/registry"
	"github.com/2389/support-broker/internal/store"
)

// SendRequest is the send_message payload.
type SendRequest struct {
	ConversationID  string `json:"conversationId"`
	Content         string `json:"content"`
	ClientMessageID string `json:"clientMessageId"`
}

// Send appends a message from the socket's identity to its conversation.
func (b *Broker) Send(ctx context.Context, socketID string, req SendRequest) (*conversation.Appended, error) {
	id, ok := b.registry.Identity(socketID)
	if !ok {
		return nil, ErrUnknownSender
	}
	convID, err := b.resolveRoom(ctx, socketID, req.ConversationID)
	if err != nil {
		return nil, err
	}

	out, err := b.conversations.AppendMessage(ctx, conversation.AppendInput{
		ConversationID: convID,
		SenderID:       id.UserID,
		SenderName:     id.DisplayName,
		SenderRole:     id.Role,
		Content:        req.Content,
		ClientID:       req.ClientMessageID,
		Origin:         socketID,
	})
	if err != nil {
		return nil, err
	}
	if out.Replayed {
		b.logger.Debug("replayed client message", "conversation_id", convID, "seq", out.Message.Seq)
	}
	return out, nil
}

// relayMessage delivers a committed message to everyone in its room,
// including the sender's own sockets.
func (b *Broker) relayMessage(msg *store.Message) {
	if msg == nil {
		return
	}
	b.deliver(b.registry.RoomMembers(msg.ConversationID), EventNewMessage, NewMessageView(msg))
}

// resolveRoom picks the conversation a socket is acting on: the explicit id
// if the socket is in that room, otherwise its only open room. An agent keeps
// the rooms of conversations that closed under it; those are dropped once it
// holds another.
func (b *Broker) resolveRoom(ctx context.Context, socketID, explicit string) (string, error) {
	if explicit != "" {
		if !b.registry.InRoom(socketID, explicit) {
			return "", fmt.Errorf("%w: not joined to conversation %s", ErrForbidden, explicit)
		}
		return explicit, nil
	}
	rooms := b.registry.Rooms(socketID)
	switch len(rooms) {
	case 0:
		return "", fmt.Errorf("%w: not in a conversation", ErrInvalidRequest)
	case 1:
		return rooms[0], nil
	}

	var open []string
	for _, room := range rooms {
		conv, err := b.conversations.Get(ctx, room)
		if err != nil {
			return "", err
		}
		if conv.Status == store.StatusClosed {
			b.registry.LeaveRoom(socketID, room)
			continue
		}
		open = append(open, room)
	}
	switch len(open) {
	case 0:
		return "", fmt.Errorf("%w: every joined conversation is closed", conversation.ErrConversationClosed)
	case 1:
		return open[0], nil
	}
	return "", fmt.Errorf("%w: conversationId is required when in %d conversations", ErrInvalidRequest, len(open))
}

// resolveClose picks the conversation to close. Agents may close any
// conversation by id; candidates only one whose room they are in.
func (b *Broker) resolveClose(ctx context.Context, socketID string, id registry.Identity, explicit string) (string, error) {
	if explicit != "" && id.IsAgent() {
		return explicit, nil
	}
	return b.resolveRoom(ctx, socketID, explicit)
}
