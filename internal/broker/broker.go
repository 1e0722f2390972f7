// ABOUTME: Broker routes client events to the conversation service and registry
// ABOUTME: Every client event gets exactly one ack, success or failure

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/support-broker/internal/conversation"
	"github.com/2389/support-broker/internal/registry"
	"github.com/2389/support-broker/internal/store"
)

// Broker ties connections to conversations.
type Broker struct {
	conversations *conversation.Service
	registry      *registry.Registry
	logger        *slog.Logger
}

// New creates a Broker. The caller registers it as a sink on svc.
func New(svc *conversation.Service, reg *registry.Registry, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		conversations: svc,
		registry:      reg,
		logger:        logger.With("component", "broker"),
	}
}

// Connect binds a freshly authenticated socket.
func (b *Broker) Connect(socketID string, id registry.Identity, peer registry.Peer) {
	b.registry.Bind(socketID, id, peer)
}

// Disconnect forgets a socket. Conversation assignments are left untouched.
func (b *Broker) Disconnect(socketID string) {
	rooms := b.registry.Unbind(socketID)
	b.logger.Debug("socket disconnected", "socket_id", socketID, "rooms", rooms)
}

// Registry exposes the connection registry for read-only use.
func (b *Broker) Registry() *registry.Registry { return b.registry }

// Dispatch handles one client event and returns its ack.
func (b *Broker) Dispatch(ctx context.Context, socketID, event string, data json.RawMessage) Ack {
	id, ok := b.registry.Identity(socketID)
	if !ok {
		return Fail(ErrUnknownSender)
	}

	ack, err := b.handle(ctx, socketID, id, event, data)
	if err != nil {
		code := ErrorCode(err)
		if code == CodeInternal {
			b.logger.Error("event failed", "event", event, "socket_id", socketID, "user_id", id.UserID, "error", err)
		} else {
			b.logger.Debug("event rejected", "event", event, "socket_id", socketID, "code", code, "error", err)
		}
		return Fail(err)
	}
	return ack
}

func (b *Broker) handle(ctx context.Context, socketID string, id registry.Identity, event string, data json.RawMessage) (Ack, error) {
	switch event {
	case EventJoinChat:
		var req struct {
			UserID string `json:"userId"`
		}
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		return b.joinChat(ctx, socketID, id, req.UserID)

	case EventJoinAdminRoom:
		var req struct {
			AdminID        string `json:"adminId"`
			ConversationID string `json:"conversationId"`
		}
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		return b.joinAdminRoom(ctx, socketID, id, req.AdminID, req.ConversationID)

	case EventGetUnassigned:
		if err := requireAgent(id, ""); err != nil {
			return nil, err
		}
		convs, err := b.conversations.ListUnassigned(ctx)
		if err != nil {
			return nil, err
		}
		return OK().With("conversations", NewConversationViews(convs)), nil

	case EventGetAdminConversations:
		var req struct {
			AdminID string `json:"adminId"`
		}
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		if err := requireAgent(id, req.AdminID); err != nil {
			return nil, err
		}
		convs, err := b.conversations.ListForAgent(ctx, id.UserID)
		if err != nil {
			return nil, err
		}
		return OK().With("conversations", NewConversationViews(convs)), nil

	case EventTakeConversation:
		var req struct {
			AdminID        string `json:"adminId"`
			ConversationID string `json:"conversationId"`
		}
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		return b.take(ctx, socketID, id, req.AdminID, req.ConversationID)

	case EventSendMessage:
		var req SendRequest
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		out, err := b.Send(ctx, socketID, req)
		if err != nil {
			return nil, err
		}
		ack := OK().With("message", NewMessageView(out.Message))
		if out.Replayed {
			ack = ack.With("replayed", true)
		}
		return ack, nil

	case EventCloseConversation:
		var req struct {
			ConversationID string `json:"conversationId"`
			Reason         string `json:"reason"`
		}
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		return b.closeConversation(ctx, socketID, id, req.ConversationID, req.Reason)
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, event)
}

// joinChat resumes or opens the candidate's conversation and moves the
// socket into its room.
func (b *Broker) joinChat(ctx context.Context, socketID string, id registry.Identity, userID string) (Ack, error) {
	if !id.IsCandidate() {
		return nil, fmt.Errorf("%w: join_chat is for candidates", ErrForbidden)
	}
	if userID != "" && userID != id.UserID {
		return nil, fmt.Errorf("%w: userId does not match the connection", ErrForbidden)
	}

	res, err := b.conversations.CreateOrResume(ctx, conversation.ResumeInput{
		CandidateID:   id.UserID,
		CandidateName: id.DisplayName,
		Origin:        socketID,
		OnJoin: func(conv *store.Conversation) {
			b.registry.LeaveAllRooms(socketID)
			b.registry.JoinRoom(socketID, conv.ID)
		},
	})
	if err != nil {
		return nil, err
	}

	return OK().
		With("conversation", NewConversationView(res.Conversation)).
		With("messages", NewMessageViews(res.Messages)).
		With("created", res.Created), nil
}

// joinAdminRoom restores an agent's room membership for a conversation it
// already holds, typically after a reconnect.
func (b *Broker) joinAdminRoom(ctx context.Context, socketID string, id registry.Identity, adminID, convID string) (Ack, error) {
	if err := requireAgent(id, adminID); err != nil {
		return nil, err
	}
	if convID == "" {
		return nil, fmt.Errorf("%w: conversationId is required", ErrInvalidRequest)
	}

	res, err := b.conversations.Enter(ctx, convID, func(conv *store.Conversation) error {
		if conv.Status == store.StatusClosed {
			return fmt.Errorf("%w: %s", conversation.ErrConversationClosed, conv.ID)
		}
		if conv.AgentID != id.UserID {
			return fmt.Errorf("%w: conversation is not assigned to you", ErrForbidden)
		}
		b.registry.JoinRoom(socketID, conv.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return OK().
		With("conversation", NewConversationView(res.Conversation)).
		With("messages", NewMessageViews(res.Messages)), nil
}

// take runs the claim. Room join and fan-out happen in the Sink when the
// assignment commits.
func (b *Broker) take(ctx context.Context, socketID string, id registry.Identity, adminID, convID string) (Ack, error) {
	if err := requireAgent(id, adminID); err != nil {
		return nil, err
	}
	if convID == "" {
		return nil, fmt.Errorf("%w: conversationId is required", ErrInvalidRequest)
	}

	conv, err := b.conversations.Claim(ctx, conversation.ClaimInput{
		ConversationID: convID,
		AgentID:        id.UserID,
		AgentName:      id.DisplayName,
		Origin:         socketID,
	})
	if err != nil {
		var assigned *conversation.AssignedError
		if errors.As(err, &assigned) {
			b.logger.Info("claim lost", "conversation_id", convID, "agent_id", id.UserID, "holder", assigned.AgentID)
		}
		return nil, err
	}
	return OK().With("conversation", NewConversationView(conv)), nil
}

func (b *Broker) closeConversation(ctx context.Context, socketID string, id registry.Identity, explicit, reason string) (Ack, error) {
	convID, err := b.resolveClose(ctx, socketID, id, explicit)
	if err != nil {
		return nil, err
	}

	out, err := b.conversations.Close(ctx, conversation.CloseInput{
		ConversationID: convID,
		ActorID:        id.UserID,
		ActorName:      id.DisplayName,
		Reason:         reason,
		Origin:         socketID,
	})
	if err != nil {
		return nil, err
	}
	return OK().With("conversation", NewConversationView(out.Conversation)), nil
}

// requireAgent checks the identity is an agent and, if adminID is given,
// that it names the connection's own user.
func requireAgent(id registry.Identity, adminID string) error {
	if !id.IsAgent() {
		return fmt.Errorf("%w: agents only", ErrForbidden)
	}
	if adminID != "" && adminID != id.UserID {
		return fmt.Errorf("%w: adminId does not match the connection", ErrForbidden)
	}
	return nil
}

// decode unmarshals an optional payload.
func decode(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}
