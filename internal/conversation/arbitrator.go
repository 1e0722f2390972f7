// ABOUTME: Claim performs the single UNASSIGNED -> ASSIGNED transition
// ABOUTME: Check and set happen under the conversation lock and again in the store

package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/support-broker/internal/store"
)

// ClaimInput identifies the agent claiming a conversation.
type ClaimInput struct {
	ConversationID string
	AgentID        string
	AgentName      string
	Origin         string
}

// Claim assigns the conversation to the agent if nobody holds it yet.
// Concurrent claims on one conversation resolve to exactly one winner; losers
// get an *AssignedError naming the holder, or ErrConversationClosed.
func (s *Service) Claim(ctx context.Context, in ClaimInput) (*store.Conversation, error) {
	if in.AgentID == "" {
		return nil, errors.New("agent id is required")
	}

	unlock, err := s.acquire(ctx, conversationKey(in.ConversationID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	conv, err := s.load(ctx, in.ConversationID)
	if err != nil {
		return nil, err
	}
	if err := claimable(conv); err != nil {
		return nil, err
	}

	assignedAt := s.now()
	if err := s.store.AssignConversation(ctx, conv.ID, in.AgentID, in.AgentName, assignedAt); err != nil {
		if !errors.Is(err, store.ErrStatusConflict) {
			return nil, fmt.Errorf("assigning conversation: %w", err)
		}
		// The row changed underneath us, e.g. another process sharing the database.
		current, loadErr := s.load(ctx, conv.ID)
		if loadErr != nil {
			return nil, loadErr
		}
		if err := claimable(current); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("assigning conversation: %w", err)
	}

	conv.AgentID = in.AgentID
	conv.AgentName = in.AgentName
	conv.Status = store.StatusAssigned
	conv.AssignedAt = &assignedAt

	s.logger.Info("conversation claimed", "conversation_id", conv.ID, "agent_id", in.AgentID)
	s.emit(&Event{
		Kind:           EventConversationAssigned,
		Conversation:   conv,
		PreviousStatus: store.StatusUnassigned,
		Origin:         in.Origin,
		At:             assignedAt,
	})

	name := in.AgentName
	if name == "" {
		name = in.AgentID
	}
	if err := s.appendLocked(ctx, conv, s.systemMessage(conv, name+" joined the conversation"), in.Origin); err != nil {
		s.logger.Error("recording join message failed", "conversation_id", conv.ID, "error", err)
	}

	return conv, nil
}

func claimable(conv *store.Conversation) error {
	switch conv.Status {
	case store.StatusClosed:
		return fmt.Errorf("%w: %s", ErrConversationClosed, conv.ID)
	case store.StatusAssigned:
		return &AssignedError{ConversationID: conv.ID, AgentID: conv.AgentID, AgentName: conv.AgentName}
	}
	return nil
}
