// ABOUTME: Error taxonomy for conversation state transitions
// ABOUTME: Sentinels plus AssignedError, which names the current holder of a lost claim

package conversation

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the conversation id does not exist.
	ErrNotFound = errors.New("conversation not found")

	// ErrAlreadyAssigned means a claim lost to an earlier one. The returned
	// error is an *AssignedError naming the holder.
	ErrAlreadyAssigned = errors.New("conversation already assigned")

	// ErrConversationClosed means the action targets a terminal conversation.
	ErrConversationClosed = errors.New("conversation is closed")

	// ErrTimeout means the conversation's serialization point was not
	// available within the configured lock timeout.
	ErrTimeout = errors.New("timed out waiting for conversation")

	// ErrNotParticipant means the sender is neither the conversation's
	// candidate nor its assigned agent.
	ErrNotParticipant = errors.New("not a participant in this conversation")

	// ErrEmptyMessage means the message content was blank after trimming.
	ErrEmptyMessage = errors.New("message content is empty")

	// ErrMessageTooLong means the content exceeded the configured limit.
	ErrMessageTooLong = errors.New("message content too long")
)

// AssignedError reports who holds a conversation when a claim fails.
type AssignedError struct {
	ConversationID string
	AgentID        string
	AgentName      string
}

func (e *AssignedError) Error() string {
	return fmt.Sprintf("conversation %s already assigned to %s (%s)", e.ConversationID, e.AgentName, e.AgentID)
}

// Is makes errors.Is(err, ErrAlreadyAssigned) match.
func (e *AssignedError) Is(target error) bool {
	return target == ErrAlreadyAssigned
}
