// ABOUTME: Broker-level errors and their mapping to wire error codes
// ABOUTME: Expected conditions keep their message; unexpected ones are reported as internal

package broker

import (
	"context"
	"errors"

	"github.com/2389/support-broker/internal/conversation"
)

var (
	// ErrUnknownSender means the socket has no bound identity.
	ErrUnknownSender = errors.New("unknown sender")

	// ErrForbidden means the identity may not perform the action.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidRequest means the payload was malformed or ambiguous.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrUnknownEvent means the client sent an event the broker does not handle.
	ErrUnknownEvent = errors.New("unknown event")
)

// Wire error codes.
const (
	CodeAlreadyAssigned    = "already_assigned"
	CodeConversationClosed = "conversation_closed"
	CodeUnknownSender      = "unknown_sender"
	CodeNotFound           = "not_found"
	CodeTimeout            = "timeout"
	CodeForbidden          = "forbidden"
	CodeInvalidRequest     = "invalid_request"
	CodeInternal           = "internal"
)

// ErrorCode maps an error to its wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, conversation.ErrAlreadyAssigned):
		return CodeAlreadyAssigned
	case errors.Is(err, conversation.ErrConversationClosed):
		return CodeConversationClosed
	case errors.Is(err, ErrUnknownSender):
		return CodeUnknownSender
	case errors.Is(err, conversation.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, conversation.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, ErrForbidden), errors.Is(err, conversation.ErrNotParticipant):
		return CodeForbidden
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrUnknownEvent),
		errors.Is(err, conversation.ErrEmptyMessage), errors.Is(err, conversation.ErrMessageTooLong):
		return CodeInvalidRequest
	}
	return CodeInternal
}

// Fail builds a failure ack. Internal errors are reported generically.
func Fail(err error) Ack {
	code := ErrorCode(err)
	msg := err.Error()
	if code == CodeInternal {
		msg = "internal error"
	}
	ack := Ack{"success": false, "error": msg, "code": code}

	var assigned *conversation.AssignedError
	if errors.As(err, &assigned) {
		ack["assignedTo"] = map[string]string{
			"agentId":   assigned.AgentID,
			"agentName": assigned.AgentName,
		}
	}
	return ack
}
