// ABOUTME: Store interface and data types for support-broker persistence
// ABOUTME: Defines Conversation, Message structs and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrOpenConversationExists is returned when a candidate already has an open conversation
var ErrOpenConversationExists = errors.New("candidate already has an open conversation")

// ErrStatusConflict is returned when a conditional status update finds the row in another state
var ErrStatusConflict = errors.New("conversation status changed")

// ErrDuplicateMessage is returned when a message reuses a sequence number or client message id
var ErrDuplicateMessage = errors.New("duplicate message")

// Status is the lifecycle state of a conversation
type Status string

const (
	StatusUnassigned Status = "UNASSIGNED"
	StatusAssigned   Status = "ASSIGNED"
	StatusClosed     Status = "CLOSED"
)

// Open reports whether the conversation can still change state
func (s Status) Open() bool {
	return s == StatusUnassigned || s == StatusAssigned
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusUnassigned, StatusAssigned, StatusClosed:
		return true
	}
	return false
}

// Role identifies who authored a message or owns a connection
type Role string

const (
	RoleCandidate Role = "CANDIDATE"
	RoleAgent     Role = "AGENT"
	RoleSystem    Role = "SYSTEM"
)

// MessageType constants for message types
const (
	MessageTypeUser   = "user"   // Sent by a candidate or agent
	MessageTypeSystem = "system" // Generated by the broker (joins, closes)
)

// Conversation is a support thread between one candidate and at most one agent
type Conversation struct {
	ID            string
	CandidateID   string
	CandidateName string
	AgentID       string // empty while UNASSIGNED
	AgentName     string
	Status        Status
	CreatedAt     time.Time
	AssignedAt    *time.Time
	ClosedAt      *time.Time
	ClosedBy      string
}

// Message is a single entry in a conversation, ordered by Seq
type Message struct {
	ConversationID string
	Seq            int64 // per-conversation sequence, starts at 1
	SenderID       string
	SenderName     string
	SenderRole     Role
	Content        string
	Type           string // "user" or "system"
	ClientID       string // optional client-supplied id for idempotent retries, unique per sender
	CreatedAt      time.Time
}

// ConversationFilter narrows ListConversations. Zero values match everything.
type ConversationFilter struct {
	Status      Status
	AgentID     string
	CandidateID string
	Limit       int
}

// Store defines the interface for conversation and message persistence
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetOpenConversationByCandidate(ctx context.Context, candidateID string) (*Conversation, error)
	ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error)

	// AssignConversation sets the agent only if the conversation is UNASSIGNED.
	// Returns ErrStatusConflict otherwise.
	AssignConversation(ctx context.Context, id, agentID, agentName string, at time.Time) error

	// CloseConversation marks an open conversation CLOSED.
	// Returns ErrStatusConflict if it was already closed.
	CloseConversation(ctx context.Context, id, closedBy string, at time.Time) error

	// Messages
	SaveMessage(ctx context.Context, msg *Message) error
	GetMessages(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]*Message, error)
	GetMessage(ctx context.Context, conversationID string, seq int64) (*Message, error)
	GetMessageByClientID(ctx context.Context, conversationID, senderID, clientID string) (*Message, error)
	LastMessageSeq(ctx context.Context, conversationID string) (int64, error)

	// Close releases any resources held by the store
	Close() error
}
