// ABOUTME: Wire contract for the real-time channel: event names, JSON views and acks
// ABOUTME: Views are built once per committed event and shared read-only across recipients

package broker

import (
	"time"

	"github.com/2389/support-broker/internal/store"
)

// Client to broker events.
const (
	EventJoinChat              = "join_chat"
	EventJoinAdminRoom         = "join_admin_room"
	EventGetUnassigned         = "get_unassigned_conversations"
	EventGetAdminConversations = "get_admin_conversations"
	EventTakeConversation      = "admin_take_conversation"
	EventSendMessage           = "send_message"
	EventCloseConversation     = "close_conversation"
)

// Broker to client events.
const (
	EventNewMessage         = "new_message"
	EventAdminAssigned      = "admin_assigned"
	EventConversationTaken  = "conversation_taken"
	EventNewUnassigned      = "new_unassigned_conversation"
	EventConversationClosed = "conversation_closed"
)

// ConversationView is the JSON shape of a conversation.
type ConversationView struct {
	ID            string     `json:"id"`
	CandidateID   string     `json:"candidateId"`
	CandidateName string     `json:"candidateName"`
	AgentID       *string    `json:"agentId"`
	AgentName     *string    `json:"agentName"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"createdAt"`
	AssignedAt    *time.Time `json:"assignedAt,omitempty"`
	ClosedAt      *time.Time `json:"closedAt,omitempty"`
	ClosedBy      string     `json:"closedBy,omitempty"`
}

// MessageView is the JSON shape of a message. ID is the per-conversation sequence.
type MessageView struct {
	ID              int64     `json:"id"`
	ConversationID  string    `json:"conversationId"`
	SenderID        string    `json:"senderId"`
	SenderName      string    `json:"senderName"`
	SenderRole      string    `json:"senderRole"`
	Content         string    `json:"content"`
	MessageType     string    `json:"messageType"`
	CreatedAt       time.Time `json:"createdAt"`
	ClientMessageID string    `json:"clientMessageId,omitempty"`
}

// TakenNotice tells other agents a conversation is no longer available.
type TakenNotice struct {
	ConversationID string `json:"conversationId"`
}

// ClosedNotice tells a room its conversation ended.
type ClosedNotice struct {
	ConversationID string `json:"conversationId"`
	Message        string `json:"message"`
	Reason         string `json:"reason,omitempty"`
	ClosedBy       string `json:"closedBy,omitempty"`
}

// NewConversationView converts a stored conversation.
func NewConversationView(c *store.Conversation) *ConversationView {
	if c == nil {
		return nil
	}
	v := &ConversationView{
		ID:            c.ID,
		CandidateID:   c.CandidateID,
		CandidateName: c.CandidateName,
		Status:        string(c.Status),
		CreatedAt:     c.CreatedAt,
		AssignedAt:    c.AssignedAt,
		ClosedAt:      c.ClosedAt,
		ClosedBy:      c.ClosedBy,
	}
	if c.AgentID != "" {
		agentID, agentName := c.AgentID, c.AgentName
		v.AgentID = &agentID
		v.AgentName = &agentName
	}
	return v
}

// NewConversationViews converts a list, never returning nil.
func NewConversationViews(convs []*store.Conversation) []*ConversationView {
	views := make([]*ConversationView, len(convs))
	for i, c := range convs {
		views[i] = NewConversationView(c)
	}
	return views
}

// NewMessageView converts a stored message.
func NewMessageView(m *store.Message) *MessageView {
	if m == nil {
		return nil
	}
	return &MessageView{
		ID:              m.Seq,
		ConversationID:  m.ConversationID,
		SenderID:        m.SenderID,
		SenderName:      m.SenderName,
		SenderRole:      string(m.SenderRole),
		Content:         m.Content,
		MessageType:     m.Type,
		CreatedAt:       m.CreatedAt,
		ClientMessageID: m.ClientID,
	}
}

// NewMessageViews converts a list, never returning nil.
func NewMessageViews(msgs []*store.Message) []*MessageView {
	views := make([]*MessageView, len(msgs))
	for i, m := range msgs {
		views[i] = NewMessageView(m)
	}
	return views
}

// Ack answers a client event. It always carries "success"; failures add
// "error" and "code".
type Ack map[string]any

// OK returns a successful ack.
func OK() Ack { return Ack{"success": true} }

// With sets a field and returns the ack for chaining.
func (a Ack) With(key string, value any) Ack {
	a[key] = value
	return a
}

// Success reports whether the ack is a success.
func (a Ack) Success() bool {
	ok, _ := a["success"].(bool)
	return ok
}

// Code returns the failure code, or "".
func (a Ack) Code() string {
	code, _ := a["code"].(string)
	return code
}
