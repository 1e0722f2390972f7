// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation // keyed by conversation ID
	messages      map[string][]*Message    // keyed by conversation ID, ascending seq
	order         []string                 // conversation IDs in creation order
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
	}
}

func copyConversation(c *Conversation) *Conversation {
	cp := *c
	if c.AssignedAt != nil {
		t := *c.AssignedAt
		cp.AssignedAt = &t
	}
	if c.ClosedAt != nil {
		t := *c.ClosedAt
		cp.ClosedAt = &t
	}
	return &cp
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conv.Status.Open() {
		for _, existing := range m.conversations {
			if existing.CandidateID == conv.CandidateID && existing.Status.Open() {
				return ErrOpenConversationExists
			}
		}
	}

	m.conversations[conv.ID] = copyConversation(conv)
	m.order = append(m.order, conv.ID)
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConversation(c), nil
}

// GetOpenConversationByCandidate returns the candidate's open conversation.
func (m *MockStore) GetOpenConversationByCandidate(ctx context.Context, candidateID string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, id := range m.order {
		c := m.conversations[id]
		if c.CandidateID == candidateID && c.Status.Open() {
			return copyConversation(c), nil
		}
	}
	return nil, ErrNotFound
}

// ListConversations returns conversations matching filter in creation order.
func (m *MockStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Conversation
	for _, id := range m.order {
		c := m.conversations[id]
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		if filter.AgentID != "" && c.AgentID != filter.AgentID {
			continue
		}
		if filter.CandidateID != "" && c.CandidateID != filter.CandidateID {
			continue
		}
		result = append(result, copyConversation(c))
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

// AssignConversation sets the agent if the conversation is UNASSIGNED.
func (m *MockStore) AssignConversation(ctx context.Context, id, agentID, agentName string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	if c.Status != StatusUnassigned {
		return ErrStatusConflict
	}
	c.AgentID = agentID
	c.AgentName = agentName
	c.Status = StatusAssigned
	c.AssignedAt = &at
	return nil
}

// CloseConversation marks an open conversation CLOSED.
func (m *MockStore) CloseConversation(ctx context.Context, id, closedBy string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	if c.Status == StatusClosed {
		return ErrStatusConflict
	}
	c.Status = StatusClosed
	c.ClosedAt = &at
	c.ClosedBy = closedBy
	return nil
}

// SaveMessage appends a message, rejecting duplicate seq or client id.
func (m *MockStore) SaveMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[msg.ConversationID]; !ok {
		return ErrNotFound
	}
	for _, existing := range m.messages[msg.ConversationID] {
		if existing.Seq == msg.Seq {
			return ErrDuplicateMessage
		}
		if msg.ClientID != "" && existing.ClientID == msg.ClientID && existing.SenderID == msg.SenderID {
			return ErrDuplicateMessage
		}
	}

	cp := *msg
	if cp.Type == "" {
		cp.Type = MessageTypeUser
	}
	msgs := append(m.messages[msg.ConversationID], &cp)
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Seq < msgs[j].Seq })
	m.messages[msg.ConversationID] = msgs
	return nil
}

// GetMessages returns messages after afterSeq in ascending order.
func (m *MockStore) GetMessages(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Message
	for _, msg := range m.messages[conversationID] {
		if msg.Seq <= afterSeq {
			continue
		}
		cp := *msg
		result = append(result, &cp)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// GetMessage returns a message by sequence number.
func (m *MockStore) GetMessage(ctx context.Context, conversationID string, seq int64) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, msg := range m.messages[conversationID] {
		if msg.Seq == seq {
			cp := *msg
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// GetMessageByClientID returns a sender's message by client id.
func (m *MockStore) GetMessageByClientID(ctx context.Context, conversationID, senderID, clientID string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, msg := range m.messages[conversationID] {
		if msg.ClientID == clientID && msg.SenderID == senderID {
			cp := *msg
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// LastMessageSeq returns the highest sequence number, or 0.
func (m *MockStore) LastMessageSeq(ctx context.Context, conversationID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[conversationID]
	if len(msgs) == 0 {
		return 0, nil
	}
	return msgs[len(msgs)-1].Seq, nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

// Compile-time interface checks
var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
