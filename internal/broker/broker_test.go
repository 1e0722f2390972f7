// ABOUTME: Tests for event dispatch, relay and presence fan-out
// ABOUTME: Uses recording peers over a MockStore-backed conversation service

package broker

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/support-broker/internal/conversation"
	"github.com/2389/support-broker/internal/registry"
	"github.com/2389/support-broker/internal/store"
)

type delivered struct {
	event   string
	payload any
}

// fakePeer records deliveries; fail makes every delivery error.
type fakePeer struct {
	mu     sync.Mutex
	events []delivered
	fail   bool
}

func (p *fakePeer) Deliver(event string, payload any) error {
	if p.fail {
		return errors.New("socket gone")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, delivered{event: event, payload: payload})
	return nil
}

func (p *fakePeer) named(event string) []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []any
	for _, d := range p.events {
		if d.event == event {
			out = append(out, d.payload)
		}
	}
	return out
}

func (p *fakePeer) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	svc := conversation.New(store.NewMockStore(), conversation.Options{LockTimeout: time.Second})
	b := New(svc, registry.New(nil), nil)
	svc.SetSink(b)
	return b
}

func connect(b *Broker, socketID, userID string, role store.Role, name string) *fakePeer {
	p := &fakePeer{}
	b.Connect(socketID, registry.Identity{UserID: userID, Role: role, DisplayName: name}, p)
	return p
}

func dispatch(t *testing.T, b *Broker, socketID, event string, data any) Ack {
	t.Helper()
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		require.NoError(t, err)
		raw = encoded
	}
	return b.Dispatch(t.Context(), socketID, event, raw)
}

func joinChat(t *testing.T, b *Broker, socketID string) *ConversationView {
	t.Helper()
	ack := dispatch(t, b, socketID, EventJoinChat, nil)
	require.True(t, ack.Success(), "join_chat failed: %v", ack)
	return ack["conversation"].(*ConversationView)
}

func TestBroker_FullScenario(t *testing.T) {
	b := newTestBroker(t)
	a1 := connect(b, "sa1", "A1", store.RoleAgent, "Alice")
	a2 := connect(b, "sa2", "A2", store.RoleAgent, "Bob")
	c1 := connect(b, "sc1", "C1", store.RoleCandidate, "Carol")

	// Candidate opens a conversation; every agent hears about it
	ack := dispatch(t, b, "sc1", EventJoinChat, map[string]string{"userId": "C1"})
	require.True(t, ack.Success())
	k1 := ack["conversation"].(*ConversationView)
	assert.Equal(t, "UNASSIGNED", k1.Status)
	assert.Nil(t, k1.AgentID)
	assert.Empty(t, ack["messages"])
	for _, p := range []*fakePeer{a1, a2} {
		announced := p.named(EventNewUnassigned)
		require.Len(t, announced, 1)
		assert.Equal(t, k1.ID, announced[0].(*ConversationView).ID)
	}

	// Both agents claim at once; exactly one wins
	acks := make(map[string]Ack)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, sock := range []struct{ socket, user string }{{"sa1", "A1"}, {"sa2", "A2"}} {
		wg.Go(func() {
			a := b.Dispatch(t.Context(), sock.socket, EventTakeConversation,
				json.RawMessage(`{"adminId":"`+sock.user+`","conversationId":"`+k1.ID+`"}`))
			mu.Lock()
			acks[sock.socket] = a
			mu.Unlock()
		})
	}
	wg.Wait()

	winnerSocket, loserSocket := "sa1", "sa2"
	winnerPeer, loserPeer := a1, a2
	if !acks["sa1"].Success() {
		winnerSocket, loserSocket = "sa2", "sa1"
		winnerPeer, loserPeer = a2, a1
	}
	require.True(t, acks[winnerSocket].Success())
	won := acks[winnerSocket]["conversation"].(*ConversationView)
	assert.Equal(t, "ASSIGNED", won.Status)
	require.NotNil(t, won.AgentID)

	lost := acks[loserSocket]
	assert.False(t, lost.Success())
	assert.Equal(t, CodeAlreadyAssigned, lost.Code())
	assert.Equal(t, *won.AgentID, lost["assignedTo"].(map[string]string)["agentId"])

	// Loser is told it was taken; candidate and winner get admin_assigned
	taken := loserPeer.named(EventConversationTaken)
	require.Len(t, taken, 1)
	assert.Equal(t, TakenNotice{ConversationID: k1.ID}, taken[0])
	assert.Empty(t, winnerPeer.named(EventConversationTaken))
	assert.Len(t, c1.named(EventAdminAssigned), 1)
	assert.Len(t, winnerPeer.named(EventAdminAssigned), 1)
	assert.Empty(t, loserPeer.named(EventAdminAssigned))

	// The join notice reaches both room members
	for _, p := range []*fakePeer{c1, winnerPeer} {
		msgs := p.named(EventNewMessage)
		require.Len(t, msgs, 1)
		assert.Equal(t, "system", msgs[0].(*MessageView).MessageType)
	}

	// Winner says hello; both room members receive it, the loser does not
	ack = dispatch(t, b, winnerSocket, EventSendMessage, map[string]string{"content": "hello"})
	require.True(t, ack.Success(), "send failed: %v", ack)
	sent := ack["message"].(*MessageView)
	// The system join notice consumed id 1, so the first chat message is 2
	assert.Equal(t, int64(2), sent.ID)
	for _, p := range []*fakePeer{c1, winnerPeer} {
		msgs := p.named(EventNewMessage)
		require.Len(t, msgs, 2)
		got := msgs[1].(*MessageView)
		assert.Equal(t, "hello", got.Content)
		assert.Equal(t, sent.ID, got.ID)
		assert.Equal(t, "AGENT", got.SenderRole)
	}
	assert.Empty(t, loserPeer.named(EventNewMessage))

	// The other agent closes it
	ack = dispatch(t, b, loserSocket, EventCloseConversation, map[string]string{"conversationId": k1.ID})
	require.True(t, ack.Success(), "close failed: %v", ack)
	assert.Equal(t, "CLOSED", ack["conversation"].(*ConversationView).Status)
	for _, p := range []*fakePeer{c1, winnerPeer} {
		closed := p.named(EventConversationClosed)
		require.Len(t, closed, 1)
		assert.Equal(t, k1.ID, closed[0].(ClosedNotice).ConversationID)
	}

	// Further sends fail
	ack = dispatch(t, b, winnerSocket, EventSendMessage, map[string]string{"content": "still there?"})
	assert.False(t, ack.Success())
	assert.Equal(t, CodeConversationClosed, ack.Code())
	ack = dispatch(t, b, "sc1", EventSendMessage, map[string]string{"content": "hello?"})
	assert.Equal(t, CodeConversationClosed, ack.Code())
}

func TestBroker_UnknownSocket(t *testing.T) {
	b := newTestBroker(t)
	ack := dispatch(t, b, "ghost", EventSendMessage, map[string]string{"content": "hi"})
	assert.False(t, ack.Success())
	assert.Equal(t, CodeUnknownSender, ack.Code())

	_, err := b.Send(t.Context(), "ghost", SendRequest{Content: "hi"})
	assert.ErrorIs(t, err, ErrUnknownSender)
}

func TestBroker_RoleChecks(t *testing.T) {
	b := newTestBroker(t)
	connect(b, "sc1", "C1", store.RoleCandidate, "Carol")
	connect(b, "sa1", "A1", store.RoleAgent, "Alice")

	cases := []struct {
		socket, event string
		data          any
	}{
		{"sc1", EventGetUnassigned, nil},
		{"sc1", EventGetAdminConversations, nil},
		{"sc1", EventTakeConversation, map[string]string{"conversationId": "x"}},
		{"sc1", EventJoinAdminRoom, map[string]string{"conversationId": "x"}},
		{"sa1", EventJoinChat, nil},
		{"sc1", EventJoinChat, map[string]string{"userId": "someone-else"}},
		{"sa1", EventGetAdminConversations, map[string]string{"adminId": "A2"}},
		{"sa1", EventTakeConversation, map[string]string{"adminId": "A2", "conversationId": "x"}},
	}
	for _, tc := range cases {
		ack := dispatch(t, b, tc.socket, tc.event, tc.data)
		assert.False(t, ack.Success(), "%s from %s", tc.event, tc.socket)
		assert.Equal(t, CodeForbidden, ack.Code(), "%s from %s", tc.event, tc.socket)
	}
}

func TestBroker_InvalidRequests(t *testing.T) {
	b := newTestBroker(t)
	connect(b, "sc1", "C1", store.RoleCandidate, "Carol")
	connect(b, "sa1", "A1", store.RoleAgent, "Alice")

	// Not in a conversation yet
	assert.Equal(t, CodeInvalidRequest, dispatch(t, b, "sc1", EventSendMessage, map[string]string{"content": "hi"}).Code())
	assert.Equal(t, CodeInvalidRequest, dispatch(t, b, "sc1", EventCloseConversation, nil).Code())

	// Malformed payload and unknown event
	ack := b.Dispatch(t.Context(), "sc1", EventJoinChat, json.RawMessage(`{"userId":`))
	assert.Equal(t, CodeInvalidRequest, ack.Code())
	assert.Equal(t, CodeInvalidRequest, dispatch(t, b, "sc1", "dance", nil).Code())

	// Missing ids
	assert.Equal(t, CodeInvalidRequest, dispatch(t, b, "sa1", EventTakeConversation, nil).Code())
	assert.Equal(t, CodeInvalidRequest, dispatch(t, b, "sa1", EventJoinAdminRoom, nil).Code())

	// Empty content
	joinChat(t, b, "sc1")
	assert.Equal(t, CodeInvalidRequest, dispatch(t, b, "sc1", EventSendMessage, map[string]string{"content": "  "}).Code())

	// Unknown conversation
	assert.Equal(t, CodeNotFound, dispatch(t, b, "sa1", EventTakeConversation, map[string]string{"conversationId": "nope"}).Code())
}

func TestBroker_JoinChatResumes(t *testing.T) {
	b := newTestBroker(t)
	a1 := connect(b, "sa1", "A1", store.RoleAgent, "Alice")
	connect(b, "sc1", "C1", store.RoleCandidate, "Carol")

	first := joinChat(t, b, "sc1")
	require.True(t, dispatch(t, b, "sc1", EventSendMessage, map[string]string{"content": "anyone?"}).Success())

	// Reconnect on a new socket
	b.Disconnect("sc1")
	c1 := connect(b, "sc1b", "C1", store.RoleCandidate, "Carol")
	ack := dispatch(t, b, "sc1b", EventJoinChat, nil)
	require.True(t, ack.Success())
	assert.Equal(t, first.ID, ack["conversation"].(*ConversationView).ID)
	assert.Equal(t, false, ack["created"])
	msgs := ack["messages"].([]*MessageView)
	require.Len(t, msgs, 1)
	assert.Equal(t, "anyone?", msgs[0].Content)

	// Resuming does not re-announce
	assert.Len(t, a1.named(EventNewUnassigned), 1)

	// The new socket is in the room
	require.True(t, dispatch(t, b, "sc1b", EventSendMessage, map[string]string{"content": "back"}).Success())
	assert.Len(t, c1.named(EventNewMessage), 1)
}

func TestBroker_SendIsIdempotentWithClientMessageID(t *testing.T) {
	b := newTestBroker(t)
	c1 := connect(b, "sc1", "C1", store.RoleCandidate, "Carol")
	joinChat(t, b, "sc1")

	req := map[string]string{"content": "hi", "clientMessageId": "m-1"}
	first := dispatch(t, b, "sc1", EventSendMessage, req)
	require.True(t, first.Success())
	second := dispatch(t, b, "sc1", EventSendMessage, req)
	require.True(t, second.Success())

	assert.Equal(t, true, second["replayed"])
	assert.Equal(t, first["message"].(*MessageView).ID, second["message"].(*MessageView).ID)
	assert.Len(t, c1.named(EventNewMessage), 1)
}

func TestBroker_DisconnectKeepsAssignment(t *testing.T) {
	b := newTestBroker(t)
	connect(b, "sa1", "A1", store.RoleAgent, "Alice")
	connect(b, "sc1", "C1", store.RoleCandidate, "Carol")
	k1 := joinChat(t, b, "sc1")
	require.True(t, dispatch(t, b, "sa1", EventTakeConversation, map[string]string{"conversationId": k1.ID}).Success())

	b.Disconnect("sa1")
	b.Disconnect("sa1") // repeated disconnect is harmless

	a1 := connect(b, "sa1b", "A1", store.RoleAgent, "Alice")
	list := dispatch(t, b, "sa1b", EventGetAdminConversations, map[string]string{"adminId": "A1"})
	require.True(t, list.Success())
	convs := list["conversations"].([]*ConversationView)
	require.Len(t, convs, 1)
	assert.Equal(t, "ASSIGNED", convs[0].Status)

	// Another agent cannot join the room
	connect(b, "sa2", "A2", store.RoleAgent, "Bob")
	denied := dispatch(t, b, "sa2", EventJoinAdminRoom, map[string]string{"conversationId": k1.ID})
	assert.Equal(t, CodeForbidden, denied.Code())

	ack := dispatch(t, b, "sa1b", EventJoinAdminRoom, map[string]string{"adminId": "A1", "conversationId": k1.ID})
	require.True(t, ack.Success(), "join_admin_room failed: %v", ack)
	assert.Len(t, ack["messages"].([]*MessageView), 1)

	require.True(t, dispatch(t, b, "sc1", EventSendMessage, map[string]string{"content": "still here"}).Success())
	assert.Len(t, a1.named(EventNewMessage), 1)
}

func TestBroker_ClosingUnassignedNotifiesAgents(t *testing.T) {
	b := newTestBroker(t)
	a1 := connect(b, "sa1", "A1", store.RoleAgent, "Alice")
	c1 := connect(b, "sc1", "C1", store.RoleCandidate, "Carol")
	k1 := joinChat(t, b, "sc1")

	ack := dispatch(t, b, "sc1", EventCloseConversation, map[string]string{"reason": "found the answer"})
	require.True(t, ack.Success())

	for _, p := range []*fakePeer{a1, c1} {
		closed := p.named(EventConversationClosed)
		require.Len(t, closed, 1)
		notice := closed[0].(ClosedNotice)
		assert.Equal(t, k1.ID, notice.ConversationID)
		assert.Equal(t, "found the answer", notice.Reason)
		assert.Contains(t, notice.Message, "Carol")
	}

	unassigned := dispatch(t, b, "sa1", EventGetUnassigned, nil)
	assert.Empty(t, unassigned["conversations"])

	// Closing again succeeds quietly
	a1.reset()
	assert.True(t, dispatch(t, b, "sa1", EventCloseConversation, map[string]string{"conversationId": k1.ID}).Success())
	assert.Empty(t, a1.named(EventConversationClosed))
}

func TestBroker_ImplicitTargetSkipsClosedRooms(t *testing.T) {
	b := newTestBroker(t)
	connect(b, "sa1", "A1", store.RoleAgent, "Alice")
	connect(b, "sc1", "C1", store.RoleCandidate, "Carol")
	c2 := connect(b, "sc2", "C2", store.RoleCandidate, "Dave")

	k1 := joinChat(t, b, "sc1")
	require.True(t, dispatch(t, b, "sa1", EventTakeConversation, map[string]string{"conversationId": k1.ID}).Success())
	require.True(t, dispatch(t, b, "sc1", EventCloseConversation, map[string]string{}).Success())

	k2 := joinChat(t, b, "sc2")
	require.True(t, dispatch(t, b, "sa1", EventTakeConversation, map[string]string{"conversationId": k2.ID}).Success())
	assert.ElementsMatch(t, []string{k1.ID, k2.ID}, b.Registry().Rooms("sa1"))

	ack := dispatch(t, b, "sa1", EventSendMessage, map[string]string{"content": "hello"})
	require.True(t, ack.Success(), "send failed: %v", ack)
	assert.Equal(t, k2.ID, ack["message"].(*MessageView).ConversationID)
	assert.Equal(t, []string{k2.ID}, b.Registry().Rooms("sa1"))

	msgs := c2.named(EventNewMessage)
	require.NotEmpty(t, msgs)
	assert.Equal(t, "hello", msgs[len(msgs)-1].(*MessageView).Content)

	closed := dispatch(t, b, "sa1", EventCloseConversation, map[string]string{})
	require.True(t, closed.Success(), "close failed: %v", closed)
	assert.Equal(t, k2.ID, closed["conversation"].(*ConversationView).ID)

	// The candidate of the first conversation still learns it is closed
	late := dispatch(t, b, "sc1", EventSendMessage, map[string]string{"content": "hello?"})
	assert.Equal(t, CodeConversationClosed, late.Code())
}

func TestBroker_ImplicitTargetWithOnlyClosedRooms(t *testing.T) {
	b := newTestBroker(t)
	connect(b, "sa1", "A1", store.RoleAgent, "Alice")
	connect(b, "sc1", "C1", store.RoleCandidate, "Carol")
	connect(b, "sc2", "C2", store.RoleCandidate, "Dave")

	for _, sock := range []string{"sc1", "sc2"} {
		k := joinChat(t, b, sock)
		require.True(t, dispatch(t, b, "sa1", EventTakeConversation, map[string]string{"conversationId": k.ID}).Success())
		require.True(t, dispatch(t, b, sock, EventCloseConversation, map[string]string{}).Success())
	}

	ack := dispatch(t, b, "sa1", EventSendMessage, map[string]string{"content": "anyone?"})
	assert.Equal(t, CodeConversationClosed, ack.Code())
	assert.Empty(t, b.Registry().Rooms("sa1"))
}

func TestBroker_FailingPeerDoesNotBlockOthers(t *testing.T) {
	b := newTestBroker(t)
	broken := connect(b, "sa0", "A0", store.RoleAgent, "Broken")
	broken.fail = true
	a1 := connect(b, "sa1", "A1", store.RoleAgent, "Alice")
	connect(b, "sc1", "C1", store.RoleCandidate, "Carol")

	ack := dispatch(t, b, "sc1", EventJoinChat, nil)
	require.True(t, ack.Success())
	assert.Len(t, a1.named(EventNewUnassigned), 1)
}

func TestBroker_CandidateCannotCloseOthers(t *testing.T) {
	b := newTestBroker(t)
	connect(b, "sc1", "C1", store.RoleCandidate, "Carol")
	connect(b, "sc2", "C2", store.RoleCandidate, "Dave")
	k1 := joinChat(t, b, "sc1")
	joinChat(t, b, "sc2")

	ack := dispatch(t, b, "sc2", EventCloseConversation, map[string]string{"conversationId": k1.ID})
	assert.Equal(t, CodeForbidden, ack.Code())
}

func TestErrorCode(t *testing.T) {
	cases := map[error]string{
		&conversation.AssignedError{AgentID: "a"}: CodeAlreadyAssigned,
		conversation.ErrConversationClosed:        CodeConversationClosed,
		ErrUnknownSender:                          CodeUnknownSender,
		conversation.ErrNotFound:                  CodeNotFound,
		conversation.ErrTimeout:                   CodeTimeout,
		ErrForbidden:                              CodeForbidden,
		conversation.ErrNotParticipant:            CodeForbidden,
		conversation.ErrMessageTooLong:            CodeInvalidRequest,
		errors.New("disk on fire"):                CodeInternal,
	}
	for err, want := range cases {
		assert.Equal(t, want, ErrorCode(err), err.Error())
	}

	ack := Fail(errors.New("disk on fire"))
	assert.Equal(t, "internal error", ack["error"])
}
