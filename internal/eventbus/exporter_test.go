// ABOUTME: Tests for the event Exporter without a NATS server
// ABOUTME: Uses a recording PublishFunc to check subjects, encoding and backpressure

package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/support-broker/internal/conversation"
	"github.com/2389/support-broker/internal/store"
)

type published struct {
	subject string
	data    []byte
	msgID   string
}

type recorder struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (r *recorder) publish(_ context.Context, subject string, data []byte, msgID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, published{subject: subject, data: data, msgID: msgID})
	return r.err
}

func (r *recorder) snapshot() []published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]published(nil), r.msgs...)
}

func assignedEvent() *conversation.Event {
	return &conversation.Event{
		Kind: conversation.EventConversationAssigned,
		Conversation: &store.Conversation{
			ID:          "conv-1",
			CandidateID: "cand-1",
			AgentID:     "agent-1",
			AgentName:   "Alice",
			Status:      store.StatusAssigned,
		},
		PreviousStatus: store.StatusUnassigned,
		At:             time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestExporter_Subject(t *testing.T) {
	e := NewExporter(nil, Options{SubjectPrefix: "hr.support."})
	assert.Equal(t, "hr.support.conversation.created", e.Subject(conversation.EventConversationCreated))

	e = NewExporter(nil, Options{})
	assert.Equal(t, "support.message.appended", e.Subject(conversation.EventMessageAppended))
}

func TestStreamSubjectsCoverPublishedSubjects(t *testing.T) {
	for _, prefix := range []string{"support", "support.", "hr.support..", ""} {
		t.Run(prefix, func(t *testing.T) {
			subjects := streamSubjects(prefix)
			require.Len(t, subjects, 1)
			assert.NotContains(t, subjects[0], "..")

			subject := NewExporter(nil, Options{SubjectPrefix: prefix}).Subject(conversation.EventConversationClosed)
			assert.True(t, strings.HasPrefix(subject, strings.TrimSuffix(subjects[0], ">")),
				"stream %s does not cover %s", subjects[0], subject)
		})
	}
}

func TestNewEnvelope(t *testing.T) {
	env := NewEnvelope(assignedEvent())
	assert.NotEmpty(t, env.ID)
	assert.Equal(t, "conversation.assigned", env.Kind)
	assert.Equal(t, "ASSIGNED", env.Status)
	assert.Equal(t, "UNASSIGNED", env.PreviousStatus)
	assert.Equal(t, "agent-1", env.AgentID)
	assert.Nil(t, env.Message)

	msgEvent := &conversation.Event{
		Kind:         conversation.EventMessageAppended,
		Conversation: &store.Conversation{ID: "conv-1", Status: store.StatusAssigned},
		Message: &store.Message{
			ConversationID: "conv-1",
			Seq:            3,
			SenderID:       "cand-1",
			SenderRole:     store.RoleCandidate,
			Content:        "hello",
			Type:           store.MessageTypeUser,
		},
	}
	env = NewEnvelope(msgEvent)
	require.NotNil(t, env.Message)
	assert.Equal(t, int64(3), env.Message.Seq)
	assert.Equal(t, "CANDIDATE", env.Message.SenderRole)
}

func TestExporter_PublishesQueuedEvents(t *testing.T) {
	rec := &recorder{}
	e := NewExporter(rec.publish, Options{})

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(ctx)
	}()

	e.Committed(assignedEvent())

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 10*time.Millisecond)
	cancel()
	<-done

	msg := rec.snapshot()[0]
	assert.Equal(t, "support.conversation.assigned", msg.subject)

	var env Envelope
	require.NoError(t, json.Unmarshal(msg.data, &env))
	assert.Equal(t, msg.msgID, env.ID)
	assert.Equal(t, "conv-1", env.ConversationID)
	assert.Equal(t, "Alice", env.AgentName)
}

func TestExporter_DropsWhenFull(t *testing.T) {
	e := NewExporter((&recorder{}).publish, Options{QueueSize: 2})

	// Run is not started, so nothing drains
	for range 5 {
		e.Committed(assignedEvent())
	}
	assert.Equal(t, int64(3), e.Dropped())
}

func TestExporter_PublishErrorsDoNotStopWorker(t *testing.T) {
	rec := &recorder{err: errors.New("no responders")}
	e := NewExporter(rec.publish, Options{})

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go func() { _ = e.Run(ctx) }()

	e.Committed(assignedEvent())
	e.Committed(assignedEvent())

	assert.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 10*time.Millisecond)
}

func TestExporter_IgnoresIncompleteEvents(t *testing.T) {
	e := NewExporter((&recorder{}).publish, Options{QueueSize: 1})
	e.Committed(nil)
	e.Committed(&conversation.Event{Kind: conversation.EventConversationCreated})
	assert.Empty(t, e.queue)
	assert.Zero(t, e.Dropped())
}
