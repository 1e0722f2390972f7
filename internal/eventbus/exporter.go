// ABOUTME: Exporter turns committed conversation events into bus messages
// ABOUTME: Enqueue is non-blocking; a single worker publishes outside any conversation lock

package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/support-broker/internal/conversation"
)

const (
	defaultQueueSize      = 1024
	defaultPublishTimeout = 5 * time.Second
	defaultSubjectPrefix  = "support"
)

// PublishFunc publishes one message. msgID is used for broker-side deduplication.
type PublishFunc func(ctx context.Context, subject string, data []byte, msgID string) error

// Envelope is the JSON body of every exported event.
type Envelope struct {
	ID             string         `json:"id"`
	Kind           string         `json:"kind"`
	At             time.Time      `json:"at"`
	ConversationID string         `json:"conversationId"`
	Status         string         `json:"status"`
	PreviousStatus string         `json:"previousStatus,omitempty"`
	CandidateID    string         `json:"candidateId"`
	CandidateName  string         `json:"candidateName,omitempty"`
	AgentID        string         `json:"agentId,omitempty"`
	AgentName      string         `json:"agentName,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	Message        *MessageRecord `json:"message,omitempty"`
}

// MessageRecord is the message part of an Envelope.
type MessageRecord struct {
	Seq        int64     `json:"seq"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	SenderRole string    `json:"senderRole"`
	Content    string    `json:"content"`
	Type       string    `json:"type"`
	CreatedAt  time.Time `json:"createdAt"`
}

type outbound struct {
	subject string
	data    []byte
	msgID   string
}

// Options tunes an Exporter. Zero values select defaults.
type Options struct {
	SubjectPrefix  string
	QueueSize      int
	PublishTimeout time.Duration
	Logger         *slog.Logger
}

// Exporter is a conversation.Sink that forwards events to a message bus.
type Exporter struct {
	publish PublishFunc
	prefix  string
	timeout time.Duration
	queue   chan outbound
	dropped atomic.Int64
	logger  *slog.Logger
}

// NewExporter creates an Exporter. Call Run to start publishing.
func NewExporter(publish PublishFunc, opts Options) *Exporter {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = defaultPublishTimeout
	}
	return &Exporter{
		publish: publish,
		prefix:  subjectPrefix(opts.SubjectPrefix),
		timeout: opts.PublishTimeout,
		queue:   make(chan outbound, opts.QueueSize),
		logger:  logger.With("component", "eventbus"),
	}
}

// subjectPrefix normalizes a configured prefix; "support." and "support" are the same.
func subjectPrefix(prefix string) string {
	prefix = strings.TrimRight(prefix, ".")
	if prefix == "" {
		return defaultSubjectPrefix
	}
	return prefix
}

// streamSubjects is the subject filter of the stream that captures every
// event published under prefix.
func streamSubjects(prefix string) []string {
	return []string{subjectPrefix(prefix) + ".>"}
}

// Subject returns the subject an event kind is published on.
func (e *Exporter) Subject(kind conversation.EventKind) string {
	return e.prefix + "." + string(kind)
}

// NewEnvelope converts a committed event.
func NewEnvelope(ev *conversation.Event) *Envelope {
	conv := ev.Conversation
	env := &Envelope{
		ID:             uuid.New().String(),
		Kind:           string(ev.Kind),
		At:             ev.At,
		ConversationID: conv.ID,
		Status:         string(conv.Status),
		PreviousStatus: string(ev.PreviousStatus),
		CandidateID:    conv.CandidateID,
		CandidateName:  conv.CandidateName,
		AgentID:        conv.AgentID,
		AgentName:      conv.AgentName,
		Reason:         ev.Reason,
	}
	if m := ev.Message; m != nil && ev.Kind == conversation.EventMessageAppended {
		env.Message = &MessageRecord{
			Seq:        m.Seq,
			SenderID:   m.SenderID,
			SenderName: m.SenderName,
			SenderRole: string(m.SenderRole),
			Content:    m.Content,
			Type:       m.Type,
			CreatedAt:  m.CreatedAt,
		}
	}
	return env
}

// Committed implements conversation.Sink. It never blocks; when the queue
// is full the event is dropped and counted.
func (e *Exporter) Committed(ev *conversation.Event) {
	if ev == nil || ev.Conversation == nil {
		return
	}
	env := NewEnvelope(ev)
	data, err := json.Marshal(env)
	if err != nil {
		e.logger.Error("encoding event failed", "kind", ev.Kind, "error", err)
		return
	}

	select {
	case e.queue <- outbound{subject: e.Subject(ev.Kind), data: data, msgID: env.ID}:
	default:
		e.dropped.Add(1)
		e.logger.Warn("event export queue full, dropping event",
			"kind", ev.Kind,
			"conversation_id", ev.Conversation.ID)
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (e *Exporter) Dropped() int64 { return e.dropped.Load() }

// Run publishes queued events until ctx is cancelled.
func (e *Exporter) Run(ctx context.Context) error {
	e.logger.Info("event export started", "prefix", e.prefix)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("event export stopped", "pending", len(e.queue))
			return nil
		case out := <-e.queue:
			e.send(ctx, out)
		}
	}
}

func (e *Exporter) send(ctx context.Context, out outbound) {
	pubCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if err := e.publish(pubCtx, out.subject, out.data, out.msgID); err != nil {
		e.logger.Warn("publishing event failed", "subject", out.subject, "error", err)
		return
	}
	e.logger.Debug("event published", "subject", out.subject)
}
