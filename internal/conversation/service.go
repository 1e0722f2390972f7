// ABOUTME: Service is the authoritative conversation state machine
// ABOUTME: Every mutation of a conversation is serialized per id, persisted, then emitted to sinks

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/2389/support-broker/internal/dedupe"
	"github.com/2389/support-broker/internal/keylock"
	"github.com/2389/support-broker/internal/store"
)

const (
	defaultLockTimeout      = 5 * time.Second
	defaultMaxMessageLength = 4000

	// SystemSenderID is the sender id of broker-generated messages.
	SystemSenderID   = "system"
	systemSenderName = "System"
)

// Options tunes a Service. Zero values select defaults.
type Options struct {
	LockTimeout      time.Duration
	MaxMessageLength int           // in runes
	Replay           *dedupe.Cache // optional client message id cache
	Sink             Sink
	Logger           *slog.Logger
}

// Service owns conversation lifecycle and message ordering. Mutations on one
// conversation are serialized through a keyed lock; different conversations
// proceed in parallel.
type Service struct {
	store       store.Store
	locks       *keylock.Map
	replay      *dedupe.Cache
	sink        Sink
	lockTimeout time.Duration
	maxLength   int
	now         func() time.Time
	logger      *slog.Logger
}

// New creates a Service over the given store.
func New(s store.Store, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = defaultLockTimeout
	}
	if opts.MaxMessageLength <= 0 {
		opts.MaxMessageLength = defaultMaxMessageLength
	}
	var sink Sink = discardSink{}
	if opts.Sink != nil {
		sink = opts.Sink
	}
	return &Service{
		store:       s,
		locks:       keylock.New(),
		replay:      opts.Replay,
		sink:        sink,
		lockTimeout: opts.LockTimeout,
		maxLength:   opts.MaxMessageLength,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger.With("component", "conversation"),
	}
}

// SetSink replaces the committed-event sink. It must be called before the
// service handles traffic.
func (s *Service) SetSink(sink Sink) {
	if sink == nil {
		sink = discardSink{}
	}
	s.sink = sink
}

func conversationKey(id string) string { return "conversation:" + id }
func candidateKey(id string) string    { return "candidate:" + id }

// acquire takes the serialization point for key, waiting at most lockTimeout.
func (s *Service) acquire(ctx context.Context, key string) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	unlock, err := s.locks.Lock(lockCtx, key)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn("serialization point busy", "key", key, "timeout", s.lockTimeout)
		return nil, ErrTimeout
	}
	return unlock, nil
}

func (s *Service) emit(ev *Event) {
	if ev.At.IsZero() {
		ev.At = s.now()
	}
	s.sink.Committed(ev)
}

func (s *Service) load(ctx context.Context, id string) (*store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	return conv, nil
}

// Resumed is the result of CreateOrResume and Enter.
type Resumed struct {
	Conversation *store.Conversation
	Messages     []*store.Message
	Created      bool
}

// ResumeInput identifies the candidate joining chat. OnJoin, if set, runs
// while the conversation is serialized and before history is read, so a
// subscriber registered there sees every later message live and every
// earlier one in the returned history.
type ResumeInput struct {
	CandidateID   string
	CandidateName string
	Origin        string
	OnJoin        func(conv *store.Conversation)
}

// CreateOrResume returns the candidate's open conversation with its full
// history, or creates a new UNASSIGNED one. A candidate has at most one open
// conversation at a time.
func (s *Service) CreateOrResume(ctx context.Context, in ResumeInput) (*Resumed, error) {
	if in.CandidateID == "" {
		return nil, errors.New("candidate id is required")
	}

	unlock, err := s.acquire(ctx, candidateKey(in.CandidateID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	existing, err := s.store.GetOpenConversationByCandidate(ctx, in.CandidateID)
	switch {
	case err == nil:
		res, err := s.resume(ctx, existing.ID, in.OnJoin)
		if !errors.Is(err, ErrConversationClosed) {
			return res, err
		}
		// Closed by the other party while we waited; start a fresh one.
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("looking up open conversation: %w", err)
	}

	conv := &store.Conversation{
		ID:            uuid.New().String(),
		CandidateID:   in.CandidateID,
		CandidateName: in.CandidateName,
		Status:        store.StatusUnassigned,
		CreatedAt:     s.now(),
	}

	// Hold the new conversation's own point too, so no claim on it can emit
	// before the creation event does.
	unlockConv, err := s.acquire(ctx, conversationKey(conv.ID))
	if err != nil {
		return nil, err
	}
	defer unlockConv()

	if err := s.store.CreateConversation(ctx, conv); err != nil {
		if errors.Is(err, store.ErrOpenConversationExists) {
			// Another broker process sharing the database won the race.
			existing, lookupErr := s.store.GetOpenConversationByCandidate(ctx, in.CandidateID)
			if lookupErr == nil {
				return s.resume(ctx, existing.ID, in.OnJoin)
			}
			s.logger.Error("lookup after duplicate open conversation failed", "candidate_id", in.CandidateID, "error", lookupErr)
		}
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	if in.OnJoin != nil {
		in.OnJoin(conv)
	}
	s.logger.Info("conversation created", "conversation_id", conv.ID, "candidate_id", in.CandidateID)
	s.emit(&Event{Kind: EventConversationCreated, Conversation: conv, Origin: in.Origin, At: conv.CreatedAt})

	return &Resumed{Conversation: conv, Messages: []*store.Message{}, Created: true}, nil
}

// resume serializes on an existing conversation, runs onJoin and reads its
// history. It fails with ErrConversationClosed if the conversation closed.
func (s *Service) resume(ctx context.Context, id string, onJoin func(*store.Conversation)) (*Resumed, error) {
	return s.Enter(ctx, id, func(conv *store.Conversation) error {
		if conv.Status == store.StatusClosed {
			return fmt.Errorf("%w: %s", ErrConversationClosed, conv.ID)
		}
		if onJoin != nil {
			onJoin(conv)
		}
		return nil
	})
}

// Enter loads a conversation under its serialization point, calls join, and
// returns the conversation with its full history. If join returns an error
// nothing is read and the error is returned unchanged.
func (s *Service) Enter(ctx context.Context, id string, join func(conv *store.Conversation) error) (*Resumed, error) {
	unlock, err := s.acquire(ctx, conversationKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	conv, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if join != nil {
		if err := join(conv); err != nil {
			return nil, err
		}
	}

	msgs, err := s.store.GetMessages(ctx, conv.ID, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	if msgs == nil {
		msgs = []*store.Message{}
	}
	s.logger.Debug("conversation entered", "conversation_id", conv.ID, "messages", len(msgs))
	return &Resumed{Conversation: conv, Messages: msgs}, nil
}

// AppendInput describes a user message to append.
type AppendInput struct {
	ConversationID string
	SenderID       string
	SenderName     string
	SenderRole     store.Role
	Content        string
	ClientID       string // optional; makes retries idempotent
	Origin         string
}

// Appended is the result of AppendMessage. Replayed is true when ClientID
// matched an earlier message, in which case nothing new was stored or emitted.
type Appended struct {
	Message  *store.Message
	Replayed bool
}

// AppendMessage persists a user message with the next sequence number. It
// fails with ErrConversationClosed once the conversation is closed.
func (s *Service) AppendMessage(ctx context.Context, in AppendInput) (*Appended, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, ErrEmptyMessage
	}
	if utf8.RuneCountInString(content) > s.maxLength {
		return nil, fmt.Errorf("%w: limit is %d characters", ErrMessageTooLong, s.maxLength)
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
	if err := checkParticipant(conv, in.SenderID, in.SenderRole); err != nil {
		return nil, err
	}

	if in.ClientID != "" {
		if prev, ok := s.lookupReplay(ctx, in.ConversationID, in.SenderID, in.ClientID); ok {
			return &Appended{Message: prev, Replayed: true}, nil
		}
	}

	if conv.Status == store.StatusClosed {
		return nil, fmt.Errorf("%w: %s", ErrConversationClosed, conv.ID)
	}

	msg := &store.Message{
		ConversationID: conv.ID,
		SenderID:       in.SenderID,
		SenderName:     in.SenderName,
		SenderRole:     in.SenderRole,
		Content:        content,
		Type:           store.MessageTypeUser,
		ClientID:       in.ClientID,
	}
	if err := s.appendLocked(ctx, conv, msg, in.Origin); err != nil {
		if errors.Is(err, store.ErrDuplicateMessage) && in.ClientID != "" {
			prev, lookupErr := s.store.GetMessageByClientID(ctx, conv.ID, in.SenderID, in.ClientID)
			if lookupErr == nil {
				return &Appended{Message: prev, Replayed: true}, nil
			}
		}
		return nil, err
	}
	return &Appended{Message: msg}, nil
}

func (s *Service) lookupReplay(ctx context.Context, conversationID, senderID, clientID string) (*store.Message, bool) {
	if s.replay == nil {
		return nil, false
	}
	key := dedupe.Key(conversationID, senderID, clientID)
	seq, ok := s.replay.Lookup(key)
	if !ok {
		return nil, false
	}
	msg, err := s.store.GetMessage(ctx, conversationID, seq)
	if err != nil || msg.SenderID != senderID {
		s.logger.Warn("replay cache pointed at wrong message", "conversation_id", conversationID, "seq", seq, "error", err)
		s.replay.Forget(key)
		return nil, false
	}
	return msg, true
}

// appendLocked assigns the next sequence number, persists msg and emits it.
// The caller holds the conversation's serialization point.
func (s *Service) appendLocked(ctx context.Context, conv *store.Conversation, msg *store.Message, origin string) error {
	last, err := s.store.LastMessageSeq(ctx, conv.ID)
	if err != nil {
		return fmt.Errorf("reading last sequence: %w", err)
	}
	msg.Seq = last + 1
	msg.CreatedAt = s.now()

	if err := s.store.SaveMessage(ctx, msg); err != nil {
		return fmt.Errorf("saving message: %w", err)
	}
	if msg.ClientID != "" && s.replay != nil {
		s.replay.Remember(dedupe.Key(conv.ID, msg.SenderID, msg.ClientID), msg.Seq)
	}

	s.logger.Debug("message appended",
		"conversation_id", conv.ID,
		"seq", msg.Seq,
		"sender_id", msg.SenderID,
		"type", msg.Type)
	s.emit(&Event{Kind: EventMessageAppended, Conversation: conv, Message: msg, Origin: origin, At: msg.CreatedAt})
	return nil
}

func (s *Service) systemMessage(conv *store.Conversation, content string) *store.Message {
	return &store.Message{
		ConversationID: conv.ID,
		SenderID:       SystemSenderID,
		SenderName:     systemSenderName,
		SenderRole:     store.RoleSystem,
		Content:        content,
		Type:           store.MessageTypeSystem,
	}
}

func checkParticipant(conv *store.Conversation, senderID string, role store.Role) error {
	switch role {
	case store.RoleCandidate:
		if conv.CandidateID == senderID {
			return nil
		}
	case store.RoleAgent:
		if conv.AgentID != "" && conv.AgentID == senderID {
			return nil
		}
	}
	return ErrNotParticipant
}

// CloseInput describes who closes a conversation and why.
type CloseInput struct {
	ConversationID string
	ActorID        string
	ActorName      string
	Reason         string
	Origin         string
}

// Closed is the result of Close. Changed is false when the conversation was
// already closed; Message is the system message recorded for the close.
type Closed struct {
	Conversation   *store.Conversation
	PreviousStatus store.Status
	Message        *store.Message
	Changed        bool
}

// Close moves an open conversation to CLOSED. Closing an already closed
// conversation succeeds without side effects.
func (s *Service) Close(ctx context.Context, in CloseInput) (*Closed, error) {
	unlock, err := s.acquire(ctx, conversationKey(in.ConversationID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	conv, err := s.load(ctx, in.ConversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status == store.StatusClosed {
		return &Closed{Conversation: conv, PreviousStatus: store.StatusClosed}, nil
	}

	prev := conv.Status
	closedAt := s.now()
	if err := s.store.CloseConversation(ctx, conv.ID, in.ActorID, closedAt); err != nil {
		return nil, fmt.Errorf("closing conversation: %w", err)
	}
	conv.Status = store.StatusClosed
	conv.ClosedAt = &closedAt
	conv.ClosedBy = in.ActorID

	name := in.ActorName
	if name == "" {
		name = in.ActorID
	}
	content := "Conversation closed by " + name
	if in.Reason != "" {
		content += ": " + in.Reason
	}
	msg := s.systemMessage(conv, content)
	if err := s.appendLocked(ctx, conv, msg, in.Origin); err != nil {
		// The close itself is committed; a missing notice is not worth failing it.
		s.logger.Error("recording close message failed", "conversation_id", conv.ID, "error", err)
		msg = nil
	}

	s.logger.Info("conversation closed",
		"conversation_id", conv.ID,
		"closed_by", in.ActorID,
		"previous_status", prev)
	s.emit(&Event{
		Kind:           EventConversationClosed,
		Conversation:   conv,
		Message:        msg,
		PreviousStatus: prev,
		Reason:         in.Reason,
		Origin:         in.Origin,
		At:             closedAt,
	})

	return &Closed{Conversation: conv, PreviousStatus: prev, Message: msg, Changed: true}, nil
}

// Get returns a conversation by id.
func (s *Service) Get(ctx context.Context, id string) (*store.Conversation, error) {
	return s.load(ctx, id)
}

// History returns messages with seq greater than afterSeq, oldest first.
func (s *Service) History(ctx context.Context, id string, afterSeq int64, limit int) ([]*store.Message, error) {
	if _, err := s.load(ctx, id); err != nil {
		return nil, err
	}
	msgs, err := s.store.GetMessages(ctx, id, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	if msgs == nil {
		msgs = []*store.Message{}
	}
	return msgs, nil
}

// List returns conversations matching filter, oldest first.
func (s *Service) List(ctx context.Context, filter store.ConversationFilter) ([]*store.Conversation, error) {
	convs, err := s.store.ListConversations(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	if convs == nil {
		convs = []*store.Conversation{}
	}
	return convs, nil
}

// ListUnassigned returns every conversation waiting for an agent.
func (s *Service) ListUnassigned(ctx context.Context) ([]*store.Conversation, error) {
	return s.List(ctx, store.ConversationFilter{Status: store.StatusUnassigned})
}

// ListForAgent returns the open conversations assigned to agentID.
func (s *Service) ListForAgent(ctx context.Context, agentID string) ([]*store.Conversation, error) {
	return s.List(ctx, store.ConversationFilter{Status: store.StatusAssigned, AgentID: agentID})
}
