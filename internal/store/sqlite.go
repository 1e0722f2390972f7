// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	memory := path == ":memory:"
	if !memory {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Every pooled connection to :memory: would get its own empty database
	if memory {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id             TEXT PRIMARY KEY,
			candidate_id   TEXT NOT NULL,
			candidate_name TEXT NOT NULL,
			agent_id       TEXT,
			agent_name     TEXT,
			status         TEXT NOT NULL,
			created_at     TEXT NOT NULL,
			assigned_at    TEXT,
			closed_at      TEXT,
			closed_by      TEXT,

			CHECK (status IN ('UNASSIGNED', 'ASSIGNED', 'CLOSED'))
		);

		-- A candidate has at most one open conversation
		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_open_candidate
			ON conversations(candidate_id) WHERE status != 'CLOSED';

		CREATE INDEX IF NOT EXISTS idx_conversations_status ON conversations(status, created_at);
		CREATE INDEX IF NOT EXISTS idx_conversations_agent ON conversations(agent_id, status);

		CREATE TABLE IF NOT EXISTS messages (
			conversation_id TEXT NOT NULL,
			seq             INTEGER NOT NULL,
			sender_id       TEXT NOT NULL,
			sender_name     TEXT NOT NULL,
			sender_role     TEXT NOT NULL,
			content         TEXT NOT NULL,
			type            TEXT NOT NULL DEFAULT 'user',
			client_id       TEXT,
			created_at      TEXT NOT NULL,

			PRIMARY KEY (conversation_id, seq),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			CHECK (sender_role IN ('CANDIDATE', 'AGENT', 'SYSTEM')),
			CHECK (type IN ('user', 'system'))
		);

		DROP INDEX IF EXISTS idx_messages_client_id;
		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_sender_client_id
			ON messages(conversation_id, sender_id, client_id) WHERE client_id IS NOT NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed")
}

// timeLayout is fixed width so text order in SQLite matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// CreateConversation inserts a new conversation.
// Returns ErrOpenConversationExists if the candidate already has an open one.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	query := `
		INSERT INTO conversations (id, candidate_id, candidate_name, agent_id, agent_name, status, created_at, assigned_at, closed_at, closed_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		conv.ID,
		conv.CandidateID,
		conv.CandidateName,
		nullString(conv.AgentID),
		nullString(conv.AgentName),
		string(conv.Status),
		formatTime(conv.CreatedAt),
		formatTimePtr(conv.AssignedAt),
		formatTimePtr(conv.ClosedAt),
		nullString(conv.ClosedBy),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrOpenConversationExists
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "candidate_id", conv.CandidateID)
	return nil
}

const conversationColumns = `id, candidate_id, candidate_name, agent_id, agent_name, status, created_at, assigned_at, closed_at, closed_by`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var agentID, agentName, assignedAt, closedAt, closedBy sql.NullString
	var status, createdAt string

	if err := row.Scan(
		&conv.ID,
		&conv.CandidateID,
		&conv.CandidateName,
		&agentID,
		&agentName,
		&status,
		&createdAt,
		&assignedAt,
		&closedAt,
		&closedBy,
	); err != nil {
		return nil, err
	}

	conv.AgentID = agentID.String
	conv.AgentName = agentName.String
	conv.ClosedBy = closedBy.String
	conv.Status = Status(status)

	var err error
	if conv.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if assignedAt.Valid {
		t, err := parseTime(assignedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing assigned_at: %w", err)
		}
		conv.AssignedAt = &t
	}
	if closedAt.Valid {
		t, err := parseTime(closedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing closed_at: %w", err)
		}
		conv.ClosedAt = &t
	}
	return &conv, nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// GetOpenConversationByCandidate returns the candidate's UNASSIGNED or ASSIGNED conversation.
func (s *SQLiteStore) GetOpenConversationByCandidate(ctx context.Context, candidateID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE candidate_id = ? AND status != 'CLOSED'`,
		candidateID)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying open conversation: %w", err)
	}
	return conv, nil
}

// ListConversations returns conversations matching filter, oldest first.
func (s *SQLiteStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error) {
	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.CandidateID != "" {
		where = append(where, "candidate_id = ?")
		args = append(args, filter.CandidateID)
	}

	query := `SELECT ` + conversationColumns + ` FROM conversations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversations: %w", err)
	}
	return convs, nil
}

// AssignConversation is a compare-and-set on status: it only succeeds from UNASSIGNED.
func (s *SQLiteStore) AssignConversation(ctx context.Context, id, agentID, agentName string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET agent_id = ?, agent_name = ?, status = 'ASSIGNED', assigned_at = ?
		WHERE id = ? AND status = 'UNASSIGNED'
	`, agentID, agentName, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("assigning conversation: %w", err)
	}
	return s.checkConditionalUpdate(ctx, res, id)
}

// CloseConversation marks an open conversation CLOSED.
func (s *SQLiteStore) CloseConversation(ctx context.Context, id, closedBy string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET status = 'CLOSED', closed_at = ?, closed_by = ?
		WHERE id = ? AND status != 'CLOSED'
	`, formatTime(at), nullString(closedBy), id)
	if err != nil {
		return fmt.Errorf("closing conversation: %w", err)
	}
	return s.checkConditionalUpdate(ctx, res, id)
}

// checkConditionalUpdate distinguishes a missing row from a status mismatch
func (s *SQLiteStore) checkConditionalUpdate(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetConversation(ctx, id); err != nil {
		return err
	}
	return ErrStatusConflict
}

// SaveMessage persists a message. The (conversation, seq) pair must be new.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	msgType := msg.Type
	if msgType == "" {
		msgType = MessageTypeUser
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, seq, sender_id, sender_name, sender_role, content, type, client_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		msg.ConversationID,
		msg.Seq,
		msg.SenderID,
		msg.SenderName,
		string(msg.SenderRole),
		msg.Content,
		msgType,
		nullString(msg.ClientID),
		formatTime(msg.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

const messageColumns = `conversation_id, seq, sender_id, sender_name, sender_role, content, type, client_id, created_at`

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var role, createdAt string
	var clientID sql.NullString

	if err := row.Scan(
		&msg.ConversationID,
		&msg.Seq,
		&msg.SenderID,
		&msg.SenderName,
		&role,
		&msg.Content,
		&msg.Type,
		&clientID,
		&createdAt,
	); err != nil {
		return nil, err
	}
	msg.SenderRole = Role(role)
	msg.ClientID = clientID.String

	t, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	msg.CreatedAt = t
	return &msg, nil
}

// GetMessages returns messages with seq > afterSeq in ascending order.
// A limit <= 0 returns everything.
func (s *SQLiteStore) GetMessages(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ? AND seq > ? ORDER BY seq ASC`
	args := []any{conversationID, afterSeq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return msgs, nil
}

// GetMessage returns a single message by sequence number
func (s *SQLiteStore) GetMessage(ctx context.Context, conversationID string, seq int64) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? AND seq = ?`,
		conversationID, seq)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return msg, nil
}

// GetMessageByClientID looks up a sender's message by its client-supplied id
func (s *SQLiteStore) GetMessageByClientID(ctx context.Context, conversationID, senderID, clientID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? AND sender_id = ? AND client_id = ?`,
		conversationID, senderID, clientID)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message by client id: %w", err)
	}
	return msg, nil
}

// LastMessageSeq returns the highest sequence number in a conversation, or 0 if empty
func (s *SQLiteStore) LastMessageSeq(ctx context.Context, conversationID string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("querying last sequence: %w", err)
	}
	return seq.Int64, nil
}
