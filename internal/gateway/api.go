// ABOUTME: Read-only HTTP API for agents: conversations, history, transcripts, presence
// ABOUTME: Also streams committed conversation events over server-sent events

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/2389/support-broker/internal/broker"
	"github.com/2389/support-broker/internal/conversation"
	"github.com/2389/support-broker/internal/eventbus"
	"github.com/2389/support-broker/internal/store"
	"github.com/2389/support-broker/internal/transcript"
)

// maxListLimit caps conversation list pages.
const maxListLimit = 500

// ConversationListResponse is returned by GET /api/conversations.
type ConversationListResponse struct {
	Conversations []*broker.ConversationView `json:"conversations"`
}

// MessageListResponse is returned by GET /api/conversations/{id}/messages.
type MessageListResponse struct {
	ConversationID string                `json:"conversationId"`
	Messages       []*broker.MessageView `json:"messages"`
	HasMore        bool                  `json:"hasMore"`
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}

// sendServiceError maps conversation errors onto HTTP statuses.
func (g *Gateway) sendServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, conversation.ErrTimeout):
		g.sendJSONError(w, http.StatusServiceUnavailable, "conversation busy")
	default:
		g.logger.Error("api request failed", "path", r.URL.Path, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

// parsePositiveInt parses an optional positive integer query parameter.
func parsePositiveInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", name)
	}
	return n, nil
}

// handleListConversations handles GET /api/conversations.
// Query: status (UNASSIGNED|ASSIGNED|CLOSED), agent_id, candidate_id, limit.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := store.ConversationFilter{
		AgentID:     q.Get("agent_id"),
		CandidateID: q.Get("candidate_id"),
	}
	if raw := q.Get("status"); raw != "" {
		status := store.Status(strings.ToUpper(raw))
		if !status.Valid() {
			g.sendJSONError(w, http.StatusBadRequest, "invalid status")
			return
		}
		filter.Status = status
	}

	limit, err := parsePositiveInt(r, "limit", maxListLimit)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.Limit = min(limit, maxListLimit)

	convs, err := g.conversations.List(r.Context(), filter)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, ConversationListResponse{Conversations: broker.NewConversationViews(convs)})
}

// handleGetConversation handles GET /api/conversations/{id}.
func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := g.conversations.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, broker.NewConversationView(conv))
}

// handleMessages handles GET /api/conversations/{id}/messages?after=&limit=.
// Pages default to and are capped at broker.history_limit.
func (g *Gateway) handleMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	pageSize := g.config.Broker.HistoryLimit

	var after int64
	if raw := r.URL.Query().Get("after"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			g.sendJSONError(w, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		after = n
	}

	limit, err := parsePositiveInt(r, "limit", pageSize)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit = min(limit, pageSize)

	// Fetch one extra to report whether another page exists
	msgs, err := g.conversations.History(r.Context(), id, after, limit+1)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}

	g.sendJSON(w, http.StatusOK, MessageListResponse{
		ConversationID: id,
		Messages:       broker.NewMessageViews(msgs),
		HasMore:        hasMore,
	})
}

// handleTranscript handles GET /api/conversations/{id}/transcript.
// HTML by default; ?format=markdown returns the source.
func (g *Gateway) handleTranscript(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	conv, err := g.conversations.Get(ctx, id)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	msgs, err := g.conversations.History(ctx, id, 0, 0)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}

	switch format := r.URL.Query().Get("format"); format {
	case "markdown", "md":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		_, _ = w.Write(transcript.Markdown(conv, msgs))
	case "", "html":
		page, err := transcript.HTML(conv, msgs)
		if err != nil {
			g.sendServiceError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(page)
	default:
		g.sendJSONError(w, http.StatusBadRequest, "format must be html or markdown")
	}
}

// handlePresence handles GET /api/presence.
func (g *Gateway) handlePresence(w http.ResponseWriter, r *http.Request) {
	g.sendJSON(w, http.StatusOK, g.registry.Counts())
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return nil
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, dataJSON)
	return err
}

// handleEvents handles GET /api/events, streaming committed events as SSE.
// ?conversation_id= narrows the stream to one conversation.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	topic := conversation.AllConversations
	if id := r.URL.Query().Get("conversation_id"); id != "" {
		if _, err := g.conversations.Get(r.Context(), id); err != nil {
			g.sendServiceError(w, r, err)
			return
		}
		topic = id
	}

	ctx := r.Context()
	events, subID := g.broadcaster.Subscribe(ctx, topic)
	g.logger.Debug("event stream opened", "topic", topic, "sub_id", subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := g.writeSSEEvent(w, "ready", map[string]string{"topic": topic}); err != nil {
		return
	}
	flusher.Flush()

	keepalive := time.NewTicker(g.config.WebSocket.PingInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.connCtx.Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := g.writeSSEEvent(w, string(ev.Kind), eventbus.NewEnvelope(ev)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
