// ABOUTME: Tests for gateway wiring, lifecycle, health and the agent HTTP API
// ABOUTME: Runs the router under httptest with anonymous or JWT authentication

package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/support-broker/internal/auth"
	"github.com/2389/support-broker/internal/config"
	"github.com/2389/support-broker/internal/conversation"
	"github.com/2389/support-broker/internal/registry"
	"github.com/2389/support-broker/internal/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "broker.db")},
	}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGateway(t *testing.T, cfg *config.Config) *Gateway {
	t.Helper()
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = gw.Shutdown(context.Background())
	})
	return gw
}

// newTestServer serves gw's router; it is closed before the gateway shuts down.
func newTestServer(t *testing.T, gw *Gateway) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func agentQuery(userID string) string {
	return "?userId=" + userID + "&role=agent&name=" + userID
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func seedConversation(t *testing.T, gw *Gateway, candidateID string) *store.Conversation {
	t.Helper()
	res, err := gw.conversations.CreateOrResume(t.Context(), conversation.ResumeInput{
		CandidateID:   candidateID,
		CandidateName: "Candidate " + candidateID,
	})
	require.NoError(t, err)
	return res.Conversation
}

func TestNew_InvalidSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = "short"
	_, err := New(cfg, testLogger())
	assert.Error(t, err)
}

func TestHealthEndpoints(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	srv := newTestServer(t, gw)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, err = http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	gw.markReady()

	resp, err = http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "ready")
}

func TestGRPCHealthStatus(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.GRPCAddr = "127.0.0.1:0"
	gw := newTestGateway(t, cfg)
	require.NotNil(t, gw.health)

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := gw.health.Check(t.Context(), &healthpb.HealthCheckRequest{})
		require.NoError(t, err)
		return resp.GetStatus()
	}

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())
	gw.markReady()
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check())

	require.NoError(t, gw.Shutdown(context.Background()))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())
}

func TestRun_StopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.GRPCAddr = "127.0.0.1:0"
	gw := newTestGateway(t, cfg)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	require.Eventually(t, gw.ready.Load, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, gw.ready.Load())
}

func TestShutdown_Idempotent(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	require.NoError(t, gw.Shutdown(context.Background()))
	require.NoError(t, gw.Shutdown(context.Background()))
}

func TestAPI_RequiresAgentRole(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	srv := newTestServer(t, gw)

	assert.Equal(t, http.StatusUnauthorized, getJSON(t, srv.URL+"/api/conversations", nil))
	assert.Equal(t, http.StatusForbidden, getJSON(t, srv.URL+"/api/conversations?userId=c1&role=candidate", nil))
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/conversations"+agentQuery("a1"), nil))
}

func TestAPI_JWTAuthentication(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = testSecret
	gw := newTestGateway(t, cfg)
	srv := newTestServer(t, gw)

	verifier, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	agentToken, err := verifier.Generate(registry.Identity{UserID: "agent-1", Role: store.RoleAgent, DisplayName: "Alice"}, time.Hour)
	require.NoError(t, err)
	candidateToken, err := verifier.Generate(registry.Identity{UserID: "cand-1", Role: store.RoleCandidate, DisplayName: "Carol"}, time.Hour)
	require.NoError(t, err)

	// Query identity is ignored once a secret is configured
	assert.Equal(t, http.StatusUnauthorized, getJSON(t, srv.URL+"/api/presence"+agentQuery("a1"), nil))

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/presence", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+agentToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, http.StatusForbidden, getJSON(t, srv.URL+"/api/presence?token="+candidateToken, nil))

	// WebSocket upgrade is rejected before the handshake without a token
	resp, err = http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPI_ListAndGetConversations(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	srv := newTestServer(t, gw)

	first := seedConversation(t, gw, "cand-1")
	seedConversation(t, gw, "cand-2")
	_, err := gw.conversations.Claim(t.Context(), conversation.ClaimInput{
		ConversationID: first.ID, AgentID: "agent-1", AgentName: "Alice",
	})
	require.NoError(t, err)

	var all ConversationListResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/conversations"+agentQuery("a1"), &all))
	assert.Len(t, all.Conversations, 2)

	var unassigned ConversationListResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/conversations"+agentQuery("a1")+"&status=unassigned", &unassigned))
	require.Len(t, unassigned.Conversations, 1)
	assert.Equal(t, "cand-2", unassigned.Conversations[0].CandidateID)
	assert.Nil(t, unassigned.Conversations[0].AgentID)

	var mine ConversationListResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/conversations"+agentQuery("a1")+"&agent_id=agent-1", &mine))
	require.Len(t, mine.Conversations, 1)
	require.NotNil(t, mine.Conversations[0].AgentName)
	assert.Equal(t, "Alice", *mine.Conversations[0].AgentName)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/conversations"+agentQuery("a1")+"&status=pending", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/conversations"+agentQuery("a1")+"&limit=zero", nil))

	var one map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/conversations/"+first.ID+agentQuery("a1"), &one))
	assert.Equal(t, "ASSIGNED", one["status"])

	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/conversations/missing"+agentQuery("a1"), nil))
}

func TestAPI_MessagesPaging(t *testing.T) {
	cfg := testConfig(t)
	cfg.Broker.HistoryLimit = 2
	gw := newTestGateway(t, cfg)
	srv := newTestServer(t, gw)

	conv := seedConversation(t, gw, "cand-1")
	for _, text := range []string{"one", "two", "three"} {
		_, err := gw.conversations.AppendMessage(t.Context(), conversation.AppendInput{
			ConversationID: conv.ID,
			SenderID:       "cand-1",
			SenderName:     "Candidate",
			SenderRole:     store.RoleCandidate,
			Content:        text,
		})
		require.NoError(t, err)
	}

	base := srv.URL + "/api/conversations/" + conv.ID + "/messages" + agentQuery("a1")

	var page MessageListResponse
	require.Equal(t, http.StatusOK, getJSON(t, base, &page))
	require.Len(t, page.Messages, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, int64(1), page.Messages[0].ID)
	assert.Equal(t, "two", page.Messages[1].Content)

	var rest MessageListResponse
	require.Equal(t, http.StatusOK, getJSON(t, base+"&after=2&limit=50", &rest))
	require.Len(t, rest.Messages, 1)
	assert.False(t, rest.HasMore)
	assert.Equal(t, int64(3), rest.Messages[0].ID)
	assert.Equal(t, "CANDIDATE", rest.Messages[0].SenderRole)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, base+"&after=-1", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/conversations/missing/messages"+agentQuery("a1"), nil))
}

func TestAPI_Transcript(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	srv := newTestServer(t, gw)

	conv := seedConversation(t, gw, "cand-1")
	_, err := gw.conversations.AppendMessage(t.Context(), conversation.AppendInput{
		ConversationID: conv.ID,
		SenderID:       "cand-1",
		SenderName:     "Carol",
		SenderRole:     store.RoleCandidate,
		Content:        "my visa question",
	})
	require.NoError(t, err)

	base := srv.URL + "/api/conversations/" + conv.ID + "/transcript" + agentQuery("a1")

	resp, err := http.Get(base)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, string(body), "my visa question")

	resp, err = http.Get(base + "&format=markdown")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/markdown")
	assert.Contains(t, string(body), "my visa question")

	assert.Equal(t, http.StatusBadRequest, getJSON(t, base+"&format=pdf", nil))
}

func TestAPI_Presence(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	srv := newTestServer(t, gw)

	gw.registry.Bind("s1", registry.Identity{UserID: "agent-1", Role: store.RoleAgent}, nopPeer{})
	gw.registry.Bind("s2", registry.Identity{UserID: "agent-1", Role: store.RoleAgent}, nopPeer{})
	gw.registry.Bind("s3", registry.Identity{UserID: "cand-1", Role: store.RoleCandidate}, nopPeer{})

	var counts registry.Counts
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/presence"+agentQuery("a1"), &counts))
	assert.Equal(t, registry.Counts{Candidates: 1, Agents: 1, Sockets: 3}, counts)
}

func TestAPI_EventStream(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	srv := newTestServer(t, gw)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events"+agentQuery("a1"), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	nextEvent := func() (string, string) {
		var event string
		for lines.Scan() {
			line := lines.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: ") && event != "":
				return event, strings.TrimPrefix(line, "data: ")
			}
		}
		t.Fatalf("stream ended: %v", lines.Err())
		return "", ""
	}

	event, _ := nextEvent()
	require.Equal(t, "ready", event)

	conv := seedConversation(t, gw, "cand-1")

	event, data := nextEvent()
	assert.Equal(t, string(conversation.EventConversationCreated), event)

	var env map[string]any
	require.NoError(t, json.Unmarshal([]byte(data), &env))
	assert.Equal(t, conv.ID, env["conversationId"])
	assert.Equal(t, "UNASSIGNED", env["status"])

	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/events"+agentQuery("a1")+"&conversation_id=missing", nil))
}

func TestOriginPatterns(t *testing.T) {
	assert.Equal(t, []string{"support.example.com", "localhost:3000"},
		originPatterns([]string{"https://support.example.com", "http://localhost:3000"}))
	assert.Equal(t, []string{"*"}, originPatterns([]string{"https://a.example.com", "*"}))
	assert.Equal(t, []string{"*.example.com"}, originPatterns([]string{"*.example.com"}))
	assert.Nil(t, originPatterns(nil))
}

type nopPeer struct{}

func (nopPeer) Deliver(string, any) error { return nil }
