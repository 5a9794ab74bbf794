package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"chatdesk-go/internal/model"
	"chatdesk-go/internal/repository"
	"chatdesk-go/internal/service"
	"chatdesk-go/pkg/responder"
	"chatdesk-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu        sync.Mutex
	languages []string
	err       error
}

func (s *recordingSender) Send(_ context.Context, req responder.SendRequest) (*model.Message, error) {
	s.mu.Lock()
	s.languages = append(s.languages, req.Language)
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &model.Message{
		ID:        "reply-" + req.ThreadID,
		Role:      model.RoleAssistant,
		Content:   "answer to " + req.Content,
		Timestamp: time.Now(),
	}, nil
}

func (s *recordingSender) lastLanguage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.languages) == 0 {
		return ""
	}
	return s.languages[len(s.languages)-1]
}

type okNotifier struct{}

func (okNotifier) NotifySolution(context.Context, string, string, string) error { return nil }

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type testServer struct {
	router *gin.Engine
	jwt    *token.JWTManager
	sender *recordingSender
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	sender := &recordingSender{}
	registry := service.NewSessionRegistry(service.RegistryConfig{
		Sender:              sender,
		Notifier:            okNotifier{},
		PreferenceRepo:      repository.NewMemoryPreferenceRepository(),
		DefaultSettings:     model.UserSettings{Language: "pt"},
		EnforceSolutionLock: true,
	})
	jwtManager := token.NewJWTManager("test-secret", 1)
	return &testServer{
		router: NewRouter(registry, jwtManager),
		jwt:    jwtManager,
		sender: sender,
	}
}

func (s *testServer) tokenFor(t *testing.T, userID string) string {
	t.Helper()
	tok, err := s.jwt.GenerateToken(userID, userID)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, userID, method, path string, body interface{}) (int, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+s.tokenFor(t, userID))
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w.Code, env
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestHealthzIsPublic(t *testing.T) {
	s := newTestServer(t)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)
}

func TestSessionRoutesRequireToken(t *testing.T) {
	s := newTestServer(t)
	code, _ := s.do(t, "", http.MethodGet, "/api/v1/session", nil)
	require.Equal(t, http.StatusUnauthorized, code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/session", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	// 查询参数只在 WebSocket 路由上生效
	req = httptest.NewRequest(http.MethodGet, "/api/v1/session?token="+s.tokenFor(t, "u1"), nil)
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGetSessionStartsWithOneEmptyConversation(t *testing.T) {
	s := newTestServer(t)
	code, env := s.do(t, "u1", http.MethodGet, "/api/v1/session", nil)
	require.Equal(t, http.StatusOK, code)

	snap := decode[model.SessionSnapshot](t, env.Data)
	require.Len(t, snap.Conversations, 1)
	require.Equal(t, snap.Conversations[0].ID, snap.ActiveConversationID)
	require.Equal(t, model.DefaultTitle, snap.Conversations[0].Title)
	require.False(t, snap.IsLoading)
}

func TestSendMessageAndMarkSolution(t *testing.T) {
	s := newTestServer(t)

	code, env := s.do(t, "u1", http.MethodPost, "/api/v1/session/messages", SendMessageRequest{Content: "How do I reset?"})
	require.Equal(t, http.StatusOK, code)
	out := decode[model.Outcome](t, env.Data)
	require.Equal(t, model.OutcomeReplied, out.Status)
	require.NotNil(t, out.Message)

	_, env = s.do(t, "u1", http.MethodGet, "/api/v1/session", nil)
	snap := decode[model.SessionSnapshot](t, env.Data)
	active := snap.Active()
	require.NotNil(t, active)
	require.Equal(t, "How do I reset?", active.Title)
	require.Len(t, active.Messages, 2)

	code, env = s.do(t, "u1", http.MethodPost, "/api/v1/session/messages/"+out.Message.ID+"/solution", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, model.OutcomeMarked, decode[model.Outcome](t, env.Data).Status)

	// 已有解决方案的对话拒绝新消息
	code, env = s.do(t, "u1", http.MethodPost, "/api/v1/session/messages", SendMessageRequest{Content: "again"})
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, model.OutcomeLocked, decode[model.Outcome](t, env.Data).Status)
}

func TestSendEmptyMessageIsRejected(t *testing.T) {
	s := newTestServer(t)
	code, env := s.do(t, "u1", http.MethodPost, "/api/v1/session/messages", SendMessageRequest{Content: "   "})
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, model.OutcomeSkipped, decode[model.Outcome](t, env.Data).Status)
}

func TestSendFailureStillReturnsApology(t *testing.T) {
	s := newTestServer(t)
	s.sender.err = errors.New("boom")

	code, env := s.do(t, "u1", http.MethodPost, "/api/v1/session/messages", SendMessageRequest{Content: "hi"})
	require.Equal(t, http.StatusOK, code)
	out := decode[model.Outcome](t, env.Data)
	require.Equal(t, model.OutcomeFailed, out.Status)
	require.Equal(t, model.RoleAssistant, out.Message.Role)
	require.True(t, strings.HasPrefix(out.Message.Content, "Desculpe"))
}

func TestMarkUnknownMessageIsRejected(t *testing.T) {
	s := newTestServer(t)
	code, _ := s.do(t, "u1", http.MethodPost, "/api/v1/session/messages/nope/solution", nil)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestConversationLifecycle(t *testing.T) {
	s := newTestServer(t)
	_, env := s.do(t, "u1", http.MethodGet, "/api/v1/session", nil)
	first := decode[model.SessionSnapshot](t, env.Data).ActiveConversationID

	code, env := s.do(t, "u1", http.MethodPost, "/api/v1/session/conversations", nil)
	require.Equal(t, http.StatusCreated, code)
	second := decode[model.Conversation](t, env.Data)
	require.NotEqual(t, first, second.ID)

	code, _ = s.do(t, "u1", http.MethodPut, "/api/v1/session/active", gin.H{"conversation_id": "missing"})
	require.Equal(t, http.StatusNotFound, code)

	code, _ = s.do(t, "u1", http.MethodPut, "/api/v1/session/active", gin.H{})
	require.Equal(t, http.StatusBadRequest, code)

	code, env = s.do(t, "u1", http.MethodPut, "/api/v1/session/active", gin.H{"conversation_id": first})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, first, decode[model.SessionSnapshot](t, env.Data).ActiveConversationID)

	code, env = s.do(t, "u1", http.MethodDelete, "/api/v1/session/conversations/"+first, nil)
	require.Equal(t, http.StatusOK, code)
	snap := decode[model.SessionSnapshot](t, env.Data)
	require.Len(t, snap.Conversations, 1)
	require.Equal(t, second.ID, snap.ActiveConversationID)

	code, _ = s.do(t, "u1", http.MethodDelete, "/api/v1/session/conversations/"+first, nil)
	require.Equal(t, http.StatusNotFound, code)
}

func TestSessionsAreIsolatedPerCaller(t *testing.T) {
	s := newTestServer(t)
	s.do(t, "alice", http.MethodPost, "/api/v1/session/messages", SendMessageRequest{Content: "mine"})

	_, env := s.do(t, "bob", http.MethodGet, "/api/v1/session", nil)
	snap := decode[model.SessionSnapshot](t, env.Data)
	require.Empty(t, snap.Active().Messages)
}

func TestEndSession(t *testing.T) {
	s := newTestServer(t)
	s.do(t, "u1", http.MethodPost, "/api/v1/session/messages", SendMessageRequest{Content: "hello"})

	code, env := s.do(t, "u1", http.MethodDelete, "/api/v1/session", nil)
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"ended":true}`, string(env.Data))

	_, env = s.do(t, "u1", http.MethodGet, "/api/v1/session", nil)
	require.Empty(t, decode[model.SessionSnapshot](t, env.Data).Active().Messages)
}

func TestPreferences(t *testing.T) {
	s := newTestServer(t)

	code, env := s.do(t, "u1", http.MethodGet, "/api/v1/preferences", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "pt", decode[model.UserSettings](t, env.Data).Language)

	code, _ = s.do(t, "u1", http.MethodPatch, "/api/v1/preferences", gin.H{"language": "xx"})
	require.Equal(t, http.StatusBadRequest, code)

	code, env = s.do(t, "u1", http.MethodPatch, "/api/v1/preferences", gin.H{"language": "en"})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "en", decode[model.UserSettings](t, env.Data).Language)

	// 新语言随下一次发送传给应答方
	s.do(t, "u1", http.MethodPost, "/api/v1/session/messages", SendMessageRequest{Content: "hi"})
	require.Equal(t, "en", s.sender.lastLanguage())
}

func TestStreamPushesSnapshots(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/session/stream?token=" + s.tokenFor(t, "u1")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var initial model.SessionSnapshot
	require.NoError(t, conn.ReadJSON(&initial))
	require.Len(t, initial.Conversations, 1)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/session/conversations", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+s.tokenFor(t, "u1"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var next model.SessionSnapshot
	require.NoError(t, conn.ReadJSON(&next))
	require.Greater(t, next.Version, initial.Version)
	require.Len(t, next.Conversations, 2)
}

func TestStreamRejectsMissingToken(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/session/stream"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
