//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/supportdesk/internal/chat"
	"github.com/ashureev/supportdesk/internal/identity"
	"github.com/ashureev/supportdesk/internal/quickreply"
	"github.com/ashureev/supportdesk/internal/store"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type testServer struct {
	t      *testing.T
	router http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	mgr := chat.NewManager(repo, nil, chat.Config{})
	chatH := NewChatHandler(mgr)
	agentH := NewAgentHandler(mgr, quickreply.NewService(repo))

	r := chi.NewRouter()
	r.Route("/api/chat", chatH.RegisterRoutes)
	r.Route("/api/agent", func(r chi.Router) {
		r.Use(identity.AgentMiddleware(testSecret))
		agentH.RegisterRoutes(r)
	})
	return &testServer{t: t, router: r}
}

func (s *testServer) do(method, path, bearer string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			s.t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var out map[string]interface{}
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec, out
}

func agentToken(t *testing.T, agentID int64) string {
	t.Helper()
	tok, err := identity.IssueAgentToken(testSecret, agentID, "", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func TestCustomerAndAgentFlowOverHTTP(t *testing.T) {
	s := newTestServer(t)
	agent := agentToken(t, 7)

	rec, body := s.do(http.MethodPost, "/api/chat/sessions", "", map[string]interface{}{
		"orderId": 42, "customerEmail": "a@b.c", "customerName": "Ann",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("start: expected 201, got %d (%s)", rec.Code, rec.Body)
	}
	token := body["token"].(string)
	sessionID := int64(body["sessionId"].(float64))
	if body["status"] != "waiting" {
		t.Fatalf("expected waiting, got %v", body["status"])
	}

	rec, body = s.do(http.MethodPost, "/api/chat/messages", "", map[string]string{"token": token, "content": "Hello"})
	if rec.Code != http.StatusConflict || body["code"] != CodeSessionNotActive {
		t.Fatalf("send while waiting: expected 409 session_not_active, got %d %v", rec.Code, body)
	}

	rec, _ = s.do(http.MethodPut, "/api/agent/status", agent, map[string]string{"status": "online"})
	if rec.Code != http.StatusOK {
		t.Fatalf("presence: expected 200, got %d", rec.Code)
	}

	rec, _ = s.do(http.MethodPost, fmt.Sprintf("/api/agent/sessions/%d/claim", sessionID), agent, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("claim: expected 200, got %d (%s)", rec.Code, rec.Body)
	}

	rec, body = s.do(http.MethodPost, "/api/chat/messages", "", map[string]string{"token": token, "content": "Hello"})
	if rec.Code != http.StatusCreated || body["success"] != true {
		t.Fatalf("send: expected 201, got %d %v", rec.Code, body)
	}

	rec, body = s.do(http.MethodGet, fmt.Sprintf("/api/agent/sessions/%d/messages", sessionID), agent, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("agent read: expected 200, got %d", rec.Code)
	}
	msgs := body["messages"].([]interface{})
	if len(msgs) != 1 || msgs[0].(map[string]interface{})["isRead"] != true {
		t.Fatalf("expected customer message flipped to read, got %v", msgs)
	}

	rec, body = s.do(http.MethodGet, "/api/agent/status", agent, nil)
	if rec.Code != http.StatusOK || body["activeSessions"].(float64) != 1 {
		t.Fatalf("expected load 1, got %d %v", rec.Code, body)
	}

	other := agentToken(t, 8)
	rec, body = s.do(http.MethodPost, fmt.Sprintf("/api/agent/sessions/%d/messages", sessionID), other, map[string]string{"content": "hi"})
	if rec.Code != http.StatusForbidden || body["code"] != CodeUnauthorized {
		t.Fatalf("foreign agent: expected 403 unauthorized, got %d %v", rec.Code, body)
	}

	for i := 0; i < 2; i++ {
		rec, body = s.do(http.MethodPost, "/api/chat/close", "", map[string]string{"token": token})
		if rec.Code != http.StatusOK || body["success"] != true {
			t.Fatalf("close #%d: got %d %v", i+1, rec.Code, body)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/chat/session", nil)
	req.Header.Set(identity.CustomerTokenHeader, token)
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"closed"`) {
		t.Fatalf("expected closed snapshot, got %d %s", rec.Code, rec.Body)
	}
	if strings.Contains(rec.Body.String(), token) {
		t.Fatal("session snapshot must not echo the token")
	}
}

func TestCustomerErrorsAreDistinguishable(t *testing.T) {
	s := newTestServer(t)

	rec, body := s.do(http.MethodGet, "/api/chat/messages?token=nope", "", nil)
	if rec.Code != http.StatusNotFound || body["code"] != CodeInvalidToken {
		t.Fatalf("expected 404 invalid_token, got %d %v", rec.Code, body)
	}

	rec, body = s.do(http.MethodPost, "/api/chat/messages", "", map[string]string{"token": "nope", "content": "  "})
	if rec.Code != http.StatusBadRequest || body["code"] != CodeEmptyContent {
		t.Fatalf("expected 400 empty_content, got %d %v", rec.Code, body)
	}

	rec, body = s.do(http.MethodGet, "/api/chat/messages?token=x&limit=abc", "", nil)
	if rec.Code != http.StatusBadRequest || body["code"] != CodeInvalidInput {
		t.Fatalf("expected 400 invalid_input, got %d %v", rec.Code, body)
	}

	rec, body = s.do(http.MethodPost, "/api/chat/sessions", "", map[string]interface{}{"orderId": 1, "extra": true})
	if rec.Code != http.StatusBadRequest || body["code"] != CodeInvalidInput {
		t.Fatalf("expected unknown fields rejected, got %d %v", rec.Code, body)
	}
}

func TestAgentRoutesRequireToken(t *testing.T) {
	s := newTestServer(t)

	rec, _ := s.do(http.MethodGet, "/api/agent/sessions", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	agent := agentToken(t, 3)
	rec, body := s.do(http.MethodPost, "/api/agent/sessions/abc/claim", agent, nil)
	if rec.Code != http.StatusBadRequest || body["code"] != CodeInvalidInput {
		t.Fatalf("expected invalid id rejected, got %d %v", rec.Code, body)
	}

	rec, body = s.do(http.MethodPost, "/api/agent/sessions/999/claim", agent, nil)
	if rec.Code != http.StatusNotFound || body["code"] != CodeNotFound {
		t.Fatalf("expected 404 not_found, got %d %v", rec.Code, body)
	}

	rec, body = s.do(http.MethodPost, "/api/agent/quick-replies", agent, map[string]string{"title": "Hi", "content": " "})
	if rec.Code != http.StatusBadRequest || body["code"] != CodeEmptyContent {
		t.Fatalf("expected 400 empty_content, got %d %v", rec.Code, body)
	}
	rec, _ = s.do(http.MethodPost, "/api/agent/quick-replies", agent, map[string]string{"title": "Hi", "content": "Hello!"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	rec, body = s.do(http.MethodGet, "/api/agent/quick-replies", agent, nil)
	if rec.Code != http.StatusOK || len(body["replies"].([]interface{})) != 1 {
		t.Fatalf("expected one reply, got %d %v", rec.Code, body)
	}
}
