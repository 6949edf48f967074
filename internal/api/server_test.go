package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aiclab/persona-agent/internal/agent"
	"github.com/aiclab/persona-agent/internal/capability"
	"github.com/aiclab/persona-agent/internal/events"
	"github.com/aiclab/persona-agent/internal/llm"
	"github.com/aiclab/persona-agent/internal/memory"
)

// scriptedLLM replays canned responses in order. Shared across the
// chat and housekeeping calls a handler triggers, so it locks.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []llm.ChatResponse
	calls     int
	// failWith, when set, makes every call fail.
	failWith error
}

func (s *scriptedLLM) Chat(_ context.Context, _ []llm.Message, _ []map[string]any) (*llm.ChatResponse, error) {
	return s.next()
}

func (s *scriptedLLM) ChatStream(_ context.Context, _ []llm.Message, _ []map[string]any, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	resp, err := s.next()
	if err != nil {
		return nil, err
	}
	if cb != nil && resp.Message.Content != "" {
		cb(llm.StreamEvent{Kind: llm.KindToken, Token: resp.Message.Content})
	}
	return resp, nil
}

func (s *scriptedLLM) next() (*llm.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	if s.calls >= len(s.responses) {
		last := s.responses[len(s.responses)-1]
		return &last, nil
	}
	resp := s.responses[s.calls]
	s.calls++
	return &resp, nil
}

func answer(content string) llm.ChatResponse {
	return llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: content}, Done: true}
}

type fixture struct {
	server *Server
	store  *memory.Store
	bus    *events.Bus
}

func newFixture(t *testing.T, client llm.Client) *fixture {
	t.Helper()

	store, err := memory.NewStore(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus()
	mem := memory.NewManager(store, client, 7, 10, 8000, nil, bus)
	registry := capability.NewRegistry()
	executor := capability.NewExecutor(registry, 5*time.Second, nil, bus, store)
	loop := agent.New(client, registry, executor, mem, nil, agent.WithBus(bus))

	return &fixture{
		server: NewServer("", 0, loop, mem, bus, nil),
		store:  store,
		bus:    bus,
	}
}

func doJSON(t *testing.T, h http.Handler, method, path, userID string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthAndVersion(t *testing.T) {
	f := newFixture(t, &scriptedLLM{responses: []llm.ChatResponse{answer("ok")}})
	h := f.server.Handler()

	w := doJSON(t, h, http.MethodGet, "/health", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("/health status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "healthy") {
		t.Errorf("/health body = %q", w.Body.String())
	}

	w = doJSON(t, h, http.MethodGet, "/v1/version", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("/v1/version status = %d", w.Code)
	}
}

func TestSessionsRequireUser(t *testing.T) {
	f := newFixture(t, &scriptedLLM{responses: []llm.ChatResponse{answer("ok")}})
	h := f.server.Handler()

	w := doJSON(t, h, http.MethodGet, "/v1/sessions", "", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestSessionListAndDelete(t *testing.T) {
	f := newFixture(t, &scriptedLLM{responses: []llm.ChatResponse{answer("ok")}})
	h := f.server.Handler()
	ctx := context.Background()

	sess, err := f.store.CreateSession(ctx, "user-1")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	w := doJSON(t, h, http.MethodGet, "/v1/sessions", "user-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d: %s", w.Code, w.Body.String())
	}
	var listed struct {
		Sessions []memory.Session `json:"sessions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(listed.Sessions) != 1 || listed.Sessions[0].ID != sess.ID {
		t.Errorf("sessions = %+v", listed.Sessions)
	}

	// Another user cannot delete it, and the response must not reveal
	// that the session exists.
	w = doJSON(t, h, http.MethodDelete, "/v1/sessions/"+sess.ID, "user-2", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("cross-user delete status = %d, want 404", w.Code)
	}

	w = doJSON(t, h, http.MethodDelete, "/v1/sessions/"+sess.ID, "user-1", "")
	if w.Code != http.StatusOK {
		t.Errorf("delete status = %d", w.Code)
	}

	w = doJSON(t, h, http.MethodDelete, "/v1/sessions/"+sess.ID, "user-1", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("double delete status = %d, want 404", w.Code)
	}
}

func TestSessionMessages(t *testing.T) {
	f := newFixture(t, &scriptedLLM{responses: []llm.ChatResponse{answer("ok")}})
	h := f.server.Handler()
	ctx := context.Background()

	sess, _ := f.store.CreateSession(ctx, "user-1")
	f.store.AddMessage(ctx, sess.ID, "user", "xin chào", false)
	f.store.AddMessage(ctx, sess.ID, "assistant", "chào bạn", false)

	w := doJSON(t, h, http.MethodGet, "/v1/sessions/"+sess.ID+"/messages", "user-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Messages []memory.Message `json:"messages"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Messages) != 2 || resp.Messages[0].Content != "xin chào" {
		t.Errorf("messages = %+v", resp.Messages)
	}

	// Another user's session and a missing one are indistinguishable.
	cross := doJSON(t, h, http.MethodGet, "/v1/sessions/"+sess.ID+"/messages", "user-2", "")
	missing := doJSON(t, h, http.MethodGet, "/v1/sessions/missing/messages", "user-2", "")
	if cross.Code != http.StatusNotFound || missing.Code != http.StatusNotFound {
		t.Errorf("status = %d and %d, want 404 for both", cross.Code, missing.Code)
	}
	if cross.Body.String() != missing.Body.String() {
		t.Errorf("responses differ: %q vs %q", cross.Body.String(), missing.Body.String())
	}
}
