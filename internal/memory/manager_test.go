package memory

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/aiclab/persona-agent/internal/llm"
)

// fakeLLM returns canned responses and records the prompts it saw.
type fakeLLM struct {
	response string
	err      error
	prompts  []string
}

func (f *fakeLLM) Chat(ctx context.Context, messages []llm.Message, tools []map[string]any) (*llm.ChatResponse, error) {
	for _, m := range messages {
		f.prompts = append(f.prompts, m.Content)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: f.response}, Done: true}, nil
}

func (f *fakeLLM) ChatStream(ctx context.Context, messages []llm.Message, tools []map[string]any, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	return f.Chat(ctx, messages, tools)
}

func seedMessages(t *testing.T, s *Store, sessionID string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := range n {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		if _, err := s.AddMessage(ctx, sessionID, role, fmt.Sprintf("message %d", i), false); err != nil {
			t.Fatalf("AddMessage: %v", err)
		}
	}
}

func TestContextAppliesSlidingWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess, _ := s.CreateSession(ctx, "user-1")
	seedMessages(t, s, sess.ID, 20)

	// windowSize 7 pairs → 14 messages.
	m := NewManager(s, &fakeLLM{}, 7, 10, 8000, nil, nil)
	sess, _ = s.GetSession(ctx, sess.ID, "user-1")
	_, window, err := m.Context(ctx, sess)
	if err != nil {
		t.Fatalf("Context: %v", err)
	}
	if len(window) != 14 {
		t.Fatalf("window = %d messages, want 14", len(window))
	}
	// Window holds the most recent messages in order.
	if window[0].Content != "message 6" || window[13].Content != "message 19" {
		t.Errorf("window spans %q..%q, want message 6..message 19", window[0].Content, window[13].Content)
	}
}

func TestContextBelowWindowKeepsAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess, _ := s.CreateSession(ctx, "user-1")
	seedMessages(t, s, sess.ID, 4)

	m := NewManager(s, &fakeLLM{}, 7, 10, 8000, nil, nil)
	sess, _ = s.GetSession(ctx, sess.ID, "user-1")
	_, window, err := m.Context(ctx, sess)
	if err != nil {
		t.Fatalf("Context: %v", err)
	}
	if len(window) != 4 {
		t.Errorf("window = %d messages, want all 4", len(window))
	}
}

func TestContextTokenBudgetTrimsOldest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess, _ := s.CreateSession(ctx, "user-1")

	// Each message is ~250 tokens of filler; a 600-token budget fits
	// only the last pair.
	filler := strings.Repeat("từ ngữ dài dòng ", 80)
	for i := range 6 {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		if _, err := s.AddMessage(ctx, sess.ID, role, filler, false); err != nil {
			t.Fatalf("AddMessage: %v", err)
		}
	}

	m := NewManager(s, &fakeLLM{}, 7, 10, 600, nil, nil)
	sess, _ = s.GetSession(ctx, sess.ID, "user-1")
	_, window, err := m.Context(ctx, sess)
	if err != nil {
		t.Fatalf("Context: %v", err)
	}
	// The last pair survives even if it exceeds the budget.
	if len(window) != 2 {
		t.Errorf("window = %d messages, want 2 under tight budget", len(window))
	}
}

func TestMaybeSummarizeBelowThresholdNoop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess, _ := s.CreateSession(ctx, "user-1")
	seedMessages(t, s, sess.ID, 10) // exactly at threshold, not above

	fake := &fakeLLM{response: "tóm tắt"}
	m := NewManager(s, fake, 7, 10, 8000, nil, nil)
	if err := m.MaybeSummarize(ctx, sess.ID); err != nil {
		t.Fatalf("MaybeSummarize: %v", err)
	}
	if len(fake.prompts) != 0 {
		t.Error("summarizer must not run at or below threshold")
	}
}

func TestMaybeSummarizeCompactsOutsideWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess, _ := s.CreateSession(ctx, "user-1")
	// 15 messages, threshold 10, window 7 pairs = 14: exactly 1 message
	// falls outside the window.
	seedMessages(t, s, sess.ID, 15)

	fake := &fakeLLM{response: "Người dùng hỏi về lịch học."}
	m := NewManager(s, fake, 7, 10, 8000, nil, nil)
	if err := m.MaybeSummarize(ctx, sess.ID); err != nil {
		t.Fatalf("MaybeSummarize: %v", err)
	}

	if len(fake.prompts) != 1 {
		t.Fatalf("summarizer ran %d times, want 1", len(fake.prompts))
	}
	if !strings.Contains(fake.prompts[0], "message 0") {
		t.Error("summary prompt missing the out-of-window message")
	}
	if strings.Contains(fake.prompts[0], "message 1\n") {
		t.Error("summary prompt must not include in-window messages")
	}

	sess, _ = s.GetSession(ctx, sess.ID, "user-1")
	if sess.Summary != "Người dùng hỏi về lịch học." {
		t.Errorf("summary = %q", sess.Summary)
	}

	active, _ := s.ActiveMessages(ctx, sess.ID)
	if len(active) != 14 {
		t.Errorf("active = %d messages after compaction, want 14", len(active))
	}
}

func TestMaybeSummarizeCarriesPreviousSummary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess, _ := s.CreateSession(ctx, "user-1")
	_ = s.SetSummary(ctx, sess.ID, "Tóm tắt cũ về thời tiết.")
	seedMessages(t, s, sess.ID, 16)

	fake := &fakeLLM{response: "Tóm tắt mới."}
	m := NewManager(s, fake, 7, 10, 8000, nil, nil)
	if err := m.MaybeSummarize(ctx, sess.ID); err != nil {
		t.Fatalf("MaybeSummarize: %v", err)
	}

	if !strings.Contains(fake.prompts[0], "Tóm tắt cũ về thời tiết.") {
		t.Error("previous summary must be carried into the compaction prompt")
	}

	sess, _ = s.GetSession(ctx, sess.ID, "user-1")
	if sess.Summary != "Tóm tắt mới." {
		t.Errorf("summary = %q, want replacement not append", sess.Summary)
	}
}

func TestProfileContext(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := NewManager(s, &fakeLLM{}, 7, 10, 8000, nil, nil)

	// Unknown user: empty profile, no error.
	name, prefs := m.ProfileContext(ctx, "ghost")
	if name != "" || prefs != "" {
		t.Errorf("unknown user profile = (%q, %q), want empty", name, prefs)
	}

	_ = s.UpsertProfile(ctx, &Profile{
		UserID:         "user-1",
		FullName:       "Minh",
		Preferences:    map[string]string{"ngành học": "CNTT", "quê quán": "Trà Vinh"},
		ResponseDetail: "Ngắn gọn (Tóm tắt)",
	})

	name, prefs = m.ProfileContext(ctx, "user-1")
	if name != "Minh" {
		t.Errorf("name = %q", name)
	}
	if !strings.Contains(prefs, "concisely") {
		t.Error("preferences missing verbosity directive")
	}
	if !strings.Contains(prefs, "- quê quán: Trà Vinh") {
		t.Errorf("preferences missing fact line: %q", prefs)
	}
	// Deterministic key order.
	if strings.Index(prefs, "ngành học") > strings.Index(prefs, "quê quán") {
		t.Error("preference lines not sorted by key")
	}
}

func TestAutoTitle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess, _ := s.CreateSession(ctx, "user-1")

	fake := &fakeLLM{response: `"Hỏi về thời khóa biểu"`}
	m := NewManager(s, fake, 7, 10, 8000, nil, nil)

	title, err := m.AutoTitle(ctx, sess.ID, "Cho mình xem thời khóa biểu tuần này với")
	if err != nil {
		t.Fatalf("AutoTitle: %v", err)
	}
	if title != "Hỏi về thời khóa biểu" {
		t.Errorf("title = %q, want quotes stripped", title)
	}

	sess, _ = s.GetSession(ctx, sess.ID, "user-1")
	if sess.Title != "Hỏi về thời khóa biểu" {
		t.Errorf("stored title = %q", sess.Title)
	}
}

func TestAutoTitleFailureDoesNotStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess, _ := s.CreateSession(ctx, "user-1")

	fake := &fakeLLM{err: fmt.Errorf("model unavailable")}
	m := NewManager(s, fake, 7, 10, 8000, nil, nil)

	if _, err := m.AutoTitle(ctx, sess.ID, "xin chào"); err == nil {
		t.Fatal("want error from failed title generation")
	}
	sess, _ = s.GetSession(ctx, sess.ID, "user-1")
	if sess.Title != "" {
		t.Errorf("title = %q, want empty after failure", sess.Title)
	}
}

func TestCountTokensFallbackMonotonic(t *testing.T) {
	short := CountTokens("xin chào")
	long := CountTokens(strings.Repeat("xin chào ", 50))
	if long <= short {
		t.Errorf("token count not monotonic: short=%d long=%d", short, long)
	}
	if CountTokens("") != 0 {
		t.Errorf("empty string should count 0 tokens")
	}
}
