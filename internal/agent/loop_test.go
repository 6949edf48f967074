package agent

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aiclab/persona-agent/internal/capability"
	"github.com/aiclab/persona-agent/internal/events"
	"github.com/aiclab/persona-agent/internal/llm"
	"github.com/aiclab/persona-agent/internal/memory"
)

// scriptedLLM replays a fixed sequence of responses and records every
// transcript it was called with.
type scriptedLLM struct {
	mu          sync.Mutex
	steps       []scriptStep
	call        int
	transcripts [][]llm.Message
}

type scriptStep struct {
	stream func(cb llm.StreamCallback)
	resp   *llm.ChatResponse
	err    error
}

func (s *scriptedLLM) Chat(ctx context.Context, messages []llm.Message, tools []map[string]any) (*llm.ChatResponse, error) {
	return s.ChatStream(ctx, messages, tools, nil)
}

func (s *scriptedLLM) ChatStream(ctx context.Context, messages []llm.Message, tools []map[string]any, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	s.mu.Lock()
	s.transcripts = append(s.transcripts, messages)
	if s.call >= len(s.steps) {
		s.mu.Unlock()
		return nil, errors.New("script exhausted")
	}
	step := s.steps[s.call]
	s.call++
	s.mu.Unlock()

	if step.stream != nil && cb != nil {
		step.stream(cb)
	}
	return step.resp, step.err
}

func answerStep(content string) scriptStep {
	return scriptStep{
		stream: func(cb llm.StreamCallback) {
			cb(llm.StreamEvent{Kind: llm.KindToken, Token: content})
		},
		resp: &llm.ChatResponse{
			Message: llm.Message{Role: "assistant", Content: content},
			Done:    true,
		},
	}
}

func toolCallStep(callID, name string, args map[string]any) scriptStep {
	tc := llm.ToolCall{ID: callID}
	tc.Function.Name = name
	tc.Function.Arguments = args
	return scriptStep{
		resp: &llm.ChatResponse{
			Message: llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{tc}},
			Done:    true,
		},
	}
}

type loopFixture struct {
	store    *memory.Store
	registry *capability.Registry
	sess     *memory.Session
}

func newLoopFixture(t *testing.T, client llm.Client, opts ...Option) (*Loop, *loopFixture) {
	t.Helper()
	store, err := memory.NewStore(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	sess, err := store.CreateSession(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	registry := capability.NewRegistry()
	executor := capability.NewExecutor(registry, time.Second, nil, nil, store)
	mem := memory.NewManager(store, client, 7, 10, 8000, nil, nil)

	loop := New(client, registry, executor, mem, nil, opts...)
	return loop, &loopFixture{store: store, registry: registry, sess: sess}
}

func collectSink() (events.Sink, func() []events.TurnEvent) {
	var mu sync.Mutex
	var seen []events.TurnEvent
	sink := func(e events.TurnEvent) {
		mu.Lock()
		seen = append(seen, e)
		mu.Unlock()
	}
	return sink, func() []events.TurnEvent {
		mu.Lock()
		defer mu.Unlock()
		return append([]events.TurnEvent(nil), seen...)
	}
}

func TestRunOneShotAnswer(t *testing.T) {
	client := &scriptedLLM{steps: []scriptStep{answerStep("Chào bạn! 👋")}}
	loop, fx := newLoopFixture(t, client)
	ctx := context.Background()

	if _, err := fx.store.AddMessage(ctx, fx.sess.ID, "user", "xin chào", false); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	sink, got := collectSink()
	result, err := loop.Run(ctx, fx.sess, "user-1", sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Content != "Chào bạn! 👋" {
		t.Errorf("content = %q", result.Content)
	}
	if result.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", result.Iterations)
	}
	if result.Interrupted || result.Exhausted {
		t.Errorf("clean turn flagged: %+v", result)
	}

	seen := got()
	if len(seen) != 1 || seen[0].Type != events.TypeAnswerDelta {
		t.Errorf("sink events = %+v, want one answer-delta", seen)
	}

	// The transcript starts with the system block and ends with the
	// user message from the window.
	tr := client.transcripts[0]
	if tr[0].Role != "system" || !strings.Contains(tr[0].Content, "Aic") {
		t.Errorf("first message = %+v, want persona system block", tr[0])
	}
	if last := tr[len(tr)-1]; last.Role != "user" || last.Content != "xin chào" {
		t.Errorf("last message = %+v, want the user message", last)
	}
}

func TestRunToolCallRoundTrip(t *testing.T) {
	client := &scriptedLLM{steps: []scriptStep{
		toolCallStep("call-1", "get_weather", map[string]any{"location": "Trà Vinh"}),
		answerStep("Trà Vinh đang 28°C, trời nắng."),
	}}
	loop, fx := newLoopFixture(t, client)
	ctx := context.Background()

	var gotArgs map[string]any
	fx.registry.Register(&capability.Capability{
		Name:        "get_weather",
		Description: "Xem thời tiết",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			gotArgs = args
			return "28°C, nắng", nil
		},
	})

	if _, err := fx.store.AddMessage(ctx, fx.sess.ID, "user", "thời tiết Trà Vinh?", false); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	sink, got := collectSink()
	result, err := loop.Run(ctx, fx.sess, "user-1", sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Iterations != 2 {
		t.Errorf("iterations = %d, want 2", result.Iterations)
	}
	if result.Content != "Trà Vinh đang 28°C, trời nắng." {
		t.Errorf("content = %q", result.Content)
	}
	if gotArgs["location"] != "Trà Vinh" {
		t.Errorf("handler args = %v", gotArgs)
	}

	// Second decision sees the capability result keyed to the call id.
	second := client.transcripts[1]
	var toolMsg *llm.Message
	for i := range second {
		if second[i].Role == "tool" {
			toolMsg = &second[i]
		}
	}
	if toolMsg == nil {
		t.Fatal("second transcript has no tool result")
	}
	if toolMsg.ToolCallID != "call-1" || toolMsg.Content != "28°C, nắng" {
		t.Errorf("tool result = %+v", toolMsg)
	}

	// Sink saw capability-start then capability-end.
	var kinds []string
	for _, e := range got() {
		kinds = append(kinds, e.Type)
	}
	want := []string{events.TypeCapabilityStart, events.TypeCapabilityEnd, events.TypeAnswerDelta}
	if strings.Join(kinds, ",") != strings.Join(want, ",") {
		t.Errorf("sink kinds = %v, want %v", kinds, want)
	}

	// Only the audit trail grew; pending tool traffic is never
	// persisted as messages.
	msgs, _ := fx.store.Messages(ctx, fx.sess.ID)
	if len(msgs) != 1 {
		t.Errorf("persisted messages = %d, want just the user message", len(msgs))
	}
	calls, _ := fx.store.CapabilityCalls(ctx, fx.sess.ID)
	if len(calls) != 1 || calls[0].Capability != "get_weather" {
		t.Errorf("audit trail = %+v", calls)
	}
}

func TestRunUnknownCapabilityRecovers(t *testing.T) {
	client := &scriptedLLM{steps: []scriptStep{
		toolCallStep("call-1", "does_not_exist", nil),
		answerStep("Xin lỗi, mình không làm được việc đó."),
	}}
	loop, fx := newLoopFixture(t, client)
	ctx := context.Background()

	result, err := loop.Run(ctx, fx.sess, "user-1", nil)
	if err != nil {
		t.Fatalf("unknown capability must not fail the turn: %v", err)
	}
	if result.Content != "Xin lỗi, mình không làm được việc đó." {
		t.Errorf("content = %q", result.Content)
	}

	// The model saw a textual error result it could react to.
	second := client.transcripts[1]
	last := second[len(second)-1]
	if last.Role != "tool" || last.Content == "" {
		t.Errorf("expected textual error result, got %+v", last)
	}
}

func TestRunRecursionLimitDegrades(t *testing.T) {
	// A model that asks for the same capability forever.
	var steps []scriptStep
	for range 5 {
		steps = append(steps, toolCallStep("", "ping", nil))
	}
	client := &scriptedLLM{steps: steps}
	loop, fx := newLoopFixture(t, client, WithRecursionLimit(3))

	fx.registry.Register(&capability.Capability{
		Name: "ping",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "pong", nil
		},
	})

	result, err := loop.Run(context.Background(), fx.sess, "user-1", nil)
	if err != nil {
		t.Fatalf("exhaustion must not fail the turn: %v", err)
	}
	if !result.Exhausted {
		t.Error("result not flagged exhausted")
	}
	if result.Iterations != 3 {
		t.Errorf("iterations = %d, want limit 3", result.Iterations)
	}
	if result.Content == "" {
		t.Error("exhausted turn must carry a degraded answer")
	}
}

func TestRunClockIsFreshEachIteration(t *testing.T) {
	client := &scriptedLLM{steps: []scriptStep{
		toolCallStep("call-1", "ping", nil),
		answerStep("xong"),
	}}

	loc, err := time.LoadLocation("Asia/Ho_Chi_Minh")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	// Each call to the clock advances it one hour, so the two decision
	// steps render different times.
	base := time.Date(2026, 3, 2, 1, 0, 0, 0, time.UTC)
	var ticks int
	clock := func() time.Time {
		ticks++
		return base.Add(time.Duration(ticks) * time.Hour)
	}

	loop, fx := newLoopFixture(t, client, WithLocation(loc), WithClock(clock))
	fx.registry.Register(&capability.Capability{
		Name: "ping",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "pong", nil
		},
	})

	if _, err := loop.Run(context.Background(), fx.sess, "user-1", nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	first := client.transcripts[0][0].Content
	second := client.transcripts[1][0].Content
	if first == second {
		t.Error("system block identical across iterations; clock not re-rendered")
	}
	if !strings.Contains(first, "Thời gian hiện tại") {
		t.Error("system block missing clock section")
	}
}

func TestRunLLMFailureReturnsPartial(t *testing.T) {
	client := &scriptedLLM{steps: []scriptStep{
		{
			stream: func(cb llm.StreamCallback) {
				cb(llm.StreamEvent{Kind: llm.KindToken, Token: "Mình đang kiểm"})
			},
			err: errors.New("stream broken"),
		},
	}}
	loop, fx := newLoopFixture(t, client)

	result, err := loop.Run(context.Background(), fx.sess, "user-1", nil)
	if err == nil {
		t.Fatal("want error from failed reasoning call")
	}
	if !result.Interrupted {
		t.Error("result not flagged interrupted")
	}
	if result.Content != "Mình đang kiểm" {
		t.Errorf("partial = %q, want streamed prefix", result.Content)
	}
}

func TestRunCancellationDuringBatch(t *testing.T) {
	client := &scriptedLLM{steps: []scriptStep{
		{
			stream: func(cb llm.StreamCallback) {
				cb(llm.StreamEvent{Kind: llm.KindToken, Token: "Đợi chút nhé…"})
			},
			resp: func() *llm.ChatResponse {
				tc := llm.ToolCall{ID: "call-1"}
				tc.Function.Name = "slow"
				return &llm.ChatResponse{
					Message: llm.Message{Role: "assistant", Content: "Đợi chút nhé…", ToolCalls: []llm.ToolCall{tc}},
					Done:    true,
				}
			}(),
		},
	}}
	loop, fx := newLoopFixture(t, client)

	started := make(chan struct{})
	fx.registry.Register(&capability.Capability{
		Name: "slow",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			close(started)
			select {
			case <-time.After(500 * time.Millisecond):
				return "late", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	result, err := loop.Run(ctx, fx.sess, "user-1", nil)
	if !IsCancellation(err) {
		t.Fatalf("want cancellation error, got %v", err)
	}
	if !result.Interrupted {
		t.Error("result not flagged interrupted")
	}
	if result.Content != "Đợi chút nhé…" {
		t.Errorf("partial = %q", result.Content)
	}
}

func TestRunSummaryAndProfileInTranscript(t *testing.T) {
	client := &scriptedLLM{steps: []scriptStep{answerStep("ok")}}
	loop, fx := newLoopFixture(t, client)
	ctx := context.Background()

	_ = fx.store.SetSummary(ctx, fx.sess.ID, "Người dùng đang ôn thi cuối kỳ.")
	_ = fx.store.UpsertProfile(ctx, &memory.Profile{
		UserID:      "user-1",
		FullName:    "Minh",
		Preferences: map[string]string{"ngành học": "CNTT"},
	})
	sess, _ := fx.store.GetSession(ctx, fx.sess.ID, "user-1")

	if _, err := loop.Run(ctx, sess, "user-1", nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	tr := client.transcripts[0]
	if !strings.Contains(tr[0].Content, "Minh") || !strings.Contains(tr[0].Content, "ngành học: CNTT") {
		t.Error("system block missing profile tier")
	}
	if tr[1].Role != "system" || !strings.Contains(tr[1].Content, "ôn thi cuối kỳ") {
		t.Errorf("second message = %+v, want rolling summary", tr[1])
	}
}
