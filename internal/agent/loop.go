// Package agent implements the turn orchestration loop: a decide /
// execute state machine that alternates reasoning-service calls with
// capability batches until the model produces a final answer.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aiclab/persona-agent/internal/capability"
	"github.com/aiclab/persona-agent/internal/events"
	"github.com/aiclab/persona-agent/internal/llm"
	"github.com/aiclab/persona-agent/internal/memory"
)

// DefaultRecursionLimit caps decide/execute round-trips per turn.
const DefaultRecursionLimit = 25

// exhaustedAnswer is returned to the user when a turn hits the
// recursion limit without a final answer. A degraded turn, not a fatal
// error.
const exhaustedAnswer = "Mình đã thử nhiều bước nhưng chưa hoàn thành được yêu cầu này. Bạn thử chia nhỏ câu hỏi hoặc hỏi lại theo cách khác nhé. 🙏"

// Loop runs turns. Immutable after construction; one Loop serves all
// sessions concurrently.
type Loop struct {
	llm      llm.Client
	registry *capability.Registry
	executor *capability.Executor
	memory   *memory.Manager

	recursionLimit int
	loc            *time.Location
	// clock overrides time.Now in tests.
	clock func() time.Time

	logger *slog.Logger
	bus    *events.Bus
}

// Option configures a Loop.
type Option func(*Loop)

// WithRecursionLimit overrides DefaultRecursionLimit.
func WithRecursionLimit(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.recursionLimit = n
		}
	}
}

// WithLocation sets the timezone rendered into the system clock.
func WithLocation(loc *time.Location) Option {
	return func(l *Loop) { l.loc = loc }
}

// WithClock overrides the time source. Tests only.
func WithClock(clock func() time.Time) Option {
	return func(l *Loop) { l.clock = clock }
}

// WithBus attaches the ops event bus.
func WithBus(bus *events.Bus) Option {
	return func(l *Loop) { l.bus = bus }
}

// New creates a turn loop.
func New(client llm.Client, registry *capability.Registry, executor *capability.Executor, mem *memory.Manager, logger *slog.Logger, opts ...Option) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loop{
		llm:            client,
		registry:       registry,
		executor:       executor,
		memory:         mem,
		recursionLimit: DefaultRecursionLimit,
		logger:         logger,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// TurnResult is the outcome of one turn.
type TurnResult struct {
	// Content is the final answer, or the partial answer streamed so
	// far when Interrupted is set.
	Content string
	// Interrupted marks a turn cut short by cancellation or a
	// reasoning-service failure; Content holds what was streamed.
	Interrupted bool
	// Exhausted marks a turn that hit the recursion limit.
	Exhausted bool

	Iterations   int
	InputTokens  int
	OutputTokens int
	Elapsed      time.Duration
}

// Run executes one turn for a session. The caller has already
// persisted the user message; Run persists nothing — the caller stores
// the returned content so both the success and interrupted paths share
// one persistence site.
//
// On reasoning-service failure Run returns both the partial result and
// the error: the caller persists the partial and reports the error.
func (l *Loop) Run(ctx context.Context, sess *memory.Session, userID string, sink events.Sink) (*TurnResult, error) {
	start := l.now()

	userName, preferences := l.memory.ProfileContext(ctx, userID)
	summary, window, err := l.memory.Context(ctx, sess)
	if err != nil {
		return nil, fmt.Errorf("assemble context: %w", err)
	}

	l.bus.Publish(events.Event{
		Timestamp: start,
		Source:    events.SourceAgent,
		Kind:      events.KindTurnStart,
		Data:      map[string]any{"session_id": sess.ID, "user_id": userID},
	})

	result := &TurnResult{}
	// streamed accumulates answer deltas so an interrupted turn can
	// persist what the user already saw.
	var streamed strings.Builder
	forward := func(e llm.StreamEvent) {
		switch e.Kind {
		case llm.KindReasoning:
			if sink != nil {
				sink(events.ReasoningDelta(e.Reasoning))
			}
		case llm.KindToken:
			streamed.WriteString(e.Token)
			if sink != nil {
				sink(events.AnswerDelta(e.Token))
			}
		}
	}

	var pending []llm.Message
	specs := l.registry.Specs()

	for iter := 1; iter <= l.recursionLimit; iter++ {
		result.Iterations = iter

		transcript := l.buildTranscript(userName, preferences, summary, window, pending)

		l.bus.Publish(events.Event{
			Timestamp: l.now(),
			Source:    events.SourceAgent,
			Kind:      events.KindLLMCall,
			Data:      map[string]any{"session_id": sess.ID, "iter": iter},
		})

		resp, err := l.llm.ChatStream(ctx, transcript, specs, forward)
		if err != nil {
			result.Content = streamed.String()
			result.Interrupted = true
			result.Elapsed = l.now().Sub(start)
			if ctx.Err() != nil {
				l.logger.Info("turn cancelled",
					"session_id", sess.ID,
					"iter", iter,
					"partial_len", len(result.Content),
				)
				return result, ctx.Err()
			}
			l.logger.Error("reasoning call failed", "session_id", sess.ID, "iter", iter, "error", err)
			return result, fmt.Errorf("reasoning call: %w", err)
		}

		result.InputTokens += resp.InputTokens
		result.OutputTokens += resp.OutputTokens

		l.bus.Publish(events.Event{
			Timestamp: l.now(),
			Source:    events.SourceAgent,
			Kind:      events.KindLLMResponse,
			Data: map[string]any{
				"session_id":       sess.ID,
				"iter":             iter,
				"tokens_in":        resp.InputTokens,
				"tokens_out":       resp.OutputTokens,
				"capability_calls": len(resp.Message.ToolCalls),
			},
		})

		if len(resp.Message.ToolCalls) == 0 {
			// Final answer.
			result.Content = resp.Message.Content
			result.Elapsed = l.now().Sub(start)
			l.publishTurnComplete(sess.ID, result)
			return result, nil
		}

		// Execution step: run the whole batch, then feed every result
		// back before the next decision.
		pending = append(pending, resp.Message)

		reqs := make([]capability.Request, len(resp.Message.ToolCalls))
		for i, tc := range resp.Message.ToolCalls {
			callID := tc.ID
			if callID == "" {
				callID = uuid.NewString()
			}
			reqs[i] = capability.Request{
				CallID: callID,
				Name:   tc.Function.Name,
				Args:   tc.Function.Arguments,
			}
		}

		results, err := l.executor.ExecuteBatch(ctx, sess.ID, userID, reqs, sink)
		if err != nil {
			// Cancelled mid-batch: in-flight calls finish detached and
			// their results are discarded.
			result.Content = streamed.String()
			result.Interrupted = true
			result.Elapsed = l.now().Sub(start)
			l.logger.Info("turn cancelled during capability batch",
				"session_id", sess.ID,
				"iter", iter,
				"partial_len", len(result.Content),
			)
			return result, err
		}

		for _, res := range results {
			pending = append(pending, llm.Message{
				Role:       "tool",
				Content:    res.Content,
				ToolCallID: res.CallID,
			})
		}
	}

	// Loop exhausted: degrade gracefully with a fixed answer instead of
	// failing the turn.
	l.logger.Warn("recursion limit reached",
		"session_id", sess.ID,
		"limit", l.recursionLimit,
	)
	result.Content = exhaustedAnswer
	result.Exhausted = true
	result.Elapsed = l.now().Sub(start)
	l.publishTurnComplete(sess.ID, result)
	return result, nil
}

func (l *Loop) publishTurnComplete(sessionID string, result *TurnResult) {
	l.bus.Publish(events.Event{
		Timestamp: l.now(),
		Source:    events.SourceAgent,
		Kind:      events.KindTurnComplete,
		Data: map[string]any{
			"session_id":  sessionID,
			"iterations":  result.Iterations,
			"elapsed_ms":  result.Elapsed.Milliseconds(),
			"interrupted": result.Interrupted,
			"exhausted":   result.Exhausted,
		},
	})
}

// IsCancellation reports whether err is a client cancellation rather
// than a genuine failure.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
