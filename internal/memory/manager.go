package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/aiclab/persona-agent/internal/events"
	"github.com/aiclab/persona-agent/internal/llm"
	"github.com/aiclab/persona-agent/internal/prompts"
)

// Manager coordinates the three memory tiers around the store: the
// sliding window of verbatim messages, the rolling summary, and the
// long-term user profile.
type Manager struct {
	store *Store
	llm   llm.Client

	// windowSize is in message pairs; the verbatim window holds
	// windowSize*2 individual messages.
	windowSize       int
	summaryThreshold int
	contextBudget    int

	logger *slog.Logger
	bus    *events.Bus
}

// NewManager wires a manager. windowSize, summaryThreshold, and
// contextBudget fall back to 7, 10, and 8000 when non-positive.
func NewManager(store *Store, client llm.Client, windowSize, summaryThreshold, contextBudget int, logger *slog.Logger, bus *events.Bus) *Manager {
	if windowSize <= 0 {
		windowSize = 7
	}
	if summaryThreshold <= 0 {
		summaryThreshold = 10
	}
	if contextBudget <= 0 {
		contextBudget = 8000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:            store,
		llm:              client,
		windowSize:       windowSize,
		summaryThreshold: summaryThreshold,
		contextBudget:    contextBudget,
		logger:           logger,
		bus:              bus,
	}
}

// Store exposes the underlying store for handlers that need direct
// session and message access.
func (m *Manager) Store() *Store { return m.store }

// Context assembles the in-context history for a session: the rolling
// summary (possibly empty) and the verbatim window. The window starts
// as the last windowSize*2 uncompacted messages and is further trimmed
// from the front if summary+window exceed the token budget; the last
// message pair is always kept.
func (m *Manager) Context(ctx context.Context, sess *Session) (summary string, window []Message, err error) {
	active, err := m.store.ActiveMessages(ctx, sess.ID)
	if err != nil {
		return "", nil, fmt.Errorf("load history: %w", err)
	}

	if limit := m.windowSize * 2; len(active) > limit {
		active = active[len(active)-limit:]
	}

	budget := m.contextBudget - CountTokens(sess.Summary)
	used := 0
	for _, msg := range active {
		used += CountTokens(msg.Content)
	}
	for used > budget && len(active) > 2 {
		used -= CountTokens(active[0].Content)
		active = active[1:]
	}

	return sess.Summary, active, nil
}

// MaybeSummarize folds history outside the sliding window into the
// rolling summary once the uncompacted count exceeds the threshold.
// The previous summary is carried into the new one, which replaces it;
// compacted messages are flagged so they are never re-summarized.
//
// Best-effort: the caller runs this after the turn completes and only
// logs failures.
func (m *Manager) MaybeSummarize(ctx context.Context, sessionID string) error {
	active, err := m.store.ActiveMessages(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	if len(active) <= m.summaryThreshold {
		return nil
	}

	window := m.windowSize * 2
	if len(active) <= window {
		return nil
	}
	old := active[:len(active)-window]

	var prevSummary string
	row := m.store.db.QueryRowContext(ctx, `SELECT summary FROM sessions WHERE id = ?`, sessionID)
	if err := row.Scan(&prevSummary); err != nil {
		return fmt.Errorf("load summary: %w", err)
	}

	var b strings.Builder
	if prevSummary != "" {
		fmt.Fprintf(&b, "Tóm tắt trước đó: %s\n", prevSummary)
	}
	for _, msg := range old {
		switch msg.Role {
		case "user":
			fmt.Fprintf(&b, "User: %s\n", msg.Content)
		case "assistant":
			fmt.Fprintf(&b, "AI: %s\n", msg.Content)
		}
	}

	resp, err := m.llm.Chat(ctx, []llm.Message{
		{Role: "user", Content: prompts.Summary(strings.TrimRight(b.String(), "\n"))},
	}, nil)
	if err != nil {
		return fmt.Errorf("summarize: %w", err)
	}
	summary := strings.TrimSpace(resp.Message.Content)
	if summary == "" {
		return fmt.Errorf("summarize: empty summary")
	}

	if err := m.store.SetSummary(ctx, sessionID, summary); err != nil {
		return fmt.Errorf("store summary: %w", err)
	}

	ids := make([]string, len(old))
	for i, msg := range old {
		ids[i] = msg.ID
	}
	if err := m.store.MarkCompacted(ctx, ids); err != nil {
		return fmt.Errorf("mark compacted: %w", err)
	}

	m.logger.Info("history compacted",
		"session_id", sessionID,
		"compacted", len(old),
		"summary_len", len(summary),
	)
	m.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceMemory,
		Kind:      events.KindSummarize,
		Data: map[string]any{
			"session_id":  sessionID,
			"compacted":   len(old),
			"summary_len": len(summary),
		},
	})
	return nil
}

// ProfileContext renders the long-term tier for the system block:
// the user's display name and the formatted preference lines. A user
// without a stored profile yields empty strings.
func (m *Manager) ProfileContext(ctx context.Context, userID string) (userName, preferences string) {
	profile, err := m.store.GetProfile(ctx, userID)
	if err != nil {
		if err != ErrNotFound {
			m.logger.Warn("load profile failed", "user_id", userID, "error", err)
		}
		return "", ""
	}

	parts := []string{prompts.VerbosityDirective(profile.ResponseDetail)}

	keys := make([]string, 0, len(profile.Preferences))
	for k := range profile.Preferences {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("- %s: %s", k, profile.Preferences[k]))
	}

	return profile.FullName, strings.Join(parts, "\n")
}

// AutoTitle generates and stores a short Vietnamese title for a newly
// created session from its first user message. Best-effort: the caller
// logs the error and moves on.
func (m *Manager) AutoTitle(ctx context.Context, sessionID, firstMessage string) (string, error) {
	resp, err := m.llm.Chat(ctx, []llm.Message{
		{Role: "user", Content: prompts.Title(firstMessage)},
	}, nil)
	if err != nil {
		return "", fmt.Errorf("generate title: %w", err)
	}

	title := prompts.CleanTitle(resp.Message.Content)
	if title == "" {
		return "", fmt.Errorf("generate title: empty response")
	}

	if err := m.store.SetTitle(ctx, sessionID, title); err != nil {
		return "", fmt.Errorf("store title: %w", err)
	}
	return title, nil
}
