package agent

import (
	"time"

	"github.com/aiclab/persona-agent/internal/llm"
	"github.com/aiclab/persona-agent/internal/memory"
	"github.com/aiclab/persona-agent/internal/prompts"
)

// buildTranscript assembles the message list for one decision step:
// the system block (persona, fresh clock, profile), the rolling summary,
// the verbatim window, and the messages accumulated so far this turn.
//
// Rebuilt from scratch every iteration so the embedded clock never goes
// stale during long capability batches.
func (l *Loop) buildTranscript(userName, preferences, summary string, window []memory.Message, pending []llm.Message) []llm.Message {
	msgs := make([]llm.Message, 0, len(window)+len(pending)+2)

	msgs = append(msgs, llm.Message{
		Role:    "system",
		Content: prompts.System(userName, preferences, l.now(), l.loc, l.registry.PromptLines()),
	})

	if summary != "" {
		msgs = append(msgs, llm.Message{
			Role:    "system",
			Content: "Tóm tắt phần hội thoại trước đó: " + summary,
		})
	}

	for _, m := range window {
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}

	return append(msgs, pending...)
}

// now returns the loop's time source, defaulting to time.Now.
func (l *Loop) now() time.Time {
	if l.clock != nil {
		return l.clock()
	}
	return time.Now()
}
