package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an ops event.
const (
	// SourceAgent identifies events from the orchestration loop.
	SourceAgent = "agent"
	// SourceAPI identifies events from the HTTP layer.
	SourceAPI = "api"
	// SourceMemory identifies events from the memory subsystem.
	SourceMemory = "memory"
)

// Kind constants describe the type of ops event within a source.
const (
	// KindTurnStart signals the beginning of a turn.
	// Data: session_id, user_id.
	KindTurnStart = "turn_start"
	// KindLLMCall signals the start of a reasoning-service call.
	// Data: session_id, iter, model.
	KindLLMCall = "llm_call"
	// KindLLMResponse signals completion of a reasoning-service call.
	// Data: session_id, iter, tokens_in, tokens_out, capability_calls.
	KindLLMResponse = "llm_response"
	// KindCapabilityCall signals the start of a capability execution.
	// Data: session_id, capability.
	KindCapabilityCall = "capability_call"
	// KindCapabilityDone signals completion of a capability execution.
	// Data: session_id, capability, ok, duration_ms.
	KindCapabilityDone = "capability_done"
	// KindTurnComplete signals the end of a turn.
	// Data: session_id, iterations, elapsed_ms, interrupted.
	KindTurnComplete = "turn_complete"
	// KindSummarize signals a rolling-summary compaction ran.
	// Data: session_id, compacted, summary_len.
	KindSummarize = "summarize"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus for ops events. Subscribers
// receive events on buffered channels; slow subscribers miss events
// rather than blocking publishers. The bus is nil-safe: Publish on a
// nil *Bus is a no-op, so components do not need guard checks.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// NewBus creates an event bus ready for use.
func NewBus() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
