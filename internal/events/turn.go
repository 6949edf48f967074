// Package events defines the typed turn-event stream delivered to chat
// clients and a publish/subscribe bus for operational observability.
//
// Turn events are the closed union a client can receive while a turn is
// in flight. Each event serializes as a JSON object with a "type"
// discriminator; payload fields are flattened alongside it.
package events

import "encoding/json"

// Turn event type discriminators.
const (
	// TypeReasoningDelta is an incremental fragment of the model's
	// internal reasoning trace.
	TypeReasoningDelta = "reasoning-delta"
	// TypeAnswerDelta is an incremental fragment of the user-facing answer.
	TypeAnswerDelta = "answer-delta"
	// TypeCapabilityStart signals that a named capability call has begun.
	TypeCapabilityStart = "capability-start"
	// TypeCapabilityEnd signals that a named capability call has finished.
	TypeCapabilityEnd = "capability-end"
	// TypeTurnComplete signals the turn finished; carries the session id
	// so clients that opened a new conversation learn its identity.
	TypeTurnComplete = "turn-complete"
	// TypeTurnError signals the turn failed; carries a client-safe message.
	TypeTurnError = "turn-error"
)

// TurnEvent is one element of the turn stream. Exactly the fields
// relevant to Type are populated; the rest serialize as absent.
type TurnEvent struct {
	Type string `json:"type"`

	// Delta carries the text fragment for reasoning-delta and
	// answer-delta events.
	Delta string `json:"delta,omitempty"`

	// Capability is the capability name for capability-start and
	// capability-end events.
	Capability string `json:"capability,omitempty"`

	// Preview is a truncated result excerpt for capability-end events.
	Preview string `json:"preview,omitempty"`

	// SessionID is set on turn-complete events.
	SessionID string `json:"session_id,omitempty"`

	// Message is the client-safe error description for turn-error events.
	Message string `json:"message,omitempty"`
}

// ReasoningDelta builds a reasoning-delta event.
func ReasoningDelta(delta string) TurnEvent {
	return TurnEvent{Type: TypeReasoningDelta, Delta: delta}
}

// AnswerDelta builds an answer-delta event.
func AnswerDelta(delta string) TurnEvent {
	return TurnEvent{Type: TypeAnswerDelta, Delta: delta}
}

// CapabilityStart builds a capability-start event.
func CapabilityStart(name string) TurnEvent {
	return TurnEvent{Type: TypeCapabilityStart, Capability: name}
}

// CapabilityEnd builds a capability-end event. The preview is truncated
// to at most previewLimit bytes at a rune boundary.
func CapabilityEnd(name, result string) TurnEvent {
	return TurnEvent{Type: TypeCapabilityEnd, Capability: name, Preview: TruncatePreview(result)}
}

// TurnComplete builds a turn-complete event.
func TurnComplete(sessionID string) TurnEvent {
	return TurnEvent{Type: TypeTurnComplete, SessionID: sessionID}
}

// TurnError builds a turn-error event.
func TurnError(message string) TurnEvent {
	return TurnEvent{Type: TypeTurnError, Message: message}
}

// previewLimit bounds capability-end previews so event frames stay small.
const previewLimit = 200

// TruncatePreview shortens s to previewLimit bytes without splitting a
// UTF-8 rune, appending an ellipsis when truncation occurred.
func TruncatePreview(s string) string {
	if len(s) <= previewLimit {
		return s
	}
	cut := previewLimit
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut] + "…"
}

// Marshal encodes the event for the wire. Encoding a TurnEvent cannot
// fail; the error return exists for callers that forward it anyway.
func (e TurnEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Sink receives turn events during a turn. Implementations must be safe
// for calls from multiple goroutines; capability events are emitted
// concurrently during batch execution.
type Sink func(TurnEvent)
