// Package memory provides the tiered conversation memory subsystem:
// a verbatim sliding window, a rolling summary, and the long-term user
// profile, all backed by SQLite.
package memory

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a session or user does not exist.
var ErrNotFound = errors.New("not found")

// ErrSessionAccess is returned when a session exists but belongs to a
// different user. Handlers respond exactly as they do for ErrNotFound
// so callers cannot learn which ids exist.
var ErrSessionAccess = errors.New("session access denied")

// Session is one conversation thread owned by a user.
type Session struct {
	ID           string    `json:"id"`
	UserID       string    `json:"-"`
	Title        string    `json:"title"`
	Summary      string    `json:"summary,omitempty"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Message is one persisted turn message. Seq is the session-scoped
// monotonic position; ordering by Seq reproduces the conversation
// exactly regardless of wall-clock skew.
type Message struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"-"`
	Seq         int64     `json:"seq"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	Interrupted bool      `json:"interrupted,omitempty"`
	CreatedAt   time.Time `json:"created_at"`

	// CapabilityCalls are the audit records of the turn this assistant
	// message concluded. Populated by Store.Messages only.
	CapabilityCalls []CapabilityCall `json:"capability_calls,omitempty"`
}

// Profile is the long-term tier: stable facts about the user injected
// into the system block on every turn.
type Profile struct {
	UserID   string
	FullName string
	// Preferences holds free-form key/value facts ("quê quán": "Trà Vinh").
	Preferences map[string]string
	// ResponseDetail is the verbosity setting; see prompts.VerbosityConcise.
	ResponseDetail string
	UpdatedAt      time.Time
}
