package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/aiclab/persona-agent/internal/agent"
	"github.com/aiclab/persona-agent/internal/events"
	"github.com/aiclab/persona-agent/internal/memory"
)

// ChatRequest starts one turn. An empty SessionID opens a new session.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// turnFailureAnswer is streamed as the turn-error frame and persisted
// as the assistant content when a turn fails before producing any.
const turnFailureAnswer = "Xin lỗi, đã có lỗi xảy ra. Bạn thử lại sau nhé."

// handleChat runs a turn and streams turn events over SSE.
//
// Persistence happens here, not in the loop: the user message is
// stored before the turn starts, and the assistant content is stored
// after it ends — whether the turn finished, was interrupted, or hit
// the recursion limit.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	// A supplied id that does not resolve for this caller falls through
	// to a fresh session rather than failing the turn, so stale or
	// foreign ids never block the user from chatting.
	store := s.memory.Store()
	var sess *memory.Session
	newSession := false
	if req.SessionID != "" {
		var err error
		sess, err = store.GetSession(r.Context(), req.SessionID, userID)
		switch {
		case err == nil:
		case errors.Is(err, memory.ErrNotFound), errors.Is(err, memory.ErrSessionAccess):
			s.logger.Info("session id did not resolve, starting fresh",
				"session_id", req.SessionID, "user_id", userID)
		default:
			s.logger.Error("load session failed", "session_id", req.SessionID, "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "failed to load session")
			return
		}
	}
	if sess == nil {
		var err error
		sess, err = store.CreateSession(r.Context(), userID)
		if err != nil {
			s.logger.Error("create session failed", "user_id", userID, "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "failed to create session")
			return
		}
		newSession = true
	}

	if _, err := store.AddMessage(r.Context(), sess.ID, "user", req.Message, false); err != nil {
		s.logger.Error("persist user message failed", "session_id", sess.ID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to store message")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	rc := http.NewResponseController(w)

	// Capability events arrive from concurrent executor goroutines, so
	// frame writes must be serialized.
	var mu sync.Mutex
	sink := func(ev events.TurnEvent) {
		payload, err := ev.Marshal()
		if err != nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
		// Long tool loops must not trip the server write timeout.
		if err := rc.SetWriteDeadline(time.Now().Add(120 * time.Second)); err != nil {
			s.logger.Debug("failed to reset write deadline", "error", err)
		}
	}

	result, runErr := s.loop.Run(r.Context(), sess, userID, sink)

	// The request context may already be dead; persistence and
	// housekeeping must not be lost with it.
	detached, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 30*time.Second)
	defer cancel()

	// Every turn persists exactly one assistant message. A turn that
	// died before streaming anything gets an annotated placeholder so
	// the session history never ends on a dangling user message.
	content := ""
	interrupted := false
	if result != nil {
		content = result.Content
		interrupted = result.Interrupted
	}
	if content == "" {
		content = turnFailureAnswer
		interrupted = true
	}
	msg, err := store.AddMessage(detached, sess.ID, "assistant", content, interrupted)
	if err != nil {
		s.logger.Error("persist assistant message failed", "session_id", sess.ID, "error", err)
	} else if err := store.AttachCapabilityCalls(detached, sess.ID, msg.ID); err != nil {
		s.logger.Warn("attach capability calls failed", "session_id", sess.ID, "error", err)
	}

	if runErr != nil {
		if agent.IsCancellation(runErr) {
			s.logger.Info("chat client disconnected", "session_id", sess.ID)
			return
		}
		sink(events.TurnError(turnFailureAnswer))
		return
	}

	sink(events.TurnComplete(sess.ID))

	// Post-turn housekeeping off the request path.
	go s.afterTurn(sess.ID, newSession, req.Message)
}

// afterTurn runs best-effort maintenance once a turn is done: titling
// a fresh session and folding old history into the rolling summary.
func (s *Server) afterTurn(sessionID string, newSession bool, firstMessage string) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if newSession {
		if title, err := s.memory.AutoTitle(ctx, sessionID, firstMessage); err != nil {
			s.logger.Warn("auto-title failed", "session_id", sessionID, "error", err)
		} else {
			s.logger.Debug("session titled", "session_id", sessionID, "title", title)
		}
	}

	if err := s.memory.MaybeSummarize(ctx, sessionID); err != nil {
		s.logger.Warn("summarize failed", "session_id", sessionID, "error", err)
	}
}
