// Package api implements the HTTP surface: the streaming chat
// endpoint, session management, and the ops WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aiclab/persona-agent/internal/agent"
	"github.com/aiclab/persona-agent/internal/buildinfo"
	"github.com/aiclab/persona-agent/internal/events"
	"github.com/aiclab/persona-agent/internal/memory"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	loop    *agent.Loop
	memory  *memory.Manager
	bus     *events.Bus
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates an API server.
func NewServer(address string, port int, loop *agent.Loop, mem *memory.Manager, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		loop:    loop,
		memory:  mem,
		bus:     bus,
		logger:  logger,
	}
}

// Handler builds the route table. Exposed so tests can drive the mux
// through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Chat
	mux.HandleFunc("POST /v1/chat", s.handleChat)

	// Sessions
	mux.HandleFunc("GET /v1/sessions", s.handleSessionList)
	mux.HandleFunc("GET /v1/sessions/{id}/messages", s.handleSessionMessages)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleSessionDelete)

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	// Ops console
	mux.HandleFunc("GET /ws/events", s.handleEventsWS)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // long for streaming turns
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{"error": message}, s.logger)
}

// userID reads the authenticated user from the request. The gateway in
// front of aicd does the actual authentication and forwards the id.
func (s *Server) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get("X-User-ID")
	if id == "" {
		s.errorResponse(w, http.StatusBadRequest, "X-User-ID header is required")
		return "", false
	}
	return id, true
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Aic",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	sessions, err := s.memory.Store().ListSessions(r.Context(), userID)
	if err != nil {
		s.logger.Error("list sessions failed", "user_id", userID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"sessions": sessions}, s.logger)
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	sessionID := r.PathValue("id")

	sess, err := s.memory.Store().GetSession(r.Context(), sessionID, userID)
	if err != nil {
		s.sessionError(w, err)
		return
	}

	messages, err := s.memory.Store().Messages(r.Context(), sess.ID)
	if err != nil {
		s.logger.Error("load messages failed", "session_id", sess.ID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load messages")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"session":  sess,
		"messages": messages,
	}, s.logger)
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	sessionID := r.PathValue("id")

	if err := s.memory.Store().DeleteSession(r.Context(), sessionID, userID); err != nil {
		s.sessionError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "deleted"}, s.logger)
}

// sessionError maps store errors to status codes. Another user's
// session and a nonexistent one get the same response, so guessing ids
// reveals nothing about what exists.
func (s *Server) sessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, memory.ErrSessionAccess), errors.Is(err, memory.ErrNotFound):
		s.errorResponse(w, http.StatusNotFound, "session not found")
	default:
		s.logger.Error("session lookup failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
	}
}
