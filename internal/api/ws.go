package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The ops console is reached over the LAN or an SSH tunnel; origin
	// enforcement happens at the gateway.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEventsWS streams ops bus events to a WebSocket client. Slow
// clients miss events rather than stalling publishers; that is the
// bus contract.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(sub)

	s.logger.Info("ops console connected", "remote", r.RemoteAddr)

	// Reader goroutine: surfaces client close and discards any input.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			s.logger.Info("ops console disconnected", "remote", r.RemoteAddr)
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("ops event write failed", "error", err)
				return
			}
		}
	}
}
