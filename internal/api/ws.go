package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/dontdude/goxtex/internal/logfields"
)

const wsWriteWait = 5 * time.Second

// WebSocket Upgrader (Gorilla)
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true }, // any origin may watch; job ids are unguessable
}

// handleWatchJob upgrades to a WebSocket and pushes the job summary once the job
// reaches a terminal result, then closes the connection.
func (s *Server) handleWatchJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.gw.Status(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", logfields.JobID(id), logfields.Error(err))
		return
	}
	defer conn.Close()

	s.logger.Debug("Client connected via WebSocket", logfields.JobID(id), "remote_addr", conn.RemoteAddr().String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Reads detect the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	res, err := s.gw.Wait(ctx, id)
	if err != nil {
		s.logger.Debug("Client disconnected before result", logfields.JobID(id))
		return
	}

	view := newJobView(job, res)
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(view); err != nil {
		s.logger.Warn("Failed to write to websocket", logfields.JobID(id), logfields.Error(err))
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
		time.Now().Add(wsWriteWait))
}
