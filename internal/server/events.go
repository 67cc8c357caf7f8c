package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openUC2/ImTools/internal/engine"
)

const (
	eventBuffer = 64
	writeWait   = 5 * time.Second
	pingPeriod  = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the API is served to lab-local UIs on other ports
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEvents streams the progress and workflow events of one workflow as
// JSON text messages until the client disconnects. Events are dropped rather
// than blocking the run when the client falls behind.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	events := make(chan engine.Event, eventBuffer)
	forward := func(evt engine.Event) error {
		select {
		case events <- evt:
		default:
			s.logger.With("run_id", id).Warn("event stream client too slow, dropping event")
		}
		return nil
	}

	var subs []engine.Subscription
	for _, name := range []string{engine.EventProgress, engine.EventWorkflow} {
		sub, err := s.manager.Subscribe(id, name, forward)
		if err != nil {
			s.writeManagerError(w, err)
			return
		}
		subs = append(subs, sub)
	}
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()

	// subscribed before the handshake so a client that starts the run right
	// after dialing sees every event
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error(err, "websocket upgrade failed")
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case evt := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
