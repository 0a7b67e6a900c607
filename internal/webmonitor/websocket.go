package webmonitor

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dj-oyu/cloud-monitor/internal/logger"
)

const (
	wsReadTimeout  = 60 * time.Second
	wsPingInterval = 30 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// wsMessage is one frame on /ws/live: a detection or status event.
type wsMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// handleLiveWebSocket pushes detection and status events over a websocket.
// Clients only send pings; anything else they send is ignored.
func (s *Server) handleLiveWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("WebSocket", "Upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	detID, detCh := s.detections.Subscribe()
	defer s.detections.Unsubscribe(detID)
	statusID, statusCh := s.status.Subscribe()
	defer s.status.Unsubscribe(statusID)

	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				logger.Debug("WebSocket", "Client gone: %v", err)
				return
			}
		}
	}()

	send := func(kind string, event *SerializedEvent) bool {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(wsMessage{Type: kind, Payload: event.JSONData}); err != nil {
			logger.Debug("WebSocket", "Write %s: %v", kind, err)
			return false
		}
		return true
	}

	if initial, err := serializeEvent(s.statusPayload()); err == nil && !send("status", initial) {
		return
	}

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case event, ok := <-detCh:
			if !ok || !send("detection", event) {
				return
			}
		case event, ok := <-statusCh:
			if !ok || !send("status", event) {
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(wsWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
