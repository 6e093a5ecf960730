package server

import (
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/freitascorp/agentrelay/pkg/protocol"
	"github.com/freitascorp/agentrelay/pkg/relay"
)

// ------------------------------------------------------------------
// Container ingest socket
// ------------------------------------------------------------------

// handleContainerSocket upgrades the container's connection and pumps its
// NDJSON frames into the relay. One container per session; a reconnect
// replaces the previous socket. Attaching to an unknown session closes the
// socket with code 4004.
func (s *Server) handleContainerSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authenticateContainer(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	sessionID := r.PathValue("id")

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Error("container websocket accept failed", "error", err)
		return
	}
	// NDJSON frames can exceed the 32 KiB default (large tool outputs).
	ws.SetReadLimit(16 << 20)

	conn := relay.NewWSConn(ws, s.cfg.Relay.WriteQueueSize)
	if !s.registry.AttachContainer(sessionID, conn) {
		s.logger.Warn("container attach rejected", "session_id", sessionID)
		return
	}
	s.logger.Info("container connected", "session_id", sessionID, "remote", r.RemoteAddr)

	ctx := r.Context()
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			break
		}
		if typ != websocket.MessageText {
			continue
		}
		s.registry.HandleContainerFrame(sessionID, conn, data)
	}

	s.registry.HandleContainerClose(sessionID, conn)
	conn.Close(protocol.CloseNormal, "")
	s.logger.Info("container disconnected", "session_id", sessionID)
}

// ------------------------------------------------------------------
// Browser subscribe socket
// ------------------------------------------------------------------

// handleBrowserSocket upgrades a browser connection, subscribes it to the
// session's event stream (with replay when last_event_id is supplied), and
// routes its typed requests into the relay. The socket layer answers pings
// itself and rate-limits everything else.
func (s *Server) handleBrowserSocket(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticateBrowser(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	sessionID := r.PathValue("id")
	lastEventID := r.URL.Query().Get("last_event_id")

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Error("browser websocket accept failed", "error", err)
		return
	}

	conn := relay.NewWSConn(ws, s.cfg.Relay.WriteQueueSize)
	if !s.registry.AddBrowserToSession(sessionID, conn, lastEventID) {
		conn.Close(protocol.CloseUnknownSession, "Unknown session")
		return
	}
	s.logger.Debug("browser subscribed",
		"session_id", sessionID, "user_id", userID, "last_event_id", lastEventID)

	limiter := rate.NewLimiter(rate.Limit(s.cfg.Relay.BrowserRateLimit), s.cfg.Relay.BrowserRateBurst)

	ctx := r.Context()
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			break
		}
		if typ != websocket.MessageText {
			continue
		}
		if isPing(data) {
			conn.Send(pongFrame())
			continue
		}
		if !limiter.Allow() {
			s.logger.Debug("browser request rate limited", "session_id", sessionID)
			continue
		}
		s.registry.HandleBrowserMessage(sessionID, conn, data, userID)
	}

	s.registry.RemoveBrowserFromSession(sessionID, conn)
	conn.Close(protocol.CloseNormal, "")
	s.logger.Debug("browser unsubscribed", "session_id", sessionID)
}

func isPing(data []byte) bool {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	return probe.Type == protocol.BrowserPing
}

func pongFrame() []byte {
	data, _ := json.Marshal(map[string]string{"type": protocol.ServerPong})
	return data
}
