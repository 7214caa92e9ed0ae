package relay

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/freitascorp/laptoprelay/internal/agentevent"
	"github.com/freitascorp/laptoprelay/internal/fanout"
	"github.com/freitascorp/laptoprelay/internal/registry"
)

// tunnelConn serializes writes to the laptop's WebSocket — one pending
// write at a time, enforcing single-writer discipline.
type tunnelConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (t *tunnelConn) writeJSON(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteJSON(v)
}

func (t *tunnelConn) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "replaced"),
		time.Now().Add(time.Second))
	return t.conn.Close()
}

var _ registry.Connection = (*tunnelConn)(nil)

// handleTunnelWS implements GET /tunnel/{tunnelId}.
func (s *Server) handleTunnelWS(w http.ResponseWriter, r *http.Request) {
	tunnelID, _ := firstPathSegment(pathAfter(r.URL.Path, "/tunnel"))
	if tunnelID == "" {
		http.Error(w, "tunnelId required", http.StatusBadRequest)
		return
	}

	apiKey := r.URL.Query().Get("api_key")
	tun, err := s.reg.Authenticate(tunnelID, apiKey)
	if err != nil {
		if err == registry.ErrNotFound {
			http.Error(w, "tunnel not found", http.StatusNotFound)
		} else {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		}
		s.metrics.TunnelAttachFailed.Inc()
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("tunnel websocket upgrade failed", "tunnel_id", tunnelID, "error", err)
		return
	}

	conn := &tunnelConn{conn: wsConn}
	s.reg.Attach(tun, conn)
	s.metrics.TunnelAttachTotal.Inc()
	s.metrics.TunnelsActive.Inc()
	s.logger.Info("tunnel attached", "tunnel_id", tunnelID)

	done := make(chan struct{})
	go s.tunnelHeartbeat(tun, conn, done)

	wsConn.SetPongHandler(func(string) error {
		tun.Touch(time.Now())
		return nil
	})

	s.readTunnelFrames(tun, conn)

	close(done)
	s.reg.Detach(tunnelID)
	s.metrics.TunnelsActive.Dec()
	s.failPendingForTunnel(tunnelID)
	s.logger.Info("tunnel detached", "tunnel_id", tunnelID)
}

// tunnelHeartbeat runs the ping (20s) and liveness (30s) timers for one
// tunnel connection (heartbeat ping and dead-peer detection).
func (s *Server) tunnelHeartbeat(tun *registry.Tunnel, conn *tunnelConn, done <-chan struct{}) {
	pingTicker := time.NewTicker(s.config.PingInterval)
	defer pingTicker.Stop()
	livenessTicker := time.NewTicker(s.config.LivenessWindow)
	defer livenessTicker.Stop()

	for {
		select {
		case <-done:
			return
		case <-pingTicker.C:
			conn.mu.Lock()
			err := conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			conn.mu.Unlock()
			if err != nil {
				s.logger.Warn("ping failed", "tunnel_id", tun.ID, "error", err)
			}
		case <-livenessTicker.C:
			if time.Since(tun.LastPongAt()) > s.config.LivenessWindow {
				s.logger.Warn("tunnel liveness timeout, terminating", "tunnel_id", tun.ID)
				_ = conn.conn.Close()
				return
			}
		}
	}
}

// readTunnelFrames is the tunnel's read loop; every inbound frame is
// dispatched by type.
func (s *Server) readTunnelFrames(tun *registry.Tunnel, conn *tunnelConn) {
	for {
		_, data, err := conn.conn.ReadMessage()
		if err != nil {
			return
		}
		tun.Touch(time.Now())

		var frame tunnelFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Debug("malformed tunnel frame discarded", "tunnel_id", tun.ID, "error", err)
			continue
		}
		s.dispatchTunnelFrame(tun, conn, frame)
	}
}

func (s *Server) dispatchTunnelFrame(tun *registry.Tunnel, conn *tunnelConn, frame tunnelFrame) {
	switch frame.Type {
	case "ping":
		// The client's own application-level heartbeat (distinct from the
		// WebSocket control ping tunnelHeartbeat sends): answered with a
		// data frame so the client's read loop — which only learns
		// liveness from frames it can see — observes it.
		if err := conn.writeJSON(map[string]string{"type": "pong"}); err != nil {
			s.logger.Warn("pong failed", "tunnel_id", tun.ID, "error", err)
		}

	case "http_response":
		s.completePendingRequest(httpResponseFrame{
			Type:       frame.Type,
			RequestID:  frame.RequestID,
			StatusCode: frame.StatusCode,
			Body:       frame.Body,
		})

	case "client_auth_key":
		if err := s.reg.SetClientAuthKey(tun.ID, frame.Key); err != nil {
			s.logger.Warn("set client auth key failed", "tunnel_id", tun.ID, "error", err)
		}

	case "terminal_output":
		key := fanout.TerminalKey(tun.ID, frame.SessionID)
		payload, _ := json.Marshal(terminalOutputMessage{
			Type:      "output",
			SessionID: frame.SessionID,
			Data:      frame.Data,
			Timestamp: time.Now().UnixMilli(),
		})
		s.hub.Broadcast(fanout.KindTerminal, key, payload)

	case "recording_output":
		ts := frame.Timestamp
		if ts == 0 {
			ts = time.Now().UnixMilli()
		}
		key := fanout.RecordingKey(tun.ID, frame.SessionID)
		payload, _ := json.Marshal(recordingOutputMessage{
			Type:       "recording_output",
			SessionID:  frame.SessionID,
			Text:       frame.Text,
			Delta:      frame.Delta,
			Raw:        frame.Raw,
			Timestamp:  ts,
			IsComplete: frame.IsComplete,
		})
		s.hub.Broadcast(fanout.KindRecording, key, payload)

	case "agent_event":
		ev, err := agentevent.Decode(frame.Event)
		if err != nil {
			s.logger.Debug("agent event decode failed", "tunnel_id", tun.ID, "error", err)
			return
		}
		key := fanout.AgentKey(tun.ID, ev.SessionID)
		payload, err := agentevent.Encode(ev)
		if err != nil {
			s.logger.Debug("agent event re-encode failed", "tunnel_id", tun.ID, "error", err)
			return
		}
		s.hub.Broadcast(fanout.KindAgent, key, payload)

	default:
		s.logger.Debug("unknown tunnel frame type discarded", "tunnel_id", tun.ID, "type", frame.Type)
	}
}
