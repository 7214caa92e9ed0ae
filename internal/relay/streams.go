package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/freitascorp/laptoprelay/internal/agentevent"
	"github.com/freitascorp/laptoprelay/internal/fanout"
)

// wsSubscriber is a WebSocket stream subscriber (terminal/recording/agent).
// It serializes writes and runs its own ping/liveness timers, mirroring
// the tunnel connection's discipline.
type wsSubscriber struct {
	mu       sync.Mutex
	conn     *websocket.Conn
	lastPong time.Time
}

func newWSSubscriber(conn *websocket.Conn) *wsSubscriber {
	s := &wsSubscriber{conn: conn, lastPong: time.Now()}
	conn.SetPongHandler(func(string) error {
		s.mu.Lock()
		s.lastPong = time.Now()
		s.mu.Unlock()
		return nil
	})
	return s
}

func (s *wsSubscriber) Deliver(_ fanout.Kind, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *wsSubscriber) Close(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	_ = s.conn.Close()
}

func (s *wsSubscriber) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

func (s *wsSubscriber) sinceLastPong() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastPong)
}

// runSubscriberHeartbeat pings sub and unsubscribes/closes it once the
// liveness window elapses without a pong, returning when done fires.
func (s *Server) runSubscriberHeartbeat(sub *wsSubscriber, kind fanout.Kind, streamKey string, done <-chan struct{}) {
	pingTicker := time.NewTicker(s.config.PingInterval)
	defer pingTicker.Stop()
	livenessTicker := time.NewTicker(s.config.LivenessWindow)
	defer livenessTicker.Stop()

	for {
		select {
		case <-done:
			return
		case <-pingTicker.C:
			_ = sub.ping()
		case <-livenessTicker.C:
			if sub.sinceLastPong() > s.config.LivenessWindow {
				s.hub.Unsubscribe(kind, streamKey, sub)
				sub.Close(1001, "liveness timeout")
				return
			}
		}
	}
}

// sseSubscriber is a server-sent-events recording subscriber (the SSE
// variant; recording only).
type sseSubscriber struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	done    chan struct{}
}

func (s *sseSubscriber) Deliver(kind fanout.Kind, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return fmt.Errorf("sse subscriber closed")
	default:
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventNameFor(kind), payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSubscriber) Close(int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

func eventNameFor(kind fanout.Kind) string {
	switch kind {
	case fanout.KindTerminal:
		return "terminal_output"
	case fanout.KindRecording:
		return "recording_output"
	case fanout.KindAgent:
		return "agent_event"
	default:
		return string(kind)
	}
}

// tunnelLiveConn looks up the live *tunnelConn for tunnelID, or nil.
func (s *Server) tunnelLiveConn(tunnelID string) *tunnelConn {
	tun, err := s.reg.Lookup(tunnelID)
	if err != nil {
		return nil
	}
	conn, _ := tun.Live().(*tunnelConn)
	return conn
}

// parseTunnelSession extracts {tunnelId}/{sessionId} from the remainder
// of a stream path such as "/T/S/stream".
func parseTunnelSession(rest string) (tunnelID, sessionID string, ok bool) {
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) < 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// handleTerminalStream implements GET /terminal/{tunnelId}/{sessionId}/stream.
func (s *Server) handleTerminalStream(w http.ResponseWriter, r *http.Request) {
	tunnelID, sessionID, ok := parseTunnelSession(pathAfter(r.URL.Path, "/terminal"))
	if !ok {
		http.Error(w, "tunnelId/sessionId required", http.StatusBadRequest)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("terminal stream upgrade failed", "error", err)
		return
	}
	sub := newWSSubscriber(wsConn)
	key := fanout.TerminalKey(tunnelID, sessionID)
	s.hub.Subscribe(fanout.KindTerminal, key, sub)

	done := make(chan struct{})
	go s.runSubscriberHeartbeat(sub, fanout.KindTerminal, key, done)

	for {
		_, data, err := wsConn.ReadMessage()
		if err != nil {
			break
		}
		var in terminalInputMessage
		if err := json.Unmarshal(data, &in); err != nil || in.Type != "input" {
			continue
		}
		if conn := s.tunnelLiveConn(tunnelID); conn != nil {
			_ = conn.writeJSON(map[string]string{
				"type":      "terminal_input",
				"sessionId": sessionID,
				"data":      in.Data,
			})
		}
	}

	close(done)
	s.hub.Unsubscribe(fanout.KindTerminal, key, sub)
}

// handleRecordingStream implements GET /recording/{tunnelId}/{sessionId}/stream,
// serving either a WebSocket or an SSE subscriber depending on the request
// (the SSE variant).
func (s *Server) handleRecordingStream(w http.ResponseWriter, r *http.Request) {
	tunnelID, sessionID, ok := parseTunnelSession(pathAfter(r.URL.Path, "/recording"))
	if !ok {
		http.Error(w, "tunnelId/sessionId required", http.StatusBadRequest)
		return
	}
	key := fanout.RecordingKey(tunnelID, sessionID)

	if strings.Contains(strings.ToLower(r.Header.Get("Upgrade")), "websocket") {
		wsConn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Error("recording stream upgrade failed", "error", err)
			return
		}
		sub := newWSSubscriber(wsConn)
		s.hub.Subscribe(fanout.KindRecording, key, sub)

		done := make(chan struct{})
		go s.runSubscriberHeartbeat(sub, fanout.KindRecording, key, done)

		for {
			if _, _, err := wsConn.ReadMessage(); err != nil {
				break
			}
		}
		close(done)
		s.hub.Unsubscribe(fanout.KindRecording, key, sub)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := &sseSubscriber{w: w, flusher: flusher, done: make(chan struct{})}
	s.hub.Subscribe(fanout.KindRecording, key, sub)

	select {
	case <-r.Context().Done():
	case <-sub.done:
	case <-s.closing:
	}
	sub.Close(0, "")
	s.hub.Unsubscribe(fanout.KindRecording, key, sub)
}

// handleAgentStream implements GET /agent/{tunnelId}/{sessionId}/stream:
// bidirectional AgentEvent frames.
func (s *Server) handleAgentStream(w http.ResponseWriter, r *http.Request) {
	tunnelID, sessionID, ok := parseTunnelSession(pathAfter(r.URL.Path, "/agent"))
	if !ok {
		http.Error(w, "tunnelId/sessionId required", http.StatusBadRequest)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("agent stream upgrade failed", "error", err)
		return
	}
	sub := newWSSubscriber(wsConn)
	key := fanout.AgentKey(tunnelID, sessionID)
	s.hub.Subscribe(fanout.KindAgent, key, sub)

	done := make(chan struct{})
	go s.runSubscriberHeartbeat(sub, fanout.KindAgent, key, done)

	for {
		_, data, err := wsConn.ReadMessage()
		if err != nil {
			break
		}
		ev, err := agentevent.Decode(data)
		if err != nil {
			s.logger.Debug("inbound agent event decode failed", "tunnel_id", tunnelID, "error", err)
			continue
		}
		_ = ev
		if conn := s.tunnelLiveConn(tunnelID); conn != nil {
			_ = conn.writeJSON(struct {
				Type  string          `json:"type"`
				Event json.RawMessage `json:"event"`
			}{Type: "agent_event", Event: json.RawMessage(data)})
		}
	}

	close(done)
	s.hub.Unsubscribe(fanout.KindAgent, key, sub)
}
