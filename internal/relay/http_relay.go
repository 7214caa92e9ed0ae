package relay

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/freitascorp/laptoprelay/internal/relayerr"
)

// handleRelayedHTTP implements ANY /api/{tunnelId}/{rest...} — the
// relayed HTTP surface.
func (s *Server) handleRelayedHTTP(w http.ResponseWriter, r *http.Request) {
	tunnelID, rest := firstPathSegment(pathAfter(r.URL.Path, "/api"))
	if tunnelID == "" {
		writeError(w, relayerr.InvalidRequest, "tunnelId required")
		return
	}

	tun, err := s.reg.Lookup(tunnelID)
	if err != nil {
		writeError(w, relayerr.NotFound, "tunnel not found")
		return
	}
	conn, ok := tun.Live().(*tunnelConn)
	if !ok || conn == nil {
		writeError(w, relayerr.ConnectionError, "tunnel not connected")
		return
	}

	if key := tun.ClientAuthKey(); key != "" {
		if r.Header.Get("Authorization") != key {
			writeError(w, relayerr.AuthError, "invalid client auth key")
			return
		}
	}

	path := rest
	if path == "" {
		path = "/"
	}
	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}

	var body json.RawMessage
	if r.Body != nil {
		raw, _ := io.ReadAll(r.Body)
		if len(raw) > 0 {
			body = json.RawMessage(raw)
		}
	}

	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}

	requestID := newRequestID()
	resultCh := make(chan httpResponseFrame, 1)
	p := &pendingRequest{requestID: requestID, tunnelID: tunnelID, arrivedAt: time.Now(), resultCh: resultCh}

	s.mu.Lock()
	s.pending[requestID] = p
	s.mu.Unlock()
	s.metrics.PendingRequests.Inc()
	s.metrics.RequestsTotal.Inc()
	defer func() {
		s.mu.Lock()
		delete(s.pending, requestID)
		s.mu.Unlock()
		s.metrics.PendingRequests.Dec()
	}()

	frame := httpRequestFrame{
		Type:      "http_request",
		RequestID: requestID,
		Method:    r.Method,
		Path:      path,
		Headers:   headers,
		Query:     r.URL.RawQuery,
		Body:      body,
	}
	if err := conn.writeJSON(frame); err != nil {
		writeError(w, relayerr.ConnectionError, "failed to forward request to tunnel")
		return
	}

	timer := time.NewTimer(s.config.RequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-resultCh:
		writeJSON(w, resp.StatusCode, json.RawMessage(resp.Body))
	case <-timer.C:
		s.metrics.RequestsTimedOut.Inc()
		writeError(w, relayerr.UpstreamTimeout, "upstream did not respond in time")
	case <-s.closing:
		writeError(w, relayerr.ConnectionError, "relay shutting down")
	}
}

// completePendingRequest resolves the waiter for frame.RequestID, if any.
// A response with no matching waiter (timed out, or duplicate) is
// discarded with a warning.
func (s *Server) completePendingRequest(frame httpResponseFrame) {
	s.mu.Lock()
	p, ok := s.pending[frame.RequestID]
	if ok {
		delete(s.pending, frame.RequestID)
	}
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("http_response for unknown or expired request discarded", "request_id", frame.RequestID)
		return
	}
	p.resultCh <- frame
}

// failPendingForTunnel completes every pending request belonging to
// tunnelID with 503, used when the tunnel's connection drops.
func (s *Server) failPendingForTunnel(tunnelID string) {
	s.mu.Lock()
	var victims []*pendingRequest
	for id, p := range s.pending {
		if p.tunnelID == tunnelID {
			victims = append(victims, p)
			delete(s.pending, id)
		}
	}
	s.mu.Unlock()

	for _, p := range victims {
		p.resultCh <- httpResponseFrame{
			RequestID:  p.requestID,
			StatusCode: http.StatusServiceUnavailable,
			Body:       json.RawMessage(`{"error":"TUNNEL_CONNECTION_ERROR","message":"tunnel disconnected"}`),
		}
	}
}
