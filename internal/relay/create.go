package relay

import (
	"encoding/json"
	"net/http"

	"github.com/freitascorp/laptoprelay/internal/fanout"
	"github.com/freitascorp/laptoprelay/internal/relayerr"
)

type createRequest struct {
	Name     string `json:"name"`
	TunnelID string `json:"tunnel_id"`
}

type tunnelConfig struct {
	TunnelID   string `json:"tunnelId"`
	APIKey     string `json:"apiKey"`
	PublicURL  string `json:"publicUrl"`
	WsURL      string `json:"wsUrl"`
	IsRestored bool   `json:"isRestored"`
}

// handleTunnelCreate implements POST /tunnel/create.
func (s *Server) handleTunnelCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, relayerr.InvalidRequest, "method not allowed")
		return
	}
	if r.Header.Get("X-API-Key") != s.config.RegistrationAPIKey {
		writeError(w, relayerr.AuthError, "invalid registration key")
		return
	}

	var req createRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
			writeError(w, relayerr.InvalidRequest, "malformed request body")
			return
		}
	}

	tun, restored, err := s.reg.Create(req.Name, req.TunnelID)
	if err != nil {
		s.logger.Error("tunnel create failed", "error", err)
		writeError(w, relayerr.Internal, "tunnel create failed")
		return
	}

	publicURL, wsURL := s.publicURLs(tun.ID)
	writeJSON(w, http.StatusOK, map[string]tunnelConfig{
		"config": {
			TunnelID:   tun.ID,
			APIKey:     tun.APIKey,
			PublicURL:  publicURL,
			WsURL:      wsURL,
			IsRestored: restored,
		},
	})
}

// handleTunnelStatus implements the supplemented debug endpoint
// GET /tunnel/status/{tunnelId}, gated by the same registration key as
// /tunnel/create.
func (s *Server) handleTunnelStatus(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-API-Key") != s.config.RegistrationAPIKey {
		writeError(w, relayerr.AuthError, "invalid registration key")
		return
	}

	tunnelID, _ := firstPathSegment(pathAfter(r.URL.Path, "/tunnel/status"))
	if tunnelID == "" {
		writeError(w, relayerr.InvalidRequest, "tunnelId required")
		return
	}

	tun, err := s.reg.Lookup(tunnelID)
	if err != nil {
		writeError(w, relayerr.NotFound, "tunnel not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"connected":            tun.Live() != nil,
		"lastPongAt":           tun.LastPongAt(),
		"terminalSubscribers":  s.hub.CountByTunnel(fanout.KindTerminal, tunnelID),
		"recordingSubscribers": s.hub.CountByTunnel(fanout.KindRecording, tunnelID),
		"agentSubscribers":     s.hub.CountByTunnel(fanout.KindAgent, tunnelID),
	})
}
