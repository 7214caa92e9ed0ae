package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freitascorp/laptoprelay/internal/metrics"
	"github.com/freitascorp/laptoprelay/internal/obslog"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := New(Config{
		RegistrationAPIKey: "reg-key",
		PublicHost:         "relay.example.com",
		PublicProtocol:     "https",
		RequestTimeout:     500 * time.Millisecond,
	}, obslog.New("ERROR"), metrics.NewRelayMetrics())
	httpSrv := httptest.NewServer(s.Mux())
	t.Cleanup(httpSrv.Close)
	return s, httpSrv
}

func TestHandleHealth(t *testing.T) {
	_, srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTunnelCreateRequiresRegistrationKey(t *testing.T) {
	_, srv := newTestServer(t)
	resp, err := http.Post(srv.URL+"/tunnel/create", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTunnelCreateReturnsURLs(t *testing.T) {
	_, srv := newTestServer(t)
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/tunnel/create", strings.NewReader(`{"name":"macbook"}`))
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "reg-key")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Config struct {
			TunnelID  string `json:"tunnelId"`
			APIKey    string `json:"apiKey"`
			PublicURL string `json:"publicUrl"`
			WsURL     string `json:"wsUrl"`
		} `json:"config"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.NotEmpty(t, out.Config.TunnelID)
	assert.NotEmpty(t, out.Config.APIKey)
	assert.Contains(t, out.Config.PublicURL, out.Config.TunnelID)
	assert.True(t, strings.HasPrefix(out.Config.WsURL, "wss://"))
}

// dialTunnel registers a tunnel and opens its WebSocket, returning the
// registration and the live connection for the test to drive.
func dialTunnel(t *testing.T, srv *httptest.Server) (tunnelID, apiKey string, conn *websocket.Conn) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/tunnel/create", strings.NewReader(`{"name":"macbook"}`))
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "reg-key")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out struct {
		Config struct {
			TunnelID string `json:"tunnelId"`
			APIKey   string `json:"apiKey"`
		} `json:"config"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/tunnel/" + out.Config.TunnelID + "?api_key=" + out.Config.APIKey
	conn, _, err = websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return out.Config.TunnelID, out.Config.APIKey, conn
}

func TestRelayedHTTPRequestRoundTrips(t *testing.T) {
	_, srv := newTestServer(t)
	tunnelID, _, conn := dialTunnel(t, srv)

	done := make(chan struct{})
	go func() {
		defer close(done)
		var frame struct {
			Type      string `json:"type"`
			RequestID string `json:"requestId"`
		}
		require.NoError(t, conn.ReadJSON(&frame))
		require.Equal(t, "http_request", frame.Type)
		require.NoError(t, conn.WriteJSON(map[string]any{
			"type":       "http_response",
			"requestId":  frame.RequestID,
			"statusCode": 200,
			"body":       json.RawMessage(`{"ok":true}`),
		}))
	}()

	resp, err := http.Get(srv.URL + "/api/" + tunnelID + "/terminal/list")
	require.NoError(t, err)
	defer resp.Body.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tunnel to answer")
	}

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRelayedHTTPRequestTimesOutWithoutAResponse(t *testing.T) {
	_, srv := newTestServer(t)
	tunnelID, _, _ := dialTunnel(t, srv)

	resp, err := http.Get(srv.URL + "/api/" + tunnelID + "/terminal/list")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
}

func TestApplicationPingFrameGetsPongReply(t *testing.T) {
	_, srv := newTestServer(t)
	_, _, conn := dialTunnel(t, srv)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))

	var frame struct {
		Type string `json:"type"`
	}
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "pong", frame.Type)
}

func TestRelayedHTTPRequestUnknownTunnelReturns404(t *testing.T) {
	_, srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/api/does-not-exist/terminal/list")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTunnelStatusReportsConnectedAndSubscribers(t *testing.T) {
	_, srv := newTestServer(t)
	tunnelID, _, _ := dialTunnel(t, srv)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/tunnel/status/"+tunnelID, nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "reg-key")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Connected            bool `json:"connected"`
		TerminalSubscribers  int  `json:"terminalSubscribers"`
		RecordingSubscribers int  `json:"recordingSubscribers"`
		AgentSubscribers     int  `json:"agentSubscribers"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, out.Connected)
	assert.Equal(t, 0, out.TerminalSubscribers)
}

func TestPathAfterAndFirstPathSegment(t *testing.T) {
	assert.Equal(t, "/abc/def", pathAfter("/api/abc/def", "/api"))
	assert.Equal(t, "/", pathAfter("/api", "/api"))

	head, tail := firstPathSegment("/abc/def")
	assert.Equal(t, "abc", head)
	assert.Equal(t, "/def", tail)

	head, tail = firstPathSegment("/abc")
	assert.Equal(t, "abc", head)
	assert.Equal(t, "", tail)
}
