// Package tunnelclient is the TunnelClient: the laptop-side counterpart
// of RelayCore. It maintains one WebSocket to the relay, demultiplexes
// inbound http_request frames into LocalDispatcher calls, forwards
// terminal/recording/agent outputs, and reconnects with exponential
// backoff when the connection drops.
package tunnelclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// State is one point in the TunnelClient state machine.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDead         State = "dead"
	StateReconnecting State = "reconnecting"
)

// LocalDispatcher handles a relayed HTTP request locally and returns the
// response to forward back over the tunnel.
type LocalDispatcher interface {
	Handle(ctx context.Context, req *Request) (*Response, error)
}

// Request is a demultiplexed http_request frame.
type Request struct {
	RequestID string
	Method    string
	Path      string
	Headers   map[string]string
	Query     string
	Body      json.RawMessage
}

// Response is what a LocalDispatcher returns for a Request.
type Response struct {
	StatusCode int
	Body       json.RawMessage
}

// TerminalInputSink receives demultiplexed terminal_input frames.
type TerminalInputSink interface {
	HandleTerminalInput(sessionID, data string)
}

// AgentEventSink receives demultiplexed agent_event frames (raw wire bytes;
// the embedder decodes with internal/agentevent if it needs the typed form).
type AgentEventSink interface {
	HandleAgentEvent(sessionID string, raw json.RawMessage)
}

// Config configures a TunnelClient.
type Config struct {
	WSURL         string // e.g. wss://relay.example.com/tunnel/{tunnelId}
	APIKey        string
	ClientAuthKey string

	PingInterval   time.Duration
	LivenessWindow time.Duration
	MaxBackoff     time.Duration

	HTTPClient *http.Client
}

func (c *Config) setDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.LivenessWindow <= 0 {
		c.LivenessWindow = 30 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
}

// Client is the TunnelClient.
type Client struct {
	cfg        Config
	logger     *slog.Logger
	dispatcher LocalDispatcher
	terminalIn TerminalInputSink
	agentIn    AgentEventSink

	mu         sync.Mutex
	state      State
	attempt    int
	lastPongAt time.Time
	conn       *websocket.Conn
	writeMu    sync.Mutex

	stop chan struct{}
}

// New constructs a TunnelClient. terminalIn/agentIn may be nil if the
// embedder does not use those channels.
func New(cfg Config, dispatcher LocalDispatcher, terminalIn TerminalInputSink, agentIn AgentEventSink, logger *slog.Logger) *Client {
	cfg.setDefaults()
	return &Client{
		cfg:        cfg,
		logger:     logger,
		dispatcher: dispatcher,
		terminalIn: terminalIn,
		agentIn:    agentIn,
		state:      StateDisconnected,
		stop:       make(chan struct{}),
	}
}

// State returns the client's current state machine state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// reconnectDelay is the n-th backoff: min(2^n seconds, MaxBackoff).
func reconnectDelay(attempt int, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(1) << uint(attempt)
	d *= time.Second
	if d > max || d <= 0 {
		return max
	}
	return d
}

// Run drives connect→serve→reconnect forever until ctx is cancelled or
// Disconnect is called.
func (c *Client) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return ctx.Err()
		case <-c.stop:
			c.setState(StateDisconnected)
			return nil
		default:
		}

		c.setState(StateConnecting)
		err := c.connectAndServe(ctx)
		if err != nil {
			c.logger.Warn("tunnel connection lost", "error", err)
		}

		c.mu.Lock()
		c.attempt++
		attempt := c.attempt
		c.mu.Unlock()

		delay := reconnectDelay(attempt, c.cfg.MaxBackoff)
		c.setState(StateReconnecting)
		c.logger.Info("reconnecting", "attempt", attempt, "delay", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stop:
			return nil
		case <-time.After(delay):
		}
	}
}

// Disconnect terminates the client permanently (terminal state per §4.E).
func (c *Client) Disconnect() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnecting")
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	url := c.cfg.WSURL
	sep := "?"
	if containsQuery(url) {
		sep = "&"
	}
	dialURL := fmt.Sprintf("%s%sapi_key=%s", url, sep, c.cfg.APIKey)

	opts := &websocket.DialOptions{}
	if c.cfg.HTTPClient != nil {
		opts.HTTPClient = c.cfg.HTTPClient
	}

	conn, _, err := websocket.Dial(ctx, dialURL, opts)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "tunnel client stopping")

	c.mu.Lock()
	c.conn = conn
	c.attempt = 0
	c.lastPongAt = time.Now()
	c.mu.Unlock()
	c.setState(StateConnected)
	c.logger.Info("tunnel connected")

	if c.cfg.ClientAuthKey != "" {
		if err := c.writeFrame(ctx, map[string]string{"type": "client_auth_key", "key": c.cfg.ClientAuthKey}); err != nil {
			return fmt.Errorf("send client_auth_key: %w", err)
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- c.readLoop(ctx, conn) }()

	pingTicker := time.NewTicker(c.cfg.PingInterval)
	defer pingTicker.Stop()
	livenessTicker := time.NewTicker(c.cfg.LivenessWindow)
	defer livenessTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stop:
			return nil
		case err := <-errCh:
			c.setState(StateDisconnected)
			return err
		case <-pingTicker.C:
			if err := c.writeFrame(ctx, map[string]string{"type": "ping"}); err != nil {
				return fmt.Errorf("send ping: %w", err)
			}
		case <-livenessTicker.C:
			c.mu.Lock()
			last := c.lastPongAt
			c.mu.Unlock()
			if time.Since(last) > c.cfg.LivenessWindow {
				c.setState(StateDead)
				_ = conn.Close(websocket.StatusGoingAway, "liveness timeout")
				return fmt.Errorf("liveness timeout")
			}
		}
	}
}

func containsQuery(u string) bool {
	for i := 0; i < len(u); i++ {
		if u[i] == '?' {
			return true
		}
	}
	return false
}

func (c *Client) writeFrame(ctx context.Context, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	return wsjson.Write(ctx, conn, v)
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var frame inboundFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return err
		}
		c.mu.Lock()
		c.lastPongAt = time.Now()
		c.mu.Unlock()

		switch frame.Type {
		case "http_request":
			go c.handleHTTPRequest(ctx, frame)
		case "terminal_input":
			if c.terminalIn != nil {
				c.terminalIn.HandleTerminalInput(frame.SessionID, frame.Data)
			}
		case "agent_event":
			if c.agentIn != nil {
				c.agentIn.HandleAgentEvent(frame.SessionID, frame.Event)
			}
		case "ping":
			// A "ping" data frame only refreshes lastPongAt and gets no
			// reply. The relay's own heartbeat uses WebSocket control pings,
			// which coder/websocket answers automatically while reading.
		case "pong":
			// reply to this client's own "ping" frame above; lastPongAt was
			// already refreshed unconditionally on receipt of this frame.
		default:
			c.logger.Debug("unknown frame from relay discarded", "type", frame.Type)
		}
	}
}

type inboundFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Method    string          `json:"method"`
	Path      string          `json:"path"`
	Headers   map[string]string `json:"headers"`
	Query     string          `json:"query"`
	Body      json.RawMessage `json:"body"`
	SessionID string          `json:"sessionId"`
	Data      string          `json:"data"`
	Event     json.RawMessage `json:"event"`
}

func (c *Client) handleHTTPRequest(ctx context.Context, frame inboundFrame) {
	req := &Request{
		RequestID: frame.RequestID,
		Method:    frame.Method,
		Path:      frame.Path,
		Headers:   frame.Headers,
		Query:     frame.Query,
		Body:      frame.Body,
	}

	var resp *Response
	var err error
	if c.dispatcher != nil {
		resp, err = c.dispatcher.Handle(ctx, req)
	}
	if err != nil || resp == nil {
		resp = &Response{StatusCode: http.StatusInternalServerError, Body: json.RawMessage(`{"error":"dispatcher failed"}`)}
	}

	_ = c.writeFrame(ctx, map[string]any{
		"type":       "http_response",
		"requestId":  frame.RequestID,
		"statusCode": resp.StatusCode,
		"body":       resp.Body,
	})
}

// SendTerminalOutput forwards terminal output for sessionID. Best-effort:
// dropped with a warning if not connected.
func (c *Client) SendTerminalOutput(ctx context.Context, sessionID, data string) {
	c.sendBestEffort(ctx, map[string]string{"type": "terminal_output", "sessionId": sessionID, "data": data})
}

// SendRecordingOutput forwards a recording payload for sessionID.
func (c *Client) SendRecordingOutput(ctx context.Context, sessionID string, payload json.RawMessage) {
	c.sendBestEffort(ctx, map[string]any{"type": "recording_output", "sessionId": sessionID, "raw": payload})
}

// SendAgentEvent forwards raw AgentEvent wire bytes over the tunnel.
func (c *Client) SendAgentEvent(ctx context.Context, raw json.RawMessage) {
	c.sendBestEffort(ctx, map[string]any{"type": "agent_event", "event": raw})
}

func (c *Client) sendBestEffort(ctx context.Context, v any) {
	if c.State() != StateConnected {
		c.logger.Warn("dropping outbound frame: tunnel not connected")
		return
	}
	if err := c.writeFrame(ctx, v); err != nil {
		c.logger.Warn("outbound frame send failed", "error", err)
	}
}
