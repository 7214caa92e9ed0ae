package relay

import "encoding/json"

// tunnelFrame is the envelope read off the tunnel WebSocket; Type selects
// how Payload-bearing fields below are interpreted.
type tunnelFrame struct {
	Type string `json:"type"`

	// http_response
	RequestID  string          `json:"requestId,omitempty"`
	StatusCode int             `json:"statusCode,omitempty"`
	Body       json.RawMessage `json:"body,omitempty"`

	// client_auth_key
	Key string `json:"key,omitempty"`

	// terminal_output / recording_output
	SessionID  string          `json:"sessionId,omitempty"`
	Data       string          `json:"data,omitempty"`
	Text       string          `json:"text,omitempty"`
	Delta      string          `json:"delta,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
	Timestamp  int64           `json:"timestamp,omitempty"`
	IsComplete *bool           `json:"isComplete,omitempty"`

	// agent_event: the raw AgentEvent wire bytes, decoded separately.
	Event json.RawMessage `json:"event,omitempty"`
}

// httpRequestFrame is sent to the laptop for each relayed HTTP request.
type httpRequestFrame struct {
	Type      string            `json:"type"`
	RequestID string            `json:"requestId"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Headers   map[string]string `json:"headers"`
	Query     string            `json:"query"`
	Body      json.RawMessage   `json:"body,omitempty"`
}

// httpResponseFrame is the laptop's reply to an httpRequestFrame, also
// synthesized locally by RelayCore to complete a waiter on tunnel
// disconnect or shutdown.
type httpResponseFrame struct {
	Type       string          `json:"type"`
	RequestID  string          `json:"requestId"`
	StatusCode int             `json:"statusCode"`
	Body       json.RawMessage `json:"body"`
}

// terminalOutputMessage is what terminal stream subscribers receive.
type terminalOutputMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// recordingOutputMessage is what recording stream subscribers receive.
type recordingOutputMessage struct {
	Type       string          `json:"type"`
	SessionID  string          `json:"session_id"`
	Text       string          `json:"text"`
	Delta      string          `json:"delta"`
	Raw        json.RawMessage `json:"raw,omitempty"`
	Timestamp  int64           `json:"timestamp"`
	IsComplete *bool           `json:"isComplete,omitempty"`
}

// terminalInputMessage is sent by a terminal stream subscriber inbound.
type terminalInputMessage struct {
	Type string `json:"type"`
	Data string `json:"data"`
}
