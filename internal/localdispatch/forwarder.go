package localdispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/freitascorp/laptoprelay/internal/tunnelclient"
)

// HTTPForwarder implements tunnelclient.LocalDispatcher by re-issuing each
// relayed request against the laptop's own local HTTP handler (terminal
// management, agent orchestration, speech I/O all live behind that
// handler, not in this package).
type HTTPForwarder struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPForwarder builds a forwarder that targets baseURL (typically
// http://127.0.0.1:<port> where the laptop's own API server listens).
func NewHTTPForwarder(baseURL string, logger *slog.Logger) *HTTPForwarder {
	return &HTTPForwarder{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// Handle implements tunnelclient.LocalDispatcher.
func (f *HTTPForwarder) Handle(ctx context.Context, req *tunnelclient.Request) (*tunnelclient.Response, error) {
	url := f.baseURL + req.Path
	if req.Query != "" {
		url += "?" + req.Query
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("build local request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		f.logger.Warn("local dispatch failed", "path", req.Path, "error", err)
		return &tunnelclient.Response{StatusCode: http.StatusBadGateway, Body: []byte(`{"error":"LOCAL_DISPATCH_FAILED"}`)}, nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read local response: %w", err)
	}
	return &tunnelclient.Response{StatusCode: resp.StatusCode, Body: body}, nil
}
