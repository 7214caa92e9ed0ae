// Package relay is RelayCore: the publicly reachable server that accepts
// tunnel WebSockets from laptops, accepts HTTP and stream WebSocket/SSE
// traffic from mobile clients, multiplexes HTTP requests over the
// matching tunnel, and fans out terminal/recording/agent streams.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/freitascorp/laptoprelay/internal/fanout"
	"github.com/freitascorp/laptoprelay/internal/metrics"
	"github.com/freitascorp/laptoprelay/internal/registry"
	"github.com/freitascorp/laptoprelay/internal/relayerr"
)

// Config tunes the RelayCore's timers and the publicly advertised URLs.
type Config struct {
	ListenAddr         string
	RegistrationAPIKey string
	PublicHost         string
	PublicProtocol     string // "http" or "https"

	PingInterval   time.Duration
	LivenessWindow time.Duration
	RequestTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.LivenessWindow <= 0 {
		c.LivenessWindow = 30 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
	if c.PublicProtocol == "" {
		c.PublicProtocol = "https"
	}
}

// pendingRequest is an HTTP request awaiting its http_response frame.
type pendingRequest struct {
	requestID string
	tunnelID  string
	arrivedAt time.Time
	resultCh  chan httpResponseFrame
}

// Server is RelayCore.
type Server struct {
	config  Config
	logger  *slog.Logger
	reg     *registry.Registry
	hub     *fanout.Hub
	metrics *metrics.RelayMetrics

	upgrader websocket.Upgrader

	mu      sync.Mutex
	pending map[string]*pendingRequest

	httpSrv *http.Server

	shutdownOnce sync.Once
	closing      chan struct{}
}

// New constructs RelayCore, wiring a fresh TunnelRegistry and FanoutHub.
func New(cfg Config, logger *slog.Logger, m *metrics.RelayMetrics) *Server {
	cfg.setDefaults()
	if m == nil {
		m = metrics.NewRelayMetrics()
	}
	s := &Server{
		config:  cfg,
		logger:  logger,
		reg:     registry.New(),
		metrics: m,
		pending: make(map[string]*pendingRequest),
		closing: make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.hub = fanout.New(fanoutObserver{m: m})
	return s
}

// fanoutObserver adapts metrics.RelayMetrics to fanout.Observer.
type fanoutObserver struct {
	m *metrics.RelayMetrics
}

func (o fanoutObserver) SubscriberCount(n int) { o.m.SubscribersActive.Set(int64(n)) }
func (o fanoutObserver) BroadcastFailure()     { o.m.BroadcastFailures.Inc() }

// Mux builds the http.ServeMux binding every external endpoint.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/tunnel/create", s.handleTunnelCreate)
	mux.HandleFunc("/tunnel/status/", s.handleTunnelStatus)
	mux.HandleFunc("/tunnel/", s.handleTunnelWS)
	mux.HandleFunc("/terminal/", s.handleTerminalStream)
	mux.HandleFunc("/recording/", s.handleRecordingStream)
	mux.HandleFunc("/agent/", s.handleAgentStream)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", s.metrics.Registry.Handler())
	mux.HandleFunc("/api/", s.handleRelayedHTTP)
	return mux
}

// Run starts the HTTP server and blocks until ctx is cancelled, then
// performs the graceful shutdown sequence.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: s.Mux(),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("relay listening", "addr", s.config.ListenAddr)
		err := s.httpSrv.ListenAndServe()
		if err == http.ErrServerClosed {
			err = nil
		}
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		s.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
		return <-errCh
	case err := <-errCh:
		return err
	}
}

// Shutdown fails every pending request with 503 and closes every stream
// subscriber. It does not close or detach tunnel connections, and it does
// not stop the listener; Run shuts the HTTP server down after calling it.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.closing)

		s.mu.Lock()
		pending := s.pending
		s.pending = make(map[string]*pendingRequest)
		s.mu.Unlock()

		for _, p := range pending {
			p.resultCh <- httpResponseFrame{RequestID: p.requestID, StatusCode: http.StatusServiceUnavailable,
				Body: json.RawMessage(fmt.Sprintf(`{"error":%q,"message":"relay shutting down"}`, relayerr.ConnectionError))}
		}

		s.hub.Shutdown()
		s.logger.Info("relay shutdown complete")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code relayerr.Code, message string) {
	status, b := relayerr.AsBody(relayerr.New(code, message))
	writeJSON(w, status, b)
}

// publicURLs builds {publicUrl, wsUrl} from the configured public host/protocol.
// PublicHost is used verbatim, including any port — operators on a
// non-default port (anything but 80/443) must include it in PUBLIC_HOST
// themselves; this does not infer or strip one.
func (s *Server) publicURLs(tunnelID string) (publicURL, wsURL string) {
	host := s.config.PublicHost
	proto := s.config.PublicProtocol
	wsProto := "ws"
	if proto == "https" {
		wsProto = "wss"
	}
	publicURL = fmt.Sprintf("%s://%s/api/%s", proto, host, tunnelID)
	wsURL = fmt.Sprintf("%s://%s/tunnel/%s", wsProto, host, tunnelID)
	return publicURL, wsURL
}

func newRequestID() string {
	return uuid.NewString()
}

// pathAfter returns the remainder of r.URL.Path after prefix, with a
// leading slash guaranteed and double slashes collapsed.
func pathAfter(full, prefix string) string {
	rest := strings.TrimPrefix(full, prefix)
	for strings.Contains(rest, "//") {
		rest = strings.ReplaceAll(rest, "//", "/")
	}
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	return rest
}

// firstPathSegment splits "/foo/bar/baz" (after a known mux prefix) into
// ("foo", "/bar/baz").
func firstPathSegment(rest string) (head string, tail string) {
	rest = strings.TrimPrefix(rest, "/")
	idx := strings.IndexByte(rest, '/')
	if idx < 0 {
		return rest, ""
	}
	return rest[:idx], rest[idx:]
}
