package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/freitascorp/laptoprelay/internal/clientstate"
	"github.com/freitascorp/laptoprelay/internal/config"
	"github.com/freitascorp/laptoprelay/internal/localdispatch"
	"github.com/freitascorp/laptoprelay/internal/obslog"
	"github.com/freitascorp/laptoprelay/internal/tunnelclient"
)

func newConnectCmd(configPath *string) *cobra.Command {
	var localBaseURL string
	var llmBackend string
	var llmAPIKey string
	var llmModel string

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Register (if needed) and maintain the tunnel to RelayCore",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(cmd.Context(), *configPath, localBaseURL, llmBackend, llmAPIKey, llmModel)
		},
	}
	cmd.Flags().StringVar(&localBaseURL, "local-base-url", "http://127.0.0.1:7777", "base URL of the laptop's own local handler")
	cmd.Flags().StringVar(&llmBackend, "llm-backend", "", "optional: anthropic or openai, to answer command_text AgentEvents locally")
	cmd.Flags().StringVar(&llmAPIKey, "llm-api-key", "", "API key for --llm-backend")
	cmd.Flags().StringVar(&llmModel, "llm-model", "", "model override for --llm-backend")
	return cmd
}

func runConnect(ctx context.Context, configPath, localBaseURL, llmBackend, llmAPIKey, llmModel string) error {
	cfg, err := config.LoadAgentConfig(configPath)
	if err != nil {
		return fmt.Errorf("load agent config: %w", err)
	}
	logger := obslog.New(cfg.LogLevel)

	if cfg.TunnelID == "" || cfg.APIKey == "" {
		if err := registerTunnel(cfg); err != nil {
			return fmt.Errorf("register tunnel: %w", err)
		}
		if err := cfg.Save(configPath); err != nil {
			logger.Warn("failed to persist registration", "error", err)
		}
	}

	statePath := cfg.StatePath
	if statePath == "" {
		statePath = configPath + ".state.json"
	}
	store := clientstate.NewStore(statePath)
	_ = store.Mutate(func(d *clientstate.Document) {
		d.Tunnel = clientstate.TunnelInfo{
			TunnelID:   cfg.TunnelID,
			APIKey:     cfg.APIKey,
			LaptopName: cfg.LaptopName,
			CreatedAt:  time.Now(),
		}
	})

	forwarder := localdispatch.NewHTTPForwarder(localBaseURL, logger)

	idx, err := clientstate.NewIndex(configPath + ".sessions.db")
	if err != nil {
		logger.Warn("session index unavailable, continuing without it", "error", err)
	} else {
		defer idx.Close()
	}
	terminalSink := &indexingTerminalSink{idx: idx}

	tcCfg := tunnelclient.Config{
		WSURL:         cfg.RelayWSURL,
		APIKey:        cfg.APIKey,
		ClientAuthKey: cfg.ClientAuthKey,
	}

	var agentSink tunnelclient.AgentEventSink
	if llmBackend != "" {
		backend := localdispatch.BackendOpenAI
		if strings.EqualFold(llmBackend, "anthropic") {
			backend = localdispatch.BackendAnthropic
		}
		var client *tunnelclient.Client
		sender := agentEventSenderFunc(func(ctx context.Context, raw json.RawMessage) {
			client.SendAgentEvent(ctx, raw)
		})
		dispatcher := localdispatch.New(localdispatch.Config{Backend: backend, Model: llmModel, APIKey: llmAPIKey}, sender, logger)
		agentSink = &indexingAgentSink{idx: idx, inner: dispatcher}
		client = tunnelclient.New(tcCfg, forwarder, terminalSink, agentSink, logger)
		logger.Info("relay-agent connecting", "tunnel_id", cfg.TunnelID, "llm_backend", backend)
		return client.Run(ctx)
	}

	client := tunnelclient.New(tcCfg, forwarder, terminalSink, nil, logger)
	logger.Info("relay-agent connecting", "tunnel_id", cfg.TunnelID)
	return client.Run(ctx)
}

// indexingTerminalSink records a session's last-seen timestamp in the
// local sqlite index for the `sessions` subcommand; terminal input itself
// stays the laptop's own PTY layer's responsibility, out of scope here.
type indexingTerminalSink struct {
	idx *clientstate.Index
}

func (s *indexingTerminalSink) HandleTerminalInput(sessionID, data string) {
	if s.idx != nil {
		_ = s.idx.RecordSession(sessionID, "terminal", time.Now())
	}
}

// indexingAgentSink records agent sessions in the local index before
// delegating to the real AgentEventSink.
type indexingAgentSink struct {
	idx   *clientstate.Index
	inner tunnelclient.AgentEventSink
}

func (s *indexingAgentSink) HandleAgentEvent(sessionID string, raw json.RawMessage) {
	if s.idx != nil {
		_ = s.idx.RecordSession(sessionID, "agent", time.Now())
	}
	s.inner.HandleAgentEvent(sessionID, raw)
}

// agentEventSenderFunc adapts a function literal to localdispatch.EventSender,
// letting the closure defer to the *tunnelclient.Client built after it.
type agentEventSenderFunc func(ctx context.Context, raw json.RawMessage)

func (f agentEventSenderFunc) SendAgentEvent(ctx context.Context, raw json.RawMessage) {
	f(ctx, raw)
}

func registerTunnel(cfg *config.AgentConfig) error {
	if cfg.RelayBaseURL == "" {
		return fmt.Errorf("relay_base_url is required to auto-register a tunnel")
	}
	createURL := strings.TrimRight(cfg.RelayBaseURL, "/") + "/tunnel/create"

	body, _ := json.Marshal(map[string]string{"name": cfg.LaptopName, "tunnel_id": cfg.TunnelID})
	req, err := http.NewRequest(http.MethodPost, createURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", cfg.RegistrationAPIKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", createURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tunnel create returned status %d", resp.StatusCode)
	}

	var out struct {
		Config struct {
			TunnelID   string `json:"tunnelId"`
			APIKey     string `json:"apiKey"`
			PublicURL  string `json:"publicUrl"`
			WsURL      string `json:"wsUrl"`
			IsRestored bool   `json:"isRestored"`
		} `json:"config"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode tunnel create response: %w", err)
	}
	cfg.TunnelID = out.Config.TunnelID
	cfg.APIKey = out.Config.APIKey
	cfg.RelayWSURL = out.Config.WsURL
	return nil
}
