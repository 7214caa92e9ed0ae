package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRelayConfigDefaults(t *testing.T) {
	t.Setenv("TUNNEL_REGISTRATION_API_KEY", "reg-key")
	cfg, err := LoadRelayConfig()
	require.NoError(t, err)
	assert.Equal(t, "reg-key", cfg.RegistrationAPIKey)
	assert.Equal(t, 8000, cfg.Port)
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, "https", cfg.PublicProtocol)
	assert.Equal(t, "INFO", cfg.LogLevel)
}

func TestLoadRelayConfigMissingRequired(t *testing.T) {
	_, err := LoadRelayConfig()
	require.Error(t, err)
}

func TestLoadRelayConfigRejectsBadProtocol(t *testing.T) {
	t.Setenv("TUNNEL_REGISTRATION_API_KEY", "reg-key")
	t.Setenv("PUBLIC_PROTOCOL", "ftp")
	_, err := LoadRelayConfig()
	require.Error(t, err)
}

func TestAgentConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	err := os.WriteFile(path, []byte("laptop_name: dev-box\nrelay_ws_url: wss://relay.example.com/tunnel/abc\napi_key: k1\n"), 0o600)
	require.NoError(t, err)

	cfg, err := LoadAgentConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "dev-box", cfg.LaptopName)
	assert.Equal(t, "wss://relay.example.com/tunnel/abc", cfg.RelayWSURL)
	assert.Equal(t, "INFO", cfg.LogLevel)

	cfg.TunnelID = "abc"
	require.NoError(t, cfg.Save(path))

	reloaded, err := LoadAgentConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "abc", reloaded.TunnelID)
}

func TestLoadAgentConfigRequiresRelayWSURL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte("laptop_name: dev-box\n"), 0o600))
	_, err := LoadAgentConfig(path)
	require.Error(t, err)
}
