// Package config loads the relay server's environment contract and the
// laptop-side agent's YAML settings file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// RelayConfig is the relay server's environment contract.
type RelayConfig struct {
	RegistrationAPIKey string        `env:"TUNNEL_REGISTRATION_API_KEY,required"`
	Port               int           `env:"PORT" envDefault:"8000"`
	Host               string        `env:"HOST" envDefault:"0.0.0.0"`
	PublicHost         string        `env:"PUBLIC_HOST"`
	PublicProtocol     string        `env:"PUBLIC_PROTOCOL" envDefault:"https"`
	LogLevel           string        `env:"LOG_LEVEL" envDefault:"INFO"`

	PingInterval    time.Duration `env:"TUNNEL_PING_INTERVAL" envDefault:"20s"`
	LivenessWindow  time.Duration `env:"TUNNEL_LIVENESS_WINDOW" envDefault:"30s"`
	RequestTimeout  time.Duration `env:"TUNNEL_REQUEST_TIMEOUT" envDefault:"60s"`
}

// LoadRelayConfig reads RelayConfig from the process environment.
func LoadRelayConfig() (*RelayConfig, error) {
	cfg := &RelayConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("load relay config: %w", err)
	}
	if cfg.PublicProtocol != "http" && cfg.PublicProtocol != "https" {
		return nil, fmt.Errorf("load relay config: PUBLIC_PROTOCOL must be http or https, got %q", cfg.PublicProtocol)
	}
	return cfg, nil
}

// AgentConfig is the laptop-side relay-agent's YAML settings file.
type AgentConfig struct {
	LaptopName         string `yaml:"laptop_name"`
	RelayWSURL         string `yaml:"relay_ws_url"`
	RelayBaseURL       string `yaml:"relay_base_url"`
	RegistrationAPIKey string `yaml:"registration_api_key"`
	TunnelID           string `yaml:"tunnel_id"`
	APIKey             string `yaml:"api_key"`
	ClientAuthKey      string `yaml:"client_auth_key"`
	LogLevel           string `yaml:"log_level"`
	StatePath          string `yaml:"state_path"`
}

// LoadAgentConfig reads AgentConfig from a YAML file at path.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent config %s: %w", path, err)
	}
	cfg := &AgentConfig{LogLevel: "INFO"}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse agent config %s: %w", path, err)
	}
	if cfg.RelayWSURL == "" {
		return nil, fmt.Errorf("agent config %s: relay_ws_url is required", path)
	}
	return cfg, nil
}

// Save writes cfg back to path as YAML, used after relay-agent connect
// registers through /tunnel/create and learns a tunnel_id/api_key.
func (c *AgentConfig) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal agent config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write agent config %s: %w", path, err)
	}
	return nil
}
