package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/freitascorp/laptoprelay/internal/clientstate"
	"github.com/freitascorp/laptoprelay/internal/config"
)

var (
	statusTitle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#87CEEB"))
	statusLabel = lipgloss.NewStyle().Foreground(lipgloss.Color("#928374"))
	statusLive  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#B8BB26"))
	statusDead  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FB4934"))
	statusBox   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

func newStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show a live dashboard of the tunnel's connection and subscriber counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadAgentConfig(*configPath)
			if err != nil {
				return fmt.Errorf("load agent config: %w", err)
			}
			statePath := cfg.StatePath
			if statePath == "" {
				statePath = *configPath + ".state.json"
			}
			m := newStatusModel(cfg, statePath)
			p := tea.NewProgram(m)
			_, err = p.Run()
			return err
		},
	}
}

type tunnelStatus struct {
	Connected            bool      `json:"connected"`
	LastPongAt           time.Time `json:"lastPongAt"`
	TerminalSubscribers  int       `json:"terminalSubscribers"`
	RecordingSubscribers int       `json:"recordingSubscribers"`
	AgentSubscribers     int       `json:"agentSubscribers"`
}

type statusTickMsg time.Time

type statusFetchedMsg struct {
	status *tunnelStatus
	err    error
}

type statusModel struct {
	cfg       *config.AgentConfig
	statePath string
	spin      spinner.Model
	renderer  *glamour.TermRenderer
	status    *tunnelStatus
	lastErr   error
	quitting  bool
}

func newStatusModel(cfg *config.AgentConfig, statePath string) statusModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	renderer, _ := glamour.NewTermRenderer(glamour.WithAutoStyle())
	return statusModel{cfg: cfg, statePath: statePath, spin: s, renderer: renderer}
}

func (m statusModel) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, m.fetch(), tickEvery())
}

func tickEvery() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg { return statusTickMsg(t) })
}

func (m statusModel) fetch() tea.Cmd {
	return func() tea.Msg {
		status, err := fetchTunnelStatus(m.cfg)
		return statusFetchedMsg{status: status, err: err}
	}
}

func fetchTunnelStatus(cfg *config.AgentConfig) (*tunnelStatus, error) {
	if cfg.RelayBaseURL == "" || cfg.TunnelID == "" {
		return nil, fmt.Errorf("relay_base_url and tunnel_id must be set")
	}
	url := strings.TrimRight(cfg.RelayBaseURL, "/") + "/tunnel/status/" + cfg.TunnelID
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-Key", cfg.RegistrationAPIKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status request returned %d", resp.StatusCode)
	}
	var out tunnelStatus
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (m statusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}
	case statusTickMsg:
		return m, tea.Batch(m.fetch(), tickEvery())
	case statusFetchedMsg:
		m.status = msg.status
		m.lastErr = msg.err
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m statusModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(statusTitle.Render(fmt.Sprintf("relay-agent status — %s", m.cfg.LaptopName)))
	b.WriteString("\n\n")

	if m.lastErr != nil {
		b.WriteString(statusDead.Render(fmt.Sprintf("%s error: %v", m.spin.View(), m.lastErr)))
		b.WriteString("\n")
		b.WriteString(statusLabel.Render("press q to quit"))
		return statusBox.Render(b.String())
	}

	if m.status == nil {
		b.WriteString(fmt.Sprintf("%s loading...\n", m.spin.View()))
		return statusBox.Render(b.String())
	}

	connLabel := statusDead.Render("disconnected")
	if m.status.Connected {
		connLabel = statusLive.Render("connected")
	}

	b.WriteString(fmt.Sprintf("%s tunnel %s: %s\n", m.spin.View(), m.cfg.TunnelID, connLabel))
	b.WriteString(statusLabel.Render(fmt.Sprintf("last pong: %s\n", m.status.LastPongAt.Format(time.RFC3339))))
	b.WriteString(fmt.Sprintf("terminal subscribers:  %d\n", m.status.TerminalSubscribers))
	b.WriteString(fmt.Sprintf("recording subscribers: %d\n", m.status.RecordingSubscribers))
	b.WriteString(fmt.Sprintf("agent subscribers:     %d\n", m.status.AgentSubscribers))
	b.WriteString("\n")
	b.WriteString(statusLabel.Render("press q to quit"))

	return statusBox.Render(b.String())
}

// recentSessionsSummary renders the last few locally indexed sessions as
// a small markdown table via glamour, used by the `sessions` subcommand.
func recentSessionsSummary(renderer *glamour.TermRenderer, sessions []clientstate.SessionInfo) string {
	if len(sessions) == 0 {
		return "_no sessions recorded yet_"
	}
	var md strings.Builder
	md.WriteString("| session | kind | started |\n|---|---|---|\n")
	for _, s := range sessions {
		md.WriteString(fmt.Sprintf("| %s | %s | %s |\n", s.SessionID, s.Kind, s.StartedAt.Format(time.RFC3339)))
	}
	out, err := renderer.Render(md.String())
	if err != nil {
		return md.String()
	}
	return out
}
