package main

import (
	"fmt"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"github.com/freitascorp/laptoprelay/internal/clientstate"
	"github.com/freitascorp/laptoprelay/internal/config"
)

func newSessionsCmd(configPath *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recently seen sessions from the local sqlite index",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadAgentConfig(*configPath)
			if err != nil {
				return fmt.Errorf("load agent config: %w", err)
			}
			idx, err := clientstate.NewIndex(*configPath + ".sessions.db")
			if err != nil {
				return fmt.Errorf("open session index: %w", err)
			}
			defer idx.Close()

			sessions, err := idx.RecentSessions(limit)
			if err != nil {
				return fmt.Errorf("read session index: %w", err)
			}

			renderer, _ := glamour.NewTermRenderer(glamour.WithAutoStyle())
			fmt.Printf("%s sessions on tunnel %s\n", cfg.LaptopName, cfg.TunnelID)
			fmt.Print(recentSessionsSummary(renderer, sessions))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of sessions to show")
	return cmd
}
