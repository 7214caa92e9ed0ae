// Command relay-agent is the TunnelClient: the laptop-side process that
// dials out to RelayCore and re-injects relayed requests into the
// laptop's own local handlers.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "relay-agent",
		Short:         "TunnelClient — the laptop-side relay agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "path to the agent's YAML config file")

	root.AddCommand(
		newConnectCmd(&configPath),
		newStatusCmd(&configPath),
		newSessionsCmd(&configPath),
		newVersionCmd(),
	)
	return root
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "relay-agent.yaml"
	}
	return home + "/.relay-agent/config.yaml"
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("relay-agent", version)
		},
	}
}
