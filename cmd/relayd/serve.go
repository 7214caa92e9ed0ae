package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/freitascorp/laptoprelay/internal/config"
	"github.com/freitascorp/laptoprelay/internal/metrics"
	"github.com/freitascorp/laptoprelay/internal/obslog"
	"github.com/freitascorp/laptoprelay/internal/relay"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.LoadRelayConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := obslog.New(cfg.LogLevel)
	m := metrics.NewRelayMetrics()

	srv := relay.New(relay.Config{
		ListenAddr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		RegistrationAPIKey: cfg.RegistrationAPIKey,
		PublicHost:         cfg.PublicHost,
		PublicProtocol:     cfg.PublicProtocol,
		PingInterval:       cfg.PingInterval,
		LivenessWindow:     cfg.LivenessWindow,
		RequestTimeout:     cfg.RequestTimeout,
	}, logger, m)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("relayd starting", "addr", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("relay server stopped: %w", err)
	}
	return nil
}
