package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/DCsunset/clip-share/internal/config"
	"github.com/DCsunset/clip-share/internal/logging"
	"github.com/DCsunset/clip-share/internal/server"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "clip-share-server",
		Short:         "Relay server for sharing clipboard data between paired devices",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML/JSON config file (optional)")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync() // best-effort flush

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.NewRelayServer(cfg, logger, nil, nil)
	if err := srv.Start(ctx); err != nil {
		logger.Error("server exited with error", zap.Error(err))
		return err
	}
	return nil
}
