package main

import (
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/utafrali/cartsync/internal/app"
	"github.com/utafrali/cartsync/pkg/logger"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}

			log := logger.New(cfg.ServiceName, cfg.LogLevel)
			log.Info("starting cartsync",
				slog.String("environment", cfg.Environment),
				slog.Int("http_port", cfg.HTTPPort),
				slog.String("storage_backend", cfg.StorageBackend),
			)

			application, err := app.NewApp(cfg, log)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if err := application.Run(ctx); err != nil {
				return err
			}

			log.Info("cartsync stopped")
			return nil
		},
	}
}
