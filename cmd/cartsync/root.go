package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/utafrali/cartsync/internal/config"
)

type rootOptions struct {
	envFile  string
	logLevel string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "cartsync",
		Short:         "Client cart and wishlist synchronization service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override LOG_LEVEL (debug, info, warn, error)")

	cmd.AddCommand(newServeCmd(opts), newInspectCmd(opts))
	return cmd
}

// loadConfig reads the configuration and applies flag overrides.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	var files []string
	if o.envFile != "" {
		files = append(files, o.envFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	return cfg, nil
}

// commandContext falls back to Background when cobra was executed without one.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
