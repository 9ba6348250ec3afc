// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"log/slog"
	"os"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/identity/internal/config"
	"github.com/holomush/identity/internal/logging"
	"github.com/holomush/identity/internal/xdg"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the identity CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Identity - account and session lifecycle service",
		Long: `Identity manages user accounts: registration with email verification,
password and federated login, password reset and session tokens.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")
	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewAccountCmd())

	return cmd
}

// loadConfig reads configuration for cmd from flags, the config file and
// the environment. Without --config, $XDG_CONFIG_HOME/identity/config.yaml
// is used when present.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := configFile
	if path == "" {
		def, err := xdg.DefaultConfigFile()
		if err != nil {
			return nil, err
		}
		path = def
	}
	cfg, err := config.Load(cmd.Flags(), path, os.Getenv)
	if err != nil {
		return nil, oops.With("operation", "load configuration").Wrap(err)
	}
	return cfg, nil
}

// setupLogging configures the default logger from cfg.
func setupLogging(cfg *config.Config) (*slog.Logger, error) {
	level, err := logging.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		return nil, err
	}
	return logging.SetDefault("identity", version, cfg.Server.LogFormat, level), nil
}
