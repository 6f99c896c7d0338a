// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the mcpb command-line application.
package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mcpbundle/mcpb/pkg/config"
	"github.com/mcpbundle/mcpb/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "mcpb",
	DisableAutoGenTag: true,
	Short:             "MCP bundle gateway - one token, many MCP servers",
	Long: `mcpb is a multiplexing gateway for MCP (Model Context Protocol) servers.
A client connects with a single bundle token and sees the tools, resources,
and prompts of every upstream MCP in its bundle, each renamed behind the
upstream's namespace and filtered by per-bundle permissions. It provides:

- Tool, resource, and prompt aggregation under namespaced names
- Bundle tokens with per-entry allow-lists, mintable and revocable
- Encrypted at-rest MASTER and per-user upstream credentials
- A management REST API for users, MCPs, bundles, and tokens`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

// NewRootCmd creates a new root command for the mcpb CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to mcpb configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newBootstrapCmd())
	rootCmd.AddCommand(newVersionCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}

// newValidateCmd creates the validate command for checking configuration.
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Long: `Validate the mcpb configuration for syntax and semantic errors.

Without --config the default location is checked, the same one serve
reads. Environment overrides are applied before validation, so the
result is the configuration serve would actually run with.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			configPath := viper.GetString("config")
			if configPath == "" {
				if p, err := config.DefaultPath(); err == nil {
					configPath = p
				}
			}
			logger.Infof("Validating configuration: %s", configPath)

			cfg, err := config.Load(viper.GetString("config"))
			if err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}

			logger.Infof("✓ Configuration is valid")
			logger.Infof("  Environment: %s", cfg.Environment)
			logger.Infof("  Gateway: %s", cfg.Listen.Address())
			logger.Infof("  API: %s", cfg.API.Address())
			logger.Infof("  Database: %s", cfg.Database.Path)
			logger.Infof("  Hash mode: %s (threshold %d)", cfg.Namespace.HashMode, cfg.Namespace.HashThreshold)
			logger.Infof("  Fail-closed decrypt: %t", cfg.FailClosed())
			if cfg.Resolver.WildcardAllow {
				logger.Infof("  Wildcard resolver: enabled")
			}
			return nil
		},
	}
}
