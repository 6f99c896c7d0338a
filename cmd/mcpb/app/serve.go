// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/mcpbundle/mcpb/pkg/api"
	"github.com/mcpbundle/mcpb/pkg/config"
	"github.com/mcpbundle/mcpb/pkg/crypto"
	"github.com/mcpbundle/mcpb/pkg/gateway"
	"github.com/mcpbundle/mcpb/pkg/logger"
	"github.com/mcpbundle/mcpb/pkg/resolver"
	"github.com/mcpbundle/mcpb/pkg/storage/sqlite"
)

// newServeCmd creates the serve command for starting the gateway.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the bundle gateway",
		Long: `Start the MCP gateway and the management REST API.

The gateway serves the Streamable HTTP MCP endpoint; the management API
serves users, MCPs, bundles, tokens, and per-user credentials. Database
migrations run at startup. Both listeners shut down gracefully on
SIGINT/SIGTERM.`,
		RunE: runServe,
	}
}

// runServe implements the serve command logic.
func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return fmt.Errorf("configuration loading failed: %w", err)
	}
	logger.Infof("Environment: %s", cfg.Environment)

	secret, err := crypto.LoadSecret(cfg.Production())
	if err != nil {
		return err
	}
	cipher, err := crypto.NewCipher(secret)
	if err != nil {
		return err
	}

	db, err := sqlite.Open(ctx, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database %s: %w", cfg.Database.Path, err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warnf("Closing database: %v", err)
		}
	}()

	users := sqlite.NewUserStore(db)
	mcps := sqlite.NewMcpStore(db, cipher, cfg.FailClosed())
	bundles := sqlite.NewBundleStore(db)
	tokens := sqlite.NewTokenStore(db)
	credentials := sqlite.NewCredentialStore(db, cipher)

	if cfg.Resolver.WildcardAllow {
		logger.Warnf("Wildcard token resolution is enabled; any holder of the wildcard token reaches every registered MCP")
	}
	res := resolver.New(tokens, bundles, mcps, credentials, resolver.Options{
		WildcardAllow: cfg.Resolver.WildcardAllow,
		WildcardToken: cfg.Resolver.WildcardToken,
	})

	gw := gateway.New(gateway.Config{
		Host:          cfg.Listen.Host,
		Port:          cfg.Listen.Port,
		SessionLimit:  cfg.Sessions.Limit,
		IdleThreshold: time.Duration(cfg.Sessions.IdleThreshold),
		CheckInterval: time.Duration(cfg.Sessions.CheckInterval),
		RatePerIP:     cfg.Sessions.RatePerIP,
		RateBurst:     cfg.Sessions.RateBurst,
		HashMode:      cfg.Namespace.HashMode,
		HashThreshold: cfg.Namespace.HashThreshold,
	}, res)

	deps := api.Deps{
		Users:       users,
		Mcps:        mcps,
		Bundles:     bundles,
		Tokens:      tokens,
		Credentials: credentials,
	}

	// Either listener failing cancels the other; a signal cancels both.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gw.Start(gctx) })
	g.Go(func() error { return api.Serve(gctx, cfg.API.Address(), false, deps) })
	return g.Wait()
}
