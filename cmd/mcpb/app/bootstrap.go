// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mcpbundle/mcpb/pkg/bundle"
	"github.com/mcpbundle/mcpb/pkg/config"
	"github.com/mcpbundle/mcpb/pkg/crypto"
	"github.com/mcpbundle/mcpb/pkg/logger"
	"github.com/mcpbundle/mcpb/pkg/storage"
	"github.com/mcpbundle/mcpb/pkg/storage/sqlite"
)

// newBootstrapCmd creates the bootstrap command.
func newBootstrapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "Create the root user and print its admin key",
		Long: `Create the root management user when none exists yet.

Every other user is created through the management API by an existing
user, so bootstrap is the first command to run against a fresh database.
The admin key is printed exactly once; only its SHA-256 hash is stored.`,
		RunE: runBootstrap,
	}
}

// runBootstrap implements the bootstrap command logic.
func runBootstrap(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return fmt.Errorf("configuration loading failed: %w", err)
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

	root, key, err := bootstrapRoot(ctx, sqlite.NewUserStore(db))
	if err != nil {
		return err
	}

	fmt.Println("Root user created. The admin key below is shown once and never again.")
	return renderBootstrapTable(root, key)
}

// bootstrapRoot mints the root user when none exists. The returned key is
// the only copy of the plaintext; the store keeps its hash.
func bootstrapRoot(ctx context.Context, users storage.UserRepo) (bundle.User, string, error) {
	existing, err := users.FindFirst(ctx, "createdById", "")
	switch {
	case err == nil:
		return bundle.User{}, "", fmt.Errorf("already bootstrapped: root user %q exists", existing.Name)
	case !errors.Is(err, bundle.ErrNotFound):
		return bundle.User{}, "", fmt.Errorf("checking for a root user: %w", err)
	}

	key, err := crypto.NewAdminKey()
	if err != nil {
		return bundle.User{}, "", fmt.Errorf("minting admin key: %w", err)
	}

	root, err := users.Create(ctx, bundle.User{
		Name:    "root",
		KeyHash: crypto.HashToken(key),
	})
	if err != nil {
		return bundle.User{}, "", fmt.Errorf("creating root user: %w", err)
	}
	return root, key, nil
}

// renderBootstrapTable prints the root user and its one-time admin key.
func renderBootstrapTable(root bundle.User, key string) error {
	table := tablewriter.NewWriter(os.Stdout)
	table.Options(
		tablewriter.WithHeader([]string{"Field", "Value"}),
		tablewriter.WithRendition(
			tw.Rendition{
				Borders: tw.Border{
					Left:   tw.State(1),
					Top:    tw.State(1),
					Right:  tw.State(1),
					Bottom: tw.State(1),
				},
			},
		),
		tablewriter.WithAlignment(tw.MakeAlign(2, tw.AlignLeft)),
	)

	rows := [][]string{
		{"User ID", root.ID},
		{"Name", root.Name},
		{"Admin key", key},
	}
	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}
