// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the mcpb gateway.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mcpbundle/mcpb/cmd/mcpb/app"
	"github.com/mcpbundle/mcpb/pkg/logger"
)

func main() {
	// Create a context that will be canceled on signal
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		logger.Errorf("Error executing command: %v", err)
		os.Exit(1)
	}
}
