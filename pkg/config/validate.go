// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mcpbundle/mcpb/pkg/crypto"
	"github.com/mcpbundle/mcpb/pkg/namespace"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

const maxPort = 65535

// Validate checks field and cross-field constraints, collecting every
// violation instead of stopping at the first. The only environment lookup
// is the production encryption key requirement.
func (c *Config) Validate() error {
	var errs []string

	switch c.Environment {
	case EnvDevelopment, EnvProduction:
	default:
		errs = append(errs, fmt.Sprintf("environment must be %q or %q", EnvDevelopment, EnvProduction))
	}

	if c.Listen.Port < 0 || c.Listen.Port > maxPort {
		errs = append(errs, "listen.port must be between 0 and 65535")
	}
	if c.API.Port < 0 || c.API.Port > maxPort {
		errs = append(errs, "api.port must be between 0 and 65535")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.Sessions.Limit < 0 {
		errs = append(errs, "sessions.limit must not be negative")
	}
	if time.Duration(c.Sessions.IdleThreshold) <= 0 {
		errs = append(errs, "sessions.idle_threshold must be positive")
	}
	if time.Duration(c.Sessions.CheckInterval) <= 0 {
		errs = append(errs, "sessions.check_interval must be positive")
	}
	if c.Sessions.RatePerIP > 0 && c.Sessions.RateBurst <= 0 {
		errs = append(errs, "sessions.rate_burst must be positive when rate limiting is enabled")
	}

	if !c.Namespace.HashMode.Valid() {
		errs = append(errs, fmt.Sprintf("namespace.hash_mode must be one of %s, %s, %s",
			namespace.ModeNever, namespace.ModeThreshold, namespace.ModeAlways))
	}
	if c.Namespace.HashThreshold <= 0 {
		errs = append(errs, "namespace.hash_threshold must be positive")
	}

	if c.Resolver.WildcardAllow && c.Resolver.WildcardToken == "" {
		errs = append(errs, "resolver.wildcard_token is required when resolver.wildcard_allow is true")
	}
	if !c.Resolver.WildcardAllow && c.Resolver.WildcardToken != "" {
		errs = append(errs, "resolver.wildcard_token is set but resolver.wildcard_allow is false")
	}

	if c.Production() {
		if key := os.Getenv(crypto.EncryptionKeyEnv); len(key) < crypto.MinSecretLen {
			errs = append(errs, fmt.Sprintf("%s must be set to at least %d characters in production",
				crypto.EncryptionKeyEnv, crypto.MinSecretLen))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}
	return nil
}
