// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mcpbundle/mcpb/pkg/namespace"
)

// envPrefix namespaces the environment overrides: the key "listen.port"
// reads MCPB_LISTEN_PORT.
const envPrefix = "MCPB"

// Wildcard resolver settings are additionally honored under their bare
// names, without the MCPB_ prefix.
const (
	envWildcardAllow = "RESOLVER_WILDCARD_ALLOW"
	envWildcardToken = "RESOLVER_WILDCARD_TOKEN"
)

// Load builds the effective configuration: built-in defaults, overlaid
// with the YAML file at path, overlaid with environment variables, then
// validated. An empty path means the default location; a missing file
// there is fine, a missing file named explicitly is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		var err error
		path, err = getConfigPath()
		if err != nil {
			return nil, fmt.Errorf("determine config path: %w", err)
		}
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// No file at the default location: defaults plus environment.
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if cfg.Database.Path == "" {
		dbPath, err := getDatabasePath()
		if err != nil {
			return nil, fmt.Errorf("determine database path: %w", err)
		}
		cfg.Database.Path = dbPath
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays MCPB_* environment variables onto cfg. Only variables
// that are actually set override; malformed values are errors rather than
// silent zeroes.
func applyEnv(cfg *Config) error {
	v := viper.New()

	keys := []string{
		"environment",
		"listen.host", "listen.port",
		"api.host", "api.port",
		"database.path",
		"sessions.limit", "sessions.idle_threshold", "sessions.check_interval",
		"sessions.rate_per_ip", "sessions.rate_burst",
		"namespace.hash_mode", "namespace.hash_threshold",
		"credentials.fail_closed",
	}
	for _, key := range keys {
		if err := v.BindEnv(key, envName(key)); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}
	// The bare names win over the prefixed ones when both are set.
	if err := v.BindEnv("resolver.wildcard_allow", envWildcardAllow, envName("resolver.wildcard_allow")); err != nil {
		return fmt.Errorf("bind resolver.wildcard_allow: %w", err)
	}
	if err := v.BindEnv("resolver.wildcard_token", envWildcardToken, envName("resolver.wildcard_token")); err != nil {
		return fmt.Errorf("bind resolver.wildcard_token: %w", err)
	}

	o := overlay{v: v}

	o.setString("environment", &cfg.Environment)
	o.setString("listen.host", &cfg.Listen.Host)
	o.setInt("listen.port", &cfg.Listen.Port)
	o.setString("api.host", &cfg.API.Host)
	o.setInt("api.port", &cfg.API.Port)
	o.setString("database.path", &cfg.Database.Path)
	o.setInt("sessions.limit", &cfg.Sessions.Limit)
	o.setDuration("sessions.idle_threshold", &cfg.Sessions.IdleThreshold)
	o.setDuration("sessions.check_interval", &cfg.Sessions.CheckInterval)
	o.setFloat("sessions.rate_per_ip", &cfg.Sessions.RatePerIP)
	o.setInt("sessions.rate_burst", &cfg.Sessions.RateBurst)
	o.setMode("namespace.hash_mode", &cfg.Namespace.HashMode)
	o.setInt("namespace.hash_threshold", &cfg.Namespace.HashThreshold)
	o.setBoolPtr("credentials.fail_closed", &cfg.Credentials.FailClosed)
	o.setBool("resolver.wildcard_allow", &cfg.Resolver.WildcardAllow)
	o.setString("resolver.wildcard_token", &cfg.Resolver.WildcardToken)

	return o.err
}

// envName maps a config key to its prefixed environment variable,
// "sessions.idle_threshold" to "MCPB_SESSIONS_IDLE_THRESHOLD".
func envName(key string) string {
	return envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// overlay copies set environment values onto config fields and keeps the
// first parse error.
type overlay struct {
	v   *viper.Viper
	err error
}

func (o *overlay) setString(key string, dst *string) {
	if o.err != nil || !o.v.IsSet(key) {
		return
	}
	*dst = o.v.GetString(key)
}

func (o *overlay) setInt(key string, dst *int) {
	if o.err != nil || !o.v.IsSet(key) {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(o.v.GetString(key)))
	if err != nil {
		o.err = fmt.Errorf("environment override %s: not an integer: %q", key, o.v.GetString(key))
		return
	}
	*dst = n
}

func (o *overlay) setFloat(key string, dst *float64) {
	if o.err != nil || !o.v.IsSet(key) {
		return
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(o.v.GetString(key)), 64)
	if err != nil {
		o.err = fmt.Errorf("environment override %s: not a number: %q", key, o.v.GetString(key))
		return
	}
	*dst = f
}

func (o *overlay) setBool(key string, dst *bool) {
	if o.err != nil || !o.v.IsSet(key) {
		return
	}
	b, err := strconv.ParseBool(strings.TrimSpace(o.v.GetString(key)))
	if err != nil {
		o.err = fmt.Errorf("environment override %s: not a boolean: %q", key, o.v.GetString(key))
		return
	}
	*dst = b
}

func (o *overlay) setBoolPtr(key string, dst **bool) {
	if o.err != nil || !o.v.IsSet(key) {
		return
	}
	b, err := strconv.ParseBool(strings.TrimSpace(o.v.GetString(key)))
	if err != nil {
		o.err = fmt.Errorf("environment override %s: not a boolean: %q", key, o.v.GetString(key))
		return
	}
	*dst = &b
}

func (o *overlay) setDuration(key string, dst *Duration) {
	if o.err != nil || !o.v.IsSet(key) {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(o.v.GetString(key)))
	if err != nil {
		o.err = fmt.Errorf("environment override %s: not a duration: %q", key, o.v.GetString(key))
		return
	}
	*dst = Duration(d)
}

func (o *overlay) setMode(key string, dst *namespace.Mode) {
	if o.err != nil || !o.v.IsSet(key) {
		return
	}
	*dst = namespace.Mode(strings.ToUpper(strings.TrimSpace(o.v.GetString(key))))
}
