// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

// Package config defines the gateway configuration model and loads the
// effective configuration from built-in defaults, a YAML file, and
// environment variables, in that order of precedence.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/adrg/xdg"

	"github.com/mcpbundle/mcpb/pkg/namespace"
	"github.com/mcpbundle/mcpb/pkg/session"
)

// Environment names accepted by Config.Environment.
const (
	// EnvDevelopment relaxes secret handling: a missing encryption key is
	// replaced with an ephemeral one and credential decrypt failures skip
	// the affected upstream instead of failing the session.
	EnvDevelopment = "development"

	// EnvProduction requires a persistent encryption key and defaults the
	// credential decrypt policy to fail-closed.
	EnvProduction = "production"
)

const (
	// defaultListenPort serves the MCP endpoint.
	defaultListenPort = 4483

	// defaultAPIPort serves the management REST API.
	defaultAPIPort = 4484

	// defaultHost binds loopback only. Expose the gateway deliberately.
	defaultHost = "127.0.0.1"

	// defaultRateBurst is the token bucket size when per-IP rate limiting
	// is enabled.
	defaultRateBurst = 10
)

// Duration is a wrapper around time.Duration that marshals/unmarshals as a
// duration string. This ensures duration values are serialized as "30s",
// "1m", etc. instead of nanosecond integers.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(dur)
	return nil
}

// Config is the top-level configuration model, shared by the YAML file and
// the MCPB_* environment overrides.
type Config struct {
	// Environment selects development or production behavior.
	Environment string `yaml:"environment" json:"environment"`

	// Listen binds the MCP gateway endpoint.
	Listen ListenConfig `yaml:"listen" json:"listen"`

	// API binds the management REST API.
	API ListenConfig `yaml:"api" json:"api"`

	Database    DatabaseConfig   `yaml:"database" json:"database"`
	Sessions    SessionConfig    `yaml:"sessions" json:"sessions"`
	Namespace   NamespaceConfig  `yaml:"namespace" json:"namespace"`
	Credentials CredentialConfig `yaml:"credentials" json:"credentials"`
	Resolver    ResolverConfig   `yaml:"resolver" json:"resolver"`
}

// ListenConfig is a host/port pair for one of the two HTTP listeners.
type ListenConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

// Address renders the pair in net.Dial form.
func (l ListenConfig) Address() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

// DatabaseConfig locates the SQLite database file.
type DatabaseConfig struct {
	Path string `yaml:"path" json:"path"`
}

// SessionConfig tunes session lifecycle and ingress throttling.
type SessionConfig struct {
	// Limit caps concurrent sessions. Zero means unlimited.
	Limit int `yaml:"limit" json:"limit"`

	// IdleThreshold closes sessions after this much inactivity;
	// CheckInterval is how often the idle monitor wakes up.
	IdleThreshold Duration `yaml:"idle_threshold" json:"idle_threshold"`
	CheckInterval Duration `yaml:"check_interval" json:"check_interval"`

	// RatePerIP is the per-client request rate in requests per second.
	// Zero or negative disables rate limiting.
	RatePerIP float64 `yaml:"rate_per_ip" json:"rate_per_ip"`
	RateBurst int     `yaml:"rate_burst" json:"rate_burst"`
}

// NamespaceConfig tunes how over-long namespaced capability names are
// shortened.
type NamespaceConfig struct {
	HashMode      namespace.Mode `yaml:"hash_mode" json:"hash_mode"`
	HashThreshold int            `yaml:"hash_threshold" json:"hash_threshold"`
}

// CredentialConfig controls credential decrypt behavior during session
// attachment.
type CredentialConfig struct {
	// FailClosed aborts attachment when a stored credential cannot be
	// decrypted. Unset defaults to the environment: fail-closed in
	// production, fail-open in development.
	FailClosed *bool `yaml:"fail_closed,omitempty" json:"fail_closed,omitempty"`
}

// ResolverConfig configures the wildcard token bypass. The wildcard token
// is compared verbatim against presented tokens and is never hashed,
// stored, or logged.
type ResolverConfig struct {
	WildcardAllow bool   `yaml:"wildcard_allow" json:"wildcard_allow"`
	WildcardToken string `yaml:"wildcard_token,omitempty" json:"wildcard_token,omitempty"`
}

// defaultPathGenerator generates the default config path using xdg.
var defaultPathGenerator = func() (string, error) {
	return xdg.ConfigFile("mcpb/config.yaml")
}

// getConfigPath is the current path generator, can be replaced in tests.
var getConfigPath = defaultPathGenerator

// defaultDatabaseGenerator generates the default database path using xdg.
var defaultDatabaseGenerator = func() (string, error) {
	return xdg.DataFile("mcpb/mcpb.db")
}

// getDatabasePath is the current generator, can be replaced in tests.
var getDatabasePath = defaultDatabaseGenerator

// DefaultPath returns the default config file location,
// $XDG_CONFIG_HOME/mcpb/config.yaml.
func DefaultPath() (string, error) {
	return getConfigPath()
}

// Default returns the built-in configuration. The database path is left
// empty here; Load fills it from xdg when neither the file nor the
// environment names one.
func Default() *Config {
	return &Config{
		Environment: EnvDevelopment,
		Listen: ListenConfig{
			Host: defaultHost,
			Port: defaultListenPort,
		},
		API: ListenConfig{
			Host: defaultHost,
			Port: defaultAPIPort,
		},
		Sessions: SessionConfig{
			Limit:         0,
			IdleThreshold: Duration(session.DefaultIdleThreshold),
			CheckInterval: Duration(session.DefaultCheckInterval),
			RatePerIP:     0,
			RateBurst:     defaultRateBurst,
		},
		Namespace: NamespaceConfig{
			HashMode:      namespace.ModeThreshold,
			HashThreshold: namespace.DefaultThreshold,
		},
	}
}

// Production reports whether the production environment is selected.
func (c *Config) Production() bool {
	return c.Environment == EnvProduction
}

// FailClosed resolves the credential decrypt policy: the explicit setting
// when present, otherwise fail-closed exactly in production.
func (c *Config) FailClosed() bool {
	if c.Credentials.FailClosed != nil {
		return *c.Credentials.FailClosed
	}
	return c.Production()
}
