// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpbundle/mcpb/pkg/namespace"
)

// mockPaths points the default config and database locations at a temp
// directory for the duration of the test. Tests using it mutate package
// state and must not run in parallel.
func mockPaths(t *testing.T) (configPath, dbPath string) {
	t.Helper()

	dir := t.TempDir()
	configPath = filepath.Join(dir, "config.yaml")
	dbPath = filepath.Join(dir, "mcpb.db")

	origConfig := getConfigPath
	origDatabase := getDatabasePath
	getConfigPath = func() (string, error) { return configPath, nil }
	getDatabasePath = func() (string, error) { return dbPath, nil }
	t.Cleanup(func() {
		getConfigPath = origConfig
		getDatabasePath = origDatabase
	})
	return configPath, dbPath
}

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
}

func TestLoadDefaultsWhenNoFile(t *testing.T) {
	_, dbPath := mockPaths(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, EnvDevelopment, cfg.Environment)
	assert.Equal(t, "127.0.0.1:4483", cfg.Listen.Address())
	assert.Equal(t, "127.0.0.1:4484", cfg.API.Address())
	assert.Equal(t, dbPath, cfg.Database.Path)
	assert.Equal(t, 20*time.Minute, time.Duration(cfg.Sessions.IdleThreshold))
	assert.Equal(t, namespace.ModeThreshold, cfg.Namespace.HashMode)
	assert.False(t, cfg.FailClosed())
}

func TestLoadExplicitFileMustExist(t *testing.T) {
	mockPaths(t)

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	configPath, dbPath := mockPaths(t)
	writeConfig(t, configPath, `
listen:
  port: 9080
sessions:
  idle_threshold: 5m
  rate_per_ip: 2.5
namespace:
  hash_mode: ALWAYS
credentials:
  fail_closed: true
resolver:
  wildcard_allow: true
  wildcard_token: dev-wildcard
`)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9080, cfg.Listen.Port)
	assert.Equal(t, "127.0.0.1", cfg.Listen.Host, "fields absent from the file keep their defaults")
	assert.Equal(t, 4484, cfg.API.Port)
	assert.Equal(t, 5*time.Minute, time.Duration(cfg.Sessions.IdleThreshold))
	assert.Equal(t, time.Second, time.Duration(cfg.Sessions.CheckInterval))
	assert.InEpsilon(t, 2.5, cfg.Sessions.RatePerIP, 1e-9)
	assert.Equal(t, namespace.ModeAlways, cfg.Namespace.HashMode)
	assert.Equal(t, namespace.DefaultThreshold, cfg.Namespace.HashThreshold)
	assert.True(t, cfg.FailClosed())
	assert.True(t, cfg.Resolver.WildcardAllow)
	assert.Equal(t, "dev-wildcard", cfg.Resolver.WildcardToken)
	assert.Equal(t, dbPath, cfg.Database.Path)
}

func TestLoadExplicitPathSkipsDefaultLocation(t *testing.T) {
	defaultPath, _ := mockPaths(t)
	writeConfig(t, defaultPath, "listen:\n  port: 1111\n")

	explicit := filepath.Join(t.TempDir(), "other.yaml")
	writeConfig(t, explicit, "listen:\n  port: 2222\n")

	cfg, err := Load(explicit)
	require.NoError(t, err)
	assert.Equal(t, 2222, cfg.Listen.Port)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	configPath, _ := mockPaths(t)
	writeConfig(t, configPath, "listen:\n  prot: 9080\n")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prot")
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	configPath, _ := mockPaths(t)
	writeConfig(t, configPath, "listen: [\n")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse")
}

func TestLoadEmptyFileKeepsDefaults(t *testing.T) {
	configPath, dbPath := mockPaths(t)
	writeConfig(t, configPath, "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 4483, cfg.Listen.Port)
	assert.Equal(t, dbPath, cfg.Database.Path)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	configPath, _ := mockPaths(t)
	writeConfig(t, configPath, "listen:\n  port: 9000\nenvironment: development\n")

	custom := filepath.Join(t.TempDir(), "custom.db")
	t.Setenv("MCPB_LISTEN_PORT", "9100")
	t.Setenv("MCPB_API_HOST", "0.0.0.0")
	t.Setenv("MCPB_DATABASE_PATH", custom)
	t.Setenv("MCPB_SESSIONS_IDLE_THRESHOLD", "90s")
	t.Setenv("MCPB_SESSIONS_LIMIT", "500")
	t.Setenv("MCPB_NAMESPACE_HASH_MODE", "always")
	t.Setenv("MCPB_CREDENTIALS_FAIL_CLOSED", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Listen.Port, "environment wins over the file")
	assert.Equal(t, "0.0.0.0", cfg.API.Host)
	assert.Equal(t, custom, cfg.Database.Path)
	assert.Equal(t, 90*time.Second, time.Duration(cfg.Sessions.IdleThreshold))
	assert.Equal(t, 500, cfg.Sessions.Limit)
	assert.Equal(t, namespace.ModeAlways, cfg.Namespace.HashMode, "mode names are case-insensitive")
	assert.True(t, cfg.FailClosed())
}

func TestLoadBareWildcardEnvNames(t *testing.T) {
	mockPaths(t)

	t.Setenv("RESOLVER_WILDCARD_ALLOW", "1")
	t.Setenv("RESOLVER_WILDCARD_TOKEN", "bare-token")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Resolver.WildcardAllow)
	assert.Equal(t, "bare-token", cfg.Resolver.WildcardToken)
}

func TestLoadBareWildcardNameWinsOverPrefixed(t *testing.T) {
	mockPaths(t)

	t.Setenv("RESOLVER_WILDCARD_ALLOW", "true")
	t.Setenv("RESOLVER_WILDCARD_TOKEN", "bare-token")
	t.Setenv("MCPB_RESOLVER_WILDCARD_TOKEN", "prefixed-token")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "bare-token", cfg.Resolver.WildcardToken)
}

func TestLoadEnvMalformedValues(t *testing.T) {
	tests := []struct {
		name    string
		envVar  string
		value   string
		wantKey string
	}{
		{
			name:    "non-integer port",
			envVar:  "MCPB_LISTEN_PORT",
			value:   "http",
			wantKey: "listen.port",
		},
		{
			name:    "non-duration idle threshold",
			envVar:  "MCPB_SESSIONS_IDLE_THRESHOLD",
			value:   "soon",
			wantKey: "sessions.idle_threshold",
		},
		{
			name:    "non-number rate",
			envVar:  "MCPB_SESSIONS_RATE_PER_IP",
			value:   "fast",
			wantKey: "sessions.rate_per_ip",
		},
		{
			name:    "non-boolean wildcard allow",
			envVar:  "RESOLVER_WILDCARD_ALLOW",
			value:   "yep",
			wantKey: "resolver.wildcard_allow",
		},
		{
			name:    "non-boolean fail closed",
			envVar:  "MCPB_CREDENTIALS_FAIL_CLOSED",
			value:   "mostly",
			wantKey: "credentials.fail_closed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockPaths(t)
			t.Setenv(tt.envVar, tt.value)

			_, err := Load("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantKey)
		})
	}
}

func TestLoadValidatesResult(t *testing.T) {
	configPath, _ := mockPaths(t)
	writeConfig(t, configPath, "resolver:\n  wildcard_allow: true\n")

	_, err := Load("")
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "wildcard_token")
}
