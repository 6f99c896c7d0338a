// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

// Package versions exposes build-time version information for mcpb binaries.
package versions

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

const unknownStr = "unknown"

var (
	// Version is the mcpb version, injected at build time via ldflags.
	Version = "dev"

	// Commit is the git commit the binary was built from.
	Commit = unknownStr

	// BuildDate is the RFC 3339 build timestamp.
	BuildDate = unknownStr
)

// VersionInfo describes the running binary.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetVersionInfo assembles version information about the running binary.
func GetVersionInfo() VersionInfo {
	version := Version
	if version == "dev" {
		version = devVersion()
	}

	return VersionInfo{
		Version:   version,
		Commit:    Commit,
		BuildDate: formatBuildDate(BuildDate),
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// devVersion derives a pseudo-version for untagged development builds from
// the first 8 characters of the commit, falling back to the VCS revision
// embedded by the Go toolchain.
func devVersion() string {
	commit := Commit
	if commit == unknownStr {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, setting := range info.Settings {
				if setting.Key == "vcs.revision" && setting.Value != "" {
					commit = setting.Value
					break
				}
			}
		}
	}
	if len(commit) > 8 {
		commit = commit[:8]
	}
	return "build-" + commit
}

// formatBuildDate renders an RFC 3339 timestamp as "YYYY-MM-DD HH:MM:SS UTC".
// Values that do not parse are returned unchanged.
func formatBuildDate(date string) string {
	t, err := time.Parse(time.RFC3339, date)
	if err != nil {
		return date
	}
	return t.UTC().Format("2006-01-02 15:04:05") + " UTC"
}
