// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

package versions

import (
	"fmt"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// setBuildInfo swaps the ldflags-injected globals for one test and restores
// them afterwards. Tests using it cannot run in parallel.
func setBuildInfo(t *testing.T, version, commit, date string) {
	t.Helper()
	origVersion, origCommit, origDate := Version, Commit, BuildDate
	t.Cleanup(func() {
		Version, Commit, BuildDate = origVersion, origCommit, origDate
	})
	Version, Commit, BuildDate = version, commit, date
}

func TestGetVersionInfo(t *testing.T) {
	tests := []struct {
		name        string
		version     string
		commit      string
		buildDate   string
		wantVersion string
		wantDate    string
	}{
		{
			name:        "released build passes through",
			version:     "v1.2.3",
			commit:      "0123456789abcdef0123456789abcdef01234567",
			buildDate:   "2025-06-01T12:30:00Z",
			wantVersion: "v1.2.3",
			wantDate:    "2025-06-01 12:30:00 UTC",
		},
		{
			name:        "dev build derives a pseudo-version from the commit",
			version:     "dev",
			commit:      "0123456789abcdef0123456789abcdef01234567",
			buildDate:   unknownStr,
			wantVersion: "build-01234567",
			wantDate:    unknownStr,
		},
		{
			name:        "short commits are not truncated",
			version:     "dev",
			commit:      "ab12",
			buildDate:   unknownStr,
			wantVersion: "build-ab12",
			wantDate:    unknownStr,
		},
		{
			name:        "build date normalizes to UTC",
			version:     "v2.0.0",
			commit:      "deadbeef",
			buildDate:   "2025-06-01T05:00:00-07:00",
			wantVersion: "v2.0.0",
			wantDate:    "2025-06-01 12:00:00 UTC",
		},
		{
			name:        "unparseable build date is kept verbatim",
			version:     "v2.0.0",
			commit:      "deadbeef",
			buildDate:   "yesterday",
			wantVersion: "v2.0.0",
			wantDate:    "yesterday",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setBuildInfo(t, tt.version, tt.commit, tt.buildDate)

			info := GetVersionInfo()
			assert.Equal(t, tt.wantVersion, info.Version)
			assert.Equal(t, tt.commit, info.Commit)
			assert.Equal(t, tt.wantDate, info.BuildDate)
			assert.Equal(t, runtime.Version(), info.GoVersion)
			assert.Equal(t, fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH), info.Platform)
		})
	}
}

func TestGetVersionInfoDevWithoutCommit(t *testing.T) {
	setBuildInfo(t, "dev", unknownStr, unknownStr)

	// Without an injected commit the pseudo-version falls back to the
	// toolchain's embedded VCS revision, or "unknown" when there is none;
	// either way it stays a build- version.
	info := GetVersionInfo()
	assert.True(t, strings.HasPrefix(info.Version, "build-"), "got %q", info.Version)
	assert.LessOrEqual(t, len(strings.TrimPrefix(info.Version, "build-")), 8)
}
