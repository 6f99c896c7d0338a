// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

package namespace

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenameJoinsBelowThreshold(t *testing.T) {
	t.Parallel()

	r := NewResolver(ModeThreshold, 64)

	renamed, meta := r.Rename("github", "search")
	assert.Equal(t, "github__search", renamed)
	assert.Nil(t, meta)

	renamed, meta = r.Rename("notion", "search")
	assert.Equal(t, "notion__search", renamed)
	assert.Nil(t, meta)
}

func TestRenameDigestsOverlongNames(t *testing.T) {
	t.Parallel()

	r := NewResolver(ModeThreshold, 64)
	ns := "integrations.customer-extranet.v2"
	name := strings.Repeat("a", 80)

	renamed, meta := r.Rename(ns, name)

	require.Len(t, renamed, 12)
	_, err := hex.DecodeString(renamed)
	require.NoError(t, err)

	sum := sha256.Sum256([]byte(ns + Separator + name))
	assert.Equal(t, hex.EncodeToString(sum[:])[:12], renamed)

	require.NotNil(t, meta)
	assert.Equal(t, name, meta[MetaOriginalName])
	assert.Equal(t, ns, meta[MetaNamespace])
	assert.Equal(t, "sha256-12", meta[MetaAlgorithm])

	gotNS, gotName, err := r.ExtractFromName(renamed)
	require.NoError(t, err)
	assert.Equal(t, ns, gotNS)
	assert.Equal(t, name, gotName)
}

func TestRenameThresholdBoundary(t *testing.T) {
	t.Parallel()

	r := NewResolver(ModeThreshold, 64)

	// ns(2) + separator(2) + name(60) == 64: not over the threshold.
	atLimit, meta := r.Rename("ab", strings.Repeat("x", 60))
	assert.Equal(t, "ab"+Separator+strings.Repeat("x", 60), atLimit)
	assert.Nil(t, meta)

	over, meta := r.Rename("ab", strings.Repeat("x", 61))
	assert.Len(t, over, 12)
	assert.NotNil(t, meta)
}

func TestRenameModeAlways(t *testing.T) {
	t.Parallel()

	r := NewResolver(ModeAlways, 64)

	renamed, meta := r.Rename("github", "search")
	assert.Len(t, renamed, 12)
	require.NotNil(t, meta)

	ns, name, err := r.ExtractFromName(renamed)
	require.NoError(t, err)
	assert.Equal(t, "github", ns)
	assert.Equal(t, "search", name)
}

func TestRenameModeNever(t *testing.T) {
	t.Parallel()

	r := NewResolver(ModeNever, 64)

	name := strings.Repeat("a", 200)
	renamed, meta := r.Rename("github", name)
	assert.Equal(t, "github"+Separator+name, renamed)
	assert.Nil(t, meta)
}

func TestRoundTripAcrossModes(t *testing.T) {
	t.Parallel()

	pairs := []struct{ ns, name string }{
		{"github", "search"},
		{"fs", "read_file"},
		{"integrations.customer-extranet.v2", strings.Repeat("n", 80)},
		{"a", "tool__with__separators"},
	}

	for _, mode := range []Mode{ModeNever, ModeThreshold, ModeAlways} {
		r := NewResolver(mode, 64)
		for _, p := range pairs {
			renamed, _ := r.Rename(p.ns, p.name)
			ns, name, err := r.ExtractFromName(renamed)
			require.NoError(t, err, "mode %s pair %v", mode, p)
			assert.Equal(t, p.ns, ns)
			assert.Equal(t, p.name, name)
		}
	}
}

func TestExtractFromNameKeepsLaterSeparators(t *testing.T) {
	t.Parallel()

	r := NewResolver(ModeNever, 64)

	ns, name, err := r.ExtractFromName("github__issues__create")
	require.NoError(t, err)
	assert.Equal(t, "github", ns)
	assert.Equal(t, "issues__create", name)
}

func TestExtractFromNameFailsWithoutSeparator(t *testing.T) {
	t.Parallel()

	r := NewResolver(ModeThreshold, 64)

	_, _, err := r.ExtractFromName("search")
	assert.ErrorIs(t, err, ErrNoNamespace)

	_, _, err = r.ExtractFromName("__leading")
	assert.ErrorIs(t, err, ErrNoNamespace)
}

func TestSetModeClearsSideTable(t *testing.T) {
	t.Parallel()

	r := NewResolver(ModeAlways, 64)
	renamed, _ := r.Rename("github", "search")

	_, _, err := r.ExtractFromName(renamed)
	require.NoError(t, err)

	r.SetMode(ModeNever)
	_, _, err = r.ExtractFromName(renamed)
	assert.ErrorIs(t, err, ErrNoNamespace, "digest names are unreachable after the table is cleared")

	// Same mode again is a no-op and must not clear anything.
	r2 := NewResolver(ModeAlways, 64)
	renamed2, _ := r2.Rename("github", "search")
	r2.SetMode(ModeAlways)
	_, _, err = r2.ExtractFromName(renamed2)
	assert.NoError(t, err)
}

func TestDigestCollisionLastWins(t *testing.T) {
	t.Parallel()

	r := NewResolver(ModeAlways, 64)
	r.mu.Lock()
	r.record("abcdef012345", sideEntry{namespace: "github", original: "search"})
	r.record("abcdef012345", sideEntry{namespace: "notion", original: "query"})
	r.mu.Unlock()

	ns, name, err := r.ExtractFromName("abcdef012345")
	require.NoError(t, err)
	assert.Equal(t, "notion", ns)
	assert.Equal(t, "query", name)
}

func TestRenameURI(t *testing.T) {
	t.Parallel()

	r := NewResolver(ModeThreshold, 64)

	tests := []struct {
		name string
		ns   string
		uri  string
		want string
	}{
		{
			name: "plain uri",
			ns:   "github",
			uri:  "file:///repo/readme.md",
			want: "file:///repo/readme.md?namespace=github",
		},
		{
			name: "existing params preserved",
			ns:   "notion",
			uri:  "https://api.example.com/doc?page=2",
			want: "https://api.example.com/doc?namespace=notion&page=2",
		},
		{
			name: "unparseable falls back to raw append",
			ns:   "fs",
			uri:  "://not-a-uri",
			want: "://not-a-uri?namespace=fs",
		},
		{
			name: "uri template keeps braces verbatim",
			ns:   "github",
			uri:  "repo://owner/{path}",
			want: "repo://owner/{path}?namespace=github",
		},
		{
			name: "uri template with existing query",
			ns:   "github",
			uri:  "repo://owner/{path}?ref={ref}",
			want: "repo://owner/{path}?ref={ref}&namespace=github",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, r.RenameURI(tt.ns, tt.uri))
		})
	}
}

func TestExtractFromURI(t *testing.T) {
	t.Parallel()

	r := NewResolver(ModeThreshold, 64)

	ns, uri := r.ExtractFromURI("https://api.example.com/doc?namespace=notion&page=2")
	assert.Equal(t, "notion", ns)
	assert.Equal(t, "https://api.example.com/doc?page=2", uri)

	ns, uri = r.ExtractFromURI("file:///repo/readme.md")
	assert.Empty(t, ns)
	assert.Equal(t, "file:///repo/readme.md", uri)

	ns, uri = r.ExtractFromURI("://not-a-uri")
	assert.Empty(t, ns)
	assert.Equal(t, "://not-a-uri", uri)
}

func TestExtractFromURITemplate(t *testing.T) {
	t.Parallel()

	r := NewResolver(ModeThreshold, 64)

	tests := []struct {
		name    string
		uri     string
		wantNS  string
		wantURI string
	}{
		{
			name:    "tagged template",
			uri:     "repo://owner/{path}?namespace=github",
			wantNS:  "github",
			wantURI: "repo://owner/{path}",
		},
		{
			name:    "tagged template keeps other params",
			uri:     "repo://owner/{path}?ref={ref}&namespace=github",
			wantNS:  "github",
			wantURI: "repo://owner/{path}?ref={ref}",
		},
		{
			name:    "untagged template unchanged",
			uri:     "repo://owner/{path}?ref={ref}",
			wantNS:  "",
			wantURI: "repo://owner/{path}?ref={ref}",
		},
		{
			name:    "template without query unchanged",
			uri:     "repo://owner/{path}",
			wantNS:  "",
			wantURI: "repo://owner/{path}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ns, uri := r.ExtractFromURI(tt.uri)
			assert.Equal(t, tt.wantNS, ns)
			assert.Equal(t, tt.wantURI, uri)
		})
	}
}

func TestURITemplateRoundTrip(t *testing.T) {
	t.Parallel()

	r := NewResolver(ModeThreshold, 64)

	templates := []string{
		"repo://owner/{path}",
		"repo://owner/{path}?ref={ref}",
		"test://item/{id}",
	}
	for _, original := range templates {
		tagged := r.RenameURI("github", original)
		ns, stripped := r.ExtractFromURI(tagged)
		assert.Equal(t, "github", ns, "template %q", original)
		assert.Equal(t, original, stripped, "braces must survive verbatim")
	}
}

func TestURIRoundTrip(t *testing.T) {
	t.Parallel()

	r := NewResolver(ModeThreshold, 64)

	uris := []string{
		"file:///repo/readme.md",
		"https://api.example.com/doc?page=2&sort=asc",
		"custom-scheme://host/path",
	}
	for _, original := range uris {
		tagged := r.RenameURI("github", original)
		ns, stripped := r.ExtractFromURI(tagged)
		assert.Equal(t, "github", ns, "uri %q", original)

		// Path and non-namespace params survive the round trip.
		assert.NotContains(t, stripped, QueryParam+"=github")
		for _, fragment := range []string{"page=2", "sort=asc"} {
			if strings.Contains(original, fragment) {
				assert.Contains(t, stripped, fragment)
			}
		}
	}
}
