// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

// Package namespace renames upstream capabilities so several MCP servers
// can share one client-visible catalog, and reverses the renaming when a
// client calls back in.
//
// Tools and prompts are renamed by joining namespace and original name
// with `__`. When the joined form grows past a threshold, or when the
// resolver runs in ModeAlways, the name is replaced by a 12-hex-char
// digest and the original pair is kept in a side table for reverse
// lookup. Resources keep their URI and gain a `namespace` query
// parameter instead.
package namespace

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/mcpbundle/mcpb/pkg/logger"
)

// Mode selects when renamed capabilities fall back to digest names.
type Mode string

const (
	// ModeNever always uses the joined `ns__name` form, however long.
	ModeNever Mode = "NEVER"
	// ModeThreshold digests only names whose joined form exceeds the
	// resolver's threshold.
	ModeThreshold Mode = "THRESHOLD"
	// ModeAlways digests every renamed capability.
	ModeAlways Mode = "ALWAYS"
)

// Valid reports whether m is one of the three defined modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeNever, ModeThreshold, ModeAlways:
		return true
	}
	return false
}

const (
	// Separator joins a namespace and an original capability name. A
	// namespace may not contain it, so the first occurrence always
	// marks the boundary.
	Separator = "__"

	// DefaultThreshold is the joined-name length beyond which
	// ModeThreshold digests the name.
	DefaultThreshold = 64

	// QueryParam carries the namespace on resource URIs.
	QueryParam = "namespace"

	// digestLen is the number of hex characters kept from the SHA-256
	// digest of the joined name.
	digestLen = 12

	// digestAlgorithm identifies the renaming scheme in capability
	// metadata.
	digestAlgorithm = "sha256-12"
)

// Metadata keys recorded on digest-renamed capabilities.
const (
	MetaOriginalName = "originalName"
	MetaNamespace    = "namespace"
	MetaAlgorithm    = "algorithm"
)

// ErrNoNamespace indicates a capability name that carries no namespace:
// it is not in the digest side table and contains no separator.
var ErrNoNamespace = errors.New("name carries no namespace")

type sideEntry struct {
	namespace string
	original  string
}

// Resolver renames capabilities for one catalog and reverses the
// renaming. Safe for concurrent use.
type Resolver struct {
	mu        sync.RWMutex
	mode      Mode
	threshold int
	sideTable map[string]sideEntry
}

// NewResolver builds a resolver. A non-positive threshold selects
// DefaultThreshold; an unknown mode falls back to ModeThreshold.
func NewResolver(mode Mode, threshold int) *Resolver {
	if !mode.Valid() {
		mode = ModeThreshold
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Resolver{
		mode:      mode,
		threshold: threshold,
		sideTable: make(map[string]sideEntry),
	}
}

// Mode returns the active renaming mode.
func (r *Resolver) Mode() Mode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mode
}

// SetMode switches the renaming mode and clears the side table, since
// entries recorded under the old mode may no longer be reachable.
func (r *Resolver) SetMode(mode Mode) {
	if !mode.Valid() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if mode == r.mode {
		return
	}
	r.mode = mode
	r.sideTable = make(map[string]sideEntry)
}

// Rename maps a tool or prompt name into the shared catalog. When the
// digest fallback applies it returns metadata recording the original
// name, the namespace, and the algorithm; otherwise meta is nil.
func (r *Resolver) Rename(namespace, name string) (renamed string, meta map[string]any) {
	joined := namespace + Separator + name

	r.mu.Lock()
	defer r.mu.Unlock()

	digest := r.mode == ModeAlways || (r.mode == ModeThreshold && len(joined) > r.threshold)
	if !digest {
		return joined, nil
	}

	sum := sha256.Sum256([]byte(joined))
	renamed = hex.EncodeToString(sum[:])[:digestLen]
	r.record(renamed, sideEntry{namespace: namespace, original: name})

	return renamed, map[string]any{
		MetaOriginalName: name,
		MetaNamespace:    namespace,
		MetaAlgorithm:    digestAlgorithm,
	}
}

// record stores a reverse mapping. A 48-bit digest prefix can collide
// across distinct pairs; collisions are logged and the newest mapping
// wins.
func (r *Resolver) record(renamed string, e sideEntry) {
	if prev, ok := r.sideTable[renamed]; ok && prev != e {
		logger.Warnf("capability digest collision on %q: %s%s%s replaces %s%s%s",
			renamed, e.namespace, Separator, e.original, prev.namespace, Separator, prev.original)
	}
	r.sideTable[renamed] = e
}

// RenameURI tags a resource URI with its namespace, preserving existing
// query parameters. URI templates (anything carrying brace expressions)
// and URIs that do not parse get the parameter appended textually, since
// url.Parse would percent-encode the braces.
func (*Resolver) RenameURI(namespace, uri string) string {
	if strings.ContainsAny(uri, "{}") {
		sep := "?"
		if strings.Contains(uri, "?") {
			sep = "&"
		}
		return uri + sep + QueryParam + "=" + namespace
	}
	u, err := url.Parse(uri)
	if err != nil {
		return uri + "?" + QueryParam + "=" + namespace
	}
	q := u.Query()
	q.Set(QueryParam, namespace)
	u.RawQuery = q.Encode()
	return u.String()
}

// ExtractFromName reverses Rename. Digest names resolve through the
// side table; joined names split on the first separator, the remainder
// keeping any further separators. Names carrying neither fail with
// ErrNoNamespace.
func (r *Resolver) ExtractFromName(s string) (namespace, name string, err error) {
	r.mu.RLock()
	e, ok := r.sideTable[s]
	r.mu.RUnlock()
	if ok {
		return e.namespace, e.original, nil
	}

	ns, rest, found := strings.Cut(s, Separator)
	if !found || ns == "" {
		return "", "", fmt.Errorf("%w: %q", ErrNoNamespace, s)
	}
	return ns, rest, nil
}

// ExtractFromURI reverses RenameURI: it reads and strips the namespace
// parameter and returns the remaining URI. Unparseable URIs, and URIs
// without the parameter, come back unchanged with an empty namespace.
// URI templates keep the textual path of RenameURI, since a parse and
// re-serialize would percent-encode their brace expressions.
func (*Resolver) ExtractFromURI(uri string) (namespace, stripped string) {
	if strings.ContainsAny(uri, "{}") {
		return extractTextual(uri)
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", uri
	}
	q := u.Query()
	namespace = q.Get(QueryParam)
	if namespace == "" {
		return "", uri
	}
	q.Del(QueryParam)
	u.RawQuery = q.Encode()
	return namespace, u.String()
}

// extractTextual strips the namespace parameter without parsing the URI,
// mirroring the textual append of RenameURI.
func extractTextual(uri string) (namespace, stripped string) {
	base, query, found := strings.Cut(uri, "?")
	if !found {
		return "", uri
	}
	params := strings.Split(query, "&")
	kept := params[:0]
	for _, p := range params {
		if v, ok := strings.CutPrefix(p, QueryParam+"="); ok {
			namespace = v
			continue
		}
		kept = append(kept, p)
	}
	if namespace == "" {
		return "", uri
	}
	if len(kept) == 0 {
		return namespace, base
	}
	return namespace, base + "?" + strings.Join(kept, "&")
}
