// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// maxNamespaceLen bounds namespace length; the renaming scheme needs room
// for the namespace, the separator, and the capability name.
const maxNamespaceLen = 64

// namespacePattern admits an alphanumeric first character followed by
// alphanumerics, underscore, dot, or dash. The double-underscore exclusion
// is checked separately: `__` is the namespace/name separator and may not
// appear inside a namespace.
var namespacePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// ValidateNamespace checks an Mcp namespace against the naming schema.
func ValidateNamespace(ns string) error {
	if ns == "" {
		return NewFieldError("namespace", "must not be empty")
	}
	if len(ns) > maxNamespaceLen {
		return NewFieldError("namespace", "must be at most 64 characters")
	}
	if strings.Contains(ns, "__") {
		return NewFieldError("namespace", "must not contain the separator `__`")
	}
	if !namespacePattern.MatchString(ns) {
		return NewFieldError("namespace", "must start with an alphanumeric and contain only alphanumerics, `_`, `.`, or `-`")
	}
	return nil
}

// ValidateURL checks that an upstream URL parses and is http(s).
func ValidateURL(raw string) error {
	if raw == "" {
		return NewFieldError("url", "must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return NewFieldError("url", "must be a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return NewFieldError("url", "scheme must be http or https")
	}
	if u.Host == "" {
		return NewFieldError("url", "must include a host")
	}
	return nil
}

// ValidatePermissions checks that every allow-list pattern is either the
// wildcard `*` or compilable as an anchored regular expression. The
// runtime filter skips patterns it cannot compile, so they must be
// rejected before they are persisted.
func ValidatePermissions(p McpPermissions) error {
	if err := validatePatterns("permissions.allowedTools", p.AllowedTools); err != nil {
		return err
	}
	if err := validatePatterns("permissions.allowedResources", p.AllowedResources); err != nil {
		return err
	}
	return validatePatterns("permissions.allowedPrompts", p.AllowedPrompts)
}

func validatePatterns(field string, patterns []string) error {
	for _, pattern := range patterns {
		if pattern == "*" {
			continue
		}
		if _, err := regexp.Compile("^(?:" + pattern + ")$"); err != nil {
			return NewFieldError(field, fmt.Sprintf("pattern %q is not a valid regular expression", pattern))
		}
	}
	return nil
}

// Validate checks the invariants of an Mcp definition.
func (m *Mcp) Validate() error {
	if err := ValidateNamespace(m.Namespace); err != nil {
		return err
	}
	if err := ValidateURL(m.URL); err != nil {
		return err
	}
	if !m.Transport.Valid() {
		return NewFieldError("transport", "must be streamable-http or sse")
	}
	if !m.AuthStrategy.Valid() {
		return NewFieldError("authStrategy", "must be NONE, MASTER, or USER_SET")
	}
	return nil
}
