// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

// Package permissions filters capability names against per-MCP
// allow-lists. A filter is built once per bundle entry and consulted as
// a pure predicate; it never mutates its configuration.
package permissions

import (
	"regexp"

	"github.com/mcpbundle/mcpb/pkg/bundle"
	"github.com/mcpbundle/mcpb/pkg/logger"
)

// Filter answers whether a bundle entry exposes a given tool, resource,
// or prompt. Patterns compile once at construction.
type Filter struct {
	tools     patternSet
	resources patternSet
	prompts   patternSet
}

// New builds a filter from an entry's permissions. A nil perms allows
// everything; that form is reserved for internal contexts, management
// surfaces never persist it.
func New(perms *bundle.McpPermissions) *Filter {
	if perms == nil {
		return &Filter{
			tools:     patternSet{allowAll: true},
			resources: patternSet{allowAll: true},
			prompts:   patternSet{allowAll: true},
		}
	}
	return &Filter{
		tools:     newPatternSet(perms.AllowedTools),
		resources: newPatternSet(perms.AllowedResources),
		prompts:   newPatternSet(perms.AllowedPrompts),
	}
}

// IsToolAllowed reports whether the entry exposes the named tool.
func (f *Filter) IsToolAllowed(name string) bool {
	return f.tools.allows(name)
}

// IsResourceAllowed reports whether the entry exposes the named
// resource. Resources are matched by URI.
func (f *Filter) IsResourceAllowed(uri string) bool {
	return f.resources.allows(uri)
}

// IsPromptAllowed reports whether the entry exposes the named prompt.
func (f *Filter) IsPromptAllowed(name string) bool {
	return f.prompts.allows(name)
}

// patternSet holds one allow-list in matchable form.
//
// A nil pattern slice means the list was absent and everything is
// allowed; an empty non-nil slice denies everything. The distinction
// mirrors the stored JSON: a missing field decodes to nil, an explicit
// `[]` to an empty slice.
type patternSet struct {
	allowAll bool
	exact    map[string]struct{}
	compiled []*regexp.Regexp
}

func newPatternSet(patterns []string) patternSet {
	if patterns == nil {
		return patternSet{allowAll: true}
	}

	s := patternSet{exact: make(map[string]struct{}, len(patterns))}
	for _, p := range patterns {
		if p == "*" {
			return patternSet{allowAll: true}
		}
		s.exact[p] = struct{}{}

		// Uncompilable patterns still participate in exact matching
		// but never match as regexps.
		re, err := regexp.Compile("^(?:" + p + ")$")
		if err != nil {
			logger.Warnf("Skipping uncompilable permission pattern %q: %v", p, err)
			continue
		}
		s.compiled = append(s.compiled, re)
	}
	return s
}

func (s *patternSet) allows(name string) bool {
	if s.allowAll {
		return true
	}
	if _, ok := s.exact[name]; ok {
		return true
	}
	for _, re := range s.compiled {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}
