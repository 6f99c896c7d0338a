// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"fmt"

	"github.com/mcpbundle/mcpb/pkg/bundle"
	"github.com/mcpbundle/mcpb/pkg/namespace"
	"github.com/mcpbundle/mcpb/pkg/permissions"
)

// FilteredConnector decorates a Connector with the bundle entry's
// permission filter and the session's namespace renaming. Listings drop
// capabilities the filter rejects and rename survivors; invocations reverse
// the rename, enforce the filter on the original name, and forward it.
type FilteredConnector struct {
	delegate Connector
	filter   *permissions.Filter
	resolver *namespace.Resolver
}

var _ Connector = (*FilteredConnector)(nil)

// NewFilteredConnector wraps delegate with perms and the session resolver.
func NewFilteredConnector(
	delegate Connector,
	perms *bundle.McpPermissions,
	resolver *namespace.Resolver,
) *FilteredConnector {
	return &FilteredConnector{
		delegate: delegate,
		filter:   permissions.New(perms),
		resolver: resolver,
	}
}

func (f *FilteredConnector) Connect(ctx context.Context) error    { return f.delegate.Connect(ctx) }
func (f *FilteredConnector) Disconnect(ctx context.Context) error { return f.delegate.Disconnect(ctx) }
func (f *FilteredConnector) Reconnect(ctx context.Context) error  { return f.delegate.Reconnect(ctx) }
func (f *FilteredConnector) IsConnected() bool                    { return f.delegate.IsConnected() }
func (f *FilteredConnector) Namespace() string                    { return f.delegate.Namespace() }

func (f *FilteredConnector) Subscribe(key string, h EventHandler) { f.delegate.Subscribe(key, h) }
func (f *FilteredConnector) Unsubscribe(key string)               { f.delegate.Unsubscribe(key) }

// Capabilities returns the delegate's snapshot with the filter and rename
// applied, so no denied capability leaks through the decorator.
func (f *FilteredConnector) Capabilities() Capabilities {
	caps := f.delegate.Capabilities()
	return Capabilities{
		Tools:             f.filterTools(caps.Tools),
		Resources:         f.filterResources(caps.Resources),
		ResourceTemplates: f.filterTemplates(caps.ResourceTemplates),
		Prompts:           f.filterPrompts(caps.Prompts),
	}
}

func (f *FilteredConnector) ListTools(ctx context.Context) ([]Tool, error) {
	tools, err := f.delegate.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	return f.filterTools(tools), nil
}

func (f *FilteredConnector) filterTools(tools []Tool) []Tool {
	ns := f.delegate.Namespace()
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		if !f.filter.IsToolAllowed(t.Name) {
			continue
		}
		renamed, meta := f.resolver.Rename(ns, t.Name)
		t.Name = renamed
		if meta != nil {
			t.Meta = meta
		}
		out = append(out, t)
	}
	return out
}

func (f *FilteredConnector) ListResources(ctx context.Context) ([]Resource, error) {
	resources, err := f.delegate.ListResources(ctx)
	if err != nil {
		return nil, err
	}
	return f.filterResources(resources), nil
}

func (f *FilteredConnector) filterResources(resources []Resource) []Resource {
	ns := f.delegate.Namespace()
	out := make([]Resource, 0, len(resources))
	for _, r := range resources {
		if !f.filter.IsResourceAllowed(r.URI) {
			continue
		}
		r.URI = f.resolver.RenameURI(ns, r.URI)
		out = append(out, r)
	}
	return out
}

func (f *FilteredConnector) ListResourceTemplates(ctx context.Context) ([]ResourceTemplate, error) {
	templates, err := f.delegate.ListResourceTemplates(ctx)
	if err != nil {
		return nil, err
	}
	return f.filterTemplates(templates), nil
}

func (f *FilteredConnector) filterTemplates(templates []ResourceTemplate) []ResourceTemplate {
	ns := f.delegate.Namespace()
	out := make([]ResourceTemplate, 0, len(templates))
	for _, rt := range templates {
		if !f.filter.IsResourceAllowed(rt.URITemplate) {
			continue
		}
		rt.URITemplate = f.resolver.RenameURI(ns, rt.URITemplate)
		out = append(out, rt)
	}
	return out
}

func (f *FilteredConnector) ListPrompts(ctx context.Context) ([]Prompt, error) {
	prompts, err := f.delegate.ListPrompts(ctx)
	if err != nil {
		return nil, err
	}
	return f.filterPrompts(prompts), nil
}

func (f *FilteredConnector) filterPrompts(prompts []Prompt) []Prompt {
	ns := f.delegate.Namespace()
	out := make([]Prompt, 0, len(prompts))
	for _, p := range prompts {
		if !f.filter.IsPromptAllowed(p.Name) {
			continue
		}
		renamed, meta := f.resolver.Rename(ns, p.Name)
		p.Name = renamed
		if meta != nil {
			p.Meta = meta
		}
		out = append(out, p)
	}
	return out
}

func (f *FilteredConnector) CallTool(
	ctx context.Context,
	name string,
	args map[string]any,
	meta map[string]any,
) (*ToolCallResult, error) {
	original, err := f.extractName(name)
	if err != nil {
		return nil, err
	}
	if !f.filter.IsToolAllowed(original) {
		return nil, fmt.Errorf("tool %q: %w", name, bundle.ErrPermissionDenied)
	}
	return f.delegate.CallTool(ctx, original, args, meta)
}

func (f *FilteredConnector) ReadResource(ctx context.Context, uri string) (*ResourceReadResult, error) {
	ns, original := f.resolver.ExtractFromURI(uri)
	if ns != "" && ns != f.delegate.Namespace() {
		return nil, fmt.Errorf("resource %q does not belong to upstream %q: %w",
			uri, f.delegate.Namespace(), bundle.ErrUnknownCapability)
	}
	if !f.filter.IsResourceAllowed(original) {
		return nil, fmt.Errorf("resource %q: %w", uri, bundle.ErrPermissionDenied)
	}
	return f.delegate.ReadResource(ctx, original)
}

func (f *FilteredConnector) GetPrompt(
	ctx context.Context,
	name string,
	args map[string]any,
) (*PromptGetResult, error) {
	original, err := f.extractName(name)
	if err != nil {
		return nil, err
	}
	if !f.filter.IsPromptAllowed(original) {
		return nil, fmt.Errorf("prompt %q: %w", name, bundle.ErrPermissionDenied)
	}
	return f.delegate.GetPrompt(ctx, original, args)
}

// extractName reverses the session-facing rename of a tool or prompt name
// and verifies it addresses this connector's namespace.
func (f *FilteredConnector) extractName(name string) (string, error) {
	ns, original, err := f.resolver.ExtractFromName(name)
	if err != nil {
		return "", fmt.Errorf("capability %q: %w", name, bundle.ErrUnknownCapability)
	}
	if ns != f.delegate.Namespace() {
		return "", fmt.Errorf("capability %q does not belong to upstream %q: %w",
			name, f.delegate.Namespace(), bundle.ErrUnknownCapability)
	}
	return original, nil
}
