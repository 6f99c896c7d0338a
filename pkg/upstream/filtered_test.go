// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpbundle/mcpb/pkg/bundle"
	"github.com/mcpbundle/mcpb/pkg/namespace"
)

// fakeConnector is a scriptable Connector for decorator and pool tests.
type fakeConnector struct {
	namespace string
	connected bool

	tools     []Tool
	resources []Resource
	templates []ResourceTemplate
	prompts   []Prompt

	calledTool  string
	calledArgs  map[string]any
	readURI     string
	gotPrompt   string
	disconnects int

	disconnectErr error

	subscribed map[string]EventHandler
}

var _ Connector = (*fakeConnector)(nil)

func newFakeConnector(ns string) *fakeConnector {
	return &fakeConnector{namespace: ns, subscribed: make(map[string]EventHandler)}
}

func (f *fakeConnector) Connect(context.Context) error { f.connected = true; return nil }

func (f *fakeConnector) Disconnect(context.Context) error {
	f.disconnects++
	f.connected = false
	return f.disconnectErr
}

func (f *fakeConnector) Reconnect(context.Context) error { f.connected = true; return nil }
func (f *fakeConnector) IsConnected() bool               { return f.connected }
func (f *fakeConnector) Namespace() string               { return f.namespace }

func (f *fakeConnector) Capabilities() Capabilities {
	return Capabilities{
		Tools:             f.tools,
		Resources:         f.resources,
		ResourceTemplates: f.templates,
		Prompts:           f.prompts,
	}
}

func (f *fakeConnector) ListTools(context.Context) ([]Tool, error)         { return f.tools, nil }
func (f *fakeConnector) ListResources(context.Context) ([]Resource, error) { return f.resources, nil }

func (f *fakeConnector) ListResourceTemplates(context.Context) ([]ResourceTemplate, error) {
	return f.templates, nil
}

func (f *fakeConnector) ListPrompts(context.Context) ([]Prompt, error) { return f.prompts, nil }

func (f *fakeConnector) CallTool(_ context.Context, name string, args map[string]any, _ map[string]any) (*ToolCallResult, error) {
	f.calledTool = name
	f.calledArgs = args
	return &ToolCallResult{Content: []Content{{Type: "text", Text: "ok"}}}, nil
}

func (f *fakeConnector) ReadResource(_ context.Context, uri string) (*ResourceReadResult, error) {
	f.readURI = uri
	return &ResourceReadResult{Contents: []ResourceContents{{URI: uri, Text: "data"}}}, nil
}

func (f *fakeConnector) GetPrompt(_ context.Context, name string, _ map[string]any) (*PromptGetResult, error) {
	f.gotPrompt = name
	return &PromptGetResult{Description: "fake"}, nil
}

func (f *fakeConnector) Subscribe(key string, h EventHandler) { f.subscribed[key] = h }
func (f *fakeConnector) Unsubscribe(key string)               { delete(f.subscribed, key) }

func allowAll() *bundle.McpPermissions {
	p := bundle.AllowAll()
	return &p
}

func TestFilteredListToolsRenamesSurvivors(t *testing.T) {
	t.Parallel()

	fake := newFakeConnector("github")
	fake.tools = []Tool{
		{Name: "search_issues"},
		{Name: "delete_repo"},
	}

	fc := NewFilteredConnector(fake,
		&bundle.McpPermissions{AllowedTools: []string{"^search_.*$"}},
		namespace.NewResolver(namespace.ModeNever, 0),
	)

	tools, err := fc.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "github__search_issues", tools[0].Name)
}

func TestFilteredToolCollisionAcrossNamespaces(t *testing.T) {
	t.Parallel()

	// Two upstreams exposing the same tool name share one resolver; the
	// renamed catalog keeps them apart.
	resolver := namespace.NewResolver(namespace.ModeNever, 0)

	github := newFakeConnector("github")
	github.tools = []Tool{{Name: "search"}}
	notion := newFakeConnector("notion")
	notion.tools = []Tool{{Name: "search"}}

	fcGithub := NewFilteredConnector(github, allowAll(), resolver)
	fcNotion := NewFilteredConnector(notion, allowAll(), resolver)

	ghTools, err := fcGithub.ListTools(context.Background())
	require.NoError(t, err)
	ntTools, err := fcNotion.ListTools(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "github__search", ghTools[0].Name)
	assert.Equal(t, "notion__search", ntTools[0].Name)

	// Each renamed tool routes back to its own upstream only.
	_, err = fcGithub.CallTool(context.Background(), "github__search", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "search", github.calledTool)

	_, err = fcGithub.CallTool(context.Background(), "notion__search", nil, nil)
	assert.ErrorIs(t, err, bundle.ErrUnknownCapability)
}

func TestFilteredCallToolForwardsOriginalName(t *testing.T) {
	t.Parallel()

	fake := newFakeConnector("github")
	fc := NewFilteredConnector(fake, allowAll(), namespace.NewResolver(namespace.ModeNever, 0))

	args := map[string]any{"query": "is:open"}
	result, err := fc.CallTool(context.Background(), "github__search_issues", args, nil)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, "search_issues", fake.calledTool)
	assert.Equal(t, args, fake.calledArgs)
}

func TestFilteredCallToolDenied(t *testing.T) {
	t.Parallel()

	fake := newFakeConnector("github")
	fc := NewFilteredConnector(fake,
		&bundle.McpPermissions{AllowedTools: []string{"^read_.*$"}},
		namespace.NewResolver(namespace.ModeNever, 0),
	)

	_, err := fc.CallTool(context.Background(), "github__delete_repo", nil, nil)
	assert.ErrorIs(t, err, bundle.ErrPermissionDenied)
	assert.Empty(t, fake.calledTool, "denied calls must never reach the upstream")
}

func TestFilteredCallToolWithoutNamespace(t *testing.T) {
	t.Parallel()

	fake := newFakeConnector("github")
	fc := NewFilteredConnector(fake, allowAll(), namespace.NewResolver(namespace.ModeNever, 0))

	_, err := fc.CallTool(context.Background(), "search", nil, nil)
	assert.ErrorIs(t, err, bundle.ErrUnknownCapability)
}

func TestFilteredDigestNamesRoundTrip(t *testing.T) {
	t.Parallel()

	fake := newFakeConnector("github")
	fake.tools = []Tool{{Name: "search_issues"}}

	fc := NewFilteredConnector(fake, allowAll(), namespace.NewResolver(namespace.ModeAlways, 0))

	tools, err := fc.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)

	digest := tools[0].Name
	assert.Len(t, digest, 12)
	require.NotNil(t, tools[0].Meta)
	assert.Equal(t, "search_issues", tools[0].Meta[namespace.MetaOriginalName])
	assert.Equal(t, "github", tools[0].Meta[namespace.MetaNamespace])

	_, err = fc.CallTool(context.Background(), digest, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "search_issues", fake.calledTool)
}

func TestFilteredEmptyAllowListDeniesEverything(t *testing.T) {
	t.Parallel()

	fake := newFakeConnector("github")
	fake.tools = []Tool{{Name: "search"}}

	fc := NewFilteredConnector(fake,
		&bundle.McpPermissions{AllowedTools: []string{}},
		namespace.NewResolver(namespace.ModeNever, 0),
	)

	tools, err := fc.ListTools(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tools)

	_, err = fc.CallTool(context.Background(), "github__search", nil, nil)
	assert.ErrorIs(t, err, bundle.ErrPermissionDenied)
}

func TestFilteredNilPermissionsAllowEverything(t *testing.T) {
	t.Parallel()

	fake := newFakeConnector("github")
	fake.tools = []Tool{{Name: "anything"}}

	fc := NewFilteredConnector(fake, nil, namespace.NewResolver(namespace.ModeNever, 0))

	tools, err := fc.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "github__anything", tools[0].Name)
}

func TestFilteredResourcesTaggedAndRead(t *testing.T) {
	t.Parallel()

	fake := newFakeConnector("github")
	fake.resources = []Resource{
		{URI: "repo://docs/readme.md", Name: "Readme"},
		{URI: "repo://secrets/key.pem", Name: "Key"},
	}

	fc := NewFilteredConnector(fake,
		&bundle.McpPermissions{AllowedResources: []string{"^repo://docs/.*$"}},
		namespace.NewResolver(namespace.ModeNever, 0),
	)

	resources, err := fc.ListResources(context.Background())
	require.NoError(t, err)
	require.Len(t, resources, 1)
	assert.Equal(t, "repo://docs/readme.md?namespace=github", resources[0].URI)

	result, err := fc.ReadResource(context.Background(), resources[0].URI)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "repo://docs/readme.md", fake.readURI, "the namespace tag is stripped before the upstream sees the URI")

	_, err = fc.ReadResource(context.Background(), "repo://secrets/key.pem?namespace=github")
	assert.ErrorIs(t, err, bundle.ErrPermissionDenied)

	_, err = fc.ReadResource(context.Background(), "repo://docs/readme.md?namespace=notion")
	assert.ErrorIs(t, err, bundle.ErrUnknownCapability)
}

func TestFilteredResourceTemplates(t *testing.T) {
	t.Parallel()

	fake := newFakeConnector("github")
	fake.templates = []ResourceTemplate{
		{URITemplate: "repo://docs/{path}", Name: "Docs"},
		{URITemplate: "repo://secrets/{path}", Name: "Secrets"},
	}

	fc := NewFilteredConnector(fake,
		&bundle.McpPermissions{AllowedResources: []string{"^repo://docs/.*$"}},
		namespace.NewResolver(namespace.ModeNever, 0),
	)

	templates, err := fc.ListResourceTemplates(context.Background())
	require.NoError(t, err)
	require.Len(t, templates, 1)
	assert.Equal(t, "repo://docs/{path}?namespace=github", templates[0].URITemplate)
}

func TestFilteredPrompts(t *testing.T) {
	t.Parallel()

	fake := newFakeConnector("github")
	fake.prompts = []Prompt{
		{Name: "summarize_pr"},
		{Name: "draft_release"},
	}

	fc := NewFilteredConnector(fake,
		&bundle.McpPermissions{AllowedPrompts: []string{"summarize_pr"}},
		namespace.NewResolver(namespace.ModeNever, 0),
	)

	prompts, err := fc.ListPrompts(context.Background())
	require.NoError(t, err)
	require.Len(t, prompts, 1)
	assert.Equal(t, "github__summarize_pr", prompts[0].Name)

	_, err = fc.GetPrompt(context.Background(), "github__summarize_pr", nil)
	require.NoError(t, err)
	assert.Equal(t, "summarize_pr", fake.gotPrompt)

	_, err = fc.GetPrompt(context.Background(), "github__draft_release", nil)
	assert.ErrorIs(t, err, bundle.ErrPermissionDenied)
}

func TestFilteredCapabilitiesSnapshot(t *testing.T) {
	t.Parallel()

	fake := newFakeConnector("github")
	fake.tools = []Tool{{Name: "search"}, {Name: "admin_wipe"}}
	fake.resources = []Resource{{URI: "repo://docs/a.md"}}
	fake.prompts = []Prompt{{Name: "greet"}}

	fc := NewFilteredConnector(fake,
		&bundle.McpPermissions{
			AllowedTools:     []string{"search"},
			AllowedResources: []string{"*"},
			AllowedPrompts:   []string{},
		},
		namespace.NewResolver(namespace.ModeNever, 0),
	)

	caps := fc.Capabilities()
	require.Len(t, caps.Tools, 1)
	assert.Equal(t, "github__search", caps.Tools[0].Name)
	require.Len(t, caps.Resources, 1)
	assert.Equal(t, "repo://docs/a.md?namespace=github", caps.Resources[0].URI)
	assert.Empty(t, caps.Prompts)
}

func TestFilteredDelegatesLifecycleAndEvents(t *testing.T) {
	t.Parallel()

	fake := newFakeConnector("github")
	fc := NewFilteredConnector(fake, allowAll(), namespace.NewResolver(namespace.ModeNever, 0))

	require.NoError(t, fc.Connect(context.Background()))
	assert.True(t, fc.IsConnected())
	assert.Equal(t, "github", fc.Namespace())

	fc.Subscribe("session-1", func(Event) {})
	assert.Contains(t, fake.subscribed, "session-1")
	fc.Unsubscribe("session-1")
	assert.NotContains(t, fake.subscribed, "session-1")

	require.NoError(t, fc.Disconnect(context.Background()))
	assert.False(t, fc.IsConnected())
	assert.Equal(t, 1, fake.disconnects)
}

func TestFilteredListErrorsPropagate(t *testing.T) {
	t.Parallel()

	fc := NewFilteredConnector(
		&erroringConnector{fakeConnector: newFakeConnector("github")},
		allowAll(),
		namespace.NewResolver(namespace.ModeNever, 0),
	)

	_, err := fc.ListTools(context.Background())
	assert.ErrorIs(t, err, errUpstreamDown)
}

var errUpstreamDown = errors.New("upstream down")

type erroringConnector struct {
	*fakeConnector
}

func (*erroringConnector) ListTools(context.Context) ([]Tool, error) {
	return nil, errUpstreamDown
}
