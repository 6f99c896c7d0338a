// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/yosida95/uritemplate/v3"

	"github.com/mcpbundle/mcpb/pkg/bundle"
	"github.com/mcpbundle/mcpb/pkg/logger"
	"github.com/mcpbundle/mcpb/pkg/session"
	"github.com/mcpbundle/mcpb/pkg/upstream"
)

// injectCapabilities copies the session's aggregated catalog into the SDK
// session. The catalog is fixed for the session lifetime; upstream changes
// surface as list_changed notifications and clients re-initialize to pick
// them up.
//
// Prompts are the exception: the SDK has no per-session prompt
// registration, so the prompt surface is served directly from the gateway
// session by promptMiddleware.
func (s *Server) injectCapabilities(ctx context.Context, sess *session.Session) {
	id := sess.ID()

	tools, err := sess.ListTools(ctx)
	if err != nil {
		logger.Errorf("Session %s: aggregating tools: %v", id, err)
	} else if len(tools) > 0 {
		sdkTools, err := toSDKTools(sess, tools)
		if err != nil {
			logger.Errorf("Session %s: converting tools: %v", id, err)
		} else if err := s.mcpServer.AddSessionTools(id, sdkTools...); err != nil {
			logger.Errorf("Session %s: registering tools: %v", id, err)
		}
	}

	resources, err := sess.ListResources(ctx)
	if err != nil {
		logger.Errorf("Session %s: aggregating resources: %v", id, err)
	} else if len(resources) > 0 {
		if err := s.mcpServer.AddSessionResources(id, toSDKResources(sess, resources)...); err != nil {
			logger.Errorf("Session %s: registering resources: %v", id, err)
		}
	}

	templates, err := sess.ListResourceTemplates(ctx)
	if err != nil {
		logger.Errorf("Session %s: aggregating resource templates: %v", id, err)
	} else if len(templates) > 0 {
		if err := s.mcpServer.AddSessionResourceTemplates(id, toSDKResourceTemplates(sess, templates)...); err != nil {
			logger.Errorf("Session %s: registering resource templates: %v", id, err)
		}
	}
}

// toSDKTools converts aggregated tools into SDK registrations whose
// handlers route through the owning session. Names arrive already
// namespaced by the session's filtered connectors.
func toSDKTools(sess *session.Session, tools []upstream.Tool) ([]server.ServerTool, error) {
	out := make([]server.ServerTool, 0, len(tools))
	for _, t := range tools {
		sdkTool := mcp.Tool{
			Name:        t.Name,
			Description: t.Description,
		}
		if t.InputSchema != nil {
			raw, err := json.Marshal(t.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("marshal input schema of tool %q: %w", t.Name, err)
			}
			sdkTool.RawInputSchema = raw
		}
		// Digest-renamed tools carry their provenance (original name,
		// namespace, algorithm) in _meta.
		sdkTool.Meta = upstream.ToMCPMeta(t.Meta)
		out = append(out, server.ServerTool{Tool: sdkTool, Handler: toolHandler(sess)})
	}
	return out, nil
}

// toSDKResources converts aggregated resources into SDK registrations.
// URIs arrive already tagged with the owning namespace.
func toSDKResources(sess *session.Session, resources []upstream.Resource) []server.ServerResource {
	out := make([]server.ServerResource, 0, len(resources))
	for _, r := range resources {
		out = append(out, server.ServerResource{
			Resource: mcp.Resource{
				URI:         r.URI,
				Name:        r.Name,
				Description: r.Description,
				MIMEType:    r.MimeType,
				Meta:        upstream.ToMCPMeta(r.Meta),
			},
			Handler: resourceHandler(sess),
		})
	}
	return out
}

// toSDKResourceTemplates converts aggregated resource templates into SDK
// registrations. URI templates arrive already tagged with the owning
// namespace; ones that do not parse as RFC 6570 are skipped rather than
// failing the whole catalog.
func toSDKResourceTemplates(sess *session.Session, templates []upstream.ResourceTemplate) []server.ServerResourceTemplate {
	out := make([]server.ServerResourceTemplate, 0, len(templates))
	for _, t := range templates {
		parsed, err := uritemplate.New(t.URITemplate)
		if err != nil {
			logger.Warnf("Session %s: skipping resource template %q with unparseable URI template %q: %v",
				sess.ID(), t.Name, t.URITemplate, err)
			continue
		}
		out = append(out, server.ServerResourceTemplate{
			Template: mcp.ResourceTemplate{
				URITemplate: &mcp.URITemplate{Template: parsed},
				Name:        t.Name,
				Description: t.Description,
				MIMEType:    t.MimeType,
				Meta:        upstream.ToMCPMeta(t.Meta),
			},
			Handler: resourceHandler(sess),
		})
	}
	return out
}

// toSDKPrompts converts aggregated prompts into their SDK declarations for
// the gateway-served prompts/list response.
func toSDKPrompts(prompts []upstream.Prompt) []mcp.Prompt {
	out := make([]mcp.Prompt, 0, len(prompts))
	for _, p := range prompts {
		sdk := mcp.Prompt{
			Name:        p.Name,
			Description: p.Description,
			Meta:        upstream.ToMCPMeta(p.Meta),
		}
		for _, a := range p.Arguments {
			sdk.Arguments = append(sdk.Arguments, mcp.PromptArgument{
				Name:        a.Name,
				Description: a.Description,
				Required:    a.Required,
			})
		}
		out = append(out, sdk)
	}
	return out
}

// toolHandler routes a tool call through the session. Execution failures
// come back as tool error results; a vanished capability or a closed
// session is a protocol-level error.
func toolHandler(sess *session.Session) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name := request.Params.Name

		var args map[string]any
		if request.Params.Arguments != nil {
			m, ok := request.Params.Arguments.(map[string]any)
			if !ok {
				return mcp.NewToolResultError(fmt.Sprintf("arguments must be an object, got %T", request.Params.Arguments)), nil
			}
			args = m
		}

		result, err := sess.CallTool(ctx, name, args, upstream.MetaFromMCP(request.Params.Meta))
		if err != nil {
			if errors.Is(err, bundle.ErrUnknownCapability) || errors.Is(err, bundle.ErrSessionClosed) {
				return nil, err
			}
			logger.Warnf("Session %s: tool %q failed: %v", sess.ID(), name, err)
			return mcp.NewToolResultError(err.Error()), nil
		}

		return &mcp.CallToolResult{
			Result: mcp.Result{
				Meta: upstream.ToMCPMeta(result.Meta),
			},
			Content:           upstream.ToMCPContents(result.Content),
			StructuredContent: result.StructuredContent,
			IsError:           result.IsError,
		}, nil
	}
}

// resourceHandler routes a resource read through the session. The SDK
// handler signature has no result-level error channel, so every failure is
// a protocol-level error.
func resourceHandler(sess *session.Session) func(context.Context, mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		result, err := sess.ReadResource(ctx, request.Params.URI)
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", request.Params.URI, err)
		}
		return upstream.ToMCPResourceContents(result.Contents), nil
	}
}
