// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"maps"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcpbundle/mcpb/pkg/logger"
)

// toolsFromMCP converts SDK tools to domain tools.
func toolsFromMCP(in []mcp.Tool) []Tool {
	out := make([]Tool, len(in))
	for i, t := range in {
		out[i] = Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schemaFromMCP(t.InputSchema),
		}
	}
	return out
}

// schemaFromMCP flattens the SDK's typed input schema into a plain
// JSON-schema map.
func schemaFromMCP(s mcp.ToolInputSchema) map[string]any {
	schema := map[string]any{"type": s.Type}
	if s.Properties != nil {
		schema["properties"] = s.Properties
	}
	if len(s.Required) > 0 {
		schema["required"] = s.Required
	}
	if s.Defs != nil {
		schema["$defs"] = s.Defs
	}
	return schema
}

func resourcesFromMCP(in []mcp.Resource) []Resource {
	out := make([]Resource, len(in))
	for i, r := range in {
		out[i] = Resource{
			URI:         r.URI,
			Name:        r.Name,
			Description: r.Description,
			MimeType:    r.MIMEType,
		}
	}
	return out
}

func templatesFromMCP(in []mcp.ResourceTemplate) []ResourceTemplate {
	out := make([]ResourceTemplate, len(in))
	for i, rt := range in {
		var raw string
		if rt.URITemplate != nil {
			raw = rt.URITemplate.Raw()
		}
		out[i] = ResourceTemplate{
			URITemplate: raw,
			Name:        rt.Name,
			Description: rt.Description,
			MimeType:    rt.MIMEType,
		}
	}
	return out
}

func promptsFromMCP(in []mcp.Prompt) []Prompt {
	out := make([]Prompt, len(in))
	for i, p := range in {
		args := make([]PromptArgument, len(p.Arguments))
		for j, a := range p.Arguments {
			args[j] = PromptArgument{
				Name:        a.Name,
				Description: a.Description,
				Required:    a.Required,
			}
		}
		out[i] = Prompt{
			Name:        p.Name,
			Description: p.Description,
			Arguments:   args,
		}
	}
	return out
}

// contentFromMCP converts one SDK content element, preserving text, image,
// and audio payloads. Unknown content types degrade to an empty "unknown"
// element rather than failing the whole result.
func contentFromMCP(content mcp.Content) Content {
	if text, ok := mcp.AsTextContent(content); ok {
		return Content{Type: "text", Text: text.Text}
	}
	if image, ok := mcp.AsImageContent(content); ok {
		return Content{Type: "image", Data: image.Data, MimeType: image.MIMEType}
	}
	if audio, ok := mcp.AsAudioContent(content); ok {
		return Content{Type: "audio", Data: audio.Data, MimeType: audio.MIMEType}
	}
	logger.Warnf("Unknown MCP content type %T, passing through as unknown", content)
	return Content{Type: "unknown"}
}

func contentsFromMCP(in []mcp.Content) []Content {
	out := make([]Content, len(in))
	for i, c := range in {
		out[i] = contentFromMCP(c)
	}
	return out
}

// ToMCPContents converts domain content back to SDK content for serving
// results to gateway clients.
func ToMCPContents(in []Content) []mcp.Content {
	out := make([]mcp.Content, len(in))
	for i, c := range in {
		switch c.Type {
		case "image":
			out[i] = mcp.NewImageContent(c.Data, c.MimeType)
		case "audio":
			out[i] = mcp.NewAudioContent(c.Data, c.MimeType)
		default:
			out[i] = mcp.NewTextContent(c.Text)
		}
	}
	return out
}

func resourceContentsFromMCP(in []mcp.ResourceContents) []ResourceContents {
	out := make([]ResourceContents, 0, len(in))
	for _, c := range in {
		if text, ok := mcp.AsTextResourceContents(c); ok {
			out = append(out, ResourceContents{
				URI:      text.URI,
				MimeType: text.MIMEType,
				Text:     text.Text,
			})
			continue
		}
		if blob, ok := mcp.AsBlobResourceContents(c); ok {
			out = append(out, ResourceContents{
				URI:      blob.URI,
				MimeType: blob.MIMEType,
				Blob:     blob.Blob,
			})
			continue
		}
		logger.Warnf("Unknown MCP resource contents type %T, skipping", c)
	}
	return out
}

// ToMCPResourceContents converts domain resource contents back to SDK form.
func ToMCPResourceContents(in []ResourceContents) []mcp.ResourceContents {
	out := make([]mcp.ResourceContents, len(in))
	for i, c := range in {
		if c.Blob != "" {
			out[i] = mcp.BlobResourceContents{URI: c.URI, MIMEType: c.MimeType, Blob: c.Blob}
			continue
		}
		out[i] = mcp.TextResourceContents{URI: c.URI, MIMEType: c.MimeType, Text: c.Text}
	}
	return out
}

func promptMessagesFromMCP(in []mcp.PromptMessage) []PromptMessage {
	out := make([]PromptMessage, len(in))
	for i, m := range in {
		out[i] = PromptMessage{
			Role:    string(m.Role),
			Content: contentFromMCP(m.Content),
		}
	}
	return out
}

// ToMCPPromptMessages converts domain prompt messages back to SDK form.
func ToMCPPromptMessages(in []PromptMessage) []mcp.PromptMessage {
	out := make([]mcp.PromptMessage, len(in))
	for i, m := range in {
		mcpContent := ToMCPContents([]Content{m.Content})
		out[i] = mcp.PromptMessage{
			Role:    mcp.Role(m.Role),
			Content: mcpContent[0],
		}
	}
	return out
}

// MetaFromMCP flattens the SDK _meta carrier into a plain map, or nil when
// there is nothing to preserve.
func MetaFromMCP(meta *mcp.Meta) map[string]any {
	if meta == nil {
		return nil
	}
	result := make(map[string]any)
	if meta.ProgressToken != nil {
		result["progressToken"] = meta.ProgressToken
	}
	maps.Copy(result, meta.AdditionalFields)
	if len(result) == 0 {
		return nil
	}
	return result
}

// ToMCPMeta reconstructs the SDK _meta carrier from a plain map, or nil when
// the map is empty.
func ToMCPMeta(meta map[string]any) *mcp.Meta {
	if len(meta) == 0 {
		return nil
	}
	result := &mcp.Meta{AdditionalFields: make(map[string]any)}
	for k, v := range meta {
		if k == "progressToken" {
			result.ProgressToken = v
		} else {
			result.AdditionalFields[k] = v
		}
	}
	return result
}
