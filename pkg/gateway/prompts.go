// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tidwall/gjson"

	"github.com/mcpbundle/mcpb/pkg/bundle"
	"github.com/mcpbundle/mcpb/pkg/logger"
	"github.com/mcpbundle/mcpb/pkg/session"
	"github.com/mcpbundle/mcpb/pkg/upstream"
)

// promptMiddleware serves prompts/list and prompts/get for established
// sessions directly from the owning gateway session. The SDK registers
// tools and resources per session but has no equivalent for prompts, so
// the gateway answers the prompt surface itself and delegates everything
// else. Requests whose session id is not in the registry pass through for
// the SDK's own session handling.
func (s *Server) promptMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sid := r.Header.Get(sessionHeader)
		if r.Method != http.MethodPost || sid == "" {
			next.ServeHTTP(w, r)
			return
		}

		body, ok := bufferBody(w, r)
		if !ok {
			return
		}

		method := gjson.GetBytes(body, "method").String()
		if method != string(mcp.MethodPromptsList) && method != string(mcp.MethodPromptsGet) {
			next.ServeHTTP(w, r)
			return
		}

		sess, ok := s.registry.Get(sid)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		var id mcp.RequestId
		if raw := gjson.GetBytes(body, "id").Raw; raw != "" {
			if err := id.UnmarshalJSON([]byte(raw)); err != nil {
				writeRPC(w, mcp.NewJSONRPCError(id, mcp.INVALID_REQUEST, "invalid request id", nil))
				return
			}
		}

		switch method {
		case string(mcp.MethodPromptsList):
			s.servePromptList(w, r, sess, id)
		case string(mcp.MethodPromptsGet):
			s.servePromptGet(w, r, sess, id, body)
		}
	})
}

// servePromptList answers prompts/list with the session's aggregated
// prompt catalog.
func (s *Server) servePromptList(w http.ResponseWriter, r *http.Request, sess *session.Session, id mcp.RequestId) {
	prompts, err := sess.ListPrompts(r.Context())
	if err != nil {
		writeRPC(w, promptError(id, err))
		return
	}
	writeRPC(w, mcp.NewJSONRPCResultResponse(id, mcp.ListPromptsResult{
		Prompts: toSDKPrompts(prompts),
	}))
}

// servePromptGet routes prompts/get through the session to the owning
// upstream.
func (s *Server) servePromptGet(w http.ResponseWriter, r *http.Request, sess *session.Session, id mcp.RequestId, body []byte) {
	name := gjson.GetBytes(body, "params.name").String()
	if name == "" {
		writeRPC(w, mcp.NewJSONRPCError(id, mcp.INVALID_PARAMS, "params.name is required", nil))
		return
	}

	var args map[string]any
	if params := gjson.GetBytes(body, "params.arguments"); params.IsObject() {
		args = make(map[string]any)
		params.ForEach(func(k, v gjson.Result) bool {
			args[k.String()] = v.Value()
			return true
		})
	}

	result, err := sess.GetPrompt(r.Context(), name, args)
	if err != nil {
		writeRPC(w, promptError(id, err))
		return
	}

	writeRPC(w, mcp.NewJSONRPCResultResponse(id, mcp.GetPromptResult{
		Result: mcp.Result{
			Meta: upstream.ToMCPMeta(result.Meta),
		},
		Description: result.Description,
		Messages:    upstream.ToMCPPromptMessages(result.Messages),
	}))
}

// promptError maps a session failure to its JSON-RPC error. A capability
// no connector owns is the method-not-found case; everything internal is
// sanitized.
func promptError(id mcp.RequestId, err error) mcp.JSONRPCError {
	switch {
	case errors.Is(err, bundle.ErrUnknownCapability):
		return mcp.NewJSONRPCError(id, mcp.METHOD_NOT_FOUND, err.Error(), nil)
	case errors.Is(err, bundle.ErrPermissionDenied),
		errors.Is(err, bundle.ErrNotConnected),
		errors.Is(err, bundle.ErrSessionClosed):
		return mcp.NewJSONRPCError(id, mcp.INVALID_REQUEST, err.Error(), nil)
	default:
		logger.Errorf("Prompt request failed: %v", err)
		return mcp.NewJSONRPCError(id, mcp.INTERNAL_ERROR, "internal error", nil)
	}
}

// writeRPC emits a single JSON-RPC message the way the Streamable HTTP
// transport does for direct responses.
func writeRPC(w http.ResponseWriter, msg any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(msg); err != nil {
		logger.Errorf("Failed to write prompt response: %v", err)
	}
}
