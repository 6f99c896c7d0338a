// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcpbundle/mcpb/pkg/bundle"
	"github.com/mcpbundle/mcpb/pkg/logger"
	"github.com/mcpbundle/mcpb/pkg/versions"
)

const (
	// connectTimeout is the watchdog on the initialize handshake and
	// capability discovery of a single connect attempt.
	connectTimeout = 5 * time.Second

	// maxReconnectTries bounds the automatic reconnect loop started when an
	// established connection drops.
	maxReconnectTries = 10

	clientName = "mcpb-gateway"
)

// State is the lifecycle state of a connector.
type State string

const (
	// StateIdle means Connect has never been called.
	StateIdle State = "IDLE"

	// StateConnecting means a connect attempt is in flight.
	StateConnecting State = "CONNECTING"

	// StateConnected means the upstream is reachable and initialized.
	StateConnected State = "CONNECTED"

	// StateDisconnected means the connection was lost or torn down.
	StateDisconnected State = "DISCONNECTED"
)

// Config describes one upstream MCP server to connect to. Auth is the
// already-resolved cleartext credential for this session.
type Config struct {
	Namespace string
	URL       string
	Transport bundle.TransportType
	Stateless bool
	Auth      bundle.AuthConfig
}

// Connector is a persistent connection to one upstream MCP server.
//
// All MCP operations fail with bundle.ErrNotConnected unless the connector
// is in the CONNECTED state.
type Connector interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Reconnect(ctx context.Context) error
	IsConnected() bool
	Namespace() string

	// Capabilities returns the snapshot discovered during the last
	// successful connect. Live listings go through the List operations.
	Capabilities() Capabilities

	ListTools(ctx context.Context) ([]Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any, meta map[string]any) (*ToolCallResult, error)
	ListResources(ctx context.Context) ([]Resource, error)
	ListResourceTemplates(ctx context.Context) ([]ResourceTemplate, error)
	ReadResource(ctx context.Context, uri string) (*ResourceReadResult, error)
	ListPrompts(ctx context.Context) ([]Prompt, error)
	GetPrompt(ctx context.Context, name string, args map[string]any) (*PromptGetResult, error)

	Subscribe(key string, h EventHandler)
	Unsubscribe(key string)
}

// httpConnector implements Connector over the mark3labs MCP client for
// streamable-HTTP and SSE upstreams.
type httpConnector struct {
	cfg    Config
	events *eventBus

	mu     sync.RWMutex
	state  State
	client *mcpclient.Client
	caps   Capabilities

	// closed records an explicit Disconnect; it suppresses automatic
	// reconnection until the next explicit Connect.
	closed          bool
	reconnectCancel context.CancelFunc
}

// NewConnector returns an idle connector for cfg. Connect must be called
// before any MCP operation.
func NewConnector(cfg Config) Connector {
	return &httpConnector{
		cfg:    cfg,
		events: newEventBus(),
		state:  StateIdle,
	}
}

func (c *httpConnector) Namespace() string { return c.cfg.Namespace }

func (c *httpConnector) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == StateConnected
}

func (c *httpConnector) Capabilities() Capabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.caps
}

func (c *httpConnector) Subscribe(key string, h EventHandler) { c.events.subscribe(key, h) }
func (c *httpConnector) Unsubscribe(key string)               { c.events.unsubscribe(key) }

// Connect establishes the upstream connection, runs the initialize
// handshake under the connect watchdog, and discovers capabilities.
func (c *httpConnector) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.closed = false
	c.mu.Unlock()
	return c.connect(ctx)
}

// connect performs one attempt without touching the explicit-disconnect
// flag, so the auto-reconnect loop cannot resurrect a disconnected
// connector.
func (c *httpConnector) connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		c.mu.Unlock()
		return fmt.Errorf("upstream %q: connect already in progress", c.cfg.Namespace)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	client, caps, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		c.events.emit(Event{Type: EventConnectionFailed, Namespace: c.cfg.Namespace, Err: err})
		return err
	}

	c.mu.Lock()
	if c.closed {
		// Disconnect raced the handshake; the fresh connection loses.
		c.state = StateDisconnected
		c.mu.Unlock()
		_ = client.Close()
		return fmt.Errorf("upstream %q: disconnected during connect", c.cfg.Namespace)
	}
	c.client = client
	c.caps = caps
	c.state = StateConnected
	c.mu.Unlock()

	logger.Infof("Connected to upstream %q (%d tools, %d resources, %d prompts)",
		c.cfg.Namespace, len(caps.Tools), len(caps.Resources), len(caps.Prompts))
	c.events.emit(Event{Type: EventConnected, Namespace: c.cfg.Namespace})
	return nil
}

// dial creates, starts, and initializes a client, returning it together
// with the discovered capability snapshot.
func (c *httpConnector) dial(ctx context.Context) (*mcpclient.Client, Capabilities, error) {
	client, err := newMCPClient(c.cfg)
	if err != nil {
		return nil, Capabilities{}, err
	}

	// The transport is started with context.Background() so its lifetime is
	// bound to client.Close() rather than to the connect watchdog. Without
	// this the SSE read goroutine dies as soon as the watchdog expires.
	if err := client.Start(context.Background()); err != nil {
		return nil, Capabilities{}, fmt.Errorf("start %s transport for upstream %q: %w",
			c.cfg.Transport, c.cfg.Namespace, err)
	}

	handshakeCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	caps, err := c.handshake(handshakeCtx, client)
	if err != nil {
		_ = client.Close()
		return nil, Capabilities{}, err
	}

	client.OnConnectionLost(c.handleConnectionLost)
	client.OnNotification(c.handleNotification)

	return client, caps, nil
}

func (c *httpConnector) handshake(ctx context.Context, client *mcpclient.Client) (Capabilities, error) {
	result, err := client.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    clientName,
				Version: versions.Version,
			},
		},
	})
	if err != nil {
		return Capabilities{}, fmt.Errorf("initialize upstream %q: %w", c.cfg.Namespace, err)
	}

	var caps Capabilities
	serverCaps := result.Capabilities

	if serverCaps.Tools != nil {
		listed, listErr := client.ListTools(ctx, mcp.ListToolsRequest{})
		if listErr != nil {
			return Capabilities{}, fmt.Errorf("list tools on upstream %q: %w", c.cfg.Namespace, listErr)
		}
		caps.Tools = toolsFromMCP(listed.Tools)
	}

	if serverCaps.Resources != nil {
		listed, listErr := client.ListResources(ctx, mcp.ListResourcesRequest{})
		if listErr != nil {
			return Capabilities{}, fmt.Errorf("list resources on upstream %q: %w", c.cfg.Namespace, listErr)
		}
		caps.Resources = resourcesFromMCP(listed.Resources)

		// Some servers advertise resources without implementing template
		// listing, so a failure here is not fatal to the connect.
		templates, listErr := client.ListResourceTemplates(ctx, mcp.ListResourceTemplatesRequest{})
		if listErr != nil {
			logger.Debugf("Upstream %q does not list resource templates: %v", c.cfg.Namespace, listErr)
		} else {
			caps.ResourceTemplates = templatesFromMCP(templates.ResourceTemplates)
		}
	}

	if serverCaps.Prompts != nil {
		listed, listErr := client.ListPrompts(ctx, mcp.ListPromptsRequest{})
		if listErr != nil {
			return Capabilities{}, fmt.Errorf("list prompts on upstream %q: %w", c.cfg.Namespace, listErr)
		}
		caps.Prompts = promptsFromMCP(listed.Prompts)
	}

	return caps, nil
}

// Disconnect tears the connection down, suppresses automatic reconnection,
// and emits SHUTDOWN. It is idempotent.
func (c *httpConnector) Disconnect(_ context.Context) error {
	c.mu.Lock()
	if c.closed && c.state != StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.reconnectCancel != nil {
		c.reconnectCancel()
		c.reconnectCancel = nil
	}
	client := c.client
	c.client = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	var err error
	if client != nil {
		err = client.Close()
	}
	c.events.emit(Event{Type: EventShutdown, Namespace: c.cfg.Namespace})
	return err
}

// Reconnect drops any existing connection and dials again.
func (c *httpConnector) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	if c.state == StateConnected {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	if client != nil {
		_ = client.Close()
	}
	return c.Connect(ctx)
}

// handleConnectionLost runs on the transport's goroutine when an
// established connection drops. It must not block: teardown of the stale
// client and redialing happen on the reconnect goroutine.
func (c *httpConnector) handleConnectionLost(err error) {
	c.mu.Lock()
	if c.closed || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	stale := c.client
	c.client = nil
	ctx, cancel := context.WithCancel(context.Background())
	c.reconnectCancel = cancel
	c.mu.Unlock()

	logger.Warnf("Connection to upstream %q lost: %v", c.cfg.Namespace, err)
	c.events.emit(Event{Type: EventDisconnected, Namespace: c.cfg.Namespace, Err: err})

	go c.autoReconnect(ctx, stale)
}

// autoReconnect redials with exponential backoff until success, explicit
// disconnect, or the tries are exhausted.
func (c *httpConnector) autoReconnect(ctx context.Context, stale *mcpclient.Client) {
	if stale != nil {
		_ = stale.Close()
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = time.Second
	expBackoff.MaxInterval = time.Minute

	attempt := 0
	operation := func() (struct{}, error) {
		attempt++
		c.events.emit(Event{
			Type:      EventReconnectionAttempt,
			Namespace: c.cfg.Namespace,
			Attempt:   attempt,
		})
		return struct{}{}, c.connect(ctx)
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(maxReconnectTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Debugf("Reconnect to upstream %q failed, retrying in %v: %v",
				c.cfg.Namespace, next, err)
		}),
	)
	switch {
	case err == nil:
		logger.Infof("Reconnected to upstream %q after %d attempts", c.cfg.Namespace, attempt)
	case errors.Is(err, context.Canceled):
		logger.Debugf("Reconnect to upstream %q cancelled", c.cfg.Namespace)
	default:
		logger.Errorf("Giving up on upstream %q after %d reconnect attempts: %v",
			c.cfg.Namespace, attempt, err)
	}
}

// handleNotification maps server-initiated list-change notifications to
// connector events.
func (c *httpConnector) handleNotification(n mcp.JSONRPCNotification) {
	switch n.Method {
	case "notifications/tools/list_changed":
		c.events.emit(Event{Type: EventToolsListChanged, Namespace: c.cfg.Namespace})
	case "notifications/resources/list_changed":
		c.events.emit(Event{Type: EventResourcesListChanged, Namespace: c.cfg.Namespace})
	case "notifications/prompts/list_changed":
		c.events.emit(Event{Type: EventPromptsListChanged, Namespace: c.cfg.Namespace})
	}
}

// connectedClient returns the live client or bundle.ErrNotConnected.
func (c *httpConnector) connectedClient() (*mcpclient.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateConnected || c.client == nil {
		return nil, fmt.Errorf("upstream %q: %w", c.cfg.Namespace, bundle.ErrNotConnected)
	}
	return c.client, nil
}

func (c *httpConnector) ListTools(ctx context.Context) ([]Tool, error) {
	client, err := c.connectedClient()
	if err != nil {
		return nil, err
	}
	result, err := client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools on upstream %q: %w", c.cfg.Namespace, err)
	}
	return toolsFromMCP(result.Tools), nil
}

func (c *httpConnector) CallTool(
	ctx context.Context,
	name string,
	args map[string]any,
	meta map[string]any,
) (*ToolCallResult, error) {
	client, err := c.connectedClient()
	if err != nil {
		return nil, err
	}

	result, err := client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
			Meta:      ToMCPMeta(meta),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("tool %q call failed on upstream %q: %w", name, c.cfg.Namespace, err)
	}

	var structured map[string]any
	if m, ok := result.StructuredContent.(map[string]any); ok {
		structured = m
	}

	return &ToolCallResult{
		Content:           contentsFromMCP(result.Content),
		StructuredContent: structured,
		IsError:           result.IsError,
		Meta:              MetaFromMCP(result.Meta),
	}, nil
}

func (c *httpConnector) ListResources(ctx context.Context) ([]Resource, error) {
	client, err := c.connectedClient()
	if err != nil {
		return nil, err
	}
	result, err := client.ListResources(ctx, mcp.ListResourcesRequest{})
	if err != nil {
		return nil, fmt.Errorf("list resources on upstream %q: %w", c.cfg.Namespace, err)
	}
	return resourcesFromMCP(result.Resources), nil
}

func (c *httpConnector) ListResourceTemplates(ctx context.Context) ([]ResourceTemplate, error) {
	client, err := c.connectedClient()
	if err != nil {
		return nil, err
	}
	result, err := client.ListResourceTemplates(ctx, mcp.ListResourceTemplatesRequest{})
	if err != nil {
		return nil, fmt.Errorf("list resource templates on upstream %q: %w", c.cfg.Namespace, err)
	}
	return templatesFromMCP(result.ResourceTemplates), nil
}

func (c *httpConnector) ReadResource(ctx context.Context, uri string) (*ResourceReadResult, error) {
	client, err := c.connectedClient()
	if err != nil {
		return nil, err
	}
	result, err := client.ReadResource(ctx, mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: uri},
	})
	if err != nil {
		return nil, fmt.Errorf("resource %q read failed on upstream %q: %w", uri, c.cfg.Namespace, err)
	}
	return &ResourceReadResult{
		Contents: resourceContentsFromMCP(result.Contents),
		Meta:     MetaFromMCP(result.Meta),
	}, nil
}

func (c *httpConnector) ListPrompts(ctx context.Context) ([]Prompt, error) {
	client, err := c.connectedClient()
	if err != nil {
		return nil, err
	}
	result, err := client.ListPrompts(ctx, mcp.ListPromptsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list prompts on upstream %q: %w", c.cfg.Namespace, err)
	}
	return promptsFromMCP(result.Prompts), nil
}

func (c *httpConnector) GetPrompt(
	ctx context.Context,
	name string,
	args map[string]any,
) (*PromptGetResult, error) {
	client, err := c.connectedClient()
	if err != nil {
		return nil, err
	}

	stringArgs := make(map[string]string, len(args))
	for k, v := range args {
		stringArgs[k] = fmt.Sprintf("%v", v)
	}

	result, err := client.GetPrompt(ctx, mcp.GetPromptRequest{
		Params: mcp.GetPromptParams{
			Name:      name,
			Arguments: stringArgs,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("prompt %q get failed on upstream %q: %w", name, c.cfg.Namespace, err)
	}

	return &PromptGetResult{
		Description: result.Description,
		Messages:    promptMessagesFromMCP(result.Messages),
		Meta:        MetaFromMCP(result.Meta),
	}, nil
}
