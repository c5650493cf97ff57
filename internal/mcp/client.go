package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/mcphost/internal/buildinfo"
	"github.com/nugget/mcphost/internal/tools"
)

// protocolVersion is the MCP protocol version we advertise during initialization.
const protocolVersion = "2024-11-05"

// reinitTimeout bounds the handshake repeated after a reconnect.
const reinitTimeout = 30 * time.Second

// ContentBlock is a single content item in a tools/call response.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// callToolResult is the result payload of a tools/call response.
type callToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// toolsListResult is the result payload of a tools/list response.
type toolsListResult struct {
	Tools      []tools.Descriptor `json:"tools"`
	NextCursor string             `json:"nextCursor,omitempty"`
}

// serverInfo is returned in the initialize response.
type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// initializeResult is the full initialize response result.
type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ServerInfo      serverInfo     `json:"serverInfo"`
	Capabilities    map[string]any `json:"capabilities"`
}

// Client speaks the MCP protocol to one server over a [Channel]. It
// implements [tools.Provider] so its tools can be registered with a
// [tools.Registry].
type Client struct {
	name   string
	ch     *Channel
	router *Router
	logger *slog.Logger

	mu             sync.RWMutex
	initialized    bool
	sampling       bool
	serverName     string
	serverVer      string
	tools          []tools.Descriptor
	onToolsChanged []func()
	callTimeout    time.Duration

	bg sync.WaitGroup
}

// NewClient creates an MCP client on ch. The channel is not opened
// until [Client.Connect].
func NewClient(name string, ch *Channel, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		name:   name,
		ch:     ch,
		logger: logger.With("mcp_server", name),
	}
	c.router = NewRouter(ch, c.logger)
	c.router.Handle("ping", func(context.Context, json.RawMessage) (any, error) {
		return struct{}{}, nil
	})
	c.router.HandleNotification("notifications/tools/list_changed", func(json.RawMessage) {
		c.logger.Info("MCP server reported tool list change")
		// Hooks usually call back into the server, which needs the
		// reader goroutine this runs on.
		c.bg.Add(1)
		go func() {
			defer c.bg.Done()
			c.toolsChanged()
		}()
	})
	ch.OnReconnect(c.handleReconnect)
	return c
}

// Name returns the server name this client is connected to.
func (c *Client) Name() string {
	return c.name
}

// Router exposes the client's router for registering additional
// server-initiated request handlers.
func (c *Client) Router() *Router {
	return c.router
}

// SetSamplingHandler serves sampling/createMessage with h and
// advertises the sampling capability on the next initialize.
func (c *Client) SetSamplingHandler(h RequestHandler) {
	c.mu.Lock()
	c.sampling = true
	c.mu.Unlock()
	c.router.Handle("sampling/createMessage", h)
}

// SetCallTimeout bounds every tools/call. A pending call survives a
// reconnect, so without a bound a lost response only ends with the
// caller's context. Zero disables the bound.
func (c *Client) SetCallTimeout(d time.Duration) {
	c.mu.Lock()
	c.callTimeout = d
	c.mu.Unlock()
}

// OnToolsChanged registers a callback fired when the server's tools
// may have changed: after a reconnect and on list_changed
// notifications. Callers typically re-run tool discovery.
func (c *Client) OnToolsChanged(fn func()) {
	c.mu.Lock()
	c.onToolsChanged = append(c.onToolsChanged, fn)
	c.mu.Unlock()
}

// Connect opens the channel and performs the initialize handshake.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.ch.Open(ctx); err != nil {
		return fmt.Errorf("open %s: %w", c.name, err)
	}
	return c.Initialize(ctx)
}

// Initialize performs the MCP handshake: sends an initialize request
// and then the notifications/initialized notification.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.RLock()
	capabilities := map[string]any{}
	if c.sampling {
		capabilities["sampling"] = map[string]any{}
	}
	c.mu.RUnlock()

	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    capabilities,
		"clientInfo": map[string]any{
			"name":    buildinfo.ClientName,
			"version": buildinfo.Version,
		},
	}

	raw, err := c.router.Request(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("unmarshal initialize result: %w", err)
	}

	c.mu.Lock()
	c.initialized = true
	c.serverName = result.ServerInfo.Name
	c.serverVer = result.ServerInfo.Version
	c.mu.Unlock()

	c.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)

	if err := c.router.Notify(ctx, "notifications/initialized", nil); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}
	return nil
}

// ServerInfo returns the name and version the server reported during
// initialize.
func (c *Client) ServerInfo() (name, version string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverName, c.serverVer
}

// Initialized reports whether the handshake has completed on the
// current connection.
func (c *Client) Initialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

// ListTools calls tools/list, following pagination cursors, and
// returns the available tool descriptors. Results are cached until the
// connection is re-established or the server reports a change.
func (c *Client) ListTools(ctx context.Context) ([]tools.Descriptor, error) {
	c.mu.RLock()
	if c.tools != nil {
		defer c.mu.RUnlock()
		return c.tools, nil
	}
	c.mu.RUnlock()

	all := []tools.Descriptor{}
	cursor := ""
	for {
		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}
		raw, err := c.router.Request(ctx, "tools/list", params)
		if err != nil {
			return nil, fmt.Errorf("tools/list: %w", err)
		}

		var result toolsListResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("unmarshal tools/list result: %w", err)
		}
		all = append(all, result.Tools...)
		if result.NextCursor == "" || result.NextCursor == cursor {
			break
		}
		cursor = result.NextCursor
	}

	c.mu.Lock()
	c.tools = all
	c.mu.Unlock()

	c.logger.Info("discovered MCP tools", "count", len(all))
	return all, nil
}

// CallTool invokes a tool by name with the given JSON object
// arguments. The result is extracted from the response content blocks
// as a single string. Non-text content blocks are described inline
// (e.g., "[image]").
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (string, error) {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	c.mu.RLock()
	timeout := c.callTimeout
	c.mu.RUnlock()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	raw, err := c.router.Request(ctx, "tools/call", params)
	if err != nil {
		return "", fmt.Errorf("tools/call %s: %w", name, err)
	}

	var result callToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("unmarshal tools/call result: %w", err)
	}

	text := extractText(result.Content)
	if result.IsError {
		return "", fmt.Errorf("MCP tool %s returned error: %s", name, text)
	}
	return text, nil
}

// Ping checks whether the MCP server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.router.Request(ctx, "ping", nil)
	return err
}

// Close shuts down the channel. Pending requests fail with
// [ErrConnectionClosed].
func (c *Client) Close() error {
	c.logger.Info("closing MCP client")
	c.mu.Lock()
	c.initialized = false
	c.tools = nil
	c.mu.Unlock()
	err := c.ch.Close()
	c.router.Wait()
	c.bg.Wait()
	return err
}

// handleReconnect repeats the handshake on a fresh connection and
// drops the cached tool list.
func (c *Client) handleReconnect() {
	c.mu.Lock()
	c.initialized = false
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), reinitTimeout)
	defer cancel()
	if err := c.Initialize(ctx); err != nil {
		c.logger.Error("MCP re-initialize after reconnect failed", "error", err)
		return
	}
	c.toolsChanged()
}

func (c *Client) toolsChanged() {
	c.mu.Lock()
	c.tools = nil
	hooks := append([]func(){}, c.onToolsChanged...)
	c.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// extractText joins all text content blocks into a single string.
// Non-text blocks are represented as inline markers.
func extractText(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image":
			parts = append(parts, "[image]")
		case "resource":
			parts = append(parts, "[resource]")
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}
