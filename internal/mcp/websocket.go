package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/mcphost/internal/buildinfo"
	"github.com/nugget/mcphost/internal/httpkit"
)

// sessionHeader carries the MCP session id on HTTP requests, responses
// and WebSocket handshakes.
const sessionHeader = "Mcp-Session-Id"

// WebSocketConfig configures a WebSocket MCP transport. Each text
// frame carries one JSON-RPC message.
type WebSocketConfig struct {
	// URL is the ws:// or wss:// endpoint. http(s) URLs are converted.
	URL string

	// Headers are sent with every handshake (e.g., Authorization).
	Headers map[string]string

	Logger *slog.Logger
}

// WebSocketDialer opens WebSocket connections to an MCP server.
type WebSocketDialer struct {
	url     string
	headers map[string]string
	dialer  websocket.Dialer
	logger  *slog.Logger
}

// NewWebSocketDialer creates a dialer for the given config.
func NewWebSocketDialer(cfg WebSocketConfig) (*WebSocketDialer, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse websocket URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported websocket URL scheme %q", u.Scheme)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketDialer{
		url:     u.String(),
		headers: cfg.Headers,
		dialer: websocket.Dialer{
			HandshakeTimeout: httpkit.DefaultTLSHandshakeTimeout,
			ReadBufferSize:   1024 * 1024, // 1MB
			WriteBufferSize:  64 * 1024,   // 64KB
			Subprotocols:     []string{"mcp"},
		},
		logger: logger,
	}, nil
}

// Dial implements [Dialer]. A previously issued session id is offered
// in the handshake so the server can resume the session.
func (d *WebSocketDialer) Dial(ctx context.Context, sessionID string) (Conn, error) {
	header := http.Header{}
	header.Set("User-Agent", buildinfo.UserAgent())
	for k, v := range d.headers {
		header.Set(k, v)
	}
	if sessionID != "" {
		header.Set(sessionHeader, sessionID)
	}

	conn, resp, err := d.dialer.DialContext(ctx, d.url, header)
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
			return nil, &HTTPStatusError{Code: resp.StatusCode, Body: httpkit.ReadErrorBody(resp.Body, 4096)}
		}
		return nil, fmt.Errorf("dial websocket %s: %w", d.url, err)
	}

	// Tool results can be large.
	conn.SetReadLimit(16 * 1024 * 1024)

	issued := resp.Header.Get(sessionHeader)
	if issued == "" {
		issued = sessionID
	}
	d.logger.Debug("websocket connected", "url", d.url, "session", issued)

	return &wsConn{conn: conn, session: issued}, nil
}

type wsConn struct {
	conn    *websocket.Conn
	session string

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *wsConn) Read() ([]byte, error) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Write sends one text frame. gorilla allows a single concurrent
// writer, so writes are serialized.
func (c *wsConn) Write(ctx context.Context, frame []byte, _ string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *wsConn) SessionID() string { return c.session }

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}
