package mcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nugget/mcphost/internal/httpkit"
)

// DefaultEndpointWait is how long a new SSE connection waits for the
// server's endpoint event before posting to the stream URL instead.
const DefaultEndpointWait = 3 * time.Second

// SSEConfig configures an SSE MCP transport: inbound messages arrive
// on a GET event stream and outbound messages are POSTed.
type SSEConfig struct {
	// URL is the event stream endpoint.
	URL string

	// Headers are sent with every HTTP request (e.g., Authorization).
	Headers map[string]string

	// EndpointWait bounds the wait for the endpoint event. Servers
	// that never send one (streamable HTTP) receive POSTs on URL.
	EndpointWait time.Duration

	Logger *slog.Logger
}

// SSEDialer opens SSE connections to an MCP server.
type SSEDialer struct {
	url          *url.URL
	headers      map[string]string
	endpointWait time.Duration
	stream       *http.Client
	post         *http.Client
	logger       *slog.Logger
}

// NewSSEDialer creates a dialer for the given config.
func NewSSEDialer(cfg SSEConfig) (*SSEDialer, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse SSE URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported SSE URL scheme %q", u.Scheme)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	wait := cfg.EndpointWait
	if wait <= 0 {
		wait = DefaultEndpointWait
	}
	return &SSEDialer{
		url:          u,
		headers:      cfg.Headers,
		endpointWait: wait,
		stream:       httpkit.NewStreamingClient(httpkit.WithLogger(logger)),
		post:         httpkit.NewClient(httpkit.WithRetry(2, 500*time.Millisecond), httpkit.WithLogger(logger)),
		logger:       logger,
	}, nil
}

// Dial implements [Dialer]. The handshake is a 200 response to the
// stream request; a non-2xx status fails with [*HTTPStatusError].
func (d *SSEDialer) Dial(ctx context.Context, sessionID string) (Conn, error) {
	connCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, d.url.String(), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range d.headers {
		req.Header.Set(k, v)
	}
	if sessionID != "" {
		req.Header.Set(sessionHeader, sessionID)
	}

	// ctx bounds the handshake only; the stream lives until Close.
	stop := context.AfterFunc(ctx, cancel)
	resp, err := d.stream.Do(req)
	stop()
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("open event stream %s: %w", d.url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body := httpkit.ReadErrorBody(resp.Body, 4096)
		cancel()
		return nil, &HTTPStatusError{Code: resp.StatusCode, Body: body}
	}

	c := &sseConn{
		dialer:   d,
		postURL:  d.url.String(),
		session:  sessionID,
		cancel:   cancel,
		ctx:      connCtx,
		inbound:  make(chan []byte, 16),
		done:     make(chan struct{}),
		endpoint: make(chan struct{}),
		logger:   d.logger,
	}
	if sid := resp.Header.Get(sessionHeader); sid != "" {
		c.session = sid
	}

	c.wg.Add(1)
	go c.readStream(resp.Body)

	timer := time.NewTimer(d.endpointWait)
	defer timer.Stop()
	select {
	case <-c.endpoint:
	case <-timer.C:
		d.logger.Debug("no endpoint event received, posting to stream URL", "url", c.postURL)
	case <-c.done:
		select {
		case <-c.endpoint:
			// A short stream may carry the endpoint and end at once;
			// Read drains what it delivered.
			return c, nil
		default:
		}
		err := c.closeErr()
		c.Close()
		return nil, fmt.Errorf("event stream ended during handshake: %w", err)
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}

	return c, nil
}

type sseConn struct {
	dialer *SSEDialer
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	postURL      string
	session      string
	err          error
	endpointOnce sync.Once
	endpoint     chan struct{}

	inbound  chan []byte
	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup
}

// Read returns the next inbound message, from the event stream or from
// a POST response body.
func (c *sseConn) Read() ([]byte, error) {
	select {
	case f := <-c.inbound:
		return f, nil
	case <-c.done:
		select {
		case f := <-c.inbound:
			return f, nil
		default:
		}
		return nil, c.closeErr()
	}
}

// Write POSTs one message. JSON bodies in the response are delivered
// inbound; event-stream bodies are parsed like the main stream.
func (c *sseConn) Write(ctx context.Context, frame []byte, sessionID string) error {
	c.mu.Lock()
	target := c.postURL
	if sessionID == "" {
		sessionID = c.session
	}
	c.mu.Unlock()

	// The response may be a stream that outlives ctx's caller but not
	// the connection.
	postCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	release := func() {
		stop()
		cancel()
	}

	req, err := http.NewRequestWithContext(postCtx, http.MethodPost, target, bytes.NewReader(frame))
	if err != nil {
		release()
		return fmt.Errorf("create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range c.dialer.headers {
		req.Header.Set(k, v)
	}
	if sessionID != "" {
		req.Header.Set(sessionHeader, sessionID)
	}

	resp, err := c.dialer.post.Do(req)
	if err != nil {
		release()
		return fmt.Errorf("HTTP request to %s: %w", target, err)
	}

	if sid := resp.Header.Get(sessionHeader); sid != "" {
		c.mu.Lock()
		c.session = sid
		c.mu.Unlock()
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body := httpkit.ReadErrorBody(resp.Body, 4096)
		release()
		return &HTTPStatusError{Code: resp.StatusCode, Body: body}
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		defer release()
		defer httpkit.DrainAndClose(resp.Body, 4096)
		body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20)) // 10 MiB limit
		if err != nil {
			return fmt.Errorf("read response body: %w", err)
		}
		if len(bytes.TrimSpace(body)) > 0 {
			c.deliver(body)
		}
	case "text/event-stream":
		c.wg.Add(1)
		go func() {
			defer release()
			c.readResponseStream(resp.Body)
		}()
	default:
		httpkit.DrainAndClose(resp.Body, 4096)
		release()
	}
	return nil
}

func (c *sseConn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *sseConn) Close() error {
	c.finish(errors.New("connection closed"))
	c.cancel()
	c.wg.Wait()
	return nil
}

func (c *sseConn) finish(err error) {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *sseConn) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// deliver queues an inbound message unless the connection is done.
func (c *sseConn) deliver(data []byte) {
	select {
	case c.inbound <- data:
	case <-c.done:
	}
}

// readStream consumes the main event stream. Its end ends the
// connection.
func (c *sseConn) readStream(body io.ReadCloser) {
	defer c.wg.Done()
	defer body.Close()

	err := readEvents(body, c.handleEvent)
	if err == nil {
		err = io.EOF
	}
	c.finish(fmt.Errorf("event stream ended: %w", err))
}

// readResponseStream consumes an event-stream POST response. Its end
// does not end the connection.
func (c *sseConn) readResponseStream(body io.ReadCloser) {
	defer c.wg.Done()
	defer body.Close()
	if err := readEvents(body, c.handleEvent); err != nil && c.ctx.Err() == nil {
		c.logger.Debug("response event stream failed", "error", err)
	}
}

func (c *sseConn) handleEvent(ev sseEvent) {
	switch ev.name {
	case "endpoint":
		c.setEndpoint(strings.TrimSpace(ev.data))
	case "", "message":
		if strings.TrimSpace(ev.data) != "" {
			c.deliver([]byte(ev.data))
		}
	default:
		c.logger.Debug("ignoring SSE event", "event", ev.name)
	}
}

// setEndpoint resolves the endpoint event data against the stream URL
// and adopts the sessionId query parameter when present.
func (c *sseConn) setEndpoint(data string) {
	ref, err := url.Parse(data)
	if err != nil {
		c.logger.Warn("invalid endpoint event", "data", data, "error", err)
		return
	}
	target := c.dialer.url.ResolveReference(ref)

	c.mu.Lock()
	c.postURL = target.String()
	if sid := target.Query().Get("sessionId"); sid != "" {
		c.session = sid
	}
	c.mu.Unlock()

	c.logger.Debug("SSE endpoint received", "endpoint", target.String())
	c.endpointOnce.Do(func() { close(c.endpoint) })
}

// sseEvent is one dispatched server-sent event.
type sseEvent struct {
	name string
	data string
	id   string
}

// readEvents parses a text/event-stream body and calls fn for each
// dispatched event. It returns nil at a clean end of stream.
func readEvents(r io.Reader, fn func(sseEvent)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var (
		ev      sseEvent
		data    strings.Builder
		hasData bool
	)
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")

		if line == "" {
			if hasData {
				ev.data = data.String()
				fn(ev)
			}
			ev = sseEvent{}
			data.Reset()
			hasData = false
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.name = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "id":
			ev.id = value
		}
	}
	return scanner.Err()
}
