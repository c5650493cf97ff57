package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/mcphost/internal/llm"
)

// Channel defaults.
const (
	DefaultOpenTimeout = 10 * time.Second
	DefaultBackoff     = 5 * time.Second
)

// State is the lifecycle state of a [Channel].
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ChannelConfig configures a [Channel].
type ChannelConfig struct {
	// Name identifies the server in logs.
	Name string

	// Dialer opens physical connections. Required.
	Dialer Dialer

	// OpenTimeout bounds [Channel.Open], including dial retries.
	OpenTimeout time.Duration

	// Backoff is the fixed delay between connection attempts.
	Backoff time.Duration

	Logger *slog.Logger
}

// Channel is a resilient message channel to one MCP server. It keeps
// a single physical connection open, delivers inbound messages in
// arrival order, and reconnects with a fixed backoff after an
// unexpected disconnect until [Channel.Close] is called.
//
// States move Closed → Connecting → Open on [Channel.Open],
// Open → Reconnecting → Connecting → Open after a disconnect, and to
// Closed from any state on Close.
type Channel struct {
	name        string
	dialer      Dialer
	openTimeout time.Duration
	backoff     time.Duration
	logger      *slog.Logger

	mu       sync.Mutex
	state    State
	conn     Conn
	gen      uint64 // bumped for every attached connection and on Close
	session  string
	timer    *time.Timer
	lifetime context.Context
	cancel   context.CancelFunc
	readers  sync.WaitGroup

	hooksMu     sync.RWMutex
	onMessage   func(*Message)
	onError     func(error)
	onState     []func(State)
	onReconnect []func()
	onClose     []func()
}

// NewChannel creates a closed channel.
func NewChannel(cfg ChannelConfig) *Channel {
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultOpenTimeout
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		name:        cfg.Name,
		dialer:      cfg.Dialer,
		openTimeout: cfg.OpenTimeout,
		backoff:     cfg.Backoff,
		logger:      logger.With("mcp_server", cfg.Name),
	}
}

// OnMessage sets the handler that receives every inbound message, in
// arrival order, on the channel's reader goroutine. There is one
// handler; a later call replaces the earlier one.
func (c *Channel) OnMessage(fn func(*Message)) {
	c.hooksMu.Lock()
	c.onMessage = fn
	c.hooksMu.Unlock()
}

// OnError sets the handler for non-fatal channel errors such as
// [ErrMalformedMessage].
func (c *Channel) OnError(fn func(error)) {
	c.hooksMu.Lock()
	c.onError = fn
	c.hooksMu.Unlock()
}

// OnStateChange registers a hook called after every state transition.
func (c *Channel) OnStateChange(fn func(State)) {
	c.hooksMu.Lock()
	c.onState = append(c.onState, fn)
	c.hooksMu.Unlock()
}

// OnReconnect registers a hook called after each successful reopen
// following a disconnect. It is not called for the initial Open.
func (c *Channel) OnReconnect(fn func()) {
	c.hooksMu.Lock()
	c.onReconnect = append(c.onReconnect, fn)
	c.hooksMu.Unlock()
}

// OnClose registers a hook called once per explicit [Channel.Close].
func (c *Channel) OnClose(fn func()) {
	c.hooksMu.Lock()
	c.onClose = append(c.onClose, fn)
	c.hooksMu.Unlock()
}

// State returns the current state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the session id issued by the server, or "".
func (c *Channel) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		if sid := c.conn.SessionID(); sid != "" {
			c.session = sid
		}
	}
	return c.session
}

// Open connects the channel. A failed dial is retried after the
// backoff interval until the open timeout elapses, at which point Open
// fails with [ErrTimeout]. Opening a channel that is already open or
// reconnecting is a no-op.
func (c *Channel) Open(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateOpen, StateReconnecting:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		c.mu.Unlock()
		return ErrOpenInProgress
	}
	c.state = StateConnecting
	c.lifetime, c.cancel = context.WithCancel(context.Background())
	lifetime := c.lifetime
	c.mu.Unlock()

	// Readers from a previous open must be gone before a new
	// connection starts delivering.
	c.readers.Wait()
	c.notifyState(StateConnecting)

	openCtx, cancel := context.WithTimeout(ctx, c.openTimeout)
	defer cancel()

	var lastErr error
	for attempt := 1; ; attempt++ {
		conn, err := c.dialer.Dial(openCtx, "")
		if err == nil {
			c.mu.Lock()
			if c.state != StateConnecting || c.lifetime != lifetime {
				c.mu.Unlock()
				conn.Close()
				return ErrConnectionClosed
			}
			c.attachLocked(conn)
			c.mu.Unlock()

			c.logger.Info("MCP channel open", "attempts", attempt, "session", conn.SessionID())
			c.notifyState(StateOpen)
			return nil
		}
		lastErr = err
		c.logger.Debug("MCP dial failed", "attempt", attempt, "error", err)

		if openCtx.Err() == nil {
			sleepCtx(openCtx, lifetime, c.backoff)
		}
		if lifetime.Err() != nil {
			return ErrConnectionClosed
		}
		if openCtx.Err() != nil {
			break
		}
	}

	c.mu.Lock()
	if c.lifetime == lifetime && c.state == StateConnecting {
		c.state = StateClosed
		c.cancel()
	}
	c.mu.Unlock()
	c.notifyState(StateClosed)

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w after %s: %w", ErrTimeout, c.openTimeout, lastErr)
}

// Send writes msg to the open connection. It fails with
// [ErrNotConnected] unless the channel is open.
func (c *Channel) Send(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	c.mu.Lock()
	if c.state != StateOpen || c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn := c.conn
	if sid := conn.SessionID(); sid != "" {
		c.session = sid
	}
	session := c.session
	c.mu.Unlock()

	c.logger.Log(ctx, llm.LevelTrace, "send", "frame", string(data))
	if err := conn.Write(ctx, data, session); err != nil {
		return fmt.Errorf("send %s: %w", describe(msg), err)
	}
	return nil
}

// Close tears down the connection, cancels any pending reconnect,
// clears the session and fires close hooks. It is idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	conn := c.conn
	c.conn = nil
	c.session = ""
	c.gen++
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.logger.Info("MCP channel closed")
	c.notifyState(StateClosed)

	c.hooksMu.RLock()
	hooks := append([]func(){}, c.onClose...)
	c.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn()
	}
	return err
}

// attachLocked installs conn and starts its reader. Caller holds c.mu.
func (c *Channel) attachLocked(conn Conn) {
	c.conn = conn
	c.gen++
	if sid := conn.SessionID(); sid != "" {
		c.session = sid
	}
	c.state = StateOpen
	c.readers.Add(1)
	go c.readLoop(conn, c.gen)
}

// readLoop delivers frames from one connection until it fails.
func (c *Channel) readLoop(conn Conn, gen uint64) {
	defer c.readers.Done()
	for {
		frame, err := conn.Read()
		if err != nil {
			c.handleDisconnect(conn, gen, err)
			return
		}
		if !c.current(gen) {
			return
		}
		c.logger.Log(context.Background(), llm.LevelTrace, "recv", "frame", string(frame))

		msg, err := ParseMessage(frame)
		if err != nil {
			c.reportError(fmt.Errorf("%w: %v", ErrMalformedMessage, err))
			continue
		}

		c.hooksMu.RLock()
		handler := c.onMessage
		c.hooksMu.RUnlock()
		if handler != nil {
			handler(msg)
		}
	}
}

func (c *Channel) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

// handleDisconnect moves an open channel to Reconnecting and schedules
// the first retry. Disconnects of superseded or closed connections
// are ignored.
func (c *Channel) handleDisconnect(conn Conn, gen uint64, cause error) {
	c.mu.Lock()
	if c.gen != gen || c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	if sid := conn.SessionID(); sid != "" {
		c.session = sid
	}
	c.conn = nil
	c.state = StateReconnecting
	c.timer = time.AfterFunc(c.backoff, c.reconnect)
	c.mu.Unlock()

	conn.Close()
	c.logger.Warn("MCP connection lost, reconnecting", "error", cause, "backoff", c.backoff)
	c.notifyState(StateReconnecting)
}

// reconnect makes one reopen attempt and reschedules itself on
// failure. It runs on the backoff timer's goroutine.
func (c *Channel) reconnect() {
	c.mu.Lock()
	if c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.timer = nil
	session := c.session
	lifetime := c.lifetime
	c.mu.Unlock()
	c.notifyState(StateConnecting)

	// The previous reader must have exited before the next starts.
	c.readers.Wait()

	ctx, cancel := context.WithTimeout(lifetime, c.openTimeout)
	conn, err := c.dialer.Dial(ctx, session)
	cancel()

	c.mu.Lock()
	if c.state != StateConnecting || c.lifetime != lifetime {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		c.state = StateReconnecting
		c.timer = time.AfterFunc(c.backoff, c.reconnect)
		c.mu.Unlock()
		c.logger.Debug("MCP reconnect failed", "error", err, "backoff", c.backoff)
		c.notifyState(StateReconnecting)
		return
	}
	c.attachLocked(conn)
	c.mu.Unlock()

	c.logger.Info("MCP channel reconnected", "session", session)
	c.notifyState(StateOpen)

	c.hooksMu.RLock()
	hooks := append([]func(){}, c.onReconnect...)
	c.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn()
	}
}

func (c *Channel) notifyState(s State) {
	c.hooksMu.RLock()
	hooks := append([]func(State){}, c.onState...)
	c.hooksMu.RUnlock()
	c.logger.Debug("MCP channel state", "state", s)
	for _, fn := range hooks {
		fn(s)
	}
}

func (c *Channel) reportError(err error) {
	c.hooksMu.RLock()
	fn := c.onError
	c.hooksMu.RUnlock()
	if fn != nil {
		fn(err)
		return
	}
	c.logger.Warn("MCP channel error", "error", err)
}

// sleepCtx waits for d unless either context ends first.
func sleepCtx(a, b context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-a.Done():
	case <-b.Done():
	case <-timer.C:
	}
}

// describe names a message for error text.
func describe(m *Message) string {
	switch m.Kind() {
	case KindRequest, KindNotification:
		return m.Method
	case KindResponse, KindError:
		return "response " + m.ID.String()
	default:
		return "message"
	}
}
