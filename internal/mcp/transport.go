package mcp

import "context"

// Conn is one physical connection to an MCP server. A [Channel] owns
// at most one Conn at a time and replaces it after a disconnect.
type Conn interface {
	// Read blocks until the next inbound frame arrives. It returns an
	// error once the connection is lost or closed; Close must unblock
	// a pending Read.
	Read() ([]byte, error)

	// Write sends one outbound frame. sessionID is the session the
	// channel currently holds, empty if none has been issued.
	Write(ctx context.Context, frame []byte, sessionID string) error

	// SessionID returns the session id the server issued on this
	// connection, or "" if it has not issued one.
	SessionID() string

	// Close tears the connection down. It is safe to call more than once.
	Close() error
}

// Dialer opens physical connections. sessionID is the id issued on a
// previous connection of the same channel, empty on first open.
type Dialer interface {
	Dial(ctx context.Context, sessionID string) (Conn, error)
}

// DialerFunc adapts a function to the [Dialer] interface.
type DialerFunc func(ctx context.Context, sessionID string) (Conn, error)

// Dial implements [Dialer].
func (f DialerFunc) Dial(ctx context.Context, sessionID string) (Conn, error) {
	return f(ctx, sessionID)
}
