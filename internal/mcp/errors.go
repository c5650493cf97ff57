package mcp

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned by [Channel.Open] when no connection could
	// be established before the open deadline.
	ErrTimeout = errors.New("transport open timed out")

	// ErrNotConnected is returned by [Channel.Send] when the channel is
	// not open. Messages are never queued.
	ErrNotConnected = errors.New("channel not connected")

	// ErrOpenInProgress is returned by [Channel.Open] while another
	// Open on the same channel is still dialing.
	ErrOpenInProgress = errors.New("channel open already in progress")

	// ErrConnectionClosed fails requests still pending when the channel
	// is closed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrMalformedMessage is reported for inbound frames that are not
	// valid JSON-RPC. The frame is dropped and the channel stays open.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrHTTPStatus matches any [*HTTPStatusError] via errors.Is.
	ErrHTTPStatus = errors.New("unexpected HTTP status")
)

// HTTPStatusError reports an HTTP-level rejection of an outbound
// message or of the event stream handshake.
type HTTPStatusError struct {
	Code int
	Body string
}

// Error implements the error interface.
func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("MCP server returned HTTP %d", e.Code)
	}
	return fmt.Sprintf("MCP server returned HTTP %d: %s", e.Code, e.Body)
}

// Is makes errors.Is(err, ErrHTTPStatus) match.
func (e *HTTPStatusError) Is(target error) bool {
	return target == ErrHTTPStatus
}
