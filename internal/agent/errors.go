package agent

import (
	"errors"
	"fmt"
)

// ErrEmptyModelResponse is returned when the model replies with neither
// text nor tool calls.
var ErrEmptyModelResponse = errors.New("model returned an empty response")

// ErrLoopLimitExceeded is returned when the model keeps requesting
// tools past the configured number of rounds.
var ErrLoopLimitExceeded = errors.New("tool round limit exceeded")

// ErrNoConversation is returned when a query names no conversation.
var ErrNoConversation = errors.New("conversation id is required")

// ToolNotFoundError reports a directive naming a tool no provider
// advertises. It is fed back to the model, not returned to callers.
type ToolNotFoundError struct {
	Name string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool %q not found", e.Name)
}

// InvalidToolArgumentsError reports directive arguments that are not a
// JSON object or that fail the tool's input schema. The tool is not
// invoked.
type InvalidToolArgumentsError struct {
	Name string
	Err  error
}

func (e *InvalidToolArgumentsError) Error() string {
	return fmt.Sprintf("invalid arguments for tool %q: %v", e.Name, e.Err)
}

func (e *InvalidToolArgumentsError) Unwrap() error { return e.Err }
