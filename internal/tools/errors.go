package tools

import (
	"errors"
	"fmt"
)

// ErrDiscoveryFailed matches any [*DiscoveryFailedError] via errors.Is.
var ErrDiscoveryFailed = errors.New("tool discovery failed")

// ErrUnknownTool is returned when no discovered provider advertises a
// tool name.
var ErrUnknownTool = errors.New("unknown tool")

// ErrInvalidArguments is returned when tool arguments are not a JSON
// object.
var ErrInvalidArguments = errors.New("tool arguments must be a JSON object")

// DiscoveryFailedError reports a provider whose tool list could not be
// fetched. Providers discovered earlier are unaffected.
type DiscoveryFailedError struct {
	Provider string
	Err      error
}

// Error implements the error interface.
func (e *DiscoveryFailedError) Error() string {
	return fmt.Sprintf("discover tools from %q: %v", e.Provider, e.Err)
}

// Unwrap returns the underlying listing error.
func (e *DiscoveryFailedError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrDiscoveryFailed) match.
func (e *DiscoveryFailedError) Is(target error) bool {
	return target == ErrDiscoveryFailed
}
