// Package llm provides the language model clients the orchestration
// engine talks to.
package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nugget/mcphost/internal/tools"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of the conversation sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolCall is a structured tool invocation returned by a model that
// supports native tool calling.
type ToolCall struct {
	Name      string
	Arguments json.RawMessage
}

// Request is one completion request.
type Request struct {
	Messages []Message

	// Tools are passed through the provider's tool API. Clients that
	// only support prompt-style calling ignore them.
	Tools []tools.Descriptor

	// MaxTokens caps the completion. Zero uses the client default.
	MaxTokens int
}

// Response is the provider-neutral completion result. Wire format
// conversion happens at provider boundaries (ollama.go, anthropic.go).
type Response struct {
	Model      string
	Content    string
	ToolCalls  []ToolCall
	StopReason string

	InputTokens  int
	OutputTokens int
	Duration     time.Duration
}

// ToolMode describes how a client expects tools to be presented.
type ToolMode int

const (
	// ToolModePrompt means tools are described in a system message and
	// the model answers with TOOL_CALL directives in its text.
	ToolModePrompt ToolMode = iota

	// ToolModeNative means tools travel through the provider API and
	// come back as [ToolCall] values.
	ToolModeNative
)

// String returns the configuration name of the mode.
func (m ToolMode) String() string {
	if m == ToolModeNative {
		return "native"
	}
	return "prompt"
}

// Client is the interface implemented by every model backend.
type Client interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	ToolMode() ToolMode
	Ping(ctx context.Context) error
}
