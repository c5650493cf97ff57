package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/mcphost/internal/httpkit"
	"github.com/nugget/mcphost/internal/tools"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com"
	anthropicAPIVersion = "2023-06-01"

	// DefaultAnthropicMaxTokens is sent when the request sets no limit;
	// the Messages API requires one.
	DefaultAnthropicMaxTokens = 4096
)

// AnthropicClient is a client for the Anthropic Messages API. It
// always uses native tool calling.
type AnthropicClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client. An empty baseURL
// selects the public API.
func NewAnthropicClient(baseURL, apiKey, model string, logger *slog.Logger) *AnthropicClient {
	if baseURL == "" {
		baseURL = anthropicAPIURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	// Responses can take significant time before sending headers on
	// long prompts.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &AnthropicClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		logger:  logger.With("provider", "anthropic", "model", model),
		httpClient: httpkit.NewClient(
			// Rely on ctx deadlines for timeout control.
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

// ToolMode implements [Client].
func (c *AnthropicClient) ToolMode() ToolMode { return ToolModeNative }

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicContent struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type anthropicTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Role       string             `json:"role"`
	Content    []anthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Complete implements [Client].
func (c *AnthropicClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	msgs, system := convertToAnthropic(req.Messages)
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultAnthropicMaxTokens
	}

	body := anthropicRequest{
		Model:     c.model,
		Messages:  msgs,
		System:    system,
		MaxTokens: maxTokens,
		Tools:     convertToolsToAnthropic(req.Tools),
	}

	c.logger.Debug("preparing request",
		"messages", len(msgs),
		"tools", len(body.Tools),
		"system_len", len(system),
	)

	start := time.Now()
	var out anthropicResponse
	if err := c.post(ctx, body, &out); err != nil {
		return nil, err
	}

	resp := convertFromAnthropic(&out)
	resp.Duration = time.Since(start)

	c.logger.Debug("response received",
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"tool_calls", len(resp.ToolCalls),
		"stop_reason", resp.StopReason,
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", resp.Content)
	return resp, nil
}

// Ping checks if the Anthropic API is reachable and the key is
// accepted, using a one-token request.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	body := anthropicRequest{
		Model:     c.model,
		Messages:  []anthropicMessage{{Role: RoleUser, Content: "ping"}},
		MaxTokens: 1,
	}
	var out anthropicResponse
	return c.post(ctx, body, &out)
}

func (c *AnthropicClient) post(ctx context.Context, body anthropicRequest, out *anthropicResponse) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		httpkit.DrainAndClose(resp.Body, 4096)
		return fmt.Errorf("invalid API key")
	}
	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return fmt.Errorf("anthropic API error %d: %s", resp.StatusCode, errBody)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// convertToAnthropic converts conversation messages to Anthropic
// format. System messages are lifted into the system prompt. Tool
// results are sent as user turns because the conversation history does
// not carry provider tool_use ids. Consecutive messages with the same
// role are merged, as the API requires alternating turns.
func convertToAnthropic(messages []Message) ([]anthropicMessage, string) {
	var systemParts []string
	var result []anthropicMessage

	for _, msg := range messages {
		role := msg.Role
		content := msg.Content
		switch role {
		case RoleSystem:
			systemParts = append(systemParts, content)
			continue
		case RoleTool:
			role = RoleUser
			content = "Tool result:\n" + content
		case RoleUser, RoleAssistant:
		default:
			continue
		}

		if n := len(result); n > 0 && result[n-1].Role == role {
			result[n-1].Content += "\n\n" + content
			continue
		}
		result = append(result, anthropicMessage{Role: role, Content: content})
	}

	return result, strings.Join(systemParts, "\n\n")
}

func convertToolsToAnthropic(descs []tools.Descriptor) []anthropicTool {
	if len(descs) == 0 {
		return nil
	}
	result := make([]anthropicTool, 0, len(descs))
	for _, d := range descs {
		var schema any = d.InputSchema
		if d.InputSchema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, anthropicTool{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: schema,
		})
	}
	return result
}

func convertFromAnthropic(resp *anthropicResponse) *Response {
	var content strings.Builder
	var calls []ToolCall

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "tool_use":
			args := block.Input
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			calls = append(calls, ToolCall{Name: block.Name, Arguments: args})
		}
	}

	return &Response{
		Model:        resp.Model,
		Content:      content.String(),
		ToolCalls:    calls,
		StopReason:   resp.StopReason,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
}
