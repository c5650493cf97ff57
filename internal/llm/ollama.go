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

// DefaultOllamaMaxTokens caps completions when the request sets no limit.
const DefaultOllamaMaxTokens = 1000

// OllamaClient is a client for the Ollama API. In prompt mode it uses
// /api/generate with the conversation rendered as "role: content"
// lines. In native mode it uses /api/chat with structured tools.
type OllamaClient struct {
	baseURL    string
	model      string
	mode       ToolMode
	textCalls  bool
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client for one model.
func NewOllamaClient(baseURL, model string, mode ToolMode, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		mode:    mode,
		// Large models with tools need time.
		httpClient: httpkit.NewClient(httpkit.WithTimeout(5 * time.Minute)),
		logger:     logger.With("provider", "ollama", "model", model),
	}
}

// SetTextToolCalls enables recovery of native tool calls that a model
// wrote as JSON text instead of using tool_calls. Only calls naming a
// tool offered in the request are recovered. Off by default.
func (c *OllamaClient) SetTextToolCalls(enabled bool) {
	c.textCalls = enabled
}

// ToolMode implements [Client].
func (c *OllamaClient) ToolMode() ToolMode { return c.mode }

type ollamaOptions struct {
	NumPredict int `json:"num_predict,omitempty"`
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options *ollamaOptions `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
	TotalDuration   int64  `json:"total_duration,omitempty"`
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Tools    []ollamaTool   `json:"tools,omitempty"`
	Options  *ollamaOptions `json:"options,omitempty"`
}

type ollamaTool struct {
	Type     string             `json:"type"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type ollamaChatMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	ToolCalls []struct {
		Function struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"` // Ollama returns object, not string
		} `json:"function"`
	} `json:"tool_calls,omitempty"`
}

type ollamaChatResponse struct {
	Model           string            `json:"model"`
	Message         ollamaChatMessage `json:"message"`
	Done            bool              `json:"done"`
	DoneReason      string            `json:"done_reason,omitempty"`
	PromptEvalCount int               `json:"prompt_eval_count,omitempty"`
	EvalCount       int               `json:"eval_count,omitempty"`
	TotalDuration   int64             `json:"total_duration,omitempty"`
}

// Complete implements [Client].
func (c *OllamaClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultOllamaMaxTokens
	}
	opts := &ollamaOptions{NumPredict: maxTokens}

	if c.mode == ToolModeNative {
		return c.chat(ctx, req, opts)
	}
	return c.generate(ctx, req, opts)
}

func (c *OllamaClient) generate(ctx context.Context, req *Request, opts *ollamaOptions) (*Response, error) {
	body := ollamaGenerateRequest{
		Model:   c.model,
		Prompt:  RenderPrompt(req.Messages),
		Stream:  false,
		Options: opts,
	}

	c.logger.Debug("sending generate request", "messages", len(req.Messages), "prompt_len", len(body.Prompt))
	c.logger.Log(ctx, LevelTrace, "prompt", "prompt", body.Prompt)

	var out ollamaGenerateResponse
	if err := c.post(ctx, "/api/generate", body, &out); err != nil {
		return nil, err
	}

	resp := &Response{
		Model:        out.Model,
		Content:      out.Response,
		StopReason:   out.DoneReason,
		InputTokens:  out.PromptEvalCount,
		OutputTokens: out.EvalCount,
		Duration:     time.Duration(out.TotalDuration),
	}
	c.logResponse(ctx, resp)
	return resp, nil
}

func (c *OllamaClient) chat(ctx context.Context, req *Request, opts *ollamaOptions) (*Response, error) {
	body := ollamaChatRequest{
		Model:    c.model,
		Messages: req.Messages,
		Stream:   false,
		Tools:    convertToolsToOllama(req.Tools),
		Options:  opts,
	}

	c.logger.Debug("sending chat request", "messages", len(req.Messages), "tools", len(body.Tools))

	var out ollamaChatResponse
	if err := c.post(ctx, "/api/chat", body, &out); err != nil {
		return nil, err
	}

	resp := &Response{
		Model:        out.Model,
		Content:      out.Message.Content,
		StopReason:   out.DoneReason,
		InputTokens:  out.PromptEvalCount,
		OutputTokens: out.EvalCount,
		Duration:     time.Duration(out.TotalDuration),
	}
	for _, tc := range out.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	// Some models emit the call as JSON text instead of using tool_calls.
	if c.textCalls && len(resp.ToolCalls) == 0 && resp.Content != "" {
		if parsed := offeredCalls(parseTextToolCalls(resp.Content), req.Tools); len(parsed) > 0 {
			resp.ToolCalls = parsed
			resp.Content = ""
		}
	}

	c.logResponse(ctx, resp)
	return resp, nil
}

func (c *OllamaClient) post(ctx context.Context, path string, body, out any) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		return fmt.Errorf("ollama API error %d: %s", resp.StatusCode, errBody)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *OllamaClient) logResponse(ctx context.Context, resp *Response) {
	c.logger.Debug("response received",
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"tool_calls", len(resp.ToolCalls),
		"duration", resp.Duration,
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", resp.Content)
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama API error %d", resp.StatusCode)
	}
	return nil
}

// RenderPrompt flattens a conversation into the single prompt string
// used by completion-style endpoints, one "role: content" line per
// message.
func RenderPrompt(messages []Message) string {
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteByte('\n')
	}
	return sb.String()
}

func convertToolsToOllama(descs []tools.Descriptor) []ollamaTool {
	if len(descs) == 0 {
		return nil
	}
	out := make([]ollamaTool, 0, len(descs))
	for _, d := range descs {
		params := d.InputSchema
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, ollamaTool{
			Type: "function",
			Function: ollamaToolFunction{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

// offeredCalls returns calls only when every one names an offered tool.
func offeredCalls(calls []ToolCall, offered []tools.Descriptor) []ToolCall {
	for _, tc := range calls {
		found := false
		for _, d := range offered {
			if d.Name == tc.Name {
				found = true
				break
			}
		}
		if !found {
			return nil
		}
	}
	return calls
}

// parseTextToolCalls attempts to extract tool calls from content text.
// It handles a raw JSON object {"name": "...", "arguments": {...}}, a
// JSON array of those, and either form wrapped in <tool_call> tags.
func parseTextToolCalls(content string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		rest := content[start+len("<tool_call>"):]
		if end := strings.Index(rest, "</tool_call>"); end != -1 {
			rest = rest[:end]
		}
		content = strings.TrimSpace(rest)
	}

	type textCall struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}

	var calls []textCall
	if err := json.Unmarshal([]byte(content), &calls); err == nil && len(calls) > 0 {
		result := make([]ToolCall, 0, len(calls))
		for _, tc := range calls {
			if tc.Name == "" {
				continue
			}
			result = append(result, ToolCall{Name: tc.Name, Arguments: tc.Arguments})
		}
		return result
	}

	var single textCall
	if err := json.Unmarshal([]byte(content), &single); err == nil && single.Name != "" {
		return []ToolCall{{Name: single.Name, Arguments: single.Arguments}}
	}
	return nil
}
