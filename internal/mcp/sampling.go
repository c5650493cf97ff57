package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nugget/mcphost/internal/llm"
)

// samplingContent is the content of a sampling message. Only text is
// forwarded to the model.
type samplingContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type samplingMessage struct {
	Role    string          `json:"role"`
	Content samplingContent `json:"content"`
}

type createMessageParams struct {
	Messages     []samplingMessage `json:"messages"`
	SystemPrompt string            `json:"systemPrompt,omitempty"`
	MaxTokens    int               `json:"maxTokens,omitempty"`
}

type createMessageResult struct {
	Role       string          `json:"role"`
	Content    samplingContent `json:"content"`
	Model      string          `json:"model"`
	StopReason string          `json:"stopReason,omitempty"`
}

// NewSamplingHandler returns a handler for sampling/createMessage that
// forwards the server's system prompt and messages to model and
// returns the completion as an assistant text message.
func NewSamplingHandler(model llm.Client, logger *slog.Logger) RequestHandler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sampling")

	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var params createMessageParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, &RPCError{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid sampling params: %v", err)}
		}
		if len(params.Messages) == 0 {
			return nil, &RPCError{Code: CodeInvalidParams, Message: "sampling request has no messages"}
		}

		var msgs []llm.Message
		if params.SystemPrompt != "" {
			msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: params.SystemPrompt})
		}
		for _, m := range params.Messages {
			if m.Content.Type != "text" {
				msgs = append(msgs, llm.Message{Role: m.Role, Content: fmt.Sprintf("[%s]", m.Content.Type)})
				continue
			}
			msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content.Text})
		}

		logger.Debug("forwarding sampling request", "messages", len(msgs), "max_tokens", params.MaxTokens)

		resp, err := model.Complete(ctx, &llm.Request{Messages: msgs, MaxTokens: params.MaxTokens})
		if err != nil {
			return nil, fmt.Errorf("sampling completion: %w", err)
		}

		stop := resp.StopReason
		if stop == "" || stop == "stop" || stop == "end_turn" {
			stop = "endTurn"
		}
		return createMessageResult{
			Role:       llm.RoleAssistant,
			Content:    samplingContent{Type: "text", Text: resp.Content},
			Model:      resp.Model,
			StopReason: stop,
		}, nil
	}
}
