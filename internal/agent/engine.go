// Package agent implements the tool-call orchestration loop: it sends a
// conversation to the model, runs the tools the model asks for, feeds
// the results back, and repeats until the model answers in plain text
// or the round limit is reached.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/mcphost/internal/llm"
	"github.com/nugget/mcphost/internal/memory"
	"github.com/nugget/mcphost/internal/prompts"
	"github.com/nugget/mcphost/internal/tools"
	"github.com/nugget/mcphost/internal/usage"
)

// DefaultMaxRounds bounds the tool rounds of a single query.
const DefaultMaxRounds = 5

var errMalformedArguments = errors.New("arguments are not valid JSON")

// Config tunes an [Engine].
type Config struct {
	// MaxRounds is the number of tool rounds allowed per query. The
	// model is called at most MaxRounds+1 times. Zero uses
	// [DefaultMaxRounds].
	MaxRounds int

	// SystemPrompt seeds new conversations. Empty uses
	// [prompts.BaseSystemPrompt].
	SystemPrompt string

	// AcceptBareDirectives enables the bare name:{json} directive form
	// for registered tool names.
	AcceptBareDirectives bool

	// MaxTokens caps each completion. Zero leaves the client default.
	MaxTokens int

	// Usage receives the token counts of every completion. Nil
	// disables accounting.
	Usage UsageRecorder
}

// UsageRecorder persists per-completion token counts.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Engine drives conversations between a model and the registered tools.
// Queries on the same conversation are serialized; distinct
// conversations run in parallel.
type Engine struct {
	model    llm.Client
	registry *tools.Registry
	store    memory.ConversationStore
	cfg      Config
	logger   *slog.Logger
}

// NewEngine creates an engine. The registry may be shared with code
// that discovers providers while the engine runs.
func NewEngine(model llm.Client, registry *tools.Registry, store memory.ConversationStore, cfg Config, logger *slog.Logger) *Engine {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = prompts.BaseSystemPrompt()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		model:    model,
		registry: registry,
		store:    store,
		cfg:      cfg,
		logger:   logger.With("component", "engine"),
	}
}

// NewConversation starts a conversation seeded with the system prompt
// and returns its id.
func (e *Engine) NewConversation(ctx context.Context) (string, error) {
	conv, _, err := e.store.GetOrCreate(ctx, "")
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	if err := e.seed(ctx, conv.ID); err != nil {
		return "", err
	}
	e.logger.Debug("conversation started", "conversation", conv.ID)
	return conv.ID, nil
}

// History returns the stored messages of a conversation in order.
func (e *Engine) History(ctx context.Context, conversationID string) ([]memory.Message, error) {
	return e.store.Messages(ctx, conversationID)
}

// ProcessQuery appends query to the conversation and runs the model
// until it answers without requesting tools. An unknown conversation
// id is created and seeded first.
//
// Tool failures, unknown tools and bad arguments are reported to the
// model as tool results and never returned. The returned errors are
// [ErrEmptyModelResponse], [ErrLoopLimitExceeded], model failures and
// storage failures.
func (e *Engine) ProcessQuery(ctx context.Context, conversationID, query string) (string, error) {
	if conversationID == "" {
		return "", ErrNoConversation
	}

	unlock := e.store.Lock(conversationID)
	defer unlock()

	log := e.logger.With("conversation", conversationID)
	start := time.Now()

	_, created, err := e.store.GetOrCreate(ctx, conversationID)
	if err != nil {
		return "", fmt.Errorf("load conversation: %w", err)
	}
	if created {
		if err := e.seed(ctx, conversationID); err != nil {
			return "", err
		}
	}
	if err := e.store.Append(ctx, conversationID, memory.Message{Role: llm.RoleUser, Content: query}); err != nil {
		return "", fmt.Errorf("store query: %w", err)
	}

	policy := DirectivePolicy{AcceptBare: e.cfg.AcceptBareDirectives, Known: e.registry.Has}

	for round := 0; ; round++ {
		history, err := e.store.Messages(ctx, conversationID)
		if err != nil {
			return "", fmt.Errorf("load history: %w", err)
		}

		req := e.buildRequest(history)
		log.Debug("calling model",
			"round", round,
			"messages", len(req.Messages),
			"tools", len(req.Tools),
		)
		resp, err := e.model.Complete(ctx, req)
		if err != nil {
			return "", fmt.Errorf("model completion (round %d): %w", round, err)
		}
		e.recordUsage(ctx, log, conversationID, round, resp)

		content := strings.TrimSpace(resp.Content)
		if content == "" && len(resp.ToolCalls) == 0 {
			log.Warn("model returned empty response", "round", round, "model", resp.Model)
			return "", ErrEmptyModelResponse
		}

		var directives []Directive
		if len(resp.ToolCalls) > 0 {
			content, directives = fromToolCalls(content, resp.ToolCalls)
		} else {
			directives = ParseDirectives(content, policy)
		}

		if len(directives) == 0 {
			if err := e.store.Append(ctx, conversationID, memory.Message{Role: llm.RoleAssistant, Content: content}); err != nil {
				return "", fmt.Errorf("store answer: %w", err)
			}
			log.Info("query answered",
				"rounds", round,
				"elapsed", time.Since(start).Round(time.Millisecond),
			)
			return content, nil
		}

		batch := make([]memory.Message, 0, len(directives)+1)
		batch = append(batch, memory.Message{Role: llm.RoleAssistant, Content: content})
		for _, d := range directives {
			batch = append(batch, memory.Message{Role: llm.RoleTool, Content: e.runDirective(ctx, log, d)})
		}
		if err := e.store.Append(ctx, conversationID, batch...); err != nil {
			return "", fmt.Errorf("store tool round: %w", err)
		}

		if round >= e.cfg.MaxRounds {
			log.Warn("tool round limit reached", "max_rounds", e.cfg.MaxRounds)
			return "", fmt.Errorf("%w: %d rounds", ErrLoopLimitExceeded, e.cfg.MaxRounds)
		}
	}
}

func (e *Engine) seed(ctx context.Context, conversationID string) error {
	msg := memory.Message{Role: llm.RoleSystem, Content: e.cfg.SystemPrompt}
	if err := e.store.Append(ctx, conversationID, msg); err != nil {
		return fmt.Errorf("seed conversation: %w", err)
	}
	return nil
}

// buildRequest turns stored history into a completion request. Prompt
// mode models get the tools and directive format in a leading system
// message that is never stored. Each tool name is offered once, as the
// provider that would serve it describes it.
func (e *Engine) buildRequest(history []memory.Message) *llm.Request {
	descs := e.registry.ResolvedDescriptors()
	req := &llm.Request{
		Messages:  make([]llm.Message, 0, len(history)+1),
		MaxTokens: e.cfg.MaxTokens,
	}

	if e.model.ToolMode() == llm.ToolModeNative {
		req.Tools = descs
	} else if instructions := prompts.ToolInstructions(descs); instructions != "" {
		req.Messages = append(req.Messages, llm.Message{Role: llm.RoleSystem, Content: instructions})
	}

	for _, m := range history {
		req.Messages = append(req.Messages, llm.Message{Role: m.Role, Content: m.Content})
	}
	return req
}

// runDirective executes one directive and returns the tool-role message
// content describing its outcome.
func (e *Engine) runDirective(ctx context.Context, log *slog.Logger, d Directive) string {
	provider, ok := e.registry.Resolve(d.Name)
	if !ok {
		log.Warn("model requested unknown tool", "tool", d.Name)
		return toolError(&ToolNotFoundError{Name: d.Name})
	}

	args := json.RawMessage(d.RawArgs)
	if !json.Valid(args) {
		log.Warn("tool arguments rejected", "tool", d.Name, "args", d.RawArgs)
		return toolError(&InvalidToolArgumentsError{Name: d.Name, Err: errMalformedArguments})
	}
	if err := e.registry.ValidateArguments(d.Name, args); err != nil {
		log.Warn("tool arguments rejected", "tool", d.Name, "error", err)
		return toolError(&InvalidToolArgumentsError{Name: d.Name, Err: err})
	}

	start := time.Now()
	result, err := provider.CallTool(ctx, d.Name, args)
	if err != nil {
		log.Warn("tool call failed",
			"tool", d.Name,
			"provider", provider.Name(),
			"error", err,
		)
		return toolError(fmt.Errorf("call tool %q: %w", d.Name, err))
	}

	log.Info("tool executed",
		"tool", d.Name,
		"provider", provider.Name(),
		"result_len", len(result),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	log.Log(ctx, llm.LevelTrace, "tool result", "tool", d.Name, "result", result)
	return result
}

// recordUsage stores the token counts of one completion. Accounting
// failures are logged and never fail the query.
func (e *Engine) recordUsage(ctx context.Context, log *slog.Logger, conversationID string, round int, resp *llm.Response) {
	if e.cfg.Usage == nil {
		return
	}
	rec := usage.Record{
		ConversationID: conversationID,
		Round:          round,
		Model:          resp.Model,
		InputTokens:    resp.InputTokens,
		OutputTokens:   resp.OutputTokens,
	}
	if err := e.cfg.Usage.Record(ctx, rec); err != nil {
		log.Warn("failed to record token usage", "round", round, "error", err)
	}
}

func toolError(err error) string {
	return "Error: " + err.Error()
}

// fromToolCalls converts native tool calls to directives. The calls are
// also written into the assistant text in directive form so stored
// history reads the same for every model.
func fromToolCalls(content string, calls []llm.ToolCall) (string, []Directive) {
	var sb strings.Builder
	sb.WriteString(content)

	directives := make([]Directive, 0, len(calls))
	for _, c := range calls {
		args := string(c.Arguments)
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		start := sb.Len()
		sb.WriteString(prompts.DirectivePrefix)
		sb.WriteString(c.Name)
		sb.WriteByte(':')
		sb.WriteString(args)
		directives = append(directives, Directive{
			Name:    c.Name,
			RawArgs: args,
			Start:   start,
			End:     sb.Len(),
		})
	}
	return sb.String(), directives
}
