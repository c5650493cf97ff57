package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/nugget/mcphost/internal/llm"
	"github.com/nugget/mcphost/internal/memory"
	"github.com/nugget/mcphost/internal/tools"
	"github.com/nugget/mcphost/internal/usage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockLLM replays scripted responses. Once the script runs out the last
// response repeats.
type mockLLM struct {
	mode      llm.ToolMode
	responses []*llm.Response
	err       error

	// onComplete runs before the response is chosen, outside the lock.
	onComplete func(*llm.Request)

	mu    sync.Mutex
	calls []*llm.Request
}

func (m *mockLLM) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if m.onComplete != nil {
		m.onComplete(req)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
	if m.err != nil {
		return nil, m.err
	}
	i := min(len(m.calls)-1, len(m.responses)-1)
	return m.responses[i], nil
}

func (m *mockLLM) ToolMode() llm.ToolMode { return m.mode }

func (m *mockLLM) Ping(context.Context) error { return nil }

func (m *mockLLM) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func textResponses(texts ...string) []*llm.Response {
	out := make([]*llm.Response, len(texts))
	for i, s := range texts {
		out[i] = &llm.Response{Model: "test-model", Content: s}
	}
	return out
}

type toolCall struct {
	Name string
	Args string
}

// mockProvider serves a fixed tool list and records every call.
type mockProvider struct {
	name   string
	descs  []tools.Descriptor
	result func(name string, args json.RawMessage) (string, error)

	mu    sync.Mutex
	calls []toolCall
}

func (p *mockProvider) Name() string { return p.name }

func (p *mockProvider) ListTools(context.Context) ([]tools.Descriptor, error) {
	return p.descs, nil
}

func (p *mockProvider) CallTool(_ context.Context, name string, args json.RawMessage) (string, error) {
	p.mu.Lock()
	p.calls = append(p.calls, toolCall{Name: name, Args: string(args)})
	p.mu.Unlock()
	if p.result != nil {
		return p.result(name, args)
	}
	return `{"temp":"5C"}`, nil
}

func (p *mockProvider) toolCalls() []toolCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]toolCall(nil), p.calls...)
}

var weatherTool = tools.Descriptor{
	Name:        "get-weather",
	Description: "Get the current weather for a city.",
	InputSchema: map[string]any{
		"type":       "object",
		"properties": map[string]any{"city": map[string]any{"type": "string"}},
		"required":   []any{"city"},
	},
}

func weatherProvider() *mockProvider {
	return &mockProvider{name: "weather", descs: []tools.Descriptor{weatherTool}}
}

func buildTestEngine(t *testing.T, model llm.Client, cfg Config, providers ...tools.Provider) (*Engine, *memory.Store) {
	t.Helper()
	registry := tools.NewRegistry(time.Second, discardLogger())
	for _, p := range providers {
		if err := registry.Discover(context.Background(), p); err != nil {
			t.Fatalf("Discover(%s) = %v", p.Name(), err)
		}
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = "You are a test assistant."
	}
	store := memory.NewStore()
	return NewEngine(model, registry, store, cfg, discardLogger()), store
}

var ignoreTimestamp = cmpopts.IgnoreFields(memory.Message{}, "Timestamp")

func history(t *testing.T, e *Engine, id string) []memory.Message {
	t.Helper()
	msgs, err := e.History(context.Background(), id)
	if err != nil {
		t.Fatalf("History(%s) = %v", id, err)
	}
	return msgs
}

func TestProcessQuery_ToolRoundTrip(t *testing.T) {
	model := &mockLLM{responses: textResponses(
		`TOOL_CALL:get-weather:{"city":"Linz"}`,
		"It's 5°C in Linz.",
	)}
	weather := weatherProvider()
	e, _ := buildTestEngine(t, model, Config{}, weather)

	got, err := e.ProcessQuery(context.Background(), "conv-1", "What's the weather in Linz?")
	if err != nil {
		t.Fatalf("ProcessQuery() error: %v", err)
	}
	if got != "It's 5°C in Linz." {
		t.Errorf("ProcessQuery() = %q", got)
	}

	want := []memory.Message{
		{Role: "system", Content: "You are a test assistant."},
		{Role: "user", Content: "What's the weather in Linz?"},
		{Role: "assistant", Content: `TOOL_CALL:get-weather:{"city":"Linz"}`},
		{Role: "tool", Content: `{"temp":"5C"}`},
		{Role: "assistant", Content: "It's 5°C in Linz."},
	}
	if diff := cmp.Diff(want, history(t, e, "conv-1"), ignoreTimestamp); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]toolCall{{Name: "get-weather", Args: `{"city":"Linz"}`}}, weather.toolCalls()); diff != "" {
		t.Errorf("tool calls mismatch (-want +got):\n%s", diff)
	}
	if n := model.callCount(); n != 2 {
		t.Errorf("model called %d times, want 2", n)
	}
}

func TestProcessQuery_PromptModeContext(t *testing.T) {
	model := &mockLLM{responses: textResponses(
		`TOOL_CALL:get-weather:{"city":"Linz"}`,
		"It's 5°C in Linz.",
	)}
	e, _ := buildTestEngine(t, model, Config{}, weatherProvider())

	if _, err := e.ProcessQuery(context.Background(), "c", "What's the weather in Linz?"); err != nil {
		t.Fatal(err)
	}

	first := model.calls[0]
	if first.Tools != nil {
		t.Errorf("prompt mode request carries %d native tools", len(first.Tools))
	}
	lead := first.Messages[0]
	if lead.Role != llm.RoleSystem || !strings.Contains(lead.Content, "get-weather") || !strings.Contains(lead.Content, "TOOL_CALL:") {
		t.Errorf("leading message = %+v, want tool instructions", lead)
	}
	if first.Messages[1].Content != "You are a test assistant." {
		t.Errorf("second message = %+v, want stored system prompt", first.Messages[1])
	}

	// The second round sees the tool result as the last message, and the
	// instructions are never stored.
	second := model.calls[1]
	last := second.Messages[len(second.Messages)-1]
	if last.Role != llm.RoleTool || last.Content != `{"temp":"5C"}` {
		t.Errorf("last message of round 2 = %+v", last)
	}
	for _, m := range history(t, e, "c") {
		if strings.Contains(m.Content, "You can use the following tools") {
			t.Error("tool instructions were stored in history")
		}
	}
}

func TestProcessQuery_UnknownTool(t *testing.T) {
	model := &mockLLM{responses: textResponses(
		`TOOL_CALL:foo:{"x":1}`,
		"I could not find that tool.",
	)}
	weather := weatherProvider()
	e, _ := buildTestEngine(t, model, Config{}, weather)

	got, err := e.ProcessQuery(context.Background(), "c", "use foo")
	if err != nil {
		t.Fatalf("ProcessQuery() error: %v", err)
	}
	if got != "I could not find that tool." {
		t.Errorf("ProcessQuery() = %q", got)
	}

	msgs := history(t, e, "c")
	toolMsg := msgs[3]
	if toolMsg.Role != llm.RoleTool || !strings.Contains(toolMsg.Content, "foo") || !strings.Contains(toolMsg.Content, "not found") {
		t.Errorf("tool message = %+v, want not-found error naming foo", toolMsg)
	}
	if n := model.callCount(); n != 2 {
		t.Errorf("model called %d times, want 2", n)
	}
	if len(weather.toolCalls()) != 0 {
		t.Error("a provider was called for an unknown tool")
	}
}

func TestProcessQuery_InvalidArguments(t *testing.T) {
	tests := []struct {
		name      string
		directive string
		wantText  string
	}{
		{"malformed JSON", `TOOL_CALL:get-weather:{"city":}`, "not valid JSON"},
		{"unterminated", `TOOL_CALL:get-weather:{"city":"Linz"`, "not valid JSON"},
		{"no object", `TOOL_CALL:get-weather:Linz`, "not valid JSON"},
		{"not an object", `TOOL_CALL:get-weather:["Linz"]`, "not valid JSON"},
		{"schema violation", `TOOL_CALL:get-weather:{"town":"Linz"}`, "schema"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := &mockLLM{responses: textResponses(tt.directive, "Sorry, let me try again later.")}
			weather := weatherProvider()
			e, _ := buildTestEngine(t, model, Config{}, weather)

			got, err := e.ProcessQuery(context.Background(), "c", "weather?")
			if err != nil {
				t.Fatalf("ProcessQuery() error: %v", err)
			}
			if got != "Sorry, let me try again later." {
				t.Errorf("ProcessQuery() = %q", got)
			}
			if calls := weather.toolCalls(); len(calls) != 0 {
				t.Errorf("tool invoked with bad arguments: %+v", calls)
			}

			toolMsg := history(t, e, "c")[3]
			if toolMsg.Role != llm.RoleTool || !strings.Contains(toolMsg.Content, "invalid arguments") {
				t.Errorf("tool message = %+v, want argument error", toolMsg)
			}
			if !strings.Contains(toolMsg.Content, tt.wantText) {
				t.Errorf("tool message %q does not mention %q", toolMsg.Content, tt.wantText)
			}
			if n := model.callCount(); n != 2 {
				t.Errorf("model called %d times, want 2", n)
			}
		})
	}
}

func TestProcessQuery_LoopLimit(t *testing.T) {
	model := &mockLLM{responses: textResponses(`TOOL_CALL:get-weather:{"city":"Linz"}`)}
	weather := weatherProvider()
	e, _ := buildTestEngine(t, model, Config{MaxRounds: 5}, weather)

	_, err := e.ProcessQuery(context.Background(), "c", "loop forever")
	if !errors.Is(err, ErrLoopLimitExceeded) {
		t.Fatalf("ProcessQuery() error = %v, want ErrLoopLimitExceeded", err)
	}
	if n := model.callCount(); n != 6 {
		t.Errorf("model called %d times, want 6", n)
	}
	if n := len(weather.toolCalls()); n != 6 {
		t.Errorf("tool called %d times, want 6", n)
	}

	// system + user + 6 × (assistant, tool)
	if n := len(history(t, e, "c")); n != 14 {
		t.Errorf("history has %d messages, want 14", n)
	}
}

func TestProcessQuery_DefaultLoopLimit(t *testing.T) {
	model := &mockLLM{responses: textResponses(`TOOL_CALL:get-weather:{"city":"Linz"}`)}
	e, _ := buildTestEngine(t, model, Config{}, weatherProvider())

	if _, err := e.ProcessQuery(context.Background(), "c", "loop"); !errors.Is(err, ErrLoopLimitExceeded) {
		t.Fatalf("ProcessQuery() error = %v, want ErrLoopLimitExceeded", err)
	}
	if n := model.callCount(); n != DefaultMaxRounds+1 {
		t.Errorf("model called %d times, want %d", n, DefaultMaxRounds+1)
	}
}

func TestProcessQuery_MultipleDirectives(t *testing.T) {
	model := &mockLLM{responses: textResponses(
		"Checking both.\nTOOL_CALL:get-weather:{\"city\":\"Linz\"}\nTOOL_CALL:get-weather:{\"city\":\"Wien\"}",
		"Linz is 5°C, Wien is 7°C.",
	)}
	weather := weatherProvider()
	weather.result = func(_ string, args json.RawMessage) (string, error) {
		var in struct{ City string }
		if err := json.Unmarshal(args, &in); err != nil {
			return "", err
		}
		return in.City + " ok", nil
	}
	e, _ := buildTestEngine(t, model, Config{}, weather)

	if _, err := e.ProcessQuery(context.Background(), "c", "Linz and Wien?"); err != nil {
		t.Fatal(err)
	}

	msgs := history(t, e, "c")
	want := []memory.Message{
		{Role: "tool", Content: "Linz ok"},
		{Role: "tool", Content: "Wien ok"},
	}
	if diff := cmp.Diff(want, msgs[3:5], ignoreTimestamp); diff != "" {
		t.Errorf("tool results mismatch (-want +got):\n%s", diff)
	}
}

func TestProcessQuery_ToolFailureIsFedBack(t *testing.T) {
	model := &mockLLM{responses: textResponses(
		`TOOL_CALL:get-weather:{"city":"Linz"}`,
		"The weather service is down.",
	)}
	weather := weatherProvider()
	weather.result = func(string, json.RawMessage) (string, error) {
		return "", errors.New("upstream timeout")
	}
	e, _ := buildTestEngine(t, model, Config{}, weather)

	got, err := e.ProcessQuery(context.Background(), "c", "weather?")
	if err != nil {
		t.Fatalf("ProcessQuery() error: %v", err)
	}
	if got != "The weather service is down." {
		t.Errorf("ProcessQuery() = %q", got)
	}
	toolMsg := history(t, e, "c")[3]
	if !strings.HasPrefix(toolMsg.Content, "Error: ") || !strings.Contains(toolMsg.Content, "upstream timeout") {
		t.Errorf("tool message = %q", toolMsg.Content)
	}
}

func TestProcessQuery_EmptyResponse(t *testing.T) {
	model := &mockLLM{responses: textResponses("  \n")}
	e, _ := buildTestEngine(t, model, Config{}, weatherProvider())

	_, err := e.ProcessQuery(context.Background(), "c", "hello")
	if !errors.Is(err, ErrEmptyModelResponse) {
		t.Fatalf("ProcessQuery() error = %v, want ErrEmptyModelResponse", err)
	}

	want := []memory.Message{
		{Role: "system", Content: "You are a test assistant."},
		{Role: "user", Content: "hello"},
	}
	if diff := cmp.Diff(want, history(t, e, "c"), ignoreTimestamp); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
}

func TestProcessQuery_ModelError(t *testing.T) {
	boom := errors.New("connection refused")
	model := &mockLLM{err: boom}
	e, _ := buildTestEngine(t, model, Config{})

	_, err := e.ProcessQuery(context.Background(), "c", "hello")
	if !errors.Is(err, boom) {
		t.Errorf("ProcessQuery() error = %v, want wrapped %v", err, boom)
	}
}

func TestProcessQuery_NoConversationID(t *testing.T) {
	e, _ := buildTestEngine(t, &mockLLM{responses: textResponses("hi")}, Config{})
	if _, err := e.ProcessQuery(context.Background(), "", "hello"); !errors.Is(err, ErrNoConversation) {
		t.Errorf("ProcessQuery(\"\") error = %v, want ErrNoConversation", err)
	}
}

func TestProcessQuery_NativeToolCalls(t *testing.T) {
	model := &mockLLM{
		mode: llm.ToolModeNative,
		responses: []*llm.Response{
			{ToolCalls: []llm.ToolCall{{Name: "get-weather", Arguments: json.RawMessage(`{"city":"Linz"}`)}}},
			{Content: "It's 5°C in Linz."},
		},
	}
	weather := weatherProvider()
	e, _ := buildTestEngine(t, model, Config{}, weather)

	got, err := e.ProcessQuery(context.Background(), "c", "What's the weather in Linz?")
	if err != nil {
		t.Fatalf("ProcessQuery() error: %v", err)
	}
	if got != "It's 5°C in Linz." {
		t.Errorf("ProcessQuery() = %q", got)
	}

	first := model.calls[0]
	if diff := cmp.Diff([]tools.Descriptor{weatherTool}, first.Tools); diff != "" {
		t.Errorf("native tools mismatch (-want +got):\n%s", diff)
	}
	if first.Messages[0].Content != "You are a test assistant." {
		t.Errorf("native request starts with %+v, want stored system prompt", first.Messages[0])
	}

	msgs := history(t, e, "c")
	if msgs[2].Content != `TOOL_CALL:get-weather:{"city":"Linz"}` {
		t.Errorf("assistant message = %q, want directive form", msgs[2].Content)
	}
	if len(weather.toolCalls()) != 1 {
		t.Errorf("tool called %d times, want 1", len(weather.toolCalls()))
	}
}

func TestProcessQuery_NativeToolsAreUnique(t *testing.T) {
	model := &mockLLM{mode: llm.ToolModeNative, responses: textResponses("ok")}
	primary := weatherProvider()
	backup := &mockProvider{name: "backup", descs: []tools.Descriptor{
		{Name: "get-weather", Description: "Backup weather."},
		{Name: "get-time", Description: "Current time."},
	}}
	e, _ := buildTestEngine(t, model, Config{}, primary, backup)

	if _, err := e.ProcessQuery(context.Background(), "c", "hi"); err != nil {
		t.Fatalf("ProcessQuery() error: %v", err)
	}

	var sent []string
	for _, d := range model.calls[0].Tools {
		sent = append(sent, d.Name)
	}
	if diff := cmp.Diff([]string{"get-weather", "get-time"}, sent); diff != "" {
		t.Errorf("native tool names mismatch (-want +got):\n%s", diff)
	}
	if got := model.calls[0].Tools[0].Description; got != weatherTool.Description {
		t.Errorf("get-weather description = %q, want the first provider's", got)
	}
}

func TestProcessQuery_BareDirectives(t *testing.T) {
	reply := `get-weather:{"city":"Linz"}`

	t.Run("disabled", func(t *testing.T) {
		model := &mockLLM{responses: textResponses(reply)}
		weather := weatherProvider()
		e, _ := buildTestEngine(t, model, Config{}, weather)

		got, err := e.ProcessQuery(context.Background(), "c", "weather?")
		if err != nil {
			t.Fatal(err)
		}
		if got != reply || len(weather.toolCalls()) != 0 {
			t.Errorf("bare directive executed without opt-in (answer %q)", got)
		}
	})

	t.Run("enabled", func(t *testing.T) {
		model := &mockLLM{responses: textResponses(reply, "It's 5°C in Linz.")}
		weather := weatherProvider()
		e, _ := buildTestEngine(t, model, Config{AcceptBareDirectives: true}, weather)

		got, err := e.ProcessQuery(context.Background(), "c", "weather?")
		if err != nil {
			t.Fatal(err)
		}
		if got != "It's 5°C in Linz." || len(weather.toolCalls()) != 1 {
			t.Errorf("bare directive not executed (answer %q)", got)
		}
	})
}

func TestProcessQuery_HistoryAcrossQueries(t *testing.T) {
	model := &mockLLM{responses: textResponses("Hello!", "Still here.")}
	e, _ := buildTestEngine(t, model, Config{})
	ctx := context.Background()

	id, err := e.NewConversation(ctx)
	if err != nil {
		t.Fatalf("NewConversation() error: %v", err)
	}
	if _, err := e.ProcessQuery(ctx, id, "hi"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.ProcessQuery(ctx, id, "still there?"); err != nil {
		t.Fatal(err)
	}

	want := []memory.Message{
		{Role: "system", Content: "You are a test assistant."},
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "Hello!"},
		{Role: "user", Content: "still there?"},
		{Role: "assistant", Content: "Still here."},
	}
	if diff := cmp.Diff(want, history(t, e, id), ignoreTimestamp); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}

	// The second request carries the whole conversation.
	if n := len(model.calls[1].Messages); n != 4 {
		t.Errorf("second request has %d messages, want 4", n)
	}
}

func TestProcessQuery_SerializesSameConversation(t *testing.T) {
	var (
		mu        sync.Mutex
		active    int
		maxActive int
	)
	model := &mockLLM{
		responses: textResponses("done"),
		onComplete: func(*llm.Request) {
			mu.Lock()
			active++
			maxActive = max(maxActive, active)
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
		},
	}
	e, _ := buildTestEngine(t, model, Config{})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.ProcessQuery(context.Background(), "shared", fmt.Sprintf("q%d", i)); err != nil {
				t.Errorf("ProcessQuery(q%d) error: %v", i, err)
			}
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Errorf("%d queries ran concurrently on one conversation, want 1", maxActive)
	}

	// Each query's user message is directly followed by its answer.
	msgs := history(t, e, "shared")
	if len(msgs) != 9 {
		t.Fatalf("history has %d messages, want 9", len(msgs))
	}
	for i := 1; i < len(msgs); i += 2 {
		if msgs[i].Role != llm.RoleUser || msgs[i+1].Role != llm.RoleAssistant {
			t.Errorf("messages %d,%d = %s,%s; want user,assistant", i, i+1, msgs[i].Role, msgs[i+1].Role)
		}
	}
}

func TestProcessQuery_DistinctConversationsRunInParallel(t *testing.T) {
	var arrived sync.WaitGroup
	arrived.Add(2)
	release := make(chan struct{})

	model := &mockLLM{
		responses: textResponses("done"),
		onComplete: func(*llm.Request) {
			arrived.Done()
			<-release
		},
	}
	e, _ := buildTestEngine(t, model, Config{})

	errs := make(chan error, 2)
	for _, id := range []string{"a", "b"} {
		go func() {
			_, err := e.ProcessQuery(context.Background(), id, "hello")
			errs <- err
		}()
	}

	both := make(chan struct{})
	go func() {
		arrived.Wait()
		close(both)
	}()
	select {
	case <-both:
	case <-time.After(2 * time.Second):
		close(release)
		t.Fatal("queries on distinct conversations did not overlap")
	}
	close(release)

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Errorf("ProcessQuery() error: %v", err)
		}
	}
}

func TestNewConversation_SeedsSystemPrompt(t *testing.T) {
	e, _ := buildTestEngine(t, &mockLLM{}, Config{SystemPrompt: "Be brief."})
	ctx := context.Background()

	a, err := e.NewConversation(ctx)
	if err != nil {
		t.Fatal(err)
	}
	b, err := e.NewConversation(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("NewConversation returned the same id twice")
	}

	want := []memory.Message{{Role: "system", Content: "Be brief."}}
	if diff := cmp.Diff(want, history(t, e, a), ignoreTimestamp); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
}

func TestHistory_UnknownConversation(t *testing.T) {
	e, _ := buildTestEngine(t, &mockLLM{}, Config{})
	if _, err := e.History(context.Background(), "missing"); !errors.Is(err, memory.ErrConversationNotFound) {
		t.Errorf("History() error = %v, want ErrConversationNotFound", err)
	}
}

func TestToolNotFoundError(t *testing.T) {
	err := &ToolNotFoundError{Name: "foo"}
	if got := err.Error(); got != `tool "foo" not found` {
		t.Errorf("Error() = %q", got)
	}

	inner := errors.New("bad")
	argErr := &InvalidToolArgumentsError{Name: "foo", Err: inner}
	if !errors.Is(argErr, inner) {
		t.Error("InvalidToolArgumentsError does not unwrap")
	}
}

type recordingUsage struct {
	mu   sync.Mutex
	recs []usage.Record
	err  error
}

func (r *recordingUsage) Record(_ context.Context, rec usage.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return r.err
}

func TestProcessQuery_RecordsUsagePerRound(t *testing.T) {
	model := &mockLLM{responses: []*llm.Response{
		{Model: "test-model", Content: `TOOL_CALL:get-weather:{"city":"Linz"}`, InputTokens: 100, OutputTokens: 12},
		{Model: "test-model", Content: "It's 5°C in Linz.", InputTokens: 130, OutputTokens: 8},
	}}
	rec := &recordingUsage{}
	e, _ := buildTestEngine(t, model, Config{Usage: rec}, weatherProvider())

	if _, err := e.ProcessQuery(context.Background(), "conv-u", "weather?"); err != nil {
		t.Fatalf("ProcessQuery() error: %v", err)
	}

	want := []usage.Record{
		{ConversationID: "conv-u", Round: 0, Model: "test-model", InputTokens: 100, OutputTokens: 12},
		{ConversationID: "conv-u", Round: 1, Model: "test-model", InputTokens: 130, OutputTokens: 8},
	}
	if diff := cmp.Diff(want, rec.recs); diff != "" {
		t.Errorf("usage records mismatch (-want +got):\n%s", diff)
	}
}

func TestProcessQuery_UsageFailureIsIgnored(t *testing.T) {
	model := &mockLLM{responses: textResponses("hello")}
	rec := &recordingUsage{err: errors.New("disk full")}
	e, _ := buildTestEngine(t, model, Config{Usage: rec})

	got, err := e.ProcessQuery(context.Background(), "conv-u", "hi")
	if err != nil {
		t.Fatalf("ProcessQuery() error: %v", err)
	}
	if got != "hello" {
		t.Errorf("ProcessQuery() = %q, want %q", got, "hello")
	}
	if len(rec.recs) != 1 {
		t.Errorf("recorded %d completions, want 1", len(rec.recs))
	}
}
