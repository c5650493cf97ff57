package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/nugget/mcphost/internal/memory"
	"github.com/nugget/mcphost/internal/tools"
	"github.com/nugget/mcphost/internal/usage"
)

// askResult is the JSON form of an answer.
type askResult struct {
	ConversationID string `json:"conversation_id"`
	Answer         string `json:"answer"`
}

// runAsk handles "mcphost ask <question>". It starts a fresh
// conversation, answers one question, and exits. With a SQLite store
// the conversation can be inspected afterwards with history.
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, question string) error {
	h, err := startHost(ctx, stderr, configPath)
	if err != nil {
		return err
	}
	defer h.Close()

	id, err := h.engine.NewConversation(ctx)
	if err != nil {
		return err
	}
	answer, err := h.engine.ProcessQuery(ctx, id, question)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if outputFmt == "json" {
		return writeJSON(stdout, askResult{ConversationID: id, Answer: answer})
	}
	fmt.Fprintln(stdout, answer)
	return nil
}

// runChat handles "mcphost chat [id]": one question per input line
// until EOF or /exit. Errors from a single question are printed and the
// conversation continues.
func runChat(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, configPath, resume string) error {
	h, err := startHost(ctx, stderr, configPath)
	if err != nil {
		return err
	}
	defer h.Close()

	id := resume
	if id == "" {
		if id, err = h.engine.NewConversation(ctx); err != nil {
			return err
		}
	}
	fmt.Fprintf(stdout, "conversation %s (/new, /history, /tools, /exit)\n", id)

	done := make(chan struct{})
	defer close(done)
	lines := readLines(done, stdin)
	for {
		fmt.Fprint(stdout, "> ")

		var line string
		var ok bool
		select {
		case <-ctx.Done():
			fmt.Fprintln(stdout)
			return nil
		case line, ok = <-lines:
		}
		if !ok {
			fmt.Fprintln(stdout)
			return nil
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/new":
			if id, err = h.engine.NewConversation(ctx); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "conversation %s\n", id)
			continue
		case "/history":
			msgs, err := h.engine.History(ctx, id)
			if err != nil {
				fmt.Fprintf(stdout, "error: %v\n", err)
				continue
			}
			printHistory(stdout, msgs)
			continue
		case "/tools":
			printTools(stdout, h.registry)
			continue
		}

		answer, err := h.engine.ProcessQuery(ctx, id, line)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(stdout, "error: %v\n", err)
			continue
		}
		fmt.Fprintln(stdout, answer)
	}
}

// readLines delivers stdin lines on a channel so the chat loop can also
// watch for cancellation. The channel closes at EOF or once done is
// closed.
func readLines(done <-chan struct{}, r io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			select {
			case out <- sc.Text():
			case <-done:
				return
			}
		}
	}()
	return out
}

// toolInfo is the JSON form of one discovered tool.
type toolInfo struct {
	Name        string         `json:"name"`
	Provider    string         `json:"provider"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// runTools handles "mcphost tools": connect, discover, and list.
func runTools(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	h, err := startHost(ctx, stderr, configPath)
	if err != nil {
		return err
	}
	defer h.Close()

	if outputFmt == "json" {
		return writeJSON(stdout, listTools(h.registry))
	}
	printTools(stdout, h.registry)
	return nil
}

// listTools returns every discovered tool with the provider that would
// serve it. Shadowed duplicates are reported under the winning
// provider, matching what the engine would call.
func listTools(r *tools.Registry) []toolInfo {
	descs := r.AllDescriptors()
	out := make([]toolInfo, 0, len(descs))
	for _, d := range descs {
		info := toolInfo{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema}
		if p, ok := r.Resolve(d.Name); ok {
			info.Provider = p.Name()
		}
		out = append(out, info)
	}
	return out
}

func printTools(w io.Writer, r *tools.Registry) {
	infos := listTools(r)
	if len(infos) == 0 {
		fmt.Fprintln(w, "no tools discovered")
		return
	}
	for _, t := range infos {
		desc := t.Description
		if i := strings.IndexByte(desc, '\n'); i >= 0 {
			desc = desc[:i]
		}
		fmt.Fprintf(w, "%-24s %-16s %s\n", t.Name, t.Provider, desc)
	}
}

// runHistory handles "mcphost history <id>". It only needs the
// conversation store, so no servers or models are contacted.
func runHistory(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, id string) error {
	cfg, logger, err := loadConfigAndLogger(stderr, configPath)
	if err != nil {
		return err
	}
	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	msgs, err := store.Messages(ctx, id)
	if err != nil {
		return fmt.Errorf("history %s: %w", id, err)
	}
	if outputFmt == "json" {
		return writeJSON(stdout, msgs)
	}
	printHistory(stdout, msgs)
	return nil
}

func printHistory(w io.Writer, msgs []memory.Message) {
	for _, m := range msgs {
		fmt.Fprintf(w, "[%s] %s: %s\n", m.Timestamp.Format("15:04:05"), m.Role, m.Content)
	}
}

// usageReport is the JSON form of the usage command without an id.
type usageReport struct {
	Total   *usage.Summary            `json:"total"`
	ByModel map[string]*usage.Summary `json:"by_model"`
	Store   map[string]any            `json:"store"`
}

// runUsage handles "mcphost usage [id]". Without an id it reports token
// totals for the last 30 days; with one it lists that conversation's
// completions.
func runUsage(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, id string) error {
	cfg, logger, err := loadConfigAndLogger(stderr, configPath)
	if err != nil {
		return err
	}
	if cfg.Conversations.DBPath == "" {
		return errors.New("token usage needs conversations.db_path")
	}
	store, err := usage.NewStore(cfg.Conversations.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Debug("usage store opened", "path", cfg.Conversations.DBPath)

	convs, closeConvs, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeConvs()

	if id != "" {
		recs, err := store.ConversationRecords(ctx, id)
		if err != nil {
			return err
		}
		if outputFmt == "json" {
			return writeJSON(stdout, recs)
		}
		for _, r := range recs {
			fmt.Fprintf(stdout, "[%s] round %d %-24s in=%d out=%d\n",
				r.Timestamp.Local().Format("15:04:05"), r.Round, r.Model, r.InputTokens, r.OutputTokens)
		}
		return nil
	}

	end := time.Now().Add(time.Minute)
	start := end.AddDate(0, 0, -30)
	total, err := store.Summary(ctx, start, end)
	if err != nil {
		return err
	}
	byModel, err := store.SummaryByModel(ctx, start, end)
	if err != nil {
		return err
	}
	if outputFmt == "json" {
		return writeJSON(stdout, usageReport{Total: total, ByModel: byModel, Store: convs.Stats()})
	}

	models := make([]string, 0, len(byModel))
	for m := range byModel {
		models = append(models, m)
	}
	sort.Strings(models)
	for _, m := range models {
		s := byModel[m]
		fmt.Fprintf(stdout, "%-24s calls=%d in=%d out=%d\n", m, s.Calls, s.InputTokens, s.OutputTokens)
	}
	fmt.Fprintf(stdout, "%-24s calls=%d in=%d out=%d\n", "total", total.Calls, total.InputTokens, total.OutputTokens)
	stats := convs.Stats()
	fmt.Fprintf(stdout, "stored: %v conversations, %v messages\n", stats["conversations"], stats["messages"])
	return nil
}
