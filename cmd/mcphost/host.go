package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/mcphost/internal/agent"
	"github.com/nugget/mcphost/internal/buildinfo"
	"github.com/nugget/mcphost/internal/config"
	"github.com/nugget/mcphost/internal/llm"
	"github.com/nugget/mcphost/internal/mcp"
	"github.com/nugget/mcphost/internal/memory"
	"github.com/nugget/mcphost/internal/paths"
	"github.com/nugget/mcphost/internal/tools"
	"github.com/nugget/mcphost/internal/usage"
)

// host is a running mcphost: model client, connected MCP servers, the
// tool registry built from them, conversation storage and the engine.
type host struct {
	cfg      *config.Config
	logger   *slog.Logger
	model    llm.Client
	registry *tools.Registry
	store    memory.ConversationStore
	usage    *usage.Store // nil without a database
	engine   *agent.Engine

	clients    []*mcp.Client
	closeStore func() error

	// bg bounds tool rediscovery triggered by servers after startup.
	bg       context.Context
	cancelBg context.CancelFunc
	once     sync.Once
}

// startHost loads configuration and brings every component up.
// Servers that cannot be reached are logged and skipped so the model
// can still answer with the tools that are available.
func startHost(ctx context.Context, stderr io.Writer, configPath string) (*host, error) {
	cfg, logger, err := loadConfigAndLogger(stderr, configPath)
	if err != nil {
		return nil, err
	}

	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	h := &host{
		cfg:        cfg,
		logger:     logger,
		model:      createLLMClient(cfg, logger),
		registry:   tools.NewRegistry(discoveryTimeout(cfg.MCP.Servers), logger),
		store:      store,
		closeStore: closeStore,
	}
	h.bg, h.cancelBg = context.WithCancel(context.WithoutCancel(ctx))

	if cfg.Conversations.DBPath != "" {
		if h.usage, err = usage.NewStore(cfg.Conversations.DBPath); err != nil {
			closeStore()
			return nil, fmt.Errorf("open usage store: %w", err)
		}
	}

	for _, s := range cfg.MCP.Servers {
		if err := h.connectServer(ctx, s); err != nil {
			logger.Warn("MCP server unavailable, continuing without it",
				"mcp_server", s.Name,
				"transport", s.Transport,
				"error", err,
			)
		}
	}
	if n := len(cfg.MCP.Servers); n > 0 && len(h.clients) == 0 {
		logger.Warn("no MCP servers connected, answering without tools", "configured", n)
	}

	engineCfg := agent.Config{
		MaxRounds:            cfg.Engine.MaxRounds,
		SystemPrompt:         cfg.Engine.SystemPrompt,
		AcceptBareDirectives: cfg.Engine.AcceptBareDirectives,
		MaxTokens:            cfg.Model.MaxTokens,
	}
	if h.usage != nil {
		engineCfg.Usage = h.usage
	}
	h.engine = agent.NewEngine(h.model, h.registry, h.store, engineCfg, logger)

	logger.Info("mcphost ready",
		"servers", len(h.clients),
		"tools", len(h.registry.AllDescriptors()),
		"model", cfg.Model.Name,
		"tool_mode", h.model.ToolMode(),
		"store", h.store.Stats(),
	)
	return h, nil
}

// connectServer opens one MCP server and registers its tools. The
// client stays connected even when discovery fails; a later reconnect
// or list_changed notification retries it.
func (h *host) connectServer(ctx context.Context, s config.ServerConfig) error {
	dialer, err := newDialer(s, h.logger)
	if err != nil {
		return err
	}

	ch := mcp.NewChannel(mcp.ChannelConfig{
		Name:        s.Name,
		Dialer:      dialer,
		OpenTimeout: s.OpenTimeout,
		Backoff:     s.ReconnectBackoff,
		Logger:      h.logger,
	})
	client := mcp.NewClient(s.Name, ch, h.logger)
	client.SetSamplingHandler(mcp.NewSamplingHandler(h.model, h.logger))
	client.SetCallTimeout(s.CallTimeout)
	client.OnToolsChanged(func() {
		dctx, cancel := context.WithTimeout(h.bg, s.DiscoveryTimeout)
		defer cancel()
		// Failures are logged by the registry.
		_ = h.registry.Discover(dctx, client)
	})

	if err := client.Connect(ctx); err != nil {
		client.Close()
		return err
	}
	h.clients = append(h.clients, client)

	dctx, cancel := context.WithTimeout(ctx, s.DiscoveryTimeout)
	defer cancel()
	if err := h.registry.Discover(dctx, client); err != nil {
		return err
	}
	return nil
}

// Close disconnects every server and closes conversation storage.
func (h *host) Close() {
	h.once.Do(func() {
		h.cancelBg()
		for _, c := range h.clients {
			if err := c.Close(); err != nil {
				h.logger.Warn("error closing MCP client", "mcp_server", c.Name(), "error", err)
			}
		}
		if err := h.closeStore(); err != nil {
			h.logger.Warn("error closing conversation store", "error", err)
		}
	})
}

// loadConfigAndLogger locates and parses the configuration, then builds
// the process logger from it. Logs go to w so stdout stays clean for
// answers.
func loadConfigAndLogger(w io.Writer, explicit string) (*config.Config, *slog.Logger, error) {
	cfg, cfgPath, err := loadConfig(explicit)
	if err != nil {
		return nil, nil, err
	}

	// ParseLogLevel is already validated by config.Validate(), so this
	// error path should be unreachable in practice.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := config.NewLogger(w, level, cfg.LogFormat)
	logger.Info("config loaded", "path", cfgPath, "version", buildinfo.Version)
	return cfg, logger, nil
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// createLLMClient builds the model client named by the configuration.
func createLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	switch cfg.Model.Provider {
	case "anthropic":
		logger.Info("Anthropic provider configured", "model", cfg.Model.Name)
		return llm.NewAnthropicClient(cfg.Model.URL, cfg.Model.APIKey, cfg.Model.Name, logger)
	default:
		mode := llm.ToolModePrompt
		if cfg.Model.ToolMode == config.ToolModeNative {
			mode = llm.ToolModeNative
		}
		logger.Info("Ollama provider configured", "model", cfg.Model.Name, "url", cfg.Model.URL, "tool_mode", mode)
		client := llm.NewOllamaClient(cfg.Model.URL, cfg.Model.Name, mode, logger)
		client.SetTextToolCalls(cfg.Engine.AcceptBareDirectives)
		return client
	}
}

// newDialer builds the transport for one server.
func newDialer(s config.ServerConfig, logger *slog.Logger) (mcp.Dialer, error) {
	logger = logger.With("mcp_server", s.Name)
	switch s.Transport {
	case config.TransportWebSocket:
		return mcp.NewWebSocketDialer(mcp.WebSocketConfig{
			URL:     s.URL,
			Headers: s.Headers,
			Logger:  logger,
		})
	case config.TransportStdio:
		return mcp.NewStdioDialer(mcp.StdioConfig{
			Command: s.Command,
			Args:    s.Args,
			Env:     s.Env,
			Logger:  logger,
		}), nil
	default:
		return mcp.NewSSEDialer(mcp.SSEConfig{
			URL:     s.URL,
			Headers: s.Headers,
			Logger:  logger,
		})
	}
}

// openStore returns the configured conversation store and the function
// that closes it.
func openStore(cfg *config.Config, logger *slog.Logger) (memory.ConversationStore, func() error, error) {
	if cfg.Conversations.DBPath == "" {
		logger.Debug("conversations kept in memory")
		return memory.NewStore(), func() error { return nil }, nil
	}

	if err := paths.EnsureParent(cfg.Conversations.DBPath); err != nil {
		return nil, nil, fmt.Errorf("create conversation directory: %w", err)
	}
	store, err := memory.NewSQLiteStore(cfg.Conversations.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open conversation store: %w", err)
	}
	logger.Info("conversation store opened", "path", cfg.Conversations.DBPath)
	return store, store.Close, nil
}

// discoveryTimeout returns the longest per-server discovery timeout so
// the registry never cuts a server short. Each discovery call still
// carries its own server's deadline.
func discoveryTimeout(servers []config.ServerConfig) time.Duration {
	var d time.Duration
	for _, s := range servers {
		d = max(d, s.DiscoveryTimeout)
	}
	return d
}
