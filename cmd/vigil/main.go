// Vigil is a long-running agent harness: it drives an LLM in a
// perpetual turn-by-turn loop, mediates its tool use, keeps the
// context window bounded across arbitrarily long lifetimes, and
// exposes a live view plus control surface over HTTP/WebSocket.
//
// Usage:
//
//	vigil                 Run with config discovered automatically
//	vigil -config x.yaml  Run with an explicit config file
//
// Configuration is loaded from a single YAML file (see
// [config.DefaultSearchPaths]); a missing file runs on defaults.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/vigil-agent/vigil/internal/agent"
	"github.com/vigil-agent/vigil/internal/bus"
	"github.com/vigil-agent/vigil/internal/config"
	"github.com/vigil-agent/vigil/internal/fetch"
	"github.com/vigil-agent/vigil/internal/gateway"
	"github.com/vigil-agent/vigil/internal/llm"
	"github.com/vigil-agent/vigil/internal/prompts"
	"github.com/vigil-agent/vigil/internal/search"
	"github.com/vigil-agent/vigil/internal/store"
	"github.com/vigil-agent/vigil/internal/tools"
	"github.com/vigil-agent/vigil/internal/window"
)

// main is intentionally minimal: it builds the OS-level environment
// and delegates to [run] so the startup-to-shutdown lifecycle can be
// driven from tests.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stderr, os.Args[1:]); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Cancelling ctx triggers graceful
// shutdown.
func run(ctx context.Context, stderr io.Writer, args []string) error {
	flags := flag.NewFlagSet("vigil", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.String("config", "", "path to config file")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg := config.Default()
	if path, err := config.FindConfig(*configPath); err == nil {
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	} else if *configPath != "" {
		return err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))

	if err := os.MkdirAll(cfg.WorkspacePath, 0755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}

	st, err := store.Open(filepath.Join(cfg.WorkspacePath, "vigil.db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	sess, ok, err := st.CurrentSession()
	if err != nil {
		return fmt.Errorf("current session: %w", err)
	}
	var handoff string
	if ok {
		handoff = sess.HandoffSummary
	} else {
		if sess, err = st.StartSession(""); err != nil {
			return fmt.Errorf("start session: %w", err)
		}
	}
	logger.Info("session open", "id", sess.ID)

	modeRaw, err := st.GetState("mode", `"conversational"`)
	if err != nil {
		return fmt.Errorf("read mode: %w", err)
	}
	mode := agent.ModeConversational
	if trimQuotes(modeRaw) == agent.ModeAutonomous {
		mode = agent.ModeAutonomous
	}

	delayRaw, err := st.GetState("delay", `"300"`)
	if err != nil {
		return fmt.Errorf("read delay: %w", err)
	}
	delay, err := agent.ParseDelay(delayRaw)
	if err != nil {
		logger.Warn("invalid stored delay, using 300s", "value", delayRaw)
		delay = agent.Delay{Seconds: 300}
	}

	vars := prompts.Vars{
		Port:           cfg.ListenPort,
		Workspace:      cfg.WorkspacePath,
		OllamaEndpoint: cfg.ModelEndpoint,
		OllamaModel:    cfg.ModelName,
		ContextSize:    cfg.ContextSize,
	}
	systemPrompt, err := loadPrompt(cfg.SystemPromptPath, prompts.DefaultSystem(), vars)
	if err != nil {
		return err
	}
	autonomousPrompt, err := loadPrompt(cfg.AutonomousPromptPath, prompts.DefaultAutonomous(), vars)
	if err != nil {
		return err
	}

	b := bus.New()
	winmgr := window.NewManager(st, b, cfg.ContextSize, systemPrompt, logger)

	workspace := tools.NewWorkspace(cfg.WorkspacePath)
	registry := tools.NewRegistry(st, logger)
	registry.RegisterFilesystem(workspace)
	registry.RegisterTerminal(tools.NewTerminal(workspace))
	registry.RegisterSleep()
	registry.RegisterNotable(st, b)
	registry.Register(&tools.Tool{
		Name:           "web_fetch",
		Description:    "Fetch a web page and extract its readable text content.",
		Parameters:     fetch.ToolDefinition(),
		Backgroundable: true,
		Handler:        fetch.ToolHandler(fetch.New()),
	})
	if cfg.SearchAPIKey != "" {
		registry.Register(&tools.Tool{
			Name:           "web_search",
			Description:    "Search the web and return result titles, URLs, and snippets.",
			Parameters:     search.ToolDefinition(),
			Backgroundable: true,
			Handler:        search.ToolHandler(search.NewBrave(cfg.SearchAPIKey)),
		})
	}

	client := llm.NewOpenAIClient(cfg.ModelEndpoint)
	if err := client.Ping(ctx); err != nil {
		logger.Warn("model endpoint unreachable at startup", "endpoint", cfg.ModelEndpoint, "error", err)
	}

	coord := agent.NewCoordinator(agent.Config{
		Store:            st,
		Bus:              b,
		LLM:              client,
		Model:            cfg.ModelName,
		Tools:            registry,
		Window:           winmgr,
		SystemPrompt:     systemPrompt,
		AutonomousPrompt: autonomousPrompt,
		Mode:             mode,
		Delay:            delay,
		HandoffSummary:   handoff,
		Logger:           logger,
	})

	gw := gateway.NewServer(cfg.ListenPort, st, b, coord, logger)

	errCh := make(chan error, 2)
	go func() { errCh <- coord.Run(ctx) }()
	go func() { errCh <- gw.Start(ctx) }()

	logger.Info("vigil running",
		"model", cfg.ModelName,
		"mode", mode,
		"delay", delay.String(),
		"workspace", cfg.WorkspacePath,
	)

	err = <-errCh
	if ctx.Err() != nil {
		logger.Info("shutting down")
		return nil
	}
	return err
}

// loadPrompt reads an operator prompt file, or falls back to the
// built-in default, then renders {{var}} substitutions.
func loadPrompt(path, fallback string, vars prompts.Vars) (string, error) {
	template := fallback
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read prompt file %s: %w", path, err)
		}
		template = string(data)
	}
	return prompts.Render(template, vars), nil
}

// trimQuotes strips JSON string quoting from a stored state value.
func trimQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
