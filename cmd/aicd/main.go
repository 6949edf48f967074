// Aicd is the backend for Aic, a personal conversational assistant.
//
// It exposes a streaming chat API, session management endpoints, and
// an ops WebSocket. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]); secrets
// referenced as ${VAR} in the file come from the environment or an
// optional .env file.
//
// Usage:
//
//	aicd                     Start the server
//	aicd -config path.yaml   Start with an explicit config file
//	aicd -version            Print version and build information
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/aiclab/persona-agent/internal/agent"
	"github.com/aiclab/persona-agent/internal/api"
	"github.com/aiclab/persona-agent/internal/buildinfo"
	"github.com/aiclab/persona-agent/internal/capability"
	"github.com/aiclab/persona-agent/internal/config"
	"github.com/aiclab/persona-agent/internal/events"
	"github.com/aiclab/persona-agent/internal/llm"
	"github.com/aiclab/persona-agent/internal/memory"
	"github.com/aiclab/persona-agent/internal/providers/academic"
	"github.com/aiclab/persona-agent/internal/providers/calendar"
	"github.com/aiclab/persona-agent/internal/providers/imagegen"
	"github.com/aiclab/persona-agent/internal/providers/iot"
	"github.com/aiclab/persona-agent/internal/providers/notes"
	"github.com/aiclab/persona-agent/internal/providers/tasks"
	"github.com/aiclab/persona-agent/internal/providers/weather"
	"github.com/aiclab/persona-agent/internal/providers/websearch"
)

func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

func run(ctx context.Context, stdout io.Writer, args []string) error {
	fs := flag.NewFlagSet("aicd", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config file")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *showVersion {
		fmt.Fprintf(stdout, "aicd %s (%s, built %s)\n", buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime)
		return nil
	}

	// Secrets referenced as ${VAR} in the config file may live in .env.
	_ = godotenv.Load()

	cfgPath, err := config.FindConfig(*configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, level)
	logger.Info("starting aicd",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
		"config", cfgPath,
	)

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// SIGINT/SIGTERM trigger graceful shutdown.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Storage ---
	dbPath := filepath.Join(cfg.DataDir, "aicd.db")
	store, err := memory.NewStore(dbPath, logger)
	if err != nil {
		return fmt.Errorf("open database %s: %w", dbPath, err)
	}
	defer store.Close()
	logger.Info("database opened", "path", dbPath)

	// --- Reasoning service ---
	llmClient := llm.NewOpenAIClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.Temperature, logger)
	logger.Info("reasoning service configured", "base_url", cfg.LLM.BaseURL, "model", cfg.LLM.Model)

	// --- Ops bus ---
	bus := events.NewBus()

	// --- Capabilities ---
	registry := capability.NewRegistry()
	register := func(caps []*capability.Capability) {
		for _, c := range caps {
			registry.Register(c)
		}
	}

	register(weather.New(cfg.Weather.APIKey, logger).Capabilities())
	register(websearch.New(cfg.Search.URL, logger).Capabilities())
	register(academic.New(cfg.School, logger).Capabilities())

	notesProvider, err := notes.New(store.DB(), logger)
	if err != nil {
		return fmt.Errorf("init notes: %w", err)
	}
	register(notesProvider.Capabilities())

	tasksProvider, err := tasks.New(store.DB(), logger)
	if err != nil {
		return fmt.Errorf("init tasks: %w", err)
	}
	register(tasksProvider.Capabilities())

	calendarProvider, err := calendar.New(store.DB(), loc, logger)
	if err != nil {
		return fmt.Errorf("init calendar: %w", err)
	}
	register(calendarProvider.Capabilities())

	if cfg.Image.Enabled {
		register(imagegen.New(cfg.LLM.APIKey, cfg.Image.Model, cfg.DataDir, logger).Capabilities())
	}

	var commander iot.Commander
	if cfg.MQTT.Broker != "" {
		bridge := iot.NewBridge(cfg.MQTT, logger)
		if err := bridge.Start(ctx); err != nil {
			return fmt.Errorf("start mqtt bridge: %w", err)
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = bridge.Stop(stopCtx)
		}()
		commander = bridge
	} else {
		logger.Warn("mqtt broker not configured - smart home switching disabled")
	}
	iotProvider, err := iot.New(store.DB(), commander, cfg.MQTT.TopicPrefix, logger)
	if err != nil {
		return fmt.Errorf("init iot: %w", err)
	}
	register(iotProvider.Capabilities())

	logger.Info("capabilities registered", "count", registry.Len(), "names", registry.Names())

	// --- Orchestration ---
	executor := capability.NewExecutor(registry,
		time.Duration(cfg.Agent.CapabilityTimeoutSec)*time.Second, logger, bus, store)
	mem := memory.NewManager(store, llmClient,
		cfg.Agent.WindowSize, cfg.Agent.SummaryThreshold, cfg.Agent.ContextBudgetTokens, logger, bus)
	loop := agent.New(llmClient, registry, executor, mem, logger,
		agent.WithRecursionLimit(cfg.Agent.RecursionLimit),
		agent.WithLocation(loc),
		agent.WithBus(bus),
	)

	// --- API server ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, loop, mem, bus, logger)

	serveErr := make(chan error, 1)
	go func() {
		if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", "error", err)
	}
	logger.Info("goodbye")
	return nil
}
