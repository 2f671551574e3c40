// Cloudvoice is the voice assistant backend for cloud infrastructure.
//
// It receives natural-language prompts (typed or transcribed from
// speech), consults a completion provider with a fixed tool catalog,
// and dispatches at most one tool per turn: carbon footprint
// estimation, instance deployment (both via a tool-host subprocess),
// or knowledge base lookup. High-impact actions are held for explicit
// approval before anything executes. Configuration is loaded from a
// single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	cloudvoice serve                Start the API server
//	cloudvoice ask <prompt>         Run a single turn (for testing)
//	cloudvoice ingest <file|url>    Import a document into the knowledge base
//	cloudvoice version              Print version and build information
//	cloudvoice -o json version      Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cloudvoice/cloudvoice/internal/api"
	"github.com/cloudvoice/cloudvoice/internal/buildinfo"
	"github.com/cloudvoice/cloudvoice/internal/config"
	"github.com/cloudvoice/cloudvoice/internal/connwatch"
	"github.com/cloudvoice/cloudvoice/internal/embeddings"
	"github.com/cloudvoice/cloudvoice/internal/events"
	"github.com/cloudvoice/cloudvoice/internal/fetch"
	"github.com/cloudvoice/cloudvoice/internal/history"
	"github.com/cloudvoice/cloudvoice/internal/ingest"
	"github.com/cloudvoice/cloudvoice/internal/knowledge"
	"github.com/cloudvoice/cloudvoice/internal/llm"
	"github.com/cloudvoice/cloudvoice/internal/mcp"
	"github.com/cloudvoice/cloudvoice/internal/orchestrator"
	"github.com/cloudvoice/cloudvoice/internal/tools"
	"github.com/cloudvoice/cloudvoice/internal/transcribe"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the cloudvoice command. Arguments are
// parsed by hand: the flag package relies on package-level globals,
// which makes it impossible to call run() concurrently from tests, and
// the argument surface here is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: cloudvoice ask <prompt>")
		}
		return runAsk(ctx, stdout, stderr, configPath, cmdArgs)
	case "ingest":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: cloudvoice ingest <file.md|url>")
		}
		return runIngest(ctx, stdout, configPath, cmdArgs[0])
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "CloudVoice - Voice Assistant Backend for Cloud Infrastructure")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: cloudvoice [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  ask          Run a single turn (for testing)")
	fmt.Fprintln(w, "  ingest       Import a markdown file or web page into the knowledge base")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/cloudvoice/config.yaml, /etc/cloudvoice/config.yaml")
	return nil
}

// runAsk handles "cloudvoice ask <prompt>". It boots a minimal
// assistant (no history store, no telemetry) and processes a single
// turn, printing the reply to stdout. "--approve" grants the approval
// flag for testing the gate.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, args []string) error {
	logger := newLogger(stderr, slog.LevelWarn, "text")

	approved := false
	var words []string
	for _, a := range args {
		if a == "--approve" {
			approved = true
			continue
		}
		words = append(words, a)
	}
	prompt := strings.Join(words, " ")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	registry, _, cleanup, err := buildRegistry(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	llmClient := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
	orch := orchestrator.New(logger, llmClient, cfg.Models.Default, registry)
	orch.SetTimeouts(
		time.Duration(cfg.Models.TimeoutSec)*time.Second,
		time.Duration(cfg.ToolHost.TimeoutSec)*time.Second,
	)

	reply, err := orch.ProcessTurn(ctx, "", prompt, approved)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	fmt.Fprintln(stdout, reply.Response)
	if reply.RequiresApproval {
		fmt.Fprintln(stdout, "(re-run with --approve to proceed)")
	}
	return nil
}

// runIngest handles "cloudvoice ingest <file.md|url>". Markdown files
// are split into heading-scoped passages; URLs are fetched and stored
// as a single passage.
func runIngest(ctx context.Context, stdout io.Writer, configPath string, target string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	store, err := knowledge.NewStore(cfg.Knowledge.Path)
	if err != nil {
		return fmt.Errorf("open knowledge store: %w", err)
	}
	defer store.Close()

	embedder := embeddings.New(embeddings.Config{
		BaseURL: cfg.Embeddings.BaseURL,
		Model:   cfg.Embeddings.Model,
	})

	ingester := ingest.New(store, embedder, fetch.New(), logger)

	var count int
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		count, err = ingester.IngestURL(ctx, target)
	} else {
		count, err = ingester.IngestFile(ctx, target)
	}
	if err != nil {
		return fmt.Errorf("ingestion failed: %w", err)
	}

	fmt.Fprintf(stdout, "Ingested %d passages from %s\n", count, target)
	return nil
}

// runServe handles "cloudvoice serve". It is the primary operating
// mode: loads config, opens the knowledge and history databases, seeds
// the knowledge base, spawns the tool host, wires the orchestrator,
// and serves HTTP until a shutdown signal arrives.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting CloudVoice",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level is known.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level, "text")
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Models.Default,
		"ollama_url", cfg.Models.OllamaURL,
	)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- History store ---
	// SQLite-backed audit trail: messages and tool invocations persist
	// across restarts.
	historyPath := filepath.Join(cfg.DataDir, "history.db")
	historyStore, err := history.NewStore(historyPath)
	if err != nil {
		return fmt.Errorf("open history database %s: %w", historyPath, err)
	}
	defer historyStore.Close()
	logger.Info("history database opened", "path", historyPath)

	// --- Knowledge base and tool host ---
	// Vector store over SQLite, seeded with the built-in green-AI
	// passages on first boot, plus the tool-host subprocess.
	registry, hostClient, cleanup, err := buildRegistry(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	// --- Orchestrator ---
	llmClient := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
	orch := orchestrator.New(logger, llmClient, cfg.Models.Default, registry)
	orch.SetRecorder(historyStore)
	orch.SetTimeouts(
		time.Duration(cfg.Models.TimeoutSec)*time.Second,
		time.Duration(cfg.ToolHost.TimeoutSec)*time.Second,
	)

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Dependency health ---
	// Background monitoring with exponential backoff for the completion
	// provider and the tool host, surfaced via /health.
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()
	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:    "ollama",
		Probe:   func(pCtx context.Context) error { return llmClient.Ping(pCtx) },
		Backoff: connwatch.DefaultBackoffConfig(),
	})
	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:    "toolhost",
		Probe:   func(pCtx context.Context) error { return hostClient.Ping(pCtx) },
		Backoff: connwatch.DefaultBackoffConfig(),
	})

	// --- Telemetry ---
	// Turn events fan out through the in-process bus; the MQTT
	// publisher is one subscriber.
	bus := events.NewBus()
	orch.SetBus(bus)
	var publisher *events.Publisher
	if cfg.Events.Enabled && cfg.Events.Broker != "" {
		publisher = events.New(cfg.Events, logger)
		go func() {
			if err := publisher.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
				return
			}
			publisher.Forward(ctx, bus)
		}()
		logger.Info("mqtt telemetry enabled", "broker", cfg.Events.Broker)
	} else {
		logger.Info("mqtt telemetry disabled (not configured)")
	}

	// --- API server ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, cfg.Listen.Origin, orch, logger)
	server.SetHistoryStore(historyStore)
	server.SetHealthSource(connMgr)
	if cfg.Transcribe.APIKey != "" || cfg.Transcribe.BaseURL != "" {
		server.SetTranscriber(transcribe.New(transcribe.Config{
			BaseURL: cfg.Transcribe.BaseURL,
			APIKey:  cfg.Transcribe.APIKey,
			Model:   cfg.Transcribe.Model,
		}))
		logger.Info("transcription enabled", "model", cfg.Transcribe.Model)
	} else {
		logger.Warn("transcription disabled (no API key configured)")
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		if publisher != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := publisher.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	// Blocks until the server is shut down via context cancellation or
	// a fatal error.
	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("CloudVoice stopped")
	return nil
}

// buildRegistry assembles the tool registry: the tool-host subprocess
// client for the cloud action tools and the local knowledge searcher.
// The returned cleanup closes the subprocess and the knowledge store.
func buildRegistry(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*tools.Registry, *mcp.Client, func(), error) {
	// Knowledge base.
	store, err := knowledge.NewStore(cfg.Knowledge.Path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open knowledge store %s: %w", cfg.Knowledge.Path, err)
	}

	embedder := embeddings.New(embeddings.Config{
		BaseURL: cfg.Embeddings.BaseURL,
		Model:   cfg.Embeddings.Model,
	})

	seeded, err := knowledge.Seed(ctx, store, embedder)
	if err != nil {
		logger.Warn("knowledge seeding failed, continuing with existing data", "error", err)
	} else if seeded > 0 {
		logger.Info("knowledge base seeded", "passages", seeded)
	}

	searcher := knowledge.NewSearcher(store, embedder, cfg.Knowledge.MinScore, logger)

	// Tool host subprocess.
	transport := mcp.NewStdioTransport(mcp.StdioConfig{
		Command: cfg.ToolHost.Command,
		Args:    cfg.ToolHost.Args,
		Env:     cfg.ToolHost.Env,
		Logger:  logger,
	})
	hostClient := mcp.NewClient("toolhost", transport, logger)

	initCtx, initCancel := context.WithTimeout(ctx, 30*time.Second)
	defer initCancel()
	if err := hostClient.Initialize(initCtx); err != nil {
		store.Close()
		return nil, nil, nil, fmt.Errorf("initialize tool host %q: %w", cfg.ToolHost.Command, err)
	}
	logger.Info("tool host ready", "command", cfg.ToolHost.Command)

	registry := tools.NewRegistry()
	registry.RegisterHostTools(hostClient)
	registry.RegisterKnowledgeTool(searcher)

	cleanup := func() {
		if err := hostClient.Close(); err != nil {
			logger.Warn("tool host shutdown failed", "error", err)
		}
		store.Close()
	}
	return registry, hostClient, cleanup, nil
}

// newLogger creates a structured logger that writes to w at the given
// level. Format must be "text" or "json"; any other value defaults to
// text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

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
