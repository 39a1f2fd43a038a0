// Fluidagent is an LLM agent service for uploaded API collections.
//
// It turns an API collection document into callable tools, runs
// conversation turns against an OpenAI-compatible model, and gates
// sensitive tool calls behind human approval. Configuration is loaded
// from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	fluidagent serve          Start the API server
//	fluidagent version        Print version and build information
//	fluidagent -o json version  Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fluidtools/agent/internal/api"
	"github.com/fluidtools/agent/internal/buildinfo"
	"github.com/fluidtools/agent/internal/config"
	"github.com/fluidtools/agent/internal/llm"
	"github.com/fluidtools/agent/internal/orchestrator"
	"github.com/fluidtools/agent/internal/thread"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run] so the full
// startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the fluidagent command. Arguments are
// parsed by hand: the flag package relies on package-level globals,
// which interferes with calling run() concurrently from tests, and the
// argument surface is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string

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
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
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
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "fluidagent - LLM agent service for API collections")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: fluidagent [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/fluidagent/config.yaml, /etc/fluidagent/config.yaml")
	return nil
}

// runServe is the primary operating mode: loads config, opens the
// archive, wires the orchestrator, starts the API server, and blocks
// until a shutdown signal arrives.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting fluidagent",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level and format are
	// known. The initial text logger covers only the startup banner.
	{
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			level, err = config.ParseLogLevel(cfg.LogLevel)
			if err != nil {
				return err
			}
		}
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Model.Name,
		"model_url", cfg.Model.BaseURL,
	)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Model client ---
	model := llm.NewOpenAIClient(cfg.Model.BaseURL, cfg.Model.APIKey, cfg.Model.Name)
	{
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := model.Ping(pingCtx)
		cancel()
		if err != nil {
			logger.Warn("model endpoint not reachable at startup", "error", err)
		}
	}

	// --- Thread archive ---
	// Durable record of messages and tool calls, for the inspection
	// endpoints. Live turns run against in-memory state.
	dbPath := cfg.DataDir + "/threads.db"
	archive, err := thread.NewArchive(dbPath)
	if err != nil {
		return fmt.Errorf("open archive database %s: %w", dbPath, err)
	}
	logger.Info("archive database opened", "path", dbPath)

	// --- Event hub ---
	hub := api.NewHub(logger)

	// --- Orchestrator ---
	orch := orchestrator.New(cfg, model, archive, hub, logger)
	defer orch.Close(context.Background())

	// --- Startup collection ---
	if cfg.CollectionFile != "" {
		data, err := os.ReadFile(cfg.CollectionFile)
		if err != nil {
			return fmt.Errorf("read collection %s: %w", cfg.CollectionFile, err)
		}
		count, err := orch.LoadCollection(ctx, data)
		if err != nil {
			return fmt.Errorf("load collection %s: %w", cfg.CollectionFile, err)
		}
		logger.Info("startup collection loaded", "path", cfg.CollectionFile, "tools", count)
	} else {
		logger.Info("no startup collection configured, waiting for upload")
	}

	// --- API server ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, orch, hub, logger)

	// --- Signal handling and graceful shutdown ---
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("fluidagent stopped")
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text.
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

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
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
