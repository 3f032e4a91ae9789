// Factotum is an event-triggered email assistant.
//
// It holds a persistent subscription to a trigger source (new email),
// and for each accepted event runs a plan-act-observe agent against a
// per-user tool catalog session: search tools, authorize connections,
// execute, and reply on the originating thread. Configuration is loaded
// from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	factotum listen                   Subscribe and process trigger events
//	factotum init [dir]               Initialize a working directory with defaults
//	factotum ask <userId> <request>   Run one request synchronously
//	factotum version                  Print version and build information
//	factotum -o json version          Output version information as JSON
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

	"github.com/factotum-agent/factotum/internal/agent"
	"github.com/factotum-agent/factotum/internal/backoff"
	"github.com/factotum-agent/factotum/internal/buildinfo"
	"github.com/factotum-agent/factotum/internal/config"
	"github.com/factotum-agent/factotum/internal/events"
	"github.com/factotum-agent/factotum/internal/history"
	"github.com/factotum-agent/factotum/internal/planner"
	"github.com/factotum-agent/factotum/internal/registry"
	"github.com/factotum-agent/factotum/internal/session"
	"github.com/factotum-agent/factotum/internal/trigger"
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

// run is the real entry point for the factotum command. All OS-level
// dependencies are injected as parameters: ctx controls the process
// lifetime, stdout and stderr receive all output, and args is
// os.Args[1:]. We parse arguments by hand — the flag package relies on
// package-level globals, which interferes with calling run concurrently
// from tests, and the argument surface is small.
//
// run returns nil on clean shutdown and a non-nil error for any
// failure. The caller (main) prints the error and exits non-zero.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
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
	case "listen":
		return runListen(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) < 2 {
			return fmt.Errorf("usage: factotum ask <userId> <request>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs[0], strings.Join(cmdArgs[1:], " "))
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runListen handles the "factotum listen" subcommand: the long-running
// mode. It wires every component together, subscribes to the trigger
// source, and processes events until SIGINT/SIGTERM.
func runListen(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, level)
	logger.Info("starting", "version", buildinfo.String(), "config", cfgPath)

	app, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	transport, err := buildTransport(cfg, logger)
	if err != nil {
		return err
	}

	subscriber := trigger.NewSubscriber(trigger.SubscriberConfig{
		Transport:       transport,
		Handler:         app.handle,
		DedupCacheSize:  cfg.Trigger.DedupCacheSize,
		DispatchRetries: cfg.Trigger.DispatchRetries,
		SelfAddress:     cfg.Trigger.AssistantAddress,
		Logger:          logger,
		Bus:             app.bus,
	})

	// SIGINT/SIGTERM cancellation flows through the same ctx used by
	// all components; the subscriber drains in-flight runs before Run
	// returns.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := subscriber.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("subscriber failed: %w", err)
	}

	logger.Info("Factotum stopped")
	return nil
}

// runAsk handles "factotum ask <userId> <request>": one synchronous run
// with no subscription, printing the reply (or failure reason) to
// stdout. Useful for smoke tests and debugging without a trigger
// source.
func runAsk(ctx context.Context, stdout io.Writer, configPath, userID, instruction string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(stdout, slog.LevelWarn)
	logger.Debug("config loaded", "path", cfgPath)

	app, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	sess, err := app.sessions.GetOrCreate(ctx, userID)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	outcome := app.loop.Run(ctx, sess, instruction, "")
	switch outcome.Status {
	case agent.StatusDone:
		if outcome.Reply != "" {
			fmt.Fprintln(stdout, outcome.Reply)
		} else {
			fmt.Fprintln(stdout, "done (no reply)")
		}
		return nil
	case agent.StatusCancelled:
		return fmt.Errorf("run cancelled")
	default:
		return fmt.Errorf("run failed: %s", outcome.FailureReason)
	}
}

// app bundles the long-lived components shared by listen and ask.
type app struct {
	bus      *events.Bus
	sessions *session.Manager
	loop     *agent.Loop
	hist     *history.Store
	logger   *slog.Logger
}

// buildApp constructs the session manager, catalog client, planner,
// history store and agent loop from validated configuration.
func buildApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	bus := events.New()

	var hist *history.Store
	if cfg.History.Enabled {
		dataDir := cfg.DataDir
		if dataDir == "" {
			dataDir = "."
		}
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		var err error
		hist, err = history.NewStore(filepath.Join(dataDir, "history.db"), cfg.History.MaxMessages)
		if err != nil {
			return nil, fmt.Errorf("open history store: %w", err)
		}
	}

	sessions := session.NewManager(
		session.NewHTTPAPI(cfg.Catalog.BaseURL, cfg.Catalog.APIKey, logger),
		logger,
		session.WithRetries(cfg.Catalog.SessionRetries),
		session.WithTimeout(cfg.Catalog.SessionCreateTimeout()),
		session.WithBus(bus),
	)

	catalog := registry.New(cfg.Catalog, logger)

	loop := agent.NewLoop(agent.LoopConfig{
		Planner:      planner.NewLLMPlanner(cfg.Planner, logger),
		Open:         func(sess *session.Session) agent.Catalog { return catalog.ForSession(sess) },
		Dispatcher:   agent.NewDispatcher(cfg.Catalog.ReplyTool, logger),
		History:      historyOrNil(hist),
		StepLimit:    cfg.Agent.StepLimit,
		ExecRetries:  cfg.Agent.ExecRetries,
		HistoryLimit: cfg.Agent.HistoryLimit,
		Backoff:      backoff.Quick(),
		Logger:       logger,
		Bus:          bus,
	})

	return &app{
		bus:      bus,
		sessions: sessions,
		loop:     loop,
		hist:     hist,
		logger:   logger,
	}, nil
}

// historyOrNil avoids storing a typed nil in the loop's History
// interface when persistence is disabled.
func historyOrNil(hist *history.Store) agent.History {
	if hist == nil {
		return nil
	}
	return hist
}

func (a *app) close() {
	if a.hist != nil {
		a.hist.Close()
	}
}

// handle processes one accepted trigger event: resolve the user's
// session, then hand the instruction to the agent loop. Session
// creation failure is returned so the subscriber's bounded dispatch
// retry applies; a run that reached a terminal outcome is complete
// regardless of status.
func (a *app) handle(ctx context.Context, evt trigger.Event) error {
	sess, err := a.sessions.GetOrCreate(ctx, evt.UserID)
	if err != nil {
		return fmt.Errorf("session for %s: %w", evt.UserID, err)
	}

	outcome := a.loop.Run(ctx, sess, evt.Instruction(), evt.Payload.ThreadID)
	if outcome.Status == agent.StatusFailed {
		a.logger.Warn("run failed",
			"event_id", evt.ID,
			"run_id", outcome.RunID,
			"reason", outcome.FailureReason,
		)
	}
	return nil
}

// buildTransport selects the trigger transport from configuration.
func buildTransport(cfg *config.Config, logger *slog.Logger) (trigger.Transport, error) {
	switch cfg.Trigger.Transport {
	case "websocket":
		return trigger.NewWebSocketTransport(trigger.WebSocketConfig{
			URL:         cfg.Trigger.URL,
			APIKey:      cfg.Catalog.APIKey,
			TriggerID:   cfg.Trigger.TriggerID,
			DialTimeout: cfg.Trigger.DialTimeout(),
			Logger:      logger,
		}), nil
	case "mqtt":
		return trigger.NewMQTTTransport(cfg.Trigger.MQTT, logger), nil
	default:
		return nil, fmt.Errorf("unknown trigger transport: %q", cfg.Trigger.Transport)
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

// printUsage writes the top-level help text to w. It is called when
// factotum is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Factotum - Event-Triggered Email Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: factotum [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  listen                 Subscribe to the trigger source and process events")
	fmt.Fprintln(w, "  init [dir]             Initialize a working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask <userId> <request> Run one request synchronously and print the reply")
	fmt.Fprintln(w, "  version                Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	return nil
}

// newLogger creates a structured text logger writing to w. All log
// output goes through slog; this standardizes handler configuration
// across subcommands.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig resolves and loads the configuration file.
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
