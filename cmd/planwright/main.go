// Planwright coordinates planning specialists over long-lived user
// sessions.
//
// It exposes an HTTP control surface for sessions, specialist calls and
// adaptive improvement loops, and optionally publishes health counters
// over MQTT. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	planwright serve              Start the API server
//	planwright init [dir]         Write a default config into dir
//	planwright version            Print version and build information
//	planwright -o json version    Output version information as JSON
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
	"sync"
	"syscall"
	"time"

	"github.com/nugget/planwright/internal/api"
	"github.com/nugget/planwright/internal/buildinfo"
	"github.com/nugget/planwright/internal/config"
	"github.com/nugget/planwright/internal/connwatch"
	"github.com/nugget/planwright/internal/database"
	"github.com/nugget/planwright/internal/events"
	"github.com/nugget/planwright/internal/llm"
	"github.com/nugget/planwright/internal/loop"
	"github.com/nugget/planwright/internal/memory"
	"github.com/nugget/planwright/internal/mqtt"
	"github.com/nugget/planwright/internal/observe"
	"github.com/nugget/planwright/internal/opstate"
	"github.com/nugget/planwright/internal/orchestrator"
	"github.com/nugget/planwright/internal/search"
	"github.com/nugget/planwright/internal/session"
	"github.com/nugget/planwright/internal/specialist"
	"github.com/nugget/planwright/internal/usage"
)

// main constructs the OS-level environment and delegates to [run] so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand rather than
// with the flag package so run can be called concurrently from tests.
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
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
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

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Planwright - planning specialist orchestrator")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: planwright [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  init [dir]   Write a default config.yaml (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/planwright/config.yaml, /etc/planwright/config.yaml")
	return nil
}

// runServe loads config, wires every component, serves HTTP and blocks
// until ctx is canceled or a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The HTTP server drains in-flight requests
//  3. Loop runs are canceled and awaited
//  4. The reaper and upstream watchers stop, MQTT goes offline, the
//     database closes
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting planwright", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel) // validated by loadConfig
	logger = config.NewLogger(stdout, level, cfg.LogFormat)
	slog.SetDefault(logger)

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"storage", cfg.StoragePath(),
		"driver", cfg.Storage.Driver,
		"llm_provider", cfg.LLM.Provider,
		"search_provider", cfg.Search.Provider,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	db, err := database.Open(cfg.Storage.Driver, cfg.StoragePath())
	if err != nil {
		return err
	}
	defer db.Close()

	bus := events.New()
	recorder := observe.NewRecorder(bus, logger)

	// --- Memory ---
	backend, err := memory.NewSQLiteBackend(db)
	if err != nil {
		return fmt.Errorf("open memory backend: %w", err)
	}
	store := memory.NewStore(backend, memory.CompactionConfig{
		ThresholdBytes:  int64(cfg.CompactionThresholdBytes),
		RetentionWindow: cfg.RetentionWindowRecords,
		MaxSummaryBytes: cfg.Compaction.MaxSummaryBytes,
	}, logger)
	store.SetEventBus(bus)
	defer store.Close()

	archive, err := opstate.NewStore(db)
	if err != nil {
		return fmt.Errorf("open run archive: %w", err)
	}

	ledger, err := usage.NewStore(db, cfg.LLM.Pricing)
	if err != nil {
		return fmt.Errorf("open usage ledger: %w", err)
	}

	// --- Sessions ---
	registry, err := session.New(session.Config{
		TTL:          cfg.TTL(),
		ReapInterval: cfg.ReapInterval(),
	}, logger)
	if err != nil {
		return err
	}
	registry.SetEventBus(bus)
	registry.Start(ctx)
	defer registry.Stop()

	// --- Specialists ---
	upstreams := connwatch.NewManager(logger)
	upstreams.SetEventBus(bus)
	defer upstreams.Stop()

	searchMgr := newSearchManager(cfg, logger)
	for name, probe := range searchMgr.Probes() {
		if _, err := upstreams.Watch(ctx, connwatch.Service{Name: "search/" + name, Probe: probe}); err != nil {
			return err
		}
	}

	table := specialist.NewFallbackTable(searchMgr, logger)
	if client := newLLMClient(cfg, logger); client != nil {
		if _, err := upstreams.Watch(ctx, connwatch.Service{Name: "llm", Probe: client.Ping}); err != nil {
			return err
		}
		table = specialist.NewLiveTable(client, specialist.LiveConfig{
			Model:      cfg.LLM.Model,
			KindModels: cfg.LLM.KindModels,
			Available:  func() bool { return upstreams.Ready("llm") },
			Usage:      ledger,
		}, searchMgr, logger)
	}
	invoker := specialist.NewInvoker(table, specialistConfig(cfg), recorder, logger)

	// --- Loop supervisor ---
	supervisor, err := loop.New(loop.Config{
		MaxIterations:          cfg.MaxLoopIterations,
		Deadline:               cfg.LoopDeadline(),
		ConvergenceScore:       cfg.Loop.ConvergenceScore,
		MinImprovement:         cfg.Loop.MinImprovement,
		MaxConsecutiveFailures: cfg.Loop.MaxConsecutiveFailures,
		MaxConcurrentRuns:      cfg.Loop.MaxConcurrentRuns,
	}, loop.Deps{
		Invoker:  invoker,
		Memory:   store,
		Sessions: registry,
		Observer: recorder,
		Archive:  archive,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	runtime, err := orchestrator.New(orchestrator.Deps{
		Sessions:  registry,
		Memory:    store,
		Invoker:   invoker,
		Loops:     supervisor,
		Observer:  recorder,
		Upstreams: upstreams,
		Usage:     ledger,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- MQTT publisher ---
	var (
		mqttPub *mqtt.Publisher
		bg      sync.WaitGroup
	)
	if cfg.MQTT.Enabled && cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		daily := mqtt.NewDailyCounter(nil)
		mqttPub = mqtt.New(cfg.MQTT, instanceID, daily, &healthCounters{rt: runtime, rec: recorder}, logger)

		bg.Add(2)
		go func() {
			defer bg.Done()
			daily.Follow(bus, ctx.Done())
		}()
		go func() {
			defer bg.Done()
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"instance_id", instanceID,
			"interval", cfg.MQTT.PublishInterval(),
		)
	} else {
		logger.Info("mqtt publishing disabled")
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, runtime, bus, logger)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("api shutdown failed", "error", err)
		}
	}()

	serveErr := server.Start(ctx)
	if errors.Is(serveErr, http.ErrServerClosed) {
		serveErr = nil
	}
	cancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer drainCancel()
	if err := supervisor.Shutdown(drainCtx); err != nil {
		logger.Error("loop shutdown incomplete", "error", err)
	}
	if mqttPub != nil {
		if err := mqttPub.Stop(drainCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
	}
	bg.Wait()

	if serveErr != nil {
		return fmt.Errorf("server failed: %w", serveErr)
	}
	logger.Info("planwright stopped")
	return nil
}

// loadConfig locates, parses and validates the YAML configuration.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// newLLMClient builds the live model client, or nil when no provider is
// configured and every specialist runs deterministically.
func newLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	var primary llm.Client
	providers := map[string]llm.Client{}

	if cfg.LLM.URL != "" {
		providers["ollama"] = llm.NewOllamaClient(cfg.LLM.URL, logger)
	}
	if cfg.LLM.APIKey != "" {
		providers["anthropic"] = llm.NewAnthropicClient(cfg.LLM.APIKey, logger)
	}
	primary = providers[cfg.LLM.Provider]
	if primary == nil {
		return nil
	}

	multi := llm.NewMultiClient(primary)
	for name, c := range providers {
		multi.AddProvider(name, c)
	}
	for model, provider := range cfg.LLM.Routes {
		multi.AddModel(model, provider)
	}
	logger.Info("LLM client initialized", "provider", cfg.LLM.Provider, "model", cfg.LLM.Model)
	return multi
}

// newSearchManager registers every configured search provider. The
// configured provider is tried first; the others serve as failover.
func newSearchManager(cfg *config.Config, logger *slog.Logger) *search.Manager {
	mgr := search.NewManager(cfg.Search.Provider)
	if cfg.Search.SearXNG.URL != "" {
		mgr.Register(search.NewSearXNG(cfg.Search.SearXNG.URL))
	}
	if cfg.Search.Brave.APIKey != "" {
		mgr.Register(search.NewBrave(cfg.Search.Brave.APIKey))
	}
	if mgr.Configured() {
		logger.Info("web search enabled", "primary", cfg.Search.Provider, "providers", mgr.Providers())
	} else {
		logger.Info("web search disabled, resource specialist uses static references")
	}
	return mgr
}

func specialistConfig(cfg *config.Config) specialist.Config {
	sc := specialist.Config{
		MaxConcurrent: cfg.Specialist.MaxConcurrentCalls,
		RateLimit:     cfg.Specialist.RateLimitPerSecond,
		Timeout:       cfg.SpecialistTimeout(),
		RetryCount:    cfg.RetryCount,
		BackoffBase:   cfg.RetryBackoff(),
		KindTimeouts:  make(map[specialist.Kind]time.Duration),
	}
	for name, secs := range cfg.Specialist.TimeoutSeconds {
		if k, ok := specialist.ParseKind(name); ok && secs > 0 {
			sc.KindTimeouts[k] = time.Duration(secs) * time.Second
		}
	}
	return sc
}

// healthCounters adapts the runtime and recorder to the MQTT
// publisher's [mqtt.StatsSource].
type healthCounters struct {
	rt  *orchestrator.Runtime
	rec *observe.Recorder
}

func (h *healthCounters) Counters(ctx context.Context) mqtt.Counters {
	health := h.rt.Health(ctx)
	snap := h.rec.Snapshot()
	return mqtt.Counters{
		ActiveSessions: health.ActiveSessions,
		ActiveRuns:     health.ActiveRuns,
		RunsStarted:    snap.RunsStarted,
		Invocations:    snap.Invocations,
	}
}
