package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/basket/planhub/internal/agentdef"
	"github.com/basket/planhub/internal/audit"
	"github.com/basket/planhub/internal/bus"
	"github.com/basket/planhub/internal/config"
	"github.com/basket/planhub/internal/deploy"
	"github.com/basket/planhub/internal/gui"
	"github.com/basket/planhub/internal/lease"
	"github.com/basket/planhub/internal/orchestrator"
	otelPkg "github.com/basket/planhub/internal/otel"
	"github.com/basket/planhub/internal/persistence"
	"github.com/basket/planhub/internal/ready"
	"github.com/basket/planhub/internal/recovery"
	"github.com/basket/planhub/internal/registry"
	"github.com/basket/planhub/internal/shared"
	"github.com/basket/planhub/internal/sweeper"
	"github.com/basket/planhub/internal/telemetry"
	"github.com/basket/planhub/internal/webhook"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Run the orchestration daemon

SUBCOMMANDS:
  %s handoff [options]        Deploy an agent for a plan (acquires the run lease)
  %s complete [options]       Close a session and release its lease
  %s sweep                    Run one stale-run recovery sweep over all plans
  %s gate -request <file>     Route a decision gate through the GUI supervisor
  %s version                  Print the version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  PLANHUB_HOME                Data directory (default: ~/.planhub)
  PLANHUB_WEBHOOK_URL         Enable webhook delivery to this endpoint
  PLANHUB_WEBHOOK_SECRET      Enable webhook payload signing
  PLANHUB_FORCE_LEGACY_FALLBACK  Force static agent routing
`)
}

func main() {
	homeFlag := flag.String("home", "", "planhub home directory (default: PLANHUB_HOME or ~/.planhub)")
	quiet := flag.Bool("quiet", false, "log to file only, not stdout")
	flag.Usage = printUsage
	flag.Parse()

	homeDir := *homeFlag
	if homeDir == "" {
		homeDir = os.Getenv("PLANHUB_HOME")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "version":
			fmt.Println(Version)
			return
		case "handoff":
			os.Exit(runHandoffCommand(ctx, homeDir, *quiet, args[1:]))
		case "complete":
			os.Exit(runCompleteCommand(ctx, homeDir, *quiet, args[1:]))
		case "sweep":
			os.Exit(runSweepCommand(ctx, homeDir, *quiet))
		case "gate":
			os.Exit(runGateCommand(ctx, homeDir, *quiet, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	runDaemon(ctx, homeDir, *quiet)
}

// runtime holds everything bootstrap wires together.
type runtime struct {
	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer
	bus       *bus.Bus
	store     *persistence.Store
	docs      *persistence.DocStore
	defs      *agentdef.Store
	leases    *lease.Manager
	registry  *registry.Service
	plans     *orchestrator.PlanStore
	recoverer *recovery.Sweeper
	orch      *orchestrator.Orchestrator
	otel      *otelPkg.Provider
	metrics   *otelPkg.Metrics
}

func (r *runtime) shutdown(ctx context.Context) {
	if r.otel != nil {
		_ = r.otel.Shutdown(ctx)
	}
	if r.store != nil {
		_ = r.store.Close()
	}
	if r.logCloser != nil {
		_ = r.logCloser.Close()
	}
	_ = audit.Close()
}

func bootstrap(ctx context.Context, homeDir string, quiet bool) *runtime {
	cfg, err := config.Load(homeDir)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit before logger so logger-init failures are still audited.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)

	eventBus := bus.New()

	provider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	store, err := persistence.Open(filepath.Join(cfg.DataRoot, "planhub.db"), eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	docs, err := persistence.NewDocStore(filepath.Join(cfg.DataRoot, "docs"))
	if err != nil {
		fatalStartup(logger, "E_DOCSTORE_OPEN", err)
	}

	defs := agentdef.NewStore(cfg.AgentsDir)
	if err := defs.EnsureStarterDefinitions(); err != nil {
		fatalStartup(logger, "E_AGENTDEF_BOOTSTRAP", err)
	}

	staleness := time.Duration(cfg.StalenessMinutes) * time.Minute
	leases := lease.NewManager(docs, eventBus, logger)
	leases.SetStaleness(staleness)
	recoverer := recovery.NewSweeper(store, leases, eventBus, logger)
	recoverer.SetStaleness(staleness)

	reg := registry.NewService(store, eventBus, logger)
	plans := orchestrator.NewPlanStore(docs)
	orch := orchestrator.New(orchestrator.Deps{
		Config:       cfg,
		Store:        store,
		Plans:        plans,
		Leases:       leases,
		Sweeper:      recoverer,
		Defs:         defs,
		Materializer: deploy.NewMaterializer(defs, reg, eventBus, logger),
		Registry:     reg,
		Counters:     orchestrator.NewSessionCounters(),
		Bus:          eventBus,
		Logger:       logger,
	})

	return &runtime{
		cfg:       cfg,
		logger:    logger,
		logCloser: closer,
		bus:       eventBus,
		store:     store,
		docs:      docs,
		defs:      defs,
		leases:    leases,
		registry:  reg,
		plans:     plans,
		recoverer: recoverer,
		orch:      orch,
		otel:      provider,
		metrics:   metrics,
	}
}

func runDaemon(ctx context.Context, homeDir string, quiet bool) {
	rt := bootstrap(ctx, homeDir, quiet)
	defer rt.shutdown(context.Background())
	logger := rt.logger

	go telemetry.NewMetricsBridge(rt.metrics, rt.bus, logger).Run(ctx)

	dispatcher := webhook.NewDispatcher(webhookConfig(rt.cfg.Webhook), logger)
	dispatcher.SetMetrics(rt.metrics)
	dispatcher.Start(ctx)
	go webhook.NewForwarder(dispatcher, rt.bus).Run(ctx)

	sched, err := sweeper.NewScheduler(sweeper.Config{
		Sweeper:  rt.recoverer,
		Plans:    rt.plans,
		Logger:   logger,
		CronExpr: rt.cfg.Sweep.CronExpr,
	})
	if err != nil {
		fatalStartup(logger, "E_SWEEP_SCHEDULE", err)
	}
	// One sweep on entry so a crashed previous process never leaves
	// plans stuck until the first cron firing.
	sched.SweepAll(ctx)
	logger.Info("startup phase", "phase", "recovery_scan_completed")
	if rt.cfg.Sweep.Enabled {
		sched.Start(ctx)
		defer sched.Stop()
	}

	watcher := config.NewWatcher(rt.cfg.HomeDir, rt.cfg.AgentsDir, logger)
	if err := watcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range watcher.Events() {
			if strings.HasPrefix(ev.Path, rt.cfg.AgentsDir) {
				rt.defs.Reload()
				logger.Info("agent definitions reloaded", "path", ev.Path)
			}
		}
	}()

	readySrv := ready.NewServer(rt.cfg.Ready.BindAddr, logger)
	if err := readySrv.Start(); err != nil {
		fatalStartup(logger, "E_READY_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "ready_listener_bound", "addr", readySrv.Addr())
	ready.Notify(ctx, rt.cfg.Ready.NotifyURL, ready.Notification{
		URL:       "http://" + readySrv.Addr(),
		Version:   Version,
		Transport: "http",
	}, logger)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = readySrv.Shutdown(shutdownCtx)
	// Drain queued webhook deliveries before the store closes.
	dispatcher.Close()
	logger.Info("shutdown complete")
}

func runHandoffCommand(ctx context.Context, homeDir string, quiet bool, args []string) int {
	fs := flag.NewFlagSet("handoff", flag.ExitOnError)
	workspaceID := fs.String("workspace", "", "workspace identifier (required)")
	workspacePath := fs.String("workspace-path", "", "workspace filesystem path (required)")
	planID := fs.String("plan", "", "plan identifier (required)")
	agentType := fs.String("agent", "", "agent type to deploy (required)")
	runID := fs.String("run", "", "run identifier (generated when empty)")
	sessionID := fs.String("session", "", "session identifier (generated when empty)")
	phase := fs.String("phase", "", "phase name for the step context section")
	steps := fs.String("steps", "", "comma-separated step indices")
	contextJSON := fs.String("context", "{}", "context payload as JSON, or @file")
	_ = fs.Parse(args)

	if *workspaceID == "" || *workspacePath == "" || *planID == "" || *agentType == "" {
		fmt.Fprintln(os.Stderr, "handoff requires -workspace, -workspace-path, -plan, and -agent")
		return 2
	}

	payload, err := parseContextPayload(*contextJSON)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -context: %v\n", err)
		return 2
	}
	stepIndices, err := parseStepIndices(*steps)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -steps: %v\n", err)
		return 2
	}

	rt := bootstrap(ctx, homeDir, quiet)
	defer rt.shutdown(context.Background())

	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	result, err := rt.orch.Handoff(ctx, orchestrator.HandoffRequest{
		WorkspaceID:    *workspaceID,
		WorkspacePath:  *workspacePath,
		PlanID:         *planID,
		AgentType:      *agentType,
		RunID:          *runID,
		SessionID:      *sessionID,
		PhaseName:      *phase,
		StepIndices:    stepIndices,
		ContextPayload: payload,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "handoff failed: %v\n", err)
		return 1
	}
	printJSON(result)
	if !result.Success {
		return 1
	}
	return 0
}

func runCompleteCommand(ctx context.Context, homeDir string, quiet bool, args []string) int {
	fs := flag.NewFlagSet("complete", flag.ExitOnError)
	workspaceID := fs.String("workspace", "", "workspace identifier (required)")
	planID := fs.String("plan", "", "plan identifier (required)")
	sessionID := fs.String("session", "", "session identifier (required)")
	runID := fs.String("run", "", "run identifier holding the lease")
	summary := fs.String("summary", "", "completion summary note")
	_ = fs.Parse(args)

	if *workspaceID == "" || *planID == "" || *sessionID == "" {
		fmt.Fprintln(os.Stderr, "complete requires -workspace, -plan, and -session")
		return 2
	}

	rt := bootstrap(ctx, homeDir, quiet)
	defer rt.shutdown(context.Background())

	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	if err := rt.orch.CompleteHandoff(ctx, *workspaceID, *planID, *sessionID, *runID, *summary); err != nil {
		fmt.Fprintf(os.Stderr, "complete failed: %v\n", err)
		return 1
	}
	fmt.Printf("session %s completed\n", *sessionID)
	return 0
}

func runSweepCommand(ctx context.Context, homeDir string, quiet bool) int {
	rt := bootstrap(ctx, homeDir, quiet)
	defer rt.shutdown(context.Background())

	sched, err := sweeper.NewScheduler(sweeper.Config{
		Sweeper: rt.recoverer,
		Plans:   rt.plans,
		Logger:  rt.logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "sweep failed: %v\n", err)
		return 1
	}
	sched.SweepAll(shared.WithTraceID(ctx, shared.NewTraceID()))
	fmt.Println("sweep complete")
	return 0
}

func runGateCommand(ctx context.Context, homeDir string, quiet bool, args []string) int {
	fs := flag.NewFlagSet("gate", flag.ExitOnError)
	requestFile := fs.String("request", "", "path to a form request JSON file (required)")
	_ = fs.Parse(args)

	if *requestFile == "" {
		fmt.Fprintln(os.Stderr, "gate requires -request <file>")
		return 2
	}
	data, err := os.ReadFile(*requestFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read request: %v\n", err)
		return 1
	}
	var req gui.FormRequest
	if err := json.Unmarshal(data, &req); err != nil {
		fmt.Fprintf(os.Stderr, "decode request: %v\n", err)
		return 1
	}

	rt := bootstrap(ctx, homeDir, quiet)
	defer rt.shutdown(context.Background())

	client := gui.NewSocketClient(rt.cfg.GUI.SocketPath,
		time.Duration(rt.cfg.GUI.ProbeTimeoutSeconds)*time.Second)
	router := gui.NewRouter(client, rt.bus, rt.logger)

	result := router.RouteGate(shared.WithTraceID(ctx, shared.NewTraceID()), &req)
	printJSON(result)
	if result.Outcome == gui.OutcomeError {
		return 1
	}
	return 0
}

func webhookConfig(c config.WebhookConfig) webhook.Config {
	failOpen := true
	if c.FailOpenOnQueueOverflow != nil {
		failOpen = *c.FailOpenOnQueueOverflow
	}
	return webhook.Config{
		Enabled:                 c.Enabled,
		URL:                     c.URL,
		Secret:                  c.Secret,
		SigningEnabled:          c.SigningEnabled,
		MaxPayloadBytes:         c.MaxPayloadBytes,
		RetryMaxAttempts:        c.RetryMaxAttempts,
		RetryBaseDelay:          time.Duration(c.RetryBaseDelayMs) * time.Millisecond,
		RetryMaxDelay:           time.Duration(c.RetryMaxDelayMs) * time.Millisecond,
		RetryJitterRatio:        c.RetryJitterRatio,
		RetryableStatusCodes:    c.RetryableStatusCodes,
		QueueConcurrency:        c.QueueConcurrency,
		QueueMaxInflight:        c.QueueMaxInflight,
		FailOpenOnQueueOverflow: failOpen,
	}
}

func parseContextPayload(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "@") {
		data, err := os.ReadFile(raw[1:])
		if err != nil {
			return nil, err
		}
		raw = string(data)
	}
	if raw == "" {
		return map[string]any{}, nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func parseStepIndices(raw string) ([]int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("step index %q: %w", p, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode result: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
