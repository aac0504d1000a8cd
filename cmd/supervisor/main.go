// Command supervisor is the process entrypoint: it resolves configuration,
// preflights the backend, rehydrates shared state against the authoritative
// remote snapshot, spawns the planner child, and drives the multiplexer loop
// until shutdown, translating the outcome into the documented process
// exit codes.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/sprintctl/supervisor/internal/backendclient"
	"github.com/sprintctl/supervisor/internal/config"
	resperr "github.com/sprintctl/supervisor/internal/errors"
	"github.com/sprintctl/supervisor/internal/history"
	"github.com/sprintctl/supervisor/internal/ledger"
	"github.com/sprintctl/supervisor/internal/model"
	"github.com/sprintctl/supervisor/internal/procwiring"
	"github.com/sprintctl/supervisor/internal/promotion"
	"github.com/sprintctl/supervisor/internal/reconcile"
	"github.com/sprintctl/supervisor/internal/sanitize"
	"github.com/sprintctl/supervisor/internal/supervisor"
	"github.com/sprintctl/supervisor/internal/telemetry"
	"github.com/sprintctl/supervisor/internal/transcript"
	"github.com/sprintctl/supervisor/internal/workerdriver"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		dryRunF = flag.Bool("dry-run", false, "log promotions and field updates instead of applying them")
		onceF   = flag.Bool("once", false, "rehydrate state against the backend and exit without spawning the planner")
		cfgF    = flag.String("config", "", "path to a YAML config override file")
		debugF  = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = log.Context(ctx, log.WithFormat(format))
	if *debugF {
		ctx = log.Context(ctx, log.WithDebug())
	}
	ctx = log.With(ctx, log.KV{K: "instance_id", V: uuid.NewString()})

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	cfg, err := config.Load(config.Options{YAMLPath: *cfgF, DryRun: *dryRunF, Once: *onceF})
	if err != nil {
		logger.Error(ctx, "configuration rejected", "error", err)
		return 2
	}

	backend := backendclient.New(backendclient.Options{
		BaseURL:        cfg.BackendBaseURL,
		RequestsPerSec: cfg.BackendRequestsPerSec,
		Logger:         logger,
		Metrics:        metrics,
	})

	if _, err := backend.Preflight(ctx); err != nil {
		logger.Error(ctx, "preflight failed", "error", err)
		if rerr := resperr.FromError(err); resperr.ClassifyError(rerr) == resperr.Transient {
			return 4
		}
		return 2
	}

	if _, err := exec.LookPath(cfg.CodexBin); err != nil {
		logger.Error(ctx, "agent binary not found on PATH", "codex_bin", cfg.CodexBin, "error", err)
		return 2
	}

	var archiver ledger.Archiver = ledger.NoopArchiver{}
	var historyArchiver *history.MongoArchiver
	if cfg.HistoryMongoURI != "" {
		ha, err := history.New(ctx, history.Options{URI: cfg.HistoryMongoURI, Log: logger})
		if err != nil {
			logger.Warn(ctx, "run-history archiver unavailable, continuing without it", "error", err)
		} else {
			archiver = ha
			historyArchiver = ha
		}
	}

	runLedger := ledger.New(cfg.LedgerPath, archiver)
	if err := runLedger.Load(); err != nil {
		logger.Error(ctx, "ledger load failed", "error", err)
		return 2
	}

	if pv, err := runLedger.GetPlanVersion(); err == nil && pv != "" {
		logger.Info(ctx, "resuming against existing ledger", "plan_version", pv)
	}

	store := procwiring.NewStore(cfg.StatePath)
	store.Log = logger
	if err := store.Load(); err != nil {
		logger.Error(ctx, "orchestrator state load failed", "error", err)
		return 2
	}

	reconciler := &reconcile.Reconciler{
		Backend:                   backend,
		Ledger:                    runLedger,
		Log:                       logger,
		ReviewStallPollsThreshold: cfg.ReviewStallPolls,
		BlockedRetryMinutes:       cfg.BlockedRetryMinutes,
		WatchdogTimeoutS:          cfg.WatchdogTimeoutS,
		ReviewCycleCap:            5,
	}

	if itemsResp, err := backend.GetProjectItemsMetadata(ctx, "ORCHESTRATOR", cfg.OrchestratorSprint); err != nil {
		logger.Warn(ctx, "startup project-items fetch failed, skipping rehydration this run", "error", err)
	} else if remoteItems, err := reconcile.ParseRemoteItems(itemsResp); err != nil {
		logger.Warn(ctx, "startup project-items response malformed, skipping rehydration this run", "error", err)
	} else if err := store.Mutate(func(st *model.OrchestratorState) bool {
		return reconciler.Rehydrate(ctx, st, remoteItems)
	}); err != nil {
		logger.Error(ctx, "failed to persist rehydrated state", "error", err)
		return 2
	}

	if *onceF {
		if historyArchiver != nil {
			historyArchiver.Close(context.Background())
		}
		return 0
	}

	direct := transcript.NewDirectPublisher(backend)
	mirror, err := transcript.NewPulsePublisher(cfg.PulseRedisAddr, cfg.OrchestratorSprint)
	if err != nil {
		logger.Warn(ctx, "pulse transcript mirror unavailable, continuing without it", "error", err)
		mirror = nil
	}
	sink := transcript.New(cfg.TranscriptQueueCap, direct, mirror, logger)
	transcript.InitDefault(sink)
	defer transcript.TeardownDefault()

	driver := workerdriver.New(workerdriver.Options{
		Command:      cfg.CodexBin,
		Args:         strings.Fields(cfg.CodexMCPArgs),
		CallTimeout:  cfg.CallTimeout,
		ReaskTimeout: cfg.ReaskTimeout,
		Logger:       logger,
		Metrics:      metrics,
	})

	gate := supervisor.NewGate()
	runner := supervisor.New(supervisor.Options{
		Backend:            backend,
		Ledger:             runLedger,
		Driver:             driver,
		Gate:               gate,
		State:              store,
		Transcript:         transcriptAdapter{sink: sink},
		Log:                logger,
		Metrics:            metrics,
		Tracer:             telemetry.NewClueTracer(),
		MaxExecutors:       cfg.MaxExecutors,
		MaxReviewers:       cfg.MaxReviewers,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		SlotWaitDiagnostic: cfg.SlotWaitDiagnostic,
	})
	runner.Start(ctx)

	promoter := promotion.New(promotion.Options{
		Backend:              backend,
		ReadyTarget:          cfg.ReadyTarget,
		SanitizerMaxAttempts: cfg.SanitizerMaxAttempts,
		StatePath:            cfg.StatePath,
		DryRun:               cfg.DryRun,
		Logger:               logger,
	})

	env := procwiring.EnrichedEnv(cfg.OrchestratorSprint, cfg.BackendBaseURL, cfg.StatePath, cfg.MaxExecutors, cfg.MaxReviewers, cfg.ReviewStallPolls, cfg.BlockedRetryMinutes)
	child, err := procwiring.Spawn(ctx, procwiring.ChildOptions{ShellCommand: cfg.OrchestratorCmd, Env: env, Log: logger})
	if err != nil {
		logger.Error(ctx, "planner spawn failed", "error", err)
		runner.Stop()
		runner.Wait()
		return 2
	}

	wire := procwiring.NewWire(procwiring.WireOptions{
		Child:      child,
		Runner:     runner,
		Reconciler: reconciler,
		Promotion:  promoter,
		Store:      store,
		Log:        logger,
		Metrics:    metrics,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	wireErrCh := make(chan error, 1)
	go func() { wireErrCh <- wire.Run(ctx) }()

	var wireErr error
	select {
	case sig := <-sigCh:
		logger.Info(ctx, "shutdown signal received", "signal", sig.String())
		cancel()
		wireErr = <-wireErrCh
	case wireErr = <-wireErrCh:
	}

	child.Shutdown()
	runner.Stop()
	runner.Wait()
	if historyArchiver != nil {
		historyArchiver.Close(context.Background())
	}

	return exitCode(cfg, runner, wireErr)
}

// exitCode maps wire.Run's outcome to the supervisor's process exit code
//: a *sanitize.CycleError distinguishes handoff (6), exhausted (5),
// and exhausted-with-regeneration-disabled (3, when SanitizerMaxAttempts<=1
// means the deterministic patch never gets a second attempt); any other
// non-cancellation error or a hard-stopped runner is a generic hard stop (2).
func exitCode(cfg config.Config, runner *supervisor.Runner, wireErr error) int {
	var cycleErr *sanitize.CycleError
	if errors.As(wireErr, &cycleErr) {
		switch {
		case cfg.SanitizerMaxAttempts <= 1 && cycleErr.Report.Outcome == sanitize.OutcomeExhausted:
			return 3
		case cycleErr.Report.Outcome == sanitize.OutcomeHandoff:
			return 6
		default:
			return 5
		}
	}
	if wireErr != nil && !errors.Is(wireErr, context.Canceled) {
		return 2
	}
	if runner.IsHardStopped() {
		return 2
	}
	return 0
}

// transcriptAdapter lets supervisor.Runner submit transcript events through
// *transcript.Sink without the supervisor package importing transcript
// directly (its TranscriptSink interface keeps that dependency one-way).
type transcriptAdapter struct{ sink *transcript.Sink }

func (a transcriptAdapter) Submit(ev supervisor.TranscriptEvent) {
	a.sink.Submit(transcript.Event{RunID: ev.RunID, Kind: ev.Kind, Text: ev.Text})
}
