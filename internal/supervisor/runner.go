// Package supervisor implements the worker-pool runtime: two
// role-partitioned FIFO queues, one goroutine per configured worker slot, a
// per-issue serialization gate, and the dispatch/post-processing/failure
// recovery pipeline each popped intent drives through.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sprintctl/supervisor/internal/backendclient"
	"github.com/sprintctl/supervisor/internal/errors"
	"github.com/sprintctl/supervisor/internal/ledger"
	"github.com/sprintctl/supervisor/internal/model"
	"github.com/sprintctl/supervisor/internal/stderrobserver"
	"github.com/sprintctl/supervisor/internal/telemetry"
	"github.com/sprintctl/supervisor/internal/workerdriver"
)

// StateAccessor is the narrow slice of the shared orchestrator state the
// worker pool needs: resolving a run's issue_number when an intent's body
// omits it, looking up an issue's current board status and
// project_item_id for post-processing and failure recovery, and stamping
// last_executor_response_at. Implemented by the process-wiring layer, which
// owns the actual state file.
type StateAccessor interface {
	FindIssueByRunID(runID string) (int, bool)
	Lookup(issueNumber int) (projectItemID, status string, ok bool)
	StampExecutorResponse(issueNumber int, at string)
	IncrementReviewCycleCount(issueNumber int)
}

// TranscriptSink receives best-effort transcript events, scoped to one run_id.
type TranscriptSink interface {
	Submit(ev TranscriptEvent)
}

// TranscriptEvent mirrors transcript.Event's shape without importing the
// transcript package directly, keeping supervisor's dependency surface
// narrow and unit-testable.
type TranscriptEvent struct {
	RunID string
	Kind  string
	Text  string
}

// Options configures a Runner.
type Options struct {
	Backend            *backendclient.Client
	Ledger             *ledger.Ledger
	Driver             *workerdriver.Driver
	Gate               *Gate
	State              StateAccessor
	Transcript         TranscriptSink
	Log                telemetry.Logger
	Metrics            telemetry.Metrics
	Tracer             telemetry.Tracer
	MaxExecutors       int
	MaxReviewers       int
	HeartbeatInterval  time.Duration
	SlotWaitDiagnostic time.Duration
	IssueResolveWait   time.Duration
	QueueDepth         int
}

// Runner owns the EXECUTOR/REVIEWER worker pools. Zero value is not usable;
// construct via New.
type Runner struct {
	opts   Options
	log    telemetry.Logger
	met    telemetry.Metrics
	tracer telemetry.Tracer

	queues map[model.Role]chan model.RunIntent
	wg     sync.WaitGroup
	stopCh chan struct{}

	hardStopped atomic.Bool
	hardReason  atomic.Value // string
}

// New constructs a Runner from Options, applying the documented defaults.
func New(opts Options) *Runner {
	if opts.MaxExecutors <= 0 {
		opts.MaxExecutors = 1
	}
	if opts.MaxReviewers <= 0 {
		opts.MaxReviewers = 1
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.SlotWaitDiagnostic <= 0 {
		opts.SlotWaitDiagnostic = 5 * time.Second
	}
	if opts.IssueResolveWait <= 0 {
		opts.IssueResolveWait = 5 * time.Second
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 256
	}
	if opts.Gate == nil {
		opts.Gate = NewGate()
	}
	log := opts.Log
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	met := opts.Metrics
	if met == nil {
		met = telemetry.NoopMetrics{}
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NoopTracer{}
	}
	r := &Runner{
		opts:   opts,
		log:    log,
		met:    met,
		tracer: tracer,
		stopCh: make(chan struct{}),
		queues: map[model.Role]chan model.RunIntent{
			model.RoleExecutor: make(chan model.RunIntent, opts.QueueDepth),
			model.RoleReviewer: make(chan model.RunIntent, opts.QueueDepth),
		},
	}
	return r
}

// Start spawns every configured worker goroutine. It does not block.
func (r *Runner) Start(ctx context.Context) {
	for i := 0; i < r.opts.MaxExecutors; i++ {
		r.wg.Add(1)
		go r.workerLoop(ctx, model.RoleExecutor, i)
	}
	for i := 0; i < r.opts.MaxReviewers; i++ {
		r.wg.Add(1)
		go r.workerLoop(ctx, model.RoleReviewer, i)
	}
}

// Enqueue admits one intent into its role's queue. It blocks only as long as
// the ctx remains live and the queue is full; callers (the process-wiring
// stdout reader) are expected to treat a full queue as backpressure, not an
// error.
func (r *Runner) Enqueue(ctx context.Context, intent model.RunIntent) error {
	q, ok := r.queues[intent.Role]
	if !ok {
		return fmt.Errorf("supervisor: no queue for role %q", intent.Role)
	}
	select {
	case q <- intent:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stopCh:
		return fmt.Errorf("supervisor: runner is draining, intent %s rejected", intent.RunID)
	}
}

// Stop signals every worker to drain: finish the in-flight intent, then stop
// polling. It does not wait for workers to exit; call Wait for that.
func (r *Runner) Stop() {
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
}

// Wait blocks until every worker goroutine has exited.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// HardStop records a hard-stop condition and begins draining. Safe to call
// more than once; only the first reason sticks.
func (r *Runner) HardStop(reason string) {
	if r.hardStopped.CompareAndSwap(false, true) {
		r.hardReason.Store(reason)
		r.log.Error(context.Background(), "supervisor entering hard stop", "reason", reason)
	}
	r.Stop()
}

// IsHardStopped reports whether a hard-stop condition has been recorded.
func (r *Runner) IsHardStopped() bool {
	return r.hardStopped.Load()
}

// HardStopReason returns the recorded hard-stop reason, or "" if none.
func (r *Runner) HardStopReason() string {
	v, _ := r.hardReason.Load().(string)
	return v
}

func (r *Runner) workerLoop(ctx context.Context, role model.Role, slot int) {
	defer r.wg.Done()
	q := r.queues[role]
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case intent := <-q:
			r.handleIntent(ctx, intent, role, slot)
			if r.hardStopped.Load() {
				return
			}
		case <-time.After(200 * time.Millisecond):
			// Short-timeout pop: lets the loop notice stop/hard-stop
			// promptly even when the queue is empty.
		}
	}
}

func (r *Runner) handleIntent(ctx context.Context, intent model.RunIntent, role model.Role, slot int) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error(ctx, "worker panicked handling intent", "run_id", intent.RunID, "role", role, "slot", slot, "panic", rec)
			r.HardStop(fmt.Sprintf("worker panic: %v", rec))
		}
	}()

	err := r.dispatch(ctx, intent)
	if err == nil {
		return
	}

	rerr := errors.FromError(err)
	class := errors.ClassifyError(rerr)
	r.met.IncCounter("supervisor_intent_failed", 1, "role", string(role), "classification", string(class))

	switch class {
	case errors.ItemStop, errors.Transient:
		r.log.Warn(ctx, "intent failed, item recovery applied", "run_id", intent.RunID, "role", role, "classification", class, "error", err)
	default:
		r.HardStop(fmt.Sprintf("run %s: %v", intent.RunID, err))
	}
}

// resolveIssueNumber resolves the intent's issue number, polling shared
// state briefly when an executor claim-ready body omits it.
func (r *Runner) resolveIssueNumber(ctx context.Context, intent model.RunIntent) (int, error) {
	if n, ok := intBody(intent.Body, "issue_number"); ok {
		return n, nil
	}
	if intent.Role != model.RoleExecutor || r.opts.State == nil {
		return 0, errors.New(errors.KindIntent, "intent_missing_issue_number", fmt.Sprintf("run %s: no issue_number in body", intent.RunID))
	}
	deadline := time.Now().Add(r.opts.IssueResolveWait)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if n, ok := r.opts.State.FindIssueByRunID(intent.RunID); ok {
			return n, nil
		}
		if time.Now().After(deadline) {
			return 0, errors.New(errors.KindIntent, "intent_missing_issue_number", fmt.Sprintf("run %s: issue_number not resolvable from state within %s", intent.RunID, r.opts.IssueResolveWait))
		}
		select {
		case <-ctx.Done():
			return 0, errors.Wrap(errors.KindIntent, "intent_missing_issue_number", "context cancelled while resolving issue_number", ctx.Err())
		case <-ticker.C:
		}
	}
}

func intBody(body map[string]any, key string) (int, bool) {
	v, ok := body[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}

func stringBody(body map[string]any, key string) string {
	v, _ := body[key].(string)
	return v
}

func (r *Runner) submitTranscript(runID, kind, text string) {
	if r.opts.Transcript == nil {
		return
	}
	r.opts.Transcript.Submit(TranscriptEvent{RunID: runID, Kind: kind, Text: text})
}

// transcriptObserverSink adapts TranscriptSink to stderrobserver.Sink so a
// per-run Observer can forward directly into the transcript sink.
type transcriptObserverSink struct {
	sink TranscriptSink
}

func (s transcriptObserverSink) Observe(obs stderrobserver.Observation) {
	if s.sink == nil {
		return
	}
	s.sink.Submit(TranscriptEvent{RunID: obs.RunID, Kind: string(obs.Kind), Text: obs.Text})
}
