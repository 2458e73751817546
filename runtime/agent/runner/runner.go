// Package runner ties the durable stores, the task transport and the external
// execution library into the run lifecycle orchestrator.
//
// A Runner owns admission control: no more than the configured number of runs
// execute concurrently, enforced by the store's admission lock in two phases.
// A dispatch pass batch-selects pending runs and hands them to the transport;
// a worker then re-checks the limit and the run's status under the same lock
// immediately before executing. The authoritative decision is always the
// reservation-time re-read, so duplicate deliveries and concurrent dispatcher
// passes are harmless.
//
// Every collaborator is injected at construction time; nothing is resolved
// dynamically per call.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"goa.design/clue/log"

	"goa.design/agentic/runtime/agent/config"
	"goa.design/agentic/runtime/agent/execute"
	"goa.design/agentic/runtime/agent/hooks"
	"goa.design/agentic/runtime/agent/registry"
	"goa.design/agentic/runtime/agent/run"
	"goa.design/agentic/runtime/agent/runlog"
	"goa.design/agentic/runtime/agent/session"
	"goa.design/agentic/runtime/agent/transport"
)

type (
	// ContextFactory builds the opaque execution context handed to the
	// execution library for a run.
	ContextFactory func(r run.Run) (any, error)

	// Options configures a Runner. Runs, Sessions, Executor, Registry and
	// Transport are required; Events is required when Config.EnableEvents
	// is set.
	Options struct {
		// Runs persists run lifecycle state.
		Runs run.Store
		// Sessions persists conversation logs.
		Sessions session.Store
		// Events persists streamed execution events.
		Events runlog.Store
		// Executor is the external execution library.
		Executor execute.Executor
		// Registry resolves agent keys to agent programs.
		Registry *registry.Registry
		// Transport hands runs to workers.
		Transport transport.Transport
		// Bus receives lifecycle and event notifications. Optional.
		Bus hooks.Bus
		// ContextFactory builds per-run execution contexts. Optional.
		ContextFactory ContextFactory
		// Serializer overrides the event serializer. Optional.
		Serializer runlog.EventSerializer
		// Config is the validated runtime configuration.
		Config config.Config
	}

	// CreateParams carries the inputs for run creation.
	CreateParams struct {
		// Owner references the requesting principal.
		Owner string
		// SessionKey selects (or lazily creates) the owner's session.
		SessionKey string
		// AgentKey selects the agent program to execute.
		AgentKey string
		// Input is the opaque input payload.
		Input json.RawMessage
		// Metadata is free-form; "run_options" and "context" keys are
		// interpreted as documented on run.Run.
		Metadata map[string]any
	}

	// Runner orchestrates run creation, dispatch, execution and recovery.
	Runner struct {
		runs      run.Store
		sessions  session.Store
		executor  execute.Executor
		registry  *registry.Registry
		transport transport.Transport
		bus       hooks.Bus
		ctxFn     ContextFactory
		writer    *runlog.Writer
		cfg       config.Config

		gate     recoveryGate
		limiters *ownerLimiters
	}
)

var (
	// ErrRateLimited indicates the owner exceeded the run-creation rate.
	ErrRateLimited = errors.New("run creation rate limit exceeded")
	// ErrInputTooLarge indicates the input payload exceeds the byte limit.
	ErrInputTooLarge = errors.New("input payload too large")
	// ErrTooManyInputItems indicates the input batch exceeds the item limit.
	ErrTooManyInputItems = errors.New("too many input items")
)

// New builds a Runner from opts. The configuration is validated here so that
// invalid settings fail at startup, never during a run.
func New(opts Options) (*Runner, error) {
	if opts.Runs == nil {
		return nil, errors.New("run store is required")
	}
	if opts.Sessions == nil {
		return nil, errors.New("session store is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("executor is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if opts.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	r := &Runner{
		runs:      opts.Runs,
		sessions:  opts.Sessions,
		executor:  opts.Executor,
		registry:  opts.Registry,
		transport: opts.Transport,
		bus:       opts.Bus,
		ctxFn:     opts.ContextFactory,
		cfg:       opts.Config,
	}
	if opts.Config.EnableEvents {
		if opts.Events == nil {
			return nil, errors.New("event store is required when events are enabled")
		}
		writer, err := runlog.NewWriter(runlog.WriterOptions{
			Store:      opts.Events,
			Bus:        opts.Bus,
			Serializer: opts.Serializer,
			BatchSize:  opts.Config.EffectiveEventBatchSize(),
		})
		if err != nil {
			return nil, err
		}
		r.writer = writer
	}
	if opts.Config.RateLimit != "" {
		limit, burst, err := config.ParseRateLimit(opts.Config.RateLimit)
		if err != nil {
			return nil, err
		}
		r.limiters = newOwnerLimiters(limit, burst)
	}
	return r, nil
}

// CreateRun validates the inputs and inserts a pending run. It does not admit
// or execute the run; call ScheduleDispatch or DispatchPending afterwards.
func (r *Runner) CreateRun(ctx context.Context, p CreateParams) (run.Run, error) {
	if p.Owner == "" {
		return run.Run{}, errors.New("owner is required")
	}
	if p.SessionKey == "" {
		return run.Run{}, errors.New("session key is required")
	}
	if p.AgentKey == "" {
		return run.Run{}, errors.New("agent key is required")
	}
	if max := r.cfg.MaxInputBytes; max > 0 && len(p.Input) > max {
		return run.Run{}, fmt.Errorf("%w: %d bytes (limit %d)", ErrInputTooLarge, len(p.Input), max)
	}
	if max := r.cfg.MaxInputItems; max > 0 {
		var items []json.RawMessage
		if err := json.Unmarshal(p.Input, &items); err == nil && len(items) > max {
			return run.Run{}, fmt.Errorf("%w: %d items (limit %d)", ErrTooManyInputItems, len(items), max)
		}
	}
	if r.limiters != nil && !r.limiters.allow(p.Owner) {
		return run.Run{}, ErrRateLimited
	}

	sess, created, err := r.sessions.GetOrCreate(ctx, p.Owner, p.SessionKey)
	if err != nil {
		return run.Run{}, err
	}
	if created && r.bus != nil {
		if err := r.bus.Publish(ctx, hooks.SessionCreated{Session: sess}); err != nil {
			return run.Run{}, err
		}
	}

	newRun := run.Run{
		ID:        uuid.NewString(),
		SessionID: sess.ID,
		Owner:     p.Owner,
		AgentKey:  p.AgentKey,
		Status:    run.StatusPending,
		Input:     p.Input,
		Metadata:  p.Metadata,
	}
	if err := r.runs.Create(ctx, newRun); err != nil {
		return run.Run{}, err
	}
	return r.runs.Load(ctx, newRun.ID)
}

// ScheduleDispatch hands a single run to the task transport for asynchronous
// pickup and records the correlation token when the transport assigns one.
func (r *Runner) ScheduleDispatch(ctx context.Context, runID string) error {
	enq, err := r.transport.Enqueue(ctx, runID)
	if err != nil {
		return err
	}
	if enq.CorrelationToken == "" {
		return nil
	}
	return r.runs.SetCorrelationToken(ctx, runID, enq.CorrelationToken)
}

// DispatchPending admits pending runs up to the concurrency limit and hands
// them to the transport, oldest-created first. Returns the number newly
// handed off.
func (r *Runner) DispatchPending(ctx context.Context) (int, error) {
	if err := r.EnsureRecovered(ctx); err != nil {
		return 0, err
	}
	return r.dispatchPending(ctx)
}

func (r *Runner) dispatchPending(ctx context.Context) (int, error) {
	limit := r.cfg.EffectiveConcurrencyLimit()
	return r.runs.DispatchPending(ctx, limit, func(ctx context.Context, candidate run.Run) (string, error) {
		enq, err := r.transport.Enqueue(ctx, candidate.ID)
		if err != nil {
			return "", err
		}
		return enq.CorrelationToken, nil
	})
}

// Execute runs one delivered run to a terminal state. It is the worker entry
// point and is idempotent: a run that is no longer pending is a no-op, which
// absorbs duplicate deliveries from the transport.
//
// Whatever the outcome, a dispatch pass runs afterwards so that finishing one
// run immediately admits the next pending one.
func (r *Runner) Execute(ctx context.Context, runID string) (err error) {
	if err := r.EnsureRecovered(ctx); err != nil {
		return err
	}
	defer func() {
		if _, derr := r.dispatchPending(ctx); derr != nil {
			log.Errorf(ctx, derr, "post-execution dispatch pass failed")
		}
	}()

	current, err := r.runs.Load(ctx, runID)
	if err != nil {
		return err
	}
	if current.Status != run.StatusPending {
		return nil
	}
	reserved, err := r.runs.ReserveSlot(ctx, runID, r.cfg.EffectiveConcurrencyLimit())
	if err != nil {
		return err
	}
	if !reserved {
		// Lost the admission race; back off and let a future dispatch
		// pass pick the run up again.
		return r.runs.ClearCorrelationToken(ctx, runID)
	}

	if execErr := r.executeReserved(ctx, runID); execErr != nil {
		errText := formatError(execErr, r.cfg.Debug)
		log.Errorf(ctx, execErr, "agent run failed (run: %s)", runID)
		if failErr := r.runs.Fail(ctx, runID, errText); failErr != nil {
			log.Errorf(ctx, failErr, "failed to persist run failure (run: %s)", runID)
		}
		if r.bus != nil {
			if failed, loadErr := r.runs.Load(ctx, runID); loadErr == nil {
				r.bus.PublishRobust(ctx, hooks.RunFailed{Run: failed, Err: execErr})
			}
		}
		return execErr
	}
	return nil
}

// executeReserved performs the actual execution for a run that holds a slot.
// Any returned error transitions the run to failed.
func (r *Runner) executeReserved(ctx context.Context, runID string) error {
	current, err := r.runs.Load(ctx, runID)
	if err != nil {
		return err
	}
	if r.bus != nil {
		if err := r.bus.Publish(ctx, hooks.RunStarted{Run: current}); err != nil {
			return err
		}
	}
	agent, err := r.registry.Lookup(current.AgentKey)
	if err != nil {
		return err
	}
	var execCtx any
	if r.ctxFn != nil {
		if execCtx, err = r.ctxFn(current); err != nil {
			return err
		}
	}
	req := execute.Request{
		Agent:   agent,
		Input:   current.Input,
		Session: session.NewLog(r.sessions, current.SessionID),
		Context: execCtx,
		Options: mergeRunOptions(r.cfg.DefaultRunOptions, current.Metadata),
	}

	var result *execute.Result
	if r.writer != nil {
		streamed, err := r.executor.RunStreamed(ctx, req)
		if err != nil {
			return err
		}
		if err := r.writer.Consume(ctx, runID, streamed.Events()); err != nil {
			return err
		}
		if result, err = streamed.Result(); err != nil {
			return err
		}
	} else {
		if result, err = r.executor.Run(ctx, req); err != nil {
			return err
		}
	}
	if result.Release != nil {
		result.Release()
	}

	if err := r.runs.Complete(ctx, runID, run.Completion{
		FinalOutput:    result.FinalOutput,
		RawResponses:   result.RawResponses,
		LastResponseID: result.LastResponseID,
	}); err != nil {
		return err
	}
	if r.bus != nil {
		if completed, loadErr := r.runs.Load(ctx, runID); loadErr == nil {
			if err := r.bus.Publish(ctx, hooks.RunCompleted{Run: completed}); err != nil {
				return err
			}
		}
	}
	return nil
}

// mergeRunOptions overlays the run's metadata overrides on the configured
// defaults, override winning key by key. A non-map "run_options" value keeps
// the defaults.
func mergeRunOptions(defaults map[string]any, metadata map[string]any) map[string]any {
	merged := make(map[string]any, len(defaults))
	for k, v := range defaults {
		merged[k] = v
	}
	overrides, ok := metadata["run_options"].(map[string]any)
	if !ok {
		return merged
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

// formatError renders the persisted error string: the full detail in debug
// deployments, otherwise a compact "Kind: message" summary.
func formatError(err error, debug bool) string {
	if debug {
		return fmt.Sprintf("%+v", err)
	}
	kind := "RuntimeError"
	var kinded interface{ ErrorKind() string }
	if errors.As(err, &kinded) {
		kind = kinded.ErrorKind()
	}
	msg := err.Error()
	if msg == "" {
		return kind
	}
	return fmt.Sprintf("%s: %s", kind, msg)
}

// ownerLimiters tracks one token bucket per owner.
type ownerLimiters struct {
	mu    sync.Mutex
	limit rate.Limit
	burst int
	m     map[string]*rate.Limiter
}

func newOwnerLimiters(limit rate.Limit, burst int) *ownerLimiters {
	return &ownerLimiters{limit: limit, burst: burst, m: make(map[string]*rate.Limiter)}
}

func (l *ownerLimiters) allow(owner string) bool {
	l.mu.Lock()
	limiter, ok := l.m[owner]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.m[owner] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}
