package runner

import (
	"context"
	"errors"
	"sync"

	"goa.design/clue/log"

	"goa.design/agentic/runtime/agent/config"
	"goa.design/agentic/runtime/agent/run"
)

// recoveryGate serializes the startup recovery sweep. The sweep runs at most
// once per process lifetime; concurrent callers block until the first caller
// finishes and then no-op.
type recoveryGate struct {
	mu   sync.Mutex
	done bool
}

// EnsureRecovered performs the one-time startup recovery sweep if it has not
// run yet. Runs left in running status by a previous process are failed or
// requeued according to the configured policy.
//
// A storage backend that is not ready yet (missing schema, connection refused
// during rollout) is not an error: the sweep is skipped and retried on the
// next call.
func (r *Runner) EnsureRecovered(ctx context.Context) error {
	needDispatch, err := r.ensureRecovered(ctx)
	if err != nil {
		return err
	}
	if needDispatch {
		if _, derr := r.dispatchPending(ctx); derr != nil {
			log.Errorf(ctx, derr, "post-recovery dispatch pass failed")
		}
	}
	return nil
}

func (r *Runner) ensureRecovered(ctx context.Context) (bool, error) {
	r.gate.mu.Lock()
	defer r.gate.mu.Unlock()
	if r.gate.done {
		return false, nil
	}
	policy := r.cfg.EffectiveStartupRecovery()
	if policy == config.RecoveryIgnore {
		r.gate.done = true
		return false, nil
	}
	mode := run.RecoverRequeue
	if policy == config.RecoveryFail {
		mode = run.RecoverFail
	}
	count, err := r.runs.Recover(ctx, mode)
	if err != nil {
		if errors.Is(err, run.ErrStoreNotReady) {
			log.Debugf(ctx, "storage not ready, deferring startup recovery")
			return false, nil
		}
		return false, err
	}
	r.gate.done = true
	if count > 0 {
		log.Printf(ctx, "startup recovery swept %d stuck run(s) (mode: %s)", count, mode)
	}
	return mode == run.RecoverRequeue && count > 0, nil
}

// RecoverStuckRuns sweeps runs stuck in running status regardless of the
// startup gate. It backs the operator recovery command. Requeued runs are
// immediately eligible, so a dispatch pass follows a non-empty requeue sweep.
func (r *Runner) RecoverStuckRuns(ctx context.Context, mode run.RecoveryMode) (int, error) {
	count, err := r.runs.Recover(ctx, mode)
	if err != nil {
		return 0, err
	}
	if mode == run.RecoverRequeue && count > 0 {
		if _, derr := r.dispatchPending(ctx); derr != nil {
			log.Errorf(ctx, derr, "post-recovery dispatch pass failed")
		}
	}
	return count, nil
}
