// Package admin implements operator maintenance over the durable stores:
// age-based pruning of events, terminal runs and idle sessions.
package admin

import (
	"context"
	"errors"
	"time"

	"goa.design/clue/log"

	"goa.design/agentic/runtime/agent/config"
	"goa.design/agentic/runtime/agent/run"
	"goa.design/agentic/runtime/agent/runlog"
	"goa.design/agentic/runtime/agent/session"
)

type (
	// PrunerOptions configures a Pruner. Each store is optional; a nil store
	// skips the corresponding deletion even when the policy enables it.
	PrunerOptions struct {
		// Runs prunes terminal runs.
		Runs run.Store
		// Sessions prunes idle sessions.
		Sessions session.Store
		// Events prunes persisted execution events.
		Events runlog.Store
	}

	// Pruner deletes aged records according to a cleanup policy.
	Pruner struct {
		runs     run.Store
		sessions session.Store
		events   runlog.Store
	}

	// Report summarizes one pruning sweep.
	Report struct {
		// Events is the number of events deleted (or counted in dry-run).
		Events int
		// Runs is the number of runs deleted (or counted in dry-run).
		Runs int
		// Sessions is the number of sessions deleted (or counted in dry-run).
		Sessions int
	}
)

// NewPruner builds a Pruner from opts. At least one store must be set.
func NewPruner(opts PrunerOptions) (*Pruner, error) {
	if opts.Runs == nil && opts.Sessions == nil && opts.Events == nil {
		return nil, errors.New("at least one store is required")
	}
	return &Pruner{runs: opts.Runs, sessions: opts.Sessions, events: opts.Events}, nil
}

// Prune applies the policy: events first, then runs, then sessions, so that
// pruned runs do not keep otherwise-idle sessions alive within one sweep.
// With dryRun set nothing is deleted; the report carries the counts that a
// real sweep would delete.
func (p *Pruner) Prune(ctx context.Context, policy config.CleanupPolicy, dryRun bool) (Report, error) {
	var report Report
	if !policy.Enabled() {
		return report, nil
	}
	now := time.Now().UTC()
	batchSize := policy.EffectiveBatchSize()

	if policy.EventAge > 0 && p.events != nil {
		cutoff := now.Add(-policy.EventAge)
		n, err := p.pruneEvents(ctx, cutoff, batchSize, dryRun)
		if err != nil {
			return report, err
		}
		report.Events = n
	}
	if policy.RunAge > 0 && p.runs != nil {
		cutoff := now.Add(-policy.RunAge)
		n, err := p.pruneRuns(ctx, cutoff, policy.EffectiveRunStatuses(), batchSize, dryRun)
		if err != nil {
			return report, err
		}
		report.Runs = n
	}
	if policy.SessionAge > 0 && p.sessions != nil {
		cutoff := now.Add(-policy.SessionAge)
		requireEmpty := !policy.AllowNonEmptySessions
		n, err := p.pruneSessions(ctx, cutoff, requireEmpty, batchSize, dryRun)
		if err != nil {
			return report, err
		}
		report.Sessions = n
	}
	log.Info(ctx, log.KV{K: "msg", V: "pruning sweep finished"},
		log.KV{K: "dry_run", V: dryRun},
		log.KV{K: "events", V: report.Events},
		log.KV{K: "runs", V: report.Runs},
		log.KV{K: "sessions", V: report.Sessions})
	return report, nil
}

func (p *Pruner) pruneEvents(ctx context.Context, cutoff time.Time, batchSize int, dryRun bool) (int, error) {
	if dryRun {
		return p.events.CountCreatedBefore(ctx, cutoff)
	}
	return p.events.DeleteCreatedBefore(ctx, cutoff, batchSize)
}

func (p *Pruner) pruneRuns(ctx context.Context, cutoff time.Time, statuses []run.Status, batchSize int, dryRun bool) (int, error) {
	if dryRun {
		return p.runs.CountOlderThan(ctx, cutoff, statuses)
	}
	return p.runs.DeleteOlderThan(ctx, cutoff, statuses, batchSize)
}

func (p *Pruner) pruneSessions(ctx context.Context, cutoff time.Time, requireEmpty bool, batchSize int, dryRun bool) (int, error) {
	if dryRun {
		return p.sessions.CountIdleBefore(ctx, cutoff, requireEmpty)
	}
	return p.sessions.DeleteIdleBefore(ctx, cutoff, requireEmpty, batchSize)
}
