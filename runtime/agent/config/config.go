// Package config holds the typed runtime configuration.
//
// Configuration is constructed once at process startup and validated before
// any component uses it: invalid settings fail fast here, never at run time.
// Loading values from files or the environment is the embedding application's
// concern.
package config

import (
	"fmt"
	"runtime"
	"time"

	"golang.org/x/time/rate"

	runpkg "goa.design/agentic/runtime/agent/run"
)

type (
	// Config is the runtime configuration.
	Config struct {
		// ConcurrencyLimit bounds how many runs may execute concurrently.
		// Zero selects the number of CPUs (floor 1); negative values are
		// invalid.
		ConcurrencyLimit int

		// StartupRecovery selects how runs stuck in running are repaired by
		// the once-per-process startup sweep. Empty defaults to requeue.
		StartupRecovery RecoveryPolicy

		// EnableEvents turns on streamed execution with event persistence.
		EnableEvents bool

		// EventBatchSize bounds how many events accumulate before a flush.
		// Zero defaults to 50.
		EventBatchSize int

		// DefaultRunOptions are the base run options. Per-run overrides from
		// run metadata win key by key.
		DefaultRunOptions map[string]any

		// Debug persists full error detail on failed runs instead of the
		// compact "Kind: message" summary.
		Debug bool

		// RateLimit bounds run creation per owner, in "count/period" form
		// ("20/m"). Periods: s, m, h, d. Empty disables rate limiting.
		RateLimit string

		// MaxInputBytes bounds the serialized input payload size accepted by
		// run creation. Zero disables the check.
		MaxInputBytes int

		// MaxInputItems bounds the number of items accepted per session
		// append. Zero disables the check.
		MaxInputItems int

		// Cleanup is the pruning policy applied by the admin sweep.
		Cleanup CleanupPolicy
	}

	// RecoveryPolicy selects the startup recovery behavior.
	RecoveryPolicy string

	// CleanupPolicy configures the pruning sweep. Zero-valued age fields
	// disable the corresponding deletion.
	CleanupPolicy struct {
		// EventAge deletes events older than this.
		EventAge time.Duration
		// RunAge deletes terminal runs older than this.
		RunAge time.Duration
		// RunStatuses filters which runs RunAge deletes. Empty defaults to
		// the terminal statuses (completed, failed).
		RunStatuses []runpkg.Status
		// SessionAge deletes idle sessions older than this.
		SessionAge time.Duration
		// SessionsRequireEmpty restricts session deletion to sessions with
		// no items and no runs. Defaults to true; set AllowNonEmptySessions
		// to override.
		AllowNonEmptySessions bool
		// BatchSize bounds each delete statement. Zero defaults to 500.
		BatchSize int
	}
)

const (
	// RecoveryIgnore skips the startup sweep entirely.
	RecoveryIgnore RecoveryPolicy = "ignore"
	// RecoveryFail fails stuck runs at startup.
	RecoveryFail RecoveryPolicy = "fail"
	// RecoveryRequeue requeues stuck runs at startup and redispatches.
	RecoveryRequeue RecoveryPolicy = "requeue"
)

// DefaultEventBatchSize is the flush threshold of the event log writer.
const DefaultEventBatchSize = 50

// DefaultCleanupBatchSize bounds pruning delete statements.
const DefaultCleanupBatchSize = 500

// Validate reports the first invalid setting. A zero Config is valid.
func (c Config) Validate() error {
	if c.ConcurrencyLimit < 0 {
		return fmt.Errorf("concurrency limit must be >= 1")
	}
	switch c.StartupRecovery {
	case "", RecoveryIgnore, RecoveryFail, RecoveryRequeue:
	default:
		return fmt.Errorf("startup recovery must be %q, %q or %q", RecoveryIgnore, RecoveryFail, RecoveryRequeue)
	}
	if c.EventBatchSize < 0 {
		return fmt.Errorf("event batch size must be >= 1")
	}
	if c.MaxInputBytes < 0 {
		return fmt.Errorf("max input bytes must be >= 1")
	}
	if c.MaxInputItems < 0 {
		return fmt.Errorf("max input items must be >= 1")
	}
	if c.RateLimit != "" {
		if _, _, err := ParseRateLimit(c.RateLimit); err != nil {
			return err
		}
	}
	return c.Cleanup.validate()
}

func (p CleanupPolicy) validate() error {
	if p.EventAge < 0 || p.RunAge < 0 || p.SessionAge < 0 {
		return fmt.Errorf("cleanup ages must be positive")
	}
	if p.BatchSize < 0 {
		return fmt.Errorf("cleanup batch size must be >= 1")
	}
	for _, s := range p.RunStatuses {
		if !runpkg.ValidStatus(s) {
			return fmt.Errorf("cleanup run statuses has invalid value: %s", s)
		}
	}
	return nil
}

// Enabled reports whether the policy deletes anything at all.
func (p CleanupPolicy) Enabled() bool {
	return p.EventAge > 0 || p.RunAge > 0 || p.SessionAge > 0
}

// EffectiveRunStatuses returns the configured run-status filter, defaulting
// to the terminal statuses.
func (p CleanupPolicy) EffectiveRunStatuses() []runpkg.Status {
	if len(p.RunStatuses) > 0 {
		return p.RunStatuses
	}
	return []runpkg.Status{runpkg.StatusCompleted, runpkg.StatusFailed}
}

// EffectiveBatchSize returns the configured batch size or the default.
func (p CleanupPolicy) EffectiveBatchSize() int {
	if p.BatchSize > 0 {
		return p.BatchSize
	}
	return DefaultCleanupBatchSize
}

// EffectiveConcurrencyLimit resolves the configured limit, defaulting to the
// number of usable CPUs with a floor of one.
func (c Config) EffectiveConcurrencyLimit() int {
	if c.ConcurrencyLimit > 0 {
		return c.ConcurrencyLimit
	}
	if n := runtime.GOMAXPROCS(0); n > 1 {
		return n
	}
	return 1
}

// EffectiveStartupRecovery resolves the configured policy, defaulting to
// requeue.
func (c Config) EffectiveStartupRecovery() RecoveryPolicy {
	if c.StartupRecovery == "" {
		return RecoveryRequeue
	}
	return c.StartupRecovery
}

// EffectiveEventBatchSize resolves the configured flush threshold.
func (c Config) EffectiveEventBatchSize() int {
	if c.EventBatchSize > 0 {
		return c.EventBatchSize
	}
	return DefaultEventBatchSize
}

// ParseRateLimit parses "count/period" ("20/m") into a rate.Limit and burst.
// Periods are s, m, h and d.
func ParseRateLimit(value string) (rate.Limit, int, error) {
	var (
		count  int
		period string
	)
	if _, err := fmt.Sscanf(value, "%d/%s", &count, &period); err != nil {
		return 0, 0, fmt.Errorf("rate limit must be like '20/m': %q", value)
	}
	seconds, ok := map[string]float64{"s": 1, "m": 60, "h": 3600, "d": 86400}[period]
	if count < 1 || !ok {
		return 0, 0, fmt.Errorf("rate limit must be like '20/m': %q", value)
	}
	return rate.Limit(float64(count) / seconds), count, nil
}
