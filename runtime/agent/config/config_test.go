package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/agentic/runtime/agent/run"
)

func TestValidate(t *testing.T) {
	require.NoError(t, Config{}.Validate())
	require.NoError(t, Config{
		ConcurrencyLimit: 4,
		StartupRecovery:  RecoveryRequeue,
		EventBatchSize:   100,
		RateLimit:        "20/m",
		MaxInputBytes:    1 << 20,
		MaxInputItems:    50,
	}.Validate())

	require.Error(t, Config{ConcurrencyLimit: -1}.Validate())
	require.Error(t, Config{StartupRecovery: "panic"}.Validate())
	require.Error(t, Config{EventBatchSize: -1}.Validate())
	require.Error(t, Config{RateLimit: "lots"}.Validate())
	require.Error(t, Config{MaxInputBytes: -1}.Validate())
	require.Error(t, Config{MaxInputItems: -1}.Validate())
	require.Error(t, Config{Cleanup: CleanupPolicy{RunAge: -time.Hour}}.Validate())
	require.Error(t, Config{Cleanup: CleanupPolicy{RunStatuses: []run.Status{"archived"}}}.Validate())
}

func TestEffectiveDefaults(t *testing.T) {
	var c Config
	require.GreaterOrEqual(t, c.EffectiveConcurrencyLimit(), 1)
	require.Equal(t, RecoveryRequeue, c.EffectiveStartupRecovery())
	require.Equal(t, DefaultEventBatchSize, c.EffectiveEventBatchSize())

	c = Config{ConcurrencyLimit: 3, StartupRecovery: RecoveryFail, EventBatchSize: 10}
	require.Equal(t, 3, c.EffectiveConcurrencyLimit())
	require.Equal(t, RecoveryFail, c.EffectiveStartupRecovery())
	require.Equal(t, 10, c.EffectiveEventBatchSize())
}

func TestCleanupPolicy(t *testing.T) {
	var p CleanupPolicy
	require.False(t, p.Enabled())
	require.Equal(t, []run.Status{run.StatusCompleted, run.StatusFailed}, p.EffectiveRunStatuses())
	require.Equal(t, DefaultCleanupBatchSize, p.EffectiveBatchSize())

	p = CleanupPolicy{RunAge: time.Hour, RunStatuses: []run.Status{run.StatusFailed}, BatchSize: 50}
	require.True(t, p.Enabled())
	require.Equal(t, []run.Status{run.StatusFailed}, p.EffectiveRunStatuses())
	require.Equal(t, 50, p.EffectiveBatchSize())
}

func TestParseRateLimit(t *testing.T) {
	limit, burst, err := ParseRateLimit("20/m")
	require.NoError(t, err)
	require.InDelta(t, 20.0/60.0, float64(limit), 1e-9)
	require.Equal(t, 20, burst)

	limit, burst, err = ParseRateLimit("5/s")
	require.NoError(t, err)
	require.InDelta(t, 5.0, float64(limit), 1e-9)
	require.Equal(t, 5, burst)

	_, _, err = ParseRateLimit("m/20")
	require.Error(t, err)
	_, _, err = ParseRateLimit("0/m")
	require.Error(t, err)
	_, _, err = ParseRateLimit("20/y")
	require.Error(t, err)
	_, _, err = ParseRateLimit("")
	require.Error(t, err)
}
