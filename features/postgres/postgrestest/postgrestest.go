// Package postgrestest provides the shared setup for the PostgreSQL
// integration tests. Tests are gated on TEST_DATABASE_URL and skip when it is
// unset, so the default test run needs no database.
package postgrestest

import (
	"context"
	"os"
	"testing"

	"goa.design/agentic/features/postgres"
)

// EnvVar names the environment variable holding the test database DSN.
const EnvVar = "TEST_DATABASE_URL"

// Open returns a client against the test database with a provisioned, empty
// schema. The test is skipped when TEST_DATABASE_URL is unset.
func Open(t *testing.T) *postgres.Client {
	t.Helper()
	dsn := os.Getenv(EnvVar)
	if dsn == "" {
		t.Skipf("set %s to run PostgreSQL integration tests", EnvVar)
	}
	client, err := postgres.New(postgres.Options{DSN: dsn})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	ctx := context.Background()
	if err := client.EnsureSchema(ctx); err != nil {
		t.Fatalf("failed to provision schema: %v", err)
	}
	if _, err := client.DB().ExecContext(ctx,
		`TRUNCATE agent_run_events, agent_runs, agent_session_items, agent_sessions, agent_run_locks CASCADE`,
	); err != nil {
		t.Fatalf("failed to reset tables: %v", err)
	}
	return client
}
