// Command agentctl runs operator maintenance against the durable stores:
//
//	agentctl recover -mode requeue   repair runs stuck in running
//	agentctl cleanup -run-age 720h   prune aged events, runs and sessions
//
// The database is selected with -dsn or the DATABASE_URL environment
// variable.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"goa.design/clue/log"

	"goa.design/agentic/features/postgres"
	runstore "goa.design/agentic/features/run/postgres"
	logstore "goa.design/agentic/features/runlog/postgres"
	sessionstore "goa.design/agentic/features/session/postgres"
	"goa.design/agentic/runtime/agent/admin"
	"goa.design/agentic/runtime/agent/config"
	"goa.design/agentic/runtime/agent/run"
)

func main() {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	if len(os.Args) < 2 {
		usage(ctx)
	}
	switch os.Args[1] {
	case "recover":
		recoverCmd(ctx, os.Args[2:])
	case "cleanup":
		cleanupCmd(ctx, os.Args[2:])
	default:
		usage(ctx)
	}
}

func usage(ctx context.Context) {
	log.Fatal(ctx, fmt.Errorf("usage: agentctl <recover|cleanup> [flags]"))
}

func recoverCmd(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("recover", flag.ExitOnError)
	var (
		dsnF  = fs.String("dsn", "", "PostgreSQL connection string (defaults to DATABASE_URL)")
		modeF = fs.String("mode", "requeue", "Recovery mode (fail or requeue)")
	)
	fs.Parse(args) //nolint:errcheck

	mode := run.RecoveryMode(*modeF)
	if mode != run.RecoverFail && mode != run.RecoverRequeue {
		log.Fatal(ctx, fmt.Errorf("invalid mode %q (valid modes: fail, requeue)", *modeF))
	}

	client := openClient(ctx, *dsnF)
	defer client.Close() //nolint:errcheck
	runs, err := runstore.New(runstore.Options{Client: client})
	if err != nil {
		log.Fatalf(ctx, err, "failed to build run store")
	}
	count, err := runs.Recover(ctx, mode)
	if err != nil {
		log.Fatalf(ctx, err, "recovery sweep failed")
	}
	log.Print(ctx, log.KV{K: "msg", V: "recovery sweep finished"},
		log.KV{K: "mode", V: string(mode)},
		log.KV{K: "recovered", V: count})
	if mode == run.RecoverRequeue && count > 0 {
		log.Print(ctx, log.KV{K: "msg", V: "requeued runs will be admitted by the next dispatch pass"})
	}
}

func cleanupCmd(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	var (
		dsnF        = fs.String("dsn", "", "PostgreSQL connection string (defaults to DATABASE_URL)")
		eventAgeF   = fs.Duration("event-age", 0, "Delete events older than this (0 disables)")
		runAgeF     = fs.Duration("run-age", 0, "Delete terminal runs older than this (0 disables)")
		statusesF   = fs.String("run-statuses", "", "Comma-separated run statuses to prune (defaults to completed,failed)")
		sessionAgeF = fs.Duration("session-age", 0, "Delete idle sessions older than this (0 disables)")
		nonEmptyF   = fs.Bool("allow-non-empty-sessions", false, "Also delete sessions that still have items or runs")
		batchF      = fs.Int("batch-size", 0, "Delete batch size (defaults to 500)")
		dryRunF     = fs.Bool("dry-run", false, "Count matching records without deleting")
	)
	fs.Parse(args) //nolint:errcheck

	policy := config.CleanupPolicy{
		EventAge:              *eventAgeF,
		RunAge:                *runAgeF,
		SessionAge:            *sessionAgeF,
		AllowNonEmptySessions: *nonEmptyF,
		BatchSize:             *batchF,
	}
	if *statusesF != "" {
		for _, s := range strings.Split(*statusesF, ",") {
			policy.RunStatuses = append(policy.RunStatuses, run.Status(strings.TrimSpace(s)))
		}
	}
	if !policy.Enabled() {
		log.Fatal(ctx, fmt.Errorf("nothing to do: set at least one of -event-age, -run-age, -session-age"))
	}

	client := openClient(ctx, *dsnF)
	defer client.Close() //nolint:errcheck
	runs, err := runstore.New(runstore.Options{Client: client})
	if err != nil {
		log.Fatalf(ctx, err, "failed to build run store")
	}
	sessions, err := sessionstore.New(sessionstore.Options{Client: client})
	if err != nil {
		log.Fatalf(ctx, err, "failed to build session store")
	}
	events, err := logstore.New(logstore.Options{Client: client})
	if err != nil {
		log.Fatalf(ctx, err, "failed to build event store")
	}
	pruner, err := admin.NewPruner(admin.PrunerOptions{Runs: runs, Sessions: sessions, Events: events})
	if err != nil {
		log.Fatalf(ctx, err, "failed to build pruner")
	}
	report, err := pruner.Prune(ctx, policy, *dryRunF)
	if err != nil {
		log.Fatalf(ctx, err, "pruning sweep failed")
	}
	verb := "deleted"
	if *dryRunF {
		verb = "would delete"
	}
	log.Print(ctx, log.KV{K: "msg", V: verb},
		log.KV{K: "events", V: report.Events},
		log.KV{K: "runs", V: report.Runs},
		log.KV{K: "sessions", V: report.Sessions})
}

func openClient(ctx context.Context, dsn string) *postgres.Client {
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		log.Fatal(ctx, fmt.Errorf("database not configured: pass -dsn or set DATABASE_URL"))
	}
	client, err := postgres.New(postgres.Options{DSN: dsn, ConnMaxLifetime: 5 * time.Minute})
	if err != nil {
		log.Fatalf(ctx, err, "failed to open database")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		log.Fatalf(ctx, err, "database unreachable")
	}
	return client
}
