package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"goa.design/agentic/features/postgres"
	"goa.design/agentic/runtime/agent/run"
)

type (
	// Options configures the run store.
	Options struct {
		// Client is the shared database client. Required.
		Client *postgres.Client
	}

	// Store implements run.Store on PostgreSQL.
	Store struct {
		client *postgres.Client
		db     *sql.DB
	}
)

const runColumns = `id, session_id, owner, agent_key, status, input, final_output,
	raw_responses, last_response_id, error, started_at, finished_at, metadata,
	correlation_token, created_at, updated_at`

// New validates opts and returns a ready store.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: opts.Client, db: opts.Client.DB()}, nil
}

// Create implements run.Store.
func (s *Store) Create(ctx context.Context, r run.Run) error {
	if r.ID == "" {
		return errors.New("run id is required")
	}
	status := r.Status
	if status == "" {
		status = run.StatusPending
	}
	metadata, err := json.Marshal(orEmpty(r.Metadata))
	if err != nil {
		return fmt.Errorf("failed to encode run metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_runs (id, session_id, owner, agent_key, status, input,
			last_response_id, metadata, correlation_token)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.SessionID, r.Owner, r.AgentKey, string(status),
		nullableJSON(r.Input), r.LastResponseID, metadata, r.CorrelationToken)
	return err
}

// Load implements run.Store.
func (s *Store) Load(ctx context.Context, runID string) (run.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM agent_runs WHERE id = $1`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) || invalidUUID(err) {
		return run.Run{}, run.ErrRunNotFound
	}
	return r, err
}

// ListBySession implements run.Store.
func (s *Store) ListBySession(ctx context.Context, sessionID string) ([]run.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM agent_runs WHERE session_id = $1 ORDER BY created_at, id`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var runs []run.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// SetCorrelationToken implements run.Store.
func (s *Store) SetCorrelationToken(ctx context.Context, runID, token string) error {
	return s.exec(ctx, `
		UPDATE agent_runs SET correlation_token = $2, updated_at = now()
		WHERE id = $1`, runID, token)
}

// ClearCorrelationToken implements run.Store.
func (s *Store) ClearCorrelationToken(ctx context.Context, runID string) error {
	return s.exec(ctx, `
		UPDATE agent_runs SET correlation_token = '', updated_at = now()
		WHERE id = $1`, runID)
}

// DispatchPending implements run.Store. Selection, hand-off and token
// recording all happen inside one transaction holding the admission lock; a
// failed hand-off rolls the pass back, leaving every candidate eligible for
// the next one.
func (s *Store) DispatchPending(ctx context.Context, limit int, enqueue run.EnqueueFunc) (int, error) {
	if enqueue == nil {
		return 0, errors.New("enqueue func is required")
	}
	enqueued := 0
	err := s.client.InTx(ctx, func(tx *sql.Tx) error {
		if err := postgres.AcquireAdmissionLock(ctx, tx); err != nil {
			return err
		}
		running, err := countRunning(ctx, tx)
		if err != nil {
			return err
		}
		available := limit - running
		if available <= 0 {
			return nil
		}
		rows, err := tx.QueryContext(ctx, `
			SELECT `+runColumns+` FROM agent_runs
			WHERE status = $1 AND correlation_token = ''
			ORDER BY created_at, id
			LIMIT $2
			FOR UPDATE`, string(run.StatusPending), available)
		if err != nil {
			return err
		}
		candidates, err := collectRuns(rows)
		if err != nil {
			return err
		}
		for _, r := range candidates {
			token, err := enqueue(ctx, r)
			if err != nil {
				return err
			}
			if token != "" {
				if _, err := tx.ExecContext(ctx, `
					UPDATE agent_runs SET correlation_token = $2, updated_at = now()
					WHERE id = $1`, r.ID, token); err != nil {
					return err
				}
			}
			enqueued++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return enqueued, nil
}

// ReserveSlot implements run.Store. This is the authoritative admission
// check: the count and the status re-read happen under the admission lock
// immediately before the flip to running.
func (s *Store) ReserveSlot(ctx context.Context, runID string, limit int) (bool, error) {
	reserved := false
	err := s.client.InTx(ctx, func(tx *sql.Tx) error {
		if err := postgres.AcquireAdmissionLock(ctx, tx); err != nil {
			return err
		}
		running, err := countRunning(ctx, tx)
		if err != nil {
			return err
		}
		if running >= limit {
			return nil
		}
		var status string
		err = tx.QueryRowContext(ctx,
			`SELECT status FROM agent_runs WHERE id = $1 FOR UPDATE`, runID,
		).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) || invalidUUID(err) {
			return run.ErrRunNotFound
		}
		if err != nil {
			return err
		}
		if run.Status(status) != run.StatusPending {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE agent_runs SET status = $2, started_at = now(), updated_at = now()
			WHERE id = $1`, runID, string(run.StatusRunning)); err != nil {
			return err
		}
		reserved = true
		return nil
	})
	return reserved, err
}

// Complete implements run.Store.
func (s *Store) Complete(ctx context.Context, runID string, c run.Completion) error {
	return s.exec(ctx, `
		UPDATE agent_runs SET status = $2, final_output = $3, raw_responses = $4,
			last_response_id = $5, error = '', correlation_token = '',
			finished_at = now(), updated_at = now()
		WHERE id = $1`,
		runID, string(run.StatusCompleted),
		nullableJSON(c.FinalOutput), nullableJSON(c.RawResponses), c.LastResponseID)
}

// Fail implements run.Store.
func (s *Store) Fail(ctx context.Context, runID string, errText string) error {
	return s.exec(ctx, `
		UPDATE agent_runs SET status = $2, error = $3, correlation_token = '',
			finished_at = now(), updated_at = now()
		WHERE id = $1`,
		runID, string(run.StatusFailed), errText)
}

// Recover implements run.Store. An unreachable database or missing schema is
// reported as run.ErrStoreNotReady so the startup gate can defer the sweep.
func (s *Store) Recover(ctx context.Context, mode run.RecoveryMode) (int, error) {
	affected := 0
	err := s.client.InTx(ctx, func(tx *sql.Tx) error {
		if err := postgres.AcquireAdmissionLock(ctx, tx); err != nil {
			return err
		}
		var (
			res sql.Result
			err error
		)
		switch mode {
		case run.RecoverFail:
			res, err = tx.ExecContext(ctx, `
				UPDATE agent_runs SET status = $1, error = $2,
					correlation_token = '', finished_at = now(), updated_at = now()
				WHERE status = $3`,
				string(run.StatusFailed), run.RecoveryErrorText, string(run.StatusRunning))
		case run.RecoverRequeue:
			res, err = tx.ExecContext(ctx, `
				UPDATE agent_runs SET status = $1, error = '', started_at = NULL,
					finished_at = NULL, correlation_token = '', updated_at = now()
				WHERE status = $2`,
				string(run.StatusPending), string(run.StatusRunning))
		default:
			return errors.New("invalid recovery mode: " + string(mode))
		}
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		affected = int(n)
		return nil
	})
	if err != nil {
		if postgres.IsNotReady(err) {
			return 0, fmt.Errorf("%w: %v", run.ErrStoreNotReady, err)
		}
		return 0, err
	}
	return affected, nil
}

// DeleteOlderThan implements run.Store.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time, statuses []run.Status, batchSize int) (int, error) {
	if batchSize < 1 {
		return 0, errors.New("batch size must be >= 1")
	}
	deleted := 0
	for {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM agent_runs WHERE id IN (
				SELECT id FROM agent_runs
				WHERE updated_at < $1 AND status = ANY($2)
				LIMIT $3
			)`, cutoff, pq.Array(statusStrings(statuses)), batchSize)
		if err != nil {
			return deleted, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return deleted, err
		}
		deleted += int(n)
		if int(n) < batchSize {
			return deleted, nil
		}
	}
}

// CountOlderThan implements run.Store.
func (s *Store) CountOlderThan(ctx context.Context, cutoff time.Time, statuses []run.Status) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM agent_runs
		WHERE updated_at < $1 AND status = ANY($2)`,
		cutoff, pq.Array(statusStrings(statuses))).Scan(&count)
	return count, err
}

// exec runs a single-row mutation and maps a zero row count to not-found.
func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if invalidUUID(err) {
		return run.ErrRunNotFound
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return run.ErrRunNotFound
	}
	return nil
}

func countRunning(ctx context.Context, tx *sql.Tx) (int, error) {
	var running int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agent_runs WHERE status = $1`,
		string(run.StatusRunning)).Scan(&running)
	return running, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (run.Run, error) {
	var (
		r            run.Run
		status       string
		input        []byte
		finalOutput  []byte
		rawResponses []byte
		startedAt    sql.NullTime
		finishedAt   sql.NullTime
		metadata     []byte
	)
	if err := row.Scan(&r.ID, &r.SessionID, &r.Owner, &r.AgentKey, &status,
		&input, &finalOutput, &rawResponses, &r.LastResponseID, &r.Error,
		&startedAt, &finishedAt, &metadata, &r.CorrelationToken,
		&r.CreatedAt, &r.UpdatedAt); err != nil {
		return run.Run{}, err
	}
	r.Status = run.Status(status)
	r.Input = json.RawMessage(input)
	r.FinalOutput = json.RawMessage(finalOutput)
	r.RawResponses = json.RawMessage(rawResponses)
	if startedAt.Valid {
		t := startedAt.Time
		r.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		r.FinishedAt = &t
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &r.Metadata); err != nil {
			return run.Run{}, fmt.Errorf("failed to decode run metadata: %w", err)
		}
	}
	return r, nil
}

func collectRuns(rows *sql.Rows) ([]run.Run, error) {
	defer rows.Close()
	var runs []run.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func statusStrings(statuses []run.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func invalidUUID(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "22P02"
}
