package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"

	"goa.design/agentic/features/postgres"
	"goa.design/agentic/runtime/agent/run"
	"goa.design/agentic/runtime/agent/runlog"
)

type (
	// Options configures the event log store.
	Options struct {
		// Client is the shared database client. Required.
		Client *postgres.Client
	}

	// Store implements runlog.Store on PostgreSQL.
	Store struct {
		client *postgres.Client
		db     *sql.DB
	}
)

// New validates opts and returns a ready store.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: opts.Client, db: opts.Client.DB()}, nil
}

// AppendBatch implements runlog.Store.
func (s *Store) AppendBatch(ctx context.Context, runID string, events []*runlog.Event) error {
	if runID == "" {
		return errors.New("run id is required")
	}
	if len(events) == 0 {
		return nil
	}
	return s.client.InTx(ctx, func(tx *sql.Tx) error {
		var id string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM agent_runs WHERE id = $1 FOR UPDATE`, runID,
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) || invalidUUID(err) {
			return run.ErrRunNotFound
		}
		if err != nil {
			return err
		}
		var max int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(sequence), 0) FROM agent_run_events WHERE run_id = $1`,
			runID,
		).Scan(&max); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO agent_run_events (run_id, sequence, event_type, payload)
			VALUES ($1, $2, $3, $4)
			RETURNING created_at`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i, e := range events {
			seq := max + int64(i) + 1
			var createdAt time.Time
			if err := stmt.QueryRowContext(ctx, runID, seq, e.Type, []byte(e.Payload)).Scan(&createdAt); err != nil {
				return err
			}
			e.RunID = runID
			e.Sequence = seq
			e.CreatedAt = createdAt
		}
		return nil
	})
}

// List implements runlog.Store.
func (s *Store) List(ctx context.Context, runID string, afterSeq int64, limit int) ([]*runlog.Event, error) {
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, sequence, event_type, payload, created_at
		FROM agent_run_events
		WHERE run_id = $1 AND sequence > $2
		ORDER BY sequence
		LIMIT $3`, runID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []*runlog.Event
	for rows.Next() {
		var (
			e       runlog.Event
			payload []byte
		)
		if err := rows.Scan(&e.RunID, &e.Sequence, &e.Type, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		events = append(events, &e)
	}
	return events, rows.Err()
}

// DeleteCreatedBefore implements runlog.Store.
func (s *Store) DeleteCreatedBefore(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	if batchSize < 1 {
		return 0, errors.New("batch size must be >= 1")
	}
	deleted := 0
	for {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM agent_run_events WHERE (run_id, sequence) IN (
				SELECT run_id, sequence FROM agent_run_events
				WHERE created_at < $1
				LIMIT $2
			)`, cutoff, batchSize)
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

// CountCreatedBefore implements runlog.Store.
func (s *Store) CountCreatedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agent_run_events WHERE created_at < $1`, cutoff,
	).Scan(&count)
	return count, err
}

func invalidUUID(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "22P02"
}
