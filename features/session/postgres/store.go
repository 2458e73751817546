package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"goa.design/agentic/features/postgres"
	"goa.design/agentic/runtime/agent/session"
)

type (
	// Options configures the session store.
	Options struct {
		// Client is the shared database client. Required.
		Client *postgres.Client
	}

	// Store implements session.Store on PostgreSQL.
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

// GetOrCreate implements session.Store.
func (s *Store) GetOrCreate(ctx context.Context, owner, key string) (session.Session, bool, error) {
	if owner == "" || key == "" {
		return session.Session{}, false, errors.New("owner and key are required")
	}
	sess, err := s.loadByKey(ctx, owner, key)
	if err == nil {
		return sess, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, false, err
	}

	id := uuid.NewString()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO agent_sessions (id, owner, session_key)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner, session_key) DO NOTHING
		RETURNING id, owner, session_key, metadata, created_at, updated_at`,
		id, owner, key)
	sess, err = scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Lost the creation race; the winner's row exists now.
		sess, err = s.loadByKey(ctx, owner, key)
		if err != nil {
			return session.Session{}, false, err
		}
		return sess, false, nil
	}
	if err != nil {
		return session.Session{}, false, err
	}
	return sess, true, nil
}

// Load implements session.Store.
func (s *Store) Load(ctx context.Context, sessionID string) (session.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner, session_key, metadata, created_at, updated_at
		FROM agent_sessions WHERE id = $1`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) || invalidUUID(err) {
		return session.Session{}, session.ErrSessionNotFound
	}
	return sess, err
}

// Append implements session.Store. The batch is written in one transaction
// holding the session row lock, so sequences are gap-free and contiguous even
// under concurrent appenders.
func (s *Store) Append(ctx context.Context, sessionID string, items []json.RawMessage) error {
	if len(items) == 0 {
		return nil
	}
	return s.client.InTx(ctx, func(tx *sql.Tx) error {
		if err := lockSession(ctx, tx, sessionID); err != nil {
			return err
		}
		var max int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(sequence), 0) FROM agent_session_items WHERE session_id = $1`,
			sessionID,
		).Scan(&max); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO agent_session_items (session_id, sequence, payload)
			VALUES ($1, $2, $3)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i, payload := range items {
			if _, err := stmt.ExecContext(ctx, sessionID, max+int64(i)+1, []byte(payload)); err != nil {
				return err
			}
		}
		return touchSession(ctx, tx, sessionID)
	})
}

// Items implements session.Store.
func (s *Store) Items(ctx context.Context, sessionID string, limit int) ([]json.RawMessage, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.db.QueryContext(ctx, `
			SELECT payload FROM (
				SELECT payload, sequence FROM agent_session_items
				WHERE session_id = $1 ORDER BY sequence DESC LIMIT $2
			) latest ORDER BY sequence ASC`, sessionID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT payload FROM agent_session_items
			WHERE session_id = $1 ORDER BY sequence ASC`, sessionID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var payloads []json.RawMessage
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		payloads = append(payloads, json.RawMessage(payload))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(payloads) == 0 {
		if _, err := s.Load(ctx, sessionID); err != nil {
			return nil, err
		}
	}
	return payloads, nil
}

// PopItem implements session.Store.
func (s *Store) PopItem(ctx context.Context, sessionID string) (json.RawMessage, bool, error) {
	var (
		payload []byte
		found   bool
	)
	err := s.client.InTx(ctx, func(tx *sql.Tx) error {
		if err := lockSession(ctx, tx, sessionID); err != nil {
			return err
		}
		err := tx.QueryRowContext(ctx, `
			DELETE FROM agent_session_items
			WHERE session_id = $1 AND sequence = (
				SELECT MAX(sequence) FROM agent_session_items WHERE session_id = $1
			)
			RETURNING payload`, sessionID).Scan(&payload)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return touchSession(ctx, tx, sessionID)
	})
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	return json.RawMessage(payload), true, nil
}

// Clear implements session.Store.
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	return s.client.InTx(ctx, func(tx *sql.Tx) error {
		if err := lockSession(ctx, tx, sessionID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM agent_session_items WHERE session_id = $1`, sessionID,
		); err != nil {
			return err
		}
		return touchSession(ctx, tx, sessionID)
	})
}

// DeleteIdleBefore implements session.Store. Deletion runs in bounded batches
// so a large backlog never holds row locks for long.
func (s *Store) DeleteIdleBefore(ctx context.Context, cutoff time.Time, requireEmpty bool, batchSize int) (int, error) {
	if batchSize < 1 {
		return 0, errors.New("batch size must be >= 1")
	}
	deleted := 0
	for {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM agent_sessions WHERE id IN (
				SELECT s.id FROM agent_sessions s
				WHERE s.updated_at < $1 AND ($2 = false OR (
					NOT EXISTS (SELECT 1 FROM agent_session_items i WHERE i.session_id = s.id)
					AND NOT EXISTS (SELECT 1 FROM agent_runs r WHERE r.session_id = s.id)
				))
				LIMIT $3
			)`, cutoff, requireEmpty, batchSize)
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

// CountIdleBefore implements session.Store.
func (s *Store) CountIdleBefore(ctx context.Context, cutoff time.Time, requireEmpty bool) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM agent_sessions s
		WHERE s.updated_at < $1 AND ($2 = false OR (
			NOT EXISTS (SELECT 1 FROM agent_session_items i WHERE i.session_id = s.id)
			AND NOT EXISTS (SELECT 1 FROM agent_runs r WHERE r.session_id = s.id)
		))`, cutoff, requireEmpty).Scan(&count)
	return count, err
}

func (s *Store) loadByKey(ctx context.Context, owner, key string) (session.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner, session_key, metadata, created_at, updated_at
		FROM agent_sessions WHERE owner = $1 AND session_key = $2`, owner, key)
	return scanSession(row)
}

// lockSession takes the per-session row lock for the duration of tx.
func lockSession(ctx context.Context, tx *sql.Tx, sessionID string) error {
	var id string
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM agent_sessions WHERE id = $1 FOR UPDATE`, sessionID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) || invalidUUID(err) {
		return session.ErrSessionNotFound
	}
	return err
}

func touchSession(ctx context.Context, tx *sql.Tx, sessionID string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE agent_sessions SET updated_at = now() WHERE id = $1`, sessionID)
	return err
}

func scanSession(row *sql.Row) (session.Session, error) {
	var (
		sess     session.Session
		metadata []byte
	)
	if err := row.Scan(&sess.ID, &sess.Owner, &sess.Key, &metadata, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return session.Session{}, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &sess.Metadata); err != nil {
			return session.Session{}, fmt.Errorf("failed to decode session metadata: %w", err)
		}
	}
	return sess, nil
}

// invalidUUID reports whether err is the driver complaining about a malformed
// UUID literal, which callers treat the same as not-found.
func invalidUUID(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "22P02"
}
