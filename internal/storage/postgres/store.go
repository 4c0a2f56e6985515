// Package postgres implements storage.Datastore on top of a pgx connection pool.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kalambet/quadsearch/internal/storage"
)

//go:embed schema.sql
var schema string

var _ storage.Datastore = (*Store)(nil)

type Store struct {
	db *pgxpool.Pool
}

// Open connects to databaseURL, verifies the connection and applies the schema.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &Store{db: pool}, nil
}

func (s *Store) Close() error {
	s.db.Close()
	return nil
}

// --- Rooms ---

func (s *Store) CreateRoom(ctx context.Context, r storage.Room) error {
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO rooms (id, title, owner_id, created_at) VALUES ($1, $2, $3, $4)`,
		r.ID, r.Title, r.OwnerID, createdAt.UTC(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return storage.ErrConflict
		}
		return fmt.Errorf("creating room %s: %w", r.ID, err)
	}
	return nil
}

func (s *Store) GetRoom(ctx context.Context, id string) (storage.Room, error) {
	var r storage.Room
	err := s.db.QueryRow(ctx, `SELECT id, title, owner_id, created_at FROM rooms WHERE id = $1`, id).
		Scan(&r.ID, &r.Title, &r.OwnerID, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Room{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Room{}, fmt.Errorf("fetching room %s: %w", id, err)
	}
	return r, nil
}

func (s *Store) SetRoomTitleIfEmpty(ctx context.Context, id, title string) error {
	_, err := s.db.Exec(ctx, `UPDATE rooms SET title = $1 WHERE id = $2 AND title = ''`, title, id)
	return err
}

// --- Messages ---

const messageColumns = `id, room_id, query, filters, content, status, error, created_by, created_at, updated_at`

func (s *Store) InsertMessage(ctx context.Context, m storage.Message) error {
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	filters := m.Filters
	if filters == "" {
		filters = "{}"
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO messages (id, room_id, query, filters, content, status, error, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULL, 'pending', '', $5, $6, $6)`,
		m.ID, m.RoomID, m.Query, filters, m.CreatedBy, createdAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting message %s: %w", m.ID, err)
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (storage.Message, error) {
	row := s.db.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Message{}, storage.ErrNotFound
	}
	return m, err
}

func (s *Store) ListRoomMessages(ctx context.Context, roomID string, limit int) ([]storage.Message, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE room_id = $1 ORDER BY created_at ASC, id ASC LIMIT $2`, roomID, limit)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// TransitionMessage is a single conditional UPDATE; Postgres row locking
// guarantees at most one caller observes the from state.
func (s *Store) TransitionMessage(ctx context.Context, id string, from, to storage.MessageStatus, content json.RawMessage, errMsg string) error {
	var stored any
	if to == storage.StatusCompleted && content != nil {
		stored = []byte(content)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE messages SET status = $1, content = $2, error = $3, updated_at = now()
		WHERE id = $4 AND status = $5`,
		string(to), stored, errMsg, id, string(from),
	)
	if err != nil {
		return fmt.Errorf("updating message %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrConflict
	}
	return nil
}

func (s *Store) ListMessagesByStatus(ctx context.Context, status storage.MessageStatus, before time.Time) ([]storage.Message, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE status = $1 AND updated_at < $2 ORDER BY updated_at ASC`, string(status), before.UTC())
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func collectMessages(rows pgx.Rows) ([]storage.Message, error) {
	defer rows.Close()
	var out []storage.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMessage(row pgx.Row) (storage.Message, error) {
	var m storage.Message
	var content []byte
	var status string
	if err := row.Scan(&m.ID, &m.RoomID, &m.Query, &m.Filters, &content, &status, &m.Error, &m.CreatedBy, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return storage.Message{}, err
	}
	m.Status = storage.MessageStatus(status)
	if content != nil {
		m.Content = json.RawMessage(content)
	}
	return m, nil
}

// --- Budget records ---

func (s *Store) GetBudgetRecord(ctx context.Context, identity string) (storage.BudgetRecord, error) {
	var r storage.BudgetRecord
	err := s.db.QueryRow(ctx, `
		SELECT identity, tier, tokens_used, window_start, updated_at
		FROM budget_records WHERE identity = $1`, identity,
	).Scan(&r.Identity, &r.Tier, &r.TokensUsed, &r.WindowStart, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.BudgetRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.BudgetRecord{}, fmt.Errorf("fetching budget for %s: %w", identity, err)
	}
	return r, nil
}

func (s *Store) DebitBudget(ctx context.Context, identity, tier string, amount int64, now time.Time, window time.Duration) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO budget_records (identity, tier, tokens_used, window_start, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (identity) DO UPDATE SET
			tokens_used = CASE WHEN budget_records.window_start < $5
				THEN excluded.tokens_used
				ELSE budget_records.tokens_used + excluded.tokens_used END,
			window_start = CASE WHEN budget_records.window_start < $5
				THEN excluded.window_start
				ELSE budget_records.window_start END,
			tier = excluded.tier,
			updated_at = excluded.updated_at`,
		identity, tier, amount, now.UTC(), now.Add(-window).UTC(),
	)
	if err != nil {
		return fmt.Errorf("debiting budget for %s: %w", identity, err)
	}
	return nil
}

// --- Jobs ---

func (s *Store) EnqueueJob(ctx context.Context, job storage.Job) (bool, error) {
	now := time.Now().UTC()
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter.UTC()
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	tag, err := s.db.Exec(ctx, `
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES ($1, $2, $3, 'pending', 0, $4, $5, $6, $6)
		ON CONFLICT (id) DO UPDATE SET
			status = 'pending', attempts = 0, payload_json = excluded.payload_json,
			max_attempts = excluded.max_attempts, run_after = excluded.run_after,
			updated_at = excluded.updated_at, last_error = NULL
		WHERE jobs.status IN ('completed', 'failed')`,
		job.ID, job.Type, job.PayloadJSON, maxAttempts, runAfter, now,
	)
	if err != nil {
		return false, fmt.Errorf("enqueueing job %s: %w", job.ID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ClaimNextJob locks the oldest runnable job with SKIP LOCKED so that several
// workers can poll the same table.
func (s *Store) ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error) {
	if len(types) == 0 {
		return nil, nil
	}
	var j storage.Job
	var lastError *string
	err := s.db.QueryRow(ctx, `
		UPDATE jobs SET status = 'running', updated_at = now()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending' AND run_after <= now() AND type = ANY($1)
			ORDER BY run_after ASC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error`,
		types,
	).Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts, &j.RunAfter, &j.CreatedAt, &j.UpdatedAt, &lastError)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	if lastError != nil {
		j.LastError = *lastError
	}
	return &j, nil
}

func (s *Store) CompleteJob(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `UPDATE jobs SET status = 'completed', updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) FailJob(ctx context.Context, id string, errMsg string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var attempts, maxAttempts int
	err = tx.QueryRow(ctx, `SELECT attempts, max_attempts FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan(&attempts, &maxAttempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempts++
	if attempts >= maxAttempts {
		_, err = tx.Exec(ctx, `UPDATE jobs SET status = 'failed', attempts = $1, last_error = $2, updated_at = $3 WHERE id = $4`,
			attempts, errMsg, now, id)
	} else {
		_, err = tx.Exec(ctx, `UPDATE jobs SET status = 'pending', attempts = $1, last_error = $2, run_after = $3, updated_at = $4 WHERE id = $5`,
			attempts, errMsg, now.Add(storage.Backoff(attempts)), now, id)
	}
	if err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	slog.Debug("postgres: job failed", "id", id, "attempts", attempts, "max_attempts", maxAttempts)
	return nil
}

// --- Entity documents ---

func (s *Store) SaveEntityDocument(ctx context.Context, d storage.EntityDocument) error {
	attrs := d.Attributes
	if attrs == "" {
		attrs = "{}"
	}
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO entity_documents (id, kind, entity_id, title, content, url, attributes, overview, vector_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.ID, d.Kind, d.EntityID, d.Title, d.Content, d.URL, attrs, d.Overview, d.VectorID, createdAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving entity document %s: %w", d.ID, err)
	}
	return nil
}

func (s *Store) GetEntityDocument(ctx context.Context, id string) (storage.EntityDocument, error) {
	var d storage.EntityDocument
	err := s.db.QueryRow(ctx, `
		SELECT id, kind, entity_id, title, content, url, attributes, overview, vector_id, created_at
		FROM entity_documents WHERE id = $1`, id,
	).Scan(&d.ID, &d.Kind, &d.EntityID, &d.Title, &d.Content, &d.URL, &d.Attributes, &d.Overview, &d.VectorID, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.EntityDocument{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.EntityDocument{}, fmt.Errorf("fetching entity document %s: %w", id, err)
	}
	return d, nil
}

func (s *Store) UpdateEntityDocumentVectorID(ctx context.Context, id, vectorID string) error {
	tag, err := s.db.Exec(ctx, `UPDATE entity_documents SET vector_id = $1 WHERE id = $2`, vectorID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteEntityDocument(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM entity_documents WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}
