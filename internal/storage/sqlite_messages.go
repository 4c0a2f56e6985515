package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// --- Rooms ---

func (s *Store) CreateRoom(ctx context.Context, r Room) error {
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rooms (id, title, owner_id, created_at) VALUES (?, ?, ?, ?)`,
		r.ID, r.Title, r.OwnerID, formatTime(createdAt),
	)
	return err
}

func (s *Store) GetRoom(ctx context.Context, id string) (Room, error) {
	var r Room
	var createdAt string
	err := s.db.QueryRowContext(ctx, `SELECT id, title, owner_id, created_at FROM rooms WHERE id = ?`, id).
		Scan(&r.ID, &r.Title, &r.OwnerID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Room{}, ErrNotFound
	}
	if err != nil {
		return Room{}, err
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return Room{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return r, nil
}

// SetRoomTitleIfEmpty sets the title only when the room has none yet.
// It is not an error if the room already has a title.
func (s *Store) SetRoomTitleIfEmpty(ctx context.Context, id, title string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE rooms SET title = ? WHERE id = ? AND title = ''`, title, id)
	return err
}

// --- Messages ---

const messageColumns = `id, room_id, query, filters, content, status, error, created_by, created_at, updated_at`

// InsertMessage stores a new message in the pending state with no content.
func (s *Store) InsertMessage(ctx context.Context, m Message) error {
	now := time.Now()
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	filters := m.Filters
	if filters == "" {
		filters = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, room_id, query, filters, content, status, error, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, NULL, 'pending', '', ?, ?, ?)`,
		m.ID, m.RoomID, m.Query, filters, m.CreatedBy, formatTime(createdAt), formatTime(createdAt),
	)
	return err
}

func (s *Store) GetMessage(ctx context.Context, id string) (Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	return m, err
}

// ListRoomMessages returns up to limit messages of a room, oldest first.
func (s *Store) ListRoomMessages(ctx context.Context, roomID string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE room_id = ? ORDER BY created_at ASC, rowid ASC LIMIT ?`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// TransitionMessage moves a message from one status to another in a single
// conditional update. content is stored only for StatusCompleted; every other
// target clears it. Returns ErrConflict if the message was not in status from
// (including when it does not exist).
func (s *Store) TransitionMessage(ctx context.Context, id string, from, to MessageStatus, content json.RawMessage, errMsg string) error {
	var stored sql.NullString
	if to == StatusCompleted && content != nil {
		stored = sql.NullString{String: string(content), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = ?, content = ?, error = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(to), stored, errMsg, formatTime(time.Now()), id, string(from),
	)
	if err != nil {
		return fmt.Errorf("updating message %s: %w", id, err)
	}
	return checkAffected(res, ErrConflict)
}

// ListMessagesByStatus returns messages in status whose last update is
// strictly older than before.
func (s *Store) ListMessagesByStatus(ctx context.Context, status MessageStatus, before time.Time) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE status = ? AND updated_at < ? ORDER BY updated_at ASC`, string(status), formatTime(before))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var m Message
	var content sql.NullString
	var status, createdAt, updatedAt string
	if err := row.Scan(&m.ID, &m.RoomID, &m.Query, &m.Filters, &content, &status, &m.Error, &m.CreatedBy, &createdAt, &updatedAt); err != nil {
		return Message{}, err
	}
	m.Status = MessageStatus(status)
	if content.Valid {
		m.Content = json.RawMessage(content.String)
	}
	var err error
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return Message{}, fmt.Errorf("parsing created_at for message %s: %w", m.ID, err)
	}
	if m.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Message{}, fmt.Errorf("parsing updated_at for message %s: %w", m.ID, err)
	}
	return m, nil
}
