package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// --- Entity documents ---

func (s *Store) SaveEntityDocument(ctx context.Context, d EntityDocument) error {
	attrs := d.Attributes
	if attrs == "" {
		attrs = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entity_documents (id, kind, entity_id, title, content, url, attributes, overview, vector_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Kind, d.EntityID, d.Title, d.Content, d.URL, attrs, boolToInt(d.Overview), d.VectorID, formatTime(d.CreatedAt),
	)
	return err
}

func (s *Store) GetEntityDocument(ctx context.Context, id string) (EntityDocument, error) {
	var d EntityDocument
	var overview int
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, entity_id, title, content, url, attributes, overview, vector_id, created_at
		FROM entity_documents WHERE id = ?`, id,
	).Scan(&d.ID, &d.Kind, &d.EntityID, &d.Title, &d.Content, &d.URL, &d.Attributes, &overview, &d.VectorID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return EntityDocument{}, ErrNotFound
	}
	if err != nil {
		return EntityDocument{}, err
	}
	d.Overview = overview != 0
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return EntityDocument{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return d, nil
}

func (s *Store) UpdateEntityDocumentVectorID(ctx context.Context, id, vectorID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE entity_documents SET vector_id = ? WHERE id = ?`, vectorID, id)
	if err != nil {
		return err
	}
	return checkAffected(res, ErrNotFound)
}

func (s *Store) DeleteEntityDocument(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM entity_documents WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkAffected(res, ErrNotFound)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
