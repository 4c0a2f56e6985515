package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/kalambet/quadsearch/internal/retrieval"
	"github.com/kalambet/quadsearch/internal/storage"
	"github.com/kalambet/quadsearch/internal/vectorindex"
)

// NewDocument describes an entity document to index.
type NewDocument struct {
	Kind       string
	EntityID   string
	Title      string
	Content    string
	URL        string
	Attributes map[string]string
	Overview   bool
}

type indexPayload struct {
	DocumentID string `json:"document_id"`
}

// IndexDocument stores the document and queues it for embedding.
func (s *Service) IndexDocument(ctx context.Context, in NewDocument) (storage.EntityDocument, error) {
	kind, ok := retrieval.ParseKind(in.Kind)
	if !ok {
		return storage.EntityDocument{}, fmt.Errorf("%w: unknown kind %q", ErrInvalid, in.Kind)
	}
	if strings.TrimSpace(in.EntityID) == "" || strings.TrimSpace(in.Content) == "" {
		return storage.EntityDocument{}, fmt.Errorf("%w: entity_id and content are required", ErrInvalid)
	}
	attrs := "{}"
	if len(in.Attributes) > 0 {
		raw, err := json.Marshal(in.Attributes)
		if err != nil {
			return storage.EntityDocument{}, err
		}
		attrs = string(raw)
	}

	doc := storage.EntityDocument{
		ID:         uuid.NewString(),
		Kind:       string(kind),
		EntityID:   strings.TrimSpace(in.EntityID),
		Title:      strings.TrimSpace(in.Title),
		Content:    in.Content,
		URL:        strings.TrimSpace(in.URL),
		Attributes: attrs,
		Overview:   in.Overview,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.store.SaveEntityDocument(ctx, doc); err != nil {
		return storage.EntityDocument{}, fmt.Errorf("saving document: %w", err)
	}

	payload, _ := json.Marshal(indexPayload{DocumentID: doc.ID})
	if _, err := s.store.EnqueueJob(ctx, storage.Job{
		ID:          "index:" + doc.ID,
		Type:        JobIndexDocument,
		PayloadJSON: string(payload),
	}); err != nil {
		return storage.EntityDocument{}, fmt.Errorf("enqueueing index job: %w", err)
	}
	return doc, nil
}

// DeleteDocument removes a document and its vector.
func (s *Service) DeleteDocument(ctx context.Context, id string) error {
	doc, err := s.store.GetEntityDocument(ctx, id)
	if err != nil {
		return err
	}
	if doc.VectorID != "" {
		if err := s.index.Delete(ctx, doc.VectorID); err != nil && !errors.Is(err, vectorindex.ErrNotFound) {
			return fmt.Errorf("deleting vector %s: %w", doc.VectorID, err)
		}
	}
	return s.store.DeleteEntityDocument(ctx, id)
}

// HandleIndexJob embeds a stored document into its partition.
func (s *Service) HandleIndexJob(ctx context.Context, job *storage.Job) error {
	var p indexPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	doc, err := s.store.GetEntityDocument(ctx, p.DocumentID)
	if err != nil {
		return fmt.Errorf("loading document %s: %w", p.DocumentID, err)
	}
	kind, ok := retrieval.ParseKind(doc.Kind)
	if !ok {
		return fmt.Errorf("document %s has unknown kind %q", doc.ID, doc.Kind)
	}
	var attrs map[string]string
	if doc.Attributes != "" {
		if err := json.Unmarshal([]byte(doc.Attributes), &attrs); err != nil {
			return fmt.Errorf("decoding attributes of %s: %w", doc.ID, err)
		}
	}

	vectorID, err := s.index.Upload(ctx, vectorindex.Document{
		Partition:  kind.Partition(doc.Overview),
		EntityID:   doc.EntityID,
		Title:      doc.Title,
		URL:        doc.URL,
		Text:       doc.Content,
		Attributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("uploading document %s: %w", doc.ID, err)
	}
	if doc.VectorID != "" {
		if err := s.index.Delete(ctx, doc.VectorID); err != nil && !errors.Is(err, vectorindex.ErrNotFound) {
			s.logger.Warn("removing replaced vector", "document_id", doc.ID, "vector_id", doc.VectorID, "error", err)
		}
	}
	if err := s.store.UpdateEntityDocumentVectorID(ctx, doc.ID, vectorID); err != nil {
		return fmt.Errorf("updating vector_id: %w", err)
	}
	return nil
}
