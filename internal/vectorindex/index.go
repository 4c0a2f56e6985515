// Package vectorindex is the semantic index searched by the entity retriever.
// Documents are embedded on upload and stored in SQLite; search is a
// brute-force cosine top-K scan over one partition.
package vectorindex

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Delete when no vector has the given id.
var ErrNotFound = errors.New("vector not found")

// Embedder turns text into vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Document is one unit of indexed text belonging to an entity.
type Document struct {
	ID         string // generated when empty
	Partition  string
	EntityID   string
	Title      string
	URL        string
	Text       string
	Attributes map[string]string
}

// RawMatch is a search hit before entity-specific normalisation.
type RawMatch struct {
	ID         string
	Partition  string
	EntityID   string
	Title      string
	URL        string
	Text       string
	Attributes map[string]string
	Score      float32
}

// Index stores document vectors in the entity_vectors table.
type Index struct {
	db       *sql.DB
	embedder Embedder
}

// New wraps db, which must already carry the entity_vectors table.
func New(db *sql.DB, embedder Embedder) *Index {
	return &Index{db: db, embedder: embedder}
}

// Upload embeds and stores a single document, returning its vector id.
func (x *Index) Upload(ctx context.Context, doc Document) (string, error) {
	ids, err := x.UploadBatch(ctx, []Document{doc})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// UploadBatch embeds all documents and stores them in one transaction.
func (x *Index) UploadBatch(ctx context.Context, docs []Document) ([]string, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	texts := make([]string, len(docs))
	for i, d := range docs {
		if d.Partition == "" {
			return nil, fmt.Errorf("document %d: partition is required", i)
		}
		texts[i] = d.Text
	}
	vectors, err := x.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding documents: %w", err)
	}
	if len(vectors) != len(docs) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d documents", len(vectors), len(docs))
	}

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning upload transaction: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO entity_vectors (id, partition, entity_id, title, url, text_chunk, attributes, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	ids := make([]string, len(docs))
	for i, d := range docs {
		id := d.ID
		if id == "" {
			id = uuid.NewString()
		}
		attrs, err := json.Marshal(d.Attributes)
		if err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("encoding attributes for %s: %w", id, err)
		}
		if d.Attributes == nil {
			attrs = []byte("{}")
		}
		if _, err := stmt.ExecContext(ctx, id, d.Partition, d.EntityID, d.Title, d.URL, d.Text, string(attrs), encodeFloat32s(vectors[i]), now); err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("inserting vector %s: %w", id, err)
		}
		ids[i] = id
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing upload: %w", err)
	}
	return ids, nil
}

type idScore struct {
	ID    string
	Score float32
}

// Search embeds query and returns up to max documents of partition ordered
// by cosine similarity, best first.
func (x *Index) Search(ctx context.Context, partition, query string, max int) ([]RawMatch, error) {
	if max <= 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}
	vector, err := x.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	// Phase 1: scan only id + embedding to find top-K candidates.
	rows, err := x.db.QueryContext(ctx, `SELECT id, embedding FROM entity_vectors WHERE partition = ?`, partition)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &idScoreHeap{}
	heap.Init(h)
	var buf []float32
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}
		score := cosine(vector, buf, queryNorm)
		if h.Len() < max {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	rows.Close()

	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch full records only for the winners.
	scores := make(map[string]float32, h.Len())
	args := make([]any, 0, h.Len())
	for h.Len() > 0 {
		item := heap.Pop(h).(idScore)
		scores[item.ID] = item.Score
		args = append(args, item.ID)
	}
	full, err := x.db.QueryContext(ctx, `
		SELECT id, partition, entity_id, title, url, text_chunk, attributes
		FROM entity_vectors WHERE id IN (?`+strings.Repeat(",?", len(args)-1)+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K records: %w", err)
	}
	defer full.Close()

	var out []RawMatch
	for full.Next() {
		var m RawMatch
		var attrs string
		if err := full.Scan(&m.ID, &m.Partition, &m.EntityID, &m.Title, &m.URL, &m.Text, &attrs); err != nil {
			return nil, fmt.Errorf("scanning full record: %w", err)
		}
		if attrs != "" {
			if err := json.Unmarshal([]byte(attrs), &m.Attributes); err != nil {
				return nil, fmt.Errorf("decoding attributes for %s: %w", m.ID, err)
			}
		}
		m.Score = scores[m.ID]
		out = append(out, m)
	}
	if err := full.Err(); err != nil {
		return nil, fmt.Errorf("iterating full records: %w", err)
	}

	// IN does not preserve order.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

// Delete removes a vector by id.
func (x *Index) Delete(ctx context.Context, id string) error {
	res, err := x.db.ExecContext(ctx, `DELETE FROM entity_vectors WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting vector %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Count returns the number of vectors in partition, or in every partition
// when partition is empty.
func (x *Index) Count(ctx context.Context, partition string) (int, error) {
	var n int
	var err error
	if partition == "" {
		err = x.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entity_vectors`).Scan(&n)
	} else {
		err = x.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entity_vectors WHERE partition = ?`, partition).Scan(&n)
	}
	return n, err
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto decodes little-endian bytes into buf, reusing it across
// rows of a scan.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes dot(a,b) / (aNorm * |b|). aNorm is precomputed.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// idScoreHeap is a min-heap of idScore ordered by Score.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int           { return len(h) }
func (h idScoreHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)        { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
