// Package search is the application service behind the HTTP, worker and MCP
// surfaces: rooms, messages, run triggers, the search pipeline itself and
// document indexing.
package search

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kalambet/quadsearch/internal/budget"
	"github.com/kalambet/quadsearch/internal/lifecycle"
	"github.com/kalambet/quadsearch/internal/orchestrator"
	"github.com/kalambet/quadsearch/internal/planner"
	"github.com/kalambet/quadsearch/internal/retrieval"
	"github.com/kalambet/quadsearch/internal/storage"
	"github.com/kalambet/quadsearch/internal/vectorindex"
)

// Job types handled by the worker pool.
const (
	JobSearchRun     = "search_run"
	JobIndexDocument = "index_document"
)

const (
	MaxQueryLen     = 2000
	contextMessages = 3
	historyScan     = 50
	roomListLimit   = 500
)

// ErrInvalid marks input rejected before any work is done.
var ErrInvalid = errors.New("invalid request")

// Retriever fetches matches for a plan.
type Retriever interface {
	Retrieve(ctx context.Context, query string, plan planner.Plan, filters retrieval.Filters) retrieval.Result
}

// DocumentIndex stores and removes entity vectors.
type DocumentIndex interface {
	Upload(ctx context.Context, doc vectorindex.Document) (string, error)
	Delete(ctx context.Context, id string) error
}

// Deps are the collaborators a Service is built from.
type Deps struct {
	Store        storage.Datastore
	Index        DocumentIndex
	Retriever    Retriever
	Orchestrator *orchestrator.Orchestrator
	Gate         *budget.Gate
	Lifecycle    *lifecycle.Manager
	Logger       *slog.Logger
}

type Service struct {
	store        storage.Datastore
	index        DocumentIndex
	retriever    Retriever
	orchestrator *orchestrator.Orchestrator
	gate         *budget.Gate
	lifecycle    *lifecycle.Manager
	logger       *slog.Logger
	now          func() time.Time
}

func New(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	orch := d.Orchestrator
	if orch == nil {
		orch = orchestrator.New(0)
	}
	return &Service{
		store:        d.Store,
		index:        d.Index,
		retriever:    d.Retriever,
		orchestrator: orch,
		gate:         d.Gate,
		lifecycle:    d.Lifecycle,
		logger:       logger.With("component", "search"),
		now:          time.Now,
	}
}

// Usage returns the budget snapshot for id.
func (s *Service) Usage(ctx context.Context, id budget.Identity) (budget.Decision, error) {
	return s.gate.Ledger().Usage(ctx, id.Key, id.Tier)
}
