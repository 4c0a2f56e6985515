// Package retrieval runs a retrieval plan against the vector index for each
// requested entity class and normalises the hits into Matches.
package retrieval

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/quadsearch/internal/metrics"
	"github.com/kalambet/quadsearch/internal/planner"
	"github.com/kalambet/quadsearch/internal/vectorindex"
)

// maxExcerpts caps excerpts carried by one match after dedupe.
const maxExcerpts = 3

// Searcher is the semantic search port. Each call may fail independently.
type Searcher interface {
	Search(ctx context.Context, partition, query string, max int) ([]vectorindex.RawMatch, error)
}

// Result holds matches per entity class. A failed class has an empty slice
// in ByKind and its error in Errors; it never fails the whole retrieval.
type Result struct {
	ByKind map[Kind][]Match
	Errors map[Kind]error
}

// Matches returns all matches in class order, each class ranked best first.
func (r Result) Matches() []Match {
	var out []Match
	for _, k := range AllKinds {
		out = append(out, r.ByKind[k]...)
	}
	return out
}

// Retriever fans a plan out to one search per enabled entity class.
type Retriever struct {
	searcher Searcher
	logger   *slog.Logger
}

func New(searcher Searcher, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{searcher: searcher, logger: logger}
}

// Retrieve searches every class enabled in filters concurrently, requesting
// at most plan.MaxNumResults hits per class.
func (r *Retriever) Retrieve(ctx context.Context, query string, plan planner.Plan, filters Filters) Result {
	kinds := filters.Kinds()
	res := Result{
		ByKind: make(map[Kind][]Match, len(kinds)),
		Errors: make(map[Kind]error),
	}

	var mu sync.Mutex
	var g errgroup.Group
	for _, kind := range kinds {
		g.Go(func() error {
			matches, err := r.retrieveKind(ctx, kind, query, plan)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				r.logger.Warn("entity retrieval failed", "kind", kind, "error", err)
				metrics.RetrievalErrors.WithLabelValues(string(kind)).Inc()
				res.ByKind[kind] = []Match{}
				res.Errors[kind] = err
				return nil
			}
			res.ByKind[kind] = matches
			return nil
		})
	}
	// Goroutines never return errors; failures are recorded per class.
	_ = g.Wait()
	return res
}

func (r *Retriever) retrieveKind(ctx context.Context, kind Kind, query string, plan planner.Plan) ([]Match, error) {
	raw, err := r.searcher.Search(ctx, string(kind), query, plan.MaxNumResults)
	if err != nil {
		return nil, err
	}
	if plan.IncludeOverview {
		overview, err := r.searcher.Search(ctx, kind.OverviewPartition(), query, plan.MaxNumResults)
		if err != nil {
			r.logger.Warn("overview retrieval failed", "kind", kind, "error", err)
		} else {
			raw = append(raw, overview...)
		}
	}

	matches := make([]Match, 0, len(raw))
	for _, rm := range raw {
		matches = append(matches, normalize(kind, rm))
	}
	matches = dedupe(matches)

	if len(matches) > plan.MaxNumResults {
		matches = matches[:plan.MaxNumResults]
	}
	for i := range matches {
		matches[i].Rank = i + 1
	}
	return matches, nil
}

// dedupe keeps the highest-scoring match per entity id. Excerpts of dropped
// duplicates are appended to the survivor, up to maxExcerpts. The result is
// sorted by score, best first.
func dedupe(matches []Match) []Match {
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })

	index := make(map[string]int, len(matches))
	out := make([]Match, 0, len(matches))
	for _, m := range matches {
		if i, ok := index[m.EntityID]; ok {
			out[i].Excerpts = mergeExcerpts(out[i].Excerpts, m.Excerpts)
			if out[i].URL == "" {
				out[i].URL = m.URL
			}
			continue
		}
		index[m.EntityID] = len(out)
		out = append(out, m)
	}
	return out
}

func mergeExcerpts(dst, src []string) []string {
	for _, e := range src {
		if len(dst) >= maxExcerpts {
			break
		}
		dup := false
		for _, have := range dst {
			if have == e {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, e)
		}
	}
	return dst
}
