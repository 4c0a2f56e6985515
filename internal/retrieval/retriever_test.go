package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/kalambet/quadsearch/internal/planner"
	"github.com/kalambet/quadsearch/internal/vectorindex"
)

// mockSearcher implements Searcher for testing.
type mockSearcher struct {
	mu       sync.Mutex
	searchFn func(partition, query string, max int) ([]vectorindex.RawMatch, error)
	calls    map[string]int
	maxSeen  map[string]int
}

func (m *mockSearcher) Search(_ context.Context, partition, query string, max int) ([]vectorindex.RawMatch, error) {
	m.mu.Lock()
	if m.calls == nil {
		m.calls = map[string]int{}
		m.maxSeen = map[string]int{}
	}
	m.calls[partition]++
	m.maxSeen[partition] = max
	m.mu.Unlock()
	return m.searchFn(partition, query, max)
}

func hits(partition string, n int) []vectorindex.RawMatch {
	out := make([]vectorindex.RawMatch, n)
	for i := range out {
		out[i] = vectorindex.RawMatch{
			ID:        fmt.Sprintf("%s-vec-%d", partition, i),
			Partition: partition,
			EntityID:  fmt.Sprintf("%s-%d", partition, i),
			Title:     fmt.Sprintf("%s entity %d", partition, i),
			Text:      fmt.Sprintf("excerpt %d", i),
			Score:     1 - float32(i)*0.1,
		}
	}
	return out
}

func TestRetrieve_PartialFailureIsolated(t *testing.T) {
	s := &mockSearcher{
		searchFn: func(partition, _ string, max int) ([]vectorindex.RawMatch, error) {
			if partition == "events" {
				return nil, errors.New("events index unavailable")
			}
			return hits(partition, 2), nil
		},
	}
	r := New(s, nil)

	res := r.Retrieve(context.Background(), "robotics", planner.ForIntent(planner.IntentNarrow), AllFilters())

	if len(res.ByKind[KindPeople]) == 0 {
		t.Error("people matches empty, want non-empty")
	}
	if len(res.ByKind[KindOrganisations]) == 0 {
		t.Error("organisations matches empty, want non-empty")
	}
	events, ok := res.ByKind[KindEvents]
	if !ok || events == nil || len(events) != 0 {
		t.Errorf("events = %#v, want empty non-nil slice", events)
	}
	if res.Errors[KindEvents] == nil {
		t.Error("events error not recorded")
	}
	if len(res.Errors) != 1 {
		t.Errorf("errors = %v, want only events", res.Errors)
	}
}

func TestRetrieve_FiltersLimitClasses(t *testing.T) {
	s := &mockSearcher{
		searchFn: func(partition, _ string, _ int) ([]vectorindex.RawMatch, error) {
			return hits(partition, 3), nil
		},
	}
	r := New(s, nil)

	res := r.Retrieve(context.Background(), "react developers", planner.ForIntent(planner.IntentNarrow), Filters{People: true})

	if len(res.ByKind) != 1 {
		t.Fatalf("ByKind has %d classes, want 1", len(res.ByKind))
	}
	if s.calls["organisations"] != 0 || s.calls["events"] != 0 {
		t.Errorf("disabled classes searched: %v", s.calls)
	}
	for _, m := range res.Matches() {
		if m.Kind != KindPeople {
			t.Errorf("match of kind %q, want people", m.Kind)
		}
	}
}

func TestRetrieve_NarrowSkipsOverview(t *testing.T) {
	s := &mockSearcher{
		searchFn: func(partition, _ string, _ int) ([]vectorindex.RawMatch, error) {
			return hits(partition, 1), nil
		},
	}
	New(s, nil).Retrieve(context.Background(), "q", planner.ForIntent(planner.IntentNarrow), Filters{Organisations: true})

	if s.calls["organisations_overview"] != 0 {
		t.Error("overview partition searched for narrow plan")
	}
	if s.maxSeen["organisations"] != 4 {
		t.Errorf("max = %d, want 4", s.maxSeen["organisations"])
	}
}

func TestRetrieve_BroadMergesOverviewAndCaps(t *testing.T) {
	s := &mockSearcher{
		searchFn: func(partition, _ string, max int) ([]vectorindex.RawMatch, error) {
			return hits(partition, max), nil
		},
	}
	plan := planner.ForIntent(planner.IntentBroad)
	res := New(s, nil).Retrieve(context.Background(), "overview", plan, Filters{Organisations: true})

	if s.calls["organisations_overview"] != 1 {
		t.Errorf("overview searched %d times, want 1", s.calls["organisations_overview"])
	}
	got := res.ByKind[KindOrganisations]
	if len(got) != plan.MaxNumResults {
		t.Fatalf("got %d matches, want cap %d", len(got), plan.MaxNumResults)
	}
	for i, m := range got {
		if m.Rank != i+1 {
			t.Errorf("match %d rank = %d", i, m.Rank)
		}
		if i > 0 && got[i-1].Score < m.Score {
			t.Errorf("matches not sorted by score at %d", i)
		}
	}
}

func TestRetrieve_OverviewFailureKeepsPrimary(t *testing.T) {
	s := &mockSearcher{
		searchFn: func(partition, _ string, _ int) ([]vectorindex.RawMatch, error) {
			if partition == "events_overview" {
				return nil, errors.New("boom")
			}
			return hits(partition, 2), nil
		},
	}
	res := New(s, nil).Retrieve(context.Background(), "q", planner.ForIntent(planner.IntentResource), Filters{Events: true})

	if len(res.ByKind[KindEvents]) != 2 {
		t.Errorf("got %d events, want 2", len(res.ByKind[KindEvents]))
	}
	if res.Errors[KindEvents] != nil {
		t.Errorf("overview failure recorded as class failure: %v", res.Errors[KindEvents])
	}
}

func TestDedupe_HighestScoreWins(t *testing.T) {
	s := &mockSearcher{
		searchFn: func(partition, _ string, _ int) ([]vectorindex.RawMatch, error) {
			return []vectorindex.RawMatch{
				{ID: "v1", EntityID: "org-1", Title: "Robotics Club", Text: "low chunk", Score: 0.4},
				{ID: "v2", EntityID: "org-1", Title: "Robotics Club", Text: "high chunk", URL: "https://robots.example", Score: 0.9},
				{ID: "v3", EntityID: "org-2", Title: "Chess", Text: "chess chunk", Score: 0.6},
				{ID: "v4", EntityID: "org-1", Title: "Robotics Club", Text: "mid chunk", Score: 0.5},
				{ID: "v5", EntityID: "org-1", Title: "Robotics Club", Text: "extra chunk", Score: 0.3},
			}, nil
		},
	}
	res := New(s, nil).Retrieve(context.Background(), "q", planner.ForIntent(planner.IntentNarrow), Filters{Organisations: true})
	got := res.ByKind[KindOrganisations]

	if len(got) != 2 {
		t.Fatalf("got %d matches, want 2 after dedupe", len(got))
	}
	top := got[0]
	if top.EntityID != "org-1" || top.Score != 0.9 {
		t.Errorf("top = %+v, want org-1 with score 0.9", top)
	}
	if top.URL != "https://robots.example" {
		t.Errorf("URL = %q", top.URL)
	}
	want := []string{"high chunk", "mid chunk", "low chunk"}
	if len(top.Excerpts) != len(want) {
		t.Fatalf("excerpts = %v, want %v", top.Excerpts, want)
	}
	for i := range want {
		if top.Excerpts[i] != want[i] {
			t.Errorf("excerpt %d = %q, want %q", i, top.Excerpts[i], want[i])
		}
	}
}

func TestNormalize_KindFields(t *testing.T) {
	m := normalize(KindPeople, vectorindex.RawMatch{
		ID:         "vec-9",
		Attributes: map[string]string{"name": "Ada Lovelace", "major": "CS", "handle": "@ada", "unrelated": "x"},
		Text:       "  React and Go  ",
	})
	if m.EntityID != "vec-9" {
		t.Errorf("EntityID = %q, want fallback to vector id", m.EntityID)
	}
	if m.DisplayName != "Ada Lovelace" {
		t.Errorf("DisplayName = %q", m.DisplayName)
	}
	if m.Fields["major"] != "CS" || m.Fields["handle"] != "@ada" {
		t.Errorf("Fields = %v", m.Fields)
	}
	if _, ok := m.Fields["unrelated"]; ok {
		t.Error("unrelated attribute carried into Fields")
	}
	if len(m.Excerpts) != 1 || m.Excerpts[0] != "React and Go" {
		t.Errorf("Excerpts = %v", m.Excerpts)
	}

	org := normalize(KindOrganisations, vectorindex.RawMatch{EntityID: "o", Title: "Dance", Attributes: map[string]string{"website": "https://dance.example"}})
	if org.URL != "https://dance.example" {
		t.Errorf("org URL = %q, want website attribute", org.URL)
	}
}

func TestFiltersKinds(t *testing.T) {
	if got := (Filters{}).Kinds(); len(got) != 0 {
		t.Errorf("empty filters kinds = %v", got)
	}
	if got := AllFilters().Kinds(); len(got) != 3 || got[0] != KindPeople || got[2] != KindEvents {
		t.Errorf("all filters kinds = %v", got)
	}
}
