package retrieval

import (
	"strings"

	"github.com/kalambet/quadsearch/internal/vectorindex"
)

// Kind is an entity class with its own index partition.
type Kind string

const (
	KindPeople        Kind = "people"
	KindOrganisations Kind = "organisations"
	KindEvents        Kind = "events"
)

// AllKinds lists entity classes in presentation order.
var AllKinds = []Kind{KindPeople, KindOrganisations, KindEvents}

// ParseKind returns the Kind named s.
func ParseKind(s string) (Kind, bool) {
	for _, k := range AllKinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// OverviewPartition is the partition holding summary-level documents.
func (k Kind) OverviewPartition() string {
	return string(k) + "_overview"
}

// Partition returns the index partition a document of this kind lives in.
func (k Kind) Partition(overview bool) string {
	if overview {
		return k.OverviewPartition()
	}
	return string(k)
}

// Filters toggles entity classes on or off.
type Filters struct {
	People        bool `json:"people"`
	Organisations bool `json:"organisations"`
	Events        bool `json:"events"`
}

// AllFilters enables every entity class.
func AllFilters() Filters {
	return Filters{People: true, Organisations: true, Events: true}
}

// Kinds returns the enabled classes in presentation order.
func (f Filters) Kinds() []Kind {
	var out []Kind
	if f.People {
		out = append(out, KindPeople)
	}
	if f.Organisations {
		out = append(out, KindOrganisations)
	}
	if f.Events {
		out = append(out, KindEvents)
	}
	return out
}

// Match is one normalised hit pointing at an entity.
type Match struct {
	EntityID    string            `json:"entity_id"`
	Kind        Kind              `json:"kind"`
	DisplayName string            `json:"display_name"`
	URL         string            `json:"url,omitempty"`
	Excerpts    []string          `json:"excerpts"`
	Score       float32           `json:"score"`
	Rank        int               `json:"rank"`
	Fields      map[string]string `json:"fields,omitempty"`
}

// fieldsByKind lists the attributes carried into Match.Fields per class.
var fieldsByKind = map[Kind][]string{
	KindPeople:        {"handle", "major", "year", "skills"},
	KindOrganisations: {"category", "instagram", "website"},
	KindEvents:        {"date", "location", "organiser"},
}

func normalize(kind Kind, rm vectorindex.RawMatch) Match {
	m := Match{
		EntityID:    rm.EntityID,
		Kind:        kind,
		DisplayName: strings.TrimSpace(rm.Title),
		URL:         rm.URL,
		Score:       rm.Score,
	}
	if m.EntityID == "" {
		m.EntityID = rm.ID
	}
	if m.DisplayName == "" {
		m.DisplayName = rm.Attributes["name"]
	}
	if m.DisplayName == "" {
		m.DisplayName = m.EntityID
	}
	if m.URL == "" {
		switch kind {
		case KindOrganisations:
			m.URL = rm.Attributes["website"]
		case KindEvents:
			m.URL = rm.Attributes["registration_url"]
		}
	}
	if text := strings.TrimSpace(rm.Text); text != "" {
		m.Excerpts = []string{text}
	}
	for _, key := range fieldsByKind[kind] {
		if v := rm.Attributes[key]; v != "" {
			if m.Fields == nil {
				m.Fields = make(map[string]string)
			}
			m.Fields[key] = v
		}
	}
	return m
}
