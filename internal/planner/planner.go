// Package planner maps a raw search query to a retrieval strategy.
package planner

import (
	"strings"
	"unicode"
)

// Intent is the coarse classification of what a query is after.
type Intent string

const (
	// IntentNarrow is a specific fact lookup. It is the default.
	IntentNarrow Intent = "narrow"
	// IntentBroad is an exploratory or overview question.
	IntentBroad Intent = "broad"
	// IntentResource asks for a link, contact or sign-up path.
	IntentResource Intent = "resource"
)

// Plan describes how widely to search for one query. It is never persisted.
type Plan struct {
	Intent          Intent `json:"intent"`
	MaxNumResults   int    `json:"max_num_results"`
	IncludeOverview bool   `json:"include_overview"`
	PreferLinks     bool   `json:"prefer_links"`
}

// Result caps per intent.
const (
	NarrowMaxResults   = 4
	BroadMaxResults    = 6
	ResourceMaxResults = 8
)

var resourceTerms = []string{
	"link", "links", "url", "website", "site", "apply", "application",
	"sign up", "signup", "register", "join", "contact", "email",
	"instagram", "discord", "form", "page",
}

var broadTerms = []string{
	"overview", "everything", "explain", "all", "summary", "summarize",
	"tell me about", "what are", "list", "general", "broadly",
}

// ForQuery classifies query and returns the plan for it. It never fails:
// empty, unrecognised or foreign-language input yields the narrow plan.
func ForQuery(query string) Plan {
	return ForIntent(Classify(query))
}

// ForIntent returns the plan parameters for a given intent.
func ForIntent(intent Intent) Plan {
	switch intent {
	case IntentResource:
		return Plan{Intent: IntentResource, MaxNumResults: ResourceMaxResults, IncludeOverview: true, PreferLinks: true}
	case IntentBroad:
		return Plan{Intent: IntentBroad, MaxNumResults: BroadMaxResults, IncludeOverview: true, PreferLinks: true}
	default:
		return Plan{Intent: IntentNarrow, MaxNumResults: NarrowMaxResults}
	}
}

// Classify returns the intent of query. Resource terms take precedence over
// broad terms. Terms match whole words or whole phrases only.
func Classify(query string) Intent {
	text := normalize(query)
	if text == "" {
		return IntentNarrow
	}
	if containsAny(text, resourceTerms) {
		return IntentResource
	}
	if containsAny(text, broadTerms) {
		return IntentBroad
	}
	return IntentNarrow
}

// normalize lowercases query, replaces every non letter/digit run with one
// space and pads the result with spaces so phrases can be matched as
// " term ".
func normalize(query string) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, query)
	fields := strings.Fields(cleaned)
	if len(fields) == 0 {
		return ""
	}
	return " " + strings.Join(fields, " ") + " "
}

func containsAny(text string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(text, " "+t+" ") {
			return true
		}
	}
	return false
}
