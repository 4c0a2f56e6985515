// Package orchestrator turns retrieved matches into a cited narrative answer
// with a single completion call.
package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/kalambet/quadsearch/internal/completion"
	"github.com/kalambet/quadsearch/internal/planner"
	"github.com/kalambet/quadsearch/internal/retrieval"
)

const defaultMaxGroundingTokens = 4000

// minExcerptChars is the smallest truncated excerpt worth grounding a
// lower-ranked match on.
const minExcerptChars = 200

const baseSystemPrompt = `You help university students find people, organisations and events on campus.
Answer only from the numbered sources in the [Grounding] section. Cite every source you use with its marker, for example [1].
Never invent people, organisations, events, links or contact details that are not in the sources.`

const nothingFoundPrompt = `You help university students find people, organisations and events on campus.
The search returned no matching people, organisations or events for this question.
Say so plainly in one or two sentences and suggest how the question could be rephrased. Do not name or invent any entity.`

// Input is everything one run needs.
type Input struct {
	Query   string
	Context string
	Plan    planner.Plan
	Matches []retrieval.Match
}

// Output is the answer and the matches it relies on.
type Output struct {
	Narrative      string            `json:"narrative"`
	CitedMatches   []retrieval.Match `json:"cited_matches"`
	TokensConsumed int               `json:"tokens_consumed"`
}

// Orchestrator composes the grounded prompt and interprets the answer.
type Orchestrator struct {
	MaxGroundingTokens int
}

// New returns an Orchestrator whose grounding block stays under
// maxGroundingTokens (default 4000 if <= 0).
func New(maxGroundingTokens int) *Orchestrator {
	if maxGroundingTokens <= 0 {
		maxGroundingTokens = defaultMaxGroundingTokens
	}
	return &Orchestrator{MaxGroundingTokens: maxGroundingTokens}
}

// Run calls c exactly once. Only when in.Matches is empty is the model told
// to report that nothing was found.
func (o *Orchestrator) Run(ctx context.Context, c completion.Completer, in Input) (Output, error) {
	grounded, excerpts := o.selectGrounding(in.Matches)

	req := completion.Request{
		SystemPrompt: systemPrompt(in.Plan, len(in.Matches) > 0),
		UserContent:  userContent(in.Query, in.Context),
		Grounding:    excerpts,
	}
	resp, err := c.Complete(ctx, req)
	if err != nil {
		return Output{}, fmt.Errorf("completing narrative: %w", err)
	}

	return Output{
		Narrative:      resp.Text,
		CitedMatches:   citedMatches(resp.Text, grounded),
		TokensConsumed: resp.TokensConsumed,
	}, nil
}

// selectGrounding orders matches by score and keeps as many as fit the token
// budget, dropping the lowest-ranked first. A match that does not fit whole
// has its excerpts truncated; the top-ranked match is always kept. Markers
// are numbered in the returned order starting at 1.
func (o *Orchestrator) selectGrounding(matches []retrieval.Match) ([]retrieval.Match, []string) {
	if len(matches) == 0 {
		return nil, nil
	}
	sorted := make([]retrieval.Match, len(matches))
	copy(sorted, matches)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	remaining := o.MaxGroundingTokens
	var grounded []retrieval.Match
	var excerpts []string
	for _, m := range sorted {
		n := len(grounded) + 1
		entry := formatMatch(n, m, m.Excerpts)
		tokens := completion.EstimateTokens(entry)
		if tokens > remaining {
			// Leave one token of slack for the rounding in EstimateTokens.
			room := (remaining-completion.EstimateTokens(formatMatch(n, m, nil))-1)*4 - len(m.Excerpts)
			if room < minExcerptChars && len(grounded) > 0 {
				continue
			}
			entry = formatMatch(n, m, fitExcerpts(m.Excerpts, room))
			tokens = completion.EstimateTokens(entry)
		}
		grounded = append(grounded, m)
		excerpts = append(excerpts, entry)
		remaining = max(remaining-tokens, 0)
	}
	return grounded, excerpts
}

// fitExcerpts keeps excerpts in order until maxChars is spent, cutting the
// last one on a rune boundary.
func fitExcerpts(excerpts []string, maxChars int) []string {
	var out []string
	for _, e := range excerpts {
		if maxChars <= 0 {
			break
		}
		if len(e) > maxChars {
			e = truncateRunes(e, maxChars)
		}
		out = append(out, e)
		maxChars -= len(e)
	}
	return out
}

// truncateRunes cuts s to at most n bytes without splitting a rune.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func formatMatch(n int, m retrieval.Match, excerpts []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%d] (%s:%s) %s\n", n, m.Kind, m.EntityID, m.DisplayName)
	if m.URL != "" {
		fmt.Fprintf(&sb, "URL: %s\n", m.URL)
	}
	keys := make([]string, 0, len(m.Fields))
	for k := range m.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s: %s\n", k, m.Fields[k])
	}
	for _, e := range excerpts {
		sb.WriteString(e)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	return sb.String()
}

func systemPrompt(plan planner.Plan, hasMatches bool) string {
	if !hasMatches {
		return nothingFoundPrompt
	}
	var sb strings.Builder
	sb.WriteString(baseSystemPrompt)
	switch plan.Intent {
	case planner.IntentBroad:
		sb.WriteString("\nGive a short overview that groups related sources together.")
	case planner.IntentResource:
		sb.WriteString("\nThe user wants links or contact details; lead with them.")
	default:
		sb.WriteString("\nAnswer the specific question directly and briefly.")
	}
	if plan.PreferLinks {
		sb.WriteString("\nInclude the URL of each cited source when one is given.")
	}
	return sb.String()
}

func userContent(query, conversation string) string {
	conversation = strings.TrimSpace(conversation)
	if conversation == "" {
		return query
	}
	return "[Conversation so far]\n" + conversation + "\n\n[Question]\n" + query
}

var markerRe = regexp.MustCompile(`\[(\d+)\]`)

// citedMatches returns the grounded matches the narrative refers to, by [n]
// marker or by display name, in grounding order. If it cites none, all
// grounded matches are returned.
func citedMatches(narrative string, grounded []retrieval.Match) []retrieval.Match {
	if len(grounded) == 0 {
		return []retrieval.Match{}
	}
	cited := make([]bool, len(grounded))
	for _, sub := range markerRe.FindAllStringSubmatch(narrative, -1) {
		n, err := strconv.Atoi(sub[1])
		if err == nil && n >= 1 && n <= len(grounded) {
			cited[n-1] = true
		}
	}
	for i, m := range grounded {
		if mentionsName(narrative, m.DisplayName) {
			cited[i] = true
		}
	}

	var out []retrieval.Match
	for i, ok := range cited {
		if ok {
			out = append(out, grounded[i])
		}
	}
	if len(out) == 0 {
		return grounded
	}
	return out
}

// mentionsName reports whether name appears in text as whole words, ignoring
// case.
func mentionsName(text, name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	re, err := regexp.Compile(`(?i)(^|[^\pL\pN])` + regexp.QuoteMeta(name) + `($|[^\pL\pN])`)
	if err != nil {
		return false
	}
	return re.MatchString(text)
}
