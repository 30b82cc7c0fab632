// Package resolver maps a free-text name to an existing entity id. Lookups
// run in a fixed order: exact name, session alias, persisted alias, then
// fuzzy edit-distance scoring with ambiguity detection. Resolution is
// deterministic and keeps no state between calls.
package resolver

import (
	"context"
	"fmt"
	"sort"
)

// MatchType says which step produced a result.
type MatchType string

const (
	MatchExact   MatchType = "exact"
	MatchContext MatchType = "context"
	MatchAlias   MatchType = "alias"
	MatchFuzzy   MatchType = "fuzzy"
	MatchNone    MatchType = "none"
)

// Entry is one known entity as seen by the resolver.
type Entry struct {
	ID      string
	Name    string
	Type    string
	Context string
}

// Source supplies entities of a given type. Implementations must scope
// every lookup to entityType.
type Source interface {
	// ExactMatches returns entries whose normalized name equals norm.
	ExactMatches(ctx context.Context, entityType, norm string) ([]Entry, error)
	// AliasMatches returns entries with a persisted alias equal to norm.
	AliasMatches(ctx context.Context, entityType, norm string) ([]Entry, error)
	// Candidates returns every entry of entityType for fuzzy scoring.
	Candidates(ctx context.Context, entityType string) ([]Entry, error)
}

// Query is one resolution request. SessionAliases maps normalized aliases
// bound earlier in the conversation to entity ids.
type Query struct {
	Name           string
	Type           string
	Context        string
	SessionAliases map[string]string
}

// Candidate is a scored possible match.
type Candidate struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Type    string  `json:"type"`
	Context string  `json:"context,omitempty"`
	Score   float64 `json:"score"`
}

// Result is the outcome of a resolution.
type Result struct {
	Found             bool        `json:"found"`
	ID                string      `json:"id,omitempty"`
	MatchType         MatchType   `json:"matchType"`
	Score             float64     `json:"score"`
	Candidates        []Candidate `json:"candidates,omitempty"`
	NeedsConfirmation bool        `json:"needsConfirmation"`
}

// Ambiguous reports whether the caller must pick among candidates.
func (r *Result) Ambiguous() bool {
	return !r.Found && r.NeedsConfirmation && len(r.Candidates) > 0
}

// Thresholds are the tunable constants of fuzzy resolution.
type Thresholds struct {
	Fuzzy            float64 `yaml:"fuzzy" env:"RESOLVER_FUZZY" env-default:"0.85"`
	TieMargin        float64 `yaml:"tie_margin" env:"RESOLVER_TIE_MARGIN" env-default:"0.05"`
	CandidateFloor   float64 `yaml:"candidate_floor" env:"RESOLVER_CANDIDATE_FLOOR" env-default:"0.5"`
	Discard          float64 `yaml:"discard" env:"RESOLVER_DISCARD" env-default:"0.3"`
	ContextBoost     float64 `yaml:"context_boost" env:"RESOLVER_CONTEXT_BOOST" env-default:"0.1"`
	WordOverlapBoost float64 `yaml:"word_overlap_boost" env:"RESOLVER_WORD_OVERLAP_BOOST" env-default:"0.3"`
	MaxCandidates    int     `yaml:"max_candidates" env:"RESOLVER_MAX_CANDIDATES" env-default:"5"`
}

// DefaultThresholds returns the stock thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Fuzzy:            0.85,
		TieMargin:        0.05,
		CandidateFloor:   0.5,
		Discard:          0.3,
		ContextBoost:     0.1,
		WordOverlapBoost: 0.3,
		MaxCandidates:    5,
	}
}

const (
	exactScore = 1.0
	aliasScore = 0.95
)

// Resolver resolves names against a Source.
type Resolver struct {
	src Source
	th  Thresholds
}

// New returns a Resolver over src.
func New(src Source, th Thresholds) *Resolver {
	if th.MaxCandidates <= 0 {
		th.MaxCandidates = DefaultThresholds().MaxCandidates
	}
	return &Resolver{src: src, th: th}
}

// Resolve runs q against src with default thresholds.
func Resolve(ctx context.Context, q Query, src Source) (*Result, error) {
	return New(src, DefaultThresholds()).Resolve(ctx, q)
}

// Thresholds returns the thresholds in use.
func (r *Resolver) Thresholds() Thresholds { return r.th }

// Resolve runs the lookup chain for q. An empty name never matches.
func (r *Resolver) Resolve(ctx context.Context, q Query) (*Result, error) {
	norm := Normalize(q.Name)
	if norm == "" {
		return notFound(), nil
	}

	exact, err := r.src.ExactMatches(ctx, q.Type, norm)
	if err != nil {
		return nil, fmt.Errorf("exact lookup: %w", err)
	}
	if res := r.fromExact(exact, q.Context); res != nil {
		return res, nil
	}

	if id, ok := q.SessionAliases[norm]; ok && id != "" {
		return &Result{Found: true, ID: id, MatchType: MatchContext, Score: aliasScore}, nil
	}

	aliased, err := r.src.AliasMatches(ctx, q.Type, norm)
	if err != nil {
		return nil, fmt.Errorf("alias lookup: %w", err)
	}
	switch len(aliased) {
	case 0:
	case 1:
		return &Result{Found: true, ID: aliased[0].ID, MatchType: MatchAlias, Score: aliasScore}, nil
	default:
		return r.confirm(MatchAlias, scoreAll(aliased, aliasScore)), nil
	}

	pool, err := r.src.Candidates(ctx, q.Type)
	if err != nil {
		return nil, fmt.Errorf("candidate lookup: %w", err)
	}
	return r.fuzzy(norm, q.Context, pool), nil
}

// fromExact resolves exact-name hits. Several entities sharing a name are
// told apart by context; if that fails the caller must choose.
func (r *Resolver) fromExact(exact []Entry, hint string) *Result {
	switch len(exact) {
	case 0:
		return nil
	case 1:
		return &Result{Found: true, ID: exact[0].ID, MatchType: MatchExact, Score: exactScore}
	}
	var hit []Entry
	for _, e := range exact {
		if contextOverlaps(hint, e.Context) {
			hit = append(hit, e)
		}
	}
	if len(hit) == 1 {
		return &Result{Found: true, ID: hit[0].ID, MatchType: MatchExact, Score: exactScore}
	}
	return r.confirm(MatchExact, scoreAll(exact, exactScore))
}

func (r *Resolver) fuzzy(norm, hint string, pool []Entry) *Result {
	var cands []Candidate
	for _, e := range pool {
		name := Normalize(e.Name)
		if name == "" {
			continue
		}
		score := Similarity(norm, name) + r.th.WordOverlapBoost*WordOverlap(norm, name)
		if contextOverlaps(hint, e.Context) {
			score += r.th.ContextBoost
		}
		score = min(score, 1.0)
		if score < r.th.Discard {
			continue
		}
		cands = append(cands, candidateOf(e, score))
	}
	if len(cands) == 0 {
		return notFound()
	}
	sortCandidates(cands)

	top := cands[0]
	if top.Score >= r.th.Fuzzy {
		if len(cands) == 1 || top.Score-cands[1].Score > r.th.TieMargin {
			return &Result{Found: true, ID: top.ID, MatchType: MatchFuzzy, Score: top.Score, Candidates: r.limit(cands)}
		}
	}
	if top.Score >= r.th.CandidateFloor {
		return r.confirm(MatchFuzzy, cands)
	}
	return notFound()
}

func (r *Resolver) confirm(mt MatchType, cands []Candidate) *Result {
	sortCandidates(cands)
	return &Result{
		MatchType:         mt,
		Score:             cands[0].Score,
		Candidates:        r.limit(cands),
		NeedsConfirmation: true,
	}
}

func (r *Resolver) limit(cands []Candidate) []Candidate {
	if len(cands) > r.th.MaxCandidates {
		return cands[:r.th.MaxCandidates]
	}
	return cands
}

func notFound() *Result {
	return &Result{MatchType: MatchNone}
}

func candidateOf(e Entry, score float64) Candidate {
	return Candidate{ID: e.ID, Name: e.Name, Type: e.Type, Context: e.Context, Score: score}
}

func scoreAll(entries []Entry, score float64) []Candidate {
	out := make([]Candidate, len(entries))
	for i, e := range entries {
		out[i] = candidateOf(e, score)
	}
	return out
}

// sortCandidates orders by score, then name, then id so ties are stable.
func sortCandidates(c []Candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		if c[i].Score != c[j].Score {
			return c[i].Score > c[j].Score
		}
		if c[i].Name != c[j].Name {
			return c[i].Name < c[j].Name
		}
		return c[i].ID < c[j].ID
	})
}
