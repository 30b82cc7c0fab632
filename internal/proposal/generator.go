package proposal

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kittclouds/kittvault/internal/model"
	"github.com/kittclouds/kittvault/pkg/resolver"
)

// maxConcurrentLookups bounds the resolver and index reads one Generate
// call runs at once.
const maxConcurrentLookups = 8

// Resolver resolves a name to an existing entity.
type Resolver interface {
	Resolve(ctx context.Context, q resolver.Query) (*resolver.Result, error)
}

// RelationshipLookup reads the relationships that already run from one
// entity to another.
type RelationshipLookup interface {
	RelationshipsBetween(ctx context.Context, sourceID, targetID string) ([]model.Relationship, error)
}

// Generator builds ProposalSets from extractions. It only reads.
type Generator struct {
	resolver Resolver
	lookup   RelationshipLookup
	rules    RuleSet
	logger   *zap.Logger
	now      func() time.Time
}

// NewGenerator creates a Generator.
func NewGenerator(res Resolver, lookup RelationshipLookup, rules RuleSet, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if rules.AutoSelect == 0 {
		d := DefaultRules()
		rules.AutoSelect, rules.TieMargin, rules.TypeConfidenceFloor = d.AutoSelect, d.TieMargin, d.TypeConfidenceFloor
	}
	return &Generator{
		resolver: res,
		lookup:   lookup,
		rules:    rules,
		logger:   logger.Named("proposal"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Rules returns the rule set in use.
func (g *Generator) Rules() RuleSet { return g.rules }

// lookupTypes is the set of types a mention is resolved against: all
// entity types when none was inferred, documents for unrecognized types.
func lookupTypes(raw string) []model.EntityType {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return model.EntityTypes()
	}
	if t, ok := model.ParseEntityType(raw); ok && t.IsEntity() {
		return []model.EntityType{t}
	}
	return []model.EntityType{model.TypeDocument}
}

type resolution struct {
	candidates []Candidate
	found      bool
	foundID    string
	score      float64
	ambiguous  bool
}

// Generate resolves every mention, then builds entity, relationship and
// document proposals and evaluates the clarification rules.
func (g *Generator) Generate(ctx context.Context, ex Extraction) (*ProposalSet, error) {
	if err := validateExtraction(ex); err != nil {
		return nil, err
	}
	set := &ProposalSet{
		ID:         uuid.NewString(),
		State:      StateAnalyzing,
		Status:     StatusPending,
		Extraction: ex.clone(),
		CreatedAt:  g.now(),
		rules:      g.rules,
	}

	resolutions := make([]resolution, len(ex.Mentions))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(maxConcurrentLookups)
	for i, m := range ex.Mentions {
		eg.Go(func() error {
			res, err := g.resolve(egCtx, m, ex.SessionAliases)
			if err != nil {
				return fmt.Errorf("resolve %q: %w", m.Name, err)
			}
			resolutions[i] = res
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	for i, m := range ex.Mentions {
		p := g.entityProposal(m, resolutions[i])
		set.Entities = append(set.Entities, p)
		set.Clarifications = append(set.Clarifications, g.rules.entityClarifications(p, resolutions[i].ambiguous)...)
	}

	if err := g.relationshipProposals(ctx, set, ex); err != nil {
		return nil, err
	}
	g.documentProposals(set, ex)

	set.refresh()
	g.logger.Debug("Generated proposal set",
		zap.String("set_id", set.ID),
		zap.Int("entities", len(set.Entities)),
		zap.Int("relationships", len(set.Relationships)),
		zap.Int("documents", len(set.Documents)),
		zap.Int("clarifications", len(set.Clarifications)),
		zap.String("state", string(set.State)))
	return set, nil
}

func validateExtraction(ex Extraction) error {
	keys := make(map[string]bool, len(ex.Mentions))
	for _, m := range ex.Mentions {
		if strings.TrimSpace(m.Name) == "" {
			return &model.ValidationError{Field: "mention.name", Reason: "must not be empty"}
		}
		if m.Key == "" {
			return &model.ValidationError{Field: "mention.key", Reason: "must not be empty for " + m.Name}
		}
		if keys[m.Key] {
			return &model.ValidationError{Field: "mention.key", Reason: "duplicate key " + m.Key}
		}
		keys[m.Key] = true
	}
	for _, r := range ex.Relationships {
		if !keys[r.Source] || !keys[r.Target] {
			return &model.ValidationError{Field: "relationship", Reason: fmt.Sprintf("unknown mention in %s -> %s", r.Source, r.Target)}
		}
		if model.NormalizeRelType(r.Type) == "" {
			return &model.ValidationError{Field: "relationship.type", Reason: "must not be empty"}
		}
	}
	for _, d := range ex.Documents {
		if !keys[d.Target] {
			return &model.ValidationError{Field: "document.target", Reason: "unknown mention " + d.Target}
		}
		if strings.TrimSpace(d.Content) == "" {
			return &model.ValidationError{Field: "document.content", Reason: "must not be empty"}
		}
	}
	return nil
}

// resolve runs the resolver for each lookup type of m and merges the
// results, best first.
func (g *Generator) resolve(ctx context.Context, m Mention, aliases map[string]string) (resolution, error) {
	var out resolution
	byID := make(map[string]Candidate)
	for _, t := range lookupTypes(m.Type) {
		r, err := g.resolver.Resolve(ctx, resolver.Query{
			Name:           m.Name,
			Type:           string(t),
			Context:        m.Context,
			SessionAliases: aliases,
		})
		if err != nil {
			return out, err
		}
		for _, c := range r.Candidates {
			add(byID, Candidate{ID: c.ID, Name: c.Name, Type: string(t), Score: c.Score, MatchType: r.MatchType})
		}
		if r.Found {
			add(byID, Candidate{ID: r.ID, Name: nameOf(r, m.Name), Type: string(t), Score: r.Score, MatchType: r.MatchType})
			if !out.found || r.Score > out.score {
				out.found, out.foundID, out.score = true, r.ID, r.Score
			}
		}
		if r.NeedsConfirmation {
			out.ambiguous = true
		}
	}
	if out.found {
		out.ambiguous = false
	}
	for _, c := range byID {
		out.candidates = append(out.candidates, c)
	}
	sort.Slice(out.candidates, func(i, j int) bool {
		a, b := out.candidates[i], out.candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.ID < b.ID
	})
	return out, nil
}

func add(byID map[string]Candidate, c Candidate) {
	if cur, ok := byID[c.ID]; ok && cur.Score >= c.Score {
		return
	}
	byID[c.ID] = c
}

func nameOf(r *resolver.Result, fallback string) string {
	for _, c := range r.Candidates {
		if c.ID == r.ID {
			return c.Name
		}
	}
	return fallback
}

func (g *Generator) entityProposal(m Mention, res resolution) *EntityProposal {
	p := &EntityProposal{
		ID:         "entity:" + m.Key,
		Mention:    m,
		Candidates: append(res.candidates, Candidate{ID: CreateNewID, Name: "Create new " + displayType(m.Type)}),
		Default:    CreateNewID,
	}
	if res.found {
		p.Default = res.foundID
		if res.score >= g.rules.AutoSelect && g.loneTop(res.candidates) {
			p.Selected = res.foundID
		}
	}
	return p
}

// loneTop reports whether exactly one candidate reaches the auto-select
// score.
func (g *Generator) loneTop(cands []Candidate) bool {
	n := 0
	for _, c := range cands {
		if c.Score >= g.rules.AutoSelect {
			n++
		}
	}
	return n == 1
}

func displayType(raw string) string {
	if raw = strings.TrimSpace(raw); raw == "" {
		return "entity"
	}
	return strings.ToLower(raw)
}

// relationshipProposals builds one proposal per extracted relationship. A
// relationship of another type already running between the current best
// candidates turns an add into a replace.
func (g *Generator) relationshipProposals(ctx context.Context, set *ProposalSet, ex Extraction) error {
	props := make([]*RelationshipProposal, len(ex.Relationships))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(maxConcurrentLookups)
	for i, r := range ex.Relationships {
		r.Type = model.NormalizeRelType(r.Type)
		p := &RelationshipProposal{
			ID:           fmt.Sprintf("relationship:%d", i+1),
			Relationship: r,
			Action:       ActionAdd,
			Reason:       r.Reason,
		}
		if r.Remove {
			p.Action = ActionRemove
		}
		props[i] = p

		src, dst := set.EntityFor(r.Source), set.EntityFor(r.Target)
		if g.lookup == nil || src.CreatesNew() || dst.CreatesNew() {
			continue
		}
		a, b := src.Choice(), dst.Choice()
		eg.Go(func() error {
			existing, err := g.existingBetween(egCtx, a, b)
			if err != nil {
				return err
			}
			for _, rel := range existing {
				switch {
				case p.Action == ActionRemove && rel.Type == r.Type:
					p.Replaces = append(p.Replaces, rel.ID)
				case p.Action != ActionRemove && rel.Type != r.Type:
					p.Action = ActionReplace
					p.Replaces = append(p.Replaces, rel.ID)
				}
			}
			if p.Action == ActionReplace && p.Reason == "" {
				p.Reason = fmt.Sprintf("replaces %d existing relationship(s) of another type", len(p.Replaces))
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return fmt.Errorf("read existing relationships: %w", err)
	}

	for _, p := range props {
		set.Relationships = append(set.Relationships, p)
		src, _ := ex.Mention(p.Relationship.Source)
		dst, _ := ex.Mention(p.Relationship.Target)
		if c := g.rules.relationshipClarification(p, src.Name, dst.Name); c != nil {
			set.Clarifications = append(set.Clarifications, c)
		}
	}
	return nil
}

// existingBetween returns relationships in either direction between a and b.
func (g *Generator) existingBetween(ctx context.Context, a, b string) ([]model.Relationship, error) {
	fwd, err := g.lookup.RelationshipsBetween(ctx, a, b)
	if err != nil {
		return nil, err
	}
	if a == b {
		return fwd, nil
	}
	rev, err := g.lookup.RelationshipsBetween(ctx, b, a)
	if err != nil {
		return nil, err
	}
	return append(fwd, rev...), nil
}

// documentProposals turns explicit document updates, and notes on
// mentions of existing entities, into document proposals.
func (g *Generator) documentProposals(set *ProposalSet, ex Extraction) {
	for _, d := range ex.Documents {
		p := &DocumentProposal{Update: d, Action: ActionAppend}
		if d.Create || set.EntityFor(d.Target).CreatesNew() {
			p.Action = ActionCreate
		}
		set.Documents = append(set.Documents, p)
	}
	for _, e := range set.Entities {
		notes := strings.TrimSpace(e.Mention.Notes)
		if notes == "" || e.CreatesNew() {
			continue
		}
		set.Documents = append(set.Documents, &DocumentProposal{
			Update:   DocumentUpdate{Target: e.Mention.Key, Content: notes},
			Action:   ActionAppend,
			Inferred: true,
		})
	}
	for i, p := range set.Documents {
		p.ID = fmt.Sprintf("document:%d", i+1)
	}
}
