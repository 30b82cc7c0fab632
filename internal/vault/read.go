package vault

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/kittclouds/kittvault/internal/graphcache"
	"github.com/kittclouds/kittvault/internal/model"
	"github.com/kittclouds/kittvault/internal/proposal"
	"github.com/kittclouds/kittvault/internal/store"
	"github.com/kittclouds/kittvault/pkg/mention"
	"github.com/kittclouds/kittvault/pkg/resolver"
)

// =============================================================================
// Resolution and proposals
// =============================================================================

// ResolveEntity maps a name to an existing entity.
func (v *Vault) ResolveEntity(ctx context.Context, q resolver.Query) (*resolver.Result, error) {
	return v.resolver.Resolve(ctx, q)
}

// GenerateProposals builds a ProposalSet for one extraction. It only reads.
func (v *Vault) GenerateProposals(ctx context.Context, ex proposal.Extraction) (*proposal.ProposalSet, error) {
	return v.generator.Generate(ctx, ex)
}

// ExecuteApprovedProposals applies the approved proposals of set.
func (v *Vault) ExecuteApprovedProposals(ctx context.Context, set *proposal.ProposalSet, actor model.Actor) (*proposal.ExecutionResult, error) {
	return v.executor.Execute(ctx, set, actor)
}

// FindMentions scans text for names and aliases of known entities. The
// dictionary is compiled from the index on every call. Documents are left
// out; their titles read like prose.
func (v *Vault) FindMentions(ctx context.Context, text string) ([]mention.Match, error) {
	rows, err := v.index.ListByType(ctx,
		model.TypePerson, model.TypeProject, model.TypeGoal, model.TypeEvent, model.TypePeriod)
	if err != nil {
		return nil, err
	}
	aliases, err := v.index.AllAliases(ctx)
	if err != nil {
		return nil, err
	}
	entities := make([]mention.Entity, 0, len(rows))
	for _, r := range rows {
		entities = append(entities, mention.Entity{
			ID:      r.ID,
			Name:    r.Name,
			Type:    string(r.Type),
			Aliases: aliases[r.ID],
		})
	}
	return mention.Compile(entities).Scan(text), nil
}

// =============================================================================
// Records
// =============================================================================

// GetEntity returns the canonical record for id, or nil when absent.
func (v *Vault) GetEntity(ctx context.Context, id string) (*model.Record, error) {
	doc, err := v.canon.ReadByID(ctx, id)
	if err != nil || doc == nil {
		return nil, err
	}
	return doc.Record, nil
}

// EntityView is a record with the documents it owns and the relationships
// touching it.
type EntityView struct {
	Record        *model.Record        `json:"record"`
	Documents     []*model.Record      `json:"documents,omitempty"`
	Relationships []model.Relationship `json:"relationships,omitempty"`
}

// GetEntityWithDocuments returns the record, its documents (including
// those owned by its outgoing relationships) and its relationships in both
// directions, or nil when absent.
func (v *Vault) GetEntityWithDocuments(ctx context.Context, id string) (*EntityView, error) {
	doc, err := v.canon.ReadByID(ctx, id)
	if err != nil || doc == nil {
		return nil, err
	}
	children, err := v.childDocuments(ctx, doc.Record)
	if err != nil {
		return nil, err
	}
	rels, err := v.index.RelationshipsFor(ctx, id, store.DirBoth)
	if err != nil {
		return nil, err
	}
	view := &EntityView{Record: doc.Record, Relationships: rels}
	for _, c := range children {
		view.Documents = append(view.Documents, c.Record)
	}
	return view, nil
}

// GetRelationships returns the relationships touching id.
func (v *Vault) GetRelationships(ctx context.Context, id string, dir store.Direction) ([]model.Relationship, error) {
	return v.index.RelationshipsFor(ctx, id, dir)
}

// RelationshipsBetween returns the relationships running from sourceID to
// targetID.
func (v *Vault) RelationshipsBetween(ctx context.Context, sourceID, targetID string) ([]model.Relationship, error) {
	rels, err := v.index.RelationshipsFor(ctx, sourceID, store.DirOut)
	if err != nil {
		return nil, err
	}
	out := rels[:0]
	for _, r := range rels {
		if r.TargetID == targetID {
			out = append(out, r)
		}
	}
	return out, nil
}

// Path returns the shortest chain of node ids joining two records in the
// graph cache, or nil when they are not connected.
func (v *Vault) Path(ctx context.Context, fromID, toID string) ([]string, error) {
	g, err := v.cache.Project(ctx)
	if err != nil {
		return nil, err
	}
	return g.ShortestPath(fromID, toID), nil
}

// History returns the audit entries of id, newest first.
func (v *Vault) History(ctx context.Context, id string, limit int) ([]*model.AuditEntry, error) {
	return v.audit.History(ctx, id, limit)
}

// =============================================================================
// Search
// =============================================================================

// Search runs a full-text query against the relational index.
func (v *Vault) Search(ctx context.Context, query string, types []model.EntityType, limit int) ([]store.SearchHit, error) {
	return v.index.Search(ctx, query, types, limit)
}

// SearchMode says which path served a semantic search.
type SearchMode string

const (
	ModeVector   SearchMode = "vector"
	ModeFulltext SearchMode = "fulltext"
)

// SemanticResult is the outcome of SemanticSearch.
type SemanticResult struct {
	Mode SearchMode       `json:"mode"`
	Hits []graphcache.Hit `json:"hits"`
}

// SemanticSearch ranks cached nodes by embedding similarity to query. When
// the query cannot be embedded or the vector search fails it falls back to
// BM25F full-text ranking and reports that in Mode.
func (v *Vault) SemanticSearch(ctx context.Context, query string, k int, types ...model.EntityType) (*SemanticResult, error) {
	if k <= 0 {
		k = 10
	}
	if v.embedder != nil {
		ectx, cancel := context.WithTimeout(ctx, v.embedTimeout)
		vec, err := v.embedder.Embed(ectx, query)
		cancel()
		if err == nil {
			hits, err := v.search.VectorSearch(ctx, vec, k, types...)
			if err == nil {
				return &SemanticResult{Mode: ModeVector, Hits: hits}, nil
			}
			if errors.Is(err, graphcache.ErrVectorUnavailable) {
				v.logger.Debug("Vector search unavailable, using full text", zap.Error(err))
			} else {
				v.logger.Warn("Vector search failed, using full text", zap.Error(err))
			}
		} else {
			v.logger.Warn("Query embedding failed, using full text", zap.Error(err))
		}
	}
	hits, err := v.search.FulltextSearch(ctx, query, k, types...)
	if err != nil {
		return nil, err
	}
	return &SemanticResult{Mode: ModeFulltext, Hits: hits}, nil
}

// =============================================================================
// Open loops
// =============================================================================

// OpenLoopReason says why a record was reported as an open loop.
type OpenLoopReason string

const (
	LoopStale       OpenLoopReason = "stale"
	LoopNeedsReview OpenLoopReason = "needs_review"
)

// OpenLoop is a record that probably needs attention.
type OpenLoop struct {
	ID     string           `json:"id"`
	Name   string           `json:"name"`
	Type   model.EntityType `json:"type"`
	Reason OpenLoopReason   `json:"reason"`
	Detail string           `json:"detail,omitempty"`
}

// DetectOpenLoops reports projects and goals untouched for olderThan and
// every record flagged for review.
func (v *Vault) DetectOpenLoops(ctx context.Context, olderThan time.Duration) ([]OpenLoop, error) {
	now := time.Now().UTC()
	before := now.Add(-olderThan).UnixMilli()
	stale, err := v.index.StaleEntities(ctx, before, model.TypeProject, model.TypeGoal)
	if err != nil {
		return nil, fmt.Errorf("stale entities: %w", err)
	}
	review, err := v.index.ListNeedsReview(ctx)
	if err != nil {
		return nil, fmt.Errorf("review queue: %w", err)
	}

	var out []OpenLoop
	for _, r := range stale {
		idle := now.Sub(time.UnixMilli(r.UpdatedAt)).Round(time.Hour)
		out = append(out, OpenLoop{
			ID:     r.ID,
			Name:   r.Name,
			Type:   r.Type,
			Reason: LoopStale,
			Detail: fmt.Sprintf("not updated for %s", idle),
		})
	}
	for _, r := range review {
		out = append(out, OpenLoop{ID: r.ID, Name: r.Name, Type: r.Type, Reason: LoopNeedsReview, Detail: r.ReviewReason})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Reason < out[j].Reason })
	return out, nil
}
