// Package vault wires the canonical store, the relational index, the graph
// cache, the resolver, the proposal engine and the audit log into the one
// facade callers use. Every write goes to the canonical store first, then
// the relational index, then the graph cache, so a failure part way leaves
// the derived stores behind the canonical copy and never ahead of it.
package vault

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kittclouds/kittvault/internal/audit"
	"github.com/kittclouds/kittvault/internal/canon"
	"github.com/kittclouds/kittvault/internal/graphcache"
	"github.com/kittclouds/kittvault/internal/model"
	"github.com/kittclouds/kittvault/internal/proposal"
	"github.com/kittclouds/kittvault/internal/store"
	"github.com/kittclouds/kittvault/pkg/embed"
	"github.com/kittclouds/kittvault/pkg/resolver"
)

const defaultEmbedTimeout = 5 * time.Second

// Deps holds the collaborators of a Vault.
type Deps struct {
	Canon *canon.Store
	Index *store.SQLiteStore
	Cache *graphcache.Cache
	// Embedder is optional; without it semantic search always falls back
	// to full-text ranking.
	Embedder embed.Embedder
	// Audit defaults to a service over Index.
	Audit        audit.Service
	Thresholds   resolver.Thresholds
	Rules        proposal.RuleSet
	EmbedTimeout time.Duration
	Logger       *zap.Logger
}

// searcher ranks cached nodes. The graph cache implements it.
type searcher interface {
	VectorSearch(ctx context.Context, vec []float32, k int, types ...model.EntityType) ([]graphcache.Hit, error)
	FulltextSearch(ctx context.Context, text string, k int, types ...model.EntityType) ([]graphcache.Hit, error)
}

// Vault is the collaborator facade over the stores and engines.
type Vault struct {
	canon        *canon.Store
	index        *store.SQLiteStore
	cache        *graphcache.Cache
	search       searcher
	embedder     embed.Embedder
	audit        audit.Service
	resolver     *resolver.Resolver
	generator    *proposal.Generator
	executor     *proposal.Executor
	locks        *keyedMutex
	embedTimeout time.Duration
	logger       *zap.Logger
}

var (
	_ proposal.Writer             = (*Vault)(nil)
	_ proposal.RelationshipLookup = (*Vault)(nil)
)

// New creates a Vault from deps.
func New(deps Deps) (*Vault, error) {
	if deps.Canon == nil || deps.Index == nil || deps.Cache == nil {
		return nil, errors.New("vault: canonical store, index and cache are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	th := deps.Thresholds
	if th == (resolver.Thresholds{}) {
		th = resolver.DefaultThresholds()
	}
	rules := deps.Rules
	if rules == (proposal.RuleSet{}) {
		rules = proposal.DefaultRules()
	}
	auditSvc := deps.Audit
	if auditSvc == nil {
		auditSvc = audit.NewService(deps.Index, logger)
	}
	timeout := deps.EmbedTimeout
	if timeout <= 0 {
		timeout = defaultEmbedTimeout
	}

	v := &Vault{
		canon:        deps.Canon,
		index:        deps.Index,
		cache:        deps.Cache,
		search:       deps.Cache,
		embedder:     deps.Embedder,
		audit:        auditSvc,
		locks:        newKeyedMutex(),
		embedTimeout: timeout,
		logger:       logger.Named("vault"),
	}
	v.resolver = resolver.New(deps.Index.ResolverSource(), th)
	v.generator = proposal.NewGenerator(v.resolver, v, rules, logger)
	v.executor = proposal.NewExecutor(v, v.resolver, logger)
	return v, nil
}

// Audit returns the audit service.
func (v *Vault) Audit() audit.Service { return v.audit }

// =============================================================================
// Mirroring
// =============================================================================

// mirror copies a canonical document into the index and the cache and
// refreshes its embedding. Index failures are returned; cache and
// embedding failures are only logged because a rebuild restores both.
func (v *Vault) mirror(ctx context.Context, doc *canon.Document, claim bool) error {
	rec := doc.Record
	var err error
	if claim {
		err = v.index.IndexNewRecord(ctx, rec, string(doc.Location), doc.Checksum)
	} else {
		err = v.index.IndexRecord(ctx, rec, string(doc.Location), doc.Checksum)
	}
	if err != nil {
		return err
	}
	v.syncCache(ctx, rec)
	v.embed(ctx, rec)
	return nil
}

func (v *Vault) syncCache(ctx context.Context, rec *model.Record) {
	if graphcache.NodeFromRecord(rec) == nil {
		return
	}
	skipped, err := v.cache.SyncRecord(ctx, rec)
	if err != nil {
		v.logger.Warn("Graph cache is behind the canonical store",
			zap.String("id", rec.ID),
			zap.Error(err))
		return
	}
	if skipped > 0 {
		v.logger.Debug("Skipped edges to uncached targets",
			zap.String("id", rec.ID),
			zap.Int("skipped", skipped))
	}
}

// embed stores a fresh embedding for rec. It never fails the caller.
func (v *Vault) embed(ctx context.Context, rec *model.Record) bool {
	if v.embedder == nil || graphcache.NodeFromRecord(rec) == nil {
		return false
	}
	ectx, cancel := context.WithTimeout(ctx, v.embedTimeout)
	defer cancel()
	vec, err := v.embedder.Embed(ectx, embedText(rec))
	if err != nil {
		v.logger.Warn("Embedding failed, semantic search will fall back to full text",
			zap.String("id", rec.ID),
			zap.Error(err))
		return false
	}
	if err := v.cache.StoreEmbedding(ctx, rec.ID, vec); err != nil {
		v.logger.Warn("Failed to store embedding",
			zap.String("id", rec.ID),
			zap.Error(err))
		return false
	}
	return true
}

func embedText(rec *model.Record) string {
	parts := []string{rec.Name}
	if c := rec.ContextText(); c != "" {
		parts = append(parts, c)
	}
	if len(rec.Tags) > 0 {
		parts = append(parts, strings.Join(rec.Tags, " "))
	}
	if rec.Body != "" {
		parts = append(parts, rec.Body)
	}
	return strings.Join(parts, "\n")
}

// logAudit reports an audit write failure without failing the mutation it
// describes; the canonical write has already happened.
func (v *Vault) logAudit(err error, action model.AuditAction, id string) {
	if err == nil {
		return
	}
	v.logger.Error("Failed to write audit entry",
		zap.String("action", string(action)),
		zap.String("id", id),
		zap.Error(err))
}

// read returns the canonical document for id or a not-found error.
func (v *Vault) read(ctx context.Context, kind, id string) (*canon.Document, error) {
	doc, err := v.canon.ReadByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, model.NotFound(kind, id)
	}
	return doc, nil
}
