package graphcache

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/kittclouds/kittvault/internal/model"
	"github.com/kittclouds/kittvault/pkg/graph"
	"github.com/kittclouds/kittvault/pkg/syntax"
)

// derivedEdgeID gives edges computed from record content a stable id so
// re-syncing the same record rewrites rather than duplicates them.
func derivedEdgeID(kind, source, target string) string {
	return kind + ":" + source + ":" + target
}

// SyncTags makes the TAGGED_WITH edges of id match tags, creating tag nodes
// as needed.
func (c *Cache) SyncTags(ctx context.Context, id string, tags []string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.update(func(txn *badger.Txn) error {
		return syncTagsTxn(txn, id, tags)
	})
}

func syncTagsTxn(txn *badger.Txn, id string, tags []string) error {
	targets := make([]derivedTarget, 0, len(tags))
	for _, raw := range tags {
		t := model.NormalizeTag(raw)
		if t == "" {
			continue
		}
		tid := TagNodeID(t)
		existing, err := getNodeTxn(txn, tid)
		if err != nil {
			return err
		}
		if existing == nil {
			if err := upsertNodeTxn(txn, &Node{ID: tid, Labels: []string{LabelTag}, Type: model.TypeTag, Name: t}); err != nil {
				return err
			}
		}
		targets = append(targets, derivedTarget{id: tid})
	}
	_, err := replaceDerivedTxn(txn, id, KindTaggedWith, targets)
	return err
}

// SyncDocument rewrites the content-derived edges of rec: BELONGS_TO its
// owning entity (or the source of its owning relationship) and REFERENCES
// for every link marker in its body whose target is cached. It returns the
// number of link targets that were not cached.
func (c *Cache) SyncDocument(ctx context.Context, rec *model.Record) (int, error) {
	if err := c.check(ctx); err != nil {
		return 0, err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	var skipped int
	err := c.update(func(txn *badger.Txn) error {
		var err error
		skipped, err = syncDocumentTxn(txn, rec)
		return err
	})
	return skipped, err
}

func syncDocumentTxn(txn *badger.Txn, rec *model.Record) (int, error) {
	var owners []derivedTarget
	if d := rec.Document(); d != nil {
		switch {
		case d.ParentEntityID != "":
			owners = append(owners, derivedTarget{id: d.ParentEntityID})
		case d.ParentRelationshipID != "":
			rel, err := getEdgeTxn(txn, d.ParentRelationshipID)
			if err != nil {
				return 0, err
			}
			if rel != nil {
				owners = append(owners, derivedTarget{
					id:    rel.Source,
					props: map[string]any{"relationshipId": rel.ID},
				})
			}
		}
	}
	if _, err := replaceDerivedTxn(txn, rec.ID, KindBelongsTo, owners); err != nil {
		return 0, err
	}

	var refs []derivedTarget
	for _, target := range syntax.LinkTargets(rec.Body) {
		if target != rec.ID {
			refs = append(refs, derivedTarget{id: target})
		}
	}
	return replaceDerivedTxn(txn, rec.ID, KindReferences, refs)
}

// syncRelationshipsTxn mirrors the RELATES_TO edges owned by rec. Edges
// whose target is not cached are skipped and counted.
func syncRelationshipsTxn(txn *badger.Txn, rec *model.Record) (int, error) {
	want := make(map[string]bool, len(rec.Relationships))
	for _, r := range rec.Relationships {
		want[r.ID] = true
	}
	for _, e := range outgoingTxn(txn, rec.ID, KindRelatesTo) {
		if !want[e.ID] {
			if err := deleteEdgeTxn(txn, e.ID); err != nil {
				return 0, err
			}
		}
	}
	skipped := 0
	for _, r := range rec.Relationships {
		err := putEdgeTxn(txn, EdgeFromRelationship(r))
		if errors.Is(err, model.ErrNotFound) {
			skipped++
			continue
		}
		if err != nil {
			return 0, err
		}
	}
	return skipped, nil
}

type derivedTarget struct {
	id    string
	props map[string]any
}

// replaceDerivedTxn makes the outgoing edges of kind from source match
// targets. Targets without a node are skipped and counted.
func replaceDerivedTxn(txn *badger.Txn, source, kind string, targets []derivedTarget) (int, error) {
	want := make(map[string]bool, len(targets))
	for _, t := range targets {
		want[derivedEdgeID(kind, source, t.id)] = true
	}
	for _, e := range outgoingTxn(txn, source, kind) {
		if !want[e.ID] {
			if err := deleteEdgeTxn(txn, e.ID); err != nil {
				return 0, err
			}
		}
	}
	skipped := 0
	for _, t := range targets {
		id := derivedEdgeID(kind, source, t.id)
		existing, err := getEdgeTxn(txn, id)
		if err != nil {
			return 0, err
		}
		if existing != nil && len(t.props) == 0 {
			continue
		}
		e := &Edge{ID: id, Source: source, Target: t.id, Kind: kind, Properties: t.props, CreatedAt: nowMillis()}
		if existing != nil {
			e.CreatedAt = existing.CreatedAt
		}
		err = putEdgeTxn(txn, e)
		if errors.Is(err, model.ErrNotFound) {
			skipped++
			continue
		}
		if err != nil {
			return 0, err
		}
	}
	return skipped, nil
}

func outgoingTxn(txn *badger.Txn, id, kind string) []*Edge {
	var out []*Edge
	for _, eid := range scanIDs(txn, adjacencyPrefix(prefixOutgoingIndex, id)) {
		e, err := getEdgeTxn(txn, eid)
		if err != nil || e == nil || e.Kind != kind {
			continue
		}
		out = append(out, e)
	}
	return out
}

// SyncRecord projects rec in full: its node, tag edges, owned relationships
// and content-derived edges. Folder and tag records are ignored. It returns
// the number of edges skipped because their target is not cached.
func (c *Cache) SyncRecord(ctx context.Context, rec *model.Record) (int, error) {
	n := NodeFromRecord(rec)
	if n == nil {
		return 0, nil
	}
	if err := c.check(ctx); err != nil {
		return 0, err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	var skipped int
	err := c.update(func(txn *badger.Txn) error {
		if err := upsertNodeTxn(txn, n); err != nil {
			return err
		}
		var err error
		skipped, err = syncEdgesTxn(txn, rec)
		return err
	})
	if err != nil {
		return 0, err
	}
	c.indexText(n)
	return skipped, nil
}

func syncEdgesTxn(txn *badger.Txn, rec *model.Record) (int, error) {
	if err := syncTagsTxn(txn, rec.ID, rec.Tags); err != nil {
		return 0, err
	}
	relSkipped, err := syncRelationshipsTxn(txn, rec)
	if err != nil {
		return 0, err
	}
	docSkipped, err := syncDocumentTxn(txn, rec)
	if err != nil {
		return 0, err
	}
	return relSkipped + docSkipped, nil
}

// RebuildFromDocuments replaces the cache contents with a projection of
// recs: every node first, then every edge, so edge order across records
// does not matter. Embeddings are dropped; callers re-embed. It returns the
// number of nodes written.
func (c *Cache) RebuildFromDocuments(ctx context.Context, recs []*model.Record) (int, error) {
	if err := c.Reset(ctx); err != nil {
		return 0, err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()

	var projected []*model.Record
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		n := NodeFromRecord(rec)
		if n == nil {
			continue
		}
		if err := c.update(func(txn *badger.Txn) error { return upsertNodeTxn(txn, n) }); err != nil {
			return 0, err
		}
		c.indexText(n)
		projected = append(projected, rec)
	}

	// Relationship-owned documents resolve their owner through RELATES_TO
	// edges, so every relationship goes in before any document edge.
	skipped := 0
	for _, rec := range projected {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		err := c.update(func(txn *badger.Txn) error {
			if err := syncTagsTxn(txn, rec.ID, rec.Tags); err != nil {
				return err
			}
			s, err := syncRelationshipsTxn(txn, rec)
			skipped += s
			return err
		})
		if err != nil {
			return 0, err
		}
	}
	for _, rec := range projected {
		err := c.update(func(txn *badger.Txn) error {
			s, err := syncDocumentTxn(txn, rec)
			skipped += s
			return err
		})
		if err != nil {
			return 0, err
		}
	}
	c.logger.Info("graph cache rebuilt",
		zap.Int("nodes", len(projected)),
		zap.Int("skippedEdges", skipped))
	return len(projected), nil
}

// Reset drops every node, edge, vector and full-text entry.
func (c *Cache) Reset(ctx context.Context) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.db.DropAll(); err != nil {
		return model.Unavailable("graph cache", fmt.Errorf("drop all: %w", err))
	}
	c.vectors.Reset()
	c.text.Reset()
	return nil
}

// PruneTagNodes removes tag nodes nothing is tagged with and returns their
// names.
func (c *Cache) PruneTagNodes(ctx context.Context) ([]string, error) {
	tags, err := c.NodesByLabel(ctx, LabelTag)
	if err != nil {
		return nil, err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	var pruned []string
	err = c.update(func(txn *badger.Txn) error {
		for _, t := range tags {
			if len(scanIDs(txn, adjacencyPrefix(prefixIncomingIndex, t.ID))) > 0 {
				continue
			}
			for _, l := range t.Labels {
				if err := txn.Delete(labelIndexKey(l, t.ID)); err != nil {
					return err
				}
			}
			if err := txn.Delete(nodeKey(t.ID)); err != nil {
				return err
			}
			pruned = append(pruned, t.Name)
		}
		return nil
	})
	return pruned, err
}

// Project copies the cache into an in-memory multigraph.
func (c *Cache) Project(ctx context.Context) (*graph.Graph, error) {
	nodes, err := c.AllNodes(ctx)
	if err != nil {
		return nil, err
	}
	edges, err := c.AllEdges(ctx)
	if err != nil {
		return nil, err
	}
	g := graph.NewGraph()
	for _, n := range nodes {
		gn := g.EnsureNode(n.ID, n.Name, string(n.Type))
		gn.Labels = append([]string(nil), n.Labels...)
	}
	for _, e := range edges {
		g.AddEdge(&graph.Edge{ID: e.ID, Source: e.Source, Target: e.Target, Kind: e.Kind, Type: e.Type})
	}
	return g, nil
}

// Stats counts nodes, edges by kind, vectors and full-text entries.
func (c *Cache) Stats(ctx context.Context) (*Stats, error) {
	nodes, err := c.AllNodes(ctx)
	if err != nil {
		return nil, err
	}
	edges, err := c.AllEdges(ctx)
	if err != nil {
		return nil, err
	}
	st := &Stats{
		Nodes:         len(nodes),
		Edges:         len(edges),
		EdgesByKind:   make(map[string]int),
		Vectors:       c.vectors.Len(),
		VectorIndex:   VectorIndexName,
		Dimension:     c.vectors.Dim(),
		FulltextDocs:  c.text.Len(),
		FulltextIndex: FulltextIndexName,
	}
	for _, e := range edges {
		st.EdgesByKind[e.Kind]++
	}
	return st, nil
}

func (c *Cache) update(fn func(txn *badger.Txn) error) error {
	err := c.db.Update(fn)
	if err != nil && !errors.Is(err, model.ErrNotFound) && !errors.Is(err, model.ErrValidation) {
		return model.Unavailable("graph cache", err)
	}
	return err
}
