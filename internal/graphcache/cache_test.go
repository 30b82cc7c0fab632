package graphcache

import (
	"context"
	"errors"
	"testing"

	"github.com/hack-pad/hackpadfs/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kittclouds/kittvault/internal/model"
	"github.com/kittclouds/kittvault/pkg/syntax"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := OpenInMemory(zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func person(name string) *model.Record {
	return model.NewRecord(model.TypePerson, name, model.ProvenanceUser)
}

func syncAll(t *testing.T, c *Cache, recs ...*model.Record) {
	t.Helper()
	for _, r := range recs {
		_, err := c.SyncRecord(context.Background(), r)
		require.NoError(t, err)
	}
}

func TestNodeFromRecordLabels(t *testing.T) {
	p := NodeFromRecord(person("Alex Chen"))
	assert.Equal(t, []string{LabelEntity, "Person"}, p.Labels)

	doc := NodeFromRecord(model.NewRecord(model.TypeDocument, "Notes", model.ProvenanceAgent))
	assert.Equal(t, []string{LabelDocument}, doc.Labels)

	assert.Nil(t, NodeFromRecord(model.NewRecord(model.TypeFolder, "Work", model.ProvenanceUser)))
}

func TestUpsertMergesAndDeleteCascades(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	a, b := person("Alex Chen"), person("Sam Lee")
	syncAll(t, c, a, b)

	first, err := c.GetNode(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, first)

	n := NodeFromRecord(a)
	n.Name = "Alex M. Chen"
	n.CreatedAt = 0
	require.NoError(t, c.UpsertNode(ctx, n))
	got, err := c.GetNode(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alex M. Chen", got.Name)
	assert.Equal(t, first.CreatedAt, got.CreatedAt)

	people, err := c.NodesByLabel(ctx, "person")
	require.NoError(t, err)
	assert.Len(t, people, 2)

	_, err = c.CreateRelationship(ctx, model.NewRelationship(a.ID, b.ID, "friend", model.ProvenanceUser))
	require.NoError(t, err)
	_, err = c.CreateRelationship(ctx, model.NewRelationship(b.ID, a.ID, "friend", model.ProvenanceUser))
	require.NoError(t, err)

	require.NoError(t, c.DeleteNode(ctx, a.ID))
	require.NoError(t, c.DeleteNode(ctx, a.ID))

	edges, err := c.GetRelationships(ctx, b.ID, Both)
	require.NoError(t, err)
	assert.Empty(t, edges)
	missing, err := c.GetNode(ctx, a.ID)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCreateRelationshipAlwaysAddsButLinkDedupes(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	a, b := person("Alex Chen"), person("Sam Lee")
	syncAll(t, c, a, b)

	for i := 0; i < 2; i++ {
		_, err := c.CreateRelationship(ctx, model.NewRelationship(a.ID, b.ID, "colleague", model.ProvenanceAgent))
		require.NoError(t, err)
	}
	out, err := c.GetRelationships(ctx, a.ID, Outgoing, KindRelatesTo)
	require.NoError(t, err)
	assert.Len(t, out, 2, "duplicate relationships are distinct edges")

	e1, created, err := c.Link(ctx, a.ID, b.ID, KindRelatesTo, "mentor_of")
	require.NoError(t, err)
	assert.True(t, created)
	e2, created, err := c.Link(ctx, a.ID, b.ID, KindRelatesTo, "Mentor Of")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, e1.ID, e2.ID)

	out, err = c.GetRelationships(ctx, a.ID, Outgoing, KindRelatesTo)
	require.NoError(t, err)
	assert.Len(t, out, 3)

	in, err := c.GetRelationships(ctx, b.ID, Incoming)
	require.NoError(t, err)
	assert.Len(t, in, 3)

	found, err := c.FindRelationship(ctx, a.ID, b.ID, "mentor_of")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, e1.ID, found.ID)

	ok, err := c.DeleteRelationship(ctx, e1.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.DeleteRelationship(ctx, e1.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRelationshipRequiresEndpoints(t *testing.T) {
	c := newTestCache(t)
	a := person("Alex Chen")
	syncAll(t, c, a)

	_, err := c.CreateRelationship(context.Background(), model.NewRelationship(a.ID, "missing", "friend", model.ProvenanceUser))
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestSyncRecordDerivedEdges(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	a, b := person("Alex Chen"), person("Sam Lee")
	a.Tags = []string{"#Work", "family"}
	doc := model.NewRecord(model.TypeDocument, "Meeting notes", model.ProvenanceAgent)
	doc.Document().ParentEntityID = a.ID
	doc.Body = "Talked with " + syntax.FormatLink(b.ID, "Sam") + " and " + syntax.FormatLink("ghost", "nobody")
	syncAll(t, c, a, b)

	skipped, err := c.SyncRecord(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, 1, skipped, "unknown link target is skipped")

	tags, err := c.GetRelationships(ctx, a.ID, Outgoing, KindTaggedWith)
	require.NoError(t, err)
	require.Len(t, tags, 2)
	tagNode, err := c.GetNode(ctx, TagNodeID("work"))
	require.NoError(t, err)
	require.NotNil(t, tagNode)

	belongs, err := c.GetRelationships(ctx, doc.ID, Outgoing, KindBelongsTo)
	require.NoError(t, err)
	require.Len(t, belongs, 1)
	assert.Equal(t, a.ID, belongs[0].Target)

	refs, err := c.GetRelationships(ctx, doc.ID, Outgoing, KindReferences)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, b.ID, refs[0].Target)

	// resync is idempotent; dropping a tag removes its edge
	a.Tags = []string{"family"}
	syncAll(t, c, a, doc)
	tags, err = c.GetRelationships(ctx, a.ID, Outgoing, KindTaggedWith)
	require.NoError(t, err)
	assert.Len(t, tags, 1)
	refs, err = c.GetRelationships(ctx, doc.ID, Outgoing, KindReferences)
	require.NoError(t, err)
	assert.Len(t, refs, 1)

	pruned, err := c.PruneTagNodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"work"}, pruned)
}

func TestDocumentOwnedByRelationship(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	a, b := person("Alex Chen"), person("Sam Lee")
	rel := model.NewRelationship(a.ID, b.ID, "friend", model.ProvenanceUser)
	a.Relationships = []model.Relationship{rel}
	doc := model.NewRecord(model.TypeDocument, "How we met", model.ProvenanceUser)
	doc.Document().ParentRelationshipID = rel.ID

	// document first: the rebuild must still resolve its owner
	n, err := c.RebuildFromDocuments(ctx, []*model.Record{doc, a, b})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	belongs, err := c.GetRelationships(ctx, doc.ID, Outgoing, KindBelongsTo)
	require.NoError(t, err)
	require.Len(t, belongs, 1)
	assert.Equal(t, a.ID, belongs[0].Target)
	assert.Equal(t, rel.ID, belongs[0].Properties["relationshipId"])
}

func TestRebuildIsIdempotent(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	a, b := person("Alex Chen"), person("Sam Lee")
	a.Tags = []string{"work"}
	a.Relationships = []model.Relationship{
		model.NewRelationship(a.ID, b.ID, "colleague", model.ProvenanceUser),
		model.NewRelationship(a.ID, b.ID, "colleague", model.ProvenanceUser),
		model.NewRelationship(a.ID, "deleted-id", "friend", model.ProvenanceUser),
	}
	folder := model.NewRecord(model.TypeFolder, "Work", model.ProvenanceUser)
	recs := []*model.Record{a, b, folder}

	_, err := c.RebuildFromDocuments(ctx, recs)
	require.NoError(t, err)
	first, err := c.Stats(ctx)
	require.NoError(t, err)

	_, err = c.RebuildFromDocuments(ctx, recs)
	require.NoError(t, err)
	second, err := c.Stats(ctx)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 3, second.Nodes) // two people and one tag
	assert.Equal(t, 2, second.EdgesByKind[KindRelatesTo])
	assert.Equal(t, 1, second.EdgesByKind[KindTaggedWith])
	assert.Equal(t, 2, second.FulltextDocs)

	g, err := c.Project(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, g.NodeCount())
	assert.Equal(t, 3, g.EdgeCount())
	assert.Len(t, g.EdgesBetween(a.ID, b.ID, KindRelatesTo), 2)
}

func TestVectorSearchAndFulltextFallback(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	a, b := person("Alex Chen"), person("Garden Club")
	b.Body = "Community garden volunteers meet on Saturdays."
	syncAll(t, c, a, b)

	_, err := c.VectorSearch(ctx, []float32{1, 0, 0}, 5)
	assert.ErrorIs(t, err, ErrVectorUnavailable)

	hits, err := c.FulltextSearch(ctx, "garden", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, b.ID, hits[0].Node.ID)

	require.NoError(t, c.StoreEmbedding(ctx, a.ID, []float32{1, 0, 0}))
	require.NoError(t, c.StoreEmbedding(ctx, b.ID, []float32{0, 1, 0}))
	assert.True(t, errors.Is(c.StoreEmbedding(ctx, "missing", []float32{1, 0, 0}), model.ErrNotFound))

	hits, err = c.VectorSearch(ctx, []float32{0.9, 0.1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, a.ID, hits[0].Node.ID)

	_, err = c.VectorSearch(ctx, []float32{1, 0}, 1)
	assert.ErrorIs(t, err, ErrVectorUnavailable)

	hits, err = c.VectorSearch(ctx, []float32{1, 0, 0}, 5, model.TypeProject)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestVectorsPersistAcrossReopen(t *testing.T) {
	fs, err := mem.NewFS()
	require.NoError(t, err)
	ctx := context.Background()

	c, err := Open(Options{InMemory: true, VectorFS: fs, VectorPath: "vectors.idx"}, zap.NewNop())
	require.NoError(t, err)
	a := person("Alex Chen")
	syncAll(t, c, a)
	require.NoError(t, c.StoreEmbedding(ctx, a.ID, []float32{1, 0}))
	require.NoError(t, c.Close())

	reopened, err := Open(Options{InMemory: true, VectorFS: fs, VectorPath: "vectors.idx"}, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()
	assert.True(t, reopened.HasEmbedding(a.ID))
}

func TestClosedCache(t *testing.T) {
	c, err := OpenInMemory(zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = c.GetNode(context.Background(), "x")
	assert.ErrorIs(t, err, ErrClosed)
}
