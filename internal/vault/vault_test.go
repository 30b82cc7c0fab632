package vault

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hack-pad/hackpadfs/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kittclouds/kittvault/internal/audit"
	"github.com/kittclouds/kittvault/internal/canon"
	"github.com/kittclouds/kittvault/internal/graphcache"
	"github.com/kittclouds/kittvault/internal/model"
	"github.com/kittclouds/kittvault/internal/proposal"
	"github.com/kittclouds/kittvault/internal/store"
	"github.com/kittclouds/kittvault/pkg/embed"
	"github.com/kittclouds/kittvault/pkg/resolver"
	"github.com/kittclouds/kittvault/pkg/syntax"
)

type testVault struct {
	*Vault
	canon *canon.Store
	index *store.SQLiteStore
	cache *graphcache.Cache
}

func newTestVault(t *testing.T, emb embed.Embedder) *testVault {
	t.Helper()
	logger := zap.NewNop()

	fs, err := mem.NewFS()
	require.NoError(t, err)
	c := canon.New(fs, logger)

	idx, err := store.NewSQLiteStore(logger)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	cache, err := graphcache.OpenInMemory(logger)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	v, err := New(Deps{Canon: c, Index: idx, Cache: cache, Embedder: emb, Logger: logger})
	require.NoError(t, err)
	return &testVault{Vault: v, canon: c, index: idx, cache: cache}
}

func (tv *testVault) entity(t *testing.T, typ model.EntityType, name string) *model.Record {
	t.Helper()
	rec, err := tv.CreateEntity(context.Background(), model.NewRecord(typ, name, model.ProvenanceUser), model.ActorUser)
	require.NoError(t, err)
	return rec
}

func (tv *testVault) document(t *testing.T, name, owner, body string) *model.Record {
	t.Helper()
	rec := model.NewRecord(model.TypeDocument, name, model.ProvenanceUser)
	rec.Document().ParentEntityID = owner
	rec.Body = body
	created, err := tv.CreateDocument(context.Background(), rec, model.ActorUser)
	require.NoError(t, err)
	return created
}

func (tv *testVault) relate(t *testing.T, src, dst, relType string) *model.Relationship {
	t.Helper()
	rel, err := tv.CreateRelationship(context.Background(),
		model.NewRelationship(src, dst, relType, model.ProvenanceUser), model.ActorUser)
	require.NoError(t, err)
	return rel
}

// derivedState flattens everything the index and the cache hold into
// sorted strings.
type derivedState struct {
	Rows    []string
	Rels    []string
	Tags    []string
	Folders []string
	Nodes   []string
	Edges   []string
}

func observe(t *testing.T, tv *testVault) derivedState {
	t.Helper()
	ctx := context.Background()
	var st derivedState

	rows, err := tv.index.ListByType(ctx)
	require.NoError(t, err)
	for _, r := range rows {
		tags, err := tv.index.TagsFor(ctx, r.ID)
		require.NoError(t, err)
		sort.Strings(tags)
		st.Rows = append(st.Rows, fmt.Sprintf("%s %s %q %s folder=%s parent=%s review=%t tags=%v",
			r.ID, r.Type, r.Name, r.Checksum, r.FolderID, r.ParentEntityID, r.NeedsReview, tags))

		rels, err := tv.index.RelationshipsFor(ctx, r.ID, store.DirOut)
		require.NoError(t, err)
		for _, rel := range rels {
			st.Rels = append(st.Rels, fmt.Sprintf("%s %s->%s %s", rel.ID, rel.SourceID, rel.TargetID, rel.Type))
		}
	}

	tags, err := tv.index.ListTags(ctx)
	require.NoError(t, err)
	for _, tag := range tags {
		st.Tags = append(st.Tags, fmt.Sprintf("%s %d %s", tag.Name, tag.Count, tag.Color))
	}

	err = tv.canon.Each(ctx, func(doc *canon.Document) error {
		f, err := tv.index.GetFolder(ctx, doc.Record.ID)
		if err != nil || f == nil {
			return err
		}
		st.Folders = append(st.Folders, fmt.Sprintf("%s %q parent=%s owner=%s", f.ID, f.Name, f.ParentID, f.OwnerEntityID))
		return nil
	}, model.TypeFolder)
	require.NoError(t, err)

	nodes, err := tv.cache.AllNodes(ctx)
	require.NoError(t, err)
	for _, n := range nodes {
		tags := append([]string(nil), n.Tags...)
		sort.Strings(tags)
		st.Nodes = append(st.Nodes, fmt.Sprintf("%s %s %q %v", n.ID, n.Type, n.Name, tags))
	}
	edges, err := tv.cache.AllEdges(ctx)
	require.NoError(t, err)
	for _, e := range edges {
		st.Edges = append(st.Edges, fmt.Sprintf("%s %s %s->%s %s", e.ID, e.Kind, e.Source, e.Target, e.Type))
	}

	for _, s := range [][]string{st.Rows, st.Rels, st.Tags, st.Folders, st.Nodes, st.Edges} {
		sort.Strings(s)
	}
	return st
}

func TestRebuildReproducesDerivedStores(t *testing.T) {
	tv := newTestVault(t, embed.NewHashing(64))
	ctx := context.Background()

	alex := tv.entity(t, model.TypePerson, "Alex Chen")
	sam := tv.entity(t, model.TypePerson, "Sam Ortiz")
	jo := tv.entity(t, model.TypePerson, "Jo Park")
	garden := tv.entity(t, model.TypeProject, "Garden redesign")

	worksOn := tv.relate(t, alex.ID, garden.ID, "works_on")
	tv.relate(t, sam.ID, alex.ID, "friend")
	tv.relate(t, sam.ID, alex.ID, "friend")
	tv.relate(t, alex.ID, jo.ID, "mentor")

	tv.document(t, "Planting plan", garden.ID, "Ask "+syntax.FormatLink(alex.ID, "Alex")+" about the beds.")

	relDoc := model.NewRecord(model.TypeDocument, "Working notes", model.ProvenanceUser)
	relDoc.Document().ParentRelationshipID = worksOn.ID
	_, err := tv.CreateDocument(ctx, relDoc, model.ActorUser)
	require.NoError(t, err)

	archive, err := tv.CreateFolder(ctx, "Archive", "", "", model.ActorUser)
	require.NoError(t, err)
	old, err := tv.CreateFolder(ctx, "2025", archive.ID, "", model.ActorUser)
	require.NoError(t, err)
	filed := model.NewRecord(model.TypeDocument, "Old minutes", model.ProvenanceUser)
	filed.Document().FolderID = old.ID
	_, err = tv.CreateDocument(ctx, filed, model.ActorUser)
	require.NoError(t, err)

	_, err = tv.TagItem(ctx, alex.ID, "Family", model.ActorUser)
	require.NoError(t, err)
	_, err = tv.TagItem(ctx, garden.ID, "outdoors", model.ActorUser)
	require.NoError(t, err)
	_, err = tv.TagItem(ctx, sam.ID, "temporary", model.ActorUser)
	require.NoError(t, err)
	_, err = tv.UntagItem(ctx, sam.ID, "temporary", model.ActorUser)
	require.NoError(t, err)
	_, err = tv.SetTagInfo(ctx, "family", "#ff8800", "Relatives", model.ActorUser)
	require.NoError(t, err)
	_, err = tv.FlagReview(ctx, sam.ID, "surname unsure", model.ActorAgent)
	require.NoError(t, err)

	// Jo is gone, but Alex's header still names the mentor relationship
	require.NoError(t, tv.DeleteEntity(ctx, jo.ID, false, model.ActorUser, "duplicate"))
	_, err = tv.AddAlias(ctx, alex.ID, "AC", model.ActorUser)
	require.NoError(t, err)

	pruned, err := tv.PruneTags(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"temporary"}, pruned)

	before := observe(t, tv)
	require.NotEmpty(t, before.Edges)

	require.NoError(t, tv.index.Reset(ctx))
	require.NoError(t, tv.cache.Reset(ctx))
	empty := observe(t, tv)
	assert.Empty(t, empty.Rows)
	assert.Empty(t, empty.Nodes)

	report, err := tv.RebuildAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(before.Nodes)-2, report.Embedded, "tag nodes carry no embedding")
	assert.Zero(t, report.EmbedFailed)

	after := observe(t, tv)
	assert.Equal(t, before, after)

	verify, err := tv.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, verify.OK(), "%+v", verify)

	history, err := tv.History(ctx, jo.ID, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, history, "the audit log survives a rebuild")
}

func TestVerifyReportsDrift(t *testing.T) {
	tv := newTestVault(t, nil)
	ctx := context.Background()

	alex := tv.entity(t, model.TypePerson, "Alex Chen")
	require.NoError(t, tv.index.Delete(ctx, alex.ID))
	require.NoError(t, tv.cache.DeleteNode(ctx, alex.ID))

	report, err := tv.Verify(ctx)
	require.NoError(t, err)
	assert.False(t, report.OK())
	assert.Equal(t, []string{alex.ID}, report.MissingInIndex)
	assert.Equal(t, []string{alex.ID}, report.MissingInCache)

	_, err = tv.RebuildAll(ctx)
	require.NoError(t, err)
	report, err = tv.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK())
}

func TestLinkIsIdempotentCreateRelationshipIsNot(t *testing.T) {
	tv := newTestVault(t, nil)
	ctx := context.Background()
	alex := tv.entity(t, model.TypePerson, "Alex Chen")
	sam := tv.entity(t, model.TypePerson, "Sam Ortiz")

	first, created, err := tv.Link(ctx, model.NewRelationship(alex.ID, sam.ID, "Works With", model.ProvenanceUser), model.ActorUser)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "works_with", first.Type)

	again, created, err := tv.Link(ctx, model.NewRelationship(alex.ID, sam.ID, "works_with", model.ProvenanceUser), model.ActorUser)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	rels, err := tv.RelationshipsBetween(ctx, alex.ID, sam.ID)
	require.NoError(t, err)
	assert.Len(t, rels, 1)

	tv.relate(t, alex.ID, sam.ID, "works_with")
	rels, err = tv.RelationshipsBetween(ctx, alex.ID, sam.ID)
	require.NoError(t, err)
	assert.Len(t, rels, 2)

	edges, err := tv.cache.GetRelationships(ctx, alex.ID, graphcache.Outgoing, graphcache.KindRelatesTo)
	require.NoError(t, err)
	assert.Len(t, edges, 2)

	path, err := tv.Path(ctx, alex.ID, sam.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{alex.ID, sam.ID}, path)
}

func TestRelationshipValidation(t *testing.T) {
	tv := newTestVault(t, nil)
	ctx := context.Background()
	alex := tv.entity(t, model.TypePerson, "Alex Chen")

	_, err := tv.CreateRelationship(ctx, model.NewRelationship(alex.ID, "missing", "friend", model.ProvenanceUser), model.ActorUser)
	assert.ErrorIs(t, err, model.ErrNotFound)

	folder, err := tv.CreateFolder(ctx, "Inbox", "", "", model.ActorUser)
	require.NoError(t, err)
	_, err = tv.CreateRelationship(ctx, model.NewRelationship(folder.ID, alex.ID, "contains", model.ProvenanceUser), model.ActorUser)
	assert.ErrorIs(t, err, model.ErrValidation)

	assert.ErrorIs(t, tv.RemoveRelationship(ctx, "nope", model.ActorUser), model.ErrNotFound)
}

func TestRemoveRelationship(t *testing.T) {
	tv := newTestVault(t, nil)
	ctx := context.Background()
	alex := tv.entity(t, model.TypePerson, "Alex Chen")
	sam := tv.entity(t, model.TypePerson, "Sam Ortiz")
	rel := tv.relate(t, alex.ID, sam.ID, "friend")

	require.NoError(t, tv.RemoveRelationship(ctx, rel.ID, model.ActorUser))

	rec, err := tv.GetEntity(ctx, alex.ID)
	require.NoError(t, err)
	assert.Empty(t, rec.Relationships)
	edge, err := tv.cache.GetEdge(ctx, rel.ID)
	require.NoError(t, err)
	assert.Nil(t, edge)

	restored, err := tv.Undo(ctx, alex.ID, model.ActorUser)
	require.NoError(t, err)
	require.Len(t, restored.Relationships, 1)
	assert.Equal(t, rel.ID, restored.Relationships[0].ID)
	edge, err = tv.cache.GetEdge(ctx, rel.ID)
	require.NoError(t, err)
	assert.NotNil(t, edge)
}

func TestDeleteAndUndoRestoresDocumentsAndInbound(t *testing.T) {
	tv := newTestVault(t, nil)
	ctx := context.Background()

	alex := tv.entity(t, model.TypePerson, "Alex Chen")
	garden := tv.entity(t, model.TypeProject, "Garden redesign")
	tv.relate(t, alex.ID, garden.ID, "works_on")
	notes := tv.document(t, "Garden notes", garden.ID, "Compost by the shed.")

	require.NoError(t, tv.DeleteEntity(ctx, garden.ID, false, model.ActorUser, "cancelled"))

	rec, err := tv.GetEntity(ctx, garden.ID)
	require.NoError(t, err)
	assert.Nil(t, rec)
	rec, err = tv.GetEntity(ctx, notes.ID)
	require.NoError(t, err)
	assert.Nil(t, rec, "owned documents go with their owner")
	rels, err := tv.RelationshipsBetween(ctx, alex.ID, garden.ID)
	require.NoError(t, err)
	assert.Empty(t, rels)
	node, err := tv.cache.GetNode(ctx, garden.ID)
	require.NoError(t, err)
	assert.Nil(t, node)

	canUndo, err := tv.Audit().CanUndo(ctx, garden.ID)
	require.NoError(t, err)
	assert.True(t, canUndo)

	back, err := tv.Undo(ctx, garden.ID, model.ActorUser)
	require.NoError(t, err)
	assert.Equal(t, garden.ID, back.ID)

	view, err := tv.GetEntityWithDocuments(ctx, garden.ID)
	require.NoError(t, err)
	require.Len(t, view.Documents, 1)
	assert.Equal(t, notes.ID, view.Documents[0].ID)
	assert.Equal(t, "Compost by the shed.", view.Documents[0].Body)

	rels, err = tv.RelationshipsBetween(ctx, alex.ID, garden.ID)
	require.NoError(t, err)
	assert.Len(t, rels, 1, "inbound relationship is mirrored again")
	edge, err := tv.cache.FindRelationship(ctx, alex.ID, garden.ID, "works_on")
	require.NoError(t, err)
	assert.NotNil(t, edge)

	canUndo, err = tv.Audit().CanUndo(ctx, garden.ID)
	require.NoError(t, err)
	assert.False(t, canUndo, "a restore is not itself undoable")

	_, err = tv.Undo(ctx, garden.ID, model.ActorUser)
	assert.ErrorIs(t, err, model.ErrValidation)

	report, err := tv.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK(), "%+v", report)
}

func TestHardDeleteCanStillBeRestored(t *testing.T) {
	tv := newTestVault(t, nil)
	ctx := context.Background()

	goal := model.NewRecord(model.TypeGoal, "Run a marathon", model.ProvenanceUser)
	goal.Body = "Sub four hours."
	_, err := tv.CreateEntity(ctx, goal, model.ActorUser)
	require.NoError(t, err)

	require.NoError(t, tv.DeleteEntity(ctx, goal.ID, true, model.ActorUser, "gave up"))
	entry, err := tv.canon.FindInTrash(ctx, goal.ID)
	require.NoError(t, err)
	assert.Nil(t, entry, "hard delete leaves nothing in the trash")

	back, err := tv.RestoreEntity(ctx, goal.ID, model.ActorUser)
	require.NoError(t, err)
	assert.Equal(t, "Run a marathon", back.Name)
	assert.Equal(t, "Sub four hours.", back.Body)

	_, err = tv.RestoreEntity(ctx, goal.ID, model.ActorUser)
	assert.ErrorIs(t, err, model.ErrValidation, "not deleted any more")
}

// auditWithoutDeletes accepts every entry except deletes.
type auditWithoutDeletes struct {
	audit.Service
}

func (auditWithoutDeletes) LogDelete(context.Context, model.Actor, *model.Snapshot, string) error {
	return errors.New("audit table is read-only")
}

func TestDeleteKeepsRecordWhenAuditFails(t *testing.T) {
	for _, hard := range []bool{false, true} {
		t.Run(fmt.Sprintf("hard=%v", hard), func(t *testing.T) {
			tv := newTestVault(t, nil)
			ctx := context.Background()

			garden := tv.entity(t, model.TypeProject, "Garden redesign")
			notes := tv.document(t, "Garden notes", garden.ID, "Compost by the shed.")
			tv.audit = auditWithoutDeletes{Service: tv.audit}

			err := tv.DeleteEntity(ctx, garden.ID, hard, model.ActorUser, "cancelled")
			require.Error(t, err)
			assert.Contains(t, err.Error(), "audit table is read-only")

			for _, id := range []string{garden.ID, notes.ID} {
				doc, err := tv.canon.ReadByID(ctx, id)
				require.NoError(t, err)
				assert.NotNil(t, doc, "%s stays in the canonical store", id)
				row, err := tv.index.Get(ctx, id)
				require.NoError(t, err)
				assert.NotNil(t, row, "%s stays indexed", id)
			}
			trash, err := tv.canon.ListTrash(ctx)
			require.NoError(t, err)
			assert.Empty(t, trash)
		})
	}
}

func TestRestorePicksOwnTrashCopy(t *testing.T) {
	tv := newTestVault(t, nil)
	ctx := context.Background()

	first := model.NewRecord(model.TypePerson, "Sam Lee", model.ProvenanceUser)
	first.Body = "From the climbing gym."
	_, err := tv.CreateEntity(ctx, first, model.ActorUser)
	require.NoError(t, err)
	require.NoError(t, tv.DeleteEntity(ctx, first.ID, false, model.ActorUser, ""))

	second := model.NewRecord(model.TypePerson, "Sam Lee", model.ProvenanceUser)
	second.Body = "Neighbour."
	_, err = tv.CreateEntity(ctx, second, model.ActorUser)
	require.NoError(t, err)
	require.NoError(t, tv.DeleteEntity(ctx, second.ID, false, model.ActorUser, ""))

	back, err := tv.Undo(ctx, first.ID, model.ActorUser)
	require.NoError(t, err)
	assert.Equal(t, first.ID, back.ID)
	assert.Equal(t, "From the climbing gym.", back.Body)

	entry, err := tv.canon.FindInTrash(ctx, second.ID)
	require.NoError(t, err)
	assert.NotNil(t, entry, "the other delete is still in the trash")
}

func TestUndoUpdate(t *testing.T) {
	tv := newTestVault(t, nil)
	ctx := context.Background()
	alex := tv.entity(t, model.TypePerson, "Alex Chen")

	_, err := tv.CorrectEntity(ctx, alex.ID, func(r *model.Record) error {
		r.Name = "Alexandra Chen"
		return nil
	}, model.ActorUser, "full name")
	require.NoError(t, err)

	res, err := tv.ResolveEntity(ctx, resolver.Query{Name: "Alexandra Chen", Type: "person"})
	require.NoError(t, err)
	assert.True(t, res.Found)

	history, err := tv.History(ctx, alex.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, model.AuditCorrect, history[0].Action)

	back, err := tv.Undo(ctx, alex.ID, model.ActorUser)
	require.NoError(t, err)
	assert.Equal(t, "Alex Chen", back.Name)

	row, err := tv.index.Get(ctx, alex.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alex Chen", row.Name)
}

func TestUpdateCannotChangeIdentity(t *testing.T) {
	tv := newTestVault(t, nil)
	ctx := context.Background()
	alex := tv.entity(t, model.TypePerson, "Alex Chen")

	_, err := tv.UpdateEntity(ctx, alex.ID, func(r *model.Record) error {
		r.Type = model.TypeProject
		return nil
	}, model.ActorUser, "")
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = tv.UpdateEntity(ctx, "missing", func(*model.Record) error { return nil }, model.ActorUser, "")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestCreateConflictRemovesCanonicalFile(t *testing.T) {
	tv := newTestVault(t, nil)
	ctx := context.Background()
	alex := tv.entity(t, model.TypePerson, "Alex Chen")

	_, err := tv.CreateEntity(ctx, model.NewRecord(model.TypePerson, "alex  chen", model.ProvenanceAgent), model.ActorAgent)
	var conflict *store.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, alex.ID, conflict.ExistingID)
	assert.ErrorIs(t, err, model.ErrConflict)

	locs, err := tv.canon.ListAll(ctx, model.TypePerson)
	require.NoError(t, err)
	assert.Len(t, locs, 1)

	_, err = tv.CreateEntity(ctx, model.NewRecord(model.TypeFolder, "Inbox", model.ProvenanceUser), model.ActorUser)
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestConcurrentCreatesYieldOneEntity(t *testing.T) {
	tv := newTestVault(t, nil)
	ctx := context.Background()

	const writers = 8
	ids := make([]string, writers)
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := tv.CreateEntity(ctx, model.NewRecord(model.TypeProject, "Garden redesign", model.ProvenanceAgent), model.ActorAgent)
			if err == nil {
				ids[i] = rec.ID
			}
			errs[i] = err
		}()
	}
	wg.Wait()

	var winner string
	for i, err := range errs {
		if err == nil {
			assert.Empty(t, winner, "only one create succeeds")
			winner = ids[i]
		}
	}
	require.NotEmpty(t, winner)
	for _, err := range errs {
		if err == nil {
			continue
		}
		var conflict *store.ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, winner, conflict.ExistingID)
	}

	locs, err := tv.canon.ListAll(ctx, model.TypeProject)
	require.NoError(t, err)
	assert.Len(t, locs, 1)
	assert.Zero(t, tv.locks.size())
}

func TestLockedDocumentRejectsUserAppend(t *testing.T) {
	tv := newTestVault(t, nil)
	ctx := context.Background()
	alex := tv.entity(t, model.TypePerson, "Alex Chen")

	rec := model.NewRecord(model.TypeDocument, "Agent journal", model.ProvenanceAgent)
	rec.Document().ParentEntityID = alex.ID
	rec.Document().Locked = true
	doc, err := tv.CreateDocument(ctx, rec, model.ActorAgent)
	require.NoError(t, err)

	_, err = tv.AppendToDocument(ctx, doc.ID, "user scribble", model.ActorUser)
	assert.ErrorIs(t, err, model.ErrLocked)

	_, err = tv.UpdateEntity(ctx, doc.ID, func(r *model.Record) error {
		r.Body = "overwritten"
		return nil
	}, model.ActorUser, "")
	assert.ErrorIs(t, err, model.ErrLocked)

	updated, err := tv.AppendToDocument(ctx, doc.ID, "Met Sam today.", model.ActorAgent)
	require.NoError(t, err)
	assert.Contains(t, updated.Body, "Met Sam today.")

	hits, err := tv.Search(ctx, "sam", []model.EntityType{model.TypeDocument}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, doc.ID, hits[0].Row.ID)

	owned, err := tv.OwnedDocument(ctx, alex.ID, "agent JOURNAL")
	require.NoError(t, err)
	require.NotNil(t, owned)
	assert.Equal(t, doc.ID, owned.ID)
}

func TestCreateDocumentChecksOwnerAndFolder(t *testing.T) {
	tv := newTestVault(t, nil)
	ctx := context.Background()

	orphan := model.NewRecord(model.TypeDocument, "Lost", model.ProvenanceUser)
	orphan.Document().ParentEntityID = "missing"
	_, err := tv.CreateDocument(ctx, orphan, model.ActorUser)
	assert.ErrorIs(t, err, model.ErrNotFound)

	filed := model.NewRecord(model.TypeDocument, "Filed", model.ProvenanceUser)
	filed.Document().FolderID = "missing"
	_, err = tv.CreateDocument(ctx, filed, model.ActorUser)
	assert.ErrorIs(t, err, model.ErrNotFound)

	both := model.NewRecord(model.TypeDocument, "Both", model.ProvenanceUser)
	both.Document().ParentEntityID = "a"
	both.Document().ParentRelationshipID = "b"
	_, err = tv.CreateDocument(ctx, both, model.ActorUser)
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestFolderRules(t *testing.T) {
	tv := newTestVault(t, nil)
	ctx := context.Background()

	a, err := tv.CreateFolder(ctx, "Projects", "", "", model.ActorUser)
	require.NoError(t, err)
	b, err := tv.CreateFolder(ctx, "Active", a.ID, "", model.ActorUser)
	require.NoError(t, err)

	_, err = tv.CreateFolder(ctx, "active", a.ID, "", model.ActorUser)
	assert.ErrorIs(t, err, model.ErrValidation, "sibling names are unique")
	_, err = tv.CreateFolder(ctx, "a/b", "", "", model.ActorUser)
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = tv.MoveFolder(ctx, a.ID, b.ID, model.ActorUser)
	assert.ErrorIs(t, err, model.ErrFolderCycle)

	found, err := tv.FolderByPath(ctx, "Projects/Active", "")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, b.ID, found.ID)

	path, err := tv.FolderPath(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, path, 2)
	assert.Equal(t, a.ID, path[0].ID)

	doc := model.NewRecord(model.TypeDocument, "Roadmap", model.ProvenanceUser)
	doc.Document().FolderID = b.ID
	_, err = tv.CreateDocument(ctx, doc, model.ActorUser)
	require.NoError(t, err)

	assert.ErrorIs(t, tv.DeleteFolder(ctx, a.ID, false, model.ActorUser), model.ErrFolderNotEmpty)
	require.NoError(t, tv.DeleteFolder(ctx, a.ID, true, model.ActorUser))

	for _, id := range []string{a.ID, b.ID, doc.ID} {
		_, ok, err := tv.canon.LocationOf(id)
		require.NoError(t, err)
		assert.False(t, ok, id)
	}
	f, err := tv.index.GetFolder(ctx, b.ID)
	require.NoError(t, err)
	assert.Nil(t, f)
}

func TestMoveFolder(t *testing.T) {
	tv := newTestVault(t, nil)
	ctx := context.Background()

	a, err := tv.CreateFolder(ctx, "Work", "", "", model.ActorUser)
	require.NoError(t, err)
	b, err := tv.CreateFolder(ctx, "Home", "", "", model.ActorUser)
	require.NoError(t, err)
	c, err := tv.CreateFolder(ctx, "Receipts", a.ID, "", model.ActorUser)
	require.NoError(t, err)

	_, err = tv.MoveFolder(ctx, c.ID, b.ID, model.ActorUser)
	require.NoError(t, err)
	found, err := tv.FolderByPath(ctx, "Home/Receipts", "")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, c.ID, found.ID)

	_, err = tv.MoveFolder(ctx, c.ID, "no-such-folder", model.ActorUser)
	assert.ErrorIs(t, err, model.ErrNotFound)
	found, err = tv.FolderByPath(ctx, "Home/Receipts", "")
	require.NoError(t, err)
	require.NotNil(t, found, "a failed move leaves the folder where it was")
}

// brokenVectors fails every vector search with a store error.
type brokenVectors struct {
	searcher
}

func (brokenVectors) VectorSearch(context.Context, []float32, int, ...model.EntityType) ([]graphcache.Hit, error) {
	return nil, model.Unavailable("graph cache", errors.New("value log corrupted"))
}

func TestSemanticSearchFallsBackToFulltext(t *testing.T) {
	ctx := context.Background()

	t.Run("no embedder", func(t *testing.T) {
		tv := newTestVault(t, nil)
		alex := tv.entity(t, model.TypePerson, "Alex Chen")
		res, err := tv.SemanticSearch(ctx, "alex", 0)
		require.NoError(t, err)
		assert.Equal(t, ModeFulltext, res.Mode)
		require.NotEmpty(t, res.Hits)
		assert.Equal(t, alex.ID, res.Hits[0].Node.ID)
	})

	t.Run("hashing embedder", func(t *testing.T) {
		tv := newTestVault(t, embed.NewHashing(64))
		garden := tv.entity(t, model.TypeProject, "Garden redesign")
		tv.entity(t, model.TypePerson, "Sam Ortiz")
		res, err := tv.SemanticSearch(ctx, "garden redesign", 5, model.TypeProject)
		require.NoError(t, err)
		assert.Equal(t, ModeVector, res.Mode)
		require.NotEmpty(t, res.Hits)
		assert.Equal(t, garden.ID, res.Hits[0].Node.ID)
	})

	t.Run("embedder down", func(t *testing.T) {
		down := embed.Func{Dim: 64, Fn: func(context.Context, string) ([]float32, error) {
			return nil, embed.ErrUnavailable
		}}
		tv := newTestVault(t, down)
		garden := tv.entity(t, model.TypeProject, "Garden redesign")
		res, err := tv.SemanticSearch(ctx, "garden", 5)
		require.NoError(t, err)
		assert.Equal(t, ModeFulltext, res.Mode)
		require.NotEmpty(t, res.Hits)
		assert.Equal(t, garden.ID, res.Hits[0].Node.ID)
	})

	t.Run("vector search fails", func(t *testing.T) {
		tv := newTestVault(t, embed.NewHashing(64))
		garden := tv.entity(t, model.TypeProject, "Garden redesign")
		tv.search = brokenVectors{searcher: tv.search}
		res, err := tv.SemanticSearch(ctx, "garden", 5)
		require.NoError(t, err)
		assert.Equal(t, ModeFulltext, res.Mode)
		require.NotEmpty(t, res.Hits)
		assert.Equal(t, garden.ID, res.Hits[0].Node.ID)
	})
}

func TestExecuteProposalsThroughVault(t *testing.T) {
	tv := newTestVault(t, embed.NewHashing(64))
	ctx := context.Background()

	ex := proposal.Extraction{}.
		WithMention(proposal.Mention{Key: "sam", Name: "Sam Ortiz", Type: "person"}).
		WithMention(proposal.Mention{Key: "garden", Name: "Garden redesign", Type: "project"}).
		WithMention(proposal.Mention{Key: "acme", Name: "Acme Corp", Type: "Organization", TypeConfidence: 0.9}).
		WithRelationship(proposal.ExtractedRelationship{Source: "sam", Target: "garden", Type: "works on"}).
		WithDocument(proposal.DocumentUpdate{Target: "garden", Content: "Beds along the fence."})

	run := func() *proposal.ExecutionResult {
		set, err := tv.GenerateProposals(ctx, ex)
		require.NoError(t, err)
		require.NoError(t, set.Approve())
		require.NoError(t, set.SkipOptional())
		res, err := tv.ExecuteApprovedProposals(ctx, set, model.ActorAgent)
		require.NoError(t, err)
		require.True(t, res.OK(), "%v", res.Errors)
		return res
	}

	first := run()
	assert.NotEmpty(t, first.Created)

	acme, err := tv.GetEntity(ctx, first.Entities["acme"])
	require.NoError(t, err)
	require.NotNil(t, acme)
	assert.Equal(t, model.TypeDocument, acme.Type)
	assert.True(t, acme.NeedsReview, "unknown types are flagged, never guessed")

	rels, err := tv.RelationshipsBetween(ctx, first.Entities["sam"], first.Entities["garden"])
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, "works_on", rels[0].Type)
	assert.Equal(t, model.ProvenanceAgent, rels[0].Provenance)

	rows, err := tv.index.ListByType(ctx)
	require.NoError(t, err)
	count := len(rows)

	second := run()
	assert.Empty(t, second.Created)
	assert.Equal(t, first.Entities, second.Entities)
	rels, err = tv.RelationshipsBetween(ctx, first.Entities["sam"], first.Entities["garden"])
	require.NoError(t, err)
	assert.Len(t, rels, 1)
	rows, err = tv.index.ListByType(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, count, "re-execution creates nothing new")

	loops, err := tv.DetectOpenLoops(ctx, time.Hour)
	require.NoError(t, err)
	var review []string
	for _, l := range loops {
		if l.Reason == LoopNeedsReview {
			review = append(review, l.ID)
		}
	}
	assert.Contains(t, review, acme.ID)
}

func TestMergeEntities(t *testing.T) {
	tv := newTestVault(t, nil)
	ctx := context.Background()

	alex := tv.entity(t, model.TypePerson, "Alex Chen")
	dup := tv.entity(t, model.TypePerson, "A. Chen")
	sam := tv.entity(t, model.TypePerson, "Sam Ortiz")
	garden := tv.entity(t, model.TypeProject, "Garden redesign")

	tv.relate(t, sam.ID, dup.ID, "friend")
	moved := tv.relate(t, dup.ID, garden.ID, "works_on")
	tv.relate(t, dup.ID, alex.ID, "same_as")
	notes := tv.document(t, "Chen notes", dup.ID, "Allergic to bees.")
	_, err := tv.TagItem(ctx, dup.ID, "neighbours", model.ActorUser)
	require.NoError(t, err)

	kept, err := tv.MergeEntities(ctx, alex.ID, dup.ID, model.ActorUser, "same person")
	require.NoError(t, err)
	assert.Contains(t, kept.Aliases, "A. Chen")
	assert.True(t, kept.HasTag("neighbours"))
	require.Len(t, kept.Relationships, 1, "self edges are dropped")
	assert.Equal(t, moved.ID, kept.Relationships[0].ID)

	gone, err := tv.GetEntity(ctx, dup.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	rels, err := tv.RelationshipsBetween(ctx, sam.ID, alex.ID)
	require.NoError(t, err)
	assert.Len(t, rels, 1, "inbound relationships are retargeted")
	rels, err = tv.RelationshipsBetween(ctx, alex.ID, garden.ID)
	require.NoError(t, err)
	assert.Len(t, rels, 1)
	edge, err := tv.cache.GetEdge(ctx, moved.ID)
	require.NoError(t, err)
	require.NotNil(t, edge)
	assert.Equal(t, alex.ID, edge.Source)

	doc, err := tv.GetEntity(ctx, notes.ID)
	require.NoError(t, err)
	assert.Equal(t, alex.ID, doc.Document().ParentEntityID)

	res, err := tv.ResolveEntity(ctx, resolver.Query{Name: "A. Chen", Type: "person"})
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, alex.ID, res.ID)

	history, err := tv.History(ctx, alex.ID, 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, model.AuditMerge, history[0].Action)

	_, err = tv.MergeEntities(ctx, alex.ID, garden.ID, model.ActorUser, "")
	assert.ErrorIs(t, err, model.ErrValidation)

	report, err := tv.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK(), "%+v", report)
}

func TestDetectOpenLoops(t *testing.T) {
	tv := newTestVault(t, nil)
	ctx := context.Background()

	garden := tv.entity(t, model.TypeProject, "Garden redesign")
	tv.entity(t, model.TypePerson, "Sam Ortiz")
	alex := tv.entity(t, model.TypePerson, "Alex Chen")
	_, err := tv.FlagReview(ctx, alex.ID, "two people with this name?", model.ActorAgent)
	require.NoError(t, err)

	_, err = tv.FlagReview(ctx, alex.ID, "  ", model.ActorAgent)
	assert.ErrorIs(t, err, model.ErrValidation)

	loops, err := tv.DetectOpenLoops(ctx, time.Hour)
	require.NoError(t, err)
	require.Len(t, loops, 1, "nothing is an hour old yet")
	assert.Equal(t, alex.ID, loops[0].ID)
	assert.Equal(t, LoopNeedsReview, loops[0].Reason)

	// a cutoff in the future makes every project stale
	loops, err = tv.DetectOpenLoops(ctx, -time.Minute)
	require.NoError(t, err)
	reasons := map[string]OpenLoopReason{}
	for _, l := range loops {
		reasons[l.ID] = l.Reason
	}
	assert.Equal(t, LoopStale, reasons[garden.ID])
	assert.Equal(t, LoopNeedsReview, reasons[alex.ID])
	assert.Len(t, reasons, 2, "people never go stale")

	_, err = tv.ClearReview(ctx, alex.ID, model.ActorUser)
	require.NoError(t, err)
	loops, err = tv.DetectOpenLoops(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, loops)
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	var wg sync.WaitGroup
	counts := map[string]int{}
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids := []string{"a", "b"}
			if i%2 == 0 {
				ids = []string{"b", "a", "a", ""}
			}
			unlock := k.Lock(ids...)
			counts["a"]++
			counts["b"]++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counts["a"])
	assert.Equal(t, 50, counts["b"])
	assert.Zero(t, k.size())
}

func TestNewRequiresStores(t *testing.T) {
	_, err := New(Deps{})
	require.Error(t, err)
	assert.False(t, errors.Is(err, model.ErrNotFound))
	assert.True(t, strings.HasPrefix(err.Error(), "vault:"))
}

func TestFindMentions(t *testing.T) {
	tv := newTestVault(t, nil)
	ctx := context.Background()

	alex := tv.entity(t, model.TypePerson, "Alex Morgan")
	shed := tv.entity(t, model.TypeProject, "Garden Shed")
	tv.document(t, "Alex notes", alex.ID, "")
	_, err := tv.AddAlias(ctx, shed.ID, "the shed", model.ActorUser)
	require.NoError(t, err)

	matches, err := tv.FindMentions(ctx, "Morgan says the shed needs paint. Alex notes it.")
	require.NoError(t, err)
	require.Len(t, matches, 3)
	assert.Equal(t, []string{alex.ID}, matches[0].IDs)
	assert.False(t, matches[0].Exact)
	assert.Equal(t, "the shed", matches[1].Text)
	assert.Equal(t, []string{shed.ID}, matches[1].IDs)
	assert.Equal(t, "Alex", matches[2].Text, "document titles are not matched")

	require.NoError(t, tv.DeleteEntity(ctx, shed.ID, false, model.ActorUser, ""))
	matches, err = tv.FindMentions(ctx, "the shed")
	require.NoError(t, err)
	assert.Empty(t, matches)
}
