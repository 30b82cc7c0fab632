package canon

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hack-pad/hackpadfs"
	"github.com/hack-pad/hackpadfs/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kittclouds/kittvault/internal/model"
)

func newTestStore(t *testing.T) (*Store, hackpadfs.FS) {
	t.Helper()
	fs, err := mem.NewFS()
	require.NoError(t, err)
	return New(fs, zap.NewNop()), fs
}

func TestWriteAndReadRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	rec := model.NewRecord(model.TypePerson, "Alex Chen", model.ProvenanceUser)
	rec.Person().Context = "works at Acme"
	rec.Person().Employment = []model.Employment{{Organization: "Acme", Role: "Engineer", Start: "2020-01-01"}}
	rec.Tags = []string{"work"}
	rec.Aliases = []string{"AC"}
	rec.Body = "Met at the conference."
	rec.Relationships = []model.Relationship{model.NewRelationship(rec.ID, "other-id", "friend", model.ProvenanceUser)}

	doc, err := s.Write(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, Location("people/alex-chen.md"), doc.Location)
	assert.Len(t, doc.Checksum, 64)

	got, err := s.ReadByID(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, doc.Checksum, got.Checksum)
	assert.Equal(t, "Alex Chen", got.Record.Name)
	assert.Equal(t, "works at Acme", got.Record.Person().Context)
	assert.Equal(t, "Acme", got.Record.Person().Employment[0].Organization)
	assert.Equal(t, []string{"work"}, got.Record.Tags)
	assert.Equal(t, "Met at the conference.", got.Record.Body)
	require.Len(t, got.Record.Relationships, 1)
	assert.Equal(t, rec.ID, got.Record.Relationships[0].SourceID)
	assert.Equal(t, "other-id", got.Record.Relationships[0].TargetID)
	assert.Equal(t, model.CategoryPersonal, got.Record.Relationships[0].Category)
}

func TestGoalProgressZeroSurvives(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	rec := model.NewRecord(model.TypeGoal, "Run a marathon", model.ProvenanceAgent)
	_, err := s.Write(ctx, rec)
	require.NoError(t, err)

	got, err := s.ReadByID(ctx, rec.ID)
	require.NoError(t, err)
	g, ok := got.Record.Details.(*model.GoalDetails)
	require.True(t, ok)
	assert.Equal(t, 0, g.Progress)
}

func TestWriteRejectsInvalidRecord(t *testing.T) {
	s, _ := newTestStore(t)
	rec := model.NewRecord(model.TypeGoal, "Ship it", model.ProvenanceUser)
	rec.Details.(*model.GoalDetails).Progress = 140

	_, err := s.Write(context.Background(), rec)
	assert.True(t, errors.Is(err, model.ErrValidation))
}

func TestSlugCollisionSuffixesID(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	a := model.NewRecord(model.TypePerson, "Sam Lee", model.ProvenanceUser)
	b := model.NewRecord(model.TypePerson, "Sam  Lee!", model.ProvenanceUser)

	da, err := s.Write(ctx, a)
	require.NoError(t, err)
	db, err := s.Write(ctx, b)
	require.NoError(t, err)

	assert.Equal(t, Location("people/sam-lee.md"), da.Location)
	assert.Equal(t, Location("people/sam-lee-"+shortID(b.ID)+".md"), db.Location)

	// rewriting the same record keeps its location
	again, err := s.Write(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, db.Location, again.Location)
}

func TestRenameMovesFile(t *testing.T) {
	s, fs := newTestStore(t)
	ctx := context.Background()

	rec := model.NewRecord(model.TypeProject, "Apollo", model.ProvenanceUser)
	_, err := s.Write(ctx, rec)
	require.NoError(t, err)

	rec.Name = "Artemis"
	doc, err := s.Write(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, Location("projects/artemis.md"), doc.Location)

	_, err = hackpadfs.Stat(fs, "projects/apollo.md")
	assert.True(t, errors.Is(err, hackpadfs.ErrNotExist))

	locs, err := s.ListAll(ctx, model.TypeProject)
	require.NoError(t, err)
	assert.Equal(t, []Location{"projects/artemis.md"}, locs)
}

func TestSoftDeleteRestoreIsByteIdentical(t *testing.T) {
	s, fs := newTestStore(t)
	ctx := context.Background()

	rec := model.NewRecord(model.TypeEvent, "Launch party", model.ProvenanceUser)
	rec.Details.(*model.EventDetails).Date = "2024-05-01"
	rec.Body = "Bring snacks."
	doc, err := s.Write(ctx, rec)
	require.NoError(t, err)

	before, err := hackpadfs.ReadFile(fs, string(doc.Location))
	require.NoError(t, err)

	trashLoc, err := s.Delete(ctx, doc.Location, true)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(trashLoc), ".trash/"))

	gone, err := s.ReadByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	trash, err := s.ListTrash(ctx)
	require.NoError(t, err)
	require.Len(t, trash, 1)
	assert.Equal(t, rec.ID, trash[0].ID)

	restored, err := s.Restore(ctx, trashLoc)
	require.NoError(t, err)
	assert.Equal(t, doc.Location, restored.Location)

	after, err := hackpadfs.ReadFile(fs, string(restored.Location))
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, doc.Checksum, restored.Checksum)
}

func TestSoftDeletesOfSameLocationKeepBothCopies(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	frozen := time.Date(2026, 10, 19, 19, 18, 1, 0, time.UTC)
	s.now = func() time.Time { return frozen }

	first := model.NewRecord(model.TypePerson, "Sam Lee", model.ProvenanceUser)
	first.Body = "first"
	docA, err := s.Write(ctx, first)
	require.NoError(t, err)
	trashA, err := s.Delete(ctx, docA.Location, true)
	require.NoError(t, err)

	second := model.NewRecord(model.TypePerson, "Sam Lee", model.ProvenanceUser)
	second.Body = "second"
	docB, err := s.Write(ctx, second)
	require.NoError(t, err)
	require.Equal(t, docA.Location, docB.Location)
	trashB, err := s.Delete(ctx, docB.Location, true)
	require.NoError(t, err)

	assert.NotEqual(t, trashA, trashB)
	trash, err := s.ListTrash(ctx)
	require.NoError(t, err)
	require.Len(t, trash, 2)
	assert.Equal(t, second.ID, trash[0].ID, "newest first")

	entry, err := s.FindInTrash(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, trashA, entry.Location)

	restored, err := s.Restore(ctx, trashA)
	require.NoError(t, err)
	assert.Equal(t, first.ID, restored.Record.ID)
	assert.Equal(t, "first", restored.Record.Body)
}

func TestHardDelete(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	rec := model.NewRecord(model.TypePeriod, "College", model.ProvenanceUser)
	doc, err := s.Write(ctx, rec)
	require.NoError(t, err)

	trashLoc, err := s.Delete(ctx, doc.Location, false)
	require.NoError(t, err)
	assert.Empty(t, trashLoc)

	_, err = s.Delete(ctx, doc.Location, false)
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestMissingAndUnparsableAreNotFound(t *testing.T) {
	s, fs := newTestStore(t)
	ctx := context.Background()

	doc, err := s.Read(ctx, "people/nobody.md")
	require.NoError(t, err)
	assert.Nil(t, doc)

	require.NoError(t, hackpadfs.MkdirAll(fs, "people", 0o755))
	require.NoError(t, hackpadfs.WriteFullFile(fs, "people/broken.md", []byte("no front matter"), 0o644))

	doc, err = s.Read(ctx, "people/broken.md")
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestLockedDocumentRejectsUserEdits(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	rec := model.NewRecord(model.TypeDocument, "Journal", model.ProvenanceAgent)
	rec.Document().Locked = true
	rec.Body = "Day one."
	_, err := s.Write(ctx, rec)
	require.NoError(t, err)

	_, err = s.AppendToDocument(ctx, rec.ID, "User text", model.ActorUser)
	assert.True(t, errors.Is(err, model.ErrLocked))

	doc, err := s.AppendToDocument(ctx, rec.ID, "Agent text", model.ActorAgent)
	require.NoError(t, err)
	assert.Equal(t, "Day one.\n\nAgent text", doc.Record.Body)
}

func TestAppendToMissingDocument(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.AppendToDocument(context.Background(), "missing", "x", model.ActorAgent)
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestChecksumIgnoresLineEndings(t *testing.T) {
	assert.Equal(t, Checksum([]byte("a\r\nb\n")), Checksum([]byte("a\nb")))
	assert.NotEqual(t, Checksum([]byte("a\nb")), Checksum([]byte("a\nc")))
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "alex-chen", Slugify("  Alex   Chen "))
	assert.Equal(t, "q3-roadmap-v2", Slugify("Q3 Roadmap (v2)"))
	assert.Equal(t, "untitled", Slugify("!!!"))
	assert.LessOrEqual(t, len(Slugify(strings.Repeat("abc ", 40))), maxSlugLen)
}
