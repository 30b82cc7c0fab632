package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kittclouds/kittvault/internal/model"
)

// mockRepository keeps entries in memory in append order.
type mockRepository struct {
	entries []*model.AuditEntry
	err     error
}

func (m *mockRepository) AppendAudit(ctx context.Context, e *model.AuditEntry) (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	e.ID = int64(len(m.entries) + 1)
	e.CreatedAt = time.Now()
	m.entries = append(m.entries, e)
	return e.ID, nil
}

func (m *mockRepository) AuditHistory(ctx context.Context, entityID string, limit int) ([]*model.AuditEntry, error) {
	var out []*model.AuditEntry
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].EntityID == entityID {
			out = append(out, m.entries[i])
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockRepository) RecentAudit(ctx context.Context, limit int) ([]*model.AuditEntry, error) {
	var out []*model.AuditEntry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.entries[i])
	}
	return out, nil
}

func (m *mockRepository) LastAudit(ctx context.Context, entityID string) (*model.AuditEntry, error) {
	h, _ := m.AuditHistory(ctx, entityID, 1)
	if len(h) == 0 {
		return nil, nil
	}
	return h[0], nil
}

func (m *mockRepository) AuditEntry(ctx context.Context, id int64) (*model.AuditEntry, error) {
	if id < 1 || int(id) > len(m.entries) {
		return nil, nil
	}
	return m.entries[id-1], nil
}

func TestUndoLifecycle(t *testing.T) {
	repo := &mockRepository{}
	svc := NewService(repo, zap.NewNop())
	ctx := context.Background()

	rec := model.NewRecord(model.TypeProject, "Garden", model.ProvenanceUser)
	require.NoError(t, svc.LogCreate(ctx, model.ActorUser, rec, ""))

	ok, err := svc.CanUndo(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, ok, "creates are not undoable")
	st, err := svc.LastState(ctx, rec.ID)
	require.NoError(t, err)
	assert.Nil(t, st)

	before := rec.Clone()
	rec.Name = "Garden redesign"
	require.NoError(t, svc.LogUpdate(ctx, model.ActorAgent, model.AuditUpdate, before, rec, "renamed"))

	ok, err = svc.CanUndo(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	st, err = svc.LastState(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, st.Record)
	assert.Equal(t, "Garden", st.Record.Name)
	assert.Equal(t, model.TypeProject, st.Record.Type)

	child := model.NewRecord(model.TypeDocument, "Plan", model.ProvenanceAgent)
	child.Body = "Beds along the fence."
	require.NoError(t, svc.LogDelete(ctx, model.ActorUser, &model.Snapshot{
		Record:   rec,
		Location: "projects/garden-redesign.md",
		Children: []*model.Record{child},
	}, ""))

	st, err = svc.LastState(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, st.Snapshot)
	assert.Equal(t, "projects/garden-redesign.md", st.Snapshot.Location)
	require.Len(t, st.Snapshot.Children, 1)
	assert.Equal(t, "Beds along the fence.", st.Snapshot.Children[0].Body)

	require.NoError(t, svc.LogRestore(ctx, model.ActorUser, rec, "undo"))
	ok, err = svc.CanUndo(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	history, err := svc.History(ctx, rec.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, model.AuditRestore, history[0].Action)
	assert.Equal(t, model.AuditCreate, history[3].Action)
	assert.Equal(t, model.ActorAgent, history[2].Actor)
}

func TestLogValidation(t *testing.T) {
	svc := NewService(&mockRepository{}, nil)
	ctx := context.Background()
	rec := model.NewRecord(model.TypePerson, "Sam", model.ProvenanceUser)

	err := svc.LogUpdate(ctx, model.ActorUser, model.AuditDelete, rec, rec, "")
	assert.ErrorIs(t, err, model.ErrValidation)

	err = svc.LogDelete(ctx, model.ActorUser, &model.Snapshot{}, "")
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = svc.Log(ctx, &model.AuditEntry{Action: model.AuditCreate})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestRepositoryFailureIsWrapped(t *testing.T) {
	boom := errors.New("disk full")
	svc := NewService(&mockRepository{err: boom}, zap.NewNop())
	rec := model.NewRecord(model.TypePerson, "Sam", model.ProvenanceUser)

	err := svc.LogCreate(context.Background(), model.ActorUser, rec, "")
	assert.ErrorIs(t, err, boom)
}

func TestMergeAndRecent(t *testing.T) {
	repo := &mockRepository{}
	svc := NewService(repo, zap.NewNop())
	ctx := context.Background()

	kept := model.NewRecord(model.TypePerson, "Alex Chen", model.ProvenanceUser)
	dup := model.NewRecord(model.TypePerson, "Alex Chen", model.ProvenanceAgent)
	require.NoError(t, svc.LogMerge(ctx, model.ActorUser, kept, dup, "duplicate"))

	recent, err := svc.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, dup.ID, recent[0].Metadata["mergedId"])
	assert.Equal(t, kept.ID, recent[0].EntityID)
}
