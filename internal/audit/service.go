// Package audit records every mutation of a canonical record as an
// append-only entry with before/after snapshots and answers the undo
// questions: what happened to a record, can its last change be reversed,
// and what state reverses it.
package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/kittclouds/kittvault/internal/model"
)

// Repository persists audit entries. The relational index implements it.
type Repository interface {
	AppendAudit(ctx context.Context, e *model.AuditEntry) (int64, error)
	AuditHistory(ctx context.Context, entityID string, limit int) ([]*model.AuditEntry, error)
	RecentAudit(ctx context.Context, limit int) ([]*model.AuditEntry, error)
	LastAudit(ctx context.Context, entityID string) (*model.AuditEntry, error)
	AuditEntry(ctx context.Context, id int64) (*model.AuditEntry, error)
}

// State is what reverses the most recent undoable change of a record.
// Exactly one of Record (update, correct) or Snapshot (delete) is set.
type State struct {
	Entry    *model.AuditEntry
	Record   *model.Record
	Snapshot *model.Snapshot
}

// Service provides audit logging and undo lookups.
type Service interface {
	// Log appends a raw entry.
	Log(ctx context.Context, e *model.AuditEntry) (int64, error)

	LogCreate(ctx context.Context, actor model.Actor, rec *model.Record, reason string) error
	// LogUpdate records an update; action may be AuditUpdate or AuditCorrect.
	LogUpdate(ctx context.Context, actor model.Actor, action model.AuditAction, before, after *model.Record, reason string) error
	// LogDelete records a delete with the snapshot taken before removal.
	LogDelete(ctx context.Context, actor model.Actor, snap *model.Snapshot, reason string) error
	LogRestore(ctx context.Context, actor model.Actor, rec *model.Record, reason string) error
	// LogMerge records that merged was folded into kept.
	LogMerge(ctx context.Context, actor model.Actor, kept, merged *model.Record, reason string) error

	// History returns entries for id, newest first; limit <= 0 means all.
	History(ctx context.Context, entityID string, limit int) ([]*model.AuditEntry, error)
	Recent(ctx context.Context, limit int) ([]*model.AuditEntry, error)
	// CanUndo is true iff the most recent entry for id is an update,
	// delete or correct.
	CanUndo(ctx context.Context, entityID string) (bool, error)
	// LastState returns the state that reverses the most recent change, or
	// nil when that change cannot be undone.
	LastState(ctx context.Context, entityID string) (*State, error)
}

type service struct {
	repo   Repository
	logger *zap.Logger
}

// NewService creates a Service over repo.
func NewService(repo Repository, logger *zap.Logger) Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &service{repo: repo, logger: logger.Named("audit")}
}

var _ Service = (*service)(nil)

func (s *service) Log(ctx context.Context, e *model.AuditEntry) (int64, error) {
	if e.EntityID == "" {
		return 0, &model.ValidationError{Field: "audit.entityId", Reason: "must not be empty"}
	}
	if e.Actor == "" {
		e.Actor = model.ActorSystem
	}
	id, err := s.repo.AppendAudit(ctx, e)
	if err != nil {
		s.logger.Error("Failed to append audit entry",
			zap.String("entity_id", e.EntityID),
			zap.String("action", string(e.Action)),
			zap.Error(err))
		return 0, fmt.Errorf("append audit entry: %w", err)
	}
	return id, nil
}

func (s *service) LogCreate(ctx context.Context, actor model.Actor, rec *model.Record, reason string) error {
	after, err := marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.Log(ctx, &model.AuditEntry{
		EntityID:   rec.ID,
		EntityType: rec.Type,
		Action:     model.AuditCreate,
		New:        after,
		Actor:      actor,
		Reason:     reason,
	})
	return err
}

func (s *service) LogUpdate(ctx context.Context, actor model.Actor, action model.AuditAction, before, after *model.Record, reason string) error {
	if action != model.AuditUpdate && action != model.AuditCorrect {
		return &model.ValidationError{Field: "audit.action", Reason: "update entries must be update or correct"}
	}
	old, err := marshal(before)
	if err != nil {
		return err
	}
	cur, err := marshal(after)
	if err != nil {
		return err
	}
	_, err = s.Log(ctx, &model.AuditEntry{
		EntityID:   after.ID,
		EntityType: after.Type,
		Action:     action,
		Old:        old,
		New:        cur,
		Actor:      actor,
		Reason:     reason,
	})
	return err
}

func (s *service) LogDelete(ctx context.Context, actor model.Actor, snap *model.Snapshot, reason string) error {
	if snap == nil || snap.Record == nil {
		return &model.ValidationError{Field: "audit.snapshot", Reason: "delete requires a snapshot"}
	}
	old, err := marshal(snap)
	if err != nil {
		return err
	}
	_, err = s.Log(ctx, &model.AuditEntry{
		EntityID:   snap.Record.ID,
		EntityType: snap.Record.Type,
		Action:     model.AuditDelete,
		Old:        old,
		Actor:      actor,
		Reason:     reason,
		Metadata: map[string]any{
			"location": snap.Location,
			"children": len(snap.Children),
		},
	})
	return err
}

func (s *service) LogRestore(ctx context.Context, actor model.Actor, rec *model.Record, reason string) error {
	cur, err := marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.Log(ctx, &model.AuditEntry{
		EntityID:   rec.ID,
		EntityType: rec.Type,
		Action:     model.AuditRestore,
		New:        cur,
		Actor:      actor,
		Reason:     reason,
	})
	return err
}

func (s *service) LogMerge(ctx context.Context, actor model.Actor, kept, merged *model.Record, reason string) error {
	old, err := marshal(merged)
	if err != nil {
		return err
	}
	cur, err := marshal(kept)
	if err != nil {
		return err
	}
	_, err = s.Log(ctx, &model.AuditEntry{
		EntityID:   kept.ID,
		EntityType: kept.Type,
		Action:     model.AuditMerge,
		Old:        old,
		New:        cur,
		Actor:      actor,
		Reason:     reason,
		Metadata:   map[string]any{"mergedId": merged.ID},
	})
	return err
}

func (s *service) History(ctx context.Context, entityID string, limit int) ([]*model.AuditEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.repo.AuditHistory(ctx, entityID, limit)
}

func (s *service) Recent(ctx context.Context, limit int) ([]*model.AuditEntry, error) {
	return s.repo.RecentAudit(ctx, limit)
}

func (s *service) CanUndo(ctx context.Context, entityID string) (bool, error) {
	last, err := s.repo.LastAudit(ctx, entityID)
	if err != nil {
		return false, err
	}
	return last != nil && last.Action.Undoable(), nil
}

func (s *service) LastState(ctx context.Context, entityID string) (*State, error) {
	last, err := s.repo.LastAudit(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if last == nil || !last.Action.Undoable() {
		return nil, nil
	}
	st := &State{Entry: last}
	switch last.Action {
	case model.AuditDelete:
		var snap model.Snapshot
		if err := json.Unmarshal(last.Old, &snap); err != nil {
			return nil, fmt.Errorf("decode delete snapshot %d: %w", last.ID, err)
		}
		st.Snapshot = &snap
	default:
		if len(last.Old) == 0 {
			return nil, nil
		}
		var rec model.Record
		if err := json.Unmarshal(last.Old, &rec); err != nil {
			return nil, fmt.Errorf("decode prior state %d: %w", last.ID, err)
		}
		st.Record = &rec
	}
	return st, nil
}

func marshal(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode audit snapshot: %w", err)
	}
	return data, nil
}
