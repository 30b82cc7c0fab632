package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kittclouds/kittvault/internal/model"
)

const auditColumns = `id, entity_id, entity_type, action, old_value, new_value, actor, reason, metadata, created_at`

func scanAudit(sc scanner) (*model.AuditEntry, error) {
	var e model.AuditEntry
	var typ, action, oldV, newV, actor, meta string
	var created int64
	if err := sc.Scan(&e.ID, &e.EntityID, &typ, &action, &oldV, &newV, &actor, &e.Reason, &meta, &created); err != nil {
		return nil, err
	}
	e.EntityType = model.EntityType(typ)
	e.Action = model.AuditAction(action)
	e.Actor = model.Actor(actor)
	if oldV != "" {
		e.Old = json.RawMessage(oldV)
	}
	if newV != "" {
		e.New = json.RawMessage(newV)
	}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode audit metadata: %w", err)
		}
	}
	e.CreatedAt = time.UnixMilli(created).UTC()
	return &e, nil
}

// AppendAudit inserts an audit entry and returns its id. Entries are never
// updated or removed.
func (s *SQLiteStore) AppendAudit(ctx context.Context, e *model.AuditEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var meta string
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return 0, fmt.Errorf("encode audit metadata: %w", err)
		}
		meta = string(b)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (entity_id, entity_type, action, old_value, new_value, actor, reason, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.EntityID, string(e.EntityType), string(e.Action), string(e.Old), string(e.New),
		string(e.Actor), e.Reason, meta, e.CreatedAt.UnixMilli())
	if err != nil {
		return 0, model.Unavailable("audit log", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	e.ID = id
	return id, nil
}

// AuditHistory returns entries for entityID, newest first. limit <= 0 means
// no limit.
func (s *SQLiteStore) AuditHistory(ctx context.Context, entityID string, limit int) ([]*model.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+auditColumns+` FROM audit_log WHERE entity_id = ? ORDER BY id DESC LIMIT ?
	`, entityID, limit)
	if err != nil {
		return nil, model.Unavailable("audit log", err)
	}
	defer rows.Close()

	var out []*model.AuditEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecentAudit returns the newest entries across all entities.
func (s *SQLiteStore) RecentAudit(ctx context.Context, limit int) ([]*model.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+auditColumns+` FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, model.Unavailable("audit log", err)
	}
	defer rows.Close()

	var out []*model.AuditEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LastAudit returns the newest entry for entityID, or nil.
func (s *SQLiteStore) LastAudit(ctx context.Context, entityID string) (*model.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, err := scanAudit(s.db.QueryRowContext(ctx, `
		SELECT `+auditColumns+` FROM audit_log WHERE entity_id = ? ORDER BY id DESC LIMIT 1
	`, entityID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, model.Unavailable("audit log", err)
	}
	return e, nil
}

// AuditEntry returns the entry with id, or nil.
func (s *SQLiteStore) AuditEntry(ctx context.Context, id int64) (*model.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, err := scanAudit(s.db.QueryRowContext(ctx, `SELECT `+auditColumns+` FROM audit_log WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, model.Unavailable("audit log", err)
	}
	return e, nil
}
