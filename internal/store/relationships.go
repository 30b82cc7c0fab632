package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kittclouds/kittvault/internal/model"
)

const relColumns = `id, source_id, target_id, rel_type, category, strength, sentiment,
	confidence, provenance, reason, start_date, end_date, created_at`

// replaceRelationshipsTx swaps the mirrored relationships sourced at
// sourceID for rels.
func replaceRelationshipsTx(ctx context.Context, tx *sql.Tx, sourceID string, rels []model.Relationship) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM relationships WHERE source_id = ?`, sourceID); err != nil {
		return fmt.Errorf("clear relationships: %w", err)
	}
	for _, r := range rels {
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO relationships (`+relColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, r.ID, sourceID, r.TargetID, r.Type, string(r.Category), r.Strength, r.Sentiment,
			r.Confidence, string(r.Provenance), r.Reason, r.Start, r.End, r.CreatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("mirror relationship %s: %w", r.ID, err)
		}
	}
	return nil
}

// RelationshipsFor returns mirrored relationships touching id in the given
// direction, oldest first.
func (s *SQLiteStore) RelationshipsFor(ctx context.Context, id string, dir Direction) ([]model.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var where string
	args := []any{id}
	switch dir {
	case DirOut:
		where = `source_id = ?`
	case DirIn:
		where = `target_id = ?`
	default:
		where = `source_id = ? OR target_id = ?`
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+relColumns+` FROM relationships WHERE `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, model.Unavailable("relational index", err)
	}
	defer rows.Close()

	var out []model.Relationship
	for rows.Next() {
		var r model.Relationship
		var cat, prov string
		var created int64
		if err := rows.Scan(&r.ID, &r.SourceID, &r.TargetID, &r.Type, &cat, &r.Strength, &r.Sentiment,
			&r.Confidence, &prov, &r.Reason, &r.Start, &r.End, &created); err != nil {
			return nil, err
		}
		r.Category = model.Category(cat)
		r.Provenance = model.Provenance(prov)
		r.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// RelationshipOwner returns the source id of relationship relID, or "" when
// the relationship is unknown.
func (s *SQLiteStore) RelationshipOwner(ctx context.Context, relID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var src string
	err := s.db.QueryRowContext(ctx, `SELECT source_id FROM relationships WHERE id = ?`, relID).Scan(&src)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", model.Unavailable("relational index", err)
	}
	return src, nil
}
