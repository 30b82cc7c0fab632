package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kittclouds/kittvault/internal/model"
)

func upsertTagTx(ctx context.Context, tx *sql.Tx, t *Tag) error {
	if t.Name == "" {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tags (name, id, color, description, location)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			id = excluded.id,
			color = excluded.color,
			description = excluded.description,
			location = excluded.location
	`, t.Name, t.ID, t.Color, t.Description, t.Location)
	if err != nil {
		return fmt.Errorf("upsert tag: %w", err)
	}
	return nil
}

// ListTags returns every known tag with the number of records using it.
func (s *SQLiteStore) ListTags(ctx context.Context) ([]*Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT t.name, t.id, t.color, t.description, t.location, COUNT(dt.document_id)
		FROM tags t
		LEFT JOIN document_tags dt ON dt.tag = t.name
		GROUP BY t.name
		ORDER BY t.name
	`)
	if err != nil {
		return nil, model.Unavailable("relational index", err)
	}
	defer rows.Close()

	var out []*Tag
	for rows.Next() {
		var t Tag
		if err := rows.Scan(&t.Name, &t.ID, &t.Color, &t.Description, &t.Location, &t.Count); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// GetTag returns the tag row for name, or nil.
func (s *SQLiteStore) GetTag(ctx context.Context, name string) (*Tag, error) {
	tags, err := s.ListTags(ctx)
	if err != nil {
		return nil, err
	}
	name = NormalizeTag(name)
	for _, t := range tags {
		if t.Name == name {
			return t, nil
		}
	}
	return nil, nil
}

// TagsFor returns the tags attached to a record.
func (s *SQLiteStore) TagsFor(ctx context.Context, id string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT tag FROM document_tags WHERE document_id = ? ORDER BY tag`, id)
	if err != nil {
		return nil, model.Unavailable("relational index", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DocumentsWithTag returns the records carrying tag.
func (s *SQLiteStore) DocumentsWithTag(ctx context.Context, tag string) ([]*Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefixedRowColumns("d.")+`
		FROM document_tags dt JOIN documents d ON d.id = dt.document_id
		WHERE dt.tag = ?
		ORDER BY d.norm_name, d.id
	`, NormalizeTag(tag))
	if err != nil {
		return nil, model.Unavailable("relational index", err)
	}
	return collectRows(rows)
}

// OrphanTags returns tags with no canonical record and no users.
func (s *SQLiteStore) OrphanTags(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT t.name FROM tags t
		WHERE t.id = '' AND NOT EXISTS (SELECT 1 FROM document_tags dt WHERE dt.tag = t.name)
		ORDER BY t.name
	`)
	if err != nil {
		return nil, model.Unavailable("relational index", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// DeleteTag drops a tag row and its associations.
func (s *SQLiteStore) DeleteTag(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name = NormalizeTag(name)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Unavailable("relational index", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM document_tags WHERE tag = ?`, name); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tags WHERE name = ?`, name); err != nil {
		return err
	}
	return tx.Commit()
}
