package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/kittclouds/kittvault/internal/model"
	"github.com/kittclouds/kittvault/pkg/resolver"
)

// ConflictError reports that another record already claims the same
// identity (type, name, context).
type ConflictError struct {
	ExistingID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("identity already claimed by %s", e.ExistingID)
}

func (e *ConflictError) Unwrap() error { return model.ErrConflict }

const rowColumns = `id, location, entity_type, name, norm_name, context, checksum, provenance,
	needs_review, review_reason, folder_id, parent_entity_id, parent_relationship_id,
	document_type, locked, created_at, updated_at`

func prefixedRowColumns(prefix string) string {
	cols := strings.Split(rowColumns, ",")
	for i, c := range cols {
		cols[i] = prefix + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(sc scanner, extra ...any) (*Row, error) {
	var r Row
	var typ, prov string
	var needsReview, locked int
	dest := []any{
		&r.ID, &r.Location, &typ, &r.Name, &r.NormName, &r.Context, &r.Checksum, &prov,
		&needsReview, &r.ReviewReason, &r.FolderID, &r.ParentEntityID, &r.ParentRelationshipID,
		&r.DocumentType, &locked, &r.CreatedAt, &r.UpdatedAt,
	}
	if err := sc.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	r.Type = model.EntityType(typ)
	r.Provenance = model.Provenance(prov)
	r.NeedsReview = needsReview != 0
	r.Locked = locked != 0
	return &r, nil
}

func collectRows(rows *sql.Rows) ([]*Row, error) {
	defer rows.Close()
	var out []*Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// Index writes
// =============================================================================

// IndexRecord upserts the rows derived from one canonical record and
// rewrites its full-text entry in the same transaction.
func (s *SQLiteStore) IndexRecord(ctx context.Context, rec *model.Record, loc, checksum string) error {
	return s.index(ctx, rec, loc, checksum, false)
}

// IndexNewRecord is IndexRecord for a freshly created entity: it claims the
// record's identity first and fails with *ConflictError when another record
// already holds it.
func (s *SQLiteStore) IndexNewRecord(ctx context.Context, rec *model.Record, loc, checksum string) error {
	return s.index(ctx, rec, loc, checksum, true)
}

func (s *SQLiteStore) index(ctx context.Context, rec *model.Record, loc, checksum string, claim bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Unavailable("relational index", err)
	}
	defer tx.Rollback()

	if err := indexTx(ctx, tx, rec, loc, checksum, claim); err != nil {
		return err
	}
	// same rule as RebuildFrom: no relationship towards a missing record
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM relationships
		WHERE source_id = ? AND target_id NOT IN (SELECT id FROM documents)
	`, rec.ID); err != nil {
		return fmt.Errorf("drop dangling relationships: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Unavailable("relational index", err)
	}
	return nil
}

func indexTx(ctx context.Context, tx *sql.Tx, rec *model.Record, loc, checksum string, claim bool) error {
	switch rec.Type {
	case model.TypeFolder:
		return upsertFolderTx(ctx, tx, folderFromRecord(rec, loc))
	case model.TypeTag:
		return upsertTagTx(ctx, tx, tagFromRecord(rec, loc))
	}

	row := rowFromRecord(rec, loc, checksum)
	if claimable(rec.Type) {
		if err := claimTx(ctx, tx, row, claim); err != nil {
			return err
		}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO documents (`+rowColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			location = excluded.location,
			entity_type = excluded.entity_type,
			name = excluded.name,
			norm_name = excluded.norm_name,
			context = excluded.context,
			checksum = excluded.checksum,
			provenance = excluded.provenance,
			needs_review = excluded.needs_review,
			review_reason = excluded.review_reason,
			folder_id = excluded.folder_id,
			parent_entity_id = excluded.parent_entity_id,
			parent_relationship_id = excluded.parent_relationship_id,
			document_type = excluded.document_type,
			locked = excluded.locked,
			updated_at = excluded.updated_at
	`, row.ID, row.Location, string(row.Type), row.Name, row.NormName, row.Context, row.Checksum,
		string(row.Provenance), boolToInt(row.NeedsReview), row.ReviewReason, row.FolderID,
		row.ParentEntityID, row.ParentRelationshipID, row.DocumentType, boolToInt(row.Locked),
		row.CreatedAt, row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}

	tags := make([]string, 0, len(rec.Tags))
	for _, t := range rec.Tags {
		if n := NormalizeTag(t); n != "" {
			tags = append(tags, n)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM documents_fts WHERE id = ?`, row.ID); err != nil {
		return fmt.Errorf("clear fulltext: %w", err)
	}
	nameText := strings.TrimSpace(rec.Name + " " + strings.Join(rec.Aliases, " "))
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents_fts (id, name, body, tags) VALUES (?, ?, ?, ?)
	`, row.ID, nameText, rec.Body, strings.Join(tags, " ")); err != nil {
		return fmt.Errorf("write fulltext: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM document_tags WHERE document_id = ?`, row.ID); err != nil {
		return err
	}
	for _, t := range tags {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO tags (name) VALUES (?)`, t); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO document_tags (document_id, tag) VALUES (?, ?)`, row.ID, t); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM aliases WHERE entity_id = ?`, row.ID); err != nil {
		return err
	}
	for _, a := range rec.Aliases {
		norm := resolver.Normalize(a)
		if norm == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO aliases (alias, entity_id, entity_type) VALUES (?, ?, ?)
		`, norm, row.ID, string(row.Type)); err != nil {
			return err
		}
	}

	return replaceRelationshipsTx(ctx, tx, row.ID, rec.Relationships)
}

func claimTx(ctx context.Context, tx *sql.Tx, row *Row, strict bool) error {
	normCtx := resolver.Normalize(row.Context)
	if !strict {
		if _, err := tx.ExecContext(ctx, `DELETE FROM identity_claims WHERE entity_id = ?`, row.ID); err != nil {
			return err
		}
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO identity_claims (entity_type, norm_name, norm_context, entity_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_type, norm_name, norm_context) DO NOTHING
	`, string(row.Type), row.NormName, normCtx, row.ID)
	if err != nil {
		return fmt.Errorf("claim identity: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 || !strict {
		return nil
	}

	var owner string
	err = tx.QueryRowContext(ctx, `
		SELECT entity_id FROM identity_claims
		WHERE entity_type = ? AND norm_name = ? AND norm_context = ?
	`, string(row.Type), row.NormName, normCtx).Scan(&owner)
	if err != nil {
		return fmt.Errorf("read identity claim: %w", err)
	}
	if owner == row.ID {
		return nil
	}
	return &ConflictError{ExistingID: owner}
}

// Delete removes every row derived from id, including relationships that
// point at it.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Unavailable("relational index", err)
	}
	defer tx.Rollback()

	stmts := []string{
		`DELETE FROM documents WHERE id = ?`,
		`DELETE FROM documents_fts WHERE id = ?`,
		`DELETE FROM document_tags WHERE document_id = ?`,
		`DELETE FROM aliases WHERE entity_id = ?`,
		`DELETE FROM identity_claims WHERE entity_id = ?`,
		`DELETE FROM folders WHERE id = ?`,
		`DELETE FROM tags WHERE id = ? AND id != ''`,
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM relationships WHERE source_id = ? OR target_id = ?`, id, id); err != nil {
		return err
	}
	return tx.Commit()
}

// =============================================================================
// Reads
// =============================================================================

// Get returns the registry row for id, or nil when absent.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, err := scanRow(s.db.QueryRowContext(ctx, `SELECT `+rowColumns+` FROM documents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, model.Unavailable("relational index", err)
	}
	return row, nil
}

// ListByType returns rows of the given types ordered by name. No types
// means all.
func (s *SQLiteStore) ListByType(ctx context.Context, types ...model.EntityType) ([]*Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := `SELECT ` + rowColumns + ` FROM documents`
	var args []any
	if len(types) > 0 {
		q += ` WHERE entity_type IN (` + placeholders(len(types)) + `)`
		args = typesArgs(types)
	}
	q += ` ORDER BY norm_name, id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, model.Unavailable("relational index", err)
	}
	return collectRows(rows)
}

// ListNeedsReview returns rows flagged for review.
func (s *SQLiteStore) ListNeedsReview(ctx context.Context) ([]*Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+rowColumns+` FROM documents WHERE needs_review = 1 ORDER BY updated_at`)
	if err != nil {
		return nil, model.Unavailable("relational index", err)
	}
	return collectRows(rows)
}

// ChildDocuments returns documents owned by an entity or relationship.
func (s *SQLiteStore) ChildDocuments(ctx context.Context, ownerID string) ([]*Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+rowColumns+` FROM documents
		WHERE parent_entity_id = ? OR parent_relationship_id = ?
		ORDER BY created_at, id
	`, ownerID, ownerID)
	if err != nil {
		return nil, model.Unavailable("relational index", err)
	}
	return collectRows(rows)
}

// StaleEntities returns entities not updated since before (unix millis).
func (s *SQLiteStore) StaleEntities(ctx context.Context, before int64, types ...model.EntityType) ([]*Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := `SELECT ` + rowColumns + ` FROM documents WHERE updated_at < ?`
	args := []any{before}
	if len(types) > 0 {
		q += ` AND entity_type IN (` + placeholders(len(types)) + `)`
		args = append(args, typesArgs(types)...)
	}
	q += ` ORDER BY updated_at`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, model.Unavailable("relational index", err)
	}
	return collectRows(rows)
}

// =============================================================================
// Resolver lookups
// =============================================================================

// FindByName returns rows whose normalized name equals norm.
func (s *SQLiteStore) FindByName(ctx context.Context, t model.EntityType, norm string) ([]*Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := `SELECT ` + rowColumns + ` FROM documents WHERE norm_name = ?`
	args := []any{norm}
	if t != "" {
		q += ` AND entity_type = ?`
		args = append(args, string(t))
	}
	rows, err := s.db.QueryContext(ctx, q+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, model.Unavailable("relational index", err)
	}
	return collectRows(rows)
}

// LookupAlias returns rows carrying the normalized alias.
func (s *SQLiteStore) LookupAlias(ctx context.Context, t model.EntityType, norm string) ([]*Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := `SELECT ` + prefixedRowColumns("d.") + `
		FROM aliases a JOIN documents d ON d.id = a.entity_id
		WHERE a.alias = ?`
	args := []any{norm}
	if t != "" {
		q += ` AND a.entity_type = ?`
		args = append(args, string(t))
	}
	rows, err := s.db.QueryContext(ctx, q+` ORDER BY d.created_at, d.id`, args...)
	if err != nil {
		return nil, model.Unavailable("relational index", err)
	}
	return collectRows(rows)
}

// AliasesFor returns the normalized aliases registered for id.
func (s *SQLiteStore) AliasesFor(ctx context.Context, id string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT alias FROM aliases WHERE entity_id = ? ORDER BY alias`, id)
	if err != nil {
		return nil, model.Unavailable("relational index", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AllAliases maps every entity id with aliases to its normalized aliases.
func (s *SQLiteStore) AllAliases(ctx context.Context) (map[string][]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT entity_id, alias FROM aliases ORDER BY entity_id, alias`)
	if err != nil {
		return nil, model.Unavailable("relational index", err)
	}
	defer rows.Close()
	out := map[string][]string{}
	for rows.Next() {
		var id, a string
		if err := rows.Scan(&id, &a); err != nil {
			return nil, err
		}
		out[id] = append(out[id], a)
	}
	return out, rows.Err()
}

// =============================================================================
// Full-text search
// =============================================================================

// EscapeFTSQuery turns free text into a safe FTS5 expression: every term is
// quoted (embedded quotes doubled) and prefix-matched, terms are ANDed.
func EscapeFTSQuery(q string) string {
	var terms []string
	for _, f := range strings.Fields(q) {
		if !strings.ContainsFunc(f, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }) {
			continue
		}
		terms = append(terms, `"`+strings.ReplaceAll(f, `"`, `""`)+`"*`)
	}
	return strings.Join(terms, " ")
}

// Search runs a ranked full-text query, optionally restricted to types.
func (s *SQLiteStore) Search(ctx context.Context, query string, types []model.EntityType, limit int) ([]SearchHit, error) {
	match := EscapeFTSQuery(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	q := `SELECT ` + prefixedRowColumns("d.") + `,
			bm25(documents_fts, 0.0, 10.0, 1.0, 3.0) AS rank,
			snippet(documents_fts, 2, '[', ']', '...', 12)
		FROM documents_fts
		JOIN documents d ON d.id = documents_fts.id
		WHERE documents_fts MATCH ?`
	args := []any{match}
	if len(types) > 0 {
		q += ` AND d.entity_type IN (` + placeholders(len(types)) + `)`
		args = append(args, typesArgs(types)...)
	}
	q += ` ORDER BY rank LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("fulltext search: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var rank float64
		var snippet string
		r, err := scanRow(rows, &rank, &snippet)
		if err != nil {
			return nil, err
		}
		hits = append(hits, SearchHit{Row: r, Rank: -rank, Snippet: snippet})
	}
	return hits, rows.Err()
}
