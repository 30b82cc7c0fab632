package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/kittclouds/kittvault/internal/model"
)

const folderColumns = `id, name, parent_id, owner_entity_id, location, created_at, updated_at`

func scanFolder(sc scanner) (*Folder, error) {
	var f Folder
	if err := sc.Scan(&f.ID, &f.Name, &f.ParentID, &f.OwnerEntityID, &f.Location, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, err
	}
	return &f, nil
}

func collectFolders(rows *sql.Rows) ([]*Folder, error) {
	defer rows.Close()
	var out []*Folder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func upsertFolderTx(ctx context.Context, tx *sql.Tx, f *Folder) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO folders (`+folderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			parent_id = excluded.parent_id,
			owner_entity_id = excluded.owner_entity_id,
			location = excluded.location,
			updated_at = excluded.updated_at
	`, f.ID, f.Name, f.ParentID, f.OwnerEntityID, f.Location, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert folder: %w", err)
	}
	return nil
}

// GetFolder returns the folder with id, or nil when absent.
func (s *SQLiteStore) GetFolder(ctx context.Context, id string) (*Folder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getFolder(ctx, id)
}

func (s *SQLiteStore) getFolder(ctx context.Context, id string) (*Folder, error) {
	f, err := scanFolder(s.db.QueryRowContext(ctx, `SELECT `+folderColumns+` FROM folders WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, model.Unavailable("relational index", err)
	}
	return f, nil
}

// ListFolders returns the folders of one owner ("" for top-level folders
// not attached to an entity).
func (s *SQLiteStore) ListFolders(ctx context.Context, ownerID string) ([]*Folder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+folderColumns+` FROM folders WHERE owner_entity_id = ? ORDER BY name, id
	`, ownerID)
	if err != nil {
		return nil, model.Unavailable("relational index", err)
	}
	return collectFolders(rows)
}

// ChildFolders returns the direct children of parentID.
func (s *SQLiteStore) ChildFolders(ctx context.Context, parentID string) ([]*Folder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+folderColumns+` FROM folders WHERE parent_id = ? ORDER BY name, id
	`, parentID)
	if err != nil {
		return nil, model.Unavailable("relational index", err)
	}
	return collectFolders(rows)
}

// CheckFolderMove fails with model.ErrFolderCycle when re-parenting id under
// newParentID would make a folder its own ancestor.
func (s *SQLiteStore) CheckFolderMove(ctx context.Context, id, newParentID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if newParentID == "" {
		return nil
	}
	if newParentID == id {
		return fmt.Errorf("%w: %s cannot contain itself", model.ErrFolderCycle, id)
	}

	seen := map[string]bool{}
	cur := newParentID
	for cur != "" {
		if cur == id {
			return fmt.Errorf("%w: %s is an ancestor of %s", model.ErrFolderCycle, id, newParentID)
		}
		if seen[cur] {
			return fmt.Errorf("%w: existing loop at %s", model.ErrFolderCycle, cur)
		}
		seen[cur] = true

		f, err := s.getFolder(ctx, cur)
		if err != nil {
			return err
		}
		if f == nil {
			if cur == newParentID {
				return model.NotFound("folder", newParentID)
			}
			return nil
		}
		cur = f.ParentID
	}
	return nil
}

// FolderPath returns the chain of folders from the root down to id.
func (s *SQLiteStore) FolderPath(ctx context.Context, id string) ([]*Folder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var chain []*Folder
	seen := map[string]bool{}
	for cur := id; cur != "" && !seen[cur]; {
		seen[cur] = true
		f, err := s.getFolder(ctx, cur)
		if err != nil {
			return nil, err
		}
		if f == nil {
			break
		}
		chain = append(chain, f)
		cur = f.ParentID
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// GetFolderByPath walks a slash-separated path of folder names under owner.
// It returns nil when any segment is missing.
func (s *SQLiteStore) GetFolderByPath(ctx context.Context, path, ownerID string) (*Folder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var cur *Folder
	parent := ""
	for _, seg := range strings.Split(strings.Trim(path, "/"), "/") {
		if seg == "" {
			continue
		}
		f, err := scanFolder(s.db.QueryRowContext(ctx, `
			SELECT `+folderColumns+` FROM folders
			WHERE parent_id = ? AND owner_entity_id = ? AND name = ? COLLATE NOCASE
			ORDER BY created_at, id LIMIT 1
		`, parent, ownerID, seg))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, model.Unavailable("relational index", err)
		}
		cur = f
		parent = f.ID
	}
	return cur, nil
}

// FolderSubtree returns id and every folder below it, parents first.
func (s *SQLiteStore) FolderSubtree(ctx context.Context, id string) ([]*Folder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE subtree(id, depth) AS (
			SELECT id, 0 FROM folders WHERE id = ?
			UNION
			SELECT f.id, s.depth + 1 FROM folders f JOIN subtree s ON f.parent_id = s.id
		)
		SELECT `+prefixedFolderColumns("f.")+`
		FROM subtree s JOIN folders f ON f.id = s.id
		ORDER BY s.depth, f.name
	`, id)
	if err != nil {
		return nil, model.Unavailable("relational index", err)
	}
	return collectFolders(rows)
}

func prefixedFolderColumns(prefix string) string {
	cols := strings.Split(folderColumns, ",")
	for i, c := range cols {
		cols[i] = prefix + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

// DocumentsInFolder returns the documents filed directly in folderID.
func (s *SQLiteStore) DocumentsInFolder(ctx context.Context, folderID string) ([]*Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+rowColumns+` FROM documents WHERE folder_id = ? ORDER BY norm_name, id
	`, folderID)
	if err != nil {
		return nil, model.Unavailable("relational index", err)
	}
	return collectRows(rows)
}
