package vault

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/kittclouds/kittvault/internal/model"
	"github.com/kittclouds/kittvault/internal/store"
	"github.com/kittclouds/kittvault/pkg/resolver"
)

// =============================================================================
// Folders
// =============================================================================

// CreateFolder adds a folder under parentID ("" for a root folder) in the
// tree of ownerID ("" for the shared tree). Sibling names are unique.
func (v *Vault) CreateFolder(ctx context.Context, name, parentID, ownerID string, actor model.Actor) (*model.Record, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.Contains(name, "/") {
		return nil, &model.ValidationError{Field: "folder.name", Reason: "must be non-empty and contain no '/'"}
	}
	if parentID != "" {
		parent, err := v.index.GetFolder(ctx, parentID)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			return nil, model.NotFound("folder", parentID)
		}
		if parent.OwnerEntityID != ownerID {
			return nil, &model.ValidationError{Field: "folder.parent", Reason: "parent folder belongs to another owner"}
		}
	}
	if ownerID != "" {
		if err := v.mustExist(ownerID); err != nil {
			return nil, err
		}
	}
	if err := v.checkSiblingName(ctx, name, parentID, ownerID, ""); err != nil {
		return nil, err
	}

	rec := model.NewRecord(model.TypeFolder, name, actor.Provenance())
	f := rec.Folder()
	f.ParentID = parentID
	f.OwnerEntityID = ownerID
	return v.create(ctx, rec, actor)
}

func (v *Vault) checkSiblingName(ctx context.Context, name, parentID, ownerID, self string) error {
	var siblings []*store.Folder
	var err error
	if parentID == "" {
		siblings, err = v.index.ListFolders(ctx, ownerID)
	} else {
		siblings, err = v.index.ChildFolders(ctx, parentID)
	}
	if err != nil {
		return err
	}
	norm := resolver.Normalize(name)
	for _, s := range siblings {
		if s.ID == self || (parentID == "" && s.ParentID != "") {
			continue
		}
		if resolver.Normalize(s.Name) == norm {
			return &model.ValidationError{Field: "folder.name", Reason: fmt.Sprintf("%q already exists here", name)}
		}
	}
	return nil
}

// MoveFolder re-parents a folder. Moving a folder below itself or one of
// its descendants fails with model.ErrFolderCycle.
func (v *Vault) MoveFolder(ctx context.Context, id, newParentID string, actor model.Actor) (*model.Record, error) {
	return v.update(ctx, id, func(rec *model.Record) error {
		f := rec.Folder()
		if f == nil {
			return &model.ValidationError{Field: "id", Reason: id + " is not a folder"}
		}
		if f.ParentID == newParentID {
			return errUnchanged
		}
		if err := v.index.CheckFolderMove(ctx, id, newParentID); err != nil {
			return err
		}
		if newParentID != "" {
			parent, err := v.index.GetFolder(ctx, newParentID)
			if err != nil {
				return err
			}
			if parent == nil {
				return model.NotFound("folder", newParentID)
			}
			if parent.OwnerEntityID != f.OwnerEntityID {
				return &model.ValidationError{Field: "folder.parent", Reason: "cannot move a folder to another owner's tree"}
			}
		}
		if err := v.checkSiblingName(ctx, rec.Name, newParentID, f.OwnerEntityID, id); err != nil {
			return err
		}
		f.ParentID = newParentID
		return nil
	}, actor, model.AuditUpdate, "folder moved")
}

// DeleteFolder removes a folder. Without recursive a folder holding
// subfolders or documents fails with model.ErrFolderNotEmpty; with it the
// whole subtree and the documents filed in it are deleted.
func (v *Vault) DeleteFolder(ctx context.Context, id string, recursive bool, actor model.Actor) error {
	folder, err := v.index.GetFolder(ctx, id)
	if err != nil {
		return err
	}
	if folder == nil {
		return model.NotFound("folder", id)
	}
	if !recursive {
		sub, err := v.index.ChildFolders(ctx, id)
		if err != nil {
			return err
		}
		docs, err := v.index.DocumentsInFolder(ctx, id)
		if err != nil {
			return err
		}
		if len(sub) > 0 || len(docs) > 0 {
			return fmt.Errorf("%s: %w", folder.Name, model.ErrFolderNotEmpty)
		}
	}

	subtree, err := v.index.FolderSubtree(ctx, id)
	if err != nil {
		return err
	}
	reason := "folder " + folder.Name + " deleted"
	// deepest folders first
	for i := len(subtree) - 1; i >= 0; i-- {
		docs, err := v.index.DocumentsInFolder(ctx, subtree[i].ID)
		if err != nil {
			return err
		}
		for _, d := range docs {
			if err := v.DeleteEntity(ctx, d.ID, false, actor, reason); err != nil {
				return fmt.Errorf("delete document %s: %w", d.ID, err)
			}
		}
		if err := v.deleteFolderRecord(ctx, subtree[i].ID, actor, reason); err != nil {
			return err
		}
	}
	return nil
}

func (v *Vault) deleteFolderRecord(ctx context.Context, id string, actor model.Actor, reason string) error {
	unlock := v.locks.Lock(id)
	defer unlock()
	doc, err := v.read(ctx, "folder", id)
	if err != nil {
		return err
	}
	return v.deleteLocked(ctx, doc, false, actor, reason)
}

// FolderPath returns the folders from the root down to id.
func (v *Vault) FolderPath(ctx context.Context, id string) ([]*store.Folder, error) {
	return v.index.FolderPath(ctx, id)
}

// FolderByPath looks a folder up by its slash-separated path in the tree of
// ownerID.
func (v *Vault) FolderByPath(ctx context.Context, path, ownerID string) (*store.Folder, error) {
	return v.index.GetFolderByPath(ctx, path, ownerID)
}

// =============================================================================
// Tags
// =============================================================================

// TagItem adds tag to a record.
func (v *Vault) TagItem(ctx context.Context, id, tag string, actor model.Actor) (*model.Record, error) {
	norm := model.NormalizeTag(tag)
	if norm == "" {
		return nil, &model.ValidationError{Field: "tag", Reason: "must not be empty"}
	}
	return v.update(ctx, id, func(rec *model.Record) error {
		if !rec.Type.IsEntity() {
			return &model.ValidationError{Field: "id", Reason: "only entities and documents can be tagged"}
		}
		if rec.HasTag(norm) {
			return errUnchanged
		}
		rec.Tags = append(rec.Tags, norm)
		return nil
	}, actor, model.AuditUpdate, "tagged "+norm)
}

// UntagItem removes tag from a record.
func (v *Vault) UntagItem(ctx context.Context, id, tag string, actor model.Actor) (*model.Record, error) {
	norm := model.NormalizeTag(tag)
	return v.update(ctx, id, func(rec *model.Record) error {
		if !rec.HasTag(norm) {
			return errUnchanged
		}
		kept := rec.Tags[:0]
		for _, t := range rec.Tags {
			if model.NormalizeTag(t) != norm {
				kept = append(kept, t)
			}
		}
		rec.Tags = kept
		return nil
	}, actor, model.AuditUpdate, "untagged "+norm)
}

// SetTagInfo stores the color and description of a tag as a canonical tag
// record, creating it on first use.
func (v *Vault) SetTagInfo(ctx context.Context, tag, color, description string, actor model.Actor) (*model.Record, error) {
	norm := model.NormalizeTag(tag)
	if norm == "" {
		return nil, &model.ValidationError{Field: "tag", Reason: "must not be empty"}
	}
	existing, err := v.index.GetTag(ctx, norm)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.ID != "" {
		return v.update(ctx, existing.ID, func(rec *model.Record) error {
			d := rec.Tag()
			if d.Color == color && d.Description == description {
				return errUnchanged
			}
			d.Color, d.Description = color, description
			return nil
		}, actor, model.AuditUpdate, "tag info changed")
	}
	rec := model.NewRecord(model.TypeTag, norm, actor.Provenance())
	d := rec.Tag()
	d.Color, d.Description = color, description
	return v.create(ctx, rec, actor)
}

// Tags lists every tag with its usage count.
func (v *Vault) Tags(ctx context.Context) ([]*store.Tag, error) {
	return v.index.ListTags(ctx)
}

// PruneTags drops tags that nothing uses and that carry no metadata, from
// both the index and the graph cache.
func (v *Vault) PruneTags(ctx context.Context) ([]string, error) {
	orphans, err := v.index.OrphanTags(ctx)
	if err != nil {
		return nil, err
	}
	pruned := make(map[string]bool, len(orphans))
	for _, t := range orphans {
		if err := v.index.DeleteTag(ctx, t); err != nil {
			return nil, fmt.Errorf("delete tag %s: %w", t, err)
		}
		pruned[t] = true
	}
	nodes, err := v.cache.PruneTagNodes(ctx)
	if err != nil {
		v.logger.Warn("Could not prune tag nodes from the graph cache", zap.Error(err))
	}
	for _, t := range nodes {
		pruned[t] = true
	}
	out := make([]string, 0, len(pruned))
	for t := range pruned {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}
