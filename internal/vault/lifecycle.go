package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/kittclouds/kittvault/internal/canon"
	"github.com/kittclouds/kittvault/internal/graphcache"
	"github.com/kittclouds/kittvault/internal/model"
	"github.com/kittclouds/kittvault/internal/store"
	"github.com/kittclouds/kittvault/pkg/resolver"
)

// =============================================================================
// Delete
// =============================================================================

// DeleteEntity removes a record together with the documents it owns. A
// soft delete moves the files to the trash; a hard delete removes them. In
// both cases a full snapshot is written to the audit log before anything
// is removed, so the delete can be undone. When that write fails the
// record stays in place.
func (v *Vault) DeleteEntity(ctx context.Context, id string, hard bool, actor model.Actor, reason string) error {
	unlock := v.locks.Lock(id)
	defer unlock()

	doc, err := v.read(ctx, "record", id)
	if err != nil {
		return err
	}
	if doc.Record.Type == model.TypeFolder {
		return &model.ValidationError{Field: "id", Reason: "folders are deleted with DeleteFolder"}
	}
	return v.deleteLocked(ctx, doc, hard, actor, reason)
}

func (v *Vault) deleteLocked(ctx context.Context, doc *canon.Document, hard bool, actor model.Actor, reason string) error {
	rec := doc.Record
	children, err := v.childDocuments(ctx, rec)
	if err != nil {
		return err
	}
	inbound, err := v.inbound(ctx, rec.ID)
	if err != nil {
		return err
	}
	snap := &model.Snapshot{
		Record:   rec.Clone(),
		Location: string(doc.Location),
		Checksum: doc.Checksum,
		Inbound:  inbound,
	}
	for _, c := range children {
		snap.Children = append(snap.Children, c.Record.Clone())
	}

	// The audit entry is the only way back after a hard delete, so nothing
	// is removed until it is written. Trash locations are found again with
	// FindInTrash on restore.
	if err := v.audit.LogDelete(ctx, actor, snap, reason); err != nil {
		return fmt.Errorf("audit delete of %s: %w", rec.ID, err)
	}

	// children go first so a failure leaves the owner in place
	for _, c := range children {
		if _, err := v.canon.Delete(ctx, c.Location, !hard); err != nil {
			return fmt.Errorf("delete document %s: %w", c.Record.ID, err)
		}
	}
	if _, err := v.canon.Delete(ctx, doc.Location, !hard); err != nil {
		return err
	}

	for _, c := range children {
		if err := v.unmirror(ctx, c.Record.ID); err != nil {
			return err
		}
	}
	if err := v.unmirror(ctx, rec.ID); err != nil {
		return err
	}
	v.logger.Info("Deleted record",
		zap.String("id", rec.ID),
		zap.String("type", string(rec.Type)),
		zap.Bool("hard", hard),
		zap.Int("children", len(children)))
	return nil
}

// unmirror drops id from the derived stores.
func (v *Vault) unmirror(ctx context.Context, id string) error {
	if err := v.index.Delete(ctx, id); err != nil {
		return fmt.Errorf("unindex %s: %w", id, err)
	}
	if err := v.cache.DeleteNode(ctx, id); err != nil {
		v.logger.Warn("Graph cache still holds a deleted node",
			zap.String("id", id),
			zap.Error(err))
	}
	return nil
}

// inbound returns the ids of records whose relationships or link markers
// point at id.
func (v *Vault) inbound(ctx context.Context, id string) ([]string, error) {
	seen := make(map[string]bool)
	rels, err := v.index.RelationshipsFor(ctx, id, store.DirIn)
	if err != nil {
		return nil, err
	}
	for _, r := range rels {
		seen[r.SourceID] = true
	}
	refs, err := v.cache.GetRelationships(ctx, id, graphcache.Incoming, graphcache.KindReferences)
	if err != nil {
		v.logger.Warn("Could not read incoming references", zap.String("id", id), zap.Error(err))
	}
	for _, e := range refs {
		seen[e.Source] = true
	}
	delete(seen, id)
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

// =============================================================================
// Restore and undo
// =============================================================================

// RestoreEntity brings back a deleted record and the documents deleted
// with it, and re-derives the relationships other records hold towards it.
func (v *Vault) RestoreEntity(ctx context.Context, id string, actor model.Actor) (*model.Record, error) {
	unlock := v.locks.Lock(id)
	defer unlock()

	if err := v.mustBeDeleted(id); err != nil {
		return nil, err
	}
	snap, err := v.deletedSnapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	rec, err := v.restoreLocked(ctx, id, snap)
	if err != nil {
		return nil, err
	}
	v.logAudit(v.audit.LogRestore(ctx, actor, rec, "restored"), model.AuditRestore, id)
	return rec, nil
}

// Undo reverses the most recent undoable change of id: a delete is
// restored, an update or correction is rolled back to the previous state.
func (v *Vault) Undo(ctx context.Context, id string, actor model.Actor) (*model.Record, error) {
	st, err := v.audit.LastState(ctx, id)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, &model.ValidationError{Field: "id", Reason: "nothing to undo for " + id}
	}

	unlock := v.locks.Lock(id)
	defer unlock()

	var rec *model.Record
	switch {
	case st.Snapshot != nil:
		if err := v.mustBeDeleted(id); err != nil {
			return nil, err
		}
		rec, err = v.restoreLocked(ctx, id, st.Snapshot)
		if err != nil {
			return nil, err
		}
	case st.Record != nil:
		if err := v.mustExist(id); err != nil {
			return nil, err
		}
		written, err := v.canon.Write(ctx, st.Record.Clone())
		if err != nil {
			return nil, err
		}
		if err := v.mirror(ctx, written, false); err != nil {
			return nil, fmt.Errorf("index %s: %w", id, err)
		}
		rec = written.Record
	}
	v.logAudit(v.audit.LogRestore(ctx, actor, rec, "undo "+string(st.Entry.Action)), model.AuditRestore, id)
	return rec, nil
}

func (v *Vault) mustBeDeleted(id string) error {
	_, exists, err := v.canon.LocationOf(id)
	if err != nil {
		return err
	}
	if exists {
		return &model.ValidationError{Field: "id", Reason: id + " is not deleted"}
	}
	return nil
}

// deletedSnapshot returns the snapshot of the newest delete of id, or nil.
func (v *Vault) deletedSnapshot(ctx context.Context, id string) (*model.Snapshot, error) {
	history, err := v.audit.History(ctx, id, 0)
	if err != nil {
		return nil, err
	}
	for _, e := range history {
		if e.Action != model.AuditDelete || len(e.Old) == 0 {
			continue
		}
		var snap model.Snapshot
		if err := json.Unmarshal(e.Old, &snap); err != nil {
			return nil, fmt.Errorf("decode snapshot of %s: %w", id, err)
		}
		return &snap, nil
	}
	return nil, nil
}

// restoreLocked restores id and, when snap is known, its documents and
// inbound relationships. The caller holds id's lock.
func (v *Vault) restoreLocked(ctx context.Context, id string, snap *model.Snapshot) (*model.Record, error) {
	var fallback *model.Record
	if snap != nil {
		fallback = snap.Record
	}
	doc, err := v.restoreFile(ctx, id, fallback)
	if err != nil {
		return nil, err
	}
	if err := v.mirror(ctx, doc, false); err != nil {
		return nil, fmt.Errorf("index %s: %w", id, err)
	}
	if snap == nil {
		return doc.Record, nil
	}

	for _, child := range snap.Children {
		cdoc, err := v.restoreFile(ctx, child.ID, child)
		if err != nil {
			v.logger.Warn("Could not restore owned document",
				zap.String("owner", id),
				zap.String("id", child.ID),
				zap.Error(err))
			continue
		}
		if err := v.mirror(ctx, cdoc, false); err != nil {
			return nil, fmt.Errorf("index %s: %w", child.ID, err)
		}
	}
	for _, src := range snap.Inbound {
		sdoc, err := v.canon.ReadByID(ctx, src)
		if err != nil {
			return nil, err
		}
		if sdoc == nil {
			continue
		}
		if err := v.index.IndexRecord(ctx, sdoc.Record, string(sdoc.Location), sdoc.Checksum); err != nil {
			return nil, fmt.Errorf("index %s: %w", src, err)
		}
		v.syncCache(ctx, sdoc.Record)
	}
	return doc.Record, nil
}

// restoreFile moves the newest trash copy of id back. After a hard delete,
// or once the trash was purged, the file is rewritten from the snapshot
// record.
func (v *Vault) restoreFile(ctx context.Context, id string, fallback *model.Record) (*canon.Document, error) {
	entry, err := v.canon.FindInTrash(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		return v.canon.Restore(ctx, entry.Location)
	}
	if fallback != nil {
		return v.canon.Write(ctx, fallback.Clone())
	}
	return nil, model.NotFound("deleted record", id)
}

// =============================================================================
// Merge
// =============================================================================

// MergeEntities folds mergeID into keepID: names become aliases, tags and
// relationships move over, owned documents are re-parented, relationships
// pointing at the merged entity are re-targeted, and the merged entity is
// soft-deleted.
func (v *Vault) MergeEntities(ctx context.Context, keepID, mergeID string, actor model.Actor, reason string) (*model.Record, error) {
	if keepID == mergeID {
		return nil, &model.ValidationError{Field: "id", Reason: "cannot merge an entity into itself"}
	}
	pointing, err := v.index.RelationshipsFor(ctx, mergeID, store.DirIn)
	if err != nil {
		return nil, err
	}
	children, err := v.index.ChildDocuments(ctx, mergeID)
	if err != nil {
		return nil, err
	}
	ids := []string{keepID, mergeID}
	for _, r := range pointing {
		ids = append(ids, r.SourceID)
	}
	for _, c := range children {
		ids = append(ids, c.ID)
	}
	unlock := v.locks.Lock(ids...)
	defer unlock()

	keepDoc, err := v.read(ctx, "entity", keepID)
	if err != nil {
		return nil, err
	}
	mergeDoc, err := v.read(ctx, "entity", mergeID)
	if err != nil {
		return nil, err
	}
	keep, merged := keepDoc.Record, mergeDoc.Record
	if keep.Type != merged.Type || !keep.Type.IsEntity() {
		return nil, &model.ValidationError{Field: "type", Reason: "only entities of the same type can be merged"}
	}

	// relationships keep their ids, so they leave the merged header before
	// they enter the kept one
	original := merged.Clone()
	if len(merged.Relationships) > 0 {
		merged.Relationships = nil
		if _, err := v.commit(ctx, original, merged, actor, model.AuditUpdate, "relationships moved to "+keep.Name); err != nil {
			return nil, err
		}
	}
	before := keep.Clone()
	mergeInto(keep, original)
	kept, err := v.commit(ctx, before, keep, actor, model.AuditUpdate, "merged "+original.Name)
	if err != nil {
		return nil, err
	}

	for _, src := range uniqueSources(pointing, keepID, mergeID) {
		if err := v.retarget(ctx, src, mergeID, keepID, actor); err != nil {
			return nil, err
		}
	}
	for _, c := range children {
		if err := v.reparent(ctx, c.ID, mergeID, keepID, actor); err != nil {
			return nil, err
		}
	}

	mergeDoc, err = v.read(ctx, "entity", mergeID)
	if err != nil {
		return nil, err
	}
	if err := v.deleteLocked(ctx, mergeDoc, false, actor, "merged into "+kept.Name); err != nil {
		return nil, err
	}
	v.logAudit(v.audit.LogMerge(ctx, actor, kept, original, reason), model.AuditMerge, keepID)
	return kept, nil
}

// mergeInto copies names, tags and outgoing relationships of merged onto
// keep, skipping edges that would point at keep itself or duplicate one it
// already has.
func mergeInto(keep, merged *model.Record) {
	names := make(map[string]bool)
	names[resolver.Normalize(keep.Name)] = true
	for _, a := range keep.Aliases {
		names[resolver.Normalize(a)] = true
	}
	for _, a := range append([]string{merged.Name}, merged.Aliases...) {
		if n := resolver.Normalize(a); n != "" && !names[n] {
			names[n] = true
			keep.Aliases = append(keep.Aliases, a)
		}
	}
	for _, t := range merged.Tags {
		if !keep.HasTag(t) {
			keep.Tags = append(keep.Tags, model.NormalizeTag(t))
		}
	}
	for _, r := range merged.Relationships {
		if r.TargetID == keep.ID || hasEdge(keep, r.TargetID, r.Type) {
			continue
		}
		r.SourceID = keep.ID
		keep.Relationships = append(keep.Relationships, r)
	}
	if merged.Body != "" {
		if keep.Body == "" {
			keep.Body = merged.Body
		} else {
			keep.Body += "\n\n" + merged.Body
		}
	}
}

func hasEdge(rec *model.Record, target, relType string) bool {
	for _, r := range rec.Relationships {
		if r.TargetID == target && r.Type == relType {
			return true
		}
	}
	return false
}

func uniqueSources(rels []model.Relationship, skip ...string) []string {
	seen := make(map[string]bool)
	for _, s := range skip {
		seen[s] = true
	}
	var out []string
	for _, r := range rels {
		if !seen[r.SourceID] {
			seen[r.SourceID] = true
			out = append(out, r.SourceID)
		}
	}
	return out
}

// retarget points src's relationships at to instead of from. The caller
// holds src's lock.
func (v *Vault) retarget(ctx context.Context, src, from, to string, actor model.Actor) error {
	doc, err := v.read(ctx, "record", src)
	if err != nil {
		return err
	}
	before := doc.Record.Clone()
	rels := make([]model.Relationship, 0, len(doc.Record.Relationships))
	for _, r := range doc.Record.Relationships {
		if r.TargetID == from {
			if hasEdgeIn(rels, to, r.Type) || hasEdge(before, to, r.Type) {
				continue
			}
			r.TargetID = to
		}
		rels = append(rels, r)
	}
	doc.Record.Relationships = rels
	_, err = v.commit(ctx, before, doc.Record, actor, model.AuditUpdate, "relationship re-targeted after merge")
	return err
}

func hasEdgeIn(rels []model.Relationship, target, relType string) bool {
	for _, r := range rels {
		if r.TargetID == target && r.Type == relType {
			return true
		}
	}
	return false
}

// reparent moves a document from one owner to another. The caller holds
// the document's lock.
func (v *Vault) reparent(ctx context.Context, id, from, to string, actor model.Actor) error {
	doc, err := v.read(ctx, "document", id)
	if err != nil {
		return err
	}
	d := doc.Record.Document()
	if d == nil || d.ParentEntityID != from {
		return nil
	}
	before := doc.Record.Clone()
	d.ParentEntityID = to
	_, err = v.commit(ctx, before, doc.Record, actor, model.AuditUpdate, "re-parented after merge")
	return err
}
