package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kittclouds/kittvault/internal/canon"
	"github.com/kittclouds/kittvault/internal/model"
	"github.com/kittclouds/kittvault/internal/store"
	"github.com/kittclouds/kittvault/pkg/resolver"
)

// errUnchanged lets an update function report that nothing needs writing.
var errUnchanged = errors.New("unchanged")

// =============================================================================
// Create
// =============================================================================

// CreateEntity persists a new entity. When another record already holds
// the same identity (type, name, context) the canonical file is removed
// again and *store.ConflictError names the existing record.
func (v *Vault) CreateEntity(ctx context.Context, rec *model.Record, actor model.Actor) (*model.Record, error) {
	if rec == nil {
		return nil, &model.ValidationError{Field: "record", Reason: "must not be nil"}
	}
	if !rec.Type.IsEntity() {
		return nil, &model.ValidationError{Field: "type", Reason: fmt.Sprintf("%q is not an entity type", rec.Type)}
	}
	return v.create(ctx, rec, actor)
}

// CreateDocument persists a new document after checking that its owner
// and folder exist.
func (v *Vault) CreateDocument(ctx context.Context, rec *model.Record, actor model.Actor) (*model.Record, error) {
	if rec == nil || rec.Type != model.TypeDocument {
		return nil, &model.ValidationError{Field: "type", Reason: "expected a document"}
	}
	d := rec.Document()
	if d.ParentEntityID != "" && d.ParentRelationshipID != "" {
		return nil, &model.ValidationError{Field: "parent", Reason: "a document is owned by an entity or a relationship, not both"}
	}
	if d.ParentEntityID != "" {
		if err := v.mustExist(d.ParentEntityID); err != nil {
			return nil, err
		}
	}
	if d.ParentRelationshipID != "" {
		owner, err := v.index.RelationshipOwner(ctx, d.ParentRelationshipID)
		if err != nil {
			return nil, err
		}
		if owner == "" {
			return nil, model.NotFound("relationship", d.ParentRelationshipID)
		}
	}
	if d.FolderID != "" {
		f, err := v.index.GetFolder(ctx, d.FolderID)
		if err != nil {
			return nil, err
		}
		if f == nil {
			return nil, model.NotFound("folder", d.FolderID)
		}
	}
	return v.create(ctx, rec, actor)
}

func (v *Vault) create(ctx context.Context, rec *model.Record, actor model.Actor) (*model.Record, error) {
	if rec.Provenance == "" {
		rec.Provenance = actor.Provenance()
	}
	unlock := v.locks.Lock(rec.ID)
	defer unlock()

	if _, exists, err := v.canon.LocationOf(rec.ID); err != nil {
		return nil, err
	} else if exists {
		return nil, &model.ValidationError{Field: "id", Reason: rec.ID + " already exists"}
	}

	doc, err := v.canon.Write(ctx, rec)
	if err != nil {
		return nil, err
	}
	if err := v.mirror(ctx, doc, true); err != nil {
		var conflict *store.ConflictError
		if errors.As(err, &conflict) {
			if _, derr := v.canon.Delete(ctx, doc.Location, false); derr != nil {
				v.logger.Error("Failed to remove conflicting canonical file",
					zap.String("location", string(doc.Location)),
					zap.Error(derr))
			}
			return nil, err
		}
		return nil, fmt.Errorf("index %s: %w", rec.ID, err)
	}
	v.logAudit(v.audit.LogCreate(ctx, actor, rec, ""), model.AuditCreate, rec.ID)
	v.logger.Debug("Created record",
		zap.String("id", rec.ID),
		zap.String("type", string(rec.Type)),
		zap.String("actor", string(actor)))
	return rec, nil
}

func (v *Vault) mustExist(id string) error {
	_, ok, err := v.canon.LocationOf(id)
	if err != nil {
		return err
	}
	if !ok {
		return model.NotFound("record", id)
	}
	return nil
}

// =============================================================================
// Update
// =============================================================================

// UpdateEntity applies fn to the current record and persists the result.
// fn must not change the id or type. Body changes honour document locks.
func (v *Vault) UpdateEntity(ctx context.Context, id string, fn func(*model.Record) error, actor model.Actor, reason string) (*model.Record, error) {
	return v.update(ctx, id, fn, actor, model.AuditUpdate, reason)
}

// CorrectEntity is UpdateEntity for fixes to wrongly extracted data; the
// audit log records it as a correction.
func (v *Vault) CorrectEntity(ctx context.Context, id string, fn func(*model.Record) error, actor model.Actor, reason string) (*model.Record, error) {
	return v.update(ctx, id, fn, actor, model.AuditCorrect, reason)
}

func (v *Vault) update(ctx context.Context, id string, fn func(*model.Record) error, actor model.Actor, action model.AuditAction, reason string) (*model.Record, error) {
	unlock := v.locks.Lock(id)
	defer unlock()

	doc, err := v.read(ctx, "record", id)
	if err != nil {
		return nil, err
	}
	before := doc.Record.Clone()
	rec := doc.Record
	if err := fn(rec); errors.Is(err, errUnchanged) {
		return rec, nil
	} else if err != nil {
		return nil, err
	}
	if rec.ID != before.ID || rec.Type != before.Type {
		return nil, &model.ValidationError{Field: "id", Reason: "id and type cannot change"}
	}
	if rec.Body != before.Body {
		if err := canon.CheckLock(before, actor); err != nil {
			return nil, err
		}
	}
	return v.commit(ctx, before, rec, actor, action, reason)
}

// commit writes rec, mirrors it and logs the change. The caller holds the
// record's lock.
func (v *Vault) commit(ctx context.Context, before, rec *model.Record, actor model.Actor, action model.AuditAction, reason string) (*model.Record, error) {
	written, err := v.canon.Write(ctx, rec)
	if err != nil {
		return nil, err
	}
	if err := v.mirror(ctx, written, false); err != nil {
		return nil, fmt.Errorf("index %s: %w", rec.ID, err)
	}
	v.logAudit(v.audit.LogUpdate(ctx, actor, action, before, written.Record, reason), action, rec.ID)
	return written.Record, nil
}

// FlagReview marks a record as needing human review.
func (v *Vault) FlagReview(ctx context.Context, id, reason string, actor model.Actor) (*model.Record, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, &model.ValidationError{Field: "reason", Reason: "must not be empty"}
	}
	return v.update(ctx, id, func(rec *model.Record) error {
		if rec.NeedsReview && rec.ReviewReason == reason {
			return errUnchanged
		}
		rec.Flag(reason)
		return nil
	}, actor, model.AuditUpdate, "flagged for review")
}

// ClearReview removes the review flag.
func (v *Vault) ClearReview(ctx context.Context, id string, actor model.Actor) (*model.Record, error) {
	return v.update(ctx, id, func(rec *model.Record) error {
		if !rec.NeedsReview {
			return errUnchanged
		}
		rec.ClearFlag()
		return nil
	}, actor, model.AuditUpdate, "review cleared")
}

// AddAlias records another name for an entity; the resolver matches it
// from then on.
func (v *Vault) AddAlias(ctx context.Context, id, alias string, actor model.Actor) (*model.Record, error) {
	alias = strings.TrimSpace(alias)
	norm := resolver.Normalize(alias)
	if norm == "" {
		return nil, &model.ValidationError{Field: "alias", Reason: "must not be empty"}
	}
	return v.update(ctx, id, func(rec *model.Record) error {
		if !rec.Type.IsEntity() {
			return &model.ValidationError{Field: "id", Reason: "aliases apply to entities only"}
		}
		if resolver.Normalize(rec.Name) == norm {
			return errUnchanged
		}
		for _, a := range rec.Aliases {
			if resolver.Normalize(a) == norm {
				return errUnchanged
			}
		}
		rec.Aliases = append(rec.Aliases, alias)
		return nil
	}, actor, model.AuditUpdate, "alias added")
}

// =============================================================================
// Documents
// =============================================================================

// AppendToDocument appends content to a record's body. Locked documents
// reject user edits.
func (v *Vault) AppendToDocument(ctx context.Context, id, content string, actor model.Actor) (*model.Record, error) {
	unlock := v.locks.Lock(id)
	defer unlock()

	doc, err := v.read(ctx, "document", id)
	if err != nil {
		return nil, err
	}
	before := doc.Record.Clone()
	written, err := v.canon.AppendToDocument(ctx, id, content, actor)
	if err != nil {
		return nil, err
	}
	if written.Record.Body == before.Body {
		return written.Record, nil
	}
	if err := v.mirror(ctx, written, false); err != nil {
		return nil, fmt.Errorf("index %s: %w", id, err)
	}
	v.logAudit(v.audit.LogUpdate(ctx, actor, model.AuditUpdate, before, written.Record, "content appended"), model.AuditUpdate, id)
	return written.Record, nil
}

// OwnedDocument returns the document owned by ownerID whose name matches
// title, or nil.
func (v *Vault) OwnedDocument(ctx context.Context, ownerID, title string) (*model.Record, error) {
	rows, err := v.index.ChildDocuments(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	norm := resolver.Normalize(title)
	for _, r := range rows {
		if r.ParentEntityID != ownerID || resolver.Normalize(r.Name) != norm {
			continue
		}
		doc, err := v.canon.ReadByID(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		if doc != nil {
			return doc.Record, nil
		}
	}
	return nil, nil
}

// childDocuments reads the documents owned by rec or by one of its
// outgoing relationships.
func (v *Vault) childDocuments(ctx context.Context, rec *model.Record) ([]*canon.Document, error) {
	owners := []string{rec.ID}
	for _, r := range rec.Relationships {
		owners = append(owners, r.ID)
	}
	var out []*canon.Document
	seen := make(map[string]bool)
	for _, owner := range owners {
		rows, err := v.index.ChildDocuments(ctx, owner)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			if seen[r.ID] {
				continue
			}
			seen[r.ID] = true
			doc, err := v.canon.ReadByID(ctx, r.ID)
			if err != nil {
				return nil, err
			}
			if doc != nil {
				out = append(out, doc)
			}
		}
	}
	return out, nil
}
