package vault

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kittclouds/kittvault/internal/model"
)

// CreateRelationship adds rel to its source record. It always adds: several
// relationships of one type may join the same pair.
func (v *Vault) CreateRelationship(ctx context.Context, rel model.Relationship, actor model.Actor) (*model.Relationship, error) {
	rel = prepareRelationship(rel, actor)
	if err := rel.Validate(); err != nil {
		return nil, err
	}
	unlock := v.locks.Lock(rel.SourceID)
	defer unlock()
	return v.addRelationship(ctx, rel, actor)
}

// Link adds rel unless a relationship with the same source, target and
// type already exists, in which case that one is returned and created is
// false.
func (v *Vault) Link(ctx context.Context, rel model.Relationship, actor model.Actor) (*model.Relationship, bool, error) {
	rel = prepareRelationship(rel, actor)
	if err := rel.Validate(); err != nil {
		return nil, false, err
	}
	unlock := v.locks.Lock(rel.SourceID)
	defer unlock()

	doc, err := v.read(ctx, "record", rel.SourceID)
	if err != nil {
		return nil, false, err
	}
	for _, r := range doc.Record.Relationships {
		if r.TargetID == rel.TargetID && r.Type == rel.Type {
			existing := r
			return &existing, false, nil
		}
	}
	created, err := v.addRelationship(ctx, rel, actor)
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

func prepareRelationship(rel model.Relationship, actor model.Actor) model.Relationship {
	rel.Type = model.NormalizeRelType(rel.Type)
	if rel.ID == "" {
		rel.ID = uuid.NewString()
	}
	if rel.Category == "" {
		rel.Category = model.CategoryFor(rel.Type)
	}
	if rel.Provenance == "" {
		rel.Provenance = actor.Provenance()
	}
	if rel.CreatedAt.IsZero() {
		rel.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}
	return rel
}

// addRelationship appends rel to the source header. The caller holds the
// source's lock.
func (v *Vault) addRelationship(ctx context.Context, rel model.Relationship, actor model.Actor) (*model.Relationship, error) {
	if err := v.mustExist(rel.TargetID); err != nil {
		return nil, err
	}
	doc, err := v.read(ctx, "record", rel.SourceID)
	if err != nil {
		return nil, err
	}
	if !doc.Record.Type.IsEntity() {
		return nil, &model.ValidationError{Field: "relationship.source", Reason: "relationships start at an entity or document"}
	}
	if r, _ := doc.Record.Relationship(rel.ID); r != nil {
		return nil, &model.ValidationError{Field: "relationship.id", Reason: rel.ID + " already exists"}
	}

	before := doc.Record.Clone()
	doc.Record.Relationships = append(doc.Record.Relationships, rel)
	written, err := v.canon.Write(ctx, doc.Record)
	if err != nil {
		return nil, err
	}
	if err := v.index.IndexRecord(ctx, written.Record, string(written.Location), written.Checksum); err != nil {
		return nil, fmt.Errorf("index %s: %w", rel.SourceID, err)
	}
	if _, err := v.cache.CreateRelationship(ctx, rel); err != nil {
		v.logger.Warn("Graph cache is missing a relationship",
			zap.String("relationship_id", rel.ID),
			zap.Error(err))
	}
	v.logAudit(v.audit.LogUpdate(ctx, actor, model.AuditUpdate, before, written.Record,
		fmt.Sprintf("relationship %s added", rel.Type)), model.AuditUpdate, rel.SourceID)
	return &rel, nil
}

// RemoveRelationship deletes a relationship from its source record.
func (v *Vault) RemoveRelationship(ctx context.Context, relID string, actor model.Actor) error {
	owner, err := v.index.RelationshipOwner(ctx, relID)
	if err != nil {
		return err
	}
	if owner == "" {
		return model.NotFound("relationship", relID)
	}
	unlock := v.locks.Lock(owner)
	defer unlock()

	doc, err := v.read(ctx, "record", owner)
	if err != nil {
		return err
	}
	r, i := doc.Record.Relationship(relID)
	if r == nil {
		return model.NotFound("relationship", relID)
	}
	relType := r.Type

	before := doc.Record.Clone()
	rels := doc.Record.Relationships
	doc.Record.Relationships = append(rels[:i:i], rels[i+1:]...)
	written, err := v.canon.Write(ctx, doc.Record)
	if err != nil {
		return err
	}
	if err := v.index.IndexRecord(ctx, written.Record, string(written.Location), written.Checksum); err != nil {
		return fmt.Errorf("index %s: %w", owner, err)
	}
	if _, err := v.cache.DeleteRelationship(ctx, relID); err != nil {
		v.logger.Warn("Graph cache still holds a removed relationship",
			zap.String("relationship_id", relID),
			zap.Error(err))
	}
	v.logAudit(v.audit.LogUpdate(ctx, actor, model.AuditUpdate, before, written.Record,
		fmt.Sprintf("relationship %s removed", relType)), model.AuditUpdate, owner)
	return nil
}
