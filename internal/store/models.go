// Package store is the relational index: an embedded SQLite database
// holding a queryable registry of every canonical record, a full-text
// index, folders, tags, aliases, identity claims and the audit log.
// Everything except the audit log is derived from the canonical store and
// can be rebuilt from it.
package store

import (
	"github.com/kittclouds/kittvault/internal/model"
	"github.com/kittclouds/kittvault/pkg/resolver"
)

// Row is the registry entry for one entity or document.
type Row struct {
	ID                   string           `json:"id"`
	Location             string           `json:"location"`
	Type                 model.EntityType `json:"type"`
	Name                 string           `json:"name"`
	NormName             string           `json:"normName"`
	Context              string           `json:"context,omitempty"`
	Checksum             string           `json:"checksum"`
	Provenance           model.Provenance `json:"provenance"`
	NeedsReview          bool             `json:"needsReview"`
	ReviewReason         string           `json:"reviewReason,omitempty"`
	FolderID             string           `json:"folderId,omitempty"`
	ParentEntityID       string           `json:"parentEntityId,omitempty"`
	ParentRelationshipID string           `json:"parentRelationshipId,omitempty"`
	DocumentType         string           `json:"documentType,omitempty"`
	Locked               bool             `json:"locked"`
	CreatedAt            int64            `json:"createdAt"`
	UpdatedAt            int64            `json:"updatedAt"`
}

// Folder is a node of the per-owner folder tree.
type Folder struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ParentID      string `json:"parentId,omitempty"`
	OwnerEntityID string `json:"ownerEntityId,omitempty"`
	Location      string `json:"location,omitempty"`
	CreatedAt     int64  `json:"createdAt"`
	UpdatedAt     int64  `json:"updatedAt"`
}

// Tag is a tag name with optional metadata and its usage count.
type Tag struct {
	Name        string `json:"name"`
	ID          string `json:"id,omitempty"`
	Color       string `json:"color,omitempty"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	Count       int    `json:"count"`
}

// SearchHit is a full-text match.
type SearchHit struct {
	Row     *Row    `json:"row"`
	Rank    float64 `json:"rank"`
	Snippet string  `json:"snippet,omitempty"`
}

// Direction selects edges relative to a node.
type Direction string

const (
	DirOut  Direction = "out"
	DirIn   Direction = "in"
	DirBoth Direction = "both"
)

// Stats summarizes index contents.
type Stats struct {
	Documents     int    `json:"documents"`
	Folders       int    `json:"folders"`
	Tags          int    `json:"tags"`
	Relationships int    `json:"relationships"`
	AuditEntries  int    `json:"auditEntries"`
	VecVersion    string `json:"vecVersion,omitempty"`
}

// rowFromRecord flattens a canonical record into a registry row.
func rowFromRecord(rec *model.Record, loc, checksum string) *Row {
	r := &Row{
		ID:           rec.ID,
		Location:     loc,
		Type:         rec.Type,
		Name:         rec.Name,
		NormName:     resolver.Normalize(rec.Name),
		Context:      rec.ContextText(),
		Checksum:     checksum,
		Provenance:   rec.Provenance,
		NeedsReview:  rec.NeedsReview,
		ReviewReason: rec.ReviewReason,
		CreatedAt:    rec.CreatedAt.UnixMilli(),
		UpdatedAt:    rec.UpdatedAt.UnixMilli(),
	}
	if d := rec.Document(); d != nil {
		r.FolderID = d.FolderID
		r.ParentEntityID = d.ParentEntityID
		r.ParentRelationshipID = d.ParentRelationshipID
		r.DocumentType = d.DocType
		r.Locked = d.Locked
	}
	return r
}

func folderFromRecord(rec *model.Record, loc string) *Folder {
	f := &Folder{
		ID:        rec.ID,
		Name:      rec.Name,
		Location:  loc,
		CreatedAt: rec.CreatedAt.UnixMilli(),
		UpdatedAt: rec.UpdatedAt.UnixMilli(),
	}
	if d := rec.Folder(); d != nil {
		f.ParentID = d.ParentID
		f.OwnerEntityID = d.OwnerEntityID
	}
	return f
}

func tagFromRecord(rec *model.Record, loc string) *Tag {
	t := &Tag{Name: NormalizeTag(rec.Name), ID: rec.ID, Location: loc}
	if d := rec.Tag(); d != nil {
		t.Color = d.Color
		t.Description = d.Description
	}
	return t
}

// NormalizeTag lowercases a tag and strips a leading '#'.
func NormalizeTag(tag string) string {
	return model.NormalizeTag(tag)
}

// claimable reports whether records of type t participate in the
// duplicate-create guard.
func claimable(t model.EntityType) bool {
	return t.IsEntity() && t != model.TypeDocument
}
