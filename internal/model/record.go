// Package model holds the domain records shared by every kittvault store.
//
// A Record is the unit persisted in the canonical store: a common base
// (identity, timestamps, provenance, review flags, tags, aliases) plus a
// closed set of per-type details. Everything derived (the relational index,
// the graph cache) is computed from Records.
package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// EntityType names the kind of a Record.
type EntityType string

const (
	TypePerson   EntityType = "person"
	TypeProject  EntityType = "project"
	TypeGoal     EntityType = "goal"
	TypeEvent    EntityType = "event"
	TypePeriod   EntityType = "period"
	TypeDocument EntityType = "document"
	TypeFolder   EntityType = "folder"
	TypeTag      EntityType = "tag"
)

var typeDirs = map[EntityType]string{
	TypePerson:   "people",
	TypeProject:  "projects",
	TypeGoal:     "goals",
	TypeEvent:    "events",
	TypePeriod:   "periods",
	TypeDocument: "documents",
	TypeFolder:   "folders",
	TypeTag:      "tags",
}

// EntityTypes lists the types the resolver and proposal engine work with.
func EntityTypes() []EntityType {
	return []EntityType{TypePerson, TypeProject, TypeGoal, TypeEvent, TypePeriod, TypeDocument}
}

// AllTypes lists every type the canonical store persists.
func AllTypes() []EntityType {
	return append(EntityTypes(), TypeFolder, TypeTag)
}

// ParseEntityType returns the type named by s and whether it is known.
func ParseEntityType(s string) (EntityType, bool) {
	t := EntityType(strings.ToLower(strings.TrimSpace(s)))
	_, ok := typeDirs[t]
	return t, ok
}

// Valid reports whether t is a known type.
func (t EntityType) Valid() bool {
	_, ok := typeDirs[t]
	return ok
}

// IsEntity reports whether t is resolvable by name (not a folder or tag).
func (t EntityType) IsEntity() bool {
	return t.Valid() && t != TypeFolder && t != TypeTag
}

// Dir is the canonical store directory for records of this type.
func (t EntityType) Dir() string {
	return typeDirs[t]
}

// Label is the graph label for this type ("Person", "Project", ...).
func (t EntityType) Label() string {
	if t == "" {
		return ""
	}
	s := string(t)
	return strings.ToUpper(s[:1]) + s[1:]
}

// TypeForDir maps a canonical store directory back to its type.
func TypeForDir(dir string) (EntityType, bool) {
	for t, d := range typeDirs {
		if d == dir {
			return t, true
		}
	}
	return "", false
}

// Provenance records who originated a record or relationship.
type Provenance string

const (
	ProvenanceUser   Provenance = "user"
	ProvenanceAgent  Provenance = "agent"
	ProvenanceImport Provenance = "import"
)

// Actor identifies the caller performing a write.
type Actor string

const (
	ActorUser   Actor = "user"
	ActorAgent  Actor = "agent"
	ActorSystem Actor = "system"
)

// Provenance maps an actor onto the provenance stamped on new records.
func (a Actor) Provenance() Provenance {
	switch a {
	case ActorAgent:
		return ProvenanceAgent
	case ActorSystem:
		return ProvenanceImport
	default:
		return ProvenanceUser
	}
}

// Record is a canonical entity, document, folder or tag.
type Record struct {
	ID            string         `json:"id"`
	Type          EntityType     `json:"type"`
	Name          string         `json:"name"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
	Provenance    Provenance     `json:"provenance"`
	NeedsReview   bool           `json:"needsReview,omitempty"`
	ReviewReason  string         `json:"reviewReason,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	Aliases       []string       `json:"aliases,omitempty"`
	Custom        map[string]any `json:"custom,omitempty"`
	Relationships []Relationship `json:"relationships,omitempty"`
	Body          string         `json:"body,omitempty"`
	Details       Details        `json:"details,omitempty"`
}

// NewRecord returns a record with a fresh identifier and default details.
func NewRecord(t EntityType, name string, prov Provenance) *Record {
	now := time.Now().UTC().Truncate(time.Second)
	return &Record{
		ID:         uuid.NewString(),
		Type:       t,
		Name:       strings.TrimSpace(name),
		CreatedAt:  now,
		UpdatedAt:  now,
		Provenance: prov,
		Details:    DefaultDetails(t),
	}
}

// Clone returns a deep-enough copy for snapshotting before a mutation.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Tags = append([]string(nil), r.Tags...)
	c.Aliases = append([]string(nil), r.Aliases...)
	c.Relationships = append([]Relationship(nil), r.Relationships...)
	if r.Custom != nil {
		c.Custom = make(map[string]any, len(r.Custom))
		for k, v := range r.Custom {
			c.Custom[k] = v
		}
	}
	c.Details = cloneDetails(r.Details)
	return &c
}

// Document returns the document details, or nil for non-documents.
func (r *Record) Document() *DocumentDetails {
	d, _ := r.Details.(*DocumentDetails)
	return d
}

// Folder returns the folder details, or nil for non-folders.
func (r *Record) Folder() *FolderDetails {
	d, _ := r.Details.(*FolderDetails)
	return d
}

// Person returns the person details, or nil for non-people.
func (r *Record) Person() *PersonDetails {
	d, _ := r.Details.(*PersonDetails)
	return d
}

// Tag returns the tag details, or nil for non-tags.
func (r *Record) Tag() *TagDetails {
	d, _ := r.Details.(*TagDetails)
	return d
}

// ContextText is the disambiguating context used by the resolver.
func (r *Record) ContextText() string {
	if p := r.Person(); p != nil {
		return p.Context
	}
	return ""
}

// NormalizeTag lowercases a tag and strips a leading '#'.
func NormalizeTag(tag string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(tag), "#"))
}

// HasTag reports whether the record carries tag (case-insensitive).
func (r *Record) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if NormalizeTag(t) == NormalizeTag(tag) {
			return true
		}
	}
	return false
}

// Relationship returns the outgoing relationship with the given id.
func (r *Record) Relationship(id string) (*Relationship, int) {
	for i := range r.Relationships {
		if r.Relationships[i].ID == id {
			return &r.Relationships[i], i
		}
	}
	return nil, -1
}

// Flag marks the record for human review.
func (r *Record) Flag(reason string) {
	r.NeedsReview = true
	r.ReviewReason = reason
}

// ClearFlag removes the review marker.
func (r *Record) ClearFlag() {
	r.NeedsReview = false
	r.ReviewReason = ""
}

// Validate checks base and per-type invariants.
func (r *Record) Validate() error {
	if r.ID == "" {
		return &ValidationError{Field: "id", Reason: "must not be empty"}
	}
	if !r.Type.Valid() {
		return &ValidationError{Field: "type", Reason: "unknown type " + string(r.Type)}
	}
	if strings.TrimSpace(r.Name) == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if r.Details != nil {
		if r.Details.Kind() != r.Type {
			return &ValidationError{Field: "details", Reason: "details do not match type " + string(r.Type)}
		}
		if err := r.Details.validate(); err != nil {
			return err
		}
	}
	for _, rel := range r.Relationships {
		if err := rel.Validate(); err != nil {
			return err
		}
	}
	return nil
}
