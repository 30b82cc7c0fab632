package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Category splits relationships into personal ties and structural links.
type Category string

const (
	CategoryPersonal   Category = "personal"
	CategoryStructural Category = "structural"
)

var structuralTypes = map[string]bool{
	"works_at":       true,
	"works_on":       true,
	"member_of":      true,
	"part_of":        true,
	"belongs_to":     true,
	"reports_to":     true,
	"manages":        true,
	"owns":           true,
	"leads":          true,
	"contributes_to": true,
	"depends_on":     true,
	"blocks":         true,
	"attended":       true,
	"during":         true,
}

// directionalTypes are relationship types whose meaning flips when the
// endpoints are swapped.
var directionalTypes = map[string]bool{
	"mentor_of":   true,
	"mentored_by": true,
	"reports_to":  true,
	"manages":     true,
	"parent_of":   true,
	"child_of":    true,
	"works_for":   true,
	"employs":     true,
	"leads":       true,
	"owns":        true,
	"blocks":      true,
	"depends_on":  true,
	"mentor":      true,
	"mentee":      true,
	"manager":     true,
	"parent":      true,
	"child":       true,
}

// CategoryFor returns the default category for a relationship type.
func CategoryFor(relType string) Category {
	if structuralTypes[NormalizeRelType(relType)] {
		return CategoryStructural
	}
	return CategoryPersonal
}

// IsDirectional reports whether swapping the endpoints of relType changes
// its meaning.
func IsDirectional(relType string) bool {
	return directionalTypes[NormalizeRelType(relType)]
}

// NormalizeRelType lowercases and snake-cases a relationship type.
func NormalizeRelType(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Join(strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_'
	}), "_")
}

// Relationship is a typed, directed edge between two records. It is
// persisted in the header of its source record.
type Relationship struct {
	ID         string     `json:"id"`
	SourceID   string     `json:"sourceId"`
	TargetID   string     `json:"targetId"`
	Type       string     `json:"type"`
	Category   Category   `json:"category"`
	Strength   float64    `json:"strength,omitempty"`
	Sentiment  float64    `json:"sentiment,omitempty"`
	Confidence float64    `json:"confidence,omitempty"`
	Provenance Provenance `json:"provenance,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	Start      string     `json:"start,omitempty"`
	End        string     `json:"end,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// NewRelationship returns a relationship with a fresh id and default category.
func NewRelationship(sourceID, targetID, relType string, prov Provenance) Relationship {
	t := NormalizeRelType(relType)
	return Relationship{
		ID:         uuid.NewString(),
		SourceID:   sourceID,
		TargetID:   targetID,
		Type:       t,
		Category:   CategoryFor(t),
		Confidence: 1.0,
		Provenance: prov,
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}
}

// Validate checks the relationship's fields.
func (r Relationship) Validate() error {
	if r.SourceID == "" || r.TargetID == "" {
		return &ValidationError{Field: "relationship", Reason: "source and target are required"}
	}
	if r.Type == "" {
		return &ValidationError{Field: "relationship.type", Reason: "must not be empty"}
	}
	if r.Category != "" && r.Category != CategoryPersonal && r.Category != CategoryStructural {
		return &ValidationError{Field: "relationship.category", Reason: "unknown category " + string(r.Category)}
	}
	if r.Strength < 0 || r.Strength > 1 {
		return &ValidationError{Field: "relationship.strength", Reason: "must be between 0 and 1"}
	}
	if r.Sentiment < -1 || r.Sentiment > 1 {
		return &ValidationError{Field: "relationship.sentiment", Reason: "must be between -1 and 1"}
	}
	return validateRange("relationship", r.Start, r.End)
}

// Active reports whether the relationship has no end date.
func (r Relationship) Active() bool {
	return r.End == ""
}
