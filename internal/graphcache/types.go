// Package graphcache is the graph/vector cache: a Badger-backed property
// graph of entity, document and tag nodes with typed edges, an HNSW vector
// index over node embeddings and a BM25F full-text index used when vector
// search is unavailable. Everything here is derived and can be rebuilt
// from canonical records.
package graphcache

import (
	"errors"

	"github.com/kittclouds/kittvault/internal/model"
)

// Base labels.
const (
	LabelEntity   = "Entity"
	LabelDocument = "Document"
	LabelTag      = "Tag"
)

// Edge kinds.
const (
	KindRelatesTo  = "RELATES_TO"
	KindTaggedWith = "TAGGED_WITH"
	KindBelongsTo  = "BELONGS_TO"
	KindReferences = "REFERENCES"
)

// Index names reported by Stats.
const (
	VectorIndexName   = "node_embedding"
	FulltextIndexName = "node_fulltext"
)

// tagNodePrefix namespaces tag node ids so they cannot collide with
// record ids.
const tagNodePrefix = "tag:"

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("graph cache is closed")
	// ErrVectorUnavailable is returned by VectorSearch when no embeddings
	// are stored or the query cannot be compared.
	ErrVectorUnavailable = errors.New("vector search unavailable")
)

// Direction selects edges relative to a node.
type Direction string

const (
	Outgoing Direction = "out"
	Incoming Direction = "in"
	Both     Direction = "both"
)

// Node is a cached entity, document or tag.
type Node struct {
	ID         string           `json:"id"`
	Labels     []string         `json:"labels"`
	Type       model.EntityType `json:"type,omitempty"`
	Name       string           `json:"name"`
	Body       string           `json:"body,omitempty"`
	Tags       []string         `json:"tags,omitempty"`
	Aliases    []string         `json:"aliases,omitempty"`
	Properties map[string]any   `json:"properties,omitempty"`
	CreatedAt  int64            `json:"createdAt"`
	UpdatedAt  int64            `json:"updatedAt"`
}

// HasLabel reports whether n carries label.
func (n *Node) HasLabel(label string) bool {
	for _, l := range n.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Edge is a directed typed edge. For RELATES_TO edges Type holds the
// relationship type and ID equals the canonical relationship id.
type Edge struct {
	ID         string         `json:"id"`
	Source     string         `json:"source"`
	Target     string         `json:"target"`
	Kind       string         `json:"kind"`
	Type       string         `json:"type,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	CreatedAt  int64          `json:"createdAt"`
}

// Hit is a search result from either the vector or the full-text path.
type Hit struct {
	Node  *Node   `json:"node"`
	Score float64 `json:"score"`
}

// Stats summarizes the cache.
type Stats struct {
	Nodes         int            `json:"nodes"`
	Edges         int            `json:"edges"`
	EdgesByKind   map[string]int `json:"edgesByKind"`
	Vectors       int            `json:"vectors"`
	VectorIndex   string         `json:"vectorIndex"`
	Dimension     int            `json:"dimension"`
	FulltextDocs  int            `json:"fulltextDocs"`
	FulltextIndex string         `json:"fulltextIndex"`
}

// TagNodeID is the node id of a tag.
func TagNodeID(tag string) string {
	return tagNodePrefix + tag
}

// NodeFromRecord projects a canonical record onto a cache node. Folders and
// tag records have no node of their own.
func NodeFromRecord(rec *model.Record) *Node {
	if rec == nil || rec.Type == model.TypeFolder || rec.Type == model.TypeTag {
		return nil
	}
	base := LabelEntity
	if rec.Type == model.TypeDocument {
		base = LabelDocument
	}
	labels := []string{base}
	if l := rec.Type.Label(); l != base {
		labels = append(labels, l)
	}
	props := map[string]any{
		"provenance": string(rec.Provenance),
	}
	if rec.NeedsReview {
		props["needsReview"] = true
	}
	if d := rec.Document(); d != nil && d.DocType != "" {
		props["docType"] = d.DocType
	}
	if c := rec.ContextText(); c != "" {
		props["context"] = c
	}
	return &Node{
		ID:         rec.ID,
		Labels:     labels,
		Type:       rec.Type,
		Name:       rec.Name,
		Body:       rec.Body,
		Tags:       append([]string(nil), rec.Tags...),
		Aliases:    append([]string(nil), rec.Aliases...),
		Properties: props,
		CreatedAt:  rec.CreatedAt.UnixMilli(),
		UpdatedAt:  rec.UpdatedAt.UnixMilli(),
	}
}

// EdgeFromRelationship projects a canonical relationship onto a RELATES_TO
// edge.
func EdgeFromRelationship(rel model.Relationship) *Edge {
	props := map[string]any{
		"category": string(rel.Category),
	}
	if rel.Strength != 0 {
		props["strength"] = rel.Strength
	}
	if rel.Sentiment != 0 {
		props["sentiment"] = rel.Sentiment
	}
	if rel.Confidence != 0 {
		props["confidence"] = rel.Confidence
	}
	if rel.Provenance != "" {
		props["provenance"] = string(rel.Provenance)
	}
	if rel.Start != "" {
		props["start"] = rel.Start
	}
	if rel.End != "" {
		props["end"] = rel.End
	}
	return &Edge{
		ID:         rel.ID,
		Source:     rel.SourceID,
		Target:     rel.TargetID,
		Kind:       KindRelatesTo,
		Type:       rel.Type,
		Properties: props,
		CreatedAt:  rel.CreatedAt.UnixMilli(),
	}
}
