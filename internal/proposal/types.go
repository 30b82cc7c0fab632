// Package proposal turns the mentions, relationships and document updates
// extracted from one user turn into a reviewable ProposalSet, asks only the
// clarifications that are required, and executes approved sets against the
// stores through an injected Writer.
package proposal

import (
	"strings"

	"github.com/kittclouds/kittvault/pkg/resolver"
)

// Mention is one entity reference extracted from text. Key identifies the
// mention inside its Extraction; relationships and document updates refer
// to mentions by Key.
type Mention struct {
	Key  string `json:"key"`
	Name string `json:"name"`
	// Type is the inferred entity type as reported by the extractor. It may
	// be empty or name a type the store does not know.
	Type string `json:"type,omitempty"`
	// TypeConfidence is the extractor's confidence in Type; 0 means not
	// reported.
	TypeConfidence float64 `json:"typeConfidence,omitempty"`
	Context        string  `json:"context,omitempty"`
	// Date, Start and End carry event and period dates (YYYY-MM-DD).
	Date  string `json:"date,omitempty"`
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
	// Notes is free text about the entity; on an existing entity it becomes
	// an append to the entity's notes document.
	Notes string `json:"notes,omitempty"`
}

// Direction states how an extracted relationship's endpoints were meant.
type Direction string

const (
	DirectionUnknown Direction = ""
	// DirectionForward keeps Source -> Target as extracted.
	DirectionForward Direction = "forward"
	// DirectionReverse swaps the endpoints.
	DirectionReverse Direction = "reverse"
)

// ExtractedRelationship links two mentions by key.
type ExtractedRelationship struct {
	Source    string    `json:"source"`
	Target    string    `json:"target"`
	Type      string    `json:"type"`
	Direction Direction `json:"direction,omitempty"`
	Strength  float64   `json:"strength,omitempty"`
	Sentiment float64   `json:"sentiment,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	// Remove asks for existing relationships of Type between the endpoints
	// to be removed.
	Remove bool `json:"remove,omitempty"`
}

// DocumentUpdate is content destined for a document owned by a mention.
type DocumentUpdate struct {
	Target  string `json:"target"`
	Title   string `json:"title,omitempty"`
	DocType string `json:"docType,omitempty"`
	Content string `json:"content"`
	// Create forces a new document even when the entity already has one.
	Create bool `json:"create,omitempty"`
}

// Extraction accumulates what the stages of one turn extracted. Every
// With method returns a new value; an Extraction is never mutated in
// place once handed on.
type Extraction struct {
	Mentions       []Mention               `json:"mentions"`
	Relationships  []ExtractedRelationship `json:"relationships,omitempty"`
	Documents      []DocumentUpdate        `json:"documents,omitempty"`
	SessionAliases map[string]string       `json:"sessionAliases,omitempty"`
}

// WithMention returns a copy of e with m appended. An empty key defaults to
// the mention's name.
func (e Extraction) WithMention(m Mention) Extraction {
	if m.Key == "" {
		m.Key = m.Name
	}
	out := e.clone()
	out.Mentions = append(out.Mentions, m)
	return out
}

// WithRelationship returns a copy of e with r appended.
func (e Extraction) WithRelationship(r ExtractedRelationship) Extraction {
	out := e.clone()
	out.Relationships = append(out.Relationships, r)
	return out
}

// WithDocument returns a copy of e with d appended.
func (e Extraction) WithDocument(d DocumentUpdate) Extraction {
	out := e.clone()
	out.Documents = append(out.Documents, d)
	return out
}

// WithSessionAlias returns a copy of e binding alias to an entity id.
func (e Extraction) WithSessionAlias(alias, entityID string) Extraction {
	out := e.clone()
	if out.SessionAliases == nil {
		out.SessionAliases = make(map[string]string)
	}
	out.SessionAliases[resolver.Normalize(alias)] = entityID
	return out
}

// Mention returns the mention with the given key.
func (e Extraction) Mention(key string) (Mention, bool) {
	for _, m := range e.Mentions {
		if m.Key == key {
			return m, true
		}
	}
	return Mention{}, false
}

func (e Extraction) clone() Extraction {
	out := Extraction{
		Mentions:      append([]Mention(nil), e.Mentions...),
		Relationships: append([]ExtractedRelationship(nil), e.Relationships...),
		Documents:     append([]DocumentUpdate(nil), e.Documents...),
	}
	if e.SessionAliases != nil {
		out.SessionAliases = make(map[string]string, len(e.SessionAliases))
		for k, v := range e.SessionAliases {
			out.SessionAliases[k] = v
		}
	}
	return out
}

// CreateNewID is the candidate id of the synthetic "create new" choice.
const CreateNewID = "__create_new__"

// Candidate is one choice for an entity proposal.
type Candidate struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	Type      string             `json:"type,omitempty"`
	Score     float64            `json:"score"`
	MatchType resolver.MatchType `json:"matchType,omitempty"`
}

// IsCreateNew reports whether c is the synthetic "create new" choice.
func (c Candidate) IsCreateNew() bool { return c.ID == CreateNewID }

// EntityProposal pairs a mention with its ranked candidates. The last
// candidate is always the "create new" choice.
type EntityProposal struct {
	ID         string      `json:"id"`
	Mention    Mention     `json:"mention"`
	Candidates []Candidate `json:"candidates"`
	// Selected is the chosen candidate id; empty until chosen or
	// auto-selected.
	Selected string `json:"selected,omitempty"`
	// Default is used at execution time when nothing was selected.
	Default  string `json:"default"`
	Approved bool   `json:"approved"`
	// ResolvedID is the concrete entity id after execution.
	ResolvedID string `json:"resolvedId,omitempty"`
}

// Choice returns the effective candidate id: Selected, else Default.
func (p *EntityProposal) Choice() string {
	if p.Selected != "" {
		return p.Selected
	}
	return p.Default
}

// CreatesNew reports whether executing p creates an entity.
func (p *EntityProposal) CreatesNew() bool { return p.Choice() == CreateNewID }

func (p *EntityProposal) hasCandidate(id string) bool {
	for _, c := range p.Candidates {
		if c.ID == id {
			return true
		}
	}
	return false
}

// RelationshipAction is what a relationship proposal does.
type RelationshipAction string

const (
	ActionAdd     RelationshipAction = "add"
	ActionReplace RelationshipAction = "replace"
	ActionRemove  RelationshipAction = "remove"
)

// RelationshipProposal is a pending change to the edges between two
// mentions.
type RelationshipProposal struct {
	ID           string                `json:"id"`
	Relationship ExtractedRelationship `json:"relationship"`
	Action       RelationshipAction    `json:"action"`
	// Replaces lists existing relationship ids removed by a replace or
	// remove.
	Replaces []string `json:"replaces,omitempty"`
	Reason   string   `json:"reason,omitempty"`
	Approved bool     `json:"approved"`
}

// Endpoints returns source and target keys with the direction applied.
func (p *RelationshipProposal) Endpoints() (string, string) {
	r := p.Relationship
	if r.Direction == DirectionReverse {
		return r.Target, r.Source
	}
	return r.Source, r.Target
}

// DocumentAction is what a document proposal does.
type DocumentAction string

const (
	ActionAppend DocumentAction = "append"
	ActionCreate DocumentAction = "create"
)

// DocumentProposal is content to append to, or create as, a document owned
// by a mention's entity.
type DocumentProposal struct {
	ID       string         `json:"id"`
	Update   DocumentUpdate `json:"update"`
	Action   DocumentAction `json:"action"`
	// Inferred is set for proposals synthesized from a mention's notes.
	Inferred bool `json:"inferred,omitempty"`
	Approved bool `json:"approved"`
	// DocumentID is the appended or created document after execution.
	DocumentID string `json:"documentId,omitempty"`
}

// DocumentTitle is the title used for a created document.
func (p *DocumentProposal) DocumentTitle(owner string) string {
	if t := strings.TrimSpace(p.Update.Title); t != "" {
		return t
	}
	return owner + " notes"
}
