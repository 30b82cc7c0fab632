package proposal

import (
	"fmt"
	"strings"
	"time"

	"github.com/kittclouds/kittvault/internal/model"
)

// Priority says whether a clarification blocks execution.
type Priority string

const (
	PriorityRequired Priority = "REQUIRED"
	PriorityOptional Priority = "OPTIONAL"
)

// ClarificationKind names the rule that raised a clarification.
type ClarificationKind string

const (
	KindAmbiguousEntity       ClarificationKind = "ambiguous_entity"
	KindMissingType           ClarificationKind = "missing_type"
	KindLowTypeConfidence     ClarificationKind = "low_type_confidence"
	KindRelationshipDirection ClarificationKind = "relationship_direction"
	KindMissingDate           ClarificationKind = "missing_date"
)

// ClarificationStatus tracks whether a question was dealt with.
type ClarificationStatus string

const (
	ClarificationPending  ClarificationStatus = "pending"
	ClarificationAnswered ClarificationStatus = "answered"
	ClarificationSkipped  ClarificationStatus = "skipped"
)

// Clarification is a question about one proposal. Required clarifications
// block execution until answered; optional ones fall back to Default when
// skipped.
type Clarification struct {
	ID       string              `json:"id"`
	Kind     ClarificationKind   `json:"kind"`
	Priority Priority            `json:"priority"`
	Target   string              `json:"target"`
	Question string              `json:"question"`
	Options  []string            `json:"options,omitempty"`
	Default  string              `json:"default,omitempty"`
	Answer   string              `json:"answer,omitempty"`
	Status   ClarificationStatus `json:"status"`
}

// Blocking reports whether c prevents execution.
func (c *Clarification) Blocking() bool {
	return c.Priority == PriorityRequired && c.Status == ClarificationPending
}

// IsPending reports whether c has been neither answered nor skipped.
func (c *Clarification) IsPending() bool { return c.Status == ClarificationPending }

func (c *Clarification) allows(answer string) bool {
	if len(c.Options) == 0 {
		return true
	}
	for _, o := range c.Options {
		if o == answer {
			return true
		}
	}
	return false
}

// RuleSet toggles the clarification rules and holds their thresholds.
type RuleSet struct {
	AmbiguousEntity       bool `yaml:"ambiguous_entity" env:"CLARIFY_AMBIGUOUS_ENTITY" env-default:"true"`
	MissingType           bool `yaml:"missing_type" env:"CLARIFY_MISSING_TYPE" env-default:"true"`
	LowTypeConfidence     bool `yaml:"low_type_confidence" env:"CLARIFY_LOW_TYPE_CONFIDENCE" env-default:"true"`
	RelationshipDirection bool `yaml:"relationship_direction" env:"CLARIFY_RELATIONSHIP_DIRECTION" env-default:"true"`
	MissingDate           bool `yaml:"missing_date" env:"CLARIFY_MISSING_DATE" env-default:"true"`

	// TypeConfidenceFloor is the confidence below which an inferred type
	// is questioned.
	TypeConfidenceFloor float64 `yaml:"type_confidence_floor" env:"CLARIFY_TYPE_CONFIDENCE_FLOOR" env-default:"0.5"`
	// AutoSelect is the score at which a lone candidate is chosen without
	// asking.
	AutoSelect float64 `yaml:"auto_select" env:"CLARIFY_AUTO_SELECT" env-default:"0.95"`
	// TieMargin is how close two candidate scores must be to count as tied.
	TieMargin float64 `yaml:"tie_margin" env:"CLARIFY_TIE_MARGIN" env-default:"0.05"`
}

// DefaultRules enables every rule with the stock thresholds.
func DefaultRules() RuleSet {
	return RuleSet{
		AmbiguousEntity:       true,
		MissingType:           true,
		LowTypeConfidence:     true,
		RelationshipDirection: true,
		MissingDate:           true,
		TypeConfidenceFloor:   0.5,
		AutoSelect:            0.95,
		TieMargin:             0.05,
	}
}

func clarificationID(kind ClarificationKind, target string) string {
	return string(kind) + ":" + target
}

func typeOptions() []string {
	types := model.EntityTypes()
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

// nearTied reports whether at least two real candidates score within the
// tie margin of the best one.
func (r RuleSet) nearTied(cands []Candidate) bool {
	var real []Candidate
	for _, c := range cands {
		if !c.IsCreateNew() {
			real = append(real, c)
		}
	}
	if len(real) < 2 {
		return false
	}
	top := real[0].Score
	tied := 0
	for _, c := range real {
		if top-c.Score <= r.TieMargin+1e-9 {
			tied++
		}
	}
	return tied >= 2
}

// entityClarifications evaluates the entity rules for p.
func (r RuleSet) entityClarifications(p *EntityProposal, ambiguous bool) []*Clarification {
	var out []*Clarification
	m := p.Mention

	if r.AmbiguousEntity && ambiguous && p.Selected == "" && r.nearTied(p.Candidates) {
		opts := make([]string, 0, len(p.Candidates))
		names := make([]string, 0, len(p.Candidates))
		for _, c := range p.Candidates {
			opts = append(opts, c.ID)
			if !c.IsCreateNew() {
				names = append(names, c.Name)
			}
		}
		out = append(out, &Clarification{
			ID:       clarificationID(KindAmbiguousEntity, p.ID),
			Kind:     KindAmbiguousEntity,
			Priority: PriorityRequired,
			Target:   p.ID,
			Question: fmt.Sprintf("Which %q do you mean: %s, or someone new?", m.Name, strings.Join(names, ", ")),
			Options:  opts,
			Status:   ClarificationPending,
		})
	}

	if strings.TrimSpace(m.Type) == "" {
		if r.MissingType {
			out = append(out, &Clarification{
				ID:       clarificationID(KindMissingType, p.ID),
				Kind:     KindMissingType,
				Priority: PriorityRequired,
				Target:   p.ID,
				Question: fmt.Sprintf("What kind of thing is %q?", m.Name),
				Options:  typeOptions(),
				Status:   ClarificationPending,
			})
		}
	} else if r.LowTypeConfidence && m.TypeConfidence > 0 && m.TypeConfidence < r.TypeConfidenceFloor {
		out = append(out, &Clarification{
			ID:       clarificationID(KindLowTypeConfidence, p.ID),
			Kind:     KindLowTypeConfidence,
			Priority: PriorityOptional,
			Target:   p.ID,
			Question: fmt.Sprintf("Is %q a %s?", m.Name, strings.ToLower(m.Type)),
			Options:  typeOptions(),
			Default:  strings.ToLower(strings.TrimSpace(m.Type)),
			Status:   ClarificationPending,
		})
	}

	if c := r.dateClarification(p); c != nil {
		out = append(out, c)
	}
	return out
}

// dateClarification asks for a date when an event or period has none.
func (r RuleSet) dateClarification(p *EntityProposal) *Clarification {
	m := p.Mention
	if !r.MissingDate || !p.CreatesNew() {
		return nil
	}
	t, _ := model.ParseEntityType(m.Type)
	if t != model.TypeEvent && t != model.TypePeriod {
		return nil
	}
	if m.Date != "" || m.Start != "" || m.End != "" {
		return nil
	}
	q := fmt.Sprintf("When did %q happen? (YYYY-MM-DD)", m.Name)
	if t == model.TypePeriod {
		q = fmt.Sprintf("When did %q start? (YYYY-MM-DD)", m.Name)
	}
	return &Clarification{
		ID:       clarificationID(KindMissingDate, p.ID),
		Kind:     KindMissingDate,
		Priority: PriorityOptional,
		Target:   p.ID,
		Question: q,
		Status:   ClarificationPending,
	}
}

// relationshipClarification asks which way a directional relationship runs
// when the extractor did not say.
func (r RuleSet) relationshipClarification(p *RelationshipProposal, source, target string) *Clarification {
	rel := p.Relationship
	if !r.RelationshipDirection || p.Action == ActionRemove || rel.Direction != DirectionUnknown {
		return nil
	}
	if !model.IsDirectional(rel.Type) {
		return nil
	}
	verb := strings.ReplaceAll(model.NormalizeRelType(rel.Type), "_", " ")
	return &Clarification{
		ID:       clarificationID(KindRelationshipDirection, p.ID),
		Kind:     KindRelationshipDirection,
		Priority: PriorityRequired,
		Target:   p.ID,
		Question: fmt.Sprintf("Is %s %s %s, or the other way round?", source, verb, target),
		Options:  []string{string(DirectionForward), string(DirectionReverse)},
		Status:   ClarificationPending,
	}
}

func validDate(s string) bool {
	_, err := time.Parse(model.DateLayout, s)
	return err == nil
}
