package canon

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kittclouds/kittvault/internal/model"
)

const frontMatterDelimiter = "---"

type employmentHeader struct {
	Organization string `yaml:"organization"`
	Role         string `yaml:"role,omitempty"`
	Start        string `yaml:"start,omitempty"`
	End          string `yaml:"end,omitempty"`
}

type relationshipHeader struct {
	ID         string    `yaml:"id"`
	Target     string    `yaml:"target"`
	Type       string    `yaml:"type"`
	Category   string    `yaml:"category,omitempty"`
	Strength   float64   `yaml:"strength,omitempty"`
	Sentiment  float64   `yaml:"sentiment,omitempty"`
	Confidence float64   `yaml:"confidence,omitempty"`
	Provenance string    `yaml:"provenance,omitempty"`
	Reason     string    `yaml:"reason,omitempty"`
	Start      string    `yaml:"start,omitempty"`
	End        string    `yaml:"end,omitempty"`
	Created    time.Time `yaml:"created"`
}

// header is the YAML front matter of a canonical file. Per-type fields are
// flattened; only those matching Type are written.
type header struct {
	ID           string    `yaml:"id"`
	Type         string    `yaml:"type"`
	Name         string    `yaml:"name"`
	Created      time.Time `yaml:"created"`
	Updated      time.Time `yaml:"updated"`
	Provenance   string    `yaml:"provenance,omitempty"`
	NeedsReview  bool      `yaml:"needs_review,omitempty"`
	ReviewReason string    `yaml:"review_reason,omitempty"`
	Tags         []string  `yaml:"tags,omitempty"`
	Aliases      []string  `yaml:"aliases,omitempty"`

	Context    string             `yaml:"context,omitempty"`
	Employment []employmentHeader `yaml:"employment,omitempty"`
	Status     string             `yaml:"status,omitempty"`
	Progress   *int               `yaml:"progress,omitempty"`
	TargetDate string             `yaml:"target_date,omitempty"`
	Date       string             `yaml:"date,omitempty"`
	Start      string             `yaml:"start,omitempty"`
	End        string             `yaml:"end,omitempty"`

	DocType            string `yaml:"doc_type,omitempty"`
	ParentEntity       string `yaml:"parent_entity,omitempty"`
	ParentRelationship string `yaml:"parent_relationship,omitempty"`
	Folder             string `yaml:"folder,omitempty"`
	Locked             bool   `yaml:"locked,omitempty"`

	Parent string `yaml:"parent,omitempty"`
	Owner  string `yaml:"owner,omitempty"`

	Color       string `yaml:"color,omitempty"`
	Description string `yaml:"description,omitempty"`

	Relationships []relationshipHeader `yaml:"relationships,omitempty"`
	Custom        map[string]any       `yaml:"custom,omitempty"`
}

// Parse decodes a canonical file into a Record.
func Parse(raw []byte) (*model.Record, error) {
	s := strings.ReplaceAll(string(raw), "\r\n", "\n")
	if !strings.HasPrefix(s, frontMatterDelimiter) {
		return nil, fmt.Errorf("canon: missing front-matter delimiter")
	}
	rest := s[len(frontMatterDelimiter):]
	idx := strings.Index(rest, "\n"+frontMatterDelimiter)
	if idx == -1 {
		return nil, fmt.Errorf("canon: unclosed front-matter block")
	}
	yamlBlock := rest[:idx]
	body := rest[idx+len("\n"+frontMatterDelimiter):]
	body = strings.TrimPrefix(body, "\n")
	body = strings.TrimPrefix(body, "\n")

	var h header
	if err := yaml.Unmarshal([]byte(yamlBlock), &h); err != nil {
		return nil, fmt.Errorf("canon: front-matter parse error: %w", err)
	}
	return h.record(strings.TrimRight(body, " \t\n"))
}

// Serialize renders a Record in canonical form.
func Serialize(rec *model.Record) ([]byte, error) {
	h := headerFor(rec)
	yamlBytes, err := yaml.Marshal(&h)
	if err != nil {
		return nil, fmt.Errorf("canon: serialize error: %w", err)
	}
	var sb strings.Builder
	sb.WriteString(frontMatterDelimiter + "\n")
	sb.Write(yamlBytes)
	sb.WriteString(frontMatterDelimiter + "\n\n")
	sb.WriteString(rec.Body)
	return canonicalize([]byte(sb.String())), nil
}

// canonicalize normalizes line endings and trailing whitespace.
func canonicalize(raw []byte) []byte {
	s := strings.ReplaceAll(string(raw), "\r\n", "\n")
	s = strings.TrimRight(s, " \t\n") + "\n"
	return []byte(s)
}

func headerFor(rec *model.Record) header {
	h := header{
		ID:           rec.ID,
		Type:         string(rec.Type),
		Name:         rec.Name,
		Created:      rec.CreatedAt.UTC(),
		Updated:      rec.UpdatedAt.UTC(),
		Provenance:   string(rec.Provenance),
		NeedsReview:  rec.NeedsReview,
		ReviewReason: rec.ReviewReason,
		Tags:         rec.Tags,
		Aliases:      rec.Aliases,
		Custom:       rec.Custom,
	}

	switch d := rec.Details.(type) {
	case *model.PersonDetails:
		h.Context = d.Context
		for _, e := range d.Employment {
			h.Employment = append(h.Employment, employmentHeader(e))
		}
	case *model.ProjectDetails:
		h.Status = d.Status
	case *model.GoalDetails:
		p := d.Progress
		h.Progress = &p
		h.TargetDate = d.TargetDate
	case *model.EventDetails:
		h.Date = d.Date
	case *model.PeriodDetails:
		h.Start, h.End = d.Start, d.End
	case *model.DocumentDetails:
		h.DocType = d.DocType
		h.ParentEntity = d.ParentEntityID
		h.ParentRelationship = d.ParentRelationshipID
		h.Folder = d.FolderID
		h.Locked = d.Locked
	case *model.FolderDetails:
		h.Parent = d.ParentID
		h.Owner = d.OwnerEntityID
	case *model.TagDetails:
		h.Color = d.Color
		h.Description = d.Description
	}

	for _, r := range rec.Relationships {
		h.Relationships = append(h.Relationships, relationshipHeader{
			ID:         r.ID,
			Target:     r.TargetID,
			Type:       r.Type,
			Category:   string(r.Category),
			Strength:   r.Strength,
			Sentiment:  r.Sentiment,
			Confidence: r.Confidence,
			Provenance: string(r.Provenance),
			Reason:     r.Reason,
			Start:      r.Start,
			End:        r.End,
			Created:    r.CreatedAt.UTC(),
		})
	}
	return h
}

func (h header) record(body string) (*model.Record, error) {
	t, ok := model.ParseEntityType(h.Type)
	if !ok {
		return nil, fmt.Errorf("canon: unknown record type %q", h.Type)
	}
	if h.ID == "" {
		return nil, fmt.Errorf("canon: record has no id")
	}
	rec := &model.Record{
		ID:           h.ID,
		Type:         t,
		Name:         h.Name,
		CreatedAt:    h.Created.UTC(),
		UpdatedAt:    h.Updated.UTC(),
		Provenance:   model.Provenance(h.Provenance),
		NeedsReview:  h.NeedsReview,
		ReviewReason: h.ReviewReason,
		Tags:         h.Tags,
		Aliases:      h.Aliases,
		Custom:       h.Custom,
		Body:         body,
	}

	switch t {
	case model.TypePerson:
		d := &model.PersonDetails{Context: h.Context}
		for _, e := range h.Employment {
			d.Employment = append(d.Employment, model.Employment(e))
		}
		rec.Details = d
	case model.TypeProject:
		rec.Details = &model.ProjectDetails{Status: h.Status}
	case model.TypeGoal:
		d := &model.GoalDetails{TargetDate: h.TargetDate}
		if h.Progress != nil {
			d.Progress = *h.Progress
		}
		rec.Details = d
	case model.TypeEvent:
		rec.Details = &model.EventDetails{Date: h.Date}
	case model.TypePeriod:
		rec.Details = &model.PeriodDetails{Start: h.Start, End: h.End}
	case model.TypeDocument:
		rec.Details = &model.DocumentDetails{
			DocType:              h.DocType,
			ParentEntityID:       h.ParentEntity,
			ParentRelationshipID: h.ParentRelationship,
			FolderID:             h.Folder,
			Locked:               h.Locked,
		}
	case model.TypeFolder:
		rec.Details = &model.FolderDetails{ParentID: h.Parent, OwnerEntityID: h.Owner}
	case model.TypeTag:
		rec.Details = &model.TagDetails{Color: h.Color, Description: h.Description}
	}

	for _, r := range h.Relationships {
		rec.Relationships = append(rec.Relationships, model.Relationship{
			ID:         r.ID,
			SourceID:   h.ID,
			TargetID:   r.Target,
			Type:       r.Type,
			Category:   model.Category(r.Category),
			Strength:   r.Strength,
			Sentiment:  r.Sentiment,
			Confidence: r.Confidence,
			Provenance: model.Provenance(r.Provenance),
			Reason:     r.Reason,
			Start:      r.Start,
			End:        r.End,
			CreatedAt:  r.Created.UTC(),
		})
	}
	return rec, nil
}
