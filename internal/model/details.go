package model

import (
	"time"
)

// DateLayout is the calendar date format used for event and period dates.
const DateLayout = "2006-01-02"

// Details is the closed set of per-type payloads carried by a Record.
type Details interface {
	Kind() EntityType
	validate() error
}

// Employment is one job held by a person.
type Employment struct {
	Organization string `json:"organization"`
	Role         string `json:"role,omitempty"`
	Start        string `json:"start,omitempty"`
	End          string `json:"end,omitempty"`
}

type PersonDetails struct {
	Context    string       `json:"context,omitempty"`
	Employment []Employment `json:"employment,omitempty"`
}

type ProjectDetails struct {
	Status string `json:"status,omitempty"`
}

type GoalDetails struct {
	Progress   int    `json:"progress"`
	TargetDate string `json:"targetDate,omitempty"`
}

type EventDetails struct {
	Date string `json:"date,omitempty"`
}

type PeriodDetails struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// DocumentDetails carries the attributes of a free-form document.
// A document is owned by at most one entity or one relationship.
type DocumentDetails struct {
	DocType              string `json:"docType,omitempty"`
	ParentEntityID       string `json:"parentEntityId,omitempty"`
	ParentRelationshipID string `json:"parentRelationshipId,omitempty"`
	FolderID             string `json:"folderId,omitempty"`
	Locked               bool   `json:"locked,omitempty"`
}

type FolderDetails struct {
	ParentID      string `json:"parentId,omitempty"`
	OwnerEntityID string `json:"ownerEntityId,omitempty"`
}

type TagDetails struct {
	Color       string `json:"color,omitempty"`
	Description string `json:"description,omitempty"`
}

func (*PersonDetails) Kind() EntityType   { return TypePerson }
func (*ProjectDetails) Kind() EntityType  { return TypeProject }
func (*GoalDetails) Kind() EntityType     { return TypeGoal }
func (*EventDetails) Kind() EntityType    { return TypeEvent }
func (*PeriodDetails) Kind() EntityType   { return TypePeriod }
func (*DocumentDetails) Kind() EntityType { return TypeDocument }
func (*FolderDetails) Kind() EntityType   { return TypeFolder }
func (*TagDetails) Kind() EntityType      { return TypeTag }

func (d *PersonDetails) validate() error {
	for _, e := range d.Employment {
		if e.Organization == "" {
			return &ValidationError{Field: "employment.organization", Reason: "must not be empty"}
		}
		if err := validateRange("employment", e.Start, e.End); err != nil {
			return err
		}
	}
	return nil
}

func (d *ProjectDetails) validate() error { return nil }

func (d *GoalDetails) validate() error {
	if d.Progress < 0 || d.Progress > 100 {
		return &ValidationError{Field: "progress", Reason: "must be between 0 and 100"}
	}
	return validateDate("targetDate", d.TargetDate)
}

func (d *EventDetails) validate() error {
	return validateDate("date", d.Date)
}

func (d *PeriodDetails) validate() error {
	return validateRange("period", d.Start, d.End)
}

func (d *DocumentDetails) validate() error {
	if d.ParentEntityID != "" && d.ParentRelationshipID != "" {
		return &ValidationError{Field: "parent", Reason: "a document has at most one owner"}
	}
	return nil
}

func (d *FolderDetails) validate() error { return nil }
func (d *TagDetails) validate() error    { return nil }

// DefaultDetails returns empty details for t, or nil for unknown types.
func DefaultDetails(t EntityType) Details {
	switch t {
	case TypePerson:
		return &PersonDetails{}
	case TypeProject:
		return &ProjectDetails{}
	case TypeGoal:
		return &GoalDetails{}
	case TypeEvent:
		return &EventDetails{}
	case TypePeriod:
		return &PeriodDetails{}
	case TypeDocument:
		return &DocumentDetails{}
	case TypeFolder:
		return &FolderDetails{}
	case TypeTag:
		return &TagDetails{}
	}
	return nil
}

func cloneDetails(d Details) Details {
	switch v := d.(type) {
	case *PersonDetails:
		c := *v
		c.Employment = append([]Employment(nil), v.Employment...)
		return &c
	case *ProjectDetails:
		c := *v
		return &c
	case *GoalDetails:
		c := *v
		return &c
	case *EventDetails:
		c := *v
		return &c
	case *PeriodDetails:
		c := *v
		return &c
	case *DocumentDetails:
		c := *v
		return &c
	case *FolderDetails:
		c := *v
		return &c
	case *TagDetails:
		c := *v
		return &c
	}
	return nil
}

func validateDate(field, s string) error {
	if s == "" {
		return nil
	}
	if _, err := time.Parse(DateLayout, s); err != nil {
		return &ValidationError{Field: field, Reason: "expected YYYY-MM-DD"}
	}
	return nil
}

func validateRange(field, start, end string) error {
	if err := validateDate(field+".start", start); err != nil {
		return err
	}
	if err := validateDate(field+".end", end); err != nil {
		return err
	}
	if start != "" && end != "" && end < start {
		return &ValidationError{Field: field, Reason: "end precedes start"}
	}
	return nil
}
