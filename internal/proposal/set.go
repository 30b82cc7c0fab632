package proposal

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kittclouds/kittvault/internal/model"
)

// State is where a ProposalSet is in its lifecycle.
type State string

const (
	StateAnalyzing          State = "analyzing"
	StateNeedsClarification State = "needs_clarification"
	StateReady              State = "ready"
	StateExecuted           State = "executed"
)

// Status is the approval status of a ProposalSet.
type Status string

const (
	StatusPending  Status = "pending"
	StatusPartial  Status = "partial"
	StatusApproved Status = "approved"
	StatusExecuted Status = "executed"
	StatusRejected Status = "rejected"
)

var (
	// ErrBlocked is returned when a required clarification is unanswered.
	ErrBlocked = errors.New("proposal set has unanswered required clarifications")
	// ErrNotApproved is returned when executing a set with nothing approved.
	ErrNotApproved = errors.New("proposal set has no approved proposals")
	// ErrRejected is returned for any change to a rejected set.
	ErrRejected = errors.New("proposal set was rejected")
	// ErrRequired is returned when skipping a required clarification.
	ErrRequired = errors.New("required clarification cannot be skipped")
)

// ProposalSet aggregates every proposal for one user turn.
type ProposalSet struct {
	ID             string                  `json:"id"`
	State          State                   `json:"state"`
	Status         Status                  `json:"status"`
	Extraction     Extraction              `json:"extraction"`
	Entities       []*EntityProposal       `json:"entities"`
	Relationships  []*RelationshipProposal `json:"relationships,omitempty"`
	Documents      []*DocumentProposal     `json:"documents,omitempty"`
	Clarifications []*Clarification        `json:"clarifications,omitempty"`
	CreatedAt      time.Time               `json:"createdAt"`
	ExecutedAt     time.Time               `json:"executedAt,omitempty"`

	rules RuleSet
}

// Entity returns the entity proposal with the given id.
func (s *ProposalSet) Entity(id string) *EntityProposal {
	for _, p := range s.Entities {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// EntityFor returns the entity proposal for a mention key.
func (s *ProposalSet) EntityFor(key string) *EntityProposal {
	for _, p := range s.Entities {
		if p.Mention.Key == key {
			return p
		}
	}
	return nil
}

// Relationship returns the relationship proposal with the given id.
func (s *ProposalSet) Relationship(id string) *RelationshipProposal {
	for _, p := range s.Relationships {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// Document returns the document proposal with the given id.
func (s *ProposalSet) Document(id string) *DocumentProposal {
	for _, p := range s.Documents {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// Clarification returns the clarification with the given id.
func (s *ProposalSet) Clarification(id string) *Clarification {
	for _, c := range s.Clarifications {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// Blocking returns the unanswered required clarifications.
func (s *ProposalSet) Blocking() []*Clarification {
	var out []*Clarification
	for _, c := range s.Clarifications {
		if c.Blocking() {
			out = append(out, c)
		}
	}
	return out
}

// Pending returns every clarification not yet answered or skipped.
func (s *ProposalSet) Pending() []*Clarification {
	var out []*Clarification
	for _, c := range s.Clarifications {
		if c.IsPending() {
			out = append(out, c)
		}
	}
	return out
}

func (s *ProposalSet) mutable() error {
	switch s.Status {
	case StatusRejected:
		return ErrRejected
	case StatusExecuted:
		return fmt.Errorf("proposal set %s was already executed", s.ID)
	}
	return nil
}

// Answer records an answer and applies it to the proposal it concerns.
// Answering again replaces the previous answer.
func (s *ProposalSet) Answer(clarificationID, answer string) error {
	if err := s.mutable(); err != nil {
		return err
	}
	c := s.Clarification(clarificationID)
	if c == nil {
		return model.NotFound("clarification", clarificationID)
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return &model.ValidationError{Field: "answer", Reason: "must not be empty"}
	}
	if c.Kind == KindMissingType || c.Kind == KindLowTypeConfidence {
		answer = strings.ToLower(answer)
	}
	if !c.allows(answer) {
		return &model.ValidationError{Field: "answer", Reason: fmt.Sprintf("%q is not one of %s", answer, strings.Join(c.Options, ", "))}
	}
	if c.Kind == KindMissingDate && !validDate(answer) {
		return &model.ValidationError{Field: "answer", Reason: "expected a date in YYYY-MM-DD form"}
	}
	if err := s.apply(c, answer); err != nil {
		return err
	}
	c.Answer = answer
	c.Status = ClarificationAnswered
	s.refresh()
	return nil
}

// Skip dismisses an optional clarification, applying its default.
func (s *ProposalSet) Skip(clarificationID string) error {
	if err := s.mutable(); err != nil {
		return err
	}
	c := s.Clarification(clarificationID)
	if c == nil {
		return model.NotFound("clarification", clarificationID)
	}
	if c.Priority == PriorityRequired {
		return fmt.Errorf("%s: %w", c.ID, ErrRequired)
	}
	if c.Default != "" {
		if err := s.apply(c, c.Default); err != nil {
			return err
		}
	}
	c.Status = ClarificationSkipped
	s.refresh()
	return nil
}

// SkipOptional skips every pending optional clarification.
func (s *ProposalSet) SkipOptional() error {
	for _, c := range s.Pending() {
		// an earlier skip may have withdrawn c
		if s.Clarification(c.ID) == nil || !c.IsPending() {
			continue
		}
		if c.Priority == PriorityOptional {
			if err := s.Skip(c.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// Select chooses a candidate for an entity proposal.
func (s *ProposalSet) Select(proposalID, candidateID string) error {
	if err := s.mutable(); err != nil {
		return err
	}
	p := s.Entity(proposalID)
	if p == nil {
		return model.NotFound("entity proposal", proposalID)
	}
	if !p.hasCandidate(candidateID) {
		return &model.ValidationError{Field: "candidate", Reason: candidateID + " is not a candidate of " + proposalID}
	}
	p.Selected = candidateID
	if c := s.Clarification(clarificationID(KindAmbiguousEntity, p.ID)); c != nil && c.IsPending() {
		c.Answer = candidateID
		c.Status = ClarificationAnswered
	}
	s.syncDateClarification(p)
	s.refresh()
	return nil
}

func (s *ProposalSet) apply(c *Clarification, answer string) error {
	if c.Kind == KindRelationshipDirection {
		p := s.Relationship(c.Target)
		if p == nil {
			return model.NotFound("relationship proposal", c.Target)
		}
		p.Relationship.Direction = Direction(answer)
		return nil
	}

	p := s.Entity(c.Target)
	if p == nil {
		return model.NotFound("entity proposal", c.Target)
	}
	switch c.Kind {
	case KindAmbiguousEntity:
		p.Selected = answer
		s.syncDateClarification(p)
	case KindMissingType, KindLowTypeConfidence:
		p.Mention.Type = answer
		p.Mention.TypeConfidence = 1
		p.retype(answer)
		s.syncDateClarification(p)
	case KindMissingDate:
		if t, _ := model.ParseEntityType(p.Mention.Type); t == model.TypePeriod {
			p.Mention.Start = answer
		} else {
			p.Mention.Date = answer
		}
	}
	return nil
}

// retype drops candidates of other types once the type is settled.
func (p *EntityProposal) retype(t string) {
	kept := p.Candidates[:0]
	for _, c := range p.Candidates {
		if c.IsCreateNew() || c.Type == "" || c.Type == t {
			kept = append(kept, c)
		}
	}
	p.Candidates = kept
	if p.Selected != "" && !p.hasCandidate(p.Selected) {
		p.Selected = ""
	}
	if !p.hasCandidate(p.Default) {
		p.Default = CreateNewID
	}
}

// syncDateClarification adds or withdraws the missing-date question after
// a proposal's type or choice changed.
func (s *ProposalSet) syncDateClarification(p *EntityProposal) {
	id := clarificationID(KindMissingDate, p.ID)
	want := s.rules.dateClarification(p)
	for i, c := range s.Clarifications {
		if c.ID != id {
			continue
		}
		if want == nil && c.IsPending() {
			s.Clarifications = append(s.Clarifications[:i], s.Clarifications[i+1:]...)
		}
		return
	}
	if want != nil {
		s.Clarifications = append(s.Clarifications, want)
	}
}

// Approve marks proposals approved by id. With no ids every proposal is
// approved.
func (s *ProposalSet) Approve(ids ...string) error {
	if err := s.mutable(); err != nil {
		return err
	}
	if len(ids) == 0 {
		for _, p := range s.Entities {
			p.Approved = true
		}
		for _, p := range s.Relationships {
			p.Approved = true
		}
		for _, p := range s.Documents {
			p.Approved = true
		}
	}
	for _, id := range ids {
		switch {
		case s.Entity(id) != nil:
			s.Entity(id).Approved = true
		case s.Relationship(id) != nil:
			s.Relationship(id).Approved = true
		case s.Document(id) != nil:
			s.Document(id).Approved = true
		default:
			return model.NotFound("proposal", id)
		}
	}
	s.refresh()
	return nil
}

// Reject discards the set; it can no longer be changed or executed.
func (s *ProposalSet) Reject() error {
	if s.Status == StatusExecuted {
		return fmt.Errorf("proposal set %s was already executed", s.ID)
	}
	s.Status = StatusRejected
	return nil
}

// CanExecute reports whether the set may be executed now.
func (s *ProposalSet) CanExecute() bool {
	if s.Status == StatusExecuted {
		return true
	}
	return s.State == StateReady && (s.Status == StatusApproved || s.Status == StatusPartial)
}

// checkExecutable explains why CanExecute is false.
func (s *ProposalSet) checkExecutable() error {
	switch {
	case s.Status == StatusRejected:
		return ErrRejected
	case len(s.Blocking()) > 0:
		return ErrBlocked
	case !s.CanExecute():
		return ErrNotApproved
	}
	return nil
}

func (s *ProposalSet) markExecuted(at time.Time) {
	s.State = StateExecuted
	s.Status = StatusExecuted
	s.ExecutedAt = at
}

// refresh recomputes State and Status from the proposals and
// clarifications.
func (s *ProposalSet) refresh() {
	if s.Status == StatusExecuted || s.Status == StatusRejected {
		return
	}
	if len(s.Blocking()) > 0 {
		s.State = StateNeedsClarification
	} else {
		s.State = StateReady
	}

	total, approved := 0, 0
	count := func(ok bool) {
		total++
		if ok {
			approved++
		}
	}
	for _, p := range s.Entities {
		count(p.Approved)
	}
	for _, p := range s.Relationships {
		count(p.Approved)
	}
	for _, p := range s.Documents {
		count(p.Approved)
	}
	switch {
	case approved == 0:
		s.Status = StatusPending
	case approved < total:
		s.Status = StatusPartial
	default:
		s.Status = StatusApproved
	}
}
