package proposal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kittclouds/kittvault/internal/model"
	"github.com/kittclouds/kittvault/internal/store"
	"github.com/kittclouds/kittvault/pkg/resolver"
)

// Writer performs the store writes an execution needs. Each call writes
// the canonical store first and then mirrors into the derived stores.
type Writer interface {
	// CreateEntity persists a new record. When another writer already
	// holds the record's identity it fails with *store.ConflictError.
	CreateEntity(ctx context.Context, rec *model.Record, actor model.Actor) (*model.Record, error)
	// Link creates rel unless an edge with the same source, target and
	// type already exists; created is false in that case.
	Link(ctx context.Context, rel model.Relationship, actor model.Actor) (*model.Relationship, bool, error)
	RemoveRelationship(ctx context.Context, relID string, actor model.Actor) error
	// OwnedDocument returns the document owned by ownerID with the given
	// title, or nil.
	OwnedDocument(ctx context.Context, ownerID, title string) (*model.Record, error)
	CreateDocument(ctx context.Context, rec *model.Record, actor model.Actor) (*model.Record, error)
	AppendToDocument(ctx context.Context, id, content string, actor model.Actor) (*model.Record, error)
}

// ItemError is the failure of one proposal during execution.
type ItemError struct {
	ProposalID string `json:"proposalId"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
}

func (e ItemError) Error() string { return e.ProposalID + ": " + e.Message }

func (e ItemError) Unwrap() error { return e.Err }

// ExecutionResult reports what an execution did. Errors holds per-item
// failures; other items still ran.
type ExecutionResult struct {
	SetID    string            `json:"setId"`
	Entities map[string]string `json:"entities"`
	Created  []string          `json:"created,omitempty"`
	Linked   []string          `json:"linked,omitempty"`
	Removed  []string          `json:"removed,omitempty"`
	Appended []string          `json:"appended,omitempty"`
	Errors   []ItemError       `json:"errors,omitempty"`
}

// OK reports whether every item succeeded.
func (r *ExecutionResult) OK() bool { return len(r.Errors) == 0 }

func (r *ExecutionResult) fail(id string, err error) {
	r.Errors = append(r.Errors, ItemError{ProposalID: id, Message: model.UserMessage(err), Err: err})
}

// Executor applies approved ProposalSets.
type Executor struct {
	writer   Writer
	resolver Resolver
	logger   *zap.Logger
	now      func() time.Time
}

// NewExecutor creates an Executor.
func NewExecutor(w Writer, res Resolver, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		writer:   w,
		resolver: res,
		logger:   logger.Named("executor"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Execute runs every approved proposal of set. It fails only when the set
// may not run; individual failures are reported in the result.
// Re-executing an executed set creates no duplicate entities or edges.
func (e *Executor) Execute(ctx context.Context, set *ProposalSet, actor model.Actor) (*ExecutionResult, error) {
	if err := set.checkExecutable(); err != nil {
		return nil, err
	}
	res := &ExecutionResult{SetID: set.ID, Entities: make(map[string]string)}

	// mentions whose notes already have a document proposal
	noted := make(map[string]bool)
	for _, d := range set.Documents {
		if d.Inferred {
			noted[d.Update.Target] = true
		}
	}
	createdKeys := make(map[string]bool)

	for _, p := range set.Entities {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !p.Approved && p.CreatesNew() {
			continue
		}
		id, created, err := e.resolveEntity(ctx, p, actor)
		if err != nil {
			res.fail(p.ID, err)
			continue
		}
		p.ResolvedID = id
		res.Entities[p.Mention.Key] = id
		if created {
			createdKeys[p.Mention.Key] = true
			res.Created = append(res.Created, id)
			continue
		}
		if notes := strings.TrimSpace(p.Mention.Notes); p.Approved && notes != "" && !noted[p.Mention.Key] {
			docID, err := e.appendNotes(ctx, id, p.Mention.Name, notes, actor)
			if err != nil {
				res.fail(p.ID, err)
			} else {
				res.Appended = append(res.Appended, docID)
			}
		}
	}

	for _, p := range set.Relationships {
		if !p.Approved {
			continue
		}
		if err := e.applyRelationship(ctx, p, res, actor); err != nil {
			res.fail(p.ID, err)
		}
	}

	for _, p := range set.Documents {
		// notes of an entity created in this pass are already its body
		if !p.Approved || (p.Inferred && createdKeys[p.Update.Target]) {
			continue
		}
		if err := e.applyDocument(ctx, set, p, res, actor); err != nil {
			res.fail(p.ID, err)
		}
	}

	set.markExecuted(e.now())
	e.logger.Info("Executed proposal set",
		zap.String("set_id", set.ID),
		zap.Int("created", len(res.Created)),
		zap.Int("linked", len(res.Linked)),
		zap.Int("removed", len(res.Removed)),
		zap.Int("appended", len(res.Appended)),
		zap.Int("errors", len(res.Errors)))
	return res, nil
}

// resolveEntity returns the concrete id for p, creating the entity when
// the choice is "create new" and no record with the same identity exists.
func (e *Executor) resolveEntity(ctx context.Context, p *EntityProposal, actor model.Actor) (string, bool, error) {
	if !p.CreatesNew() {
		return p.Choice(), false, nil
	}

	rec := RecordForMention(p.Mention, actor)
	if e.resolver != nil {
		r, err := e.resolver.Resolve(ctx, resolver.Query{
			Name:    rec.Name,
			Type:    string(rec.Type),
			Context: p.Mention.Context,
		})
		if err != nil {
			return "", false, err
		}
		if r.Found && r.MatchType == resolver.MatchExact {
			return r.ID, false, nil
		}
	}

	created, err := e.writer.CreateEntity(ctx, rec, actor)
	var conflict *store.ConflictError
	if errors.As(err, &conflict) {
		e.logger.Info("Entity was created concurrently, using existing record",
			zap.String("name", rec.Name),
			zap.String("existing_id", conflict.ExistingID))
		return conflict.ExistingID, false, nil
	}
	if err != nil {
		return "", false, err
	}
	return created.ID, true, nil
}

// RecordForMention builds the record a mention creates. Types the store
// does not recognize are never guessed: the record is stored as a
// document carrying the raw type and flagged for review.
func RecordForMention(m Mention, actor model.Actor) *model.Record {
	raw := strings.ToLower(strings.TrimSpace(m.Type))
	t, known := model.ParseEntityType(raw)
	if !known || !t.IsEntity() {
		rec := model.NewRecord(model.TypeDocument, m.Name, actor.Provenance())
		rec.Document().DocType = raw
		if raw == "" {
			rec.Flag("entity type was not given")
		} else {
			rec.Flag(fmt.Sprintf("unrecognized entity type %q", raw))
		}
		rec.Body = strings.TrimSpace(m.Notes)
		return rec
	}

	rec := model.NewRecord(t, m.Name, actor.Provenance())
	switch d := rec.Details.(type) {
	case *model.PersonDetails:
		d.Context = strings.TrimSpace(m.Context)
	case *model.EventDetails:
		d.Date = m.Date
	case *model.PeriodDetails:
		d.Start, d.End = m.Start, m.End
	}
	rec.Body = strings.TrimSpace(m.Notes)
	return rec
}

func (e *Executor) entityID(set *ProposalSet, res *ExecutionResult, key string) (string, error) {
	if id, ok := res.Entities[key]; ok {
		return id, nil
	}
	p := set.EntityFor(key)
	if p == nil {
		return "", model.NotFound("mention", key)
	}
	return "", fmt.Errorf("entity %q was not resolved: %w", p.Mention.Name, model.ErrNotFound)
}

func (e *Executor) applyRelationship(ctx context.Context, p *RelationshipProposal, res *ExecutionResult, actor model.Actor) error {
	srcKey, dstKey := p.Endpoints()
	src, ok := res.Entities[srcKey]
	if !ok {
		return fmt.Errorf("source %q was not resolved: %w", srcKey, model.ErrNotFound)
	}
	dst, ok := res.Entities[dstKey]
	if !ok {
		return fmt.Errorf("target %q was not resolved: %w", dstKey, model.ErrNotFound)
	}

	for _, id := range p.Replaces {
		err := e.writer.RemoveRelationship(ctx, id, actor)
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			return fmt.Errorf("remove relationship %s: %w", id, err)
		}
		if err == nil {
			res.Removed = append(res.Removed, id)
		}
	}
	if p.Action == ActionRemove {
		return nil
	}

	r := p.Relationship
	rel := model.NewRelationship(src, dst, r.Type, actor.Provenance())
	rel.Strength = r.Strength
	rel.Sentiment = r.Sentiment
	rel.Reason = r.Reason
	linked, created, err := e.writer.Link(ctx, rel, actor)
	if err != nil {
		return err
	}
	if created {
		res.Linked = append(res.Linked, linked.ID)
	}
	return nil
}

func (e *Executor) applyDocument(ctx context.Context, set *ProposalSet, p *DocumentProposal, res *ExecutionResult, actor model.Actor) error {
	owner, err := e.entityID(set, res, p.Update.Target)
	if err != nil {
		return err
	}
	m, _ := set.Extraction.Mention(p.Update.Target)
	title := p.DocumentTitle(m.Name)

	if !p.Update.Create {
		doc, err := e.writer.OwnedDocument(ctx, owner, title)
		if err != nil {
			return err
		}
		if doc != nil {
			if _, err := e.writer.AppendToDocument(ctx, doc.ID, p.Update.Content, actor); err != nil {
				return err
			}
			p.DocumentID = doc.ID
			res.Appended = append(res.Appended, doc.ID)
			return nil
		}
	}

	rec := model.NewRecord(model.TypeDocument, title, actor.Provenance())
	d := rec.Document()
	d.ParentEntityID = owner
	d.DocType = p.Update.DocType
	rec.Body = strings.TrimSpace(p.Update.Content)
	created, err := e.writer.CreateDocument(ctx, rec, actor)
	if err != nil {
		return err
	}
	p.DocumentID = created.ID
	res.Created = append(res.Created, created.ID)
	return nil
}

// appendNotes appends notes to the entity's notes document, creating it
// when missing.
func (e *Executor) appendNotes(ctx context.Context, ownerID, ownerName, notes string, actor model.Actor) (string, error) {
	title := ownerName + " notes"
	doc, err := e.writer.OwnedDocument(ctx, ownerID, title)
	if err != nil {
		return "", err
	}
	if doc != nil {
		_, err := e.writer.AppendToDocument(ctx, doc.ID, notes, actor)
		return doc.ID, err
	}
	rec := model.NewRecord(model.TypeDocument, title, actor.Provenance())
	rec.Document().ParentEntityID = ownerID
	rec.Body = notes
	created, err := e.writer.CreateDocument(ctx, rec, actor)
	if err != nil {
		return "", err
	}
	return created.ID, nil
}
