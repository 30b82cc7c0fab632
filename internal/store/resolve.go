package store

import (
	"context"

	"github.com/kittclouds/kittvault/internal/model"
	"github.com/kittclouds/kittvault/pkg/resolver"
)

// Candidates returns every entity of type t for fuzzy resolution.
func (s *SQLiteStore) Candidates(ctx context.Context, t model.EntityType) ([]*Row, error) {
	return s.ListByType(ctx, t)
}

// ResolverSource adapts the index to resolver.Source.
func (s *SQLiteStore) ResolverSource() resolver.Source {
	return resolverSource{s: s}
}

type resolverSource struct {
	s *SQLiteStore
}

var _ resolver.Source = resolverSource{}

func (r resolverSource) ExactMatches(ctx context.Context, entityType, norm string) ([]resolver.Entry, error) {
	rows, err := r.s.FindByName(ctx, model.EntityType(entityType), norm)
	return entries(rows), err
}

func (r resolverSource) AliasMatches(ctx context.Context, entityType, norm string) ([]resolver.Entry, error) {
	rows, err := r.s.LookupAlias(ctx, model.EntityType(entityType), norm)
	return entries(rows), err
}

func (r resolverSource) Candidates(ctx context.Context, entityType string) ([]resolver.Entry, error) {
	if entityType == "" {
		return nil, nil
	}
	rows, err := r.s.Candidates(ctx, model.EntityType(entityType))
	return entries(rows), err
}

func entries(rows []*Row) []resolver.Entry {
	out := make([]resolver.Entry, len(rows))
	for i, r := range rows {
		out[i] = resolver.Entry{ID: r.ID, Name: r.Name, Type: string(r.Type), Context: r.Context}
	}
	return out
}
