package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kittclouds/kittvault/internal/model"
	"github.com/kittclouds/kittvault/pkg/resolver"
)

func newRebuildCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Regenerate the index and the graph cache from the markdown files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := s.vault.RebuildAll(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
}

func newVerifyCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Compare the derived stores against the markdown files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := s.vault.Verify(cmd.Context())
			if err != nil {
				return err
			}
			if err := printJSON(cmd, report); err != nil {
				return err
			}
			if !report.OK() {
				return errors.New("derived stores disagree with the canonical store; run rebuild")
			}
			return nil
		},
	}
}

func newStatsCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show index and graph cache statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := s.vault.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, stats)
		},
	}
}

func newSearchCmd(s *session) *cobra.Command {
	var types []string
	var limit int
	var semantic bool
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Full-text or semantic search",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseTypes(types)
			if err != nil {
				return err
			}
			query := strings.Join(args, " ")
			if semantic {
				res, err := s.vault.SemanticSearch(cmd.Context(), query, limit, parsed...)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			}
			hits, err := s.vault.Search(cmd.Context(), query, parsed, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, hits)
		},
	}
	cmd.Flags().StringSliceVarP(&types, "type", "t", nil, "restrict to entity types (repeatable)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "maximum number of results")
	cmd.Flags().BoolVar(&semantic, "semantic", false, "rank by embedding similarity, falling back to BM25F")
	return cmd
}

func newResolveCmd(s *session) *cobra.Command {
	var entityType, context string
	cmd := &cobra.Command{
		Use:   "resolve [name]",
		Short: "Resolve a name to an existing entity",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := s.vault.ResolveEntity(cmd.Context(), resolver.Query{
				Name:    strings.Join(args, " "),
				Type:    entityType,
				Context: context,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().StringVarP(&entityType, "type", "t", "", "entity type to resolve within")
	cmd.Flags().StringVar(&context, "context", "", "disambiguating context, e.g. \"from work\"")
	return cmd
}

func newMentionsCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "mentions [text]",
		Short: "Find names of known entities in free text",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			matches, err := s.vault.FindMentions(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			return printJSON(cmd, matches)
		},
	}
}

func newHistoryCmd(s *session) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [id]",
		Short: "Show the audit history of a record, or recent changes without an id",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				entries, err := s.vault.Audit().Recent(cmd.Context(), limit)
				if err != nil {
					return err
				}
				return printJSON(cmd, entries)
			}
			entries, err := s.vault.History(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, entries)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of entries (0 for all)")
	return cmd
}

func newLoopsCmd(s *session) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "loops",
		Short: "List stale projects and goals and records awaiting review",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			loops, err := s.vault.DetectOpenLoops(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			return printJSON(cmd, loops)
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "idle time after which a project or goal is stale")
	return cmd
}

func newUndoCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "undo [id]",
		Short: "Revert the latest update, correction or delete of a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := s.vault.Undo(cmd.Context(), args[0], model.ActorUser)
			if err != nil {
				return errors.New(model.UserMessage(err))
			}
			return printJSON(cmd, rec)
		},
	}
}

func newPruneTagsCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "prune-tags",
		Short: "Drop tags no record uses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pruned, err := s.vault.PruneTags(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, pruned)
		},
	}
}

func parseTypes(raw []string) ([]model.EntityType, error) {
	var out []model.EntityType
	for _, r := range raw {
		t, ok := model.ParseEntityType(strings.ToLower(strings.TrimSpace(r)))
		if !ok {
			return nil, fmt.Errorf("unknown entity type %q", r)
		}
		out = append(out, t)
	}
	return out, nil
}
