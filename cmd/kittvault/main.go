// Command kittvault maintains and queries a personal knowledge vault from
// the command line.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/hack-pad/hackpadfs"
	osfs "github.com/hack-pad/hackpadfs/os"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kittclouds/kittvault/internal/canon"
	"github.com/kittclouds/kittvault/internal/config"
	"github.com/kittclouds/kittvault/internal/graphcache"
	"github.com/kittclouds/kittvault/internal/logging"
	"github.com/kittclouds/kittvault/internal/store"
	"github.com/kittclouds/kittvault/internal/vault"
	"github.com/kittclouds/kittvault/pkg/embed"
	"github.com/kittclouds/kittvault/pkg/resorank"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, s := newRootCmd()
	defer s.shutdown()
	if err := root.ExecuteContext(ctx); err != nil {
		return 1
	}
	return 0
}

// session is the vault opened for one command invocation.
type session struct {
	cfg    *config.Config
	logger *zap.Logger
	vault  *vault.Vault
	close  func()
}

func newRootCmd() (*cobra.Command, *session) {
	s := &session{}
	var configPath string

	root := &cobra.Command{
		Use:   "kittvault",
		Short: "kittvault - personal knowledge vault",
		Long: `kittvault keeps people, projects, goals, events, periods and documents
as markdown files and mirrors them into a SQLite index and a graph cache.

The markdown files are the source of truth; the index and the cache can
always be rebuilt from them.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" || s.vault != nil {
				return nil
			}
			return s.open(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("KITTVAULT_CONFIG"),
		"YAML config file (environment variables override it)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "kittvault v%s (%s)\n", version, commit)
		},
	})
	root.AddCommand(
		newRebuildCmd(s),
		newVerifyCmd(s),
		newStatsCmd(s),
		newSearchCmd(s),
		newResolveCmd(s),
		newMentionsCmd(s),
		newHistoryCmd(s),
		newLoopsCmd(s),
		newUndoCmd(s),
		newPruneTagsCmd(s),
	)
	return root, s
}

// shutdown closes whatever open managed to set up.
func (s *session) shutdown() {
	if s.close != nil {
		s.close()
		s.close = nil
	}
}

// open loads the configuration and wires the stores into a vault. Derived
// stores kept in memory start empty, so they are rebuilt right away.
func (s *session) open(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	s.cfg, s.logger = cfg, logger

	var closers []func() error
	s.close = func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("Close failed", zap.Error(err))
			}
		}
		_ = logger.Sync()
	}

	canonFS, err := dirFS(cfg.Canon.Dir)
	if err != nil {
		return fmt.Errorf("canonical store: %w", err)
	}

	var index *store.SQLiteStore
	if cfg.Index.InMemory() {
		index, err = store.NewSQLiteStore(logger)
	} else {
		if err = os.MkdirAll(filepath.Dir(cfg.Index.Path), 0o755); err != nil {
			return fmt.Errorf("index directory: %w", err)
		}
		index, err = store.NewSQLiteStoreAt(cfg.Index.Path, logger)
	}
	if err != nil {
		return err
	}
	closers = append(closers, index.Close)

	ranking := resorank.DefaultConfig()
	ranking.K1, ranking.B = cfg.Cache.K1, cfg.Cache.B
	opts := graphcache.Options{
		Dir:       cfg.Cache.Dir,
		InMemory:  cfg.Cache.InMemory,
		Dimension: cfg.Embed.Dimension(),
		Ranking:   ranking,
	}
	if !cfg.Cache.InMemory {
		if opts.VectorFS, err = dirFS(cfg.Cache.Dir); err != nil {
			return fmt.Errorf("vector index: %w", err)
		}
		opts.VectorPath = cfg.Cache.VectorFile
	}
	cache, err := graphcache.Open(opts, logger)
	if err != nil {
		return err
	}
	closers = append(closers, cache.Close)

	embedder, err := newEmbedder(cfg.Embed, logger)
	if err != nil {
		return err
	}

	v, err := vault.New(vault.Deps{
		Canon:        canon.New(canonFS, logger),
		Index:        index,
		Cache:        cache,
		Embedder:     embedder,
		Thresholds:   cfg.Resolver,
		Rules:        cfg.Rules,
		EmbedTimeout: cfg.Embed.Deadline,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	s.vault = v

	if cfg.Index.InMemory() || cfg.Cache.InMemory {
		if _, err := v.RebuildAll(ctx); err != nil {
			return fmt.Errorf("initial rebuild: %w", err)
		}
	}
	logger.Debug("Vault opened",
		zap.String("data_dir", cfg.DataDir),
		zap.String("embedder", cfg.Embed.Provider))
	return nil
}

func newEmbedder(cfg config.EmbedConfig, logger *zap.Logger) (embed.Embedder, error) {
	switch cfg.Provider {
	case config.ProviderHashing:
		return embed.NewHashing(cfg.HashingDim), nil
	case config.ProviderOpenAI:
		return embed.NewClient(cfg.OpenAI, logger)
	default:
		return nil, nil
	}
}

// dirFS returns an OS-backed filesystem rooted at dir, creating dir first.
func dirFS(dir string) (hackpadfs.FS, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	fsys := osfs.NewFS()
	root, err := fsys.FromOSPath(abs)
	if err != nil {
		return nil, err
	}
	return fsys.Sub(root)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
