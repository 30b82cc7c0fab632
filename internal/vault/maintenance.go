package vault

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kittclouds/kittvault/internal/canon"
	"github.com/kittclouds/kittvault/internal/graphcache"
	"github.com/kittclouds/kittvault/internal/model"
	"github.com/kittclouds/kittvault/internal/store"
)

// maxConcurrentEmbeds bounds embedding calls during a rebuild.
const maxConcurrentEmbeds = 4

// RebuildReport summarizes RebuildAll.
type RebuildReport struct {
	Indexed     int           `json:"indexed"`
	Nodes       int           `json:"nodes"`
	Embedded    int           `json:"embedded"`
	EmbedFailed int           `json:"embedFailed"`
	Duration    time.Duration `json:"duration"`
}

// RebuildAll regenerates the relational index and the graph cache from the
// canonical store alone, then re-embeds every node. The audit log is kept.
// Writers need not be paused; they may read stale results meanwhile.
func (v *Vault) RebuildAll(ctx context.Context) (*RebuildReport, error) {
	start := time.Now()
	indexed, err := v.index.RebuildFrom(ctx, v.canon)
	if err != nil {
		return nil, fmt.Errorf("rebuild index: %w", err)
	}

	var recs []*model.Record
	err = v.canon.Each(ctx, func(doc *canon.Document) error {
		recs = append(recs, doc.Record)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan canonical store: %w", err)
	}
	nodes, err := v.cache.RebuildFromDocuments(ctx, recs)
	if err != nil {
		return nil, fmt.Errorf("rebuild graph cache: %w", err)
	}

	report := &RebuildReport{Indexed: indexed, Nodes: nodes}
	if v.embedder != nil {
		var embedded, failed atomic.Int64
		eg, egCtx := errgroup.WithContext(ctx)
		eg.SetLimit(maxConcurrentEmbeds)
		for _, rec := range recs {
			if graphcache.NodeFromRecord(rec) == nil {
				continue
			}
			eg.Go(func() error {
				if v.embed(egCtx, rec) {
					embedded.Add(1)
				} else {
					failed.Add(1)
				}
				return egCtx.Err()
			})
		}
		if err := eg.Wait(); err != nil {
			return nil, err
		}
		report.Embedded, report.EmbedFailed = int(embedded.Load()), int(failed.Load())
	}
	report.Duration = time.Since(start)

	v.logger.Info("Rebuilt derived stores",
		zap.Int("indexed", report.Indexed),
		zap.Int("nodes", report.Nodes),
		zap.Int("embedded", report.Embedded),
		zap.Int("embed_failed", report.EmbedFailed),
		zap.Duration("duration", report.Duration))
	return report, nil
}

// VerifyReport lists where the derived stores disagree with the canonical
// store.
type VerifyReport struct {
	Checked          int      `json:"checked"`
	MissingInIndex   []string `json:"missingInIndex,omitempty"`
	ChecksumMismatch []string `json:"checksumMismatch,omitempty"`
	NotCanonical     []string `json:"notCanonical,omitempty"`
	MissingInCache   []string `json:"missingInCache,omitempty"`
}

// OK reports whether nothing disagreed.
func (r *VerifyReport) OK() bool {
	return len(r.MissingInIndex) == 0 && len(r.ChecksumMismatch) == 0 &&
		len(r.NotCanonical) == 0 && len(r.MissingInCache) == 0
}

// Verify compares the index and the cache against the canonical store
// without changing anything.
func (v *Vault) Verify(ctx context.Context) (*VerifyReport, error) {
	report := &VerifyReport{}
	canonical := make(map[string]bool)
	err := v.canon.Each(ctx, func(doc *canon.Document) error {
		rec := doc.Record
		canonical[rec.ID] = true
		report.Checked++
		switch rec.Type {
		case model.TypeFolder:
			f, err := v.index.GetFolder(ctx, rec.ID)
			if err != nil {
				return err
			}
			if f == nil {
				report.MissingInIndex = append(report.MissingInIndex, rec.ID)
			}
			return nil
		case model.TypeTag:
			return nil
		}

		row, err := v.index.Get(ctx, rec.ID)
		if err != nil {
			return err
		}
		switch {
		case row == nil:
			report.MissingInIndex = append(report.MissingInIndex, rec.ID)
		case row.Checksum != doc.Checksum:
			report.ChecksumMismatch = append(report.ChecksumMismatch, rec.ID)
		}
		node, err := v.cache.GetNode(ctx, rec.ID)
		if err != nil {
			return err
		}
		if node == nil {
			report.MissingInCache = append(report.MissingInCache, rec.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	rows, err := v.index.ListByType(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		if !canonical[r.ID] {
			report.NotCanonical = append(report.NotCanonical, r.ID)
		}
	}
	return report, nil
}

// Stats reports the sizes of both derived stores.
type Stats struct {
	Index *store.Stats      `json:"index"`
	Cache *graphcache.Stats `json:"cache"`
}

// Stats collects index and cache statistics.
func (v *Vault) Stats(ctx context.Context) (*Stats, error) {
	is, err := v.index.Stats(ctx)
	if err != nil {
		return nil, err
	}
	cs, err := v.cache.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{Index: is, Cache: cs}, nil
}
