package merge

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lvonguyen/intelforge/internal/record"
)

// Merger resolves many clusters in parallel.
type Merger struct {
	resolver *Resolver
	workers  int
	logger   *zap.Logger
}

// NewMerger creates a Merger for the policy.
func NewMerger(p Policy, logger *zap.Logger) *Merger {
	workers := p.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Merger{
		resolver: NewResolver(p),
		workers:  workers,
		logger:   logger,
	}
}

// MergeAll resolves every group. Output order matches group order.
func (m *Merger) MergeAll(ctx context.Context, groups [][]Item) ([]record.MergedRecord, error) {
	out := make([]record.MergedRecord, len(groups))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers)
	for i := range groups {
		if len(groups[i]) == 0 {
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			out[i] = m.resolver.Resolve(groups[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Skip slots left by empty groups.
	merged := out[:0]
	for _, rec := range out {
		if rec.Valid() {
			merged = append(merged, rec)
		}
	}

	m.logger.Debug("merged clusters",
		zap.Int("groups", len(groups)),
		zap.Int("records", len(merged)),
		zap.Int("workers", m.workers),
	)
	return merged, nil
}
