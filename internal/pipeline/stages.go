package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/intelforge/internal/graph"
	"github.com/lvonguyen/intelforge/internal/merge"
	"github.com/lvonguyen/intelforge/internal/record"
	"github.com/lvonguyen/intelforge/internal/scoring"
	"github.com/lvonguyen/intelforge/internal/signals"
)

// MergeManifest summarizes a merge run.
type MergeManifest struct {
	MergedPath        string    `json:"merged_path"`
	Date              string    `json:"date"`
	CreatedAt         time.Time `json:"created_at"`
	RunID             string    `json:"run_id"`
	SourcesScanned    int       `json:"sources_scanned"`
	InputRecords      int       `json:"input_records"`
	MalformedSkipped  int       `json:"malformed_skipped"`
	DuplicatesSkipped int       `json:"duplicates_skipped"`
	InputKeys         int       `json:"input_keys"`
	FuzzyJoins        int       `json:"fuzzy_joins"`
	OutputRows        int       `json:"output_rows"`
	FuzzyEnabled      bool      `json:"fuzzy_enabled"`
	FuzzyThreshold    float64   `json:"fuzzy_threshold"`
}

// ScoreManifest summarizes a scoring run.
type ScoreManifest struct {
	ScoredPath   string         `json:"scored_path"`
	Date         string         `json:"date"`
	CreatedAt    time.Time      `json:"created_at"`
	Count        int            `json:"count"`
	RunID        string         `json:"run_id"`
	Bands        map[string]int `json:"bands"`
	GraphPresent bool           `json:"graph_present"`
}

// Merge reconciles every source's enriched records for date into one merged
// record per indicator cluster.
func (p *Pipeline) Merge(ctx context.Context, date string) (m *MergeManifest, err error) {
	ctx, finish := p.stageSpan(ctx, StageMerge, date)
	defer func() { finish(&err) }()

	policy := p.cfg.MergePolicy
	metrics := p.tel.Metrics()

	sources, err := sourceDirs(p.cfg.Pipeline.EnrichedDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: enriched dir %s", ErrMissingInput, p.cfg.Pipeline.EnrichedDir)
	}
	if err != nil {
		return nil, fmt.Errorf("listing sources: %w", err)
	}

	m = &MergeManifest{
		MergedPath:     p.MergedPath(date),
		Date:           date,
		RunID:          p.newRunID(),
		FuzzyEnabled:   policy.Fuzzy.Enabled,
		FuzzyThreshold: policy.Fuzzy.TokenRatioThreshold,
	}

	seen := merge.NewSeenSet()
	var items []merge.Item
	for _, source := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		path := filepath.Join(p.cfg.Pipeline.EnrichedDir, source, date+".jsonl")
		duplicates := 0
		stats, err := record.ReadJSONL(path, func(rec record.IndicatorRecord, line []byte) error {
			if !seen.Add(merge.DedupKey(source, &rec, line)) {
				duplicates++
				return nil
			}
			items = append(items, merge.NewItem(rec, source))
			return nil
		})
		if errors.Is(err, os.ErrNotExist) {
			p.logger.Debug("No input for source", zap.String("source", source), zap.String("date", date))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading source %s: %w", source, err)
		}

		m.SourcesScanned++
		m.InputRecords += stats.Parsed
		m.MalformedSkipped += stats.Malformed
		m.DuplicatesSkipped += duplicates

		metrics.RecordsIngested.WithLabelValues(source).Add(float64(stats.Parsed - duplicates))
		metrics.RecordsSkipped.WithLabelValues(StageMerge, "malformed").Add(float64(stats.Malformed))
		metrics.RecordsSkipped.WithLabelValues(StageMerge, "duplicate").Add(float64(duplicates))

		if stats.Malformed > 0 {
			p.logger.Debug("Skipped malformed lines",
				zap.String("source", source),
				zap.Int("malformed", stats.Malformed),
			)
		}
	}

	groups, cstats := merge.Cluster(items, policy.FuzzyOptions())
	m.InputKeys = cstats.Buckets
	m.FuzzyJoins = cstats.FuzzyJoins
	metrics.ClustersFormed.Add(float64(cstats.Groups))
	metrics.FuzzyJoins.Add(float64(cstats.FuzzyJoins))

	merged, err := merge.NewMerger(policy, p.logger).MergeAll(ctx, groups)
	if err != nil {
		return nil, fmt.Errorf("merging clusters: %w", err)
	}
	m.OutputRows = len(merged)
	metrics.MergedRecords.Set(float64(len(merged)))

	if err := record.WriteJSONL(m.MergedPath, merged); err != nil {
		return nil, fmt.Errorf("writing merged records: %w", err)
	}
	m.CreatedAt = p.now()
	if err := record.WriteJSON(manifestPath(policy.OutDir, date), m); err != nil {
		return nil, fmt.Errorf("writing merge manifest: %w", err)
	}

	p.logger.Info("Merge complete",
		zap.String("date", date),
		zap.Int("sources", m.SourcesScanned),
		zap.Int("input_records", m.InputRecords),
		zap.Int("malformed_skipped", m.MalformedSkipped),
		zap.Int("duplicates_skipped", m.DuplicatesSkipped),
		zap.Int("clusters", cstats.Groups),
		zap.Int("fuzzy_joins", cstats.FuzzyJoins),
		zap.Int("output_rows", m.OutputRows),
	)
	return m, nil
}

// Correlate builds the correlation graph from the merged records for date and
// exports its snapshot.
func (p *Pipeline) Correlate(ctx context.Context, date string) (m *graph.Manifest, err error) {
	ctx, finish := p.stageSpan(ctx, StageCorrelate, date)
	defer func() { finish(&err) }()

	rows, _, err := p.readMerged(StageCorrelate, date)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g, err := graph.NewBuilder(p.cfg.Correlation, p.catalog, p.logger).
		WithClock(p.now).
		Build(rows)
	if err != nil {
		return nil, fmt.Errorf("building graph: %w", err)
	}

	manifest, err := g.Snapshot().Write(p.cfg.Correlation.OutDir, date, p.newRunID(), p.now())
	if err != nil {
		return nil, fmt.Errorf("exporting graph: %w", err)
	}

	metrics := p.tel.Metrics()
	metrics.GraphNodes.Reset()
	for kind, n := range manifest.NodesByKind {
		metrics.GraphNodes.WithLabelValues(kind).Set(float64(n))
	}
	metrics.GraphEdges.Reset()
	for etype, n := range manifest.EdgesByType {
		metrics.GraphEdges.WithLabelValues(etype).Set(float64(n))
	}

	p.logger.Info("Correlation complete",
		zap.String("date", date),
		zap.Int("records", len(rows)),
		zap.Int("nodes", manifest.Nodes),
		zap.Int("edges", manifest.Edges),
	)
	return &manifest, nil
}

// Score scores the merged records for date using the graph snapshot when one
// was exported.
func (p *Pipeline) Score(ctx context.Context, date string) (m *ScoreManifest, err error) {
	ctx, finish := p.stageSpan(ctx, StageScore, date)
	defer func() { finish(&err) }()

	rows, _, err := p.readMerged(StageScore, date)
	if err != nil {
		return nil, err
	}

	paths := p.GraphPaths(date)
	sigs, err := signals.Load(paths.Nodes, paths.Edges)
	if err != nil {
		return nil, fmt.Errorf("loading graph signals: %w", err)
	}
	if sigs.Len() == 0 {
		p.logger.Info("No graph signals for date, scoring without graph", zap.String("date", date))
	}

	scorer := scoring.NewScorer(p.cfg.Scoring, p.cfg.MergePolicy.Precedence.Sources, p.logger).WithClock(p.now)
	scored, err := scorer.ScoreAll(ctx, rows, sigs)
	if err != nil {
		return nil, fmt.Errorf("scoring records: %w", err)
	}

	m = &ScoreManifest{
		ScoredPath:   p.ScoredPath(date),
		Date:         date,
		Count:        len(scored),
		RunID:        p.newRunID(),
		Bands:        scoring.CountBands(scored),
		GraphPresent: sigs.Len() > 0,
	}
	if err := record.WriteJSONL(m.ScoredPath, scored); err != nil {
		return nil, fmt.Errorf("writing scored records: %w", err)
	}
	m.CreatedAt = p.now()
	if err := record.WriteJSON(manifestPath(p.cfg.Scoring.OutDir, date), m); err != nil {
		return nil, fmt.Errorf("writing score manifest: %w", err)
	}

	for band, n := range m.Bands {
		p.tel.Metrics().ScoredRecords.WithLabelValues(band).Set(float64(n))
	}

	p.logger.Info("Scoring complete",
		zap.String("date", date),
		zap.Int("count", m.Count),
		zap.Int("p1", m.Bands[scoring.BandP1]),
		zap.Int("p2", m.Bands[scoring.BandP2]),
		zap.Bool("graph", m.GraphPresent),
	)
	return m, nil
}
