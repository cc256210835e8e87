// Package pipeline runs the merge, correlate and score stages over one day of
// enriched indicator feeds.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lvonguyen/intelforge/internal/config"
	"github.com/lvonguyen/intelforge/internal/graph"
	"github.com/lvonguyen/intelforge/internal/mitre"
	"github.com/lvonguyen/intelforge/internal/observability"
	"github.com/lvonguyen/intelforge/internal/record"
	"github.com/lvonguyen/intelforge/internal/scoring"
)

// Stage names.
const (
	StageMerge     = "merge"
	StageCorrelate = "correlate"
	StageScore     = "score"
)

// Stages lists the stages in execution order.
var Stages = []string{StageMerge, StageCorrelate, StageScore}

var (
	// ErrMissingInput is returned when a stage's required input file is absent.
	ErrMissingInput = errors.New("missing input")
	// ErrInvalidDate is returned for dates not in YYYY-MM-DD form.
	ErrInvalidDate = errors.New("invalid date")
	// ErrUnknownStage is returned for stage names outside Stages.
	ErrUnknownStage = errors.New("unknown stage")
)

const dateLayout = "2006-01-02"

// Pipeline runs the stages against one configuration.
type Pipeline struct {
	cfg      *config.Config
	tel      *observability.Telemetry
	logger   *zap.Logger
	catalog  *mitre.Catalog
	now      func() time.Time
	newRunID func() string
}

// New creates a Pipeline.
func New(cfg *config.Config, tel *observability.Telemetry) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		tel:      tel,
		logger:   tel.Logger().Named("pipeline"),
		catalog:  mitre.NewCatalog(),
		now:      func() time.Time { return time.Now().UTC() },
		newRunID: func() string { return uuid.NewString() },
	}
}

// WithClock overrides the clock used for manifests and decay.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// Today returns the current date in the layout stages expect.
func (p *Pipeline) Today() string {
	return p.now().Format(dateLayout)
}

// ValidateDate checks date is a calendar date in YYYY-MM-DD form.
func ValidateDate(date string) error {
	if _, err := time.Parse(dateLayout, date); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidDate, date)
	}
	return nil
}

// MergedPath returns the merged output path for date.
func (p *Pipeline) MergedPath(date string) string {
	return filepath.Join(p.cfg.MergePolicy.OutDir, date+".jsonl")
}

// ScoredPath returns the scored output path for date.
func (p *Pipeline) ScoredPath(date string) string {
	return filepath.Join(p.cfg.Scoring.OutDir, date+".jsonl")
}

// GraphPaths returns the graph snapshot paths for date.
func (p *Pipeline) GraphPaths(date string) graph.Paths {
	return graph.SnapshotPaths(p.cfg.Correlation.OutDir, date)
}

func manifestPath(dir, date string) string {
	return filepath.Join(dir, date+".manifest.json")
}

// RunResult collects the manifests of a full run.
type RunResult struct {
	RunID     string          `json:"run_id"`
	Date      string          `json:"date"`
	Merge     *MergeManifest  `json:"merge,omitempty"`
	Correlate *graph.Manifest `json:"correlate,omitempty"`
	Score     *ScoreManifest  `json:"score,omitempty"`
}

// Run executes merge, correlate and score for date, stopping at the first error.
func (p *Pipeline) Run(ctx context.Context, date string) (*RunResult, error) {
	if err := ValidateDate(date); err != nil {
		return nil, err
	}

	ctx, span := p.tel.StartSpan(ctx, "pipeline.run", trace.WithAttributes(attribute.String("date", date)))
	defer span.End()

	res := &RunResult{RunID: p.newRunID(), Date: date}
	started := time.Now()
	p.logger.Info("Starting pipeline run", zap.String("date", date), zap.String("run_id", res.RunID))

	mm, err := p.Merge(ctx, date)
	if err != nil {
		p.tel.RecordError(ctx, err, zap.String("stage", StageMerge))
		return res, err
	}
	res.Merge = mm

	gm, err := p.Correlate(ctx, date)
	if err != nil {
		p.tel.RecordError(ctx, err, zap.String("stage", StageCorrelate))
		return res, err
	}
	res.Correlate = gm

	sm, err := p.Score(ctx, date)
	if err != nil {
		p.tel.RecordError(ctx, err, zap.String("stage", StageScore))
		return res, err
	}
	res.Score = sm

	p.logger.Info("Pipeline run complete",
		zap.String("date", date),
		zap.String("run_id", res.RunID),
		zap.Int("merged", mm.OutputRows),
		zap.Int("nodes", gm.Nodes),
		zap.Int("edges", gm.Edges),
		zap.Int("scored", sm.Count),
		zap.Duration("duration", time.Since(started)),
	)
	return res, nil
}

// RunStage executes a single named stage and returns its manifest.
func (p *Pipeline) RunStage(ctx context.Context, stage, date string) (any, error) {
	if err := ValidateDate(date); err != nil {
		return nil, err
	}
	switch stage {
	case StageMerge:
		return p.Merge(ctx, date)
	case StageCorrelate:
		return p.Correlate(ctx, date)
	case StageScore:
		return p.Score(ctx, date)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStage, stage)
	}
}

// stageSpan starts a span and returns a finish func that records the outcome.
func (p *Pipeline) stageSpan(ctx context.Context, stage, date string) (context.Context, func(*error)) {
	ctx, span := p.tel.StartSpan(ctx, "pipeline."+stage,
		trace.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("date", date),
		),
	)
	started := time.Now()
	return ctx, func(errp *error) {
		var err error
		if errp != nil {
			err = *errp
		}
		if err != nil {
			span.RecordError(err)
		}
		p.tel.ObserveStage(stage, started, err)
		span.End()
	}
}

// readMerged loads the merged records for date on behalf of stage.
func (p *Pipeline) readMerged(stage, date string) ([]record.MergedRecord, record.ReadStats, error) {
	path := p.MergedPath(date)
	var rows []record.MergedRecord
	stats, err := record.ReadJSONL(path, func(rec record.MergedRecord, _ []byte) error {
		rows = append(rows, rec)
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil, stats, fmt.Errorf("%w: merged records %s", ErrMissingInput, path)
	}
	if err != nil {
		return nil, stats, fmt.Errorf("reading merged records: %w", err)
	}
	if stats.Malformed > 0 {
		p.tel.Metrics().RecordsSkipped.WithLabelValues(stage, "malformed").Add(float64(stats.Malformed))
	}
	return rows, stats, nil
}

// LoadScored reads the scored records for date.
func (p *Pipeline) LoadScored(date string) ([]scoring.ScoredRecord, error) {
	if err := ValidateDate(date); err != nil {
		return nil, err
	}
	path := p.ScoredPath(date)
	var rows []scoring.ScoredRecord
	_, err := record.ReadJSONL(path, func(rec scoring.ScoredRecord, _ []byte) error {
		rows = append(rows, rec)
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: scored records %s", ErrMissingInput, path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading scored records: %w", err)
	}
	return rows, nil
}

// LoadGraph reads the graph snapshot for date.
func (p *Pipeline) LoadGraph(date string) (*graph.Snapshot, error) {
	if err := ValidateDate(date); err != nil {
		return nil, err
	}
	paths := p.GraphPaths(date)
	snap, err := graph.LoadSnapshot(paths.Nodes, paths.Edges)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: graph snapshot for %s", ErrMissingInput, date)
	}
	if err != nil {
		return nil, fmt.Errorf("loading graph snapshot: %w", err)
	}
	return snap, nil
}

// sourceDirs lists the source directories under the enriched root, sorted.
func sourceDirs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}
