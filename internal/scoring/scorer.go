// Package scoring combines enrichment, graph, recency, confidence and source
// trust signals into a bounded, banded and explainable risk score.
package scoring

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lvonguyen/intelforge/internal/decay"
	"github.com/lvonguyen/intelforge/internal/merge"
	"github.com/lvonguyen/intelforge/internal/record"
	"github.com/lvonguyen/intelforge/internal/signals"
)

// Priority bands, P1 highest.
const (
	BandP1 = "P1"
	BandP2 = "P2"
	BandP3 = "P3"
	BandP4 = "P4"
)

// AllBands lists all bands in priority order.
var AllBands = []string{BandP1, BandP2, BandP3, BandP4}

const (
	defaultConfidenceBucket = "medium"
	defaultConfidenceWeight = 0.8
)

// Scorer scores merged records.
type Scorer struct {
	cfg        Config
	precedence merge.Precedence
	logger     *zap.Logger
	now        func() time.Time
}

// NewScorer creates a Scorer. precedence ranks sources for the trust factor.
// Category weight and confidence keys are matched case-insensitively.
func NewScorer(cfg Config, precedence merge.Precedence, logger *zap.Logger) *Scorer {
	cfg.Confidence = lowerKeys(cfg.Confidence)
	cfg.Signals.Categories.Weights = lowerKeys(cfg.Signals.Categories.Weights)
	return &Scorer{
		cfg:        cfg,
		precedence: precedence,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock used as the recency reference.
func (s *Scorer) WithClock(now func() time.Time) *Scorer {
	s.now = now
	return s
}

// Score computes the unrounded score of rec. sig is nil when the indicator has
// no graph entry.
func (s *Scorer) Score(rec *record.MergedRecord, sig *signals.Signal, now time.Time) (float64, Breakdown) {
	var b Breakdown

	b.FreshnessFactor = decay.Factor(rec.LastSeen, now, s.cfg.Recency.HalfLifeDays, s.cfg.Recency.Floor, 1.0)
	b.ConfidenceFactor = s.confidenceFactor(rec.Confidence)
	b.SourceRank = s.precedence.Rank(rec.Source)
	b.TrustFactor = s.trustFactor(b.SourceRank)

	b.Signals.Reputation = s.reputation(rec)
	b.Signals.Categories = s.categories(rec)
	b.Signals.Malware = s.malware(rec)
	b.Signals.Graph = s.graph(sig)
	b.Signals.Sum = b.Signals.Reputation.Contrib +
		b.Signals.Categories.Contrib +
		b.Signals.Malware.Contrib +
		b.Signals.Graph.Contrib

	b.RawScore = decay.Clamp(finite(b.Signals.Sum*b.FreshnessFactor*b.ConfidenceFactor*b.TrustFactor), 0, 1)
	return b.RawScore, b
}

// Band maps a score onto the threshold ladder.
func (s *Scorer) Band(score float64) string {
	switch {
	case score >= s.cfg.Bands.Critical:
		return BandP1
	case score >= s.cfg.Bands.High:
		return BandP2
	case score >= s.cfg.Bands.Medium:
		return BandP3
	default:
		return BandP4
	}
}

// ScoreAll scores every record in parallel, sorts by descending score (stable
// on ties) and applies the alert budget when enabled.
func (s *Scorer) ScoreAll(ctx context.Context, records []record.MergedRecord, sigs *signals.Signals) ([]ScoredRecord, error) {
	now := s.now()
	out := make([]ScoredRecord, len(records))

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range records {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rec := &records[i]
			var sig *signals.Signal
			if sigs != nil {
				if v, ok := sigs.ForIndicator(rec.IndicatorType, rec.Indicator); ok {
					sig = &v
				}
			}
			score, breakdown := s.Score(rec, sig, now)
			out[i] = ScoredRecord{
				MergedRecord: *rec,
				Score:        round4(score),
				Band:         s.Band(score),
				Breakdown:    breakdown,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })

	if s.cfg.Budget.Enabled && s.cfg.Budget.MaxAlerts >= 0 && len(out) > s.cfg.Budget.MaxAlerts {
		s.logger.Info("alert budget applied",
			zap.Int("scored", len(out)),
			zap.Int("kept", s.cfg.Budget.MaxAlerts),
		)
		out = out[:s.cfg.Budget.MaxAlerts]
	}
	return out, nil
}

// CountBands tallies records per band.
func CountBands(rows []ScoredRecord) map[string]int {
	counts := make(map[string]int, len(AllBands))
	for _, b := range AllBands {
		counts[b] = 0
	}
	for _, r := range rows {
		counts[r.Band]++
	}
	return counts
}

func (s *Scorer) confidenceFactor(bucket string) float64 {
	bucket = strings.ToLower(strings.TrimSpace(bucket))
	if bucket == "" {
		bucket = defaultConfidenceBucket
	}
	if w, ok := s.cfg.Confidence[bucket]; ok {
		return w
	}
	if w, ok := s.cfg.Confidence[defaultConfidenceBucket]; ok {
		return w
	}
	return defaultConfidenceWeight
}

func (s *Scorer) trustFactor(rank int) float64 {
	switch {
	case rank == 0 && len(s.precedence) > 0:
		return s.cfg.Trust.TopSourceBonus
	case rank == 1 && len(s.precedence) > 1:
		return s.cfg.Trust.MidSourceBonus
	default:
		return s.cfg.Trust.OtherSourceBonus
	}
}

func (s *Scorer) reputation(rec *record.MergedRecord) ReputationDetail {
	rc := s.cfg.Signals.Reputation
	raw, ok := rec.Enrichment.Reputation()
	if !rc.Enabled || !ok || math.IsNaN(raw) || math.IsInf(raw, 0) {
		return ReputationDetail{}
	}
	norm := finite(decay.MinMax(raw, rc.MapMin, rc.MapMax))
	return ReputationDetail{
		Raw:     &raw,
		Norm:    norm,
		Contrib: math.Min(norm*rc.Cap, rc.Cap),
	}
}

func (s *Scorer) categories(rec *record.MergedRecord) CategoriesDetail {
	cc := s.cfg.Signals.Categories
	d := CategoriesDetail{Tags: []CategoryHit{}}
	if !cc.Enabled {
		return d
	}
	for _, tag := range rec.Enrichment.Categories() {
		w := cc.Weights[tag]
		if w <= 0 {
			continue
		}
		d.Tags = append(d.Tags, CategoryHit{Tag: tag, Weight: w})
		d.Subtotal += w
	}
	d.Contrib = math.Min(d.Subtotal, cc.Cap)
	return d
}

func (s *Scorer) malware(rec *record.MergedRecord) MalwareDetail {
	mc := s.cfg.Signals.MalwareFamilies
	d := MalwareDetail{Families: []string{}, PerFamily: mc.PerFamily}
	if !mc.Enabled {
		return d
	}
	if fams := rec.Enrichment.MalwareFamilies(); len(fams) > 0 {
		d.Families = fams
	}
	d.Subtotal = mc.PerFamily * float64(len(d.Families))
	d.Contrib = math.Min(d.Subtotal, mc.Cap)
	return d
}

func (s *Scorer) graph(sig *signals.Signal) GraphDetail {
	gc := s.cfg.Graph
	d := GraphDetail{
		Weights: GraphWeights{Degree: gc.DegreeWeight, Technique: gc.TechniqueWeight, CVE: gc.CVEWeight},
	}
	if !gc.Enabled || sig == nil {
		return d
	}
	d.Present = true
	d.Degree, d.TechSum, d.CVESum = sig.Degree, sig.TechSum, sig.CVESum
	d.DegNorm, d.TechSumNorm, d.CVESumNorm = sig.DegNorm, sig.TechSumNorm, sig.CVESumNorm
	sum := sig.DegNorm*gc.DegreeWeight + sig.TechSumNorm*gc.TechniqueWeight + sig.CVESumNorm*gc.CVEWeight
	d.Contrib = math.Min(sum, gc.Cap)
	return d
}

// finite maps NaN and infinities to 0.
func finite(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0
	}
	return x
}

func lowerKeys(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return out
}

func round4(x float64) float64 {
	return math.Round(x*1e4) / 1e4
}
