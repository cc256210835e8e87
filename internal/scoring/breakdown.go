package scoring

import (
	"encoding/json"

	"github.com/lvonguyen/intelforge/internal/record"
)

// Output field names added to merged records.
const (
	FieldScore          = "score"
	FieldBand           = "band"
	FieldScoreBreakdown = "score_breakdown"
)

// Breakdown records every input that produced a score.
type Breakdown struct {
	FreshnessFactor  float64          `json:"freshness_factor"`
	ConfidenceFactor float64          `json:"confidence_factor"`
	TrustFactor      float64          `json:"trust_factor"`
	SourceRank       int              `json:"source_rank"`
	Signals          SignalsBreakdown `json:"signals"`
	RawScore         float64          `json:"raw_score"`
}

// SignalsBreakdown holds each signal's detail and their sum.
type SignalsBreakdown struct {
	Reputation ReputationDetail `json:"reputation"`
	Categories CategoriesDetail `json:"categories"`
	Malware    MalwareDetail    `json:"malware"`
	Graph      GraphDetail      `json:"graph"`
	Sum        float64          `json:"sum"`
}

// ReputationDetail explains the reputation contribution. Raw is nil when no
// provider reported a usable reputation.
type ReputationDetail struct {
	Raw     *float64 `json:"raw"`
	Norm    float64  `json:"norm"`
	Contrib float64  `json:"contrib"`
}

// CategoryHit is one weighted category.
type CategoryHit struct {
	Tag    string  `json:"tag"`
	Weight float64 `json:"w"`
}

// CategoriesDetail explains the category contribution.
type CategoriesDetail struct {
	Tags     []CategoryHit `json:"tags"`
	Subtotal float64       `json:"subtotal"`
	Contrib  float64       `json:"contrib"`
}

// MalwareDetail explains the malware-family contribution.
type MalwareDetail struct {
	Families  []string `json:"families"`
	PerFamily float64  `json:"per"`
	Subtotal  float64  `json:"subtotal"`
	Contrib   float64  `json:"contrib"`
}

// GraphDetail explains the graph contribution.
type GraphDetail struct {
	Present     bool         `json:"present"`
	Degree      float64      `json:"degree"`
	TechSum     float64      `json:"tech_sum"`
	CVESum      float64      `json:"cve_sum"`
	DegNorm     float64      `json:"deg_norm"`
	TechSumNorm float64      `json:"tech_sum_norm"`
	CVESumNorm  float64      `json:"cve_sum_norm"`
	Weights     GraphWeights `json:"weights"`
	Contrib     float64      `json:"contrib"`
}

// GraphWeights echoes the configured graph weights.
type GraphWeights struct {
	Degree    float64 `json:"deg"`
	Technique float64 `json:"tech"`
	CVE       float64 `json:"cve"`
}

// ScoredRecord is a merged record with its score, band and breakdown.
type ScoredRecord struct {
	record.MergedRecord
	Score     float64
	Band      string
	Breakdown Breakdown
}

// MarshalJSON encodes the merged record fields plus score, band and breakdown.
func (s ScoredRecord) MarshalJSON() ([]byte, error) {
	m := s.MergedRecord.AsMap()
	m[FieldScore] = s.Score
	m[FieldBand] = s.Band
	m[FieldScoreBreakdown] = s.Breakdown
	return json.Marshal(m)
}

// UnmarshalJSON decodes a scored record line.
func (s *ScoredRecord) UnmarshalJSON(data []byte) error {
	if err := s.MergedRecord.UnmarshalJSON(data); err != nil {
		return err
	}
	var tail struct {
		Score     float64   `json:"score"`
		Band      string    `json:"band"`
		Breakdown Breakdown `json:"score_breakdown"`
	}
	if err := json.Unmarshal(data, &tail); err != nil {
		return err
	}
	s.Score = tail.Score
	s.Band = tail.Band
	s.Breakdown = tail.Breakdown
	delete(s.Fields, FieldScore)
	delete(s.Fields, FieldBand)
	delete(s.Fields, FieldScoreBreakdown)
	return nil
}
