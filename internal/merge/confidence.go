package merge

import (
	"strings"

	"github.com/lvonguyen/intelforge/internal/record"
)

const (
	defaultBucket = "medium"
	defaultScore  = 0.6
)

// NormalizeConfidence maps a raw confidence string to a bucket and its score.
// Unmapped values fall back to the map's "" entry, then to medium; unscored
// buckets get 0.6.
func (p ConfidencePolicy) NormalizeConfidence(raw string) (string, float64) {
	key := strings.ToLower(strings.TrimSpace(raw))
	bucket, ok := p.NormalizeMap[key]
	if !ok {
		if bucket, ok = p.NormalizeMap[""]; !ok {
			bucket = defaultBucket
		}
	}
	score, ok := p.BucketToScore[bucket]
	if !ok {
		score = defaultScore
	}
	return bucket, score
}

// combineConfidence picks the winning confidence across items. In max mode the
// first highest score wins. In every other mode equal scores go to the source
// with the best precedence rank, then to encounter order.
func (r *Resolver) combineConfidence(items []Item) (string, float64, record.ConfidenceDetails) {
	mode := r.policy.Confidence.Combine
	if mode == "" {
		mode = CombineWeightedMax
	}
	details := record.ConfidenceDetails{
		Mode:   mode,
		Inputs: make([]record.ConfidenceInput, 0, len(items)),
	}

	best := -1
	for i, it := range items {
		bucket, score := r.policy.Confidence.NormalizeConfidence(it.Record.Confidence)
		details.Inputs = append(details.Inputs, record.ConfidenceInput{
			Source: it.Source,
			Bucket: bucket,
			Score:  score,
		})

		if best < 0 {
			best = i
			continue
		}
		cur := details.Inputs[best]
		switch {
		case score > cur.Score:
			best = i
		case score == cur.Score && mode != CombineMax:
			if r.precedence.Rank(it.Source) < r.precedence.Rank(cur.Source) {
				best = i
			}
		}
	}

	if best < 0 {
		bucket, score := r.policy.Confidence.NormalizeConfidence("")
		return bucket, score, details
	}
	win := details.Inputs[best]
	return win.Bucket, win.Score, details
}
