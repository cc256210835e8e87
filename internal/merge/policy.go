package merge

// Merge strategies recorded in rationales.
const (
	StrategyUnion            = "union"
	StrategyPreferNewest     = "prefer_newest"
	StrategySourcePrecedence = "source_precedence"
)

// Confidence combine modes.
const (
	CombineMax         = "max"
	CombineWeightedMax = "weighted_max"
)

// Policy governs how conflicting values across a cluster are resolved.
type Policy struct {
	OutDir      string           `yaml:"out_dir"`
	Precedence  PrecedencePolicy `yaml:"precedence"`
	UnionFields []string         `yaml:"union_fields"`
	Fuzzy       FuzzyPolicy      `yaml:"fuzzy"`
	Confidence  ConfidencePolicy `yaml:"confidence"`
	Workers     int              `yaml:"workers"`
}

// PrecedencePolicy ranks sources and names fields where recency beats rank.
type PrecedencePolicy struct {
	Sources      Precedence `yaml:"sources"`
	PreferNewest []string   `yaml:"prefer_newest"`
}

// FuzzyPolicy configures near-duplicate clustering of domains and URLs.
type FuzzyPolicy struct {
	Enabled             bool    `yaml:"enabled"`
	TokenRatioThreshold float64 `yaml:"token_ratio_threshold"`
}

// ConfidencePolicy maps free-text confidence to buckets and scores.
type ConfidencePolicy struct {
	NormalizeMap  map[string]string  `yaml:"normalize_map"`
	BucketToScore map[string]float64 `yaml:"bucket_to_score"`
	Combine       string             `yaml:"combine"`
}

// DefaultPolicy returns the merge policy used when configuration is silent.
func DefaultPolicy() Policy {
	return Policy{
		OutDir: "data/merged",
		Precedence: PrecedencePolicy{
			PreferNewest: []string{"status", "description"},
		},
		UnionFields: []string{"references", "tags", "labels", "cve_ids", "cwe_ids", "attack_ids"},
		Fuzzy: FuzzyPolicy{
			Enabled:             false,
			TokenRatioThreshold: 92,
		},
		Confidence: ConfidencePolicy{
			NormalizeMap: map[string]string{
				"":       "medium",
				"low":    "low",
				"l":      "low",
				"medium": "medium",
				"med":    "medium",
				"m":      "medium",
				"high":   "high",
				"h":      "high",
			},
			BucketToScore: map[string]float64{
				"low":    0.3,
				"medium": 0.6,
				"high":   0.9,
			},
			Combine: CombineWeightedMax,
		},
		Workers: 4,
	}
}

// FuzzyOptions returns the clustering options implied by the policy.
func (p Policy) FuzzyOptions() FuzzyOptions {
	return FuzzyOptions{
		Enabled:   p.Fuzzy.Enabled,
		Threshold: p.Fuzzy.TokenRatioThreshold,
		Types:     DefaultFuzzyTypes,
	}
}

// Precedence is an ordered list of sources, most trusted first.
type Precedence []string

// Rank returns the source's position in the list; unknown sources rank last.
func (p Precedence) Rank(source string) int {
	for i, s := range p {
		if s == source {
			return i
		}
	}
	return len(p)
}
