package scoring

// Config is the scoring policy.
type Config struct {
	OutDir     string             `yaml:"out_dir"`
	Bands      Bands              `yaml:"bands"`
	Confidence map[string]float64 `yaml:"confidence"`
	Trust      Trust              `yaml:"trust"`
	Signals    SignalsConfig      `yaml:"signals"`
	Graph      GraphConfig        `yaml:"graph"`
	Recency    RecencyConfig      `yaml:"recency"`
	Budget     BudgetConfig       `yaml:"budget"`
	Workers    int                `yaml:"workers"`
}

// Bands are the lower score cutoffs for P1, P2 and P3.
type Bands struct {
	Critical float64 `yaml:"critical"`
	High     float64 `yaml:"high"`
	Medium   float64 `yaml:"medium"`
}

// Trust is the multiplier by the merged source's precedence rank.
type Trust struct {
	TopSourceBonus   float64 `yaml:"top_source_bonus"`
	MidSourceBonus   float64 `yaml:"mid_source_bonus"`
	OtherSourceBonus float64 `yaml:"other_source_bonus"`
}

// SignalsConfig configures the enrichment-derived signals.
type SignalsConfig struct {
	Reputation      ReputationConfig `yaml:"reputation"`
	Categories      CategoriesConfig `yaml:"categories"`
	MalwareFamilies MalwareConfig    `yaml:"malware_families"`
}

// ReputationConfig maps a provider reputation onto [0, cap].
type ReputationConfig struct {
	Enabled bool    `yaml:"enabled"`
	MapMin  float64 `yaml:"map_min"`
	MapMax  float64 `yaml:"map_max"`
	Cap     float64 `yaml:"cap"`
}

// CategoriesConfig weighs enrichment categories.
type CategoriesConfig struct {
	Enabled bool               `yaml:"enabled"`
	Weights map[string]float64 `yaml:"weights"`
	Cap     float64            `yaml:"cap"`
}

// MalwareConfig weighs distinct malware families.
type MalwareConfig struct {
	Enabled   bool    `yaml:"enabled"`
	PerFamily float64 `yaml:"per_family"`
	Cap       float64 `yaml:"cap"`
}

// GraphConfig weighs the normalized graph signals.
type GraphConfig struct {
	Enabled         bool    `yaml:"enabled"`
	DegreeWeight    float64 `yaml:"degree_weight"`
	TechniqueWeight float64 `yaml:"technique_weight"`
	CVEWeight       float64 `yaml:"cve_weight"`
	Cap             float64 `yaml:"cap"`
}

// RecencyConfig is the freshness decay.
type RecencyConfig struct {
	HalfLifeDays float64 `yaml:"half_life_days"`
	Floor        float64 `yaml:"floor"`
}

// BudgetConfig caps the number of scored records kept.
type BudgetConfig struct {
	Enabled   bool `yaml:"enabled"`
	MaxAlerts int  `yaml:"max_alerts"`
}

// DefaultConfig returns the scoring policy used when configuration is silent.
func DefaultConfig() Config {
	return Config{
		OutDir: "data/scored",
		Bands: Bands{
			Critical: 0.75,
			High:     0.5,
			Medium:   0.25,
		},
		Confidence: map[string]float64{
			"low":    0.7,
			"medium": 0.9,
			"high":   1.0,
		},
		Trust: Trust{
			TopSourceBonus:   1.0,
			MidSourceBonus:   0.9,
			OtherSourceBonus: 0.8,
		},
		Signals: SignalsConfig{
			Reputation: ReputationConfig{
				Enabled: true,
				MapMin:  0,
				MapMax:  100,
				Cap:     0.4,
			},
			Categories: CategoriesConfig{
				Enabled: true,
				Weights: map[string]float64{
					"ransomware": 0.3,
					"c2":         0.25,
					"malware":    0.2,
					"botnet":     0.2,
					"phishing":   0.15,
					"exploit":    0.15,
					"scanner":    0.05,
					"spam":       0.05,
				},
				Cap: 0.4,
			},
			MalwareFamilies: MalwareConfig{
				Enabled:   true,
				PerFamily: 0.1,
				Cap:       0.3,
			},
		},
		Graph: GraphConfig{
			Enabled:         true,
			DegreeWeight:    0.1,
			TechniqueWeight: 0.15,
			CVEWeight:       0.15,
			Cap:             0.3,
		},
		Recency: RecencyConfig{
			HalfLifeDays: 14,
			Floor:        0.2,
		},
		Budget: BudgetConfig{
			Enabled:   false,
			MaxAlerts: 500,
		},
		Workers: 4,
	}
}
