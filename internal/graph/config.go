package graph

// Node kinds.
const (
	KindIndicator     = "indicator"
	KindSource        = "source"
	KindReference     = "reference"
	KindASN           = "asn"
	KindCountry       = "country"
	KindMalware       = "malware"
	KindVulnerability = "vulnerability"
	KindWeakness      = "weakness"
	KindTechnique     = "technique"
)

// Relationship names used to look up edge specs.
const (
	RelSuppliedBy   = "supplied_by"
	RelReferencedBy = "referenced_by"
	RelHostedOn     = "hosted_on"
	RelLocatedIn    = "located_in"
	RelLinkedTo     = "linked_to"
	RelIndicates    = "indicates"
)

// Config is the correlation policy.
type Config struct {
	OutDir  string              `yaml:"out_dir"`
	Nodes   map[string]NodeSpec `yaml:"nodes"`
	Edges   map[string]EdgeSpec `yaml:"edges"`
	Scoring DecayConfig         `yaml:"scoring"`
	Rules   Rules               `yaml:"rules"`
}

// NodeSpec defines how a node kind is identified.
type NodeSpec struct {
	Key      string   `yaml:"key"`
	IDFields []string `yaml:"id_fields"`
}

// EdgeSpec defines a relationship type.
type EdgeSpec struct {
	Key        string  `yaml:"key"`
	BaseWeight float64 `yaml:"base_weight"`
}

// DecayConfig bounds and decays edge weights.
type DecayConfig struct {
	HalfLifeDays float64 `yaml:"half_life_days"`
	MinWeight    float64 `yaml:"min_weight"`
	MaxWeight    float64 `yaml:"max_weight"`
}

// Rules toggle which relationships the builder derives.
type Rules struct {
	AttachSource          bool `yaml:"attach_source"`
	AttachReferences      bool `yaml:"attach_references"`
	AttachASNGeo          bool `yaml:"attach_asn_geo"`
	AttachMalwareFamilies bool `yaml:"attach_malware_families"`
	ParseAttackFromText   bool `yaml:"parse_attack_from_text"`
	AttachCVEs            bool `yaml:"attach_cves"`
	AttachCWEs            bool `yaml:"attach_cwes"`
	AttachAttackIDs       bool `yaml:"attach_attack_ids"`
}

// DefaultConfig returns the correlation policy used when configuration is silent.
func DefaultConfig() Config {
	return Config{
		OutDir: "data/graph",
		Nodes: map[string]NodeSpec{
			KindIndicator:     {Key: "Indicator", IDFields: []string{"indicator_type", "indicator"}},
			KindSource:        {Key: "Source", IDFields: []string{"source_key"}},
			KindReference:     {Key: "Reference", IDFields: []string{"url"}},
			KindASN:           {Key: "ASN", IDFields: []string{"asn"}},
			KindCountry:       {Key: "Country", IDFields: []string{"cc"}},
			KindMalware:       {Key: "Malware", IDFields: []string{"name"}},
			KindVulnerability: {Key: "Vulnerability", IDFields: []string{"cve_id"}},
			KindWeakness:      {Key: "Weakness", IDFields: []string{"cwe_id"}},
			KindTechnique:     {Key: "Technique", IDFields: []string{"attack_id"}},
		},
		Edges: map[string]EdgeSpec{
			RelSuppliedBy:   {Key: RelSuppliedBy, BaseWeight: 0.5},
			RelReferencedBy: {Key: RelReferencedBy, BaseWeight: 0.4},
			RelHostedOn:     {Key: RelHostedOn, BaseWeight: 0.6},
			RelLocatedIn:    {Key: RelLocatedIn, BaseWeight: 0.3},
			RelLinkedTo:     {Key: RelLinkedTo, BaseWeight: 0.8},
			RelIndicates:    {Key: RelIndicates, BaseWeight: 0.9},
		},
		Scoring: DecayConfig{
			HalfLifeDays: 30,
			MinWeight:    0.2,
			MaxWeight:    1.0,
		},
		Rules: Rules{
			AttachSource:          true,
			AttachReferences:      true,
			AttachASNGeo:          true,
			AttachMalwareFamilies: true,
			ParseAttackFromText:   true,
			AttachCVEs:            true,
			AttachCWEs:            true,
			AttachAttackIDs:       true,
		},
	}
}

// nodeSpec returns the configured spec for kind, falling back to the default.
func (c Config) nodeSpec(kind string) (NodeSpec, bool) {
	if s, ok := c.Nodes[kind]; ok && len(s.IDFields) > 0 {
		if s.Key == "" {
			s.Key = kind
		}
		return s, true
	}
	s, ok := DefaultConfig().Nodes[kind]
	return s, ok
}

// edgeSpec returns the configured spec for a relationship, falling back to the default.
func (c Config) edgeSpec(rel string) EdgeSpec {
	if s, ok := c.Edges[rel]; ok {
		if s.Key == "" {
			s.Key = rel
		}
		return s
	}
	if s, ok := DefaultConfig().Edges[rel]; ok {
		return s
	}
	return EdgeSpec{Key: rel, BaseWeight: 0.5}
}
