package record

import (
	"encoding/json"
	"fmt"

	"github.com/lvonguyen/intelforge/internal/enrichment"
)

// LineageEntry records one contributing observation of a merged record.
type LineageEntry struct {
	Source        string `json:"source"`
	SourceEventID string `json:"source_event_id,omitempty"`
	RawHash       string `json:"raw_hash,omitempty"`
	FirstSeen     string `json:"first_seen,omitempty"`
	LastSeen      string `json:"last_seen,omitempty"`
}

// Candidate is one member value considered for a field.
type Candidate struct {
	Source    string `json:"source"`
	Value     any    `json:"value"`
	FirstSeen string `json:"first_seen,omitempty"`
	LastSeen  string `json:"last_seen,omitempty"`
}

// Rationale explains how a merged field got its value.
type Rationale struct {
	Field      string      `json:"field"`
	Strategy   string      `json:"strategy"`
	Sources    []string    `json:"sources,omitempty"`
	Candidates []Candidate `json:"candidates,omitempty"`
}

// ConfidenceInput is one member's normalized confidence.
type ConfidenceInput struct {
	Source string  `json:"source"`
	Bucket string  `json:"bucket"`
	Score  float64 `json:"score"`
}

// ConfidenceDetails lists every member's contribution to the combined confidence.
type ConfidenceDetails struct {
	Mode   string            `json:"mode"`
	Inputs []ConfidenceInput `json:"inputs"`
}

// MergedRecord is the single authoritative record produced for a cluster.
// Fields holds every generically merged field and is flattened into the
// top-level JSON object.
type MergedRecord struct {
	Indicator         string
	IndicatorType     string
	Source            string
	Sources           []string
	FirstSeen         string
	LastSeen          string
	Confidence        string
	ConfidenceScore   float64
	ConfidenceDetails ConfidenceDetails
	Enrichment        enrichment.Set
	RiskInputs        []any
	Lineage           []LineageEntry
	MergeRationale    map[string]Rationale
	Fields            map[string]any
}

// Valid reports whether the record carries an identity.
func (m *MergedRecord) Valid() bool {
	return m.Indicator != "" && m.IndicatorType != ""
}

// StringList returns a merged field as a list of strings.
func (m *MergedRecord) StringList(field string) []string {
	return enrichment.ToStringList(m.Fields[field])
}

// String returns a merged scalar field as text.
func (m *MergedRecord) String(field string) string {
	return enrichment.ToString(m.Fields[field])
}

// AsMap returns the flat JSON object view of the record.
func (m MergedRecord) AsMap() map[string]any {
	out := make(map[string]any, len(m.Fields)+14)
	for k, v := range m.Fields {
		out[k] = v
	}
	out[FieldIndicator] = m.Indicator
	out[FieldIndicatorType] = m.IndicatorType
	putString(out, FieldSource, m.Source)
	if len(m.Sources) > 0 {
		out[FieldSources] = m.Sources
	}
	putString(out, FieldFirstSeen, m.FirstSeen)
	putString(out, FieldLastSeen, m.LastSeen)
	putString(out, FieldConfidence, m.Confidence)
	out[FieldConfidenceScore] = m.ConfidenceScore
	out[FieldConfidenceDetails] = m.ConfidenceDetails
	if len(m.Enrichment) > 0 {
		out[FieldEnrichment] = m.Enrichment
	}
	if len(m.RiskInputs) > 0 {
		out[FieldRiskInputs] = m.RiskInputs
	}
	out[FieldLineage] = m.Lineage
	out[FieldMergeRationale] = m.MergeRationale
	return out
}

// MarshalJSON encodes the record as a flat JSON object.
func (m MergedRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.AsMap())
}

// UnmarshalJSON decodes a flat merged record.
func (m *MergedRecord) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*m = MergedRecord{}
	for key, msg := range raw {
		var err error
		switch key {
		case FieldEnrichment:
			err = json.Unmarshal(msg, &m.Enrichment)
		case FieldSources:
			var v any
			if v, err = decodeValue(msg); err == nil {
				m.Sources = enrichment.ToStringList(v)
			}
		case FieldConfidenceScore:
			var v any
			if v, err = decodeValue(msg); err == nil {
				m.ConfidenceScore, _ = enrichment.ToFloat(v)
			}
		case FieldConfidenceDetails:
			err = json.Unmarshal(msg, &m.ConfidenceDetails)
		case FieldLineage:
			err = json.Unmarshal(msg, &m.Lineage)
		case FieldMergeRationale:
			err = json.Unmarshal(msg, &m.MergeRationale)
		case FieldRiskInputs:
			var v any
			if v, err = decodeValue(msg); err == nil {
				switch l := v.(type) {
				case []any:
					m.RiskInputs = l
				case nil:
				default:
					m.RiskInputs = []any{l}
				}
			}
		default:
			var v any
			if v, err = decodeValue(msg); err != nil {
				break
			}
			switch key {
			case FieldIndicator:
				m.Indicator = enrichment.ToString(v)
			case FieldIndicatorType:
				m.IndicatorType = enrichment.ToString(v)
			case FieldSource:
				m.Source = enrichment.ToString(v)
			case FieldFirstSeen:
				m.FirstSeen = enrichment.ToString(v)
			case FieldLastSeen:
				m.LastSeen = enrichment.ToString(v)
			case FieldConfidence:
				m.Confidence = enrichment.ToString(v)
			default:
				if m.Fields == nil {
					m.Fields = make(map[string]any)
				}
				m.Fields[key] = v
			}
		}
		if err != nil {
			return fmt.Errorf("decoding %s: %w", key, err)
		}
	}
	return nil
}
