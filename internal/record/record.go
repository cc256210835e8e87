// Package record defines the indicator record shapes that flow between the
// merge, correlation and scoring stages, and their newline-delimited JSON I/O.
package record

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/lvonguyen/intelforge/internal/enrichment"
)

// Indicator types with special handling in the pipeline.
const (
	TypeIP     = "ip"
	TypeDomain = "domain"
	TypeURL    = "url"
	TypeHash   = "hash"
	TypeEmail  = "email"
)

// Input field names.
const (
	FieldIndicator     = "indicator"
	FieldIndicatorType = "indicator_type"
	FieldSource        = "source"
	FieldSourceEventID = "source_event_id"
	FieldRawSHA256     = "raw_sha256"
	FieldFirstSeen     = "first_seen"
	FieldLastSeen      = "last_seen"
	FieldConfidence    = "confidence"
	FieldReferences    = "references"
	FieldEnrichment    = "enrichment"
	FieldRiskInputs    = "risk_inputs"
)

// Output-only field names produced by the merge stage.
const (
	FieldSources           = "sources"
	FieldLineage           = "lineage"
	FieldMergeRationale    = "merge_rationale"
	FieldConfidenceScore   = "confidence_score"
	FieldConfidenceDetails = "confidence_details"
)

// reservedFields never take part in the generic per-field merge.
var reservedFields = map[string]struct{}{
	FieldIndicator:         {},
	FieldIndicatorType:     {},
	FieldSource:            {},
	FieldSourceEventID:     {},
	FieldRawSHA256:         {},
	FieldFirstSeen:         {},
	FieldLastSeen:          {},
	FieldConfidence:        {},
	FieldEnrichment:        {},
	FieldRiskInputs:        {},
	FieldSources:           {},
	FieldLineage:           {},
	FieldMergeRationale:    {},
	FieldConfidenceScore:   {},
	FieldConfidenceDetails: {},
}

// IsReserved reports whether a field is handled outside the generic merge.
func IsReserved(field string) bool {
	_, ok := reservedFields[field]
	return ok
}

// IndicatorRecord is one enriched observation from a single feed.
// Well-known fields are typed; everything else is carried in Extra.
type IndicatorRecord struct {
	Indicator     string
	IndicatorType string
	Source        string
	SourceEventID string
	RawSHA256     string
	FirstSeen     string
	LastSeen      string
	Confidence    string
	References    []string
	Enrichment    enrichment.Set
	RiskInputs    any
	Extra         map[string]any
}

// Valid reports whether the record carries the fields needed for clustering.
func (r *IndicatorRecord) Valid() bool {
	return r.Indicator != "" && r.IndicatorType != ""
}

// Fields returns the record's mergeable fields: references plus all pass-through
// fields. Values are shared with the record and must not be mutated.
func (r *IndicatorRecord) Fields() map[string]any {
	out := make(map[string]any, len(r.Extra)+1)
	for k, v := range r.Extra {
		if IsReserved(k) {
			continue
		}
		out[k] = v
	}
	if len(r.References) > 0 {
		refs := make([]any, len(r.References))
		for i, ref := range r.References {
			refs[i] = ref
		}
		out[FieldReferences] = refs
	}
	return out
}

// UnmarshalJSON decodes known fields into typed members and keeps the rest.
func (r *IndicatorRecord) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*r = IndicatorRecord{}
	for key, msg := range raw {
		if key == FieldEnrichment {
			if err := json.Unmarshal(msg, &r.Enrichment); err != nil {
				return err
			}
			continue
		}

		val, err := decodeValue(msg)
		if err != nil {
			return fmt.Errorf("decoding %s: %w", key, err)
		}

		switch key {
		case FieldIndicator:
			r.Indicator = enrichment.ToString(val)
		case FieldIndicatorType:
			r.IndicatorType = enrichment.ToString(val)
		case FieldSource:
			r.Source = enrichment.ToString(val)
		case FieldSourceEventID:
			r.SourceEventID = enrichment.ToString(val)
		case FieldRawSHA256:
			r.RawSHA256 = enrichment.ToString(val)
		case FieldFirstSeen:
			r.FirstSeen = enrichment.ToString(val)
		case FieldLastSeen:
			r.LastSeen = enrichment.ToString(val)
		case FieldConfidence:
			r.Confidence = enrichment.ToString(val)
		case FieldReferences:
			r.References = enrichment.ToStringList(val)
		case FieldRiskInputs:
			r.RiskInputs = val
		default:
			if r.Extra == nil {
				r.Extra = make(map[string]any)
			}
			r.Extra[key] = val
		}
	}
	return nil
}

// MarshalJSON encodes the record as a flat JSON object.
func (r IndicatorRecord) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Extra)+11)
	for k, v := range r.Extra {
		out[k] = v
	}
	out[FieldIndicator] = r.Indicator
	out[FieldIndicatorType] = r.IndicatorType
	putString(out, FieldSource, r.Source)
	putString(out, FieldSourceEventID, r.SourceEventID)
	putString(out, FieldRawSHA256, r.RawSHA256)
	putString(out, FieldFirstSeen, r.FirstSeen)
	putString(out, FieldLastSeen, r.LastSeen)
	putString(out, FieldConfidence, r.Confidence)
	if len(r.References) > 0 {
		out[FieldReferences] = r.References
	}
	if len(r.Enrichment) > 0 {
		out[FieldEnrichment] = r.Enrichment
	}
	if r.RiskInputs != nil {
		out[FieldRiskInputs] = r.RiskInputs
	}
	return json.Marshal(out)
}

// IsEmpty reports whether a value counts as absent for merging: nil, empty
// string, empty list or empty object. Zero numbers and false are present.
func IsEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case []any:
		return len(x) == 0
	case []string:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	default:
		return false
	}
}

func decodeValue(msg json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(msg))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func putString(m map[string]any, key, val string) {
	if val != "" {
		m[key] = val
	}
}
