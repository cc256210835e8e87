package merge

import (
	"encoding/json"
	"sort"
	"unicode/utf8"

	"github.com/lvonguyen/intelforge/internal/record"
)

// Resolver merges one cluster into a record under a fixed policy.
// A Resolver is immutable and safe for concurrent use.
type Resolver struct {
	policy     Policy
	precedence Precedence
	union      map[string]bool
	newest     map[string]bool
}

// NewResolver returns a Resolver for the given policy.
func NewResolver(p Policy) *Resolver {
	r := &Resolver{
		policy:     p,
		precedence: p.Precedence.Sources,
		union:      make(map[string]bool, len(p.UnionFields)),
		newest:     make(map[string]bool, len(p.Precedence.PreferNewest)),
	}
	for _, f := range p.UnionFields {
		r.union[f] = true
	}
	for _, f := range p.Precedence.PreferNewest {
		r.newest[f] = true
	}
	return r
}

// Resolve merges a non-empty cluster into one record. Members are considered
// in precedence order, with input order breaking ties between members of the
// same rank, so the output does not depend on how sources were interleaved.
func (r *Resolver) Resolve(cluster []Item) record.MergedRecord {
	items := make([]Item, len(cluster))
	copy(items, cluster)
	sort.SliceStable(items, func(i, j int) bool {
		return r.precedence.Rank(items[i].Source) < r.precedence.Rank(items[j].Source)
	})

	var out record.MergedRecord
	if len(items) == 0 {
		return out
	}

	rep := items[0]
	for _, it := range items[1:] {
		if utf8.RuneCountInString(it.Record.Indicator) < utf8.RuneCountInString(rep.Record.Indicator) {
			rep = it
		}
	}
	out.Indicator = rep.Record.Indicator
	out.IndicatorType = rep.Record.IndicatorType

	seenSource := make(map[string]bool)
	for _, it := range items {
		if it.FirstSeen != "" && (out.FirstSeen == "" || it.FirstSeen < out.FirstSeen) {
			out.FirstSeen = it.FirstSeen
		}
		if it.LastSeen != "" && it.LastSeen > out.LastSeen {
			out.LastSeen = it.LastSeen
		}
		out.Lineage = append(out.Lineage, record.LineageEntry{
			Source:        it.Source,
			SourceEventID: it.Record.SourceEventID,
			RawHash:       it.Record.RawSHA256,
			FirstSeen:     it.FirstSeen,
			LastSeen:      it.LastSeen,
		})
		if !seenSource[it.Source] {
			seenSource[it.Source] = true
			out.Sources = append(out.Sources, it.Source)
		}
		if !record.IsEmpty(it.Record.RiskInputs) {
			out.RiskInputs = append(out.RiskInputs, it.Record.RiskInputs)
		}
		for _, e := range it.Record.Enrichment {
			out.Enrichment.AddAbsent(e.Provider, e.Result)
		}
	}
	out.Source = out.Sources[0]

	r.mergeFields(items, &out)
	out.Confidence, out.ConfidenceScore, out.ConfidenceDetails = r.combineConfidence(items)
	return out
}

func (r *Resolver) mergeFields(items []Item, out *record.MergedRecord) {
	views := make([]map[string]any, len(items))
	keySet := make(map[string]struct{})
	for i := range items {
		views[i] = items[i].Record.Fields()
		for k := range views[i] {
			keySet[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out.Fields = make(map[string]any, len(keys))
	out.MergeRationale = make(map[string]record.Rationale, len(keys))
	for _, field := range keys {
		var cands []record.Candidate
		for i, it := range items {
			v := views[i][field]
			if record.IsEmpty(v) {
				continue
			}
			cands = append(cands, record.Candidate{
				Source:    it.Source,
				Value:     v,
				FirstSeen: it.FirstSeen,
				LastSeen:  it.LastSeen,
			})
		}
		if len(cands) == 0 {
			continue
		}

		if r.union[field] {
			vals := unionValues(cands)
			if len(vals) == 0 {
				continue
			}
			out.Fields[field] = vals
			out.MergeRationale[field] = record.Rationale{
				Field:    field,
				Strategy: StrategyUnion,
				Sources:  candidateSources(cands),
			}
			continue
		}

		strategy := StrategySourcePrecedence
		win := 0
		if r.newest[field] {
			strategy = StrategyPreferNewest
			for i := 1; i < len(cands); i++ {
				if observedAt(cands[i]) > observedAt(cands[win]) {
					win = i
				}
			}
		}
		// Candidates are already in precedence order, so index 0 is the
		// precedence winner.
		out.Fields[field] = cands[win].Value
		out.MergeRationale[field] = record.Rationale{
			Field:      field,
			Strategy:   strategy,
			Candidates: cands,
		}
	}
}

func observedAt(c record.Candidate) string {
	if c.LastSeen != "" {
		return c.LastSeen
	}
	return c.FirstSeen
}

// unionValues flattens candidate values into a de-duplicated list in first-seen
// order. Values are compared by their canonical JSON encoding.
func unionValues(cands []record.Candidate) []any {
	var out []any
	seen := make(map[string]bool)
	add := func(v any) {
		if record.IsEmpty(v) {
			return
		}
		key, err := json.Marshal(v)
		if err != nil {
			return
		}
		if seen[string(key)] {
			return
		}
		seen[string(key)] = true
		out = append(out, v)
	}

	for _, c := range cands {
		switch l := c.Value.(type) {
		case []any:
			for _, v := range l {
				add(v)
			}
		case []string:
			for _, v := range l {
				add(v)
			}
		default:
			add(l)
		}
	}
	return out
}

func candidateSources(cands []record.Candidate) []string {
	var out []string
	seen := make(map[string]bool)
	for _, c := range cands {
		if !seen[c.Source] {
			seen[c.Source] = true
			out = append(out, c.Source)
		}
	}
	return out
}
