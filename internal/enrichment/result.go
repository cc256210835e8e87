// Package enrichment provides a typed view over the provider results attached
// to indicator records by the upstream enrichment stage.
package enrichment

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Well-known keys inside a provider result.
const (
	KeyReputation      = "reputation"
	KeyCategories      = "categories"
	KeyMalwareFamilies = "malware_families"
	KeyASN             = "asn"
	KeyGeo             = "geo"
	KeyCountry         = "country"
)

// Result is one provider's payload for an indicator.
type Result map[string]any

// Reputation returns the provider's reputation value. present reports whether
// the key exists at all; ok reports whether it holds a usable number.
func (r Result) Reputation() (value float64, present, ok bool) {
	raw, present := r[KeyReputation]
	if !present {
		return 0, false, false
	}
	value, ok = ToFloat(raw)
	return value, true, ok
}

// Categories returns the provider's category tags.
func (r Result) Categories() []string {
	return ToStringList(r[KeyCategories])
}

// MalwareFamilies returns the provider's malware family names.
func (r Result) MalwareFamilies() []string {
	return ToStringList(r[KeyMalwareFamilies])
}

// ASN returns the autonomous system number, if any.
func (r Result) ASN() string {
	v, ok := r[KeyASN]
	if !ok || v == nil {
		return ""
	}
	return strings.TrimSpace(ToString(v))
}

// Country returns geo.country, if any.
func (r Result) Country() string {
	geo, ok := r[KeyGeo].(map[string]any)
	if !ok {
		return ""
	}
	c, ok := geo[KeyCountry]
	if !ok || c == nil {
		return ""
	}
	return strings.TrimSpace(ToString(c))
}

// ToFloat converts JSON-decoded numbers and numeric strings to float64.
// NaN and infinities are not usable numbers.
func ToFloat(v any) (float64, bool) {
	f, ok := toFloat(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// ToString renders a scalar JSON value as text.
func ToString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}

// ToStringList normalizes a scalar or list value into a list of non-empty strings.
func ToStringList(v any) []string {
	switch l := v.(type) {
	case nil:
		return nil
	case []string:
		out := make([]string, 0, len(l))
		for _, s := range l {
			if s != "" {
				out = append(out, s)
			}
		}
		return out
	case []any:
		out := make([]string, 0, len(l))
		for _, item := range l {
			if item == nil {
				continue
			}
			if s := ToString(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		if s := ToString(l); s != "" {
			return []string{s}
		}
		return nil
	}
}
