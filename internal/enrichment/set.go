package enrichment

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Entry pairs a provider key with its result.
type Entry struct {
	Provider string
	Result   Result
}

// Set is a provider-ordered collection of enrichment results. Order matters:
// "first provider wins" lookups walk the set front to back, and JSON encoding
// preserves it.
type Set []Entry

// Get returns the result for a provider.
func (s Set) Get(provider string) (Result, bool) {
	for _, e := range s {
		if e.Provider == provider {
			return e.Result, true
		}
	}
	return nil, false
}

// AddAbsent appends the provider result unless the provider is already present.
// It reports whether the entry was added.
func (s *Set) AddAbsent(provider string, r Result) bool {
	if _, exists := s.Get(provider); exists {
		return false
	}
	*s = append(*s, Entry{Provider: provider, Result: r})
	return true
}

// Reputation returns the reputation of the first provider carrying the key.
// A provider with a null or non-numeric reputation still ends the search.
func (s Set) Reputation() (float64, bool) {
	for _, e := range s {
		v, present, ok := e.Result.Reputation()
		if present {
			return v, ok
		}
	}
	return 0, false
}

// Categories returns the lower-cased union of categories across providers, sorted.
func (s Set) Categories() []string {
	seen := make(map[string]struct{})
	for _, e := range s {
		for _, c := range e.Result.Categories() {
			seen[strings.ToLower(c)] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

// MalwareFamilies returns the distinct malware family names across providers, sorted.
func (s Set) MalwareFamilies() []string {
	seen := make(map[string]struct{})
	for _, e := range s {
		for _, f := range e.Result.MalwareFamilies() {
			seen[f] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

// ASN returns the first non-empty ASN across providers.
func (s Set) ASN() string {
	for _, e := range s {
		if asn := e.Result.ASN(); asn != "" {
			return asn
		}
	}
	return ""
}

// Country returns the first non-empty country code across providers, upper-cased.
func (s Set) Country() string {
	for _, e := range s {
		if cc := e.Result.Country(); cc != "" {
			return strings.ToUpper(cc)
		}
	}
	return ""
}

// MarshalJSON encodes the set as a JSON object in provider order.
func (s Set) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range s {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(e.Provider)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')

		r := e.Result
		if r == nil {
			r = Result{}
		}
		val, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("encoding provider %s: %w", e.Provider, err)
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object keeping the provider key order.
// Provider values that are not objects decode as empty results.
func (s *Set) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("decoding enrichment: %w", err)
	}
	if tok == nil {
		*s = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("decoding enrichment: expected object, got %v", tok)
	}

	var out Set
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("decoding enrichment key: %w", err)
		}
		provider, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("decoding enrichment: unexpected key %v", keyTok)
		}

		var val any
		if err := dec.Decode(&val); err != nil {
			return fmt.Errorf("decoding provider %s: %w", provider, err)
		}
		res, _ := val.(map[string]any)

		replaced := false
		for i := range out {
			if out[i].Provider == provider {
				out[i].Result = res
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, Entry{Provider: provider, Result: res})
		}
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("decoding enrichment: %w", err)
	}

	*s = out
	return nil
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
