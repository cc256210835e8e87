package graph

import (
	"regexp"
	"sort"
	"strings"
)

var (
	reCVE       = regexp.MustCompile(`(?i)\bCVE-\d{4}-\d{4,}\b`)
	reCWE       = regexp.MustCompile(`(?i)\bCWE-\d{1,5}\b`)
	reTechnique = regexp.MustCompile(`(?i)\bT\d{4}(?:\.\d{3})?\b`)
)

// Identifiers holds de-duplicated CVE, CWE and ATT&CK technique ids.
type Identifiers struct {
	CVEs       map[string]struct{}
	CWEs       map[string]struct{}
	Techniques map[string]struct{}
}

func newIdentifiers() Identifiers {
	return Identifiers{
		CVEs:       make(map[string]struct{}),
		CWEs:       make(map[string]struct{}),
		Techniques: make(map[string]struct{}),
	}
}

// ExtractFromText scans free text for CVE, CWE and technique ids, upper-cased.
func ExtractFromText(texts ...[]string) Identifiers {
	ids := newIdentifiers()
	for _, field := range texts {
		for _, s := range field {
			if s == "" {
				continue
			}
			addAll(ids.CVEs, reCVE.FindAllString(s, -1))
			addAll(ids.CWEs, reCWE.FindAllString(s, -1))
			addAll(ids.Techniques, reTechnique.FindAllString(s, -1))
		}
	}
	return ids
}

func addAll(set map[string]struct{}, vals []string) {
	for _, v := range vals {
		v = strings.ToUpper(strings.TrimSpace(v))
		if v != "" {
			set[v] = struct{}{}
		}
	}
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
