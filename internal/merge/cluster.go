// Package merge reconciles overlapping indicator observations from many feeds
// into one authoritative record per indicator.
package merge

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/lvonguyen/intelforge/internal/record"
)

// Item wraps one input record with its originating source for a merge run.
type Item struct {
	Record    record.IndicatorRecord
	Source    string
	FirstSeen string
	LastSeen  string
}

// NewItem builds an Item. The record's own source wins over fallbackSource,
// which is usually the feed directory name.
func NewItem(rec record.IndicatorRecord, fallbackSource string) Item {
	src := rec.Source
	if src == "" {
		src = fallbackSource
	}
	return Item{
		Record:    rec,
		Source:    src,
		FirstSeen: rec.FirstSeen,
		LastSeen:  rec.LastSeen,
	}
}

// Key is the exact clustering key.
type Key struct {
	Indicator string
	Type      string
}

// Key returns the item's exact clustering key.
func (it Item) Key() Key {
	return Key{Indicator: it.Record.Indicator, Type: it.Record.IndicatorType}
}

// FuzzyOptions controls fuzzy refinement of exact buckets.
type FuzzyOptions struct {
	Enabled   bool
	Threshold float64
	// Types lists the indicator types eligible for fuzzy matching.
	Types []string
}

// DefaultFuzzyTypes are the indicator types fuzzy matching applies to.
var DefaultFuzzyTypes = []string{record.TypeDomain, record.TypeURL}

// ClusterStats summarizes a clustering pass.
type ClusterStats struct {
	Buckets    int
	Groups     int
	FuzzyJoins int
}

// Cluster partitions items into groups. Items sharing an exact key always
// share a group. With fuzzy matching enabled, buckets of an eligible type are
// folded greedily in first-appearance order: the first unclaimed bucket seeds
// a group and each later unclaimed bucket of the same type joins when its
// value is similar to the seed's. The relation is not transitively closed, so
// the result depends on input order.
func Cluster(items []Item, opts FuzzyOptions) ([][]Item, ClusterStats) {
	var (
		keys    []Key
		buckets = make(map[Key][]Item)
	)
	for _, it := range items {
		k := it.Key()
		if _, ok := buckets[k]; !ok {
			keys = append(keys, k)
		}
		buckets[k] = append(buckets[k], it)
	}

	stats := ClusterStats{Buckets: len(keys)}
	eligible := make(map[string]bool, len(opts.Types))
	for _, t := range opts.Types {
		eligible[t] = true
	}

	used := make([]bool, len(keys))
	groups := make([][]Item, 0, len(keys))
	for i, seed := range keys {
		if used[i] {
			continue
		}
		used[i] = true
		group := append([]Item(nil), buckets[seed]...)

		if opts.Enabled && eligible[seed.Type] {
			for j := i + 1; j < len(keys); j++ {
				if used[j] || keys[j].Type != seed.Type {
					continue
				}
				if Similar(seed.Indicator, keys[j].Indicator, opts.Threshold) {
					group = append(group, buckets[keys[j]]...)
					used[j] = true
					stats.FuzzyJoins++
				}
			}
		}
		groups = append(groups, group)
	}

	stats.Groups = len(groups)
	return groups, stats
}

// SeenSet is a run-scoped duplicate filter, safe for concurrent use.
type SeenSet struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewSeenSet returns an empty SeenSet.
func NewSeenSet() *SeenSet {
	return &SeenSet{seen: make(map[string]struct{})}
}

// Add records key and reports whether it was new.
func (s *SeenSet) Add(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[key]; ok {
		return false
	}
	s.seen[key] = struct{}{}
	return true
}

// Len returns the number of distinct keys recorded.
func (s *SeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// DedupKey identifies an input observation: source plus the upstream raw hash,
// or a hash of the raw line when the feed did not supply one.
func DedupKey(source string, rec *record.IndicatorRecord, line []byte) string {
	if rec.RawSHA256 != "" {
		return source + "|" + rec.RawSHA256
	}
	sum := sha256.Sum256(line)
	return source + "|line:" + hex.EncodeToString(sum[:])
}
