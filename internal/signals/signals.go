// Package signals derives normalized per-indicator structural signals from an
// exported correlation graph snapshot.
package signals

import (
	"errors"
	"fmt"
	"os"

	"github.com/lvonguyen/intelforge/internal/enrichment"
	"github.com/lvonguyen/intelforge/internal/graph"
)

// ErrIncompleteSnapshot is returned when only one of the node and edge files exists.
var ErrIncompleteSnapshot = errors.New("incomplete graph snapshot")

// Signal holds one indicator's raw and min-max normalized graph metrics.
type Signal struct {
	Degree      float64 `json:"degree"`
	TechSum     float64 `json:"tech_sum"`
	CVESum      float64 `json:"cve_sum"`
	DegNorm     float64 `json:"deg_norm"`
	TechSumNorm float64 `json:"tech_sum_norm"`
	CVESumNorm  float64 `json:"cve_sum_norm"`
}

type indicatorKey struct {
	typ   string
	value string
}

// Signals maps indicator nodes to their graph signals.
type Signals struct {
	byID        map[string]Signal
	byIndicator map[indicatorKey]string
}

// Empty returns a signal set with no entries.
func Empty() *Signals {
	return &Signals{
		byID:        make(map[string]Signal),
		byIndicator: make(map[indicatorKey]string),
	}
}

// Len returns the number of indicator nodes.
func (s *Signals) Len() int { return len(s.byID) }

// ForNode returns the signal of an indicator node id.
func (s *Signals) ForNode(id string) (Signal, bool) {
	sig, ok := s.byID[id]
	return sig, ok
}

// ForIndicator returns the signal of the indicator node for (type, value).
func (s *Signals) ForIndicator(indicatorType, indicator string) (Signal, bool) {
	id, ok := s.byIndicator[indicatorKey{typ: indicatorType, value: indicator}]
	if !ok {
		return Signal{}, false
	}
	return s.ForNode(id)
}

// Aggregate computes degree, technique exposure and vulnerability exposure for
// every indicator node, then min-max normalizes each metric across indicators.
// Neighbor kinds are taken from the node list.
func Aggregate(snap *graph.Snapshot) *Signals {
	out := Empty()

	kinds := make(map[string]string, len(snap.Nodes))
	for _, n := range snap.Nodes {
		kinds[n.ID] = n.Kind
		if n.Kind != graph.KindIndicator {
			continue
		}
		out.byID[n.ID] = Signal{}
		typ := enrichment.ToString(n.Attrs["indicator_type"])
		val := enrichment.ToString(n.Attrs["indicator"])
		if typ != "" && val != "" {
			out.byIndicator[indicatorKey{typ: typ, value: val}] = n.ID
		}
	}

	accumulate := func(self, other string, weight float64) {
		sig, ok := out.byID[self]
		if !ok {
			return
		}
		sig.Degree++
		switch kinds[other] {
		case graph.KindTechnique:
			sig.TechSum += weight
		case graph.KindVulnerability:
			sig.CVESum += weight
		}
		out.byID[self] = sig
	}
	for _, e := range snap.Edges {
		accumulate(e.Src, e.Dst, e.Weight)
		if e.Dst != e.Src {
			accumulate(e.Dst, e.Src, e.Weight)
		}
	}

	normalize(out.byID)
	return out
}

func normalize(m map[string]Signal) {
	if len(m) == 0 {
		return
	}
	first := true
	var lo, hi Signal
	for _, s := range m {
		if first {
			lo, hi = s, s
			first = false
			continue
		}
		lo.Degree, hi.Degree = min(lo.Degree, s.Degree), max(hi.Degree, s.Degree)
		lo.TechSum, hi.TechSum = min(lo.TechSum, s.TechSum), max(hi.TechSum, s.TechSum)
		lo.CVESum, hi.CVESum = min(lo.CVESum, s.CVESum), max(hi.CVESum, s.CVESum)
	}

	for id, s := range m {
		s.DegNorm = scale(s.Degree, lo.Degree, hi.Degree)
		s.TechSumNorm = scale(s.TechSum, lo.TechSum, hi.TechSum)
		s.CVESumNorm = scale(s.CVESum, lo.CVESum, hi.CVESum)
		m[id] = s
	}
}

func scale(x, lo, hi float64) float64 {
	if hi == lo {
		return 0
	}
	return (x - lo) / (hi - lo)
}

// Load reads a snapshot and aggregates it. A snapshot with neither file
// present yields empty signals; one with only one file is an error.
func Load(nodesPath, edgesPath string) (*Signals, error) {
	nodesOK, err := exists(nodesPath)
	if err != nil {
		return nil, err
	}
	edgesOK, err := exists(edgesPath)
	if err != nil {
		return nil, err
	}

	switch {
	case !nodesOK && !edgesOK:
		return Empty(), nil
	case !nodesOK || !edgesOK:
		return nil, fmt.Errorf("%w: nodes=%v edges=%v", ErrIncompleteSnapshot, nodesOK, edgesOK)
	}

	snap, err := graph.LoadSnapshot(nodesPath, edgesPath)
	if err != nil {
		return nil, fmt.Errorf("loading graph snapshot: %w", err)
	}
	return Aggregate(snap), nil
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}
