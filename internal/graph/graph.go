// Package graph builds the decay-weighted correlation multigraph linking
// indicators to sources, infrastructure, malware, vulnerabilities and
// techniques, and exports it as a node/edge snapshot.
package graph

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/lvonguyen/intelforge/internal/decay"
	"github.com/lvonguyen/intelforge/internal/enrichment"
)

// ErrUnknownKind is returned when a node kind has no id-field spec.
var ErrUnknownKind = errors.New("unknown node kind")

// Confidence factors applied to edge weights.
var confidenceFactors = map[string]float64{
	"low":    0.6,
	"medium": 0.8,
	"high":   1.0,
}

const defaultConfidenceFactor = 0.8

// NodeKey is the value-typed identity of a node.
type NodeKey struct {
	Kind string
	// Values holds the id-field values joined by "|".
	Values string
}

// Node is a graph vertex. Attrs always carries "kind" and "label".
type Node struct {
	Key        NodeKey
	StorageKey string
	Attrs      map[string]any
}

// ID returns the node's string identity, "<storage key>::<kind>|<values>".
func (n *Node) ID() string {
	return NodeID(n.StorageKey, n.Key)
}

// NodeID formats a node identity.
func NodeID(storageKey string, key NodeKey) string {
	return storageKey + "::" + key.Kind + "|" + key.Values
}

// Edge is a directed, typed relationship between two node slots.
type Edge struct {
	From            int
	To              int
	Type            string
	Weight          float64
	Confidence      string
	ConfidenceScore float64
	LastSeen        string
}

// Graph is an arena multigraph. Nodes are never removed and edges are never
// de-duplicated.
type Graph struct {
	cfg   Config
	now   time.Time
	nodes []Node
	index map[NodeKey]int
	edges []Edge
}

// New creates an empty graph. now anchors edge recency decay.
func New(cfg Config, now time.Time) *Graph {
	return &Graph{
		cfg:   cfg,
		now:   now,
		index: make(map[NodeKey]int),
	}
}

// AddNode adds a node of kind identified by its configured id fields in attrs.
// When the identity already exists the attributes are overlaid onto the
// existing node. It returns the node's slot.
func (g *Graph) AddNode(kind string, attrs map[string]any) (int, error) {
	spec, ok := g.cfg.nodeSpec(kind)
	if !ok {
		return -1, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	parts := make([]string, len(spec.IDFields))
	for i, f := range spec.IDFields {
		parts[i] = strings.TrimSpace(enrichment.ToString(attrs[f]))
	}
	key := NodeKey{Kind: kind, Values: strings.Join(parts, "|")}

	label := enrichment.ToString(attrs["label"])
	if label == "" {
		label = enrichment.ToString(attrs["name"])
	}
	if label == "" {
		label = parts[len(parts)-1]
	}

	if slot, exists := g.index[key]; exists {
		n := &g.nodes[slot]
		for k, v := range attrs {
			n.Attrs[k] = v
		}
		n.Attrs["kind"] = kind
		n.Attrs["label"] = label
		return slot, nil
	}

	payload := make(map[string]any, len(attrs)+2)
	for k, v := range attrs {
		payload[k] = v
	}
	payload["kind"] = kind
	payload["label"] = label

	g.nodes = append(g.nodes, Node{Key: key, StorageKey: spec.Key, Attrs: payload})
	slot := len(g.nodes) - 1
	g.index[key] = slot
	return slot, nil
}

// AddEdge appends a typed edge whose weight is fixed at creation time.
func (g *Graph) AddEdge(from, to int, etype string, base float64, confidence string, confidenceScore float64, lastSeen string) {
	g.edges = append(g.edges, Edge{
		From:            from,
		To:              to,
		Type:            etype,
		Weight:          g.Weight(base, confidence, lastSeen),
		Confidence:      confidence,
		ConfidenceScore: confidenceScore,
		LastSeen:        lastSeen,
	})
}

// Weight computes clamp(base * confidence factor * recency, min, max).
func (g *Graph) Weight(base float64, confidence, lastSeen string) float64 {
	sc := g.cfg.Scoring
	factor, ok := confidenceFactors[strings.ToLower(strings.TrimSpace(confidence))]
	if !ok {
		factor = defaultConfidenceFactor
	}
	recency := decay.Factor(lastSeen, g.now, sc.HalfLifeDays, sc.MinWeight, sc.MaxWeight)
	return decay.Clamp(base*factor*recency, sc.MinWeight, math.Max(sc.MinWeight, sc.MaxWeight))
}

// Nodes returns the node arena.
func (g *Graph) Nodes() []Node { return g.nodes }

// Edges returns the edge list.
func (g *Graph) Edges() []Edge { return g.edges }

// Node returns the node at slot.
func (g *Graph) Node(slot int) *Node { return &g.nodes[slot] }

// Lookup returns the slot of an existing node.
func (g *Graph) Lookup(key NodeKey) (int, bool) {
	slot, ok := g.index[key]
	return slot, ok
}
