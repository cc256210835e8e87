package graph

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/lvonguyen/intelforge/internal/record"
)

// SnapshotNode is an exported node: its id plus all attributes.
type SnapshotNode struct {
	ID    string
	Kind  string
	Label string
	Attrs map[string]any
}

// MarshalJSON flattens the attributes next to the id.
func (n SnapshotNode) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(n.Attrs)+3)
	for k, v := range n.Attrs {
		out[k] = v
	}
	out["id"] = n.ID
	out["kind"] = n.Kind
	out["label"] = n.Label
	return json.Marshal(out)
}

// UnmarshalJSON reads a flat node object.
func (n *SnapshotNode) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	id, _ := raw["id"].(string)
	if id == "" {
		return fmt.Errorf("node without id")
	}
	kind, _ := raw["kind"].(string)
	label, _ := raw["label"].(string)
	delete(raw, "id")
	delete(raw, "kind")
	delete(raw, "label")
	*n = SnapshotNode{ID: id, Kind: kind, Label: label, Attrs: raw}
	return nil
}

// SnapshotEdge is an exported edge.
type SnapshotEdge struct {
	Src       string  `json:"src"`
	Dst       string  `json:"dst"`
	EType     string  `json:"etype"`
	Weight    float64 `json:"weight"`
	Conf      string  `json:"conf,omitempty"`
	ConfScore float64 `json:"conf_score"`
	LastSeen  string  `json:"last_seen,omitempty"`
}

// Snapshot is the exported form of a graph.
type Snapshot struct {
	Nodes []SnapshotNode
	Edges []SnapshotEdge
}

// Manifest summarizes an exported snapshot.
type Manifest struct {
	Date        string         `json:"date"`
	RunID       string         `json:"run_id"`
	Nodes       int            `json:"nodes"`
	Edges       int            `json:"edges"`
	NodesByKind map[string]int `json:"nodes_by_kind"`
	EdgesByType map[string]int `json:"edges_by_type"`
	CreatedAt   time.Time      `json:"created_at"`
	NodesPath   string         `json:"nodes_path"`
	EdgesPath   string         `json:"edges_path"`
}

// Paths locates the three snapshot files for a date.
type Paths struct {
	Nodes    string
	Edges    string
	Manifest string
}

// SnapshotPaths returns the snapshot file paths for date under dir.
func SnapshotPaths(dir, date string) Paths {
	return Paths{
		Nodes:    filepath.Join(dir, date+".nodes.json"),
		Edges:    filepath.Join(dir, date+".edges.json"),
		Manifest: filepath.Join(dir, date+".manifest.json"),
	}
}

// Snapshot exports the graph.
func (g *Graph) Snapshot() *Snapshot {
	s := &Snapshot{
		Nodes: make([]SnapshotNode, len(g.nodes)),
		Edges: make([]SnapshotEdge, len(g.edges)),
	}
	ids := make([]string, len(g.nodes))
	for i := range g.nodes {
		n := &g.nodes[i]
		ids[i] = n.ID()
		attrs := make(map[string]any, len(n.Attrs))
		for k, v := range n.Attrs {
			if k == "kind" || k == "label" {
				continue
			}
			attrs[k] = v
		}
		label, _ := n.Attrs["label"].(string)
		s.Nodes[i] = SnapshotNode{ID: ids[i], Kind: n.Key.Kind, Label: label, Attrs: attrs}
	}
	for i, e := range g.edges {
		s.Edges[i] = SnapshotEdge{
			Src:       ids[e.From],
			Dst:       ids[e.To],
			EType:     e.Type,
			Weight:    e.Weight,
			Conf:      e.Confidence,
			ConfScore: e.ConfidenceScore,
			LastSeen:  e.LastSeen,
		}
	}
	return s
}

// Write exports the snapshot as node, edge and manifest files.
func (s *Snapshot) Write(dir, date, runID string, now time.Time) (Manifest, error) {
	paths := SnapshotPaths(dir, date)

	m := Manifest{
		Date:        date,
		RunID:       runID,
		Nodes:       len(s.Nodes),
		Edges:       len(s.Edges),
		NodesByKind: make(map[string]int),
		EdgesByType: make(map[string]int),
		CreatedAt:   now.UTC(),
		NodesPath:   paths.Nodes,
		EdgesPath:   paths.Edges,
	}
	for _, n := range s.Nodes {
		m.NodesByKind[n.Kind]++
	}
	for _, e := range s.Edges {
		m.EdgesByType[e.EType]++
	}

	nodes := s.Nodes
	if nodes == nil {
		nodes = []SnapshotNode{}
	}
	edges := s.Edges
	if edges == nil {
		edges = []SnapshotEdge{}
	}
	if err := record.WriteJSON(paths.Nodes, nodes); err != nil {
		return m, fmt.Errorf("writing nodes: %w", err)
	}
	if err := record.WriteJSON(paths.Edges, edges); err != nil {
		return m, fmt.Errorf("writing edges: %w", err)
	}
	if err := record.WriteJSON(paths.Manifest, m); err != nil {
		return m, fmt.Errorf("writing manifest: %w", err)
	}
	return m, nil
}

// LoadSnapshot reads node and edge lists back.
func LoadSnapshot(nodesPath, edgesPath string) (*Snapshot, error) {
	s := &Snapshot{}
	if err := record.ReadJSON(nodesPath, &s.Nodes); err != nil {
		return nil, err
	}
	if err := record.ReadJSON(edgesPath, &s.Edges); err != nil {
		return nil, err
	}
	return s, nil
}

// NodeIndex maps node ids to their position in Nodes.
func (s *Snapshot) NodeIndex() map[string]int {
	idx := make(map[string]int, len(s.Nodes))
	for i, n := range s.Nodes {
		idx[n.ID] = i
	}
	return idx
}
