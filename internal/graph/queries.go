package graph

import "sort"

// DegreeEntry is a node ranked by incident edge count.
type DegreeEntry struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Degree int    `json:"degree"`
}

// Stats describes a snapshot.
type Stats struct {
	TotalNodes          int            `json:"total_nodes"`
	TotalEdges          int            `json:"total_edges"`
	NodeKinds           map[string]int `json:"node_kinds"`
	EdgeTypes           map[string]int `json:"edge_types"`
	Density             float64        `json:"density"`
	ConnectedComponents int            `json:"connected_components"`
}

// Degrees counts incident edges per node id, both directions.
func (s *Snapshot) Degrees() map[string]int {
	deg := make(map[string]int, len(s.Nodes))
	for _, e := range s.Edges {
		deg[e.Src]++
		deg[e.Dst]++
	}
	return deg
}

// TopByDegree returns up to n nodes of kind with the most incident edges.
// Ties are ordered by id.
func TopByDegree(s *Snapshot, kind string, n int) []DegreeEntry {
	deg := s.Degrees()
	out := make([]DegreeEntry, 0)
	for _, node := range s.Nodes {
		if node.Kind != kind {
			continue
		}
		out = append(out, DegreeEntry{ID: node.ID, Label: node.Label, Degree: deg[node.ID]})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Degree != out[j].Degree {
			return out[i].Degree > out[j].Degree
		}
		return out[i].ID < out[j].ID
	})
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// ComputeStats returns totals, per-kind counts, undirected density and the
// number of connected components. Edges naming unknown nodes are ignored.
func ComputeStats(s *Snapshot) Stats {
	st := Stats{
		TotalNodes: len(s.Nodes),
		TotalEdges: len(s.Edges),
		NodeKinds:  make(map[string]int),
		EdgeTypes:  make(map[string]int),
	}
	for _, n := range s.Nodes {
		st.NodeKinds[n.Kind]++
	}

	idx := s.NodeIndex()
	uf := newUnionFind(len(s.Nodes))
	type pair struct{ a, b int }
	pairs := make(map[pair]struct{})
	for _, e := range s.Edges {
		st.EdgeTypes[e.EType]++
		a, okA := idx[e.Src]
		b, okB := idx[e.Dst]
		if !okA || !okB {
			continue
		}
		uf.union(a, b)
		if a == b {
			continue
		}
		if a > b {
			a, b = b, a
		}
		pairs[pair{a, b}] = struct{}{}
	}

	if n := len(s.Nodes); n > 1 {
		st.Density = float64(len(pairs)) / (float64(n) * float64(n-1) / 2)
	}
	st.ConnectedComponents = uf.count
	return st
}

type unionFind struct {
	parent []int
	rank   []int
	count  int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), rank: make([]int, n), count: n}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	switch {
	case u.rank[ra] < u.rank[rb]:
		u.parent[ra] = rb
	case u.rank[ra] > u.rank[rb]:
		u.parent[rb] = ra
	default:
		u.parent[rb] = ra
		u.rank[ra]++
	}
	u.count--
}
