package graph

import (
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/intelforge/internal/enrichment"
	"github.com/lvonguyen/intelforge/internal/mitre"
	"github.com/lvonguyen/intelforge/internal/record"
)

var testNow = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func testRecord() record.MergedRecord {
	return record.MergedRecord{
		Indicator:       "evil.example",
		IndicatorType:   "domain",
		Source:          "feedA",
		Sources:         []string{"feedA", "feedB"},
		LastSeen:        "2024-05-31T00:00:00Z",
		Confidence:      "high",
		ConfidenceScore: 0.9,
		Enrichment: enrichment.Set{
			{Provider: "geo", Result: enrichment.Result{"asn": 64500.0, "geo": map[string]any{"country": "de"}}},
			{Provider: "sandbox", Result: enrichment.Result{"malware_families": []any{"Emotet"}}},
		},
		Fields: map[string]any{
			"references": []any{"https://blog.example/post"},
			"cve_ids":    []any{"cve-2024-1234 "},
			"desc":       "drops payload via T1059.001, see CVE-2024-1234",
			"labels":     []any{"xss CWE-79"},
		},
	}
}

// =============================================================================
// Graph Tests
// =============================================================================

// TestAddNode_OverlaysAttributes verifies repeated identities update one node.
func TestAddNode_OverlaysAttributes(t *testing.T) {
	g := New(DefaultConfig(), testNow)

	a, err := g.AddNode(KindMalware, map[string]any{"name": "Emotet", "first": true})
	if err != nil {
		t.Fatalf("AddNode failed: %v", err)
	}
	b, err := g.AddNode(KindMalware, map[string]any{"name": "Emotet", "family": "banker"})
	if err != nil {
		t.Fatalf("AddNode failed: %v", err)
	}

	if a != b {
		t.Fatalf("expected same slot, got %d and %d", a, b)
	}
	if len(g.Nodes()) != 1 {
		t.Fatalf("expected 1 node, got %d", len(g.Nodes()))
	}
	n := g.Node(a)
	if n.Attrs["first"] != true || n.Attrs["family"] != "banker" {
		t.Errorf("attributes not overlaid: %v", n.Attrs)
	}
	if n.Attrs["label"] != "Emotet" {
		t.Errorf("label = %v, want name", n.Attrs["label"])
	}
	if n.ID() != "Malware::malware|Emotet" {
		t.Errorf("ID() = %s", n.ID())
	}
}

func TestAddNode_UnknownKind(t *testing.T) {
	g := New(DefaultConfig(), testNow)
	if _, err := g.AddNode("planet", map[string]any{}); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("expected ErrUnknownKind, got %v", err)
	}
}

// TestAddEdge_NeverDeduplicated verifies multigraph semantics.
func TestAddEdge_NeverDeduplicated(t *testing.T) {
	g := New(DefaultConfig(), testNow)
	a, _ := g.AddNode(KindSource, map[string]any{"source_key": "a"})
	b, _ := g.AddNode(KindSource, map[string]any{"source_key": "b"})

	g.AddEdge(a, b, RelLinkedTo, 0.8, "high", 0.9, "")
	g.AddEdge(a, b, RelLinkedTo, 0.8, "high", 0.9, "")
	g.AddEdge(a, b, RelIndicates, 0.9, "high", 0.9, "")

	if len(g.Edges()) != 3 {
		t.Errorf("expected 3 edges, got %d", len(g.Edges()))
	}
}

func TestWeight_Bounds(t *testing.T) {
	g := New(DefaultConfig(), testNow)

	tests := []struct {
		name       string
		base       float64
		confidence string
		lastSeen   string
		want       float64
	}{
		{"fresh high", 0.9, "HIGH", "2024-06-01T00:00:00Z", 0.9},
		{"fresh unknown bucket", 1.0, "certain", "2024-06-01T00:00:00Z", 0.8},
		{"one half-life medium", 1.0, "medium", "2024-05-02T00:00:00Z", 0.4},
		{"absent last_seen", 1.0, "high", "", 0.2},
		{"huge base clamps", 5.0, "high", "2024-06-01T00:00:00Z", 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := g.Weight(tt.base, tt.confidence, tt.lastSeen); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Weight = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestWeight_MonotonicDecay verifies weight never increases with age and stays bounded.
func TestWeight_MonotonicDecay(t *testing.T) {
	g := New(DefaultConfig(), testNow)
	prev := math.Inf(1)
	for days := 0; days < 365; days += 5 {
		ts := testNow.AddDate(0, 0, -days).Format(time.RFC3339)
		w := g.Weight(1.0, "high", ts)
		if w < 0.2 || w > 1.0 {
			t.Fatalf("weight %v out of bounds at %d days", w, days)
		}
		if w > prev {
			t.Fatalf("weight increased at %d days", days)
		}
		prev = w
	}
	if prev != 0.2 {
		t.Errorf("weight should reach min_weight, got %v", prev)
	}
}

// =============================================================================
// Extraction Tests
// =============================================================================

func TestExtractFromText(t *testing.T) {
	ids := ExtractFromText(
		[]string{"exploits cve-2023-44487 and CVE-2023-44487", "technique t1566.002"},
		[]string{"CWE-79; not T12345 or XCVE-2020-1111"},
	)

	if got := sortedSet(ids.CVEs); len(got) != 1 || got[0] != "CVE-2023-44487" {
		t.Errorf("CVEs = %v", got)
	}
	if got := sortedSet(ids.CWEs); len(got) != 1 || got[0] != "CWE-79" {
		t.Errorf("CWEs = %v", got)
	}
	if got := sortedSet(ids.Techniques); len(got) != 1 || got[0] != "T1566.002" {
		t.Errorf("Techniques = %v", got)
	}
}

// TestExtractFromText_CVEDigits verifies CVE sequence numbers of any length
// from four digits up are recognized.
func TestExtractFromText_CVEDigits(t *testing.T) {
	tests := []struct {
		text string
		want []string
	}{
		{"CVE-2024-123", nil},
		{"CVE-2024-1234", []string{"CVE-2024-1234"}},
		{"CVE-2021-1234567", []string{"CVE-2021-1234567"}},
		{"see cve-2031-12345678.", []string{"CVE-2031-12345678"}},
		{"CVE-2031-123456789x", nil},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got := sortedSet(ExtractFromText([]string{tt.text}).CVEs)
			if len(got) != len(tt.want) || (len(got) > 0 && got[0] != tt.want[0]) {
				t.Errorf("CVEs = %v, want %v", got, tt.want)
			}
		})
	}
}

// =============================================================================
// Builder Tests
// =============================================================================

func newTestBuilder(cfg Config) *Builder {
	return NewBuilder(cfg, mitre.NewCatalog(), zap.NewNop()).WithClock(func() time.Time { return testNow })
}

// TestBuilder_AllRelationships verifies every relationship rule fires for a rich record.
func TestBuilder_AllRelationships(t *testing.T) {
	g, err := newTestBuilder(DefaultConfig()).Build([]record.MergedRecord{testRecord()})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	kinds := make(map[string]int)
	for _, n := range g.Nodes() {
		kinds[n.Key.Kind]++
	}
	wantKinds := map[string]int{
		KindIndicator: 1, KindSource: 2, KindReference: 1, KindASN: 1, KindCountry: 1,
		KindMalware: 1, KindVulnerability: 1, KindWeakness: 1, KindTechnique: 1,
	}
	for k, want := range wantKinds {
		if kinds[k] != want {
			t.Errorf("%s nodes = %d, want %d", k, kinds[k], want)
		}
	}

	types := make(map[string]int)
	for _, e := range g.Edges() {
		types[e.Type]++
		if e.Weight < 0.2 || e.Weight > 1.0 {
			t.Errorf("edge weight %v out of bounds", e.Weight)
		}
	}
	wantTypes := map[string]int{
		RelSuppliedBy: 2, RelReferencedBy: 1, RelHostedOn: 1, RelLocatedIn: 1,
		RelLinkedTo: 3, RelIndicates: 1,
	}
	for k, want := range wantTypes {
		if types[k] != want {
			t.Errorf("%s edges = %d, want %d", k, types[k], want)
		}
	}

	asn, ok := g.Lookup(NodeKey{Kind: KindASN, Values: "64500"})
	if !ok {
		t.Fatal("ASN node missing")
	}
	country, ok := g.Lookup(NodeKey{Kind: KindCountry, Values: "DE"})
	if !ok {
		t.Fatal("country node missing")
	}
	var locatedFromASN bool
	for _, e := range g.Edges() {
		if e.Type == RelLocatedIn && e.From == asn && e.To == country {
			locatedFromASN = true
		}
	}
	if !locatedFromASN {
		t.Error("country should hang off the ASN when both are known")
	}

	tech, ok := g.Lookup(NodeKey{Kind: KindTechnique, Values: "T1059.001"})
	if !ok {
		t.Fatal("technique node missing")
	}
	if g.Node(tech).Attrs["name"] != "PowerShell" {
		t.Errorf("technique not annotated: %v", g.Node(tech).Attrs)
	}
	if g.Node(tech).Attrs["label"] != "T1059.001" {
		t.Errorf("technique label = %v", g.Node(tech).Attrs["label"])
	}
	if names, _ := g.Node(tech).Attrs["tactic_names"].([]string); len(names) != 1 || names[0] != "Execution" {
		t.Errorf("tactic_names = %v", g.Node(tech).Attrs["tactic_names"])
	}
}

// TestBuilder_CountryWithoutASN verifies the indicator links to the country directly.
func TestBuilder_CountryWithoutASN(t *testing.T) {
	rec := record.MergedRecord{
		Indicator: "1.2.3.4", IndicatorType: "ip", Source: "feedA",
		Enrichment: enrichment.Set{{Provider: "geo", Result: enrichment.Result{"geo": map[string]any{"country": "nl"}}}},
	}
	g, err := newTestBuilder(DefaultConfig()).Build([]record.MergedRecord{rec})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	ind, _ := g.Lookup(NodeKey{Kind: KindIndicator, Values: "ip|1.2.3.4"})
	cc, _ := g.Lookup(NodeKey{Kind: KindCountry, Values: "NL"})
	for _, e := range g.Edges() {
		if e.Type == RelLocatedIn {
			if e.From != ind || e.To != cc {
				t.Errorf("located_in edge = %d->%d, want %d->%d", e.From, e.To, ind, cc)
			}
			return
		}
	}
	t.Error("missing located_in edge")
}

// TestBuilder_RulesDisabled verifies rule toggles suppress relationships.
func TestBuilder_RulesDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Rules = Rules{AttachSource: true}

	g, err := newTestBuilder(cfg).Build([]record.MergedRecord{testRecord()})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(g.Nodes()) != 3 {
		t.Errorf("expected indicator + 2 sources, got %d nodes", len(g.Nodes()))
	}
	for _, e := range g.Edges() {
		if e.Type != RelSuppliedBy {
			t.Errorf("unexpected edge type %s", e.Type)
		}
	}
}

// TestBuilder_SharedNodes verifies records share infrastructure nodes.
func TestBuilder_SharedNodes(t *testing.T) {
	a := testRecord()
	b := testRecord()
	b.Indicator = "other.example"

	g, err := newTestBuilder(DefaultConfig()).Build([]record.MergedRecord{a, b})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	var indicators, malware int
	for _, n := range g.Nodes() {
		switch n.Key.Kind {
		case KindIndicator:
			indicators++
		case KindMalware:
			malware++
		}
	}
	if indicators != 2 || malware != 1 {
		t.Errorf("indicators=%d malware=%d, want 2 and 1", indicators, malware)
	}
	if len(g.Edges()) != 18 {
		t.Errorf("expected 18 edges, got %d", len(g.Edges()))
	}
}

// =============================================================================
// Snapshot Tests
// =============================================================================

// TestSnapshot_RoundTrip verifies export then reload preserves identities and edge tuples.
func TestSnapshot_RoundTrip(t *testing.T) {
	g, err := newTestBuilder(DefaultConfig()).Build([]record.MergedRecord{testRecord()})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	snap := g.Snapshot()

	dir := t.TempDir()
	m, err := snap.Write(dir, "2024-06-01", "run-1", testNow)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if m.Nodes != len(snap.Nodes) || m.Edges != len(snap.Edges) || m.RunID != "run-1" {
		t.Errorf("unexpected manifest: %+v", m)
	}

	paths := SnapshotPaths(dir, "2024-06-01")
	if paths.Nodes != filepath.Join(dir, "2024-06-01.nodes.json") {
		t.Errorf("nodes path = %s", paths.Nodes)
	}
	loaded, err := LoadSnapshot(paths.Nodes, paths.Edges)
	if err != nil {
		t.Fatalf("LoadSnapshot failed: %v", err)
	}

	wantIDs := make(map[string]string)
	for _, n := range snap.Nodes {
		wantIDs[n.ID] = n.Kind
	}
	if len(loaded.Nodes) != len(wantIDs) {
		t.Fatalf("loaded %d nodes, want %d", len(loaded.Nodes), len(wantIDs))
	}
	for _, n := range loaded.Nodes {
		if wantIDs[n.ID] != n.Kind {
			t.Errorf("node %s kind = %s, want %s", n.ID, n.Kind, wantIDs[n.ID])
		}
	}

	type tuple struct {
		src, dst, etype string
		weight          float64
	}
	want := make(map[tuple]int)
	for _, e := range snap.Edges {
		want[tuple{e.Src, e.Dst, e.EType, e.Weight}]++
	}
	for _, e := range loaded.Edges {
		k := tuple{e.Src, e.Dst, e.EType, e.Weight}
		want[k]--
		if want[k] < 0 {
			t.Errorf("unexpected edge %+v", k)
		}
	}
	for k, n := range want {
		if n != 0 {
			t.Errorf("edge %+v count off by %d", k, n)
		}
	}
}

// =============================================================================
// Query Tests
// =============================================================================

func testSnapshot() *Snapshot {
	return &Snapshot{
		Nodes: []SnapshotNode{
			{ID: "i1", Kind: KindIndicator},
			{ID: "i2", Kind: KindIndicator},
			{ID: "t1", Kind: KindTechnique, Label: "T1059"},
			{ID: "t2", Kind: KindTechnique, Label: "T1071"},
			{ID: "lonely", Kind: KindASN},
		},
		Edges: []SnapshotEdge{
			{Src: "i1", Dst: "t1", EType: RelLinkedTo},
			{Src: "i2", Dst: "t1", EType: RelLinkedTo},
			{Src: "i2", Dst: "t2", EType: RelLinkedTo},
			{Src: "i2", Dst: "t2", EType: RelIndicates},
			{Src: "i2", Dst: "ghost", EType: RelLinkedTo},
		},
	}
}

func TestTopByDegree(t *testing.T) {
	got := TopByDegree(testSnapshot(), KindTechnique, 1)
	if len(got) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got))
	}
	// t1 and t2 both have degree 2; ties go to the smaller id.
	if got[0].ID != "t1" || got[0].Degree != 2 {
		t.Errorf("top technique = %+v", got[0])
	}
}

func TestComputeStats(t *testing.T) {
	st := ComputeStats(testSnapshot())

	if st.TotalNodes != 5 || st.TotalEdges != 5 {
		t.Errorf("totals = %d/%d", st.TotalNodes, st.TotalEdges)
	}
	if st.NodeKinds[KindTechnique] != 2 {
		t.Errorf("technique count = %d", st.NodeKinds[KindTechnique])
	}
	// Distinct undirected pairs: i1-t1, i2-t1, i2-t2 over 5*4/2 = 10.
	if math.Abs(st.Density-0.3) > 1e-9 {
		t.Errorf("density = %v, want 0.3", st.Density)
	}
	if st.ConnectedComponents != 2 {
		t.Errorf("components = %d, want 2", st.ConnectedComponents)
	}
}
