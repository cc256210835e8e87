package merge

import (
	"context"
	"reflect"
	"testing"

	"go.uber.org/zap"

	"github.com/lvonguyen/intelforge/internal/enrichment"
	"github.com/lvonguyen/intelforge/internal/record"
)

func testPolicy() Policy {
	p := DefaultPolicy()
	p.Precedence.Sources = Precedence{"feedA", "feedB", "feedC"}
	p.Precedence.PreferNewest = []string{"status"}
	p.UnionFields = []string{"tags"}
	return p
}

// =============================================================================
// Resolver Tests
// =============================================================================

// TestResolve_FeedScenario verifies the higher-scoring confidence and newest
// last_seen win for a two-feed domain.
func TestResolve_FeedScenario(t *testing.T) {
	today := "2024-06-01T00:00:00Z"
	monthAgo := "2024-05-02T00:00:00Z"

	items := []Item{
		NewItem(record.IndicatorRecord{
			Indicator: "evil.example", IndicatorType: "domain", Source: "feedB",
			Confidence: "low", LastSeen: monthAgo, FirstSeen: "2024-04-01T00:00:00Z",
		}, ""),
		NewItem(record.IndicatorRecord{
			Indicator: "evil.example", IndicatorType: "domain", Source: "feedA",
			Confidence: "High", LastSeen: today, FirstSeen: "2024-05-30T00:00:00Z",
		}, ""),
	}

	got := NewResolver(testPolicy()).Resolve(items)

	if got.Confidence != "high" || got.ConfidenceScore != 0.9 {
		t.Errorf("confidence = %s/%v, want high/0.9", got.Confidence, got.ConfidenceScore)
	}
	if got.LastSeen != today {
		t.Errorf("last_seen = %s, want %s", got.LastSeen, today)
	}
	if got.FirstSeen != "2024-04-01T00:00:00Z" {
		t.Errorf("first_seen = %s, want the earliest", got.FirstSeen)
	}
	if got.Source != "feedA" {
		t.Errorf("source = %s, want feedA", got.Source)
	}
	if !reflect.DeepEqual(got.Sources, []string{"feedA", "feedB"}) {
		t.Errorf("sources = %v", got.Sources)
	}
	if len(got.ConfidenceDetails.Inputs) != 2 || got.ConfidenceDetails.Mode != CombineWeightedMax {
		t.Errorf("unexpected confidence details: %+v", got.ConfidenceDetails)
	}
	if len(got.Lineage) != 2 || got.Lineage[0].Source != "feedA" {
		t.Errorf("unexpected lineage: %+v", got.Lineage)
	}
}

// TestResolve_Identity verifies a single-member cluster keeps its own fields.
func TestResolve_Identity(t *testing.T) {
	rec := record.IndicatorRecord{
		Indicator:     "1.2.3.4",
		IndicatorType: "ip",
		Source:        "feedC",
		FirstSeen:     "2024-05-01T00:00:00Z",
		LastSeen:      "2024-05-02T00:00:00Z",
		Confidence:    "medium",
		References:    []string{"https://r.example/1"},
		Enrichment:    enrichment.Set{{Provider: "geo", Result: enrichment.Result{"asn": "64500"}}},
		Extra:         map[string]any{"status": "active", "tags": []any{"c2", "c2"}},
	}

	got := NewResolver(testPolicy()).Resolve([]Item{NewItem(rec, "")})

	if got.Indicator != rec.Indicator || got.IndicatorType != rec.IndicatorType || got.Source != rec.Source {
		t.Errorf("identity mismatch: %+v", got)
	}
	if got.FirstSeen != rec.FirstSeen || got.LastSeen != rec.LastSeen {
		t.Errorf("timestamps changed: %s %s", got.FirstSeen, got.LastSeen)
	}
	if got.Confidence != "medium" {
		t.Errorf("confidence = %s", got.Confidence)
	}
	if got.String("status") != "active" {
		t.Errorf("status = %v", got.Fields["status"])
	}
	if !reflect.DeepEqual(got.StringList("references"), rec.References) {
		t.Errorf("references = %v", got.Fields["references"])
	}
	if !reflect.DeepEqual(got.Fields["tags"], []any{"c2"}) {
		t.Errorf("tags = %v", got.Fields["tags"])
	}
	if !reflect.DeepEqual(got.Enrichment, rec.Enrichment) {
		t.Errorf("enrichment = %v", got.Enrichment)
	}
}

// TestResolve_FieldStrategies verifies union, prefer-newest and precedence resolution.
func TestResolve_FieldStrategies(t *testing.T) {
	items := []Item{
		NewItem(record.IndicatorRecord{
			Indicator: "x.example", IndicatorType: "domain", Source: "feedC",
			LastSeen: "2024-06-01T00:00:00Z",
			Extra:    map[string]any{"status": "sinkholed", "owner": "c", "tags": []any{"b", "a"}},
		}, ""),
		NewItem(record.IndicatorRecord{
			Indicator: "x.example", IndicatorType: "domain", Source: "feedA",
			LastSeen: "2024-05-01T00:00:00Z",
			Extra:    map[string]any{"status": "active", "owner": "a", "tags": "a", "empty": ""},
		}, ""),
	}

	got := NewResolver(testPolicy()).Resolve(items)

	if got.String("status") != "sinkholed" {
		t.Errorf("prefer_newest status = %v, want sinkholed", got.Fields["status"])
	}
	if got.MergeRationale["status"].Strategy != StrategyPreferNewest {
		t.Errorf("status strategy = %s", got.MergeRationale["status"].Strategy)
	}
	if got.String("owner") != "a" {
		t.Errorf("precedence owner = %v, want a", got.Fields["owner"])
	}
	if got.MergeRationale["owner"].Strategy != StrategySourcePrecedence {
		t.Errorf("owner strategy = %s", got.MergeRationale["owner"].Strategy)
	}
	if !reflect.DeepEqual(got.Fields["tags"], []any{"a", "b"}) {
		t.Errorf("union tags = %v, want [a b]", got.Fields["tags"])
	}
	if !reflect.DeepEqual(got.MergeRationale["tags"].Sources, []string{"feedA", "feedC"}) {
		t.Errorf("union sources = %v", got.MergeRationale["tags"].Sources)
	}
	if _, ok := got.Fields["empty"]; ok {
		t.Error("fields empty on every member must be omitted")
	}
}

// TestResolve_RepresentativeShortest verifies the shortest indicator wins, then precedence.
func TestResolve_RepresentativeShortest(t *testing.T) {
	items := []Item{
		item("evil-example.com/", "domain", "feedA"),
		item("evil-example.com", "domain", "feedC"),
		item("evil-example.com", "domain", "feedB"),
	}
	got := NewResolver(testPolicy()).Resolve(items)
	if got.Indicator != "evil-example.com" {
		t.Errorf("indicator = %q", got.Indicator)
	}
	if got.Lineage[0].Source != "feedA" {
		t.Errorf("lineage should follow precedence, got %+v", got.Lineage)
	}
}

// TestResolve_OrderIndependent verifies permuted inputs produce the same record.
func TestResolve_OrderIndependent(t *testing.T) {
	a := NewItem(record.IndicatorRecord{
		Indicator: "x.example", IndicatorType: "domain", Source: "feedA", Confidence: "medium",
		LastSeen: "2024-05-01T00:00:00Z", Extra: map[string]any{"owner": "a", "tags": []any{"x"}},
		RiskInputs: map[string]any{"n": 1.0},
	}, "")
	b := NewItem(record.IndicatorRecord{
		Indicator: "x.example", IndicatorType: "domain", Source: "feedB", Confidence: "medium",
		LastSeen: "2024-05-03T00:00:00Z", Extra: map[string]any{"owner": "b", "tags": []any{"y"}},
		RiskInputs: map[string]any{"n": 2.0},
	}, "")
	c := NewItem(record.IndicatorRecord{
		Indicator: "x.example", IndicatorType: "domain", Source: "feedC", Confidence: "high",
		FirstSeen: "2024-04-01T00:00:00Z", Extra: map[string]any{"status": "old"},
	}, "")

	r := NewResolver(testPolicy())
	want := r.Resolve([]Item{a, b, c})
	for _, perm := range [][]Item{{c, b, a}, {b, a, c}, {c, a, b}} {
		if got := r.Resolve(perm); !reflect.DeepEqual(got, want) {
			t.Errorf("permutation changed output:\n got %+v\nwant %+v", got, want)
		}
	}
	if want.Confidence != "high" {
		t.Errorf("confidence = %s, want high", want.Confidence)
	}
	if len(want.RiskInputs) != 2 {
		t.Errorf("risk_inputs = %v, want 2 entries", want.RiskInputs)
	}
}

// =============================================================================
// Confidence Tests
// =============================================================================

func TestNormalizeConfidence(t *testing.T) {
	p := DefaultPolicy().Confidence

	tests := []struct {
		raw        string
		wantBucket string
		wantScore  float64
	}{
		{"HIGH", "high", 0.9},
		{" l ", "low", 0.3},
		{"", "medium", 0.6},
		{"certain", "medium", 0.6},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			bucket, score := p.NormalizeConfidence(tt.raw)
			if bucket != tt.wantBucket || score != tt.wantScore {
				t.Errorf("NormalizeConfidence(%q) = %s/%v, want %s/%v", tt.raw, bucket, score, tt.wantBucket, tt.wantScore)
			}
		})
	}

	p.BucketToScore = map[string]float64{}
	if _, score := p.NormalizeConfidence("high"); score != 0.6 {
		t.Errorf("unscored bucket should default to 0.6, got %v", score)
	}
}

// TestCombineConfidence_TieBreak verifies equal scores go to the better-ranked
// source in weighted_max mode and to the first member in max mode.
func TestCombineConfidence_TieBreak(t *testing.T) {
	p := testPolicy()
	p.Confidence.NormalizeMap = map[string]string{"high": "high", "sure": "certain"}
	p.Confidence.BucketToScore = map[string]float64{"high": 0.9, "certain": 0.9}

	items := []Item{
		NewItem(record.IndicatorRecord{Indicator: "x", IndicatorType: "ip", Source: "feedB", Confidence: "high"}, ""),
		NewItem(record.IndicatorRecord{Indicator: "x", IndicatorType: "ip", Source: "feedA", Confidence: "sure"}, ""),
	}

	r := NewResolver(p)
	bucket, _, _ := r.combineConfidence(items)
	if bucket != "certain" {
		t.Errorf("weighted_max winner = %s, want certain (feedA)", bucket)
	}

	p.Confidence.Combine = CombineMax
	bucket, _, details := NewResolver(p).combineConfidence(items)
	if bucket != "high" {
		t.Errorf("max winner = %s, want first member's bucket", bucket)
	}
	if details.Mode != CombineMax {
		t.Errorf("mode = %s", details.Mode)
	}
}

// =============================================================================
// Merger Tests
// =============================================================================

func TestMerger_MergeAll(t *testing.T) {
	p := testPolicy()
	p.Workers = 3
	m := NewMerger(p, zap.NewNop())

	groups := [][]Item{
		{item("a.example", "domain", "feedA")},
		{},
		{item("b.example", "domain", "feedB"), item("b.example", "domain", "feedA")},
		{item("c.example", "domain", "feedC")},
	}

	out, err := m.MergeAll(context.Background(), groups)
	if err != nil {
		t.Fatalf("MergeAll failed: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 records, got %d", len(out))
	}
	for i, want := range []string{"a.example", "b.example", "c.example"} {
		if out[i].Indicator != want {
			t.Errorf("out[%d] = %s, want %s", i, out[i].Indicator, want)
		}
	}
	if out[1].Source != "feedA" {
		t.Errorf("b.example source = %s, want feedA", out[1].Source)
	}
}

func TestMerger_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := NewMerger(testPolicy(), zap.NewNop())
	if _, err := m.MergeAll(ctx, [][]Item{{item("a", "domain", "feedA")}}); err == nil {
		t.Error("expected error for canceled context")
	}
}
