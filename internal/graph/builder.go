package graph

import (
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/intelforge/internal/mitre"
	"github.com/lvonguyen/intelforge/internal/record"
)

// Merged-record fields read by the builder.
const (
	fieldCVEIDs      = "cve_ids"
	fieldCWEIDs      = "cwe_ids"
	fieldAttackIDs   = "attack_ids"
	fieldDesc        = "desc"
	fieldDescription = "description"
	fieldLabels      = "labels"
)

const unknownSource = "unknown"

// Builder turns merged records into a correlation graph.
type Builder struct {
	cfg     Config
	catalog *mitre.Catalog
	logger  *zap.Logger
	now     func() time.Time
}

// NewBuilder creates a Builder. catalog may be nil, in which case technique
// nodes are not annotated.
func NewBuilder(cfg Config, catalog *mitre.Catalog, logger *zap.Logger) *Builder {
	return &Builder{
		cfg:     cfg,
		catalog: catalog,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock used as the decay reference.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Build creates a graph from records.
func (b *Builder) Build(records []record.MergedRecord) (*Graph, error) {
	g := New(b.cfg, b.now())
	for i := range records {
		if err := b.AddRecord(g, &records[i]); err != nil {
			return nil, err
		}
	}

	b.logger.Debug("built correlation graph",
		zap.Int("records", len(records)),
		zap.Int("nodes", len(g.nodes)),
		zap.Int("edges", len(g.edges)),
	)
	return g, nil
}

// AddRecord derives the nodes and edges for one merged record.
func (b *Builder) AddRecord(g *Graph, rec *record.MergedRecord) error {
	if !rec.Valid() {
		return nil
	}

	ind, err := g.AddNode(KindIndicator, map[string]any{
		"indicator":      rec.Indicator,
		"indicator_type": rec.IndicatorType,
		"label":          rec.IndicatorType + ":" + rec.Indicator,
	})
	if err != nil {
		return err
	}

	link := func(from int, rel, kind string, attrs map[string]any) (int, error) {
		to, err := g.AddNode(kind, attrs)
		if err != nil {
			return -1, err
		}
		spec := b.cfg.edgeSpec(rel)
		g.AddEdge(from, to, spec.Key, spec.BaseWeight, rec.Confidence, rec.ConfidenceScore, rec.LastSeen)
		return to, nil
	}

	rules := b.cfg.Rules

	if rules.AttachSource {
		sources := rec.Sources
		if len(sources) == 0 {
			src := rec.Source
			if src == "" {
				src = unknownSource
			}
			sources = []string{src}
		}
		for _, src := range sources {
			if _, err := link(ind, RelSuppliedBy, KindSource, map[string]any{"source_key": src, "label": src}); err != nil {
				return err
			}
		}
	}

	if rules.AttachReferences {
		for _, url := range rec.StringList(record.FieldReferences) {
			if _, err := link(ind, RelReferencedBy, KindReference, map[string]any{"url": url, "label": url}); err != nil {
				return err
			}
		}
	}

	if rules.AttachASNGeo {
		asn := rec.Enrichment.ASN()
		cc := rec.Enrichment.Country()
		anchor := ind
		if asn != "" {
			slot, err := link(ind, RelHostedOn, KindASN, map[string]any{"asn": asn, "label": "AS" + asn})
			if err != nil {
				return err
			}
			anchor = slot
		}
		if cc != "" {
			if _, err := link(anchor, RelLocatedIn, KindCountry, map[string]any{"cc": cc, "label": cc}); err != nil {
				return err
			}
		}
	}

	if rules.AttachMalwareFamilies {
		for _, name := range rec.Enrichment.MalwareFamilies() {
			if _, err := link(ind, RelLinkedTo, KindMalware, map[string]any{"name": name, "label": name}); err != nil {
				return err
			}
		}
	}

	ids := newIdentifiers()
	addAll(ids.CVEs, rec.StringList(fieldCVEIDs))
	addAll(ids.CWEs, rec.StringList(fieldCWEIDs))
	addAll(ids.Techniques, rec.StringList(fieldAttackIDs))
	if rules.ParseAttackFromText {
		parsed := ExtractFromText(
			rec.StringList(fieldDesc),
			rec.StringList(fieldDescription),
			rec.StringList(fieldLabels),
		)
		for v := range parsed.CVEs {
			ids.CVEs[v] = struct{}{}
		}
		for v := range parsed.CWEs {
			ids.CWEs[v] = struct{}{}
		}
		for v := range parsed.Techniques {
			ids.Techniques[v] = struct{}{}
		}
	}

	if rules.AttachCVEs {
		for _, id := range sortedSet(ids.CVEs) {
			if _, err := link(ind, RelIndicates, KindVulnerability, map[string]any{"cve_id": id, "label": id}); err != nil {
				return err
			}
		}
	}
	if rules.AttachCWEs {
		for _, id := range sortedSet(ids.CWEs) {
			if _, err := link(ind, RelLinkedTo, KindWeakness, map[string]any{"cwe_id": id, "label": id}); err != nil {
				return err
			}
		}
	}
	if rules.AttachAttackIDs {
		for _, id := range sortedSet(ids.Techniques) {
			attrs := map[string]any{"attack_id": id, "label": id}
			if b.catalog != nil {
				for k, v := range b.catalog.Annotate(id) {
					attrs[k] = v
				}
			}
			if _, err := link(ind, RelLinkedTo, KindTechnique, attrs); err != nil {
				return err
			}
		}
	}

	return nil
}
