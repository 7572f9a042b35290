package services

import (
	"context"
	"math"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiace/internal/config"
	"tiace/internal/domain/models"
	"tiace/pkg/logger"
)

func TestScoreIsDeterministic(t *testing.T) {
	s := NewScorer(config.EnrichmentConfig{
		FeedWeights:       map[string]float64{"A": 0.9},
		FreshnessHalfLife: 24 * time.Hour,
	}, logger.Nop())

	ind := indicator(models.KindDomain, "evil.example.com", 0.9, "A")
	ind.Severity = models.SeverityHigh
	ind.SourceFeeds = []string{"A", "B", "C"}
	ind.LastSeen = testNow

	first := s.Score(ind, observe("B"), testNow)
	second := s.Score(ind.Clone(), observe("B"), testNow)
	assert.Equal(t, first, second)

	assert.InDelta(t, 0.72, first.Threat, 1e-9)
	// A is configured, B carries the observation's reliability, C falls back
	assert.InDelta(t, (0.9+0.8+0.5)/3, first.Reputation, 1e-9)
	assert.InDelta(t, 1-math.Exp(-1), first.Prevalence, 1e-9)
	assert.Equal(t, 1.0, first.Freshness)
}

func TestFreshnessDecays(t *testing.T) {
	s := NewScorer(config.EnrichmentConfig{FreshnessHalfLife: 24 * time.Hour}, logger.Nop())
	ind := indicator(models.KindIP, "192.0.2.1", 0.5, "A")

	cases := []struct {
		age  time.Duration
		want float64
	}{
		{0, 1},
		{24 * time.Hour, 0.5},
		{48 * time.Hour, 0},
		{96 * time.Hour, 0},
		{-time.Hour, 1},
	}
	for _, tc := range cases {
		ind.LastSeen = testNow.Add(-tc.age)
		assert.InDelta(t, tc.want, s.Score(ind, observe("A"), testNow).Freshness, 1e-9, "age %s", tc.age)
	}

	ind.LastSeen = time.Time{}
	assert.Zero(t, s.Score(ind, observe("A"), testNow).Freshness)
}

func TestScoreKeepsExternalInputs(t *testing.T) {
	s := NewScorer(config.EnrichmentConfig{}, logger.Nop())
	ml := 0.42
	ind := indicator(models.KindIP, "192.0.2.1", 0.5, "A")
	ind.Scoring.MLConfidence = &ml
	hv := true
	ind.Scoring.HumanValidated = &hv

	got := s.Score(ind, observe("A"), testNow)
	require.NotNil(t, got.MLConfidence)
	assert.Equal(t, 0.42, *got.MLConfidence)
	require.NotNil(t, got.HumanValidated)
	assert.True(t, *got.HumanValidated)
}

func TestSynthesizerDerivations(t *testing.T) {
	s := NewSynthesizer(config.EnrichmentConfig{})

	cases := []struct {
		name  string
		kind  models.IndicatorKind
		value string
		want  models.IndicatorKind
		out   string
	}{
		{"ip to network", models.KindIP, "198.51.100.77", models.KindCIDR, "198.51.100.0/24"},
		{"ipv6 to network", models.KindIP, "2001:db8:1:2::1", models.KindCIDR, "2001:db8:1::/48"},
		{"url with ip host", models.KindURL, "http://203.0.113.9:8080/gate.php", models.KindIP, "203.0.113.9"},
		{"url to registrable domain", models.KindURL, "https://login.secure.example.com/a", models.KindDomain, "example.com"},
		{"two level suffix", models.KindURL, "https://mail.shop.example.co.uk/", models.KindDomain, "example.co.uk"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			parent := indicator(tc.kind, tc.value, 0.9, "A")
			parent.Normalize()
			derived, err := s.Derive(parent)
			require.NoError(t, err)
			require.Len(t, derived, 1)
			d := derived[0]
			assert.Equal(t, tc.want, d.Indicator.Kind)
			assert.Equal(t, tc.out, d.Indicator.Value)
			assert.Equal(t, models.EdgeRelatedTo, d.Edge)
			assert.Equal(t, synthesizedConfidence, d.Indicator.Confidence)
			assert.True(t, d.Indicator.HasTag(TagSynthetic))
			assert.Equal(t, []string{"A"}, d.Indicator.SourceFeeds)
		})
	}
}

func TestSynthesizedIndicatorsAreNotExpanded(t *testing.T) {
	s := NewSynthesizer(config.EnrichmentConfig{})
	parent := indicator(models.KindIP, "198.51.100.77", 0.3, "A")
	derived, err := s.Derive(parent)
	require.NoError(t, err)
	require.Len(t, derived, 1)
	assert.Equal(t, 0.3, derived[0].Indicator.Confidence, "derived confidence never exceeds the parent")

	again, err := s.Derive(derived[0].Indicator)
	require.NoError(t, err)
	assert.Empty(t, again)

	none, err := s.Derive(indicator(models.KindDomain, "example.com", 0.9, "A"))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestContextResolverUsesLongestPrefix(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "geo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
- prefix: 198.51.100.0/22
  country: NL
  asn: "as 64500"
  org: Example Hosting
- prefix: 198.51.100.0/24
  country: DE
  city: Frankfurt
  asn: AS64501
`), 0o600))

	entries, err := LoadGeoTable(path)
	require.NoError(t, err)
	r, err := NewContextResolver(entries)
	require.NoError(t, err)

	e, ok := r.Lookup(netip.MustParseAddr("198.51.100.9"))
	require.True(t, ok)
	assert.Equal(t, "DE", e.Country)
	assert.Equal(t, "AS64501", e.ASN)

	ind := indicator(models.KindIP, "198.51.101.1", 0.5, "A")
	require.NoError(t, r.Resolve(ind))
	require.NotNil(t, ind.Context.Geo)
	assert.Equal(t, "NL", ind.Context.Geo.Country)
	assert.Equal(t, "AS64500", ind.Context.ASN)
	assert.Equal(t, "Example Hosting", ind.Context.Organization)

	_, ok = r.Lookup(netip.MustParseAddr("192.0.2.1"))
	assert.False(t, ok)
}

func TestContextResolverURLAndDomain(t *testing.T) {
	r, err := NewContextResolver(nil)
	require.NoError(t, err)

	u := indicator(models.KindURL, "https://evil.example.com/login", 0.5, "A")
	require.NoError(t, r.Resolve(u))
	assert.Equal(t, []string{"https"}, u.Context.Protocols)
	assert.Equal(t, []int{443}, u.Context.Ports)

	d := indicator(models.KindDomain, "evil.example.org", 0.5, "A")
	require.NoError(t, r.Resolve(d))
	assert.True(t, d.HasTag("tld:org"))

	_, err = NewContextResolver([]GeoEntry{{Prefix: "not-a-prefix"}})
	assert.Error(t, err)

	entries, err := LoadGeoTable("")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAttributorLearnsFromActorsAndCampaigns(t *testing.T) {
	a := NewAttributor()
	actor := &models.ThreatActor{ID: uuid.New(), Name: "Fancy Bear", Aliases: []string{"APT28"}}
	campaign := &models.Campaign{ID: uuid.New(), Name: "Ghost Writer", MalwareFamily: []string{"Emotet"}}
	a.Learn("acme", []*models.ThreatActor{actor}, []*models.Campaign{campaign})

	ind := indicator(models.KindDomain, "beacon.example.com", 0.8, "A")
	ind.Tags = []string{"APT28", "malware:emotet"}
	ind.Normalize()

	hints := a.Match("acme", ind)
	require.Len(t, hints, 2)
	assert.Equal(t, actor.ID, hints[0].Target.ID)
	assert.Equal(t, models.EntityActor, hints[0].Target.Kind)
	assert.Equal(t, 0.6, hints[0].Confidence)
	assert.Equal(t, campaign.ID, hints[1].Target.ID)

	assert.Empty(t, a.Match("other", ind), "rules are per tenant")

	// relearning replaces the rule instead of duplicating it
	a.Learn("acme", []*models.ThreatActor{actor}, nil)
	assert.Len(t, a.Match("acme", ind), 2)
}

func TestPipelineRecordsFailedStagesAndContinues(t *testing.T) {
	resolver, err := NewContextResolver(nil)
	require.NoError(t, err)
	cfg := config.EnrichmentConfig{StageTimeout: time.Second}
	p := NewEnrichmentPipeline(NewScorer(cfg, logger.Nop()), resolver, NewAttributor(), NewSynthesizer(cfg), cfg, nil, logger.Nop())

	ind := indicator(models.KindIP, "not-an-ip", 0.8, "A")
	ind.ID = uuid.New()
	e := p.Enrich(context.Background(), tenant("acme"), ind, observe("A"))

	require.Len(t, e.Stages, 4)
	assert.Equal(t, []string{StageContext, StageSynthesis}, e.Failed())
	assert.Equal(t, ind.ID, e.IndicatorID)
	assert.NotZero(t, ind.Scoring.Threat, "scoring still ran")
}

func TestPipelineObservesCancellation(t *testing.T) {
	cfg := config.EnrichmentConfig{}
	p := NewEnrichmentPipeline(NewScorer(cfg, logger.Nop()), nil, nil, nil, cfg, nil, logger.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := p.Enrich(ctx, tenant("acme"), indicator(models.KindIP, "192.0.2.1", 0.8, "A"), observe("A"))
	assert.Equal(t, []string{StageScoring, StageContext, StageAttribution, StageSynthesis}, e.Failed())
}
