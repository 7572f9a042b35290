package services

import (
	"context"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"tiace/internal/config"
	"tiace/internal/domain/models"
	"tiace/internal/metrics"
	"tiace/pkg/logger"
)

// Stage names
const (
	StageScoring     = "scoring"
	StageContext     = "context"
	StageAttribution = "attribution"
	StageSynthesis   = "synthesis"
)

// synthesizedConfidence caps the confidence of derived indicators and
// their edges; it stays below the strong threshold so they never cluster
const synthesizedConfidence = 0.5

// TagSynthetic marks indicators derived during enrichment
const TagSynthetic = "synthetic"

type stageFunc func(ctx context.Context, t models.TenantContext, ind *models.Indicator, obs Observation, e *models.Enrichment) error

type stage struct {
	name string
	run  stageFunc
}

// EnrichmentPipeline runs scoring, context lookup, attribution and
// synthesis in order. A failing stage is recorded and the next one runs.
type EnrichmentPipeline struct {
	scorer     *Scorer
	resolver   *ContextResolver
	attributor *Attributor
	synth      *Synthesizer
	stages     []stage
	timeout    time.Duration
	metrics    *metrics.Metrics
	logger     *logger.Logger
	now        func() time.Time
}

// NewEnrichmentPipeline wires the four stages
func NewEnrichmentPipeline(scorer *Scorer, resolver *ContextResolver, attributor *Attributor, synth *Synthesizer, cfg config.EnrichmentConfig, m *metrics.Metrics, log *logger.Logger) *EnrichmentPipeline {
	p := &EnrichmentPipeline{
		scorer:     scorer,
		resolver:   resolver,
		attributor: attributor,
		synth:      synth,
		timeout:    cfg.StageTimeout,
		metrics:    m,
		logger:     log.WithComponent("enrichment"),
		now:        func() time.Time { return time.Now().UTC() },
	}
	p.stages = []stage{
		{StageScoring, p.score},
		{StageContext, p.lookupContext},
		{StageAttribution, p.attribute},
		{StageSynthesis, p.synthesize},
	}
	return p
}

// Attributor returns the attribution stage
func (p *EnrichmentPipeline) Attributor() *Attributor { return p.attributor }

// Enrich runs every stage on ind in place and returns the outcome record.
// Cancellation is observed between stages; the remaining stages are marked failed.
func (p *EnrichmentPipeline) Enrich(ctx context.Context, t models.TenantContext, ind *models.Indicator, obs Observation) *models.Enrichment {
	e := &models.Enrichment{
		IndicatorID: ind.ID,
		TenantID:    t.TenantID,
		Stages:      make([]models.StageOutcome, 0, len(p.stages)),
		UpdatedAt:   p.now(),
	}
	for _, st := range p.stages {
		if err := ctx.Err(); err != nil {
			e.Stages = append(e.Stages, models.StageOutcome{Stage: st.name, Error: models.FromContext(st.name, err).Error()})
			p.metrics.StageFailed(st.name)
			continue
		}
		start := time.Now()
		err := p.runStage(ctx, st, t, ind, obs, e)
		out := models.StageOutcome{Stage: st.name, OK: err == nil, Duration: time.Since(start)}
		if err != nil {
			out.Error = err.Error()
			p.metrics.StageFailed(st.name)
			p.logger.Debug().Err(err).Str("stage", st.name).Str("indicator", ind.Value).Msg("enrichment stage failed")
		}
		e.Stages = append(e.Stages, out)
	}
	return e
}

func (p *EnrichmentPipeline) runStage(ctx context.Context, st stage, t models.TenantContext, ind *models.Indicator, obs Observation, e *models.Enrichment) (err error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage %s panicked: %v", st.name, r)
		}
	}()
	return st.run(ctx, t, ind, obs, e)
}

func (p *EnrichmentPipeline) score(_ context.Context, _ models.TenantContext, ind *models.Indicator, obs Observation, _ *models.Enrichment) error {
	ref := obs.At
	if ref.IsZero() {
		ref = p.now()
	}
	ind.Scoring = p.scorer.Score(ind, obs, ref)
	return nil
}

func (p *EnrichmentPipeline) lookupContext(_ context.Context, _ models.TenantContext, ind *models.Indicator, _ Observation, _ *models.Enrichment) error {
	if p.resolver == nil {
		return nil
	}
	return p.resolver.Resolve(ind)
}

func (p *EnrichmentPipeline) attribute(_ context.Context, t models.TenantContext, ind *models.Indicator, _ Observation, e *models.Enrichment) error {
	if p.attributor != nil {
		e.Attribution = p.attributor.Match(t.TenantID, ind)
	}
	return nil
}

// synthesize records the related indicators of ind on e; the identity
// resolver upserts them once the batch is committed
func (p *EnrichmentPipeline) synthesize(_ context.Context, _ models.TenantContext, ind *models.Indicator, _ Observation, e *models.Enrichment) error {
	if p.synth == nil {
		return nil
	}
	derived, err := p.synth.Derive(ind)
	if err != nil {
		return err
	}
	for _, d := range derived {
		e.Derived = append(e.Derived, models.Derivation{
			Kind:      d.Indicator.Kind,
			Value:     d.Indicator.Value,
			Edge:      d.Edge,
			Indicator: d.Indicator,
		})
	}
	return nil
}

// GeoEntry maps a network prefix to its location and owner
type GeoEntry struct {
	Prefix  string `yaml:"prefix"`
	Country string `yaml:"country"`
	City    string `yaml:"city"`
	ASN     string `yaml:"asn"`
	Org     string `yaml:"org"`

	prefix netip.Prefix
}

// ContextResolver fills network context from a static prefix table
type ContextResolver struct {
	entries []GeoEntry
}

// NewContextResolver builds a resolver; entries are ordered longest prefix first
func NewContextResolver(entries []GeoEntry) (*ContextResolver, error) {
	out := make([]GeoEntry, 0, len(entries))
	for _, e := range entries {
		pfx, err := netip.ParsePrefix(strings.TrimSpace(e.Prefix))
		if err != nil {
			return nil, fmt.Errorf("geo table prefix %q: %w", e.Prefix, err)
		}
		e.prefix = pfx.Masked()
		if e.ASN != "" {
			e.ASN = models.Normalize(models.KindASN, e.ASN)
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].prefix.Bits() > out[j].prefix.Bits() })
	return &ContextResolver{entries: out}, nil
}

// LoadGeoTable reads a YAML list of GeoEntry. An empty path yields an empty table.
func LoadGeoTable(path string) ([]GeoEntry, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read geo table: %w", err)
	}
	var entries []GeoEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse geo table: %w", err)
	}
	return entries, nil
}

// Lookup returns the most specific entry containing addr
func (r *ContextResolver) Lookup(addr netip.Addr) (GeoEntry, bool) {
	addr = addr.Unmap()
	for _, e := range r.entries {
		if e.prefix.Contains(addr) {
			return e, true
		}
	}
	return GeoEntry{}, false
}

// Resolve fills the context of ind according to its kind
func (r *ContextResolver) Resolve(ind *models.Indicator) error {
	switch ind.Kind {
	case models.KindIP:
		addr, err := netip.ParseAddr(ind.Value)
		if err != nil {
			return models.NewError(models.KindValidation, "context_lookup", err)
		}
		r.apply(ind, addr)
	case models.KindCIDR:
		pfx, err := netip.ParsePrefix(ind.Value)
		if err != nil {
			return models.NewError(models.KindValidation, "context_lookup", err)
		}
		r.apply(ind, pfx.Addr())
	case models.KindURL:
		u, err := url.Parse(ind.Value)
		if err != nil || u.Host == "" {
			return models.Errorf(models.KindValidation, "context_lookup", "url %q has no host", ind.Value)
		}
		scheme := strings.ToLower(u.Scheme)
		if scheme != "" {
			ind.Context.Protocols = models.MergeSet(ind.Context.Protocols, scheme)
		}
		if port := urlPort(u); port > 0 && !containsInt(ind.Context.Ports, port) {
			ind.Context.Ports = append(ind.Context.Ports, port)
			sort.Ints(ind.Context.Ports)
		}
		if addr, err := netip.ParseAddr(u.Hostname()); err == nil {
			r.apply(ind, addr)
		}
	case models.KindDomain:
		if i := strings.LastIndexByte(ind.Value, '.'); i >= 0 && i < len(ind.Value)-1 {
			ind.Tags = models.MergeSet(ind.Tags, "tld:"+ind.Value[i+1:])
		}
	}
	return nil
}

func (r *ContextResolver) apply(ind *models.Indicator, addr netip.Addr) {
	e, ok := r.Lookup(addr)
	if !ok {
		return
	}
	if e.Country != "" || e.City != "" {
		ind.Context.Geo = &models.GeoInfo{Country: e.Country, City: e.City}
	}
	if e.ASN != "" {
		ind.Context.ASN = e.ASN
	}
	if e.Org != "" {
		ind.Context.Organization = e.Org
	}
}

func urlPort(u *url.URL) int {
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0
		}
		return n
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "hxxp":
		return 80
	case "https", "hxxps":
		return 443
	case "ftp":
		return 21
	}
	return 0
}

// AttributionRule attributes matching indicators to an actor or campaign
type AttributionRule struct {
	ID         string
	Target     models.EntityRef
	Name       string
	Tags       []string
	Pattern    *regexp.Regexp
	Confidence float64
}

func (r *AttributionRule) matches(ind *models.Indicator) bool {
	for _, tag := range r.Tags {
		if ind.HasTag(tag) {
			return true
		}
	}
	return r.Pattern != nil && r.Pattern.MatchString(ind.Value)
}

// Attributor holds per-tenant attribution rules. Rules are learned from
// stored actors and campaigns and may be added explicitly.
type Attributor struct {
	mu    sync.RWMutex
	rules map[string][]AttributionRule
}

// NewAttributor creates an empty attributor
func NewAttributor() *Attributor {
	return &Attributor{rules: make(map[string][]AttributionRule)}
}

// AddRule registers a rule for tenant
func (a *Attributor) AddRule(tenantID string, r AttributionRule) {
	a.mu.Lock()
	defer a.mu.Unlock()
	list := a.rules[tenantID]
	for i := range list {
		if list[i].ID == r.ID {
			list[i] = r
			return
		}
	}
	a.rules[tenantID] = append(list, r)
}

// Learn derives tag rules from actors and campaigns: actor:<name> or
// any alias tag attributes to the actor, malware:<family> to the campaign.
func (a *Attributor) Learn(tenantID string, actors []*models.ThreatActor, campaigns []*models.Campaign) {
	for _, actor := range actors {
		var tags []string
		for _, n := range actor.Names() {
			tags = append(tags, "actor:"+n, n)
		}
		a.AddRule(tenantID, AttributionRule{
			ID:         "actor:" + actor.ID.String(),
			Target:     models.EntityRef{ID: actor.ID, Kind: models.EntityActor},
			Name:       actor.Name,
			Tags:       tags,
			Confidence: 0.6,
		})
	}
	for _, c := range campaigns {
		tags := []string{"campaign:" + strings.ToLower(c.Name)}
		for _, fam := range c.MalwareFamily {
			tags = append(tags, "malware:"+strings.ToLower(fam))
		}
		a.AddRule(tenantID, AttributionRule{
			ID:         "campaign:" + c.ID.String(),
			Target:     models.EntityRef{ID: c.ID, Kind: models.EntityCampaign},
			Name:       c.Name,
			Tags:       tags,
			Confidence: 0.5,
		})
	}
}

// Match returns the attribution hints for ind ordered by confidence desc, then name
func (a *Attributor) Match(tenantID string, ind *models.Indicator) []models.AttributionHint {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var hints []models.AttributionHint
	for i := range a.rules[tenantID] {
		r := &a.rules[tenantID][i]
		if r.Target.ID == uuid.Nil || !r.matches(ind) {
			continue
		}
		hints = append(hints, models.AttributionHint{
			Target:     r.Target,
			Name:       r.Name,
			Rule:       r.ID,
			Confidence: models.ClampUnit(r.Confidence),
		})
	}
	sort.Slice(hints, func(i, j int) bool {
		if hints[i].Confidence != hints[j].Confidence {
			return hints[i].Confidence > hints[j].Confidence
		}
		return hints[i].Name < hints[j].Name
	})
	return hints
}

// Derived is an indicator synthesized from a parent
type Derived struct {
	Indicator *models.Indicator
	Edge      models.EdgeType
}

// Synthesizer derives related indicators: the containing network of an
// IP, the registrable domain of a URL and the IP host of a URL.
type Synthesizer struct {
	prefixV4 int
	prefixV6 int
}

// NewSynthesizer creates a synthesizer with the configured prefix lengths
func NewSynthesizer(cfg config.EnrichmentConfig) *Synthesizer {
	v4, v6 := cfg.RelatedPrefixLen, cfg.RelatedPrefixLenV6
	if v4 <= 0 || v4 > 32 {
		v4 = 24
	}
	if v6 <= 0 || v6 > 128 {
		v6 = 48
	}
	return &Synthesizer{prefixV4: v4, prefixV6: v6}
}

// Derive computes the indicators related to ind. Derived indicators are
// never expanded again.
func (s *Synthesizer) Derive(ind *models.Indicator) ([]Derived, error) {
	if ind.HasTag(TagSynthetic) {
		return nil, nil
	}
	var out []Derived
	switch ind.Kind {
	case models.KindIP:
		addr, err := netip.ParseAddr(ind.Value)
		if err != nil {
			return nil, models.NewError(models.KindValidation, "synthesize", err)
		}
		bits := s.prefixV4
		if addr.Is6() && !addr.Is4In6() {
			bits = s.prefixV6
		}
		pfx, err := addr.Unmap().Prefix(bits)
		if err != nil {
			return nil, models.NewError(models.KindValidation, "synthesize", err)
		}
		out = append(out, s.derived(ind, models.KindCIDR, pfx.String()))
	case models.KindURL:
		host := models.HostOf(ind.Value)
		if host == "" {
			return nil, models.Errorf(models.KindValidation, "synthesize", "url %q has no host", ind.Value)
		}
		if addr, err := netip.ParseAddr(host); err == nil {
			out = append(out, s.derived(ind, models.KindIP, addr.Unmap().String()))
			break
		}
		if reg := models.RegistrableDomain(host); reg != "" {
			out = append(out, s.derived(ind, models.KindDomain, reg))
		}
	}
	return out, nil
}

func (s *Synthesizer) derived(parent *models.Indicator, kind models.IndicatorKind, value string) Derived {
	d := &models.Indicator{
		Kind:        kind,
		Value:       value,
		Confidence:  min(parent.Confidence, synthesizedConfidence),
		Severity:    models.SeverityInfo,
		FirstSeen:   parent.FirstSeen,
		LastSeen:    parent.LastSeen,
		SourceFeeds: append([]string(nil), parent.SourceFeeds...),
		Tags:        []string{TagSynthetic},
	}
	d.Normalize()
	return Derived{Indicator: d, Edge: models.EdgeRelatedTo}
}
