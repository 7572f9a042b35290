// Package parsers turns raw feed records into canonical records.
//
// Parsers are looked up by (feed type, format). Each one is a pure function
// of the raw record and the feed configuration: it emits normalized
// indicators plus proto actors, campaigns and relationships. Proto entities
// reference each other through local Refs; identities are assigned later by
// the identity resolver.
package parsers

import (
	"encoding/json"
	"strings"
	"time"

	"tiace/internal/domain/models"
	"tiace/internal/sources"
)

// maxRawPayload bounds the raw item kept on an indicator
const maxRawPayload = 16 << 10

// Parser converts one raw record into canonical records
type Parser interface {
	// Name identifies the parser in logs and metrics
	Name() string

	// Parse returns the entities found in rec. A whole-record failure is
	// returned as Malformed or SchemaDrift; per-item failures are collected in
	// ParseResult.Errors.
	Parse(rec sources.RawRecord, cfg *models.FeedConfiguration) (*ParseResult, error)
}

// Ref names an entity inside one ParseResult.
// Indicator keys are fingerprints; actor and campaign keys are lowercase names.
type Ref struct {
	Kind models.EntityKind
	Key  string
}

// ProtoRelationship is an edge between two parsed entities
type ProtoRelationship struct {
	Source     Ref
	Target     Ref
	Type       models.EdgeType
	Confidence float64
}

// ParseResult collects what a parser found in one record
type ParseResult struct {
	Indicators    []*models.Indicator
	Actors        []*models.ThreatActor
	Campaigns     []*models.Campaign
	Relationships []ProtoRelationship
	Skipped       int
	Errors        []error

	feedID     string
	fetchedAt  time.Time
	confidence float64
	severity   models.Severity
	tags       []string

	indicators map[string]int
	actors     map[string]int
	campaigns  map[string]int
}

// NewResult creates an empty result carrying the feed defaults
func NewResult(rec sources.RawRecord, cfg *models.FeedConfiguration) *ParseResult {
	fetched := rec.FetchedAt
	if fetched.IsZero() {
		fetched = time.Now().UTC()
	}
	sev := models.SeverityInfo
	if cfg.DefaultSeverity != "" {
		sev = models.ParseSeverity(cfg.DefaultSeverity)
	}
	return &ParseResult{
		feedID:     cfg.ID,
		fetchedAt:  fetched,
		confidence: cfg.ConfidenceOrDefault(),
		severity:   sev,
		tags:       cfg.Tags,
		indicators: make(map[string]int),
		actors:     make(map[string]int),
		campaigns:  make(map[string]int),
	}
}

// Fail records a per-item error
func (r *ParseResult) Fail(err error) {
	r.Errors = append(r.Errors, err)
}

// Skip counts an item that was deliberately not emitted
func (r *ParseResult) Skip() {
	r.Skipped++
}

// AddIndicator applies feed defaults, normalizes ind and adds it to the
// result. Duplicates within the record are merged. It returns false when the
// normalized value is empty.
func (r *ParseResult) AddIndicator(ind *models.Indicator) (Ref, bool) {
	if ind.Kind == "" {
		ind.Kind = InferKind(ind.Value)
	}
	if ind.Kind == "" {
		r.Fail(models.Errorf(models.KindMalformed, "parse", "cannot infer kind of %q", truncate(ind.Value, 64)))
		return Ref{}, false
	}
	if len(ind.SourceFeeds) == 0 {
		ind.SourceFeeds = []string{r.feedID}
	}
	if ind.Confidence <= 0 {
		ind.Confidence = r.confidence
	}
	if ind.Severity == "" {
		ind.Severity = r.severity
	}
	if ind.LastSeen.IsZero() && ind.FirstSeen.IsZero() {
		ind.LastSeen = r.fetchedAt
	}
	ind.Tags = append(ind.Tags, r.tags...)
	ind.Normalize()
	if ind.Value == "" {
		r.Fail(models.Errorf(models.KindMalformed, "parse", "empty %s value", ind.Kind))
		return Ref{}, false
	}

	fp := ind.Fingerprint().Hex()
	ref := Ref{Kind: models.EntityIndicator, Key: fp}
	if i, ok := r.indicators[fp]; ok {
		mergeParsed(r.Indicators[i], ind)
		return ref, true
	}
	r.indicators[fp] = len(r.Indicators)
	r.Indicators = append(r.Indicators, ind)
	return ref, true
}

// mergeParsed folds a duplicate from the same record into dst
func mergeParsed(dst, src *models.Indicator) {
	dst.Tags = models.MergeSet(dst.Tags, src.Tags...)
	dst.Hashes = models.MergeSet(dst.Hashes, src.Hashes...)
	dst.Confidence = max(dst.Confidence, src.Confidence)
	dst.Severity = models.MaxSeverity(dst.Severity, src.Severity)
	if src.FirstSeen.Before(dst.FirstSeen) {
		dst.FirstSeen = src.FirstSeen
	}
	if src.LastSeen.After(dst.LastSeen) {
		dst.LastSeen = src.LastSeen
	}
	if dst.Description == "" {
		dst.Description = src.Description
	}
	dst.Context.Ports = mergeInts(dst.Context.Ports, src.Context.Ports)
	dst.Context.Protocols = models.MergeSet(dst.Context.Protocols, src.Context.Protocols...)
}

// AddActor adds or merges an actor by name
func (r *ParseResult) AddActor(a *models.ThreatActor) Ref {
	a.Name = strings.TrimSpace(a.Name)
	key := strings.ToLower(a.Name)
	a.SourceFeeds = models.MergeSet(a.SourceFeeds, r.feedID)
	if a.Sophistication == "" {
		a.Sophistication = models.SophisticationUnknown
	}
	ref := Ref{Kind: models.EntityActor, Key: key}
	if i, ok := r.actors[key]; ok {
		r.Actors[i].Merge(a)
		return ref
	}
	r.actors[key] = len(r.Actors)
	r.Actors = append(r.Actors, a)
	return ref
}

// AddCampaign adds or merges a campaign by name
func (r *ParseResult) AddCampaign(c *models.Campaign) Ref {
	c.Name = strings.TrimSpace(c.Name)
	key := strings.ToLower(c.Name)
	c.SourceFeeds = models.MergeSet(c.SourceFeeds, r.feedID)
	ref := Ref{Kind: models.EntityCampaign, Key: key}
	if i, ok := r.campaigns[key]; ok {
		r.Campaigns[i].Merge(c)
		return ref
	}
	r.campaigns[key] = len(r.Campaigns)
	r.Campaigns = append(r.Campaigns, c)
	return ref
}

// Relate records an edge between two parsed entities
func (r *ParseResult) Relate(src, dst Ref, t models.EdgeType, confidence float64) {
	if src == dst {
		return
	}
	r.Relationships = append(r.Relationships, ProtoRelationship{
		Source:     src,
		Target:     dst,
		Type:       t,
		Confidence: models.ClampUnit(confidence),
	})
}

// Indicator returns the parsed indicator behind ref
func (r *ParseResult) Indicator(ref Ref) (*models.Indicator, bool) {
	i, ok := r.indicators[ref.Key]
	if !ok || ref.Kind != models.EntityIndicator {
		return nil, false
	}
	return r.Indicators[i], true
}

// Empty reports whether nothing was emitted
func (r *ParseResult) Empty() bool {
	return len(r.Indicators) == 0 && len(r.Actors) == 0 && len(r.Campaigns) == 0
}

// applyFilter drops indicators rejected by f and every edge that touched them
func (r *ParseResult) applyFilter(f *Filter) {
	if f == nil || f.Empty() {
		return
	}
	kept := r.Indicators[:0]
	dropped := make(map[string]bool)
	for _, ind := range r.Indicators {
		if err := f.Apply(ind); err != nil {
			r.Skipped++
			dropped[ind.Fingerprint().Hex()] = true
			continue
		}
		kept = append(kept, ind)
	}
	r.Indicators = kept
	if len(dropped) == 0 {
		return
	}
	r.indicators = make(map[string]int, len(kept))
	for i, ind := range kept {
		r.indicators[ind.Fingerprint().Hex()] = i
	}
	rels := r.Relationships[:0]
	for _, rel := range r.Relationships {
		if dropped[rel.Source.Key] && rel.Source.Kind == models.EntityIndicator {
			continue
		}
		if dropped[rel.Target.Key] && rel.Target.Kind == models.EntityIndicator {
			continue
		}
		rels = append(rels, rel)
	}
	r.Relationships = rels
}

// keepRaw attaches the raw item to the indicator under the feed id
func keepRaw(ind *models.Indicator, feedID string, raw []byte) {
	if len(raw) == 0 || len(raw) > maxRawPayload || !json.Valid(raw) {
		return
	}
	if ind.RawPayloads == nil {
		ind.RawPayloads = make(map[string]json.RawMessage, 1)
	}
	ind.RawPayloads[feedID] = append(json.RawMessage(nil), raw...)
}

func mergeInts(a, b []int) []int {
	seen := make(map[int]bool, len(a)+len(b))
	var out []int
	for _, v := range append(append([]int(nil), a...), b...) {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
