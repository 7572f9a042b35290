package services

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"tiace/internal/domain/models"
	"tiace/internal/storage"
	"tiace/pkg/logger"
)

const (
	defaultSearchLimit = 100
	maxSearchLimit     = 1000
	defaultHuntDepth   = 2
	maxHuntDepth       = 5
	maxHuntNodes       = 1000
	topBuckets         = 10
	recentSyncJobs     = 20
)

// SearchQuery is a filtered indicator search
type SearchQuery struct {
	Text          string                 `json:"query,omitempty"`
	Kinds         []models.IndicatorKind `json:"kinds,omitempty"`
	Severities    []models.Severity      `json:"severities,omitempty"`
	MinConfidence float64                `json:"min_confidence,omitempty"`
	Since         *time.Time             `json:"since,omitempty"`
	Until         *time.Time             `json:"until,omitempty"`
	Tags          []string               `json:"tags,omitempty"`
	Feeds         []string               `json:"feeds,omitempty"`
	Limit         int                    `json:"limit,omitempty"`
	Offset        int                    `json:"offset,omitempty"`
}

func (q SearchQuery) store() storage.IndicatorQuery {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	return storage.IndicatorQuery{
		Text:          strings.TrimSpace(q.Text),
		Kinds:         q.Kinds,
		Severities:    q.Severities,
		MinConfidence: q.MinConfidence,
		Since:         q.Since,
		Until:         q.Until,
		Tags:          models.NormalizeTags(q.Tags),
		FeedIDs:       q.Feeds,
		Limit:         min(limit, maxSearchLimit),
		Offset:        q.Offset,
	}
}

// SearchResult is one page of ranked indicators
type SearchResult struct {
	Indicators []*models.Indicator `json:"indicators"`
	Total      int                 `json:"total"`
}

// HuntQuery is a search followed by a bounded graph traversal
type HuntQuery struct {
	SearchQuery
	MaxDepth  int               `json:"max_depth,omitempty"`
	EdgeTypes []models.EdgeType `json:"edge_types,omitempty"`
}

// PathStep is one traversed edge
type PathStep struct {
	From       models.EntityRef `json:"from"`
	To         models.EntityRef `json:"to"`
	Type       models.EdgeType  `json:"type"`
	Confidence float64          `json:"confidence"`
}

// HuntHit is a direct (depth 0) or linked entity with the path that reached it
type HuntHit struct {
	Entity    models.EntityRef    `json:"entity"`
	Indicator *models.Indicator   `json:"indicator,omitempty"`
	Actor     *models.ThreatActor `json:"actor,omitempty"`
	Depth     int                 `json:"depth"`
	Path      []PathStep          `json:"path,omitempty"`
	ClusterID *uuid.UUID          `json:"cluster_id,omitempty"`
}

// HuntResult holds hunt hits ordered by depth then ranking
type HuntResult struct {
	Hits      []HuntHit `json:"hits"`
	Truncated bool      `json:"truncated,omitempty"`
}

// IndicatorDetail is an indicator with everything attached to it
type IndicatorDetail struct {
	Indicator  *models.Indicator     `json:"indicator"`
	Enrichment *models.Enrichment    `json:"enrichment,omitempty"`
	Edges      []models.Relationship `json:"edges,omitempty"`
	Cluster    *models.Cluster       `json:"cluster,omitempty"`
	Audit      []models.AuditEntry   `json:"audit,omitempty"`
}

// Bucket is a named count
type Bucket struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Aggregates summarise a tenant
type Aggregates struct {
	Total           int                          `json:"total"`
	ByKind          map[models.IndicatorKind]int `json:"by_kind"`
	BySeverity      map[models.Severity]int      `json:"by_severity"`
	ByFeed          map[string]int               `json:"by_feed"`
	MalwareFamilies []Bucket                     `json:"top_malware_families"`
	Actors          []Bucket                     `json:"top_actors"`
	Clusters        int                          `json:"clusters"`
	RecentSyncs     []*models.SyncJob            `json:"recent_syncs"`
}

// QueryService is the tenant-scoped read and delete surface
type QueryService struct {
	store       storage.Store
	identity    *IdentityResolver
	correlation *CorrelationEngine
	logger      *logger.Logger
}

// NewQueryService creates a new QueryService
func NewQueryService(store storage.Store, identity *IdentityResolver, correlation *CorrelationEngine, log *logger.Logger) *QueryService {
	return &QueryService{
		store:       store,
		identity:    identity,
		correlation: correlation,
		logger:      log.WithComponent("query"),
	}
}

// Search returns ranked indicators
func (s *QueryService) Search(ctx context.Context, t models.TenantContext, q SearchQuery) (*SearchResult, error) {
	if err := t.Require(models.PermRead); err != nil {
		return nil, err
	}
	sq := q.store()
	inds, err := s.store.SearchIndicators(ctx, t, sq)
	if err != nil {
		return nil, err
	}
	count := sq
	count.Limit, count.Offset = 0, 0
	total, err := s.store.CountIndicators(ctx, t, count)
	if err != nil {
		return nil, err
	}
	return &SearchResult{Indicators: inds, Total: total}, nil
}

// Get returns an indicator with its enrichment, edges, cluster and audit
func (s *QueryService) Get(ctx context.Context, t models.TenantContext, id uuid.UUID) (*IndicatorDetail, error) {
	if err := t.Require(models.PermRead); err != nil {
		return nil, err
	}
	ind, err := s.store.GetIndicator(ctx, t, id)
	if err != nil {
		return nil, err
	}
	d := &IndicatorDetail{Indicator: ind}
	if e, err := s.store.GetEnrichment(ctx, t, id); err == nil {
		d.Enrichment = e
	} else if models.KindOf(err) != models.KindNotFound {
		return nil, err
	}
	if d.Edges, err = s.store.EdgesOf(ctx, t, id); err != nil {
		return nil, err
	}
	if d.Audit, err = s.store.AuditOf(ctx, t, id); err != nil {
		return nil, err
	}
	if s.correlation != nil {
		snap, err := s.correlation.Snapshot(ctx, t)
		if err != nil {
			return nil, err
		}
		if c, ok := snap.ClusterOf(id); ok {
			d.Cluster = c
		}
	}
	return d, nil
}

// Delete removes an indicator and retracts its edges
func (s *QueryService) Delete(ctx context.Context, t models.TenantContext, id uuid.UUID) error {
	if err := t.Require(models.PermWrite); err != nil {
		return err
	}
	removed, err := s.identity.Delete(ctx, t, id)
	if err != nil {
		return err
	}
	if s.correlation != nil {
		if err := s.correlation.Retract(ctx, t, id, removed); err != nil {
			return err
		}
	}
	s.logger.WithTenant(t.TenantID).Info().Str("indicator_id", id.String()).Int("edges", len(removed)).Msg("indicator deleted")
	return nil
}

// Hunt runs q and walks the edge store breadth first from every hit.
// Cluster membership comes from a single snapshot.
func (s *QueryService) Hunt(ctx context.Context, t models.TenantContext, q HuntQuery) (*HuntResult, error) {
	if err := t.Require(models.PermRead); err != nil {
		return nil, err
	}
	depth := q.MaxDepth
	if depth <= 0 {
		depth = defaultHuntDepth
	}
	depth = min(depth, maxHuntDepth)

	var snap *ClusterSnapshot
	if s.correlation != nil {
		var err error
		if snap, err = s.correlation.Snapshot(ctx, t); err != nil {
			return nil, err
		}
	}
	direct, err := s.store.SearchIndicators(ctx, t, q.SearchQuery.store())
	if err != nil {
		return nil, err
	}

	allowed := make(map[models.EdgeType]bool, len(q.EdgeTypes))
	for _, et := range q.EdgeTypes {
		allowed[et] = true
	}
	actors, err := s.actorIndex(ctx, t)
	if err != nil {
		return nil, err
	}

	res := &HuntResult{}
	seen := make(map[uuid.UUID]bool)
	var frontier []HuntHit
	for _, ind := range direct {
		hit := HuntHit{Entity: models.EntityRef{ID: ind.ID, Kind: models.EntityIndicator}, Indicator: ind}
		seen[ind.ID] = true
		frontier = append(frontier, hit)
	}

	for level := 0; len(frontier) > 0; level++ {
		for i := range frontier {
			if snap != nil && frontier[i].Entity.Kind == models.EntityIndicator {
				if c, ok := snap.ClusterOf(frontier[i].Entity.ID); ok {
					cid := c.ID
					frontier[i].ClusterID = &cid
				}
			}
		}
		res.Hits = append(res.Hits, frontier...)
		if level == depth {
			break
		}
		var next []HuntHit
		for _, hit := range frontier {
			if err := ctx.Err(); err != nil {
				return nil, models.FromContext("hunt", err)
			}
			edges, err := s.store.EdgesOf(ctx, t, hit.Entity.ID)
			if err != nil {
				return nil, err
			}
			sort.Slice(edges, func(i, j int) bool { return edgeLess(edges[i], edges[j]) })
			for _, e := range edges {
				if len(allowed) > 0 && !allowed[e.Type] {
					continue
				}
				other := e.Target
				if other.ID == hit.Entity.ID {
					other = e.Source
				}
				if seen[other.ID] {
					continue
				}
				if len(seen) >= maxHuntNodes {
					res.Truncated = true
					break
				}
				linked, ok, err := s.resolveEntity(ctx, t, other, actors)
				if err != nil {
					return nil, err
				}
				if !ok {
					continue
				}
				seen[other.ID] = true
				path := make([]PathStep, len(hit.Path), len(hit.Path)+1)
				copy(path, hit.Path)
				linked.Path = append(path, PathStep{From: hit.Entity, To: other, Type: e.Type, Confidence: e.Confidence})
				linked.Depth = level + 1
				next = append(next, linked)
			}
		}
		frontier = next
	}
	return res, nil
}

func edgeLess(a, b models.Relationship) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if a.Source.ID != b.Source.ID {
		return a.Source.ID.String() < b.Source.ID.String()
	}
	return a.Target.ID.String() < b.Target.ID.String()
}

func (s *QueryService) actorIndex(ctx context.Context, t models.TenantContext) (map[uuid.UUID]*models.ThreatActor, error) {
	actors, err := s.store.ListActors(ctx, t)
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]*models.ThreatActor, len(actors))
	for _, a := range actors {
		out[a.ID] = a
	}
	return out, nil
}

// resolveEntity loads the far end of an edge; entities that no longer exist are skipped
func (s *QueryService) resolveEntity(ctx context.Context, t models.TenantContext, ref models.EntityRef, actors map[uuid.UUID]*models.ThreatActor) (HuntHit, bool, error) {
	hit := HuntHit{Entity: ref}
	switch ref.Kind {
	case models.EntityIndicator:
		ind, err := s.store.GetIndicator(ctx, t, ref.ID)
		if err != nil {
			if models.KindOf(err) == models.KindNotFound {
				return hit, false, nil
			}
			return hit, false, err
		}
		hit.Indicator = ind
	case models.EntityActor:
		a, ok := actors[ref.ID]
		if !ok {
			return hit, false, nil
		}
		hit.Actor = a
	}
	return hit, true, nil
}

// Cluster returns one cluster and its member indicators
func (s *QueryService) Cluster(ctx context.Context, t models.TenantContext, id uuid.UUID) (*models.Cluster, []*models.Indicator, error) {
	if err := t.Require(models.PermRead); err != nil {
		return nil, nil, err
	}
	if s.correlation == nil {
		return nil, nil, models.Errorf(models.KindNotFound, "cluster", "cluster %s not found", id)
	}
	snap, err := s.correlation.Snapshot(ctx, t)
	if err != nil {
		return nil, nil, err
	}
	c, ok := snap.Cluster(id)
	if !ok {
		if c, ok = snap.ClusterOf(id); !ok {
			return nil, nil, models.Errorf(models.KindNotFound, "cluster", "cluster %s not found", id)
		}
	}
	members, err := s.store.SearchIndicators(ctx, t, storage.IndicatorQuery{IDs: c.Members})
	if err != nil {
		return nil, nil, err
	}
	return c, members, nil
}

// Clusters lists every cluster of the tenant
func (s *QueryService) Clusters(ctx context.Context, t models.TenantContext) ([]*models.Cluster, error) {
	if err := t.Require(models.PermRead); err != nil {
		return nil, err
	}
	if s.correlation == nil {
		return nil, nil
	}
	snap, err := s.correlation.Snapshot(ctx, t)
	if err != nil {
		return nil, err
	}
	return snap.Clusters(), nil
}

// ListSyncJobs returns sync history, most recent first
func (s *QueryService) ListSyncJobs(ctx context.Context, t models.TenantContext, feedID string, limit int) ([]*models.SyncJob, error) {
	if err := t.Require(models.PermRead); err != nil {
		return nil, err
	}
	return s.store.ListSyncJobs(ctx, t, feedID, limit)
}

// Aggregates counts indicators by kind, severity and feed and ranks
// malware families and actors by linked indicators.
func (s *QueryService) Aggregates(ctx context.Context, t models.TenantContext) (*Aggregates, error) {
	if err := t.Require(models.PermRead); err != nil {
		return nil, err
	}
	agg := &Aggregates{
		ByKind:     make(map[models.IndicatorKind]int),
		BySeverity: make(map[models.Severity]int),
		ByFeed:     make(map[string]int),
	}
	families := make(map[string]int)
	actorHits := make(map[string]map[uuid.UUID]struct{})
	mark := func(name string, id uuid.UUID) {
		if actorHits[name] == nil {
			actorHits[name] = make(map[uuid.UUID]struct{})
		}
		actorHits[name][id] = struct{}{}
	}

	err := s.store.ScanIndicators(ctx, t, func(ind *models.Indicator) error {
		agg.Total++
		agg.ByKind[ind.Kind]++
		agg.BySeverity[ind.Severity]++
		for _, f := range ind.SourceFeeds {
			agg.ByFeed[f]++
		}
		for _, tag := range ind.Tags {
			switch {
			case strings.HasPrefix(tag, "malware:"):
				families[strings.TrimPrefix(tag, "malware:")]++
			case strings.HasPrefix(tag, "actor:"):
				mark(strings.TrimPrefix(tag, "actor:"), ind.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	actors, err := s.actorIndex(ctx, t)
	if err != nil {
		return nil, err
	}
	edges, err := s.store.ListEdges(ctx, t)
	if err != nil {
		return nil, err
	}
	for _, e := range edges {
		if e.Type != models.EdgeAttributedTo || e.Source.Kind != models.EntityIndicator || e.Target.Kind != models.EntityActor {
			continue
		}
		if a, ok := actors[e.Target.ID]; ok {
			mark(strings.ToLower(a.Name), e.Source.ID)
		}
	}

	agg.MalwareFamilies = topN(families)
	counts := make(map[string]int, len(actorHits))
	for name, ids := range actorHits {
		counts[name] = len(ids)
	}
	agg.Actors = topN(counts)

	if s.correlation != nil {
		snap, err := s.correlation.Snapshot(ctx, t)
		if err != nil {
			return nil, err
		}
		agg.Clusters = snap.Len()
	}
	if agg.RecentSyncs, err = s.store.ListSyncJobs(ctx, t, "", recentSyncJobs); err != nil {
		return nil, err
	}
	return agg, nil
}

func topN(counts map[string]int) []Bucket {
	out := make([]Bucket, 0, len(counts))
	for name, n := range counts {
		if name != "" {
			out = append(out, Bucket{Name: name, Count: n})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > topBuckets {
		out = out[:topBuckets]
	}
	return out
}

// ExportSet returns the indicators selected for export in (kind, value)
// order so repeated exports of one snapshot are identical
func (s *QueryService) ExportSet(ctx context.Context, t models.TenantContext, q SearchQuery) ([]*models.Indicator, error) {
	if err := t.Require(models.PermExport); err != nil {
		return nil, err
	}
	sq := q.store()
	sq.Limit, sq.Offset = 0, 0
	var out []*models.Indicator
	err := s.store.ScanIndicators(ctx, t, func(ind *models.Indicator) error {
		if sq.Matches(ind) {
			out = append(out, ind)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// ExportSnapshot is the data one export renders
type ExportSnapshot struct {
	Indicators    []*models.Indicator
	Actors        []*models.ThreatActor
	Campaigns     []*models.Campaign
	Relationships []models.Relationship
}

// ExportSnapshot selects indicators like ExportSet and adds the actors and
// campaigns linked to them together with the tenant's edges
func (s *QueryService) ExportSnapshot(ctx context.Context, t models.TenantContext, q SearchQuery) (*ExportSnapshot, error) {
	inds, err := s.ExportSet(ctx, t, q)
	if err != nil {
		return nil, err
	}
	snap := &ExportSnapshot{Indicators: inds}
	if len(inds) == 0 {
		return snap, nil
	}

	selected := make(map[uuid.UUID]struct{}, len(inds))
	for _, ind := range inds {
		selected[ind.ID] = struct{}{}
	}
	edges, err := s.store.ListEdges(ctx, t)
	if err != nil {
		return nil, err
	}
	linked := make(map[uuid.UUID]struct{})
	for _, e := range edges {
		if _, ok := selected[e.Source.ID]; ok && e.Target.Kind != models.EntityIndicator {
			linked[e.Target.ID] = struct{}{}
		}
		if _, ok := selected[e.Target.ID]; ok && e.Source.Kind != models.EntityIndicator {
			linked[e.Source.ID] = struct{}{}
		}
	}
	snap.Relationships = edges
	if len(linked) == 0 {
		return snap, nil
	}

	actors, err := s.store.ListActors(ctx, t)
	if err != nil {
		return nil, err
	}
	for _, a := range actors {
		if _, ok := linked[a.ID]; ok {
			snap.Actors = append(snap.Actors, a)
		}
	}
	campaigns, err := s.store.ListCampaigns(ctx, t)
	if err != nil {
		return nil, err
	}
	for _, c := range campaigns {
		if _, ok := linked[c.ID]; ok {
			snap.Campaigns = append(snap.Campaigns, c)
		}
	}
	return snap, nil
}

// ParseKinds parses indicator kind names; unknown names are rejected
func ParseKinds(names []string) ([]models.IndicatorKind, error) {
	var out []models.IndicatorKind
	for _, n := range splitList(names) {
		k, ok := models.ParseKind(n)
		if !ok {
			return nil, models.Errorf(models.KindValidation, "query", "unknown indicator kind %q", n)
		}
		out = append(out, k)
	}
	return out, nil
}

// ParseSeverities parses severity names; unknown names are rejected
func ParseSeverities(names []string) ([]models.Severity, error) {
	var out []models.Severity
	for _, n := range splitList(names) {
		s := models.ParseSeverity(n)
		if s == models.SeverityInfo && !strings.EqualFold(n, string(models.SeverityInfo)) {
			return nil, models.Errorf(models.KindValidation, "query", "unknown severity %q", n)
		}
		out = append(out, s)
	}
	return out, nil
}

// ParseTimeBound accepts an RFC 3339 timestamp, a date, or a duration
// before now such as "36h" or "7d". Empty input yields nil.
func ParseTimeBound(s string, now time.Time) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		t = t.UTC()
		return &t, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return &t, nil
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		if n, err := strconv.Atoi(days); err == nil && n >= 0 {
			t := now.UTC().Add(-time.Duration(n) * 24 * time.Hour)
			return &t, nil
		}
	}
	if d, err := time.ParseDuration(s); err == nil && d >= 0 {
		t := now.UTC().Add(-d)
		return &t, nil
	}
	return nil, models.Errorf(models.KindValidation, "query", "invalid time %q", s)
}

// splitList flattens repeated and comma separated values
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
