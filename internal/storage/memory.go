package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tiace/internal/domain/models"
)

const defaultMaxBatch = 1000

// MemoryStore is the in-process backend used by tests and single node deployments
type MemoryStore struct {
	mu       sync.RWMutex
	tenants  map[string]*tenantData
	maxBatch int
	closed   bool
}

type tenantData struct {
	mu          sync.RWMutex
	indicators  map[uuid.UUID]*models.Indicator
	byFP        map[models.Fingerprint]uuid.UUID
	enrichments map[uuid.UUID]*models.Enrichment
	edges       map[uuid.UUID]models.Relationship
	edgesByNode map[uuid.UUID]map[uuid.UUID]struct{}
	actors      map[uuid.UUID]*models.ThreatActor
	campaigns   map[uuid.UUID]*models.Campaign
	audit       map[uuid.UUID][]models.AuditEntry
	jobs        []*models.SyncJob
}

func newTenantData() *tenantData {
	return &tenantData{
		indicators:  make(map[uuid.UUID]*models.Indicator),
		byFP:        make(map[models.Fingerprint]uuid.UUID),
		enrichments: make(map[uuid.UUID]*models.Enrichment),
		edges:       make(map[uuid.UUID]models.Relationship),
		edgesByNode: make(map[uuid.UUID]map[uuid.UUID]struct{}),
		actors:      make(map[uuid.UUID]*models.ThreatActor),
		campaigns:   make(map[uuid.UUID]*models.Campaign),
		audit:       make(map[uuid.UUID][]models.AuditEntry),
	}
}

// NewMemoryStore creates an empty store. maxBatch <= 0 selects the default.
func NewMemoryStore(maxBatch int) *MemoryStore {
	if maxBatch <= 0 {
		maxBatch = defaultMaxBatch
	}
	return &MemoryStore{
		tenants:  make(map[string]*tenantData),
		maxBatch: maxBatch,
	}
}

func (s *MemoryStore) tenant(ctx context.Context, t models.TenantContext, op string, create bool) (*tenantData, error) {
	if err := Begin(ctx, t, op); err != nil {
		return nil, err
	}
	s.mu.RLock()
	closed := s.closed
	td := s.tenants[t.TenantID]
	s.mu.RUnlock()
	if closed {
		return nil, models.Errorf(models.KindBackendUnavailable, op, "store closed")
	}
	if td != nil || !create {
		return td, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if td = s.tenants[t.TenantID]; td == nil {
		td = newTenantData()
		s.tenants[t.TenantID] = td
	}
	return td, nil
}

// StoreIndicator inserts a new indicator
func (s *MemoryStore) StoreIndicator(ctx context.Context, t models.TenantContext, ind *models.Indicator) error {
	td, err := s.tenant(ctx, t, "store_indicator", true)
	if err != nil {
		return err
	}
	td.mu.Lock()
	defer td.mu.Unlock()

	if _, ok := td.indicators[ind.ID]; ok {
		return models.Errorf(models.KindConflict, "store_indicator", "indicator %s exists", ind.ID)
	}
	if _, ok := td.byFP[ind.Fingerprint()]; ok {
		return models.Errorf(models.KindConflict, "store_indicator", "fingerprint %s exists", ind.Fingerprint())
	}
	td.put(t.TenantID, ind, time.Now().UTC())
	return nil
}

// GetIndicator returns a copy of the indicator
func (s *MemoryStore) GetIndicator(ctx context.Context, t models.TenantContext, id uuid.UUID) (*models.Indicator, error) {
	td, err := s.tenant(ctx, t, "get_indicator", false)
	if err != nil {
		return nil, err
	}
	if td == nil {
		return nil, models.Errorf(models.KindNotFound, "get_indicator", "indicator %s", id)
	}
	td.mu.RLock()
	defer td.mu.RUnlock()
	ind, ok := td.indicators[id]
	if !ok {
		return nil, models.Errorf(models.KindNotFound, "get_indicator", "indicator %s", id)
	}
	return ind.Clone(), nil
}

// UpdateIndicator replaces an existing indicator. LastSeen never regresses.
func (s *MemoryStore) UpdateIndicator(ctx context.Context, t models.TenantContext, ind *models.Indicator) error {
	td, err := s.tenant(ctx, t, "update_indicator", false)
	if err != nil {
		return err
	}
	if td == nil {
		return models.Errorf(models.KindNotFound, "update_indicator", "indicator %s", ind.ID)
	}
	td.mu.Lock()
	defer td.mu.Unlock()
	if _, ok := td.indicators[ind.ID]; !ok {
		return models.Errorf(models.KindNotFound, "update_indicator", "indicator %s", ind.ID)
	}
	if owner, ok := td.byFP[ind.Fingerprint()]; ok && owner != ind.ID {
		return models.Errorf(models.KindConflict, "update_indicator", "fingerprint owned by %s", owner)
	}
	td.put(t.TenantID, ind, time.Now().UTC())
	return nil
}

// DeleteIndicator removes the indicator with its enrichment and edges
func (s *MemoryStore) DeleteIndicator(ctx context.Context, t models.TenantContext, id uuid.UUID) error {
	td, err := s.tenant(ctx, t, "delete_indicator", false)
	if err != nil {
		return err
	}
	if td == nil {
		return models.Errorf(models.KindNotFound, "delete_indicator", "indicator %s", id)
	}
	td.mu.Lock()
	defer td.mu.Unlock()
	ind, ok := td.indicators[id]
	if !ok {
		return models.Errorf(models.KindNotFound, "delete_indicator", "indicator %s", id)
	}
	delete(td.byFP, ind.Fingerprint())
	delete(td.indicators, id)
	delete(td.enrichments, id)
	td.deleteEdgesOf(id)
	return nil
}

// BulkStore validates the whole batch before applying any of it
func (s *MemoryStore) BulkStore(ctx context.Context, t models.TenantContext, inds []*models.Indicator) error {
	if err := CheckBatch(s, len(inds)); err != nil {
		return err
	}
	td, err := s.tenant(ctx, t, "bulk_store", true)
	if err != nil {
		return err
	}
	td.mu.Lock()
	defer td.mu.Unlock()

	// fingerprint -> id as it will look after the batch
	claimed := make(map[models.Fingerprint]uuid.UUID, len(inds))
	for _, ind := range inds {
		if ind == nil || ind.ID == uuid.Nil {
			return models.Errorf(models.KindValidation, "bulk_store", "indicator without id")
		}
		fp := ind.Fingerprint()
		if owner, ok := claimed[fp]; ok && owner != ind.ID {
			return models.Errorf(models.KindConflict, "bulk_store", "fingerprint %s appears twice in batch", fp)
		}
		if owner, ok := td.byFP[fp]; ok && owner != ind.ID {
			return models.Errorf(models.KindConflict, "bulk_store", "fingerprint %s owned by %s", fp, owner)
		}
		claimed[fp] = ind.ID
	}
	if err := ctx.Err(); err != nil {
		return models.FromContext("bulk_store", err)
	}

	now := time.Now().UTC()
	for _, ind := range inds {
		td.put(t.TenantID, ind, now)
	}
	return nil
}

// put stores a copy; the caller holds td.mu
func (td *tenantData) put(tenantID string, ind *models.Indicator, now time.Time) {
	c := ind.Clone()
	c.TenantID = tenantID
	if prev, ok := td.indicators[c.ID]; ok {
		if c.LastSeen.Before(prev.LastSeen) {
			c.LastSeen = prev.LastSeen
		}
		c.CreatedAt = prev.CreatedAt
		if fp := prev.Fingerprint(); fp != c.Fingerprint() {
			delete(td.byFP, fp)
		}
	} else if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	td.indicators[c.ID] = c
	td.byFP[c.Fingerprint()] = c.ID
}

// SearchIndicators returns matches in ranking order
func (s *MemoryStore) SearchIndicators(ctx context.Context, t models.TenantContext, q IndicatorQuery) ([]*models.Indicator, error) {
	td, err := s.tenant(ctx, t, "search_indicators", false)
	if err != nil || td == nil {
		return nil, err
	}
	td.mu.RLock()
	var out []*models.Indicator
	for _, ind := range td.indicators {
		if q.Matches(ind) {
			out = append(out, ind.Clone())
		}
	}
	td.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return Less(out[i], out[j]) })
	return paginate(out, q.Offset, q.Limit), nil
}

func paginate(list []*models.Indicator, offset, limit int) []*models.Indicator {
	if offset > 0 {
		if offset >= len(list) {
			return nil
		}
		list = list[offset:]
	}
	if limit > 0 && limit < len(list) {
		list = list[:limit]
	}
	return list
}

// CountIndicators counts matches ignoring pagination
func (s *MemoryStore) CountIndicators(ctx context.Context, t models.TenantContext, q IndicatorQuery) (int, error) {
	td, err := s.tenant(ctx, t, "count_indicators", false)
	if err != nil || td == nil {
		return 0, err
	}
	td.mu.RLock()
	defer td.mu.RUnlock()
	n := 0
	for _, ind := range td.indicators {
		if q.Matches(ind) {
			n++
		}
	}
	return n, nil
}

// ListIndicatorIDs returns every id of the tenant, sorted
func (s *MemoryStore) ListIndicatorIDs(ctx context.Context, t models.TenantContext) ([]uuid.UUID, error) {
	td, err := s.tenant(ctx, t, "list_indicator_ids", false)
	if err != nil || td == nil {
		return nil, err
	}
	td.mu.RLock()
	ids := make([]uuid.UUID, 0, len(td.indicators))
	for id := range td.indicators {
		ids = append(ids, id)
	}
	td.mu.RUnlock()
	models.SortIDs(ids)
	return ids, nil
}

// FindByFingerprint looks up the indicator owning fp
func (s *MemoryStore) FindByFingerprint(ctx context.Context, t models.TenantContext, fp models.Fingerprint) (*models.Indicator, error) {
	td, err := s.tenant(ctx, t, "find_by_fingerprint", false)
	if err != nil {
		return nil, err
	}
	if td == nil {
		return nil, models.Errorf(models.KindNotFound, "find_by_fingerprint", "fingerprint %s", fp)
	}
	td.mu.RLock()
	defer td.mu.RUnlock()
	id, ok := td.byFP[fp]
	if !ok {
		return nil, models.Errorf(models.KindNotFound, "find_by_fingerprint", "fingerprint %s", fp)
	}
	return td.indicators[id].Clone(), nil
}

// ScanIndicators iterates a snapshot in (kind, value) order
func (s *MemoryStore) ScanIndicators(ctx context.Context, t models.TenantContext, fn func(*models.Indicator) error) error {
	td, err := s.tenant(ctx, t, "scan_indicators", false)
	if err != nil || td == nil {
		return err
	}
	td.mu.RLock()
	snapshot := make([]*models.Indicator, 0, len(td.indicators))
	for _, ind := range td.indicators {
		snapshot = append(snapshot, ind.Clone())
	}
	td.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool {
		if snapshot[i].Kind != snapshot[j].Kind {
			return snapshot[i].Kind < snapshot[j].Kind
		}
		return snapshot[i].Value < snapshot[j].Value
	})
	for _, ind := range snapshot {
		if err := ctx.Err(); err != nil {
			return models.FromContext("scan_indicators", err)
		}
		if err := fn(ind); err != nil {
			return err
		}
	}
	return nil
}

// StoreEnrichment upserts the enrichment of an existing indicator
func (s *MemoryStore) StoreEnrichment(ctx context.Context, t models.TenantContext, e *models.Enrichment) error {
	td, err := s.tenant(ctx, t, "store_enrichment", true)
	if err != nil {
		return err
	}
	td.mu.Lock()
	defer td.mu.Unlock()
	if _, ok := td.indicators[e.IndicatorID]; !ok {
		return models.Errorf(models.KindNotFound, "store_enrichment", "indicator %s", e.IndicatorID)
	}
	c := *e
	c.TenantID = t.TenantID
	c.Stages = append([]models.StageOutcome(nil), e.Stages...)
	c.Attribution = append([]models.AttributionHint(nil), e.Attribution...)
	c.Derived = make([]models.Derivation, 0, len(e.Derived))
	for _, d := range e.Derived {
		d.Indicator = nil
		c.Derived = append(c.Derived, d)
	}
	td.enrichments[e.IndicatorID] = &c
	return nil
}

// GetEnrichment returns the enrichment of an indicator
func (s *MemoryStore) GetEnrichment(ctx context.Context, t models.TenantContext, id uuid.UUID) (*models.Enrichment, error) {
	td, err := s.tenant(ctx, t, "get_enrichment", false)
	if err != nil {
		return nil, err
	}
	if td == nil {
		return nil, models.Errorf(models.KindNotFound, "get_enrichment", "indicator %s", id)
	}
	td.mu.RLock()
	defer td.mu.RUnlock()
	e, ok := td.enrichments[id]
	if !ok {
		return nil, models.Errorf(models.KindNotFound, "get_enrichment", "indicator %s", id)
	}
	c := *e
	c.Stages = append([]models.StageOutcome(nil), e.Stages...)
	c.Attribution = append([]models.AttributionHint(nil), e.Attribution...)
	c.Derived = append([]models.Derivation(nil), e.Derived...)
	return &c, nil
}

// DeleteEnrichment removes the enrichment of an indicator
func (s *MemoryStore) DeleteEnrichment(ctx context.Context, t models.TenantContext, id uuid.UUID) error {
	td, err := s.tenant(ctx, t, "delete_enrichment", false)
	if err != nil {
		return err
	}
	if td == nil {
		return models.Errorf(models.KindNotFound, "delete_enrichment", "indicator %s", id)
	}
	td.mu.Lock()
	defer td.mu.Unlock()
	if _, ok := td.enrichments[id]; !ok {
		return models.Errorf(models.KindNotFound, "delete_enrichment", "indicator %s", id)
	}
	delete(td.enrichments, id)
	return nil
}

// StoreEdges upserts edges by (source, target). Indicator endpoints must exist.
func (s *MemoryStore) StoreEdges(ctx context.Context, t models.TenantContext, edges []models.Relationship) error {
	if err := CheckBatch(s, len(edges)); err != nil {
		return err
	}
	td, err := s.tenant(ctx, t, "store_edges", true)
	if err != nil {
		return err
	}
	td.mu.Lock()
	defer td.mu.Unlock()

	for i := range edges {
		e := &edges[i]
		if err := e.Validate(); err != nil {
			return err
		}
		for _, end := range []models.EntityRef{e.Source, e.Target} {
			if end.Kind == models.EntityIndicator {
				if _, ok := td.indicators[end.ID]; !ok {
					return models.Errorf(models.KindNotFound, "store_edges", "endpoint %s", end.ID)
				}
			}
		}
	}
	now := time.Now().UTC()
	for _, e := range edges {
		e.TenantID = t.TenantID
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		if prev, ok := td.edgeBetween(e.Source.ID, e.Target.ID); ok {
			td.removeEdge(prev.ID)
		}
		td.edges[e.ID] = e
		td.index(e.Source.ID, e.ID)
		td.index(e.Target.ID, e.ID)
	}
	return nil
}

func (td *tenantData) edgeBetween(src, dst uuid.UUID) (models.Relationship, bool) {
	for eid := range td.edgesByNode[src] {
		e := td.edges[eid]
		if e.Source.ID == src && e.Target.ID == dst {
			return e, true
		}
	}
	return models.Relationship{}, false
}

func (td *tenantData) index(node, edgeID uuid.UUID) {
	set, ok := td.edgesByNode[node]
	if !ok {
		set = make(map[uuid.UUID]struct{})
		td.edgesByNode[node] = set
	}
	set[edgeID] = struct{}{}
}

func (td *tenantData) removeEdge(edgeID uuid.UUID) {
	e, ok := td.edges[edgeID]
	if !ok {
		return
	}
	delete(td.edges, edgeID)
	for _, n := range []uuid.UUID{e.Source.ID, e.Target.ID} {
		delete(td.edgesByNode[n], edgeID)
		if len(td.edgesByNode[n]) == 0 {
			delete(td.edgesByNode, n)
		}
	}
}

func (td *tenantData) deleteEdgesOf(id uuid.UUID) []models.Relationship {
	var removed []models.Relationship
	for eid := range td.edgesByNode[id] {
		removed = append(removed, td.edges[eid])
		td.removeEdge(eid)
	}
	sortEdges(removed)
	return removed
}

func sortEdges(edges []models.Relationship) {
	sort.Slice(edges, func(i, j int) bool {
		a, b := edges[i], edges[j]
		if a.Source.ID != b.Source.ID {
			return a.Source.ID.String() < b.Source.ID.String()
		}
		if a.Target.ID != b.Target.ID {
			return a.Target.ID.String() < b.Target.ID.String()
		}
		return a.Type < b.Type
	})
}

// EdgesOf returns every edge touching id
func (s *MemoryStore) EdgesOf(ctx context.Context, t models.TenantContext, id uuid.UUID) ([]models.Relationship, error) {
	td, err := s.tenant(ctx, t, "edges_of", false)
	if err != nil || td == nil {
		return nil, err
	}
	td.mu.RLock()
	out := make([]models.Relationship, 0, len(td.edgesByNode[id]))
	for eid := range td.edgesByNode[id] {
		out = append(out, td.edges[eid])
	}
	td.mu.RUnlock()
	sortEdges(out)
	return out, nil
}

// DeleteEdgesOf removes and returns every edge touching id
func (s *MemoryStore) DeleteEdgesOf(ctx context.Context, t models.TenantContext, id uuid.UUID) ([]models.Relationship, error) {
	td, err := s.tenant(ctx, t, "delete_edges_of", false)
	if err != nil || td == nil {
		return nil, err
	}
	td.mu.Lock()
	defer td.mu.Unlock()
	return td.deleteEdgesOf(id), nil
}

// ListEdges returns every edge of the tenant
func (s *MemoryStore) ListEdges(ctx context.Context, t models.TenantContext) ([]models.Relationship, error) {
	td, err := s.tenant(ctx, t, "list_edges", false)
	if err != nil || td == nil {
		return nil, err
	}
	td.mu.RLock()
	out := make([]models.Relationship, 0, len(td.edges))
	for _, e := range td.edges {
		out = append(out, e)
	}
	td.mu.RUnlock()
	sortEdges(out)
	return out, nil
}

// StoreActor upserts an actor
func (s *MemoryStore) StoreActor(ctx context.Context, t models.TenantContext, a *models.ThreatActor) error {
	td, err := s.tenant(ctx, t, "store_actor", true)
	if err != nil {
		return err
	}
	if a.ID == uuid.Nil {
		return models.Errorf(models.KindValidation, "store_actor", "actor without id")
	}
	td.mu.Lock()
	defer td.mu.Unlock()
	c := *a
	c.TenantID = t.TenantID
	c.Aliases = append([]string(nil), a.Aliases...)
	c.Motivations = append([]models.Motivation(nil), a.Motivations...)
	c.SourceFeeds = append([]string(nil), a.SourceFeeds...)
	td.actors[a.ID] = &c
	return nil
}

// GetActor returns an actor
func (s *MemoryStore) GetActor(ctx context.Context, t models.TenantContext, id uuid.UUID) (*models.ThreatActor, error) {
	td, err := s.tenant(ctx, t, "get_actor", false)
	if err != nil {
		return nil, err
	}
	if td == nil {
		return nil, models.Errorf(models.KindNotFound, "get_actor", "actor %s", id)
	}
	td.mu.RLock()
	defer td.mu.RUnlock()
	a, ok := td.actors[id]
	if !ok {
		return nil, models.Errorf(models.KindNotFound, "get_actor", "actor %s", id)
	}
	c := *a
	return &c, nil
}

// ListActors returns actors ordered by name
func (s *MemoryStore) ListActors(ctx context.Context, t models.TenantContext) ([]*models.ThreatActor, error) {
	td, err := s.tenant(ctx, t, "list_actors", false)
	if err != nil || td == nil {
		return nil, err
	}
	td.mu.RLock()
	out := make([]*models.ThreatActor, 0, len(td.actors))
	for _, a := range td.actors {
		c := *a
		out = append(out, &c)
	}
	td.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// StoreCampaign upserts a campaign
func (s *MemoryStore) StoreCampaign(ctx context.Context, t models.TenantContext, c *models.Campaign) error {
	td, err := s.tenant(ctx, t, "store_campaign", true)
	if err != nil {
		return err
	}
	if c.ID == uuid.Nil {
		return models.Errorf(models.KindValidation, "store_campaign", "campaign without id")
	}
	td.mu.Lock()
	defer td.mu.Unlock()
	cp := *c
	cp.TenantID = t.TenantID
	cp.TTPs = append([]string(nil), c.TTPs...)
	cp.Targets = append([]string(nil), c.Targets...)
	cp.SourceFeeds = append([]string(nil), c.SourceFeeds...)
	td.campaigns[c.ID] = &cp
	return nil
}

// ListCampaigns returns campaigns ordered by name
func (s *MemoryStore) ListCampaigns(ctx context.Context, t models.TenantContext) ([]*models.Campaign, error) {
	td, err := s.tenant(ctx, t, "list_campaigns", false)
	if err != nil || td == nil {
		return nil, err
	}
	td.mu.RLock()
	out := make([]*models.Campaign, 0, len(td.campaigns))
	for _, c := range td.campaigns {
		cp := *c
		out = append(out, &cp)
	}
	td.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// AppendAudit appends to the audit log of an indicator
func (s *MemoryStore) AppendAudit(ctx context.Context, t models.TenantContext, e models.AuditEntry) error {
	td, err := s.tenant(ctx, t, "append_audit", true)
	if err != nil {
		return err
	}
	td.mu.Lock()
	defer td.mu.Unlock()
	e.TenantID = t.TenantID
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	td.audit[e.IndicatorID] = append(td.audit[e.IndicatorID], e)
	return nil
}

// AuditOf returns the audit log of an indicator, oldest first
func (s *MemoryStore) AuditOf(ctx context.Context, t models.TenantContext, id uuid.UUID) ([]models.AuditEntry, error) {
	td, err := s.tenant(ctx, t, "audit_of", false)
	if err != nil || td == nil {
		return nil, err
	}
	td.mu.RLock()
	defer td.mu.RUnlock()
	return append([]models.AuditEntry(nil), td.audit[id]...), nil
}

// RecordSyncJob upserts a job by id
func (s *MemoryStore) RecordSyncJob(ctx context.Context, t models.TenantContext, job *models.SyncJob) error {
	td, err := s.tenant(ctx, t, "record_sync_job", true)
	if err != nil {
		return err
	}
	td.mu.Lock()
	defer td.mu.Unlock()
	c := *job
	c.TenantID = t.TenantID
	c.Errors = append([]string(nil), job.Errors...)
	for i, j := range td.jobs {
		if j.ID == job.ID {
			if j.Status.Terminal() {
				return models.Errorf(models.KindConflict, "record_sync_job", "job %s is terminal", job.ID)
			}
			td.jobs[i] = &c
			return nil
		}
	}
	td.jobs = append(td.jobs, &c)
	return nil
}

// ListSyncJobs returns most recent jobs first
func (s *MemoryStore) ListSyncJobs(ctx context.Context, t models.TenantContext, feedID string, limit int) ([]*models.SyncJob, error) {
	td, err := s.tenant(ctx, t, "list_sync_jobs", false)
	if err != nil || td == nil {
		return nil, err
	}
	td.mu.RLock()
	defer td.mu.RUnlock()
	var out []*models.SyncJob
	for i := len(td.jobs) - 1; i >= 0; i-- {
		j := td.jobs[i]
		if feedID != "" && j.FeedID != feedID {
			continue
		}
		c := *j
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// PruneSyncJobs drops terminal jobs that ended before the cutoff
func (s *MemoryStore) PruneSyncJobs(ctx context.Context, t models.TenantContext, before time.Time) (int, error) {
	td, err := s.tenant(ctx, t, "prune_sync_jobs", false)
	if err != nil || td == nil {
		return 0, err
	}
	td.mu.Lock()
	defer td.mu.Unlock()
	kept := td.jobs[:0]
	pruned := 0
	for _, j := range td.jobs {
		if j.Status.Terminal() && j.EndedAt != nil && j.EndedAt.Before(before) {
			pruned++
			continue
		}
		kept = append(kept, j)
	}
	td.jobs = kept
	return pruned, nil
}

// HealthCheck reports whether the store accepts operations
func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return models.Errorf(models.KindBackendUnavailable, "health_check", "store closed")
	}
	return ctx.Err()
}

// Metrics reports record counts
func (s *MemoryStore) Metrics(ctx context.Context) (BackendMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := BackendMetrics{Backend: "memory", Tenants: len(s.tenants)}
	for _, td := range s.tenants {
		td.mu.RLock()
		m.Indicators += len(td.indicators)
		m.Edges += len(td.edges)
		td.mu.RUnlock()
	}
	return m, nil
}

// MaxBatchSize returns the bulk limit
func (s *MemoryStore) MaxBatchSize() int {
	return s.maxBatch
}

// Close rejects further operations
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ Store = (*MemoryStore)(nil)
