package services

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/uuid"

	"tiace/internal/config"
	"tiace/internal/domain/models"
	"tiace/internal/metrics"
	"tiace/internal/storage"
	"tiace/pkg/logger"
)

const (
	// reputableWeight is the feed reliability from which a new source
	// corroborates instead of only confirming
	reputableWeight = 0.5

	defaultConflictTolerance = 24 * time.Hour
)

// DecisionKind is the outcome of an upsert
type DecisionKind string

const (
	DecisionCreated      DecisionKind = "created"
	DecisionCorroborated DecisionKind = "corroborated"
	DecisionConflicted   DecisionKind = "conflicted"
)

// Observation describes where an incoming indicator came from
type Observation struct {
	FeedID      string
	Reliability float64
	Trusted     bool
	// Authoritative marks an observation that claims to be the original sighting
	Authoritative bool
	At            time.Time
}

// ObservationFor builds the observation of a sync of cfg
func ObservationFor(cfg *models.FeedConfiguration, at time.Time) Observation {
	return Observation{
		FeedID:        cfg.ID,
		Reliability:   cfg.Reliability(),
		Trusted:       cfg.Trusted,
		Authoritative: cfg.Trusted,
		At:            at,
	}
}

// Decision is the identity outcome for one incoming indicator
type Decision struct {
	Kind   DecisionKind
	ID     uuid.UUID
	Reason string
	// Changed is set when the stored record was written
	Changed bool
	// Indicator is the committed record, or the preserved one on conflict
	Indicator *models.Indicator
}

// BatchResult aligns decisions with the input batch
type BatchResult struct {
	Decisions   []Decision
	Events      []models.ChangeEvent
	Enrichments []*models.Enrichment
	// IDs maps fingerprint hex to the indicator id
	IDs map[string]uuid.UUID
	// Derived holds the decisions for synthesized indicators and Related
	// their edges from the parent indicators
	Derived []Decision
	Related []models.Relationship
}

// Count returns how many decisions of kind k were made, including those for
// synthesized indicators, ignoring unchanged corroborations when changedOnly
func (r *BatchResult) Count(k DecisionKind, changedOnly bool) int {
	n := 0
	seen := make(map[uuid.UUID]bool, len(r.Decisions)+len(r.Derived))
	for _, list := range [][]Decision{r.Decisions, r.Derived} {
		for _, d := range list {
			if d.Kind != k || seen[d.ID] || (changedOnly && !d.Changed) {
				continue
			}
			seen[d.ID] = true
			n++
		}
	}
	return n
}

// Enricher annotates a record before it is persisted
type Enricher interface {
	Enrich(ctx context.Context, t models.TenantContext, ind *models.Indicator, obs Observation) *models.Enrichment
}

// ChangePublisher appends committed changes to the tenant's log and
// returns them with their sequence numbers
type ChangePublisher interface {
	Publish(events ...models.ChangeEvent) []models.ChangeEvent
}

// FingerprintIndex is a cross-process fingerprint to id map
type FingerprintIndex interface {
	// Claim registers id for fp unless another id owns it; it returns the owner
	Claim(ctx context.Context, tenantID string, fp models.Fingerprint, id uuid.UUID) (uuid.UUID, error)
	Forget(ctx context.Context, tenantID string, fp models.Fingerprint) error
}

type tenantBloom struct {
	mu     sync.RWMutex
	filter *bloom.BloomFilter
	warm   bool
}

// IdentityResolver maps (tenant, kind, value) to a single indicator id
// and merges corroborating observations into it.
type IdentityResolver struct {
	store     storage.Store
	enricher  Enricher
	publisher ChangePublisher
	index     FingerprintIndex
	metrics   *metrics.Metrics
	logger    *logger.Logger

	stripes   []sync.Mutex
	tolerance time.Duration

	bloomCap uint
	bloomFP  float64
	bloomMu  sync.Mutex
	blooms   map[string]*tenantBloom

	now func() time.Time
}

// NewIdentityResolver creates an identity resolver over store
func NewIdentityResolver(store storage.Store, cfg config.DedupConfig, m *metrics.Metrics, log *logger.Logger) *IdentityResolver {
	n := cfg.Stripes
	if n < 1 {
		n = 256
	}
	return &IdentityResolver{
		store:     store,
		metrics:   m,
		logger:    log.WithComponent("identity"),
		stripes:   make([]sync.Mutex, n),
		tolerance: defaultConflictTolerance,
		bloomCap:  cfg.BloomCapacity,
		bloomFP:   cfg.BloomFalsePositive,
		blooms:    make(map[string]*tenantBloom),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetEnricher installs the enrichment pipeline
func (r *IdentityResolver) SetEnricher(e Enricher) { r.enricher = e }

// SetPublisher installs the change feed
func (r *IdentityResolver) SetPublisher(p ChangePublisher) { r.publisher = p }

// SetIndex installs a shared fingerprint index
func (r *IdentityResolver) SetIndex(idx FingerprintIndex) { r.index = idx }

// SetConflictTolerance changes how much later a trusted first_seen may be
func (r *IdentityResolver) SetConflictTolerance(d time.Duration) { r.tolerance = d }

// Upsert resolves a single indicator
func (r *IdentityResolver) Upsert(ctx context.Context, t models.TenantContext, ind *models.Indicator, obs Observation) (Decision, error) {
	res, err := r.UpsertBatch(ctx, t, []*models.Indicator{ind}, obs)
	if err != nil {
		return Decision{}, err
	}
	return res.Decisions[0], nil
}

type pending struct {
	fp       models.Fingerprint
	incoming *models.Indicator
	decision Decision
}

// UpsertBatch resolves a batch. The batch is committed with a single
// BulkStore call; when ctx is done before the commit nothing is written.
// Indicators synthesized during enrichment are upserted afterwards in a
// second batch and linked to their parents in the result.
func (r *IdentityResolver) UpsertBatch(ctx context.Context, t models.TenantContext, batch []*models.Indicator, obs Observation) (*BatchResult, error) {
	res, err := r.upsertBatch(ctx, t, batch, obs)
	if err != nil {
		return nil, err
	}
	if err := r.commitDerived(ctx, t, res, obs); err != nil {
		return nil, err
	}
	return res, nil
}

type derivedLink struct {
	parent uuid.UUID
	key    string
	edge   models.EdgeType
}

func (r *IdentityResolver) commitDerived(ctx context.Context, t models.TenantContext, res *BatchResult, obs Observation) error {
	var (
		inds  []*models.Indicator
		links []derivedLink
	)
	for _, e := range res.Enrichments {
		for _, d := range e.Derived {
			if d.Indicator == nil {
				continue
			}
			ind := d.Indicator.Clone()
			ind.Normalize()
			inds = append(inds, ind)
			links = append(links, derivedLink{parent: e.IndicatorID, key: ind.Fingerprint().Hex(), edge: d.Edge})
		}
	}
	if len(inds) == 0 {
		return nil
	}
	// a synthesized record never claims to be the original sighting
	obs.Authoritative = false
	sub, err := r.upsertBatch(ctx, t, inds, obs)
	if err != nil {
		return err
	}
	res.Derived = sub.Decisions
	res.Events = append(res.Events, sub.Events...)
	res.Enrichments = append(res.Enrichments, sub.Enrichments...)
	for key, id := range sub.IDs {
		if _, ok := res.IDs[key]; !ok {
			res.IDs[key] = id
		}
	}
	for _, l := range links {
		id := sub.IDs[l.key]
		if id == uuid.Nil || id == l.parent {
			continue
		}
		res.Related = append(res.Related, models.Relationship{
			Source:     models.EntityRef{ID: l.parent, Kind: models.EntityIndicator},
			Target:     models.EntityRef{ID: id, Kind: models.EntityIndicator},
			Type:       l.edge,
			Confidence: synthesizedConfidence,
		})
	}
	return nil
}

func (r *IdentityResolver) upsertBatch(ctx context.Context, t models.TenantContext, batch []*models.Indicator, obs Observation) (*BatchResult, error) {
	if err := storage.Begin(ctx, t, "upsert"); err != nil {
		return nil, err
	}
	if obs.At.IsZero() {
		obs.At = r.now()
	}

	// fold duplicates inside the batch
	order := make([]models.Fingerprint, len(batch))
	byFP := make(map[models.Fingerprint]*pending, len(batch))
	var uniq []*pending
	for i, ind := range batch {
		ind.Normalize()
		fp := ind.Fingerprint()
		order[i] = fp
		if p, ok := byFP[fp]; ok {
			p.incoming = p.incoming.Clone()
			mergeIncoming(p.incoming, ind, obs)
			continue
		}
		p := &pending{fp: fp, incoming: ind}
		byFP[fp] = p
		uniq = append(uniq, p)
	}

	unlock := r.lockStripes(uniq)
	defer unlock()

	bf, err := r.bloomFor(ctx, t)
	if err != nil {
		return nil, err
	}

	var (
		writes   []*models.Indicator
		enriched []*models.Enrichment
		audits   []models.AuditEntry
		events   []models.ChangeEvent
	)
	now := r.now()
	for _, p := range uniq {
		existing, owner, err := r.lookup(ctx, t, bf, p.fp)
		if err != nil {
			return nil, err
		}

		switch {
		case existing == nil:
			rec := p.incoming.Clone()
			rec.ID = owner
			if rec.ID == uuid.Nil {
				rec.ID = uuid.New()
			}
			rec.TenantID = t.TenantID
			rec.CreatedAt = now
			rec.UpdatedAt = now
			p.decision = Decision{Kind: DecisionCreated, ID: rec.ID, Changed: true, Indicator: rec}

		case r.conflicts(existing, p.incoming, obs):
			reason := "trusted first_seen " + p.incoming.FirstSeen.Format(time.RFC3339) +
				" later than stored " + existing.FirstSeen.Format(time.RFC3339)
			payload, _ := json.Marshal(p.incoming)
			audits = append(audits, models.AuditEntry{
				IndicatorID: existing.ID,
				TenantID:    t.TenantID,
				Action:      models.AuditConflict,
				FeedID:      obs.FeedID,
				Reason:      reason,
				Payload:     payload,
				At:          now,
			})
			p.decision = Decision{Kind: DecisionConflicted, ID: existing.ID, Reason: reason, Indicator: existing}
			continue

		default:
			rec := existing.Clone()
			changed := mergeIncoming(rec, p.incoming, obs)
			if changed {
				rec.UpdatedAt = now
			}
			p.decision = Decision{Kind: DecisionCorroborated, ID: rec.ID, Changed: changed, Indicator: rec}
		}

		if !p.decision.Changed {
			continue
		}
		rec := p.decision.Indicator
		if r.enricher != nil {
			if e := r.enricher.Enrich(ctx, t, rec, obs); e != nil {
				enriched = append(enriched, e)
			}
		}
		writes = append(writes, rec)
		kind := models.ChangeUpdated
		if p.decision.Kind == DecisionCreated {
			kind = models.ChangeCreated
		}
		events = append(events, models.ChangeEvent{
			TenantID:   t.TenantID,
			EntityID:   rec.ID,
			EntityKind: models.EntityIndicator,
			Kind:       kind,
			At:         now,
			Indicator:  rec.Clone(),
		})
	}

	// cancellation before the commit discards the whole batch
	if err := ctx.Err(); err != nil {
		return nil, models.FromContext("upsert", err)
	}
	if len(writes) > 0 {
		if err := r.store.BulkStore(ctx, t, writes); err != nil {
			return nil, err
		}
	}
	for _, e := range enriched {
		if err := r.store.StoreEnrichment(ctx, t, e); err != nil {
			r.logger.Warn().Err(err).Str("indicator", e.IndicatorID.String()).Msg("failed to store enrichment")
		}
	}
	for _, a := range audits {
		if err := r.store.AppendAudit(ctx, t, a); err != nil {
			r.logger.Error().Err(err).Str("indicator", a.IndicatorID.String()).Msg("failed to append conflict audit")
		}
	}
	if r.publisher != nil && len(events) > 0 {
		events = r.publisher.Publish(events...)
	}

	if bf != nil {
		bf.mu.Lock()
		for _, p := range uniq {
			if p.decision.Kind == DecisionCreated {
				bf.filter.Add(p.fp[:])
			}
		}
		bf.mu.Unlock()
	}

	res := &BatchResult{
		Decisions:   make([]Decision, len(batch)),
		Events:      events,
		Enrichments: enriched,
		IDs:         make(map[string]uuid.UUID, len(uniq)),
	}
	for _, p := range uniq {
		res.IDs[p.fp.Hex()] = p.decision.ID
		r.metrics.Decision(string(p.decision.Kind))
	}
	for i, fp := range order {
		res.Decisions[i] = byFP[fp].decision
	}
	return res, nil
}

// lookup finds the stored record for fp. owner is set when the shared
// index already assigned an id that is not yet visible in the store.
func (r *IdentityResolver) lookup(ctx context.Context, t models.TenantContext, bf *tenantBloom, fp models.Fingerprint) (*models.Indicator, uuid.UUID, error) {
	var owner uuid.UUID
	if r.index != nil {
		id, err := r.index.Claim(ctx, t.TenantID, fp, uuid.New())
		if err != nil {
			r.logger.Warn().Err(err).Msg("fingerprint index unavailable, using store")
		} else {
			owner = id
		}
	}

	if bf != nil && owner == uuid.Nil {
		bf.mu.RLock()
		maybe := bf.filter.Test(fp[:])
		bf.mu.RUnlock()
		if !maybe {
			return nil, uuid.Nil, nil
		}
	}

	existing, err := r.store.FindByFingerprint(ctx, t, fp)
	switch {
	case err == nil:
		return existing, uuid.Nil, nil
	case models.KindOf(err) == models.KindNotFound:
		return nil, owner, nil
	default:
		return nil, uuid.Nil, err
	}
}

func (r *IdentityResolver) conflicts(stored, incoming *models.Indicator, obs Observation) bool {
	if !obs.Trusted || !obs.Authoritative || stored.FirstSeen.IsZero() {
		return false
	}
	for _, f := range stored.SourceFeeds {
		if f == obs.FeedID {
			// a feed never conflicts with its own earlier sightings
			return false
		}
	}
	return incoming.FirstSeen.After(stored.FirstSeen.Add(r.tolerance))
}

// bloomFor returns the tenant's prefilter, warming it from the store on first use
func (r *IdentityResolver) bloomFor(ctx context.Context, t models.TenantContext) (*tenantBloom, error) {
	if r.bloomCap == 0 {
		return nil, nil
	}
	r.bloomMu.Lock()
	bf, ok := r.blooms[t.TenantID]
	if !ok {
		fpRate := r.bloomFP
		if fpRate <= 0 || fpRate >= 1 {
			fpRate = 0.01
		}
		bf = &tenantBloom{filter: bloom.NewWithEstimates(r.bloomCap, fpRate)}
		r.blooms[t.TenantID] = bf
	}
	r.bloomMu.Unlock()

	bf.mu.RLock()
	warm := bf.warm
	bf.mu.RUnlock()
	if warm {
		return bf, nil
	}

	bf.mu.Lock()
	defer bf.mu.Unlock()
	if bf.warm {
		return bf, nil
	}
	n := 0
	err := r.store.ScanIndicators(ctx, t, func(ind *models.Indicator) error {
		fp := ind.Fingerprint()
		bf.filter.Add(fp[:])
		n++
		return nil
	})
	if err != nil {
		return nil, err
	}
	bf.warm = true
	r.logger.Debug().Str("tenant", t.TenantID).Int("indicators", n).Msg("warmed dedup prefilter")
	return bf, nil
}

func (r *IdentityResolver) stripeOf(fp models.Fingerprint) int {
	return int(binary.BigEndian.Uint32(fp[:4]) % uint32(len(r.stripes)))
}

// lockStripes takes every stripe of the batch in ascending order
func (r *IdentityResolver) lockStripes(ps []*pending) func() {
	set := make(map[int]struct{}, len(ps))
	for _, p := range ps {
		set[r.stripeOf(p.fp)] = struct{}{}
	}
	idx := make([]int, 0, len(set))
	for i := range set {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	for _, i := range idx {
		r.stripes[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			r.stripes[idx[j]].Unlock()
		}
	}
}

// Delete removes an indicator with its enrichment and edges. The removed
// edges are returned so correlation can retract them.
func (r *IdentityResolver) Delete(ctx context.Context, t models.TenantContext, id uuid.UUID) ([]models.Relationship, error) {
	ind, err := r.store.GetIndicator(ctx, t, id)
	if err != nil {
		return nil, err
	}
	fp := ind.Fingerprint()
	stripe := &r.stripes[r.stripeOf(fp)]
	stripe.Lock()
	defer stripe.Unlock()

	edges, err := r.store.DeleteEdgesOf(ctx, t, id)
	if err != nil {
		return nil, err
	}
	if err := r.store.DeleteIndicator(ctx, t, id); err != nil {
		return nil, err
	}
	if err := r.store.DeleteEnrichment(ctx, t, id); err != nil && models.KindOf(err) != models.KindNotFound {
		r.logger.Warn().Err(err).Str("indicator", id.String()).Msg("failed to delete enrichment")
	}
	payload, _ := json.Marshal(ind)
	now := r.now()
	if err := r.store.AppendAudit(ctx, t, models.AuditEntry{
		IndicatorID: id,
		TenantID:    t.TenantID,
		Action:      models.AuditDelete,
		Reason:      "deleted by " + t.Caller,
		Payload:     payload,
		At:          now,
	}); err != nil {
		r.logger.Warn().Err(err).Str("indicator", id.String()).Msg("failed to audit delete")
	}
	if r.index != nil {
		if err := r.index.Forget(ctx, t.TenantID, fp); err != nil {
			r.logger.Warn().Err(err).Msg("failed to forget fingerprint")
		}
	}
	if r.publisher != nil {
		r.publisher.Publish(models.ChangeEvent{
			TenantID:   t.TenantID,
			EntityID:   id,
			EntityKind: models.EntityIndicator,
			Kind:       models.ChangeDeleted,
			At:         now,
		})
	}
	return edges, nil
}

// mergeIncoming folds a corroborating observation into rec and reports
// whether anything changed. Confidence never decreases.
func mergeIncoming(rec, in *models.Indicator, obs Observation) bool {
	before, _ := json.Marshal(rec)

	newFeed := false
	for _, f := range in.SourceFeeds {
		if !containsString(rec.SourceFeeds, f) {
			newFeed = true
			break
		}
	}
	if newFeed && obs.Reliability >= reputableWeight {
		rec.Confidence = models.CombineConfidence(rec.Confidence, in.Confidence)
	} else {
		rec.Confidence = max(rec.Confidence, in.Confidence)
	}
	rec.Confidence = models.ClampUnit(rec.Confidence)

	if in.LastSeen.After(rec.LastSeen) {
		rec.LastSeen = in.LastSeen
	}
	if !in.FirstSeen.IsZero() && (rec.FirstSeen.IsZero() || in.FirstSeen.Before(rec.FirstSeen)) {
		rec.FirstSeen = in.FirstSeen
	}
	rec.SourceFeeds = models.MergeSet(rec.SourceFeeds, in.SourceFeeds...)
	rec.Tags = models.MergeSet(rec.Tags, in.Tags...)
	rec.Hashes = models.MergeSet(rec.Hashes, in.Hashes...)
	rec.Severity = models.MaxSeverity(rec.Severity, in.Severity)
	if rec.Description == "" {
		rec.Description = in.Description
	}

	if rec.Context.Geo == nil && in.Context.Geo != nil {
		g := *in.Context.Geo
		rec.Context.Geo = &g
	}
	if rec.Context.ASN == "" {
		rec.Context.ASN = in.Context.ASN
	}
	if rec.Context.Organization == "" {
		rec.Context.Organization = in.Context.Organization
	}
	for _, port := range in.Context.Ports {
		if !containsInt(rec.Context.Ports, port) {
			rec.Context.Ports = append(rec.Context.Ports, port)
		}
	}
	sort.Ints(rec.Context.Ports)
	rec.Context.Protocols = models.MergeSet(rec.Context.Protocols, in.Context.Protocols...)

	for feed, raw := range in.RawPayloads {
		if rec.RawPayloads == nil {
			rec.RawPayloads = make(map[string]json.RawMessage, len(in.RawPayloads))
		}
		rec.RawPayloads[feed] = raw
	}

	after, _ := json.Marshal(rec)
	return string(before) != string(after)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsInt(list []int, n int) bool {
	for _, v := range list {
		if v == n {
			return true
		}
	}
	return false
}
