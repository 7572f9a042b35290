package services

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"tiace/internal/domain/models"
	"tiace/internal/metrics"
	"tiace/internal/parsers"
	"tiace/internal/sources"
	"tiace/internal/storage"
	"tiace/pkg/logger"
)

// Syncer drives one feed sync through the pipeline:
// fetch, parse, dedup and enrich, persist, correlate.
type Syncer struct {
	sources     *sources.Registry
	parsers     *parsers.Registry
	identity    *IdentityResolver
	attributor  *Attributor
	correlation *CorrelationEngine
	store       storage.Store
	metrics     *metrics.Metrics
	logger      *logger.Logger
	now         func() time.Time
}

// NewSyncer creates a new Syncer
func NewSyncer(
	src *sources.Registry,
	prs *parsers.Registry,
	identity *IdentityResolver,
	pipeline *EnrichmentPipeline,
	correlation *CorrelationEngine,
	store storage.Store,
	m *metrics.Metrics,
	log *logger.Logger,
) *Syncer {
	s := &Syncer{
		sources:     src,
		parsers:     prs,
		identity:    identity,
		correlation: correlation,
		store:       store,
		metrics:     m,
		logger:      log.WithComponent("syncer"),
		now:         func() time.Time { return time.Now().UTC() },
	}
	if pipeline != nil {
		s.attributor = pipeline.Attributor()
	}
	return s
}

// Run executes a sync of cfg into job. Per-record failures are counted on
// the job; the returned error is fatal to the sync.
func (s *Syncer) Run(ctx context.Context, t models.TenantContext, cfg *models.FeedConfiguration, since *time.Time, job *models.SyncJob) error {
	log := s.logger.WithFeed(cfg.ID).WithTenant(t.TenantID).WithJob(job.ID.String())

	conn, ok := s.sources.Get(cfg.Type)
	if !ok {
		return models.Errorf(models.KindValidation, "sync", "no connector for feed type %s", cfg.Type)
	}
	if _, ok := s.parsers.Lookup(cfg.Type, cfg.Format); !ok {
		return models.Errorf(models.KindValidation, "sync", "no parser for %s", cfg.Key())
	}
	if s.attributor != nil {
		if err := s.learn(ctx, t); err != nil {
			return err
		}
	}

	stream := conn.Fetch(ctx, cfg, since)
	defer stream.Close()

	obs := ObservationFor(cfg, job.StartedAt)
	records := 0
	for stream.Next(ctx) {
		rec := stream.Record()
		records++

		res, err := s.parsers.Parse(rec, cfg)
		if err != nil {
			if models.IsPerRecord(err) {
				job.AddError(err)
				log.Debug().Err(err).Msg("skipping unparsable record")
				continue
			}
			return err
		}
		job.Skipped += res.Skipped
		s.metrics.SyncCounts(cfg.ID, 0, 0, res.Skipped)
		for _, e := range res.Errors {
			job.AddError(e)
		}

		if err := s.commit(ctx, t, cfg, res, obs, job); err != nil {
			return err
		}
		if rec.Cursor != "" {
			job.Watermark = rec.Cursor
		}
	}
	if err := stream.Err(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return models.FromContext("sync", err)
	}

	log.Info().
		Int("records", records).
		Int("imported", job.Imported).
		Int("updated", job.Updated).
		Int("skipped", job.Skipped).
		Int("errored", job.Errored).
		Msg("feed sync finished")
	return nil
}

// learn refreshes the tenant's attribution rules from stored entities
func (s *Syncer) learn(ctx context.Context, t models.TenantContext) error {
	actors, err := s.store.ListActors(ctx, t)
	if err != nil {
		return err
	}
	campaigns, err := s.store.ListCampaigns(ctx, t)
	if err != nil {
		return err
	}
	s.attributor.Learn(t.TenantID, actors, campaigns)
	return nil
}

// commit persists one parse result
func (s *Syncer) commit(ctx context.Context, t models.TenantContext, cfg *models.FeedConfiguration, res *parsers.ParseResult, obs Observation, job *models.SyncJob) error {
	refs := make(map[parsers.Ref]models.EntityRef)

	actorRefs, err := s.commitActors(ctx, t, res.Actors)
	if err != nil {
		return err
	}
	for key, id := range actorRefs {
		refs[parsers.Ref{Kind: models.EntityActor, Key: key}] = models.EntityRef{ID: id, Kind: models.EntityActor}
	}
	linkCampaignActors(res, refs)
	campaignRefs, err := s.commitCampaigns(ctx, t, res.Campaigns)
	if err != nil {
		return err
	}
	for key, id := range campaignRefs {
		refs[parsers.Ref{Kind: models.EntityCampaign, Key: key}] = models.EntityRef{ID: id, Kind: models.EntityCampaign}
	}
	if s.attributor != nil && (len(res.Actors) > 0 || len(res.Campaigns) > 0) {
		if err := s.learn(ctx, t); err != nil {
			return err
		}
	}

	var (
		events []models.ChangeEvent
		edges  []models.Relationship
	)
	size := s.store.MaxBatchSize()
	if size <= 0 {
		size = len(res.Indicators)
	}
	for start := 0; start < len(res.Indicators); start += size {
		end := min(start+size, len(res.Indicators))
		batch, err := s.identity.UpsertBatch(ctx, t, res.Indicators[start:end], obs)
		if err != nil {
			return err
		}
		imported := batch.Count(DecisionCreated, false)
		updated := batch.Count(DecisionCorroborated, true)
		job.Imported += imported
		job.Updated += updated
		job.Conflicted += batch.Count(DecisionConflicted, false)
		s.metrics.SyncCounts(cfg.ID, imported, updated, 0)

		events = append(events, batch.Events...)
		for hex, id := range batch.IDs {
			refs[parsers.Ref{Kind: models.EntityIndicator, Key: hex}] = models.EntityRef{ID: id, Kind: models.EntityIndicator}
		}
		for _, rel := range batch.Related {
			rel.Feeds = []string{cfg.ID}
			edges = append(edges, rel)
		}
		for _, e := range batch.Enrichments {
			for _, hint := range e.Attribution {
				edges = append(edges, models.Relationship{
					Source:     models.EntityRef{ID: e.IndicatorID, Kind: models.EntityIndicator},
					Target:     hint.Target,
					Type:       models.EdgeAttributedTo,
					Confidence: hint.Confidence,
					Feeds:      []string{cfg.ID},
				})
			}
		}
	}

	if s.correlation == nil {
		return nil
	}
	if err := s.correlation.Observe(ctx, t, events); err != nil {
		return err
	}

	for _, pr := range res.Relationships {
		src, ok1 := refs[pr.Source]
		dst, ok2 := refs[pr.Target]
		if !ok1 || !ok2 || src.ID == dst.ID {
			continue
		}
		edges = append(edges, models.Relationship{
			Source:     src,
			Target:     dst,
			Type:       pr.Type,
			Confidence: pr.Confidence,
			Feeds:      []string{cfg.ID},
		})
	}
	return s.correlation.Apply(ctx, t, edges)
}

// linkCampaignActors sets the actor of campaigns attributed in the same record
func linkCampaignActors(res *parsers.ParseResult, refs map[parsers.Ref]models.EntityRef) {
	byKey := make(map[string]*models.Campaign, len(res.Campaigns))
	for _, c := range res.Campaigns {
		byKey[strings.ToLower(c.Name)] = c
	}
	for _, pr := range res.Relationships {
		if pr.Type != models.EdgeAttributedTo || pr.Source.Kind != models.EntityCampaign || pr.Target.Kind != models.EntityActor {
			continue
		}
		c, ok := byKey[pr.Source.Key]
		actor, ok2 := refs[pr.Target]
		if ok && ok2 && c.ActorID == nil {
			id := actor.ID
			c.ActorID = &id
		}
	}
}

// commitActors merges parsed actors into stored ones by name or alias
func (s *Syncer) commitActors(ctx context.Context, t models.TenantContext, parsed []*models.ThreatActor) (map[string]uuid.UUID, error) {
	out := make(map[string]uuid.UUID, len(parsed))
	if len(parsed) == 0 {
		return out, nil
	}
	stored, err := s.store.ListActors(ctx, t)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for _, a := range parsed {
		var match *models.ThreatActor
		for _, cur := range stored {
			for _, n := range a.Names() {
				if cur.Matches(n) {
					match = cur
					break
				}
			}
			if match != nil {
				break
			}
		}
		if match != nil {
			match.Merge(a)
			match.UpdatedAt = now
		} else {
			match = a
			match.ID = uuid.New()
			match.TenantID = t.TenantID
			match.CreatedAt = now
			match.UpdatedAt = now
			stored = append(stored, match)
		}
		if err := s.store.StoreActor(ctx, t, match); err != nil {
			return nil, err
		}
		out[strings.ToLower(a.Name)] = match.ID
	}
	return out, nil
}

// commitCampaigns merges parsed campaigns into stored ones by name
func (s *Syncer) commitCampaigns(ctx context.Context, t models.TenantContext, parsed []*models.Campaign) (map[string]uuid.UUID, error) {
	out := make(map[string]uuid.UUID, len(parsed))
	if len(parsed) == 0 {
		return out, nil
	}
	stored, err := s.store.ListCampaigns(ctx, t)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for _, c := range parsed {
		var match *models.Campaign
		for _, cur := range stored {
			if strings.EqualFold(cur.Name, c.Name) {
				match = cur
				break
			}
		}
		if match != nil {
			match.Merge(c)
			match.UpdatedAt = now
		} else {
			match = c
			match.ID = uuid.New()
			match.TenantID = t.TenantID
			match.CreatedAt = now
			match.UpdatedAt = now
			stored = append(stored, match)
		}
		if err := s.store.StoreCampaign(ctx, t, match); err != nil {
			return nil, err
		}
		out[strings.ToLower(c.Name)] = match.ID
	}
	return out, nil
}
