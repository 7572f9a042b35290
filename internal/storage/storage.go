// Package storage defines the backend-neutral, tenant-scoped storage contract.
//
// Every operation takes a TenantContext. Conforming backends guarantee:
//   - no operation reads or mutates a record of another tenant,
//   - BulkStore is all-or-nothing per call,
//   - an indicator's observed LastSeen never regresses,
//   - batches larger than MaxBatchSize are rejected,
//   - context deadlines are honoured with a DeadlineExceeded error.
package storage

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"tiace/internal/domain/models"
)

// IndicatorQuery filters indicator reads. Zero values mean "no filter".
type IndicatorQuery struct {
	Text          string
	Kinds         []models.IndicatorKind
	Severities    []models.Severity
	MinConfidence float64
	Since         *time.Time // last_seen >= Since
	Until         *time.Time // first_seen <= Until
	Tags          []string   // all must match
	FeedIDs       []string   // any must match
	IDs           []uuid.UUID
	Limit         int
	Offset        int
}

// Matches evaluates the query against one indicator. Backends without a query
// language use it directly; SQL backends mirror it.
func (q *IndicatorQuery) Matches(ind *models.Indicator) bool {
	if len(q.Kinds) > 0 && !containsKind(q.Kinds, ind.Kind) {
		return false
	}
	if len(q.Severities) > 0 && !containsSeverity(q.Severities, ind.Severity) {
		return false
	}
	if ind.Confidence < q.MinConfidence {
		return false
	}
	if q.Since != nil && ind.LastSeen.Before(*q.Since) {
		return false
	}
	if q.Until != nil && ind.FirstSeen.After(*q.Until) {
		return false
	}
	for _, t := range q.Tags {
		if !ind.HasTag(t) {
			return false
		}
	}
	if len(q.FeedIDs) > 0 && !intersects(q.FeedIDs, ind.SourceFeeds) {
		return false
	}
	if len(q.IDs) > 0 && !containsID(q.IDs, ind.ID) {
		return false
	}
	if q.Text != "" {
		text := strings.ToLower(q.Text)
		if !strings.Contains(ind.Value, text) &&
			!strings.Contains(strings.ToLower(ind.Description), text) &&
			!ind.HasTag(text) {
			return false
		}
	}
	return true
}

// Less is the ranking order: confidence x threat desc, last_seen desc, id asc
func Less(a, b *models.Indicator) bool {
	ra, rb := a.RankScore(), b.RankScore()
	if ra != rb {
		return ra > rb
	}
	if !a.LastSeen.Equal(b.LastSeen) {
		return a.LastSeen.After(b.LastSeen)
	}
	return a.ID.String() < b.ID.String()
}

// IndicatorStore is indicator CRUD
type IndicatorStore interface {
	StoreIndicator(ctx context.Context, t models.TenantContext, ind *models.Indicator) error
	GetIndicator(ctx context.Context, t models.TenantContext, id uuid.UUID) (*models.Indicator, error)
	UpdateIndicator(ctx context.Context, t models.TenantContext, ind *models.Indicator) error
	DeleteIndicator(ctx context.Context, t models.TenantContext, id uuid.UUID) error
	// BulkStore upserts by id, all-or-nothing
	BulkStore(ctx context.Context, t models.TenantContext, inds []*models.Indicator) error
	// SearchIndicators returns matches in ranking order
	SearchIndicators(ctx context.Context, t models.TenantContext, q IndicatorQuery) ([]*models.Indicator, error)
	CountIndicators(ctx context.Context, t models.TenantContext, q IndicatorQuery) (int, error)
	ListIndicatorIDs(ctx context.Context, t models.TenantContext) ([]uuid.UUID, error)
	FindByFingerprint(ctx context.Context, t models.TenantContext, fp models.Fingerprint) (*models.Indicator, error)
	// ScanIndicators calls fn for every indicator of the tenant in (kind, value) order
	ScanIndicators(ctx context.Context, t models.TenantContext, fn func(*models.Indicator) error) error
}

// EnrichmentStore mirrors indicator CRUD for enrichment results
type EnrichmentStore interface {
	StoreEnrichment(ctx context.Context, t models.TenantContext, e *models.Enrichment) error
	GetEnrichment(ctx context.Context, t models.TenantContext, indicatorID uuid.UUID) (*models.Enrichment, error)
	DeleteEnrichment(ctx context.Context, t models.TenantContext, indicatorID uuid.UUID) error
}

// EdgeStore holds relationships
type EdgeStore interface {
	StoreEdges(ctx context.Context, t models.TenantContext, edges []models.Relationship) error
	// EdgesOf returns edges where id is the source or the target
	EdgesOf(ctx context.Context, t models.TenantContext, id uuid.UUID) ([]models.Relationship, error)
	DeleteEdgesOf(ctx context.Context, t models.TenantContext, id uuid.UUID) ([]models.Relationship, error)
	ListEdges(ctx context.Context, t models.TenantContext) ([]models.Relationship, error)
}

// EntityStore holds actors and campaigns
type EntityStore interface {
	StoreActor(ctx context.Context, t models.TenantContext, a *models.ThreatActor) error
	GetActor(ctx context.Context, t models.TenantContext, id uuid.UUID) (*models.ThreatActor, error)
	ListActors(ctx context.Context, t models.TenantContext) ([]*models.ThreatActor, error)
	StoreCampaign(ctx context.Context, t models.TenantContext, c *models.Campaign) error
	ListCampaigns(ctx context.Context, t models.TenantContext) ([]*models.Campaign, error)
}

// AuditStore keeps data that could not be merged
type AuditStore interface {
	AppendAudit(ctx context.Context, t models.TenantContext, e models.AuditEntry) error
	AuditOf(ctx context.Context, t models.TenantContext, indicatorID uuid.UUID) ([]models.AuditEntry, error)
}

// JobStore keeps sync history
type JobStore interface {
	RecordSyncJob(ctx context.Context, t models.TenantContext, job *models.SyncJob) error
	// ListSyncJobs returns most recent first; empty feedID lists every feed
	ListSyncJobs(ctx context.Context, t models.TenantContext, feedID string, limit int) ([]*models.SyncJob, error)
	PruneSyncJobs(ctx context.Context, t models.TenantContext, before time.Time) (int, error)
}

// BackendMetrics is reported by Metrics
type BackendMetrics struct {
	Backend    string         `json:"backend"`
	Tenants    int            `json:"tenants"`
	Indicators int            `json:"indicators"`
	Edges      int            `json:"edges"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// Store is the full storage contract
type Store interface {
	IndicatorStore
	EnrichmentStore
	EdgeStore
	EntityStore
	AuditStore
	JobStore

	HealthCheck(ctx context.Context) error
	Metrics(ctx context.Context) (BackendMetrics, error)
	MaxBatchSize() int
	Close() error
}

// CheckBatch validates the bounded batch rule
func CheckBatch(s Store, n int) error {
	if max := s.MaxBatchSize(); max > 0 && n > max {
		return models.Errorf(models.KindValidation, "bulk_store", "batch of %d exceeds max batch size %d", n, max)
	}
	return nil
}

// Begin validates the tenant and the context deadline at operation entry
func Begin(ctx context.Context, t models.TenantContext, op string) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return models.FromContext(op, err)
	}
	return nil
}

func containsKind(list []models.IndicatorKind, k models.IndicatorKind) bool {
	for _, v := range list {
		if v == k {
			return true
		}
	}
	return false
}

func containsSeverity(list []models.Severity, s models.Severity) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsID(list []uuid.UUID, id uuid.UUID) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
