package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"tiace/internal/config"
	"tiace/internal/domain/models"
	"tiace/internal/storage"
	"tiace/pkg/logger"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func tenant(id string) models.TenantContext {
	return models.NewTenantContext(id, "test", models.AllPermissions...)
}

// recorder is an in-memory ChangePublisher
type recorder struct {
	mu     sync.Mutex
	seq    uint64
	events []models.ChangeEvent
}

func (r *recorder) Publish(events ...models.ChangeEvent) []models.ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range events {
		r.seq++
		events[i].Seq = r.seq
	}
	r.events = append(r.events, events...)
	return events
}

func (r *recorder) ofKind(k models.ChangeKind) []models.ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.ChangeEvent
	for _, ev := range r.events {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

func newResolver(store storage.Store) *IdentityResolver {
	r := NewIdentityResolver(store, config.DedupConfig{Stripes: 16, BloomCapacity: 1000, BloomFalsePositive: 0.01}, nil, logger.Nop())
	r.now = func() time.Time { return testNow }
	return r
}

func indicator(kind models.IndicatorKind, value string, confidence float64, feed string) *models.Indicator {
	return &models.Indicator{
		Kind:        kind,
		Value:       value,
		Confidence:  confidence,
		Severity:    models.SeverityMedium,
		SourceFeeds: []string{feed},
		FirstSeen:   testNow.Add(-time.Hour),
		LastSeen:    testNow.Add(-time.Hour),
	}
}

func observe(feed string) Observation {
	return Observation{FeedID: feed, Reliability: 0.8, At: testNow}
}

// seed stores indicators directly and returns their created events
func seed(t *testing.T, store storage.Store, tc models.TenantContext, inds ...*models.Indicator) []models.ChangeEvent {
	t.Helper()
	events := make([]models.ChangeEvent, 0, len(inds))
	for _, ind := range inds {
		ind.ID = uuid.New()
		ind.TenantID = tc.TenantID
		ind.Normalize()
		events = append(events, models.ChangeEvent{
			TenantID:   tc.TenantID,
			EntityID:   ind.ID,
			EntityKind: models.EntityIndicator,
			Kind:       models.ChangeCreated,
			Indicator:  ind.Clone(),
		})
	}
	require.NoError(t, store.BulkStore(context.Background(), tc, inds))
	return events
}

func edge(src, dst uuid.UUID, typ models.EdgeType, confidence float64) models.Relationship {
	return models.Relationship{
		Source:     models.EntityRef{ID: src, Kind: models.EntityIndicator},
		Target:     models.EntityRef{ID: dst, Kind: models.EntityIndicator},
		Type:       typ,
		Confidence: confidence,
		Feeds:      []string{"test"},
	}
}
