// Package storagetest holds the conformance suite every storage backend must pass.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiace/internal/domain/models"
	"tiace/internal/storage"
)

// NewIndicator builds a normalized indicator for tests
func NewIndicator(kind models.IndicatorKind, value string, confidence float64, seen time.Time) *models.Indicator {
	ind := &models.Indicator{
		ID:          uuid.New(),
		Kind:        kind,
		Value:       value,
		Confidence:  confidence,
		Severity:    models.SeverityMedium,
		FirstSeen:   seen,
		LastSeen:    seen,
		SourceFeeds: []string{"test-feed"},
		Scoring:     models.Scoring{Threat: 0.5},
	}
	ind.Normalize()
	return ind
}

// Run executes the suite. factory must return an empty store per call.
func Run(t *testing.T, factory func(t *testing.T) storage.Store) {
	ctx := context.Background()
	acme := models.NewTenantContext("acme", "test", models.AllPermissions...)
	globex := models.NewTenantContext("globex", "test", models.AllPermissions...)
	now := time.Now().UTC().Truncate(time.Second)

	t.Run("CRUD", func(t *testing.T) {
		s := factory(t)
		ind := NewIndicator(models.KindDomain, "evil.example.com", 0.8, now)
		require.NoError(t, s.StoreIndicator(ctx, acme, ind))

		got, err := s.GetIndicator(ctx, acme, ind.ID)
		require.NoError(t, err)
		assert.Equal(t, ind.Value, got.Value)

		err = s.StoreIndicator(ctx, acme, NewIndicator(models.KindDomain, "EVIL.example.com", 0.1, now))
		assert.ErrorIs(t, err, models.ErrConflict, "fingerprint is unique per tenant")

		got.Confidence = 0.9
		require.NoError(t, s.UpdateIndicator(ctx, acme, got))
		got, err = s.GetIndicator(ctx, acme, ind.ID)
		require.NoError(t, err)
		assert.InDelta(t, 0.9, got.Confidence, 1e-9)

		found, err := s.FindByFingerprint(ctx, acme, ind.Fingerprint())
		require.NoError(t, err)
		assert.Equal(t, ind.ID, found.ID)

		require.NoError(t, s.DeleteIndicator(ctx, acme, ind.ID))
		_, err = s.GetIndicator(ctx, acme, ind.ID)
		assert.ErrorIs(t, err, models.ErrNotFound)
		assert.ErrorIs(t, s.DeleteIndicator(ctx, acme, ind.ID), models.ErrNotFound)
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		s := factory(t)
		ind := NewIndicator(models.KindIP, "10.0.0.1", 0.5, now)
		require.NoError(t, s.StoreIndicator(ctx, acme, ind))

		_, err := s.GetIndicator(ctx, globex, ind.ID)
		assert.ErrorIs(t, err, models.ErrNotFound)
		assert.ErrorIs(t, s.DeleteIndicator(ctx, globex, ind.ID), models.ErrNotFound)

		found, err := s.SearchIndicators(ctx, globex, storage.IndicatorQuery{})
		require.NoError(t, err)
		assert.Empty(t, found)

		// same value in another tenant is a different record
		other := NewIndicator(models.KindIP, "10.0.0.1", 0.5, now)
		require.NoError(t, s.StoreIndicator(ctx, globex, other))

		_, err = s.GetIndicator(ctx, models.TenantContext{}, ind.ID)
		assert.ErrorIs(t, err, models.ErrPermissionDenied)
	})

	t.Run("LastSeenMonotonic", func(t *testing.T) {
		s := factory(t)
		ind := NewIndicator(models.KindHash, "d41d8cd98f00b204e9800998ecf8427e", 0.5, now)
		require.NoError(t, s.StoreIndicator(ctx, acme, ind))

		older := ind.Clone()
		older.LastSeen = now.Add(-time.Hour)
		require.NoError(t, s.UpdateIndicator(ctx, acme, older))

		got, err := s.GetIndicator(ctx, acme, ind.ID)
		require.NoError(t, err)
		assert.True(t, got.LastSeen.Equal(now))
	})

	t.Run("BulkStoreAtomic", func(t *testing.T) {
		s := factory(t)
		existing := NewIndicator(models.KindDomain, "taken.example.com", 0.5, now)
		require.NoError(t, s.StoreIndicator(ctx, acme, existing))

		fresh := NewIndicator(models.KindDomain, "fresh.example.com", 0.5, now)
		clash := NewIndicator(models.KindDomain, "taken.example.com", 0.5, now) // new id, same fingerprint
		err := s.BulkStore(ctx, acme, []*models.Indicator{fresh, clash})
		require.Error(t, err)

		_, err = s.GetIndicator(ctx, acme, fresh.ID)
		assert.ErrorIs(t, err, models.ErrNotFound, "no partial effects")

		require.NoError(t, s.BulkStore(ctx, acme, []*models.Indicator{fresh}))
		n, err := s.CountIndicators(ctx, acme, storage.IndicatorQuery{})
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("BatchBound", func(t *testing.T) {
		s := factory(t)
		batch := make([]*models.Indicator, s.MaxBatchSize()+1)
		for i := range batch {
			batch[i] = NewIndicator(models.KindIP, "10.1.0.1", 0.5, now)
		}
		assert.ErrorIs(t, s.BulkStore(ctx, acme, batch), models.ErrValidation)
	})

	t.Run("Deadline", func(t *testing.T) {
		s := factory(t)
		dctx, cancel := context.WithDeadline(ctx, time.Now().Add(-time.Second))
		defer cancel()
		_, err := s.SearchIndicators(dctx, acme, storage.IndicatorQuery{})
		assert.ErrorIs(t, err, models.ErrDeadlineExceeded)
	})

	t.Run("SearchRanking", func(t *testing.T) {
		s := factory(t)
		low := NewIndicator(models.KindDomain, "low.example.com", 0.2, now)
		high := NewIndicator(models.KindDomain, "high.example.com", 0.9, now)
		tied := NewIndicator(models.KindDomain, "tied.example.com", 0.9, now.Add(time.Minute))
		require.NoError(t, s.BulkStore(ctx, acme, []*models.Indicator{low, high, tied}))

		got, err := s.SearchIndicators(ctx, acme, storage.IndicatorQuery{Kinds: []models.IndicatorKind{models.KindDomain}})
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, tied.ID, got[0].ID, "equal rank breaks on newer last_seen")
		assert.Equal(t, high.ID, got[1].ID)
		assert.Equal(t, low.ID, got[2].ID)

		page, err := s.SearchIndicators(ctx, acme, storage.IndicatorQuery{Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, high.ID, page[0].ID)

		got, err = s.SearchIndicators(ctx, acme, storage.IndicatorQuery{Text: "LOW.example"})
		require.NoError(t, err)
		require.Len(t, got, 1)
	})

	t.Run("Edges", func(t *testing.T) {
		s := factory(t)
		a := NewIndicator(models.KindDomain, "a.example.com", 0.5, now)
		b := NewIndicator(models.KindIP, "10.9.9.9", 0.5, now)
		require.NoError(t, s.BulkStore(ctx, acme, []*models.Indicator{a, b}))

		e := models.Relationship{
			Source:     models.EntityRef{ID: a.ID, Kind: models.EntityIndicator},
			Target:     models.EntityRef{ID: b.ID, Kind: models.EntityIndicator},
			Type:       models.EdgeRelatedTo,
			Confidence: 0.6,
			RuleID:     3,
		}
		require.NoError(t, s.StoreEdges(ctx, acme, []models.Relationship{e}))

		e.Type = models.EdgeSameAs
		require.NoError(t, s.StoreEdges(ctx, acme, []models.Relationship{e}))
		edges, err := s.EdgesOf(ctx, acme, b.ID)
		require.NoError(t, err)
		require.Len(t, edges, 1, "one edge per ordered pair")
		assert.Equal(t, models.EdgeSameAs, edges[0].Type)

		dangling := e
		dangling.Target.ID = uuid.New()
		assert.ErrorIs(t, s.StoreEdges(ctx, acme, []models.Relationship{dangling}), models.ErrNotFound)

		require.NoError(t, s.DeleteIndicator(ctx, acme, a.ID))
		edges, err = s.EdgesOf(ctx, acme, b.ID)
		require.NoError(t, err)
		assert.Empty(t, edges, "edges are removed with their endpoint")
	})

	t.Run("EnrichmentAndAudit", func(t *testing.T) {
		s := factory(t)
		ind := NewIndicator(models.KindURL, "http://x.example.com/a", 0.5, now)
		require.NoError(t, s.StoreIndicator(ctx, acme, ind))

		enr := &models.Enrichment{IndicatorID: ind.ID, Stages: []models.StageOutcome{{Stage: "scorer", OK: true}}, UpdatedAt: now}
		require.NoError(t, s.StoreEnrichment(ctx, acme, enr))
		got, err := s.GetEnrichment(ctx, acme, ind.ID)
		require.NoError(t, err)
		assert.Len(t, got.Stages, 1)

		require.NoError(t, s.AppendAudit(ctx, acme, models.AuditEntry{IndicatorID: ind.ID, Action: models.AuditConflict, Reason: "first_seen", At: now}))
		audit, err := s.AuditOf(ctx, acme, ind.ID)
		require.NoError(t, err)
		require.Len(t, audit, 1)
		assert.Equal(t, "first_seen", audit[0].Reason)
	})

	t.Run("SyncJobs", func(t *testing.T) {
		s := factory(t)
		j1 := models.NewSyncJob("acme", "f1", now.Add(-2*time.Hour))
		j1.Finish(models.JobSucceeded, "", now.Add(-2*time.Hour))
		j2 := models.NewSyncJob("acme", "f2", now)
		require.NoError(t, s.RecordSyncJob(ctx, acme, j1))
		require.NoError(t, s.RecordSyncJob(ctx, acme, j2))

		jobs, err := s.ListSyncJobs(ctx, acme, "", 10)
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		assert.Equal(t, j2.ID, jobs[0].ID)

		assert.ErrorIs(t, s.RecordSyncJob(ctx, acme, j1), models.ErrConflict, "terminal jobs are immutable")

		n, err := s.PruneSyncJobs(ctx, acme, now.Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}
