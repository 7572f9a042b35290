package export

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiace/internal/config"
	"tiace/internal/domain/models"
	"tiace/internal/domain/services"
	"tiace/internal/storage"
	"tiace/pkg/logger"
)

func newService(t *testing.T, sink *S3Sink) (*Service, models.TenantContext) {
	t.Helper()
	store := storage.NewMemoryStore(0)
	tc := models.NewTenantContext("acme", "test", models.AllPermissions...)
	inds := sampleSet()
	for _, ind := range inds {
		ind.TenantID = tc.TenantID
	}
	require.NoError(t, store.BulkStore(context.Background(), tc, inds))

	resolver := services.NewIdentityResolver(store, config.DedupConfig{Stripes: 4, BloomCapacity: 100, BloomFalsePositive: 0.01}, nil, logger.Nop())
	query := services.NewQueryService(store, resolver, nil, logger.Nop())
	svc := NewService(NewRegistry(), query, sink, "acme-soc", logger.Nop())
	svc.now = func() time.Time { return snapshot }
	return svc, tc
}

func TestServiceRender(t *testing.T) {
	svc, tc := newService(t, nil)

	var first, second bytes.Buffer
	res, err := svc.Render(context.Background(), tc, "CSV", services.SearchQuery{}, &first)
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, res.Format)
	assert.Equal(t, 5, res.Indicators)
	assert.Equal(t, snapshot, res.GeneratedAt)

	_, err = svc.Render(context.Background(), tc, "csv", services.SearchQuery{}, &second)
	require.NoError(t, err)
	assert.Equal(t, first.String(), second.String())

	filtered, err := svc.Render(context.Background(), tc, "json",
		services.SearchQuery{Severities: []models.Severity{models.SeverityCritical}}, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, 1, filtered.Indicators)
}

func TestServiceRenderRejects(t *testing.T) {
	svc, tc := newService(t, nil)

	_, err := svc.Render(context.Background(), tc, "pdf", services.SearchQuery{}, &bytes.Buffer{})
	assert.Equal(t, models.KindValidation, models.KindOf(err))

	reader := models.NewTenantContext("acme", "viewer", models.PermRead)
	_, err = svc.Render(context.Background(), reader, "csv", services.SearchQuery{}, &bytes.Buffer{})
	assert.Equal(t, models.KindPermissionDenied, models.KindOf(err))
}

func TestServicePublish(t *testing.T) {
	svc, tc := newService(t, nil)
	assert.False(t, svc.HasSink())
	_, err := svc.Publish(context.Background(), tc, "stix", services.SearchQuery{})
	assert.Equal(t, models.KindValidation, models.KindOf(err))

	fp := &fakePutter{}
	svc, tc = newService(t, NewS3SinkWithClient(fp, "intel", "exports", logger.Nop()))
	res, err := svc.Publish(context.Background(), tc, "stix", services.SearchQuery{})
	require.NoError(t, err)
	assert.Equal(t, "s3://intel/exports/acme/stix/20240501T120000Z.json", res.URI)
	assert.Equal(t, 5, res.Indicators)
	assert.Contains(t, string(fp.body), `"type": "bundle"`)
}
