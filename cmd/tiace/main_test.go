package main

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/urfave/cli"

	"tiace/internal/config"
	"tiace/internal/domain/models"
	"tiace/internal/sources/presets"
)

func job(feed string, status models.JobStatus, errored int) *models.SyncJob {
	return &models.SyncJob{ID: uuid.New(), FeedID: feed, Status: status, Errored: errored, Imported: 3}
}

func TestJobsOutcome(t *testing.T) {
	tests := []struct {
		name string
		jobs []*models.SyncJob
		code int
	}{
		{"clean", []*models.SyncJob{job("a", models.JobSucceeded, 0), job("b", models.JobSucceeded, 0)}, exitOK},
		{"dropped records", []*models.SyncJob{job("a", models.JobSucceeded, 2)}, exitPartial},
		{"one feed failed", []*models.SyncJob{job("a", models.JobSucceeded, 0), job("b", models.JobFailed, 0)}, exitPartial},
		{"all failed", []*models.SyncJob{job("a", models.JobFailed, 0), job("b", models.JobCancelled, 0)}, exitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, exitCode(jobsOutcome(tt.jobs)))
		})
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitOK, exitCode(nil))
	assert.Equal(t, exitPermissionDenied, exitCode(models.NewError(models.KindPermissionDenied, "sync", nil)))
	// a feed refusing credentials fails the sync
	assert.Equal(t, exitFailure, exitCode(models.NewError(models.KindAuthFailed, "sync", nil)))
	assert.Equal(t, exitFailure, exitCode(jobsOutcome([]*models.SyncJob{job("a", models.JobFailed, 0)})))
	assert.Equal(t, exitFailure, exitCode(models.NewError(models.KindNotFound, "sync", nil)))
	assert.Equal(t, exitFailure, exitCode(context.Canceled))
	assert.Equal(t, exitFailure, exitCode(errors.New("boom")))
}

func TestKeyTenantRefusalIsPermissionDenied(t *testing.T) {
	keys := []config.APIKeyConfig{{Key: "a", Caller: "analyst", TenantID: "acme", Permissions: []string{"read"}}}

	tc, err := keyTenant(keys, "a", "acme")
	assert.NoError(t, err)
	assert.Equal(t, "acme", tc.TenantID)

	_, err = keyTenant(keys, "wrong", "acme")
	assert.Equal(t, models.KindPermissionDenied, models.KindOf(err))
	assert.Equal(t, exitPermissionDenied, exitCode(err))
}

func TestFailWrapsExitCode(t *testing.T) {
	assert.NoError(t, fail(nil))

	err := fail(models.NewError(models.KindPermissionDenied, "export", errors.New("missing export")))
	var coder cli.ExitCoder
	assert.ErrorAs(t, err, &coder)
	assert.Equal(t, exitPermissionDenied, coder.ExitCode())
	assert.Contains(t, err.Error(), "tiace:")

	again := fail(err)
	assert.Same(t, err, again)
}

func TestWriteTables(t *testing.T) {
	var buf bytes.Buffer
	writeIndicators(&buf, []*models.Indicator{{
		Kind: models.KindDomain, Value: "evil.example.com", Severity: models.SeverityHigh,
		Confidence: 0.82, LastSeen: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		SourceFeeds: []string{"abuse", "osint"},
	}})
	out := buf.String()
	assert.Contains(t, out, "evil.example.com")
	assert.Contains(t, out, "0.82")
	assert.Contains(t, out, "abuse osint")

	buf.Reset()
	writeJobs(&buf, []*models.SyncJob{job("osint", models.JobSucceeded, 0)})
	assert.Contains(t, buf.String(), "succeeded")

	buf.Reset()
	writeFeeds(&buf,
		[]*models.FeedConfiguration{{ID: "osint", Type: models.FeedTypeOpenSource, Format: models.FormatPlain, Enabled: true}},
		[]models.FeedState{{FeedID: "osint", Phase: models.PhaseIdle}},
	)
	assert.Contains(t, buf.String(), "idle")
}

func TestWritePresets(t *testing.T) {
	var buf bytes.Buffer
	writePresets(&buf, presets.List())
	assert.Contains(t, buf.String(), "urlhaus")
	assert.Contains(t, buf.String(), "$OTX_API_KEY")
}
