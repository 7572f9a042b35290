package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiace/internal/domain/models"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("app:\n  name: test\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "test", cfg.App.Name)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, 10, cfg.Scheduler.MaxConsecutiveFailures)
	assert.Equal(t, time.Minute, cfg.Scheduler.BackoffBase)
	assert.Equal(t, 256, cfg.Dedup.Stripes)
	assert.Equal(t, 0.7, cfg.Correlation.StrongThreshold)
	assert.Equal(t, 24, cfg.Enrichment.RelatedPrefixLen)
}

func TestLoadEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  backend: memory\n"), 0o600))
	t.Setenv("TIACE_STORAGE_BACKEND", "postgres")
	t.Setenv("TIACE_DATABASE_HOST", "db.internal")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Storage.Backend)
	assert.Equal(t, "db.internal", cfg.Database.Host)
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  backend: cassandra\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

const catalog = `
feeds:
  - id: circl-misp
    tenant_id: acme
    url: https://misp.example.org
    type: misp
    format: misp
    interval_minutes: 60
    enabled: true
    auth:
      type: api_key
      header: Authorization
      api_key: ${TEST_MISP_KEY}
    quality:
      reliability: 0.9
  - id: urlhaus
    tenant_id: acme
    url: https://urlhaus.example.org/csv
    type: opensource
    format: csv
    cron: "*/15 * * * *"
    default_kind: url
    timeout: 45s
    csv:
      header_row: true
      value_column: url
`

func TestParseFeeds(t *testing.T) {
	t.Setenv("TEST_MISP_KEY", "s3cret")
	path := filepath.Join(t.TempDir(), "feeds.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalog), 0o600))

	feeds, err := LoadFeeds(path)
	require.NoError(t, err)
	require.Len(t, feeds, 2)

	misp := feeds[0]
	assert.Equal(t, models.FeedTypeMISP, misp.Type)
	assert.Equal(t, "s3cret", misp.Auth.APIKey)
	assert.Equal(t, 0.9, misp.Reliability())
	assert.Equal(t, time.Hour, misp.Interval())

	csv := feeds[1]
	assert.Equal(t, "urlhaus", csv.Name)
	assert.Equal(t, models.AuthNone, csv.Auth.Type)
	assert.Equal(t, 45*time.Second, csv.Timeout)
	require.NotNil(t, csv.CSV)
	assert.Equal(t, "url", csv.CSV.ValueColumn)
}

func TestParseFeedsValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing url", `
feeds:
  - id: a
    tenant_id: t
    type: misp
    format: misp
    interval_minutes: 5
`},
		{"no cadence", `
feeds:
  - id: a
    tenant_id: t
    url: https://x.example
    type: misp
    format: misp
`},
		{"bad cron", `
feeds:
  - id: a
    tenant_id: t
    url: https://x.example
    type: misp
    format: misp
    cron: "every day"
`},
		{"unknown type", `
feeds:
  - id: a
    tenant_id: t
    url: https://x.example
    type: rss
    format: misp
    interval_minutes: 5
`},
		{"bearer without token", `
feeds:
  - id: a
    tenant_id: t
    url: https://x.example
    type: commercial
    format: stix2
    interval_minutes: 5
    auth:
      type: bearer
`},
		{"taxii without collection", `
feeds:
  - id: a
    tenant_id: t
    url: https://x.example
    type: taxii
    format: stix2
    interval_minutes: 5
`},
		{"duplicate id", `
feeds:
  - id: a
    tenant_id: t
    url: https://x.example
    type: misp
    format: misp
    interval_minutes: 5
  - id: a
    tenant_id: t
    url: https://y.example
    type: misp
    format: misp
    interval_minutes: 5
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFeeds([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}
