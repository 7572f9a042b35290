// Package misp fetches events from MISP instances and MISP feed directories.
package misp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"tiace/internal/domain/models"
	"tiace/internal/sources"
	"tiace/pkg/logger"
)

const (
	defaultPageSize = 100
	manifestFile    = "manifest.json"
)

// Connector pulls MISP events. A feed URL ending in manifest.json selects
// feed-directory mode; anything else is treated as a MISP instance and
// queried through /events/restSearch.
type Connector struct {
	*sources.BaseConnector
	logger *logger.Logger
}

// NewConnector creates a MISP connector
func NewConnector(t *sources.Transport, log *logger.Logger) *Connector {
	return &Connector{
		BaseConnector: sources.NewBaseConnector(models.FeedTypeMISP, t),
		logger:        log.WithComponent("misp"),
	}
}

// Fetch streams one raw record per MISP event
func (c *Connector) Fetch(ctx context.Context, cfg *models.FeedConfiguration, since *time.Time) *sources.RecordStream {
	if strings.HasSuffix(cfg.URL, manifestFile) {
		return sources.NewRecordStream(ctx, func(ctx context.Context, emit sources.Emit) error {
			return c.fetchManifest(ctx, cfg, since, emit)
		})
	}
	return sources.NewRecordStream(ctx, func(ctx context.Context, emit sources.Emit) error {
		return c.fetchRestSearch(ctx, cfg, since, emit)
	})
}

type restSearchRequest struct {
	ReturnFormat string `json:"returnFormat"`
	Page         int    `json:"page"`
	Limit        int    `json:"limit"`
	Timestamp    string `json:"timestamp,omitempty"`
	Published    bool   `json:"published,omitempty"`
}

type restSearchResponse struct {
	Response []json.RawMessage `json:"response"`
}

func (c *Connector) fetchRestSearch(ctx context.Context, cfg *models.FeedConfiguration, since *time.Time, emit sources.Emit) error {
	limit := cfg.PageSize
	if limit <= 0 {
		limit = defaultPageSize
	}
	endpoint := strings.TrimRight(cfg.URL, "/") + "/events/restSearch"

	for page := 1; ; page++ {
		body := restSearchRequest{ReturnFormat: "json", Page: page, Limit: limit, Published: true}
		if since != nil {
			body.Timestamp = strconv.FormatInt(since.Unix(), 10)
		}
		payload, err := json.Marshal(body)
		if err != nil {
			return models.NewError(models.KindSerialization, "misp_rest_search", err)
		}

		resp, err := c.Transport().Do(ctx, cfg, sources.Request{
			Method: "POST",
			URL:    endpoint,
			Body:   string(payload),
			Headers: map[string]string{
				"Accept":       "application/json",
				"Content-Type": "application/json",
			},
		})
		if err != nil {
			return err
		}

		var result restSearchResponse
		if err := json.Unmarshal(resp.Body, &result); err != nil {
			return models.Errorf(models.KindSchemaDrift, "misp_rest_search", "decode page %d: %w", page, err)
		}

		for i, event := range result.Response {
			cursor := fmt.Sprintf("page:%d:%d", page, i)
			if !emit(sources.NewRecord(cfg, event, cursor)) {
				return nil
			}
		}
		c.logger.Debug().Str("feed", cfg.ID).Int("page", page).Int("events", len(result.Response)).Msg("fetched MISP page")

		if len(result.Response) < limit {
			return nil
		}
	}
}

// Manifest maps event uuid to summary information
type Manifest map[string]ManifestEntry

// ManifestEntry describes one event file of a feed directory
type ManifestEntry struct {
	Info      string          `json:"info"`
	Date      string          `json:"date"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// Time returns the entry timestamp, which feeds encode as a string or a number
func (e ManifestEntry) Time() time.Time {
	raw := strings.Trim(string(e.Timestamp), `"`)
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC()
	}
	if t, err := time.Parse("2006-01-02", e.Date); err == nil {
		return t
	}
	return time.Time{}
}

func (c *Connector) fetchManifest(ctx context.Context, cfg *models.FeedConfiguration, since *time.Time, emit sources.Emit) error {
	base := strings.TrimSuffix(cfg.URL, manifestFile)

	resp, err := c.Transport().Do(ctx, cfg, sources.Request{URL: cfg.URL})
	if err != nil {
		return fmt.Errorf("failed to fetch manifest: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(resp.Body, &manifest); err != nil {
		return models.Errorf(models.KindSchemaDrift, "misp_manifest", "decode manifest: %w", err)
	}

	type entry struct {
		uuid string
		at   time.Time
	}
	entries := make([]entry, 0, len(manifest))
	for id, info := range manifest {
		at := info.Time()
		if since != nil && !at.After(*since) {
			continue
		}
		entries = append(entries, entry{uuid: id, at: at})
	}
	// oldest first so the cursor only moves forward
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].at.Equal(entries[j].at) {
			return entries[i].at.Before(entries[j].at)
		}
		return entries[i].uuid < entries[j].uuid
	})

	c.logger.Info().Str("feed", cfg.ID).Int("events", len(entries)).Msg("fetching MISP feed events")

	for _, e := range entries {
		resp, err := c.Transport().Do(ctx, cfg, sources.Request{URL: base + e.uuid + ".json"})
		if err != nil {
			if models.IsFatalToSync(err) {
				return err
			}
			c.logger.Warn().Err(err).Str("event", e.uuid).Msg("failed to fetch event")
			continue
		}
		if !emit(sources.NewRecord(cfg, resp.Body, strconv.FormatInt(e.at.Unix(), 10))) {
			return nil
		}
	}
	return nil
}
