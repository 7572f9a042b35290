// Package taxii pulls STIX objects from TAXII 2.1 collections.
package taxii

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tiace/internal/domain/models"
	"tiace/internal/sources"
	"tiace/pkg/logger"
)

const defaultPageSize = 500

// Connector reads {api_root}/collections/{id}/objects/ page by page
type Connector struct {
	*sources.BaseConnector
	logger *logger.Logger
}

// NewConnector creates a TAXII connector
func NewConnector(t *sources.Transport, log *logger.Logger) *Connector {
	return &Connector{
		BaseConnector: sources.NewBaseConnector(models.FeedTypeTAXII, t),
		logger:        log.WithComponent("taxii"),
	}
}

// ObjectsURL builds the objects endpoint for the collection
func ObjectsURL(apiRoot, collection string) string {
	return strings.TrimRight(apiRoot, "/") + "/collections/" + url.PathEscape(collection) + "/objects/"
}

// Fetch streams one raw record per envelope page
func (c *Connector) Fetch(ctx context.Context, cfg *models.FeedConfiguration, since *time.Time) *sources.RecordStream {
	return sources.NewRecordStream(ctx, func(ctx context.Context, emit sources.Emit) error {
		limit := cfg.PageSize
		if limit <= 0 {
			limit = defaultPageSize
		}
		endpoint := ObjectsURL(cfg.URL, cfg.Collection)
		next := ""

		for page := 1; ; page++ {
			q := url.Values{}
			q.Set("limit", strconv.Itoa(limit))
			if since != nil {
				q.Set("added_after", since.UTC().Format(time.RFC3339Nano))
			}
			if next != "" {
				q.Set("next", next)
			}

			resp, err := c.Transport().Do(ctx, cfg, sources.Request{
				URL:     endpoint + "?" + q.Encode(),
				Headers: map[string]string{"Accept": models.TAXIIMediaType},
			})
			if err != nil {
				return err
			}

			var env models.TAXIIEnvelope
			if err := json.Unmarshal(resp.Body, &env); err != nil {
				return models.Errorf(models.KindSchemaDrift, "taxii_objects", "decode envelope: %w", err)
			}
			cursor := env.Next
			if cursor == "" {
				cursor = resp.Header.Get("X-TAXII-Date-Added-Last")
			}
			if len(env.Objects) > 0 && !emit(sources.NewRecord(cfg, resp.Body, cursor)) {
				return nil
			}
			c.logger.Debug().Str("feed", cfg.ID).Int("page", page).Int("objects", len(env.Objects)).Msg("fetched TAXII page")

			if !env.More || env.Next == "" {
				return nil
			}
			next = env.Next
		}
	})
}
