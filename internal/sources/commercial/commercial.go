// Package commercial pulls vendor JSON APIs with cursor paging.
package commercial

import (
	"context"
	"encoding/json"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"tiace/internal/domain/models"
	"tiace/internal/sources"
	"tiace/pkg/logger"
)

const maxPages = 10000

var linkNext = regexp.MustCompile(`<([^>]+)>\s*;\s*rel="?next"?`)

// Connector follows a "next" cursor field or an RFC 8288 Link header
type Connector struct {
	*sources.BaseConnector
	logger *logger.Logger
}

// NewConnector creates a commercial API connector
func NewConnector(t *sources.Transport, log *logger.Logger) *Connector {
	return &Connector{
		BaseConnector: sources.NewBaseConnector(models.FeedTypeCommercial, t),
		logger:        log.WithComponent("commercial"),
	}
}

// Fetch streams one raw record per page
func (c *Connector) Fetch(ctx context.Context, cfg *models.FeedConfiguration, since *time.Time) *sources.RecordStream {
	return sources.NewRecordStream(ctx, func(ctx context.Context, emit sources.Emit) error {
		pageURL, err := firstPage(cfg, since)
		if err != nil {
			return err
		}
		seen := make(map[string]struct{})

		for page := 1; pageURL != "" && page <= maxPages; page++ {
			if _, loop := seen[pageURL]; loop {
				return models.Errorf(models.KindSchemaDrift, "commercial_fetch", "cursor loop at %s", pageURL)
			}
			seen[pageURL] = struct{}{}

			resp, err := c.Transport().Do(ctx, cfg, sources.Request{
				Method:  cfg.Method,
				URL:     pageURL,
				Body:    cfg.Body,
				Headers: map[string]string{"Accept": "application/json"},
			})
			if err != nil {
				return err
			}

			next := nextPage(cfg, pageURL, resp)
			if !emit(sources.NewRecord(cfg, resp.Body, next)) {
				return nil
			}
			pageURL = next
		}
		return nil
	})
}

func firstPage(cfg *models.FeedConfiguration, since *time.Time) (string, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return "", models.NewError(models.KindValidation, "commercial_fetch", err)
	}
	q := u.Query()
	if since != nil {
		q.Set("since", since.UTC().Format(time.RFC3339))
	}
	if cfg.PageSize > 0 {
		q.Set("limit", strconv.Itoa(cfg.PageSize))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// nextPage resolves the cursor of the following page, empty when done
func nextPage(cfg *models.FeedConfiguration, current string, resp *sources.Response) string {
	if m := linkNext.FindStringSubmatch(resp.Header.Get("Link")); m != nil {
		return resolve(current, m[1])
	}

	field := "next"
	if cfg.Vendor != nil && cfg.Vendor.NextCursorField != "" {
		field = cfg.Vendor.NextCursorField
	}
	var doc map[string]any
	if err := json.Unmarshal(resp.Body, &doc); err != nil {
		return ""
	}
	var cursor any = doc
	for _, part := range strings.Split(field, ".") {
		m, ok := cursor.(map[string]any)
		if !ok {
			return ""
		}
		cursor = m[part]
	}
	s, ok := cursor.(string)
	if !ok || s == "" {
		return ""
	}
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "/") {
		return resolve(current, s)
	}
	// opaque cursor token
	u, err := url.Parse(current)
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set("cursor", s)
	u.RawQuery = q.Encode()
	return u.String()
}

func resolve(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return b.ResolveReference(r).String()
}
