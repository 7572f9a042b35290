// Package custom implements a generic HTTP connector driven by feed configuration.
package custom

import (
	"context"
	"strconv"
	"strings"
	"time"

	"tiace/internal/domain/models"
	"tiace/internal/sources"
	"tiace/pkg/logger"
)

// Connector issues a single request built from the feed configuration.
// The body and URL may reference {{since}} and {{since_unix}}.
type Connector struct {
	*sources.BaseConnector
	logger *logger.Logger
}

// NewConnector creates a custom HTTP connector
func NewConnector(t *sources.Transport, log *logger.Logger) *Connector {
	return &Connector{
		BaseConnector: sources.NewBaseConnector(models.FeedTypeCustom, t),
		logger:        log.WithComponent("custom"),
	}
}

// Fetch streams the single response document
func (c *Connector) Fetch(ctx context.Context, cfg *models.FeedConfiguration, since *time.Time) *sources.RecordStream {
	return sources.NewRecordStream(ctx, func(ctx context.Context, emit sources.Emit) error {
		expand := Expander(since)
		resp, err := c.Transport().Do(ctx, cfg, sources.Request{
			Method: cfg.Method,
			URL:    expand.Replace(cfg.URL),
			Body:   expand.Replace(cfg.Body),
		})
		if err != nil {
			return err
		}
		c.logger.Debug().Str("feed", cfg.ID).Int("bytes", len(resp.Body)).Msg("fetched custom feed")
		emit(sources.NewRecord(cfg, resp.Body, ""))
		return nil
	})
}

// Expander substitutes the template variables for since
func Expander(since *time.Time) *strings.Replacer {
	iso, unix := "", ""
	if since != nil {
		iso = since.UTC().Format(time.RFC3339)
		unix = strconv.FormatInt(since.Unix(), 10)
	}
	return strings.NewReplacer("{{since}}", iso, "{{since_unix}}", unix)
}
