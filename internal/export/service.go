package export

import (
	"bytes"
	"context"
	"io"
	"time"

	"tiace/internal/domain/models"
	"tiace/internal/domain/services"
	"tiace/pkg/logger"
)

// Result describes a finished export
type Result struct {
	Format      string    `json:"format"`
	ContentType string    `json:"content_type"`
	Indicators  int       `json:"indicators"`
	GeneratedAt time.Time `json:"generated_at"`
	URI         string    `json:"uri,omitempty"`
}

// Service renders tenant snapshots through the registry and optionally
// publishes them to S3
type Service struct {
	registry *Registry
	query    *services.QueryService
	sink     *S3Sink
	producer string
	now      func() time.Time
	logger   *logger.Logger
}

// NewService creates an export service; sink may be nil
func NewService(reg *Registry, query *services.QueryService, sink *S3Sink, producer string, log *logger.Logger) *Service {
	return &Service{
		registry: reg,
		query:    query,
		sink:     sink,
		producer: producer,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   log.WithComponent("export"),
	}
}

// Registry returns the exporter registry
func (s *Service) Registry() *Registry { return s.registry }

// HasSink reports whether S3 publishing is configured
func (s *Service) HasSink() bool { return s.sink != nil }

// Render writes the export of the indicators matching q to w
func (s *Service) Render(ctx context.Context, t models.TenantContext, format string, q services.SearchQuery, w io.Writer) (*Result, error) {
	e, err := s.registry.Get(format)
	if err != nil {
		return nil, err
	}
	snap, err := s.query.ExportSnapshot(ctx, t, q)
	if err != nil {
		return nil, err
	}

	at := s.now()
	opts := Options{
		TenantID:      t.TenantID,
		GeneratedAt:   at,
		Producer:      s.producer,
		Actors:        snap.Actors,
		Campaigns:     snap.Campaigns,
		Relationships: snap.Relationships,
	}
	if err := e.Export(w, snap.Indicators, opts); err != nil {
		return nil, err
	}

	s.logger.WithTenant(t.TenantID).Info().
		Str("format", e.Format()).
		Int("indicators", len(snap.Indicators)).
		Msg("export rendered")
	return &Result{
		Format:      e.Format(),
		ContentType: e.ContentType(),
		Indicators:  len(snap.Indicators),
		GeneratedAt: at,
	}, nil
}

// Publish renders the export and uploads it to the S3 sink
func (s *Service) Publish(ctx context.Context, t models.TenantContext, format string, q services.SearchQuery) (*Result, error) {
	if s.sink == nil {
		return nil, models.Errorf(models.KindValidation, "export_publish", "s3 sink is not configured")
	}
	e, err := s.registry.Get(format)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	res, err := s.Render(ctx, t, e.Format(), q, &buf)
	if err != nil {
		return nil, err
	}
	if res.URI, err = s.sink.Upload(ctx, t.TenantID, e, buf.Bytes(), res.GeneratedAt); err != nil {
		return nil, err
	}
	return res, nil
}
