package handlers

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"tiace/internal/export"
	"tiace/pkg/logger"
)

// ExportHandler renders exports over HTTP or publishes them to S3
type ExportHandler struct {
	service *export.Service
	logger  *logger.Logger
}

// NewExportHandler creates a new ExportHandler
func NewExportHandler(s *export.Service, log *logger.Logger) *ExportHandler {
	return &ExportHandler{
		service: s,
		logger:  log.WithComponent("export"),
	}
}

// Export handles GET /api/v1/export/{format}. Filters are the ones of
// GET /indicators; ?s3=true uploads the artefact and returns its URI.
func (h *ExportHandler) Export(w http.ResponseWriter, r *http.Request) {
	format := chi.URLParam(r, "format")
	q, err := ParseSearchQuery(r.URL.Query(), time.Now())
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	t := tenantOf(r)

	if r.URL.Query().Get("s3") == "true" {
		res, err := h.service.Publish(r.Context(), t, format, q)
		if err != nil {
			respondError(w, r, h.logger, err)
			return
		}
		respondJSON(w, http.StatusCreated, res)
		return
	}

	// rendered into memory so failures still produce an error status
	var buf bytes.Buffer
	res, err := h.service.Render(r.Context(), t, format, q, &buf)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	e, _ := h.service.Registry().Get(res.Format)
	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-%s.%s"`,
		t.TenantID, res.GeneratedAt.Format("20060102T150405Z"), e.Extension()))
	w.Header().Set("X-Indicator-Count", strconv.Itoa(res.Indicators))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}
