package handlers

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"tiace/internal/domain/models"
	"tiace/internal/domain/services"
	"tiace/pkg/logger"
)

// IndicatorsHandler serves the query surface: search, detail, delete, hunt,
// clusters and aggregates
type IndicatorsHandler struct {
	query  *services.QueryService
	logger *logger.Logger
}

// NewIndicatorsHandler creates a new IndicatorsHandler
func NewIndicatorsHandler(query *services.QueryService, log *logger.Logger) *IndicatorsHandler {
	return &IndicatorsHandler{
		query:  query,
		logger: log.WithComponent("indicators"),
	}
}

// ListResponse represents a paginated list response
type ListResponse struct {
	Data    any  `json:"data"`
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// ParseSearchQuery builds a SearchQuery from URL parameters: q, kind,
// severity, min_confidence, since, until, tag, feed, limit and offset
func ParseSearchQuery(v url.Values, now time.Time) (services.SearchQuery, error) {
	q := services.SearchQuery{
		Text:  v.Get("q"),
		Tags:  v["tag"],
		Feeds: v["feed"],
	}
	var err error
	if q.Kinds, err = services.ParseKinds(v["kind"]); err != nil {
		return q, err
	}
	if q.Severities, err = services.ParseSeverities(v["severity"]); err != nil {
		return q, err
	}
	if s := v.Get("min_confidence"); s != "" {
		if q.MinConfidence, err = strconv.ParseFloat(s, 64); err != nil || q.MinConfidence < 0 || q.MinConfidence > 1 {
			return q, models.Errorf(models.KindValidation, "query", "min_confidence must be within [0, 1]")
		}
	}
	if q.Since, err = services.ParseTimeBound(v.Get("since"), now); err != nil {
		return q, err
	}
	if q.Until, err = services.ParseTimeBound(v.Get("until"), now); err != nil {
		return q, err
	}
	for _, key := range []string{"limit", "offset"} {
		s := v.Get(key)
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return q, models.Errorf(models.KindValidation, "query", "%s must be a non-negative integer", key)
		}
		if key == "limit" {
			q.Limit = n
		} else {
			q.Offset = n
		}
	}
	return q, nil
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, models.Errorf(models.KindValidation, "request", "invalid id %q", chi.URLParam(r, "id"))
	}
	return id, nil
}

// List handles GET /api/v1/indicators
func (h *IndicatorsHandler) List(w http.ResponseWriter, r *http.Request) {
	q, err := ParseSearchQuery(r.URL.Query(), time.Now())
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	res, err := h.query.Search(r.Context(), tenantOf(r), q)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	limit := q.Limit
	if limit == 0 {
		limit = len(res.Indicators)
	}
	respondJSON(w, http.StatusOK, ListResponse{
		Data:    res.Indicators,
		Total:   res.Total,
		Limit:   limit,
		Offset:  q.Offset,
		HasMore: q.Offset+len(res.Indicators) < res.Total,
	})
}

// Get handles GET /api/v1/indicators/{id}
func (h *IndicatorsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	detail, err := h.query.Get(r.Context(), tenantOf(r), id)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, detail)
}

// Delete handles DELETE /api/v1/indicators/{id}
func (h *IndicatorsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	if err := h.query.Delete(r.Context(), tenantOf(r), id); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Hunt handles POST /api/v1/hunt
func (h *IndicatorsHandler) Hunt(w http.ResponseWriter, r *http.Request) {
	var q services.HuntQuery
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&q); err != nil {
		respondError(w, r, h.logger, models.NewError(models.KindValidation, "hunt", err))
		return
	}
	res, err := h.query.Hunt(r.Context(), tenantOf(r), q)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// ClusterResponse is a cluster with its member indicators
type ClusterResponse struct {
	Cluster *models.Cluster     `json:"cluster"`
	Members []*models.Indicator `json:"members"`
}

// Cluster handles GET /api/v1/clusters/{id}; id is a cluster or member id
func (h *IndicatorsHandler) Cluster(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	c, members, err := h.query.Cluster(r.Context(), tenantOf(r), id)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, ClusterResponse{Cluster: c, Members: members})
}

// Aggregates handles GET /api/v1/aggregates
func (h *IndicatorsHandler) Aggregates(w http.ResponseWriter, r *http.Request) {
	agg, err := h.query.Aggregates(r.Context(), tenantOf(r))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, agg)
}
