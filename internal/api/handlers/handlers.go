package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"tiace/internal/api/middleware"
	"tiace/internal/domain/models"
	"tiace/internal/domain/services"
	"tiace/internal/export"
	"tiace/internal/streaming"
	"tiace/pkg/logger"
)

// Handlers holds all API handlers
type Handlers struct {
	Health     *HealthHandler
	Indicators *IndicatorsHandler
	Feeds      *FeedsHandler
	Export     *ExportHandler
	Streaming  *StreamingHandler
}

// Dependencies holds dependencies for handlers
type Dependencies struct {
	Query     *services.QueryService
	Scheduler *services.Scheduler
	Export    *export.Service
	Hub       *streaming.WebSocketHub
	Checks    []Check
	Version   string
	Logger    *logger.Logger
}

// NewHandlers creates all handlers
func NewHandlers(deps Dependencies) *Handlers {
	return &Handlers{
		Health:     NewHealthHandler(deps.Version, deps.Checks, deps.Logger),
		Indicators: NewIndicatorsHandler(deps.Query, deps.Logger),
		Feeds:      NewFeedsHandler(deps.Scheduler, deps.Query, deps.Logger),
		Export:     NewExportHandler(deps.Export, deps.Logger),
		Streaming:  NewStreamingHandler(deps.Hub, deps.Logger),
	}
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// StatusFor maps a typed error onto an HTTP status code
func StatusFor(err error) int {
	switch models.KindOf(err) {
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindPermissionDenied:
		return http.StatusForbidden
	case models.KindAuthFailed:
		return http.StatusUnauthorized
	case models.KindValidation, models.KindMalformed, models.KindSerialization:
		return http.StatusBadRequest
	case models.KindConflict, models.KindQuarantined:
		return http.StatusConflict
	case models.KindRateLimited:
		return http.StatusTooManyRequests
	case models.KindBackendUnavailable, models.KindUnreachable:
		return http.StatusServiceUnavailable
	case models.KindDeadlineExceeded, models.KindTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes err with its mapped status; server errors are logged
// and their cause hidden from the caller
func respondError(w http.ResponseWriter, r *http.Request, log *logger.Logger, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		if status == http.StatusInternalServerError {
			msg = "internal error"
		}
	}
	respondJSON(w, status, ErrorResponse{Error: msg, Kind: string(models.KindOf(err))})
}

// tenantOf returns the tenant context placed by the auth middleware
func tenantOf(r *http.Request) models.TenantContext {
	t, _ := middleware.Tenant(r.Context())
	return t
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return def
	}
	return v
}
