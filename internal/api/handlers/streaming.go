package handlers

import (
	"net/http"
	"strconv"

	"tiace/internal/domain/models"
	"tiace/internal/streaming"
	"tiace/pkg/logger"
)

// StreamingHandler serves the change feed over WebSocket
type StreamingHandler struct {
	wsHub  *streaming.WebSocketHub
	logger *logger.Logger
}

// NewStreamingHandler creates a new streaming handler
func NewStreamingHandler(wsHub *streaming.WebSocketHub, log *logger.Logger) *StreamingHandler {
	return &StreamingHandler{
		wsHub:  wsHub,
		logger: log.WithComponent("streaming-handler"),
	}
}

// Changes handles GET /api/v1/changes?from=<watermark>
func (h *StreamingHandler) Changes(w http.ResponseWriter, r *http.Request) {
	if h.wsHub == nil {
		respondError(w, r, h.logger, models.Errorf(models.KindBackendUnavailable, "changes", "change streaming not available"))
		return
	}
	t := tenantOf(r)
	if err := t.Require(models.PermRead); err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	var from uint64
	if s := r.URL.Query().Get("from"); s != "" {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			respondError(w, r, h.logger, models.Errorf(models.KindValidation, "changes", "invalid watermark %q", s))
			return
		}
		from = v
	}

	h.logger.Debug().
		Str("tenant", t.TenantID).
		Uint64("from", from).
		Str("remote_addr", r.RemoteAddr).
		Msg("change stream requested")

	h.wsHub.ServeChanges(w, r, t.TenantID, from)
}
