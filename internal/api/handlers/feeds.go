package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"tiace/internal/domain/models"
	"tiace/internal/domain/services"
	"tiace/pkg/logger"
)

// FeedsHandler exposes the feed catalog, manual syncs and sync history
type FeedsHandler struct {
	scheduler *services.Scheduler
	query     *services.QueryService
	logger    *logger.Logger
}

// NewFeedsHandler creates a new FeedsHandler
func NewFeedsHandler(s *services.Scheduler, q *services.QueryService, log *logger.Logger) *FeedsHandler {
	return &FeedsHandler{
		scheduler: s,
		query:     q,
		logger:    log.WithComponent("feeds"),
	}
}

// FeedStatus is a feed with its scheduler state
type FeedStatus struct {
	*models.FeedConfiguration
	State models.FeedState `json:"state"`
}

// List handles GET /api/v1/feeds
func (h *FeedsHandler) List(w http.ResponseWriter, r *http.Request) {
	t := tenantOf(r)
	feeds, err := h.scheduler.Feeds(t)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	out := make([]FeedStatus, 0, len(feeds))
	for _, f := range feeds {
		st, err := h.scheduler.State(t, f.ID)
		if err != nil && models.KindOf(err) != models.KindNotFound {
			respondError(w, r, h.logger, err)
			return
		}
		out = append(out, FeedStatus{FeedConfiguration: f, State: st})
	}
	respondJSON(w, http.StatusOK, map[string]any{"data": out, "total": len(out)})
}

// Sync handles POST /api/v1/feeds/{id}/sync. By default the feed is queued
// for the dispatch loop; ?wait=true runs it and returns the finished job.
func (h *FeedsHandler) Sync(w http.ResponseWriter, r *http.Request) {
	t := tenantOf(r)
	feedID := chi.URLParam(r, "id")

	if r.URL.Query().Get("wait") == "true" {
		job, err := h.scheduler.SyncNow(r.Context(), t, feedID)
		if err != nil {
			respondError(w, r, h.logger, err)
			return
		}
		respondJSON(w, http.StatusOK, job)
		return
	}

	if err := h.scheduler.Trigger(t, feedID); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	h.logger.WithTenant(t.TenantID).Info().Str("feed_id", feedID).Str("caller", t.Caller).Msg("sync triggered")
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled", "feed_id": feedID})
}

// Reenable handles POST /api/v1/feeds/{id}/reenable
func (h *FeedsHandler) Reenable(w http.ResponseWriter, r *http.Request) {
	t := tenantOf(r)
	feedID := chi.URLParam(r, "id")
	if err := h.scheduler.Reenable(t, feedID); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	st, err := h.scheduler.State(t, feedID)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// SyncJobs handles GET /api/v1/sync-jobs?feed=&limit=
func (h *FeedsHandler) SyncJobs(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	jobs, err := h.query.ListSyncJobs(r.Context(), tenantOf(r), r.URL.Query().Get("feed"), limit)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"data": jobs, "total": len(jobs)})
}
