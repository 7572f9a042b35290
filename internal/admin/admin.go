// Package admin serves the operator listener: prometheus metrics, liveness,
// readiness and scheduler statistics. It is meant for an internal port and
// carries no tenant authentication.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"tiace/internal/api/handlers"
	"tiace/internal/domain/services"
	"tiace/internal/metrics"
	"tiace/pkg/logger"
)

// Server is the admin HTTP listener
type Server struct {
	router    *mux.Router
	metrics   *metrics.Metrics
	health    *handlers.HealthHandler
	scheduler *services.Scheduler
	logger    *logger.Logger
}

// New creates the admin server; scheduler may be nil
func New(m *metrics.Metrics, health *handlers.HealthHandler, scheduler *services.Scheduler, log *logger.Logger) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		metrics:   m,
		health:    health,
		scheduler: scheduler,
		logger:    log.WithComponent("admin"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.health.Check).Methods(http.MethodGet)
	s.router.HandleFunc("/readyz", s.health.Ready).Methods(http.MethodGet)
	s.router.HandleFunc("/debug/scheduler", s.handleScheduler).Methods(http.MethodGet)
}

// Handler returns the admin router
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleScheduler(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		http.Error(w, `{"error":"scheduler not running"}`, http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.scheduler.Stats())
}

// ListenAndServe serves on addr until ctx is cancelled
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("admin listener started")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
