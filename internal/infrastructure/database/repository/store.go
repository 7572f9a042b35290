// Package repository implements the storage contract on PostgreSQL.
package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tiace/internal/domain/models"
	"tiace/internal/infrastructure/database"
	"tiace/internal/storage"
	"tiace/pkg/logger"
)

const defaultMaxBatch = 1000

// PostgreSQL error codes the store translates
const (
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// Store is the PostgreSQL backend
type Store struct {
	db       *database.PostgresDB
	pool     *pgxpool.Pool
	maxBatch int
	logger   *logger.Logger
}

// NewStore creates a store on db. maxBatch <= 0 selects the default.
func NewStore(db *database.PostgresDB, maxBatch int, log *logger.Logger) *Store {
	if maxBatch <= 0 {
		maxBatch = defaultMaxBatch
	}
	return &Store{
		db:       db,
		pool:     db.Pool(),
		maxBatch: maxBatch,
		logger:   log.WithComponent("postgres-store"),
	}
}

// HealthCheck pings the database
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return pgError("health_check", err)
	}
	return nil
}

// Metrics reports record counts across tenants
func (s *Store) Metrics(ctx context.Context) (storage.BackendMetrics, error) {
	m := storage.BackendMetrics{Backend: "postgres"}
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(DISTINCT tenant_id) FROM indicators),
			(SELECT COUNT(*) FROM indicators),
			(SELECT COUNT(*) FROM edges)`,
	).Scan(&m.Tenants, &m.Indicators, &m.Edges)
	if err != nil {
		return m, pgError("metrics", err)
	}
	st := s.db.Stats()
	m.Extra = map[string]any{
		"acquired_conns": st.AcquiredConns(),
		"idle_conns":     st.IdleConns(),
		"total_conns":    st.TotalConns(),
	}
	return m, nil
}

// MaxBatchSize returns the bulk limit
func (s *Store) MaxBatchSize() int {
	return s.maxBatch
}

// Close closes the pool
func (s *Store) Close() error {
	s.db.Close()
	return nil
}

// pgError maps driver errors onto error kinds
func pgError(op string, err error) error {
	if err == nil {
		return nil
	}
	var me *models.Error
	if errors.As(err, &me) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return models.FromContext(op, err)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return models.NewError(models.KindNotFound, op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return models.NewError(models.KindConflict, op, err)
		case codeForeignKeyViolation:
			return models.NewError(models.KindNotFound, op, err)
		case codeSerializationFailure, codeDeadlockDetected:
			return models.NewError(models.KindConflict, op, err)
		}
	}
	return models.NewError(models.KindBackendUnavailable, op, err)
}

var _ storage.Store = (*Store)(nil)
