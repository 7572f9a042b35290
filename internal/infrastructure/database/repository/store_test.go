package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiace/internal/config"
	"tiace/internal/domain/models"
	"tiace/internal/infrastructure/database"
	"tiace/internal/storage"
	"tiace/internal/storage/storagetest"
	"tiace/pkg/logger"
)

func TestWhereBuilder(t *testing.T) {
	w := &where{}
	assert.Equal(t, "TRUE", w.String())

	w.add("tenant_id = %s", "acme")
	w.add("(a = %s OR b = %s)", 1, 2)
	assert.Equal(t, "tenant_id = $1 AND (a = $2 OR b = $3)", w.String())
	assert.Equal(t, "$4", w.next(10))
	assert.Equal(t, []any{"acme", 1, 2, 10}, w.args)
}

func TestSearchWhere(t *testing.T) {
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	id := uuid.New()
	w := searchWhere("acme", storage.IndicatorQuery{
		Text:          "Evil",
		Kinds:         []models.IndicatorKind{models.KindDomain},
		MinConfidence: 0.5,
		Since:         &since,
		Tags:          []string{"c2"},
		IDs:           []uuid.UUID{id},
	})

	assert.Equal(t,
		"tenant_id = $1 AND kind = ANY($2) AND confidence >= $3 AND last_seen >= $4"+
			" AND tags @> $5 AND id = ANY($6::uuid[])"+
			" AND (strpos(value, $7) > 0 OR strpos(lower(description), $8) > 0 OR $9 = ANY(tags))",
		w.String())
	assert.Equal(t, "acme", w.args[0])
	assert.Equal(t, []string{"domain"}, w.args[1])
	assert.Equal(t, []string{id.String()}, w.args[5])
	assert.Equal(t, "evil", w.args[6], "text is matched lowercased")
}

func TestSearchWhereTenantOnly(t *testing.T) {
	w := searchWhere("acme", storage.IndicatorQuery{Limit: 10})
	assert.Equal(t, "tenant_id = $1", w.String())
	assert.Len(t, w.args, 1)
}

func TestPgError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no rows", pgx.ErrNoRows, models.ErrNotFound},
		{"unique", &pgconn.PgError{Code: codeUniqueViolation}, models.ErrConflict},
		{"foreign key", &pgconn.PgError{Code: codeForeignKeyViolation}, models.ErrNotFound},
		{"serialization", &pgconn.PgError{Code: codeSerializationFailure}, models.ErrConflict},
		{"deadlock", fmt.Errorf("exec: %w", &pgconn.PgError{Code: codeDeadlockDetected}), models.ErrConflict},
		{"other pg", &pgconn.PgError{Code: "42P01"}, models.ErrBackendUnavailable},
		{"network", errors.New("connection refused"), models.ErrBackendUnavailable},
		{"typed passthrough", models.Errorf(models.KindValidation, "x", "bad"), models.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, pgError("op", tt.err), tt.want)
		})
	}
	assert.NoError(t, pgError("op", nil))
	assert.NotErrorIs(t, pgError("op", context.Canceled), models.ErrBackendUnavailable)
}

func TestMigrationsEmbedded(t *testing.T) {
	names, err := database.Migrations()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "migrations/0001_init.sql", names[0])
}

// TestPostgresConformance runs the storage contract against a live database.
// Set TIACE_TEST_PG_HOST to enable it.
func TestPostgresConformance(t *testing.T) {
	host := os.Getenv("TIACE_TEST_PG_HOST")
	if host == "" {
		t.Skip("TIACE_TEST_PG_HOST not set")
	}
	port, _ := strconv.Atoi(envOr("TIACE_TEST_PG_PORT", "5432"))
	cfg := config.DatabaseConfig{
		Host:            host,
		Port:            port,
		User:            envOr("TIACE_TEST_PG_USER", "postgres"),
		Password:        envOr("TIACE_TEST_PG_PASSWORD", "postgres"),
		DBName:          envOr("TIACE_TEST_PG_DB", "tiace_test"),
		SSLMode:         "disable",
		Schema:          "public",
		MaxOpenConns:    4,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Minute,
	}

	ctx := context.Background()
	storagetest.Run(t, func(t *testing.T) storage.Store {
		db, err := database.NewPostgres(ctx, cfg, logger.Nop())
		require.NoError(t, err)
		require.NoError(t, db.Migrate(ctx))
		_, err = db.Pool().Exec(ctx,
			`TRUNCATE indicators, enrichments, edges, threat_actors, campaigns, audit_log, sync_jobs`)
		require.NoError(t, err)

		s := NewStore(db, 16, logger.Nop())
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
