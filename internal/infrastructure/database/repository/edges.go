package repository

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"tiace/internal/domain/models"
	"tiace/internal/storage"
)

const edgeColumns = `id, source_id, source_kind, target_id, target_kind, type, confidence, rule_id, feeds, created_at`

// StoreEdges upserts edges by (source, target). Indicator endpoints must exist.
func (s *Store) StoreEdges(ctx context.Context, t models.TenantContext, edges []models.Relationship) error {
	const op = "store_edges"
	if err := storage.CheckBatch(s, len(edges)); err != nil {
		return err
	}
	if err := storage.Begin(ctx, t, op); err != nil {
		return err
	}

	endpoints := make(map[uuid.UUID]struct{})
	for i := range edges {
		if err := edges[i].Validate(); err != nil {
			return err
		}
		for _, end := range []models.EntityRef{edges[i].Source, edges[i].Target} {
			if end.Kind == models.EntityIndicator {
				endpoints[end.ID] = struct{}{}
			}
		}
	}
	if len(edges) == 0 {
		return nil
	}

	ids := make([]uuid.UUID, 0, len(endpoints))
	for id := range endpoints {
		ids = append(ids, id)
	}

	now := nowUTC()
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if len(ids) > 0 {
			var found int
			if err := tx.QueryRow(ctx,
				`SELECT COUNT(*) FROM indicators WHERE tenant_id = $1 AND id = ANY($2::uuid[])`,
				t.TenantID, uuidsToStrings(ids),
			).Scan(&found); err != nil {
				return err
			}
			if found != len(ids) {
				return models.Errorf(models.KindNotFound, op, "%d of %d indicator endpoints missing", len(ids)-found, len(ids))
			}
		}

		batch := &pgx.Batch{}
		for _, e := range edges {
			if e.ID == uuid.Nil {
				e.ID = uuid.New()
			}
			if e.CreatedAt.IsZero() {
				e.CreatedAt = now
			}
			batch.Queue(`
				INSERT INTO edges (tenant_id, `+edgeColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
				ON CONFLICT (tenant_id, source_id, target_id) DO UPDATE SET
					id          = EXCLUDED.id,
					source_kind = EXCLUDED.source_kind,
					target_kind = EXCLUDED.target_kind,
					type        = EXCLUDED.type,
					confidence  = EXCLUDED.confidence,
					rule_id     = EXCLUDED.rule_id,
					feeds       = EXCLUDED.feeds,
					created_at  = EXCLUDED.created_at`,
				t.TenantID, e.ID,
				e.Source.ID, string(e.Source.Kind),
				e.Target.ID, string(e.Target.Kind),
				string(e.Type), e.Confidence, e.RuleID, nonNil(e.Feeds), e.CreatedAt,
			)
		}
		results := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := results.Exec(); err != nil {
				results.Close()
				return err
			}
		}
		return results.Close()
	})
	return pgError(op, err)
}

// EdgesOf returns every edge touching id
func (s *Store) EdgesOf(ctx context.Context, t models.TenantContext, id uuid.UUID) ([]models.Relationship, error) {
	const op = "edges_of"
	if err := storage.Begin(ctx, t, op); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+edgeColumns+` FROM edges
		WHERE tenant_id = $1 AND (source_id = $2 OR target_id = $2)`,
		t.TenantID, id)
	if err != nil {
		return nil, pgError(op, err)
	}
	return collectEdges(op, t.TenantID, rows)
}

// DeleteEdgesOf removes and returns every edge touching id
func (s *Store) DeleteEdgesOf(ctx context.Context, t models.TenantContext, id uuid.UUID) ([]models.Relationship, error) {
	const op = "delete_edges_of"
	if err := storage.Begin(ctx, t, op); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		DELETE FROM edges
		WHERE tenant_id = $1 AND (source_id = $2 OR target_id = $2)
		RETURNING `+edgeColumns,
		t.TenantID, id)
	if err != nil {
		return nil, pgError(op, err)
	}
	return collectEdges(op, t.TenantID, rows)
}

// ListEdges returns every edge of the tenant
func (s *Store) ListEdges(ctx context.Context, t models.TenantContext) ([]models.Relationship, error) {
	const op = "list_edges"
	if err := storage.Begin(ctx, t, op); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `SELECT `+edgeColumns+` FROM edges WHERE tenant_id = $1`, t.TenantID)
	if err != nil {
		return nil, pgError(op, err)
	}
	return collectEdges(op, t.TenantID, rows)
}

// collectEdges scans and closes rows, returning edges in (source, target, type) order
func collectEdges(op, tenantID string, rows pgx.Rows) ([]models.Relationship, error) {
	defer rows.Close()

	var out []models.Relationship
	for rows.Next() {
		var (
			e                     models.Relationship
			srcKind, dstKind, typ string
		)
		if err := rows.Scan(
			&e.ID, &e.Source.ID, &srcKind, &e.Target.ID, &dstKind,
			&typ, &e.Confidence, &e.RuleID, &e.Feeds, &e.CreatedAt,
		); err != nil {
			return nil, pgError(op, err)
		}
		e.TenantID = tenantID
		e.Source.Kind = models.EntityKind(srcKind)
		e.Target.Kind = models.EntityKind(dstKind)
		e.Type = models.EdgeType(typ)
		e.CreatedAt = e.CreatedAt.UTC()
		if len(e.Feeds) == 0 {
			e.Feeds = nil
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, pgError(op, err)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Source.ID != b.Source.ID {
			return a.Source.ID.String() < b.Source.ID.String()
		}
		if a.Target.ID != b.Target.ID {
			return a.Target.ID.String() < b.Target.ID.String()
		}
		return a.Type < b.Type
	})
	return out, nil
}

// StoreEnrichment upserts the enrichment of an existing indicator
func (s *Store) StoreEnrichment(ctx context.Context, t models.TenantContext, e *models.Enrichment) error {
	const op = "store_enrichment"
	if err := storage.Begin(ctx, t, op); err != nil {
		return err
	}
	doc, err := json.Marshal(e)
	if err != nil {
		return models.NewError(models.KindSerialization, op, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO enrichments (tenant_id, indicator_id, doc, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (tenant_id, indicator_id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = NOW()`,
		t.TenantID, e.IndicatorID, doc)
	return pgError(op, err)
}

// GetEnrichment returns the enrichment of an indicator
func (s *Store) GetEnrichment(ctx context.Context, t models.TenantContext, indicatorID uuid.UUID) (*models.Enrichment, error) {
	const op = "get_enrichment"
	if err := storage.Begin(ctx, t, op); err != nil {
		return nil, err
	}
	var doc []byte
	if err := s.pool.QueryRow(ctx,
		`SELECT doc FROM enrichments WHERE tenant_id = $1 AND indicator_id = $2`,
		t.TenantID, indicatorID,
	).Scan(&doc); err != nil {
		return nil, pgError(op, err)
	}
	var e models.Enrichment
	if err := json.Unmarshal(doc, &e); err != nil {
		return nil, models.NewError(models.KindStorageCorrupted, op, err)
	}
	e.TenantID = t.TenantID
	return &e, nil
}

// DeleteEnrichment removes the enrichment of an indicator
func (s *Store) DeleteEnrichment(ctx context.Context, t models.TenantContext, indicatorID uuid.UUID) error {
	const op = "delete_enrichment"
	if err := storage.Begin(ctx, t, op); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM enrichments WHERE tenant_id = $1 AND indicator_id = $2`,
		t.TenantID, indicatorID)
	if err != nil {
		return pgError(op, err)
	}
	if tag.RowsAffected() == 0 {
		return models.Errorf(models.KindNotFound, op, "indicator %s", indicatorID)
	}
	return nil
}
