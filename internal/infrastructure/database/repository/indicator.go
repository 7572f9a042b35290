package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"tiace/internal/domain/models"
	"tiace/internal/storage"
)

const indicatorColumns = `id, last_seen, doc, created_at, updated_at`

// indicatorArgs returns the column values of ind in insert order
func indicatorArgs(tenantID string, ind *models.Indicator) ([]any, error) {
	doc, err := json.Marshal(ind)
	if err != nil {
		return nil, models.NewError(models.KindSerialization, "encode_indicator", err)
	}
	fp := ind.Fingerprint()
	return []any{
		tenantID, ind.ID, fp[:], string(ind.Kind), ind.Value,
		ind.Confidence, string(ind.Severity), ind.Scoring.Threat,
		ind.FirstSeen, ind.LastSeen, nonNil(ind.SourceFeeds), nonNil(ind.Tags),
		ind.Description, doc,
	}, nil
}

const insertIndicator = `
	INSERT INTO indicators (
		tenant_id, id, fingerprint, kind, value,
		confidence, severity, threat,
		first_seen, last_seen, source_feeds, tags,
		description, doc, created_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), NOW())`

// upsertIndicator replaces by id but keeps created_at and never moves
// last_seen backwards
const upsertIndicator = insertIndicator + `
	ON CONFLICT (tenant_id, id) DO UPDATE SET
		fingerprint  = EXCLUDED.fingerprint,
		kind         = EXCLUDED.kind,
		value        = EXCLUDED.value,
		confidence   = EXCLUDED.confidence,
		severity     = EXCLUDED.severity,
		threat       = EXCLUDED.threat,
		first_seen   = EXCLUDED.first_seen,
		last_seen    = GREATEST(indicators.last_seen, EXCLUDED.last_seen),
		source_feeds = EXCLUDED.source_feeds,
		tags         = EXCLUDED.tags,
		description  = EXCLUDED.description,
		doc          = EXCLUDED.doc,
		updated_at   = NOW()`

// StoreIndicator inserts a new indicator
func (s *Store) StoreIndicator(ctx context.Context, t models.TenantContext, ind *models.Indicator) error {
	const op = "store_indicator"
	if err := storage.Begin(ctx, t, op); err != nil {
		return err
	}
	args, err := indicatorArgs(t.TenantID, ind)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, insertIndicator, args...); err != nil {
		return pgError(op, err)
	}
	return nil
}

// GetIndicator returns one indicator
func (s *Store) GetIndicator(ctx context.Context, t models.TenantContext, id uuid.UUID) (*models.Indicator, error) {
	const op = "get_indicator"
	if err := storage.Begin(ctx, t, op); err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+indicatorColumns+` FROM indicators WHERE tenant_id = $1 AND id = $2`,
		t.TenantID, id)
	ind, err := scanIndicator(row, t.TenantID)
	if err != nil {
		return nil, pgError(op, err)
	}
	return ind, nil
}

// UpdateIndicator replaces an existing indicator
func (s *Store) UpdateIndicator(ctx context.Context, t models.TenantContext, ind *models.Indicator) error {
	const op = "update_indicator"
	if err := storage.Begin(ctx, t, op); err != nil {
		return err
	}
	args, err := indicatorArgs(t.TenantID, ind)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE indicators SET
			fingerprint = $3, kind = $4, value = $5,
			confidence = $6, severity = $7, threat = $8,
			first_seen = $9, last_seen = GREATEST(last_seen, $10),
			source_feeds = $11, tags = $12, description = $13, doc = $14,
			updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2`, args...)
	if err != nil {
		return pgError(op, err)
	}
	if tag.RowsAffected() == 0 {
		return models.Errorf(models.KindNotFound, op, "indicator %s", ind.ID)
	}
	return nil
}

// DeleteIndicator removes the indicator, its enrichment and its edges
func (s *Store) DeleteIndicator(ctx context.Context, t models.TenantContext, id uuid.UUID) error {
	const op = "delete_indicator"
	if err := storage.Begin(ctx, t, op); err != nil {
		return err
	}
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM edges WHERE tenant_id = $1 AND (source_id = $2 OR target_id = $2)`,
			t.TenantID, id); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM indicators WHERE tenant_id = $1 AND id = $2`, t.TenantID, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return models.Errorf(models.KindNotFound, op, "indicator %s", id)
		}
		return nil
	})
	return pgError(op, err)
}

// BulkStore upserts the batch in one transaction
func (s *Store) BulkStore(ctx context.Context, t models.TenantContext, inds []*models.Indicator) error {
	const op = "bulk_store"
	if err := storage.CheckBatch(s, len(inds)); err != nil {
		return err
	}
	if err := storage.Begin(ctx, t, op); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	claimed := make(map[models.Fingerprint]uuid.UUID, len(inds))
	for _, ind := range inds {
		if ind == nil || ind.ID == uuid.Nil {
			return models.Errorf(models.KindValidation, op, "indicator without id")
		}
		fp := ind.Fingerprint()
		if owner, ok := claimed[fp]; ok && owner != ind.ID {
			return models.Errorf(models.KindConflict, op, "fingerprint %s appears twice in batch", fp)
		}
		claimed[fp] = ind.ID
		args, err := indicatorArgs(t.TenantID, ind)
		if err != nil {
			return err
		}
		batch.Queue(upsertIndicator, args...)
	}
	if batch.Len() == 0 {
		return nil
	}

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
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

// searchWhere mirrors storage.IndicatorQuery.Matches in SQL
func searchWhere(tenantID string, q storage.IndicatorQuery) *where {
	w := &where{}
	w.add("tenant_id = %s", tenantID)
	if len(q.Kinds) > 0 {
		w.add("kind = ANY(%s)", stringsOf(q.Kinds))
	}
	if len(q.Severities) > 0 {
		w.add("severity = ANY(%s)", stringsOf(q.Severities))
	}
	if q.MinConfidence > 0 {
		w.add("confidence >= %s", q.MinConfidence)
	}
	if q.Since != nil {
		w.add("last_seen >= %s", *q.Since)
	}
	if q.Until != nil {
		w.add("first_seen <= %s", *q.Until)
	}
	if len(q.Tags) > 0 {
		w.add("tags @> %s", q.Tags)
	}
	if len(q.FeedIDs) > 0 {
		w.add("source_feeds && %s", q.FeedIDs)
	}
	if len(q.IDs) > 0 {
		w.add("id = ANY(%s::uuid[])", uuidsToStrings(q.IDs))
	}
	if q.Text != "" {
		text := strings.ToLower(q.Text)
		w.add("(strpos(value, %s) > 0 OR strpos(lower(description), %s) > 0 OR %s = ANY(tags))", text, text, text)
	}
	return w
}

// SearchIndicators returns matches in ranking order
func (s *Store) SearchIndicators(ctx context.Context, t models.TenantContext, q storage.IndicatorQuery) ([]*models.Indicator, error) {
	const op = "search_indicators"
	if err := storage.Begin(ctx, t, op); err != nil {
		return nil, err
	}
	w := searchWhere(t.TenantID, q)
	query := fmt.Sprintf(`
		SELECT %s FROM indicators
		WHERE %s
		ORDER BY confidence * threat DESC, last_seen DESC, id ASC`, indicatorColumns, w)
	if q.Limit > 0 {
		query += " LIMIT " + w.next(q.Limit)
	}
	if q.Offset > 0 {
		query += " OFFSET " + w.next(q.Offset)
	}

	rows, err := s.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, pgError(op, err)
	}
	defer rows.Close()

	var out []*models.Indicator
	for rows.Next() {
		ind, err := scanIndicator(rows, t.TenantID)
		if err != nil {
			return nil, pgError(op, err)
		}
		out = append(out, ind)
	}
	return out, pgError(op, rows.Err())
}

// CountIndicators counts matches ignoring pagination
func (s *Store) CountIndicators(ctx context.Context, t models.TenantContext, q storage.IndicatorQuery) (int, error) {
	const op = "count_indicators"
	if err := storage.Begin(ctx, t, op); err != nil {
		return 0, err
	}
	w := searchWhere(t.TenantID, q)
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM indicators WHERE `+w.String(), w.args...).Scan(&n); err != nil {
		return 0, pgError(op, err)
	}
	return n, nil
}

// ListIndicatorIDs returns every id of the tenant, sorted
func (s *Store) ListIndicatorIDs(ctx context.Context, t models.TenantContext) ([]uuid.UUID, error) {
	const op = "list_indicator_ids"
	if err := storage.Begin(ctx, t, op); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `SELECT id FROM indicators WHERE tenant_id = $1 ORDER BY id`, t.TenantID)
	if err != nil {
		return nil, pgError(op, err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, pgError(op, err)
		}
		ids = append(ids, id)
	}
	return ids, pgError(op, rows.Err())
}

// FindByFingerprint looks up the indicator owning fp
func (s *Store) FindByFingerprint(ctx context.Context, t models.TenantContext, fp models.Fingerprint) (*models.Indicator, error) {
	const op = "find_by_fingerprint"
	if err := storage.Begin(ctx, t, op); err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+indicatorColumns+` FROM indicators WHERE tenant_id = $1 AND fingerprint = $2`,
		t.TenantID, fp[:])
	ind, err := scanIndicator(row, t.TenantID)
	if err != nil {
		return nil, pgError(op, err)
	}
	return ind, nil
}

// ScanIndicators streams the tenant's indicators in (kind, value) order
func (s *Store) ScanIndicators(ctx context.Context, t models.TenantContext, fn func(*models.Indicator) error) error {
	const op = "scan_indicators"
	if err := storage.Begin(ctx, t, op); err != nil {
		return err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+indicatorColumns+` FROM indicators WHERE tenant_id = $1 ORDER BY kind, value`,
		t.TenantID)
	if err != nil {
		return pgError(op, err)
	}
	defer rows.Close()

	for rows.Next() {
		ind, err := scanIndicator(rows, t.TenantID)
		if err != nil {
			return pgError(op, err)
		}
		if err := fn(ind); err != nil {
			return err
		}
	}
	return pgError(op, rows.Err())
}

// scanIndicator decodes a row selected with indicatorColumns. The stored
// columns win over the document for fields the database maintains.
func scanIndicator(row pgx.Row, tenantID string) (*models.Indicator, error) {
	var (
		id        uuid.UUID
		lastSeen  time.Time
		doc       []byte
		createdAt pgtype.Timestamptz
		updatedAt pgtype.Timestamptz
	)
	if err := row.Scan(&id, &lastSeen, &doc, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var ind models.Indicator
	if err := json.Unmarshal(doc, &ind); err != nil {
		return nil, models.NewError(models.KindStorageCorrupted, "decode_indicator", err)
	}
	ind.ID = id
	ind.TenantID = tenantID
	ind.LastSeen = lastSeen.UTC()
	ind.CreatedAt = timestamptzToTime(createdAt)
	ind.UpdatedAt = timestamptzToTime(updatedAt)
	return &ind, nil
}
