package repository

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"tiace/internal/domain/models"
	"tiace/internal/storage"
)

// StoreActor upserts a threat actor
func (s *Store) StoreActor(ctx context.Context, t models.TenantContext, a *models.ThreatActor) error {
	const op = "store_actor"
	if err := storage.Begin(ctx, t, op); err != nil {
		return err
	}
	if a.ID == uuid.Nil {
		return models.Errorf(models.KindValidation, op, "actor without id")
	}
	return s.upsertDoc(ctx, op, "threat_actors", t.TenantID, a.ID, a.Name, a)
}

// GetActor returns one threat actor
func (s *Store) GetActor(ctx context.Context, t models.TenantContext, id uuid.UUID) (*models.ThreatActor, error) {
	const op = "get_actor"
	if err := storage.Begin(ctx, t, op); err != nil {
		return nil, err
	}
	var doc []byte
	if err := s.pool.QueryRow(ctx,
		`SELECT doc FROM threat_actors WHERE tenant_id = $1 AND id = $2`, t.TenantID, id,
	).Scan(&doc); err != nil {
		return nil, pgError(op, err)
	}
	var a models.ThreatActor
	if err := json.Unmarshal(doc, &a); err != nil {
		return nil, models.NewError(models.KindStorageCorrupted, op, err)
	}
	a.TenantID = t.TenantID
	return &a, nil
}

// ListActors returns the tenant's actors ordered by name
func (s *Store) ListActors(ctx context.Context, t models.TenantContext) ([]*models.ThreatActor, error) {
	const op = "list_actors"
	if err := storage.Begin(ctx, t, op); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT doc FROM threat_actors WHERE tenant_id = $1 ORDER BY name, id`, t.TenantID)
	if err != nil {
		return nil, pgError(op, err)
	}
	return collectDocs(op, rows, func(a *models.ThreatActor) { a.TenantID = t.TenantID })
}

// StoreCampaign upserts a campaign
func (s *Store) StoreCampaign(ctx context.Context, t models.TenantContext, c *models.Campaign) error {
	const op = "store_campaign"
	if err := storage.Begin(ctx, t, op); err != nil {
		return err
	}
	if c.ID == uuid.Nil {
		return models.Errorf(models.KindValidation, op, "campaign without id")
	}
	return s.upsertDoc(ctx, op, "campaigns", t.TenantID, c.ID, c.Name, c)
}

// ListCampaigns returns the tenant's campaigns ordered by name
func (s *Store) ListCampaigns(ctx context.Context, t models.TenantContext) ([]*models.Campaign, error) {
	const op = "list_campaigns"
	if err := storage.Begin(ctx, t, op); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT doc FROM campaigns WHERE tenant_id = $1 ORDER BY name, id`, t.TenantID)
	if err != nil {
		return nil, pgError(op, err)
	}
	return collectDocs(op, rows, func(c *models.Campaign) { c.TenantID = t.TenantID })
}

// AppendAudit records data that could not be merged
func (s *Store) AppendAudit(ctx context.Context, t models.TenantContext, e models.AuditEntry) error {
	const op = "append_audit"
	if err := storage.Begin(ctx, t, op); err != nil {
		return err
	}
	if e.At.IsZero() {
		e.At = nowUTC()
	}
	doc, err := json.Marshal(e)
	if err != nil {
		return models.NewError(models.KindSerialization, op, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO audit_log (tenant_id, indicator_id, doc, at) VALUES ($1, $2, $3, $4)`,
		t.TenantID, e.IndicatorID, doc, e.At)
	return pgError(op, err)
}

// AuditOf returns audit entries of an indicator in append order
func (s *Store) AuditOf(ctx context.Context, t models.TenantContext, indicatorID uuid.UUID) ([]models.AuditEntry, error) {
	const op = "audit_of"
	if err := storage.Begin(ctx, t, op); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT doc FROM audit_log WHERE tenant_id = $1 AND indicator_id = $2 ORDER BY seq`,
		t.TenantID, indicatorID)
	if err != nil {
		return nil, pgError(op, err)
	}
	entries, err := collectDocs(op, rows, func(e *models.AuditEntry) { e.TenantID = t.TenantID })
	if err != nil {
		return nil, err
	}
	out := make([]models.AuditEntry, len(entries))
	for i, e := range entries {
		out[i] = *e
	}
	return out, nil
}

func (s *Store) upsertDoc(ctx context.Context, op, table, tenantID string, id uuid.UUID, name string, v any) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return models.NewError(models.KindSerialization, op, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO `+table+` (tenant_id, id, name, doc, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			name       = EXCLUDED.name,
			doc        = EXCLUDED.doc,
			updated_at = NOW()`,
		tenantID, id, name, doc)
	return pgError(op, err)
}

// collectDocs decodes a single JSONB column per row and closes rows
func collectDocs[T any](op string, rows pgx.Rows, fix func(*T)) ([]*T, error) {
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, pgError(op, err)
		}
		v := new(T)
		if err := json.Unmarshal(doc, v); err != nil {
			return nil, models.NewError(models.KindStorageCorrupted, op, err)
		}
		fix(v)
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, pgError(op, err)
	}
	return out, nil
}
