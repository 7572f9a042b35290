package repository

import (
	"context"
	"encoding/json"
	"time"

	"tiace/internal/domain/models"
	"tiace/internal/storage"
)

// RecordSyncJob inserts a job or replaces a non-terminal one. Terminal jobs
// are immutable.
func (s *Store) RecordSyncJob(ctx context.Context, t models.TenantContext, job *models.SyncJob) error {
	const op = "record_sync_job"
	if err := storage.Begin(ctx, t, op); err != nil {
		return err
	}
	c := *job
	c.TenantID = t.TenantID
	doc, err := json.Marshal(&c)
	if err != nil {
		return models.NewError(models.KindSerialization, op, err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO sync_jobs (tenant_id, id, feed_id, status, terminal, started_at, ended_at, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			feed_id    = EXCLUDED.feed_id,
			status     = EXCLUDED.status,
			terminal   = EXCLUDED.terminal,
			started_at = EXCLUDED.started_at,
			ended_at   = EXCLUDED.ended_at,
			doc        = EXCLUDED.doc
		WHERE sync_jobs.terminal = FALSE`,
		t.TenantID, c.ID, c.FeedID, string(c.Status), c.Status.Terminal(),
		c.StartedAt, timeToTimestamptzPtr(c.EndedAt), doc)
	if err != nil {
		return pgError(op, err)
	}
	if tag.RowsAffected() == 0 {
		return models.Errorf(models.KindConflict, op, "job %s is terminal", c.ID)
	}
	return nil
}

// ListSyncJobs returns jobs most recent first; limit <= 0 lists all
func (s *Store) ListSyncJobs(ctx context.Context, t models.TenantContext, feedID string, limit int) ([]*models.SyncJob, error) {
	const op = "list_sync_jobs"
	if err := storage.Begin(ctx, t, op); err != nil {
		return nil, err
	}
	w := &where{}
	w.add("tenant_id = %s", t.TenantID)
	if feedID != "" {
		w.add("feed_id = %s", feedID)
	}
	query := `SELECT doc FROM sync_jobs WHERE ` + w.String() + ` ORDER BY seq DESC`
	if limit > 0 {
		query += ` LIMIT ` + w.next(limit)
	}
	rows, err := s.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, pgError(op, err)
	}
	return collectDocs(op, rows, func(j *models.SyncJob) { j.TenantID = t.TenantID })
}

// PruneSyncJobs deletes terminal jobs that ended before the cutoff
func (s *Store) PruneSyncJobs(ctx context.Context, t models.TenantContext, before time.Time) (int, error) {
	const op = "prune_sync_jobs"
	if err := storage.Begin(ctx, t, op); err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM sync_jobs
		WHERE tenant_id = $1 AND terminal AND ended_at IS NOT NULL AND ended_at < $2`,
		t.TenantID, before)
	if err != nil {
		return 0, pgError(op, err)
	}
	return int(tag.RowsAffected()), nil
}
