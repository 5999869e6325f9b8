package postgres

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/product-video-matcher/internal/domain"
)

// CleanupRepo deletes every persisted trace of a job. It backs both the
// DELETE endpoint and the retention sweep.
type CleanupRepo struct{ Pool PgxPool }

// NewCleanupRepo constructs a CleanupRepo with the given pool.
func NewCleanupRepo(p PgxPool) *CleanupRepo { return &CleanupRepo{Pool: p} }

// purgeOrder deletes children before parents. The schema carries no foreign
// keys, but keeping the order makes a partially applied purge restartable.
var purgeOrder = []string{
	"matches",
	"video_frames",
	"product_images",
	"videos",
	"products",
	"job_progress",
	"phase_events",
	"processed_events",
	"jobs",
}

// PurgeJob removes the job and all dependent rows in one transaction.
func (r *CleanupRepo) PurgeJob(ctx domain.Context, jobID string) error {
	tracer := otel.Tracer("repo.cleanup")
	ctx, span := tracer.Start(ctx, "cleanup.PurgeJob")
	defer span.End()
	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("op=cleanup.purge: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	for _, table := range purgeOrder {
		col := "job_id"
		if table == "jobs" {
			col = "id"
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s=$1`, table, col), jobID); err != nil {
			return fmt.Errorf("op=cleanup.purge: %s: %w", table, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=cleanup.purge: commit: %w", err)
	}
	return nil
}

// ListJobsOlderThan returns terminal jobs whose last update is older than
// the cutoff. Running jobs are never swept.
func (r *CleanupRepo) ListJobsOlderThan(ctx domain.Context, cutoff time.Time) ([]string, error) {
	tracer := otel.Tracer("repo.cleanup")
	ctx, span := tracer.Start(ctx, "cleanup.ListJobsOlderThan")
	defer span.End()
	q := `SELECT id FROM jobs WHERE phase IN ('completed','failed','cancelled') AND updated_at < $1 ORDER BY updated_at`
	rows, err := r.Pool.Query(ctx, q, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("op=cleanup.list_old: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=cleanup.list_old: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=cleanup.list_old: %w", err)
	}
	return ids, nil
}
