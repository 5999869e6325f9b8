package postgres

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/product-video-matcher/internal/domain"
)

// ProgressRepo maintains the per-(job, stage) counters behind completion
// decisions. Every Apply method commits the idempotency ledger insert and
// the counter mutation in one transaction; the upsert takes a row lock, so
// concurrent deliveries for the same stage serialize.
type ProgressRepo struct{ Pool PgxPool }

// NewProgressRepo constructs a ProgressRepo with the given pool.
func NewProgressRepo(p PgxPool) *ProgressRepo { return &ProgressRepo{Pool: p} }

const progressColumns = `job_id, stage, expected, done, failed, expected_known, completion_emitted, watermark_expires_at, updated_at`

func scanProgress(row pgx.Row) (domain.JobProgress, error) {
	var p domain.JobProgress
	err := row.Scan(&p.JobID, &p.Stage, &p.Expected, &p.Done, &p.Failed,
		&p.ExpectedKnown, &p.CompletionEmitted, &p.WatermarkExpiresAt, &p.UpdatedAt)
	return p, err
}

// ApplyTotal sets the batch total and arms the watermark. A later total for
// the same stage overwrites the earlier one, unless the completion was
// already emitted, in which case the row is left untouched.
func (r *ProgressRepo) ApplyTotal(ctx domain.Context, eventID, consumer, jobID string, stage domain.Stage, total int, watermarkAt time.Time) (domain.JobProgress, bool, error) {
	tracer := otel.Tracer("repo.progress")
	ctx, span := tracer.Start(ctx, "progress.ApplyTotal")
	defer span.End()
	q := `INSERT INTO job_progress AS jp (job_id, stage, expected, expected_known, watermark_expires_at, updated_at)
	VALUES ($1,$2,$3,TRUE,$4,now())
	ON CONFLICT (job_id, stage) DO UPDATE
	SET expected=EXCLUDED.expected, expected_known=TRUE, watermark_expires_at=EXCLUDED.watermark_expires_at, updated_at=now()
	WHERE jp.completion_emitted = FALSE
	RETURNING ` + progressColumns
	return r.apply(ctx, "progress.apply_total", eventID, consumer, jobID, stage, q, jobID, stage, total, watermarkAt.UTC())
}

// ApplyDone adds n processed assets.
func (r *ProgressRepo) ApplyDone(ctx domain.Context, eventID, consumer, jobID string, stage domain.Stage, n int) (domain.JobProgress, bool, error) {
	tracer := otel.Tracer("repo.progress")
	ctx, span := tracer.Start(ctx, "progress.ApplyDone")
	defer span.End()
	q := `INSERT INTO job_progress AS jp (job_id, stage, done, updated_at)
	VALUES ($1,$2,$3,now())
	ON CONFLICT (job_id, stage) DO UPDATE
	SET done = jp.done + EXCLUDED.done, updated_at=now()
	RETURNING ` + progressColumns
	return r.apply(ctx, "progress.apply_done", eventID, consumer, jobID, stage, q, jobID, stage, n)
}

// ApplyFailed adds n permanently failed assets.
func (r *ProgressRepo) ApplyFailed(ctx domain.Context, eventID, consumer, jobID string, stage domain.Stage, n int) (domain.JobProgress, bool, error) {
	tracer := otel.Tracer("repo.progress")
	ctx, span := tracer.Start(ctx, "progress.ApplyFailed")
	defer span.End()
	q := `INSERT INTO job_progress AS jp (job_id, stage, failed, updated_at)
	VALUES ($1,$2,$3,now())
	ON CONFLICT (job_id, stage) DO UPDATE
	SET failed = jp.failed + EXCLUDED.failed, updated_at=now()
	RETURNING ` + progressColumns
	return r.apply(ctx, "progress.apply_failed", eventID, consumer, jobID, stage, q, jobID, stage, n)
}

func (r *ProgressRepo) apply(ctx domain.Context, op, eventID, consumer, jobID string, stage domain.Stage, mutation string, args ...any) (domain.JobProgress, bool, error) {
	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return domain.JobProgress{}, false, fmt.Errorf("op=%s: begin: %w", op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `INSERT INTO processed_events (event_id, consumer, job_id) VALUES ($1,$2,$3)
	ON CONFLICT (event_id, consumer) DO NOTHING`, eventID, consumer, jobID)
	if err != nil {
		return domain.JobProgress{}, false, fmt.Errorf("op=%s: ledger: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		// Duplicate delivery: counters stay as they are.
		p, err := r.Get(ctx, jobID, stage)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return domain.JobProgress{}, false, err
		}
		return p, false, nil
	}

	p, err := scanProgress(tx.QueryRow(ctx, mutation, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		// The guarded upsert declined (completion already emitted). The
		// ledger insert still commits so the event stays consumed.
		slog.Warn("late batch total ignored, completion already emitted",
			slog.String("job_id", jobID),
			slog.String("stage", string(stage)),
			slog.String("event_id", eventID))
		p, err = scanProgress(tx.QueryRow(ctx, `SELECT `+progressColumns+` FROM job_progress WHERE job_id=$1 AND stage=$2`, jobID, stage))
	}
	if err != nil {
		return domain.JobProgress{}, false, fmt.Errorf("op=%s: %w", op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.JobProgress{}, false, fmt.Errorf("op=%s: commit: %w", op, err)
	}
	return p, true, nil
}

// MarkEmitted flips completion_emitted exactly once; the caller that gets
// true owns the single completion publish for this (job, stage).
func (r *ProgressRepo) MarkEmitted(ctx domain.Context, jobID string, stage domain.Stage) (bool, error) {
	tracer := otel.Tracer("repo.progress")
	ctx, span := tracer.Start(ctx, "progress.MarkEmitted")
	defer span.End()
	q := `UPDATE job_progress SET completion_emitted=TRUE, updated_at=now()
	WHERE job_id=$1 AND stage=$2 AND completion_emitted=FALSE`
	tag, err := r.Pool.Exec(ctx, q, jobID, stage)
	if err != nil {
		return false, fmt.Errorf("op=progress.mark_emitted: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Get loads one progress row.
func (r *ProgressRepo) Get(ctx domain.Context, jobID string, stage domain.Stage) (domain.JobProgress, error) {
	tracer := otel.Tracer("repo.progress")
	ctx, span := tracer.Start(ctx, "progress.Get")
	defer span.End()
	p, err := scanProgress(r.Pool.QueryRow(ctx, `SELECT `+progressColumns+` FROM job_progress WHERE job_id=$1 AND stage=$2`, jobID, stage))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.JobProgress{}, fmt.Errorf("op=progress.get: %w", domain.ErrNotFound)
		}
		return domain.JobProgress{}, fmt.Errorf("op=progress.get: %w", err)
	}
	return p, nil
}

// ListExpiredWatermarks returns stages whose watermark passed without a
// completion, for the sweeper to force partial completions.
func (r *ProgressRepo) ListExpiredWatermarks(ctx domain.Context, now time.Time) ([]domain.JobProgress, error) {
	tracer := otel.Tracer("repo.progress")
	ctx, span := tracer.Start(ctx, "progress.ListExpiredWatermarks")
	defer span.End()
	q := `SELECT ` + progressColumns + ` FROM job_progress
	WHERE completion_emitted = FALSE AND watermark_expires_at IS NOT NULL AND watermark_expires_at <= $1`
	rows, err := r.Pool.Query(ctx, q, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("op=progress.list_expired: %w", err)
	}
	defer rows.Close()
	var out []domain.JobProgress
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			return nil, fmt.Errorf("op=progress.list_expired: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=progress.list_expired: %w", err)
	}
	return out, nil
}
