package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/product-video-matcher/internal/domain"
)

// JobRepo persists and loads jobs from PostgreSQL using a minimal pgx pool.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

// Create inserts a new job row.
func (r *JobRepo) Create(ctx domain.Context, j *domain.Job) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	queries, err := json.Marshal(j.Queries)
	if err != nil {
		return fmt.Errorf("op=job.create: marshal queries: %w", err)
	}
	now := time.Now().UTC()
	if j.StartedAt.IsZero() {
		j.StartedAt = now
	}
	j.UpdatedAt = now
	q := `INSERT INTO jobs (id, phase, industry, top_amz, top_ebay, queries, platforms, recency_days, has_products, has_videos, started_at, updated_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	_, err = r.Pool.Exec(ctx, q, j.ID, j.Phase, j.Industry, j.TopAmz, j.TopEbay, queries, j.Platforms, j.RecencyDays, j.HasProducts, j.HasVideos, j.StartedAt, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("op=job.create: %w", err)
	}
	return nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	q := `SELECT id, phase, industry, top_amz, top_ebay, queries, platforms, recency_days, has_products, has_videos,
	failure_reason, started_at, updated_at, cancelled_at, cancellation_reason, cancellation_notes
	FROM jobs WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	var j domain.Job
	var queries []byte
	if err := row.Scan(&j.ID, &j.Phase, &j.Industry, &j.TopAmz, &j.TopEbay, &queries, &j.Platforms, &j.RecencyDays,
		&j.HasProducts, &j.HasVideos, &j.FailureReason, &j.StartedAt, &j.UpdatedAt, &j.CancelledAt,
		&j.CancellationReason, &j.CancellationNotes); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	if len(queries) > 0 {
		if err := json.Unmarshal(queries, &j.Queries); err != nil {
			return domain.Job{}, fmt.Errorf("op=job.get: unmarshal queries: %w", err)
		}
	}
	return j, nil
}

// AdvancePhase moves the phase from->to only when it still equals from.
func (r *JobRepo) AdvancePhase(ctx domain.Context, id string, from, to domain.JobPhase) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.AdvancePhase")
	defer span.End()
	q := `UPDATE jobs SET phase=$3, updated_at=$4 WHERE id=$1 AND phase=$2`
	tag, err := r.Pool.Exec(ctx, q, id, from, to, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("op=job.advance_phase: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkFailed sets the terminal failed phase with a reason. Terminal phases
// are never overwritten.
func (r *JobRepo) MarkFailed(ctx domain.Context, id, reason string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkFailed")
	defer span.End()
	q := `UPDATE jobs SET phase=$2, failure_reason=$3, updated_at=$4
	WHERE id=$1 AND phase NOT IN ('completed','failed','cancelled')`
	_, err := r.Pool.Exec(ctx, q, id, domain.PhaseFailed, reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=job.mark_failed: %w", err)
	}
	return nil
}

// MarkCancelled sets the cancelled phase and metadata. Idempotent: calling
// it on an already cancelled or completed job leaves the row unchanged.
func (r *JobRepo) MarkCancelled(ctx domain.Context, id, reason, notes string, at time.Time) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkCancelled")
	defer span.End()
	q := `UPDATE jobs SET phase=$2, cancelled_at=$3, cancellation_reason=$4, cancellation_notes=$5, updated_at=$6
	WHERE id=$1 AND phase NOT IN ('completed','failed','cancelled')`
	_, err := r.Pool.Exec(ctx, q, id, domain.PhaseCancelled, at.UTC(), reason, notes, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=job.mark_cancelled: %w", err)
	}
	return nil
}

// Counts reports per-job asset totals for status responses.
func (r *JobRepo) Counts(ctx domain.Context, id string) (domain.JobCounts, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Counts")
	defer span.End()
	q := `SELECT
	(SELECT COUNT(*) FROM products WHERE job_id=$1),
	(SELECT COUNT(*) FROM videos WHERE job_id=$1),
	(SELECT COUNT(*) FROM product_images WHERE job_id=$1),
	(SELECT COUNT(*) FROM video_frames WHERE job_id=$1)`
	row := r.Pool.QueryRow(ctx, q, id)
	var c domain.JobCounts
	if err := row.Scan(&c.Products, &c.Videos, &c.Images, &c.Frames); err != nil {
		return domain.JobCounts{}, fmt.Errorf("op=job.counts: %w", err)
	}
	return c, nil
}
