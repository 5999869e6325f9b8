package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/product-video-matcher/internal/domain"
)

// MatchRepo persists accepted matches, one row per (job, product, video).
type MatchRepo struct{ Pool PgxPool }

// NewMatchRepo constructs a MatchRepo with the given pool.
func NewMatchRepo(p PgxPool) *MatchRepo { return &MatchRepo{Pool: p} }

// Upsert inserts the match or refreshes the existing (job, product, video)
// row in place. A matcher re-run therefore never duplicates matches. The
// stored row keeps its original id; m.ID is updated to it.
func (r *MatchRepo) Upsert(ctx domain.Context, m *domain.Match) error {
	tracer := otel.Tracer("repo.matches")
	ctx, span := tracer.Start(ctx, "matches.Upsert")
	defer span.End()
	q := `INSERT INTO matches (id, job_id, product_id, video_id, score, best_img_id, best_frame_id, best_score, deep_score, kp_score, ts, created_at, updated_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,now(),now())
	ON CONFLICT (job_id, product_id, video_id) DO UPDATE
	SET score=EXCLUDED.score, best_img_id=EXCLUDED.best_img_id, best_frame_id=EXCLUDED.best_frame_id,
	best_score=EXCLUDED.best_score, deep_score=EXCLUDED.deep_score, kp_score=EXCLUDED.kp_score,
	ts=EXCLUDED.ts, updated_at=now()
	RETURNING id`
	ev := m.Evidence
	if err := r.Pool.QueryRow(ctx, q, m.ID, m.JobID, m.ProductID, m.VideoID, m.Score,
		ev.BestImgID, ev.BestFrameID, ev.BestScore, ev.DeepScore, ev.KpScore, ev.TsSec).Scan(&m.ID); err != nil {
		return fmt.Errorf("op=match.upsert: %w", err)
	}
	return nil
}

// SetEvidencePath records the rendered evidence artifact for a match.
func (r *MatchRepo) SetEvidencePath(ctx domain.Context, matchID, evidencePath string) error {
	tracer := otel.Tracer("repo.matches")
	ctx, span := tracer.Start(ctx, "matches.SetEvidencePath")
	defer span.End()
	q := `UPDATE matches SET evidence_path=$2, updated_at=now() WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, matchID, evidencePath)
	if err != nil {
		return fmt.Errorf("op=match.set_evidence: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=match.set_evidence: %w", domain.ErrNotFound)
	}
	return nil
}

const matchColumns = `id, job_id, product_id, video_id, score, best_img_id, best_frame_id, best_score, deep_score, kp_score, ts, evidence_path, created_at, updated_at`

func scanMatch(row pgx.Row) (domain.Match, error) {
	var m domain.Match
	err := row.Scan(&m.ID, &m.JobID, &m.ProductID, &m.VideoID, &m.Score,
		&m.Evidence.BestImgID, &m.Evidence.BestFrameID, &m.Evidence.BestScore,
		&m.Evidence.DeepScore, &m.Evidence.KpScore, &m.Evidence.TsSec,
		&m.EvidencePath, &m.CreatedAt, &m.UpdatedAt)
	return m, err
}

// Get loads one match by id.
func (r *MatchRepo) Get(ctx domain.Context, matchID string) (domain.Match, error) {
	tracer := otel.Tracer("repo.matches")
	ctx, span := tracer.Start(ctx, "matches.Get")
	defer span.End()
	m, err := scanMatch(r.Pool.QueryRow(ctx, `SELECT `+matchColumns+` FROM matches WHERE id=$1`, matchID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Match{}, fmt.Errorf("op=match.get: %w", domain.ErrNotFound)
		}
		return domain.Match{}, fmt.Errorf("op=match.get: %w", err)
	}
	return m, nil
}

// ListByJob returns a job's matches ordered by score descending, id
// ascending on ties.
func (r *MatchRepo) ListByJob(ctx domain.Context, jobID string) ([]domain.Match, error) {
	tracer := otel.Tracer("repo.matches")
	ctx, span := tracer.Start(ctx, "matches.ListByJob")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT `+matchColumns+` FROM matches WHERE job_id=$1 ORDER BY score DESC, id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=match.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, fmt.Errorf("op=match.list: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=match.list: %w", err)
	}
	return out, nil
}

// CountByJob returns the number of accepted matches for a job.
func (r *MatchRepo) CountByJob(ctx domain.Context, jobID string) (int, error) {
	tracer := otel.Tracer("repo.matches")
	ctx, span := tracer.Start(ctx, "matches.CountByJob")
	defer span.End()
	var n int
	if err := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM matches WHERE job_id=$1`, jobID).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=match.count: %w", err)
	}
	return n, nil
}
