package postgres

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/product-video-matcher/internal/domain"
)

// PhaseEventRepo records job-level completion receipts. The primary key on
// (job_id, name) is the last line of defense against duplicate transitions.
type PhaseEventRepo struct{ Pool PgxPool }

// NewPhaseEventRepo constructs a PhaseEventRepo with the given pool.
func NewPhaseEventRepo(p PgxPool) *PhaseEventRepo { return &PhaseEventRepo{Pool: p} }

// Record inserts the receipt; replays for the same (job, name) return false.
func (r *PhaseEventRepo) Record(ctx domain.Context, jobID, name, eventID string) (bool, error) {
	tracer := otel.Tracer("repo.phase_events")
	ctx, span := tracer.Start(ctx, "phase_events.Record")
	defer span.End()
	q := `INSERT INTO phase_events (job_id, name, event_id, received_at) VALUES ($1,$2,$3,$4)
	ON CONFLICT (job_id, name) DO NOTHING`
	tag, err := r.Pool.Exec(ctx, q, jobID, name, eventID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("op=phase_event.record: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Names returns the set of completion names received for a job.
func (r *PhaseEventRepo) Names(ctx domain.Context, jobID string) (map[string]bool, error) {
	tracer := otel.Tracer("repo.phase_events")
	ctx, span := tracer.Start(ctx, "phase_events.Names")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT name FROM phase_events WHERE job_id=$1`, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=phase_event.names: %w", err)
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("op=phase_event.names: %w", err)
		}
		out[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=phase_event.names: %w", err)
	}
	return out, nil
}
