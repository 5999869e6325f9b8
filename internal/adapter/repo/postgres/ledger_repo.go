package postgres

import (
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/product-video-matcher/internal/domain"
)

// LedgerRepo is the processed-events dedup table. The primary key spans
// (event_id, consumer) because fan-out topics deliver the same event to
// several independent consumers, each of which must process it once.
type LedgerRepo struct{ Pool PgxPool }

// NewLedgerRepo constructs a LedgerRepo with the given pool.
func NewLedgerRepo(p PgxPool) *LedgerRepo { return &LedgerRepo{Pool: p} }

// MarkProcessed records the event; returns true exactly once per
// (event, consumer).
func (r *LedgerRepo) MarkProcessed(ctx domain.Context, eventID, consumer, jobID string) (bool, error) {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.MarkProcessed")
	defer span.End()
	q := `INSERT INTO processed_events (event_id, consumer, job_id) VALUES ($1,$2,$3)
	ON CONFLICT (event_id, consumer) DO NOTHING`
	tag, err := r.Pool.Exec(ctx, q, eventID, consumer, jobID)
	if err != nil {
		return false, fmt.Errorf("op=ledger.mark_processed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Seen reports whether the event was already processed by the consumer.
func (r *LedgerRepo) Seen(ctx domain.Context, eventID, consumer string) (bool, error) {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.Seen")
	defer span.End()
	q := `SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id=$1 AND consumer=$2)`
	var seen bool
	if err := r.Pool.QueryRow(ctx, q, eventID, consumer).Scan(&seen); err != nil {
		return false, fmt.Errorf("op=ledger.seen: %w", err)
	}
	return seen, nil
}
