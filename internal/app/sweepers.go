package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/product-video-matcher/internal/usecase"
)

// WatermarkSweeper periodically forces partial completions for stages whose
// watermark passed without reaching the completion threshold. It runs inside
// the API binary so there is exactly one sweeper per deployment.
type WatermarkSweeper struct {
	tracker  usecase.Tracker
	interval time.Duration
}

func NewWatermarkSweeper(tracker usecase.Tracker, interval time.Duration) *WatermarkSweeper {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &WatermarkSweeper{tracker: tracker, interval: interval}
}

func (s *WatermarkSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("watermark sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *WatermarkSweeper) sweepOnce(ctx context.Context) {
	ctx, span := otel.Tracer("app.sweeper").Start(ctx, "WatermarkSweeper.sweepOnce")
	defer span.End()

	n, err := s.tracker.ForceExpired(ctx, time.Now().UTC())
	if err != nil {
		span.RecordError(err)
		slog.Error("watermark sweep failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int("progress.forced_completions", n))
	if n > 0 {
		slog.Info("watermark sweep forced partial completions", slog.Int("count", n))
	}
}

// RetentionSweeper deletes terminal jobs older than the retention window,
// including their blobs and vector points.
type RetentionSweeper struct {
	jobs      usecase.JobService
	retention time.Duration
	interval  time.Duration
}

func NewRetentionSweeper(jobs usecase.JobService, retentionDays int, interval time.Duration) *RetentionSweeper {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &RetentionSweeper{
		jobs:      jobs,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		interval:  interval,
	}
}

func (s *RetentionSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("retention sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *RetentionSweeper) sweepOnce(ctx context.Context) {
	ctx, span := otel.Tracer("app.sweeper").Start(ctx, "RetentionSweeper.sweepOnce")
	defer span.End()

	cutoff := time.Now().UTC().Add(-s.retention)
	span.SetAttributes(attribute.String("jobs.cutoff", cutoff.Format(time.RFC3339)))
	n, err := s.jobs.PurgeExpired(ctx, cutoff)
	if err != nil {
		span.RecordError(err)
		slog.Error("retention sweep failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int("jobs.purged", n))
	if n > 0 {
		slog.Info("retention sweep purged jobs", slog.Int("count", n))
	}
}
