// Package usecase contains the orchestration services: job lifecycle,
// per-stage progress tracking and phase transitions. Services hold
// repositories and the bus through domain ports and stay free of transport
// and storage concerns.
package usecase

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/product-video-matcher/internal/adapter/observability"
	"github.com/fairyhunter13/product-video-matcher/internal/domain"
	"github.com/fairyhunter13/product-video-matcher/internal/event"
)

// Tracker maintains per-(job, stage) progress counters and owns the single
// completion emission for each stage. Workers call ApplyTotal when a batch
// event announces the expected asset count and ApplyDone/ApplyFailed per
// processed asset; the tracker evaluates the threshold predicate after every
// applied mutation and publishes the stage's completion event exactly once.
type Tracker struct {
	Progress     domain.ProgressRepository
	Bus          domain.Publisher
	ThresholdPct int
	WatermarkTTL time.Duration
}

// NewTracker constructs a Tracker.
func NewTracker(p domain.ProgressRepository, bus domain.Publisher, thresholdPct int, watermarkTTL time.Duration) Tracker {
	return Tracker{Progress: p, Bus: bus, ThresholdPct: thresholdPct, WatermarkTTL: watermarkTTL}
}

// ApplyTotal records the expected total for a stage and arms its watermark.
// Duplicate deliveries of the same event are absorbed by the ledger.
func (t Tracker) ApplyTotal(ctx domain.Context, eventID, consumer, jobID string, stage domain.Stage, total int) error {
	p, applied, err := t.Progress.ApplyTotal(ctx, eventID, consumer, jobID, stage, total, time.Now().UTC().Add(t.WatermarkTTL))
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	return t.maybeComplete(ctx, p)
}

// ApplyDone adds n processed assets to a stage.
func (t Tracker) ApplyDone(ctx domain.Context, eventID, consumer, jobID string, stage domain.Stage, n int) error {
	p, applied, err := t.Progress.ApplyDone(ctx, eventID, consumer, jobID, stage, n)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	return t.maybeComplete(ctx, p)
}

// ApplyFailed adds n permanently failed assets to a stage. Failed assets
// count against the watermark, not the threshold, so a stage with failures
// completes either at the threshold or when the watermark expires.
func (t Tracker) ApplyFailed(ctx domain.Context, eventID, consumer, jobID string, stage domain.Stage, n int) error {
	p, applied, err := t.Progress.ApplyFailed(ctx, eventID, consumer, jobID, stage, n)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	return t.maybeComplete(ctx, p)
}

// ForceExpired sweeps stages whose watermark passed without a completion and
// force-emits partial completions for them. Returns the number of stages
// closed.
func (t Tracker) ForceExpired(ctx domain.Context, now time.Time) (int, error) {
	expired, err := t.Progress.ListExpiredWatermarks(ctx, now)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, p := range expired {
		won, err := t.Progress.MarkEmitted(ctx, p.JobID, p.Stage)
		if err != nil {
			return closed, err
		}
		if !won {
			continue
		}
		slog.Warn("stage watermark expired, forcing completion",
			slog.String("job_id", p.JobID), slog.String("stage", string(p.Stage)),
			slog.Int("expected", p.Expected), slog.Int("done", p.Done))
		if err := t.emit(ctx, p, true); err != nil {
			return closed, err
		}
		closed++
	}
	return closed, nil
}

func (t Tracker) maybeComplete(ctx domain.Context, p domain.JobProgress) error {
	if p.CompletionEmitted || !p.CompletionDue(t.ThresholdPct) {
		return nil
	}
	won, err := t.Progress.MarkEmitted(ctx, p.JobID, p.Stage)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	return t.emit(ctx, p, p.Partial())
}

func (t Tracker) emit(ctx domain.Context, p domain.JobProgress, partial bool) error {
	topic, fields, err := completionEvent(p, partial, t.WatermarkTTL)
	if err != nil {
		return err
	}
	if err := t.Bus.Publish(ctx, topic, fields); err != nil {
		return err
	}
	kind := "full"
	if partial {
		kind = "partial"
	}
	observability.StageCompletionsTotal.WithLabelValues(string(p.Stage), kind).Inc()
	slog.Info("stage completed",
		slog.String("job_id", p.JobID), slog.String("stage", string(p.Stage)),
		slog.String("topic", topic), slog.Int("expected", p.Expected),
		slog.Int("done", p.Done), slog.Int("failed", p.Failed),
		slog.Bool("partial", partial))
	return nil
}

// completionEvent maps a closed stage to its completion topic and payload.
// The segmentation stages complete by announcing the realized total to the
// embedding and keypoint stages; the feature stages emit job-level
// completion events consumed by the phase coordinator.
func completionEvent(p domain.JobProgress, partial bool, ttl time.Duration) (string, map[string]any, error) {
	switch p.Stage {
	case domain.StageProductsImages:
		return event.TopicProductsImagesMaskedBatch, map[string]any{
			"job_id":       p.JobID,
			"total_images": p.Done,
		}, nil
	case domain.StageVideoKeyframes:
		return event.TopicVideoKeyframesMaskedBatch, map[string]any{
			"job_id":          p.JobID,
			"total_keyframes": p.Done,
		}, nil
	case domain.StageImageEmbeddings:
		return event.TopicImageEmbeddingsCompleted, stageCompletedFields(p, partial, ttl), nil
	case domain.StageVideoEmbeddings:
		return event.TopicVideoEmbeddingsCompleted, stageCompletedFields(p, partial, ttl), nil
	case domain.StageImageKeypoints:
		return event.TopicImageKeypointsCompleted, stageCompletedFields(p, partial, ttl), nil
	case domain.StageVideoKeypoints:
		return event.TopicVideoKeypointsCompleted, stageCompletedFields(p, partial, ttl), nil
	case domain.StageEvidences:
		return event.TopicEvidencesCompleted, map[string]any{"job_id": p.JobID}, nil
	default:
		return "", nil, fmt.Errorf("op=tracker.emit: %w: stage %q", domain.ErrInternal, p.Stage)
	}
}

func stageCompletedFields(p domain.JobProgress, partial bool, ttl time.Duration) map[string]any {
	return map[string]any{
		"job_id":                 p.JobID,
		"total_assets":           p.Expected,
		"processed_assets":       p.Done,
		"failed_assets":          p.Failed,
		"has_partial_completion": partial,
		"watermark_ttl":          ttl.Seconds(),
	}
}
