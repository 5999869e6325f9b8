package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/product-video-matcher/internal/adapter/observability"
	"github.com/fairyhunter13/product-video-matcher/internal/domain"
	"github.com/fairyhunter13/product-video-matcher/internal/event"
	"github.com/fairyhunter13/product-video-matcher/internal/usecase"
)

// Consumer is the ledger consumer name of the evidence builder.
const Consumer = "evidence"

// Coordinator consumes match results and the match run completion. The
// completion seeds the evidence stage total from match_count, each rendered
// match counts one done, and the tracker emits the stage completion; a zero
// match_count closes the stage immediately through the zero-total rule.
type Coordinator struct {
	Jobs     domain.JobRepository
	Matches  domain.MatchRepository
	Products domain.ProductRepository
	Videos   domain.VideoRepository
	Blobs    domain.BlobStore
	Track    usecase.Tracker
}

// HandleMatchResult renders the evidence composite for one accepted match.
func (c Coordinator) HandleMatchResult(ctx context.Context, d domain.Delivery, _ map[string]any) error {
	var e event.MatchResult
	if err := json.Unmarshal(d.Payload, &e); err != nil {
		return fmt.Errorf("op=evidence.match_result: %w: %v", domain.ErrSchemaViolation, err)
	}
	job, err := c.Jobs.Get(ctx, e.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			slog.Warn("match result for unknown job dropped", slog.String("job_id", e.JobID))
			return nil
		}
		return err
	}
	if job.Phase.Terminal() {
		slog.Info("match result for terminal job dropped",
			slog.String("job_id", e.JobID), slog.String("phase", string(job.Phase)))
		return nil
	}

	ctx, span := otel.Tracer("evidence").Start(ctx, "evidence.HandleMatchResult")
	defer span.End()

	match, err := c.findMatch(ctx, e.JobID, e.ProductID, e.VideoID)
	if err != nil {
		return err
	}
	rendered, err := c.render(ctx, e)
	if err != nil {
		if !errors.Is(err, domain.ErrInvalidArgument) && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		// Undecodable or missing artifacts never improve on retry.
		slog.Warn("evidence render failed",
			slog.String("job_id", e.JobID), slog.String("match_id", match.ID), slog.Any("error", err))
		observability.EvidenceRendersTotal.WithLabelValues("failed").Inc()
		return c.Track.ApplyFailed(ctx, e.EventID+":failed", Consumer, e.JobID, domain.StageEvidences, 1)
	}
	path, err := c.Blobs.Put(ctx, domain.BlobEvidence, rendered, ".jpg")
	if err != nil {
		return err
	}
	if err := c.Matches.SetEvidencePath(ctx, match.ID, path); err != nil {
		return err
	}
	observability.EvidenceRendersTotal.WithLabelValues("rendered").Inc()
	slog.Info("evidence rendered",
		slog.String("job_id", e.JobID), slog.String("match_id", match.ID), slog.String("path", path))
	return c.Track.ApplyDone(ctx, e.EventID, Consumer, e.JobID, domain.StageEvidences, 1)
}

// HandleMatchRequestCompleted seeds the evidence stage total.
func (c Coordinator) HandleMatchRequestCompleted(ctx context.Context, d domain.Delivery, _ map[string]any) error {
	var e event.MatchRequestCompleted
	if err := json.Unmarshal(d.Payload, &e); err != nil {
		return fmt.Errorf("op=evidence.match_completed: %w: %v", domain.ErrSchemaViolation, err)
	}
	return c.Track.ApplyTotal(ctx, e.EventID, Consumer, e.JobID, domain.StageEvidences, e.MatchCount)
}

// render loads the best pair's artifacts, preferring the masked versions the
// matcher actually scored.
func (c Coordinator) render(ctx context.Context, e event.MatchResult) ([]byte, error) {
	img, err := c.Products.GetImage(ctx, e.BestPair.ImgID)
	if err != nil {
		return nil, err
	}
	frame, err := c.Videos.GetFrame(ctx, e.BestPair.FrameID)
	if err != nil {
		return nil, err
	}
	imgData, err := c.Blobs.Get(ctx, artifactPath(img.MaskedLocalPath, img.LocalPath))
	if err != nil {
		return nil, err
	}
	frameData, err := c.Blobs.Get(ctx, artifactPath(frame.MaskedLocalPath, frame.LocalPath))
	if err != nil {
		return nil, err
	}
	return Render(imgData, frameData, e.Score)
}

func (c Coordinator) findMatch(ctx context.Context, jobID, productID, videoID string) (domain.Match, error) {
	matches, err := c.Matches.ListByJob(ctx, jobID)
	if err != nil {
		return domain.Match{}, err
	}
	for _, m := range matches {
		if m.ProductID == productID && m.VideoID == videoID {
			return m, nil
		}
	}
	return domain.Match{}, fmt.Errorf("op=evidence.find_match: %w: job %s pair (%s, %s)", domain.ErrNotFound, jobID, productID, videoID)
}

func artifactPath(masked, original string) string {
	if masked != "" {
		return masked
	}
	return original
}
