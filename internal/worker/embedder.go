package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/product-video-matcher/internal/domain"
	"github.com/fairyhunter13/product-video-matcher/internal/event"
	"github.com/fairyhunter13/product-video-matcher/internal/matcher"
	"github.com/fairyhunter13/product-video-matcher/internal/usecase"
)

// EmbedderConsumer is the ledger consumer name of the embedding worker.
const EmbedderConsumer = "embedder"

// Embedder computes RGB and grayscale embeddings for masked assets. Frame
// embeddings are additionally indexed in the vector store under their
// combined weighted vector, which is what the matcher retrieves against.
type Embedder struct {
	Jobs     domain.JobRepository
	Products domain.ProductRepository
	Videos   domain.VideoRepository
	Blobs    domain.BlobStore
	Emb      domain.Embedder
	Vectors  domain.VectorIndex
	Track    usecase.Tracker
	Bus      domain.Publisher
	// WeightRGB and WeightGray weight the channels inside the indexed
	// combined vector.
	WeightRGB  float64
	WeightGray float64
}

// HandleImagesMaskedBatch records the image embedding stage total.
func (w Embedder) HandleImagesMaskedBatch(ctx context.Context, d domain.Delivery, _ map[string]any) error {
	var e event.ImagesMaskedBatch
	if err := json.Unmarshal(d.Payload, &e); err != nil {
		return fmt.Errorf("op=embedder.images_batch: %w: %v", domain.ErrSchemaViolation, err)
	}
	if active, err := jobActive(ctx, w.Jobs, e.JobID); err != nil || !active {
		return err
	}
	return w.Track.ApplyTotal(ctx, e.EventID, EmbedderConsumer, e.JobID, domain.StageImageEmbeddings, e.TotalImages)
}

// HandleImageMasked embeds one masked product image.
func (w Embedder) HandleImageMasked(ctx context.Context, d domain.Delivery, _ map[string]any) error {
	var e event.ImageMasked
	if err := json.Unmarshal(d.Payload, &e); err != nil {
		return fmt.Errorf("op=embedder.image_masked: %w: %v", domain.ErrSchemaViolation, err)
	}
	if active, err := jobActive(ctx, w.Jobs, e.JobID); err != nil || !active {
		return err
	}
	rgb, gray, err := w.embed(ctx, e.MaskPath)
	if err != nil {
		return w.assetFailed(ctx, e.ImageID, e.EventID, e.JobID, domain.StageImageEmbeddings, err)
	}
	if err := w.Products.SetImageEmbeddings(ctx, e.ImageID, rgb, gray); err != nil {
		return err
	}
	if err := w.Bus.Publish(ctx, event.TopicImageEmbeddingReady, map[string]any{
		"job_id":   e.JobID,
		"asset_id": e.ImageID,
	}); err != nil {
		return err
	}
	return w.Track.ApplyDone(ctx, e.EventID, EmbedderConsumer, e.JobID, domain.StageImageEmbeddings, 1)
}

// HandleKeyframesMaskedBatch records the frame embedding stage total.
func (w Embedder) HandleKeyframesMaskedBatch(ctx context.Context, d domain.Delivery, _ map[string]any) error {
	var e event.KeyframesMaskedBatch
	if err := json.Unmarshal(d.Payload, &e); err != nil {
		return fmt.Errorf("op=embedder.keyframes_batch: %w: %v", domain.ErrSchemaViolation, err)
	}
	if active, err := jobActive(ctx, w.Jobs, e.JobID); err != nil || !active {
		return err
	}
	return w.Track.ApplyTotal(ctx, e.EventID, EmbedderConsumer, e.JobID, domain.StageVideoEmbeddings, e.TotalKeyframes)
}

// HandleKeyframesMasked embeds the masked keyframes of one video and indexes
// their combined vectors.
func (w Embedder) HandleKeyframesMasked(ctx context.Context, d domain.Delivery, _ map[string]any) error {
	var e event.KeyframesMasked
	if err := json.Unmarshal(d.Payload, &e); err != nil {
		return fmt.Errorf("op=embedder.keyframes_masked: %w: %v", domain.ErrSchemaViolation, err)
	}
	if active, err := jobActive(ctx, w.Jobs, e.JobID); err != nil || !active {
		return err
	}
	points := make([]domain.VectorPoint, 0, len(e.Frames))
	done, failed := 0, 0
	for _, f := range e.Frames {
		rgb, gray, err := w.embed(ctx, f.MaskPath)
		if err != nil {
			if !errors.Is(err, domain.ErrUpstreamFailure) && !errors.Is(err, domain.ErrNotFound) {
				return err
			}
			slog.Warn("keyframe embed failed",
				slog.String("job_id", e.JobID), slog.String("frame_id", f.FrameID), slog.Any("error", err))
			failed++
			continue
		}
		if err := w.Videos.SetFrameEmbeddings(ctx, f.FrameID, rgb, gray); err != nil {
			return err
		}
		points = append(points, domain.VectorPoint{
			ID:      f.FrameID,
			Vector:  matcher.CombineEmbeddings(rgb, gray, w.WeightRGB, w.WeightGray),
			Payload: map[string]any{"job_id": e.JobID, "video_id": e.VideoID, "ts": f.Ts},
		})
		if err := w.Bus.Publish(ctx, event.TopicVideoEmbeddingReady, map[string]any{
			"job_id":   e.JobID,
			"asset_id": f.FrameID,
		}); err != nil {
			return err
		}
		done++
	}
	if len(points) > 0 {
		if err := w.Vectors.Upsert(ctx, points); err != nil {
			return err
		}
	}
	if failed > 0 {
		if err := w.Track.ApplyFailed(ctx, e.EventID+":failed", EmbedderConsumer, e.JobID, domain.StageVideoEmbeddings, failed); err != nil {
			return err
		}
	}
	if done == 0 {
		return nil
	}
	return w.Track.ApplyDone(ctx, e.EventID, EmbedderConsumer, e.JobID, domain.StageVideoEmbeddings, done)
}

func (w Embedder) embed(ctx context.Context, maskPath string) (rgb, gray []float32, err error) {
	img, err := w.Blobs.Get(ctx, maskPath)
	if err != nil {
		return nil, nil, err
	}
	return w.Emb.Embed(ctx, img)
}

func (w Embedder) assetFailed(ctx context.Context, assetID, eventID, jobID string, stage domain.Stage, cause error) error {
	if !errors.Is(cause, domain.ErrUpstreamFailure) && !errors.Is(cause, domain.ErrNotFound) {
		return cause
	}
	slog.Warn("asset permanently failed",
		slog.String("asset_id", assetID), slog.String("job_id", jobID), slog.Any("error", cause))
	return w.Track.ApplyFailed(ctx, eventID+":failed", EmbedderConsumer, jobID, stage, 1)
}
