// Package worker implements the feature extraction consumers: background
// segmentation, embedding and keypoint detection. Each worker binds typed
// payloads from validated deliveries, enriches the catalog rows, and reports
// progress through the tracker, whose event ledger keeps redeliveries from
// double counting. The artifact writes themselves are idempotent (content
// addressed blobs, upsert-style row updates), so reprocessing a redelivered
// asset converges on the same state.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/product-video-matcher/internal/domain"
	"github.com/fairyhunter13/product-video-matcher/internal/event"
	"github.com/fairyhunter13/product-video-matcher/internal/usecase"
)

// SegmentorConsumer is the ledger consumer name of the segmentation worker.
const SegmentorConsumer = "segmentor"

// Segmentor removes backgrounds from collected product images and video
// keyframes and announces the masked artifacts downstream.
type Segmentor struct {
	Jobs     domain.JobRepository
	Products domain.ProductRepository
	Videos   domain.VideoRepository
	Blobs    domain.BlobStore
	Seg      domain.Segmenter
	Track    usecase.Tracker
	Bus      domain.Publisher
}

// HandleImageBatch records the announced product image total.
func (w Segmentor) HandleImageBatch(ctx context.Context, d domain.Delivery, _ map[string]any) error {
	var e event.ImagesReadyBatch
	if err := json.Unmarshal(d.Payload, &e); err != nil {
		return fmt.Errorf("op=segmentor.image_batch: %w: %v", domain.ErrSchemaViolation, err)
	}
	if active, err := jobActive(ctx, w.Jobs, e.JobID); err != nil || !active {
		return err
	}
	return w.Track.ApplyTotal(ctx, e.EventID, SegmentorConsumer, e.JobID, domain.StageProductsImages, e.TotalImages)
}

// HandleImageReady masks one product image.
func (w Segmentor) HandleImageReady(ctx context.Context, d domain.Delivery, _ map[string]any) error {
	var e event.ProductImageReady
	if err := json.Unmarshal(d.Payload, &e); err != nil {
		return fmt.Errorf("op=segmentor.image_ready: %w: %v", domain.ErrSchemaViolation, err)
	}
	if active, err := jobActive(ctx, w.Jobs, e.JobID); err != nil || !active {
		return err
	}
	maskPath, err := w.mask(ctx, e.LocalPath, domain.BlobMaskedImages)
	if err != nil {
		return w.assetFailed(ctx, "image", e.ImageID, e.EventID, e.JobID, domain.StageProductsImages, err)
	}
	if err := w.Products.SetImageMasked(ctx, e.ImageID, maskPath); err != nil {
		return err
	}
	if err := w.Bus.Publish(ctx, event.TopicProductsImageMasked, map[string]any{
		"job_id":    e.JobID,
		"image_id":  e.ImageID,
		"mask_path": maskPath,
	}); err != nil {
		return err
	}
	return w.Track.ApplyDone(ctx, e.EventID, SegmentorConsumer, e.JobID, domain.StageProductsImages, 1)
}

// HandleKeyframesBatch records the announced keyframe total.
func (w Segmentor) HandleKeyframesBatch(ctx context.Context, d domain.Delivery, _ map[string]any) error {
	var e event.KeyframesReadyBatch
	if err := json.Unmarshal(d.Payload, &e); err != nil {
		return fmt.Errorf("op=segmentor.keyframes_batch: %w: %v", domain.ErrSchemaViolation, err)
	}
	if active, err := jobActive(ctx, w.Jobs, e.JobID); err != nil || !active {
		return err
	}
	return w.Track.ApplyTotal(ctx, e.EventID, SegmentorConsumer, e.JobID, domain.StageVideoKeyframes, e.TotalKeyframes)
}

// HandleKeyframesReady masks the keyframes of one video. Frames that fail
// permanently are counted as failed and the rest proceed.
func (w Segmentor) HandleKeyframesReady(ctx context.Context, d domain.Delivery, _ map[string]any) error {
	var e event.KeyframesReady
	if err := json.Unmarshal(d.Payload, &e); err != nil {
		return fmt.Errorf("op=segmentor.keyframes_ready: %w: %v", domain.ErrSchemaViolation, err)
	}
	if active, err := jobActive(ctx, w.Jobs, e.JobID); err != nil || !active {
		return err
	}
	masked := make([]map[string]any, 0, len(e.Frames))
	failed := 0
	for _, f := range e.Frames {
		maskPath, err := w.mask(ctx, f.LocalPath, domain.BlobMaskedFrames)
		if err != nil {
			if !errors.Is(err, domain.ErrUpstreamFailure) && !errors.Is(err, domain.ErrNotFound) {
				return err
			}
			slog.Warn("keyframe mask failed",
				slog.String("job_id", e.JobID), slog.String("frame_id", f.FrameID), slog.Any("error", err))
			failed++
			continue
		}
		if err := w.Videos.SetFrameMasked(ctx, f.FrameID, maskPath); err != nil {
			return err
		}
		masked = append(masked, map[string]any{
			"frame_id":  f.FrameID,
			"ts":        f.Ts,
			"mask_path": maskPath,
		})
	}
	if len(masked) > 0 {
		if err := w.Bus.Publish(ctx, event.TopicVideoKeyframesMasked, map[string]any{
			"job_id":   e.JobID,
			"video_id": e.VideoID,
			"frames":   masked,
		}); err != nil {
			return err
		}
	}
	if failed > 0 {
		if err := w.Track.ApplyFailed(ctx, e.EventID+":failed", SegmentorConsumer, e.JobID, domain.StageVideoKeyframes, failed); err != nil {
			return err
		}
	}
	if len(masked) == 0 {
		return nil
	}
	return w.Track.ApplyDone(ctx, e.EventID, SegmentorConsumer, e.JobID, domain.StageVideoKeyframes, len(masked))
}

func (w Segmentor) mask(ctx context.Context, localPath, category string) (string, error) {
	img, err := w.Blobs.Get(ctx, localPath)
	if err != nil {
		return "", err
	}
	maskedImg, err := w.Seg.Mask(ctx, img)
	if err != nil {
		return "", err
	}
	return w.Blobs.Put(ctx, category, maskedImg, ".png")
}

// assetFailed records a permanently failed asset and acks the delivery;
// transient infrastructure errors propagate so the bus redelivers.
func (w Segmentor) assetFailed(ctx context.Context, kind, assetID, eventID, jobID string, stage domain.Stage, cause error) error {
	if !errors.Is(cause, domain.ErrUpstreamFailure) && !errors.Is(cause, domain.ErrNotFound) {
		return cause
	}
	slog.Warn("asset permanently failed",
		slog.String("kind", kind), slog.String("asset_id", assetID),
		slog.String("job_id", jobID), slog.Any("error", cause))
	return w.Track.ApplyFailed(ctx, eventID+":failed", SegmentorConsumer, jobID, stage, 1)
}

// jobActive reports whether work for the job should proceed. Deliveries for
// unknown or terminal jobs are acked and dropped, which is how cancellation
// quiesces the worker fleet.
func jobActive(ctx context.Context, jobs domain.JobRepository, jobID string) (bool, error) {
	j, err := jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			slog.Warn("delivery for unknown job dropped", slog.String("job_id", jobID))
			return false, nil
		}
		return false, err
	}
	if j.Phase.Terminal() {
		slog.Info("delivery for terminal job dropped",
			slog.String("job_id", jobID), slog.String("phase", string(j.Phase)))
		return false, nil
	}
	return true, nil
}
