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

// KeypointerConsumer is the ledger consumer name of the keypoint worker.
const KeypointerConsumer = "keypointer"

// kpExt is the blob extension for encoded keypoint sets.
const kpExt = ".kpb"

// Keypointer detects local keypoints and descriptors in masked assets and
// stores them as encoded blobs for the matcher's geometric verification.
type Keypointer struct {
	Jobs     domain.JobRepository
	Products domain.ProductRepository
	Videos   domain.VideoRepository
	Blobs    domain.BlobStore
	KP       domain.KeypointExtractor
	Track    usecase.Tracker
	Bus      domain.Publisher
}

// HandleImagesMaskedBatch records the image keypoint stage total.
func (w Keypointer) HandleImagesMaskedBatch(ctx context.Context, d domain.Delivery, _ map[string]any) error {
	var e event.ImagesMaskedBatch
	if err := json.Unmarshal(d.Payload, &e); err != nil {
		return fmt.Errorf("op=keypointer.images_batch: %w: %v", domain.ErrSchemaViolation, err)
	}
	if active, err := jobActive(ctx, w.Jobs, e.JobID); err != nil || !active {
		return err
	}
	return w.Track.ApplyTotal(ctx, e.EventID, KeypointerConsumer, e.JobID, domain.StageImageKeypoints, e.TotalImages)
}

// HandleImageMasked extracts keypoints from one masked product image.
func (w Keypointer) HandleImageMasked(ctx context.Context, d domain.Delivery, _ map[string]any) error {
	var e event.ImageMasked
	if err := json.Unmarshal(d.Payload, &e); err != nil {
		return fmt.Errorf("op=keypointer.image_masked: %w: %v", domain.ErrSchemaViolation, err)
	}
	if active, err := jobActive(ctx, w.Jobs, e.JobID); err != nil || !active {
		return err
	}
	kpPath, err := w.extract(ctx, e.MaskPath)
	if err != nil {
		return w.assetFailed(ctx, e.ImageID, e.EventID, e.JobID, domain.StageImageKeypoints, err)
	}
	if err := w.Products.SetImageKeypoints(ctx, e.ImageID, kpPath); err != nil {
		return err
	}
	if err := w.Bus.Publish(ctx, event.TopicImageKeypointReady, map[string]any{
		"job_id":   e.JobID,
		"asset_id": e.ImageID,
	}); err != nil {
		return err
	}
	return w.Track.ApplyDone(ctx, e.EventID, KeypointerConsumer, e.JobID, domain.StageImageKeypoints, 1)
}

// HandleKeyframesMaskedBatch records the frame keypoint stage total.
func (w Keypointer) HandleKeyframesMaskedBatch(ctx context.Context, d domain.Delivery, _ map[string]any) error {
	var e event.KeyframesMaskedBatch
	if err := json.Unmarshal(d.Payload, &e); err != nil {
		return fmt.Errorf("op=keypointer.keyframes_batch: %w: %v", domain.ErrSchemaViolation, err)
	}
	if active, err := jobActive(ctx, w.Jobs, e.JobID); err != nil || !active {
		return err
	}
	return w.Track.ApplyTotal(ctx, e.EventID, KeypointerConsumer, e.JobID, domain.StageVideoKeypoints, e.TotalKeyframes)
}

// HandleKeyframesMasked extracts keypoints from the masked keyframes of one
// video.
func (w Keypointer) HandleKeyframesMasked(ctx context.Context, d domain.Delivery, _ map[string]any) error {
	var e event.KeyframesMasked
	if err := json.Unmarshal(d.Payload, &e); err != nil {
		return fmt.Errorf("op=keypointer.keyframes_masked: %w: %v", domain.ErrSchemaViolation, err)
	}
	if active, err := jobActive(ctx, w.Jobs, e.JobID); err != nil || !active {
		return err
	}
	done, failed := 0, 0
	for _, f := range e.Frames {
		kpPath, err := w.extract(ctx, f.MaskPath)
		if err != nil {
			if !errors.Is(err, domain.ErrUpstreamFailure) && !errors.Is(err, domain.ErrNotFound) {
				return err
			}
			slog.Warn("keyframe keypoints failed",
				slog.String("job_id", e.JobID), slog.String("frame_id", f.FrameID), slog.Any("error", err))
			failed++
			continue
		}
		if err := w.Videos.SetFrameKeypoints(ctx, f.FrameID, kpPath); err != nil {
			return err
		}
		if err := w.Bus.Publish(ctx, event.TopicVideoKeypointReady, map[string]any{
			"job_id":   e.JobID,
			"asset_id": f.FrameID,
		}); err != nil {
			return err
		}
		done++
	}
	if failed > 0 {
		if err := w.Track.ApplyFailed(ctx, e.EventID+":failed", KeypointerConsumer, e.JobID, domain.StageVideoKeypoints, failed); err != nil {
			return err
		}
	}
	if done == 0 {
		return nil
	}
	return w.Track.ApplyDone(ctx, e.EventID, KeypointerConsumer, e.JobID, domain.StageVideoKeypoints, done)
}

func (w Keypointer) extract(ctx context.Context, maskPath string) (string, error) {
	img, err := w.Blobs.Get(ctx, maskPath)
	if err != nil {
		return "", err
	}
	kp, err := w.KP.Extract(ctx, img)
	if err != nil {
		return "", err
	}
	blob, err := matcher.EncodeKeypoints(kp)
	if err != nil {
		return "", err
	}
	return w.Blobs.Put(ctx, domain.BlobKeypoints, blob, kpExt)
}

func (w Keypointer) assetFailed(ctx context.Context, assetID, eventID, jobID string, stage domain.Stage, cause error) error {
	if !errors.Is(cause, domain.ErrUpstreamFailure) && !errors.Is(cause, domain.ErrNotFound) {
		return cause
	}
	slog.Warn("asset permanently failed",
		slog.String("asset_id", assetID), slog.String("job_id", jobID), slog.Any("error", cause))
	return w.Track.ApplyFailed(ctx, eventID+":failed", KeypointerConsumer, jobID, stage, 1)
}
