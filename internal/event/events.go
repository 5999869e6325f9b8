// Package event defines the bus topics, their payload schemas and the
// validator applied at every publish and every consume. Schemas are keyed by
// canonical underscore name and aliased to the dotted routing key, so both
// spellings resolve to the same definition.
package event

import (
	"time"

	"github.com/google/uuid"
)

// NewID returns a fresh UUIDv4 event id.
func NewID() string {
	return uuid.New().String()
}

// Envelope carries the two fields every event must have.
type Envelope struct {
	EventID string `json:"event_id"`
	JobID   string `json:"job_id"`
}

// Metadata is injected by the publisher under the _metadata key. It exists
// for tracing and debugging only; handlers must not depend on it.
type Metadata struct {
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
	Topic         string    `json:"topic"`
}

// ProductsCollectRequest asks the product collector to start collecting.
type ProductsCollectRequest struct {
	Envelope
	Queries map[string][]string `json:"queries"`
	TopAmz  int                 `json:"top_amz"`
	TopEbay int                 `json:"top_ebay"`
}

// VideosSearchRequest asks the video crawler to start crawling.
type VideosSearchRequest struct {
	Envelope
	Industry    string              `json:"industry"`
	Queries     map[string][]string `json:"queries"`
	Platforms   []string            `json:"platforms"`
	RecencyDays int                 `json:"recency_days"`
}

// ProductImageReady announces one collected product image.
type ProductImageReady struct {
	Envelope
	ProductID string         `json:"product_id"`
	ImageID   string         `json:"image_id"`
	LocalPath string         `json:"local_path"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ImagesReadyBatch announces the total number of product images a collector
// will emit for the job.
type ImagesReadyBatch struct {
	Envelope
	TotalImages int `json:"total_images"`
}

// FrameRef is one keyframe inside a frames[] array. LocalPath is set on
// ready events, MaskPath on masked events.
type FrameRef struct {
	FrameID   string  `json:"frame_id"`
	Ts        float64 `json:"ts"`
	LocalPath string  `json:"local_path,omitempty"`
	MaskPath  string  `json:"mask_path,omitempty"`
}

// KeyframesReady announces the sampled keyframes of one video.
type KeyframesReady struct {
	Envelope
	VideoID  string         `json:"video_id"`
	Frames   []FrameRef     `json:"frames"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// KeyframesReadyBatch announces the total keyframe count for the job.
type KeyframesReadyBatch struct {
	Envelope
	TotalKeyframes int `json:"total_keyframes"`
}

// CollectionsCompleted is the job-level end-of-collection marker emitted by
// each collector.
type CollectionsCompleted struct {
	Envelope
}

// ImageMasked announces one background-removed product image.
type ImageMasked struct {
	Envelope
	ImageID  string `json:"image_id"`
	MaskPath string `json:"mask_path"`
}

// ImagesMaskedBatch mirrors ImagesReadyBatch for the masked stage.
type ImagesMaskedBatch struct {
	Envelope
	TotalImages int `json:"total_images"`
}

// KeyframesMasked announces the background-removed keyframes of one video.
type KeyframesMasked struct {
	Envelope
	VideoID string     `json:"video_id"`
	Frames  []FrameRef `json:"frames"`
}

// KeyframesMaskedBatch mirrors KeyframesReadyBatch for the masked stage.
type KeyframesMaskedBatch struct {
	Envelope
	TotalKeyframes int `json:"total_keyframes"`
}

// AssetReady announces one finished asset of a feature stage (embedding or
// keypoint extraction).
type AssetReady struct {
	Envelope
	AssetID string `json:"asset_id"`
}

// StageCompleted is the job-level completion of one feature stage.
type StageCompleted struct {
	Envelope
	TotalAssets          int     `json:"total_assets"`
	ProcessedAssets      int     `json:"processed_assets"`
	FailedAssets         int     `json:"failed_assets"`
	HasPartialCompletion bool    `json:"has_partial_completion"`
	WatermarkTTL         float64 `json:"watermark_ttl"`
}

// MatchRequest asks the matcher to run the job's cross-product.
type MatchRequest struct {
	Envelope
	Industry     string `json:"industry"`
	ProductSetID string `json:"product_set_id"`
	VideoSetID   string `json:"video_set_id"`
	TopK         int    `json:"top_k"`
}

// BestPair is the image/frame pair behind an accepted match.
type BestPair struct {
	ImgID     string  `json:"img_id"`
	FrameID   string  `json:"frame_id"`
	ScorePair float64 `json:"score_pair"`
}

// MatchResult announces one accepted (product, video) match.
type MatchResult struct {
	Envelope
	ProductID string   `json:"product_id"`
	VideoID   string   `json:"video_id"`
	BestPair  BestPair `json:"best_pair"`
	Score     float64  `json:"score"`
	Ts        float64  `json:"ts"`
}

// MatchRequestCompleted closes a match run. MatchCount lets the evidence
// builder size its work without a table scan; zero triggers its fast path.
type MatchRequestCompleted struct {
	Envelope
	MatchCount int `json:"match_count"`
}

// EvidencesGenerationCompleted closes the evidence stage.
type EvidencesGenerationCompleted struct {
	Envelope
}

// JobCompleted is the terminal fanout for downstream consumers.
type JobCompleted struct {
	Envelope
	Phase                string `json:"phase"`
	MatchCount           int    `json:"match_count"`
	HasPartialCompletion bool   `json:"has_partial_completion"`
}
