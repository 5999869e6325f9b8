package domain

import "time"

// JobRepository persists job aggregates and their lifecycle fields.
type JobRepository interface {
	Create(ctx Context, j *Job) error
	Get(ctx Context, id string) (Job, error)
	// AdvancePhase is a compare-and-set: the phase moves from->to only if it
	// still equals from, so concurrent barrier evaluations cannot double
	// advance. Returns false when the guard did not hold.
	AdvancePhase(ctx Context, id string, from, to JobPhase) (bool, error)
	MarkFailed(ctx Context, id, reason string) error
	MarkCancelled(ctx Context, id, reason, notes string, at time.Time) error
	Counts(ctx Context, id string) (JobCounts, error)
}

// PhaseEventRepository records job-level completion receipts. Record is
// idempotent per (job, name): the first insert returns true, replays false.
type PhaseEventRepository interface {
	Record(ctx Context, jobID, name, eventID string) (bool, error)
	Names(ctx Context, jobID string) (map[string]bool, error)
}

// EventLedger is the processed-events dedup table. MarkProcessed returns
// true exactly once per (event, consumer); replays return false. Seen is a
// read-only probe used before expensive handlers.
type EventLedger interface {
	MarkProcessed(ctx Context, eventID, consumer, jobID string) (bool, error)
	Seen(ctx Context, eventID, consumer string) (bool, error)
}

// ProgressRepository maintains per-(job, stage) counters. The Apply methods
// combine the ledger insert and the counter mutation in one transaction and
// return applied=false when the event was already processed, leaving the
// counters untouched. Counter reads inside Apply take a row lock so that
// concurrent deliveries serialize.
type ProgressRepository interface {
	// ApplyTotal sets the expected total announced by a batch event and arms
	// the stage watermark. A later total for the same stage overwrites the
	// earlier one.
	ApplyTotal(ctx Context, eventID, consumer, jobID string, stage Stage, total int, watermarkAt time.Time) (JobProgress, bool, error)
	// ApplyDone adds n processed assets.
	ApplyDone(ctx Context, eventID, consumer, jobID string, stage Stage, n int) (JobProgress, bool, error)
	// ApplyFailed adds n permanently failed assets.
	ApplyFailed(ctx Context, eventID, consumer, jobID string, stage Stage, n int) (JobProgress, bool, error)
	// MarkEmitted flips completion_emitted; true means the caller owns the
	// single completion publish for this (job, stage).
	MarkEmitted(ctx Context, jobID string, stage Stage) (bool, error)
	Get(ctx Context, jobID string, stage Stage) (JobProgress, error)
	// ListExpiredWatermarks returns stages whose watermark passed without a
	// completion, for the sweeper to force partial completions.
	ListExpiredWatermarks(ctx Context, now time.Time) ([]JobProgress, error)
}

// ProductRepository persists collected products and their images.
type ProductRepository interface {
	UpsertProduct(ctx Context, p *Product) error
	UpsertImage(ctx Context, img *ProductImage) error
	SetImageMasked(ctx Context, imageID, maskedPath string) error
	SetImageEmbeddings(ctx Context, imageID string, rgb, gray []float32) error
	SetImageKeypoints(ctx Context, imageID, keypointsPath string) error
	GetImage(ctx Context, imageID string) (ProductImage, error)
	ListImagesByJob(ctx Context, jobID string) ([]ProductImage, error)
}

// VideoRepository persists collected videos and their keyframes.
type VideoRepository interface {
	UpsertVideo(ctx Context, v *Video) error
	UpsertFrame(ctx Context, f *VideoFrame) error
	SetFrameMasked(ctx Context, frameID, maskedPath string) error
	SetFrameEmbeddings(ctx Context, frameID string, rgb, gray []float32) error
	SetFrameKeypoints(ctx Context, frameID, keypointsPath string) error
	GetFrame(ctx Context, frameID string) (VideoFrame, error)
	ListFramesByJob(ctx Context, jobID string) ([]VideoFrame, error)
}

// MatchRepository persists accepted matches, at most one per
// (job, product, video).
type MatchRepository interface {
	Upsert(ctx Context, m *Match) error
	SetEvidencePath(ctx Context, matchID, evidencePath string) error
	Get(ctx Context, matchID string) (Match, error)
	ListByJob(ctx Context, jobID string) ([]Match, error)
	CountByJob(ctx Context, jobID string) (int, error)
}

// Purger removes every persisted trace of a job, and lists jobs past the
// retention cutoff for the periodic cleanup sweep.
type Purger interface {
	PurgeJob(ctx Context, jobID string) error
	ListJobsOlderThan(ctx Context, cutoff time.Time) ([]string, error)
}

// Publisher publishes an event to a bus topic. Implementations stamp
// event_id and _metadata, validate against the topic schema and wait for
// broker acknowledgement before returning.
type Publisher interface {
	Publish(ctx Context, topic string, fields map[string]any) error
}

// VectorPoint is one embedding stored in the vector index.
type VectorPoint struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// ScoredPoint is a retrieval hit with its cosine similarity.
type ScoredPoint struct {
	ID    string
	Score float64
}

// VectorIndex is the ANN retrieval store for frame embeddings.
type VectorIndex interface {
	EnsureCollection(ctx Context, dim int) error
	Upsert(ctx Context, points []VectorPoint) error
	SearchByJob(ctx Context, jobID string, vector []float32, topK int) ([]ScoredPoint, error)
	DeleteByJob(ctx Context, jobID string) error
}

// Blob categories under the shared data root.
const (
	BlobImages       = "images"
	BlobFrames       = "frames"
	BlobMaskedImages = "masks/product_images"
	BlobMaskedFrames = "masks/video_frames"
	BlobKeypoints    = "keypoints"
	BlobEvidence     = "evidence"
)

// BlobStore stores binary artifacts (images, masks, keypoint blobs,
// evidence renders) under content-addressed paths.
type BlobStore interface {
	Put(ctx Context, category string, data []byte, ext string) (string, error)
	Get(ctx Context, path string) ([]byte, error)
	Delete(ctx Context, path string) error
	URL(path string) string
}

// StatusCache is a short-TTL read cache for job status payloads.
type StatusCache interface {
	GetStatus(ctx Context, jobID string) ([]byte, bool, error)
	SetStatus(ctx Context, jobID string, body []byte, ttl time.Duration) error
	Invalidate(ctx Context, jobID string) error
}

// Keypoints is the detector output for one image: pixel coordinates plus a
// fixed-width descriptor per point.
type Keypoints struct {
	Dim         int
	Points      [][2]float32
	Descriptors [][]float32
}

// Segmenter removes the background from a product/frame image.
type Segmenter interface {
	Mask(ctx Context, image []byte) ([]byte, error)
}

// EmbeddingDim is the per-channel embedding width produced by the embedder.
// The vector index stores both channels concatenated, so its collection is
// created with twice this dimension.
const EmbeddingDim = 512

// Embedder produces the RGB and grayscale embedding vectors for an image.
type Embedder interface {
	Embed(ctx Context, image []byte) (rgb, gray []float32, err error)
}

// KeypointExtractor detects local keypoints and descriptors in an image.
type KeypointExtractor interface {
	Extract(ctx Context, image []byte) (Keypoints, error)
}
