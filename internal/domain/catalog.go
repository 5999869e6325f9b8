package domain

import "time"

// Product is a marketplace listing collected for a job.
type Product struct {
	ID        string
	JobID     string
	Src       string
	ASINOrID  string
	Title     string
	Brand     string
	URL       string
	CreatedAt time.Time
}

// ProductImage is one catalog image of a product, progressively enriched by
// the feature workers.
type ProductImage struct {
	ID              string
	ProductID       string
	JobID           string
	LocalPath       string
	MaskedLocalPath string
	EmbRGB          []float32
	EmbGray         []float32
	KeypointsPath   string
	UpdatedAt       time.Time
}

// Video is a platform video collected for a job.
type Video struct {
	ID          string
	JobID       string
	Platform    string
	URL         string
	Title       string
	DurationSec float64
	PublishedAt *time.Time
	CreatedAt   time.Time
}

// VideoFrame is one sampled keyframe of a video, enriched like ProductImage.
type VideoFrame struct {
	ID              string
	VideoID         string
	JobID           string
	TsSec           float64
	LocalPath       string
	MaskedLocalPath string
	EmbRGB          []float32
	EmbGray         []float32
	KeypointsPath   string
	UpdatedAt       time.Time
}

// MatchEvidence ties an accepted match back to the concrete image/frame pair
// that produced the best pair score.
type MatchEvidence struct {
	BestImgID   string  `json:"best_img_id"`
	BestFrameID string  `json:"best_frame_id"`
	BestScore   float64 `json:"best_score"`
	DeepScore   float64 `json:"deep_score"`
	KpScore     float64 `json:"kp_score"`
	TsSec       float64 `json:"ts"`
}

// Match is an accepted (product, video) association for a job. At most one
// row exists per (job, product, video); re-running the matcher refreshes the
// row in place.
type Match struct {
	ID           string
	JobID        string
	ProductID    string
	VideoID      string
	Score        float64
	Evidence     MatchEvidence
	EvidencePath string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
