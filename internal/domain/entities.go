package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrRateLimited     = errors.New("rate limited")
	ErrUpstreamTimeout = errors.New("upstream timeout")
	ErrUpstreamFailure = errors.New("upstream failure")
	ErrSchemaViolation = errors.New("schema violation")
	ErrJobCancelled    = errors.New("job cancelled")
	ErrInternal        = errors.New("internal error")
)

// JobPhase is the coarse-grained lifecycle state of a job. Phases advance
// only forward through the pipeline DAG; failed and cancelled are reachable
// from any non-terminal phase.
type JobPhase string

const (
	PhaseUnknown           JobPhase = "unknown"
	PhaseCollection        JobPhase = "collection"
	PhaseFeatureExtraction JobPhase = "feature_extraction"
	PhaseMatching          JobPhase = "matching"
	PhaseEvidence          JobPhase = "evidence"
	PhaseCompleted         JobPhase = "completed"
	PhaseFailed            JobPhase = "failed"
	PhaseCancelled         JobPhase = "cancelled"
)

// Terminal reports whether no further transitions are allowed from p.
func (p JobPhase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseCancelled
}

// Next returns the successor phase in the pipeline DAG, or "" for terminal
// and unknown phases.
func (p JobPhase) Next() JobPhase {
	switch p {
	case PhaseCollection:
		return PhaseFeatureExtraction
	case PhaseFeatureExtraction:
		return PhaseMatching
	case PhaseMatching:
		return PhaseEvidence
	case PhaseEvidence:
		return PhaseCompleted
	default:
		return ""
	}
}

// Percent maps a phase to the coarse progress figure reported by the status
// endpoint.
func (p JobPhase) Percent() int {
	switch p {
	case PhaseCollection:
		return 20
	case PhaseFeatureExtraction:
		return 50
	case PhaseMatching:
		return 80
	case PhaseEvidence:
		return 90
	case PhaseCompleted:
		return 100
	default:
		// unknown, failed, cancelled
		return 0
	}
}

// Job is the orchestration aggregate. Collectors, feature workers, the
// matcher and the evidence builder all key their work on Job.ID.
type Job struct {
	ID          string
	Phase       JobPhase
	Industry    string
	TopAmz      int
	TopEbay     int
	Queries     map[string][]string
	Platforms   []string
	RecencyDays int
	// HasProducts/HasVideos record which asset sides the job collects;
	// barrier evaluation relaxes required completion sets accordingly.
	HasProducts        bool
	HasVideos          bool
	FailureReason      string
	StartedAt          time.Time
	UpdatedAt          time.Time
	CancelledAt        *time.Time
	CancellationReason string
	CancellationNotes  string
}

// JobCounts reports per-job asset totals for status responses.
type JobCounts struct {
	Products int `json:"products"`
	Videos   int `json:"videos"`
	Images   int `json:"images"`
	Frames   int `json:"frames"`
}

// Stage identifies a per-job progress aggregation bucket. One job-level
// completion is emitted per (job, stage).
type Stage string

const (
	StageProductsImages  Stage = "products_images"
	StageVideoKeyframes  Stage = "video_keyframes"
	StageImageEmbeddings Stage = "image_embeddings"
	StageImageKeypoints  Stage = "image_keypoints"
	StageVideoEmbeddings Stage = "video_embeddings"
	StageVideoKeypoints  Stage = "video_keypoints"
	// StageEvidences tracks per-match evidence rendering after matching.
	StageEvidences Stage = "evidences"
)

// JobProgress is the per-(job, stage) counter row backing completion
// decisions.
//
// Invariants: Done and Failed are monotonic non-decreasing;
// CompletionEmitted transitions false->true exactly once.
type JobProgress struct {
	JobID              string
	Stage              Stage
	Expected           int
	Done               int
	Failed             int
	ExpectedKnown      bool
	CompletionEmitted  bool
	WatermarkExpiresAt *time.Time
	UpdatedAt          time.Time
}

// CompletionDue reports whether the threshold predicate holds: the batch
// total is known and done covers at least ceil(expected*pct/100) assets.
// A known zero total is immediately due.
func (p JobProgress) CompletionDue(thresholdPct int) bool {
	if !p.ExpectedKnown {
		return false
	}
	if p.Expected == 0 {
		return true
	}
	need := (p.Expected*thresholdPct + 99) / 100
	return p.Done >= need
}

// Partial reports whether fewer assets arrived than the announced total.
func (p JobProgress) Partial() bool {
	return p.Done < p.Expected
}

// PhaseEvent is the durable receipt of a job-level completion, unique per
// (job, event name). It powers barrier evaluation across restarts.
type PhaseEvent struct {
	JobID      string
	Name       string
	EventID    string
	ReceivedAt time.Time
}

// Context is an alias to allow decoupling from std context in domain.
// Adapters and usecases pass context.Context through.
type Context = context.Context
