package usecase

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/fairyhunter13/product-video-matcher/internal/config"
	"github.com/fairyhunter13/product-video-matcher/internal/domain"
	"github.com/fairyhunter13/product-video-matcher/internal/event"
)

// statusCacheTTL bounds the staleness of the cached status payload. Phase
// transitions invalidate eagerly, so the TTL only covers counter drift.
const statusCacheTTL = 3 * time.Second

// Defaults applied to a start request that names neither asset side.
const (
	defaultTopPerMarketplace = 10
	defaultRecencyDays       = 90
)

var defaultPlatforms = []string{"youtube", "bilibili"}

// StartRequest is the validated payload of POST /v1/jobs. Leaving both
// marketplace tops and platforms empty starts a full two-sided job with
// defaults; setting only one side starts a single-sided job and the phase
// barriers relax accordingly.
type StartRequest struct {
	Industry    string              `json:"industry" validate:"required,min=2,max=200"`
	TopAmz      int                 `json:"top_amz" validate:"min=0,max=100"`
	TopEbay     int                 `json:"top_ebay" validate:"min=0,max=100"`
	Queries     map[string][]string `json:"queries"`
	Platforms   []string            `json:"platforms" validate:"omitempty,dive,oneof=youtube bilibili"`
	RecencyDays int                 `json:"recency_days" validate:"min=0,max=365"`
}

// Status is the job status projection served by GET /v1/jobs/{id}/status.
// An unknown job id yields phase "unknown" with zero counts rather than an
// error, so pollers racing job creation see a stable shape.
type Status struct {
	JobID         string           `json:"job_id"`
	Phase         domain.JobPhase  `json:"phase"`
	Percent       int              `json:"percent"`
	Counts        domain.JobCounts `json:"counts"`
	MatchCount    int              `json:"match_count"`
	FailureReason string           `json:"failure_reason,omitempty"`
	UpdatedAt     *time.Time       `json:"updated_at,omitempty"`
}

// JobService implements the job lifecycle operations behind the HTTP API.
type JobService struct {
	Jobs     domain.JobRepository
	Matches  domain.MatchRepository
	Products domain.ProductRepository
	Videos   domain.VideoRepository
	Purger   domain.Purger
	Bus      domain.Publisher
	Cache    domain.StatusCache
	Vectors  domain.VectorIndex
	Blobs    domain.BlobStore
	Seeds    *config.QuerySeeds

	validate *validator.Validate
}

// NewJobService constructs a JobService. Seeds may be nil when no query seed
// file is configured.
func NewJobService(jobs domain.JobRepository, matches domain.MatchRepository, products domain.ProductRepository, videos domain.VideoRepository, purger domain.Purger, bus domain.Publisher, cache domain.StatusCache, vectors domain.VectorIndex, blobs domain.BlobStore, seeds *config.QuerySeeds) JobService {
	return JobService{
		Jobs: jobs, Matches: matches, Products: products, Videos: videos,
		Purger: purger, Bus: bus, Cache: cache, Vectors: vectors, Blobs: blobs,
		Seeds:    seeds,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Start validates the request, persists the job in the collection phase and
// publishes the collect/search requests for the active asset sides.
func (s JobService) Start(ctx domain.Context, req StartRequest) (domain.Job, error) {
	if err := s.validate.Struct(req); err != nil {
		return domain.Job{}, fmt.Errorf("op=job.start: %w: %v", domain.ErrInvalidArgument, err)
	}
	req = applyDefaults(req)
	hasProducts := req.TopAmz > 0 || req.TopEbay > 0
	hasVideos := len(req.Platforms) > 0
	if !hasProducts && !hasVideos {
		return domain.Job{}, fmt.Errorf("op=job.start: %w: neither marketplaces nor platforms requested", domain.ErrInvalidArgument)
	}
	if hasProducts && (req.TopAmz < 1 || req.TopEbay < 1) {
		return domain.Job{}, fmt.Errorf("op=job.start: %w: top_amz and top_ebay must both be at least 1 for a product-collecting job", domain.ErrInvalidArgument)
	}
	if len(req.Queries) == 0 {
		req.Queries = s.seedQueries(req.Industry)
	}

	now := time.Now().UTC()
	job := domain.Job{
		ID:          uuid.New().String(),
		Phase:       domain.PhaseCollection,
		Industry:    req.Industry,
		TopAmz:      req.TopAmz,
		TopEbay:     req.TopEbay,
		Queries:     req.Queries,
		Platforms:   req.Platforms,
		RecencyDays: req.RecencyDays,
		HasProducts: hasProducts,
		HasVideos:   hasVideos,
		StartedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.Jobs.Create(ctx, &job); err != nil {
		return domain.Job{}, err
	}

	if hasProducts {
		err := s.Bus.Publish(ctx, event.TopicProductsCollectRequest, map[string]any{
			"job_id":   job.ID,
			"queries":  job.Queries,
			"top_amz":  job.TopAmz,
			"top_ebay": job.TopEbay,
		})
		if err != nil {
			return domain.Job{}, s.failStart(ctx, job.ID, err)
		}
	}
	if hasVideos {
		err := s.Bus.Publish(ctx, event.TopicVideosSearchRequest, map[string]any{
			"job_id":       job.ID,
			"industry":     job.Industry,
			"queries":      job.Queries,
			"platforms":    job.Platforms,
			"recency_days": job.RecencyDays,
		})
		if err != nil {
			return domain.Job{}, s.failStart(ctx, job.ID, err)
		}
	}
	slog.Info("job started",
		slog.String("job_id", job.ID), slog.String("industry", job.Industry),
		slog.Bool("has_products", hasProducts), slog.Bool("has_videos", hasVideos))
	return job, nil
}

// failStart marks a freshly created job failed when its kickoff publish
// failed, so it does not linger in collection forever.
func (s JobService) failStart(ctx domain.Context, jobID string, cause error) error {
	if err := s.Jobs.MarkFailed(ctx, jobID, "kickoff publish failed"); err != nil {
		slog.Error("mark failed after kickoff error", slog.String("job_id", jobID), slog.Any("error", err))
	}
	return fmt.Errorf("op=job.start: %w", cause)
}

// GetStatus returns the status projection for a job, served from the cache
// when fresh. Unknown jobs return phase "unknown" with zeros, never an
// error.
func (s JobService) GetStatus(ctx domain.Context, jobID string) (Status, error) {
	if s.Cache != nil {
		if body, ok, err := s.Cache.GetStatus(ctx, jobID); err == nil && ok {
			var st Status
			if err := json.Unmarshal(body, &st); err == nil {
				return st, nil
			}
		}
	}
	job, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return Status{JobID: jobID, Phase: domain.PhaseUnknown}, nil
		}
		return Status{}, err
	}
	st := Status{
		JobID:         job.ID,
		Phase:         job.Phase,
		Percent:       job.Phase.Percent(),
		FailureReason: job.FailureReason,
	}
	if !job.UpdatedAt.IsZero() {
		u := job.UpdatedAt
		st.UpdatedAt = &u
	}
	if counts, err := s.Jobs.Counts(ctx, jobID); err == nil {
		st.Counts = counts
	}
	if job.Phase == domain.PhaseEvidence || job.Phase == domain.PhaseCompleted {
		if n, err := s.Matches.CountByJob(ctx, jobID); err == nil {
			st.MatchCount = n
		}
	}
	if s.Cache != nil {
		if body, err := json.Marshal(st); err == nil {
			if err := s.Cache.SetStatus(ctx, jobID, body, statusCacheTTL); err != nil {
				slog.Warn("status cache write failed", slog.String("job_id", jobID), slog.Any("error", err))
			}
		}
	}
	return st, nil
}

// Cancel moves a job to the cancelled phase. Cancelling an already cancelled
// job is a no-op; cancelling a completed or failed job is a conflict.
// In-flight workers observe the phase on their next job lookup and stop,
// which is why cancellation needs no per-worker signalling.
func (s JobService) Cancel(ctx domain.Context, jobID, reason, notes string) (domain.Job, error) {
	job, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if job.Phase == domain.PhaseCancelled {
		return job, nil
	}
	if job.Phase.Terminal() {
		return domain.Job{}, fmt.Errorf("op=job.cancel: %w: job is %s", domain.ErrConflict, job.Phase)
	}
	now := time.Now().UTC()
	if err := s.Jobs.MarkCancelled(ctx, jobID, reason, notes, now); err != nil {
		return domain.Job{}, err
	}
	if s.Cache != nil {
		if err := s.Cache.Invalidate(ctx, jobID); err != nil {
			slog.Warn("status cache invalidate failed", slog.String("job_id", jobID), slog.Any("error", err))
		}
	}
	slog.Info("job cancelled", slog.String("job_id", jobID), slog.String("reason", reason))
	return s.Jobs.Get(ctx, jobID)
}

// Delete purges every trace of a job: database rows, vector points and blob
// artifacts. An active job is deleted only with force, which cancels it
// first; otherwise the call conflicts.
func (s JobService) Delete(ctx domain.Context, jobID string, force bool) error {
	job, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.Phase.Terminal() {
		if !force {
			return fmt.Errorf("op=job.delete: %w: job is %s, use force", domain.ErrConflict, job.Phase)
		}
		if err := s.Jobs.MarkCancelled(ctx, jobID, "deleted", "", time.Now().UTC()); err != nil {
			return err
		}
	}
	s.deleteBlobs(ctx, jobID)
	if s.Vectors != nil {
		if err := s.Vectors.DeleteByJob(ctx, jobID); err != nil {
			slog.Warn("vector cleanup failed", slog.String("job_id", jobID), slog.Any("error", err))
		}
	}
	if err := s.Purger.PurgeJob(ctx, jobID); err != nil {
		return err
	}
	if s.Cache != nil {
		if err := s.Cache.Invalidate(ctx, jobID); err != nil {
			slog.Warn("status cache invalidate failed", slog.String("job_id", jobID), slog.Any("error", err))
		}
	}
	slog.Info("job deleted", slog.String("job_id", jobID), slog.Bool("force", force))
	return nil
}

// PurgeExpired deletes terminal jobs older than the cutoff. Used by the
// retention sweeper.
func (s JobService) PurgeExpired(ctx domain.Context, cutoff time.Time) (int, error) {
	ids, err := s.Purger.ListJobsOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, id := range ids {
		if err := s.Delete(ctx, id, true); err != nil {
			slog.Warn("retention purge failed", slog.String("job_id", id), slog.Any("error", err))
			continue
		}
		purged++
	}
	return purged, nil
}

// deleteBlobs removes the job's stored artifacts best-effort; database purge
// proceeds even when some files are already gone.
func (s JobService) deleteBlobs(ctx domain.Context, jobID string) {
	if s.Blobs == nil {
		return
	}
	drop := func(path string) {
		if path == "" {
			return
		}
		if err := s.Blobs.Delete(ctx, path); err != nil {
			slog.Warn("blob delete failed", slog.String("path", path), slog.Any("error", err))
		}
	}
	if s.Matches != nil {
		if matches, err := s.Matches.ListByJob(ctx, jobID); err == nil {
			for _, m := range matches {
				drop(m.EvidencePath)
			}
		}
	}
	if s.Products != nil {
		if images, err := s.Products.ListImagesByJob(ctx, jobID); err == nil {
			for _, img := range images {
				drop(img.LocalPath)
				drop(img.MaskedLocalPath)
				drop(img.KeypointsPath)
			}
		}
	}
	if s.Videos != nil {
		if frames, err := s.Videos.ListFramesByJob(ctx, jobID); err == nil {
			for _, f := range frames {
				drop(f.LocalPath)
				drop(f.MaskedLocalPath)
				drop(f.KeypointsPath)
			}
		}
	}
}

func (s JobService) seedQueries(industry string) map[string][]string {
	if s.Seeds != nil {
		return s.Seeds.For(industry)
	}
	return map[string][]string{"en": {industry}}
}

// applyDefaults fills a request that named neither side with a full
// two-sided job, and defaults recency for video jobs.
func applyDefaults(req StartRequest) StartRequest {
	if req.TopAmz == 0 && req.TopEbay == 0 && len(req.Platforms) == 0 {
		req.TopAmz = defaultTopPerMarketplace
		req.TopEbay = defaultTopPerMarketplace
		req.Platforms = append([]string(nil), defaultPlatforms...)
	}
	if len(req.Platforms) > 0 && req.RecencyDays == 0 {
		req.RecencyDays = defaultRecencyDays
	}
	return req
}
