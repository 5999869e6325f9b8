package usecase

import (
	"errors"
	"log/slog"

	"github.com/fairyhunter13/product-video-matcher/internal/adapter/observability"
	"github.com/fairyhunter13/product-video-matcher/internal/domain"
	"github.com/fairyhunter13/product-video-matcher/internal/event"
)

// Transitioner is the phase coordinator. It consumes job-level completion
// events, records a durable receipt per (job, event name), and advances the
// job phase when the current phase's barrier set is satisfied. Barriers are
// evaluated from persisted receipts, so a restart mid-phase loses nothing,
// and the compare-and-set on the jobs row keeps concurrent evaluations from
// double advancing.
type Transitioner struct {
	Jobs     domain.JobRepository
	Events   domain.PhaseEventRepository
	Matches  domain.MatchRepository
	Progress domain.ProgressRepository
	Cache    domain.StatusCache
	Bus      domain.Publisher
	TopK     int
}

// NewTransitioner constructs a Transitioner.
func NewTransitioner(jobs domain.JobRepository, events domain.PhaseEventRepository, matches domain.MatchRepository, progress domain.ProgressRepository, cache domain.StatusCache, bus domain.Publisher, topK int) Transitioner {
	return Transitioner{Jobs: jobs, Events: events, Matches: matches, Progress: progress, Cache: cache, Bus: bus, TopK: topK}
}

// HandleCompletion processes one job-level completion event. The receipt is
// recorded even for terminal jobs so that late completions of a cancelled
// job are visible, but only non-terminal jobs advance.
func (t Transitioner) HandleCompletion(ctx domain.Context, jobID, name, eventID string) error {
	first, err := t.Events.Record(ctx, jobID, name, eventID)
	if err != nil {
		return err
	}
	if !first {
		slog.Debug("completion replay ignored",
			slog.String("job_id", jobID), slog.String("event", name))
		return nil
	}
	return t.evaluate(ctx, jobID)
}

// evaluate advances the job through as many phases as the recorded receipts
// allow. A completion arriving out of order (for a phase the job is not in
// yet) is recorded now and consumed by a later evaluation.
func (t Transitioner) evaluate(ctx domain.Context, jobID string) error {
	for {
		job, err := t.Jobs.Get(ctx, jobID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				slog.Warn("completion for unknown job", slog.String("job_id", jobID))
				return nil
			}
			return err
		}
		if job.Phase.Terminal() {
			return nil
		}
		names, err := t.Events.Names(ctx, jobID)
		if err != nil {
			return err
		}
		if !barrierMet(job, names) {
			return nil
		}
		next := job.Phase.Next()
		if next == "" {
			return nil
		}
		advanced, err := t.Jobs.AdvancePhase(ctx, jobID, job.Phase, next)
		if err != nil {
			return err
		}
		if !advanced {
			// Lost the CAS; the winner runs the side effects.
			return nil
		}
		if t.Cache != nil {
			if err := t.Cache.Invalidate(ctx, jobID); err != nil {
				slog.Warn("status cache invalidate failed", slog.String("job_id", jobID), slog.Any("error", err))
			}
		}
		observability.PhaseTransitionsTotal.WithLabelValues(string(next)).Inc()
		slog.Info("job phase advanced",
			slog.String("job_id", jobID),
			slog.String("from", string(job.Phase)), slog.String("to", string(next)))
		if err := t.onEnter(ctx, job, next); err != nil {
			return err
		}
	}
}

// onEnter runs the side effects of entering a phase. match.request is
// published only here, on the single transition into matching, so the
// matcher sees exactly one request per job run.
func (t Transitioner) onEnter(ctx domain.Context, job domain.Job, phase domain.JobPhase) error {
	switch phase {
	case domain.PhaseMatching:
		return t.Bus.Publish(ctx, event.TopicMatchRequest, map[string]any{
			"job_id":         job.ID,
			"industry":       job.Industry,
			"product_set_id": job.ID,
			"video_set_id":   job.ID,
			"top_k":          t.TopK,
		})
	case domain.PhaseCompleted:
		count, err := t.Matches.CountByJob(ctx, job.ID)
		if err != nil {
			return err
		}
		return t.Bus.Publish(ctx, event.TopicJobCompleted, map[string]any{
			"job_id":                 job.ID,
			"phase":                  string(domain.PhaseCompleted),
			"match_count":            count,
			"has_partial_completion": t.anyPartial(ctx, job.ID),
		})
	default:
		return nil
	}
}

// FailJob marks a job failed and fans out the terminal event. Used by the
// DLQ path when an event exhausts its deliveries.
func (t Transitioner) FailJob(ctx domain.Context, jobID, reason string) error {
	job, err := t.Jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Phase.Terminal() {
		return nil
	}
	if err := t.Jobs.MarkFailed(ctx, jobID, reason); err != nil {
		return err
	}
	if t.Cache != nil {
		if err := t.Cache.Invalidate(ctx, jobID); err != nil {
			slog.Warn("status cache invalidate failed", slog.String("job_id", jobID), slog.Any("error", err))
		}
	}
	observability.PhaseTransitionsTotal.WithLabelValues(string(domain.PhaseFailed)).Inc()
	slog.Error("job failed", slog.String("job_id", jobID), slog.String("reason", reason))
	return t.Bus.Publish(ctx, event.TopicJobCompleted, map[string]any{
		"job_id":                 jobID,
		"phase":                  string(domain.PhaseFailed),
		"match_count":            0,
		"has_partial_completion": false,
	})
}

// anyPartial reports whether any stage of the job closed with fewer assets
// than announced.
func (t Transitioner) anyPartial(ctx domain.Context, jobID string) bool {
	stages := []domain.Stage{
		domain.StageProductsImages, domain.StageVideoKeyframes,
		domain.StageImageEmbeddings, domain.StageImageKeypoints,
		domain.StageVideoEmbeddings, domain.StageVideoKeypoints,
		domain.StageEvidences,
	}
	for _, st := range stages {
		p, err := t.Progress.Get(ctx, jobID, st)
		if err != nil {
			continue
		}
		if p.ExpectedKnown && p.Partial() {
			return true
		}
	}
	return false
}

// barrierMet reports whether every completion required to leave the job's
// current phase has been recorded. Required sets are relaxed by asset side:
// a job that collects no products does not wait on product-side completions,
// and symmetrically for videos.
func barrierMet(job domain.Job, names map[string]bool) bool {
	required := requiredCompletions(job.Phase, job.HasProducts, job.HasVideos)
	if len(required) == 0 {
		return false
	}
	for _, n := range required {
		if !names[n] {
			return false
		}
	}
	return true
}

func requiredCompletions(phase domain.JobPhase, hasProducts, hasVideos bool) []string {
	var req []string
	switch phase {
	case domain.PhaseCollection:
		if hasProducts {
			req = append(req, event.TopicProductsCollectionsCompleted)
		}
		if hasVideos {
			req = append(req, event.TopicVideosCollectionsCompleted)
		}
	case domain.PhaseFeatureExtraction:
		if hasProducts {
			req = append(req, event.TopicImageEmbeddingsCompleted, event.TopicImageKeypointsCompleted)
		}
		if hasVideos {
			req = append(req, event.TopicVideoEmbeddingsCompleted, event.TopicVideoKeypointsCompleted)
		}
	case domain.PhaseMatching:
		req = append(req, event.TopicMatchRequestCompleted)
	case domain.PhaseEvidence:
		req = append(req, event.TopicEvidencesCompleted)
	}
	return req
}
