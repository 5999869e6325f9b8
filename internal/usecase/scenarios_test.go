package usecase_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/product-video-matcher/internal/domain"
	"github.com/fairyhunter13/product-video-matcher/internal/event"
	"github.com/fairyhunter13/product-video-matcher/internal/usecase"
)

// pipeline wires the job service, the progress tracker and the phase
// coordinator over the in-memory ports and routes published events the way
// the worker fleet would: batch announcements seed the downstream stage
// totals and job-level completions feed the coordinator. Collector and
// matcher behavior is scripted per scenario.
type pipeline struct {
	t        *testing.T
	jobs     *memJobs
	events   *memPhaseEvents
	matches  *memMatches
	progress *memProgress
	bus      *memBus
	svc      usecase.JobService
	coord    usecase.Transitioner
	track    usecase.Tracker

	cursor     int
	seq        int
	completion map[string]bool
}

func newPipeline(t *testing.T) *pipeline {
	p := &pipeline{
		t:          t,
		jobs:       newMemJobs(),
		events:     newMemPhaseEvents(),
		matches:    newMemMatches(),
		progress:   newMemProgress(),
		bus:        newMemBus(),
		completion: map[string]bool{},
	}
	for _, topic := range event.CompletionTopics() {
		p.completion[topic] = true
	}
	p.svc = usecase.NewJobService(p.jobs, p.matches, nil, nil, &memPurger{}, p.bus, newMemCache(), &memVector{}, newMemBlobs(), nil)
	p.coord = usecase.NewTransitioner(p.jobs, p.events, p.matches, p.progress, newMemCache(), p.bus, 20)
	p.track = usecase.NewTracker(p.progress, p.bus, 90, 5*time.Minute)
	return p
}

func (p *pipeline) nextID() string {
	p.seq++
	return fmt.Sprintf("evt-pipe-%d", p.seq)
}

// drain routes newly published events until the bus quiesces.
func (p *pipeline) drain(ctx context.Context) {
	p.t.Helper()
	for {
		p.bus.mu.Lock()
		pending := append([]published(nil), p.bus.events[p.cursor:]...)
		p.cursor = len(p.bus.events)
		p.bus.mu.Unlock()
		if len(pending) == 0 {
			return
		}
		for _, e := range pending {
			jobID, _ := e.Fields["job_id"].(string)
			switch {
			case p.completion[e.Topic]:
				require.NoError(p.t, p.coord.HandleCompletion(ctx, jobID, e.Topic, p.nextID()))
			case e.Topic == event.TopicProductsImagesMaskedBatch:
				total := e.Fields["total_images"].(int)
				require.NoError(p.t, p.track.ApplyTotal(ctx, p.nextID(), "embedder", jobID, domain.StageImageEmbeddings, total))
				require.NoError(p.t, p.track.ApplyTotal(ctx, p.nextID(), "keypointer", jobID, domain.StageImageKeypoints, total))
			case e.Topic == event.TopicVideoKeyframesMaskedBatch:
				total := e.Fields["total_keyframes"].(int)
				require.NoError(p.t, p.track.ApplyTotal(ctx, p.nextID(), "embedder", jobID, domain.StageVideoEmbeddings, total))
				require.NoError(p.t, p.track.ApplyTotal(ctx, p.nextID(), "keypointer", jobID, domain.StageVideoKeypoints, total))
			}
		}
	}
}

// collectProducts scripts the product collector and segmentor for n images.
func (p *pipeline) collectProducts(ctx context.Context, jobID string, n int) {
	p.t.Helper()
	require.NoError(p.t, p.track.ApplyTotal(ctx, p.nextID(), "segmentor", jobID, domain.StageProductsImages, n))
	for i := 0; i < n; i++ {
		require.NoError(p.t, p.track.ApplyDone(ctx, p.nextID(), "segmentor", jobID, domain.StageProductsImages, 1))
	}
	require.NoError(p.t, p.bus.Publish(ctx, event.TopicProductsCollectionsCompleted, map[string]any{"job_id": jobID}))
	p.drain(ctx)
}

// collectVideos scripts the video collector and segmentor for n keyframes.
func (p *pipeline) collectVideos(ctx context.Context, jobID string, n int) {
	p.t.Helper()
	require.NoError(p.t, p.track.ApplyTotal(ctx, p.nextID(), "segmentor", jobID, domain.StageVideoKeyframes, n))
	for i := 0; i < n; i++ {
		require.NoError(p.t, p.track.ApplyDone(ctx, p.nextID(), "segmentor", jobID, domain.StageVideoKeyframes, 1))
	}
	require.NoError(p.t, p.bus.Publish(ctx, event.TopicVideosCollectionsCompleted, map[string]any{"job_id": jobID}))
	p.drain(ctx)
}

// runFeatureStage scripts one feature worker processing all n assets of a
// stage whose total was already seeded by the masked batch event.
func (p *pipeline) runFeatureStage(ctx context.Context, consumer, jobID string, stage domain.Stage, n int) {
	p.t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(p.t, p.track.ApplyDone(ctx, p.nextID(), consumer, jobID, stage, 1))
	}
	p.drain(ctx)
}

// runMatcher scripts the matcher responding to the outstanding
// match.request with the given accepted matches.
func (p *pipeline) runMatcher(ctx context.Context, jobID string, accepted []domain.Match) {
	p.t.Helper()
	requests := p.bus.byTopic(event.TopicMatchRequest)
	require.NotEmpty(p.t, requests, "matcher needs a match.request")
	for i := range accepted {
		m := accepted[i]
		require.NoError(p.t, p.matches.Upsert(ctx, &m))
		require.NoError(p.t, p.bus.Publish(ctx, event.TopicMatchResult, map[string]any{
			"job_id": jobID, "product_id": m.ProductID, "video_id": m.VideoID,
			"best_pair": map[string]any{"img_id": m.Evidence.BestImgID, "frame_id": m.Evidence.BestFrameID, "score_pair": m.Evidence.BestScore},
			"score":     m.Score, "ts": m.Evidence.TsSec,
		}))
	}
	require.NoError(p.t, p.bus.Publish(ctx, event.TopicMatchRequestCompleted, map[string]any{
		"job_id": jobID, "match_count": len(accepted),
	}))
	p.drain(ctx)
}

// runEvidence scripts the evidence builder rendering n matches.
func (p *pipeline) runEvidence(ctx context.Context, jobID string, n int) {
	p.t.Helper()
	require.NoError(p.t, p.track.ApplyTotal(ctx, p.nextID(), "evidence", jobID, domain.StageEvidences, n))
	for i := 0; i < n; i++ {
		require.NoError(p.t, p.track.ApplyDone(ctx, p.nextID(), "evidence", jobID, domain.StageEvidences, 1))
	}
	p.drain(ctx)
}

func (p *pipeline) phase(jobID string) domain.JobPhase {
	j, err := p.jobs.Get(context.Background(), jobID)
	require.NoError(p.t, err)
	return j.Phase
}

func TestPipeline_HappyPathBothSides(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)

	job, err := p.svc.Start(ctx, usecase.StartRequest{
		Industry: "ergonomic pillows", TopAmz: 2, TopEbay: 1, Platforms: []string{"youtube"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseCollection, p.phase(job.ID))

	p.collectProducts(ctx, job.ID, 6) // 3 products x 2 images
	assert.Equal(t, domain.PhaseCollection, p.phase(job.ID), "video side still collecting")
	p.collectVideos(ctx, job.ID, 5)
	assert.Equal(t, domain.PhaseFeatureExtraction, p.phase(job.ID))

	p.runFeatureStage(ctx, "embedder", job.ID, domain.StageImageEmbeddings, 6)
	p.runFeatureStage(ctx, "keypointer", job.ID, domain.StageImageKeypoints, 6)
	p.runFeatureStage(ctx, "embedder", job.ID, domain.StageVideoEmbeddings, 5)
	assert.Equal(t, domain.PhaseFeatureExtraction, p.phase(job.ID), "video keypoints pending")
	p.runFeatureStage(ctx, "keypointer", job.ID, domain.StageVideoKeypoints, 5)
	assert.Equal(t, domain.PhaseMatching, p.phase(job.ID))
	require.Len(t, p.bus.byTopic(event.TopicMatchRequest), 1)

	p.runMatcher(ctx, job.ID, []domain.Match{{
		ID: uuid.New().String(), JobID: job.ID, ProductID: "prod-1", VideoID: "vid-1",
		Score:    0.93,
		Evidence: domain.MatchEvidence{BestImgID: "img-1", BestFrameID: "frm-3", BestScore: 0.95, TsSec: 12.5},
	}})
	assert.Equal(t, domain.PhaseEvidence, p.phase(job.ID))

	p.runEvidence(ctx, job.ID, 1)
	assert.Equal(t, domain.PhaseCompleted, p.phase(job.ID))

	results := p.bus.byTopic(event.TopicMatchResult)
	require.Len(t, results, 1)
	assert.GreaterOrEqual(t, results[0].Fields["score"].(float64), 0.8)
	assert.Len(t, p.bus.byTopic(event.TopicMatchRequestCompleted), 1)

	done := p.bus.byTopic(event.TopicJobCompleted)
	require.Len(t, done, 1)
	assert.Equal(t, 1, done[0].Fields["match_count"])
}

func TestPipeline_ZeroProductsFastPath(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)

	job, err := p.svc.Start(ctx, usecase.StartRequest{
		Industry: "ergonomic pillows", TopAmz: 2, TopEbay: 1, Platforms: []string{"youtube"},
	})
	require.NoError(t, err)

	// The product collector finds nothing: a zero batch plus its completion.
	p.collectProducts(ctx, job.ID, 0)
	p.collectVideos(ctx, job.ID, 5)

	// Zero totals cascade: image stage completions were emitted immediately.
	imgCompleted := p.bus.byTopic(event.TopicImageEmbeddingsCompleted)
	require.Len(t, imgCompleted, 1)
	assert.Equal(t, 0, imgCompleted[0].Fields["total_assets"])
	require.Len(t, p.bus.byTopic(event.TopicImageKeypointsCompleted), 1)

	p.runFeatureStage(ctx, "embedder", job.ID, domain.StageVideoEmbeddings, 5)
	p.runFeatureStage(ctx, "keypointer", job.ID, domain.StageVideoKeypoints, 5)
	assert.Equal(t, domain.PhaseMatching, p.phase(job.ID))

	p.runMatcher(ctx, job.ID, nil)
	assert.Equal(t, domain.PhaseEvidence, p.phase(job.ID))
	p.runEvidence(ctx, job.ID, 0)
	assert.Equal(t, domain.PhaseCompleted, p.phase(job.ID))

	assert.Empty(t, p.bus.byTopic(event.TopicMatchResult))
	assert.Len(t, p.bus.byTopic(event.TopicEvidencesCompleted), 1)
	done := p.bus.byTopic(event.TopicJobCompleted)
	require.Len(t, done, 1)
	assert.Equal(t, 0, done[0].Fields["match_count"])
}

func TestPipeline_PartialCompletionAtWatermark(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)

	job, err := p.svc.Start(ctx, usecase.StartRequest{Industry: "ergonomic pillows", TopAmz: 2, TopEbay: 1})
	require.NoError(t, err)
	p.collectProducts(ctx, job.ID, 20)
	assert.Equal(t, domain.PhaseFeatureExtraction, p.phase(job.ID))

	// Only 18 of 20 assets ever arrive; threshold ceil(20*90%)=18 closes
	// the stage as partial without waiting for the watermark.
	p.runFeatureStage(ctx, "embedder", job.ID, domain.StageImageEmbeddings, 18)
	completed := p.bus.byTopic(event.TopicImageEmbeddingsCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, 18, completed[0].Fields["processed_assets"])
	assert.Equal(t, 0, completed[0].Fields["failed_assets"])
	assert.Equal(t, true, completed[0].Fields["has_partial_completion"])

	// The keypoint stage stalls at 17 and needs the watermark sweep.
	p.runFeatureStage(ctx, "keypointer", job.ID, domain.StageImageKeypoints, 17)
	assert.Empty(t, p.bus.byTopic(event.TopicImageKeypointsCompleted))
	closed, err := p.track.ForceExpired(ctx, time.Now().UTC().Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, closed)
	p.drain(ctx)

	kpCompleted := p.bus.byTopic(event.TopicImageKeypointsCompleted)
	require.Len(t, kpCompleted, 1)
	assert.Equal(t, true, kpCompleted[0].Fields["has_partial_completion"])
	assert.Equal(t, domain.PhaseMatching, p.phase(job.ID), "partial completions still advance the phase")
}

func TestPipeline_DuplicateCompletionRedelivery(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)

	job := twoSidedJob("job-1", domain.PhaseMatching)
	require.NoError(t, p.jobs.Create(ctx, &job))

	for i := 0; i < 3; i++ {
		require.NoError(t, p.coord.HandleCompletion(ctx, "job-1", event.TopicMatchRequestCompleted, "evt-E"))
	}

	assert.Equal(t, domain.PhaseEvidence, p.phase("job-1"))
	assert.Equal(t, 1, p.events.total, "one durable receipt for three deliveries")
	names, err := p.events.Names(ctx, "job-1")
	require.NoError(t, err)
	assert.Len(t, names, 1)
}

func TestPipeline_CancellationMidFlight(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)

	job, err := p.svc.Start(ctx, usecase.StartRequest{Industry: "ergonomic pillows"})
	require.NoError(t, err)
	p.collectProducts(ctx, job.ID, 4)
	p.collectVideos(ctx, job.ID, 4)
	require.Equal(t, domain.PhaseFeatureExtraction, p.phase(job.ID))

	_, err = p.svc.Cancel(ctx, job.ID, "user_request", "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseCancelled, p.phase(job.ID))

	// Late feature completions are recorded but the phase stays put.
	p.runFeatureStage(ctx, "embedder", job.ID, domain.StageImageEmbeddings, 4)
	p.runFeatureStage(ctx, "keypointer", job.ID, domain.StageImageKeypoints, 4)
	p.runFeatureStage(ctx, "embedder", job.ID, domain.StageVideoEmbeddings, 4)
	p.runFeatureStage(ctx, "keypointer", job.ID, domain.StageVideoKeypoints, 4)

	assert.Equal(t, domain.PhaseCancelled, p.phase(job.ID))
	assert.Empty(t, p.bus.byTopic(event.TopicMatchRequest))
	names, err := p.events.Names(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, names[event.TopicImageEmbeddingsCompleted], "late completion receipt recorded")
}
