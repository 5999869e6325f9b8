package usecase_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/product-video-matcher/internal/domain"
	"github.com/fairyhunter13/product-video-matcher/internal/event"
	"github.com/fairyhunter13/product-video-matcher/internal/usecase"
)

func newTracker(bus *memBus) (usecase.Tracker, *memProgress) {
	progress := newMemProgress()
	return usecase.NewTracker(progress, bus, 90, 5*time.Minute), progress
}

func TestTracker_CompletesAtThreshold(t *testing.T) {
	ctx := context.Background()
	bus := newMemBus()
	tr, _ := newTracker(bus)

	require.NoError(t, tr.ApplyTotal(ctx, "evt-total", "embedder", "job-1", domain.StageImageEmbeddings, 10))
	for i := 0; i < 8; i++ {
		require.NoError(t, tr.ApplyDone(ctx, eventID("done", i), "embedder", "job-1", domain.StageImageEmbeddings, 1))
	}
	assert.Empty(t, bus.byTopic(event.TopicImageEmbeddingsCompleted), "below ceil(10*90%)=9")

	require.NoError(t, tr.ApplyDone(ctx, "evt-done-8", "embedder", "job-1", domain.StageImageEmbeddings, 1))
	completions := bus.byTopic(event.TopicImageEmbeddingsCompleted)
	require.Len(t, completions, 1)
	fields := completions[0].Fields
	assert.Equal(t, "job-1", fields["job_id"])
	assert.Equal(t, 10, fields["total_assets"])
	assert.Equal(t, 9, fields["processed_assets"])
	assert.Equal(t, true, fields["has_partial_completion"], "9 of 10 is a partial close")

	// The tenth asset lands after the emission; counters move, nothing new
	// is published.
	require.NoError(t, tr.ApplyDone(ctx, "evt-done-9", "embedder", "job-1", domain.StageImageEmbeddings, 1))
	assert.Len(t, bus.byTopic(event.TopicImageEmbeddingsCompleted), 1)
}

func TestTracker_ZeroTotalCompletesImmediately(t *testing.T) {
	ctx := context.Background()
	bus := newMemBus()
	tr, _ := newTracker(bus)

	require.NoError(t, tr.ApplyTotal(ctx, "evt-total", "keypointer", "job-1", domain.StageVideoKeypoints, 0))
	completions := bus.byTopic(event.TopicVideoKeypointsCompleted)
	require.Len(t, completions, 1)
	assert.Equal(t, 0, completions[0].Fields["total_assets"])
	assert.Equal(t, false, completions[0].Fields["has_partial_completion"])
}

func TestTracker_DuplicateDeliveriesDoNotDoubleCount(t *testing.T) {
	ctx := context.Background()
	bus := newMemBus()
	tr, progress := newTracker(bus)

	require.NoError(t, tr.ApplyTotal(ctx, "evt-total", "segmentor", "job-1", domain.StageProductsImages, 2))
	for i := 0; i < 3; i++ {
		require.NoError(t, tr.ApplyDone(ctx, "evt-done-0", "segmentor", "job-1", domain.StageProductsImages, 1))
	}
	p, err := progress.Get(ctx, "job-1", domain.StageProductsImages)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Done, "redeliveries of one event count once")
	assert.Empty(t, bus.byTopic(event.TopicProductsImagesMaskedBatch))

	require.NoError(t, tr.ApplyDone(ctx, "evt-done-1", "segmentor", "job-1", domain.StageProductsImages, 1))
	batches := bus.byTopic(event.TopicProductsImagesMaskedBatch)
	require.Len(t, batches, 1)
	assert.Equal(t, 2, batches[0].Fields["total_images"], "masked batch announces the realized count")
}

func TestTracker_SegmentationStageAnnouncesDownstreamTotal(t *testing.T) {
	ctx := context.Background()
	bus := newMemBus()
	tr, _ := newTracker(bus)

	require.NoError(t, tr.ApplyTotal(ctx, "evt-total", "segmentor", "job-1", domain.StageVideoKeyframes, 4))
	require.NoError(t, tr.ApplyDone(ctx, "evt-a", "segmentor", "job-1", domain.StageVideoKeyframes, 3))
	require.NoError(t, tr.ApplyFailed(ctx, "evt-b", "segmentor", "job-1", domain.StageVideoKeyframes, 1))
	// 3 of 4 done, one failed: threshold ceil(4*90%)=4 not reached, the
	// watermark sweep closes it.
	require.Empty(t, bus.byTopic(event.TopicVideoKeyframesMaskedBatch))

	closed, err := tr.ForceExpired(ctx, time.Now().UTC().Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, closed)
	batches := bus.byTopic(event.TopicVideoKeyframesMaskedBatch)
	require.Len(t, batches, 1)
	assert.Equal(t, 3, batches[0].Fields["total_keyframes"])
}

func TestTracker_ForceExpiredEmitsOncePerStage(t *testing.T) {
	ctx := context.Background()
	bus := newMemBus()
	tr, _ := newTracker(bus)

	require.NoError(t, tr.ApplyTotal(ctx, "evt-total", "embedder", "job-1", domain.StageVideoEmbeddings, 5))
	require.NoError(t, tr.ApplyDone(ctx, "evt-done", "embedder", "job-1", domain.StageVideoEmbeddings, 2))

	deadline := time.Now().UTC().Add(10 * time.Minute)
	closed, err := tr.ForceExpired(ctx, deadline)
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	closed, err = tr.ForceExpired(ctx, deadline)
	require.NoError(t, err)
	assert.Zero(t, closed, "second sweep finds nothing to close")

	completions := bus.byTopic(event.TopicVideoEmbeddingsCompleted)
	require.Len(t, completions, 1)
	assert.Equal(t, true, completions[0].Fields["has_partial_completion"])
	assert.Equal(t, 2, completions[0].Fields["processed_assets"])
}

func TestTracker_LateTotalAfterEmissionIsConsumed(t *testing.T) {
	ctx := context.Background()
	bus := newMemBus()
	tr, progress := newTracker(bus)

	require.NoError(t, tr.ApplyTotal(ctx, "evt-total", "embedder", "job-1", domain.StageImageEmbeddings, 0))
	require.Len(t, bus.byTopic(event.TopicImageEmbeddingsCompleted), 1)

	require.NoError(t, tr.ApplyTotal(ctx, "evt-total-late", "embedder", "job-1", domain.StageImageEmbeddings, 7))
	p, err := progress.Get(ctx, "job-1", domain.StageImageEmbeddings)
	require.NoError(t, err)
	assert.Zero(t, p.Expected, "a total landing after emission leaves the closed stage untouched")
	assert.Len(t, bus.byTopic(event.TopicImageEmbeddingsCompleted), 1)
}

func eventID(prefix string, i int) string {
	return "evt-" + prefix + "-" + string(rune('0'+i))
}
