// Command segmentor runs the background segmentation stage worker.
package main

import (
	"context"

	"github.com/fairyhunter13/product-video-matcher/internal/adapter/blob"
	"github.com/fairyhunter13/product-video-matcher/internal/adapter/bus/redpanda"
	"github.com/fairyhunter13/product-video-matcher/internal/adapter/feature"
	"github.com/fairyhunter13/product-video-matcher/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/product-video-matcher/internal/app"
	"github.com/fairyhunter13/product-video-matcher/internal/event"
	"github.com/fairyhunter13/product-video-matcher/internal/usecase"
	"github.com/fairyhunter13/product-video-matcher/internal/worker"
)

func main() {
	cfg, cleanup, err := app.Bootstrap("matcher-segmentor")
	if err != nil {
		app.Fatal("config load failed", err)
	}
	defer cleanup()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		app.Fatal("db connect failed", err)
	}
	defer pool.Close()

	pub, err := redpanda.NewPublisher(cfg.KafkaBrokers, "matcher-segmentor")
	if err != nil {
		app.Fatal("redpanda connect failed", err)
	}
	defer func() { _ = pub.Close() }()

	tracker := usecase.NewTracker(postgres.NewProgressRepo(pool), pub, cfg.ThresholdPct(), cfg.WatermarkTTL)
	seg := worker.Segmentor{
		Jobs:     postgres.NewJobRepo(pool),
		Products: postgres.NewProductRepo(pool),
		Videos:   postgres.NewVideoRepo(pool),
		Blobs:    blob.New(cfg.DataRoot, cfg.PublicBaseURL),
		Seg:      feature.SelectSegmenter(cfg, feature.NewClient(cfg)),
		Track:    tracker,
		Bus:      pub,
	}

	bindings := []app.Binding{
		{Topic: event.TopicProductsImagesReadyBatch, Handler: seg.HandleImageBatch},
		{Topic: event.TopicProductsImageReady, Handler: seg.HandleImageReady},
		{Topic: event.TopicVideosKeyframesReadyBatch, Handler: seg.HandleKeyframesBatch},
		{Topic: event.TopicVideosKeyframesReady, Handler: seg.HandleKeyframesReady},
	}
	if err := app.RunService(cfg, worker.SegmentorConsumer, pub, bindings); err != nil {
		app.Fatal("service failed", err)
	}
}
