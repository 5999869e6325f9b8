// Command keypointer runs the keypoint detection stage worker.
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
	cfg, cleanup, err := app.Bootstrap("matcher-keypointer")
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

	pub, err := redpanda.NewPublisher(cfg.KafkaBrokers, "matcher-keypointer")
	if err != nil {
		app.Fatal("redpanda connect failed", err)
	}
	defer func() { _ = pub.Close() }()

	tracker := usecase.NewTracker(postgres.NewProgressRepo(pool), pub, cfg.ThresholdPct(), cfg.WatermarkTTL)
	kp := worker.Keypointer{
		Jobs:     postgres.NewJobRepo(pool),
		Products: postgres.NewProductRepo(pool),
		Videos:   postgres.NewVideoRepo(pool),
		Blobs:    blob.New(cfg.DataRoot, cfg.PublicBaseURL),
		KP:       feature.SelectKeypointExtractor(cfg, feature.NewClient(cfg)),
		Track:    tracker,
		Bus:      pub,
	}

	bindings := []app.Binding{
		{Topic: event.TopicProductsImagesMaskedBatch, Handler: kp.HandleImagesMaskedBatch},
		{Topic: event.TopicProductsImageMasked, Handler: kp.HandleImageMasked},
		{Topic: event.TopicVideoKeyframesMaskedBatch, Handler: kp.HandleKeyframesMaskedBatch},
		{Topic: event.TopicVideoKeyframesMasked, Handler: kp.HandleKeyframesMasked},
	}
	if err := app.RunService(cfg, worker.KeypointerConsumer, pub, bindings); err != nil {
		app.Fatal("service failed", err)
	}
}
