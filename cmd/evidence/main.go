// Command evidence runs the evidence generation worker.
package main

import (
	"context"

	"github.com/fairyhunter13/product-video-matcher/internal/adapter/blob"
	"github.com/fairyhunter13/product-video-matcher/internal/adapter/bus/redpanda"
	"github.com/fairyhunter13/product-video-matcher/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/product-video-matcher/internal/app"
	"github.com/fairyhunter13/product-video-matcher/internal/event"
	"github.com/fairyhunter13/product-video-matcher/internal/evidence"
	"github.com/fairyhunter13/product-video-matcher/internal/usecase"
)

func main() {
	cfg, cleanup, err := app.Bootstrap("matcher-evidence")
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

	pub, err := redpanda.NewPublisher(cfg.KafkaBrokers, "matcher-evidence")
	if err != nil {
		app.Fatal("redpanda connect failed", err)
	}
	defer func() { _ = pub.Close() }()

	tracker := usecase.NewTracker(postgres.NewProgressRepo(pool), pub, cfg.ThresholdPct(), cfg.WatermarkTTL)
	coord := evidence.Coordinator{
		Jobs:     postgres.NewJobRepo(pool),
		Matches:  postgres.NewMatchRepo(pool),
		Products: postgres.NewProductRepo(pool),
		Videos:   postgres.NewVideoRepo(pool),
		Blobs:    blob.New(cfg.DataRoot, cfg.PublicBaseURL),
		Track:    tracker,
	}

	bindings := []app.Binding{
		{Topic: event.TopicMatchRequestCompleted, Handler: coord.HandleMatchRequestCompleted},
		{Topic: event.TopicMatchResult, Handler: coord.HandleMatchResult},
	}
	if err := app.RunService(cfg, evidence.Consumer, pub, bindings); err != nil {
		app.Fatal("service failed", err)
	}
}
