// Command embedder runs the embedding stage worker for both product images
// and video keyframes, and indexes frame vectors for retrieval.
package main

import (
	"context"
	"log/slog"

	"github.com/fairyhunter13/product-video-matcher/internal/adapter/blob"
	"github.com/fairyhunter13/product-video-matcher/internal/adapter/bus/redpanda"
	"github.com/fairyhunter13/product-video-matcher/internal/adapter/feature"
	"github.com/fairyhunter13/product-video-matcher/internal/adapter/repo/postgres"
	qdrantcli "github.com/fairyhunter13/product-video-matcher/internal/adapter/vector/qdrant"
	"github.com/fairyhunter13/product-video-matcher/internal/app"
	"github.com/fairyhunter13/product-video-matcher/internal/domain"
	"github.com/fairyhunter13/product-video-matcher/internal/event"
	"github.com/fairyhunter13/product-video-matcher/internal/usecase"
	"github.com/fairyhunter13/product-video-matcher/internal/worker"
)

func main() {
	cfg, cleanup, err := app.Bootstrap("matcher-embedder")
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

	pub, err := redpanda.NewPublisher(cfg.KafkaBrokers, "matcher-embedder")
	if err != nil {
		app.Fatal("redpanda connect failed", err)
	}
	defer func() { _ = pub.Close() }()

	vectors := qdrantcli.New(cfg.QdrantURL, cfg.QdrantAPIKey, cfg.QdrantCollection)
	if err := vectors.EnsureCollection(ctx, 2*domain.EmbeddingDim); err != nil {
		slog.Warn("qdrant collection bootstrap failed", slog.Any("error", err))
	}

	tracker := usecase.NewTracker(postgres.NewProgressRepo(pool), pub, cfg.ThresholdPct(), cfg.WatermarkTTL)
	emb := worker.Embedder{
		Jobs:       postgres.NewJobRepo(pool),
		Products:   postgres.NewProductRepo(pool),
		Videos:     postgres.NewVideoRepo(pool),
		Blobs:      blob.New(cfg.DataRoot, cfg.PublicBaseURL),
		Emb:        feature.SelectEmbedder(cfg, feature.NewClient(cfg)),
		Vectors:    vectors,
		Track:      tracker,
		Bus:        pub,
		WeightRGB:  cfg.EmbWeightRGB,
		WeightGray: cfg.EmbWeightGray,
	}

	bindings := []app.Binding{
		{Topic: event.TopicProductsImagesMaskedBatch, Handler: emb.HandleImagesMaskedBatch},
		{Topic: event.TopicProductsImageMasked, Handler: emb.HandleImageMasked},
		{Topic: event.TopicVideoKeyframesMaskedBatch, Handler: emb.HandleKeyframesMaskedBatch},
		{Topic: event.TopicVideoKeyframesMasked, Handler: emb.HandleKeyframesMasked},
	}
	if err := app.RunService(cfg, worker.EmbedderConsumer, pub, bindings); err != nil {
		app.Fatal("service failed", err)
	}
}
