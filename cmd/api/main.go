// Command api serves the job lifecycle HTTP API and hosts the phase
// transition manager, the DLQ inspector and the periodic sweepers.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fairyhunter13/product-video-matcher/internal/adapter/blob"
	"github.com/fairyhunter13/product-video-matcher/internal/adapter/bus/redpanda"
	"github.com/fairyhunter13/product-video-matcher/internal/adapter/cache/redis"
	"github.com/fairyhunter13/product-video-matcher/internal/adapter/httpserver"
	"github.com/fairyhunter13/product-video-matcher/internal/adapter/repo/postgres"
	qdrantcli "github.com/fairyhunter13/product-video-matcher/internal/adapter/vector/qdrant"
	"github.com/fairyhunter13/product-video-matcher/internal/app"
	"github.com/fairyhunter13/product-video-matcher/internal/config"
	"github.com/fairyhunter13/product-video-matcher/internal/domain"
	"github.com/fairyhunter13/product-video-matcher/internal/event"
	"github.com/fairyhunter13/product-video-matcher/internal/usecase"
)

func main() {
	cfg, cleanup, err := app.Bootstrap("matcher-api")
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
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		app.Fatal("schema migration failed", err)
	}

	pub, err := redpanda.NewPublisher(cfg.KafkaBrokers, "matcher-api")
	if err != nil {
		app.Fatal("redpanda connect failed", err)
	}
	defer func() { _ = pub.Close() }()
	if err := pub.EnsureTopics(ctx); err != nil {
		app.Fatal("topic provisioning failed", err)
	}

	cache := redis.New(cfg.RedisAddr)
	defer func() { _ = cache.Close() }()

	vectors := qdrantcli.New(cfg.QdrantURL, cfg.QdrantAPIKey, cfg.QdrantCollection)
	if err := vectors.EnsureCollection(ctx, 2*domain.EmbeddingDim); err != nil {
		slog.Warn("qdrant collection bootstrap failed", slog.Any("error", err))
	}

	blobs := blob.New(cfg.DataRoot, cfg.PublicBaseURL)

	seeds, err := config.LoadQuerySeeds(cfg.QueriesFile)
	if err != nil {
		app.Fatal("query seeds load failed", err)
	}

	jobRepo := postgres.NewJobRepo(pool)
	matchRepo := postgres.NewMatchRepo(pool)
	productRepo := postgres.NewProductRepo(pool)
	videoRepo := postgres.NewVideoRepo(pool)
	progressRepo := postgres.NewProgressRepo(pool)
	phaseEvents := postgres.NewPhaseEventRepo(pool)
	cleanupRepo := postgres.NewCleanupRepo(pool)

	jobSvc := usecase.NewJobService(jobRepo, matchRepo, productRepo, videoRepo, cleanupRepo, pub, cache, vectors, blobs, seeds)
	tracker := usecase.NewTracker(progressRepo, pub, cfg.ThresholdPct(), cfg.WatermarkTTL)
	transitioner := usecase.NewTransitioner(jobRepo, phaseEvents, matchRepo, progressRepo, cache, pub, cfg.RetrievalTopK)

	srv := httpserver.Server{
		Jobs:      jobSvc,
		FilesRoot: blobs.Root(),
		Checks:    app.BuildReadinessChecks(pool, cache, vectors, pub),
	}
	handler := app.BuildRouter(cfg, srv)
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// The transition manager consumes every job-level completion topic.
	bindings := make([]app.Binding, 0, len(event.CompletionTopics()))
	for _, topic := range event.CompletionTopics() {
		bindings = append(bindings, app.Binding{
			Topic:   topic,
			Handler: completionHandler(transitioner, topic),
		})
	}

	dlq, err := redpanda.NewDLQConsumer(cfg.KafkaBrokers, event.Topics(), pub, cfg.DLQRequeue, cfg.DLQCooldown)
	if err != nil {
		app.Fatal("dlq consumer init failed", err)
	}
	defer func() { _ = dlq.Close() }()

	watermarkSweeper := app.NewWatermarkSweeper(tracker, cfg.WatermarkSweepInterval)
	retentionSweeper := app.NewRetentionSweeper(jobSvc, cfg.DataRetentionDays, cfg.CleanupInterval)

	loops := []func(context.Context){
		watermarkSweeper.Run,
		retentionSweeper.Run,
		func(ctx context.Context) {
			if err := dlq.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("dlq consumer stopped", slog.Any("error", err))
			}
		},
		func(ctx context.Context) { serveHTTP(ctx, httpSrv, cfg) },
	}
	if err := app.RunService(cfg, "transitioner", pub, bindings, loops...); err != nil {
		app.Fatal("service failed", err)
	}
}

// completionHandler feeds one completion topic into the transition manager.
func completionHandler(tr usecase.Transitioner, topic string) redpanda.Handler {
	return func(ctx context.Context, _ domain.Delivery, payload map[string]any) error {
		jobID, _ := payload["job_id"].(string)
		eventID, _ := payload["event_id"].(string)
		return tr.HandleCompletion(ctx, jobID, topic, eventID)
	}
}

func serveHTTP(ctx context.Context, srv *http.Server, cfg config.Config) {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", slog.Any("error", err))
		}
	}
}
