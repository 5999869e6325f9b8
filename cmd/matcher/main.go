// Command matcher runs the matching engine worker.
package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fairyhunter13/product-video-matcher/internal/adapter/blob"
	"github.com/fairyhunter13/product-video-matcher/internal/adapter/bus/redpanda"
	"github.com/fairyhunter13/product-video-matcher/internal/adapter/repo/postgres"
	qdrantcli "github.com/fairyhunter13/product-video-matcher/internal/adapter/vector/qdrant"
	"github.com/fairyhunter13/product-video-matcher/internal/app"
	"github.com/fairyhunter13/product-video-matcher/internal/domain"
	"github.com/fairyhunter13/product-video-matcher/internal/event"
	"github.com/fairyhunter13/product-video-matcher/internal/matcher"
)

func main() {
	cfg, cleanup, err := app.Bootstrap("matcher-engine")
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

	pub, err := redpanda.NewPublisher(cfg.KafkaBrokers, "matcher-engine")
	if err != nil {
		app.Fatal("redpanda connect failed", err)
	}
	defer func() { _ = pub.Close() }()

	engine := &matcher.Engine{
		Jobs:     postgres.NewJobRepo(pool),
		Products: postgres.NewProductRepo(pool),
		Videos:   postgres.NewVideoRepo(pool),
		Matches:  postgres.NewMatchRepo(pool),
		Ledger:   postgres.NewLedgerRepo(pool),
		Vector:   qdrantcli.New(cfg.QdrantURL, cfg.QdrantAPIKey, cfg.QdrantCollection),
		Blobs:    blob.New(cfg.DataRoot, cfg.PublicBaseURL),
		Bus:      pub,
		T:        matcher.ThresholdsFrom(cfg),
	}

	bindings := []app.Binding{
		{Topic: event.TopicMatchRequest, Handler: handleMatchRequest(engine)},
	}
	if err := app.RunService(cfg, "matcher", pub, bindings); err != nil {
		app.Fatal("service failed", err)
	}
}

func handleMatchRequest(engine *matcher.Engine) redpanda.Handler {
	return func(ctx context.Context, d domain.Delivery, _ map[string]any) error {
		var e event.MatchRequest
		if err := json.Unmarshal(d.Payload, &e); err != nil {
			return fmt.Errorf("op=matcher.request: %w: %v", domain.ErrSchemaViolation, err)
		}
		return engine.Run(ctx, e.JobID, e.EventID)
	}
}
