package app

import (
	"context"
	"fmt"

	"github.com/fairyhunter13/product-video-matcher/internal/adapter/httpserver"
)

// Pinger is the minimal interface for a dependency capable of Ping;
// pgxpool.Pool and the redis status cache both satisfy it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthProber reports whether a dependency answers its health endpoint.
type HealthProber interface {
	Healthy(ctx context.Context) error
}

// BuildReadinessChecks assembles the readyz dependency map. Nil dependencies
// are skipped so each binary probes only what it connects to.
func BuildReadinessChecks(db, cache Pinger, vectors HealthProber, bus HealthProber) map[string]httpserver.ReadyChecker {
	checks := map[string]httpserver.ReadyChecker{}
	if db != nil {
		checks["postgres"] = func(ctx context.Context) error {
			return db.Ping(ctx)
		}
	}
	if cache != nil {
		checks["redis"] = func(ctx context.Context) error {
			return cache.Ping(ctx)
		}
	}
	if vectors != nil {
		checks["qdrant"] = func(ctx context.Context) error {
			return vectors.Healthy(ctx)
		}
	}
	if bus != nil {
		checks["redpanda"] = func(ctx context.Context) error {
			return bus.Healthy(ctx)
		}
	}
	if len(checks) == 0 {
		checks["none"] = func(context.Context) error {
			return fmt.Errorf("no dependencies configured")
		}
	}
	return checks
}
