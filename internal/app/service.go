package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/fairyhunter13/product-video-matcher/internal/adapter/bus/redpanda"
	"github.com/fairyhunter13/product-video-matcher/internal/adapter/observability"
	"github.com/fairyhunter13/product-video-matcher/internal/config"
	"github.com/fairyhunter13/product-video-matcher/internal/domain"
)

// Bootstrap loads configuration and initializes logging, metrics and tracing
// for one service binary. The returned cleanup flushes the tracer.
func Bootstrap(serviceName string) (config.Config, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	if cfg.OTELServiceName == "product-video-matcher" {
		cfg.OTELServiceName = serviceName
	}
	slog.SetDefault(observability.SetupLogger(cfg))
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("tracing setup failed", slog.Any("error", err))
	}
	cleanup := func() {
		if shutdownTracer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracer(ctx)
		}
	}
	slog.Info("service starting", slog.String("service", serviceName), slog.String("env", cfg.AppEnv))
	return cfg, cleanup, nil
}

// RetryPolicyFrom builds the bus redelivery schedule from configuration.
func RetryPolicyFrom(cfg config.Config) domain.RetryPolicy {
	p := domain.DefaultRetryPolicy()
	if cfg.BusMaxDeliveries > 0 {
		p.MaxDeliveries = cfg.BusMaxDeliveries
	}
	if cfg.BusRetryMin > 0 {
		p.MinBackoff = cfg.BusRetryMin
	}
	if cfg.BusRetryMax > 0 {
		p.MaxBackoff = cfg.BusRetryMax
	}
	return p
}

// Binding pairs a routing key with its handler for subscriber wiring.
type Binding struct {
	Topic   string
	Handler redpanda.Handler
}

// RunService runs every subscriber under the named consumer group plus any
// extra background loops until a termination signal arrives, then waits for
// in-flight handlers to drain. Each binary also exposes /metrics and
// /healthz on the metrics port.
func RunService(cfg config.Config, consumer string, pub *redpanda.Publisher, bindings []Binding, loops ...func(context.Context)) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	policy := RetryPolicyFrom(cfg)
	subs := make([]*redpanda.Subscriber, 0, len(bindings))
	for _, b := range bindings {
		sub, err := redpanda.NewSubscriber(cfg.KafkaBrokers, consumer, b.Topic, b.Handler, pub, policy, cfg.BusPrefetch)
		if err != nil {
			return err
		}
		subs = append(subs, sub)
	}
	defer func() {
		for _, sub := range subs {
			_ = sub.Close()
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, sub := range subs {
		g.Go(func() error {
			if err := sub.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	for _, loop := range loops {
		g.Go(func() error {
			loop(gctx)
			return nil
		})
	}
	g.Go(func() error { return serveMetrics(gctx, cfg.MetricsPort) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("service stopped")
	return nil
}

// serveMetrics exposes Prometheus metrics and a liveness probe for binaries
// that have no API router.
func serveMetrics(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{
		Addr:              addr(port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func addr(port int) string {
	if port <= 0 {
		port = 9090
	}
	return fmt.Sprintf(":%d", port)
}

// Fatal logs the error and exits non-zero. Startup helpers call it so main
// stays linear.
func Fatal(msg string, err error) {
	slog.Error(msg, slog.Any("error", err))
	os.Exit(1)
}
