package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/example/es-engine/internal/domain/aggregate"
	"github.com/example/es-engine/internal/domain/cart"
	"github.com/example/es-engine/internal/eventstore"
	"github.com/example/es-engine/internal/infrastructure/kafka"
	"github.com/example/es-engine/internal/infrastructure/prometheus"
	"github.com/example/es-engine/internal/platform/backend"
	"github.com/example/es-engine/internal/platform/config"
	"github.com/example/es-engine/internal/platform/otel"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[ESDemo] Invalid configuration: %v", err)
	}

	log.Println("[ESDemo] ========================================")
	log.Println("[ESDemo] Event Store - Demo Scenarios")
	log.Println("[ESDemo] ========================================")
	log.Printf("[ESDemo] Backend: %s", cfg.Backend)
	log.Printf("[ESDemo] Blobs: %s", cfg.BlobBackend)

	shutdown, err := otel.Setup(ctx, "esdemo", cfg.OTelEndpoint)
	if err != nil {
		log.Fatalf("[ESDemo] Failed to set up tracing: %v", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Printf("[ESDemo] Tracing shutdown: %v", err)
		}
	}()

	reg := prom.NewRegistry()
	metrics := prometheus.NewMetrics(reg)
	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: prometheus.Handler(reg), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Printf("[ESDemo] Metrics on %s", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[ESDemo] Metrics server error: %v", err)
			}
		}()
		defer srv.Close()
	}

	b, err := backend.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("[ESDemo] Failed to open backend: %v", err)
	}
	defer b.Close()

	var feed eventstore.ChangeFeed
	if cfg.KafkaEnabled() {
		producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		feed = kafka.NewChangeFeed(producer)
		log.Printf("[ESDemo] Publishing changes to %s", cfg.KafkaTopic)
	}

	registry := aggregate.NewRegistry()
	if err := aggregate.Register(registry, cart.Type); err != nil {
		log.Fatalf("[ESDemo] Failed to register aggregate: %v", err)
	}
	carts, err := eventstore.New[*cart.Cart](registry, cart.AggregateType, b.Driver,
		b.StoreOptions(cfg, newLogger(cfg.LogLevel), metrics, feed)...)
	if err != nil {
		log.Fatalf("[ESDemo] Failed to create store: %v", err)
	}

	report := func(format string, args ...any) { log.Printf("[ESDemo] "+format, args...) }
	runID := uuid.NewString()[:8]

	log.Println("[ESDemo] Running lifecycle scenario...")
	if err := lifecycleScenario(ctx, carts, "cart-"+runID, report); err != nil {
		log.Fatalf("[ESDemo] Lifecycle scenario failed: %v", err)
	}
	log.Println("[ESDemo] Running chunked commit scenario...")
	if err := chunkedScenario(ctx, carts, "bulk-"+runID, 250, report); err != nil {
		log.Fatalf("[ESDemo] Chunked scenario failed: %v", err)
	}
	log.Println("[ESDemo] All scenarios passed")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
