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

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/example/es-engine/internal/api"
	"github.com/example/es-engine/internal/command"
	"github.com/example/es-engine/internal/domain/aggregate"
	"github.com/example/es-engine/internal/domain/cart"
	"github.com/example/es-engine/internal/eventstore"
	"github.com/example/es-engine/internal/infrastructure/kafka"
	"github.com/example/es-engine/internal/infrastructure/prometheus"
	"github.com/example/es-engine/internal/platform/backend"
	"github.com/example/es-engine/internal/platform/config"
	"github.com/example/es-engine/internal/platform/otel"
	"github.com/example/es-engine/internal/projection"
	"github.com/example/es-engine/internal/query"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[API] Invalid configuration: %v", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	log.Println("[API] ========================================")
	log.Println("[API] Event Store - Cart Service")
	log.Println("[API] ========================================")
	log.Printf("[API] Backend: %s", cfg.Backend)
	log.Printf("[API] Blobs: %s", cfg.BlobBackend)

	shutdownTracing, err := otel.Setup(ctx, "es-api", cfg.OTelEndpoint)
	if err != nil {
		log.Fatalf("[API] Failed to set up tracing: %v", err)
	}
	defer shutdownTracing(context.Background())

	b, err := backend.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("[API] Failed to open backend: %v", err)
	}
	defer b.Close()

	readStore, closeReadStore, err := backend.OpenReadStore(ctx, cfg)
	if err != nil {
		log.Fatalf("[API] Failed to open read store: %v", err)
	}
	defer closeReadStore()
	projector := projection.NewProjector(readStore, logger)

	var feed *kafka.ChangeFeed
	if cfg.KafkaEnabled() {
		producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		feed = kafka.NewChangeFeed(producer)
		log.Printf("[API] Publishing changes to %s, run the projector for summaries", cfg.KafkaTopic)
	} else {
		// without a broker the read models are projected in process
		feed = kafka.NewChangeFeed(projector)
		log.Println("[API] Projecting changes in process")
	}

	reg := prom.NewRegistry()
	registry := aggregate.NewRegistry()
	if err := aggregate.Register(registry, cart.Type); err != nil {
		log.Fatalf("[API] Failed to register aggregate: %v", err)
	}
	carts, err := eventstore.New[*cart.Cart](registry, cart.AggregateType, b.Driver,
		b.StoreOptions(cfg, logger, prometheus.NewMetrics(reg), feed)...)
	if err != nil {
		log.Fatalf("[API] Failed to create store: %v", err)
	}

	if !cfg.KafkaEnabled() {
		log.Println("[API] Replaying streams to rebuild read models...")
		n, err := replay(ctx, carts, projector)
		if err != nil {
			log.Fatalf("[API] Replay failed: %v", err)
		}
		log.Printf("[API] Replayed %d streams", n)
	}

	handlers := api.NewHandlers(command.NewHandler(carts), query.NewHandler(carts, projector))
	mux := http.NewServeMux()
	mux.Handle("/metrics", prometheus.Handler(reg))
	mux.Handle("/", api.NewRouter(handlers, logger))

	server := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("[API] Server started on %s", cfg.APIAddr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[API] Server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("[API] Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[API] Shutdown error: %v", err)
	}
}

// replay feeds every stored stream through the projector. Streams already
// indexed are skipped by the projector's version check.
func replay(ctx context.Context, carts *eventstore.Store[*cart.Cart], projector *projection.Projector) (int, error) {
	n := 0
	for id, err := range carts.GetAggregateIDs(ctx, true) {
		if err != nil {
			return n, err
		}
		events, err := carts.GetEventRange(ctx, id, 1, 0)
		if err != nil {
			return n, err
		}
		changes, err := eventstore.Changes(carts.Create(id), eventstore.Commit{IsNew: true, Events: events})
		if err != nil {
			return n, err
		}
		if err := projector.PublishChanges(ctx, changes); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
