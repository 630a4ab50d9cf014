package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/es-engine/internal/infrastructure/kafka"
	"github.com/example/es-engine/internal/platform/backend"
	"github.com/example/es-engine/internal/platform/config"
	"github.com/example/es-engine/internal/projection"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[Projector] Invalid configuration: %v", err)
	}
	if !cfg.KafkaEnabled() {
		log.Fatal("[Projector] KAFKA_BROKERS is required")
	}

	log.Println("[Projector] ========================================")
	log.Println("[Projector] Event Store - Change Feed Projector")
	log.Println("[Projector] ========================================")
	log.Printf("[Projector] Kafka: %v", cfg.KafkaBrokers)
	log.Printf("[Projector] Topic: %s", cfg.KafkaTopic)
	log.Printf("[Projector] Group: %s", cfg.KafkaGroup)

	readStore, closeReadStore, err := backend.OpenReadStore(ctx, cfg)
	if err != nil {
		log.Fatalf("[Projector] Failed to open read store: %v", err)
	}
	defer closeReadStore()
	log.Printf("[Projector] Read models stored in %s", cfg.Backend)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	projector := projection.NewProjector(readStore, logger)

	consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroup, logger)
	defer consumer.Close()

	errCh := make(chan error, 1)
	go func() {
		log.Println("[Projector] Starting change consumer...")
		errCh <- consumer.Consume(ctx, projector.HandleEvent)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case err := <-errCh:
		// the failed message is uncommitted; a restart delivers it again
		log.Printf("[Projector] Consumer stopped: %v", err)
	}

	log.Println("[Projector] Shutting down...")
	cancel()
}
