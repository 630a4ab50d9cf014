package main

import (
	"context"
	"log"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/example/es-engine/internal/infrastructure/kinesis"
	"github.com/example/es-engine/internal/platform/backend"
	"github.com/example/es-engine/internal/platform/config"
	"github.com/example/es-engine/internal/projection"
)

var projector *projection.Projector

func init() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[Lambda Projector] Invalid configuration: %v", err)
	}
	// the connection lives as long as the execution environment
	readStore, _, err := backend.OpenReadStore(context.Background(), cfg)
	if err != nil {
		log.Fatalf("[Lambda Projector] Failed to open read store: %v", err)
	}
	projector = projection.NewProjector(readStore, slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	log.Println("[Lambda Projector] Initialized successfully")
}

func handler(ctx context.Context, kinesisEvent events.KinesisEvent) (events.KinesisEventResponse, error) {
	return handle(ctx, projector, kinesisEvent), nil
}

func handle(ctx context.Context, p *projection.Projector, kinesisEvent events.KinesisEvent) events.KinesisEventResponse {
	log.Printf("[Lambda Projector] Received %d records", len(kinesisEvent.Records))

	var batchItemFailures []events.KinesisBatchItemFailure
	fail := func(record events.KinesisEventRecord) {
		batchItemFailures = append(batchItemFailures, events.KinesisBatchItemFailure{
			ItemIdentifier: record.Kinesis.SequenceNumber,
		})
	}

	for _, record := range kinesisEvent.Records {
		change, err := kinesis.ConvertFromKinesisRecord(record)
		if err != nil {
			log.Printf("[Lambda Projector] Failed to convert record %s: %v", record.EventID, err)
			fail(record)
			continue
		}
		// MODIFY images and non-event rows carry nothing to project
		if change == nil {
			continue
		}

		if err := p.Apply(ctx, *change); err != nil {
			log.Printf("[Lambda Projector] Failed to project %s@%d: %v", change.Key(), change.Version, err)
			fail(record)
			continue
		}
	}

	successCount := len(kinesisEvent.Records) - len(batchItemFailures)
	log.Printf("[Lambda Projector] Processed %d/%d records successfully", successCount, len(kinesisEvent.Records))

	return events.KinesisEventResponse{BatchItemFailures: batchItemFailures}
}

func main() {
	lambda.Start(handler)
}
