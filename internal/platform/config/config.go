// Package config holds the environment configuration shared by the binaries.
// The defaults run everything in memory.
package config

import (
	"errors"
	"fmt"
	"time"
)

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendDynamo   = "dynamo"

	BlobNone   = "none"
	BlobMemory = "memory"
	BlobBolt   = "bolt"
	BlobNATS   = "nats"
)

type Config struct {
	Backend        string `env:"ES_BACKEND"      envDefault:"memory"`
	DatabaseURL    string `env:"DATABASE_URL"    envDefault:"postgres://es:es@localhost:5432/es?sslmode=disable"`
	SQLitePath     string `env:"SQLITE_PATH"     envDefault:"es.db"`
	DynamoTable    string `env:"DYNAMO_TABLE"    envDefault:"es_records"`
	DynamoEndpoint string `env:"DYNAMO_ENDPOINT"`
	AWSRegion      string `env:"AWS_REGION"      envDefault:"us-east-1"`

	BlobBackend      string `env:"BLOB_BACKEND"      envDefault:"memory"`
	NATSURL          string `env:"NATS_URL"`
	NATSBucket       string `env:"NATS_BUCKET"       envDefault:"es_overflow"`
	BoltPath         string `env:"BOLT_PATH"         envDefault:"blobs.db"`
	CompressOverflow bool   `env:"COMPRESS_OVERFLOW" envDefault:"true"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC"   envDefault:"es-changes"`
	KafkaGroup   string   `env:"KAFKA_GROUP"   envDefault:"projector"`

	SnapshotInterval int64         `env:"SNAPSHOT_INTERVAL" envDefault:"10"`
	MaxBatchItems    int           `env:"MAX_BATCH_ITEMS"`
	MaxPayloadBytes  int           `env:"MAX_PAYLOAD_BYTES"`
	CacheSize        int           `env:"CACHE_SIZE"        envDefault:"1024"`
	CacheTTL         time.Duration `env:"CACHE_TTL"         envDefault:"5m"`

	APIAddr      string `env:"API_ADDR"      envDefault:":8080"`
	MetricsAddr  string `env:"METRICS_ADDR"`
	OTelEndpoint string `env:"OTEL_ENDPOINT"`
	LogLevel     string `env:"LOG_LEVEL"     envDefault:"info"`
}

// Load parses and validates the environment.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendMemory, BackendSQLite, BackendPostgres, BackendDynamo:
	default:
		errs = append(errs, fmt.Errorf("ES_BACKEND: unknown backend %q", c.Backend))
	}
	switch c.BlobBackend {
	case BlobNone, BlobMemory, BlobBolt, BlobNATS:
	default:
		errs = append(errs, fmt.Errorf("BLOB_BACKEND: unknown blob backend %q", c.BlobBackend))
	}
	if c.MaxBatchItems != 0 && c.MaxBatchItems < 4 {
		errs = append(errs, fmt.Errorf("MAX_BATCH_ITEMS: must be at least 4, got %d", c.MaxBatchItems))
	}
	if c.MaxPayloadBytes < 0 {
		errs = append(errs, fmt.Errorf("MAX_PAYLOAD_BYTES: must not be negative"))
	}
	if c.SnapshotInterval < 0 {
		errs = append(errs, fmt.Errorf("SNAPSHOT_INTERVAL: must not be negative"))
	}
	if c.CacheSize < 0 {
		errs = append(errs, fmt.Errorf("CACHE_SIZE: must not be negative"))
	}
	return errors.Join(errs...)
}

// KafkaEnabled reports whether a change feed should be published.
func (c Config) KafkaEnabled() bool { return len(c.KafkaBrokers) > 0 }
