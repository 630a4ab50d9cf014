package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type envTestConfig struct {
	Port int `env:"ES_TEST_PORT" envDefault:"123"`
}

func TestParseEnvDefaults(t *testing.T) {
	var cfg envTestConfig
	require.NoError(t, ParseEnv(&cfg))
	assert.Equal(t, 123, cfg.Port)
}

func TestParseEnvError(t *testing.T) {
	var cfg envTestConfig
	t.Setenv("ES_TEST_PORT", "not-an-int")

	err := ParseEnv(&cfg)
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "parse env:"))
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, cfg.Backend)
	assert.Equal(t, BlobMemory, cfg.BlobBackend)
	assert.Equal(t, int64(10), cfg.SnapshotInterval)
	assert.Equal(t, 5*time.Minute, cfg.CacheTTL)
	assert.Equal(t, ":8080", cfg.APIAddr)
	assert.True(t, cfg.CompressOverflow)
	assert.False(t, cfg.KafkaEnabled())
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("ES_BACKEND", "sqlite")
	t.Setenv("SQLITE_PATH", "/tmp/x.db")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("MAX_BATCH_ITEMS", "50")
	t.Setenv("CACHE_TTL", "30s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendSQLite, cfg.Backend)
	assert.Equal(t, "/tmp/x.db", cfg.SQLitePath)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.KafkaEnabled())
	assert.Equal(t, 50, cfg.MaxBatchItems)
	assert.Equal(t, 30*time.Second, cfg.CacheTTL)
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{Backend: BackendMemory, BlobBackend: BlobNone}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "unknown backend", mutate: func(c *Config) { c.Backend = "cassandra" }, wantErr: "ES_BACKEND"},
		{name: "unknown blob backend", mutate: func(c *Config) { c.BlobBackend = "s3" }, wantErr: "BLOB_BACKEND"},
		{name: "batch too small", mutate: func(c *Config) { c.MaxBatchItems = 3 }, wantErr: "MAX_BATCH_ITEMS"},
		{name: "negative snapshot interval", mutate: func(c *Config) { c.SnapshotInterval = -1 }, wantErr: "SNAPSHOT_INTERVAL"},
		{name: "negative cache size", mutate: func(c *Config) { c.CacheSize = -1 }, wantErr: "CACHE_SIZE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
