package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ProviderLog, cfg.Messaging.Provider)
	assert.Equal(t, "trade/capture/input", cfg.Messaging.Topics.Input)
	assert.Equal(t, "trade/capture/dlq", cfg.Messaging.Topics.DLQ)
	assert.Equal(t, "trade/capture/blotter", cfg.Messaging.Topics.Output)
	assert.Equal(t, uint64(1000), cfg.Sequence.WindowSize)
	assert.Equal(t, 300*time.Second, cfg.Sequence.BufferTimeout)
	assert.Equal(t, 7, cfg.Sequence.TimeWindowDays)
	assert.Equal(t, 24*time.Hour, cfg.Idempotency.Window)
	assert.NoError(t, cfg.Validate())
}

func TestInputPartitionTopic(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "trade/capture/input/ACC1/BOOK1/SEC1",
		cfg.Messaging.Topics.InputPartitionTopic("ACC1/BOOK1/SEC1"))
	assert.Equal(t, "trade/capture/input/>",
		cfg.Messaging.Topics.InputPartitionTopic(">"))
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
messaging:
  provider: memory
  group-id: test-group
sequence:
  buffer-window-size: 50
  buffer-timeout: 60s
rate-limit:
  per-partition:
    requests-per-second: 10
    burst-size: 20
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ProviderMemory, cfg.Messaging.Provider)
	assert.Equal(t, "test-group", cfg.Messaging.GroupID)
	assert.Equal(t, uint64(50), cfg.Sequence.WindowSize)
	assert.Equal(t, time.Minute, cfg.Sequence.BufferTimeout)
	assert.Equal(t, float64(10), cfg.RateLimit.PerPartition.RequestsPerSecond)
	assert.Equal(t, int64(20), cfg.RateLimit.PerPartition.BurstSize)
	// Untouched values keep their defaults
	assert.Equal(t, "trade/capture/input", cfg.Messaging.Topics.Input)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestLoadMalformedYAMLFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("messaging: ["), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown provider", func(c *Config) { c.Messaging.Provider = "rabbit" }},
		{"no brokers", func(c *Config) { c.Messaging.Brokers = nil }},
		{"missing topics", func(c *Config) { c.Messaging.Topics.Input = "" }},
		{"zero idempotency window", func(c *Config) { c.Idempotency.Window = 0 }},
		{"zero buffer window", func(c *Config) { c.Sequence.WindowSize = 0 }},
		{"zero burst", func(c *Config) { c.RateLimit.Global.BurstSize = 0 }},
		{"lag resume not below max", func(c *Config) { c.Backpressure.LagResume = c.Backpressure.LagMax }},
		{"zero lock hold", func(c *Config) { c.Lock.DefaultHold = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestMemoryProviderNeedsNoBrokers(t *testing.T) {
	cfg := Default()
	cfg.Messaging.Provider = ProviderMemory
	cfg.Messaging.Brokers = nil
	assert.NoError(t, cfg.Validate())
}
