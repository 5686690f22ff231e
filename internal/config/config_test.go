package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, time.Second, cfg.BatchInterval)
	assert.Equal(t, 30*time.Second, cfg.SyncInterval)
	assert.Equal(t, time.Hour, cfg.HistoryRetention)
	assert.Equal(t, 45*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, 4, cfg.SOSWorkers)
	assert.Equal(t, 8, cfg.BulkWorkers)
	assert.Equal(t, 3, cfg.SOSMaxAttempts)
	assert.NotEmpty(t, cfg.ProcessID)
	assert.True(t, cfg.HistorySync)
}

func TestLoadServerConfigFromEnv(t *testing.T) {
	t.Setenv("PROCESS_ID", "proc-a")
	t.Setenv("BATCH_INTERVAL", "250ms")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,,")
	t.Setenv("SOS_WORKERS", "6")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("HISTORY_SYNC", "false")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, "proc-a", cfg.ProcessID)
	assert.Equal(t, 250*time.Millisecond, cfg.BatchInterval)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 6, cfg.SOSWorkers)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.False(t, cfg.HistorySync)
}

func TestLoadServerConfigRejectsBadValues(t *testing.T) {
	t.Setenv("BATCH_INTERVAL", "soon")
	t.Setenv("SOS_WORKERS", "0")
	t.Setenv("SOS_CALL_TIMEOUT", "1s")

	_, err := LoadServerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid BATCH_INTERVAL")
	assert.Contains(t, err.Error(), "SOS_WORKERS")
	assert.Contains(t, err.Error(), "SOS_CALL_TIMEOUT")
}
