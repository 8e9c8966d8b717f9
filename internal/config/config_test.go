package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
server:
  shard_id: shard-1
hints:
  hints_dir: /var/lib/hintedhandoff/hints
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 50052, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 3*time.Hour, cfg.Hints.MaxHintWindow)
	assert.Equal(t, uint64(10*1024*1024), cfg.Hints.MaxSizeOfHintsInProgress)
	assert.Equal(t, uint64(32), cfg.Hints.HintSegmentSizeMB)
	assert.Equal(t, 128, cfg.Hints.MaxHintsSendQueueLength)
	assert.Equal(t, "127.0.0.1", cfg.WritePath.Host)
	assert.Equal(t, 50051, cfg.WritePath.Port)
}

func TestLoadConfigMissingFileFails(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}

func TestValidateRequiresShardID(t *testing.T) {
	cfg := &Config{}
	setDefaults(cfg)
	cfg.Hints.HintsDir = "/tmp/hints"
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "shard_id")
}

func TestValidateRejectsOutOfRangePort(t *testing.T) {
	cfg := &Config{}
	setDefaults(cfg)
	cfg.Server.ShardID = "shard-1"
	cfg.Hints.HintsDir = "/tmp/hints"
	cfg.Server.Port = 70000
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsMinBudgetAboveMax(t *testing.T) {
	cfg := &Config{}
	setDefaults(cfg)
	cfg.Server.ShardID = "shard-1"
	cfg.Hints.HintsDir = "/tmp/hints"
	cfg.Hints.MaxSendInFlightBytes = 100
	cfg.Hints.MinSendHintBudgetBytes = 200
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "min_send_hint_budget_bytes")
}

func TestValidateRejectsNonPositiveQueueLength(t *testing.T) {
	cfg := &Config{}
	setDefaults(cfg)
	cfg.Server.ShardID = "shard-1"
	cfg.Hints.HintsDir = "/tmp/hints"
	cfg.Hints.MaxHintsSendQueueLength = 0
	assert.Error(t, cfg.Validate())
}
