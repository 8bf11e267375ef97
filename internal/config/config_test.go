package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("NODE_ADDRESS", "node-a")
	cfg := Load()

	assert.Equal(t, "node-a", cfg.NodeAddress)
	assert.Nil(t, cfg.NodeRoles)
	assert.Equal(t, FanOutCluster, cfg.FanOutMode)
	assert.Equal(t, 10*time.Second, cfg.LockVerifyTimeout)
	assert.Equal(t, time.Second, cfg.UnlockDelay)
	assert.Equal(t, 5*time.Second, cfg.RelayLockTTL)
	assert.Equal(t, time.Second, cfg.QueuePollInterval)
	assert.Equal(t, 24*time.Hour, cfg.ClockRenewEvery)
	assert.True(t, cfg.JobDefinitionsEnabled)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("NODE_ROLES", "worker, api,,")
	t.Setenv("FANOUT_MODE", "PubSub")
	t.Setenv("UNLOCK_DELAY_MS", "250")
	t.Setenv("WORKER_POOL_SIZE", "not-a-number")
	t.Setenv("JOB_DEFINITIONS_ENABLED", "false")

	cfg := Load()
	assert.Equal(t, []string{"worker", "api"}, cfg.NodeRoles)
	assert.Equal(t, FanOutPubSub, cfg.FanOutMode)
	assert.Equal(t, 250*time.Millisecond, cfg.UnlockDelay)
	assert.Equal(t, 10, cfg.WorkerPoolSize)
	assert.False(t, cfg.JobDefinitionsEnabled)
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		" warn ":  slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLogLevel(in), "level %q", in)
	}
}

func TestNewLogger_JSONCarriesNode(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{NodeAddress: "node-a", LogLevel: "warn", LogFormat: "json"}, &buf)

	logger.Info("Dropped below level")
	logger.Warn("Job busy", "job", "report")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "node-a", rec["node"])
	assert.Equal(t, "report", rec["job"])
	assert.Equal(t, "Job busy", rec["msg"])
}

func TestNewLogger_Text(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{NodeAddress: "node-b", LogFormat: "TEXT"}, &buf)

	logger.Info("Tick emitted")
	assert.Contains(t, buf.String(), "node=node-b")
	assert.Contains(t, buf.String(), `msg="Tick emitted"`)
}
