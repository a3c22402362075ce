package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("QUEUE_BACKEND", "REDIS")
	t.Setenv("QUEUE_DEDUP_WINDOW", "90s")
	t.Setenv("SCHEDULER_ENABLED", "off")
	t.Setenv("QUEUE_WORKERS", "not-a-number")

	cfg := Load()

	assert.Equal(t, "redis", cfg.Queue.Backend)
	assert.Equal(t, 90*time.Second, cfg.Queue.DedupWindow)
	assert.Equal(t, 4, cfg.Queue.Workers)
	assert.False(t, cfg.Scheduler.Enabled)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
}

func TestLoadBillingConfigDefaultsWithoutFile(t *testing.T) {
	holder, err := LoadBillingConfig(zap.NewNop(), t.TempDir())
	require.NoError(t, err)

	cfg := holder.Get()
	assert.Equal(t, "0.3", cfg.ServiceFeeRate)
	assert.Equal(t, 30*24*time.Hour, cfg.MonthlyChargeHold)
	assert.Equal(t, 10, cfg.SummaryBatchSize)
}

func TestLoadBillingConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	body := []byte(`billing:
  serviceFeeRate: "0.25"
  serviceFeePerRequest: "0.0001"
  monthlyChargeHold: 48h
  summaryBatchSize: 5
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "billing.yml"), body, 0o600))

	holder, err := LoadBillingConfig(zap.NewNop(), dir)
	require.NoError(t, err)

	cfg := holder.Get()
	assert.Equal(t, "0.25", cfg.ServiceFeeRate)
	assert.Equal(t, "0.0001", cfg.FeePerRequest().String())
	assert.Equal(t, 48*time.Hour, cfg.MonthlyChargeHold)
	assert.Equal(t, 5, cfg.SummaryBatchSize)
	assert.Equal(t, 10, cfg.SettlementBatchSize)
}

func TestLoadBillingConfigRejectsInvalidRate(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "billing.yml"), []byte("billing:\n  serviceFeeRate: \"1.5\"\n"), 0o600))

	_, err := LoadBillingConfig(zap.NewNop(), dir)
	assert.Error(t, err)
}
