package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-triage/internal/errs"
	"github.com/miradorstack/mirador-triage/internal/models"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "triage.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, models.SensitivityNormal, cfg.Pipeline.Sensitivity)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.True(t, cfg.Redaction.FailClosed)
	assert.Equal(t, []models.Severity{models.SeverityHigh, models.SeverityCritical}, cfg.Escalation.Severities)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
pipeline:
  sensitivity: aggressive
  batchInterval: 30s
budget:
  monthlyTokens: 1000
  tenants:
    acme:
      dailyTokens: 50
  prices:
    gpt-4o-mini:
      inputPer1K: 0.15
      outputPer1K: 0.6
escalation:
  severities: [critical]
  businessCriticalAreas: [payments]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, models.SensitivityAggressive, cfg.Pipeline.Sensitivity)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.BatchInterval)
	assert.Equal(t, 1000, cfg.Budget.MonthlyTokens)
	assert.Equal(t, 50, cfg.Budget.Tenants["acme"].DailyTokens)
	assert.InDelta(t, 0.6, cfg.Budget.Prices["gpt-4o-mini"].OutputPer1K, 1e-9)
	assert.Equal(t, []models.Severity{models.SeverityCritical}, cfg.Escalation.Severities)
	assert.Equal(t, []string{"payments"}, cfg.Escalation.BusinessCriticalAreas)
	// untouched sections keep defaults
	assert.Equal(t, ":50051", cfg.Server.GRPCAddress)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "store:\n  driver: memory\n")
	t.Setenv("MIRADOR_TRIAGE_STORE_DRIVER", "badger")
	t.Setenv("MIRADOR_TRIAGE_BADGER_PATH", "/var/lib/triage")
	t.Setenv("MIRADOR_TRIAGE_BATCH_INTERVAL", "2m")
	t.Setenv("MIRADOR_TRIAGE_LOG_FORMAT", "json")
	t.Setenv("MIRADOR_TRIAGE_CACHE_ENABLED", "1")
	t.Setenv("MIRADOR_TRIAGE_CACHE_ADDR", "valkey:6379")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "badger", cfg.Store.Driver)
	assert.Equal(t, "/var/lib/triage", cfg.Store.BadgerPath)
	assert.Equal(t, 2*time.Minute, cfg.Pipeline.BatchInterval)
	assert.True(t, cfg.Logging.JSON)
	assert.True(t, cfg.Cache.Enabled)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"sensitivity":    "pipeline:\n  sensitivity: reckless\n",
		"badger path":    "store:\n  driver: badger\n",
		"postgres dsn":   "store:\n  driver: postgres\n",
		"sampling rate":  "budget:\n  baseSamplingRate: 1.5\n",
		"severity":       "escalation:\n  severities: [urgent]\n",
		"provider url":   "provider:\n  url: not a url\n",
		"cache addr":     "cache:\n  enabled: true\n",
		"sub batch size": "inference:\n  subBatchSize: 50\n",
		"confidence":     "escalation:\n  confidenceThreshold: 2\n",
		"throttle":       "budget:\n  throttleUtilization: 1.2\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), body)
			_, err := Load(path)
			require.Error(t, err)
			var ve *errs.ValidationError
			assert.True(t, errors.As(err, &ve))
		})
	}
}

func TestSampleConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "triage.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "badger", cfg.Store.Driver)
	assert.Equal(t, 2_000_000, cfg.Budget.Tenants["acme"].MonthlyTokens)
	assert.Contains(t, cfg.Escalation.BusinessCriticalAreas, "payments")
	assert.Equal(t, 8, cfg.Cache.PoolSize)
	assert.InDelta(t, 0.01, cfg.Budget.Prices["gpt-4o"].OutputPer1K, 1e-9)
}

func TestLoadReportsEnumDecodeFailuresAsValidation(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "escalation:\n  severities: [high, urgent]\n")
	_, err := Load(path)
	var ve *errs.ValidationError
	require.True(t, errors.As(err, &ve), "got %v", err)
	assert.Equal(t, errs.KindValidationError, errs.Kind(err))
	assert.Contains(t, err.Error(), "urgent")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestWatcherReloadKeepsLastValid(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "pipeline:\n  maxEvents: 100\n")
	w, err := NewWatcher(path, nil)
	require.NoError(t, err)

	var notified atomic.Int32
	w.OnReload(func(*Config) { notified.Add(1) })

	writeConfig(t, dir, "pipeline:\n  maxEvents: 250\n")
	require.NoError(t, w.Reload())
	assert.Equal(t, 250, w.Current().Pipeline.MaxEvents)
	assert.EqualValues(t, 1, notified.Load())

	writeConfig(t, dir, "pipeline:\n  sensitivity: reckless\n")
	require.Error(t, w.Reload())
	assert.Equal(t, 250, w.Current().Pipeline.MaxEvents)
	assert.EqualValues(t, 1, notified.Load())
}

func TestWatcherRunPicksUpWrites(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "pipeline:\n  maxEvents: 100\n")
	w, err := NewWatcher(path, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, dir, "pipeline:\n  maxEvents: 400\n")

	assert.Eventually(t, func() bool {
		return w.Current().Pipeline.MaxEvents == 400
	}, 3*time.Second, 20*time.Millisecond)
}
