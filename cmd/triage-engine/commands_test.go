package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-triage/internal/config"
	"github.com/miradorstack/mirador-triage/internal/models"
)

func defaultConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv(config.EnvConfigPath, "")
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Logging.Level = "error"
	return cfg
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, version, strings.TrimSpace(out.String()))
}

func TestRulesCheckReportsEmbeddedPack(t *testing.T) {
	t.Setenv(config.EnvConfigPath, "")
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"rules", "check"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "(embedded)")
	assert.Contains(t, out.String(), "fallback rules:")
}

func TestRulesCheckRejectsBrokenPack(t *testing.T) {
	cfg := defaultConfig(t)
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules: [{name: bad, pattern: '(('}]\n"), 0o600))
	cfg.Redaction.RulesPath = path
	assert.Error(t, checkRules(cfg, &bytes.Buffer{}))
}

func TestReadEventsFromStdinAndFile(t *testing.T) {
	raw, err := readEvents(strings.NewReader("[]"), "-")
	require.NoError(t, err)
	assert.Equal(t, "[]", string(raw))

	path := filepath.Join(t.TempDir(), "events.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"events":[]}`), 0o600))
	raw, err = readEvents(nil, path)
	require.NoError(t, err)
	assert.Equal(t, `{"events":[]}`, string(raw))

	_, err = readEvents(nil, filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestRunOnceRejectsInvalidEvents(t *testing.T) {
	cfg := defaultConfig(t)
	var out bytes.Buffer
	input := `[{"tenantId":"acme","message":"boom"}]`
	require.NoError(t, runOnce(context.Background(), cfg, []byte(input), &out))

	var res models.BatchResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.NotEmpty(t, res.BatchID)
	assert.Equal(t, 1, res.EventsReceived)
	assert.Equal(t, 1, res.EventsRejected)
	assert.Zero(t, res.ClustersFormed)
}

func TestRunOnceRejectsMalformedInput(t *testing.T) {
	cfg := defaultConfig(t)
	assert.Error(t, runOnce(context.Background(), cfg, []byte("{"), &bytes.Buffer{}))
}

func TestBuildAppWiresComponents(t *testing.T) {
	cfg := defaultConfig(t)
	a, err := buildApp(cfg, nil)
	require.NoError(t, err)
	defer a.close()

	assert.Nil(t, a.escalations, "escalation stays disabled without a provider url")
	assert.NotNil(t, a.service)
	require.NoError(t, a.restore(context.Background()))

	next := *cfg
	next.Budget.BaseSamplingRate = 0.5
	a.stage(&next)
	assert.InDelta(t, 1, a.budget.Policy("acme").SamplingRate, 1e-9, "staged config waits for the next batch")

	a.pipeline.RunBatch(context.Background(), nil)
	assert.InDelta(t, 0.5, a.budget.Policy("acme").SamplingRate, 1e-9)
	assert.Same(t, &next, a.current.Load())

	h := a.service.Status(context.Background())
	assert.Equal(t, "SERVING", h.Status)
}

func TestBuildAppEnablesEscalationWithProvider(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Provider.URL = "https://support.example.com/v1/escalations"
	cfg.Provider.SigningKey = "secret"
	a, err := buildApp(cfg, nil)
	require.NoError(t, err)
	defer a.close()
	require.NotNil(t, a.escalations)

	views, err := a.service.Tickets(context.Background())
	require.NoError(t, err)
	assert.Empty(t, views)

	cfg.Provider.SigningKey = ""
	_, err = buildApp(cfg, nil)
	assert.Error(t, err)
}
