package analysis

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-triage/internal/errs"
	"github.com/miradorstack/mirador-triage/internal/inference"
	"github.com/miradorstack/mirador-triage/internal/models"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeGateway struct {
	mu    sync.Mutex
	calls []inference.Call
	fn    func(call inference.Call) (string, error)
}

func (f *fakeGateway) Complete(_ context.Context, call inference.Call) (inference.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	content, err := f.fn(call)
	if err != nil {
		return inference.Result{}, err
	}
	return inference.Result{Response: inference.Response{Content: content, TokensIn: 40, TokensOut: 10, Model: call.Request.Model}, CostUSD: 0.01}, nil
}

func (f *fakeGateway) count(tier models.ModelTier) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Tier == tier {
			n++
		}
	}
	return n
}

type fakeHistory struct {
	symptoms []string
}

func (h *fakeHistory) SimilarResolutions(_ context.Context, _ string, symptoms []string, _ int) ([]models.PastResolution, error) {
	h.symptoms = symptoms
	return []models.PastResolution{{IncidentID: "old", RootCause: "pool exhausted"}}, nil
}

func testCluster(fp string, sev models.Severity) models.Cluster {
	return models.Cluster{
		Fingerprint: fp,
		TenantID:    "acme",
		FirstSeen:   testNow.Add(-72 * time.Hour),
		LastSeen:    testNow.Add(-time.Minute),
		EventCount:  12,
		UniqueUsers: 3,
		Severity:    sev,
		Representative: models.Event{
			Message:   "connection timeout after 3000ms to 10.0.0.1",
			ErrorType: "TimeoutError",
			Route:     "/orders/42",
			Method:    "GET",
		},
	}
}

func tierAJSON(fp, sev string, conf float64) string {
	return fmt.Sprintf(`{"fingerprint":%q,"cause":"db pool exhausted","summary":"orders failing","severity":%q,"confidence":%v,"likelyChange":"deploy"}`, fp, sev, conf)
}

func newTestOrchestrator(gw Completer, history History) *Orchestrator {
	o := NewOrchestrator(Config{TierAModel: "small", TierBModel: "large"}, gw, nil, history, nil)
	o.now = func() time.Time { return testNow }
	return o
}

func TestTierAJoinsOnEchoedFingerprint(t *testing.T) {
	gw := &fakeGateway{fn: func(call inference.Call) (string, error) {
		if call.Tier == models.TierB {
			return "", &errs.InferenceError{Model: "large", Err: fmt.Errorf("unavailable")}
		}
		if !strings.Contains(call.Request.UserPrompt, `"fp":"fp-a"`) {
			return "", fmt.Errorf("fingerprint missing from prompt")
		}
		return "[" + tierAJSON("fp-b", "low", 0.9) + "," + tierAJSON("fp-zzz", "high", 0.9) + "," + tierAJSON("fp-a", "medium", 0.8) + "]", nil
	}}
	o := newTestOrchestrator(gw, nil)

	out := o.ProcessBatch(context.Background(), "acme", []models.Cluster{testCluster("fp-a", models.SeverityMedium), testCluster("fp-b", models.SeverityLow), testCluster("fp-c", models.SeverityLow)}, models.TenantPolicy{})

	require.Len(t, out.TierA, 3)
	assert.Equal(t, models.SeverityMedium, out.TierAFor("fp-a").Severity)
	assert.Equal(t, models.SeverityLow, out.TierAFor("fp-b").Severity)
	assert.False(t, out.TierAFor("fp-a").Fallback)
	assert.True(t, out.TierAFor("fp-c").Fallback, "omitted fingerprint gets a fallback")
	assert.Equal(t, 50, out.TokensUsed, "only the successful tier-a call is billed")
	assert.Empty(t, out.Candidates, "a rule-derived low confidence does not select for tier-b")
	assert.Nil(t, out.TierBFor("fp-c"))
	assert.Zero(t, gw.count(models.TierB))

	joined := strings.Join(out.Warnings, "\n")
	assert.Contains(t, joined, "unknown fingerprint")
	assert.Contains(t, joined, "omitted fp-c")
}

func TestMalformedTierAFallsBackPerCluster(t *testing.T) {
	gw := &fakeGateway{fn: func(call inference.Call) (string, error) {
		if call.Tier == models.TierA {
			return "Sure! Here is my analysis: the database is down.", nil
		}
		return "not json either", nil
	}}
	o := newTestOrchestrator(gw, nil)

	out := o.ProcessBatch(context.Background(), "acme", []models.Cluster{testCluster("fp-a", models.SeverityHigh), testCluster("fp-b", models.SeverityLow)}, models.TenantPolicy{})

	require.Len(t, out.TierA, 2)
	for _, f := range out.TierA {
		assert.True(t, f.Fallback)
		assert.Equal(t, fallbackConfidence, f.Confidence)
	}
	require.NotEmpty(t, out.Errors)
	assert.Equal(t, errs.KindValidationError, out.Errors[0].Kind)
	assert.Empty(t, out.ProviderEscalations, "fallback tier-b findings do not page the provider")
}

func TestLowConfidenceAloneSelectsCandidate(t *testing.T) {
	gw := &fakeGateway{fn: func(call inference.Call) (string, error) {
		if call.Tier == models.TierA {
			return "[" + tierAJSON("fp-a", "medium", 0.45) + "]", nil
		}
		return `{"fingerprint":"fp-a","hypothesis":"pool too small","cause":"pool exhausted","severity":"medium","confidence":0.8,"likelyChange":"config","experiments":["raise pool","shed load"],"rollbackSteps":["revert pool size"],"reasoning":"steady failure"}`, nil
	}}
	o := newTestOrchestrator(gw, nil)

	out := o.ProcessBatch(context.Background(), "acme", []models.Cluster{testCluster("fp-a", models.SeverityMedium)}, models.TenantPolicy{})

	require.Len(t, out.Candidates, 1)
	assert.Equal(t, []string{ReasonLowConfidence}, out.Candidates[0].Reasons)
	require.Len(t, out.TierB, 1)
	assert.Len(t, out.TierB[0].Experiments, 2)
	assert.Empty(t, out.ProviderEscalations)
	assert.Equal(t, 1, gw.count(models.TierB))
}

func TestTierBTriggersProviderEscalation(t *testing.T) {
	history := &fakeHistory{}
	gw := &fakeGateway{fn: func(call inference.Call) (string, error) {
		if call.Tier == models.TierA {
			return "[" + tierAJSON("fp-a", "critical", 0.9) + "]", nil
		}
		if !strings.Contains(call.Request.UserPrompt, "pool exhausted") {
			return "", fmt.Errorf("history missing from context")
		}
		return `{"fingerprint":"fp-a","hypothesis":"bad deploy","severity":"critical","confidence":0.9,"experiments":["a","b"],"rollbackSteps":["roll back"],"reasoning":"Critical checkout outage"}`, nil
	}}
	o := newTestOrchestrator(gw, history)

	out := o.ProcessBatch(context.Background(), "acme", []models.Cluster{testCluster("fp-a", models.SeverityHigh)}, models.TenantPolicy{})

	require.Len(t, out.TierB, 1)
	require.Len(t, out.ProviderEscalations, 1)
	assert.Equal(t, out.TierB[0].ID, out.ProviderEscalations[0].FindingID)
	assert.Contains(t, out.ProviderEscalations[0].Reason, "critical")
	require.NotEmpty(t, history.symptoms)
	assert.NotContains(t, history.symptoms[0], "10.0.0.1")
}

func TestBudgetDenialLeavesClustersUntriaged(t *testing.T) {
	gw := &fakeGateway{fn: func(inference.Call) (string, error) {
		return "", &errs.BudgetExceeded{Tenant: "acme", Layer: "tenant", Reason: "limit", Mitigations: []string{"increase_sampling"}}
	}}
	o := newTestOrchestrator(gw, nil)

	out := o.ProcessBatch(context.Background(), "acme", []models.Cluster{testCluster("fp-a", models.SeverityHigh)}, models.TenantPolicy{})

	assert.Empty(t, out.TierA)
	assert.Empty(t, out.Candidates)
	require.Len(t, out.Errors, 1)
	assert.Equal(t, errs.KindBudgetExceeded, out.Errors[0].Kind)
	assert.Contains(t, strings.Join(out.Warnings, " "), "increase_sampling")
}

func TestSubBatchesCapAtTwenty(t *testing.T) {
	gw := &fakeGateway{fn: func(inference.Call) (string, error) { return "[]", nil }}
	o := newTestOrchestrator(gw, nil)

	clusters := make([]models.Cluster, 45)
	for i := range clusters {
		clusters[i] = testCluster(fmt.Sprintf("fp-%02d", i), models.SeverityLow)
	}
	out := o.ProcessBatch(context.Background(), "acme", clusters, models.TenantPolicy{})

	assert.Equal(t, 3, gw.count(models.TierA))
	assert.Len(t, out.TierA, 45)
}

func TestSkipLowSeverityPolicy(t *testing.T) {
	gw := &fakeGateway{fn: func(inference.Call) (string, error) {
		return "[" + tierAJSON("fp-high", "high", 0.9) + "]", nil
	}}
	o := newTestOrchestrator(gw, nil)

	out := o.ProcessBatch(context.Background(), "acme", []models.Cluster{testCluster("fp-low", models.SeverityLow), testCluster("fp-high", models.SeverityHigh)}, models.TenantPolicy{SkipLowSeverity: true})

	assert.Equal(t, []string{"fp-low"}, out.Skipped)
	require.Len(t, out.TierA, 1)
	assert.Equal(t, "fp-high", out.TierA[0].Fingerprint)
}

func TestNovelVelocityCriterion(t *testing.T) {
	cfg := Config{}.withDefaults()
	c := testCluster("fp", models.SeverityLow)
	c.FirstSeen = testNow.Add(-2 * time.Hour)
	c.EventCount = 50
	f := models.Finding{Severity: models.SeverityLow, Confidence: 0.9}
	assert.Equal(t, []string{ReasonNovelVelocity}, selectReasons(cfg, c, f, testNow))

	c.FirstSeen = testNow.Add(-72 * time.Hour)
	assert.Empty(t, selectReasons(cfg, c, f, testNow))
}

func TestFallbackFindingSkipsLowConfidenceCriterion(t *testing.T) {
	cfg := Config{}.withDefaults()
	c := testCluster("fp", models.SeverityMedium)
	f := models.Finding{Severity: models.SeverityMedium, Confidence: fallbackConfidence}
	assert.Equal(t, []string{ReasonLowConfidence}, selectReasons(cfg, c, f, testNow))

	f.Fallback = true
	assert.Empty(t, selectReasons(cfg, c, f, testNow))

	f.Severity = models.SeverityHigh
	assert.Equal(t, []string{ReasonSeverity}, selectReasons(cfg, c, f, testNow))
}

func TestDegradedTierADoesNotFloodTierB(t *testing.T) {
	gw := &fakeGateway{fn: func(call inference.Call) (string, error) {
		return "upstream overloaded, please retry", nil
	}}
	o := newTestOrchestrator(gw, nil)

	clusters := make([]models.Cluster, 0, 5)
	for i := 0; i < 5; i++ {
		clusters = append(clusters, testCluster(fmt.Sprintf("fp-%d", i), models.SeverityMedium))
	}
	out := o.ProcessBatch(context.Background(), "acme", clusters, models.TenantPolicy{})

	require.Len(t, out.TierA, 5)
	for _, f := range out.TierA {
		require.True(t, f.Fallback)
	}
	assert.Empty(t, out.Candidates)
	assert.Zero(t, gw.count(models.TierB))
}

func TestTierAContextStaysCompact(t *testing.T) {
	clusters := []models.Cluster{testCluster("fp-a", models.SeverityLow), testCluster("fp-b", models.SeverityLow)}
	clusters[0].Representative.Message = strings.Repeat("very long message ", 200)
	ctx := buildTierAContext(clusters, 2048)
	assert.LessOrEqual(t, len(ctx), 2048)
	assert.NotContains(t, ctx, "10.0.0.1")
	assert.Contains(t, ctx, `"ep":"GET /orders/:id"`)
}

func TestTierAContextNeverExceedsLimit(t *testing.T) {
	clusters := make([]models.Cluster, 0, 20)
	for i := 0; i < 20; i++ {
		c := testCluster(fmt.Sprintf("%064d", i), models.SeverityHigh)
		c.Representative.Message = strings.Repeat("upstream refused the request ", 20)
		c.Representative.ErrorType = strings.Repeat("UpstreamRefusedError", 4)
		c.ImpactedRoles = []string{"admin", "buyer", "seller"}
		clusters = append(clusters, c)
	}
	ctx := buildTierAContext(clusters, 2048)
	assert.LessOrEqual(t, len(ctx), 2048)
	assert.Contains(t, ctx, fmt.Sprintf("%064d", 0))
	for _, line := range strings.Split(strings.TrimSpace(ctx), "\n") {
		assert.True(t, strings.HasPrefix(line, "{") && strings.HasSuffix(line, "}"), line)
	}
}
