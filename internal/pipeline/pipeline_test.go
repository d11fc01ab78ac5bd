package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-triage/internal/analysis"
	"github.com/miradorstack/mirador-triage/internal/budget"
	"github.com/miradorstack/mirador-triage/internal/cache"
	"github.com/miradorstack/mirador-triage/internal/cluster"
	"github.com/miradorstack/mirador-triage/internal/errs"
	"github.com/miradorstack/mirador-triage/internal/incident"
	"github.com/miradorstack/mirador-triage/internal/models"
	"github.com/miradorstack/mirador-triage/internal/store"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeAnalyzer struct {
	mu       sync.Mutex
	calls    [][]models.Cluster
	fail     map[string]bool
	severity models.Severity
	tierB    bool
}

func (f *fakeAnalyzer) ProcessBatch(_ context.Context, tenant string, clusters []models.Cluster, _ models.TenantPolicy) analysis.Outcome {
	f.mu.Lock()
	f.calls = append(f.calls, clusters)
	f.mu.Unlock()

	var out analysis.Outcome
	for _, c := range clusters {
		if f.fail[c.Fingerprint] {
			out.Errors = append(out.Errors, models.UnitError{Unit: "tierA/" + c.Fingerprint, Kind: errs.KindInferenceError, Message: "model down"})
			continue
		}
		sev := f.severity
		if sev == "" {
			sev = models.SeverityHigh
		}
		out.TierA = append(out.TierA, models.Finding{
			ID:          "fa-" + c.Fingerprint,
			Tier:        models.TierA,
			TenantID:    tenant,
			Fingerprint: c.Fingerprint,
			Cause:       "null cart",
			Severity:    sev,
			Confidence:  0.9,
			CreatedAt:   testNow,
		})
		if f.tierB {
			out.TierB = append(out.TierB, models.Finding{
				ID:          "fb-" + c.Fingerprint,
				Tier:        models.TierB,
				TenantID:    tenant,
				Fingerprint: c.Fingerprint,
				Cause:       "null cart after deploy",
				Severity:    sev,
				Confidence:  0.95,
				CreatedAt:   testNow,
			})
			out.Candidates = append(out.Candidates, analysis.Candidate{Fingerprint: c.Fingerprint, Reasons: []string{analysis.ReasonSeverity}})
		}
		out.TokensUsed += 100
		out.CostUSD += 0.01
	}
	return out
}

func (f *fakeAnalyzer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeIncidents struct {
	mu         sync.Mutex
	upserts    []incident.Findings
	action     incident.Action
	escalate   bool
	outcome    incident.Outcome
	escErr     error
	escalated  int
	sweepCalls int
}

func (f *fakeIncidents) Upsert(_ context.Context, c models.Cluster, findings incident.Findings) (models.Incident, incident.Action, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, findings)
	return models.Incident{ID: "inc-" + c.Fingerprint, TenantID: c.TenantID, Fingerprint: c.Fingerprint}, f.action, nil
}

func (f *fakeIncidents) Evaluate(models.Incident, models.Cluster, incident.Findings) incident.Eligibility {
	return incident.Eligibility{ShouldEscalate: f.escalate, Urgency: models.SeverityHigh, Priority: models.PriorityP2}
}

func (f *fakeIncidents) Escalate(_ context.Context, inc models.Incident, _ models.Cluster, _ incident.Findings, _ incident.Eligibility) (models.Incident, incident.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.escalated++
	return inc, f.outcome, f.escErr
}

func (f *fakeIncidents) SweepSnapshots(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweepCalls++
	return 0, nil
}

type harness struct {
	pipeline  *Pipeline
	store     *store.MemoryStore
	analyzer  *fakeAnalyzer
	incidents *fakeIncidents
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })
	ctrl := budget.NewController(budget.Limits{}, budget.OptimizationConfig{}, nil, budget.WithClock(func() time.Time { return testNow }))
	an := &fakeAnalyzer{fail: map[string]bool{}}
	inc := &fakeIncidents{action: incident.ActionCreated, outcome: incident.OutcomeSubmitted}
	p := New(st, ctrl, cluster.NewEngine(cluster.Config{}, nil), cluster.NewLocker(cache.NewMemoryProvider(), time.Second), an, inc, nil,
		WithClock(func() time.Time { return testNow }),
		WithSettings(func() Settings { return Settings{Sensitivity: models.SensitivityNormal} }),
	)
	return &harness{pipeline: p, store: st, analyzer: an, incidents: inc}
}

func checkoutEvents(tenant string, n int) []models.Event {
	events := make([]models.Event, 0, n)
	for i := 0; i < n; i++ {
		events = append(events, models.Event{
			ID:          fmt.Sprintf("%s-ev-%d", tenant, i),
			Timestamp:   testNow.Add(-time.Duration(i) * time.Minute),
			TenantID:    tenant,
			Message:     "TypeError: cannot read properties of null (reading 'cart')",
			ErrorType:   "TypeError",
			Route:       "/checkout",
			Method:      "POST",
			StatusCode:  500,
			Environment: "production",
			UserID:      fmt.Sprintf("user-%d", i),
		})
	}
	return events
}

func TestRunBatchFullFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.pipeline.RunBatch(ctx, checkoutEvents("acme", 5))
	require.NotEmpty(t, res.BatchID)
	assert.Equal(t, 5, res.EventsReceived)
	assert.Equal(t, 5, res.EventsSampled)
	assert.Equal(t, 1, res.ClustersFormed)
	assert.Equal(t, 1, res.TierAFindings)
	assert.Equal(t, 100, res.TokensUsed)
	assert.Equal(t, 1, res.IncidentsCreated)
	assert.Zero(t, res.EscalationsSubmitted)
	assert.Empty(t, res.Errors)

	clusters, err := h.store.ListClusters(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.True(t, clusters[0].Triaged)
	assert.Equal(t, 5, clusters[0].EventCount)

	findings, err := h.store.ListFindings(ctx, "acme", clusters[0].Fingerprint)
	require.NoError(t, err)
	assert.Len(t, findings, 1)

	last, ok := h.pipeline.LastResult()
	require.True(t, ok)
	assert.Equal(t, res.BatchID, last.BatchID)
}

func TestRunBatchMergesWithStoredCluster(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.pipeline.RunBatch(ctx, checkoutEvents("acme", 3))
	h.pipeline.RunBatch(ctx, checkoutEvents("acme", 4))

	clusters, err := h.store.ListClusters(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.Equal(t, 7, clusters[0].EventCount)
	assert.Equal(t, 2, h.analyzer.callCount())
}

func TestRunBatchRejectsInvalidEvents(t *testing.T) {
	h := newHarness(t)
	events := checkoutEvents("acme", 3)
	events = append(events,
		models.Event{Timestamp: testNow, Message: "no tenant", Environment: "production"},
		models.Event{Timestamp: testNow, TenantID: "acme", Message: "bad status", Environment: "production", StatusCode: 42},
		models.Event{Timestamp: testNow, TenantID: "acme", Message: "bad severity", Environment: "production", Severity: "urgent"},
	)

	res := h.pipeline.RunBatch(context.Background(), events)
	assert.Equal(t, 6, res.EventsReceived)
	assert.Equal(t, 3, res.EventsRejected)
	assert.Equal(t, 1, res.ClustersFormed)
	require.Len(t, res.Errors, 3)
	for _, e := range res.Errors {
		assert.Equal(t, errs.KindValidationError, e.Kind)
	}
}

func TestRunBatchSkipsSmallClusters(t *testing.T) {
	h := newHarness(t)
	res := h.pipeline.RunBatch(context.Background(), checkoutEvents("acme", 2))
	assert.Zero(t, res.ClustersFormed)
	assert.Equal(t, 1, res.ClustersSkipped)
	assert.Zero(t, h.analyzer.callCount())
}

func TestRunBatchSeparatesTenants(t *testing.T) {
	h := newHarness(t)
	events := append(checkoutEvents("acme", 3), checkoutEvents("globex", 3)...)
	res := h.pipeline.RunBatch(context.Background(), events)
	assert.Equal(t, 2, res.ClustersFormed)
	assert.Equal(t, 2, res.IncidentsCreated)
	assert.Equal(t, 2, h.analyzer.callCount())
}

func TestRunBatchCountsEscalationOutcomes(t *testing.T) {
	cases := []struct {
		name    string
		outcome incident.Outcome
		err     error
		check   func(t *testing.T, res models.BatchResult)
	}{
		{"submitted", incident.OutcomeSubmitted, nil, func(t *testing.T, res models.BatchResult) {
			assert.Equal(t, 1, res.EscalationsSubmitted)
			assert.Empty(t, res.Errors)
		}},
		{"blocked", incident.OutcomeBlocked, &errs.SecurityViolation{Operation: "escalation"}, func(t *testing.T, res models.BatchResult) {
			assert.Equal(t, 1, res.EscalationsBlocked)
			require.Len(t, res.Errors, 1)
			assert.Equal(t, errs.KindSecurityViolation, res.Errors[0].Kind)
		}},
		{"failed", incident.OutcomeFailed, &errs.TransportError{Endpoint: "provider", Attempts: 3, Err: errors.New("503")}, func(t *testing.T, res models.BatchResult) {
			assert.Equal(t, 1, res.EscalationsFailed)
			require.Len(t, res.Errors, 1)
			assert.Equal(t, errs.KindTransportError, res.Errors[0].Kind)
		}},
		{"duplicate", incident.OutcomeDuplicate, nil, func(t *testing.T, res models.BatchResult) {
			assert.Zero(t, res.EscalationsSubmitted)
			assert.Empty(t, res.Errors)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.incidents.escalate = true
			h.incidents.outcome = tc.outcome
			h.incidents.escErr = tc.err
			res := h.pipeline.RunBatch(context.Background(), checkoutEvents("acme", 3))
			assert.Equal(t, 1, h.incidents.escalated)
			tc.check(t, res)
		})
	}
}

func TestRunBatchMarksEscalatedCluster(t *testing.T) {
	h := newHarness(t)
	h.incidents.escalate = true
	ctx := context.Background()
	h.pipeline.RunBatch(ctx, checkoutEvents("acme", 3))

	clusters, err := h.store.ListClusters(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.True(t, clusters[0].Escalated)
}

func TestRunBatchPassesTierBAndCandidate(t *testing.T) {
	h := newHarness(t)
	h.analyzer.tierB = true
	res := h.pipeline.RunBatch(context.Background(), checkoutEvents("acme", 3))
	assert.Equal(t, 1, res.TierBFindings)

	require.Len(t, h.incidents.upserts, 1)
	got := h.incidents.upserts[0]
	require.NotNil(t, got.TierA)
	require.NotNil(t, got.TierB)
	assert.True(t, got.Candidate)
	assert.Equal(t, "fb-"+got.TierA.Fingerprint, got.TierB.ID)
}

func TestRunBatchRetriesUntriagedClusters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	events := checkoutEvents("acme", 3)

	fp := cluster.NewEngine(cluster.Config{}, nil).Cluster(events, models.SensitivityNormal).Clusters[0].Fingerprint
	h.analyzer.fail[fp] = true

	res := h.pipeline.RunBatch(ctx, events)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, errs.KindInferenceError, res.Errors[0].Kind)
	stored, ok, err := h.store.GetCluster(ctx, "acme", fp)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, stored.Triaged)

	// A batch for the same tenant with unrelated events picks the failed cluster up again.
	delete(h.analyzer.fail, fp)
	other := checkoutEvents("acme", 3)
	for i := range other {
		other[i].ID = fmt.Sprintf("other-%d", i)
		other[i].Route = "/profile"
		other[i].ErrorType = "RangeError"
		other[i].Message = "RangeError: invalid array length"
	}
	res = h.pipeline.RunBatch(ctx, other)
	assert.Equal(t, 2, res.TierAFindings)

	stored, _, err = h.store.GetCluster(ctx, "acme", fp)
	require.NoError(t, err)
	assert.True(t, stored.Triaged)
}

func TestRunBatchCapsEvents(t *testing.T) {
	h := newHarness(t)
	h.pipeline.settings = func() Settings { return Settings{MaxEvents: 3} }
	res := h.pipeline.RunBatch(context.Background(), checkoutEvents("acme", 5))
	assert.Equal(t, 3, res.EventsSampled)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "2 oldest dropped")
}

func TestRunBatchAppliesStagedSettingsAtStart(t *testing.T) {
	h := newHarness(t)
	var (
		staged  = Settings{MaxEvents: 3}
		current Settings
		order   []string
	)
	h.pipeline.batchStart = func() {
		order = append(order, "start")
		current = staged
	}
	h.pipeline.settings = func() Settings {
		order = append(order, "settings")
		return current
	}

	res := h.pipeline.RunBatch(context.Background(), checkoutEvents("acme", 5))
	assert.Equal(t, []string{"start", "settings"}, order)
	assert.Equal(t, 3, res.EventsSampled, "settings staged before the batch apply to it")
}

func TestRunBatchCancelledContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := h.pipeline.RunBatch(ctx, checkoutEvents("acme", 3))
	require.Len(t, res.Errors, 1)
	assert.Equal(t, errs.KindCanceled, res.Errors[0].Kind)
	assert.Zero(t, h.analyzer.callCount())
}

func TestRestoreCountsClusters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.pipeline.RunBatch(ctx, checkoutEvents("acme", 3))

	n, err := h.pipeline.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSweepPrunesOldClusters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	old := models.Cluster{Fingerprint: "fp-old", TenantID: "acme", LastSeen: testNow.Add(-30 * 24 * time.Hour), EventCount: 3}
	require.NoError(t, h.store.SaveCluster(ctx, old))

	require.NoError(t, h.pipeline.Sweep(ctx))
	_, ok, err := h.store.GetCluster(ctx, "acme", "fp-old")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, h.incidents.sweepCalls)
}

func TestOptimizeCostsCoversKnownTenants(t *testing.T) {
	h := newHarness(t)
	h.pipeline.RunBatch(context.Background(), checkoutEvents("acme", 3))
	h.pipeline.budget.(*budget.Controller).RecordUsage("acme", 10, 0.001)

	results := h.pipeline.OptimizeCosts(context.Background())
	require.Len(t, results, 1)
	assert.Equal(t, "acme", results[0].Tenant)
}
