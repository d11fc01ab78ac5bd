package cluster

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-triage/internal/models"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func checkoutEvent(i int, user string) models.Event {
	return models.Event{
		ID:          fmt.Sprintf("ev-%03d", i),
		Timestamp:   base.Add(time.Duration(i) * time.Minute),
		TenantID:    "acme",
		Message:     fmt.Sprintf("checkout failed for order %d", 1000+i),
		ErrorType:   "CheckoutError",
		Route:       fmt.Sprintf("/api/orders/%d", 1000+i),
		Method:      "POST",
		Environment: "prod",
		UserID:      user,
	}
}

func TestClusterGroupsAndSkipsSmallGroups(t *testing.T) {
	engine := NewEngine(Config{}, nil)

	events := make([]models.Event, 0, 14)
	for i := 0; i < 12; i++ {
		events = append(events, checkoutEvent(i, fmt.Sprintf("user-%d", i%3)))
	}
	events = append(events,
		models.Event{ID: "x1", Timestamp: base, TenantID: "acme", Message: "disk full", Environment: "prod"},
		models.Event{ID: "x2", Timestamp: base, TenantID: "acme", Message: "disk full", Environment: "prod"},
	)

	res := engine.Cluster(events, models.SensitivityNormal)
	require.Len(t, res.Clusters, 1)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 2, res.SkippedEvents)

	c := res.Clusters[0]
	assert.Equal(t, 12, c.EventCount)
	assert.Equal(t, 3, c.UniqueUsers)
	assert.Equal(t, base, c.FirstSeen)
	assert.Equal(t, base.Add(11*time.Minute), c.LastSeen)
	assert.Equal(t, models.SeverityMedium, c.Severity, "12 events from 3 users in the last hour is medium")
	assert.Equal(t, []string{"POST /api/orders/:id"}, c.Endpoints)
	assert.LessOrEqual(t, len(c.Exemplars), 5)
}

func TestClusterConservativeTwelveEvents(t *testing.T) {
	engine := NewEngine(Config{}, nil)
	events := make([]models.Event, 0, 12)
	for i := 0; i < 12; i++ {
		events = append(events, checkoutEvent(i, "user-1"))
	}
	res := engine.Cluster(events, models.SensitivityConservative)
	require.Len(t, res.Clusters, 1)
	assert.Equal(t, 12, res.Clusters[0].EventCount)
	assert.Equal(t, models.SeverityMedium, res.Clusters[0].Severity)
}

func TestClusterAggressiveKeepsSingletons(t *testing.T) {
	engine := NewEngine(Config{}, nil)
	res := engine.Cluster([]models.Event{checkoutEvent(1, "u")}, models.SensitivityAggressive)
	require.Len(t, res.Clusters, 1)
	assert.Zero(t, res.Skipped)
}

func TestDeriveSeverityCascade(t *testing.T) {
	cases := []struct {
		rate, users int
		critical    bool
		want        models.Severity
	}{
		{51, 11, false, models.SeverityCritical},
		{0, 0, true, models.SeverityCritical},
		{51, 10, false, models.SeverityHigh},
		{51, 0, false, models.SeverityHigh},
		{0, 101, false, models.SeverityHigh},
		{21, 0, false, models.SeverityHigh},
		{0, 6, false, models.SeverityHigh},
		{20, 5, false, models.SeverityMedium},
		{12, 0, false, models.SeverityMedium},
		{6, 0, false, models.SeverityMedium},
		{0, 2, false, models.SeverityMedium},
		{5, 1, false, models.SeverityLow},
		{0, 0, false, models.SeverityLow},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, DeriveSeverity(tc.rate, tc.users, tc.critical), "rate=%d users=%d", tc.rate, tc.users)
	}
}

func TestSelectRepresentativePrefersContextThenEarliest(t *testing.T) {
	plain := models.Event{ID: "a", Timestamp: base}
	rich := models.Event{ID: "b", Timestamp: base.Add(time.Minute), StackTrace: "at x (y.js:1)", UserID: "u"}
	richEarlier := models.Event{ID: "c", Timestamp: base.Add(-time.Minute), StackTrace: "at x (y.js:1)", UserID: "v"}

	assert.Equal(t, "b", SelectRepresentative([]models.Event{plain, rich}).ID)
	assert.Equal(t, "c", SelectRepresentative([]models.Event{plain, rich, richEarlier}).ID)
}

func TestSelectExemplarsEnforcesDiversity(t *testing.T) {
	events := []models.Event{
		{ID: "1", Timestamp: base, UserRole: "admin", Route: "/a", StackTrace: "s"},
		{ID: "2", Timestamp: base.Add(time.Minute), UserRole: "admin", Route: "/a", StackTrace: "s"},
		{ID: "3", Timestamp: base.Add(2 * time.Minute), UserRole: "viewer", Route: "/a"},
		{ID: "4", Timestamp: base.Add(10 * time.Minute), UserRole: "admin", Route: "/a"},
	}
	got := SelectExemplars(events, 5, 5*time.Minute)
	ids := make([]string, 0, len(got))
	for _, ev := range got {
		ids = append(ids, ev.ID)
	}
	assert.Equal(t, []string{"1", "3", "4"}, ids)
}

func TestMergeIsMonotone(t *testing.T) {
	engine := NewEngine(Config{}, nil)

	first := engine.Cluster([]models.Event{checkoutEvent(0, "u1"), checkoutEvent(1, "u2"), checkoutEvent(2, "u3")}, models.SensitivityNormal).Clusters[0]
	first.Triaged = true
	first.Severity = models.SeverityHigh

	later := []models.Event{checkoutEvent(30, "u3"), checkoutEvent(31, "u4"), checkoutEvent(32, "u5"), checkoutEvent(33, "u5")}
	second := engine.Cluster(later, models.SensitivityNormal).Clusters[0]
	require.Equal(t, first.Fingerprint, second.Fingerprint)

	merged := engine.Merge(first, second)
	assert.Equal(t, 7, merged.EventCount)
	assert.Equal(t, 5, merged.UniqueUsers)
	assert.Equal(t, first.FirstSeen, merged.FirstSeen)
	assert.Equal(t, second.LastSeen, merged.LastSeen)
	assert.Equal(t, models.MaxSeverity(first.Severity, second.Severity), merged.Severity)
	assert.False(t, merged.Triaged)
	assert.LessOrEqual(t, len(merged.Exemplars), 5)
}
