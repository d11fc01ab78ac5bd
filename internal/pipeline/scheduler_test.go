package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-triage/internal/budget"
	"github.com/miradorstack/mirador-triage/internal/escalation"
	"github.com/miradorstack/mirador-triage/internal/models"
)

func TestBufferDropsOldest(t *testing.T) {
	b := NewBuffer(3, nil)
	assert.Zero(t, b.Add(models.Event{ID: "1"}, models.Event{ID: "2"}))
	assert.Equal(t, 2, b.Add(models.Event{ID: "3"}, models.Event{ID: "4"}, models.Event{ID: "5"}))
	assert.Equal(t, 3, b.Len())
	assert.Equal(t, 2, b.Dropped())

	drained := b.Drain()
	ids := make([]string, 0, len(drained))
	for _, ev := range drained {
		ids = append(ids, ev.ID)
	}
	assert.Equal(t, []string{"3", "4", "5"}, ids)
	assert.Zero(t, b.Len())
	assert.Empty(t, b.Drain())
}

func TestBufferWrapsAfterDrain(t *testing.T) {
	b := NewBuffer(2, nil)
	b.Add(models.Event{ID: "a"})
	b.Drain()
	b.Add(models.Event{ID: "b"}, models.Event{ID: "c"})
	drained := b.Drain()
	require.Len(t, drained, 2)
	assert.Equal(t, "b", drained[0].ID)
	assert.Equal(t, "c", drained[1].ID)
}

type recordingRunner struct {
	mu      sync.Mutex
	batches [][]models.Event
	ran     chan struct{}
}

func newRecordingRunner() *recordingRunner {
	return &recordingRunner{ran: make(chan struct{}, 16)}
}

func (r *recordingRunner) RunBatch(_ context.Context, events []models.Event) models.BatchResult {
	r.mu.Lock()
	r.batches = append(r.batches, events)
	r.mu.Unlock()
	r.ran <- struct{}{}
	return models.BatchResult{EventsReceived: len(events)}
}

func (r *recordingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

type countingMaintainer struct {
	mu        sync.Mutex
	optimized int
	swept     int
}

func (m *countingMaintainer) OptimizeCosts(context.Context) []budget.OptimizationResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.optimized++
	return nil
}

func (m *countingMaintainer) Sweep(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.swept++
	return nil
}

type countingSLA struct{ checks int }

func (c *countingSLA) CheckSLAs(context.Context) ([]escalation.SLAReport, error) {
	c.checks++
	return nil, nil
}

func TestSchedulerTriggerRunsBufferedBatch(t *testing.T) {
	buf := NewBuffer(10, nil)
	runner := newRecordingRunner()
	s := NewScheduler(SchedulerConfig{Interval: func() time.Duration { return time.Hour }, MaintenanceInterval: time.Hour}, buf, runner, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	buf.Add(models.Event{ID: "1"}, models.Event{ID: "2"})
	require.True(t, s.Trigger())

	select {
	case <-runner.ran:
	case <-time.After(2 * time.Second):
		t.Fatal("triggered batch did not run")
	}
	cancel()
	require.NoError(t, <-done)
	require.Equal(t, 1, runner.count())
	assert.Len(t, runner.batches[0], 2)
}

func TestSchedulerSkipsEmptyBuffer(t *testing.T) {
	runner := newRecordingRunner()
	s := NewScheduler(SchedulerConfig{Interval: func() time.Duration { return 10 * time.Millisecond }}, NewBuffer(10, nil), runner, nil, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))
	assert.Zero(t, runner.count())
}

func TestSchedulerFlushesOnShutdown(t *testing.T) {
	buf := NewBuffer(10, nil)
	runner := newRecordingRunner()
	s := NewScheduler(SchedulerConfig{Interval: func() time.Duration { return time.Hour }}, buf, runner, nil, nil, nil)
	buf.Add(models.Event{ID: "late"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Run(ctx))
	require.Equal(t, 1, runner.count())
	assert.Equal(t, "late", runner.batches[0][0].ID)
}

func TestSchedulerTriggerCoalesces(t *testing.T) {
	s := NewScheduler(SchedulerConfig{}, NewBuffer(1, nil), newRecordingRunner(), nil, nil, nil)
	assert.True(t, s.Trigger())
	assert.False(t, s.Trigger())
}

func TestSchedulerRunNow(t *testing.T) {
	buf := NewBuffer(10, nil)
	runner := newRecordingRunner()
	s := NewScheduler(SchedulerConfig{}, buf, runner, nil, nil, nil)
	buf.Add(models.Event{ID: "x"})
	res := s.RunNow(context.Background())
	assert.Equal(t, 1, res.EventsReceived)
	assert.Zero(t, buf.Len())
}

func TestMaintainRunsHousekeeping(t *testing.T) {
	maint := &countingMaintainer{}
	sla := &countingSLA{}
	s := NewScheduler(SchedulerConfig{}, NewBuffer(1, nil), newRecordingRunner(), maint, sla, nil)
	s.Maintain(context.Background())
	assert.Equal(t, 1, maint.optimized)
	assert.Equal(t, 1, maint.swept)
	assert.Equal(t, 1, sla.checks)
}

type staticPolicies map[string]models.TenantPolicy

func (s staticPolicies) Tenants() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return out
}

func (s staticPolicies) Policy(t string) models.TenantPolicy { return s[t] }

func TestPolicyInterval(t *testing.T) {
	assert.Equal(t, time.Minute, PolicyInterval(staticPolicies{}, time.Minute)())

	src := staticPolicies{
		"acme":    {BatchInterval: 5 * time.Minute},
		"globex":  {BatchInterval: 2 * time.Minute},
		"initech": {},
	}
	assert.Equal(t, 2*time.Minute, PolicyInterval(src, time.Minute)())
}
