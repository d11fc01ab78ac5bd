package budget

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-triage/internal/errs"
	"github.com/miradorstack/mirador-triage/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

type memStateStore struct {
	mu    sync.Mutex
	state *models.BudgetState
	saves int
}

func (m *memStateStore) SaveBudgetState(_ context.Context, s models.BudgetState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = &s
	m.saves++
	return nil
}

func (m *memStateStore) LoadBudgetState(context.Context) (models.BudgetState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return models.BudgetState{}, false, nil
	}
	return *m.state, true, nil
}

func newTestController(limits Limits, opt OptimizationConfig) (*Controller, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 6, 10, 9, 30, 0, 0, time.UTC)}
	c := NewController(limits, opt, nil, WithClock(clock.Now), WithRand(rand.New(rand.NewPCG(1, 2))))
	return c, clock
}

func TestHardStopDeniesWithoutMutation(t *testing.T) {
	c, _ := newTestController(Limits{MonthlyTokens: 1000, HardStop: true}, OptimizationConfig{})
	c.RecordUsage("acme", 995, 0.1)

	before := c.Usage("")
	d := c.CheckAvailability("acme", 10, models.TierA)
	require.False(t, d.Allowed)
	assert.Equal(t, LayerHardStop, d.Layer)
	assert.Contains(t, d.Mitigations, MitigationIncreaseSampling)

	_, err := c.Reserve(context.Background(), "acme", 10, models.TierA)
	var be *errs.BudgetExceeded
	require.True(t, errors.As(err, &be))
	assert.Equal(t, LayerHardStop, be.Layer)

	assert.Equal(t, before, c.Usage(""))
	assert.Zero(t, c.Pending())
}

func TestLayersShortCircuitInOrder(t *testing.T) {
	c, _ := newTestController(Limits{
		MonthlyTokens:   10_000,
		DailyTokens:     500,
		PerMinuteTokens: 10_000,
		TenantDefault:   TenantLimits{DailyTokens: 100},
	}, OptimizationConfig{})

	c.RecordUsage("acme", 90, 0)
	d := c.CheckAvailability("acme", 20, models.TierA)
	assert.Equal(t, LayerTenant, d.Layer)

	c.RecordUsage("other", 400, 0)
	d = c.CheckAvailability("acme", 20, models.TierA)
	assert.Equal(t, LayerCeiling, d.Layer, "daily ceiling is checked before tenant limits")
}

func TestPerMinuteWindowRollsOver(t *testing.T) {
	c, clock := newTestController(Limits{PerMinuteTokens: 100}, OptimizationConfig{})
	c.RecordUsage("acme", 100, 0)
	assert.False(t, c.CheckAvailability("acme", 1, models.TierA).Allowed)

	clock.Advance(time.Minute)
	assert.True(t, c.CheckAvailability("acme", 1, models.TierA).Allowed)
}

func TestDailyAndMonthlyRollover(t *testing.T) {
	c, clock := newTestController(Limits{}, OptimizationConfig{})
	c.RecordUsage("acme", 50, 0.5)
	clock.Advance(24 * time.Hour)
	u := c.Usage("acme")
	assert.Zero(t, u.DailyTokens)
	assert.Equal(t, 50, u.MonthlyTokens)

	clock.Advance(31 * 24 * time.Hour)
	assert.Zero(t, c.Usage("acme").MonthlyTokens)
}

func TestThrottleOnUtilization(t *testing.T) {
	c, _ := newTestController(Limits{MonthlyTokens: 1000, ThrottleUtilization: 0.9}, OptimizationConfig{})
	c.RecordUsage("acme", 880, 0)
	d := c.CheckAvailability("acme", 50, models.TierB)
	require.False(t, d.Allowed)
	assert.Equal(t, LayerThrottle, d.Layer)
}

func TestThrottleOnVelocity(t *testing.T) {
	c, _ := newTestController(Limits{VelocityTokensPerMinute: 100}, OptimizationConfig{})
	c.RecordUsage("acme", 600, 0)
	d := c.CheckAvailability("acme", 1, models.TierA)
	require.False(t, d.Allowed)
	assert.Equal(t, LayerThrottle, d.Layer)
}

func TestReservationsCountTowardLimits(t *testing.T) {
	c, _ := newTestController(Limits{MonthlyTokens: 100, HardStop: true}, OptimizationConfig{})
	r1, err := c.Reserve(context.Background(), "acme", 60, models.TierA)
	require.NoError(t, err)
	_, err = c.Reserve(context.Background(), "acme", 60, models.TierA)
	require.Error(t, err, "pending reservation must count against the limit")

	r1.Release()
	r2, err := c.Reserve(context.Background(), "acme", 60, models.TierA)
	require.NoError(t, err)
	r2.Settle(40, 0.01)
	assert.Equal(t, 40, c.Usage("acme").MonthlyTokens)
	assert.Zero(t, c.Pending())
}

func TestSettleAndReleaseAreIdempotent(t *testing.T) {
	c, _ := newTestController(Limits{}, OptimizationConfig{})
	r, err := c.Reserve(context.Background(), "acme", 10, models.TierA)
	require.NoError(t, err)

	r.Settle(8, 0)
	r.Settle(8, 0)
	r.Release()
	assert.Equal(t, 8, c.Usage("acme").MonthlyTokens)

	released, err := c.Reserve(context.Background(), "acme", 10, models.TierA)
	require.NoError(t, err)
	released.Release()
	released.Settle(99, 0)
	assert.Equal(t, 8, c.Usage("acme").MonthlyTokens)
	assert.Zero(t, c.Pending())
}

func TestConcurrentReservesNeverOvershoot(t *testing.T) {
	c, _ := newTestController(Limits{MonthlyTokens: 1000, HardStop: true}, OptimizationConfig{})
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := c.Reserve(context.Background(), "acme", 100, models.TierA)
			if err != nil {
				return
			}
			mu.Lock()
			granted++
			mu.Unlock()
			r.Settle(100, 0)
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, granted)
	assert.Equal(t, 1000, c.Usage("").MonthlyTokens)
}

func TestCallCeilingPerTier(t *testing.T) {
	c, _ := newTestController(Limits{TierACallTokens: 100, TierBCallTokens: 500}, OptimizationConfig{})
	assert.False(t, c.CheckAvailability("acme", 200, models.TierA).Allowed)
	assert.True(t, c.CheckAvailability("acme", 200, models.TierB).Allowed)
}

func TestPersistAndRestore(t *testing.T) {
	store := &memStateStore{}
	clock := &fakeClock{now: time.Date(2024, 6, 10, 9, 30, 0, 0, time.UTC)}
	c := NewController(Limits{}, OptimizationConfig{}, nil, WithClock(clock.Now), WithStore(store))
	r, err := c.Reserve(context.Background(), "acme", 10, models.TierA)
	require.NoError(t, err)
	r.Settle(7, 0.02)
	require.Equal(t, 1, store.saves)

	restored := NewController(Limits{}, OptimizationConfig{}, nil, WithClock(clock.Now), WithStore(store))
	require.NoError(t, restored.Restore(context.Background()))
	assert.Equal(t, 7, restored.Usage("acme").MonthlyTokens)
}
