// Package budget enforces token spend limits and derives per-tenant sampling policy.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-triage/internal/errs"
	"github.com/miradorstack/mirador-triage/internal/metrics"
	"github.com/miradorstack/mirador-triage/internal/models"
)

// Denial layers, evaluated in this order.
const (
	LayerHardStop = "hard_stop"
	LayerCeiling  = "ceiling"
	LayerTenant   = "tenant"
	LayerThrottle = "throttle"
	LayerCall     = "call_ceiling"
)

// Mitigations suggested on denial.
const (
	MitigationIncreaseSampling = "increase_sampling"
	MitigationBatchInterval    = "increase_batch_interval"
	MitigationSkipLowSeverity  = "skip_low_severity"
	MitigationWaitNextWindow   = "wait_next_window"
)

// TenantLimits caps one tenant's token use. Zero means unlimited.
type TenantLimits struct {
	DailyTokens   int `yaml:"dailyTokens"`
	MonthlyTokens int `yaml:"monthlyTokens"`
}

// Limits configures the provider-wide budget.
type Limits struct {
	MonthlyTokens       int
	DailyTokens         int
	PerMinuteTokens     int
	HardStop            bool
	ThrottleUtilization float64
	// VelocityTokensPerMinute throttles when the trailing five-minute average exceeds it.
	VelocityTokensPerMinute int
	TenantDefault           TenantLimits
	TenantOverrides         map[string]TenantLimits
	TierACallTokens         int
	TierBCallTokens         int
}

// Decision is the result of an availability check.
type Decision struct {
	Allowed     bool
	Layer       string
	Reason      string
	Mitigations []string
}

// StateStore persists budget counters across restarts.
type StateStore interface {
	SaveBudgetState(ctx context.Context, state models.BudgetState) error
	LoadBudgetState(ctx context.Context) (models.BudgetState, bool, error)
}

// Controller tracks token usage and hands out reservations. All counter mutation happens in
// RecordUsage under mu, so a check and the matching reserve are atomic for every tenant.
type Controller struct {
	mu       sync.Mutex
	limits   Limits
	opt      OptimizationConfig
	provider models.UsageCounters
	tenants  map[string]*models.UsageCounters
	policies map[string]models.TenantPolicy
	minutes  [velocityWindow]minuteBucket

	pending       int
	pendingTenant map[string]int
	reservations  map[string]*Reservation

	store  StateStore
	rng    *rand.Rand
	now    func() time.Time
	logger *slog.Logger
}

const velocityWindow = 5

type minuteBucket struct {
	start  time.Time
	tokens int
}

// Option customises a Controller.
type Option func(*Controller)

// WithClock overrides the controller clock.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithRand injects the sampling source.
func WithRand(rng *rand.Rand) Option {
	return func(c *Controller) { c.rng = rng }
}

// WithStore persists counters after every settle.
func WithStore(store StateStore) Option {
	return func(c *Controller) { c.store = store }
}

// NewController builds a Controller.
func NewController(limits Limits, opt OptimizationConfig, logger *slog.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		limits:        limits,
		opt:           opt.withDefaults(),
		tenants:       make(map[string]*models.UsageCounters),
		policies:      make(map[string]models.TenantPolicy),
		pendingTenant: make(map[string]int),
		reservations:  make(map[string]*Reservation),
		now:           time.Now,
		logger:        logger.With("component", "budget"),
	}
	for _, o := range opts {
		o(c)
	}
	if c.rng == nil {
		seed := uint64(c.now().UnixNano())
		c.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
	return c
}

// UpdateLimits swaps limits and optimization flags; used at batch start after a config reload.
func (c *Controller) UpdateLimits(limits Limits, opt OptimizationConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limits = limits
	c.opt = opt.withDefaults()
}

// CheckAvailability evaluates the budget layers in order without reserving anything.
func (c *Controller) CheckAvailability(tenant string, estimate int, tier models.ModelTier) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkLocked(tenant, estimate, tier, c.now())
}

func (c *Controller) checkLocked(tenant string, estimate int, tier models.ModelTier, now time.Time) Decision {
	provider := rolled(c.provider, now)
	tenantUsage := models.UsageCounters{}
	if t, ok := c.tenants[tenant]; ok {
		tenantUsage = rolled(*t, now)
	}
	pendingTenant := c.pendingTenant[tenant]

	// (a) monthly hard stop
	if c.limits.HardStop && c.limits.MonthlyTokens > 0 &&
		provider.MonthlyTokens+c.pending+estimate > c.limits.MonthlyTokens {
		return deny(LayerHardStop, fmt.Sprintf("monthly token limit %d reached", c.limits.MonthlyTokens),
			MitigationIncreaseSampling, MitigationBatchInterval, MitigationSkipLowSeverity)
	}

	// (b) daily and per-minute ceilings
	if c.limits.DailyTokens > 0 && provider.DailyTokens+c.pending+estimate > c.limits.DailyTokens {
		return deny(LayerCeiling, fmt.Sprintf("daily token ceiling %d reached", c.limits.DailyTokens),
			MitigationBatchInterval, MitigationIncreaseSampling)
	}
	if c.limits.PerMinuteTokens > 0 && provider.MinuteTokens+c.pending+estimate > c.limits.PerMinuteTokens {
		return deny(LayerCeiling, fmt.Sprintf("per-minute token ceiling %d reached", c.limits.PerMinuteTokens),
			MitigationWaitNextWindow, MitigationBatchInterval)
	}

	// (c) per-tenant limits
	tl := c.tenantLimits(tenant)
	if tl.DailyTokens > 0 && tenantUsage.DailyTokens+pendingTenant+estimate > tl.DailyTokens {
		return deny(LayerTenant, fmt.Sprintf("tenant daily limit %d reached", tl.DailyTokens),
			MitigationIncreaseSampling, MitigationSkipLowSeverity)
	}
	if tl.MonthlyTokens > 0 && tenantUsage.MonthlyTokens+pendingTenant+estimate > tl.MonthlyTokens {
		return deny(LayerTenant, fmt.Sprintf("tenant monthly limit %d reached", tl.MonthlyTokens),
			MitigationIncreaseSampling, MitigationSkipLowSeverity)
	}

	// (d) dynamic throttle on utilization or velocity
	if c.limits.ThrottleUtilization > 0 && c.limits.MonthlyTokens > 0 {
		util := float64(provider.MonthlyTokens+c.pending+estimate) / float64(c.limits.MonthlyTokens)
		if util > c.limits.ThrottleUtilization {
			return deny(LayerThrottle, fmt.Sprintf("utilization %.0f%% above throttle %.0f%%", util*100, c.limits.ThrottleUtilization*100),
				MitigationIncreaseSampling, MitigationBatchInterval, MitigationSkipLowSeverity)
		}
	}
	if c.limits.VelocityTokensPerMinute > 0 {
		if v := c.velocityLocked(now); v > float64(c.limits.VelocityTokensPerMinute) {
			return deny(LayerThrottle, fmt.Sprintf("token velocity %.0f/min above %d/min", v, c.limits.VelocityTokensPerMinute),
				MitigationBatchInterval, MitigationWaitNextWindow)
		}
	}

	ceiling := c.limits.TierACallTokens
	if tier == models.TierB {
		ceiling = c.limits.TierBCallTokens
	}
	if ceiling > 0 && estimate > ceiling {
		return deny(LayerCall, fmt.Sprintf("estimate %d exceeds %s call ceiling %d", estimate, tier, ceiling))
	}

	return Decision{Allowed: true}
}

// Reserve atomically checks availability and holds estimate tokens against the tenant.
func (c *Controller) Reserve(ctx context.Context, tenant string, estimate int, tier models.ModelTier) (*Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	d := c.checkLocked(tenant, estimate, tier, c.now())
	if !d.Allowed {
		metrics.ObserveBudgetDenial(d.Layer)
		c.logger.Warn("budget reservation denied",
			slog.String("tenant", tenant),
			slog.String("tier", string(tier)),
			slog.String("layer", d.Layer),
			slog.String("reason", d.Reason),
		)
		return nil, &errs.BudgetExceeded{Tenant: tenant, Tier: tier, Layer: d.Layer, Reason: d.Reason, Mitigations: d.Mitigations}
	}

	r := &Reservation{ID: uuid.NewString(), Tenant: tenant, Tier: tier, Tokens: estimate, controller: c}
	c.reservations[r.ID] = r
	c.pending += estimate
	c.pendingTenant[tenant] += estimate
	return r, nil
}

// RecordUsage is the only mutator of usage counters.
func (c *Controller) RecordUsage(tenant string, tokens int, cost float64) {
	c.mu.Lock()
	c.recordLocked(tenant, tokens, cost, c.now())
	state := c.snapshotLocked()
	c.mu.Unlock()
	c.persist(state)
}

func (c *Controller) recordLocked(tenant string, tokens int, cost float64, now time.Time) {
	c.provider = add(rolled(c.provider, now), tokens, cost)
	t, ok := c.tenants[tenant]
	if !ok {
		t = &models.UsageCounters{}
		c.tenants[tenant] = t
	}
	*t = add(rolled(*t, now), tokens, cost)

	minute := now.Truncate(time.Minute)
	slot := &c.minutes[int(minute.Unix()/60)%velocityWindow]
	if !slot.start.Equal(minute) {
		*slot = minuteBucket{start: minute}
	}
	slot.tokens += tokens

	metrics.ObserveTokens(tokens, cost)
	if c.limits.MonthlyTokens > 0 {
		metrics.SetBudgetUtilization(float64(c.provider.MonthlyTokens) / float64(c.limits.MonthlyTokens))
	}
}

// Utilization returns the provider monthly utilization in [0, +inf).
func (c *Controller) Utilization() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.utilizationLocked("", c.now())
}

func (c *Controller) utilizationLocked(tenant string, now time.Time) float64 {
	util := 0.0
	if c.limits.MonthlyTokens > 0 {
		util = float64(rolled(c.provider, now).MonthlyTokens) / float64(c.limits.MonthlyTokens)
	}
	if tenant == "" {
		return util
	}
	if tl := c.tenantLimits(tenant); tl.MonthlyTokens > 0 {
		if t, ok := c.tenants[tenant]; ok {
			if tu := float64(rolled(*t, now).MonthlyTokens) / float64(tl.MonthlyTokens); tu > util {
				util = tu
			}
		}
	}
	return util
}

// Usage returns the current counters for tenant, or provider-wide counters when tenant is empty.
func (c *Controller) Usage(tenant string) models.UsageCounters {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if tenant == "" {
		return rolled(c.provider, now)
	}
	if t, ok := c.tenants[tenant]; ok {
		return rolled(*t, now)
	}
	return models.UsageCounters{}
}

// Pending returns tokens held by unsettled reservations.
func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Sample applies reservoir sampling with the controller's random source.
func (c *Controller) Sample(events []models.Event, rate float64) []models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Reservoir(events, rate, c.rng)
}

// Snapshot returns the persisted form of the controller.
func (c *Controller) Snapshot() models.BudgetState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() models.BudgetState {
	state := models.BudgetState{
		Provider:  c.provider,
		Tenants:   make(map[string]models.UsageCounters, len(c.tenants)),
		Policies:  make(map[string]models.TenantPolicy, len(c.policies)),
		UpdatedAt: c.now(),
	}
	for k, v := range c.tenants {
		state.Tenants[k] = *v
	}
	for k, v := range c.policies {
		state.Policies[k] = v
	}
	return state
}

// Restore loads persisted counters. Missing state is not an error.
func (c *Controller) Restore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	state, ok, err := c.store.LoadBudgetState(ctx)
	if err != nil {
		return fmt.Errorf("load budget state: %w", err)
	}
	if !ok {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.provider = state.Provider
	c.tenants = make(map[string]*models.UsageCounters, len(state.Tenants))
	for k, v := range state.Tenants {
		v := v
		c.tenants[k] = &v
	}
	c.policies = make(map[string]models.TenantPolicy, len(state.Policies))
	for k, v := range state.Policies {
		c.policies[k] = v
	}
	c.logger.Info("budget state restored", slog.Int("tenants", len(c.tenants)), slog.Int("monthlyTokens", c.provider.MonthlyTokens))
	return nil
}

// Tenants lists tenants with recorded usage or policy.
func (c *Controller) Tenants() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[string]struct{})
	out := make([]string, 0, len(c.tenants))
	for k := range c.tenants {
		seen[k] = struct{}{}
		out = append(out, k)
	}
	for k := range c.policies {
		if _, ok := seen[k]; !ok {
			out = append(out, k)
		}
	}
	return out
}

func (c *Controller) persist(state models.BudgetState) {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.store.SaveBudgetState(ctx, state); err != nil {
		c.logger.Warn("persist budget state failed", slog.Any("error", err))
	}
}

func (c *Controller) tenantLimits(tenant string) TenantLimits {
	if tl, ok := c.limits.TenantOverrides[tenant]; ok {
		return tl
	}
	return c.limits.TenantDefault
}

func (c *Controller) velocityLocked(now time.Time) float64 {
	cutoff := now.Truncate(time.Minute).Add(-(velocityWindow - 1) * time.Minute)
	total := 0
	for _, b := range c.minutes {
		if !b.start.Before(cutoff) && !b.start.After(now) {
			total += b.tokens
		}
	}
	return float64(total) / velocityWindow
}

func deny(layer, reason string, mitigations ...string) Decision {
	return Decision{Allowed: false, Layer: layer, Reason: reason, Mitigations: mitigations}
}

// rolled returns counters with any elapsed minute, day or month windows reset.
func rolled(u models.UsageCounters, now time.Time) models.UsageCounters {
	minute := now.Truncate(time.Minute)
	day := startOfDay(now)
	month := startOfMonth(now)
	if !u.MinuteStart.Equal(minute) {
		u.MinuteStart = minute
		u.MinuteTokens = 0
	}
	if !u.DayStart.Equal(day) {
		u.DayStart = day
		u.DailyTokens = 0
		u.DailyCost = 0
	}
	if !u.MonthStart.Equal(month) {
		u.MonthStart = month
		u.MonthlyTokens = 0
		u.MonthlyCost = 0
	}
	return u
}

func add(u models.UsageCounters, tokens int, cost float64) models.UsageCounters {
	u.MinuteTokens += tokens
	u.DailyTokens += tokens
	u.MonthlyTokens += tokens
	u.DailyCost += cost
	u.MonthlyCost += cost
	return u
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func startOfMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
