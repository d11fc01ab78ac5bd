package budget

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/miradorstack/mirador-triage/internal/models"
)

const (
	samplingThreshold  = 0.80
	batchingThreshold  = 0.75
	skipLowThreshold   = 0.85
	bandWidth          = 0.05
	samplingMultiplier = 0.7
	batchMultiplier    = 1.5
	minSamplingRate    = 0.02
	maxBatchInterval   = 15 * time.Minute
)

// OptimizationConfig holds the cost optimization switches.
type OptimizationConfig struct {
	IncreaseSamplingWhenOverBudget bool
	AutoAdjustBatching             bool
	SkipLowSeverityWhenOverBudget  bool
	BaseSamplingRate               float64
	BaseBatchInterval              time.Duration
}

func (o OptimizationConfig) withDefaults() OptimizationConfig {
	if o.BaseSamplingRate <= 0 || o.BaseSamplingRate > 1 {
		o.BaseSamplingRate = 1
	}
	if o.BaseBatchInterval <= 0 {
		o.BaseBatchInterval = 5 * time.Minute
	}
	return o
}

// OptimizationResult reports the policy after an Optimize call.
type OptimizationResult struct {
	Tenant      string              `json:"tenant"`
	Utilization float64             `json:"utilization"`
	Policy      models.TenantPolicy `json:"policy"`
	Changes     []string            `json:"changes,omitempty"`
}

// Policy returns the tenant's current policy, or the base policy when none was derived yet.
func (c *Controller) Policy(tenant string) models.TenantPolicy {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.policies[tenant]; ok {
		return p
	}
	return c.basePolicy()
}

func (c *Controller) basePolicy() models.TenantPolicy {
	return models.TenantPolicy{SamplingRate: c.opt.BaseSamplingRate, BatchInterval: c.opt.BaseBatchInterval}
}

// Optimize derives the tenant policy from current utilization. The policy is a pure function of
// utilization and the base settings, so repeated calls at the same utilization change nothing.
// Each full 5% band above a threshold applies the multiplier once more.
func (c *Controller) Optimize(tenant string) OptimizationResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	util := c.utilizationLocked(tenant, c.now())
	prev, hadPrev := c.policies[tenant]
	if !hadPrev {
		prev = c.basePolicy()
	}
	next := c.basePolicy()

	if c.opt.IncreaseSamplingWhenOverBudget && util >= samplingThreshold {
		steps := bands(util, samplingThreshold)
		next.SamplingRate = math.Max(c.opt.BaseSamplingRate*math.Pow(samplingMultiplier, float64(steps)), minSamplingRate)
	}
	if c.opt.AutoAdjustBatching && util >= batchingThreshold {
		steps := bands(util, batchingThreshold)
		interval := time.Duration(float64(c.opt.BaseBatchInterval) * math.Pow(batchMultiplier, float64(steps)))
		if interval > maxBatchInterval {
			interval = maxBatchInterval
		}
		if interval > next.BatchInterval {
			next.BatchInterval = interval
		}
	}
	if c.opt.SkipLowSeverityWhenOverBudget && util >= skipLowThreshold {
		next.SkipLowSeverity = true
	}

	res := OptimizationResult{Tenant: tenant, Utilization: util, Policy: next}
	if next.SamplingRate != prev.SamplingRate {
		res.Changes = append(res.Changes, fmt.Sprintf("sampling %.3f -> %.3f", prev.SamplingRate, next.SamplingRate))
	}
	if next.BatchInterval != prev.BatchInterval {
		res.Changes = append(res.Changes, fmt.Sprintf("batch interval %s -> %s", prev.BatchInterval, next.BatchInterval))
	}
	if next.SkipLowSeverity != prev.SkipLowSeverity {
		res.Changes = append(res.Changes, fmt.Sprintf("skip low severity %t -> %t", prev.SkipLowSeverity, next.SkipLowSeverity))
	}
	c.policies[tenant] = next

	if len(res.Changes) > 0 {
		c.logger.Info("tenant policy adjusted",
			slog.String("tenant", tenant),
			slog.Float64("utilization", util),
			slog.Any("changes", res.Changes),
		)
	}
	return res
}

// bands counts how many 5% steps util sits at or above threshold, starting at one.
func bands(util, threshold float64) int {
	return 1 + int(math.Floor((util-threshold)/bandWidth+1e-9))
}
