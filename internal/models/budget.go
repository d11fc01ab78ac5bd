package models

import "time"

// UsageCounters holds token and cost counters for the current minute, day and month.
type UsageCounters struct {
	MinuteTokens  int       `json:"minuteTokens"`
	MinuteStart   time.Time `json:"minuteStart"`
	DailyTokens   int       `json:"dailyTokens"`
	DayStart      time.Time `json:"dayStart"`
	MonthlyTokens int       `json:"monthlyTokens"`
	MonthStart    time.Time `json:"monthStart"`
	DailyCost     float64   `json:"dailyCost"`
	MonthlyCost   float64   `json:"monthlyCost"`
}

// TenantPolicy is the per-tenant sampling and batching policy derived by cost optimization.
type TenantPolicy struct {
	SamplingRate    float64       `json:"samplingRate"`
	BatchInterval   time.Duration `json:"batchInterval"`
	SkipLowSeverity bool          `json:"skipLowSeverity"`
}

// BudgetState is the persisted form of the budget controller.
type BudgetState struct {
	Provider  UsageCounters            `json:"provider"`
	Tenants   map[string]UsageCounters `json:"tenants"`
	Policies  map[string]TenantPolicy  `json:"policies"`
	UpdatedAt time.Time                `json:"updatedAt"`
}

// Detection counts matches of one redaction rule in scanned content. Matched text is never kept.
type Detection struct {
	Rule     string   `json:"rule"`
	Category string   `json:"category"`
	Severity Severity `json:"severity"`
	Count    int      `json:"count"`
}
