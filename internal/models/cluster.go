package models

import "time"

// Cluster aggregates events sharing a fingerprint within a tenant.
type Cluster struct {
	Fingerprint      string      `json:"fingerprint"`
	TenantID         string      `json:"tenantId"`
	FirstSeen        time.Time   `json:"firstSeen"`
	LastSeen         time.Time   `json:"lastSeen"`
	EventCount       int         `json:"eventCount"`
	UniqueUsers      int         `json:"uniqueUsers"`
	UserHashes       []string    `json:"userHashes,omitempty"`
	Representative   Event       `json:"representative"`
	Exemplars        []Event     `json:"exemplars,omitempty"`
	Severity         Severity    `json:"severity"`
	Confidence       float64     `json:"confidence"`
	ImpactedRoles    []string    `json:"impactedRoles,omitempty"`
	Endpoints        []string    `json:"endpoints,omitempty"`
	ServiceAreas     []string    `json:"serviceAreas,omitempty"`
	RecentTimestamps []time.Time `json:"recentTimestamps,omitempty"`
	Triaged          bool        `json:"triaged"`
	Escalated        bool        `json:"escalated"`
	UpdatedAt        time.Time   `json:"updatedAt"`
}

// EventsInLastHour counts recent events in the hour preceding ref.
func (c Cluster) EventsInLastHour(ref time.Time) int {
	cutoff := ref.Add(-time.Hour)
	n := 0
	for _, ts := range c.RecentTimestamps {
		if ts.After(cutoff) && !ts.After(ref) {
			n++
		}
	}
	return n
}

// VelocityPerHour returns events per hour since first seen. Windows shorter than one hour count as one hour.
func (c Cluster) VelocityPerHour(now time.Time) float64 {
	hours := now.Sub(c.FirstSeen).Hours()
	if hours < 1 {
		hours = 1
	}
	return float64(c.EventCount) / hours
}

// HasFeatureFlags reports whether any sampled event carried feature flags.
func (c Cluster) HasFeatureFlags() bool {
	if len(c.Representative.FeatureFlags) > 0 {
		return true
	}
	for _, ex := range c.Exemplars {
		if len(ex.FeatureFlags) > 0 {
			return true
		}
	}
	return false
}
