package models

import "time"

// PastResolution is a resolved incident recalled as context for deeper analysis.
type PastResolution struct {
	IncidentID  string    `json:"incidentId"`
	TenantID    string    `json:"tenantId"`
	Fingerprint string    `json:"fingerprint"`
	Title       string    `json:"title"`
	Symptoms    []string  `json:"symptoms,omitempty"`
	RootCause   string    `json:"rootCause"`
	Solution    string    `json:"solution,omitempty"`
	Prevention  string    `json:"prevention,omitempty"`
	Score       float64   `json:"score,omitempty"`
	ResolvedAt  time.Time `json:"resolvedAt"`
}
