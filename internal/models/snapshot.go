package models

import "time"

// JourneyStep is one request in a user's session leading up to a failure.
type JourneyStep struct {
	At         time.Time `json:"at"`
	SessionID  string    `json:"sessionId,omitempty"`
	Route      string    `json:"route,omitempty"`
	Method     string    `json:"method,omitempty"`
	StatusCode int       `json:"statusCode,omitempty"`
	DurationMs float64   `json:"durationMs,omitempty"`
}

// Snapshot is the redacted reproduction bundle attached to an incident.
type Snapshot struct {
	ID              string        `json:"id"`
	IncidentID      string        `json:"incidentId"`
	TenantID        string        `json:"tenantId"`
	Fingerprint     string        `json:"fingerprint"`
	Events          []Event       `json:"events"`
	Journey         []JourneyStep `json:"journey,omitempty"`
	RedactedSecrets []string      `json:"redactedSecrets,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	ExpiresAt       time.Time     `json:"expiresAt"`
}

// Expired reports whether the snapshot has passed its retention horizon.
func (s Snapshot) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}
