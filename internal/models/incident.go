package models

import (
	"fmt"
	"time"
)

// IncidentStatus tracks the lifecycle of an incident.
type IncidentStatus string

const (
	IncidentOpen          IncidentStatus = "open"
	IncidentInvestigating IncidentStatus = "investigating"
	IncidentResolved      IncidentStatus = "resolved"
)

// Terminal reports whether no further transitions are allowed.
func (s IncidentStatus) Terminal() bool {
	return s == IncidentResolved
}

// CanTransition validates open -> investigating -> resolved. Open may resolve directly.
func (s IncidentStatus) CanTransition(to IncidentStatus) bool {
	switch s {
	case IncidentOpen:
		return to == IncidentInvestigating || to == IncidentResolved
	case IncidentInvestigating:
		return to == IncidentResolved
	}
	return false
}

// EscalationRecord captures the provider escalation attached to an incident.
type EscalationRecord struct {
	TicketID         string    `json:"ticketId,omitempty"`
	ProviderTicketID string    `json:"providerTicketId,omitempty"`
	Priority         Priority  `json:"priority,omitempty"`
	Urgency          Severity  `json:"urgency,omitempty"`
	Reasons          []string  `json:"reasons,omitempty"`
	FindingID        string    `json:"findingId,omitempty"`
	EscalatedAt      time.Time `json:"escalatedAt"`
	Open             bool      `json:"open"`
	Blocked          bool      `json:"blocked,omitempty"`
	BlockReason      string    `json:"blockReason,omitempty"`
}

// Incident is the user-facing unit of work for one fingerprint in one tenant.
type Incident struct {
	ID          string   `json:"id"`
	TenantID    string   `json:"tenantId"`
	Fingerprint string   `json:"fingerprint"`
	Title       string   `json:"title"`
	Severity    Severity `json:"severity"`
	Confidence  float64  `json:"confidence"`
	// FallbackAnalysis marks severity and confidence taken from a rule-derived finding.
	FallbackAnalysis bool              `json:"fallbackAnalysis,omitempty"`
	Status           IncidentStatus    `json:"status"`
	Escalated        bool              `json:"escalated"`
	ImpactEvents     int               `json:"impactEvents"`
	ImpactUsers      int               `json:"impactUsers"`
	Endpoints        []string          `json:"endpoints,omitempty"`
	LikelyChange     LikelyChange      `json:"likelyChange"`
	ReproBundleRef   string            `json:"reproBundleRef,omitempty"`
	Escalation       *EscalationRecord `json:"escalation,omitempty"`
	TierAFindingID   string            `json:"tierAFindingId,omitempty"`
	TierBFindingID   string            `json:"tierBFindingId,omitempty"`
	ReopenedFrom     string            `json:"reopenedFrom,omitempty"`
	RootCause        string            `json:"rootCause,omitempty"`
	Solution         string            `json:"solution,omitempty"`
	Prevention       string            `json:"prevention,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
	ResolvedAt       *time.Time        `json:"resolvedAt,omitempty"`
}

// LatestFindingID returns the most authoritative finding reference.
func (i Incident) LatestFindingID() string {
	if i.TierBFindingID != "" {
		return i.TierBFindingID
	}
	return i.TierAFindingID
}

// HasOpenTicket reports whether a provider ticket is still active for the incident.
func (i Incident) HasOpenTicket() bool {
	return i.Escalation != nil && i.Escalation.Open && i.Escalation.TicketID != ""
}

// Transition moves the incident to status, rejecting invalid moves.
func (i *Incident) Transition(to IncidentStatus, at time.Time) error {
	if i.Status == to {
		return nil
	}
	if !i.Status.CanTransition(to) {
		return fmt.Errorf("incident %s: invalid transition %s -> %s", i.ID, i.Status, to)
	}
	i.Status = to
	i.UpdatedAt = at
	if to == IncidentResolved {
		resolved := at
		i.ResolvedAt = &resolved
	}
	return nil
}
