package models

import (
	"fmt"
	"strings"
	"time"
)

// Priority is the provider ticket priority; P1 is the most urgent.
type Priority string

const (
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
	PriorityP4 Priority = "P4"
)

var priorityOrder = []Priority{PriorityP1, PriorityP2, PriorityP3, PriorityP4}

// Level returns 1 for P1 through 4 for P4, or 0 when unknown.
func (p Priority) Level() int {
	for i, candidate := range priorityOrder {
		if candidate == p {
			return i + 1
		}
	}
	return 0
}

// Raise returns the next more urgent priority. P1 stays P1.
func (p Priority) Raise() Priority {
	level := p.Level()
	if level <= 1 {
		return PriorityP1
	}
	return priorityOrder[level-2]
}

// ParsePriority accepts "P2", "p2" or "2".
func ParsePriority(value string) (Priority, error) {
	v := strings.ToUpper(strings.TrimSpace(value))
	if !strings.HasPrefix(v, "P") {
		v = "P" + v
	}
	p := Priority(v)
	if p.Level() == 0 {
		return "", fmt.Errorf("unknown priority %q", value)
	}
	return p, nil
}

// TicketStatus is the provider ticket state.
type TicketStatus string

const (
	TicketSubmitted     TicketStatus = "submitted"
	TicketAcknowledged  TicketStatus = "acknowledged"
	TicketInvestigating TicketStatus = "investigating"
	TicketResolved      TicketStatus = "resolved"
	TicketClosed        TicketStatus = "closed"
)

// Open reports whether the ticket still counts toward SLA tracking.
func (s TicketStatus) Open() bool {
	return s == TicketSubmitted || s == TicketAcknowledged || s == TicketInvestigating
}

// SLAState summarises deadline health for a ticket.
type SLAState string

const (
	SLAOnTrack  SLAState = "on_track"
	SLAAtRisk   SLAState = "at_risk"
	SLAViolated SLAState = "violated"
)

// ResponseType enumerates asynchronous provider responses.
type ResponseType string

const (
	ResponseAcknowledgment ResponseType = "acknowledgment"
	ResponseUpdate         ResponseType = "update"
	ResponseRequestInfo    ResponseType = "request_info"
	ResponseResolution     ResponseType = "resolution"
	ResponseEscalation     ResponseType = "escalation"
)

// Resolution is the provider's closing analysis.
type Resolution struct {
	RootCause  string `json:"rootCause" validate:"required"`
	Solution   string `json:"solution"`
	Prevention string `json:"prevention"`
}

// CommunicationEntry is one line of the ticket conversation log.
type CommunicationEntry struct {
	At        time.Time `json:"at"`
	Direction string    `json:"direction"`
	Type      string    `json:"type"`
	Message   string    `json:"message,omitempty"`
}

// EscalationTicket is a provider-facing ticket. One ticket per escalation attempt.
type EscalationTicket struct {
	ID                 string               `json:"id"`
	ProviderTicketID   string               `json:"providerTicketId,omitempty"`
	IncidentID         string               `json:"incidentId"`
	TenantID           string               `json:"tenantId"`
	Fingerprint        string               `json:"fingerprint"`
	Priority           Priority             `json:"priority"`
	Status             TicketStatus         `json:"status"`
	SubmittedAt        time.Time            `json:"submittedAt"`
	AcknowledgedAt     *time.Time           `json:"acknowledgedAt,omitempty"`
	ResponseDeadline   time.Time            `json:"responseDeadline"`
	ResolutionDeadline time.Time            `json:"resolutionDeadline"`
	CommunicationLog   []CommunicationEntry `json:"communicationLog,omitempty"`
	Resolution         *Resolution          `json:"resolution,omitempty"`
	Attempts           int                  `json:"attempts"`
	UpdatedAt          time.Time            `json:"updatedAt"`
	ClosedAt           *time.Time           `json:"closedAt,omitempty"`
}

// ProviderResponse is an asynchronous message from the support provider.
type ProviderResponse struct {
	TicketID   string       `json:"ticketId" validate:"required"`
	Type       ResponseType `json:"type" validate:"required,oneof=acknowledgment update request_info resolution escalation"`
	Message    string       `json:"message,omitempty"`
	Priority   string       `json:"priority,omitempty" validate:"omitempty,oneof=P1 P2 P3 P4"`
	Resolution *Resolution  `json:"resolution,omitempty" validate:"required_if=Type resolution"`
	ReceivedAt time.Time    `json:"receivedAt,omitempty"`
}

// TicketView pairs a ticket with its current SLA state.
type TicketView struct {
	Ticket   EscalationTicket `json:"ticket"`
	SLAState SLAState         `json:"slaState"`
}
