// Package escalation submits incidents to the external support provider and tracks the
// resulting tickets through their lifecycle and SLA windows.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/miradorstack/mirador-triage/internal/cache"
	"github.com/miradorstack/mirador-triage/internal/errs"
	"github.com/miradorstack/mirador-triage/internal/metrics"
	"github.com/miradorstack/mirador-triage/internal/models"
	"github.com/miradorstack/mirador-triage/internal/utils"
)

var (
	// ErrDuplicate is returned when an identical submission is already in flight or done.
	ErrDuplicate = errors.New("escalation already submitted")
	// ErrTicketNotFound is returned for responses that match no known ticket.
	ErrTicketNotFound = errors.New("ticket not found")
	// ErrTicketClosed is returned for responses against a closed ticket.
	ErrTicketClosed = errors.New("ticket is closed")
	// ErrTicketNotResolved is returned when closing a ticket the provider has not resolved.
	ErrTicketNotResolved = errors.New("ticket is not resolved")
)

var responseValidate = validator.New()

// SLA windows by priority.
var (
	resolutionSLA = map[models.Priority]time.Duration{
		models.PriorityP1: 4 * time.Hour,
		models.PriorityP2: 8 * time.Hour,
		models.PriorityP3: 24 * time.Hour,
		models.PriorityP4: 72 * time.Hour,
	}
	responseSLA = map[models.Priority]time.Duration{
		models.PriorityP1: 1 * time.Hour,
		models.PriorityP2: 2 * time.Hour,
		models.PriorityP3: 8 * time.Hour,
		models.PriorityP4: 24 * time.Hour,
	}
)

// AtRiskRatio is the elapsed share of an SLA window that flags a ticket at risk.
const AtRiskRatio = 0.75

// SLAStates lists every state in reporting order.
var SLAStates = []string{string(models.SLAOnTrack), string(models.SLAAtRisk), string(models.SLAViolated)}

// TicketStore is the persistence the manager needs.
type TicketStore interface {
	SaveTicket(ctx context.Context, t models.EscalationTicket) error
	GetTicket(ctx context.Context, id string) (models.EscalationTicket, bool, error)
	GetTicketByProviderID(ctx context.Context, providerTicketID string) (models.EscalationTicket, bool, error)
	ListOpenTickets(ctx context.Context) ([]models.EscalationTicket, error)
}

// IncidentUpdater receives ticket-driven incident transitions.
type IncidentUpdater interface {
	MarkInvestigating(ctx context.Context, incidentID string) error
	ResolveIncident(ctx context.Context, incidentID string, res models.Resolution) error
}

// SubmitRequest is one escalation ready for sealing. Payload is already redacted.
type SubmitRequest struct {
	Incident  models.Incident
	FindingID string
	Priority  models.Priority
	Payload   []byte
}

// SLAReport is the evaluated SLA health of one open ticket.
type SLAReport struct {
	TicketID   string          `json:"ticketId"`
	IncidentID string          `json:"incidentId"`
	Priority   models.Priority `json:"priority"`
	State      models.SLAState `json:"state"`
}

// Manager owns ticket creation and the provider response state machine.
type Manager struct {
	store     TicketStore
	transport Transport
	sealer    *Sealer
	cache     cache.Provider
	dedupTTL  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	updater IncidentUpdater
}

// NewManager wires the manager. A nil cache disables cross-replica deduplication.
func NewManager(store TicketStore, transport Transport, sealer *Sealer, c cache.Provider, logger *slog.Logger) *Manager {
	if c == nil {
		c = cache.NoopProvider{}
	}
	return &Manager{
		store:     store,
		transport: transport,
		sealer:    sealer,
		cache:     c,
		dedupTTL:  24 * time.Hour,
		logger:    utils.Component(logger, "escalation"),
		now:       time.Now,
	}
}

// SetIncidentUpdater registers the callback for request_info and resolution responses.
func (m *Manager) SetIncidentUpdater(u IncidentUpdater) {
	m.mu.Lock()
	m.updater = u
	m.mu.Unlock()
}

func (m *Manager) incidentUpdater() IncidentUpdater {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updater
}

// Deadlines returns the response and resolution deadlines for a window starting at start.
func Deadlines(p models.Priority, start time.Time) (response, resolution time.Time) {
	resp, ok := responseSLA[p]
	if !ok {
		resp = responseSLA[models.PriorityP4]
	}
	res, ok := resolutionSLA[p]
	if !ok {
		res = resolutionSLA[models.PriorityP4]
	}
	return start.Add(resp), start.Add(res)
}

func dedupKey(incidentID, findingID string) string {
	return "triage:escalation:" + incidentID + ":" + findingID
}

// Submit seals and transmits the payload and persists the resulting ticket. Transport failures
// release the dedup key so a later batch may retry.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (models.EscalationTicket, error) {
	if m.transport == nil || m.sealer == nil {
		return models.EscalationTicket{}, errors.New("provider escalation is not configured")
	}
	key := dedupKey(req.Incident.ID, req.FindingID)
	acquired, err := m.cache.SetNX(ctx, key, []byte(req.Incident.ID), m.dedupTTL)
	if err != nil {
		m.logger.Warn("escalation dedup check failed", slog.String("incident_id", req.Incident.ID), slog.Any("error", err))
	} else if !acquired {
		metrics.ObserveEscalation("duplicate")
		return models.EscalationTicket{}, ErrDuplicate
	}

	now := m.now().UTC()
	respDeadline, resDeadline := Deadlines(req.Priority, now)
	ticket := models.EscalationTicket{
		ID:                 uuid.NewString(),
		IncidentID:         req.Incident.ID,
		TenantID:           req.Incident.TenantID,
		Fingerprint:        req.Incident.Fingerprint,
		Priority:           req.Priority,
		Status:             models.TicketSubmitted,
		SubmittedAt:        now,
		ResponseDeadline:   respDeadline,
		ResolutionDeadline: resDeadline,
		Attempts:           1,
		UpdatedAt:          now,
	}

	body, sig, err := m.sealer.Seal(TicketMeta{
		TicketID:    ticket.ID,
		IncidentID:  ticket.IncidentID,
		TenantID:    ticket.TenantID,
		Priority:    ticket.Priority,
		SubmittedAt: now,
	}, req.Payload)
	if err != nil {
		m.releaseKey(key)
		metrics.ObserveEscalation("failed")
		return models.EscalationTicket{}, err
	}

	receipt, err := m.transport.Submit(ctx, Submission{TicketID: ticket.ID, Body: body, Signature: sig})
	if err != nil {
		m.releaseKey(key)
		metrics.ObserveEscalation("failed")
		m.logger.Error("provider submission failed",
			slog.String("incident_id", ticket.IncidentID),
			slog.String("ticket_id", ticket.ID),
			slog.Any("error", err),
		)
		return models.EscalationTicket{}, err
	}

	ticket.ProviderTicketID = receipt.ProviderTicketID
	if receipt.Attempts > 0 {
		ticket.Attempts = receipt.Attempts
	}
	ticket.CommunicationLog = append(ticket.CommunicationLog, models.CommunicationEntry{
		At: now, Direction: "outbound", Type: "submission", Message: "priority " + string(ticket.Priority),
	})
	if receipt.Acknowledged {
		ticket.Status = models.TicketAcknowledged
		ticket.AcknowledgedAt = &now
	}
	if err := m.store.SaveTicket(ctx, ticket); err != nil {
		return ticket, fmt.Errorf("persist ticket %s: %w", ticket.ID, err)
	}

	metrics.ObserveEscalation("submitted")
	m.logger.Info("escalation submitted",
		slog.String("incident_id", ticket.IncidentID),
		slog.String("ticket_id", ticket.ID),
		slog.String("provider_ticket_id", ticket.ProviderTicketID),
		slog.String("priority", string(ticket.Priority)),
	)
	return ticket, nil
}

func (m *Manager) releaseKey(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.cache.Del(ctx, key); err != nil {
		m.logger.Warn("release escalation dedup key failed", slog.String("key", key), slog.Any("error", err))
	}
}

// HandleResponse applies an asynchronous provider response. Responses are correlated by provider
// ticket id first, then by internal ticket id.
func (m *Manager) HandleResponse(ctx context.Context, resp models.ProviderResponse) (models.EscalationTicket, error) {
	if err := responseValidate.Struct(resp); err != nil {
		return models.EscalationTicket{}, &errs.ValidationError{Reason: "invalid provider response", Err: err}
	}
	ticket, err := m.lookup(ctx, resp.TicketID)
	if err != nil {
		return models.EscalationTicket{}, err
	}
	if ticket.Status == models.TicketClosed {
		return ticket, ErrTicketClosed
	}

	now := resp.ReceivedAt
	if now.IsZero() {
		now = m.now().UTC()
	}
	ticket.CommunicationLog = append(ticket.CommunicationLog, models.CommunicationEntry{
		At: now, Direction: "inbound", Type: string(resp.Type), Message: resp.Message,
	})
	if ticket.AcknowledgedAt == nil {
		ack := now
		ticket.AcknowledgedAt = &ack
	}

	updater := m.incidentUpdater()
	switch resp.Type {
	case models.ResponseAcknowledgment:
		if ticket.Status == models.TicketSubmitted {
			ticket.Status = models.TicketAcknowledged
		}
	case models.ResponseUpdate:
		if ticket.Status == models.TicketSubmitted {
			ticket.Status = models.TicketAcknowledged
		}
	case models.ResponseRequestInfo:
		if ticket.Status != models.TicketResolved {
			ticket.Status = models.TicketInvestigating
		}
		if updater != nil {
			if err := updater.MarkInvestigating(ctx, ticket.IncidentID); err != nil {
				m.logger.Warn("mark incident investigating failed", slog.String("incident_id", ticket.IncidentID), slog.Any("error", err))
			}
		}
	case models.ResponseEscalation:
		raised := ticket.Priority.Raise()
		if p, err := models.ParsePriority(resp.Priority); err == nil && p.Level() < raised.Level() {
			raised = p
		}
		ticket.Priority = raised
		ticket.ResponseDeadline, ticket.ResolutionDeadline = Deadlines(raised, now)
	case models.ResponseResolution:
		ticket.Status = models.TicketResolved
		ticket.Resolution = resp.Resolution
		if updater != nil {
			if err := updater.ResolveIncident(ctx, ticket.IncidentID, *resp.Resolution); err != nil {
				m.logger.Warn("resolve incident failed", slog.String("incident_id", ticket.IncidentID), slog.Any("error", err))
			}
		}
	}
	ticket.UpdatedAt = now

	if err := m.store.SaveTicket(ctx, ticket); err != nil {
		return ticket, fmt.Errorf("persist ticket %s: %w", ticket.ID, err)
	}
	m.logger.Info("provider response applied",
		slog.String("ticket_id", ticket.ID),
		slog.String("type", string(resp.Type)),
		slog.String("status", string(ticket.Status)),
		slog.String("priority", string(ticket.Priority)),
	)
	return ticket, nil
}

// Close moves a resolved ticket to closed.
func (m *Manager) Close(ctx context.Context, ticketID string) (models.EscalationTicket, error) {
	ticket, err := m.lookup(ctx, ticketID)
	if err != nil {
		return ticket, err
	}
	if ticket.Status == models.TicketClosed {
		return ticket, nil
	}
	if ticket.Status != models.TicketResolved {
		return ticket, fmt.Errorf("%w: %s is %s", ErrTicketNotResolved, ticket.ID, ticket.Status)
	}
	now := m.now().UTC()
	ticket.Status = models.TicketClosed
	ticket.ClosedAt = &now
	ticket.UpdatedAt = now
	if err := m.store.SaveTicket(ctx, ticket); err != nil {
		return ticket, fmt.Errorf("persist ticket %s: %w", ticket.ID, err)
	}
	return ticket, nil
}

func (m *Manager) lookup(ctx context.Context, id string) (models.EscalationTicket, error) {
	ticket, ok, err := m.store.GetTicketByProviderID(ctx, id)
	if err != nil {
		return ticket, err
	}
	if ok {
		return ticket, nil
	}
	ticket, ok, err = m.store.GetTicket(ctx, id)
	if err != nil {
		return ticket, err
	}
	if !ok {
		return ticket, fmt.Errorf("%w: %s", ErrTicketNotFound, id)
	}
	return ticket, nil
}

// SLAState evaluates a ticket's deadline health at now. Closed or resolved tickets are on track.
func SLAState(t models.EscalationTicket, now time.Time) models.SLAState {
	if !t.Status.Open() {
		return models.SLAOnTrack
	}
	if !now.Before(t.ResolutionDeadline) {
		return models.SLAViolated
	}
	if t.AcknowledgedAt == nil && !now.Before(t.ResponseDeadline) {
		return models.SLAViolated
	}
	if elapsedShare(now, t.ResolutionDeadline, resolutionSLA[t.Priority]) >= AtRiskRatio {
		return models.SLAAtRisk
	}
	if t.AcknowledgedAt == nil && elapsedShare(now, t.ResponseDeadline, responseSLA[t.Priority]) >= AtRiskRatio {
		return models.SLAAtRisk
	}
	return models.SLAOnTrack
}

// elapsedShare measures against the window ending at deadline so recomputed deadlines after a
// priority raise are judged from the raise.
func elapsedShare(now, deadline time.Time, window time.Duration) float64 {
	if window <= 0 {
		return 0
	}
	start := deadline.Add(-window)
	return float64(now.Sub(start)) / float64(window)
}

// CheckSLAs evaluates every open ticket, publishes gauge counts and warns about tickets at risk.
func (m *Manager) CheckSLAs(ctx context.Context) ([]SLAReport, error) {
	open, err := m.store.ListOpenTickets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list open tickets: %w", err)
	}
	now := m.now().UTC()
	counts := make(map[string]int, len(SLAStates))
	reports := make([]SLAReport, 0, len(open))
	for _, t := range open {
		state := SLAState(t, now)
		counts[string(state)]++
		reports = append(reports, SLAReport{TicketID: t.ID, IncidentID: t.IncidentID, Priority: t.Priority, State: state})
		if state != models.SLAOnTrack {
			m.logger.Warn("ticket sla degraded",
				slog.String("ticket_id", t.ID),
				slog.String("incident_id", t.IncidentID),
				slog.String("priority", string(t.Priority)),
				slog.String("state", string(state)),
				slog.Time("resolution_deadline", t.ResolutionDeadline),
			)
		}
	}
	metrics.SetOpenTickets(counts, SLAStates)
	return reports, nil
}

// OpenTickets lists tickets still under SLA tracking.
func (m *Manager) OpenTickets(ctx context.Context) ([]models.EscalationTicket, error) {
	return m.store.ListOpenTickets(ctx)
}
