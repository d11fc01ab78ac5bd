package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-triage/internal/api"
	"github.com/miradorstack/mirador-triage/internal/budget"
	"github.com/miradorstack/mirador-triage/internal/errs"
	"github.com/miradorstack/mirador-triage/internal/escalation"
	"github.com/miradorstack/mirador-triage/internal/models"
	"github.com/miradorstack/mirador-triage/internal/pipeline"
	"github.com/miradorstack/mirador-triage/internal/utils"
)

// BatchRunner executes batches and cost optimisation.
type BatchRunner interface {
	RunBatch(ctx context.Context, events []models.Event) models.BatchResult
	OptimizeCosts(ctx context.Context) []budget.OptimizationResult
	LastResult() (models.BatchResult, bool)
}

// EventBuffer holds ingested events until the next batch.
type EventBuffer interface {
	Add(events ...models.Event) int
	Len() int
}

// Flusher drains the buffer into an immediate batch.
type Flusher interface {
	Trigger() bool
	RunNow(ctx context.Context) models.BatchResult
}

// TicketDesk is the escalation ticket lifecycle.
type TicketDesk interface {
	OpenTickets(ctx context.Context) ([]models.EscalationTicket, error)
	HandleResponse(ctx context.Context, resp models.ProviderResponse) (models.EscalationTicket, error)
	Close(ctx context.Context, ticketID string) (models.EscalationTicket, error)
}

// IncidentReader loads incidents by id.
type IncidentReader interface {
	GetIncident(ctx context.Context, id string) (models.Incident, bool, error)
}

// ResponseVerifier authenticates inbound provider responses.
type ResponseVerifier interface {
	VerifyResponse(body []byte, signature string) bool
}

// Deps groups the collaborators of TriageService. Nil members disable the operations that need
// them.
type Deps struct {
	Runner    BatchRunner
	Buffer    EventBuffer
	Flusher   Flusher
	Tickets   TicketDesk
	Incidents IncidentReader
	Verifier  ResponseVerifier
	// FlushThreshold triggers an early batch once the buffer holds this many events. Zero disables it.
	FlushThreshold int
}

// TriageService is the control plane behind both the gRPC and HTTP surfaces.
type TriageService struct {
	logger    *slog.Logger
	deps      Deps
	latencies *utils.LatencyTracker
	now       func() time.Time
}

var _ api.TriageEngineServer = (*TriageService)(nil)
var _ api.Backend = (*TriageService)(nil)

// NewTriageService constructs the service facade.
func NewTriageService(logger *slog.Logger, deps Deps) *TriageService {
	return &TriageService{
		logger:    utils.Component(logger, "service"),
		deps:      deps,
		latencies: utils.NewLatencyTracker(1024),
		now:       time.Now,
	}
}

// Ingest validates events and queues the valid ones for the next batch.
func (s *TriageService) Ingest(_ context.Context, events []models.Event) (models.IngestReceipt, error) {
	if s.deps.Buffer == nil {
		return models.IngestReceipt{}, status.Error(codes.Unavailable, "ingest buffer not configured")
	}
	if len(events) == 0 {
		return models.IngestReceipt{}, &errs.ValidationError{Reason: "no events supplied"}
	}
	var receipt models.IngestReceipt
	accepted := make([]models.Event, 0, len(events))
	for i, ev := range events {
		if err := pipeline.ValidateEvent(ev); err != nil {
			receipt.Rejected++
			receipt.Errors = append(receipt.Errors, models.UnitError{
				Unit: fmt.Sprintf("event/%d", i), Kind: errs.KindValidationError, Message: err.Error(),
			})
			continue
		}
		accepted = append(accepted, ev)
	}
	receipt.Accepted = len(accepted)
	if len(accepted) > 0 {
		receipt.Dropped = s.deps.Buffer.Add(accepted...)
	}
	if s.deps.Flusher != nil && s.deps.FlushThreshold > 0 && s.deps.Buffer.Len() >= s.deps.FlushThreshold {
		s.deps.Flusher.Trigger()
	}
	s.logger.Debug("events ingested",
		slog.Int("accepted", receipt.Accepted),
		slog.Int("rejected", receipt.Rejected),
		slog.Int("dropped", receipt.Dropped),
	)
	return receipt, nil
}

// TriggerBatch runs events immediately, or flushes the buffer when events is empty.
func (s *TriageService) TriggerBatch(ctx context.Context, events []models.Event) (models.BatchResult, error) {
	start := time.Now()
	var res models.BatchResult
	switch {
	case len(events) > 0 && s.deps.Runner != nil:
		res = s.deps.Runner.RunBatch(ctx, events)
	case len(events) == 0 && s.deps.Flusher != nil:
		res = s.deps.Flusher.RunNow(ctx)
	default:
		return models.BatchResult{}, status.Error(codes.Unavailable, "pipeline not configured")
	}
	s.latencies.Observe(time.Since(start))
	if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
		s.logger.Info("batch latency", slog.Duration("p95", s.latencies.Percentile(95)), slog.Int("samples", count))
	}
	return res, nil
}

// Optimize runs one cost-optimisation pass.
func (s *TriageService) Optimize(ctx context.Context) []budget.OptimizationResult {
	if s.deps.Runner == nil {
		return nil
	}
	return s.deps.Runner.OptimizeCosts(ctx)
}

// Incident returns a stored incident.
func (s *TriageService) Incident(ctx context.Context, id string) (models.Incident, error) {
	if id == "" {
		return models.Incident{}, &errs.ValidationError{Reason: "incident id is required"}
	}
	if s.deps.Incidents == nil {
		return models.Incident{}, status.Error(codes.Unavailable, "incident store not configured")
	}
	inc, ok, err := s.deps.Incidents.GetIncident(ctx, id)
	if err != nil {
		s.logger.Error("load incident failed", slog.String("incident_id", id), slog.Any("error", err))
		return models.Incident{}, err
	}
	if !ok {
		return models.Incident{}, fmt.Errorf("incident %s: %w", id, api.ErrNotFound)
	}
	return inc, nil
}

// Tickets lists open tickets with their SLA state.
func (s *TriageService) Tickets(ctx context.Context) ([]models.TicketView, error) {
	if s.deps.Tickets == nil {
		return nil, status.Error(codes.Unavailable, "escalation not configured")
	}
	tickets, err := s.deps.Tickets.OpenTickets(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	views := make([]models.TicketView, 0, len(tickets))
	for _, t := range tickets {
		views = append(views, models.TicketView{Ticket: t, SLAState: escalation.SLAState(t, now)})
	}
	return views, nil
}

// HandleProviderResponse authenticates and applies a provider callback.
func (s *TriageService) HandleProviderResponse(ctx context.Context, body []byte, signature string) (models.EscalationTicket, error) {
	if s.deps.Tickets == nil {
		return models.EscalationTicket{}, status.Error(codes.Unavailable, "escalation not configured")
	}
	if s.deps.Verifier != nil && !s.deps.Verifier.VerifyResponse(body, signature) {
		s.logger.Warn("provider response rejected", slog.String("reason", "bad signature"))
		return models.EscalationTicket{}, api.ErrUnauthenticated
	}
	var resp models.ProviderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.EscalationTicket{}, &errs.ValidationError{Reason: "malformed provider response", Err: err}
	}
	if resp.ReceivedAt.IsZero() {
		resp.ReceivedAt = s.now().UTC()
	}
	return s.deps.Tickets.HandleResponse(ctx, resp)
}

// CloseTicket closes a resolved ticket.
func (s *TriageService) CloseTicket(ctx context.Context, id string) (models.EscalationTicket, error) {
	if s.deps.Tickets == nil {
		return models.EscalationTicket{}, status.Error(codes.Unavailable, "escalation not configured")
	}
	return s.deps.Tickets.Close(ctx, id)
}

// Status reports buffer depth and the last batch.
func (s *TriageService) Status(context.Context) models.Health {
	h := models.Health{Status: "SERVING"}
	if s.deps.Buffer != nil {
		h.BufferDepth = s.deps.Buffer.Len()
	}
	if s.deps.Runner != nil {
		if last, ok := s.deps.Runner.LastResult(); ok {
			h.LastBatchID = last.BatchID
			at := last.FinishedAt
			h.LastBatchAt = &at
		}
	}
	return h
}

// LatencyP95 returns the current p95 batch latency.
func (s *TriageService) LatencyP95() time.Duration {
	return s.latencies.Percentile(95)
}

type batchRequest struct {
	Events []models.Event `json:"events"`
}

type incidentRequest struct {
	ID string `json:"id"`
}

// RunBatch implements the gRPC method.
func (s *TriageService) RunBatch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in batchRequest
	if err := api.FromStruct(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	res, err := s.TriggerBatch(ctx, in.Events)
	if err != nil {
		return nil, api.GRPCError(err)
	}
	return encode(res)
}

// OptimizeCosts implements the gRPC method.
func (s *TriageService) OptimizeCosts(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return encode(map[string]any{"results": s.Optimize(ctx)})
}

// GetIncident implements the gRPC method.
func (s *TriageService) GetIncident(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in incidentRequest
	if err := api.FromStruct(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	inc, err := s.Incident(ctx, in.ID)
	if err != nil {
		return nil, api.GRPCError(err)
	}
	return encode(inc)
}

// ListOpenTickets implements the gRPC method.
func (s *TriageService) ListOpenTickets(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	views, err := s.Tickets(ctx)
	if err != nil {
		return nil, api.GRPCError(err)
	}
	return encode(map[string]any{"tickets": views})
}

// HealthCheck implements the gRPC method.
func (s *TriageService) HealthCheck(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return encode(s.Status(ctx))
}

func encode(v any) (*structpb.Struct, error) {
	out, err := api.ToStruct(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}
