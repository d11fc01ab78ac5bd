package inference

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/miradorstack/mirador-triage/internal/budget"
	"github.com/miradorstack/mirador-triage/internal/errs"
	"github.com/miradorstack/mirador-triage/internal/metrics"
	"github.com/miradorstack/mirador-triage/internal/models"
	"github.com/miradorstack/mirador-triage/internal/redact"
	"github.com/miradorstack/mirador-triage/internal/utils"
)

const defaultCallTimeout = 30 * time.Second

// Reserver hands out budget reservations.
type Reserver interface {
	Reserve(ctx context.Context, tenant string, estimate int, tier models.ModelTier) (*budget.Reservation, error)
}

// Scanner redacts outbound content.
type Scanner interface {
	Scan(content string, sc redact.ScanContext) (redact.Result, error)
}

// Call is one gated inference request.
type Call struct {
	Tenant string
	Tier   models.ModelTier
	// Unit names the batch unit for logs, e.g. a sub-batch index or fingerprint.
	Unit            string
	Request         Request
	EstimatedTokens int
}

// Result is a settled call.
type Result struct {
	Response
	CostUSD    float64
	Duration   time.Duration
	Detections []models.Detection
}

// Gateway is the single path to the inference endpoint: redact, reserve, call, settle.
type Gateway struct {
	client  Client
	guard   Scanner
	budget  Reserver
	logger  *slog.Logger
	tracer  trace.Tracer
	latency map[models.ModelTier]*utils.LatencyTracker

	mu      sync.RWMutex
	pricing Pricing
}

// NewGateway wires a gateway.
func NewGateway(client Client, guard Scanner, reserver Reserver, pricing Pricing, logger *slog.Logger) *Gateway {
	return &Gateway{
		client:  client,
		guard:   guard,
		budget:  reserver,
		pricing: pricing,
		logger:  utils.Component(logger, "inference"),
		tracer:  otel.Tracer("mirador-triage/inference"),
		latency: map[models.ModelTier]*utils.LatencyTracker{
			models.TierA: utils.NewLatencyTracker(256),
			models.TierB: utils.NewLatencyTracker(256),
		},
	}
}

// SetPricing swaps the price table.
func (g *Gateway) SetPricing(p Pricing) {
	g.mu.Lock()
	g.pricing = p
	g.mu.Unlock()
}

// Latency returns recent call latency for tier.
func (g *Gateway) Latency(tier models.ModelTier) utils.LatencySummary {
	if t, ok := g.latency[tier]; ok {
		return t.Summary()
	}
	return utils.LatencySummary{}
}

// Complete redacts both prompts, reserves budget, calls the endpoint under a timeout and settles
// actual usage. Any failure after the reservation releases it.
func (g *Gateway) Complete(ctx context.Context, call Call) (res Result, err error) {
	ctx, span := g.tracer.Start(ctx, "inference.complete", trace.WithAttributes(
		attribute.String("tenant", call.Tenant),
		attribute.String("tier", string(call.Tier)),
		attribute.String("model", call.Request.Model),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, errs.Kind(err))
		}
		span.End()
	}()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	req := call.Request
	sc := redact.ScanContext{Operation: "inference", TenantID: call.Tenant, Target: req.Model}
	sys, err := g.guard.Scan(req.SystemPrompt, sc)
	if err != nil {
		return Result{}, err
	}
	user, err := g.guard.Scan(req.UserPrompt, sc)
	if err != nil {
		return Result{}, err
	}
	req.SystemPrompt = sys.Redacted
	req.UserPrompt = user.Redacted
	res.Detections = append(append(res.Detections, sys.Detections...), user.Detections...)

	estimate := call.EstimatedTokens
	if estimate <= 0 {
		estimate = utils.EstimateTokens(req.SystemPrompt) + utils.EstimateTokens(req.UserPrompt) + req.MaxTokens
	}
	reservation, err := g.budget.Reserve(ctx, call.Tenant, estimate, call.Tier)
	if err != nil {
		return Result{}, err
	}
	defer reservation.Release()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, callErr := g.client.Complete(callCtx, req)
	res.Duration = time.Since(start)
	g.latency[call.Tier].Observe(res.Duration)

	if callErr != nil {
		metrics.ObserveInference(string(call.Tier), metrics.OutcomeError, res.Duration)
		switch {
		case ctx.Err() != nil:
			return Result{}, ctx.Err()
		case errors.Is(callCtx.Err(), context.DeadlineExceeded), errors.Is(callErr, context.DeadlineExceeded):
			g.logger.Warn("inference call timed out",
				slog.String("tenant", call.Tenant),
				slog.String("tier", string(call.Tier)),
				slog.String("unit", call.Unit),
				slog.Duration("timeout", timeout),
			)
			return Result{}, &errs.InferenceError{Model: req.Model, Timeout: true, Err: callErr}
		}
		g.logger.Warn("inference call failed",
			slog.String("tenant", call.Tenant),
			slog.String("tier", string(call.Tier)),
			slog.String("unit", call.Unit),
			slog.Any("error", callErr),
		)
		return Result{}, &errs.InferenceError{Model: req.Model, Err: callErr}
	}
	metrics.ObserveInference(string(call.Tier), metrics.OutcomeSuccess, res.Duration)

	if resp.Tokens() == 0 {
		resp.TokensIn = utils.EstimateTokens(req.SystemPrompt) + utils.EstimateTokens(req.UserPrompt)
		resp.TokensOut = utils.EstimateTokens(resp.Content)
	}
	model := resp.Model
	if model == "" {
		model = req.Model
	}
	g.mu.RLock()
	cost := g.pricing.Cost(req.Model, resp.TokensIn, resp.TokensOut)
	g.mu.RUnlock()

	reservation.Settle(resp.Tokens(), cost)
	resp.Model = model
	res.Response = resp
	res.CostUSD = cost
	span.SetAttributes(attribute.Int("tokens", resp.Tokens()))
	return res, nil
}
