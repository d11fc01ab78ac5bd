// Package analysis runs the two-tier model analysis over clusters: a cheap batched Tier-A pass
// for every cluster and an expensive individual Tier-B pass for escalation candidates.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-triage/internal/errs"
	"github.com/miradorstack/mirador-triage/internal/fingerprint"
	"github.com/miradorstack/mirador-triage/internal/inference"
	"github.com/miradorstack/mirador-triage/internal/metrics"
	"github.com/miradorstack/mirador-triage/internal/models"
	"github.com/miradorstack/mirador-triage/internal/utils"
)

// Candidate reasons.
const (
	ReasonSeverity      = "severity"
	ReasonLowConfidence = "low_confidence"
	ReasonNovelVelocity = "novel_velocity"
)

// Completer is satisfied by inference.Gateway.
type Completer interface {
	Complete(ctx context.Context, call inference.Call) (inference.Result, error)
}

// History recalls resolved incidents similar to a cluster.
type History interface {
	SimilarResolutions(ctx context.Context, tenantID string, symptoms []string, limit int) ([]models.PastResolution, error)
}

// Config tunes both tiers and candidate selection.
type Config struct {
	TierAModel          string
	TierBModel          string
	TierAMaxTokens      int
	TierBMaxTokens      int
	Temperature         float32
	TierATimeout        time.Duration
	TierBTimeout        time.Duration
	SubBatchSize        int
	Concurrency         int
	ContextBytes        int
	TierBExemplars      int
	CandidateSeverities []models.Severity
	ConfidenceThreshold float64
	VelocityThreshold   float64
	NoveltyWindow       time.Duration
	ProviderConfidence  float64
	BatchWallClock      time.Duration
	HistoryLimit        int
}

func (c Config) withDefaults() Config {
	if c.SubBatchSize <= 0 || c.SubBatchSize > 20 {
		c.SubBatchSize = 20
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.ContextBytes <= 0 {
		c.ContextBytes = 2048
	}
	if c.TierBExemplars <= 0 || c.TierBExemplars > 3 {
		c.TierBExemplars = 3
	}
	if len(c.CandidateSeverities) == 0 {
		c.CandidateSeverities = []models.Severity{models.SeverityHigh, models.SeverityCritical}
	}
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 0.6
	}
	if c.VelocityThreshold <= 0 {
		c.VelocityThreshold = 10
	}
	if c.NoveltyWindow <= 0 {
		c.NoveltyWindow = 24 * time.Hour
	}
	if c.ProviderConfidence <= 0 {
		c.ProviderConfidence = 0.5
	}
	if c.TierAMaxTokens <= 0 {
		c.TierAMaxTokens = 1200
	}
	if c.TierBMaxTokens <= 0 {
		c.TierBMaxTokens = 1500
	}
	if c.TierATimeout <= 0 {
		c.TierATimeout = 20 * time.Second
	}
	if c.TierBTimeout <= 0 {
		c.TierBTimeout = 45 * time.Second
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 3
	}
	return c
}

// Candidate is a cluster selected for Tier-B analysis.
type Candidate struct {
	Fingerprint string   `json:"fingerprint"`
	Reasons     []string `json:"reasons"`
}

// ProviderEscalation marks a Tier-B result that asks for human follow-up.
type ProviderEscalation struct {
	Fingerprint string `json:"fingerprint"`
	FindingID   string `json:"findingId"`
	Reason      string `json:"reason"`
}

// Outcome is the result of one ProcessBatch call. Partial success is normal.
type Outcome struct {
	TierA               []models.Finding
	TierB               []models.Finding
	TokensUsed          int
	CostUSD             float64
	Candidates          []Candidate
	ProviderEscalations []ProviderEscalation
	Skipped             []string
	Errors              []models.UnitError
	Warnings            []string
}

// TierAFor returns the Tier-A finding for fp.
func (o Outcome) TierAFor(fp string) *models.Finding {
	for i := range o.TierA {
		if o.TierA[i].Fingerprint == fp {
			return &o.TierA[i]
		}
	}
	return nil
}

// TierBFor returns the Tier-B finding for fp.
func (o Outcome) TierBFor(fp string) *models.Finding {
	for i := range o.TierB {
		if o.TierB[i].Fingerprint == fp {
			return &o.TierB[i]
		}
	}
	return nil
}

// IsCandidate reports whether fp was selected for Tier-B.
func (o Outcome) IsCandidate(fp string) bool {
	for _, c := range o.Candidates {
		if c.Fingerprint == fp {
			return true
		}
	}
	return false
}

// ProviderEscalationFor returns the Tier-B provider trigger for fp.
func (o Outcome) ProviderEscalationFor(fp string) (ProviderEscalation, bool) {
	for _, p := range o.ProviderEscalations {
		if p.Fingerprint == fp {
			return p, true
		}
	}
	return ProviderEscalation{}, false
}

// Orchestrator runs Tier-A and Tier-B analysis.
type Orchestrator struct {
	gateway Completer
	rules   *RuleEngine
	history History
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time

	mu  sync.RWMutex
	cfg Config
}

// NewOrchestrator wires the orchestrator. history may be nil.
func NewOrchestrator(cfg Config, gateway Completer, rules *RuleEngine, history History, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		gateway: gateway,
		rules:   rules,
		history: history,
		cfg:     cfg.withDefaults(),
		logger:  utils.Component(logger, "analysis"),
		tracer:  otel.Tracer("mirador-triage/analysis"),
		now:     time.Now,
	}
}

// Configure swaps the configuration for subsequent batches.
func (o *Orchestrator) Configure(cfg Config) {
	o.mu.Lock()
	o.cfg = cfg.withDefaults()
	o.mu.Unlock()
}

func (o *Orchestrator) config() Config {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cfg
}

// ProcessBatch analyses clusters of one tenant. Unit failures are reported in the outcome and
// never abort the batch.
func (o *Orchestrator) ProcessBatch(ctx context.Context, tenant string, clusters []models.Cluster, policy models.TenantPolicy) Outcome {
	cfg := o.config()
	ctx, span := o.tracer.Start(ctx, "analysis.batch", trace.WithAttributes(
		attribute.String("tenant", tenant),
		attribute.Int("clusters", len(clusters)),
	))
	defer span.End()

	if cfg.BatchWallClock > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.BatchWallClock)
		defer cancel()
	}

	var out Outcome
	analysable := make([]models.Cluster, 0, len(clusters))
	for _, c := range clusters {
		if policy.SkipLowSeverity && c.Severity.OrLow() == models.SeverityLow {
			out.Skipped = append(out.Skipped, c.Fingerprint)
			continue
		}
		analysable = append(analysable, c)
	}
	if len(out.Skipped) > 0 {
		out.Warnings = append(out.Warnings, fmt.Sprintf("tenant %s: skipped %d low-severity clusters under budget policy", tenant, len(out.Skipped)))
	}

	o.runTierA(ctx, cfg, tenant, analysable, &out)

	byFP := make(map[string]models.Cluster, len(analysable))
	for _, c := range analysable {
		byFP[c.Fingerprint] = c
	}
	now := o.now()
	for _, f := range out.TierA {
		if reasons := selectReasons(cfg, byFP[f.Fingerprint], f, now); len(reasons) > 0 {
			out.Candidates = append(out.Candidates, Candidate{Fingerprint: f.Fingerprint, Reasons: reasons})
		}
	}

	o.runTierB(ctx, cfg, tenant, byFP, &out)

	span.SetAttributes(
		attribute.Int("tier_a", len(out.TierA)),
		attribute.Int("tier_b", len(out.TierB)),
		attribute.Int("tokens", out.TokensUsed),
	)
	if len(out.Errors) > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d unit errors", len(out.Errors)))
	}
	o.logger.Info("analysis batch finished",
		slog.String("tenant", tenant),
		slog.Int("clusters", len(clusters)),
		slog.Int("tierA", len(out.TierA)),
		slog.Int("candidates", len(out.Candidates)),
		slog.Int("tierB", len(out.TierB)),
		slog.Int("tokens", out.TokensUsed),
		slog.Int("errors", len(out.Errors)),
	)
	return out
}

// selectReasons applies the union of candidate criteria to one Tier-A finding.
func selectReasons(cfg Config, c models.Cluster, f models.Finding, now time.Time) []string {
	var reasons []string
	for _, s := range cfg.CandidateSeverities {
		if f.Severity == s {
			reasons = append(reasons, ReasonSeverity)
			break
		}
	}
	if !f.Fallback && f.Confidence < cfg.ConfidenceThreshold {
		reasons = append(reasons, ReasonLowConfidence)
	}
	if !c.FirstSeen.IsZero() && now.Sub(c.FirstSeen) <= cfg.NoveltyWindow && c.VelocityPerHour(now) > cfg.VelocityThreshold {
		reasons = append(reasons, ReasonNovelVelocity)
	}
	return reasons
}

type unitResult struct {
	findings []models.Finding
	tokens   int
	cost     float64
	errors   []models.UnitError
	warnings []string
}

func (o *Orchestrator) runTierA(ctx context.Context, cfg Config, tenant string, clusters []models.Cluster, out *Outcome) {
	var chunks [][]models.Cluster
	for start := 0; start < len(clusters); start += cfg.SubBatchSize {
		end := start + cfg.SubBatchSize
		if end > len(clusters) {
			end = len(clusters)
		}
		chunks = append(chunks, clusters[start:end])
	}

	results := make([]unitResult, len(chunks))
	var g errgroup.Group
	g.SetLimit(cfg.Concurrency)
	for i, chunk := range chunks {
		g.Go(func() error {
			results[i] = o.tierASubBatch(ctx, cfg, tenant, i, chunk)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		out.TierA = append(out.TierA, r.findings...)
		out.TokensUsed += r.tokens
		out.CostUSD += r.cost
		out.Errors = append(out.Errors, r.errors...)
		out.Warnings = append(out.Warnings, r.warnings...)
	}
}

func (o *Orchestrator) tierASubBatch(ctx context.Context, cfg Config, tenant string, index int, chunk []models.Cluster) unitResult {
	unit := fmt.Sprintf("tier_a/%s/%d", tenant, index)
	ctx, span := o.tracer.Start(ctx, "analysis.tier_a", trace.WithAttributes(
		attribute.String("unit", unit),
		attribute.Int("clusters", len(chunk)),
	))
	defer span.End()

	var res unitResult
	now := o.now()
	prompt := tierAHeader + buildTierAContext(chunk, cfg.ContextBytes)
	call, err := o.gateway.Complete(ctx, inference.Call{
		Tenant: tenant,
		Tier:   models.TierA,
		Unit:   unit,
		Request: inference.Request{
			SystemPrompt: tierASystemPrompt,
			UserPrompt:   prompt,
			Model:        cfg.TierAModel,
			MaxTokens:    cfg.TierAMaxTokens,
			Temperature:  cfg.Temperature,
			Timeout:      cfg.TierATimeout,
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, errs.Kind(err))
		res.errors = append(res.errors, unitError(unit, err))
		res.warnings = append(res.warnings, mitigationWarning(unit, err)...)
		return res
	}
	res.tokens = call.Tokens()
	res.cost = call.CostUSD

	items, err := decodeTierA(call.Content)
	if err != nil {
		span.RecordError(err)
		o.logger.Warn("tier-a output rejected, using fallback findings", slog.String("unit", unit), slog.Any("error", err))
		res.errors = append(res.errors, unitError(unit, err))
		for _, c := range chunk {
			res.findings = append(res.findings, o.fallback(c, models.TierA, "malformed model output", now))
		}
		return res
	}

	known := make(map[string]models.Cluster, len(chunk))
	for _, c := range chunk {
		known[c.Fingerprint] = c
	}
	got := make(map[string]tierAItem, len(items))
	for _, item := range items {
		if _, ok := known[item.Fingerprint]; !ok {
			res.warnings = append(res.warnings, fmt.Sprintf("%s: dropped result for unknown fingerprint %q", unit, utils.TruncateBytes(item.Fingerprint, 32)))
			continue
		}
		if _, dup := got[item.Fingerprint]; dup {
			res.warnings = append(res.warnings, fmt.Sprintf("%s: duplicate result for %s ignored", unit, item.Fingerprint))
			continue
		}
		got[item.Fingerprint] = item
	}
	for _, c := range chunk {
		item, ok := got[c.Fingerprint]
		if !ok {
			res.warnings = append(res.warnings, fmt.Sprintf("%s: model omitted %s, using fallback", unit, c.Fingerprint))
			res.findings = append(res.findings, o.fallback(c, models.TierA, "missing from model output", now))
			continue
		}
		f := models.Finding{
			ID:                uuid.NewString(),
			Tier:              models.TierA,
			TenantID:          tenant,
			Fingerprint:       c.Fingerprint,
			ClusterSnapshotAt: now,
			Cause:             utils.TruncateWords(item.Cause, causeWords),
			Summary:           utils.TruncateWords(item.Summary, summaryWords),
			Severity:          models.Severity(item.Severity),
			Confidence:        clamp01(*item.Confidence),
			LikelyChange:      models.ParseLikelyChange(item.LikelyChange),
			Model:             call.Model,
			CreatedAt:         now,
		}
		metrics.ObserveFinding(string(models.TierA), false)
		res.findings = append(res.findings, f)
	}
	return res
}

func (o *Orchestrator) runTierB(ctx context.Context, cfg Config, tenant string, byFP map[string]models.Cluster, out *Outcome) {
	if len(out.Candidates) == 0 {
		return
	}
	results := make([]unitResult, len(out.Candidates))
	var g errgroup.Group
	g.SetLimit(cfg.Concurrency)
	for i, cand := range out.Candidates {
		cluster := byFP[cand.Fingerprint]
		tierA := out.TierAFor(cand.Fingerprint)
		g.Go(func() error {
			results[i] = o.tierBCluster(ctx, cfg, tenant, cluster, tierA)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		out.TierB = append(out.TierB, r.findings...)
		out.TokensUsed += r.tokens
		out.CostUSD += r.cost
		out.Errors = append(out.Errors, r.errors...)
		out.Warnings = append(out.Warnings, r.warnings...)
	}
	for _, f := range out.TierB {
		if reason := providerTrigger(cfg, f); reason != "" {
			out.ProviderEscalations = append(out.ProviderEscalations, ProviderEscalation{Fingerprint: f.Fingerprint, FindingID: f.ID, Reason: reason})
		}
	}
}

// providerTrigger returns why a Tier-B finding needs a human, or "".
func providerTrigger(cfg Config, f models.Finding) string {
	if f.Fallback {
		return ""
	}
	if f.Confidence < cfg.ProviderConfidence {
		return fmt.Sprintf("tier-b confidence %.2f below %.2f", f.Confidence, cfg.ProviderConfidence)
	}
	if strings.Contains(strings.ToLower(f.Reasoning), "critical") {
		return "tier-b reasoning flags critical impact"
	}
	return ""
}

func (o *Orchestrator) tierBCluster(ctx context.Context, cfg Config, tenant string, cluster models.Cluster, tierA *models.Finding) unitResult {
	unit := "tier_b/" + cluster.Fingerprint
	ctx, span := o.tracer.Start(ctx, "analysis.tier_b", trace.WithAttributes(attribute.String("fingerprint", cluster.Fingerprint)))
	defer span.End()

	var res unitResult
	var past []models.PastResolution
	if o.history != nil {
		symptoms := []string{fingerprint.Symptom(cluster.Representative)}
		if tierA != nil && tierA.Cause != "" {
			symptoms = append(symptoms, tierA.Cause)
		}
		found, err := o.history.SimilarResolutions(ctx, tenant, symptoms, cfg.HistoryLimit)
		if err != nil {
			res.warnings = append(res.warnings, fmt.Sprintf("%s: history lookup failed: %v", unit, err))
		} else {
			past = found
		}
	}

	now := o.now()
	call, err := o.gateway.Complete(ctx, inference.Call{
		Tenant: tenant,
		Tier:   models.TierB,
		Unit:   unit,
		Request: inference.Request{
			SystemPrompt: tierBSystemPrompt,
			UserPrompt:   buildTierBContext(cluster, tierA, past, cfg.TierBExemplars, now),
			Model:        cfg.TierBModel,
			MaxTokens:    cfg.TierBMaxTokens,
			Temperature:  cfg.Temperature,
			Timeout:      cfg.TierBTimeout,
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, errs.Kind(err))
		res.errors = append(res.errors, unitError(unit, err))
		res.warnings = append(res.warnings, mitigationWarning(unit, err)...)
		return res
	}
	res.tokens = call.Tokens()
	res.cost = call.CostUSD

	item, err := decodeTierB(call.Content)
	if err == nil && item.Fingerprint != cluster.Fingerprint {
		err = &errs.ValidationError{Reason: "tier-b result echoes a different fingerprint", Raw: call.Content}
	}
	if err != nil {
		span.RecordError(err)
		o.logger.Warn("tier-b output rejected, using fallback finding", slog.String("unit", unit), slog.Any("error", err))
		res.errors = append(res.errors, unitError(unit, err))
		res.findings = append(res.findings, o.fallback(cluster, models.TierB, "malformed model output", now))
		return res
	}

	cause := item.Cause
	if cause == "" {
		cause = item.Hypothesis
	}
	f := models.Finding{
		ID:                uuid.NewString(),
		Tier:              models.TierB,
		TenantID:          tenant,
		Fingerprint:       cluster.Fingerprint,
		ClusterSnapshotAt: now,
		Cause:             utils.TruncateWords(cause, causeWords),
		Severity:          models.Severity(item.Severity),
		Confidence:        clamp01(*item.Confidence),
		LikelyChange:      models.ParseLikelyChange(item.LikelyChange),
		Hypothesis:        item.Hypothesis,
		Experiments:       item.Experiments,
		RollbackSteps:     item.RollbackSteps,
		Reasoning:         item.Reasoning,
		Model:             call.Model,
		CreatedAt:         now,
	}
	if tierA != nil {
		f.Summary = tierA.Summary
	}
	metrics.ObserveFinding(string(models.TierB), false)
	res.findings = append(res.findings, f)
	return res
}

func (o *Orchestrator) fallback(c models.Cluster, tier models.ModelTier, reason string, now time.Time) models.Finding {
	f := o.rules.Fallback(c, tier, reason, now)
	metrics.ObserveFinding(string(tier), true)
	return f
}

func unitError(unit string, err error) models.UnitError {
	return models.UnitError{Unit: unit, Kind: errs.Kind(err), Message: err.Error()}
}

func mitigationWarning(unit string, err error) []string {
	var be *errs.BudgetExceeded
	if !errors.As(err, &be) || len(be.Mitigations) == 0 {
		return nil
	}
	return []string{fmt.Sprintf("%s: budget denied (%s), suggested: %s", unit, be.Layer, strings.Join(be.Mitigations, ", "))}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
