// Package pipeline drives a batch through sampling, clustering, analysis, incident management
// and escalation. It also owns the ingest buffer and the scheduler that feeds batches.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/miradorstack/mirador-triage/internal/analysis"
	"github.com/miradorstack/mirador-triage/internal/budget"
	"github.com/miradorstack/mirador-triage/internal/cluster"
	"github.com/miradorstack/mirador-triage/internal/errs"
	"github.com/miradorstack/mirador-triage/internal/incident"
	"github.com/miradorstack/mirador-triage/internal/metrics"
	"github.com/miradorstack/mirador-triage/internal/models"
	"github.com/miradorstack/mirador-triage/internal/utils"
)

var eventValidate = validator.New()

// Store is the persistence the pipeline needs.
type Store interface {
	SaveCluster(ctx context.Context, c models.Cluster) error
	GetCluster(ctx context.Context, tenantID, fingerprint string) (models.Cluster, bool, error)
	ListClusters(ctx context.Context, tenantID string) ([]models.Cluster, error)
	PruneClusters(ctx context.Context, cutoff time.Time) (int, error)
	SaveFinding(ctx context.Context, f models.Finding) error
}

// Budget exposes the sampling policy and cost optimization.
type Budget interface {
	Policy(tenant string) models.TenantPolicy
	Sample(events []models.Event, rate float64) []models.Event
	Optimize(tenant string) budget.OptimizationResult
	Tenants() []string
	Utilization() float64
	Restore(ctx context.Context) error
}

// Analyzer runs the two-tier analysis for one tenant.
type Analyzer interface {
	ProcessBatch(ctx context.Context, tenant string, clusters []models.Cluster, policy models.TenantPolicy) analysis.Outcome
}

// Incidents manages the incident lifecycle and escalation.
type Incidents interface {
	Upsert(ctx context.Context, c models.Cluster, findings incident.Findings) (models.Incident, incident.Action, error)
	Evaluate(inc models.Incident, c models.Cluster, findings incident.Findings) incident.Eligibility
	Escalate(ctx context.Context, inc models.Incident, c models.Cluster, findings incident.Findings, el incident.Eligibility) (models.Incident, incident.Outcome, error)
	SweepSnapshots(ctx context.Context) (int, error)
}

// Locker serializes merges on one tenant/fingerprint.
type Locker interface {
	Lock(ctx context.Context, tenant, fp string) (func(), error)
}

// Settings is the per-batch configuration snapshot.
type Settings struct {
	Sensitivity models.Sensitivity
	// MaxEvents caps the events considered per batch; the newest events are kept.
	MaxEvents int
	// ClusterRetention bounds how long a cluster is kept after its last event.
	ClusterRetention time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.Sensitivity == "" {
		s.Sensitivity = models.SensitivityNormal
	}
	if s.ClusterRetention <= 0 {
		s.ClusterRetention = 7 * 24 * time.Hour
	}
	return s
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithSettings installs the source read once at the start of every batch.
func WithSettings(source func() Settings) Option {
	return func(p *Pipeline) { p.settings = source }
}

// WithBatchStart installs a hook run at the start of every batch, before settings are read and
// while no other batch is running. Configuration staged by a reload is applied here so a batch
// never sees two policies.
func WithBatchStart(hook func()) Option {
	return func(p *Pipeline) { p.batchStart = hook }
}

// WithClock overrides the pipeline clock.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// Pipeline executes batches. Only one batch runs at a time.
type Pipeline struct {
	store      Store
	budget     Budget
	engine     *cluster.Engine
	locker     Locker
	analyzer   Analyzer
	incidents  Incidents
	settings   func() Settings
	batchStart func()
	now        func() time.Time
	logger     *slog.Logger
	tracer     trace.Tracer
	latency    *utils.LatencyTracker

	running sync.Mutex
	mu      sync.RWMutex
	last    *models.BatchResult
}

// New wires a Pipeline.
func New(store Store, budget Budget, engine *cluster.Engine, locker Locker, analyzer Analyzer, incidents Incidents, logger *slog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:     store,
		budget:    budget,
		engine:    engine,
		locker:    locker,
		analyzer:  analyzer,
		incidents: incidents,
		settings:  func() Settings { return Settings{} },
		now:       time.Now,
		logger:    utils.Component(logger, "pipeline"),
		tracer:    otel.Tracer("mirador-triage/pipeline"),
		latency:   utils.NewLatencyTracker(200),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Restore reloads budget counters and reports the active clusters held by the store.
func (p *Pipeline) Restore(ctx context.Context) (int, error) {
	if err := p.budget.Restore(ctx); err != nil {
		return 0, err
	}
	clusters, err := p.store.ListClusters(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("list clusters: %w", err)
	}
	pending := 0
	for _, c := range clusters {
		if !c.Triaged {
			pending++
		}
	}
	metrics.SetBudgetUtilization(p.budget.Utilization())
	p.logger.Info("pipeline state restored",
		slog.Int("clusters", len(clusters)),
		slog.Int("untriaged", pending),
		slog.Int("tenants", len(p.budget.Tenants())),
	)
	return len(clusters), nil
}

// LastResult returns the most recent batch result, if any.
func (p *Pipeline) LastResult() (models.BatchResult, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.last == nil {
		return models.BatchResult{}, false
	}
	return *p.last, true
}

// RunBatch processes events and always returns a result. Unit failures are collected in the
// result and never abort the batch.
func (p *Pipeline) RunBatch(ctx context.Context, events []models.Event) models.BatchResult {
	p.running.Lock()
	defer p.running.Unlock()

	if p.batchStart != nil {
		p.batchStart()
	}
	settings := p.settings().withDefaults()
	res := models.BatchResult{
		BatchID:        uuid.NewString(),
		StartedAt:      p.now(),
		EventsReceived: len(events),
	}
	ctx, span := p.tracer.Start(ctx, "pipeline.batch", trace.WithAttributes(
		attribute.String("batch_id", res.BatchID),
		attribute.Int("events", len(events)),
	))
	defer span.End()

	accepted := p.validate(events, &res)
	if settings.MaxEvents > 0 && len(accepted) > settings.MaxEvents {
		sort.SliceStable(accepted, func(i, j int) bool { return accepted[i].Timestamp.After(accepted[j].Timestamp) })
		dropped := len(accepted) - settings.MaxEvents
		accepted = accepted[:settings.MaxEvents]
		res.Warnings = append(res.Warnings, fmt.Sprintf("batch capped at %d events, %d oldest dropped", settings.MaxEvents, dropped))
		metrics.ObserveEvents("skipped", dropped)
	}
	metrics.ObserveEvents("accepted", len(accepted))

	byTenant := make(map[string][]models.Event)
	for _, ev := range accepted {
		byTenant[ev.TenantID] = append(byTenant[ev.TenantID], ev)
	}
	tenants := make([]string, 0, len(byTenant))
	for t := range byTenant {
		tenants = append(tenants, t)
	}
	sort.Strings(tenants)

	for _, tenant := range tenants {
		if err := ctx.Err(); err != nil {
			res.AddError("tenant/"+tenant, errs.Kind(err), err)
			continue
		}
		res.Absorb(p.runTenant(ctx, tenant, byTenant[tenant], settings))
	}

	res.FinishedAt = p.now()
	duration := res.FinishedAt.Sub(res.StartedAt)
	outcome := metrics.OutcomeSuccess
	if len(res.Errors) > 0 {
		outcome = metrics.OutcomePartial
		span.SetStatus(codes.Error, fmt.Sprintf("%d unit errors", len(res.Errors)))
	}
	metrics.ObserveBatch(duration, outcome)
	metrics.SetBudgetUtilization(p.budget.Utilization())
	span.SetAttributes(
		attribute.Int("clusters", res.ClustersFormed),
		attribute.Int("escalations", res.EscalationsSubmitted),
	)

	p.latency.Observe(duration)
	if p.latency.Count()%20 == 0 {
		p.logger.Info("batch latency", slog.Duration("p95", p.latency.Percentile(95)))
	}
	p.logger.Info("batch finished",
		slog.String("batch_id", res.BatchID),
		slog.Int("received", res.EventsReceived),
		slog.Int("rejected", res.EventsRejected),
		slog.Int("clusters", res.ClustersFormed),
		slog.Int("tierA", res.TierAFindings),
		slog.Int("tierB", res.TierBFindings),
		slog.Int("escalated", res.EscalationsSubmitted),
		slog.Int("errors", len(res.Errors)),
		slog.Duration("duration", duration),
	)

	p.mu.Lock()
	last := res
	p.last = &last
	p.mu.Unlock()
	return res
}

// ValidateEvent checks the required fields and severity of a single event.
func ValidateEvent(ev models.Event) error {
	if err := eventValidate.Struct(ev); err != nil {
		return err
	}
	if ev.Severity != "" && !ev.Severity.Valid() {
		return fmt.Errorf("unknown severity %q", ev.Severity)
	}
	return nil
}

func (p *Pipeline) validate(events []models.Event, res *models.BatchResult) []models.Event {
	accepted := make([]models.Event, 0, len(events))
	for i, ev := range events {
		if err := ValidateEvent(ev); err != nil {
			res.EventsRejected++
			res.AddError(fmt.Sprintf("event/%d", i), errs.KindValidationError, err)
			continue
		}
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		accepted = append(accepted, ev)
	}
	metrics.ObserveEvents("rejected", res.EventsRejected)
	return accepted
}

func (p *Pipeline) runTenant(ctx context.Context, tenant string, events []models.Event, settings Settings) models.BatchResult {
	var part models.BatchResult
	policy := p.budget.Policy(tenant)

	sampled := p.budget.Sample(events, policy.SamplingRate)
	part.EventsSampled = len(sampled)
	metrics.ObserveEvents("sampled_out", len(events)-len(sampled))

	formed := p.engine.Cluster(sampled, settings.Sensitivity)
	part.ClustersSkipped += formed.Skipped
	metrics.ObserveEvents("skipped", formed.SkippedEvents)

	merged := make([]models.Cluster, 0, len(formed.Clusters))
	seen := make(map[string]struct{}, len(formed.Clusters))
	for _, incoming := range formed.Clusters {
		c, err := p.mergeCluster(ctx, incoming)
		if err != nil {
			p.unitFailed(&part, "cluster/"+incoming.Fingerprint, err)
			continue
		}
		metrics.ObserveCluster(string(c.Severity.OrLow()))
		merged = append(merged, c)
		seen[c.Fingerprint] = struct{}{}
	}
	part.ClustersFormed = len(merged)

	// Clusters whose analysis failed in an earlier batch are retried alongside new ones.
	pending, err := p.pendingClusters(ctx, tenant, seen, settings)
	if err != nil {
		p.unitFailed(&part, "tenant/"+tenant, err)
	}
	analysable := append(merged, pending...)
	if len(analysable) == 0 {
		return part
	}

	out := p.analyzer.ProcessBatch(ctx, tenant, analysable, policy)
	part.TierAFindings = len(out.TierA)
	part.TierBFindings = len(out.TierB)
	part.TokensUsed = out.TokensUsed
	part.CostUSD = out.CostUSD
	part.ClustersSkipped += len(out.Skipped)
	part.Errors = append(part.Errors, out.Errors...)
	part.Warnings = append(part.Warnings, out.Warnings...)

	for _, f := range append(append([]models.Finding(nil), out.TierA...), out.TierB...) {
		if err := p.store.SaveFinding(ctx, f); err != nil {
			p.unitFailed(&part, "finding/"+f.ID, err)
		}
	}

	for _, c := range analysable {
		findings := incident.Findings{
			TierA:     out.TierAFor(c.Fingerprint),
			TierB:     out.TierBFor(c.Fingerprint),
			Candidate: out.IsCandidate(c.Fingerprint),
		}
		if pe, ok := out.ProviderEscalationFor(c.Fingerprint); ok {
			findings.ProviderReason = pe.Reason
		}
		if findings.TierA == nil && findings.TierB == nil {
			continue
		}
		escalated := p.handleIncident(ctx, c, findings, &part)
		if err := p.markTriaged(ctx, c, escalated); err != nil {
			p.unitFailed(&part, "cluster/"+c.Fingerprint, err)
		}
	}
	return part
}

func (p *Pipeline) mergeCluster(ctx context.Context, incoming models.Cluster) (models.Cluster, error) {
	unlock, err := p.locker.Lock(ctx, incoming.TenantID, incoming.Fingerprint)
	if err != nil {
		return models.Cluster{}, err
	}
	defer unlock()

	existing, ok, err := p.store.GetCluster(ctx, incoming.TenantID, incoming.Fingerprint)
	if err != nil {
		return models.Cluster{}, fmt.Errorf("load cluster: %w", err)
	}
	merged := incoming
	if ok {
		merged = p.engine.Merge(existing, incoming)
	}
	if err := p.store.SaveCluster(ctx, merged); err != nil {
		return models.Cluster{}, fmt.Errorf("save cluster: %w", err)
	}
	return merged, nil
}

func (p *Pipeline) pendingClusters(ctx context.Context, tenant string, seen map[string]struct{}, settings Settings) ([]models.Cluster, error) {
	stored, err := p.store.ListClusters(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("list clusters: %w", err)
	}
	cutoff := p.now().Add(-settings.ClusterRetention)
	var out []models.Cluster
	for _, c := range stored {
		if c.Triaged || c.LastSeen.Before(cutoff) {
			continue
		}
		if _, ok := seen[c.Fingerprint]; ok {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (p *Pipeline) handleIncident(ctx context.Context, c models.Cluster, findings incident.Findings, part *models.BatchResult) bool {
	unit := "incident/" + c.Fingerprint
	inc, action, err := p.incidents.Upsert(ctx, c, findings)
	if err != nil {
		p.unitFailed(part, unit, err)
		return false
	}
	switch action {
	case incident.ActionNone:
		return false
	case incident.ActionCreated, incident.ActionReopened:
		part.IncidentsCreated++
	case incident.ActionUpdated:
		part.IncidentsUpdated++
	}

	el := p.incidents.Evaluate(inc, c, findings)
	if !el.ShouldEscalate {
		return inc.Escalated
	}
	_, outcome, err := p.incidents.Escalate(ctx, inc, c, findings, el)
	switch outcome {
	case incident.OutcomeSubmitted:
		part.EscalationsSubmitted++
		if err != nil {
			p.unitFailed(part, "escalation/"+inc.ID, err)
		}
		return true
	case incident.OutcomeBlocked:
		part.EscalationsBlocked++
		p.unitFailed(part, "escalation/"+inc.ID, err)
	case incident.OutcomeFailed:
		part.EscalationsFailed++
		p.unitFailed(part, "escalation/"+inc.ID, err)
	case incident.OutcomeDuplicate:
		return true
	}
	return inc.Escalated
}

func (p *Pipeline) markTriaged(ctx context.Context, c models.Cluster, escalated bool) error {
	unlock, err := p.locker.Lock(ctx, c.TenantID, c.Fingerprint)
	if err != nil {
		return err
	}
	defer unlock()

	current, ok, err := p.store.GetCluster(ctx, c.TenantID, c.Fingerprint)
	if err != nil {
		return fmt.Errorf("load cluster: %w", err)
	}
	if !ok {
		current = c
	}
	// A concurrent merge that added events leaves the cluster untriaged for the next batch.
	if current.EventCount != c.EventCount {
		return nil
	}
	current.Triaged = true
	current.Escalated = current.Escalated || escalated
	current.UpdatedAt = p.now()
	if err := p.store.SaveCluster(ctx, current); err != nil {
		return fmt.Errorf("save cluster: %w", err)
	}
	return nil
}

func (p *Pipeline) unitFailed(part *models.BatchResult, unit string, err error) {
	if err == nil {
		return
	}
	kind := errs.Kind(err)
	part.AddError(unit, kind, err)
	metrics.ObserveUnitError(kind)
	p.logger.Warn("batch unit failed", slog.String("unit", unit), slog.String("kind", kind), slog.Any("error", err))
}

// OptimizeCosts re-derives every known tenant's policy from current utilization.
func (p *Pipeline) OptimizeCosts(ctx context.Context) []budget.OptimizationResult {
	tenants := p.budget.Tenants()
	sort.Strings(tenants)
	out := make([]budget.OptimizationResult, 0, len(tenants))
	for _, t := range tenants {
		if ctx.Err() != nil {
			break
		}
		r := p.budget.Optimize(t)
		if len(r.Changes) > 0 {
			p.logger.Info("tenant policy adjusted", slog.String("tenant", t), slog.Any("changes", r.Changes))
		}
		out = append(out, r)
	}
	metrics.SetBudgetUtilization(p.budget.Utilization())
	return out
}

// Sweep removes expired snapshots and clusters past retention.
func (p *Pipeline) Sweep(ctx context.Context) error {
	settings := p.settings().withDefaults()
	snaps, err := p.incidents.SweepSnapshots(ctx)
	if err != nil {
		return fmt.Errorf("sweep snapshots: %w", err)
	}
	pruned, err := p.store.PruneClusters(ctx, p.now().Add(-settings.ClusterRetention))
	if err != nil {
		return fmt.Errorf("prune clusters: %w", err)
	}
	if snaps > 0 || pruned > 0 {
		p.logger.Info("retention sweep", slog.Int("snapshots", snaps), slog.Int("clusters", pruned))
	}
	return nil
}
