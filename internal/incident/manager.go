// Package incident turns analysed clusters into incidents, decides when they need a human and
// hands eligible ones to the provider escalation manager.
package incident

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-triage/internal/cluster"
	"github.com/miradorstack/mirador-triage/internal/errs"
	"github.com/miradorstack/mirador-triage/internal/escalation"
	"github.com/miradorstack/mirador-triage/internal/fingerprint"
	"github.com/miradorstack/mirador-triage/internal/metrics"
	"github.com/miradorstack/mirador-triage/internal/models"
	"github.com/miradorstack/mirador-triage/internal/redact"
	"github.com/miradorstack/mirador-triage/internal/utils"
)

// Store is the persistence the manager needs.
type Store interface {
	SaveIncident(ctx context.Context, inc models.Incident) error
	GetIncident(ctx context.Context, id string) (models.Incident, bool, error)
	CurrentIncident(ctx context.Context, tenantID, fingerprint string) (models.Incident, bool, error)
	GetCluster(ctx context.Context, tenantID, fingerprint string) (models.Cluster, bool, error)
	SaveSnapshot(ctx context.Context, snap models.Snapshot) error
	DeleteExpiredSnapshots(ctx context.Context, now time.Time) (int, error)
}

// Guard redacts snapshot events and scans outbound payloads.
type Guard interface {
	RedactEvent(ev models.Event) (models.Event, []string)
	ScanJSON(v any, sc redact.ScanContext) ([]byte, redact.Result, error)
}

// Submitter transmits a redacted payload to the provider.
type Submitter interface {
	Submit(ctx context.Context, req escalation.SubmitRequest) (models.EscalationTicket, error)
}

// ResolutionRecorder stores resolved incidents for later recall.
type ResolutionRecorder interface {
	StoreResolution(ctx context.Context, res models.PastResolution) error
}

// Action describes what Upsert did.
type Action string

const (
	ActionNone     Action = ""
	ActionCreated  Action = "created"
	ActionReopened Action = "reopened"
	ActionUpdated  Action = "updated"
)

// Outcome describes what Escalate did.
type Outcome string

const (
	OutcomeSkipped   Outcome = "skipped"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeBlocked   Outcome = "blocked"
	OutcomeFailed    Outcome = "failed"
	OutcomeSubmitted Outcome = "submitted"
)

// Config holds the escalation thresholds and snapshot retention.
type Config struct {
	EscalationSeverities  []models.Severity
	ConfidenceThreshold   float64
	VelocityThreshold     float64
	NoveltyWindow         time.Duration
	UserImpactThreshold   int
	BusinessCriticalAreas []string
	RetentionDays         int
	SnapshotEvents        int
	SuddenOnset           time.Duration
	DashboardTemplates    []string
}

func (c Config) withDefaults() Config {
	if len(c.EscalationSeverities) == 0 {
		c.EscalationSeverities = []models.Severity{models.SeverityHigh, models.SeverityCritical}
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
	if c.UserImpactThreshold <= 0 {
		c.UserImpactThreshold = 100
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 30
	}
	if c.SnapshotEvents <= 0 {
		c.SnapshotEvents = 10
	}
	if c.SuddenOnset <= 0 {
		c.SuddenOnset = 2 * time.Hour
	}
	return c
}

// Manager owns the incident lifecycle.
type Manager struct {
	store     Store
	guard     Guard
	submitter Submitter
	history   ResolutionRecorder
	logger    *slog.Logger
	now       func() time.Time
	// locks serializes writes per tenant and fingerprint, which covers every incident of a cluster.
	locks *cluster.KeyedMutex

	mu  sync.RWMutex
	cfg Config
}

// NewManager wires the manager. submitter and history may be nil, which disables provider
// escalation and resolution recall respectively.
func NewManager(cfg Config, store Store, guard Guard, submitter Submitter, history ResolutionRecorder, logger *slog.Logger) *Manager {
	return &Manager{
		store:     store,
		guard:     guard,
		submitter: submitter,
		history:   history,
		cfg:       cfg.withDefaults(),
		logger:    utils.Component(logger, "incident"),
		now:       time.Now,
		locks:     cluster.NewKeyedMutex(),
	}
}

// Configure swaps thresholds for subsequent batches.
func (m *Manager) Configure(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg.withDefaults()
	m.mu.Unlock()
}

func (m *Manager) config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Upsert creates or refreshes the incident for a cluster. A resolved incident is never reopened in
// place: the next qualifying analysis opens a new incident linked through ReopenedFrom. Without
// qualifying findings only an existing active incident is refreshed.
func (m *Manager) Upsert(ctx context.Context, cluster models.Cluster, findings Findings) (models.Incident, Action, error) {
	defer m.locks.Lock(lockKey(cluster.TenantID, cluster.Fingerprint))()

	cur, ok, err := m.store.CurrentIncident(ctx, cluster.TenantID, cluster.Fingerprint)
	if err != nil {
		return models.Incident{}, ActionNone, fmt.Errorf("load incident %s/%s: %w", cluster.TenantID, cluster.Fingerprint, err)
	}
	now := m.now()

	if ok && !cur.Status.Terminal() {
		m.derive(&cur, cluster, findings)
		cur.UpdatedAt = now
		if err := m.store.SaveIncident(ctx, cur); err != nil {
			return cur, ActionNone, fmt.Errorf("save incident %s: %w", cur.ID, err)
		}
		metrics.ObserveIncident(string(ActionUpdated))
		return cur, ActionUpdated, nil
	}
	if !findings.Qualifies() {
		return models.Incident{}, ActionNone, nil
	}

	inc := models.Incident{
		ID:          uuid.NewString(),
		TenantID:    cluster.TenantID,
		Fingerprint: cluster.Fingerprint,
		Status:      models.IncidentOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	action := ActionCreated
	if ok {
		inc.ReopenedFrom = cur.ID
		action = ActionReopened
	}
	m.derive(&inc, cluster, findings)
	if err := m.store.SaveIncident(ctx, inc); err != nil {
		return inc, ActionNone, fmt.Errorf("save incident %s: %w", inc.ID, err)
	}
	metrics.ObserveIncident(string(action))
	m.logger.Info("incident opened",
		slog.String("incident_id", inc.ID),
		slog.String("tenant", inc.TenantID),
		slog.String("fingerprint", inc.Fingerprint),
		slog.String("severity", string(inc.Severity)),
		slog.String("reopened_from", inc.ReopenedFrom),
	)
	return inc, action, nil
}

// derive refreshes impact and analysis fields. Tier-B wins over Tier-A, which wins over the
// cluster heuristics.
func (m *Manager) derive(inc *models.Incident, cluster models.Cluster, findings Findings) {
	cfg := m.config()
	inc.ImpactEvents = cluster.EventCount
	inc.ImpactUsers = cluster.UniqueUsers
	inc.Endpoints = append([]string(nil), cluster.Endpoints...)

	latest := findings.Latest()
	// A later Tier-A pass only refreshes its reference once a Tier-B finding is on the incident.
	keepTierB := findings.TierB == nil && inc.TierBFindingID != ""
	switch {
	case keepTierB:
	case latest != nil:
		inc.Severity = latest.Severity
		inc.Confidence = latest.Confidence
		inc.FallbackAnalysis = latest.Fallback
	case inc.Severity == "":
		inc.Severity = cluster.Severity.OrLow()
		inc.Confidence = cluster.Confidence
	}
	if findings.TierA != nil {
		inc.TierAFindingID = findings.TierA.ID
	}
	if findings.TierB != nil {
		inc.TierBFindingID = findings.TierB.ID
	}
	if keepTierB {
		return
	}
	if latest != nil || inc.LikelyChange == "" {
		inc.LikelyChange = LikelyChange(cluster, latest, cfg.SuddenOnset)
	}
	inc.Title = title(cluster, latest)
}

func title(cluster models.Cluster, latest *models.Finding) string {
	if latest != nil && strings.TrimSpace(latest.Cause) != "" {
		return utils.TruncateWords(latest.Cause, 12)
	}
	if s := fingerprint.Symptom(cluster.Representative); s != "" {
		return utils.TruncateBytes(s, 120)
	}
	return "errors in cluster " + cluster.Fingerprint
}

// Escalate submits an eligible incident to the provider. A second call without a new finding, or
// while a ticket is open, does not create another ticket. Blocked payloads are recorded on the
// incident and returned with the *errs.SecurityViolation.
func (m *Manager) Escalate(ctx context.Context, inc models.Incident, cluster models.Cluster, findings Findings, el Eligibility) (models.Incident, Outcome, error) {
	if !el.ShouldEscalate {
		return inc, OutcomeSkipped, nil
	}
	if m.submitter == nil {
		return inc, OutcomeSkipped, nil
	}
	defer m.locks.Lock(lockKey(inc.TenantID, inc.Fingerprint))()

	// The caller's copy may predate a provider resolution or another escalation.
	fresh, ok, err := m.store.GetIncident(ctx, inc.ID)
	if err != nil {
		return inc, OutcomeFailed, fmt.Errorf("load incident %s: %w", inc.ID, err)
	}
	if ok {
		inc = fresh
	}
	if inc.Status.Terminal() {
		return inc, OutcomeSkipped, nil
	}
	findingID := inc.LatestFindingID()
	if inc.HasOpenTicket() || (inc.Escalation != nil && inc.Escalation.FindingID == findingID) {
		metrics.ObserveEscalation(string(OutcomeDuplicate))
		return inc, OutcomeDuplicate, nil
	}

	snap := m.BuildSnapshot(inc, cluster)
	if err := m.store.SaveSnapshot(ctx, snap); err != nil {
		return inc, OutcomeFailed, fmt.Errorf("save snapshot for %s: %w", inc.ID, err)
	}
	inc.ReproBundleRef = snap.ID

	cfg := m.config()
	payload := Payload{
		Incident:       inc,
		Snapshot:       snap,
		Findings:       findings.All(),
		FlagDiff:       flagDiff(snap.Events),
		Deployments:    deployments(snap.Events),
		DashboardLinks: dashboardLinks(cfg.DashboardTemplates, inc, cluster),
		Urgency:        el.Urgency,
		Priority:       el.Priority,
		Reasons:        el.Reasons,
	}
	now := m.now()
	record := &models.EscalationRecord{
		Priority:    el.Priority,
		Urgency:     el.Urgency,
		Reasons:     el.Reasons,
		FindingID:   findingID,
		EscalatedAt: now,
	}

	body, _, err := m.guard.ScanJSON(payload, redact.ScanContext{
		Operation: "escalation",
		TenantID:  inc.TenantID,
		Target:    "provider",
		Allow:     systemIDs(inc, snap, findings),
	})
	if err != nil {
		var sv *errs.SecurityViolation
		if !errors.As(err, &sv) {
			return inc, OutcomeFailed, err
		}
		record.Blocked = true
		record.BlockReason = blockReason(sv)
		inc.Escalation = record
		inc.UpdatedAt = now
		if saveErr := m.store.SaveIncident(ctx, inc); saveErr != nil {
			m.logger.Error("record blocked escalation failed", slog.String("incident_id", inc.ID), slog.Any("error", saveErr))
		}
		metrics.ObserveEscalation(string(OutcomeBlocked))
		return inc, OutcomeBlocked, err
	}

	ticket, err := m.submitter.Submit(ctx, escalation.SubmitRequest{
		Incident:  inc,
		FindingID: findingID,
		Priority:  el.Priority,
		Payload:   body,
	})
	if errors.Is(err, escalation.ErrDuplicate) {
		return inc, OutcomeDuplicate, nil
	}
	if err != nil {
		return inc, OutcomeFailed, err
	}

	record.TicketID = ticket.ID
	record.ProviderTicketID = ticket.ProviderTicketID
	record.Open = true
	inc.Escalation = record
	inc.Escalated = true
	inc.UpdatedAt = now
	if err := m.store.SaveIncident(ctx, inc); err != nil {
		return inc, OutcomeSubmitted, fmt.Errorf("save escalated incident %s: %w", inc.ID, err)
	}
	metrics.ObserveIncident("escalated")
	m.logger.Info("incident escalated",
		slog.String("incident_id", inc.ID),
		slog.String("ticket_id", ticket.ID),
		slog.String("priority", string(el.Priority)),
		slog.String("reasons", describeReasons(el.Reasons)),
	)
	return inc, OutcomeSubmitted, nil
}

func systemIDs(inc models.Incident, snap models.Snapshot, findings Findings) []string {
	ids := []string{inc.ID, inc.ReopenedFrom, inc.Fingerprint, inc.TierAFindingID, inc.TierBFindingID, snap.ID}
	for _, f := range findings.All() {
		ids = append(ids, f.ID)
	}
	return ids
}

func blockReason(sv *errs.SecurityViolation) string {
	names := make([]string, 0, len(sv.Detections))
	for _, d := range sv.Detections {
		names = append(names, d.Rule)
	}
	return "payload contained high-severity content: " + strings.Join(names, ",")
}

// MarkInvestigating moves an open incident to investigating.
func (m *Manager) MarkInvestigating(ctx context.Context, incidentID string) error {
	inc, unlock, err := m.lockIncident(ctx, incidentID)
	if err != nil {
		return err
	}
	defer unlock()
	if inc.Status != models.IncidentOpen {
		return nil
	}
	if err := inc.Transition(models.IncidentInvestigating, m.now()); err != nil {
		return err
	}
	return m.store.SaveIncident(ctx, inc)
}

// ResolveIncident closes the incident with the provider's analysis and records it for recall.
func (m *Manager) ResolveIncident(ctx context.Context, incidentID string, res models.Resolution) error {
	inc, unlock, err := m.lockIncident(ctx, incidentID)
	if err != nil {
		return err
	}
	defer unlock()
	if inc.Status.Terminal() {
		return nil
	}
	now := m.now()
	if err := inc.Transition(models.IncidentResolved, now); err != nil {
		return err
	}
	inc.RootCause = res.RootCause
	inc.Solution = res.Solution
	inc.Prevention = res.Prevention
	if inc.Escalation != nil {
		inc.Escalation.Open = false
	}
	if err := m.store.SaveIncident(ctx, inc); err != nil {
		return fmt.Errorf("save resolved incident %s: %w", inc.ID, err)
	}
	metrics.ObserveIncident("resolved")

	if m.history == nil {
		return nil
	}
	symptoms := []string{inc.Title}
	if cluster, ok, err := m.store.GetCluster(ctx, inc.TenantID, inc.Fingerprint); err == nil && ok {
		symptoms = append([]string{fingerprint.Symptom(cluster.Representative)}, symptoms...)
	}
	past := models.PastResolution{
		IncidentID:  inc.ID,
		TenantID:    inc.TenantID,
		Fingerprint: inc.Fingerprint,
		Title:       inc.Title,
		Symptoms:    symptoms,
		RootCause:   res.RootCause,
		Solution:    res.Solution,
		Prevention:  res.Prevention,
		ResolvedAt:  now,
	}
	if err := m.history.StoreResolution(ctx, past); err != nil {
		m.logger.Warn("store resolution for recall failed", slog.String("incident_id", inc.ID), slog.Any("error", err))
	}
	return nil
}

// Resolve resolves an incident directly without a provider ticket.
func (m *Manager) Resolve(ctx context.Context, incidentID string, res models.Resolution) (models.Incident, error) {
	if err := m.ResolveIncident(ctx, incidentID, res); err != nil {
		return models.Incident{}, err
	}
	return m.load(ctx, incidentID)
}

// SweepSnapshots deletes snapshots past their retention horizon.
func (m *Manager) SweepSnapshots(ctx context.Context) (int, error) {
	n, err := m.store.DeleteExpiredSnapshots(ctx, m.now())
	if err != nil {
		return 0, fmt.Errorf("sweep snapshots: %w", err)
	}
	if n > 0 {
		m.logger.Info("expired snapshots deleted", slog.Int("count", n))
	}
	return n, nil
}

func (m *Manager) load(ctx context.Context, id string) (models.Incident, error) {
	inc, ok, err := m.store.GetIncident(ctx, id)
	if err != nil {
		return inc, fmt.Errorf("load incident %s: %w", id, err)
	}
	if !ok {
		return inc, fmt.Errorf("incident %s not found", id)
	}
	return inc, nil
}

// lockIncident takes the write lock for an incident and returns it as stored under that lock.
func (m *Manager) lockIncident(ctx context.Context, id string) (models.Incident, func(), error) {
	inc, err := m.load(ctx, id)
	if err != nil {
		return inc, nil, err
	}
	unlock := m.locks.Lock(lockKey(inc.TenantID, inc.Fingerprint))
	inc, err = m.load(ctx, id)
	if err != nil {
		unlock()
		return inc, nil, err
	}
	return inc, unlock, nil
}

func lockKey(tenantID, fp string) string { return tenantID + "/" + fp }
