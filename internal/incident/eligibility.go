package incident

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/miradorstack/mirador-triage/internal/models"
)

// Escalation reasons.
const (
	ReasonSeverity         = "severity"
	ReasonLowConfidence    = "low_confidence"
	ReasonNovelVelocity    = "novel_velocity"
	ReasonUserImpact       = "user_impact"
	ReasonBusinessCritical = "business_critical"
	ReasonProviderRequest  = "provider_requested"
)

// Findings bundles the latest analysis results for one cluster.
type Findings struct {
	TierA *models.Finding
	TierB *models.Finding
	// Candidate is set when the cluster was selected for Tier-B analysis.
	Candidate bool
	// ProviderReason is set when the Tier-B result asked for human follow-up.
	ProviderReason string
}

// Latest returns the most authoritative finding, Tier-B first.
func (f Findings) Latest() *models.Finding {
	if f.TierB != nil {
		return f.TierB
	}
	return f.TierA
}

// All lists the non-nil findings in tier order.
func (f Findings) All() []models.Finding {
	out := make([]models.Finding, 0, 2)
	if f.TierA != nil {
		out = append(out, *f.TierA)
	}
	if f.TierB != nil {
		out = append(out, *f.TierB)
	}
	return out
}

// Qualifies reports whether the findings justify opening an incident.
func (f Findings) Qualifies() bool {
	if f.TierB != nil || f.Candidate {
		return true
	}
	return f.TierA != nil && f.TierA.Severity.AtLeast(models.SeverityMedium)
}

// Eligibility is the outcome of evaluating the escalation criteria for an incident.
type Eligibility struct {
	ShouldEscalate bool            `json:"shouldEscalate"`
	Urgency        models.Severity `json:"urgency,omitempty"`
	Priority       models.Priority `json:"priority,omitempty"`
	Reasons        []string        `json:"reasons,omitempty"`
}

// Evaluate checks every escalation criterion independently. Urgency is the maximum across the
// criteria that fired.
func (m *Manager) Evaluate(inc models.Incident, cluster models.Cluster, findings Findings) Eligibility {
	cfg := m.config()
	now := m.now()
	var el Eligibility
	trigger := func(reason string, urgency models.Severity) {
		el.Reasons = append(el.Reasons, reason)
		el.Urgency = models.MaxSeverity(el.Urgency, urgency)
	}

	if slices.Contains(cfg.EscalationSeverities, inc.Severity) {
		trigger(ReasonSeverity, inc.Severity)
	}
	// Rule-derived findings carry a fixed low confidence that says nothing about the cluster.
	if inc.LatestFindingID() != "" && !inc.FallbackAnalysis && inc.Confidence < cfg.ConfidenceThreshold {
		trigger(ReasonLowConfidence, models.SeverityMedium)
	}
	if !cluster.FirstSeen.IsZero() && now.Sub(cluster.FirstSeen) <= cfg.NoveltyWindow &&
		cluster.VelocityPerHour(now) > cfg.VelocityThreshold {
		trigger(ReasonNovelVelocity, models.SeverityHigh)
	}
	if inc.ImpactUsers > cfg.UserImpactThreshold {
		trigger(ReasonUserImpact, userUrgency(inc.ImpactUsers))
	}
	if area := businessCriticalArea(cfg.BusinessCriticalAreas, cluster.ServiceAreas); area != "" {
		trigger(ReasonBusinessCritical, models.SeverityHigh)
	}
	if findings.ProviderReason != "" {
		trigger(ReasonProviderRequest, models.SeverityHigh)
	}

	el.ShouldEscalate = len(el.Reasons) > 0
	if el.ShouldEscalate {
		el.Priority = PriorityFor(el.Urgency, inc.ImpactUsers)
	}
	return el
}

func userUrgency(users int) models.Severity {
	switch {
	case users > 1000:
		return models.SeverityCritical
	case users > 100:
		return models.SeverityHigh
	}
	return models.SeverityMedium
}

func businessCriticalArea(critical, areas []string) string {
	for _, a := range areas {
		for _, c := range critical {
			if strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(c)) {
				return a
			}
		}
	}
	return ""
}

// PriorityFor maps urgency and user impact onto a ticket priority.
func PriorityFor(urgency models.Severity, users int) models.Priority {
	switch {
	case urgency == models.SeverityCritical || users > 1000:
		return models.PriorityP1
	case urgency == models.SeverityHigh || users > 100:
		return models.PriorityP2
	case urgency == models.SeverityMedium || users > 10:
		return models.PriorityP3
	}
	return models.PriorityP4
}

// LikelyChange prefers an explicit finding, then sudden onset, then flags.
func LikelyChange(cluster models.Cluster, latest *models.Finding, suddenOnset time.Duration) models.LikelyChange {
	if latest != nil && latest.LikelyChange != "" && latest.LikelyChange != models.ChangeUnknown {
		return latest.LikelyChange
	}
	if !cluster.FirstSeen.IsZero() && cluster.LastSeen.Sub(cluster.FirstSeen) < suddenOnset {
		return models.ChangeDeploy
	}
	if cluster.HasFeatureFlags() {
		return models.ChangeFlag
	}
	return models.ChangeUnknown
}

func describeReasons(reasons []string) string {
	if len(reasons) == 0 {
		return "none"
	}
	return fmt.Sprintf("%s (%d)", strings.Join(reasons, ","), len(reasons))
}
