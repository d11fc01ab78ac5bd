package incident

import (
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-triage/internal/models"
)

// FlagDiff describes how one feature flag varied across the failing events.
type FlagDiff struct {
	Flag    string   `json:"flag"`
	Values  []string `json:"values"`
	Present int      `json:"present"`
	Total   int      `json:"total"`
}

// Deployment is a distinct app version and commit seen among the failing events.
type Deployment struct {
	AppVersion string    `json:"appVersion,omitempty"`
	CommitHash string    `json:"commitHash,omitempty"`
	FirstSeen  time.Time `json:"firstSeen"`
	LastSeen   time.Time `json:"lastSeen"`
	Events     int       `json:"events"`
}

// Payload is the full escalation bundle sent to the provider after redaction.
type Payload struct {
	Incident       models.Incident  `json:"incident"`
	Snapshot       models.Snapshot  `json:"snapshot"`
	Findings       []models.Finding `json:"findings"`
	FlagDiff       []FlagDiff       `json:"flagDiff,omitempty"`
	Deployments    []Deployment     `json:"deployments,omitempty"`
	DashboardLinks []string         `json:"dashboardLinks,omitempty"`
	Urgency        models.Severity  `json:"urgency"`
	Priority       models.Priority  `json:"priority"`
	Reasons        []string         `json:"reasons"`
}

// clusterEvents returns the representative plus exemplars without duplicates, capped at limit.
func clusterEvents(c models.Cluster, limit int) []models.Event {
	out := make([]models.Event, 0, len(c.Exemplars)+1)
	seen := make(map[string]struct{})
	add := func(ev models.Event) {
		if ev.Timestamp.IsZero() && ev.Message == "" && ev.StackTrace == "" {
			return
		}
		if ev.ID != "" {
			if _, dup := seen[ev.ID]; dup {
				return
			}
			seen[ev.ID] = struct{}{}
		}
		out = append(out, ev)
	}
	add(c.Representative)
	for _, ex := range c.Exemplars {
		add(ex)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// BuildSnapshot assembles a redacted reproduction bundle for the incident.
func (m *Manager) BuildSnapshot(inc models.Incident, cluster models.Cluster) models.Snapshot {
	cfg := m.config()
	now := m.now()
	raw := clusterEvents(cluster, cfg.SnapshotEvents)

	secrets := make(map[string]struct{})
	events := make([]models.Event, 0, len(raw))
	for _, ev := range raw {
		redacted, names := m.guard.RedactEvent(ev)
		for _, n := range names {
			secrets[n] = struct{}{}
		}
		events = append(events, redacted)
	}
	names := make([]string, 0, len(secrets))
	for n := range secrets {
		names = append(names, n)
	}
	sort.Strings(names)

	return models.Snapshot{
		ID:              uuid.NewString(),
		IncidentID:      inc.ID,
		TenantID:        inc.TenantID,
		Fingerprint:     inc.Fingerprint,
		Events:          events,
		Journey:         journey(events),
		RedactedSecrets: names,
		CreatedAt:       now,
		ExpiresAt:       now.Add(time.Duration(cfg.RetentionDays) * 24 * time.Hour),
	}
}

// journey orders the routed requests per session, then by time.
func journey(events []models.Event) []models.JourneyStep {
	steps := make([]models.JourneyStep, 0, len(events))
	for _, ev := range events {
		if ev.Route == "" {
			continue
		}
		steps = append(steps, models.JourneyStep{
			At:         ev.Timestamp,
			SessionID:  ev.SessionID,
			Route:      ev.Route,
			Method:     ev.Method,
			StatusCode: ev.StatusCode,
			DurationMs: ev.DurationMs,
		})
	}
	sort.SliceStable(steps, func(i, j int) bool {
		if steps[i].SessionID != steps[j].SessionID {
			return steps[i].SessionID < steps[j].SessionID
		}
		return steps[i].At.Before(steps[j].At)
	})
	return steps
}

func flagDiff(events []models.Event) []FlagDiff {
	values := make(map[string]map[string]struct{})
	present := make(map[string]int)
	for _, ev := range events {
		for k, v := range ev.FeatureFlags {
			if values[k] == nil {
				values[k] = make(map[string]struct{})
			}
			values[k][v] = struct{}{}
			present[k]++
		}
	}
	out := make([]FlagDiff, 0, len(values))
	for flag, set := range values {
		vals := make([]string, 0, len(set))
		for v := range set {
			vals = append(vals, v)
		}
		sort.Strings(vals)
		out = append(out, FlagDiff{Flag: flag, Values: vals, Present: present[flag], Total: len(events)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Flag < out[j].Flag })
	return out
}

func deployments(events []models.Event) []Deployment {
	index := make(map[string]int)
	var out []Deployment
	for _, ev := range events {
		if ev.AppVersion == "" && ev.CommitHash == "" {
			continue
		}
		key := ev.AppVersion + "@" + ev.CommitHash
		i, ok := index[key]
		if !ok {
			index[key] = len(out)
			out = append(out, Deployment{AppVersion: ev.AppVersion, CommitHash: ev.CommitHash, FirstSeen: ev.Timestamp, LastSeen: ev.Timestamp})
			i = len(out) - 1
		}
		d := &out[i]
		d.Events++
		if ev.Timestamp.Before(d.FirstSeen) {
			d.FirstSeen = ev.Timestamp
		}
		if ev.Timestamp.After(d.LastSeen) {
			d.LastSeen = ev.Timestamp
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].FirstSeen.Before(out[j].FirstSeen) })
	return out
}

// dashboardLinks expands {tenant}, {fingerprint}, {incident}, {from} and {to} in each template.
// from and to are RFC 3339 instants around the cluster window.
func dashboardLinks(templates []string, inc models.Incident, cluster models.Cluster) []string {
	if len(templates) == 0 {
		return nil
	}
	from := cluster.FirstSeen.Add(-15 * time.Minute).UTC().Format(time.RFC3339)
	to := cluster.LastSeen.Add(15 * time.Minute).UTC().Format(time.RFC3339)
	r := strings.NewReplacer(
		"{tenant}", url.QueryEscape(inc.TenantID),
		"{fingerprint}", url.QueryEscape(inc.Fingerprint),
		"{incident}", url.QueryEscape(inc.ID),
		"{from}", url.QueryEscape(from),
		"{to}", url.QueryEscape(to),
	)
	out := make([]string, 0, len(templates))
	for _, t := range templates {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, r.Replace(t))
		}
	}
	return out
}
