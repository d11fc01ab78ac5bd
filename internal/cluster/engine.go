// Package cluster groups events by fingerprint and maintains cluster aggregates across batches.
package cluster

import (
	"log/slog"
	"sort"
	"time"

	"github.com/miradorstack/mirador-triage/internal/fingerprint"
	"github.com/miradorstack/mirador-triage/internal/models"
)

const (
	defaultMaxExemplars  = 5
	defaultDiversity     = 5 * time.Minute
	maxUserHashes        = 10000
	maxRecentTimestamps  = 2000
	maxContextScore      = 6
	criticalRateLastHour = 50
	criticalUniqueUsers  = 10
	highRateLastHour     = 20
	highUniqueUsers      = 5
	mediumRateLastHour   = 5
	mediumUniqueUsers    = 1
)

// Config tunes exemplar selection.
type Config struct {
	MaxExemplars    int
	DiversityWindow time.Duration
}

// Engine clusters events and merges clusters. It holds no per-batch state.
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

// Result is the outcome of clustering one batch for one tenant.
type Result struct {
	Clusters      []models.Cluster
	Skipped       int
	SkippedEvents int
}

// NewEngine constructs an Engine.
func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	if cfg.MaxExemplars <= 0 {
		cfg.MaxExemplars = defaultMaxExemplars
	}
	if cfg.DiversityWindow <= 0 {
		cfg.DiversityWindow = defaultDiversity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, logger: logger.With("component", "cluster")}
}

// Cluster groups events by fingerprint. Groups smaller than the sensitivity's minimum are skipped.
// Output order is by descending event count, then fingerprint.
func (e *Engine) Cluster(events []models.Event, sensitivity models.Sensitivity) Result {
	groups := make(map[string][]models.Event)
	order := make([]string, 0)
	for _, ev := range events {
		fp := fingerprint.Of(ev)
		if _, ok := groups[fp]; !ok {
			order = append(order, fp)
		}
		groups[fp] = append(groups[fp], ev)
	}

	minSize := sensitivity.MinClusterSize()
	var res Result
	for _, fp := range order {
		group := groups[fp]
		if len(group) < minSize {
			res.Skipped++
			res.SkippedEvents += len(group)
			continue
		}
		res.Clusters = append(res.Clusters, e.build(fp, group))
	}

	sort.SliceStable(res.Clusters, func(i, j int) bool {
		if res.Clusters[i].EventCount != res.Clusters[j].EventCount {
			return res.Clusters[i].EventCount > res.Clusters[j].EventCount
		}
		return res.Clusters[i].Fingerprint < res.Clusters[j].Fingerprint
	})

	e.logger.Debug("clustered batch",
		slog.Int("events", len(events)),
		slog.Int("clusters", len(res.Clusters)),
		slog.Int("skipped", res.Skipped),
	)
	return res
}

func (e *Engine) build(fp string, group []models.Event) models.Cluster {
	c := models.Cluster{
		Fingerprint: fp,
		TenantID:    group[0].TenantID,
		FirstSeen:   group[0].Timestamp,
		LastSeen:    group[0].Timestamp,
		EventCount:  len(group),
	}

	users := make(map[string]struct{})
	anyCritical := false
	var scoreSum int
	for _, ev := range group {
		if ev.Timestamp.Before(c.FirstSeen) {
			c.FirstSeen = ev.Timestamp
		}
		if ev.Timestamp.After(c.LastSeen) {
			c.LastSeen = ev.Timestamp
		}
		if h := fingerprint.HashUser(ev.UserID); h != "" {
			users[h] = struct{}{}
		}
		if ev.Severity == models.SeverityCritical {
			anyCritical = true
		}
		c.ImpactedRoles = addUnique(c.ImpactedRoles, ev.UserRole)
		c.Endpoints = addUnique(c.Endpoints, normalizedEndpoint(ev))
		c.ServiceAreas = addUnique(c.ServiceAreas, ev.ServiceArea)
		c.RecentTimestamps = append(c.RecentTimestamps, ev.Timestamp)
		scoreSum += ContextScore(ev)
	}

	c.UserHashes = setToSorted(users)
	c.UniqueUsers = len(c.UserHashes)
	c.RecentTimestamps = trimRecent(c.RecentTimestamps, c.LastSeen)
	c.Representative = SelectRepresentative(group)
	c.Exemplars = SelectExemplars(group, e.cfg.MaxExemplars, e.cfg.DiversityWindow)
	c.Severity = DeriveSeverity(c.EventsInLastHour(c.LastSeen), c.UniqueUsers, anyCritical)
	c.Confidence = float64(scoreSum) / float64(len(group)*maxContextScore)
	c.UpdatedAt = c.LastSeen
	return c
}

// Merge folds incoming into existing. Counts add, user sets union, the seen window widens,
// severity takes the max and exemplars are reselected over both sides. The result is untriaged.
func (e *Engine) Merge(existing, incoming models.Cluster) models.Cluster {
	merged := existing
	merged.EventCount = existing.EventCount + incoming.EventCount

	if incoming.FirstSeen.Before(merged.FirstSeen) || merged.FirstSeen.IsZero() {
		merged.FirstSeen = incoming.FirstSeen
	}
	if incoming.LastSeen.After(merged.LastSeen) {
		merged.LastSeen = incoming.LastSeen
	}

	users := make(map[string]struct{}, len(existing.UserHashes)+len(incoming.UserHashes))
	for _, h := range existing.UserHashes {
		users[h] = struct{}{}
	}
	for _, h := range incoming.UserHashes {
		users[h] = struct{}{}
	}
	union := setToSorted(users)
	merged.UniqueUsers = len(union)
	if merged.UniqueUsers < existing.UniqueUsers {
		merged.UniqueUsers = existing.UniqueUsers
	}
	if len(union) > maxUserHashes {
		union = union[:maxUserHashes]
	}
	merged.UserHashes = union

	merged.Severity = models.MaxSeverity(existing.Severity, incoming.Severity)

	candidates := make([]models.Event, 0, len(existing.Exemplars)+len(incoming.Exemplars)+2)
	candidates = append(candidates, existing.Representative)
	candidates = append(candidates, existing.Exemplars...)
	candidates = append(candidates, incoming.Representative)
	candidates = append(candidates, incoming.Exemplars...)
	candidates = dedupeEvents(candidates)
	merged.Representative = SelectRepresentative(candidates)
	merged.Exemplars = SelectExemplars(candidates, e.cfg.MaxExemplars, e.cfg.DiversityWindow)

	merged.ImpactedRoles = addUnique(append([]string(nil), existing.ImpactedRoles...), incoming.ImpactedRoles...)
	merged.Endpoints = addUnique(append([]string(nil), existing.Endpoints...), incoming.Endpoints...)
	merged.ServiceAreas = addUnique(append([]string(nil), existing.ServiceAreas...), incoming.ServiceAreas...)

	recent := append(append([]time.Time(nil), existing.RecentTimestamps...), incoming.RecentTimestamps...)
	merged.RecentTimestamps = trimRecent(recent, merged.LastSeen)

	total := existing.EventCount + incoming.EventCount
	if total > 0 {
		merged.Confidence = (existing.Confidence*float64(existing.EventCount) + incoming.Confidence*float64(incoming.EventCount)) / float64(total)
	}
	merged.Triaged = false
	merged.Escalated = existing.Escalated || incoming.Escalated
	if incoming.UpdatedAt.After(merged.UpdatedAt) {
		merged.UpdatedAt = incoming.UpdatedAt
	}
	return merged
}

// ContextScore rates how much diagnostic context an event carries.
func ContextScore(ev models.Event) int {
	score := 0
	if ev.StackTrace != "" {
		score += 2
	}
	if ev.UserID != "" {
		score++
	}
	if ev.UserRole != "" {
		score++
	}
	if ev.DurationMs > 0 {
		score++
	}
	if len(ev.FeatureFlags) > 0 {
		score++
	}
	return score
}

// SelectRepresentative picks the highest-scoring event; ties go to the earliest timestamp, then ID.
func SelectRepresentative(events []models.Event) models.Event {
	if len(events) == 0 {
		return models.Event{}
	}
	best := events[0]
	bestScore := ContextScore(best)
	for _, ev := range events[1:] {
		score := ContextScore(ev)
		if score > bestScore || (score == bestScore && earlier(ev, best)) {
			best, bestScore = ev, score
		}
	}
	return best
}

// SelectExemplars greedily takes events by score, rejecting any event that sits within window of an
// already chosen exemplar with the same role and route.
func SelectExemplars(events []models.Event, max int, window time.Duration) []models.Event {
	if max <= 0 || len(events) == 0 {
		return nil
	}
	ranked := append([]models.Event(nil), events...)
	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := ContextScore(ranked[i]), ContextScore(ranked[j])
		if si != sj {
			return si > sj
		}
		return earlier(ranked[i], ranked[j])
	})

	selected := make([]models.Event, 0, max)
	for _, candidate := range ranked {
		if len(selected) == max {
			break
		}
		if tooSimilar(candidate, selected, window) {
			continue
		}
		selected = append(selected, candidate)
	}
	return selected
}

// DeriveSeverity applies the rate and reach cascade. Critical needs both a high rate and a spread
// across users unless a source event was already critical.
func DeriveSeverity(eventsLastHour, uniqueUsers int, anyCritical bool) models.Severity {
	switch {
	case anyCritical || (eventsLastHour > criticalRateLastHour && uniqueUsers > criticalUniqueUsers):
		return models.SeverityCritical
	case eventsLastHour > highRateLastHour || uniqueUsers > highUniqueUsers:
		return models.SeverityHigh
	case eventsLastHour > mediumRateLastHour || uniqueUsers > mediumUniqueUsers:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

func tooSimilar(candidate models.Event, selected []models.Event, window time.Duration) bool {
	for _, s := range selected {
		delta := candidate.Timestamp.Sub(s.Timestamp)
		if delta < 0 {
			delta = -delta
		}
		if delta <= window && candidate.UserRole == s.UserRole && candidate.Route == s.Route {
			return true
		}
	}
	return false
}

func earlier(a, b models.Event) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}

func normalizedEndpoint(ev models.Event) string {
	if ev.Route == "" {
		return ""
	}
	ev.Route = fingerprint.NormalizeRoute(ev.Route)
	return ev.Endpoint()
}

func trimRecent(ts []time.Time, ref time.Time) []time.Time {
	cutoff := ref.Add(-time.Hour)
	kept := ts[:0:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Before(kept[j]) })
	if len(kept) > maxRecentTimestamps {
		kept = kept[len(kept)-maxRecentTimestamps:]
	}
	return kept
}

func dedupeEvents(events []models.Event) []models.Event {
	seen := make(map[string]struct{}, len(events))
	out := events[:0:0]
	for _, ev := range events {
		if ev.Timestamp.IsZero() && ev.Message == "" && ev.StackTrace == "" {
			continue
		}
		key := ev.ID
		if key == "" {
			key = ev.Timestamp.String() + "|" + ev.SessionID + "|" + ev.UserID + "|" + ev.Route
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, ev)
	}
	return out
}

func addUnique(existing []string, values ...string) []string {
	for _, v := range values {
		if v == "" {
			continue
		}
		found := false
		for _, e := range existing {
			if e == v {
				found = true
				break
			}
		}
		if !found {
			existing = append(existing, v)
		}
	}
	sort.Strings(existing)
	return existing
}

func setToSorted(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
