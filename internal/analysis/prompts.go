package analysis

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/miradorstack/mirador-triage/internal/fingerprint"
	"github.com/miradorstack/mirador-triage/internal/models"
	"github.com/miradorstack/mirador-triage/internal/utils"
)

const (
	causeWords   = 25
	summaryWords = 60
	minMessage   = 32
)

const tierASystemPrompt = `You triage clustered application errors.
For every cluster in the input return one JSON object and nothing else, as a JSON array.
Each object must have: "fingerprint" (copied exactly from the input), "cause" (at most 25 words),
"summary" (at most 60 words), "severity" (low, medium, high or critical), "confidence" (0 to 1),
"likelyChange" (deploy, flag, config, dependency, infra or unknown).`

const tierBSystemPrompt = `You are a senior incident responder investigating one error cluster in depth.
Return a single JSON object and nothing else with: "fingerprint" (copied exactly), "hypothesis",
"cause" (at most 25 words), "severity" (low, medium, high or critical), "confidence" (0 to 1),
"likelyChange", "experiments" (exactly two safe, reversible experiments), "rollbackSteps"
(at least one step) and "reasoning". Say "critical" in the reasoning only when customer impact is severe.`

// tierAEntry uses short keys; the prompt header spells them out.
type tierAEntry struct {
	Fingerprint string   `json:"fp"`
	Message     string   `json:"msg"`
	ErrorType   string   `json:"type,omitempty"`
	Endpoint    string   `json:"ep,omitempty"`
	Status      int      `json:"st,omitempty"`
	Events      int      `json:"n"`
	Users       int      `json:"u"`
	Severity    string   `json:"sev"`
	Minutes     int      `json:"min"`
	Roles       []string `json:"roles,omitempty"`
}

const tierAHeader = "Clusters, one per line (fp=fingerprint, n=events, u=users, ep=endpoint, st=status, min=minutes active):\n"

// buildTierAContext renders one sub-batch as compact JSON lines. Each cluster gets an equal
// share of limit bytes; messages are trimmed first, then optional fields dropped. The result
// never exceeds limit: clusters that no longer fit are left out and fall back to rules.
func buildTierAContext(clusters []models.Cluster, limit int) string {
	if len(clusters) == 0 {
		return ""
	}
	share := limit / len(clusters)
	var b strings.Builder
	for _, c := range clusters {
		ev := c.Representative
		entry := tierAEntry{
			Fingerprint: c.Fingerprint,
			Message:     fingerprint.NormalizeMessage(ev.Message),
			ErrorType:   ev.ErrorType,
			Endpoint:    fingerprint.NormalizeRoute(ev.Endpoint()),
			Status:      ev.StatusCode,
			Events:      c.EventCount,
			Users:       c.UniqueUsers,
			Severity:    string(c.Severity.OrLow()),
			Minutes:     int(c.LastSeen.Sub(c.FirstSeen) / time.Minute),
			Roles:       c.ImpactedRoles,
		}
		line := encodeEntry(entry)
		if over := len(line) - share; over > 0 {
			keep := len(entry.Message) - over
			if keep < minMessage {
				keep = minMessage
			}
			entry.Message = utils.TruncateBytes(entry.Message, keep)
			line = encodeEntry(entry)
		}
		if len(line) > share {
			entry.Roles = nil
			entry.ErrorType = utils.TruncateBytes(entry.ErrorType, minMessage)
			line = encodeEntry(entry)
		}
		room := limit - b.Len() - 1
		if len(line) > room {
			entry.Message = ""
			entry.ErrorType = ""
			entry.Endpoint = ""
			line = encodeEntry(entry)
		}
		if len(line) > room {
			break
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

func encodeEntry(v any) string {
	return encodeJSON(v, "")
}

func encodeJSON(v any, indent string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if indent != "" {
		enc.SetIndent("", indent)
	}
	if err := enc.Encode(v); err != nil {
		return "{}"
	}
	return strings.TrimRight(buf.String(), "\n")
}

type tierBExemplar struct {
	At        time.Time `json:"at"`
	Message   string    `json:"message"`
	Frames    []string  `json:"frames,omitempty"`
	Endpoint  string    `json:"endpoint,omitempty"`
	Status    int       `json:"status,omitempty"`
	Version   string    `json:"appVersion,omitempty"`
	Flags     []string  `json:"flags,omitempty"`
	Role      string    `json:"role,omitempty"`
	LatencyMs float64   `json:"latencyMs,omitempty"`
}

type tierBContext struct {
	Fingerprint  string                  `json:"fingerprint"`
	Events       int                     `json:"events"`
	Users        int                     `json:"users"`
	Severity     string                  `json:"severity"`
	FirstSeen    time.Time               `json:"firstSeen"`
	LastSeen     time.Time               `json:"lastSeen"`
	PerHour      float64                 `json:"eventsPerHour"`
	Endpoints    []string                `json:"endpoints,omitempty"`
	Roles        []string                `json:"roles,omitempty"`
	Exemplars    []tierBExemplar         `json:"exemplars"`
	TierA        *tierAContextFinding    `json:"triage,omitempty"`
	PastIncident []models.PastResolution `json:"similarResolved,omitempty"`
}

type tierAContextFinding struct {
	Cause        string  `json:"cause"`
	Severity     string  `json:"severity"`
	Confidence   float64 `json:"confidence"`
	LikelyChange string  `json:"likelyChange"`
}

func buildTierBContext(c models.Cluster, tierA *models.Finding, history []models.PastResolution, maxExemplars int, now time.Time) string {
	ctx := tierBContext{
		Fingerprint: c.Fingerprint,
		Events:      c.EventCount,
		Users:       c.UniqueUsers,
		Severity:    string(c.Severity.OrLow()),
		FirstSeen:   c.FirstSeen,
		LastSeen:    c.LastSeen,
		PerHour:     c.VelocityPerHour(now),
		Endpoints:   c.Endpoints,
		Roles:       c.ImpactedRoles,
	}
	exemplars := c.Exemplars
	if len(exemplars) == 0 {
		exemplars = []models.Event{c.Representative}
	}
	if len(exemplars) > maxExemplars {
		exemplars = exemplars[:maxExemplars]
	}
	for _, ev := range exemplars {
		ctx.Exemplars = append(ctx.Exemplars, tierBExemplar{
			At:        ev.Timestamp,
			Message:   fingerprint.NormalizeMessage(ev.Message),
			Frames:    fingerprint.NormalizeStack(ev.StackTrace),
			Endpoint:  fingerprint.NormalizeRoute(ev.Endpoint()),
			Status:    ev.StatusCode,
			Version:   ev.AppVersion,
			Flags:     flagNames(ev.FeatureFlags),
			Role:      ev.UserRole,
			LatencyMs: ev.DurationMs,
		})
	}
	if tierA != nil {
		ctx.TierA = &tierAContextFinding{
			Cause:        tierA.Cause,
			Severity:     string(tierA.Severity),
			Confidence:   tierA.Confidence,
			LikelyChange: string(tierA.LikelyChange),
		}
	}
	ctx.PastIncident = history
	return encodeJSON(ctx, "  ")
}

func flagNames(flags map[string]string) []string {
	if len(flags) == 0 {
		return nil
	}
	out := make([]string, 0, len(flags))
	for k, v := range flags {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
