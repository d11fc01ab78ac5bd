// Package redact scrubs PII and secrets from anything bound for an external endpoint.
package redact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/miradorstack/mirador-triage/internal/errs"
	"github.com/miradorstack/mirador-triage/internal/metrics"
	"github.com/miradorstack/mirador-triage/internal/models"
)

// Config controls guard behaviour.
type Config struct {
	RulesPath  string
	FailClosed bool
}

// ScanContext describes where scanned content is headed.
type ScanContext struct {
	Operation string
	TenantID  string
	Target    string
	// Allow lists exact values that must survive redaction, such as our own record ids.
	Allow []string
}

// Result is the outcome of one scan.
type Result struct {
	Redacted        string
	Detections      []models.Detection
	HasHighSeverity bool
}

// Guard applies the rule pack. It is safe for concurrent use and can be reconfigured between batches.
type Guard struct {
	mu         sync.RWMutex
	cfg        Config
	rules      []Rule
	failClosed bool
	logger     *slog.Logger
}

// NewGuard loads the configured rule pack. An invalid pack is an error.
func NewGuard(cfg Config, logger *slog.Logger) (*Guard, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rules, err := LoadRules(cfg.RulesPath)
	if err != nil {
		return nil, err
	}
	return &Guard{cfg: cfg, rules: rules, failClosed: cfg.FailClosed, logger: logger.With("component", "redact")}, nil
}

// NewGuardWithRules builds a guard from already-parsed rules.
func NewGuardWithRules(rules []Rule, failClosed bool, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{cfg: Config{FailClosed: failClosed}, rules: rules, failClosed: failClosed, logger: logger.With("component", "redact")}
}

// Configure reloads rules when the path changed and updates fail-closed mode.
func (g *Guard) Configure(cfg Config) error {
	g.mu.RLock()
	current := g.cfg
	g.mu.RUnlock()
	if current == cfg {
		return nil
	}

	rules := g.Rules()
	if cfg.RulesPath != current.RulesPath {
		loaded, err := LoadRules(cfg.RulesPath)
		if err != nil {
			return err
		}
		rules = loaded
	}

	g.mu.Lock()
	g.cfg = cfg
	g.rules = rules
	g.failClosed = cfg.FailClosed
	g.mu.Unlock()
	g.logger.Info("redaction guard reconfigured", slog.Int("rules", len(rules)), slog.Bool("failClosed", cfg.FailClosed))
	return nil
}

// Rules returns the active rule set.
func (g *Guard) Rules() []Rule {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]Rule(nil), g.rules...)
}

// Scan redacts content rule by rule. When fail-closed and any high-severity rule matched, the
// redacted result is still returned but err is a *errs.SecurityViolation and callers must not
// transmit it.
func (g *Guard) Scan(content string, sc ScanContext) (Result, error) {
	res := g.apply(content, sc.Allow)
	for _, d := range res.Detections {
		metrics.ObserveRedaction(d.Rule, string(d.Severity), d.Count)
	}

	g.mu.RLock()
	failClosed := g.failClosed
	g.mu.RUnlock()

	if res.HasHighSeverity && failClosed {
		high := make([]models.Detection, 0, len(res.Detections))
		names := make([]string, 0, len(res.Detections))
		for _, d := range res.Detections {
			if d.Severity == models.SeverityHigh {
				high = append(high, d)
				names = append(names, d.Rule)
			}
		}
		metrics.ObserveSecurityViolation(sc.Operation)
		g.logger.Warn("security violation blocked outbound content",
			slog.String("operation", sc.Operation),
			slog.String("tenant", sc.TenantID),
			slog.String("target", sc.Target),
			slog.String("rules", strings.Join(names, ",")),
		)
		return res, &errs.SecurityViolation{Operation: sc.Operation, Detections: high}
	}
	return res, nil
}

// Redact applies the rules without ever failing. Used for snapshot content at rest.
func (g *Guard) Redact(content string) Result {
	return g.apply(content, nil)
}

// ScanJSON marshals v and scans the encoded payload.
func (g *Guard) ScanJSON(v any, sc ScanContext) ([]byte, Result, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, Result{}, fmt.Errorf("marshal payload for scan: %w", err)
	}
	res, err := g.Scan(string(raw), sc)
	if err != nil {
		return nil, res, err
	}
	if !json.Valid([]byte(res.Redacted)) {
		return nil, res, fmt.Errorf("redacted payload is not valid json")
	}
	return []byte(res.Redacted), res, nil
}

func (g *Guard) apply(content string, allow []string) Result {
	g.mu.RLock()
	rules := g.rules
	g.mu.RUnlock()

	allowed := make(map[string]struct{}, len(allow))
	for _, a := range allow {
		if a != "" {
			allowed[a] = struct{}{}
		}
	}

	res := Result{Redacted: content}
	for _, rule := range rules {
		count := 0
		res.Redacted = rule.re.ReplaceAllStringFunc(res.Redacted, func(match string) string {
			if _, ok := allowed[match]; ok || !rule.accepts(match) {
				return match
			}
			count++
			return rule.re.ReplaceAllString(match, rule.Replacement)
		})
		if count == 0 {
			continue
		}
		res.Detections = append(res.Detections, models.Detection{
			Rule:     rule.Name,
			Category: string(rule.Category),
			Severity: rule.Severity,
			Count:    count,
		})
		if rule.Severity == models.SeverityHigh {
			res.HasHighSeverity = true
		}
	}
	return res
}

// RedactEvent scrubs an event for inclusion in a snapshot. User and session ids are replaced by
// hashes. The returned names list the secret rules that fired, never the matched values.
func (g *Guard) RedactEvent(ev models.Event) (models.Event, []string) {
	secrets := make(map[string]struct{})
	scrub := func(s string) string {
		if s == "" {
			return s
		}
		res := g.apply(s, nil)
		for _, d := range res.Detections {
			if d.Category == string(CategorySecret) {
				secrets[d.Rule] = struct{}{}
			}
		}
		return res.Redacted
	}

	out := ev
	out.Message = scrub(ev.Message)
	out.StackTrace = scrub(ev.StackTrace)
	out.Route = scrub(ev.Route)
	out.UserID = HashIdentifier(ev.UserID)
	out.SessionID = HashIdentifier(ev.SessionID)
	if len(ev.FeatureFlags) > 0 {
		out.FeatureFlags = make(map[string]string, len(ev.FeatureFlags))
		for k, v := range ev.FeatureFlags {
			out.FeatureFlags[k] = scrub(v)
		}
	}

	names := make([]string, 0, len(secrets))
	for name := range secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	return out, names
}

// HashIdentifier returns a 12-character SHA-256 prefix, or "" for empty input.
func HashIdentifier(id string) string {
	if id == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(id))
	return "h_" + hex.EncodeToString(sum[:])[:12]
}
