package analysis

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-triage/internal/fingerprint"
	"github.com/miradorstack/mirador-triage/internal/models"
	"github.com/miradorstack/mirador-triage/internal/utils"
)

const fallbackConfidence = 0.3

var (
	defaultExperiments = []string{
		"Replay an exemplar request against staging on the current and previous app version",
		"Compare error rate for the affected endpoint with recently changed feature flags toggled off",
	}
	defaultRollback = []string{
		"Roll back to the last app version without this fingerprint",
		"Disable feature flags changed since the first occurrence",
	}
)

// RuleEngine derives findings when model output is unusable.
type RuleEngine struct {
	rules  []Rule
	logger *slog.Logger
}

// Rule maps cluster attributes onto a canned finding.
type Rule struct {
	ID           string    `yaml:"id"`
	Match        RuleMatch `yaml:"match"`
	Cause        string    `yaml:"cause"`
	Severity     string    `yaml:"severity"`
	LikelyChange string    `yaml:"likely_change"`
	Confidence   float64   `yaml:"confidence"`
	Experiments  []string  `yaml:"experiments"`
	Rollback     []string  `yaml:"rollback"`
}

// RuleMatch defines optional attributes for rule matching. Every set attribute must match.
type RuleMatch struct {
	MessageContains   []string `yaml:"message_contains"`
	ErrorTypeContains []string `yaml:"error_type_contains"`
	RouteContains     []string `yaml:"route_contains"`
	StatusAtLeast     int      `yaml:"status_at_least"`
	StatusCodes       []int    `yaml:"status_codes"`
}

// RuleConfigFile is the YAML root structure.
type RuleConfigFile struct {
	Rules []Rule `yaml:"rules"`
}

// NewRuleEngine loads rules from path. A missing or empty path yields an engine that only
// produces generic fallbacks.
func NewRuleEngine(path string, logger *slog.Logger) (*RuleEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	engine := &RuleEngine{logger: logger}
	if path == "" {
		return engine, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("fallback rule file not found, using generic fallbacks", slog.String("path", path))
			return engine, nil
		}
		return nil, err
	}
	var cfg RuleConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse fallback rules: %w", err)
	}
	for _, r := range cfg.Rules {
		if r.Severity != "" {
			if _, ok := models.ParseSeverity(r.Severity); !ok {
				return nil, fmt.Errorf("fallback rule %s: unknown severity %q", r.ID, r.Severity)
			}
		}
		if r.Confidence < 0 || r.Confidence > 1 {
			return nil, fmt.Errorf("fallback rule %s: confidence outside [0,1]", r.ID)
		}
	}
	engine.rules = cfg.Rules
	return engine, nil
}

// Rules returns the loaded rules.
func (e *RuleEngine) Rules() []Rule {
	if e == nil {
		return nil
	}
	return append([]Rule(nil), e.rules...)
}

// Match returns the first rule matching the cluster's representative event.
func (e *RuleEngine) Match(cluster models.Cluster) (Rule, bool) {
	if e == nil {
		return Rule{}, false
	}
	ev := cluster.Representative
	for _, rule := range e.rules {
		m := rule.Match
		if len(m.MessageContains) > 0 && !containsAny(ev.Message+" "+ev.StackTrace, m.MessageContains) {
			continue
		}
		if len(m.ErrorTypeContains) > 0 && !containsAny(ev.ErrorType+" "+ev.Message, m.ErrorTypeContains) {
			continue
		}
		if len(m.RouteContains) > 0 && !containsAny(ev.Route, m.RouteContains) {
			continue
		}
		if m.StatusAtLeast > 0 && ev.StatusCode < m.StatusAtLeast {
			continue
		}
		if len(m.StatusCodes) > 0 && !containsInt(m.StatusCodes, ev.StatusCode) {
			continue
		}
		return rule, true
	}
	return Rule{}, false
}

// Fallback builds a rule-derived finding for cluster at tier.
func (e *RuleEngine) Fallback(cluster models.Cluster, tier models.ModelTier, reason string, now time.Time) models.Finding {
	f := models.Finding{
		ID:                uuid.NewString(),
		Tier:              tier,
		TenantID:          cluster.TenantID,
		Fingerprint:       cluster.Fingerprint,
		ClusterSnapshotAt: now,
		Severity:          cluster.Severity.OrLow(),
		Confidence:        fallbackConfidence,
		LikelyChange:      models.ChangeUnknown,
		Fallback:          true,
		CreatedAt:         now,
	}
	f.Cause = utils.TruncateWords(genericCause(cluster), causeWords)

	rule, ok := e.Match(cluster)
	if ok {
		if rule.Cause != "" {
			f.Cause = utils.TruncateWords(rule.Cause, causeWords)
		}
		if sev, ok := models.ParseSeverity(rule.Severity); ok {
			f.Severity = models.MaxSeverity(sev, cluster.Severity.OrLow())
		}
		if rule.LikelyChange != "" {
			f.LikelyChange = models.ParseLikelyChange(rule.LikelyChange)
		}
		if rule.Confidence > 0 {
			f.Confidence = rule.Confidence
		}
	}
	f.Summary = utils.TruncateWords(fmt.Sprintf("Rule-derived finding (%s): %d events, %d users affected.", reason, cluster.EventCount, cluster.UniqueUsers), summaryWords)

	if tier == models.TierB {
		f.Hypothesis = f.Cause
		f.Experiments = defaultExperiments
		f.RollbackSteps = defaultRollback
		if ok && len(rule.Experiments) == 2 {
			f.Experiments = append([]string(nil), rule.Experiments...)
		}
		if ok && len(rule.Rollback) > 0 {
			f.RollbackSteps = append([]string(nil), rule.Rollback...)
		}
		f.Reasoning = "Model output unavailable; finding derived from fallback rules."
	}
	if e != nil {
		e.logger.Debug("fallback finding derived",
			slog.String("fingerprint", cluster.Fingerprint),
			slog.String("tier", string(tier)),
			slog.String("rule", rule.ID),
			slog.String("reason", reason),
		)
	}
	return f
}

func genericCause(cluster models.Cluster) string {
	ev := cluster.Representative
	what := ev.ErrorType
	if what == "" {
		what = fingerprint.NormalizeMessage(ev.Message)
	}
	if what == "" {
		what = "Unclassified error"
	}
	if ep := ev.Endpoint(); ep != "" {
		return what + " on " + fingerprint.NormalizeRoute(ep)
	}
	return what
}

func containsAny(haystack string, needles []string) bool {
	lower := strings.ToLower(haystack)
	for _, n := range needles {
		if n != "" && strings.Contains(lower, strings.ToLower(n)) {
			return true
		}
	}
	return false
}

func containsInt(values []int, v int) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
