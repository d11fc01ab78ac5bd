package models

import (
	"fmt"
	"strings"
)

// Severity captures impact levels. The set is closed; unknown values are rejected on decode.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank orders severities low < medium < high < critical. Unset severities rank zero.
func (s Severity) Rank() int {
	return severityRank[s]
}

// Valid reports whether s is one of the four known levels.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// AtLeast reports whether s ranks at or above other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// OrLow maps an unset severity to low.
func (s Severity) OrLow() Severity {
	if s.Valid() {
		return s
	}
	return SeverityLow
}

// MaxSeverity returns the higher-ranked of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ParseSeverity accepts the canonical names plus a few common log-level aliases.
func ParseSeverity(value string) (Severity, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "low", "info", "debug":
		return SeverityLow, true
	case "medium", "warn", "warning":
		return SeverityMedium, true
	case "high", "error":
		return SeverityHigh, true
	case "critical", "fatal", "panic":
		return SeverityCritical, true
	}
	return "", false
}

// UnmarshalText rejects values outside the closed set. Empty input stays unset.
func (s *Severity) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*s = ""
		return nil
	}
	parsed, ok := ParseSeverity(string(text))
	if !ok {
		return fmt.Errorf("unknown severity %q", string(text))
	}
	*s = parsed
	return nil
}

// ModelTier identifies which analysis tier produced a finding.
type ModelTier string

const (
	TierA ModelTier = "tier_a"
	TierB ModelTier = "tier_b"
)

// UnmarshalText rejects unknown tiers.
func (t *ModelTier) UnmarshalText(text []byte) error {
	switch ModelTier(text) {
	case TierA, TierB, "":
		*t = ModelTier(text)
		return nil
	}
	return fmt.Errorf("unknown model tier %q", string(text))
}

// Sensitivity controls the minimum cluster size considered for analysis.
type Sensitivity string

const (
	SensitivityConservative Sensitivity = "conservative"
	SensitivityNormal       Sensitivity = "normal"
	SensitivityAggressive   Sensitivity = "aggressive"
)

// MinClusterSize returns the minimum number of events a cluster needs at this sensitivity.
func (s Sensitivity) MinClusterSize() int {
	switch s {
	case SensitivityConservative:
		return 5
	case SensitivityAggressive:
		return 1
	default:
		return 3
	}
}
