package models

import (
	"fmt"
	"strings"
	"time"
)

// LikelyChange names the kind of change most likely behind a failure.
type LikelyChange string

const (
	ChangeDeploy     LikelyChange = "deploy"
	ChangeFlag       LikelyChange = "flag"
	ChangeConfig     LikelyChange = "config"
	ChangeDependency LikelyChange = "dependency"
	ChangeInfra      LikelyChange = "infra"
	ChangeUnknown    LikelyChange = "unknown"
)

// ParseLikelyChange maps free text onto the closed set, defaulting to unknown.
func ParseLikelyChange(value string) LikelyChange {
	switch LikelyChange(strings.ToLower(strings.TrimSpace(value))) {
	case ChangeDeploy, "deployment", "release":
		return ChangeDeploy
	case ChangeFlag, "feature_flag", "feature-flag":
		return ChangeFlag
	case ChangeConfig, "configuration":
		return ChangeConfig
	case ChangeDependency, "upstream", "downstream":
		return ChangeDependency
	case ChangeInfra, "infrastructure":
		return ChangeInfra
	}
	return ChangeUnknown
}

// UnmarshalText accepts any text and folds it into the closed set.
func (c *LikelyChange) UnmarshalText(text []byte) error {
	*c = ParseLikelyChange(string(text))
	return nil
}

// Finding is the output of one analysis tier for one cluster. A new finding supersedes the old one.
type Finding struct {
	ID                string       `json:"id"`
	Tier              ModelTier    `json:"tier"`
	TenantID          string       `json:"tenantId"`
	Fingerprint       string       `json:"fingerprint"`
	ClusterSnapshotAt time.Time    `json:"clusterSnapshotAt"`
	Cause             string       `json:"cause"`
	Summary           string       `json:"summary,omitempty"`
	Severity          Severity     `json:"severity"`
	Confidence        float64      `json:"confidence"`
	LikelyChange      LikelyChange `json:"likelyChange"`
	Hypothesis        string       `json:"hypothesis,omitempty"`
	Experiments       []string     `json:"experiments,omitempty"`
	RollbackSteps     []string     `json:"rollbackSteps,omitempty"`
	Reasoning         string       `json:"reasoning,omitempty"`
	Model             string       `json:"model,omitempty"`
	Fallback          bool         `json:"fallback"`
	CreatedAt         time.Time    `json:"createdAt"`
}

// Validate checks the invariants every stored finding must satisfy.
func (f Finding) Validate() error {
	if f.Fingerprint == "" {
		return fmt.Errorf("finding missing fingerprint")
	}
	if f.Confidence < 0 || f.Confidence > 1 {
		return fmt.Errorf("finding confidence %.3f outside [0,1]", f.Confidence)
	}
	if !f.Severity.Valid() {
		return fmt.Errorf("finding severity %q invalid", f.Severity)
	}
	if f.Tier == TierB && len(f.Experiments) != 2 {
		return fmt.Errorf("tier-b finding requires exactly 2 experiments, got %d", len(f.Experiments))
	}
	return nil
}
