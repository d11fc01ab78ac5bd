package redact

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-triage/internal/models"
)

//go:embed rules/default.yaml
var defaultRulesYAML []byte

// Category groups redaction rules.
type Category string

const (
	CategoryPII        Category = "pii"
	CategorySecret     Category = "secret"
	CategoryIdentifier Category = "identifier"
)

// Rule is one redaction pattern.
type Rule struct {
	Name        string          `yaml:"name"`
	Category    Category        `yaml:"category"`
	Severity    models.Severity `yaml:"severity"`
	Pattern     string          `yaml:"pattern"`
	Replacement string          `yaml:"replacement"`
	// Validator optionally filters regex matches; "luhn" keeps only checksum-valid card numbers.
	Validator string `yaml:"validator"`

	re *regexp.Regexp
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// ParseRules decodes and compiles a YAML rule pack. Any invalid rule fails the whole pack.
func ParseRules(data []byte) ([]Rule, error) {
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse redaction rules: %w", err)
	}
	if len(file.Rules) == 0 {
		return nil, errors.New("redaction rule pack is empty")
	}
	seen := make(map[string]struct{}, len(file.Rules))
	for i := range file.Rules {
		r := &file.Rules[i]
		if r.Name == "" {
			return nil, fmt.Errorf("redaction rule %d: missing name", i)
		}
		if _, dup := seen[r.Name]; dup {
			return nil, fmt.Errorf("redaction rule %s: duplicate name", r.Name)
		}
		seen[r.Name] = struct{}{}
		switch r.Category {
		case CategoryPII, CategorySecret, CategoryIdentifier:
		default:
			return nil, fmt.Errorf("redaction rule %s: unknown category %q", r.Name, r.Category)
		}
		if !r.Severity.Valid() || r.Severity == models.SeverityCritical {
			return nil, fmt.Errorf("redaction rule %s: severity must be low, medium or high", r.Name)
		}
		if r.Validator != "" && r.Validator != validatorLuhn {
			return nil, fmt.Errorf("redaction rule %s: unknown validator %q", r.Name, r.Validator)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("redaction rule %s: %w", r.Name, err)
		}
		r.re = re
	}
	return file.Rules, nil
}

const validatorLuhn = "luhn"

func (r Rule) accepts(match string) bool {
	switch r.Validator {
	case validatorLuhn:
		return luhnValid(match)
	}
	return true
}

func luhnValid(s string) bool {
	sum, n := 0, 0
	for i := len(s) - 1; i >= 0; i-- {
		ch := s[i]
		if ch < '0' || ch > '9' {
			continue
		}
		d := int(ch - '0')
		if n%2 == 1 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		n++
	}
	return n >= 12 && sum%10 == 0
}

// DefaultRules returns the embedded rule pack.
func DefaultRules() ([]Rule, error) {
	return ParseRules(defaultRulesYAML)
}

// LoadRules reads path, or the embedded pack when path is empty.
func LoadRules(path string) ([]Rule, error) {
	if path == "" {
		return DefaultRules()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read redaction rules %s: %w", path, err)
	}
	return ParseRules(data)
}
