package analysis

import (
	"encoding/json"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/miradorstack/mirador-triage/internal/errs"
)

var findingValidate = validator.New()

type tierAItem struct {
	Fingerprint  string   `json:"fingerprint" validate:"required"`
	Cause        string   `json:"cause" validate:"required"`
	Summary      string   `json:"summary"`
	Severity     string   `json:"severity" validate:"required,oneof=low medium high critical"`
	Confidence   *float64 `json:"confidence" validate:"required"`
	LikelyChange string   `json:"likelyChange"`
}

type tierBItem struct {
	Fingerprint   string   `json:"fingerprint" validate:"required"`
	Hypothesis    string   `json:"hypothesis" validate:"required"`
	Cause         string   `json:"cause"`
	Severity      string   `json:"severity" validate:"required,oneof=low medium high critical"`
	Confidence    *float64 `json:"confidence" validate:"required"`
	LikelyChange  string   `json:"likelyChange"`
	Experiments   []string `json:"experiments" validate:"len=2,dive,required"`
	RollbackSteps []string `json:"rollbackSteps" validate:"min=1,dive,required"`
	Reasoning     string   `json:"reasoning" validate:"required"`
}

// decodeTierA parses a JSON array of per-cluster results. Any structural problem fails the
// whole response.
func decodeTierA(content string) ([]tierAItem, error) {
	var items []tierAItem
	if err := decodeStrict(content, &items); err != nil {
		return nil, err
	}
	for i := range items {
		items[i].Severity = strings.ToLower(strings.TrimSpace(items[i].Severity))
		if err := findingValidate.Struct(items[i]); err != nil {
			return nil, &errs.ValidationError{Reason: "tier-a item failed schema check", Raw: content, Err: err}
		}
	}
	return items, nil
}

func decodeTierB(content string) (tierBItem, error) {
	var item tierBItem
	if err := decodeStrict(content, &item); err != nil {
		return tierBItem{}, err
	}
	item.Severity = strings.ToLower(strings.TrimSpace(item.Severity))
	if err := findingValidate.Struct(item); err != nil {
		return tierBItem{}, &errs.ValidationError{Reason: "tier-b result failed schema check", Raw: content, Err: err}
	}
	return item, nil
}

func decodeStrict(content string, v any) error {
	body := stripFence(content)
	if body == "" {
		return &errs.ValidationError{Reason: "empty model output", Raw: content}
	}
	dec := json.NewDecoder(strings.NewReader(body))
	if err := dec.Decode(v); err != nil {
		return &errs.ValidationError{Reason: "model output is not the expected json", Raw: content, Err: err}
	}
	if rest := strings.TrimSpace(body[dec.InputOffset():]); rest != "" {
		return &errs.ValidationError{Reason: "trailing content after json value", Raw: content}
	}
	return nil
}

// stripFence removes a surrounding markdown code fence, which chat models add habitually.
func stripFence(content string) string {
	s := strings.TrimSpace(content)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		return ""
	}
	s = strings.TrimSpace(s)
	if !strings.HasSuffix(s, "```") {
		return ""
	}
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}
