package utils

import (
	"testing"
	"time"
)

func TestTruncateWords(t *testing.T) {
	if got := TruncateWords("one  two\nthree four", 3); got != "one two three" {
		t.Fatalf("unexpected truncation %q", got)
	}
	if got := TruncateWords("short", 10); got != "short" {
		t.Fatalf("expected input unchanged, got %q", got)
	}
	if got := TruncateWords("anything", 0); got != "" {
		t.Fatalf("expected empty output, got %q", got)
	}
}

func TestTruncateBytesKeepsRunesWhole(t *testing.T) {
	s := "héllo"
	if got := TruncateBytes(s, 2); got != "h" {
		t.Fatalf("expected rune boundary cut, got %q", got)
	}
	if got := TruncateBytes(s, 100); got != s {
		t.Fatalf("expected input unchanged, got %q", got)
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens("a b c d e f g h i j"); got != 13 {
		t.Fatalf("expected 13 tokens, got %d", got)
	}
	if got := EstimateTokens("   "); got != 0 {
		t.Fatalf("expected zero tokens, got %d", got)
	}
}

func TestHoursBetween(t *testing.T) {
	a := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	if got := HoursBetween(a.Add(3*time.Hour), a); got != 3 {
		t.Fatalf("expected 3 hours, got %v", got)
	}
}
