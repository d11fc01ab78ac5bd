package utils

import (
	"math"
	"strings"
	"time"
	"unicode/utf8"
)

// TruncateWords keeps at most limit whitespace-separated words.
func TruncateWords(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	words := strings.Fields(s)
	if len(words) <= limit {
		return strings.Join(words, " ")
	}
	return strings.Join(words[:limit], " ")
}

// TruncateBytes cuts s to at most max bytes without splitting a UTF-8 rune.
func TruncateBytes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 0 {
		return ""
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// EstimateTokens approximates model tokens at 1.3 per word, rounded up.
func EstimateTokens(s string) int {
	words := len(strings.Fields(s))
	if words == 0 {
		return 0
	}
	return int(math.Ceil(float64(words) * 1.3))
}

// HoursBetween returns the absolute number of hours between two timestamps.
func HoursBetween(start, end time.Time) float64 {
	if end.Before(start) {
		start, end = end, start
	}
	return end.Sub(start).Hours()
}
