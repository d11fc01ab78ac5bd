package fingerprint

import (
	"regexp"
	"strings"

	"github.com/miradorstack/mirador-triage/internal/models"
	"github.com/miradorstack/mirador-triage/internal/utils"
)

// Substitutions run in order; earlier patterns must not be broken up by later ones.
var messageRules = []struct {
	re          *regexp.Regexp
	placeholder string
}{
	{regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`), "<uuid>"},
	{regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:[.,]\d+)?(?:Z|[+-]\d{2}:?\d{2})?`), "<ts>"},
	{regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`), "<ts>"},
	{regexp.MustCompile(`\b\d{2}:\d{2}:\d{2}(?:[.,]\d+)?\b`), "<ts>"},
	{regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`), "<email>"},
	{regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}(?::\d+)?\b`), "<ip>"},
	{regexp.MustCompile(`(?i)\b[0-9a-f]{1,4}(?::[0-9a-f]{0,4}){2,7}\b`), "<ip>"},
	{regexp.MustCompile(`(?i)\b0x[0-9a-f]+\b`), "<hex>"},
	{regexp.MustCompile(`/\d+\b`), "/<num>"},
}

var (
	hexRun  = regexp.MustCompile(`(?i)\b[0-9a-f]{6,}\b`)
	integer = regexp.MustCompile(`\b\d+(?:\.\d+)?`)
)

var (
	whitespace   = regexp.MustCompile(`\s+`)
	lineColumn   = regexp.MustCompile(`:\d+(?::\d+)?`)
	pyLine       = regexp.MustCompile(`(?i)\bline \d+`)
	goOffset     = regexp.MustCompile(`\s*\+0x[0-9a-fA-F]+`)
	pathPrefix   = regexp.MustCompile(`(?:[A-Za-z]:)?(?:[/\\][^\s/\\:()"']+)+[/\\]`)
	frameMarker  = regexp.MustCompile(`^(?:at\s|File\s")|\.\w+:\d+|\(\S+:\d+(?::\d+)?\)`)
	routeNumeric = regexp.MustCompile(`^\d+$`)
	routeUUID    = regexp.MustCompile(`(?i)^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	routeHexID   = regexp.MustCompile(`(?i)^[0-9a-f]{16,}$`)
)

const maxFrames = 3

// NormalizeMessage replaces volatile values (ids, timestamps, addresses, numbers) with placeholders.
func NormalizeMessage(message string) string {
	out := message
	for _, rule := range messageRules {
		out = rule.re.ReplaceAllString(out, rule.placeholder)
	}
	// Hex runs need at least one digit so ordinary words like "facade" survive.
	out = hexRun.ReplaceAllStringFunc(out, func(run string) string {
		if strings.ContainsAny(run, "0123456789") && strings.IndexFunc(run, isHexLetter) >= 0 {
			return "<hex>"
		}
		return run
	})
	out = integer.ReplaceAllString(out, "<num>")
	return strings.TrimSpace(whitespace.ReplaceAllString(out, " "))
}

// NormalizeStack returns the first three frames with line numbers blanked and path prefixes trimmed.
func NormalizeStack(stack string) []string {
	if strings.TrimSpace(stack) == "" {
		return nil
	}
	lines := strings.Split(stack, "\n")

	frames := make([]string, 0, maxFrames)
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || !frameMarker.MatchString(line) {
			continue
		}
		frames = append(frames, normalizeFrame(line))
		if len(frames) == maxFrames {
			return frames
		}
	}
	if len(frames) > 0 {
		return frames
	}

	// No recognizable frame syntax; fall back to the leading non-empty lines.
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		frames = append(frames, normalizeFrame(line))
		if len(frames) == maxFrames {
			break
		}
	}
	return frames
}

func isHexLetter(r rune) bool {
	return (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}

func normalizeFrame(frame string) string {
	frame = goOffset.ReplaceAllString(frame, "")
	frame = pathPrefix.ReplaceAllString(frame, "")
	frame = lineColumn.ReplaceAllString(frame, ":_")
	frame = pyLine.ReplaceAllString(frame, "line _")
	return strings.TrimSpace(whitespace.ReplaceAllString(frame, " "))
}

// NormalizeRoute replaces numeric, UUID and long hex path segments with ":id" and drops the query.
func NormalizeRoute(route string) string {
	if i := strings.IndexAny(route, "?#"); i >= 0 {
		route = route[:i]
	}
	segments := strings.Split(route, "/")
	for i, seg := range segments {
		if routeNumeric.MatchString(seg) || routeUUID.MatchString(seg) || routeHexID.MatchString(seg) {
			segments[i] = ":id"
		}
	}
	return strings.Join(segments, "/")
}

// Symptom renders the normalized one-line description used for similar-incident recall.
func Symptom(ev models.Event) string {
	parts := []string{}
	if ev.ErrorType != "" {
		parts = append(parts, ev.ErrorType)
	}
	if msg := utils.TruncateWords(NormalizeMessage(ev.Message), 20); msg != "" {
		parts = append(parts, msg)
	}
	if ep := ev.Endpoint(); ep != "" {
		parts = append(parts, NormalizeRoute(ep))
	}
	return strings.Join(parts, " ")
}
