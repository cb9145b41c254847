package guard

import (
	"regexp"
	"strings"
)

const filteredPrefix = "[ADVERSARIAL_FILTERED: "

// ansiEscape matches CSI and other ESC-introduced sequences (log poisoning).
var ansiEscape = regexp.MustCompile(`\x1B(?:[@-Z\\-_]|\[[0-?]*[ -/]*[@-~])`)

// adversarialPatterns is the fixed injection-sentinel set. Matches are
// wrapped, not removed, so the model still sees that something was there.
var adversarialPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+previous\s+instructions`),
	regexp.MustCompile(`(?i)system\s+prompt\s+override`),
	regexp.MustCompile(`(?i)you\s+are\s+now`),
	regexp.MustCompile(`(?i)disregard\s+all\s+rules`),
	regexp.MustCompile(`(?i)new\s+role\s+assigned`),
	regexp.MustCompile(`(?i)DAN\s*mode`),
	regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script>`),
}

// Sanitize prepares raw tool output for use as a Tool message:
// strip ANSI escapes, wrap adversarial matches as
// [ADVERSARIAL_FILTERED: <match>], neutralize shell substitution syntax.
// Idempotent: already-wrapped matches are left alone.
func Sanitize(text string) string {
	if text == "" {
		return text
	}

	text = ansiEscape.ReplaceAllString(text, "")

	for _, re := range adversarialPatterns {
		text = wrapMatches(text, re)
	}

	text = strings.ReplaceAll(text, "$(", "$_(")
	text = strings.ReplaceAll(text, "`", "'")
	return text
}

// wrapMatches wraps every match of re that is not already inside a filtered
// marker. RE2 has no lookbehind, so the preceding bytes are checked by hand.
func wrapMatches(text string, re *regexp.Regexp) string {
	locs := re.FindAllStringIndex(text, -1)
	if locs == nil {
		return text
	}
	var sb strings.Builder
	sb.Grow(len(text) + len(locs)*len(filteredPrefix))
	prev := 0
	for _, loc := range locs {
		start, end := loc[0], loc[1]
		sb.WriteString(text[prev:start])
		if alreadyWrapped(text, start) {
			sb.WriteString(text[start:end])
		} else {
			sb.WriteString(filteredPrefix)
			sb.WriteString(text[start:end])
			sb.WriteString("]")
		}
		prev = end
	}
	sb.WriteString(text[prev:])
	return sb.String()
}

func alreadyWrapped(text string, start int) bool {
	return start >= len(filteredPrefix) &&
		text[start-len(filteredPrefix):start] == filteredPrefix
}
