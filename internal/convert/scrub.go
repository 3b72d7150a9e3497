package convert

import (
	"regexp"
	"strings"
)

// Pollution markers: synthetic annotations that earlier turns of a transcript
// may carry from clients that inline tool logs into plain text. They must not
// reach the backend as user text.
var pollutionMarkers = []*regexp.Regexp{
	regexp.MustCompile(`(?s)>>> PAST_TOOL_ACTION:.*?<<<`),
	regexp.MustCompile(`(?s)\[Called \S+ with args:.*?\]`),
	regexp.MustCompile(`(?s)\[Tool Result:.*?\]`),
	regexp.MustCompile(`(?m)^\s*\[assistant used tool [^\]]*\]\s*$`),
}

var blankRuns = regexp.MustCompile(`\n{3,}`)

// ScrubText removes recognized pollution markers from free text, collapsing
// the whitespace they leave behind. Returns "" when nothing meaningful
// remains.
func ScrubText(text string) string {
	if text == "" {
		return ""
	}

	cleaned := text
	for _, marker := range pollutionMarkers {
		cleaned = marker.ReplaceAllString(cleaned, "")
	}
	if cleaned == text {
		return text
	}

	cleaned = blankRuns.ReplaceAllString(cleaned, "\n\n")
	if strings.TrimSpace(cleaned) == "" {
		return ""
	}
	return strings.TrimSpace(cleaned)
}
