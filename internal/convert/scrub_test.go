package convert

import (
	"strings"
	"testing"
)

func TestScrubText_PastToolAction(t *testing.T) {
	text := "Before.\n>>> PAST_TOOL_ACTION: ran search\nwith output lines\n<<<\nAfter."

	got := ScrubText(text)
	if strings.Contains(got, "PAST_TOOL_ACTION") {
		t.Errorf("marker survived scrubbing: %q", got)
	}
	if !strings.Contains(got, "Before.") || !strings.Contains(got, "After.") {
		t.Errorf("surrounding text lost: %q", got)
	}
}

func TestScrubText_InlineToolLogs(t *testing.T) {
	text := "I checked the weather. [Called get_weather with args: {\"city\":\"Oslo\"}] [Tool Result: 12C] Done."

	got := ScrubText(text)
	if strings.Contains(got, "Called get_weather") || strings.Contains(got, "Tool Result") {
		t.Errorf("inline tool log survived: %q", got)
	}
	if !strings.Contains(got, "I checked the weather.") || !strings.Contains(got, "Done.") {
		t.Errorf("real text lost: %q", got)
	}
}

func TestScrubText_MarkerOnlyBecomesEmpty(t *testing.T) {
	if got := ScrubText(">>> PAST_TOOL_ACTION: everything <<<"); got != "" {
		t.Errorf("marker-only text should scrub to empty, got %q", got)
	}
	if got := ScrubText("  [assistant used tool get_weather]  "); got != "" {
		t.Errorf("annotation-only line should scrub to empty, got %q", got)
	}
}

func TestScrubText_CleanTextUntouched(t *testing.T) {
	// Unmatched text passes through byte-exact, odd spacing included.
	text := "Plain  text with\n\n\n\nweird   spacing, no markers."
	if got := ScrubText(text); got != text {
		t.Errorf("clean text modified: %q", got)
	}
}

func TestScrubText_CollapsesBlankRuns(t *testing.T) {
	text := "One.\n>>> PAST_TOOL_ACTION: x <<<\n\n\n\nTwo."
	got := ScrubText(text)
	if strings.Contains(got, "\n\n\n") {
		t.Errorf("blank runs not collapsed: %q", got)
	}
}
