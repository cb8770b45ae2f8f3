package bridge

import (
	"regexp"
	"strings"
)

// ThinkingPhase buckets a thinking chunk by what the agent appears to be
// doing, grounded on spec.md §4.9's classifier description and
// original_source/avatar_engine/events.py's ThinkingPhase enum.
type ThinkingPhase string

const (
	PhaseGeneral      ThinkingPhase = "general"
	PhaseAnalyzing    ThinkingPhase = "analyzing"
	PhasePlanning     ThinkingPhase = "planning"
	PhaseCoding       ThinkingPhase = "coding"
	PhaseReviewing    ThinkingPhase = "reviewing"
	PhaseToolPlanning ThinkingPhase = "tool_planning"
)

var boldSubjectRe = regexp.MustCompile(`\*\*([^*]{1,80})\*\*`)

// ExtractBoldSubject pulls the first **bold** markdown span out of a
// thinking chunk to use as a short human-readable subject line, mirroring
// agent CLIs that bold a one-line summary at the start of a thinking
// block ("**Analyzing the test failure**\n\nLooking at..."). Returns ""
// if no bold span is present.
func ExtractBoldSubject(thought string) string {
	m := boldSubjectRe.FindStringSubmatch(thought)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

type phaseKeywords struct {
	phase    ThinkingPhase
	keywords []string
}

// keyword tables are checked in this order; the first match wins, so more
// specific phases (coding, reviewing) are listed before the broader
// analyzing/planning buckets.
var classificationTable = []phaseKeywords{
	{PhaseCoding, []string{"implement", "writing code", "edit the file", "refactor", "coding"}},
	{PhaseReviewing, []string{"review", "double-check", "verify", "double check", "checking my work"}},
	{PhasePlanning, []string{"plan", "approach", "strategy", "steps", "i will", "let me think about how"}},
	{PhaseAnalyzing, []string{"analyz", "looking at", "examin", "investigat", "understand"}},
	{PhaseToolPlanning, []string{"tool", "execute", "invok"}},
}

// ClassifyThinking maps a thinking chunk (subject + body) to a phase by
// keyword match against the combined, lowercased text. Returns
// PhaseGeneral if nothing matches.
func ClassifyThinking(subject, thought string) ThinkingPhase {
	haystack := strings.ToLower(subject + " " + thought)
	for _, entry := range classificationTable {
		for _, kw := range entry.keywords {
			if strings.Contains(haystack, kw) {
				return entry.phase
			}
		}
	}
	return PhaseGeneral
}
