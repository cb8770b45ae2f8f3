package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractBoldSubjectFindsFirstBoldSpan(t *testing.T) {
	assert.Equal(t, "Analyzing the test failure", ExtractBoldSubject("**Analyzing the test failure**\n\nLooking at the stack trace..."))
}

func TestExtractBoldSubjectReturnsEmptyWithoutBold(t *testing.T) {
	assert.Equal(t, "", ExtractBoldSubject("just plain thinking text"))
}

func TestClassifyThinkingOrderPrefersCodingOverAnalyzing(t *testing.T) {
	// "implement" matches coding; "analyz" also appears — coding must win
	// since it is checked first in the table.
	phase := ClassifyThinking("", "I need to analyze this before I implement the fix")
	assert.Equal(t, PhaseCoding, phase)
}

func TestClassifyThinkingReviewing(t *testing.T) {
	assert.Equal(t, PhaseReviewing, ClassifyThinking("", "let me double-check this output"))
}

func TestClassifyThinkingPlanning(t *testing.T) {
	assert.Equal(t, PhasePlanning, ClassifyThinking("", "my approach will have three steps"))
}

func TestClassifyThinkingAnalyzing(t *testing.T) {
	assert.Equal(t, PhaseAnalyzing, ClassifyThinking("", "looking at the logs to understand the failure"))
}

func TestClassifyThinkingToolPlanning(t *testing.T) {
	assert.Equal(t, PhaseToolPlanning, ClassifyThinking("", "I'll use the tool to fetch the file"))
	assert.Equal(t, PhaseToolPlanning, ClassifyThinking("", "let me execute the command now"))
}

func TestClassifyThinkingDefaultsToGeneral(t *testing.T) {
	assert.Equal(t, PhaseGeneral, ClassifyThinking("", "hmm, interesting"))
}

func TestClassifyThinkingUsesSubjectToo(t *testing.T) {
	assert.Equal(t, PhaseCoding, ClassifyThinking("Implementing the fix", "working on it"))
}
