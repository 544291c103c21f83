package sanitize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sourceonespares/sos-triage/internal/opportunity"
)

func TestParseFencedJSON(t *testing.T) {
	reply := "Here is my assessment:\n```json\n{\"decision\": \"GO\", \"confidence\": 0.92, \"reasoning\": \"open competition, surplus eligible\"}\n```\nLet me know."
	v := Parse(reply)
	assert.Equal(t, opportunity.DecisionGo, v.Decision)
	assert.Equal(t, 0.92, v.Confidence)
	assert.Equal(t, "open competition, surplus eligible", v.Reasoning)
}

func TestParseBareJSON(t *testing.T) {
	v := Parse(`{"decision":"NO-GO","reasoning":"F-16 only"}`)
	assert.Equal(t, opportunity.DecisionNoGo, v.Decision)
	assert.Equal(t, "F-16 only", v.Reasoning)
	assert.Equal(t, 0.8, v.Confidence)
}

func TestParseProseWithKeyword(t *testing.T) {
	v := Parse("This one is a GO. Open competition and plenty of surplus stock.")
	assert.Equal(t, opportunity.DecisionGo, v.Decision)
	assert.NotEmpty(t, v.Reasoning)
}

func TestParseMalformedReply(t *testing.T) {
	v := Parse("sure!")
	assert.Equal(t, opportunity.DecisionNeedsAnalysis, v.Decision)
	assert.Equal(t, 0.5, v.Confidence)
	assert.Equal(t, "no rationale returned", v.Reasoning)
}

func TestParseEmptyReply(t *testing.T) {
	v := Parse("")
	assert.Equal(t, opportunity.DecisionNeedsAnalysis, v.Decision)
	assert.Equal(t, 0.5, v.Confidence)
	assert.Equal(t, "no rationale returned", v.Reasoning)
}

func TestSynonymCoercion(t *testing.T) {
	tests := []struct {
		in   string
		want opportunity.Decision
	}{
		{"YES", opportunity.DecisionGo},
		{"pass", opportunity.DecisionGo},
		{"go", opportunity.DecisionGo},
		{"NO", opportunity.DecisionNoGo},
		{"fail", opportunity.DecisionNoGo},
		{"Block", opportunity.DecisionNoGo},
		{"no_go", opportunity.DecisionNoGo},
		{"MAYBE", opportunity.DecisionNeedsAnalysis},
		{"unclear", opportunity.DecisionNeedsAnalysis},
		{"INDETERMINATE", opportunity.DecisionNeedsAnalysis},
		{"gibberish", opportunity.DecisionNeedsAnalysis},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			v := Parse(`{"decision":"` + tt.in + `","reasoning":"some reason"}`)
			assert.Equal(t, tt.want, v.Decision)
		})
	}
}

func TestConfidenceClamped(t *testing.T) {
	v := Parse(`{"decision":"GO","confidence":250,"reasoning":"r"}`)
	assert.Equal(t, 1.0, v.Confidence)

	v = Parse(`{"decision":"GO","confidence":-0.3,"reasoning":"r"}`)
	assert.Equal(t, 0.0, v.Confidence)
}

// The agent reports confidence as integer percent; values on the 0-100 scale
// are rescaled, fractional values pass through.
func TestConfidencePercentScale(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"75", 0.75},
		{"100", 1.0},
		{"1", 1.0},
		{"0.92", 0.92},
		{"0", 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			v := Parse(`{"decision":"GO","confidence":` + tt.in + `,"reasoning":"r"}`)
			assert.Equal(t, tt.want, v.Confidence)
		})
	}
}

func TestConfidenceFromString(t *testing.T) {
	v := Parse(`{"decision":"GO","confidence":"0.75","reasoning":"r"}`)
	assert.Equal(t, 0.75, v.Confidence)
}

func TestConfidenceDefaults(t *testing.T) {
	clear := Parse(`{"decision":"GO","reasoning":"r"}`)
	assert.Equal(t, 0.8, clear.Confidence)

	unclear := Parse(`{"decision":"MAYBE","reasoning":"r"}`)
	assert.Equal(t, 0.5, unclear.Confidence)
}

func TestEmptyReasoningDowngrades(t *testing.T) {
	v := Parse(`{"decision":"GO","confidence":0.99,"reasoning":""}`)
	assert.Equal(t, opportunity.DecisionNeedsAnalysis, v.Decision)
	assert.Equal(t, "no rationale returned", v.Reasoning)
	assert.Equal(t, 0.99, v.Confidence)
}

func TestChecklistParsing(t *testing.T) {
	reply := `{"decision":"GO","reasoning":"r","checklist":[
		{"check_name":"set_aside","decision":"PASS","reason":"none","quote":"NONE"},
		{"check_name":"","decision":"PASS"},
		"not an object",
		{"check_name":"tech_data","decision":"PASS","reason":"drawings available"}
	]}`
	v := Parse(reply)
	require.Len(t, v.Checklist, 2)
	assert.Equal(t, "set_aside", v.Checklist[0].CheckName)
	assert.Equal(t, "NONE", v.Checklist[0].Quote)
	assert.Equal(t, "tech_data", v.Checklist[1].CheckName)
}

// Totality: any input yields a well-formed verdict.
func TestTotality(t *testing.T) {
	inputs := []string{
		"", " ", "sure!", "{", "}", "{{{}}}", "```json\n{broken\n```",
		`{"decision": 42}`, `{"confidence": "high"}`,
		strings.Repeat("x", 100_000),
		"\x00\x01\x02", "```\n\n```",
	}
	for _, in := range inputs {
		v := Parse(in)
		assert.Contains(t, []opportunity.Decision{
			opportunity.DecisionGo, opportunity.DecisionNoGo, opportunity.DecisionNeedsAnalysis,
		}, v.Decision)
		assert.GreaterOrEqual(t, v.Confidence, 0.0)
		assert.LessOrEqual(t, v.Confidence, 1.0)
		assert.NotEmpty(t, v.Reasoning)
	}
}
