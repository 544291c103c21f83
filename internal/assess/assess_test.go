package assess

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sourceonespares/sos-triage/internal/config"
	"github.com/sourceonespares/sos-triage/internal/opportunity"
)

var testModel = config.ModelConfig{ID: "ag:test:latest", Temperature: 0.1, MaxTokens: 2048}

func TestCorrelationIDStableAndShort(t *testing.T) {
	a := CorrelationID("run-1", "HG-42")
	b := CorrelationID("run-1", "HG-42")
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)
	assert.Regexp(t, "^[0-9a-f]{16}$", a)
}

func TestCorrelationIDUniquePerInput(t *testing.T) {
	seen := map[string]bool{}
	for _, run := range []string{"run-1", "run-2"} {
		for _, opp := range []string{"HG-1", "HG-2", "HG-3"} {
			id := CorrelationID(run, opp)
			assert.False(t, seen[id], "collision for %s/%s", run, opp)
			seen[id] = true
		}
	}
}

func TestBuildDeterministic(t *testing.T) {
	opp := &opportunity.Opportunity{ID: "HG-1", Title: "BOLT, MACHINE", Synopsis: "Full and open."}
	a := Build("run-1", opp, testModel)
	b := Build("run-1", opp, testModel)
	assert.Equal(t, a, b)
}

func TestBuildPromptContents(t *testing.T) {
	opp := &opportunity.Opportunity{
		ID:        "HG-1",
		Title:     "BOLT, MACHINE",
		Agency:    "DLA Aviation",
		NAICS:     "336413",
		PSC:       "5306",
		SetAside:  "NONE",
		ValueLow:  10_000,
		ValueHigh: 25_000,
		Synopsis:  "Full and open competition. NSN 5306002062865.",
		Documents: []opportunity.Document{{Text: "Drawing package attached."}},
	}
	req := Build("run-1", opp, testModel)

	assert.Equal(t, "ag:test:latest", req.ModelID)
	assert.Equal(t, 0.1, req.Temperature)
	assert.Equal(t, 2048, req.MaxTokens)
	assert.Contains(t, req.Prompt, "Title: BOLT, MACHINE")
	assert.Contains(t, req.Prompt, "NAICS: 336413")
	assert.Contains(t, req.Prompt, "Value Range: $10000 - $25000")
	assert.Contains(t, req.Prompt, "NSN 5306002062865")
	assert.Contains(t, req.Prompt, "Drawing package attached.")
}

func TestBuildOmitsValueRangeWhenAbsent(t *testing.T) {
	req := Build("run-1", &opportunity.Opportunity{ID: "HG-1"}, testModel)
	assert.NotContains(t, req.Prompt, "Value Range")
}

func TestBuildTruncatesExcerpt(t *testing.T) {
	opp := &opportunity.Opportunity{
		ID:       "HG-1",
		Synopsis: "intro",
		Documents: []opportunity.Document{
			{Text: strings.Repeat("a", maxExcerptChars)},
			{Text: strings.Repeat("b", 1000)},
		},
	}
	req := Build("run-1", opp, testModel)
	assert.NotContains(t, req.Prompt, "bbb")
	assert.LessOrEqual(t, len(req.Prompt), maxExcerptChars+2000)
}
