package assemble

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sourceonespares/sos-triage/internal/opportunity"
)

func sampleOpp() *opportunity.Opportunity {
	return &opportunity.Opportunity{
		ID:       "HG-1",
		Title:    "BOLT, MACHINE",
		Agency:   "DLA Aviation",
		NAICS:    "336413",
		PSC:      "5306",
		SetAside: "NONE",
		Synopsis: "Full and open competition. NSN 5306002062865.",
		Documents: []opportunity.Document{
			{FileName: "sol.pdf", Text: "See attached drawing package."},
		},
	}
}

func TestBuildOrderAndMarkers(t *testing.T) {
	h := Build(sampleOpp())

	wantOrder := []string{"[title]", "[agency]", "[naics]", "[psc]", "[set_aside]", "[synopsis]", "[document]"}
	last := -1
	for _, m := range wantOrder {
		idx := strings.Index(h.Text, m)
		require.GreaterOrEqual(t, idx, 0, "marker %s missing", m)
		assert.Greater(t, idx, last, "marker %s out of order", m)
		last = idx
	}

	assert.NotContains(t, h.Matchable, "[title]")
	assert.Contains(t, h.Matchable, "BOLT, MACHINE")
	assert.Contains(t, h.Matchable, "NSN 5306002062865")
}

func TestBuildFieldSpans(t *testing.T) {
	h := Build(sampleOpp())

	idx := strings.Index(h.Matchable, "BOLT")
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, FieldTitle, h.FieldAt(idx))

	idx = strings.Index(h.Matchable, "336413")
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, FieldNAICS, h.FieldAt(idx))

	idx = strings.Index(h.Matchable, "drawing package")
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, FieldDocument, h.FieldAt(idx))
}

func TestBuildEveryCharacterTraceable(t *testing.T) {
	h := Build(sampleOpp())
	for i := 0; i < len(h.Matchable); i++ {
		if h.Matchable[i] == '\n' {
			continue
		}
		assert.NotEmpty(t, h.FieldAt(i), "offset %d untraceable", i)
	}
}

func TestBuildDeterministic(t *testing.T) {
	a := Build(sampleOpp())
	b := Build(sampleOpp())
	assert.Equal(t, a.Text, b.Text)
	assert.Equal(t, a.Matchable, b.Matchable)
	assert.Equal(t, a.Spans, b.Spans)
}

func TestBuildTruncatesDocuments(t *testing.T) {
	opp := sampleOpp()
	opp.Documents = []opportunity.Document{
		{Text: strings.Repeat("x", maxDocumentChars+5000)},
	}
	h := Build(opp)
	assert.LessOrEqual(t, strings.Count(h.Matchable, "x"), maxDocumentChars)
}

func TestBuildEmptyOpportunity(t *testing.T) {
	h := Build(&opportunity.Opportunity{})
	assert.Empty(t, strings.TrimSpace(h.Matchable))
	assert.Contains(t, h.Text, "[title]")
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"crlf unified", "a\r\nb\rc", "a\nb\nc"},
		{"spaces collapsed", "a   b\t\tc", "a b c"},
		{"non-printing stripped", "a\x00b\x1bc", "abc"},
		{"case preserved", "Sole SOURCE", "Sole SOURCE"},
		{"newlines kept", "a\n\nb", "a\n\nb"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}
