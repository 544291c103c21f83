// Package assemble builds the searchable haystack for one opportunity. The
// haystack is a single normalized string with field markers, plus an offset
// map so a match can be traced back to the field that produced it.
package assemble

import (
	"strings"
	"unicode"

	"github.com/sourceonespares/sos-triage/internal/opportunity"
)

// Per-document cap. Attachments past this are cut, not the haystack itself.
const maxDocumentChars = 400_000

// Field labels in concatenation order.
const (
	FieldTitle    = "title"
	FieldAgency   = "agency"
	FieldNAICS    = "naics"
	FieldPSC      = "psc"
	FieldSetAside = "set_aside"
	FieldSynopsis = "synopsis"
	FieldDocument = "document"
)

// FieldSpan maps a byte range of the matchable text to its source field.
type FieldSpan struct {
	Start int
	End   int
	Field string
}

// Haystack is the assembled text of one opportunity. Text carries [field]
// markers for debugging; Matchable is the same text with markers stripped,
// which is what the knockout engine scans. Spans index into Matchable.
type Haystack struct {
	Text      string
	Matchable string
	Spans     []FieldSpan
}

// FieldAt returns the source field for a byte offset into Matchable, or ""
// when the offset falls on a separator.
func (h *Haystack) FieldAt(offset int) string {
	for _, s := range h.Spans {
		if offset >= s.Start && offset < s.End {
			return s.Field
		}
	}
	return ""
}

// Build assembles the haystack for one opportunity. Segment order is fixed:
// title, agency, NAICS, PSC, set-aside, synopsis, then each document,
// newline-separated. Empty fields still contribute their marker so segment
// positions stay stable across opportunities.
func Build(opp *opportunity.Opportunity) *Haystack {
	h := &Haystack{}
	var marked strings.Builder
	var plain strings.Builder

	add := func(field, value string) {
		norm := Normalize(value)
		if marked.Len() > 0 {
			marked.WriteByte('\n')
			plain.WriteByte('\n')
		}
		marked.WriteString("[" + field + "]")
		start := plain.Len()
		marked.WriteString(norm)
		plain.WriteString(norm)
		if len(norm) > 0 {
			h.Spans = append(h.Spans, FieldSpan{Start: start, End: plain.Len(), Field: field})
		}
	}

	add(FieldTitle, opp.Title)
	add(FieldAgency, opp.Agency)
	add(FieldNAICS, opp.NAICS)
	add(FieldPSC, opp.PSC)
	add(FieldSetAside, opp.SetAside)
	add(FieldSynopsis, opp.Synopsis)
	for _, doc := range opp.Documents {
		text := doc.Text
		if len(text) > maxDocumentChars {
			text = text[:maxDocumentChars]
		}
		add(FieldDocument, text)
	}

	h.Text = marked.String()
	h.Matchable = plain.String()
	return h
}

// Normalize unifies line endings to \n, strips non-printing characters and
// collapses runs of spaces and tabs to a single space. Case is preserved.
func Normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	var b strings.Builder
	b.Grow(len(s))
	inSpace := false
	for _, r := range s {
		switch {
		case r == ' ' || r == '\t':
			if !inSpace {
				b.WriteByte(' ')
				inSpace = true
			}
		case r == '\n':
			b.WriteByte('\n')
			inSpace = false
		case unicode.IsControl(r) || !unicode.IsPrint(r):
			// dropped
		default:
			b.WriteRune(r)
			inSpace = false
		}
	}
	return b.String()
}
