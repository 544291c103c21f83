// Package assess builds batch inference requests for opportunities that
// survived the knockout stage. The prompt shape matches the triage agent's
// training distribution exactly: one user-role message, no system preamble.
package assess

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/sourceonespares/sos-triage/internal/config"
	"github.com/sourceonespares/sos-triage/internal/opportunity"
)

// Requirements excerpts past this are cut to stay inside the agent's
// context budget.
const maxExcerptChars = 200_000

// Request is one line of the batch input file.
type Request struct {
	CorrelationID string
	Prompt        string
	ModelID       string
	Temperature   float64
	MaxTokens     int
}

// CorrelationID derives the stable per-request identifier that rejoins a
// batch reply to its opportunity: the first 16 hex characters of
// sha256(run_id ":" opp_id).
func CorrelationID(runID, oppID string) string {
	sum := sha256.Sum256([]byte(runID + ":" + oppID))
	return hex.EncodeToString(sum[:])[:16]
}

// Build constructs the inference request for one candidate. Deterministic for
// a fixed (runID, opportunity, model config).
func Build(runID string, opp *opportunity.Opportunity, mc config.ModelConfig) Request {
	return Request{
		CorrelationID: CorrelationID(runID, opp.ID),
		Prompt:        buildPrompt(opp),
		ModelID:       mc.ID,
		Temperature:   mc.Temperature,
		MaxTokens:     mc.MaxTokens,
	}
}

func buildPrompt(opp *opportunity.Opportunity) string {
	var b strings.Builder
	b.WriteString("Assess the following federal contracting opportunity for SOS, ")
	b.WriteString("an aviation and military surplus parts reseller. ")
	b.WriteString("Respond with a JSON object containing decision (GO, NO-GO or NEEDS-ANALYSIS), ")
	b.WriteString("confidence (0 to 1), reasoning, and a checklist of checks performed.\n\n")

	fmt.Fprintf(&b, "Opportunity ID: %s\n", opp.ID)
	fmt.Fprintf(&b, "Announcement: %s\n", opp.AnnouncementNumber)
	fmt.Fprintf(&b, "Title: %s\n", opp.Title)
	fmt.Fprintf(&b, "Agency: %s\n", opp.Agency)
	fmt.Fprintf(&b, "NAICS: %s\n", opp.NAICS)
	fmt.Fprintf(&b, "PSC: %s\n", opp.PSC)
	fmt.Fprintf(&b, "Set-Aside: %s\n", opp.SetAside)
	fmt.Fprintf(&b, "Response Deadline: %s\n", opp.ResponseDeadline)
	if opp.ValueLow > 0 || opp.ValueHigh > 0 {
		fmt.Fprintf(&b, "Value Range: $%.0f - $%.0f\n", opp.ValueLow, opp.ValueHigh)
	}

	b.WriteString("\n--- REQUIREMENTS ---\n")
	b.WriteString(excerpt(opp))
	return b.String()
}

// excerpt concatenates the synopsis and document text, newline-separated,
// truncated to the context budget.
func excerpt(opp *opportunity.Opportunity) string {
	var b strings.Builder
	b.WriteString(opp.Synopsis)
	for _, d := range opp.Documents {
		remaining := maxExcerptChars - b.Len()
		if remaining <= 0 {
			break
		}
		b.WriteByte('\n')
		text := d.Text
		if len(text) > remaining {
			text = text[:remaining]
		}
		b.WriteString(text)
	}
	s := b.String()
	if len(s) > maxExcerptChars {
		s = s[:maxExcerptChars]
	}
	return s
}
