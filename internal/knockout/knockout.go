// Package knockout applies the rule pack to an assembled haystack. Evaluation
// is a pure function of its inputs: ordered, deterministic, no I/O.
package knockout

import (
	"fmt"

	"github.com/sourceonespares/sos-triage/internal/assemble"
	"github.com/sourceonespares/sos-triage/internal/opportunity"
	"github.com/sourceonespares/sos-triage/internal/rulepack"
)

// Evaluate scans the haystack with every category in pack order. The first
// NO-GO pattern that fires, with no anti-pattern match in the same haystack,
// decides the verdict; the earliest match within a pattern is the cited span.
// REVIEW-disposition rules never knock out; they accumulate as review notes.
// An empty haystack cannot disqualify and yields GO-CANDIDATE.
func Evaluate(hay *assemble.Haystack, pack *rulepack.Pack) opportunity.KnockoutVerdict {
	verdict := opportunity.KnockoutVerdict{
		Decision:    opportunity.DecisionGoCandidate,
		PackVersion: pack.Version(),
	}
	if hay == nil || hay.Matchable == "" {
		return verdict
	}

	text := hay.Matchable
	for _, cat := range pack.Categories {
		for _, pat := range cat.Patterns {
			loc := pat.Regex.FindStringIndex(text)
			if loc == nil {
				continue
			}
			if suppressed(pat, text) {
				continue
			}

			span := text[loc[0]:loc[1]]
			if cat.Disposition == rulepack.DispositionReview {
				note := fmt.Sprintf("%s/%s: %q", cat.ID, pat.ID, span)
				verdict.ReviewNotes = append(verdict.ReviewNotes, note)
				break
			}

			verdict.Decision = opportunity.DecisionNoGo
			verdict.Category = cat.ID
			verdict.MatchedRuleID = pat.ID
			verdict.CitedSpan = span
			verdict.CitedField = hay.FieldAt(loc[0])
			verdict.Rationale = pat.Rationale
			return verdict
		}
	}
	return verdict
}

func suppressed(pat rulepack.Pattern, text string) bool {
	for _, anti := range pat.AntiPatterns {
		if anti.MatchString(text) {
			return true
		}
	}
	return false
}
