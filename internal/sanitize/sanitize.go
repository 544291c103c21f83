// Package sanitize turns raw model replies into well-formed verdicts. Parse
// is total: every input string, including empty or truncated replies, yields
// a usable ModelVerdict, falling back to NEEDS-ANALYSIS.
package sanitize

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/sourceonespares/sos-triage/internal/opportunity"
)

var (
	fenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

	noGoRe = regexp.MustCompile(`(?i)\bNO[-_ ]?GO\b|\bNO\b|\bFAIL\b|\bBLOCK\b`)
	goRe   = regexp.MustCompile(`(?i)\bGO\b|\bYES\b|\bPASS\b`)
)

// Parse extracts and sanitizes a verdict from one reply. Extraction tries, in
// order: a fenced code block holding a JSON object, a bare JSON object, then
// free prose.
func Parse(reply string) opportunity.ModelVerdict {
	raw := extract(reply)
	return normalize(raw)
}

// rawVerdict is the unvalidated extraction result.
type rawVerdict struct {
	decision      string
	confidence    float64
	hasConfidence bool
	reasoning     string
	checklist     []opportunity.CheckItem
}

func extract(reply string) rawVerdict {
	if m := fenceRe.FindStringSubmatch(reply); m != nil {
		if rv, ok := fromJSON(m[1]); ok {
			return rv
		}
	}
	if start, end := strings.Index(reply, "{"), strings.LastIndex(reply, "}"); start >= 0 && end > start {
		if rv, ok := fromJSON(reply[start : end+1]); ok {
			return rv
		}
	}
	return fromProse(reply)
}

func fromJSON(s string) (rawVerdict, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return rawVerdict{}, false
	}

	rv := rawVerdict{}
	if d, ok := obj["decision"].(string); ok {
		rv.decision = d
	}
	switch c := obj["confidence"].(type) {
	case float64:
		rv.confidence = c
		rv.hasConfidence = true
	case string:
		if f, err := strconv.ParseFloat(c, 64); err == nil {
			rv.confidence = f
			rv.hasConfidence = true
		}
	}
	if r, ok := obj["reasoning"].(string); ok {
		rv.reasoning = strings.TrimSpace(r)
	}
	if items, ok := obj["checklist"].([]any); ok {
		rv.checklist = parseChecklist(items)
	}
	return rv, true
}

// parseChecklist keeps well-formed items and silently drops the rest.
func parseChecklist(items []any) []opportunity.CheckItem {
	var out []opportunity.CheckItem
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["check_name"].(string)
		decision, _ := m["decision"].(string)
		if name == "" || decision == "" {
			continue
		}
		reason, _ := m["reason"].(string)
		quote, _ := m["quote"].(string)
		out = append(out, opportunity.CheckItem{
			CheckName: name,
			Decision:  decision,
			Reason:    reason,
			Quote:     quote,
		})
	}
	return out
}

// fromProse looks for a decision keyword in free text. The prose becomes the
// reasoning only when a keyword was actually found.
func fromProse(reply string) rawVerdict {
	text := strings.TrimSpace(reply)
	if text == "" {
		return rawVerdict{}
	}
	if noGoRe.MatchString(text) {
		return rawVerdict{decision: "NO-GO", reasoning: text}
	}
	if goRe.MatchString(text) {
		return rawVerdict{decision: "GO", reasoning: text}
	}
	return rawVerdict{}
}

func normalize(rv rawVerdict) opportunity.ModelVerdict {
	decision := coerceDecision(rv.decision)

	reasoning := rv.reasoning
	if reasoning == "" {
		reasoning = "no rationale returned"
		decision = opportunity.DecisionNeedsAnalysis
	}

	confidence := rv.confidence
	if rv.hasConfidence {
		// the agent natively reports integer percent; rescale before clamping
		if confidence > 1 && confidence <= 100 {
			confidence /= 100
		}
		if confidence < 0 {
			confidence = 0
		}
		if confidence > 1 {
			confidence = 1
		}
	} else if decision == opportunity.DecisionNeedsAnalysis {
		confidence = 0.5
	} else {
		confidence = 0.8
	}

	return opportunity.ModelVerdict{
		Decision:   decision,
		Confidence: confidence,
		Reasoning:  reasoning,
		Checklist:  rv.checklist,
	}
}

// coerceDecision maps the decision string, case-insensitively and with
// synonyms, onto the three canonical values. Anything unrecognized is
// NEEDS-ANALYSIS.
func coerceDecision(s string) opportunity.Decision {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "GO", "YES", "PASS":
		return opportunity.DecisionGo
	case "NO-GO", "NOGO", "NO_GO", "NO GO", "NO", "FAIL", "BLOCK":
		return opportunity.DecisionNoGo
	default:
		return opportunity.DecisionNeedsAnalysis
	}
}
