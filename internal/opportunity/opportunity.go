// Package opportunity defines the core domain types shared across the triage
// pipeline: the opportunity record as fetched upstream, the verdicts produced
// by the knockout engine and the batch model, and the per-run manifest.
package opportunity

import "time"

// Decision is a triage decision at any stage of the pipeline.
type Decision string

const (
	DecisionGo            Decision = "GO"
	DecisionNoGo          Decision = "NO-GO"
	DecisionNeedsAnalysis Decision = "NEEDS-ANALYSIS"

	// DecisionGoCandidate is knockout-stage only: the opportunity survived
	// the rule pack and proceeds to model assessment.
	DecisionGoCandidate Decision = "GO-CANDIDATE"
)

// Document is one attached solicitation document, reduced to its text.
type Document struct {
	FileName string `json:"file_name,omitempty"`
	Text     string `json:"text"`
}

// Opportunity is a federal contracting solicitation record. It is immutable
// after ingestion; every stage reads it and attaches verdicts elsewhere.
type Opportunity struct {
	ID                 string     `json:"opportunity_id"`
	AnnouncementNumber string     `json:"announcement_number"`
	Title              string     `json:"title"`
	Agency             string     `json:"agency"`
	NAICS              string     `json:"naics"`
	PSC                string     `json:"psc"`
	SetAside           string     `json:"set_aside"`
	PostedDate         string     `json:"posted_date"`
	ResponseDeadline   string     `json:"response_deadline"`
	URL                string     `json:"url"`
	ValueLow           float64    `json:"value_low,omitempty"`
	ValueHigh          float64    `json:"value_high,omitempty"`
	Synopsis           string     `json:"synopsis"`
	Documents          []Document `json:"documents,omitempty"`
}

// DocumentTextLen returns the total length of all attached document text.
func (o *Opportunity) DocumentTextLen() int {
	n := 0
	for _, d := range o.Documents {
		n += len(d.Text)
	}
	return n
}

// HasDocuments reports whether the concatenated document text exceeds the
// 500-character threshold used by the assessment CSV.
func (o *Opportunity) HasDocuments() bool {
	return o.DocumentTextLen() > 500
}

// KnockoutVerdict is the deterministic stage-one result for one opportunity.
// MatchedRuleID, Category, CitedSpan, CitedField and Rationale are set iff
// Decision is NO-GO; CitedField names the source field the span came from.
type KnockoutVerdict struct {
	Decision      Decision `json:"decision"`
	MatchedRuleID string   `json:"matched_rule_id,omitempty"`
	Category      string   `json:"category,omitempty"`
	CitedSpan     string   `json:"cited_span,omitempty"`
	CitedField    string   `json:"cited_field,omitempty"`
	Rationale     string   `json:"rationale,omitempty"`
	PackVersion   string   `json:"pack_version"`

	// ReviewNotes records fired REVIEW-disposition rules. They never knock
	// out; they travel with the verdict for the human reader.
	ReviewNotes []string `json:"review_notes,omitempty"`
}

// CheckItem is one entry of a model verdict's checklist.
type CheckItem struct {
	CheckName string `json:"check_name"`
	Decision  string `json:"decision"`
	Reason    string `json:"reason"`
	Quote     string `json:"quote,omitempty"`
}

// ModelVerdict is the sanitized stage-two result for one correlation id.
// After sanitization Decision is always one of GO, NO-GO or NEEDS-ANALYSIS,
// Confidence is within [0,1] and Reasoning is non-empty.
type ModelVerdict struct {
	Decision   Decision    `json:"decision"`
	Confidence float64     `json:"confidence"`
	Reasoning  string      `json:"reasoning"`
	Checklist  []CheckItem `json:"checklist,omitempty"`
}

// RunRecord is the per-invocation manifest written to the run directory.
type RunRecord struct {
	RunID          string         `json:"run_id"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     time.Time      `json:"finished_at,omitzero"`
	SearchIDs      []string       `json:"search_ids"`
	PackVersion    string         `json:"pack_version"`
	ModelID        string         `json:"model_id"`
	BatchJobID     string         `json:"batch_job_id,omitempty"`
	OpportunityIDs []string       `json:"opportunity_ids"`
	Counts         map[string]int `json:"counts"`
	Aborted        bool           `json:"aborted,omitempty"`
}

// FinalDecision applies the authoritative merge rule: a knockout NO-GO is
// final regardless of any model verdict; otherwise the sanitized model
// decision stands. A candidate with no model verdict is NEEDS-ANALYSIS.
func FinalDecision(ko KnockoutVerdict, mv *ModelVerdict) Decision {
	if ko.Decision == DecisionNoGo {
		return DecisionNoGo
	}
	if mv == nil {
		return DecisionNeedsAnalysis
	}
	return mv.Decision
}
